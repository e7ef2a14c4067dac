package sftppool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// knownHostsSource is a resolved known_hosts database.
type knownHostsSource struct {
	name     string
	callback ssh.HostKeyCallback
	// path is set when new host keys may be appended to the source.
	path string
}

// hostKeyVerifier applies one TrustConfig to the host keys servers present.
type hostKeyVerifier struct {
	trust     TrustConfig
	responder *interactiveResponder
	log       *logrus.Entry
	// appendMu serializes writes to the known_hosts file.
	appendMu *sync.Mutex
}

// callback resolves the known_hosts source and returns the callback for one
// connection attempt. Sources are consulted in the order: inline text, file,
// URI, then the user's ~/.ssh/known_hosts.
func (v *hostKeyVerifier) callback(ctx context.Context) (ssh.HostKeyCallback, error) {
	src, err := v.resolve(ctx)
	if err != nil {
		return nil, err
	}

	if src == nil {
		switch v.trust.StrictHostKeyChecking {
		case StrictYes:
			return func(hostname string, _ net.Addr, _ ssh.PublicKey) error {
				return fmt.Errorf("no known_hosts source available to verify %s and strict host key checking is enabled", hostname)
			}, nil
		case StrictAsk:
			return func(hostname string, _ net.Addr, key ssh.PublicKey) error {
				if err := v.confirm(hostname, key); err != nil {
					return err
				}
				v.log.WithField("fingerprint", ssh.FingerprintSHA256(key)).
					Warn("accepted host key without a known_hosts source")
				return nil
			}, nil
		}
		return func(hostname string, _ net.Addr, key ssh.PublicKey) error {
			v.log.WithField("fingerprint", ssh.FingerprintSHA256(key)).
				Warn("no known_hosts source available, host key verification disabled")
			return nil
		}, nil
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := src.callback(hostname, remote, key)
		if err == nil {
			return nil
		}

		var keyErr *knownhosts.KeyError
		if !errors.As(err, &keyErr) {
			return err
		}
		if len(keyErr.Want) > 0 {
			return &HostKeyMismatchError{
				Hostname:     hostname,
				ReceivedType: key.Type(),
				Source:       src.name,
				Want:         keyErr.Want,
			}
		}
		return v.unknownHost(src, hostname, key)
	}, nil
}

func (v *hostKeyVerifier) unknownHost(src *knownHostsSource, hostname string, key ssh.PublicKey) error {
	fingerprint := ssh.FingerprintSHA256(key)
	switch v.trust.StrictHostKeyChecking {
	case StrictYes:
		return fmt.Errorf("host key for %s (%s) is not in %s and strict host key checking is enabled",
			hostname, fingerprint, src.name)
	case StrictAsk:
		if err := v.confirm(hostname, key); err != nil {
			return err
		}
	}

	entry := v.log.WithField("fingerprint", fingerprint)
	if src.path == "" {
		entry.Warn("accepted unknown host key")
		return nil
	}
	if err := v.record(src.path, hostname, key); err != nil {
		entry.WithError(err).Warn("accepted unknown host key but could not record it")
		return nil
	}
	entry.WithField("known_hosts", src.path).Info("added host key to known_hosts")
	return nil
}

// confirm asks the responder whether to trust an unknown host key.
func (v *hostKeyVerifier) confirm(hostname string, key ssh.PublicKey) error {
	fingerprint := ssh.FingerprintSHA256(key)
	prompt := fmt.Sprintf("The authenticity of host %s can't be established. %s key fingerprint is %s.",
		hostname, key.Type(), fingerprint)
	if !v.responder.ConfirmUnknownHost(prompt) {
		return fmt.Errorf("host key for %s (%s) was rejected", hostname, fingerprint)
	}
	return nil
}

func (v *hostKeyVerifier) record(path, hostname string, key ssh.PublicKey) error {
	v.appendMu.Lock()
	defer v.appendMu.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	_, err = f.WriteString(line + "\n")
	return err
}

func (v *hostKeyVerifier) resolve(ctx context.Context) (*knownHostsSource, error) {
	t := v.trust
	switch {
	case t.KnownHosts != "":
		cb, err := parseKnownHosts([]byte(t.KnownHosts))
		if err != nil {
			return nil, fmt.Errorf("failed to parse known_hosts: %w", err)
		}
		return &knownHostsSource{name: "known_hosts", callback: cb}, nil

	case t.KnownHostsFile != "":
		return v.fileSource(ExpandPath(t.KnownHostsFile))

	case t.KnownHostsURI != "":
		data, err := loadResource(ctx, t.KnownHostsURI)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts from %s: %w", redactURL(t.KnownHostsURI), err)
		}
		cb, err := parseKnownHosts(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse known_hosts from %s: %w", redactURL(t.KnownHostsURI), err)
		}
		return &knownHostsSource{name: redactURL(t.KnownHostsURI), callback: cb}, nil

	case t.UseUserKnownHostsFile:
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, nil
		}
		return v.fileSource(filepath.Join(home, ".ssh", "known_hosts"))
	}
	return nil, nil
}

// fileSource loads a known_hosts file, creating it first when it is missing
// and the responder agrees. A missing file that is not created is no source.
func (v *hostKeyVerifier) fileSource(path string) (*knownHostsSource, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if !v.trust.AutoCreateKnownHostsFile || !v.responder.ConfirmUnknownHost("create missing known_hosts file "+path) {
			v.log.WithField("known_hosts", path).Debug("known_hosts file does not exist")
			return nil, nil
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create known_hosts directory: %w", err)
		}
		if err := os.WriteFile(path, nil, 0o600); err != nil {
			return nil, fmt.Errorf("failed to create known_hosts: %w", err)
		}
	}

	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load known_hosts file %s: %w", path, err)
	}
	return &knownHostsSource{name: path, callback: cb, path: path}, nil
}

// parseKnownHosts builds a callback from in-memory known_hosts content.
// knownhosts only reads files, so the content goes through a temp file.
func parseKnownHosts(data []byte) (ssh.HostKeyCallback, error) {
	f, err := os.CreateTemp("", "known_hosts-*")
	if err != nil {
		return nil, err
	}
	defer os.Remove(f.Name())

	if _, err := f.Write(data); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return knownhosts.New(f.Name())
}
