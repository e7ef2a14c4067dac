package sftppool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"slices"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// Auth method names understood in PreferredAuthentications.
const (
	AuthPublicKey           = "publickey"
	AuthKeyboardInteractive = "keyboard-interactive"
	AuthPassword            = "password"
)

const defaultPreferredAuthentications = AuthPublicKey + "," + AuthKeyboardInteractive + "," + AuthPassword

const certSuffix = "-cert-v01@openssh.com"

// interactiveResponder answers the prompts a server or the host key check
// may raise while a session is being established. It never reveals secrets
// other than the configured password, and only to password style prompts.
type interactiveResponder struct {
	password    string
	autoConfirm bool
	log         *logrus.Entry
}

func newInteractiveResponder(cfg Config, log *logrus.Entry) *interactiveResponder {
	return &interactiveResponder{
		password:    cfg.Password,
		autoConfirm: cfg.AutoCreateKnownHostsFile,
		log:         log,
	}
}

// KeyboardInteractive answers every question with the configured password.
func (r *interactiveResponder) KeyboardInteractive(name, instruction string, questions []string, echos []bool) ([]string, error) {
	if len(questions) == 0 {
		return nil, nil
	}
	r.log.WithField("prompts", len(questions)).Trace("answering keyboard-interactive prompts")
	answers := make([]string, len(questions))
	for i := range questions {
		answers[i] = r.password
	}
	return answers, nil
}

// ConfirmUnknownHost is asked whether to trust a host or create a missing
// known_hosts file. It only says yes when auto-creation is enabled.
func (r *interactiveResponder) ConfirmUnknownHost(prompt string) bool {
	r.log.WithField("prompt", prompt).WithField("answer", r.autoConfirm).Warn("host key confirmation requested")
	return r.autoConfirm
}

// PassphraseNeeded logs that a key could not be used without a passphrase.
func (r *interactiveResponder) PassphraseNeeded(source string) {
	r.log.WithField("key", source).Warn("private key is encrypted and no passphrase is configured, skipping it")
}

// keySource is one configured identity in precedence order.
type keySource struct {
	name string
	load func(ctx context.Context) ([]byte, error)
}

// authPlan is the resolved set of identities for one connection attempt.
type authPlan struct {
	signers  []ssh.Signer
	password string
	agent    net.Conn
}

// Close releases the agent connection, if one was opened.
func (p *authPlan) Close() {
	if p.agent != nil {
		p.agent.Close()
		p.agent = nil
	}
}

// loadAuthPlan resolves every configured identity. Keys are kept in the order
// private key file, private key text, private key URI, key pair, with a
// matching certificate moved to the front.
func loadAuthPlan(ctx context.Context, cfg Config, r *interactiveResponder, log *logrus.Entry) (*authPlan, error) {
	plan := &authPlan{password: cfg.Password}

	var sources []keySource
	if cfg.PrivateKeyFile != "" {
		path := ExpandPath(cfg.PrivateKeyFile)
		sources = append(sources, keySource{name: path, load: func(context.Context) ([]byte, error) {
			return os.ReadFile(path)
		}})
	}
	if cfg.PrivateKey != "" {
		sources = append(sources, keySource{name: "private_key", load: func(context.Context) ([]byte, error) {
			return []byte(cfg.PrivateKey), nil
		}})
	}
	if cfg.PrivateKeyURI != "" {
		uri := cfg.PrivateKeyURI
		sources = append(sources, keySource{name: redactURL(uri), load: func(ctx context.Context) ([]byte, error) {
			return loadResource(ctx, uri)
		}})
	}

	for _, src := range sources {
		data, err := src.load(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key %s: %w", src.name, err)
		}
		signer, err := parsePrivateKey(data, cfg.PrivateKeyPassphrase)
		if err != nil {
			var missing *ssh.PassphraseMissingError
			if errors.As(err, &missing) {
				r.PassphraseNeeded(src.name)
				continue
			}
			return nil, fmt.Errorf("failed to parse private key %s: %w", src.name, err)
		}
		log.WithField("key", src.name).WithField("type", signer.PublicKey().Type()).Trace("loaded identity")
		plan.signers = append(plan.signers, signer)
	}

	if cfg.KeyPair != nil {
		signer, err := ssh.NewSignerFromSigner(cfg.KeyPair)
		if err != nil {
			return nil, fmt.Errorf("failed to use key pair: %w", err)
		}
		plan.signers = append(plan.signers, signer)
	}

	if cfg.Certificate != "" || cfg.CertificateFile != "" {
		certSigner, err := buildCertificateSigner(cfg, plan.signers)
		if err != nil {
			return nil, err
		}
		plan.signers = append([]ssh.Signer{certSigner}, plan.signers...)
	}

	if cfg.PublicKeyAcceptedAlgorithms != "" {
		plan.signers = restrictSigners(plan.signers, splitList(cfg.PublicKeyAcceptedAlgorithms), log)
	}

	if len(plan.signers) == 0 && plan.password == "" {
		if conn, signers := dialAgent(); conn != nil {
			log.WithField("keys", len(signers)).Debug("no identity configured, using ssh-agent")
			plan.agent = conn
			plan.signers = signers
		}
	}

	if len(plan.signers) == 0 && plan.password == "" {
		return nil, fmt.Errorf("no SSH authentication method configured (set password, a private key or a key pair)")
	}
	return plan, nil
}

// methods returns the auth methods ordered by the preferred authentications
// list. The password is only handed to password style methods.
func (p *authPlan) methods(preferred string, r *interactiveResponder) []ssh.AuthMethod {
	if preferred == "" {
		preferred = defaultPreferredAuthentications
	}

	var methods []ssh.AuthMethod
	seen := make(map[string]bool)
	for _, name := range splitList(preferred) {
		if seen[name] {
			continue
		}
		seen[name] = true
		switch name {
		case AuthPublicKey:
			if len(p.signers) > 0 {
				methods = append(methods, ssh.PublicKeys(p.signers...))
			}
		case AuthKeyboardInteractive:
			if p.password != "" {
				methods = append(methods, ssh.KeyboardInteractive(r.KeyboardInteractive))
			}
		case AuthPassword:
			if p.password != "" {
				methods = append(methods, ssh.Password(p.password))
			}
		default:
			r.log.WithField("method", name).Debug("ignoring unsupported authentication method")
		}
	}
	return methods
}

func parsePrivateKey(data []byte, passphrase string) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey(data)
	if err == nil {
		return signer, nil
	}
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) && passphrase != "" {
		return ssh.ParsePrivateKeyWithPassphrase(data, []byte(passphrase))
	}
	return nil, err
}

func buildCertificateSigner(cfg Config, signers []ssh.Signer) (ssh.Signer, error) {
	certData := []byte(cfg.Certificate)
	if cfg.Certificate == "" {
		var err error
		certData, err = os.ReadFile(ExpandPath(cfg.CertificateFile))
		if err != nil {
			return nil, fmt.Errorf("failed to read certificate file: %w", err)
		}
	}

	pubKey, _, _, _, err := ssh.ParseAuthorizedKey(certData)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	cert, ok := pubKey.(*ssh.Certificate)
	if !ok {
		return nil, fmt.Errorf("provided certificate is not an SSH certificate")
	}

	want := cert.Key.Marshal()
	for _, s := range signers {
		if bytes.Equal(s.PublicKey().Marshal(), want) {
			certSigner, err := ssh.NewCertSigner(cert, s)
			if err != nil {
				return nil, fmt.Errorf("failed to create certificate signer: %w", err)
			}
			return certSigner, nil
		}
	}
	return nil, fmt.Errorf("certificate does not match any configured private key")
}

// restrictSigners limits each signer to the accepted signature algorithms.
// Signers with no acceptable algorithm are dropped.
func restrictSigners(signers []ssh.Signer, accepted []string, log *logrus.Entry) []ssh.Signer {
	var out []ssh.Signer
	for _, s := range signers {
		keyType := strings.TrimSuffix(s.PublicKey().Type(), certSuffix)
		supported := signatureAlgorithms(keyType)

		var algos []string
		for _, a := range accepted {
			a = strings.TrimSuffix(a, certSuffix)
			if slices.Contains(supported, a) && !slices.Contains(algos, a) {
				algos = append(algos, a)
			}
		}
		if len(algos) == 0 {
			log.WithField("type", s.PublicKey().Type()).Debug("identity excluded by public_key_accepted_algorithms")
			continue
		}

		as, ok := s.(ssh.AlgorithmSigner)
		if !ok {
			out = append(out, s)
			continue
		}
		restricted, err := ssh.NewSignerWithAlgorithms(as, algos)
		if err != nil {
			log.WithError(err).Debug("could not restrict identity algorithms, using defaults")
			out = append(out, s)
			continue
		}
		out = append(out, restricted)
	}
	return out
}

func signatureAlgorithms(keyType string) []string {
	if keyType == ssh.KeyAlgoRSA {
		return []string{ssh.KeyAlgoRSASHA512, ssh.KeyAlgoRSASHA256, ssh.KeyAlgoRSA}
	}
	return []string{keyType}
}

// dialAgent connects to the running ssh-agent. It returns a nil conn when no
// agent is reachable or it holds no keys.
func dialAgent() (net.Conn, []ssh.Signer) {
	socket := os.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil, nil
	}
	conn, err := net.Dial("unix", socket)
	if err != nil {
		return nil, nil
	}
	signers, err := agent.NewClient(conn).Signers()
	if err != nil || len(signers) == 0 {
		conn.Close()
		return nil, nil
	}
	return conn, signers
}

// buildBastionAuth resolves the bastion's credentials, falling back to the
// target's identities when no bastion specific material is set.
func buildBastionAuth(cfg Config, target *authPlan) ([]ssh.AuthMethod, error) {
	if cfg.BastionPassword != "" {
		return []ssh.AuthMethod{ssh.Password(cfg.BastionPassword)}, nil
	}

	var keyData []byte
	switch {
	case cfg.BastionKey != "":
		keyData = []byte(cfg.BastionKey)
	case cfg.BastionKeyPath != "":
		var err error
		keyData, err = os.ReadFile(ExpandPath(cfg.BastionKeyPath))
		if err != nil {
			return nil, fmt.Errorf("failed to read bastion key file: %w", err)
		}
	default:
		if len(target.signers) == 0 {
			return nil, fmt.Errorf("no SSH key configured for bastion host")
		}
		return []ssh.AuthMethod{ssh.PublicKeys(target.signers...)}, nil
	}

	signer, err := parsePrivateKey(keyData, cfg.PrivateKeyPassphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to parse bastion SSH key: %w", err)
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}

// splitList splits a comma separated preference string, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
