package sftppool

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

const (
	testUser     = "tester"
	testPassword = "s3cret"
)

// generateTestRSAKey creates a test RSA private key and returns both PEM-encoded
// key content and a path to a temp file containing the key.
func generateTestRSAKey(t *testing.T) (string, string) {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	privateKeyPEM := string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	}))

	keyPath := filepath.Join(t.TempDir(), "test_rsa_key")
	require.NoError(t, os.WriteFile(keyPath, []byte(privateKeyPEM), 0o600))
	return privateKeyPEM, keyPath
}

// generateTestEd25519Key creates an OpenSSH formatted ed25519 key, optionally
// encrypted with passphrase, and writes it to a temp file.
func generateTestEd25519Key(t *testing.T, passphrase string) (ed25519.PrivateKey, string, string) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	var block *pem.Block
	if passphrase != "" {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(priv, "", []byte(passphrase))
	} else {
		block, err = ssh.MarshalPrivateKey(priv, "")
	}
	require.NoError(t, err)

	keyPEM := string(pem.EncodeToMemory(block))
	keyPath := filepath.Join(t.TempDir(), "test_ed25519_key")
	require.NoError(t, os.WriteFile(keyPath, []byte(keyPEM), 0o600))
	return priv, keyPEM, keyPath
}

func publicKeyOf(t *testing.T, priv ed25519.PrivateKey) ssh.PublicKey {
	t.Helper()
	pub, err := ssh.NewPublicKey(priv.Public())
	require.NoError(t, err)
	return pub
}

// createTestFileStructure creates a directory structure with files for testing.
// Files is a map of relative path -> content.
func createTestFileStructure(t testing.TB, files map[string][]byte) string {
	t.Helper()

	tmpDir := t.TempDir()
	for relPath, content := range files {
		fullPath := filepath.Join(tmpDir, relPath)
		require.NoError(t, os.MkdirAll(filepath.Dir(fullPath), 0o755))
		require.NoError(t, os.WriteFile(fullPath, content, 0o644))
	}
	return tmpDir
}

// newTestLogger returns a logger that records entries instead of printing them.
func newTestLogger() (*logrus.Logger, *logtest.Hook) {
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.TraceLevel)
	return logger, hook
}

// testServerOptions configures an in-process SSH server.
type testServerOptions struct {
	password      string
	authorizedKey ssh.PublicKey
	banner        string
	// refuseSFTP rejects the sftp subsystem request.
	refuseSFTP bool
	// allowForwarding accepts direct-tcpip channels, making the server usable
	// as a bastion.
	allowForwarding bool
}

// testServer is an SSH server with an in-memory SFTP filesystem shared by
// every connection.
type testServer struct {
	t        testing.TB
	opts     testServerOptions
	listener net.Listener
	hostKey  ssh.Signer
	handlers sftp.Handlers
	host     string
	port     int

	mu       sync.Mutex
	attempts []string
	conns    []net.Conn
	accepted int
}

func startTestServer(t testing.TB, opts testServerOptions) *testServer {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostKey, err := ssh.NewSignerFromKey(hostPriv)
	require.NoError(t, err)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	addr := l.Addr().(*net.TCPAddr)
	s := &testServer{
		t:        t,
		opts:     opts,
		listener: l,
		hostKey:  hostKey,
		handlers: sftp.InMemHandler(),
		host:     "127.0.0.1",
		port:     addr.Port,
	}
	go s.acceptLoop()

	t.Cleanup(func() {
		_ = l.Close()
		s.dropConnections()
	})
	return s
}

func (s *testServer) addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// knownHostsLine returns a known_hosts entry for this server.
func (s *testServer) knownHostsLine() string {
	return knownHostsLineFor(s.addr(), s.hostKey.PublicKey())
}

func knownHostsLineFor(addr string, key ssh.PublicKey) string {
	return "[127.0.0.1]:" + portOf(addr) + " " + string(bytes.TrimSpace(ssh.MarshalAuthorizedKey(key))) + "\n"
}

func portOf(addr string) string {
	_, port, _ := net.SplitHostPort(addr)
	return port
}

func (s *testServer) authAttempts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.attempts...)
}

func (s *testServer) connectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// dropConnections closes every connection the server holds, simulating a
// server restart or network failure.
func (s *testServer) dropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (s *testServer) record(method string) {
	s.mu.Lock()
	s.attempts = append(s.attempts, method)
	s.mu.Unlock()
}

func (s *testServer) serverConfig() *ssh.ServerConfig {
	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pw []byte) (*ssh.Permissions, error) {
			s.record(AuthPassword)
			if s.opts.password != "" && string(pw) == s.opts.password {
				return nil, nil
			}
			return nil, errors.New("password rejected")
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			s.record(AuthPublicKey)
			if s.opts.authorizedKey != nil && bytes.Equal(key.Marshal(), s.opts.authorizedKey.Marshal()) {
				return nil, nil
			}
			return nil, errors.New("key rejected")
		},
		KeyboardInteractiveCallback: func(c ssh.ConnMetadata, challenge ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
			s.record(AuthKeyboardInteractive)
			answers, err := challenge(c.User(), "", []string{"Password: "}, []bool{false})
			if err != nil {
				return nil, err
			}
			if s.opts.password != "" && len(answers) == 1 && answers[0] == s.opts.password {
				return nil, nil
			}
			return nil, errors.New("keyboard-interactive rejected")
		},
	}
	if s.opts.banner != "" {
		cfg.BannerCallback = func(ssh.ConnMetadata) string { return s.opts.banner }
	}
	cfg.AddHostKey(s.hostKey)
	return cfg
}

func (s *testServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.accepted++
		s.mu.Unlock()
		go s.handleConn(conn)
	}
}

func (s *testServer) handleConn(conn net.Conn) {
	defer conn.Close()

	_, chans, reqs, err := ssh.NewServerConn(conn, s.serverConfig())
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		switch newCh.ChannelType() {
		case "session":
			go s.handleSession(newCh)
		case "direct-tcpip":
			if !s.opts.allowForwarding {
				_ = newCh.Reject(ssh.Prohibited, "forwarding disabled")
				continue
			}
			go s.handleForward(newCh)
		default:
			_ = newCh.Reject(ssh.UnknownChannelType, "unsupported channel type")
		}
	}
}

func (s *testServer) handleSession(newCh ssh.NewChannel) {
	ch, reqs, err := newCh.Accept()
	if err != nil {
		return
	}
	defer ch.Close()

	for req := range reqs {
		ok := !s.opts.refuseSFTP && req.Type == "subsystem" &&
			len(req.Payload) > 4 && string(req.Payload[4:]) == "sftp"
		_ = req.Reply(ok, nil)
		if !ok {
			continue
		}
		go ssh.DiscardRequests(reqs)

		server := sftp.NewRequestServer(ch, s.handlers)
		if err := server.Serve(); err != nil && !errors.Is(err, io.EOF) {
			s.t.Logf("sftp server: %v", err)
		}
		_ = server.Close()
		return
	}
}

func (s *testServer) handleForward(newCh ssh.NewChannel) {
	var payload struct {
		Host       string
		Port       uint32
		OriginHost string
		OriginPort uint32
	}
	if err := ssh.Unmarshal(newCh.ExtraData(), &payload); err != nil {
		_ = newCh.Reject(ssh.ConnectionFailed, "bad payload")
		return
	}

	target, err := net.DialTimeout("tcp", net.JoinHostPort(payload.Host, strconv.Itoa(int(payload.Port))), 5*time.Second)
	if err != nil {
		_ = newCh.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	ch, reqs, err := newCh.Accept()
	if err != nil {
		_ = target.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	go func() {
		_, _ = io.Copy(ch, target)
		_ = ch.CloseWrite()
	}()
	_, _ = io.Copy(target, ch)
	_ = target.Close()
	_ = ch.Close()
}

// newTestConfig returns a password config for srv that never touches the
// user's known_hosts file.
func newTestConfig(t testing.TB, srv *testServer) Config {
	t.Helper()

	logger, _ := newTestLogger()
	return Config{
		Host:                     srv.host,
		Port:                     srv.port,
		Username:                 testUser,
		Password:                 testPassword,
		IgnoreUserKnownHostsFile: true,
		ConnectTimeout:           5 * time.Second,
		Logger:                   logger,
	}
}

// newTestFactory creates a factory for srv with customize applied to the
// default test config.
func newTestFactory(t testing.TB, srv *testServer, customize func(*Config)) *SessionFactory {
	t.Helper()

	cfg := newTestConfig(t, srv)
	if customize != nil {
		customize(&cfg)
	}
	f, err := NewSessionFactory(cfg)
	require.NoError(t, err)
	return f
}
