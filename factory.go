package sftppool

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/pkg/sftp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/net/proxy"
	"golang.org/x/text/encoding"
)

// StageHostKey reports a failure to resolve the known_hosts source.
const StageHostKey = "hostkey"

// SessionFactory creates, checks and tears down sessions for one endpoint.
// It satisfies Factory[*Session].
type SessionFactory struct {
	cfg         Config
	trust       TrustConfig
	dialer      proxy.ContextDialer
	enc         encoding.Encoding
	verifier    *hostKeyVerifier
	log         *logrus.Entry
	bannerLevel logrus.Level
	nextID      atomic.Uint64
}

var _ Factory[*Session] = (*SessionFactory)(nil)

// NewSessionFactory validates cfg and prepares everything that does not need
// the network. The trust configuration is frozen here.
func NewSessionFactory(cfg Config) (*SessionFactory, error) {
	cfg, err := applySSHConfig(cfg)
	if err != nil {
		return nil, err
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dialer, err := newDialer(cfg)
	if err != nil {
		return nil, err
	}
	enc, err := lookupEncoding(cfg.FilenameEncoding)
	if err != nil {
		return nil, err
	}

	log := sessionLogger(cfg)
	if cfg.Compression > 0 {
		log.WithField("compression", cfg.Compression).Warn("SSH compression is not supported, connecting without it")
	}
	if cfg.ServerAliveInterval > 0 && cfg.SoTimeout > 0 {
		log.Debug("server_alive_interval is set, so_timeout is not applied")
	}

	f := &SessionFactory{
		cfg:         cfg,
		trust:       cfg.trustConfig(),
		dialer:      dialer,
		enc:         enc,
		log:         log,
		bannerLevel: parseLogLevel(cfg.ServerMessageLogLevel),
	}
	f.verifier = &hostKeyVerifier{
		trust:     f.trust,
		responder: newInteractiveResponder(cfg, log),
		log:       log,
		appendMu:  &sync.Mutex{},
	}
	return f, nil
}

// Config returns the factory's effective configuration.
func (f *SessionFactory) Config() Config { return f.cfg }

// Trust returns the immutable trust configuration sessions are verified against.
func (f *SessionFactory) Trust() TrustConfig { return f.trust }

// Create establishes a new session: dial, SSH handshake with authentication
// and host key verification, then the SFTP subsystem. ConnectTimeout and ctx
// bound the whole sequence.
func (f *SessionFactory) Create(ctx context.Context) (*Session, error) {
	id := f.nextID.Add(1)
	log := f.log.WithField("session", id)
	responder := newInteractiveResponder(f.cfg, log)

	plan, err := loadAuthPlan(ctx, f.cfg, responder, log)
	if err != nil {
		return nil, connectionError(f.cfg, StageAuth, err)
	}
	defer plan.Close()

	hostKeyCallback, err := f.verifier.callback(ctx)
	if err != nil {
		return nil, connectionError(f.cfg, StageHostKey, err)
	}

	addr := f.firstHop()
	log.WithField("address", addr).Trace("dialing")
	raw, err := f.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		stage := StageDial
		if f.cfg.BastionHost != "" {
			stage = StageBastion
		}
		return nil, connectionError(f.cfg, stage, err)
	}

	conn := raw
	var idle *idleTimeoutConn
	if f.cfg.ServerAliveInterval == 0 && f.cfg.SoTimeout > 0 {
		idle = &idleTimeoutConn{Conn: raw, timeout: f.cfg.SoTimeout}
		conn = idle
	}

	stop := guardConnect(ctx, raw, f.cfg.ConnectTimeout)
	transport, channel, stage, err := f.establish(conn, plan, responder, hostKeyCallback)
	if fired := stop(); fired && err == nil {
		err = context.Cause(ctx)
		stage = StageChannel
	}
	if err != nil {
		if channel != nil {
			channel.Close()
		}
		if transport != nil {
			transport.Close()
		}
		raw.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w: %v", ctxErr, err)
		}
		return nil, connectionError(f.cfg, stage, err)
	}
	if idle != nil {
		idle.arm()
	}

	s := newSession(id, transport, channel, f.log)
	s.startKeepalive(f.cfg.ServerAliveInterval, f.cfg.ServerAliveCountMax)
	log.Info("sftp session established")
	return s, nil
}

func (f *SessionFactory) firstHop() string {
	if f.cfg.BastionHost != "" {
		return net.JoinHostPort(f.cfg.BastionHost, strconv.Itoa(f.cfg.BastionPort))
	}
	return net.JoinHostPort(f.cfg.Host, strconv.Itoa(f.cfg.Port))
}

// establish runs the SSH handshakes and opens the SFTP channel over conn.
// On failure it returns the stage that failed and closes what it opened,
// except conn itself.
func (f *SessionFactory) establish(conn net.Conn, plan *authPlan, r *interactiveResponder, hk ssh.HostKeyCallback) (Transport, FileChannel, string, error) {
	target := net.JoinHostPort(f.cfg.Host, strconv.Itoa(f.cfg.Port))

	var bastion *ssh.Client
	if f.cfg.BastionHost != "" {
		auth, err := buildBastionAuth(f.cfg, plan)
		if err != nil {
			return nil, nil, StageBastion, err
		}
		user := f.cfg.BastionUser
		if user == "" {
			user = f.cfg.Username
		}
		bconn, chans, reqs, err := ssh.NewClientConn(conn, f.firstHop(), f.clientConfig(user, auth, hk))
		if err != nil {
			return nil, nil, StageBastion, err
		}
		bastion = ssh.NewClient(bconn, chans, reqs)

		conn, err = bastion.Dial("tcp", target)
		if err != nil {
			bastion.Close()
			return nil, nil, StageBastion, fmt.Errorf("failed to dial target through bastion: %w", err)
		}
	}

	methods := plan.methods(f.cfg.PreferredAuthentications, r)
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, target, f.clientConfig(f.cfg.Username, methods, hk))
	if err != nil {
		if bastion != nil {
			bastion.Close()
		}
		return nil, nil, StageHandshake, err
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	var transport Transport = client
	if bastion != nil {
		transport = &bastionTransport{Client: client, bastion: bastion}
	}

	var opts []sftp.ClientOption
	if f.cfg.BulkRequests > 0 {
		opts = append(opts, sftp.MaxConcurrentRequestsPerFile(f.cfg.BulkRequests))
	}
	sftpClient, err := sftp.NewClient(client, opts...)
	if err != nil {
		return transport, nil, StageChannel, fmt.Errorf("failed to start sftp subsystem: %w", err)
	}
	return transport, NewSFTPClientWrapper(sftpClient, f.enc), "", nil
}

func (f *SessionFactory) clientConfig(user string, auth []ssh.AuthMethod, hk ssh.HostKeyCallback) *ssh.ClientConfig {
	c := &ssh.ClientConfig{
		User:              user,
		Auth:              auth,
		HostKeyCallback:   hk,
		BannerCallback:    f.logBanner,
		HostKeyAlgorithms: splitList(f.cfg.ServerHostKeys),
		Timeout:           f.cfg.ConnectTimeout,
	}
	c.Ciphers = splitList(f.cfg.Ciphers)
	c.KeyExchanges = splitList(f.cfg.KeyExchangeProtocols)
	c.MACs = splitList(f.cfg.MACs)
	return c
}

func (f *SessionFactory) logBanner(message string) error {
	if msg := sanitizeRemoteText(message); msg != "" {
		f.log.Log(f.bannerLevel, "SFTP server: "+msg)
	}
	return nil
}

// Validate reports whether s is still fully connected. It performs no I/O.
func (f *SessionFactory) Validate(_ context.Context, s *Session) bool {
	return s.IsConnected()
}

// Activate prepares an idle session for use and rejects dead ones with
// ErrStaleConnection.
func (f *SessionFactory) Activate(_ context.Context, s *Session) error {
	if !s.IsConnected() {
		return fmt.Errorf("%w: session %d", ErrStaleConnection, s.ID())
	}
	return nil
}

// Destroy closes s. Errors are logged, never returned.
func (f *SessionFactory) Destroy(s *Session) {
	if err := s.Close(); err != nil {
		f.log.WithField("session", s.ID()).WithError(err).Warn("error closing session")
		return
	}
	f.log.WithField("session", s.ID()).Debug("session closed")
}

// bastionTransport is a target connection tunnelled through a jump host.
// Closing it closes both hops.
type bastionTransport struct {
	*ssh.Client
	bastion *ssh.Client
}

func (t *bastionTransport) Close() error {
	err := t.Client.Close()
	if berr := t.bastion.Close(); err == nil && !isClosedError(berr) {
		err = berr
	}
	return err
}
