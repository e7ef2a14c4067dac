package sftppool

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const keepaliveRequest = "keepalive@openssh.com"

// Transport is the authenticated SSH connection a session runs over.
// *ssh.Client satisfies it.
type Transport interface {
	SendRequest(name string, wantReply bool, payload []byte) (bool, []byte, error)
	Wait() error
	Close() error
}

// FileChannel abstracts the SFTP subsystem channel for testing.
type FileChannel interface {
	Open(path string) (SFTPFile, error)
	OpenFile(path string, flag int) (SFTPFile, error)
	Create(path string) (SFTPFile, error)
	Remove(path string) error
	RemoveDirectory(path string) error
	Rename(oldname, newname string) error
	Stat(path string) (os.FileInfo, error)
	Lstat(path string) (os.FileInfo, error)
	ReadDir(path string) ([]os.FileInfo, error)
	Chmod(path string, mode os.FileMode) error
	MkdirAll(path string) error
	Getwd() (string, error)
	RealPath(path string) (string, error)
	Wait() error
	Close() error
}

// SFTPFile abstracts remote file operations for testing.
type SFTPFile interface {
	io.Reader
	io.Writer
	io.Seeker
	io.Closer
}

// Session is an authenticated SSH transport plus an open SFTP channel,
// pooled as one unit. A session is usable only while both halves are up.
type Session struct {
	id        uint64
	createdAt time.Time
	transport Transport
	channel   FileChannel
	log       *logrus.Entry

	transportDone chan struct{}
	channelDone   chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
	stop      chan struct{}
}

func newSession(id uint64, t Transport, c FileChannel, log *logrus.Entry) *Session {
	s := &Session{
		id:            id,
		createdAt:     time.Now(),
		transport:     t,
		channel:       c,
		log:           log.WithField("session", id),
		transportDone: make(chan struct{}),
		channelDone:   make(chan struct{}),
		stop:          make(chan struct{}),
	}
	go watch(t.Wait, s.transportDone)
	go watch(c.Wait, s.channelDone)
	return s
}

func watch(wait func() error, done chan struct{}) {
	_ = wait()
	close(done)
}

// ID returns the session's identifier, unique per factory.
func (s *Session) ID() uint64 { return s.id }

// CreatedAt returns when the session was established.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Transport returns the underlying SSH connection.
func (s *Session) Transport() Transport { return s.transport }

// Channel returns the SFTP channel.
func (s *Session) Channel() FileChannel { return s.channel }

// IsConnected reports whether both the transport and the channel are up.
func (s *Session) IsConnected() bool {
	if s.closed.Load() {
		return false
	}
	select {
	case <-s.transportDone:
		return false
	case <-s.channelDone:
		return false
	default:
		return true
	}
}

// Close disconnects the channel and then the transport. It is safe to call
// more than once; later calls return the first result.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.stop)

		var errs []error
		if err := s.channel.Close(); err != nil && !isClosedError(err) {
			errs = append(errs, err)
		}
		if err := s.transport.Close(); err != nil && !isClosedError(err) {
			errs = append(errs, err)
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// SendKeepalive sends one keepalive request and waits for the reply.
// A refusal from the server still proves the connection is alive.
func (s *Session) SendKeepalive() error {
	_, _, err := s.transport.SendRequest(keepaliveRequest, true, nil)
	return err
}

// startKeepalive probes the server every interval. After countMax
// consecutive probes fail or go unanswered within interval, the transport is
// closed so the session reports itself dead.
func (s *Session) startKeepalive(interval time.Duration, countMax int) {
	if interval <= 0 {
		return
	}
	if countMax < 1 {
		countMax = 1
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		missed := 0
		for {
			select {
			case <-s.stop:
				return
			case <-s.transportDone:
				return
			case <-ticker.C:
			}

			if s.probe(interval) {
				missed = 0
				continue
			}
			missed++
			s.log.WithField("missed", missed).Debug("keepalive unanswered")
			if missed >= countMax {
				s.log.WithField("missed", missed).Warn("server not responding to keepalives, closing session")
				_ = s.transport.Close()
				return
			}
		}
	}()
}

func (s *Session) probe(timeout time.Duration) bool {
	result := make(chan error, 1)
	go func() { result <- s.SendKeepalive() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-result:
		return err == nil
	case <-timer.C:
		return false
	case <-s.stop:
		return false
	}
}

func isClosedError(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) || errors.Is(err, net.ErrClosed)
}
