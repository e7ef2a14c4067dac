package sftppool

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"golang.org/x/crypto/ssh/knownhosts"
)

// Sentinel errors. Structured errors below unwrap to one of these so callers
// can classify failures with errors.Is.
var (
	// ErrConnection means the SSH transport or the SFTP channel could not be established.
	ErrConnection = errors.New("sftp connection failed")

	// ErrStaleConnection means an idle session was found dead when it was about
	// to be handed out. The pool recovers from it by creating a replacement.
	ErrStaleConnection = errors.New("stale sftp session")

	// ErrPoolExhausted means no session became available within the wait limit.
	ErrPoolExhausted = errors.New("session pool exhausted")

	// ErrPoolClosed means the pool has been shut down.
	ErrPoolClosed = errors.New("session pool closed")

	// ErrRemoteOperation means a file operation failed on a borrowed session.
	ErrRemoteOperation = errors.New("remote operation failed")

	// ErrNotSupported means the operation cannot be performed in the current mode.
	ErrNotSupported = errors.New("operation not supported")

	// ErrNotBorrowed means an object was returned or invalidated that the pool
	// did not hand out.
	ErrNotBorrowed = errors.New("object not borrowed from this pool")

	// ErrFileExists means a store was rejected by the Fail file-exist policy.
	ErrFileExists = errors.New("remote file already exists")

	// ErrInvalidConfig means a configuration value can never produce a session.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Connection stages reported in ConnectionError.Stage.
const (
	StageAuth      = "auth"
	StageDial      = "dial"
	StageHandshake = "handshake"
	StageBastion   = "bastion"
	StageChannel   = "sftp"
)

// ConnectionError describes a failed session establishment.
type ConnectionError struct {
	Host  string
	Port  int
	User  string
	Stage string
	Err   error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("sftp connect %s@%s (%s): %v",
		e.User, net.JoinHostPort(e.Host, strconv.Itoa(e.Port)), e.Stage, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Is reports ErrConnection as a match so every ConnectionError classifies
// without callers needing errors.As.
func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// OperationError wraps a failed file operation with the endpoint it ran against.
// Remote is true when the operation ran on a session and that session was
// discarded; it is false when no session could be obtained.
type OperationError struct {
	Op     string
	Host   string
	Port   int
	Path   string
	Remote bool
	Err    error
}

func (e *OperationError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Path != "" {
		b.WriteString(" ")
		b.WriteString(e.Path)
	}
	b.WriteString(" on ")
	b.WriteString(net.JoinHostPort(e.Host, strconv.Itoa(e.Port)))
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *OperationError) Unwrap() error { return e.Err }

func (e *OperationError) Is(target error) bool {
	return e.Remote && target == ErrRemoteOperation
}

// HostKeyMismatchError is returned when a server presents a key that differs
// from the one recorded for it.
type HostKeyMismatchError struct {
	Hostname     string
	ReceivedType string
	Source       string
	Want         []knownhosts.KnownKey
}

func (e *HostKeyMismatchError) Error() string {
	return fmt.Sprintf("host key mismatch for %s: server sent %s key", e.Hostname, e.ReceivedType)
}

// Suggestion returns steps an operator can take to fix the mismatch.
func (e *HostKeyMismatchError) Suggestion() string {
	host := e.Hostname
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	var wantTypes []string
	for _, k := range e.Want {
		wantTypes = append(wantTypes, k.Key.Type())
	}
	want := "unknown"
	if len(wantTypes) > 0 {
		want = strings.Join(wantTypes, ", ")
	}

	return fmt.Sprintf(
		"The server's host key doesn't match %s.\n"+
			"  Known types: %s\n"+
			"  Server sent: %s\n"+
			"  Remove the old entry with: ssh-keygen -R %s",
		e.Source, want, e.ReceivedType, host)
}

func connectionError(cfg Config, stage string, err error) error {
	return &ConnectionError{
		Host:  cfg.Host,
		Port:  cfg.Port,
		User:  cfg.Username,
		Stage: stage,
		Err:   err,
	}
}
