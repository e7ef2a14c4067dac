package sftppool

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// PooledOperations implements Operations by borrowing a session for every
// call. A call that fails discards the session it ran on; a call that
// succeeds returns it to the pool. The pool owns connection lifecycle, so
// Connect and Disconnect do nothing, and working directory changes are
// rejected because they cannot outlive a single call.
type PooledOperations struct {
	pool  *SessionPool
	cfg   Config
	store StoreOptions
	dir   string
	log   *logrus.Entry
}

var _ Operations = (*PooledOperations)(nil)

// NewPooledOperations wraps pool. Relative names are resolved against dir,
// which should be absolute; an empty dir leaves them relative to the
// server's default directory.
func NewPooledOperations(pool *SessionPool, cfg Config, dir string) *PooledOperations {
	cfg = cfg.WithDefaults()
	return &PooledOperations{
		pool:  pool,
		cfg:   cfg,
		store: cfg.Store,
		dir:   dir,
		log:   sessionLogger(cfg),
	}
}

// Pool returns the underlying session pool.
func (o *PooledOperations) Pool() *SessionPool { return o.pool }

// withSession borrows a session, runs op on an executor bound to it, and
// returns or invalidates the session depending on the outcome.
func withSession[R any](ctx context.Context, o *PooledOperations, opName, target string, op func(*boundOperations) (R, error)) (result R, err error) {
	s, err := o.pool.Borrow(ctx)
	if err != nil {
		return result, o.opError(opName, target, false, err)
	}
	log := o.log.WithField("session", s.ID())
	log.WithField("op", opName).Trace("borrowed session")

	settled := false
	defer func() {
		if settled {
			return
		}
		// op panicked: the session state is unknown.
		if ierr := o.pool.Invalidate(s); ierr != nil {
			log.WithError(ierr).Warn("failed to invalidate session")
		}
	}()

	result, err = op(newBoundOperations(s, o.store, o.dir, log))
	settled = true

	if err != nil {
		log.WithField("op", opName).WithError(err).Debug("operation failed, invalidating session")
		if ierr := o.pool.Invalidate(s); ierr != nil {
			log.WithError(ierr).Warn("failed to invalidate session")
		}
		return result, o.opError(opName, target, true, err)
	}

	if rerr := o.pool.Return(s); rerr != nil {
		log.WithError(rerr).Warn("failed to return session")
	}
	return result, nil
}

func (o *PooledOperations) opError(op, target string, remote bool, err error) error {
	return &OperationError{
		Op:     op,
		Host:   o.cfg.Host,
		Port:   o.cfg.Port,
		Path:   target,
		Remote: remote,
		Err:    err,
	}
}

func runOp(ctx context.Context, o *PooledOperations, opName, target string, op func(*boundOperations) error) error {
	_, err := withSession(ctx, o, opName, target, func(b *boundOperations) (struct{}, error) {
		return struct{}{}, op(b)
	})
	return err
}

// Connect is a no-op; sessions are created by the pool on demand.
func (o *PooledOperations) Connect(context.Context) error { return nil }

// IsConnected reports whether the pool still accepts borrows.
func (o *PooledOperations) IsConnected() bool { return !o.pool.IsClosed() }

// Disconnect is a no-op; pooled sessions are never closed by callers.
func (o *PooledOperations) Disconnect() error { return nil }

// ForceDisconnect is a no-op for the same reason as Disconnect.
func (o *PooledOperations) ForceDisconnect() error { return nil }

func (o *PooledOperations) DeleteFile(ctx context.Context, name string) error {
	return runOp(ctx, o, "delete", name, func(b *boundOperations) error {
		return b.DeleteFile(ctx, name)
	})
}

func (o *PooledOperations) RenameFile(ctx context.Context, from, to string) error {
	return runOp(ctx, o, "rename", from, func(b *boundOperations) error {
		return b.RenameFile(ctx, from, to)
	})
}

func (o *PooledOperations) BuildDirectory(ctx context.Context, dir string) error {
	return runOp(ctx, o, "mkdir", dir, func(b *boundOperations) error {
		return b.BuildDirectory(ctx, dir)
	})
}

func (o *PooledOperations) CurrentDirectory(ctx context.Context) (string, error) {
	return withSession(ctx, o, "pwd", "", func(b *boundOperations) (string, error) {
		return b.CurrentDirectory(ctx)
	})
}

// ChangeCurrentDirectory always fails with ErrNotSupported; use absolute paths.
func (o *PooledOperations) ChangeCurrentDirectory(_ context.Context, dir string) error {
	return fmt.Errorf("%w: changing directory to %q in pooled mode, use absolute paths", ErrNotSupported, dir)
}

// ChangeToParentDirectory always fails with ErrNotSupported.
func (o *PooledOperations) ChangeToParentDirectory(context.Context) error {
	return fmt.Errorf("%w: changing to parent directory in pooled mode, use absolute paths", ErrNotSupported)
}

func (o *PooledOperations) ListFiles(ctx context.Context, dir string) ([]RemoteFile, error) {
	return withSession(ctx, o, "list", dir, func(b *boundOperations) ([]RemoteFile, error) {
		return b.ListFiles(ctx, dir)
	})
}

func (o *PooledOperations) RetrieveFile(ctx context.Context, name string, sink io.Writer, size int64) error {
	return runOp(ctx, o, "retrieve", name, func(b *boundOperations) error {
		return b.RetrieveFile(ctx, name, sink, size)
	})
}

// ReleaseRetrievedFileResources closes sink if it holds local resources.
func (o *PooledOperations) ReleaseRetrievedFileResources(sink io.Writer) error {
	return releaseRetrieved(sink)
}

func (o *PooledOperations) StoreFile(ctx context.Context, name string, src io.Reader, size int64) error {
	return runOp(ctx, o, "store", name, func(b *boundOperations) error {
		return b.StoreFile(ctx, name, src, size)
	})
}

func (o *PooledOperations) ExistsFile(ctx context.Context, name string) (bool, error) {
	return withSession(ctx, o, "exists", name, func(b *boundOperations) (bool, error) {
		return b.ExistsFile(ctx, name)
	})
}

func (o *PooledOperations) SendNoop(ctx context.Context) error {
	return runOp(ctx, o, "noop", "", func(b *boundOperations) error {
		return b.SendNoop(ctx)
	})
}

func (o *PooledOperations) SendSiteCommand(ctx context.Context, command string) error {
	return runOp(ctx, o, "site", "", func(b *boundOperations) error {
		return b.SendSiteCommand(ctx, command)
	})
}
