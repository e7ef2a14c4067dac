package sftppool

import (
	"context"
	"fmt"
	"io"
	"path"
	"sync"

	"github.com/sirupsen/logrus"
)

// DirectOperations implements Operations on a single session it owns.
// Calls are serialized. The session is created on Connect or on first use,
// and a call that leaves it dead drops it so the next call reconnects.
// Unlike PooledOperations it keeps a working directory.
type DirectOperations struct {
	factory *SessionFactory
	store   StoreOptions
	log     *logrus.Entry

	mu      sync.Mutex
	session *Session
	cwd     string
}

var _ Operations = (*DirectOperations)(nil)

// NewDirectOperations creates an unpooled executor. dir is the initial
// working directory; empty means the server's default.
func NewDirectOperations(factory *SessionFactory, dir string) *DirectOperations {
	return &DirectOperations{
		factory: factory,
		store:   factory.cfg.Store,
		log:     factory.log,
		cwd:     dir,
	}
}

// Connect establishes the session if there is no live one.
func (d *DirectOperations) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.connectLocked(ctx)
	return err
}

func (d *DirectOperations) connectLocked(ctx context.Context) (*Session, error) {
	if d.session != nil {
		if d.session.IsConnected() {
			return d.session, nil
		}
		d.factory.Destroy(d.session)
		d.session = nil
	}
	s, err := d.factory.Create(ctx)
	if err != nil {
		return nil, err
	}
	d.session = s
	return s, nil
}

// IsConnected reports whether the owned session is up.
func (d *DirectOperations) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session != nil && d.session.IsConnected()
}

// Disconnect closes the owned session.
func (d *DirectOperations) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil {
		return nil
	}
	err := d.session.Close()
	d.session = nil
	return err
}

// ForceDisconnect closes the owned session without waiting for a running call.
func (d *DirectOperations) ForceDisconnect() error {
	d.mu.Lock()
	s := d.session
	d.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Close()
}

func (d *DirectOperations) do(ctx context.Context, op func(*boundOperations) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, err := d.connectLocked(ctx)
	if err != nil {
		return err
	}
	err = op(newBoundOperations(s, d.store, d.cwd, d.log.WithField("session", s.ID())))
	if err != nil && !s.IsConnected() {
		d.factory.Destroy(s)
		d.session = nil
	}
	return err
}

func (d *DirectOperations) DeleteFile(ctx context.Context, name string) error {
	return d.do(ctx, func(b *boundOperations) error { return b.DeleteFile(ctx, name) })
}

func (d *DirectOperations) RenameFile(ctx context.Context, from, to string) error {
	return d.do(ctx, func(b *boundOperations) error { return b.RenameFile(ctx, from, to) })
}

func (d *DirectOperations) BuildDirectory(ctx context.Context, dir string) error {
	return d.do(ctx, func(b *boundOperations) error { return b.BuildDirectory(ctx, dir) })
}

func (d *DirectOperations) CurrentDirectory(ctx context.Context) (string, error) {
	var wd string
	err := d.do(ctx, func(b *boundOperations) error {
		var err error
		wd, err = b.CurrentDirectory(ctx)
		return err
	})
	return wd, err
}

// ChangeCurrentDirectory moves the working directory after checking that
// the target exists and is a directory.
func (d *DirectOperations) ChangeCurrentDirectory(ctx context.Context, dir string) error {
	return d.do(ctx, func(b *boundOperations) error {
		target := b.resolve(dir)
		fi, err := b.channel.Stat(target)
		if err != nil {
			return fmt.Errorf("failed to change directory to %s: %w", target, err)
		}
		if !fi.IsDir() {
			return fmt.Errorf("failed to change directory to %s: not a directory", target)
		}
		if !path.IsAbs(target) {
			if abs, err := b.channel.RealPath(target); err == nil {
				target = abs
			}
		}
		d.cwd = target
		return nil
	})
}

func (d *DirectOperations) ChangeToParentDirectory(ctx context.Context) error {
	return d.do(ctx, func(b *boundOperations) error {
		cwd, err := b.CurrentDirectory(ctx)
		if err != nil {
			return err
		}
		d.cwd = path.Dir(cwd)
		return nil
	})
}

func (d *DirectOperations) ListFiles(ctx context.Context, dir string) ([]RemoteFile, error) {
	var files []RemoteFile
	err := d.do(ctx, func(b *boundOperations) error {
		var err error
		files, err = b.ListFiles(ctx, dir)
		return err
	})
	return files, err
}

func (d *DirectOperations) RetrieveFile(ctx context.Context, name string, sink io.Writer, size int64) error {
	return d.do(ctx, func(b *boundOperations) error { return b.RetrieveFile(ctx, name, sink, size) })
}

func (d *DirectOperations) ReleaseRetrievedFileResources(sink io.Writer) error {
	return releaseRetrieved(sink)
}

func (d *DirectOperations) StoreFile(ctx context.Context, name string, src io.Reader, size int64) error {
	return d.do(ctx, func(b *boundOperations) error { return b.StoreFile(ctx, name, src, size) })
}

func (d *DirectOperations) ExistsFile(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := d.do(ctx, func(b *boundOperations) error {
		var err error
		exists, err = b.ExistsFile(ctx, name)
		return err
	})
	return exists, err
}

func (d *DirectOperations) SendNoop(ctx context.Context) error {
	return d.do(ctx, func(b *boundOperations) error { return b.SendNoop(ctx) })
}

func (d *DirectOperations) SendSiteCommand(ctx context.Context, command string) error {
	return d.do(ctx, func(b *boundOperations) error { return b.SendSiteCommand(ctx, command) })
}
