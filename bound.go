package sftppool

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sync"

	"github.com/sirupsen/logrus"
)

// boundOperations executes file operations against a session it was handed.
// It owns nothing: constructing one does no I/O, and the only time it closes
// the session is to abort a transfer whose context is done.
type boundOperations struct {
	session *Session
	channel FileChannel
	store   StoreOptions
	cwd     string
	log     *logrus.Entry
}

func newBoundOperations(s *Session, store StoreOptions, cwd string, log *logrus.Entry) *boundOperations {
	return &boundOperations{
		session: s,
		channel: s.Channel(),
		store:   store,
		cwd:     cwd,
		log:     log,
	}
}

func (b *boundOperations) resolve(name string) string { return resolveRemote(b.cwd, name) }

// DeleteFile removes a file. A missing file is not an error.
func (b *boundOperations) DeleteFile(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("operation cancelled: %w", err)
	}

	err := b.channel.Remove(b.resolve(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to delete remote file: %w", err)
	}
	return nil
}

func (b *boundOperations) RenameFile(ctx context.Context, from, to string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("operation cancelled: %w", err)
	}
	if err := b.channel.Rename(b.resolve(from), b.resolve(to)); err != nil {
		return fmt.Errorf("failed to rename %s to %s: %w", from, to, err)
	}
	return nil
}

func (b *boundOperations) BuildDirectory(ctx context.Context, dir string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("operation cancelled: %w", err)
	}
	target := b.resolve(dir)
	if !needsParent(target) {
		return nil
	}
	if err := b.channel.MkdirAll(target); err != nil {
		return fmt.Errorf("failed to create remote directory %s: %w", target, err)
	}
	return nil
}

func (b *boundOperations) CurrentDirectory(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("operation cancelled: %w", err)
	}
	if b.cwd != "" {
		return b.cwd, nil
	}
	wd, err := b.channel.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}
	return wd, nil
}

func (b *boundOperations) ListFiles(ctx context.Context, dir string) ([]RemoteFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("operation cancelled: %w", err)
	}

	target := b.resolve(dir)
	infos, err := b.channel.ReadDir(target)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", target, err)
	}

	files := make([]RemoteFile, 0, len(infos))
	for _, fi := range infos {
		name := fi.Name()
		if name == "." || name == ".." {
			continue
		}
		files = append(files, RemoteFile{
			Name:    name,
			Path:    path.Join(target, name),
			Size:    fi.Size(),
			Mode:    fi.Mode(),
			ModTime: fi.ModTime(),
			IsDir:   fi.IsDir(),
			IsLink:  fi.Mode()&os.ModeSymlink != 0,
		})
	}
	return files, nil
}

func (b *boundOperations) ExistsFile(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("operation cancelled: %w", err)
	}

	return b.exists(b.resolve(name))
}

func (b *boundOperations) exists(target string) (bool, error) {
	_, err := b.channel.Stat(target)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// RetrieveFile copies a remote file into sink.
func (b *boundOperations) RetrieveFile(ctx context.Context, name string, sink io.Writer, size int64) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("operation cancelled: %w", err)
	}

	target := b.resolve(name)
	file, err := b.channel.Open(target)
	if err != nil {
		return fmt.Errorf("failed to open remote file: %w", err)
	}

	gate := &gatedWriter{w: sink}
	n, err := b.copyWithContext(ctx, gate, file, gate.shut)
	if err != nil {
		if ctx.Err() == nil {
			file.Close()
		}
		return fmt.Errorf("failed to read remote file: %w", err)
	}
	file.Close()
	if size >= 0 && n != size {
		b.log.WithFields(logrus.Fields{"path": target, "expected": size, "read": n}).
			Debug("retrieved size differs from expected size")
	}
	return nil
}

// StoreFile uploads src to name, honoring the store options.
func (b *boundOperations) StoreFile(ctx context.Context, name string, src io.Reader, size int64) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("operation cancelled: %w", err)
	}

	target := b.resolve(name)
	policy := b.store.FileExist
	if policy == "" {
		policy = FileExistOverride
	}

	if policy == FileExistFail || policy == FileExistIgnore {
		exists, err := b.exists(target)
		if err != nil {
			return fmt.Errorf("failed to check remote file: %w", err)
		}
		if exists {
			if policy == FileExistFail {
				return fmt.Errorf("%w: %s", ErrFileExists, target)
			}
			b.log.WithField("path", target).Debug("remote file exists, skipping store")
			return nil
		}
	}

	if dir := path.Dir(target); !b.store.SkipParentDirs && needsParent(dir) {
		if err := b.channel.MkdirAll(dir); err != nil {
			return fmt.Errorf("failed to create remote directory %s: %w", dir, err)
		}
	}

	upload := target
	if b.store.TempPrefix != "" && policy != FileExistAppend {
		upload = path.Join(path.Dir(target), b.store.TempPrefix+path.Base(target))
	}

	var (
		file SFTPFile
		err  error
	)
	if policy == FileExistAppend {
		file, err = b.channel.OpenFile(upload, os.O_WRONLY|os.O_CREATE)
		if err == nil {
			if _, serr := file.Seek(0, io.SeekEnd); serr != nil {
				file.Close()
				err = serr
			}
		}
	} else {
		file, err = b.channel.Create(upload)
	}
	if err != nil {
		return fmt.Errorf("failed to create remote file: %w", err)
	}

	n, err := b.copyWithContext(ctx, file, src, nil)
	if err != nil {
		if ctx.Err() == nil {
			file.Close()
		}
		return fmt.Errorf("failed to copy file content: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close remote file: %w", err)
	}
	if size >= 0 && n != size {
		b.log.WithFields(logrus.Fields{"path": target, "expected": size, "written": n}).
			Debug("stored size differs from expected size")
	}

	if upload != target {
		if err := b.channel.Remove(target); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to replace %s: %w", target, err)
		}
		if err := b.channel.Rename(upload, target); err != nil {
			return fmt.Errorf("failed to rename %s to %s: %w", upload, target, err)
		}
	}

	if b.store.Chmod != "" {
		mode, err := parseMode(b.store.Chmod)
		if err != nil {
			return err
		}
		if err := b.channel.Chmod(target, mode); err != nil {
			return fmt.Errorf("failed to set permissions: %w", err)
		}
	}
	return nil
}

// SendNoop proves both halves of the session respond: a keepalive on the
// transport, then a round trip on the SFTP channel.
func (b *boundOperations) SendNoop(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("operation cancelled: %w", err)
	}
	if err := b.session.SendKeepalive(); err != nil {
		return fmt.Errorf("keepalive failed: %w", err)
	}
	if _, err := b.channel.Getwd(); err != nil {
		return fmt.Errorf("sftp channel not responding: %w", err)
	}
	return nil
}

func (b *boundOperations) SendSiteCommand(_ context.Context, command string) error {
	b.log.WithField("command", command).Debug("site commands are not supported over SFTP, ignoring")
	return nil
}

// copyWithContext copies src to dst. If ctx is done first, it runs stop,
// closes the session so remote I/O in flight fails, and returns without
// waiting for the copy. The remote file must then not be closed: pkg/sftp
// holds the file lock for the whole copy. A src blocked in Read keeps the copy
// goroutine alive until Read returns.
func (b *boundOperations) copyWithContext(ctx context.Context, dst io.Writer, src io.Reader, stop func()) (int64, error) {
	type result struct {
		n   int64
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := io.Copy(dst, src)
		done <- result{n, err}
	}()

	select {
	case r := <-done:
		return r.n, r.err
	case <-ctx.Done():
		if stop != nil {
			stop()
		}
		if err := b.session.Close(); err != nil {
			b.log.WithError(err).Debug("error closing session after cancelled transfer")
		}
		return 0, fmt.Errorf("transfer cancelled: %w", ctx.Err())
	}
}

// gatedWriter forwards writes until shut is called. shut waits for a write
// in progress, so nothing reaches w after it returns.
type gatedWriter struct {
	mu     sync.Mutex
	w      io.Writer
	closed bool
}

func (g *gatedWriter) Write(p []byte) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return 0, io.ErrClosedPipe
	}
	return g.w.Write(p)
}

func (g *gatedWriter) shut() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}
