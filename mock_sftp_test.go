package sftppool

import (
	"context"
	"errors"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

// mockFileInfo implements os.FileInfo for testing.
type mockFileInfo struct {
	name    string
	size    int64
	mode    os.FileMode
	modTime time.Time
	isDir   bool
}

func (m *mockFileInfo) Name() string       { return m.name }
func (m *mockFileInfo) Size() int64        { return m.size }
func (m *mockFileInfo) Mode() os.FileMode  { return m.mode }
func (m *mockFileInfo) ModTime() time.Time { return m.modTime }
func (m *mockFileInfo) IsDir() bool        { return m.isDir }
func (m *mockFileInfo) Sys() any           { return nil }

type mockEntry struct {
	content []byte
	mode    os.FileMode
	dir     bool
}

// mockFS is an in-memory remote filesystem that several mock channels can
// share, the way sessions of one pool share a server.
type mockFS struct {
	mu     sync.Mutex
	files  map[string]*mockEntry
	errors map[string]error
	calls  map[string]int
	wd     string
}

func newMockFS() *mockFS {
	return &mockFS{
		files:  map[string]*mockEntry{"/": {dir: true, mode: os.ModeDir | 0o755}},
		errors: make(map[string]error),
		calls:  make(map[string]int),
		wd:     "/home/tester",
	}
}

// SetError makes every later call of method fail with err. A nil err clears it.
func (m *mockFS) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errors, method)
		return
	}
	m.errors[method] = err
}

// SetFile creates a file and its parent directories.
func (m *mockFS) SetFile(p string, content []byte, mode os.FileMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mkdirAllLocked(path.Dir(m.abs(p)))
	m.files[m.abs(p)] = &mockEntry{content: content, mode: mode}
}

// File returns the content of a file and whether it exists.
func (m *mockFS) File(p string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.files[m.abs(p)]
	if !ok || e.dir {
		return nil, false
	}
	return append([]byte(nil), e.content...), true
}

// Mode returns the permission bits of a file.
func (m *mockFS) Mode(p string) os.FileMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.files[m.abs(p)]; ok {
		return e.mode
	}
	return 0
}

// Calls returns how often method was called.
func (m *mockFS) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

func (m *mockFS) abs(p string) string {
	if path.IsAbs(p) {
		return path.Clean(p)
	}
	return path.Join(m.wd, p)
}

// enter counts the call and returns the injected error, if any.
func (m *mockFS) enter(method string) error {
	m.calls[method]++
	return m.errors[method]
}

func (m *mockFS) mkdirAllLocked(dir string) {
	for d := dir; d != "/" && d != "."; d = path.Dir(d) {
		if _, ok := m.files[d]; !ok {
			m.files[d] = &mockEntry{dir: true, mode: os.ModeDir | 0o755}
		}
	}
}

func (m *mockFS) info(p string, e *mockEntry) os.FileInfo {
	return &mockFileInfo{
		name:    path.Base(p),
		size:    int64(len(e.content)),
		mode:    e.mode,
		modTime: time.Now(),
		isDir:   e.dir,
	}
}

// mockChannel implements FileChannel over a mockFS. Closing it ends Wait,
// so sessions built on it notice the channel going away.
type mockChannel struct {
	fs     *mockFS
	done   chan struct{}
	once   sync.Once
	closed atomic.Bool
}

var _ FileChannel = (*mockChannel)(nil)

func newMockChannel(fs *mockFS) *mockChannel {
	return &mockChannel{fs: fs, done: make(chan struct{})}
}

func (c *mockChannel) Open(p string) (SFTPFile, error) {
	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()
	if err := c.fs.enter("Open"); err != nil {
		return nil, err
	}
	e, ok := c.fs.files[c.fs.abs(p)]
	if !ok || e.dir {
		return nil, os.ErrNotExist
	}
	return &mockFile{fs: c.fs, path: c.fs.abs(p), buf: append([]byte(nil), e.content...)}, nil
}

func (c *mockChannel) OpenFile(p string, flag int) (SFTPFile, error) {
	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()
	if err := c.fs.enter("OpenFile"); err != nil {
		return nil, err
	}
	abs := c.fs.abs(p)
	e, ok := c.fs.files[abs]
	if !ok {
		if flag&os.O_CREATE == 0 {
			return nil, os.ErrNotExist
		}
		e = &mockEntry{mode: 0o644}
		c.fs.files[abs] = e
	}
	f := &mockFile{fs: c.fs, path: abs, writable: flag&(os.O_WRONLY|os.O_RDWR) != 0}
	if flag&os.O_TRUNC == 0 {
		f.buf = append([]byte(nil), e.content...)
	}
	return f, nil
}

func (c *mockChannel) Create(p string) (SFTPFile, error) {
	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()
	if err := c.fs.enter("Create"); err != nil {
		return nil, err
	}
	abs := c.fs.abs(p)
	if parent, ok := c.fs.files[path.Dir(abs)]; !ok || !parent.dir {
		return nil, os.ErrNotExist
	}
	c.fs.files[abs] = &mockEntry{mode: 0o644}
	return &mockFile{fs: c.fs, path: abs, writable: true}, nil
}

func (c *mockChannel) Remove(p string) error {
	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()
	if err := c.fs.enter("Remove"); err != nil {
		return err
	}
	abs := c.fs.abs(p)
	if _, ok := c.fs.files[abs]; !ok {
		return os.ErrNotExist
	}
	delete(c.fs.files, abs)
	return nil
}

func (c *mockChannel) RemoveDirectory(p string) error {
	return c.Remove(p)
}

func (c *mockChannel) Rename(oldname, newname string) error {
	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()
	if err := c.fs.enter("Rename"); err != nil {
		return err
	}
	from, to := c.fs.abs(oldname), c.fs.abs(newname)
	e, ok := c.fs.files[from]
	if !ok {
		return os.ErrNotExist
	}
	if parent, ok := c.fs.files[path.Dir(to)]; !ok || !parent.dir {
		return os.ErrNotExist
	}
	if _, exists := c.fs.files[to]; exists {
		return os.ErrExist
	}
	delete(c.fs.files, from)
	c.fs.files[to] = e
	return nil
}

func (c *mockChannel) Stat(p string) (os.FileInfo, error) {
	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()
	if err := c.fs.enter("Stat"); err != nil {
		return nil, err
	}
	abs := c.fs.abs(p)
	e, ok := c.fs.files[abs]
	if !ok {
		return nil, os.ErrNotExist
	}
	return c.fs.info(abs, e), nil
}

func (c *mockChannel) Lstat(p string) (os.FileInfo, error) {
	return c.Stat(p)
}

func (c *mockChannel) ReadDir(p string) ([]os.FileInfo, error) {
	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()
	if err := c.fs.enter("ReadDir"); err != nil {
		return nil, err
	}
	dir := c.fs.abs(p)
	if e, ok := c.fs.files[dir]; !ok || !e.dir {
		return nil, os.ErrNotExist
	}

	var infos []os.FileInfo
	for name, e := range c.fs.files {
		if name != dir && path.Dir(name) == dir {
			infos = append(infos, c.fs.info(name, e))
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })
	return infos, nil
}

func (c *mockChannel) Chmod(p string, mode os.FileMode) error {
	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()
	if err := c.fs.enter("Chmod"); err != nil {
		return err
	}
	e, ok := c.fs.files[c.fs.abs(p)]
	if !ok {
		return os.ErrNotExist
	}
	e.mode = mode
	return nil
}

func (c *mockChannel) MkdirAll(p string) error {
	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()
	if err := c.fs.enter("MkdirAll"); err != nil {
		return err
	}
	c.fs.mkdirAllLocked(c.fs.abs(p))
	return nil
}

func (c *mockChannel) Getwd() (string, error) {
	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()
	if err := c.fs.enter("Getwd"); err != nil {
		return "", err
	}
	return c.fs.wd, nil
}

func (c *mockChannel) RealPath(p string) (string, error) {
	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()
	if err := c.fs.enter("RealPath"); err != nil {
		return "", err
	}
	return c.fs.abs(p), nil
}

func (c *mockChannel) Wait() error {
	<-c.done
	return nil
}

func (c *mockChannel) Close() error {
	c.once.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})
	return nil
}

// mockFile buffers writes and commits them to the filesystem on Close.
type mockFile struct {
	fs       *mockFS
	path     string
	buf      []byte
	off      int64
	writable bool
	closed   bool
}

func (f *mockFile) Read(p []byte) (int, error) {
	if f.off >= int64(len(f.buf)) {
		return 0, io.EOF
	}
	n := copy(p, f.buf[f.off:])
	f.off += int64(n)
	return n, nil
}

func (f *mockFile) Write(p []byte) (int, error) {
	f.fs.mu.Lock()
	err := f.fs.errors["Write"]
	f.fs.mu.Unlock()
	if err != nil {
		return 0, err
	}
	end := f.off + int64(len(p))
	if end > int64(len(f.buf)) {
		grown := make([]byte, end)
		copy(grown, f.buf)
		f.buf = grown
	}
	copy(f.buf[f.off:], p)
	f.off = end
	return len(p), nil
}

func (f *mockFile) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		f.off = offset
	case io.SeekCurrent:
		f.off += offset
	case io.SeekEnd:
		f.off = int64(len(f.buf)) + offset
	default:
		return 0, errors.New("invalid whence")
	}
	return f.off, nil
}

func (f *mockFile) Close() error {
	if f.closed {
		return os.ErrClosed
	}
	f.closed = true
	if !f.writable {
		return nil
	}
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if e, ok := f.fs.files[f.path]; ok {
		e.content = f.buf
	} else {
		f.fs.files[f.path] = &mockEntry{content: f.buf, mode: 0o644}
	}
	return nil
}

// mockTransport implements Transport. Keepalives succeed until it is closed
// or told to fail.
type mockTransport struct {
	done        chan struct{}
	once        sync.Once
	failRequest atomic.Bool
	requests    atomic.Int32
}

var _ Transport = (*mockTransport)(nil)

func newMockTransport() *mockTransport {
	return &mockTransport{done: make(chan struct{})}
}

func (t *mockTransport) SendRequest(name string, wantReply bool, payload []byte) (bool, []byte, error) {
	t.requests.Add(1)
	select {
	case <-t.done:
		return false, nil, io.EOF
	default:
	}
	if t.failRequest.Load() {
		return false, nil, errors.New("request failed")
	}
	return true, nil, nil
}

func (t *mockTransport) Wait() error {
	<-t.done
	return nil
}

func (t *mockTransport) Close() error {
	t.once.Do(func() { close(t.done) })
	return nil
}

func discardEntry() *logrus.Entry {
	logger, _ := newTestLogger()
	return logrus.NewEntry(logger)
}

// newMockSession builds a session over a fresh mock transport and a channel
// on fs.
func newMockSession(t testing.TB, id uint64, fs *mockFS) (*Session, *mockTransport, *mockChannel) {
	t.Helper()
	tr := newMockTransport()
	ch := newMockChannel(fs)
	s := newSession(id, tr, ch, discardEntry())
	t.Cleanup(func() { _ = s.Close() })
	return s, tr, ch
}

// mockSessionFactory creates mock sessions that share one filesystem.
type mockSessionFactory struct {
	t  testing.TB
	fs *mockFS

	mu         sync.Mutex
	sessions   []*Session
	transports []*mockTransport
	createErr  error
	nextID     uint64
}

var _ Factory[*Session] = (*mockSessionFactory)(nil)

func newMockSessionFactory(t testing.TB, fs *mockFS) *mockSessionFactory {
	return &mockSessionFactory{t: t, fs: fs}
}

func (f *mockSessionFactory) Create(ctx context.Context) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.createErr != nil {
		return nil, &ConnectionError{Host: "mock", Port: 22, User: testUser, Stage: StageDial, Err: f.createErr}
	}
	f.nextID++
	s, tr, _ := newMockSession(f.t, f.nextID, f.fs)
	f.sessions = append(f.sessions, s)
	f.transports = append(f.transports, tr)
	return s, nil
}

func (f *mockSessionFactory) Validate(_ context.Context, s *Session) bool {
	return s.IsConnected()
}

func (f *mockSessionFactory) Activate(_ context.Context, s *Session) error {
	if !s.IsConnected() {
		return ErrStaleConnection
	}
	return nil
}

func (f *mockSessionFactory) Destroy(s *Session) {
	_ = s.Close()
}

func (f *mockSessionFactory) created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

// killAll drops the transport of every session created so far.
func (f *mockSessionFactory) killAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tr := range f.transports {
		_ = tr.Close()
	}
}

func (f *mockSessionFactory) setCreateError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createErr = err
}

// isMissing reports whether err means the remote file does not exist.
func isMissing(err error) bool {
	return errors.Is(err, os.ErrNotExist) || strings.Contains(strings.ToLower(errString(err)), "not exist")
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
