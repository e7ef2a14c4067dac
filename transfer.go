package sftppool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Symlink policies for ScanDirectory.
const (
	SymlinkFollow   = "follow"
	SymlinkSkip     = "skip"
	SymlinkPreserve = "preserve"
)

// TransferOptions controls a push.
type TransferOptions struct {
	// ExcludePatterns are glob patterns matched against the base name and the
	// relative path of each file.
	ExcludePatterns []string

	// SymlinkPolicy is one of SymlinkFollow (default), SymlinkSkip or
	// SymlinkPreserve. Preserved links are hashed by target and not uploaded.
	SymlinkPolicy string

	// Parallelism bounds concurrent uploads. Defaults to 4.
	Parallelism int

	// DryRun hashes local files without touching the remote side.
	DryRun bool
}

// WithDefaults returns a copy of the options with defaults applied.
func (o TransferOptions) WithDefaults() TransferOptions {
	if o.SymlinkPolicy == "" {
		o.SymlinkPolicy = SymlinkFollow
	}
	if o.Parallelism <= 0 {
		o.Parallelism = 4
	}
	return o
}

// TransferResult describes one file transfer.
type TransferResult struct {
	LocalPath  string
	RemotePath string
	Hash       string
	Size       int64
	Changed    bool
	Error      error
}

// DirectoryResult aggregates a directory push.
type DirectoryResult struct {
	Files        []TransferResult
	Uploaded     int
	Skipped      int
	Errors       int
	TotalSize    int64
	CombinedHash string
}

// Transfer moves files between the local filesystem and any Operations,
// retrying transient failures. With PooledOperations parallel uploads each
// borrow their own session.
type Transfer struct {
	ops         Operations
	retryConfig RetryConfig
	log         logrus.FieldLogger
}

// TransferOption configures a Transfer.
type TransferOption func(*Transfer)

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(config RetryConfig) TransferOption {
	return func(t *Transfer) {
		t.retryConfig = config
	}
}

// WithTransferLogger sets the logger used for retries and progress.
func WithTransferLogger(log logrus.FieldLogger) TransferOption {
	return func(t *Transfer) {
		t.log = log
	}
}

// NewTransfer creates a Transfer over ops.
func NewTransfer(ops Operations, opts ...TransferOption) *Transfer {
	t := &Transfer{
		ops:         ops,
		retryConfig: DefaultRetryConfig(),
		log:         logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.retryConfig.Logger == nil {
		t.retryConfig.Logger = t.log
	}
	return t
}

// Operations returns the underlying operations.
func (t *Transfer) Operations() Operations {
	return t.ops
}

// PushFile uploads a single local file to remotePath.
func (t *Transfer) PushFile(ctx context.Context, localPath, remotePath string, opts TransferOptions) (*TransferResult, error) {
	opts = opts.WithDefaults()

	result := &TransferResult{
		LocalPath:  localPath,
		RemotePath: remotePath,
	}

	sum, size, err := HashFile(localPath)
	if err != nil {
		result.Error = fmt.Errorf("failed to hash local file: %w", err)
		return result, result.Error
	}
	result.Hash = sum
	result.Size = size

	if opts.DryRun {
		result.Changed = true
		return result, nil
	}

	if err := t.upload(ctx, localPath, remotePath, size); err != nil {
		result.Error = err
		return result, err
	}

	result.Changed = true
	return result, nil
}

func (t *Transfer) upload(ctx context.Context, localPath, remotePath string, size int64) error {
	return Retry(ctx, t.retryConfig, "store file", func() error {
		f, err := os.Open(localPath)
		if err != nil {
			return fmt.Errorf("failed to open local file: %w", err)
		}
		defer f.Close()
		return t.ops.StoreFile(ctx, remotePath, f, size)
	})
}

// PushDirectory uploads every file under localDir to remoteDir.
// Individual failures are recorded in the result and do not stop other
// uploads; the returned error is reserved for scan failures.
func (t *Transfer) PushDirectory(ctx context.Context, localDir, remoteDir string, opts TransferOptions) (*DirectoryResult, error) {
	opts = opts.WithDefaults()

	files, err := ScanDirectory(localDir, opts.ExcludePatterns, opts.SymlinkPolicy)
	if err != nil {
		return nil, fmt.Errorf("failed to scan directory: %w", err)
	}

	result := &DirectoryResult{CombinedHash: ComputeCombinedHash(files)}
	results := make([]TransferResult, len(files))

	if opts.DryRun {
		for i, f := range files {
			results[i] = TransferResult{
				LocalPath:  filepath.Join(localDir, f.RelPath),
				RemotePath: path.Join(remoteDir, filepath.ToSlash(f.RelPath)),
				Hash:       f.Hash,
				Size:       f.Size,
				Changed:    true,
			}
			result.TotalSize += f.Size
		}
		result.Files = results
		result.Uploaded = len(files)
		return result, nil
	}

	var g errgroup.Group
	g.SetLimit(opts.Parallelism)

	for i, file := range files {
		r := &results[i]
		*r = TransferResult{
			LocalPath:  filepath.Join(localDir, file.RelPath),
			RemotePath: path.Join(remoteDir, filepath.ToSlash(file.RelPath)),
			Hash:       file.Hash,
			Size:       file.Size,
		}
		if file.IsSymlink {
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				r.Error = err
				return nil
			}
			if err := t.upload(ctx, r.LocalPath, r.RemotePath, r.Size); err != nil {
				r.Error = err
				t.log.WithError(err).WithField("path", r.RemotePath).Warn("upload failed")
				return nil
			}
			r.Changed = true
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		switch {
		case r.Error != nil:
			result.Errors++
		case r.Changed:
			result.Uploaded++
			result.TotalSize += r.Size
		default:
			result.Skipped++
		}
	}
	result.Files = results
	return result, nil
}

// Fetch downloads remotePath into localPath, creating parent directories.
func (t *Transfer) Fetch(ctx context.Context, remotePath, localPath string) (*TransferResult, error) {
	result := &TransferResult{
		LocalPath:  localPath,
		RemotePath: remotePath,
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		result.Error = fmt.Errorf("failed to create local directory: %w", err)
		return result, result.Error
	}

	err := Retry(ctx, t.retryConfig, "retrieve file", func() error {
		f, err := os.Create(localPath)
		if err != nil {
			return fmt.Errorf("failed to create local file: %w", err)
		}
		sink := &hashingWriter{w: f, h: sha256.New()}
		if err := t.ops.RetrieveFile(ctx, remotePath, sink, -1); err != nil {
			_ = t.ops.ReleaseRetrievedFileResources(sink)
			return err
		}
		result.Hash = formatDigest(sink.h)
		result.Size = sink.n
		return t.ops.ReleaseRetrievedFileResources(sink)
	})
	if err != nil {
		result.Error = err
		return result, err
	}

	result.Changed = true
	return result, nil
}

// Delete removes a remote file.
func (t *Transfer) Delete(ctx context.Context, remotePath string) error {
	return Retry(ctx, t.retryConfig, "delete file", func() error {
		return t.ops.DeleteFile(ctx, remotePath)
	})
}

type hashingWriter struct {
	w    io.WriteCloser
	h    hash.Hash
	n    int64
	once sync.Once
}

func (hw *hashingWriter) Write(p []byte) (int, error) {
	n, err := hw.w.Write(p)
	hw.h.Write(p[:n])
	hw.n += int64(n)
	return n, err
}

func (hw *hashingWriter) Close() error {
	var err error
	hw.once.Do(func() { err = hw.w.Close() })
	return err
}

// FileInfo describes one local file found by ScanDirectory.
type FileInfo struct {
	RelPath       string
	Hash          string
	Size          int64
	IsSymlink     bool
	SymlinkTarget string
}

// ScanDirectory lists the regular files under root, sorted by relative path,
// hashing each one. Symlinks are handled per symlinkPolicy (default follow);
// preserved links carry "symlink:<target>" as their hash.
func ScanDirectory(root string, excludePatterns []string, symlinkPolicy string) ([]FileInfo, error) {
	if symlinkPolicy == "" {
		symlinkPolicy = SymlinkFollow
	}

	var files []FileInfo
	walk := func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if shouldExclude(rel, excludePatterns) {
			return nil
		}

		if d.Type()&fs.ModeSymlink != 0 && symlinkPolicy != SymlinkFollow {
			if symlinkPolicy == SymlinkSkip {
				return nil
			}
			target, err := os.Readlink(p)
			if err != nil {
				return fmt.Errorf("read link %s: %w", rel, err)
			}
			files = append(files, FileInfo{RelPath: rel, Hash: "symlink:" + target, IsSymlink: true, SymlinkTarget: target})
			return nil
		}

		sum, size, err := HashFile(p)
		if err != nil {
			return fmt.Errorf("hash %s: %w", rel, err)
		}
		files = append(files, FileInfo{RelPath: rel, Hash: sum, Size: size})
		return nil
	}
	if err := filepath.WalkDir(root, walk); err != nil {
		return nil, err
	}

	slices.SortFunc(files, func(a, b FileInfo) int { return strings.Compare(a.RelPath, b.RelPath) })
	return files, nil
}

// shouldExclude reports whether any pattern matches the whole relative path
// or one of its elements (the base name included).
func shouldExclude(relPath string, patterns []string) bool {
	if len(patterns) == 0 {
		return false
	}
	candidates := append([]string{relPath}, strings.Split(filepath.ToSlash(relPath), "/")...)
	for _, pattern := range patterns {
		for _, c := range candidates {
			if ok, _ := filepath.Match(pattern, c); ok {
				return true
			}
		}
	}
	return false
}

// HashFile returns "sha256:<hex>" for the file at p and its size.
func HashFile(p string) (string, int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return formatDigest(h), n, nil
}

// ComputeCombinedHash fingerprints a file set: it changes when any path or
// file hash changes.
func ComputeCombinedHash(files []FileInfo) string {
	h := sha256.New()
	for _, f := range files {
		fmt.Fprintf(h, "%s:%s\n", filepath.ToSlash(f.RelPath), f.Hash)
	}
	return formatDigest(h)
}

func formatDigest(h hash.Hash) string {
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}
