package sftppool

import (
	"fmt"
	"os"
	"strings"

	"github.com/pkg/sftp"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
)

// SFTPClientWrapper adapts *sftp.Client to FileChannel, translating file
// names to and from the configured remote encoding.
type SFTPClientWrapper struct {
	client *sftp.Client
	enc    encoding.Encoding
}

var _ FileChannel = (*SFTPClientWrapper)(nil)

// NewSFTPClientWrapper wraps client. A nil enc leaves names untouched.
func NewSFTPClientWrapper(client *sftp.Client, enc encoding.Encoding) *SFTPClientWrapper {
	return &SFTPClientWrapper{client: client, enc: enc}
}

func (w *SFTPClientWrapper) Open(path string) (SFTPFile, error) {
	return w.client.Open(w.encode(path))
}

func (w *SFTPClientWrapper) OpenFile(path string, flag int) (SFTPFile, error) {
	return w.client.OpenFile(w.encode(path), flag)
}

func (w *SFTPClientWrapper) Create(path string) (SFTPFile, error) {
	return w.client.Create(w.encode(path))
}

func (w *SFTPClientWrapper) Remove(path string) error { return w.client.Remove(w.encode(path)) }

func (w *SFTPClientWrapper) RemoveDirectory(path string) error {
	return w.client.RemoveDirectory(w.encode(path))
}

func (w *SFTPClientWrapper) Rename(oldname, newname string) error {
	return w.client.Rename(w.encode(oldname), w.encode(newname))
}

func (w *SFTPClientWrapper) Stat(path string) (os.FileInfo, error) {
	return w.client.Stat(w.encode(path))
}

func (w *SFTPClientWrapper) Lstat(path string) (os.FileInfo, error) {
	return w.client.Lstat(w.encode(path))
}

func (w *SFTPClientWrapper) ReadDir(path string) ([]os.FileInfo, error) {
	infos, err := w.client.ReadDir(w.encode(path))
	if err != nil || w.enc == nil {
		return infos, err
	}
	for i, fi := range infos {
		infos[i] = decodedInfo{FileInfo: fi, name: w.decode(fi.Name())}
	}
	return infos, nil
}

func (w *SFTPClientWrapper) Chmod(path string, mode os.FileMode) error {
	return w.client.Chmod(w.encode(path), mode)
}

func (w *SFTPClientWrapper) MkdirAll(path string) error { return w.client.MkdirAll(w.encode(path)) }

func (w *SFTPClientWrapper) Getwd() (string, error) {
	wd, err := w.client.Getwd()
	return w.decode(wd), err
}

func (w *SFTPClientWrapper) RealPath(path string) (string, error) {
	p, err := w.client.RealPath(w.encode(path))
	return w.decode(p), err
}

func (w *SFTPClientWrapper) Wait() error  { return w.client.Wait() }
func (w *SFTPClientWrapper) Close() error { return w.client.Close() }

func (w *SFTPClientWrapper) encode(name string) string {
	if w.enc == nil {
		return name
	}
	out, err := w.enc.NewEncoder().String(name)
	if err != nil {
		return name
	}
	return out
}

func (w *SFTPClientWrapper) decode(name string) string {
	if w.enc == nil || name == "" {
		return name
	}
	out, err := w.enc.NewDecoder().String(name)
	if err != nil {
		return name
	}
	return out
}

type decodedInfo struct {
	os.FileInfo
	name string
}

func (d decodedInfo) Name() string { return d.name }

// lookupEncoding resolves an IANA charset name. UTF-8 and the empty string
// need no translation and return nil.
func lookupEncoding(name string) (encoding.Encoding, error) {
	switch strings.ToLower(strings.ReplaceAll(name, "_", "-")) {
	case "", "utf-8", "utf8":
		return nil, nil
	}
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil {
		return nil, fmt.Errorf("%w: filename_encoding %q: %v", ErrInvalidConfig, name, err)
	}
	if enc == nil {
		return nil, fmt.Errorf("%w: filename_encoding %q is not supported", ErrInvalidConfig, name)
	}
	return enc, nil
}
