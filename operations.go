package sftppool

import (
	"context"
	"io"
)

// Operations is the remote file operation surface a transfer pipeline calls
// once per unit of work. PooledOperations and DirectOperations implement it.
type Operations interface {
	// Connect establishes the connection if the implementation owns one.
	Connect(ctx context.Context) error
	// IsConnected reports whether operations can currently be attempted.
	IsConnected() bool
	// Disconnect releases the connection if the implementation owns one.
	Disconnect() error
	// ForceDisconnect releases the connection without waiting for pending work.
	ForceDisconnect() error

	DeleteFile(ctx context.Context, name string) error
	RenameFile(ctx context.Context, from, to string) error
	BuildDirectory(ctx context.Context, dir string) error
	CurrentDirectory(ctx context.Context) (string, error)
	ChangeCurrentDirectory(ctx context.Context, dir string) error
	ChangeToParentDirectory(ctx context.Context) error
	ListFiles(ctx context.Context, dir string) ([]RemoteFile, error)

	// RetrieveFile copies the remote file name into sink. size is the expected
	// length, or -1 when unknown.
	RetrieveFile(ctx context.Context, name string, sink io.Writer, size int64) error
	// ReleaseRetrievedFileResources releases what RetrieveFile left open on
	// the local side. It never touches the remote session.
	ReleaseRetrievedFileResources(sink io.Writer) error
	// StoreFile writes src to the remote file name according to the
	// endpoint's store options. size is the expected length, or -1.
	StoreFile(ctx context.Context, name string, src io.Reader, size int64) error
	ExistsFile(ctx context.Context, name string) (bool, error)

	// SendNoop checks the connection end to end.
	SendNoop(ctx context.Context) error
	// SendSiteCommand exists for FTP parity; SFTP has no site commands.
	SendSiteCommand(ctx context.Context, command string) error
}

// releaseRetrieved closes a retrieval sink that holds local resources.
func releaseRetrieved(sink io.Writer) error {
	if c, ok := sink.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
