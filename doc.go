// Package sftppool reuses authenticated SFTP sessions across file operations.
//
// This package provides:
//   - A session factory doing SSH dial, authentication, host key checks and SFTP setup
//   - A generic bounded object pool with validation on borrow, return and idle
//   - Pooled operations that borrow a session per call and discard it on failure
//   - Direct operations on a single owned session with a working directory
//   - Endpoint configuration from key-value parameters or sftp:// URIs
//   - Retry logic with exponential backoff and a parallel transfer helper
//
// # Basic Usage
//
// Build a factory and a pool, then run operations through it:
//
//	factory, err := sftppool.NewSessionFactory(sftppool.Config{
//		Host:           "example.com",
//		Username:       "deploy",
//		PrivateKeyFile: "~/.ssh/id_ed25519",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	pool, err := sftppool.NewSessionPool(factory, sftppool.DefaultPoolConfig())
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer pool.Close()
//
//	ops := sftppool.NewPooledOperations(pool, factory.Config(), "/upload")
//	err = ops.StoreFile(ctx, "report.csv", strings.NewReader(data), int64(len(data)))
//
// A failed operation never hands its session back to the pool, so the next
// borrower gets a fresh or validated one.
//
// # Endpoints
//
// Endpoints decode the same settings from parameter maps:
//
//	params, _ := sftppool.ParseEndpointURI("sftp://deploy@example.com/upload?use_connection_pool=true")
//	cfg, err := sftppool.ParseEndpointConfig(params, nil)
//	endpoint, err := sftppool.NewEndpoint(cfg)
//	defer endpoint.Close()
//
//	ops, err := endpoint.Operations()
//
// # Transfers
//
// Transfer pushes files or whole directories through any Operations:
//
//	t := sftppool.NewTransfer(ops)
//	result, err := t.PushDirectory(ctx, "./dist", "/var/www", sftppool.TransferOptions{Parallelism: 4})
package sftppool
