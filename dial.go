package sftppool

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/net/proxy"
)

const tcpKeepAlive = 30 * time.Second

// newDialer builds the socket dialer for a config: bound to BindAddress when
// set, and tunnelled through Proxy when set.
func newDialer(cfg Config) (proxy.ContextDialer, error) {
	base := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: tcpKeepAlive,
	}

	if cfg.BindAddress != "" {
		addr, err := resolveBindAddress(cfg.BindAddress)
		if err != nil {
			return nil, fmt.Errorf("%w: bind_address: %v", ErrInvalidConfig, err)
		}
		base.LocalAddr = addr
	}

	if cfg.Proxy == "" {
		return base, nil
	}

	u, err := url.Parse(cfg.Proxy)
	if err != nil {
		return nil, fmt.Errorf("%w: proxy: %v", ErrInvalidConfig, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "socks5", "socks5h":
	default:
		return nil, fmt.Errorf("%w: unsupported proxy scheme %q (only socks5 is supported)", ErrInvalidConfig, u.Scheme)
	}

	d, err := proxy.FromURL(u, base)
	if err != nil {
		return nil, fmt.Errorf("%w: proxy: %v", ErrInvalidConfig, err)
	}
	if cd, ok := d.(proxy.ContextDialer); ok {
		return cd, nil
	}
	return contextDialer{d}, nil
}

func resolveBindAddress(s string) (*net.TCPAddr, error) {
	if ip := net.ParseIP(s); ip != nil {
		return &net.TCPAddr{IP: ip}, nil
	}
	if _, _, err := net.SplitHostPort(s); err == nil {
		return net.ResolveTCPAddr("tcp", s)
	}
	return net.ResolveTCPAddr("tcp", net.JoinHostPort(s, "0"))
}

// contextDialer adapts a proxy.Dialer without context support.
type contextDialer struct {
	proxy.Dialer
}

func (d contextDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d.Dial(network, addr)
}

// idleTimeoutConn closes the connection when a read or write makes no
// progress for timeout. It is inert until armed so the handshake runs under
// the connect timeout instead.
type idleTimeoutConn struct {
	net.Conn
	timeout time.Duration
	armed   atomic.Bool
}

func (c *idleTimeoutConn) Read(b []byte) (int, error) {
	if c.armed.Load() {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(b)
}

func (c *idleTimeoutConn) Write(b []byte) (int, error) {
	if c.armed.Load() {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(b)
}

// arm starts the timeout. The deadline is also set here because the ssh
// reader is usually already blocked in Read by the time setup finishes.
func (c *idleTimeoutConn) arm() {
	c.armed.Store(true)
	_ = c.Conn.SetReadDeadline(time.Now().Add(c.timeout))
}

// guardConnect bounds connection setup on conn by the connect timeout and by
// ctx. The returned stop function must be called once setup is complete; it
// reports whether the guard already fired.
func guardConnect(ctx context.Context, conn net.Conn, timeout time.Duration) (stop func() bool) {
	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}
	stopAfter := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	return func() bool {
		fired := !stopAfter()
		_ = conn.SetDeadline(time.Time{})
		return fired
	}
}
