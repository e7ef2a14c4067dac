package sftppool

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// resourceTimeout bounds a remote resource fetch when the caller has no deadline.
const resourceTimeout = 30 * time.Second

// loadResource reads key or known_hosts material from a location that may be
// a plain path, a file:// URI or an http(s):// URL.
func loadResource(ctx context.Context, uri string) ([]byte, error) {
	switch {
	case strings.HasPrefix(uri, "http://"), strings.HasPrefix(uri, "https://"):
		return fetchHTTPResource(ctx, uri)
	case strings.HasPrefix(uri, "file:"):
		u, err := url.Parse(uri)
		if err != nil {
			return nil, fmt.Errorf("invalid resource URI %q: %w", uri, err)
		}
		p := u.Path
		if p == "" {
			p = u.Opaque
		}
		return os.ReadFile(ExpandPath(p))
	default:
		return os.ReadFile(ExpandPath(uri))
	}
}

func fetchHTTPResource(ctx context.Context, uri string) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, resourceTimeout)
		defer cancel()
	}

	resp, err := resty.New().R().
		SetContext(ctx).
		SetHeader("Accept", "text/plain, application/octet-stream").
		Get(uri)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", redactURL(uri), err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("failed to fetch %s: HTTP %d", redactURL(uri), resp.StatusCode())
	}
	return resp.Body(), nil
}

// redactURL drops user info so credentials embedded in a URL never reach logs
// or error messages.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	return u.Redacted()
}
