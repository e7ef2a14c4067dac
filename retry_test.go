package sftppool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry(maxRetries int) RetryConfig {
	logger, _ := newTestLogger()
	return RetryConfig{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2.0,
		Logger:       logger,
	}
}

func TestRetryConfigPresets(t *testing.T) {
	def := DefaultRetryConfig()
	assert.Equal(t, 3, def.MaxRetries)
	assert.Equal(t, time.Second, def.InitialDelay)
	assert.Equal(t, 30*time.Second, def.MaxDelay)
	assert.Equal(t, 2.0, def.Multiplier)
	assert.Equal(t, 0.25, def.JitterFactor)

	assert.Zero(t, NoRetryConfig().MaxRetries)
}

func TestRetry(t *testing.T) {
	refused := errors.New("dial tcp: connection refused")

	tests := []struct {
		name       string
		maxRetries int
		failures   int
		err        error
		wantCalls  int
		wantErr    bool
	}{
		{name: "first call succeeds", maxRetries: 3, wantCalls: 1},
		{name: "succeeds after transient failures", maxRetries: 3, failures: 2, err: refused, wantCalls: 3},
		{name: "gives up after max retries", maxRetries: 2, failures: 10, err: refused, wantCalls: 3, wantErr: true},
		{name: "no retries", maxRetries: 0, failures: 10, err: refused, wantCalls: 1, wantErr: true},
		{name: "permanent error is not retried", maxRetries: 3, failures: 10, err: ErrFileExists, wantCalls: 1, wantErr: true},
		{name: "exhausted pool is retried", maxRetries: 3, failures: 1, err: ErrPoolExhausted, wantCalls: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Retry(context.Background(), fastRetry(tt.maxRetries), "upload", func() error {
				calls++
				if calls <= tt.failures {
					return tt.err
				}
				return nil
			})

			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRetry_ErrorMessageCountsAttempts(t *testing.T) {
	err := Retry(context.Background(), fastRetry(2), "upload", func() error {
		return errors.New("connection refused")
	})
	assert.EqualError(t, err, "upload failed after 3 attempts: connection refused")
}

func TestRetry_LogsEachRetry(t *testing.T) {
	logger, hook := newTestLogger()
	cfg := fastRetry(2)
	cfg.Logger = logger

	_ = Retry(context.Background(), cfg, "upload", func() error {
		return errors.New("connection reset by peer")
	})

	entries := hook.AllEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, "upload", entries[0].Data["operation"])
	assert.Equal(t, 1, entries[0].Data["attempt"])
	assert.Equal(t, 2, entries[1].Data["attempt"])
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Retry(ctx, fastRetry(3), "upload", func() error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestRetry_ContextCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastRetry(3)
	cfg.InitialDelay = time.Second
	cfg.MaxDelay = 10 * time.Second

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Retry(ctx, cfg, "upload", func() error {
		return errors.New("connection refused")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorContains(t, err, "during retry wait")
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestWithRetry(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), 0, "noop", func() error {
		calls++
		return errors.New("broken pipe")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestCalculateDelay(t *testing.T) {
	base := RetryConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: 10 * time.Second, Multiplier: 2.0}

	tests := []struct {
		name    string
		config  RetryConfig
		attempt int
		min     time.Duration
		max     time.Duration
	}{
		{name: "first attempt", config: base, attempt: 0, min: 100 * time.Millisecond, max: 100 * time.Millisecond},
		{name: "second attempt doubles", config: base, attempt: 1, min: 200 * time.Millisecond, max: 200 * time.Millisecond},
		{name: "third attempt doubles again", config: base, attempt: 2, min: 400 * time.Millisecond, max: 400 * time.Millisecond},
		{
			name:    "capped at max delay",
			config:  RetryConfig{InitialDelay: time.Second, MaxDelay: 5 * time.Second, Multiplier: 10},
			attempt: 2,
			min:     5 * time.Second,
			max:     5 * time.Second,
		},
		{
			name:    "zero max delay means no cap",
			config:  RetryConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2},
			attempt: 3,
			min:     800 * time.Millisecond,
			max:     800 * time.Millisecond,
		},
		{
			name:    "zero multiplier keeps the delay constant",
			config:  RetryConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second},
			attempt: 4,
			min:     100 * time.Millisecond,
			max:     100 * time.Millisecond,
		},
		{
			name:    "jitter stays in band",
			config:  RetryConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: 10 * time.Second, Multiplier: 2, JitterFactor: 0.5},
			attempt: 0,
			min:     50 * time.Millisecond,
			max:     150 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delay := calculateDelay(tt.config, tt.attempt)
			assert.GreaterOrEqual(t, delay, tt.min)
			assert.LessOrEqual(t, delay, tt.max)
		})
	}
}

// timeoutError implements net.Error.
type timeoutError struct {
	timeout bool
}

func (e timeoutError) Error() string   { return "network operation failed" }
func (e timeoutError) Timeout() bool   { return e.timeout }
func (e timeoutError) Temporary() bool { return false }

var _ net.Error = timeoutError{}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "context canceled", err: context.Canceled, want: false},
		{name: "deadline exceeded", err: fmt.Errorf("borrow cancelled: %w", context.DeadlineExceeded), want: false},
		{name: "network timeout", err: timeoutError{timeout: true}, want: true},
		{name: "network error without timeout", err: timeoutError{}, want: false},
		{name: "connection refused", err: errors.New("dial tcp 10.0.0.1:22: connect: connection refused"), want: true},
		{name: "connection reset", err: errors.New("read: connection reset by peer"), want: true},
		{name: "broken pipe", err: errors.New("write: broken pipe"), want: true},
		{name: "no route to host", err: errors.New("no route to host"), want: true},
		{name: "network unreachable", err: errors.New("network is unreachable"), want: true},
		{name: "ssh handshake", err: errors.New("ssh: handshake failed: EOF"), want: true},
		{name: "ssh disconnect", err: errors.New("ssh: disconnect, reason 11"), want: true},
		{name: "dns", err: errors.New("temporary failure in name resolution"), want: true},
		{name: "fd exhaustion", err: errors.New("too many open files"), want: true},
		{name: "unexpected eof", err: errors.New("unexpected EOF"), want: true},
		{name: "pool exhausted", err: exhaustedError(time.Second, nil), want: true},
		{name: "stale session", err: ErrStaleConnection, want: true},
		{name: "pool closed", err: ErrPoolClosed, want: false},
		{name: "not supported", err: ErrNotSupported, want: false},
		{name: "invalid config", err: ErrInvalidConfig, want: false},
		{name: "file exists", err: fmt.Errorf("%w: /x", ErrFileExists), want: false},
		{name: "not borrowed", err: ErrNotBorrowed, want: false},
		{name: "missing remote file", err: fmt.Errorf("open: %w", os.ErrNotExist), want: false},
		{name: "permission denied", err: os.ErrPermission, want: false},
		{name: "host key mismatch", err: fmt.Errorf("ssh: handshake failed: %w", &HostKeyMismatchError{Hostname: "h"}), want: false},
		{name: "unknown error", err: errors.New("something odd"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableError(tt.err))
		})
	}
}

func TestIsRetryableError_PooledFailures(t *testing.T) {
	remote := &OperationError{Op: "store", Host: "h", Port: 22, Remote: true, Err: errors.New("connection lost")}
	assert.True(t, IsRetryableError(remote))

	closed := &OperationError{Op: "store", Host: "h", Port: 22, Err: ErrPoolClosed}
	assert.False(t, IsRetryableError(closed))

	refused := &ConnectionError{Host: "h", Port: 22, User: "u", Stage: StageDial, Err: errors.New("connection refused")}
	assert.True(t, IsRetryableError(refused))
}
