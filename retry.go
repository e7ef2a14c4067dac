package sftppool

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// RetryConfig controls how Retry backs off between attempts. Sessions, pools
// and operations never retry by themselves; Transfer and callers opt in.
type RetryConfig struct {
	// MaxRetries is the number of attempts after the first (0 = try once).
	MaxRetries int

	// InitialDelay is the wait before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps any single wait (0 = no cap).
	MaxDelay time.Duration

	// Multiplier grows the wait after every retry (0 = constant wait).
	Multiplier float64

	// JitterFactor spreads each wait uniformly by +/- this fraction.
	JitterFactor float64

	// Logger receives a warning before each retry (default logrus standard logger).
	Logger logrus.FieldLogger
}

// DefaultRetryConfig retries three times, starting at one second.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.25,
	}
}

// NoRetryConfig tries once.
func NoRetryConfig() RetryConfig {
	return RetryConfig{}
}

// RetryableFunc is one attempt of a retried operation.
type RetryableFunc func() error

// Retry runs fn until it succeeds, fails with an error IsRetryableError
// rejects, or MaxRetries retries are used up. operation names the work in
// logs and errors.
func Retry(ctx context.Context, config RetryConfig, operation string, fn RetryableFunc) error {
	log := config.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	attempts := config.MaxRetries + 1

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := calculateDelay(config, attempt-1)
			log.WithFields(logrus.Fields{
				"operation": operation,
				"attempt":   attempt,
				"max":       attempts,
				"delay":     delay,
			}).WithError(err).Warn("operation failed, retrying")

			if werr := sleepContext(ctx, delay); werr != nil {
				return fmt.Errorf("%s cancelled during retry wait: %w", operation, werr)
			}
		}

		if cerr := ctx.Err(); cerr != nil {
			return fmt.Errorf("%s cancelled: %w", operation, cerr)
		}
		if err = fn(); err == nil {
			return nil
		}
		if !IsRetryableError(err) {
			return err
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", operation, attempts, err)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// calculateDelay returns the wait before retry number attempt+1. A zero
// Multiplier keeps the delay constant and a zero MaxDelay means no cap.
func calculateDelay(config RetryConfig, attempt int) time.Duration {
	multiplier := config.Multiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	delay := float64(config.InitialDelay) * math.Pow(multiplier, float64(attempt))
	if config.JitterFactor > 0 {
		delay += delay * config.JitterFactor * (2*rand.Float64() - 1)
	}
	if config.MaxDelay > 0 {
		delay = math.Min(delay, float64(config.MaxDelay))
	}
	return time.Duration(delay)
}

// permanentErrors are never retried, whatever their message says.
var permanentErrors = []error{
	context.Canceled,
	context.DeadlineExceeded,
	ErrPoolClosed,
	ErrNotSupported,
	ErrInvalidConfig,
	ErrFileExists,
	ErrNotBorrowed,
	os.ErrNotExist,
	os.ErrPermission,
}

// transientErrors mean a session went away or none was free.
var transientErrors = []error{
	ErrPoolExhausted,
	ErrStaleConnection,
}

// transientMessages match network and SSH failures that carry no sentinel.
var transientMessages = []string{
	"connection refused",
	"connection reset",
	"connection lost",
	"broken pipe",
	"no route to host",
	"network is unreachable",
	"i/o timeout",
	"handshake failed",
	"ssh: disconnect",
	"temporary failure",
	"too many open files",
	"eof",
}

// IsRetryableError reports whether err is transient: an exhausted pool, a
// stale session, a network timeout or a dropped connection. Host key
// mismatches, a closed pool, bad configuration and file-level failures are
// permanent.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range permanentErrors {
		if errors.Is(err, target) {
			return false
		}
	}
	var mismatch *HostKeyMismatchError
	if errors.As(err, &mismatch) {
		return false
	}
	for _, target := range transientErrors {
		if errors.Is(err, target) {
			return true
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, m := range transientMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// WithRetry runs fn under DefaultRetryConfig with maxRetries retries.
func WithRetry(ctx context.Context, maxRetries int, operation string, fn RetryableFunc) error {
	config := DefaultRetryConfig()
	config.MaxRetries = maxRetries
	return Retry(ctx, config, operation, fn)
}
