// Package retry runs RPC calls with bounded exponential backoff and jitter.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"strings"
	"time"
)

// Policy bounds a retried call.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy is used for chain RPC calls: three attempts, 250ms doubling.
var DefaultPolicy = Policy{
	MaxAttempts: 3,
	BaseDelay:   250 * time.Millisecond,
	MaxDelay:    2 * time.Second,
}

// cryptoInt64n returns a random int64 in [0, n) using crypto/rand.
func cryptoInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1
	return int64(v % uint64(n)) //nolint:gosec // n>0, v%n < n
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Do calls fn until it succeeds, returns a *PermanentError, the context is
// cancelled, or the policy's attempts are exhausted. The delay doubles on
// each retry with +-25% jitter and is capped at MaxDelay.
// A permanent error is returned unwrapped.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	delay := p.BaseDelay
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	for attempt := 0; attempt < attempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}

		if attempt == attempts-1 {
			break
		}

		jitter := delay / 4
		sleep := delay - jitter + time.Duration(cryptoInt64n(int64(2*jitter+1)))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}

	return err
}

// Do runs fn with the given attempt count and base delay. The delay cap is
// taken from DefaultPolicy.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	p := Policy{MaxAttempts: maxAttempts, BaseDelay: baseDelay, MaxDelay: DefaultPolicy.MaxDelay}
	return p.Do(ctx, func(context.Context) error { return fn() })
}

// networkPhrases are substrings seen in opaque transport errors from RPC
// providers that carry no typed cause.
var networkPhrases = []string{
	"connection refused",
	"connection reset",
	"i/o timeout",
	"timeout",
	"timed out",
	"no such host",
	"eof",
	"too many requests",
	"429",
	"502",
	"503",
	"504",
	"rate limit",
	"temporarily unavailable",
	"header not found",
}

// LooksTransient reports whether an untyped error message looks like a
// network or provider hiccup. Only use it for errors that carry no type.
func LooksTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, phrase := range networkPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}
