// Package retry holds the one retry policy used for compute polling, DNS
// changes, TLS negotiation and device agent calls.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/telemyapp/emulab-control-plane/internal/metrics"
)

// ErrNotReady is returned by polled operations whose target has not yet
// reached the wanted state. It is always retryable.
var ErrNotReady = errors.New("not ready")

type Policy struct {
	// Name labels metrics and log lines.
	Name         string
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
	// Timeout bounds the whole sequence including sleeps. Zero means the
	// attempt budget is the only bound.
	Timeout time.Duration
	// Retryable decides whether a non-permanent error is worth another
	// attempt. Nil retries every non-permanent error.
	Retryable func(error) bool
	// Sleep waits between attempts. Nil uses a context-aware timer.
	Sleep func(context.Context, time.Duration) error
	// OnRetry observes each scheduled retry.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Poll returns a fixed-interval policy bounded by timeout.
func Poll(name string, interval, timeout time.Duration) Policy {
	attempts := 1
	if interval > 0 {
		attempts = int(timeout/interval) + 1
	}
	return Policy{
		Name:         name,
		MaxAttempts:  attempts,
		InitialDelay: interval,
		MaxDelay:     interval,
		Multiplier:   1,
		Timeout:      timeout,
	}
}

// Backoff returns an exponential policy.
func Backoff(name string, attempts int, initial time.Duration, multiplier float64, maxDelay time.Duration) Policy {
	return Policy{
		Name:         name,
		MaxAttempts:  attempts,
		InitialDelay: initial,
		MaxDelay:     maxDelay,
		Multiplier:   multiplier,
	}
}

func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return errors.New("MaxAttempts must be at least 1")
	}
	if p.InitialDelay < 0 || p.MaxDelay < 0 {
		return errors.New("delays must be non-negative")
	}
	if p.Multiplier < 1 {
		return errors.New("Multiplier must be >= 1")
	}
	if p.MaxDelay > 0 && p.InitialDelay > p.MaxDelay {
		return errors.New("InitialDelay cannot be greater than MaxDelay")
	}
	return nil
}

// Delay is the wait after the given failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	delay := time.Duration(d)
	if p.Jitter {
		delay = withJitter(delay)
	}
	return delay
}

// ExhaustedError reports that every attempt failed.
type ExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Do runs fn until it succeeds, returns a permanent or non-retryable error,
// the attempt budget runs out, or ctx (bounded by p.Timeout) is done.
func Do(ctx context.Context, p Policy, fn func(context.Context) error) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("retry policy %s: %w", p.Name, err)
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if IsPermanent(err) {
			return err
		}
		if !errors.Is(err, ErrNotReady) && p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}
		delay := p.Delay(attempt)
		metrics.Default().IncCounter("emulab_retries_total", map[string]string{"op": p.Name})
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if err := sleep(ctx, delay); err != nil {
			return errors.Join(err, lastErr)
		}
	}
	metrics.Default().IncCounter("emulab_retry_exhausted_total", map[string]string{"op": p.Name})
	return &ExhaustedError{Op: p.Name, Attempts: p.MaxAttempts, Err: lastErr}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

func withJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	floor := delay / 10
	span := delay - floor
	if span <= 0 {
		return floor
	}
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return floor + (span / 2)
	}
	n := binary.LittleEndian.Uint64(raw[:]) % uint64(span)
	// Jittered delay in [10% of base, 100% of base).
	return floor + time.Duration(n)
}
