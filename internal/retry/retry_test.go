package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func noSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		if delays != nil {
			*delays = append(*delays, d)
		}
		return nil
	}
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	var delays []time.Duration
	p := Backoff("tls_negotiation", 9, time.Second, 1.5, 30*time.Second)
	p.Sleep = noSleep(&delays)

	attempts := 0
	err := Do(context.Background(), p, func(context.Context) error {
		attempts++
		if attempts < 4 {
			return errors.New("connection refused")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do returned err: %v", err)
	}
	if attempts != 4 {
		t.Fatalf("expected 4 attempts, got %d", attempts)
	}
	want := []time.Duration{time.Second, 1500 * time.Millisecond, 2250 * time.Millisecond}
	if len(delays) != len(want) {
		t.Fatalf("expected %d delays, got %v", len(want), delays)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("delay %d: got %s want %s", i, delays[i], want[i])
		}
	}
}

func TestDo_PermanentErrorStopsImmediately(t *testing.T) {
	p := Backoff("dns_upsert", 5, time.Millisecond, 2, time.Second)
	p.Sleep = noSleep(nil)

	attempts := 0
	base := errors.New("no such hosted zone")
	err := Do(context.Background(), p, func(context.Context) error {
		attempts++
		return Permanent(base)
	})
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
	if !errors.Is(err, base) || !IsPermanent(err) {
		t.Fatalf("expected permanent wrapped error, got %v", err)
	}
}

func TestDo_NonRetryableByPredicate(t *testing.T) {
	p := Backoff("run_instances", 4, time.Millisecond, 2, time.Second)
	p.Sleep = noSleep(nil)
	p.Retryable = func(error) bool { return false }

	attempts := 0
	_ = Do(context.Background(), p, func(context.Context) error {
		attempts++
		return errors.New("invalid parameter")
	})
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestDo_NotReadyIgnoresPredicate(t *testing.T) {
	p := Poll("instance_ready", 5*time.Second, 20*time.Second)
	p.Sleep = noSleep(nil)
	p.Retryable = func(error) bool { return false }

	attempts := 0
	err := Do(context.Background(), p, func(context.Context) error {
		attempts++
		return ErrNotReady
	})
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected exhausted error, got %v", err)
	}
	if attempts != 5 {
		t.Fatalf("expected 5 polls, got %d", attempts)
	}
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady in chain, got %v", err)
	}
}

func TestDo_SleepCancellationStops(t *testing.T) {
	p := Backoff("agent_call", 3, time.Millisecond, 2, time.Second)
	p.Sleep = func(context.Context, time.Duration) error { return context.Canceled }

	attempts := 0
	err := Do(context.Background(), p, func(context.Context) error {
		attempts++
		return errors.New("timeout")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestPolicyValidate(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		wantErr bool
	}{
		{name: "valid", policy: Backoff("x", 3, time.Second, 2, time.Minute)},
		{name: "zero attempts", policy: Backoff("x", 0, time.Second, 2, time.Minute), wantErr: true},
		{name: "shrinking multiplier", policy: Backoff("x", 3, time.Second, 0.5, time.Minute), wantErr: true},
		{name: "initial over max", policy: Backoff("x", 3, time.Minute, 2, time.Second), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() err=%v wantErr=%v", err, tt.wantErr)
			}
		})
	}
}

func TestDelayCapsAtMax(t *testing.T) {
	p := Backoff("x", 10, time.Second, 2, 5*time.Second)
	if got := p.Delay(8); got != 5*time.Second {
		t.Fatalf("expected capped delay, got %s", got)
	}
}

func TestWithJitterBounds(t *testing.T) {
	for i := 0; i < 50; i++ {
		d := withJitter(time.Second)
		if d < 100*time.Millisecond || d >= time.Second {
			t.Fatalf("jitter out of range: %s", d)
		}
	}
}
