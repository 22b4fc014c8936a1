package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/jmylchreest/slotwatch/internal/logging"
)

// newTestExecutor records waits instead of sleeping.
func newTestExecutor(cfg Config) (*Executor, *[]time.Duration) {
	var waits []time.Duration
	e := New(cfg, logging.Discard())
	e.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	e.jitter = func(time.Duration) time.Duration { return 0 }
	return e, &waits
}

func TestExecutor_SucceedsFirstTry(t *testing.T) {
	e, waits := newTestExecutor(DefaultConfig())

	calls := 0
	err := e.Do(context.Background(), "probe", func(context.Context) error {
		calls++
		return nil
	})

	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if len(*waits) != 0 {
		t.Errorf("waits = %v, want none", *waits)
	}
}

func TestExecutor_RetriesThenSucceeds(t *testing.T) {
	e, waits := newTestExecutor(DefaultConfig())

	calls := 0
	err := e.Do(context.Background(), "probe", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(*waits) != len(want) {
		t.Fatalf("waits = %v, want %v", *waits, want)
	}
	for i := range want {
		if (*waits)[i] != want[i] {
			t.Errorf("wait[%d] = %v, want %v", i, (*waits)[i], want[i])
		}
	}
}

func TestExecutor_Exhausted(t *testing.T) {
	e, waits := newTestExecutor(Config{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute})

	last := errors.New("third failure")
	calls := 0
	err := e.Do(context.Background(), "login", func(context.Context) error {
		calls++
		if calls == 3 {
			return last
		}
		return errors.New("failure")
	})

	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("Do() error = %v, want *ExhaustedError", err)
	}
	if exhausted.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", exhausted.Attempts)
	}
	if exhausted.Operation != "login" {
		t.Errorf("Operation = %q, want %q", exhausted.Operation, "login")
	}
	if !errors.Is(err, last) {
		t.Errorf("errors.Is(err, last) = false, want true")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	// no wait after the final attempt
	if len(*waits) != 2 {
		t.Errorf("waits = %d, want 2", len(*waits))
	}
}

func TestExecutor_Permanent(t *testing.T) {
	e, waits := newTestExecutor(DefaultConfig())

	cause := errors.New("bad credentials")
	calls := 0
	err := e.Do(context.Background(), "login", func(context.Context) error {
		calls++
		return Permanent(cause)
	})

	if err != cause {
		t.Errorf("Do() error = %v, want %v", err, cause)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if len(*waits) != 0 {
		t.Errorf("waits = %v, want none", *waits)
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}

func TestExecutor_PermanentWrapped(t *testing.T) {
	e, waits := newTestExecutor(DefaultConfig())

	cause := errors.New("service link missing")
	calls := 0
	err := e.Do(context.Background(), "services", func(context.Context) error {
		calls++
		return fmt.Errorf("open services page: %w", Permanent(cause))
	})

	if err != cause {
		t.Errorf("Do() error = %v, want %v", err, cause)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if len(*waits) != 0 {
		t.Errorf("waits = %v, want none", *waits)
	}
	if !IsPermanent(fmt.Errorf("outer: %w", Permanent(cause))) {
		t.Error("IsPermanent() = false for a wrapped permanent error")
	}
	if IsPermanent(cause) {
		t.Error("IsPermanent() = true for a plain error")
	}
}

func TestExecutor_SleepCancelled(t *testing.T) {
	e := New(Config{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := e.Do(ctx, "probe", func(context.Context) error {
		calls++
		cancel()
		return errors.New("fail")
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Do() error = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestExecutor_WithAttempts(t *testing.T) {
	e, _ := newTestExecutor(DefaultConfig())
	three := e.WithAttempts(3)

	if three.Config().MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", three.Config().MaxAttempts)
	}
	if e.Config().MaxAttempts != 5 {
		t.Errorf("original MaxAttempts = %d, want 5", e.Config().MaxAttempts)
	}
	if e.WithAttempts(0).Config().MaxAttempts != 1 {
		t.Error("WithAttempts(0) should clamp to 1")
	}
}

func TestRun(t *testing.T) {
	e, _ := newTestExecutor(DefaultConfig())
	calls := 0
	got, err := Run(context.Background(), e, "count", func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("first")
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got != 42 {
		t.Errorf("Run() = %d, want 42", got)
	}
}

func TestBackoff(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		attempt int
		jitter  time.Duration
		want    time.Duration
	}{
		{0, 0, time.Second},
		{1, 0, 2 * time.Second},
		{2, 500 * time.Millisecond, 4500 * time.Millisecond},
		{5, 0, 32 * time.Second},
		{6, 0, 60 * time.Second},
		{5, 999 * time.Millisecond, 32999 * time.Millisecond},
		{40, time.Second, 60 * time.Second},
		{-1, 0, time.Second},
	}
	for _, tt := range tests {
		got := Backoff(cfg, tt.attempt, tt.jitter)
		if got != tt.want {
			t.Errorf("Backoff(attempt=%d, jitter=%v) = %v, want %v", tt.attempt, tt.jitter, got, tt.want)
		}
	}
}

func TestBackoffProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	cfg := DefaultConfig()

	properties.Property("delay never exceeds MaxDelay", prop.ForAll(
		func(attempt int, jitterMs int64) bool {
			return Backoff(cfg, attempt, time.Duration(jitterMs)*time.Millisecond) <= cfg.MaxDelay
		},
		gen.IntRange(0, 100),
		gen.Int64Range(0, 999),
	))

	properties.Property("delay is at least the uncapped exponential term", prop.ForAll(
		func(attempt int, jitterMs int64) bool {
			exp := cfg.BaseDelay << uint(attempt)
			floor := exp
			if floor > cfg.MaxDelay {
				floor = cfg.MaxDelay
			}
			return Backoff(cfg, attempt, time.Duration(jitterMs)*time.Millisecond) >= floor
		},
		gen.IntRange(0, 20),
		gen.Int64Range(0, 999),
	))

	properties.Property("jitter adds at most MaxJitter", prop.ForAll(
		func(attempt int) bool {
			small := Config{BaseDelay: 10 * time.Millisecond, MaxDelay: time.Hour, MaxJitter: time.Second}
			base := Backoff(small, attempt, 0)
			jittered := Backoff(small, attempt, randomJitter(small.MaxJitter))
			return jittered >= base && jittered-base < small.MaxJitter
		},
		gen.IntRange(0, 10),
	))

	properties.Property("delay is non-decreasing in attempt", prop.ForAll(
		func(attempt int) bool {
			return Backoff(cfg, attempt+1, 0) >= Backoff(cfg, attempt, 0)
		},
		gen.IntRange(0, 50),
	))

	properties.TestingRun(t)
}
