package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func failingFn(err error) func(ctx context.Context) error {
	return func(ctx context.Context) error { return err }
}

func TestBreaker_ClosedPassesThrough(t *testing.T) {
	b := NewBreaker("test", DefaultBreakerConfig())

	calls := 0
	err := b.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if got := b.State(); got != BreakerClosed {
		t.Errorf("expected closed state, got %v", got)
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := NewBreaker("test", BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		if err := b.Execute(context.Background(), failingFn(boom)); !errors.Is(err, boom) {
			t.Fatalf("call %d: expected boom, got %v", i, err)
		}
	}
	if got := b.State(); got != BreakerOpen {
		t.Fatalf("expected open state after threshold, got %v", got)
	}

	calls := 0
	err := b.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	if !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("expected ErrBreakerOpen, got %v", err)
	}
	if calls != 0 {
		t.Errorf("open breaker should not invoke fn, got %d calls", calls)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker("test", BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})
	boom := errors.New("boom")

	b.Execute(context.Background(), failingFn(boom))
	b.Execute(context.Background(), failingFn(boom))
	b.Execute(context.Background(), failingFn(nil))
	b.Execute(context.Background(), failingFn(boom))
	b.Execute(context.Background(), failingFn(boom))

	if got := b.State(); got != BreakerClosed {
		t.Errorf("expected closed state, got %v", got)
	}
}

func TestBreaker_HalfOpenProbeCloses(t *testing.T) {
	b := NewBreaker("test", BreakerConfig{FailureThreshold: 1, ResetTimeout: 30 * time.Second})
	now := time.Now()
	b.nowFunc = func() time.Time { return now }

	b.Execute(context.Background(), failingFn(errors.New("boom")))
	if got := b.State(); got != BreakerOpen {
		t.Fatalf("expected open, got %v", got)
	}

	now = now.Add(31 * time.Second)
	if got := b.State(); got != BreakerHalfOpen {
		t.Fatalf("expected half-open after reset timeout, got %v", got)
	}

	if err := b.Execute(context.Background(), failingFn(nil)); err != nil {
		t.Fatalf("probe should pass through: %v", err)
	}
	if got := b.State(); got != BreakerClosed {
		t.Errorf("expected closed after successful probe, got %v", got)
	}
}

func TestBreaker_HalfOpenProbeReopens(t *testing.T) {
	b := NewBreaker("test", BreakerConfig{FailureThreshold: 1, ResetTimeout: 30 * time.Second})
	now := time.Now()
	b.nowFunc = func() time.Time { return now }
	boom := errors.New("boom")

	b.Execute(context.Background(), failingFn(boom))
	now = now.Add(31 * time.Second)

	if err := b.Execute(context.Background(), failingFn(boom)); !errors.Is(err, boom) {
		t.Fatalf("probe should pass through: %v", err)
	}
	if got := b.State(); got != BreakerOpen {
		t.Errorf("expected reopen after failed probe, got %v", got)
	}

	if err := b.Execute(context.Background(), failingFn(nil)); !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("expected ErrBreakerOpen right after reopen, got %v", err)
	}
}

func TestBreaker_CancellationDoesNotTrip(t *testing.T) {
	b := NewBreaker("test", BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})

	b.Execute(context.Background(), failingFn(context.Canceled))
	b.Execute(context.Background(), failingFn(context.DeadlineExceeded))

	if got := b.State(); got != BreakerClosed {
		t.Errorf("cancellation errors should not open the breaker, got %v", got)
	}
}

func TestBreaker_OnStateChange(t *testing.T) {
	var transitions []string
	cfg := BreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		OnStateChange: func(name string, from, to BreakerState) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	}
	b := NewBreaker("claude", cfg)

	b.Execute(context.Background(), failingFn(errors.New("boom")))

	if len(transitions) != 1 || transitions[0] != "claude:closed->open" {
		t.Errorf("unexpected transitions: %v", transitions)
	}
}

func TestExecuteVal_ReturnsValueAndTracksState(t *testing.T) {
	b := NewBreaker("test", BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})

	got, err := ExecuteVal(context.Background(), b, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	if err != nil || got != 42 {
		t.Fatalf("expected 42, got %d err %v", got, err)
	}

	_, err = ExecuteVal(context.Background(), b, func(ctx context.Context) (int, error) {
		return 0, errors.New("boom")
	})
	if err == nil {
		t.Fatal("expected error")
	}

	_, err = ExecuteVal(context.Background(), b, func(ctx context.Context) (int, error) {
		t.Fatal("open breaker should not invoke fn")
		return 0, nil
	})
	if !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("expected ErrBreakerOpen, got %v", err)
	}
}

func TestBreakerSet_ReusesPerName(t *testing.T) {
	set := NewBreakerSet(BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})

	a := set.Get("anthropic/claude")
	if b := set.Get("anthropic/claude"); b != a {
		t.Error("expected same breaker for same name")
	}
	if b := set.Get("perplexity/sonar"); b == a {
		t.Error("expected distinct breaker per name")
	}

	a.Execute(context.Background(), failingFn(errors.New("boom")))

	states := set.States()
	if states["anthropic/claude"] != BreakerOpen {
		t.Errorf("expected anthropic/claude open, got %v", states["anthropic/claude"])
	}
	if states["perplexity/sonar"] != BreakerClosed {
		t.Errorf("expected perplexity/sonar closed, got %v", states["perplexity/sonar"])
	}
}
