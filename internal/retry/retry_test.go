package retry

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      1.5,
	}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	var seen []int
	err := Do(context.Background(), fastPolicy(3), func(ctx context.Context, attempt int) error {
		seen = append(seen, attempt)
		if attempt < 3 {
			return errors.New("503")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !slices.Equal(seen, []int{1, 2, 3}) {
		t.Errorf("attempts = %v", seen)
	}
}

func TestDo_GivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	boom := errors.New("still down")
	err := Do(context.Background(), fastPolicy(3), func(ctx context.Context, attempt int) error {
		calls++
		return boom
	})

	if !errors.Is(err, boom) {
		t.Errorf("expected %v, got %v", boom, err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	bad := errors.New("400 bad request")
	err := Do(context.Background(), fastPolicy(5), func(ctx context.Context, attempt int) error {
		calls++
		return Permanent(bad)
	})

	if !errors.Is(err, bad) {
		t.Errorf("expected %v, got %v", bad, err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_AttemptsAreIndependentPerCall(t *testing.T) {
	for i := 0; i < 2; i++ {
		var first int
		_ = Do(context.Background(), fastPolicy(1), func(ctx context.Context, attempt int) error {
			first = attempt
			return nil
		})
		if first != 1 {
			t.Errorf("every call starts from attempt 1, got %d", first)
		}
	}
}

func TestDo_OnRetry(t *testing.T) {
	var retried []int
	p := fastPolicy(3)
	p.OnRetry = func(attempt int, err error, wait time.Duration) {
		retried = append(retried, attempt)
	}

	_ = Do(context.Background(), p, func(ctx context.Context, attempt int) error {
		return errors.New("timeout")
	})

	if !slices.Equal(retried, []int{1, 2}) {
		t.Errorf("retried = %v", retried)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Do(ctx, fastPolicy(5), func(ctx context.Context, attempt int) error {
		calls++
		return errors.New("timeout")
	})

	if err == nil {
		t.Fatal("expected error")
	}
	if calls > 1 {
		t.Errorf("expected at most 1 call, got %d", calls)
	}
}

func TestPermanentNil(t *testing.T) {
	if err := Permanent(nil); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}
