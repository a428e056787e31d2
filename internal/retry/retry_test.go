package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDelayBounds(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	d1 := Delay(base, max, 1)
	if d1 < base/2 || d1 > max {
		t.Fatalf("delay out of range: %s", d1)
	}

	d5 := Delay(base, max, 5)
	if d5 < max/2 || d5 > max {
		t.Fatalf("delay should be capped near max, got %s", d5)
	}

	if d0 := Delay(base, max, 0); d0 != base {
		t.Fatalf("expected base for attempt 0, got %s", d0)
	}
}

func TestDoSucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 3, time.Millisecond, 2*time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDoReturnsLastError(t *testing.T) {
	want := errors.New("still broken")
	calls := 0
	err := Do(context.Background(), 3, time.Millisecond, 2*time.Millisecond, func() error {
		calls++
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected last error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDoStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := Do(ctx, 5, time.Second, time.Second, func() error {
		calls++
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single call before cancel, got %d", calls)
	}
}
