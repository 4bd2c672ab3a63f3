package tunnel

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestBackoffDelayFormula(t *testing.T) {
	cases := []struct {
		n    int
		want time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{5, 30 * time.Second}, // 2^5=32, capped at 30
		{10, 30 * time.Second},
	}
	for _, c := range cases {
		if got := backoffDelay(c.n); got != c.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", c.n, got, c.want)
		}
	}
}

func TestSchedulerResetsOnSuccess(t *testing.T) {
	var calls int32
	connect := func(ctx context.Context, serverID string) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}
	s := NewScheduler(connect, nil)
	s.mu.Lock()
	s.attempts["srv1"] = 3
	s.mu.Unlock()

	s.Schedule(context.Background(), "srv1")

	// Attempt 3 waits backoffDelay(3) = 8s before calling connect.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&calls) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if atomic.LoadInt32(&calls) == 0 {
		t.Fatalf("expected connect to be called")
	}
	time.Sleep(50 * time.Millisecond)
	if got := s.Attempt("srv1"); got != 0 {
		t.Errorf("expected attempt count reset to 0 after success, got %d", got)
	}
}

func TestSchedulerSingleFlight(t *testing.T) {
	var calls int32
	connect := func(ctx context.Context, serverID string) error {
		atomic.AddInt32(&calls, 1)
		time.Sleep(200 * time.Millisecond)
		return nil
	}
	s := NewScheduler(connect, nil)

	s.Schedule(context.Background(), "srv1")
	s.Schedule(context.Background(), "srv1") // should be a no-op; already in-flight

	time.Sleep(1500 * time.Millisecond)

	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected exactly 1 connect call under single-flight, got %d", calls)
	}
}

func TestSchedulerCancelDropsAttempt(t *testing.T) {
	connect := func(ctx context.Context, serverID string) error { return nil }
	s := NewScheduler(connect, nil)
	s.mu.Lock()
	s.attempts["srv1"] = 4
	s.mu.Unlock()

	s.Cancel("srv1")

	if got := s.Attempt("srv1"); got != 0 {
		t.Errorf("expected attempt count dropped to 0 after cancel, got %d", got)
	}
}
