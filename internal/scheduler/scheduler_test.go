package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func noop(context.Context) error { return nil }

func TestNew_RejectsBadArguments(t *testing.T) {
	t.Parallel()

	if s, err := New("automation", 0, noop); err == nil || s != nil {
		t.Fatalf("expected error for zero interval, got s=%v err=%v", s, err)
	}
	if s, err := New("automation", -time.Second, noop); err == nil || s != nil {
		t.Fatalf("expected error for negative interval, got s=%v err=%v", s, err)
	}
	if s, err := New("automation", time.Second, nil); err == nil || s != nil {
		t.Fatalf("expected error for nil tick, got s=%v err=%v", s, err)
	}
}

func TestScheduler_RunsCycleImmediatelyThenOnInterval(t *testing.T) {
	var cycles atomic.Int64
	s := mustNew(t, "automation", 10*time.Millisecond, func(context.Context) error {
		cycles.Add(1)
		return nil
	})

	if s.IsRunning() {
		t.Fatalf("expected idle scheduler before Start")
	}
	if !s.Start() {
		t.Fatalf("expected first Start to succeed")
	}
	if s.Start() {
		t.Fatalf("expected second Start to report already running")
	}

	waitForAtLeast(t, &cycles, 3, time.Second)

	if !s.Stop() {
		t.Fatalf("expected Stop to succeed")
	}
	if s.Stop() {
		t.Fatalf("expected second Stop to report already stopped")
	}

	settled := cycles.Load()
	time.Sleep(60 * time.Millisecond)
	if got := cycles.Load(); got != settled {
		t.Fatalf("expected no cycles after Stop, before=%d after=%d", settled, got)
	}
}

func TestScheduler_FirstTickDoesNotWaitForInterval(t *testing.T) {
	var cycles atomic.Int64
	s := mustNew(t, "queue-health", time.Hour, func(context.Context) error {
		cycles.Add(1)
		return nil
	})

	s.Start()
	defer s.Stop()

	waitForAtLeast(t, &cycles, 1, 500*time.Millisecond)
}

func TestScheduler_StopCancelsInFlightCycle(t *testing.T) {
	started := make(chan struct{})
	var cancelled atomic.Bool

	s := mustNew(t, "automation", time.Hour, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
		return ctx.Err()
	})

	s.Start()
	select {
	case <-started:
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("cycle never started")
	}

	s.Stop()

	if !cancelled.Load() {
		t.Fatalf("expected Stop to wait for the cancelled cycle")
	}
	if st := s.Status(); st.LastError != context.Canceled.Error() {
		t.Fatalf("expected cancelled cycle to be recorded, got %q", st.LastError)
	}
}

func TestScheduler_RecoversPanicAndRecordsIt(t *testing.T) {
	var (
		panicked atomic.Bool
		cycles   atomic.Int64
	)
	s := mustNew(t, "queue-health", 10*time.Millisecond, func(context.Context) error {
		if panicked.CompareAndSwap(false, true) {
			panic("nil schedule")
		}
		cycles.Add(1)
		return nil
	})

	s.Start()
	waitForAtLeast(t, &cycles, 1, time.Second)
	s.Stop()

	if st := s.Status(); st.Ticks < 2 {
		t.Fatalf("expected the panicking tick to be counted, got %d ticks", st.Ticks)
	}
}

func TestScheduler_PanicShowsInStatus(t *testing.T) {
	var ran atomic.Int64
	s := mustNew(t, "automation", time.Hour, func(context.Context) error {
		ran.Add(1)
		panic("nil schedule")
	})

	s.Start()
	waitForAtLeast(t, &ran, 1, 500*time.Millisecond)
	s.Stop()

	if st := s.Status(); !strings.Contains(st.LastError, "panic: nil schedule") {
		t.Fatalf("expected panic in last error, got %q", st.LastError)
	}
}

func TestScheduler_RestartsAfterStop(t *testing.T) {
	var cycles atomic.Int64
	s := mustNew(t, "automation", 10*time.Millisecond, func(context.Context) error {
		cycles.Add(1)
		return nil
	})

	for round := 1; round <= 3; round++ {
		if !s.Start() {
			t.Fatalf("round %d: expected Start to succeed", round)
		}
		waitForAtLeast(t, &cycles, int64(round), time.Second)
		if !s.Stop() {
			t.Fatalf("round %d: expected Stop to succeed", round)
		}
	}
}

func TestScheduler_StatusTracksLastCycle(t *testing.T) {
	var (
		cycles atomic.Int64
		fail   atomic.Bool
	)
	fail.Store(true)
	s := mustNew(t, "automation", 10*time.Millisecond, func(context.Context) error {
		cycles.Add(1)
		if fail.Load() {
			return errors.New("schedule store unavailable")
		}
		return nil
	})

	st := s.Status()
	if st.Name != "automation" || st.Running || st.LastTickAt != nil || st.Interval != "10ms" {
		t.Fatalf("unexpected idle status %+v", st)
	}

	s.Start()
	waitForAtLeast(t, &cycles, 1, 500*time.Millisecond)

	if st := s.Status(); !st.Running || st.LastError != "schedule store unavailable" || st.LastTickAt == nil {
		t.Fatalf("expected failing cycle recorded, got %+v", st)
	}

	fail.Store(false)
	base := cycles.Load()
	waitForAtLeast(t, &cycles, base+2, time.Second)
	s.Stop()

	if st := s.Status(); st.LastError != "" {
		t.Fatalf("expected last error cleared after a clean cycle, got %q", st.LastError)
	}
}

func mustNew(t *testing.T, name string, interval time.Duration, fn func(context.Context) error) *Scheduler {
	t.Helper()

	s, err := New(name, interval, fn)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return s
}

func waitForAtLeast(t *testing.T, calls *atomic.Int64, n int64, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for calls.Load() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %d calls (got %d)", n, calls.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
