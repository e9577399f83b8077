// Package scheduler runs a job on a fixed interval, independent of any
// request lifecycle. The automation runner and the queue health monitor each
// get their own Scheduler.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Status describes the scheduler and its most recent tick.
type Status struct {
	Name         string     `json:"name"`
	Running      bool       `json:"running"`
	Interval     string     `json:"interval"`
	Ticks        int64      `json:"ticks"`
	LastTickAt   *time.Time `json:"lastTickAt,omitempty"`
	LastDuration int64      `json:"lastDurationMs"`
	LastError    string     `json:"lastError,omitempty"`
}

type Scheduler struct {
	name     string
	interval time.Duration
	tickFn   func(context.Context) error

	running atomic.Bool
	ticks   atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	lastMu       sync.Mutex
	lastTickAt   time.Time
	lastDuration time.Duration
	lastErr      string
}

func New(name string, interval time.Duration, tickFn func(context.Context) error) (*Scheduler, error) {
	if interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	if tickFn == nil {
		return nil, errors.New("tickFn must not be nil")
	}
	return &Scheduler{
		name:     name,
		interval: interval,
		tickFn:   tickFn,
		done:     make(chan struct{}),
	}, nil
}

func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		slog.Info("scheduler started", "job", s.name, "interval", s.interval.String())

		s.safeTick(ctx)

		for {
			select {
			case <-ctx.Done():
				slog.Info("scheduler stopping", "job", s.name)
				return
			case <-ticker.C:
				s.safeTick(ctx)
			}
		}
	}()

	return true
}

// Stop cancels the tick context and waits for an in-flight tick to return.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return false
	}

	s.cancel()
	<-s.done
	s.running.Store(false)

	slog.Info("scheduler stopped", "job", s.name)
	return true
}

func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

func (s *Scheduler) Status() Status {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()

	st := Status{
		Name:         s.name,
		Running:      s.running.Load(),
		Interval:     s.interval.String(),
		Ticks:        s.ticks.Load(),
		LastDuration: s.lastDuration.Milliseconds(),
		LastError:    s.lastErr,
	}
	if !s.lastTickAt.IsZero() {
		t := s.lastTickAt
		st.LastTickAt = &t
	}
	return st
}

func (s *Scheduler) safeTick(ctx context.Context) {
	start := time.Now()
	var err error

	defer func() {
		if r := recover(); r != nil {
			slog.Error("scheduler tick panic recovered", "job", s.name, "panic", r)
			err = fmt.Errorf("panic: %v", r)
		}
		s.record(start, err)
	}()

	err = s.tickFn(ctx)
	if err != nil {
		slog.Error("scheduler tick failed", "job", s.name, "err", err)
	}
	slog.Info("scheduler tick completed", "job", s.name, "duration_ms", time.Since(start).Milliseconds())
}

func (s *Scheduler) record(start time.Time, err error) {
	s.ticks.Add(1)

	s.lastMu.Lock()
	defer s.lastMu.Unlock()

	s.lastTickAt = start
	s.lastDuration = time.Since(start)
	s.lastErr = ""
	if err != nil {
		s.lastErr = err.Error()
	}
}
