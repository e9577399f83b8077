// Package killswitch is the process-wide emergency stop for automated sends.
// The durable flag lives in storage; each process keeps a cached copy that is
// refreshed lazily.
package killswitch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/LeventeLantos/lead-automation/internal/metrics"
	"github.com/LeventeLantos/lead-automation/internal/model"
)

// ReasonUnavailable is reported while the flag has never been loaded.
const ReasonUnavailable = "kill switch state unavailable"

type Store interface {
	LoadKillSwitch(ctx context.Context) (model.KillSwitchState, error)
	SaveKillSwitch(ctx context.Context, st model.KillSwitchState) error
}

type Publisher interface {
	Publish(ctx context.Context, ev model.AuditEvent) error
}

type Switch struct {
	store   Store
	events  Publisher
	maxAge  time.Duration
	timeout time.Duration
	now     func() time.Time

	mu       sync.RWMutex
	state    model.KillSwitchState
	loaded   bool
	loadedAt time.Time
	// pinned keeps a local disable that could not be persisted.
	pinned bool
	// writes counts Disable and Enable calls. A load that started before
	// a write is discarded.
	writes uint64

	group singleflight.Group
}

func New(store Store, events Publisher, maxAge time.Duration) *Switch {
	if maxAge <= 0 {
		maxAge = 15 * time.Second
	}
	return &Switch{
		store:   store,
		events:  events,
		maxAge:  maxAge,
		timeout: 3 * time.Second,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Switch) WithClock(now func() time.Time) *Switch {
	s.now = now
	return s
}

// IsDisabled reports whether sends must be suppressed. Until the first
// successful load it answers true. Later load failures keep the cached value.
func (s *Switch) IsDisabled(ctx context.Context) (bool, string) {
	s.mu.RLock()
	fresh := s.loaded && s.now().Sub(s.loadedAt) < s.maxAge
	s.mu.RUnlock()

	if !fresh {
		if err := s.Refresh(ctx); err != nil {
			slog.Warn("kill switch refresh failed", "err", err)
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	switch {
	case s.pinned:
		return true, s.state.Reason
	case !s.loaded:
		return true, ReasonUnavailable
	case s.state.Disabled:
		return true, s.state.Reason
	}
	return false, ""
}

// State returns the cached state and whether it was ever loaded.
func (s *Switch) State() (model.KillSwitchState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := s.state
	if s.pinned {
		st.Disabled = true
	}
	return st, s.loaded
}

// Refresh reloads the flag from storage. Concurrent callers share one load.
func (s *Switch) Refresh(ctx context.Context) error {
	_, err, _ := s.group.Do("load", func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()

		s.mu.RLock()
		gen := s.writes
		s.mu.RUnlock()

		st, err := s.store.LoadKillSwitch(loadCtx)
		if err != nil {
			return nil, model.NewError(model.KindStorage, "load kill switch", err)
		}

		s.mu.Lock()
		if s.writes != gen {
			s.mu.Unlock()
			slog.Debug("kill switch load superseded by a local write")
			return nil, nil
		}
		s.state = st
		s.loaded = true
		s.loadedAt = s.now()
		disabled := s.pinned || st.Disabled
		s.mu.Unlock()

		metrics.SetAutomationDisabled(disabled)
		return nil, nil
	})
	return err
}

// Disable stops sends in this process immediately, then persists the flag.
// A failed write leaves the process disabled and returns the error.
// Disabling an already disabled switch keeps who disabled it and when.
func (s *Switch) Disable(ctx context.Context, reason, actor string) (model.KillSwitchState, error) {
	now := s.now()

	s.mu.Lock()
	already := s.state.Disabled && s.state.DisabledAt != nil
	st := model.KillSwitchState{
		Disabled:   true,
		DisabledAt: &now,
		DisabledBy: actor,
		Reason:     reason,
		UpdatedAt:  now,
		UpdatedBy:  actor,
	}
	if already {
		st.DisabledAt = s.state.DisabledAt
		st.DisabledBy = s.state.DisabledBy
		st.Reason = s.state.Reason
	}
	s.writes++
	s.state = st
	s.pinned = true
	s.mu.Unlock()
	metrics.SetAutomationDisabled(true)

	if err := s.store.SaveKillSwitch(ctx, st); err != nil {
		slog.Error("kill switch disable not persisted", "actor", actor, "err", err)
		return st, model.NewError(model.KindStorage, "save kill switch", err)
	}

	s.mu.Lock()
	s.pinned = false
	s.loaded = true
	s.loadedAt = now
	s.mu.Unlock()

	if already {
		return st, nil
	}
	slog.Warn("automation disabled", "actor", actor, "reason", reason)
	s.publish(ctx, model.EventKillSwitchOff, actor, reason, now)
	return st, nil
}

// Enable re-allows sends. The local state only changes once the write succeeds.
func (s *Switch) Enable(ctx context.Context, actor string) (model.KillSwitchState, error) {
	now := s.now()
	st := model.KillSwitchState{
		Disabled:  false,
		UpdatedAt: now,
		UpdatedBy: actor,
	}

	if err := s.store.SaveKillSwitch(ctx, st); err != nil {
		return st, model.NewError(model.KindStorage, "save kill switch", err)
	}

	s.mu.Lock()
	s.writes++
	s.state = st
	s.pinned = false
	s.loaded = true
	s.loadedAt = now
	s.mu.Unlock()
	metrics.SetAutomationDisabled(false)

	slog.Info("automation enabled", "actor", actor)
	s.publish(ctx, model.EventKillSwitchOn, actor, "", now)
	return st, nil
}

func (s *Switch) publish(ctx context.Context, typ, actor, reason string, at time.Time) {
	if s.events == nil {
		return
	}
	ev := model.AuditEvent{
		ID:         uuid.NewString(),
		Type:       typ,
		Actor:      actor,
		OccurredAt: at,
	}
	if reason != "" {
		ev.Detail = map[string]string{"reason": reason}
	}
	if err := s.events.Publish(ctx, ev); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("audit publish failed", "type", typ, "err", err)
	}
}
