// Package engine holds the per-lead schedule state machine. It is pure: every
// operation takes the current schedule and "now" and returns the next state.
package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/LeventeLantos/lead-automation/internal/model"
)

type Policy struct {
	// InitialDelay is applied on opt-in and resume.
	InitialDelay time.Duration
	// Intervals must be non-decreasing.
	Intervals  []time.Duration
	RetryBase  time.Duration
	RetryCap   time.Duration
	MinRecheck time.Duration
	ReplyDelay time.Duration
	// MaxMessages auto-pauses a lead as stale once reached. Zero disables it.
	MaxMessages int
	Window      Window
}

type Engine struct {
	policy Policy
}

func New(p Policy) (*Engine, error) {
	if len(p.Intervals) == 0 {
		return nil, errors.New("at least one follow-up interval is required")
	}
	for i, d := range p.Intervals {
		if d <= 0 {
			return nil, fmt.Errorf("interval %d must be > 0", i)
		}
		if i > 0 && d < p.Intervals[i-1] {
			return nil, fmt.Errorf("intervals must be non-decreasing (%s after %s)", d, p.Intervals[i-1])
		}
	}
	if p.RetryBase <= 0 {
		return nil, errors.New("retry base must be > 0")
	}
	if p.RetryCap < p.RetryBase {
		return nil, errors.New("retry cap must be >= retry base")
	}
	if p.MinRecheck < 0 || p.InitialDelay < 0 || p.ReplyDelay < 0 {
		return nil, errors.New("delays must not be negative")
	}
	if err := p.Window.validate(); err != nil {
		return nil, err
	}
	return &Engine{policy: p}, nil
}

func (e *Engine) Policy() Policy { return e.policy }

func (e *Engine) Window() Window { return e.policy.Window }

func (e *Engine) InWindow(t time.Time) bool { return e.policy.Window.Contains(t) }

func (e *Engine) SnapToWindow(t time.Time) time.Time { return e.policy.Window.Snap(t) }

func (e *Engine) RetryDelay(attempt int) time.Duration {
	return RetryDelay(e.policy.RetryBase, e.policy.RetryCap, attempt)
}

func (e *Engine) Interval(messagesSent int) time.Duration {
	return FollowUpInterval(e.policy.Intervals, messagesSent)
}

// IsDue reports whether the schedule should be picked up at now. A nil
// NextSendAt counts as due; paused or inactive schedules never are.
func (e *Engine) IsDue(s model.LeadSchedule, now time.Time) bool {
	if !s.OptedIn || s.Paused {
		return false
	}
	if s.LastOutcome == model.OutcomeSkippedConsent && s.LastAttemptAt != nil &&
		now.Before(s.LastAttemptAt.Add(e.policy.MinRecheck)) {
		return false
	}
	if s.NextSendAt == nil {
		return true
	}
	return !now.Before(*s.NextSendAt)
}

// OnSendResult applies the outcome of one automation attempt.
func (e *Engine) OnSendResult(s model.LeadSchedule, outcome model.Outcome, now time.Time) (model.LeadSchedule, error) {
	next := s.Clone()
	next.LastOutcome = outcome
	next.LastAttemptAt = model.TimePtr(now)
	next.UpdatedAt = now

	switch outcome {
	case model.OutcomeSent:
		next.MessagesSent++
		next.ConsecutiveFailures = 0
		next.LastError = ""
		if next.Paused {
			return next, nil
		}
		at := e.SnapToWindow(now.Add(e.Interval(next.MessagesSent)))
		next.NextSendAt = &at
		if e.policy.MaxMessages > 0 && next.MessagesSent >= e.policy.MaxMessages {
			next.Paused = true
			next.PauseReason = model.PauseStale
			next.PausedAt = model.TimePtr(now)
		}
	case model.OutcomeFailed:
		next.ConsecutiveFailures++
		if next.Paused {
			return next, nil
		}
		at := e.SnapToWindow(now.Add(e.RetryDelay(next.ConsecutiveFailures)))
		next.NextSendAt = &at
	case model.OutcomeSkippedConsent, model.OutcomeSkippedPaused:
		// NextSendAt stays put; IsDue enforces the re-check interval.
	default:
		return s, fmt.Errorf("unsupported outcome %q", outcome)
	}
	return next, nil
}

// OptIn moves an Inactive schedule to Active/Due.
func (e *Engine) OptIn(s model.LeadSchedule, now time.Time) (model.LeadSchedule, error) {
	if s.PauseReason.IsClosed() {
		return s, model.ErrClosed
	}
	if s.Paused && s.PauseReason == model.PauseOptedOut {
		return s, model.ErrOptedOut
	}
	if s.OptedIn {
		return s, nil
	}
	next := s.Clone()
	next.OptedIn = true
	at := e.SnapToWindow(now.Add(e.policy.InitialDelay))
	next.NextSendAt = &at
	next.UpdatedAt = now
	return next, nil
}

// Pause freezes NextSendAt until Resume. Closing goes through Close.
func (e *Engine) Pause(s model.LeadSchedule, reason model.PauseReason, now time.Time) (model.LeadSchedule, error) {
	if s.PauseReason.IsClosed() {
		return s, model.ErrClosed
	}
	if reason == model.PauseNone || reason.IsClosed() || !reason.Valid() {
		return s, fmt.Errorf("invalid pause reason %q", reason)
	}
	if s.Paused && s.PauseReason == reason {
		return s, nil
	}
	next := s.Clone()
	next.Paused = true
	next.PauseReason = reason
	next.PausedAt = model.TimePtr(now)
	next.UpdatedAt = now
	return next, nil
}

// Resume unpauses and computes a fresh due time.
func (e *Engine) Resume(s model.LeadSchedule, now time.Time) (model.LeadSchedule, error) {
	if s.PauseReason.IsClosed() {
		return s, model.ErrClosed
	}
	if s.PauseReason == model.PauseOptedOut {
		return s, model.ErrOptedOut
	}
	if !s.Paused {
		return s, nil
	}
	next := s.Clone()
	next.Paused = false
	next.PauseReason = model.PauseNone
	next.PausedAt = nil
	next.ConsecutiveFailures = 0
	at := e.SnapToWindow(now.Add(e.policy.InitialDelay))
	next.NextSendAt = &at
	next.UpdatedAt = now
	return next, nil
}

// Close is terminal. Closing twice with the same reason is a no-op.
func (e *Engine) Close(s model.LeadSchedule, reason model.PauseReason, now time.Time) (model.LeadSchedule, error) {
	if !reason.IsClosed() {
		return s, fmt.Errorf("invalid close reason %q", reason)
	}
	if s.PauseReason.IsClosed() {
		if s.PauseReason == reason {
			return s, nil
		}
		return s, model.ErrClosed
	}
	next := s.Clone()
	next.Paused = true
	next.PauseReason = reason
	next.PausedAt = model.TimePtr(now)
	next.UpdatedAt = now
	return next, nil
}

// DeferToWindow pushes a due lead that was evaluated during quiet hours to
// the next window opening.
func (e *Engine) DeferToWindow(s model.LeadSchedule, now time.Time) model.LeadSchedule {
	next := s.Clone()
	at := e.SnapToWindow(now)
	next.NextSendAt = &at
	next.UpdatedAt = now
	return next
}

// DeferToNextDay is applied when a lead hit its daily message limit.
func (e *Engine) DeferToNextDay(s model.LeadSchedule, now time.Time) model.LeadSchedule {
	next := s.Clone()
	at := e.policy.Window.NextDayOpening(now)
	next.NextSendAt = &at
	next.LastOutcome = model.OutcomeSkippedPaused
	next.LastAttemptAt = model.TimePtr(now)
	next.UpdatedAt = now
	return next
}

// OnInboundReply brings an active lead forward so the reply gets answered.
func (e *Engine) OnInboundReply(s model.LeadSchedule, now time.Time) model.LeadSchedule {
	if !s.Active() {
		return s
	}
	next := s.Clone()
	at := e.SnapToWindow(now.Add(e.policy.ReplyDelay))
	if next.NextSendAt == nil || at.Before(*next.NextSendAt) {
		next.NextSendAt = &at
	}
	next.ConsecutiveFailures = 0
	next.UpdatedAt = now
	return next
}

// IsOverdue reports an active lead whose due time passed more than threshold
// ago. Leads waiting on consent are not stuck and are excluded.
func (e *Engine) IsOverdue(s model.LeadSchedule, now time.Time, threshold time.Duration) bool {
	if !s.Active() || s.LastOutcome == model.OutcomeSkippedConsent {
		return false
	}
	ref := s.CreatedAt
	if s.NextSendAt != nil {
		ref = *s.NextSendAt
	}
	return ref.Before(now.Add(-threshold))
}

// Repair reschedules an overdue lead to the window opening at or after now
// plus offset of in-window time.
func (e *Engine) Repair(s model.LeadSchedule, now time.Time, offset time.Duration) model.LeadSchedule {
	next := s.Clone()
	at := e.policy.Window.Add(now, offset)
	next.NextSendAt = &at
	next.UpdatedAt = now
	return next
}
