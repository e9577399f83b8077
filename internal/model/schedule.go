package model

import "time"

type PauseReason string

const (
	PauseNone       PauseReason = "none"
	PauseManual     PauseReason = "manual"
	PauseStale      PauseReason = "stale"
	PauseOptedOut   PauseReason = "opted_out"
	PauseClosedWon  PauseReason = "closed_won"
	PauseClosedLost PauseReason = "closed_lost"
)

// IsClosed reports whether the reason is one of the terminal closed states.
func (r PauseReason) IsClosed() bool {
	return r == PauseClosedWon || r == PauseClosedLost
}

func (r PauseReason) Valid() bool {
	switch r {
	case PauseNone, PauseManual, PauseStale, PauseOptedOut, PauseClosedWon, PauseClosedLost:
		return true
	}
	return false
}

type Outcome string

const (
	OutcomeNone           Outcome = "none"
	OutcomeSent           Outcome = "sent"
	OutcomeFailed         Outcome = "failed"
	OutcomeSkippedConsent Outcome = "skipped_consent"
	OutcomeSkippedPaused  Outcome = "skipped_paused"
)

// LeadSchedule is the per-lead automation state. It is only mutated through
// the engine and persisted with an optimistic version check.
type LeadSchedule struct {
	LeadID              string      `json:"leadId"`
	OptedIn             bool        `json:"optedIn"`
	Paused              bool        `json:"paused"`
	PauseReason         PauseReason `json:"pauseReason"`
	PausedAt            *time.Time  `json:"pausedAt,omitempty"`
	NextSendAt          *time.Time  `json:"nextSendAt,omitempty"`
	MessagesSent        int         `json:"messagesSent"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
	LastOutcome         Outcome     `json:"lastOutcome"`
	LastAttemptAt       *time.Time  `json:"lastAttemptAt,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	Version             int64       `json:"version"`
	CreatedAt           time.Time   `json:"createdAt"`
	UpdatedAt           time.Time   `json:"updatedAt"`
}

// NewLeadSchedule returns the Inactive schedule a lead starts with.
func NewLeadSchedule(leadID string, now time.Time) LeadSchedule {
	return LeadSchedule{
		LeadID:      leadID,
		PauseReason: PauseNone,
		LastOutcome: OutcomeNone,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (s LeadSchedule) Active() bool {
	return s.OptedIn && !s.Paused
}

// Clone returns a copy that shares no pointers with s.
func (s LeadSchedule) Clone() LeadSchedule {
	c := s
	c.PausedAt = cloneTime(s.PausedAt)
	c.NextSendAt = cloneTime(s.NextSendAt)
	c.LastAttemptAt = cloneTime(s.LastAttemptAt)
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr is a small helper for optional timestamps.
func TimePtr(t time.Time) *time.Time {
	return &t
}
