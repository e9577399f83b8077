package repo

import (
	"context"
	"time"

	"github.com/LeventeLantos/lead-automation/internal/model"
)

// DueQuery selects active schedules whose send time has arrived. Schedules
// skipped for consent after RecheckBefore are left out so they are not
// re-evaluated on every cycle.
type DueQuery struct {
	Now           time.Time
	RecheckBefore time.Time
	Limit         int
}

type ScheduleRepository interface {
	GetSchedule(ctx context.Context, leadID string) (model.LeadSchedule, error)
	CreateSchedule(ctx context.Context, s model.LeadSchedule) error
	// UpdateSchedule writes s only if the stored version still equals
	// s.Version and returns the row with its new version.
	UpdateSchedule(ctx context.Context, s model.LeadSchedule) (model.LeadSchedule, error)
	ListDue(ctx context.Context, q DueQuery) ([]model.LeadSchedule, error)
	// ListOverdue returns active schedules whose due time (or creation time
	// when never scheduled) is before the cutoff.
	ListOverdue(ctx context.Context, before time.Time, limit int) ([]model.LeadSchedule, error)
	ListPaused(ctx context.Context, reason model.PauseReason, pausedBefore time.Time, limit int) ([]model.LeadSchedule, error)
	CountActive(ctx context.Context) (int, error)
}

type ConsentRepository interface {
	LatestConsent(ctx context.Context, leadID string, ch model.Channel) (*model.ConsentRecord, error)
	AppendConsent(ctx context.Context, rec model.ConsentRecord) error
}

type SuppressionRepository interface {
	IsSuppressed(ctx context.Context, contact string, ch model.Channel) (bool, error)
	// AddSuppression is a no-op when the contact is already suppressed.
	AddSuppression(ctx context.Context, e model.SuppressionEntry) error
}

type AttemptRepository interface {
	AppendAttempt(ctx context.Context, a model.DeliveryAttempt) error
	UpdateProviderStatus(ctx context.Context, providerMessageID string, st model.ProviderStatus, at time.Time) (model.DeliveryAttempt, error)
	ListAttempts(ctx context.Context, leadID string, limit, offset int) ([]model.DeliveryAttempt, error)
}

type AuditRepository interface {
	AppendAudit(ctx context.Context, ev model.AuditEvent) error
}

type KillSwitchRepository interface {
	// LoadKillSwitch returns the zero state when nothing was ever saved.
	LoadKillSwitch(ctx context.Context) (model.KillSwitchState, error)
	SaveKillSwitch(ctx context.Context, st model.KillSwitchState) error
}

// LeadDirectory is the CRM side: lead contact data and the conversation log.
type LeadDirectory interface {
	Lead(ctx context.Context, leadID string) (model.Lead, error)
	LeadsByContact(ctx context.Context, contact string) ([]string, error)
	History(ctx context.Context, leadID string, limit int) ([]model.ConversationMessage, error)
	RecordOutbound(ctx context.Context, leadID, text string, at time.Time) error
}
