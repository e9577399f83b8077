package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/lead-automation/internal/engine"
	"github.com/LeventeLantos/lead-automation/internal/events"
	"github.com/LeventeLantos/lead-automation/internal/model"
	"github.com/LeventeLantos/lead-automation/internal/repo"
)

// Lifecycle applies operator and CRM commands to a lead's schedule.
type Lifecycle struct {
	schedules repo.ScheduleRepository
	engine    *engine.Engine
	events    events.Publisher
	now       func() time.Time
}

func NewLifecycle(schedules repo.ScheduleRepository, eng *engine.Engine, pub events.Publisher) *Lifecycle {
	return &Lifecycle{
		schedules: schedules,
		engine:    eng,
		events:    pub,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (l *Lifecycle) WithClock(now func() time.Time) *Lifecycle {
	l.now = now
	return l
}

func (l *Lifecycle) Get(ctx context.Context, leadID string) (model.LeadSchedule, error) {
	return l.schedules.GetSchedule(ctx, leadID)
}

// OptIn activates the lead, creating its schedule on first use.
func (l *Lifecycle) OptIn(ctx context.Context, leadID, actor string) (model.LeadSchedule, error) {
	now := l.now()
	if err := l.ensure(ctx, leadID, now); err != nil {
		return model.LeadSchedule{}, err
	}
	return l.apply(ctx, leadID, actor, model.EventLeadOptedIn, nil, func(s model.LeadSchedule) (model.LeadSchedule, error) {
		return l.engine.OptIn(s, now)
	})
}

func (l *Lifecycle) Pause(ctx context.Context, leadID string, reason model.PauseReason, actor string) (model.LeadSchedule, error) {
	now := l.now()
	return l.apply(ctx, leadID, actor, model.EventLeadPaused, map[string]string{"reason": string(reason)}, func(s model.LeadSchedule) (model.LeadSchedule, error) {
		return l.engine.Pause(s, reason, now)
	})
}

func (l *Lifecycle) Resume(ctx context.Context, leadID, actor string) (model.LeadSchedule, error) {
	now := l.now()
	return l.apply(ctx, leadID, actor, model.EventLeadResumed, nil, func(s model.LeadSchedule) (model.LeadSchedule, error) {
		return l.engine.Resume(s, now)
	})
}

func (l *Lifecycle) Close(ctx context.Context, leadID string, reason model.PauseReason, actor string) (model.LeadSchedule, error) {
	now := l.now()
	return l.apply(ctx, leadID, actor, model.EventLeadClosed, map[string]string{"reason": string(reason)}, func(s model.LeadSchedule) (model.LeadSchedule, error) {
		return l.engine.Close(s, reason, now)
	})
}

// PauseOptedOut is called by the consent gate for every lead owning an
// opted-out contact. Leads without a schedule get one so that a later opt-in
// is refused. Closed leads stay closed.
func (l *Lifecycle) PauseOptedOut(ctx context.Context, leadID string) error {
	now := l.now()
	if err := l.ensure(ctx, leadID, now); err != nil {
		return err
	}
	_, _, err := mutate(ctx, l.schedules, leadID, func(s model.LeadSchedule) (model.LeadSchedule, error) {
		return l.engine.Pause(s, model.PauseOptedOut, now)
	})
	if errors.Is(err, model.ErrClosed) {
		return nil
	}
	return err
}

func (l *Lifecycle) ensure(ctx context.Context, leadID string, now time.Time) error {
	_, err := l.schedules.GetSchedule(ctx, leadID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return storageErr("get schedule", err)
	}
	err = l.schedules.CreateSchedule(ctx, model.NewLeadSchedule(leadID, now))
	if err != nil && !errors.Is(err, model.ErrAlreadyExists) {
		return storageErr("create schedule", err)
	}
	return nil
}

func (l *Lifecycle) apply(
	ctx context.Context,
	leadID, actor, eventType string,
	detail map[string]string,
	fn func(model.LeadSchedule) (model.LeadSchedule, error),
) (model.LeadSchedule, error) {
	s, changed, err := mutate(ctx, l.schedules, leadID, fn)
	if err != nil {
		return s, err
	}
	if changed {
		slog.Info("lead schedule updated", "lead_id", leadID, "event", eventType, "actor", actor)
		l.publish(ctx, model.AuditEvent{
			Type:   eventType,
			LeadID: leadID,
			Actor:  actor,
			Detail: detail,
		})
	}
	return s, nil
}

func (l *Lifecycle) publish(ctx context.Context, ev model.AuditEvent) {
	if l.events == nil {
		return
	}
	ev.ID = uuid.NewString()
	ev.OccurredAt = l.now()
	if err := l.events.Publish(ctx, ev); err != nil {
		slog.Warn("audit publish failed", "type", ev.Type, "lead_id", ev.LeadID, "err", err)
	}
}
