package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/LeventeLantos/lead-automation/internal/engine"
	"github.com/LeventeLantos/lead-automation/internal/metrics"
	"github.com/LeventeLantos/lead-automation/internal/model"
	"github.com/LeventeLantos/lead-automation/internal/repo"
)

type OptOutProcessor interface {
	ProcessOptOut(ctx context.Context, contact string, ch model.Channel, text string) (bool, error)
}

type InboundResult struct {
	OptedOut    bool `json:"optedOut"`
	Rescheduled bool `json:"rescheduled"`
}

// Inbound handles carrier callbacks: replies from leads and delivery status
// updates for messages already sent.
type Inbound struct {
	schedules repo.ScheduleRepository
	attempts  repo.AttemptRepository
	leads     repo.LeadDirectory
	engine    *engine.Engine
	optOuts   OptOutProcessor
	now       func() time.Time
}

func NewInbound(
	schedules repo.ScheduleRepository,
	attempts repo.AttemptRepository,
	leads repo.LeadDirectory,
	eng *engine.Engine,
	optOuts OptOutProcessor,
) *Inbound {
	return &Inbound{
		schedules: schedules,
		attempts:  attempts,
		leads:     leads,
		engine:    eng,
		optOuts:   optOuts,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (in *Inbound) WithClock(now func() time.Time) *Inbound {
	in.now = now
	return in
}

// OnInboundMessage runs opt-out handling before anything else sees the text.
// A regular reply from an active lead pulls its next send forward.
func (in *Inbound) OnInboundMessage(ctx context.Context, leadID string, ch model.Channel, text string) (InboundResult, error) {
	var res InboundResult

	lead, err := in.leads.Lead(ctx, leadID)
	if err != nil {
		return res, storageErr("load lead", err)
	}

	optedOut, err := in.optOuts.ProcessOptOut(ctx, lead.Contact(ch), ch, text)
	if optedOut {
		res.OptedOut = true
		metrics.RecordOptOut()
		return res, err
	}
	if err != nil {
		return res, err
	}
	if strings.TrimSpace(text) == "" {
		return res, nil
	}

	now := in.now()
	_, changed, err := mutate(ctx, in.schedules, leadID, func(cur model.LeadSchedule) (model.LeadSchedule, error) {
		return in.engine.OnInboundReply(cur, now), nil
	})
	if errors.Is(err, model.ErrNotFound) {
		return res, nil
	}
	if err != nil {
		return res, storageErr("reschedule after reply", err)
	}
	res.Rescheduled = changed
	if changed {
		slog.Info("lead replied, follow-up brought forward", "lead_id", leadID)
	}
	return res, nil
}

func (in *Inbound) OnDeliveryStatus(ctx context.Context, providerMessageID string, status model.ProviderStatus) (model.DeliveryAttempt, error) {
	if providerMessageID == "" {
		return model.DeliveryAttempt{}, errors.New("provider message id is required")
	}
	if !status.Valid() {
		return model.DeliveryAttempt{}, fmt.Errorf("invalid provider status %q", status)
	}
	a, err := in.attempts.UpdateProviderStatus(ctx, providerMessageID, status, in.now())
	if err != nil {
		return a, storageErr("update provider status", err)
	}
	if status == model.ProviderUndelivered || status == model.ProviderFailed {
		slog.Warn("carrier reported delivery failure", "lead_id", a.LeadID, "provider_message_id", providerMessageID, "status", status)
	}
	return a, nil
}
