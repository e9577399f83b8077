package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/LeventeLantos/lead-automation/internal/cache"
	"github.com/LeventeLantos/lead-automation/internal/consent"
	"github.com/LeventeLantos/lead-automation/internal/engine"
	"github.com/LeventeLantos/lead-automation/internal/metrics"
	"github.com/LeventeLantos/lead-automation/internal/model"
	"github.com/LeventeLantos/lead-automation/internal/repo"
)

type Generator interface {
	Generate(ctx context.Context, leadID string, history []model.ConversationMessage, extra map[string]string) (string, error)
}

type SendClient interface {
	Send(ctx context.Context, phoneNumber, message string) (remoteMessageID string, err error)
}

type ConsentChecker interface {
	CanSend(ctx context.Context, leadID string, ch model.Channel) (consent.Decision, error)
}

type KillSwitch interface {
	IsDisabled(ctx context.Context) (bool, string)
}

type RunnerConfig struct {
	BatchSize       int
	MaxConcurrent   int
	DailyLimit      int
	ContentMax      int
	GenerateTimeout time.Duration
	SendTimeout     time.Duration
	ClaimTTL        time.Duration
	HistoryLimit    int
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 1
	}
	if c.ContentMax <= 0 {
		c.ContentMax = 320
	}
	if c.GenerateTimeout <= 0 {
		c.GenerateTimeout = 30 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = 2 * time.Minute
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 20
	}
	return c
}

type CycleReport struct {
	StartedAt      time.Time `json:"startedAt"`
	Selected       int       `json:"selected"`
	Sent           int       `json:"sent"`
	Failed         int       `json:"failed"`
	Skipped        int       `json:"skipped"`
	Disabled       bool      `json:"disabled"`
	DisabledReason string    `json:"disabledReason,omitempty"`
	Errors         []string  `json:"errors,omitempty"`
}

type leadResult struct {
	outcome string
	reason  string
	err     error
}

const (
	resultSent    = "sent"
	resultFailed  = "failed"
	resultSkipped = "skipped"
)

func skipped(reason string, err error) leadResult {
	return leadResult{outcome: resultSkipped, reason: reason, err: err}
}

// Runner works the due queue: every selected lead ends up sent, failed or
// skipped, and one lead's failure never affects the others.
type Runner struct {
	schedules  repo.ScheduleRepository
	attempts   repo.AttemptRepository
	leads      repo.LeadDirectory
	engine     *engine.Engine
	gate       ConsentChecker
	killSwitch KillSwitch
	generator  Generator
	sender     SendClient
	throttle   cache.Throttle
	cfg        RunnerConfig
	tracer     trace.Tracer
}

func NewRunner(
	schedules repo.ScheduleRepository,
	attempts repo.AttemptRepository,
	leads repo.LeadDirectory,
	eng *engine.Engine,
	gate ConsentChecker,
	ks KillSwitch,
	generator Generator,
	sender SendClient,
	throttle cache.Throttle,
	cfg RunnerConfig,
) *Runner {
	return &Runner{
		schedules:  schedules,
		attempts:   attempts,
		leads:      leads,
		engine:     eng,
		gate:       gate,
		killSwitch: ks,
		generator:  generator,
		sender:     sender,
		throttle:   throttle,
		cfg:        cfg.withDefaults(),
		tracer:     otel.Tracer("lead-automation"),
	}
}

// RunCycle processes up to limit due leads (the configured batch size when
// limit <= 0). Cancelling ctx stops new leads from starting; leads already in
// flight run to completion.
func (r *Runner) RunCycle(ctx context.Context, now time.Time, limit int) (CycleReport, error) {
	ctx, span := r.tracer.Start(ctx, "RunCycle")
	defer span.End()

	started := time.Now()
	defer func() { metrics.ObserveCycle("runner", time.Since(started)) }()

	if limit <= 0 {
		limit = r.cfg.BatchSize
	}
	report := CycleReport{StartedAt: now}

	due, err := r.schedules.ListDue(ctx, repo.DueQuery{
		Now:           now,
		RecheckBefore: now.Add(-r.engine.Policy().MinRecheck),
		Limit:         limit,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return report, storageErr("list due schedules", err)
	}
	report.Selected = len(due)
	span.SetAttributes(attribute.Int("automation.selected", len(due)))

	if disabled, reason := r.killSwitch.IsDisabled(ctx); disabled {
		report.Disabled = true
		report.DisabledReason = reason
		report.Skipped = len(due)
		for range due {
			metrics.RecordOutcome(resultSkipped, "kill_switch")
		}
		slog.Warn("automation disabled, cycle skipped", "due", len(due), "reason", reason)
		return report, nil
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(r.cfg.MaxConcurrent)

	// In-flight leads must not be cut off between send and bookkeeping.
	work := context.WithoutCancel(ctx)
	for _, s := range due {
		if ctx.Err() != nil {
			break
		}
		leadID := s.LeadID
		g.Go(func() error {
			res := r.processLead(work, leadID, now)
			metrics.RecordOutcome(res.outcome, res.reason)

			mu.Lock()
			defer mu.Unlock()
			switch res.outcome {
			case resultSent:
				report.Sent++
			case resultFailed:
				report.Failed++
			default:
				report.Skipped++
			}
			if res.err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("lead %s: %v", leadID, res.err))
			}
			return nil
		})
	}
	_ = g.Wait()

	// Leads never launched because of cancellation count as skipped.
	if rest := report.Selected - report.Sent - report.Failed - report.Skipped; rest > 0 {
		report.Skipped += rest
	}

	slog.Info("automation cycle finished",
		"selected", report.Selected,
		"sent", report.Sent,
		"failed", report.Failed,
		"skipped", report.Skipped,
		"errors", len(report.Errors),
	)
	return report, ctx.Err()
}

func (r *Runner) processLead(ctx context.Context, leadID string, now time.Time) (res leadResult) {
	ctx, span := r.tracer.Start(ctx, "ProcessLead", trace.WithAttributes(attribute.String("lead.id", leadID)))
	defer func() {
		span.SetAttributes(attribute.String("automation.outcome", res.outcome), attribute.String("automation.reason", res.reason))
		if res.err != nil {
			span.RecordError(res.err)
		}
		span.End()
	}()
	log := slog.With("lead_id", leadID)

	claimed, err := r.throttle.Claim(ctx, leadID, r.cfg.ClaimTTL)
	if err != nil {
		return skipped("throttle_unavailable", err)
	}
	if !claimed {
		return skipped("claimed_elsewhere", nil)
	}
	defer func() {
		if err := r.throttle.Release(ctx, leadID); err != nil {
			log.Warn("release claim failed", "err", err)
		}
	}()

	s, err := r.schedules.GetSchedule(ctx, leadID)
	if err != nil {
		return skipped("load_failed", storageErr("get schedule", err))
	}
	if !r.engine.IsDue(s, now) {
		return skipped("not_due", nil)
	}

	marker, ok, err := r.throttle.LastSent(ctx, leadID)
	if err != nil {
		return skipped("throttle_unavailable", err)
	}
	if ok && unrecorded(s, marker.SentAt) {
		// A previous cycle delivered but never saved the result.
		_, _, err := r.update(ctx, leadID, now, func(cur model.LeadSchedule) (model.LeadSchedule, error) {
			if !unrecorded(cur, marker.SentAt) {
				return cur, nil
			}
			return r.engine.OnSendResult(cur, model.OutcomeSent, marker.SentAt)
		})
		log.Warn("recovered unrecorded send", "provider_message_id", marker.ProviderMessageID, "sent_at", marker.SentAt)
		return skipped("already_sent", err)
	}

	if !r.engine.InWindow(now) {
		_, _, err := r.update(ctx, leadID, now, func(cur model.LeadSchedule) (model.LeadSchedule, error) {
			return r.engine.DeferToWindow(cur, now), nil
		})
		return skipped("quiet_hours", err)
	}

	day := now.In(r.engine.Window().Location).Format(time.DateOnly)
	if r.cfg.DailyLimit > 0 {
		n, err := r.throttle.DailyCount(ctx, leadID, day)
		if err != nil {
			return skipped("throttle_unavailable", err)
		}
		if n >= int64(r.cfg.DailyLimit) {
			_, _, err := r.update(ctx, leadID, now, func(cur model.LeadSchedule) (model.LeadSchedule, error) {
				return r.engine.DeferToNextDay(cur, now), nil
			})
			log.Info("daily message limit reached", "count", n)
			return skipped("daily_limit", err)
		}
	}

	if disabled, _ := r.killSwitch.IsDisabled(ctx); disabled {
		return skipped("kill_switch", nil)
	}

	decision, gateErr := r.gate.CanSend(ctx, leadID, model.ChannelSMS)
	if !decision.Allowed {
		_, _, err := r.update(ctx, leadID, now, func(cur model.LeadSchedule) (model.LeadSchedule, error) {
			return r.engine.OnSendResult(cur, model.OutcomeSkippedConsent, now)
		})
		return skipped(string(decision.Reason), errors.Join(gateErr, err))
	}

	lead, err := r.leads.Lead(ctx, leadID)
	if err != nil {
		log.Warn("load lead failed", "err", err)
		return r.fail(ctx, leadID, now, model.NewError(model.KindStorage, "load lead", err))
	}
	history, err := r.leads.History(ctx, leadID, r.cfg.HistoryLimit)
	if err != nil {
		log.Warn("load conversation history failed", "err", err)
		return r.fail(ctx, leadID, now, model.NewError(model.KindStorage, "load history", err))
	}

	text, err := r.generate(ctx, lead, history)
	if err != nil {
		log.Warn("message generation failed", "err", err)
		return r.fail(ctx, leadID, now, model.NewError(model.KindGeneration, "generate", err))
	}

	sendCtx, cancel := context.WithTimeout(ctx, r.cfg.SendTimeout)
	providerID, sendErr := r.sender.Send(sendCtx, lead.Phone, text)
	cancel()

	attempt := model.DeliveryAttempt{
		ID:          uuid.NewString(),
		LeadID:      leadID,
		MessageText: text,
		AttemptedAt: now,
		Outcome:     model.OutcomeSent,
	}
	if sendErr != nil {
		detail := sendErr.Error()
		attempt.Outcome = model.OutcomeFailed
		attempt.ErrorDetail = &detail
	} else {
		queued := model.ProviderQueued
		attempt.ProviderMessageID = &providerID
		attempt.ProviderStatus = &queued
		if err := r.throttle.StoreSent(ctx, leadID, providerID, now); err != nil {
			log.Warn("store sent marker failed", "err", err)
		}
	}

	var errs []error
	if err := r.attempts.AppendAttempt(ctx, attempt); err != nil {
		log.Error("append delivery attempt failed", "err", err)
		errs = append(errs, storageErr("append attempt", err))
	}

	if sendErr != nil {
		log.Warn("delivery failed", "err", sendErr)
		out := r.fail(ctx, leadID, now, model.NewError(model.KindDelivery, "send", sendErr))
		out.err = errors.Join(append(errs, out.err)...)
		return out
	}

	if _, _, err := r.update(ctx, leadID, now, func(cur model.LeadSchedule) (model.LeadSchedule, error) {
		return r.engine.OnSendResult(cur, model.OutcomeSent, now)
	}); err != nil {
		log.Error("record send result failed", "err", err)
		errs = append(errs, err)
	}
	if err := r.leads.RecordOutbound(ctx, leadID, text, now); err != nil {
		log.Warn("record outbound message failed", "err", err)
	}
	if _, err := r.throttle.IncrDaily(ctx, leadID, day); err != nil {
		log.Warn("daily counter update failed", "err", err)
	}

	log.Info("automated message sent", "provider_message_id", providerID)
	return leadResult{outcome: resultSent, reason: "delivered", err: errors.Join(errs...)}
}

// unrecorded reports whether a send at sentAt is missing from s.
func unrecorded(s model.LeadSchedule, sentAt time.Time) bool {
	return s.LastAttemptAt == nil || sentAt.After(*s.LastAttemptAt)
}

func (r *Runner) generate(ctx context.Context, lead model.Lead, history []model.ConversationMessage) (string, error) {
	genCtx, cancel := context.WithTimeout(ctx, r.cfg.GenerateTimeout)
	defer cancel()

	text, err := r.generator.Generate(genCtx, lead.ID, history, map[string]string{
		"firstName":         lead.FirstName,
		"vehicleOfInterest": lead.VehicleOfInterest,
		"dealershipName":    lead.DealershipName,
		"channel":           string(model.ChannelSMS),
	})
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("empty message")
	}
	if utf8.RuneCountInString(text) > r.cfg.ContentMax {
		return "", fmt.Errorf("content exceeds %d chars", r.cfg.ContentMax)
	}
	return text, nil
}

func (r *Runner) fail(ctx context.Context, leadID string, now time.Time, cause error) leadResult {
	_, _, err := r.update(ctx, leadID, now, func(cur model.LeadSchedule) (model.LeadSchedule, error) {
		next, err := r.engine.OnSendResult(cur, model.OutcomeFailed, now)
		if err != nil {
			return cur, err
		}
		next.LastError = truncate(cause.Error(), 500)
		return next, nil
	})
	return leadResult{
		outcome: resultFailed,
		reason:  string(model.KindOf(cause)),
		err:     errors.Join(cause, err),
	}
}

func (r *Runner) update(
	ctx context.Context,
	leadID string,
	now time.Time,
	fn func(model.LeadSchedule) (model.LeadSchedule, error),
) (model.LeadSchedule, bool, error) {
	s, changed, err := mutate(ctx, r.schedules, leadID, fn)
	if err != nil {
		slog.Error("schedule update failed", "lead_id", leadID, "at", now, "err", err)
		return s, changed, storageErr("update schedule", err)
	}
	return s, changed, nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
