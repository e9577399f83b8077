// Package consent decides whether a lead may be messaged on a channel and
// handles inbound opt-out requests.
package consent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/LeventeLantos/lead-automation/internal/model"
)

type Reason string

const (
	ReasonAllowed     Reason = "allowed"
	ReasonSuppressed  Reason = "suppressed"
	ReasonNoConsent   Reason = "no_consent"
	ReasonNoContact   Reason = "no_contact"
	ReasonUnavailable Reason = "store_unavailable"
)

type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  Reason `json:"reason"`
}

type ConsentStore interface {
	// LatestConsent returns nil, nil when the lead has no record on the channel.
	LatestConsent(ctx context.Context, leadID string, ch model.Channel) (*model.ConsentRecord, error)
	AppendConsent(ctx context.Context, rec model.ConsentRecord) error
}

type SuppressionStore interface {
	IsSuppressed(ctx context.Context, contact string, ch model.Channel) (bool, error)
	AddSuppression(ctx context.Context, e model.SuppressionEntry) error
}

type LeadLookup interface {
	Lead(ctx context.Context, leadID string) (model.Lead, error)
	LeadsByContact(ctx context.Context, contact string) ([]string, error)
}

// Pauser moves a lead's schedule to paused/opted_out.
type Pauser interface {
	PauseOptedOut(ctx context.Context, leadID string) error
}

type Publisher interface {
	Publish(ctx context.Context, ev model.AuditEvent) error
}

type Gate struct {
	consents     ConsentStore
	suppressions SuppressionStore
	leads        LeadLookup
	pauser       Pauser
	events       Publisher
	now          func() time.Time
}

func NewGate(consents ConsentStore, suppressions SuppressionStore, leads LeadLookup, pauser Pauser, events Publisher) *Gate {
	return &Gate{
		consents:     consents,
		suppressions: suppressions,
		leads:        leads,
		pauser:       pauser,
		events:       events,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// CanSend fails closed: any store error denies with ReasonUnavailable and is
// returned alongside the decision.
func (g *Gate) CanSend(ctx context.Context, leadID string, ch model.Channel) (Decision, error) {
	lead, err := g.leads.Lead(ctx, leadID)
	if err != nil {
		return deny(ReasonUnavailable), storageErr("load lead", err)
	}
	contact := lead.Contact(ch)
	if contact == "" {
		return deny(ReasonNoContact), nil
	}

	suppressed, err := g.suppressions.IsSuppressed(ctx, contact, ch)
	if err != nil {
		return deny(ReasonUnavailable), storageErr("check suppression", err)
	}
	if suppressed {
		return deny(ReasonSuppressed), nil
	}

	rec, err := g.consents.LatestConsent(ctx, leadID, ch)
	if err != nil {
		return deny(ReasonUnavailable), storageErr("load consent", err)
	}
	if rec == nil || !rec.Granted {
		return deny(ReasonNoConsent), nil
	}
	return Decision{Allowed: true, Reason: ReasonAllowed}, nil
}

// RecordConsent appends a consent record; history is never overwritten.
func (g *Gate) RecordConsent(ctx context.Context, rec model.ConsentRecord) (model.ConsentRecord, error) {
	if rec.LeadID == "" {
		return rec, errors.New("lead id is required")
	}
	if !rec.Channel.Valid() {
		return rec, fmt.Errorf("invalid channel %q", rec.Channel)
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CapturedAt.IsZero() {
		rec.CapturedAt = g.now()
	}
	if err := g.consents.AppendConsent(ctx, rec); err != nil {
		return rec, storageErr("append consent", err)
	}

	g.publish(ctx, model.AuditEvent{
		Type:   model.EventConsentRecorded,
		LeadID: rec.LeadID,
		Actor:  rec.Method,
		Detail: map[string]string{
			"channel": string(rec.Channel),
			"granted": fmt.Sprintf("%t", rec.Granted),
		},
	})
	return rec, nil
}

// ProcessOptOut must run on every inbound message before anything else looks
// at it. It returns true when the message was an opt-out request.
func (g *Gate) ProcessOptOut(ctx context.Context, contact string, ch model.Channel, text string) (bool, error) {
	if !IsOptOut(text) {
		return false, nil
	}
	contact = strings.TrimSpace(contact)
	if contact == "" {
		return true, errors.New("opt-out without contact value")
	}

	entry := model.SuppressionEntry{
		ID:        uuid.NewString(),
		Contact:   contact,
		Channel:   ch,
		Reason:    model.SuppressionOptOut,
		Source:    model.SourceInboundKeyword,
		Detail:    truncate(text, 160),
		CreatedAt: g.now(),
	}
	if err := g.suppressions.AddSuppression(ctx, entry); err != nil {
		return true, storageErr("add suppression", err)
	}

	leadIDs, err := g.leads.LeadsByContact(ctx, contact)
	if err != nil {
		return true, storageErr("find leads by contact", err)
	}

	var errs []error
	for _, id := range leadIDs {
		if err := g.pauser.PauseOptedOut(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("pause lead %s: %w", id, err))
			continue
		}
		g.publish(ctx, model.AuditEvent{
			Type:   model.EventOptOut,
			LeadID: id,
			Actor:  "lead",
			Detail: map[string]string{"channel": string(ch), "keyword": normalize(text)},
		})
	}

	slog.Info("opt-out processed", "channel", ch, "leads", len(leadIDs))
	return true, errors.Join(errs...)
}

func (g *Gate) publish(ctx context.Context, ev model.AuditEvent) {
	if g.events == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = g.now()
	}
	if err := g.events.Publish(ctx, ev); err != nil {
		slog.Warn("audit publish failed", "type", ev.Type, "lead_id", ev.LeadID, "err", err)
	}
}

func deny(r Reason) Decision {
	return Decision{Allowed: false, Reason: r}
}

func storageErr(op string, err error) error {
	return model.NewError(model.KindStorage, op, err)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
