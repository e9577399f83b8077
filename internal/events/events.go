// Package events fans audit events out to the audit table, the message
// broker and the log.
package events

import (
	"context"
	"errors"
	"log/slog"

	"github.com/LeventeLantos/lead-automation/internal/model"
)

type Publisher interface {
	Publish(ctx context.Context, ev model.AuditEvent) error
}

type AuditStore interface {
	AppendAudit(ctx context.Context, ev model.AuditEvent) error
}

// StorePublisher writes events to the durable audit trail.
type StorePublisher struct {
	store AuditStore
}

func NewStorePublisher(store AuditStore) *StorePublisher {
	return &StorePublisher{store: store}
}

func (p *StorePublisher) Publish(ctx context.Context, ev model.AuditEvent) error {
	return p.store.AppendAudit(ctx, ev)
}

type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, ev model.AuditEvent) error {
	slog.Info("audit event",
		"event_id", ev.ID,
		"type", ev.Type,
		"lead_id", ev.LeadID,
		"actor", ev.Actor,
		"detail", ev.Detail,
	)
	return nil
}

// Fanout publishes to every sink and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ev model.AuditEvent) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
