package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/LeventeLantos/lead-automation/internal/model"
)

type PostgresAuditRepo struct {
	db *sql.DB
}

func NewPostgresAuditRepo(db *sql.DB) *PostgresAuditRepo {
	return &PostgresAuditRepo{db: db}
}

func (r *PostgresAuditRepo) AppendAudit(ctx context.Context, ev model.AuditEvent) error {
	detail, err := json.Marshal(ev.Detail)
	if err != nil {
		return err
	}
	var leadID sql.NullString
	if ev.LeadID != "" {
		leadID = sql.NullString{String: ev.LeadID, Valid: true}
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, type, lead_id, actor, detail, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, ev.ID, ev.Type, leadID, ev.Actor, detail, ev.OccurredAt)
	return err
}
