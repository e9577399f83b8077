package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/LeventeLantos/lead-automation/internal/model"
)

// PostgresConsentRepo stores consent records and the suppression list.
type PostgresConsentRepo struct {
	db *sql.DB
}

func NewPostgresConsentRepo(db *sql.DB) *PostgresConsentRepo {
	return &PostgresConsentRepo{db: db}
}

func (r *PostgresConsentRepo) LatestConsent(ctx context.Context, leadID string, ch model.Channel) (*model.ConsentRecord, error) {
	var (
		rec     model.ConsentRecord
		channel string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, lead_id, channel, granted, method, captured_at, consent_text
		FROM consent_records
		WHERE lead_id = $1 AND channel = $2
		ORDER BY captured_at DESC, id DESC
		LIMIT 1
	`, leadID, string(ch)).Scan(
		&rec.ID,
		&rec.LeadID,
		&channel,
		&rec.Granted,
		&rec.Method,
		&rec.CapturedAt,
		&rec.Text,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.Channel = model.Channel(channel)
	return &rec, nil
}

func (r *PostgresConsentRepo) AppendConsent(ctx context.Context, rec model.ConsentRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO consent_records (id, lead_id, channel, granted, method, captured_at, consent_text)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rec.ID, rec.LeadID, string(rec.Channel), rec.Granted, rec.Method, rec.CapturedAt, rec.Text)
	return err
}

func (r *PostgresConsentRepo) IsSuppressed(ctx context.Context, contact string, ch model.Channel) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM suppressions WHERE contact = $1 AND channel = $2
		)
	`, contact, string(ch)).Scan(&exists)
	return exists, err
}

func (r *PostgresConsentRepo) AddSuppression(ctx context.Context, e model.SuppressionEntry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO suppressions (id, contact, channel, reason, source, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (contact, channel) DO NOTHING
	`, e.ID, e.Contact, string(e.Channel), string(e.Reason), string(e.Source), e.Detail, e.CreatedAt)
	return err
}
