package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/LeventeLantos/lead-automation/internal/model"
)

const attemptColumns = `id, lead_id, message_text, attempted_at, outcome,
	provider_message_id, error_detail, provider_status, status_updated_at`

type PostgresAttemptRepo struct {
	db *sql.DB
}

func NewPostgresAttemptRepo(db *sql.DB) *PostgresAttemptRepo {
	return &PostgresAttemptRepo{db: db}
}

func (r *PostgresAttemptRepo) AppendAttempt(ctx context.Context, a model.DeliveryAttempt) error {
	var status sql.NullString
	if a.ProviderStatus != nil {
		status = sql.NullString{String: string(*a.ProviderStatus), Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO delivery_attempts (`+attemptColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		a.ID, a.LeadID, a.MessageText, a.AttemptedAt, string(a.Outcome),
		nullString(a.ProviderMessageID), nullString(a.ErrorDetail), status, nullTime(a.StatusUpdatedAt),
	)
	return err
}

func (r *PostgresAttemptRepo) UpdateProviderStatus(ctx context.Context, providerMessageID string, st model.ProviderStatus, at time.Time) (model.DeliveryAttempt, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE delivery_attempts
		SET provider_status = $2,
		    status_updated_at = $3
		WHERE provider_message_id = $1
		RETURNING `+attemptColumns,
		providerMessageID, string(st), at,
	)
	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DeliveryAttempt{}, model.ErrNotFound
	}
	return a, err
}

func (r *PostgresAttemptRepo) ListAttempts(ctx context.Context, leadID string, limit, offset int) ([]model.DeliveryAttempt, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+attemptColumns+`
		FROM delivery_attempts
		WHERE ($1 = '' OR lead_id = $1)
		ORDER BY attempted_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, leadID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DeliveryAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAttempt(row rowScanner) (model.DeliveryAttempt, error) {
	var (
		a                          model.DeliveryAttempt
		outcome                    string
		providerID, errDetail, pst sql.NullString
		statusAt                   sql.NullTime
	)
	if err := row.Scan(
		&a.ID,
		&a.LeadID,
		&a.MessageText,
		&a.AttemptedAt,
		&outcome,
		&providerID,
		&errDetail,
		&pst,
		&statusAt,
	); err != nil {
		return model.DeliveryAttempt{}, err
	}

	a.Outcome = model.Outcome(outcome)
	a.ProviderMessageID = stringPtr(providerID)
	a.ErrorDetail = stringPtr(errDetail)
	if pst.Valid {
		st := model.ProviderStatus(pst.String)
		a.ProviderStatus = &st
	}
	a.StatusUpdatedAt = timePtr(statusAt)
	return a, nil
}
