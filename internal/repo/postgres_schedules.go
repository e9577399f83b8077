package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/LeventeLantos/lead-automation/internal/model"
)

const scheduleColumns = `lead_id, opted_in, paused, pause_reason, paused_at, next_send_at,
	messages_sent, consecutive_failures, last_outcome, last_attempt_at, last_error,
	version, created_at, updated_at`

type PostgresScheduleRepo struct {
	db *sql.DB
}

func NewPostgresScheduleRepo(db *sql.DB) *PostgresScheduleRepo {
	return &PostgresScheduleRepo{db: db}
}

func (r *PostgresScheduleRepo) GetSchedule(ctx context.Context, leadID string) (model.LeadSchedule, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+scheduleColumns+`
		FROM lead_schedules
		WHERE lead_id = $1
	`, leadID)

	s, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.LeadSchedule{}, model.ErrNotFound
	}
	return s, err
}

func (r *PostgresScheduleRepo) CreateSchedule(ctx context.Context, s model.LeadSchedule) error {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO lead_schedules (`+scheduleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 1, $12, $13)
		ON CONFLICT (lead_id) DO NOTHING
	`,
		s.LeadID, s.OptedIn, s.Paused, string(s.PauseReason), nullTime(s.PausedAt), nullTime(s.NextSendAt),
		s.MessagesSent, s.ConsecutiveFailures, string(s.LastOutcome), nullTime(s.LastAttemptAt), s.LastError,
		s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrAlreadyExists
	}
	return nil
}

func (r *PostgresScheduleRepo) UpdateSchedule(ctx context.Context, s model.LeadSchedule) (model.LeadSchedule, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE lead_schedules
		SET opted_in = $3,
		    paused = $4,
		    pause_reason = $5,
		    paused_at = $6,
		    next_send_at = $7,
		    messages_sent = GREATEST(messages_sent, $8),
		    consecutive_failures = $9,
		    last_outcome = $10,
		    last_attempt_at = $11,
		    last_error = $12,
		    version = version + 1,
		    updated_at = $13
		WHERE lead_id = $1 AND version = $2
		RETURNING `+scheduleColumns,
		s.LeadID, s.Version,
		s.OptedIn, s.Paused, string(s.PauseReason), nullTime(s.PausedAt), nullTime(s.NextSendAt),
		s.MessagesSent, s.ConsecutiveFailures, string(s.LastOutcome), nullTime(s.LastAttemptAt), s.LastError,
		s.UpdatedAt,
	)

	out, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.LeadSchedule{}, fmt.Errorf("lead %s at version %d: %w", s.LeadID, s.Version, model.ErrVersionConflict)
	}
	return out, err
}

func (r *PostgresScheduleRepo) ListDue(ctx context.Context, q DueQuery) ([]model.LeadSchedule, error) {
	if q.Limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}
	return r.query(ctx, `
		SELECT `+scheduleColumns+`
		FROM lead_schedules
		WHERE opted_in AND NOT paused
		  AND (next_send_at IS NULL OR next_send_at <= $1)
		  AND NOT (last_outcome = 'skipped_consent' AND last_attempt_at IS NOT NULL AND last_attempt_at > $2)
		ORDER BY next_send_at ASC NULLS FIRST, lead_id ASC
		LIMIT $3
	`, q.Now, q.RecheckBefore, q.Limit)
}

func (r *PostgresScheduleRepo) ListOverdue(ctx context.Context, before time.Time, limit int) ([]model.LeadSchedule, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}
	return r.query(ctx, `
		SELECT `+scheduleColumns+`
		FROM lead_schedules
		WHERE opted_in AND NOT paused
		  AND last_outcome <> 'skipped_consent'
		  AND COALESCE(next_send_at, created_at) < $1
		ORDER BY COALESCE(next_send_at, created_at) ASC, lead_id ASC
		LIMIT $2
	`, before, limit)
}

func (r *PostgresScheduleRepo) ListPaused(ctx context.Context, reason model.PauseReason, pausedBefore time.Time, limit int) ([]model.LeadSchedule, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}
	return r.query(ctx, `
		SELECT `+scheduleColumns+`
		FROM lead_schedules
		WHERE paused AND pause_reason = $1 AND paused_at < $2
		ORDER BY paused_at ASC, lead_id ASC
		LIMIT $3
	`, string(reason), pausedBefore, limit)
}

func (r *PostgresScheduleRepo) CountActive(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT count(*) FROM lead_schedules WHERE opted_in AND NOT paused
	`).Scan(&n)
	return n, err
}

func (r *PostgresScheduleRepo) query(ctx context.Context, q string, args ...any) ([]model.LeadSchedule, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.LeadSchedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSchedule(row rowScanner) (model.LeadSchedule, error) {
	var (
		s                               model.LeadSchedule
		reason, outcome                 string
		pausedAt, nextSend, lastAttempt sql.NullTime
		lastErr                         sql.NullString
	)
	if err := row.Scan(
		&s.LeadID,
		&s.OptedIn,
		&s.Paused,
		&reason,
		&pausedAt,
		&nextSend,
		&s.MessagesSent,
		&s.ConsecutiveFailures,
		&outcome,
		&lastAttempt,
		&lastErr,
		&s.Version,
		&s.CreatedAt,
		&s.UpdatedAt,
	); err != nil {
		return model.LeadSchedule{}, err
	}

	s.PauseReason = model.PauseReason(reason)
	s.LastOutcome = model.Outcome(outcome)
	s.PausedAt = timePtr(pausedAt)
	s.NextSendAt = timePtr(nextSend)
	s.LastAttemptAt = timePtr(lastAttempt)
	s.LastError = lastErr.String
	return s, nil
}
