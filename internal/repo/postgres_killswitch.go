package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/LeventeLantos/lead-automation/internal/model"
)

// PostgresKillSwitchRepo keeps the emergency switch in the single-row
// automation_settings table.
type PostgresKillSwitchRepo struct {
	db *sql.DB
}

func NewPostgresKillSwitchRepo(db *sql.DB) *PostgresKillSwitchRepo {
	return &PostgresKillSwitchRepo{db: db}
}

func (r *PostgresKillSwitchRepo) LoadKillSwitch(ctx context.Context) (model.KillSwitchState, error) {
	var (
		st                   model.KillSwitchState
		disabledAt           sql.NullTime
		by, reason, updateBy sql.NullString
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT ai_disabled, disabled_at, disabled_by, disable_reason, updated_at, updated_by
		FROM automation_settings
		WHERE id = 1
	`).Scan(&st.Disabled, &disabledAt, &by, &reason, &st.UpdatedAt, &updateBy)
	if errors.Is(err, sql.ErrNoRows) {
		return model.KillSwitchState{}, nil
	}
	if err != nil {
		return model.KillSwitchState{}, err
	}

	st.DisabledAt = timePtr(disabledAt)
	st.DisabledBy = by.String
	st.Reason = reason.String
	st.UpdatedBy = updateBy.String
	return st, nil
}

func (r *PostgresKillSwitchRepo) SaveKillSwitch(ctx context.Context, st model.KillSwitchState) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO automation_settings (id, ai_disabled, disabled_at, disabled_by, disable_reason, updated_at, updated_by)
		VALUES (1, $1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			ai_disabled = EXCLUDED.ai_disabled,
			disabled_at = EXCLUDED.disabled_at,
			disabled_by = EXCLUDED.disabled_by,
			disable_reason = EXCLUDED.disable_reason,
			updated_at = EXCLUDED.updated_at,
			updated_by = EXCLUDED.updated_by
	`, st.Disabled, nullTime(st.DisabledAt), st.DisabledBy, st.Reason, st.UpdatedAt, st.UpdatedBy)
	return err
}
