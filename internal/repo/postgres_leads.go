package repo

import (
	"context"
	"database/sql"
	"errors"
	"slices"
	"time"

	"github.com/LeventeLantos/lead-automation/internal/model"
)

// PostgresLeadDirectory reads the CRM-owned leads and conversation tables.
type PostgresLeadDirectory struct {
	db *sql.DB
}

func NewPostgresLeadDirectory(db *sql.DB) *PostgresLeadDirectory {
	return &PostgresLeadDirectory{db: db}
}

func (r *PostgresLeadDirectory) Lead(ctx context.Context, leadID string) (model.Lead, error) {
	var (
		l                              model.Lead
		phone, email, name, car, store sql.NullString
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, phone, email, first_name, vehicle_of_interest, dealership_name
		FROM leads
		WHERE id = $1
	`, leadID).Scan(&l.ID, &phone, &email, &name, &car, &store)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Lead{}, model.ErrNotFound
	}
	if err != nil {
		return model.Lead{}, err
	}

	l.Phone = phone.String
	l.Email = email.String
	l.FirstName = name.String
	l.VehicleOfInterest = car.String
	l.DealershipName = store.String
	return l, nil
}

func (r *PostgresLeadDirectory) LeadsByContact(ctx context.Context, contact string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id FROM leads WHERE phone = $1 OR email = $1 ORDER BY id
	`, contact)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// History returns the latest messages oldest first.
func (r *PostgresLeadDirectory) History(ctx context.Context, leadID string, limit int) ([]model.ConversationMessage, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT direction, body, created_at
		FROM conversation_messages
		WHERE lead_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, leadID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ConversationMessage
	for rows.Next() {
		var (
			m   model.ConversationMessage
			dir string
		)
		if err := rows.Scan(&dir, &m.Text, &m.At); err != nil {
			return nil, err
		}
		m.Direction = model.Direction(dir)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

func (r *PostgresLeadDirectory) RecordOutbound(ctx context.Context, leadID, text string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO conversation_messages (lead_id, direction, body, created_at, is_automated)
		VALUES ($1, 'outbound', $2, $3, true)
	`, leadID, text, at)
	return err
}
