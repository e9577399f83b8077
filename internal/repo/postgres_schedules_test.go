package repo

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/lead-automation/internal/model"
)

var scheduleCols = []string{
	"lead_id", "opted_in", "paused", "pause_reason", "paused_at", "next_send_at",
	"messages_sent", "consecutive_failures", "last_outcome", "last_attempt_at", "last_error",
	"version", "created_at", "updated_at",
}

func scheduleRow(leadID string, next any, version int64, at time.Time) []driver.Value {
	return []driver.Value{leadID, true, false, "none", nil, next, 2, 0, "sent", at, "", version, at, at}
}

func TestGetSchedule(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresScheduleRepo(db)
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT .* FROM lead_schedules WHERE lead_id = \$1`).
		WithArgs("lead-1").
		WillReturnRows(sqlmock.NewRows(scheduleCols).AddRow(scheduleRow("lead-1", at.Add(time.Hour), 3, at)...))

	s, err := repo.GetSchedule(context.Background(), "lead-1")
	require.NoError(t, err)
	assert.Equal(t, "lead-1", s.LeadID)
	assert.True(t, s.OptedIn)
	assert.Equal(t, model.PauseNone, s.PauseReason)
	assert.Equal(t, model.OutcomeSent, s.LastOutcome)
	assert.Equal(t, 2, s.MessagesSent)
	assert.Equal(t, int64(3), s.Version)
	require.NotNil(t, s.NextSendAt)
	assert.True(t, s.NextSendAt.Equal(at.Add(time.Hour)))
	assert.Nil(t, s.PausedAt)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetScheduleNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT .* FROM lead_schedules`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(scheduleCols))

	_, err = NewPostgresScheduleRepo(db).GetSchedule(context.Background(), "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateScheduleConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	mock.ExpectExec(`INSERT INTO lead_schedules .* ON CONFLICT \(lead_id\) DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = NewPostgresScheduleRepo(db).CreateSchedule(context.Background(), model.NewLeadSchedule("lead-1", now))
	assert.ErrorIs(t, err, model.ErrAlreadyExists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateScheduleBumpsVersion(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	s := model.NewLeadSchedule("lead-1", at)
	s.OptedIn = true
	s.Version = 4

	mock.ExpectQuery(`UPDATE lead_schedules SET .* version = version \+ 1.*WHERE lead_id = \$1 AND version = \$2 RETURNING`).
		WithArgs("lead-1", int64(4), true, false, "none", nil, nil, 0, 0, "none", nil, "", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(scheduleCols).AddRow(scheduleRow("lead-1", nil, 5, at)...))

	out, err := NewPostgresScheduleRepo(db).UpdateSchedule(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, int64(5), out.Version)
	assert.Nil(t, out.NextSendAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateScheduleVersionConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := model.NewLeadSchedule("lead-1", time.Now())
	s.Version = 1

	mock.ExpectQuery(`UPDATE lead_schedules`).WillReturnRows(sqlmock.NewRows(scheduleCols))

	_, err = NewPostgresScheduleRepo(db).UpdateSchedule(context.Background(), s)
	assert.ErrorIs(t, err, model.ErrVersionConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListDue(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	recheck := now.Add(-6 * time.Hour)

	mock.ExpectQuery(`FROM lead_schedules WHERE opted_in AND NOT paused .* ORDER BY next_send_at ASC NULLS FIRST, lead_id ASC LIMIT \$3`).
		WithArgs(now, recheck, 25).
		WillReturnRows(sqlmock.NewRows(scheduleCols).
			AddRow(scheduleRow("a", nil, 1, now)...).
			AddRow(scheduleRow("b", now.Add(-time.Minute), 2, now)...))

	due, err := NewPostgresScheduleRepo(db).ListDue(context.Background(), DueQuery{Now: now, RecheckBefore: recheck, Limit: 25})
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "a", due[0].LeadID)
	assert.Equal(t, "b", due[1].LeadID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListDueRejectsZeroLimit(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	_, err = NewPostgresScheduleRepo(db).ListDue(context.Background(), DueQuery{Now: time.Now()})
	assert.Error(t, err)
}

func TestListOverdueQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	boom := errors.New("connection reset")
	mock.ExpectQuery(`COALESCE\(next_send_at, created_at\) < \$1`).WillReturnError(boom)

	_, err = NewPostgresScheduleRepo(db).ListOverdue(context.Background(), time.Now(), 10)
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountActive(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT count\(\*\) FROM lead_schedules`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	n, err := NewPostgresScheduleRepo(db).CountActive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
