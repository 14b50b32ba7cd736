package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitegov/governor/internal/models"
)

var proposalRowColumns = []string{
	"id", "site_id", "service_id", "change_type", "scope", "risk_level", "confidence",
	"title", "description", "reason", "affected_urls", "evidence", "status", "cadence_verdict",
	"deploy_window_id", "skip_reason", "reject_reason", "snoozed_until", "metrics_before", "metrics_after",
	"created_at", "updated_at", "queued_at", "applied_at", "resolved_at",
}

func proposalRow(id uuid.UUID, status models.ProposalStatus) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows(proposalRowColumns).AddRow(
		id.String(), "site-1", "svc-analysis", "content", "single_page", "low", 0.8,
		"rewrite hero copy", "", "", []byte(`[]`), []byte(`{}`), string(status), []byte(`{}`),
		nil, "", "", nil, nil, nil,
		now, now, nil, nil, nil,
	)
}

func TestPGGetProposal(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	st := NewPGStore(db)
	id := uuid.New()

	mock.ExpectQuery(`SELECT .* FROM proposals WHERE id=\$1`).
		WithArgs(id).
		WillReturnRows(proposalRow(id, models.StatusOpen))

	p, err := st.GetProposal(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, p.ID)
	assert.Equal(t, models.StatusOpen, p.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGGetProposalNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	st := NewPGStore(db)
	id := uuid.New()

	mock.ExpectQuery(`SELECT .* FROM proposals WHERE id=\$1`).
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)

	_, err = st.GetProposal(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGUpdateProposalStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	st := NewPGStore(db)
	id := uuid.New()

	mock.ExpectQuery(`UPDATE proposals`).
		WillReturnRows(proposalRow(id, models.StatusAccepted))

	p, err := st.UpdateProposalStatus(context.Background(), StatusUpdate{
		ID:   id,
		From: ReviewStatuses,
		To:   models.StatusAccepted,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, p.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGUpdateProposalStatusConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	st := NewPGStore(db)
	id := uuid.New()

	// conditional update matches nothing, re-select shows who won the race
	mock.ExpectQuery(`UPDATE proposals`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status FROM proposals WHERE id=$1`)).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("rejected"))

	_, err = st.UpdateProposalStatus(context.Background(), StatusUpdate{
		ID:   id,
		From: ReviewStatuses,
		To:   models.StatusAccepted,
	})
	var conflict *StatusConflictError
	require.True(t, errors.As(err, &conflict), "expected StatusConflictError, got %v", err)
	assert.Equal(t, models.StatusRejected, conflict.Current)
	assert.ErrorIs(t, err, ErrStatusConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGUpdateProposalStatusNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	st := NewPGStore(db)
	id := uuid.New()

	mock.ExpectQuery(`UPDATE proposals`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status FROM proposals WHERE id=$1`)).
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)

	_, err = st.UpdateProposalStatus(context.Background(), StatusUpdate{
		ID:   id,
		From: []models.ProposalStatus{models.StatusOpen},
		To:   models.StatusRejected,
	})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGAppendActionStartsPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	st := NewPGStore(db)
	proposalID := uuid.New()
	createdAt := time.Now().UTC()

	mock.ExpectQuery(`INSERT INTO proposal_actions .*'pending'`).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(createdAt))

	a, err := st.AppendAction(context.Background(), ActionInput{
		ProposalID: proposalID,
		Kind:       models.ActionAccepted,
		Actor:      "user:alex",
	})
	require.NoError(t, err)
	assert.Equal(t, proposalID, a.ProposalID)
	assert.Equal(t, models.ActionAccepted, a.Kind)
	assert.Equal(t, createdAt, a.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGGetCadenceSettingsLazyCreate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	st := NewPGStore(db)

	settingsColumns := []string{"site_id", "max_deploys_per_week", "cooldowns", "stabilization_until", "stabilization_reason", "updated_at"}
	cooldowns := []byte(`{"content":7,"title_meta":14,"template":21,"technical":14,"performance":7}`)

	mock.ExpectQuery(`SELECT .* FROM cadence_settings`).
		WithArgs("site-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO cadence_settings`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT .* FROM cadence_settings`).
		WithArgs("site-1").
		WillReturnRows(sqlmock.NewRows(settingsColumns).
			AddRow("site-1", 2, cooldowns, nil, "", time.Now().UTC()))

	settings, err := st.GetCadenceSettings(context.Background(), "site-1")
	require.NoError(t, err)
	assert.Equal(t, 2, settings.MaxDeploysPerWeek)
	assert.Equal(t, 21, settings.CooldownDays[models.CooldownTemplate])
	assert.Nil(t, settings.StabilizationUntil)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGListDeployWindows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	st := NewPGStore(db)

	executed := time.Now().UTC().Add(-24 * time.Hour)
	since := time.Now().UTC().AddDate(0, 0, -7)
	mock.ExpectQuery(`SELECT .* FROM deploy_windows`).
		WithArgs("site-1", since).
		WillReturnRows(sqlmock.NewRows([]string{"id", "site_id", "scheduled_at", "status", "executed_at"}).
			AddRow(uuid.New().String(), "site-1", executed, "executed", executed))

	windows, err := st.ListDeployWindows(context.Background(), "site-1", since)
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, models.WindowExecuted, windows[0].Status)
	require.NotNil(t, windows[0].ExecutedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}
