package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/happidaswork-netizen/d2ilite/internal/crawler"
)

var entryColumns = []string{"status", "attempts", "last_attempt_at", "last_error"}

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	store, err := NewWithPool(mock, "d2i")
	require.NoError(t, err)
	return store, mock
}

func TestNewWithPoolValidatesPrefix(t *testing.T) {
	t.Parallel()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(mock, "bad-prefix;drop")
	require.Error(t, err)
	_, err = NewWithPool(nil, "")
	require.Error(t, err)
}

func TestUpdateExistingEntry(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	defer mock.Close()

	earlier := time.Unix(1700000000, 0).UTC()
	now := earlier.Add(time.Hour)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock")).
		WithArgs("extraction:https://example.org/p/1").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM d2i_entries WHERE stage = $1 AND entity_id = $2 FOR UPDATE")).
		WithArgs("extraction", "https://example.org/p/1").
		WillReturnRows(pgxmock.NewRows(entryColumns).AddRow("failed", 1, earlier, "timeout"))
	mock.ExpectExec("INSERT INTO d2i_entries").
		WithArgs("extraction", "https://example.org/p/1", "pending", 2, now, "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	got, err := store.Update(context.Background(), crawler.StageExtraction, "https://example.org/p/1",
		func(e crawler.CheckpointEntry, found bool) (crawler.CheckpointEntry, error) {
			require.True(t, found)
			require.Equal(t, crawler.CheckpointFailed, e.Status)
			require.Equal(t, "timeout", e.LastError)
			e.Status = crawler.CheckpointPending
			e.Attempts++
			e.LastAttemptAt = now
			e.LastError = ""
			return e, nil
		})
	require.NoError(t, err)
	require.Equal(t, 2, got.Attempts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRollsBackWhenFnFails(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock")).
		WithArgs("write:a").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM d2i_entries")).
		WithArgs("write", "a").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	boom := errors.New("boom")
	_, err := store.Update(context.Background(), crawler.StageWrite, "a",
		func(_ crawler.CheckpointEntry, found bool) (crawler.CheckpointEntry, error) {
			require.False(t, found)
			return crawler.CheckpointEntry{}, boom
		})
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimHashReturnsExistingOwner(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	defer mock.Close()

	mock.ExpectExec("INSERT INTO d2i_kv").
		WithArgs("hash:abc", []byte("downloads/images/ab/abc.png")).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT value FROM d2i_kv WHERE key = $1")).
		WithArgs("hash:abc").
		WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow([]byte("downloads/images/ab/abc.jpg")))

	owner, claimed, err := store.ClaimHash(context.Background(), "abc", "downloads/images/ab/abc.png")
	require.NoError(t, err)
	require.False(t, claimed)
	require.Equal(t, "downloads/images/ab/abc.jpg", owner)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimHashRegistersNewOwner(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	defer mock.Close()

	mock.ExpectExec("INSERT INTO d2i_kv").
		WithArgs("hash:abc", []byte("p.jpg")).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	owner, claimed, err := store.ClaimHash(context.Background(), "abc", "p.jpg")
	require.NoError(t, err)
	require.True(t, claimed)
	require.Equal(t, "p.jpg", owner)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadBackoffMissingIsInactive(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	defer mock.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT value FROM d2i_kv")).
		WithArgs("backoff").
		WillReturnError(pgx.ErrNoRows)

	state, err := store.LoadBackoff(context.Background())
	require.NoError(t, err)
	require.False(t, state.Active)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListScansRows(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	defer mock.Close()

	at := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery(regexp.QuoteMeta("FROM d2i_entries WHERE stage = $1 ORDER BY entity_id")).
		WithArgs("acquisition").
		WillReturnRows(pgxmock.NewRows([]string{"entity_id", "status", "attempts", "last_attempt_at", "last_error"}).
			AddRow("https://img/1.jpg", "done", 1, at, "").
			AddRow("https://img/2.jpg", "failed", 3, at, "http 500"))

	entries, err := store.List(context.Background(), crawler.StageAcquisition)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, crawler.CheckpointFailed, entries[1].Status)
	require.Equal(t, crawler.StageAcquisition, entries[1].Stage)
	require.NoError(t, mock.ExpectationsWereMet())
}
