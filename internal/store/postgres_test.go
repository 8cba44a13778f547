package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/repo-scout/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_GetSession_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, request, created_at, deleted_at FROM sessions WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	session, err := s.GetSession(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, session)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetSession_Found(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	created := time.Now().UTC()

	mock.ExpectQuery(`SELECT id, request, created_at, deleted_at FROM sessions WHERE id = \$1`).
		WithArgs("s1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "request", "created_at", "deleted_at"}).
			AddRow("s1", "find databases", created, (*time.Time)(nil)))

	session, err := s.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, "find databases", session.Request)
	assert.Nil(t, session.DeletedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteSession_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE sessions SET deleted_at = now\(\) WHERE id = \$1 AND deleted_at IS NULL`).
		WithArgs("missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.DeleteSession(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_NextResultGroup(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT COALESCE\(MAX\(result_group\), 0\) \+ 1 FROM attempts WHERE session_id = \$1`).
		WithArgs("s1").
		WillReturnRows(pgxmock.NewRows([]string{"next"}).AddRow(3))

	next, err := s.NextResultGroup(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 3, next)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateAttempt_GeneratesID(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO attempts`).
		WithArgs(pgxmock.AnyArg(), "s1", 1, `["q1","q2"]`, "hash", "model", "v1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	attempt, err := s.CreateAttempt(context.Background(), model.Attempt{
		SessionID:       "s1",
		ResultGroup:     1,
		Queries:         []string{"q1", "q2"},
		QueryHash:       "hash",
		JudgeModel:      "model",
		StrategyVersion: "v1",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, attempt.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertResults_InTransaction(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO results`).
		WithArgs("s1", "a1", "k1", "readme", pgxmock.AnyArg(), "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := s.InsertResults(context.Background(), []model.Result{
		{SessionID: "s1", AttemptID: "a1", ItemKey: "k1", Content: "readme"},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateResultScores_RollsBackOnFailure(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE results SET score = \$1, note = \$2`).
		WithArgs(0.5, "", "a1", "k1").
		WillReturnError(pgx.ErrTxClosed)
	mock.ExpectRollback()

	err := s.UpdateResultScores(context.Background(), "a1", []model.ScoreUpdate{
		{ItemKey: "k1", Score: 0.5},
	})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetETags(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT key, etag FROM items WHERE etag != '' AND key = ANY\(\$1\)`).
		WithArgs([]string{"k1", "k2"}).
		WillReturnRows(pgxmock.NewRows([]string{"key", "etag"}).AddRow("k1", `W/"abc"`))

	etags, err := s.GetETags(context.Background(), []string{"k1", "k2"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"k1": `W/"abc"`}, etags)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetCachedContent_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT content FROM results`).
		WithArgs("k1").
		WillReturnError(pgx.ErrNoRows)

	_, found, err := s.GetCachedContent(context.Background(), "k1")
	require.NoError(t, err)
	assert.False(t, found)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetBucket_RoundTrip(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	updated := time.Now().UTC()

	mock.ExpectQuery(`SELECT client_id, tokens, updated_at FROM rate_buckets WHERE client_id = \$1`).
		WithArgs("client-a").
		WillReturnRows(pgxmock.NewRows([]string{"client_id", "tokens", "updated_at"}).
			AddRow("client-a", 7, updated))

	bucket, err := s.GetBucket(context.Background(), "client-a")
	require.NoError(t, err)
	require.NotNil(t, bucket)
	assert.Equal(t, 7, bucket.Tokens)

	mock.ExpectExec(`INSERT INTO rate_buckets`).
		WithArgs("client-a", 6).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.PutBucket(context.Background(), BucketState{ClientID: "client-a", Tokens: 6}))
	assert.NoError(t, mock.ExpectationsWereMet())
}
