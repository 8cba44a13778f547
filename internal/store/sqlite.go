package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/repo-scout/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	request    TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	deleted_at DATETIME
);

CREATE TABLE IF NOT EXISTS attempts (
	id               TEXT PRIMARY KEY,
	session_id       TEXT NOT NULL REFERENCES sessions(id),
	result_group     INTEGER NOT NULL,
	queries          TEXT NOT NULL,
	query_hash       TEXT NOT NULL,
	judge_model      TEXT NOT NULL DEFAULT '',
	strategy_version TEXT NOT NULL DEFAULT '',
	created_at       DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE(session_id, result_group)
);

CREATE TABLE IF NOT EXISTS items (
	key         TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	url         TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	stars       INTEGER NOT NULL DEFAULT 0,
	language    TEXT NOT NULL DEFAULT '',
	topics      TEXT NOT NULL DEFAULT '[]',
	pushed_at   DATETIME,
	etag        TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS results (
	session_id TEXT NOT NULL REFERENCES sessions(id),
	attempt_id TEXT NOT NULL REFERENCES attempts(id),
	item_key   TEXT NOT NULL REFERENCES items(key),
	content    TEXT NOT NULL DEFAULT '',
	score      REAL,
	note       TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (session_id, attempt_id, item_key)
);

CREATE TABLE IF NOT EXISTS judge_reviews (
	attempt_id      TEXT PRIMARY KEY REFERENCES attempts(id),
	findings        TEXT NOT NULL,
	recommendations TEXT NOT NULL DEFAULT '[]',
	created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS rate_buckets (
	client_id  TEXT PRIMARY KEY,
	tokens     INTEGER NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_attempts_session ON attempts(session_id);
CREATE INDEX IF NOT EXISTS idx_results_attempt ON results(attempt_id);
CREATE INDEX IF NOT EXISTS idx_results_item ON results(item_key);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateSession(ctx context.Context, request string) (*model.Session, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, request, created_at) VALUES (?, ?, ?)`,
		id, request, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert session")
	}

	return &model.Session{ID: id, Request: request, CreatedAt: now}, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, request, created_at, deleted_at FROM sessions WHERE id = ?`,
		sessionID,
	)

	var sess model.Session
	var deletedAt sql.NullTime
	err := row.Scan(&sess.ID, &sess.Request, &sess.CreatedAt, &deletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get session")
	}
	if deletedAt.Valid {
		sess.DeletedAt = &deletedAt.Time
	}
	return &sess, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionFilter) ([]model.Session, error) {
	query := `SELECT id, request, created_at, deleted_at FROM sessions`
	if !filter.IncludeDeleted {
		query += ` WHERE deleted_at IS NULL`
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args := []any{limit}

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sessions")
	}
	defer rows.Close()

	var sessions []model.Session
	for rows.Next() {
		var sess model.Session
		var deletedAt sql.NullTime
		if err := rows.Scan(&sess.ID, &sess.Request, &sess.CreatedAt, &deletedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan session")
		}
		if deletedAt.Valid {
			sess.DeletedAt = &deletedAt.Time
		}
		sessions = append(sessions, sess)
	}
	return sessions, eris.Wrap(rows.Err(), "sqlite: list sessions iterate")
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		time.Now().UTC(), sessionID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete session %s", sessionID)
	}
	return checkRowsAffected(res, "session", sessionID)
}

func (s *SQLiteStore) NextResultGroup(ctx context.Context, sessionID string) (int, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(result_group), 0) + 1 FROM attempts WHERE session_id = ?`,
		sessionID,
	)
	var next int
	if err := row.Scan(&next); err != nil {
		return 0, eris.Wrap(err, "sqlite: next result group")
	}
	return next, nil
}

func (s *SQLiteStore) CreateAttempt(ctx context.Context, attempt model.Attempt) (*model.Attempt, error) {
	if attempt.ID == "" {
		attempt.ID = uuid.New().String()
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now().UTC()
	}

	queriesJSON, err := json.Marshal(attempt.Queries)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal queries")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO attempts (id, session_id, result_group, queries, query_hash, judge_model, strategy_version, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		attempt.ID, attempt.SessionID, attempt.ResultGroup, string(queriesJSON),
		attempt.QueryHash, attempt.JudgeModel, attempt.StrategyVersion, attempt.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert attempt for session %s", attempt.SessionID)
	}
	return &attempt, nil
}

func (s *SQLiteStore) UpsertItems(ctx context.Context, items []model.CandidateItem) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin upsert items")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO items (key, name, url, description, stars, language, topics, pushed_at, etag)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
			name = excluded.name, url = excluded.url, description = excluded.description,
			stars = excluded.stars, language = excluded.language, topics = excluded.topics,
			pushed_at = excluded.pushed_at, etag = excluded.etag`,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare upsert items")
	}
	defer stmt.Close()

	for _, item := range items {
		topicsJSON, err := json.Marshal(item.Topics)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal topics")
		}
		if _, err := stmt.ExecContext(ctx,
			item.Key, item.Name, item.URL, item.Description, item.Stars,
			item.Language, string(topicsJSON), item.PushedAt, item.ETag,
		); err != nil {
			return eris.Wrapf(err, "sqlite: upsert item %s", item.Key)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit upsert items")
}

func (s *SQLiteStore) GetItems(ctx context.Context, keys []string) ([]model.CandidateItem, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	query := `SELECT key, name, url, description, stars, language, topics, pushed_at, etag
	          FROM items WHERE key IN (` + placeholders(len(keys)) + `)`
	rows, err := s.db.QueryContext(ctx, query, toAnySlice(keys)...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get items")
	}
	defer rows.Close()

	var items []model.CandidateItem
	for rows.Next() {
		var item model.CandidateItem
		var topicsJSON string
		var pushedAt sql.NullTime
		if err := rows.Scan(&item.Key, &item.Name, &item.URL, &item.Description,
			&item.Stars, &item.Language, &topicsJSON, &pushedAt, &item.ETag); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan item")
		}
		if err := json.Unmarshal([]byte(topicsJSON), &item.Topics); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal topics")
		}
		if pushedAt.Valid {
			item.PushedAt = pushedAt.Time
		}
		items = append(items, item)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: get items iterate")
}

func (s *SQLiteStore) InsertResults(ctx context.Context, results []model.Result) error {
	if len(results) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin insert results")
	}
	defer tx.Rollback()

	// OR IGNORE keeps duplicate (session, attempt, item) triples as no-ops.
	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO results (session_id, attempt_id, item_key, content, score, note)
		 VALUES (?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare insert results")
	}
	defer stmt.Close()

	for _, r := range results {
		if _, err := stmt.ExecContext(ctx,
			r.SessionID, r.AttemptID, r.ItemKey, r.Content, r.Score, r.Note,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert result %s", r.ItemKey)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit insert results")
}

func (s *SQLiteStore) UpdateResultScores(ctx context.Context, attemptID string, updates []model.ScoreUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin update scores")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`UPDATE results SET score = ?, note = ? WHERE attempt_id = ? AND item_key = ?`,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare update scores")
	}
	defer stmt.Close()

	for _, u := range updates {
		if _, err := stmt.ExecContext(ctx, u.Score, u.Note, attemptID, u.ItemKey); err != nil {
			return eris.Wrapf(err, "sqlite: update score for %s", u.ItemKey)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit update scores")
}

func (s *SQLiteStore) UpsertJudgeReview(ctx context.Context, review model.JudgeReview) error {
	recsJSON, err := json.Marshal(review.Recommendations)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal recommendations")
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO judge_reviews (attempt_id, findings, recommendations, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(attempt_id) DO UPDATE SET
			findings = excluded.findings, recommendations = excluded.recommendations,
			updated_at = excluded.updated_at`,
		review.AttemptID, review.Findings, string(recsJSON), now, now,
	)
	return eris.Wrapf(err, "sqlite: upsert judge review %s", review.AttemptID)
}

func (s *SQLiteStore) GetJudgeReview(ctx context.Context, attemptID string) (*model.JudgeReview, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT attempt_id, findings, recommendations, created_at, updated_at
		 FROM judge_reviews WHERE attempt_id = ?`,
		attemptID,
	)

	var review model.JudgeReview
	var recsJSON string
	err := row.Scan(&review.AttemptID, &review.Findings, &recsJSON, &review.CreatedAt, &review.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get judge review")
	}
	if err := json.Unmarshal([]byte(recsJSON), &review.Recommendations); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal recommendations")
	}
	return &review, nil
}

func (s *SQLiteStore) GetETags(ctx context.Context, keys []string) (map[string]string, error) {
	etags := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return etags, nil
	}

	query := `SELECT key, etag FROM items WHERE etag != '' AND key IN (` + placeholders(len(keys)) + `)`
	rows, err := s.db.QueryContext(ctx, query, toAnySlice(keys)...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get etags")
	}
	defer rows.Close()

	for rows.Next() {
		var key, etag string
		if err := rows.Scan(&key, &etag); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan etag")
		}
		etags[key] = etag
	}
	return etags, eris.Wrap(rows.Err(), "sqlite: get etags iterate")
}

func (s *SQLiteStore) GetCachedContent(ctx context.Context, itemKey string) (string, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT content FROM results
		 WHERE item_key = ? AND content != ''
		 ORDER BY created_at DESC LIMIT 1`,
		itemKey,
	)

	var content string
	err := row.Scan(&content)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, eris.Wrap(err, "sqlite: get cached content")
	}
	return content, true, nil
}

func (s *SQLiteStore) GetItemKeysForSessions(ctx context.Context, sessionIDs []string) ([]string, error) {
	if len(sessionIDs) == 0 {
		return nil, nil
	}

	query := `SELECT DISTINCT item_key FROM results WHERE session_id IN (` + placeholders(len(sessionIDs)) + `) ORDER BY item_key`
	rows, err := s.db.QueryContext(ctx, query, toAnySlice(sessionIDs)...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get item keys for sessions")
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan item key")
		}
		keys = append(keys, key)
	}
	return keys, eris.Wrap(rows.Err(), "sqlite: get item keys iterate")
}

func (s *SQLiteStore) GetBucket(ctx context.Context, clientID string) (*BucketState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT client_id, tokens, updated_at FROM rate_buckets WHERE client_id = ?`,
		clientID,
	)

	var b BucketState
	err := row.Scan(&b.ClientID, &b.Tokens, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get bucket")
	}
	return &b, nil
}

func (s *SQLiteStore) PutBucket(ctx context.Context, state BucketState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rate_buckets (client_id, tokens, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(client_id) DO UPDATE SET tokens = excluded.tokens, updated_at = excluded.updated_at`,
		state.ClientID, state.Tokens, time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: put bucket %s", state.ClientID)
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

func placeholders(n int) string {
	out := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
