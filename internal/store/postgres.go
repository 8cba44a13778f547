package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/repo-scout/internal/model"
)

// pgxPool is the subset of pgxpool.Pool used by the store. pgxmock
// satisfies it for unit tests.
type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool pgxPool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	request    TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	deleted_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS attempts (
	id               TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	session_id       TEXT NOT NULL REFERENCES sessions(id),
	result_group     INTEGER NOT NULL,
	queries          JSONB NOT NULL,
	query_hash       TEXT NOT NULL,
	judge_model      TEXT NOT NULL DEFAULT '',
	strategy_version TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE(session_id, result_group)
);

CREATE TABLE IF NOT EXISTS items (
	key         TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	url         TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	stars       INTEGER NOT NULL DEFAULT 0,
	language    TEXT NOT NULL DEFAULT '',
	topics      JSONB NOT NULL DEFAULT '[]',
	pushed_at   TIMESTAMPTZ,
	etag        TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS results (
	session_id TEXT NOT NULL REFERENCES sessions(id),
	attempt_id TEXT NOT NULL REFERENCES attempts(id),
	item_key   TEXT NOT NULL REFERENCES items(key),
	content    TEXT NOT NULL DEFAULT '',
	score      DOUBLE PRECISION,
	note       TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (session_id, attempt_id, item_key)
);

CREATE TABLE IF NOT EXISTS judge_reviews (
	attempt_id      TEXT PRIMARY KEY REFERENCES attempts(id),
	findings        TEXT NOT NULL,
	recommendations JSONB NOT NULL DEFAULT '[]',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS rate_buckets (
	client_id  TEXT PRIMARY KEY,
	tokens     INTEGER NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_attempts_session ON attempts(session_id);
CREATE INDEX IF NOT EXISTS idx_results_attempt ON results(attempt_id);
CREATE INDEX IF NOT EXISTS idx_results_item ON results(item_key);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, request string) (*model.Session, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, request, created_at) VALUES ($1, $2, $3)`,
		id, request, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert session")
	}
	return &model.Session{ID: id, Request: request, CreatedAt: now}, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, request, created_at, deleted_at FROM sessions WHERE id = $1`,
		sessionID,
	)

	var sess model.Session
	err := row.Scan(&sess.ID, &sess.Request, &sess.CreatedAt, &sess.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get session")
	}
	return &sess, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, filter SessionFilter) ([]model.Session, error) {
	query := `SELECT id, request, created_at, deleted_at FROM sessions`
	if !filter.IncludeDeleted {
		query += ` WHERE deleted_at IS NULL`
	}
	query += ` ORDER BY created_at DESC LIMIT $1 OFFSET $2`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, query, limit, filter.Offset)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sessions")
	}
	defer rows.Close()

	var sessions []model.Session
	for rows.Next() {
		var sess model.Session
		if err := rows.Scan(&sess.ID, &sess.Request, &sess.CreatedAt, &sess.DeletedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan session")
		}
		sessions = append(sessions, sess)
	}
	return sessions, eris.Wrap(rows.Err(), "postgres: list sessions iterate")
}

func (s *PostgresStore) DeleteSession(ctx context.Context, sessionID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL`,
		sessionID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete session %s", sessionID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("session not found: %s", sessionID)
	}
	return nil
}

func (s *PostgresStore) NextResultGroup(ctx context.Context, sessionID string) (int, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(result_group), 0) + 1 FROM attempts WHERE session_id = $1`,
		sessionID,
	)
	var next int
	if err := row.Scan(&next); err != nil {
		return 0, eris.Wrap(err, "postgres: next result group")
	}
	return next, nil
}

func (s *PostgresStore) CreateAttempt(ctx context.Context, attempt model.Attempt) (*model.Attempt, error) {
	if attempt.ID == "" {
		attempt.ID = uuid.New().String()
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now().UTC()
	}

	queriesJSON, err := json.Marshal(attempt.Queries)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal queries")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO attempts (id, session_id, result_group, queries, query_hash, judge_model, strategy_version, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		attempt.ID, attempt.SessionID, attempt.ResultGroup, string(queriesJSON),
		attempt.QueryHash, attempt.JudgeModel, attempt.StrategyVersion, attempt.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert attempt for session %s", attempt.SessionID)
	}
	return &attempt, nil
}

func (s *PostgresStore) UpsertItems(ctx context.Context, items []model.CandidateItem) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin upsert items")
	}
	defer tx.Rollback(ctx)

	for _, item := range items {
		topicsJSON, err := json.Marshal(item.Topics)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal topics")
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO items (key, name, url, description, stars, language, topics, pushed_at, etag)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (key) DO UPDATE SET
				name = EXCLUDED.name, url = EXCLUDED.url, description = EXCLUDED.description,
				stars = EXCLUDED.stars, language = EXCLUDED.language, topics = EXCLUDED.topics,
				pushed_at = EXCLUDED.pushed_at, etag = EXCLUDED.etag`,
			item.Key, item.Name, item.URL, item.Description, item.Stars,
			item.Language, string(topicsJSON), item.PushedAt, item.ETag,
		); err != nil {
			return eris.Wrapf(err, "postgres: upsert item %s", item.Key)
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit upsert items")
}

func (s *PostgresStore) GetItems(ctx context.Context, keys []string) ([]model.CandidateItem, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT key, name, url, description, stars, language, topics, pushed_at, etag
		 FROM items WHERE key = ANY($1)`,
		keys,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get items")
	}
	defer rows.Close()

	var items []model.CandidateItem
	for rows.Next() {
		var item model.CandidateItem
		var topicsJSON string
		var pushedAt *time.Time
		if err := rows.Scan(&item.Key, &item.Name, &item.URL, &item.Description,
			&item.Stars, &item.Language, &topicsJSON, &pushedAt, &item.ETag); err != nil {
			return nil, eris.Wrap(err, "postgres: scan item")
		}
		if err := json.Unmarshal([]byte(topicsJSON), &item.Topics); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal topics")
		}
		if pushedAt != nil {
			item.PushedAt = *pushedAt
		}
		items = append(items, item)
	}
	return items, eris.Wrap(rows.Err(), "postgres: get items iterate")
}

func (s *PostgresStore) InsertResults(ctx context.Context, results []model.Result) error {
	if len(results) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin insert results")
	}
	defer tx.Rollback(ctx)

	for _, r := range results {
		if _, err := tx.Exec(ctx,
			`INSERT INTO results (session_id, attempt_id, item_key, content, score, note)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (session_id, attempt_id, item_key) DO NOTHING`,
			r.SessionID, r.AttemptID, r.ItemKey, r.Content, r.Score, r.Note,
		); err != nil {
			return eris.Wrapf(err, "postgres: insert result %s", r.ItemKey)
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit insert results")
}

func (s *PostgresStore) UpdateResultScores(ctx context.Context, attemptID string, updates []model.ScoreUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin update scores")
	}
	defer tx.Rollback(ctx)

	for _, u := range updates {
		if _, err := tx.Exec(ctx,
			`UPDATE results SET score = $1, note = $2 WHERE attempt_id = $3 AND item_key = $4`,
			u.Score, u.Note, attemptID, u.ItemKey,
		); err != nil {
			return eris.Wrapf(err, "postgres: update score for %s", u.ItemKey)
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit update scores")
}

func (s *PostgresStore) UpsertJudgeReview(ctx context.Context, review model.JudgeReview) error {
	recsJSON, err := json.Marshal(review.Recommendations)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal recommendations")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO judge_reviews (attempt_id, findings, recommendations, created_at, updated_at)
		 VALUES ($1, $2, $3, now(), now())
		 ON CONFLICT (attempt_id) DO UPDATE SET
			findings = EXCLUDED.findings, recommendations = EXCLUDED.recommendations,
			updated_at = now()`,
		review.AttemptID, review.Findings, string(recsJSON),
	)
	return eris.Wrapf(err, "postgres: upsert judge review %s", review.AttemptID)
}

func (s *PostgresStore) GetJudgeReview(ctx context.Context, attemptID string) (*model.JudgeReview, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT attempt_id, findings, recommendations, created_at, updated_at
		 FROM judge_reviews WHERE attempt_id = $1`,
		attemptID,
	)

	var review model.JudgeReview
	var recsJSON string
	err := row.Scan(&review.AttemptID, &review.Findings, &recsJSON, &review.CreatedAt, &review.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get judge review")
	}
	if err := json.Unmarshal([]byte(recsJSON), &review.Recommendations); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal recommendations")
	}
	return &review, nil
}

func (s *PostgresStore) GetETags(ctx context.Context, keys []string) (map[string]string, error) {
	etags := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return etags, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT key, etag FROM items WHERE etag != '' AND key = ANY($1)`,
		keys,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get etags")
	}
	defer rows.Close()

	for rows.Next() {
		var key, etag string
		if err := rows.Scan(&key, &etag); err != nil {
			return nil, eris.Wrap(err, "postgres: scan etag")
		}
		etags[key] = etag
	}
	return etags, eris.Wrap(rows.Err(), "postgres: get etags iterate")
}

func (s *PostgresStore) GetCachedContent(ctx context.Context, itemKey string) (string, bool, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT content FROM results
		 WHERE item_key = $1 AND content != ''
		 ORDER BY created_at DESC LIMIT 1`,
		itemKey,
	)

	var content string
	err := row.Scan(&content)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, eris.Wrap(err, "postgres: get cached content")
	}
	return content, true, nil
}

func (s *PostgresStore) GetItemKeysForSessions(ctx context.Context, sessionIDs []string) ([]string, error) {
	if len(sessionIDs) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT item_key FROM results WHERE session_id = ANY($1) ORDER BY item_key`,
		sessionIDs,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get item keys for sessions")
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, eris.Wrap(err, "postgres: scan item key")
		}
		keys = append(keys, key)
	}
	return keys, eris.Wrap(rows.Err(), "postgres: get item keys iterate")
}

func (s *PostgresStore) GetBucket(ctx context.Context, clientID string) (*BucketState, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT client_id, tokens, updated_at FROM rate_buckets WHERE client_id = $1`,
		clientID,
	)

	var b BucketState
	err := row.Scan(&b.ClientID, &b.Tokens, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get bucket")
	}
	return &b, nil
}

func (s *PostgresStore) PutBucket(ctx context.Context, state BucketState) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO rate_buckets (client_id, tokens, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (client_id) DO UPDATE SET tokens = EXCLUDED.tokens, updated_at = now()`,
		state.ClientID, state.Tokens,
	)
	return eris.Wrapf(err, "postgres: put bucket %s", state.ClientID)
}
