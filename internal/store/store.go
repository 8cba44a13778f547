package store

import (
	"context"
	"time"

	"github.com/sells-group/repo-scout/internal/model"
)

// SessionFilter specifies criteria for listing sessions.
type SessionFilter struct {
	IncludeDeleted bool `json:"include_deleted,omitempty"`
	Limit          int  `json:"limit,omitempty"`
	Offset         int  `json:"offset,omitempty"`
}

// BucketState is the persisted token count for one durable rate-limit
// bucket, keyed by client identifier.
type BucketState struct {
	ClientID  string    `json:"client_id"`
	Tokens    int       `json:"tokens"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store defines the persistence interface for the search-judge pipeline.
// Everything is append/update only; the only destructive operation is the
// explicit session soft delete.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, request string) (*model.Session, error)
	GetSession(ctx context.Context, sessionID string) (*model.Session, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]model.Session, error)
	DeleteSession(ctx context.Context, sessionID string) error

	// Attempts. NextResultGroup is a read-then-increment against the
	// attempts table; callers must serialize per session (at most one
	// writer per session at a time).
	NextResultGroup(ctx context.Context, sessionID string) (int, error)
	CreateAttempt(ctx context.Context, attempt model.Attempt) (*model.Attempt, error)

	// Items and results
	UpsertItems(ctx context.Context, items []model.CandidateItem) error
	GetItems(ctx context.Context, keys []string) ([]model.CandidateItem, error)
	InsertResults(ctx context.Context, results []model.Result) error
	UpdateResultScores(ctx context.Context, attemptID string, updates []model.ScoreUpdate) error

	// Judge reviews
	UpsertJudgeReview(ctx context.Context, review model.JudgeReview) error
	GetJudgeReview(ctx context.Context, attemptID string) (*model.JudgeReview, error)

	// Conditional-fetch cache
	GetETags(ctx context.Context, keys []string) (map[string]string, error)
	GetCachedContent(ctx context.Context, itemKey string) (string, bool, error)

	// Cross-session dedupe / bias
	GetItemKeysForSessions(ctx context.Context, sessionIDs []string) ([]string, error)

	// Durable admission-control state
	GetBucket(ctx context.Context, clientID string) (*BucketState, error)
	PutBucket(ctx context.Context, state BucketState) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
