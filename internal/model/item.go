package model

import "time"

// CandidateItem is a normalized repository under evaluation. Key is the
// provider's opaque node identity (case-sensitive) and is the global
// dedupe key across the whole store: insert-or-replace, never duplicated.
type CandidateItem struct {
	Key         string    `json:"key"`
	Name        string    `json:"name"`
	URL         string    `json:"url"`
	Description string    `json:"description"`
	Stars       int       `json:"stars"`
	Language    string    `json:"language"`
	Topics      []string  `json:"topics"`
	PushedAt    time.Time `json:"pushed_at"`
	ETag        string    `json:"etag,omitempty"`
}

// Result associates an item with an attempt. Uniqueness is the
// (session, attempt, item key) triple; re-inserting the same triple is a
// no-op. Score and Note are set exactly once by judging.
type Result struct {
	SessionID string   `json:"session_id"`
	AttemptID string   `json:"attempt_id"`
	ItemKey   string   `json:"item_key"`
	Content   string   `json:"content"`
	Score     *float64 `json:"score,omitempty"`
	Note      string   `json:"note,omitempty"`
}

// ScoreUpdate carries one judged score back to a stored Result.
type ScoreUpdate struct {
	ItemKey string  `json:"item_key"`
	Score   float64 `json:"score"`
	Note    string  `json:"note"`
}
