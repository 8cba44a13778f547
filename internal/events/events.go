// Package events defines the typed progress events published by the
// pipeline and the coalescing machinery that batches them for a live
// observer.
package events

import "github.com/sells-group/repo-scout/internal/model"

// Event is one progress notification. The concrete variants form a
// closed set; Kind returns the wire-level type tag.
type Event interface {
	Kind() string
}

// AttemptStarted signals the beginning of a round.
type AttemptStarted struct {
	AttemptID   string `json:"attempt_id"`
	ResultGroup int    `json:"result_group"`
	Query       string `json:"query"`
}

func (AttemptStarted) Kind() string { return "attempt_started" }

// RepoBatch carries a batch of retrieved candidate items.
type RepoBatch struct {
	Count int                   `json:"count"`
	Items []model.CandidateItem `json:"items"`
}

func (RepoBatch) Kind() string { return "github_batch" }

// JudgeUpdate carries the latest judge snapshot. Only the most recent
// one matters to an observer.
type JudgeUpdate struct {
	Stats           model.Stats `json:"stats"`
	Findings        string      `json:"findings"`
	Recommendations []string    `json:"recommendations"`
}

func (JudgeUpdate) Kind() string { return "judge_update" }

// RefinedSearch reports the query hand-off between rounds.
type RefinedSearch struct {
	PreviousQuery string `json:"previous_query"`
	NewQuery      string `json:"new_query"`
}

func (RefinedSearch) Kind() string { return "refined_search" }

// Finalized signals loop termination.
type Finalized struct {
	Total     int     `json:"total"`
	Threshold float64 `json:"threshold"`
}

func (Finalized) Kind() string { return "finalized" }

// Error surfaces a pipeline failure to the observer.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (Error) Kind() string { return "error" }

// Publisher delivers events for a session, preserving per-session order.
type Publisher interface {
	Publish(sessionID string, ev Event)
}

// Discard is a Publisher that drops every event; used by the one-shot
// CLI path where no observer is attached.
type Discard struct{}

func (Discard) Publish(string, Event) {}
