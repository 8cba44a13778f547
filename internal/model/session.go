package model

import "time"

// Session is one user intent. It owns zero or more Attempts and is
// immutable after creation except for soft deletion.
type Session struct {
	ID        string     `json:"id"`
	Request   string     `json:"request"`
	CreatedAt time.Time  `json:"created_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Attempt is one full expand-retrieve-judge round of a session.
// ResultGroup values form a gap-free increasing sequence starting at 1,
// never reused within a session.
type Attempt struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"session_id"`
	ResultGroup     int       `json:"result_group"`
	Queries         []string  `json:"queries"`
	QueryHash       string    `json:"query_hash"`
	JudgeModel      string    `json:"judge_model"`
	StrategyVersion string    `json:"strategy_version"`
	CreatedAt       time.Time `json:"created_at"`
}

// RetryPolicy bounds the refinement loop.
type RetryPolicy struct {
	MaxAttempts int     `json:"max_attempts"`
	MinScore    float64 `json:"min_score"`
}

// DefaultRetryPolicy returns the standard convergence bounds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, MinScore: 0.65}
}

// Normalize fills zero fields with defaults.
func (p RetryPolicy) Normalize() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.MinScore <= 0 {
		p.MinScore = d.MinScore
	}
	return p
}
