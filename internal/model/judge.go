package model

import "time"

// JudgeReview is the judge's verdict for one attempt, one-to-one with
// the Attempt record. Upserted, never duplicated per attempt.
type JudgeReview struct {
	AttemptID       string    `json:"attempt_id"`
	Findings        string    `json:"findings"`
	Recommendations []string  `json:"recommendations"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Stats holds the two numbers that drive the convergence decision.
type Stats struct {
	Median   float64 `json:"median"`
	Top5Mean float64 `json:"top5_mean"`
}

// RoundSummary is the per-attempt record returned to the caller after
// the loop terminates.
type RoundSummary struct {
	AttemptID       string   `json:"attempt_id"`
	ResultGroup     int      `json:"result_group"`
	Queries         []string `json:"queries"`
	Findings        string   `json:"findings"`
	Recommendations []string `json:"recommendations"`
	Stats           Stats    `json:"stats"`
	TotalRepos      int      `json:"total_repos"`
	DurationMs      int64    `json:"duration_ms"`
}
