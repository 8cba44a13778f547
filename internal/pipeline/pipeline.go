// Package pipeline drives the expand-retrieve-judge refinement loop for
// one session and owns its persistence ordering.
package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/repo-scout/internal/events"
	"github.com/sells-group/repo-scout/internal/expand"
	"github.com/sells-group/repo-scout/internal/judge"
	"github.com/sells-group/repo-scout/internal/model"
	"github.com/sells-group/repo-scout/internal/search"
	"github.com/sells-group/repo-scout/internal/store"
)

// Retriever executes one round's retrieval queries. maxResults at or
// below zero means the retriever's own default cap.
type Retriever interface {
	Run(ctx context.Context, queries []string, maxResults int) ([]search.Candidate, error)
}

// Request is the trigger intake for one pipeline run. SessionID empty
// means a new session; otherwise the run appends attempts to the
// existing one.
type Request struct {
	SessionID              string             `json:"sessionId,omitempty"`
	Query                  string             `json:"query,omitempty"`
	NaturalLanguageRequest string             `json:"naturalLanguageRequest"`
	MaxResults             int                `json:"maxResults,omitempty"`
	SearchWithinSessions   []string           `json:"searchWithinSessions,omitempty"`
	ExcludeSessions        []string           `json:"excludeSessions,omitempty"`
	RetryPolicy            *model.RetryPolicy `json:"retryPolicy,omitempty"`
}

// Status is the terminal disposition of a run that did not fail.
type Status string

const (
	// StatusConverged means a score threshold was met.
	StatusConverged Status = "converged"
	// StatusExhausted means the loop stopped without meeting a
	// threshold: attempts ran out or the judge offered no refinement.
	StatusExhausted Status = "exhausted"
)

// Outcome is the caller-facing result of a completed run.
type Outcome struct {
	SessionID string               `json:"sessionId"`
	Status    Status               `json:"status"`
	Rounds    []model.RoundSummary `json:"rounds"`
}

// top5MeanThreshold is the alternate convergence gate: a strong head of
// results converges the loop even when the median stays low.
const top5MeanThreshold = 0.75

// Controller runs the refinement loop. It serializes rounds itself, so
// the at-most-one-writer-per-session requirement of the store holds as
// long as no two runs share a session concurrently.
type Controller struct {
	store      store.Store
	expander   *expand.Expander
	retriever  Retriever
	judge      judge.Client
	judgeModel string
	events     events.Publisher
}

// NewController wires the loop's collaborators. A nil publisher is
// replaced with the discarding one.
func NewController(
	st store.Store,
	expander *expand.Expander,
	retriever Retriever,
	judgeClient judge.Client,
	judgeModel string,
	pub events.Publisher,
) *Controller {
	if pub == nil {
		pub = events.Discard{}
	}
	return &Controller{
		store:      st,
		expander:   expander,
		retriever:  retriever,
		judge:      judgeClient,
		judgeModel: judgeModel,
		events:     pub,
	}
}

// Run executes rounds until convergence, exhaustion, or a round failure.
// Cancellation via ctx aborts in-flight provider calls; there is no
// separate cancel signal at this layer.
func (c *Controller) Run(ctx context.Context, req Request) (*Outcome, error) {
	if strings.TrimSpace(req.NaturalLanguageRequest) == "" {
		return nil, &ValidationError{Msg: "naturalLanguageRequest is required"}
	}
	policy := model.DefaultRetryPolicy()
	if req.RetryPolicy != nil {
		policy = req.RetryPolicy.Normalize()
	}

	session, err := c.resolveSession(ctx, req)
	if err != nil {
		return nil, err
	}
	log := zap.L().With(zap.String("session_id", session.ID))

	excludeKeys, err := c.store.GetItemKeysForSessions(ctx, req.ExcludeSessions)
	if err != nil {
		return nil, &StoreError{Err: eris.Wrap(err, "load exclusion keys")}
	}
	biasKeys, err := c.store.GetItemKeysForSessions(ctx, req.SearchWithinSessions)
	if err != nil {
		return nil, &StoreError{Err: eris.Wrap(err, "load bias keys")}
	}
	biasCandidates, err := c.loadBiasCandidates(ctx, biasKeys)
	if err != nil {
		return nil, err
	}

	currentQuery := req.Query
	if currentQuery == "" {
		currentQuery = req.NaturalLanguageRequest
	}

	var rounds []model.RoundSummary
	status := StatusExhausted

	for attemptNo := 1; ; attemptNo++ {
		summary, review, err := c.runRound(ctx, roundInput{
			session:        session,
			query:          currentQuery,
			attemptNo:      attemptNo,
			maxResults:     req.MaxResults,
			excludeKeys:    excludeKeys,
			biasKeys:       biasKeys,
			biasCandidates: biasCandidates,
		})
		if err != nil {
			c.events.Publish(session.ID, events.Error{Code: Code(err), Message: err.Error()})
			return nil, err
		}
		rounds = append(rounds, *summary)

		log.Info("pipeline: round complete",
			zap.Int("result_group", summary.ResultGroup),
			zap.Float64("median", summary.Stats.Median),
			zap.Float64("top5_mean", summary.Stats.Top5Mean),
			zap.Int("repos", summary.TotalRepos),
			zap.Int64("duration_ms", summary.DurationMs),
		)

		if summary.Stats.Median >= policy.MinScore || summary.Stats.Top5Mean >= top5MeanThreshold {
			status = StatusConverged
			break
		}
		if review == nil || len(review.Recommendations) == 0 {
			log.Info("pipeline: no refinement offered, stopping")
			break
		}
		if attemptNo >= policy.MaxAttempts {
			log.Info("pipeline: attempt budget exhausted", zap.Int("max_attempts", policy.MaxAttempts))
			break
		}

		next := review.Recommendations[0]
		c.events.Publish(session.ID, events.RefinedSearch{
			PreviousQuery: currentQuery,
			NewQuery:      next,
		})
		currentQuery = next
	}

	total := 0
	for _, r := range rounds {
		total += r.TotalRepos
	}
	c.events.Publish(session.ID, events.Finalized{Total: total, Threshold: policy.MinScore})

	return &Outcome{SessionID: session.ID, Status: status, Rounds: rounds}, nil
}

func (c *Controller) resolveSession(ctx context.Context, req Request) (*model.Session, error) {
	if req.SessionID == "" {
		session, err := c.store.CreateSession(ctx, req.NaturalLanguageRequest)
		if err != nil {
			return nil, &StoreError{Err: eris.Wrap(err, "create session")}
		}
		return session, nil
	}

	session, err := c.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, &StoreError{Err: eris.Wrapf(err, "load session %s", req.SessionID)}
	}
	if session == nil || session.DeletedAt != nil {
		return nil, &ValidationError{Msg: "session not found: " + req.SessionID}
	}
	return session, nil
}

// loadBiasCandidates rebuilds candidates for prior-session items that
// still have a persisted readme snapshot. Items whose snapshot is gone
// are skipped here; they can still surface through fresh retrieval.
func (c *Controller) loadBiasCandidates(ctx context.Context, biasKeys []string) ([]search.Candidate, error) {
	if len(biasKeys) == 0 {
		return nil, nil
	}
	items, err := c.store.GetItems(ctx, biasKeys)
	if err != nil {
		return nil, &StoreError{Err: eris.Wrap(err, "load bias items")}
	}

	candidates := make([]search.Candidate, 0, len(items))
	for _, item := range items {
		content, found, err := c.store.GetCachedContent(ctx, item.Key)
		if err != nil {
			return nil, &StoreError{Err: eris.Wrapf(err, "load cached content for %s", item.Key)}
		}
		if !found {
			continue
		}
		candidates = append(candidates, search.Candidate{
			Item:       item,
			Content:    content,
			QueryIndex: -1,
		})
	}
	return candidates, nil
}

type roundInput struct {
	session        *model.Session
	query          string
	attemptNo      int
	maxResults     int
	excludeKeys    []string
	biasKeys       []string
	biasCandidates []search.Candidate
}

// runRound executes one full round. The attempt, its items, and its
// unscored results are persisted before the judge is consulted, so a
// judge failure still leaves a complete audit trail of what was seen.
func (c *Controller) runRound(ctx context.Context, in roundInput) (*model.RoundSummary, *judge.Review, error) {
	start := time.Now()
	attemptID := uuid.NewString()

	// Round one fans out across the strategy templates; refinement
	// rounds run the judge's recommendation verbatim.
	queries := c.expander.Expand(in.query, in.attemptNo == 1)

	group, err := c.store.NextResultGroup(ctx, in.session.ID)
	if err != nil {
		return nil, nil, &StoreError{Err: eris.Wrap(err, "next result group")}
	}
	c.events.Publish(in.session.ID, events.AttemptStarted{
		AttemptID:   attemptID,
		ResultGroup: group,
		Query:       in.query,
	})

	fetched, err := c.retriever.Run(ctx, queries, in.maxResults)
	if err != nil {
		return nil, nil, eris.Wrap(err, "pipeline: retrieval")
	}

	candidates := search.DedupeWithinRound(append(in.biasCandidates, fetched...))
	candidates = search.ExcludeKeys(candidates, in.excludeKeys)
	candidates = search.BiasKeys(candidates, in.biasKeys)

	if _, err := c.store.CreateAttempt(ctx, model.Attempt{
		ID:              attemptID,
		SessionID:       in.session.ID,
		ResultGroup:     group,
		Queries:         queries,
		QueryHash:       expand.Hash(queries),
		JudgeModel:      c.judgeModel,
		StrategyVersion: c.expander.Version(),
	}); err != nil {
		return nil, nil, &StoreError{Err: eris.Wrap(err, "create attempt")}
	}

	if err := c.persistCandidates(ctx, in.session.ID, attemptID, candidates); err != nil {
		return nil, nil, err
	}

	items := make([]model.CandidateItem, len(candidates))
	for i, cand := range candidates {
		items[i] = cand.Item
	}
	c.events.Publish(in.session.ID, events.RepoBatch{Count: len(items), Items: items})

	summary := &model.RoundSummary{
		AttemptID:   attemptID,
		ResultGroup: group,
		Queries:     queries,
		TotalRepos:  len(candidates),
	}

	// An empty round has nothing to judge and no refinement signal.
	if len(candidates) == 0 {
		summary.DurationMs = time.Since(start).Milliseconds()
		return summary, nil, nil
	}

	review, err := c.judge.Review(ctx, in.session.Request, candidates)
	if err != nil {
		return nil, nil, eris.Wrap(err, "pipeline: judge")
	}

	if err := c.store.UpsertJudgeReview(ctx, model.JudgeReview{
		AttemptID:       attemptID,
		Findings:        review.Findings,
		Recommendations: review.Recommendations,
	}); err != nil {
		return nil, nil, &StoreError{Err: eris.Wrap(err, "upsert judge review")}
	}

	if err := c.applyScores(ctx, attemptID, candidates, review); err != nil {
		return nil, nil, err
	}

	summary.Findings = review.Findings
	summary.Recommendations = review.Recommendations
	summary.Stats = judge.ComputeStatistics(review.Scores())
	summary.DurationMs = time.Since(start).Milliseconds()

	c.events.Publish(in.session.ID, events.JudgeUpdate{
		Stats:           summary.Stats,
		Findings:        review.Findings,
		Recommendations: review.Recommendations,
	})
	return summary, review, nil
}

func (c *Controller) persistCandidates(ctx context.Context, sessionID, attemptID string, candidates []search.Candidate) error {
	if len(candidates) == 0 {
		return nil
	}

	items := make([]model.CandidateItem, len(candidates))
	results := make([]model.Result, len(candidates))
	for i, cand := range candidates {
		items[i] = cand.Item
		results[i] = model.Result{
			SessionID: sessionID,
			AttemptID: attemptID,
			ItemKey:   cand.Item.Key,
			Content:   cand.Content,
		}
	}

	if err := c.store.UpsertItems(ctx, items); err != nil {
		return &StoreError{Err: eris.Wrap(err, "upsert items")}
	}
	if err := c.store.InsertResults(ctx, results); err != nil {
		return &StoreError{Err: eris.Wrap(err, "insert results")}
	}
	return nil
}

// applyScores maps judge item names back to stable keys and writes the
// scores onto the round's results. Names the judge invented or dropped
// are logged and skipped; the unscored rows stay null.
func (c *Controller) applyScores(ctx context.Context, attemptID string, candidates []search.Candidate, review *judge.Review) error {
	keyByName := make(map[string]string, len(candidates))
	for _, cand := range candidates {
		keyByName[cand.Item.Name] = cand.Item.Key
	}

	updates := make([]model.ScoreUpdate, 0, len(review.Items))
	for _, item := range review.Items {
		key, ok := keyByName[item.Name]
		if !ok {
			zap.L().Warn("pipeline: judge scored unknown item", zap.String("name", item.Name))
			continue
		}
		updates = append(updates, model.ScoreUpdate{
			ItemKey: key,
			Score:   item.Score,
			Note:    item.Note,
		})
	}
	if len(updates) == 0 {
		return nil
	}

	if err := c.store.UpdateResultScores(ctx, attemptID, updates); err != nil {
		return &StoreError{Err: eris.Wrap(err, "update result scores")}
	}
	return nil
}
