package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/repo-scout/internal/events"
	"github.com/sells-group/repo-scout/internal/judge"
	"github.com/sells-group/repo-scout/internal/model"
	"github.com/sells-group/repo-scout/internal/search"
	"github.com/sells-group/repo-scout/internal/store"
)

// fakeStore is an in-memory store.Store that records the order of
// mutating calls so tests can assert persistence ordering.
type fakeStore struct {
	mu       sync.Mutex
	calls    []string
	sessions map[string]*model.Session
	attempts []model.Attempt
	items    map[string]model.CandidateItem
	results  []model.Result
	reviews  map[string]model.JudgeReview
	contents map[string]string
	keysFor  map[string][]string
	buckets  map[string]store.BucketState
	failOn   string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: make(map[string]*model.Session),
		items:    make(map[string]model.CandidateItem),
		reviews:  make(map[string]model.JudgeReview),
		contents: make(map[string]string),
		keysFor:  make(map[string][]string),
		buckets:  make(map[string]store.BucketState),
	}
}

func (f *fakeStore) record(call string) error {
	f.calls = append(f.calls, call)
	if f.failOn == call {
		return eris.New(call + " failed")
	}
	return nil
}

func (f *fakeStore) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeStore) CreateSession(_ context.Context, request string) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateSession"); err != nil {
		return nil, err
	}
	s := &model.Session{ID: fmt.Sprintf("sess-%d", len(f.sessions)+1), Request: request}
	f.sessions[s.ID] = s
	return s, nil
}

func (f *fakeStore) GetSession(_ context.Context, sessionID string) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetSession"); err != nil {
		return nil, err
	}
	return f.sessions[sessionID], nil
}

func (f *fakeStore) ListSessions(context.Context, store.SessionFilter) ([]model.Session, error) {
	return nil, nil
}

func (f *fakeStore) DeleteSession(context.Context, string) error {
	return nil
}

func (f *fakeStore) NextResultGroup(_ context.Context, sessionID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("NextResultGroup"); err != nil {
		return 0, err
	}
	max := 0
	for _, a := range f.attempts {
		if a.SessionID == sessionID && a.ResultGroup > max {
			max = a.ResultGroup
		}
	}
	return max + 1, nil
}

func (f *fakeStore) CreateAttempt(_ context.Context, attempt model.Attempt) (*model.Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateAttempt"); err != nil {
		return nil, err
	}
	f.attempts = append(f.attempts, attempt)
	return &attempt, nil
}

func (f *fakeStore) UpsertItems(_ context.Context, items []model.CandidateItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("UpsertItems"); err != nil {
		return err
	}
	for _, item := range items {
		f.items[item.Key] = item
	}
	return nil
}

func (f *fakeStore) GetItems(_ context.Context, keys []string) ([]model.CandidateItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.CandidateItem
	for _, k := range keys {
		if item, ok := f.items[k]; ok {
			out = append(out, item)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertResults(_ context.Context, results []model.Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("InsertResults"); err != nil {
		return err
	}
	f.results = append(f.results, results...)
	for _, r := range results {
		f.contents[r.ItemKey] = r.Content
	}
	return nil
}

func (f *fakeStore) UpdateResultScores(_ context.Context, attemptID string, updates []model.ScoreUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("UpdateResultScores"); err != nil {
		return err
	}
	for _, u := range updates {
		for i := range f.results {
			if f.results[i].AttemptID == attemptID && f.results[i].ItemKey == u.ItemKey {
				score := u.Score
				f.results[i].Score = &score
				f.results[i].Note = u.Note
			}
		}
	}
	return nil
}

func (f *fakeStore) UpsertJudgeReview(_ context.Context, review model.JudgeReview) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("UpsertJudgeReview"); err != nil {
		return err
	}
	f.reviews[review.AttemptID] = review
	return nil
}

func (f *fakeStore) GetJudgeReview(_ context.Context, attemptID string) (*model.JudgeReview, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	review, ok := f.reviews[attemptID]
	if !ok {
		return nil, nil
	}
	return &review, nil
}

func (f *fakeStore) GetETags(context.Context, []string) (map[string]string, error) {
	return map[string]string{}, nil
}

func (f *fakeStore) GetCachedContent(_ context.Context, itemKey string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.contents[itemKey]
	return content, ok, nil
}

func (f *fakeStore) GetItemKeysForSessions(_ context.Context, sessionIDs []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, id := range sessionIDs {
		out = append(out, f.keysFor[id]...)
	}
	return out, nil
}

func (f *fakeStore) GetBucket(_ context.Context, clientID string) (*store.BucketState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.buckets[clientID]
	if !ok {
		return nil, nil
	}
	return &state, nil
}

func (f *fakeStore) PutBucket(_ context.Context, state store.BucketState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buckets[state.ClientID] = state
	return nil
}

func (f *fakeStore) Migrate(context.Context) error { return nil }
func (f *fakeStore) Close() error                  { return nil }

// fakeRetriever replays canned candidates round by round and records
// the queries it was asked to run.
type fakeRetriever struct {
	mu      sync.Mutex
	rounds  [][]search.Candidate
	queries [][]string
	err     error
}

func (f *fakeRetriever) Run(_ context.Context, queries []string, _ int) ([]search.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, queries)
	if f.err != nil {
		return nil, f.err
	}
	round := len(f.queries) - 1
	if round >= len(f.rounds) {
		return nil, nil
	}
	return f.rounds[round], nil
}

// fakeJudge replays canned reviews and marks the call in the store's
// log so ordering can be asserted against persistence.
type fakeJudge struct {
	mu      sync.Mutex
	st      *fakeStore
	reviews []*judge.Review
	err     error
	calls   int
	intents []string
}

func (f *fakeJudge) Review(_ context.Context, intent string, _ []search.Candidate) (*judge.Review, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.st != nil {
		f.st.mu.Lock()
		f.st.calls = append(f.st.calls, "JudgeReview")
		f.st.mu.Unlock()
	}
	f.intents = append(f.intents, intent)
	if f.err != nil {
		return nil, f.err
	}
	review := f.reviews[f.calls]
	if f.calls < len(f.reviews)-1 {
		f.calls++
	}
	return review, nil
}

// recordPublisher captures events in order.
type recordPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordPublisher) Publish(_ string, ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordPublisher) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind()
	}
	return out
}

func makeCandidates(pairs ...[2]string) []search.Candidate {
	out := make([]search.Candidate, len(pairs))
	for i, s := range pairs {
		out[i] = search.Candidate{
			Item:    model.CandidateItem{Key: s[0], Name: s[1]},
			Content: "readme for " + s[1],
		}
	}
	return out
}

func reviewWith(recommendations []string, items ...judge.ItemReview) *judge.Review {
	return &judge.Review{
		Findings:        "findings",
		Recommendations: recommendations,
		Items:           items,
	}
}
