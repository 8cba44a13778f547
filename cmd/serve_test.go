package main

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/repo-scout/internal/admission"
	"github.com/sells-group/repo-scout/internal/config"
	"github.com/sells-group/repo-scout/internal/events"
	"github.com/sells-group/repo-scout/internal/model"
	"github.com/sells-group/repo-scout/internal/store"
)

// stubStore serves a fixed session set; everything else is inert.
type stubStore struct {
	sessions map[string]*model.Session
	deleted  []string
}

func newStubStore(sessions ...*model.Session) *stubStore {
	s := &stubStore{sessions: make(map[string]*model.Session)}
	for _, sess := range sessions {
		s.sessions[sess.ID] = sess
	}
	return s
}

func (s *stubStore) CreateSession(_ context.Context, request string) (*model.Session, error) {
	sess := &model.Session{ID: "generated", Request: request, CreatedAt: time.Now()}
	s.sessions[sess.ID] = sess
	return sess, nil
}

func (s *stubStore) GetSession(_ context.Context, sessionID string) (*model.Session, error) {
	return s.sessions[sessionID], nil
}

func (s *stubStore) ListSessions(context.Context, store.SessionFilter) ([]model.Session, error) {
	var out []model.Session
	for _, sess := range s.sessions {
		out = append(out, *sess)
	}
	return out, nil
}

func (s *stubStore) DeleteSession(_ context.Context, sessionID string) error {
	s.deleted = append(s.deleted, sessionID)
	return nil
}

func (s *stubStore) NextResultGroup(context.Context, string) (int, error) { return 1, nil }
func (s *stubStore) CreateAttempt(_ context.Context, a model.Attempt) (*model.Attempt, error) {
	return &a, nil
}
func (s *stubStore) UpsertItems(context.Context, []model.CandidateItem) error { return nil }
func (s *stubStore) GetItems(context.Context, []string) ([]model.CandidateItem, error) {
	return nil, nil
}
func (s *stubStore) InsertResults(context.Context, []model.Result) error { return nil }
func (s *stubStore) UpdateResultScores(context.Context, string, []model.ScoreUpdate) error {
	return nil
}
func (s *stubStore) UpsertJudgeReview(context.Context, model.JudgeReview) error { return nil }
func (s *stubStore) GetJudgeReview(context.Context, string) (*model.JudgeReview, error) {
	return nil, nil
}
func (s *stubStore) GetETags(context.Context, []string) (map[string]string, error) {
	return map[string]string{}, nil
}
func (s *stubStore) GetCachedContent(context.Context, string) (string, bool, error) {
	return "", false, nil
}
func (s *stubStore) GetItemKeysForSessions(context.Context, []string) ([]string, error) {
	return nil, nil
}
func (s *stubStore) GetBucket(context.Context, string) (*store.BucketState, error) {
	return nil, nil
}
func (s *stubStore) PutBucket(context.Context, store.BucketState) error { return nil }
func (s *stubStore) Migrate(context.Context) error                     { return nil }
func (s *stubStore) Close() error                                      { return nil }

func newTestServer(st store.Store) *server {
	return &server{
		store:     st,
		broker:    events.NewBroker(),
		limiter:   admission.NewLimiter(100, 10),
		eventsCfg: config.EventsConfig{ItemBatchSize: 25, ItemIntervalMs: 10},
	}
}

func doRequest(t *testing.T, s *server, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	return rec
}

func TestServer_Health(t *testing.T) {
	s := newTestServer(newStubStore())

	rec := doRequest(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServer_ListSessions_EmptyIsArray(t *testing.T) {
	s := newTestServer(newStubStore())

	rec := doRequest(t, s, http.MethodGet, "/api/sessions", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestServer_GetSession(t *testing.T) {
	s := newTestServer(newStubStore(&model.Session{ID: "s1", Request: "find caches"}))

	rec := doRequest(t, s, http.MethodGet, "/api/sessions/s1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var session model.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	assert.Equal(t, "find caches", session.Request)
}

func TestServer_GetSession_NotFound(t *testing.T) {
	s := newTestServer(newStubStore())

	rec := doRequest(t, s, http.MethodGet, "/api/sessions/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "not_found")
}

func TestServer_DeleteSession(t *testing.T) {
	st := newStubStore(&model.Session{ID: "s1"})
	s := newTestServer(st)

	rec := doRequest(t, s, http.MethodDelete, "/api/sessions/s1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"s1"}, st.deleted)
}

func TestServer_DeleteSession_NotFound(t *testing.T) {
	s := newTestServer(newStubStore())

	rec := doRequest(t, s, http.MethodDelete, "/api/sessions/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Cancel_Acknowledged(t *testing.T) {
	s := newTestServer(newStubStore(&model.Session{ID: "s1"}))

	rec := doRequest(t, s, http.MethodPost, "/api/sessions/s1/cancel", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), "accepted")
}

func TestServer_Search_RejectsBadBody(t *testing.T) {
	s := newTestServer(newStubStore())

	req := httptest.NewRequest(http.MethodPost, "/api/search", strings.NewReader("{not json"))
	req.Header.Set("X-Client-ID", "client-a")
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "validation_error")
}

func TestServer_Search_RateLimited(t *testing.T) {
	s := newTestServer(newStubStore())
	s.limiter = admission.NewLimiter(0.01, 1)

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/search", strings.NewReader("{not json"))
		req.Header.Set("X-Client-ID", "client-a")
		rec := httptest.NewRecorder()
		s.routes().ServeHTTP(rec, req)
		return rec
	}

	// First request consumes the only token; it fails later on the body.
	assert.Equal(t, http.StatusBadRequest, send().Code)

	rec := send()
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "rate_limited", body["code"])
	assert.Greater(t, body["retryAfterMs"], float64(0))
}

func TestServer_Search_DistinctClientsHaveDistinctBuckets(t *testing.T) {
	s := newTestServer(newStubStore())
	s.limiter = admission.NewLimiter(0.01, 1)

	send := func(clientID string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/search", strings.NewReader("{not json"))
		req.Header.Set("X-Client-ID", clientID)
		rec := httptest.NewRecorder()
		s.routes().ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusBadRequest, send("client-a"))
	assert.Equal(t, http.StatusTooManyRequests, send("client-a"))
	assert.Equal(t, http.StatusBadRequest, send("client-b"))
}

func TestServer_Events_NotFound(t *testing.T) {
	s := newTestServer(newStubStore())

	rec := doRequest(t, s, http.MethodGet, "/api/sessions/missing/events", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Events_StreamsFinalized(t *testing.T) {
	s := newTestServer(newStubStore(&model.Session{ID: "s1"}))

	srv := httptest.NewServer(s.routes())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/sessions/s1/events", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() }) //nolint:errcheck

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// The subscription races the publish; keep publishing until the
	// frame arrives or the deadline hits.
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.broker.Publish("s1", events.Finalized{Total: 12, Threshold: 0.65})
			}
		}
	}()

	scanner := bufio.NewScanner(resp.Body)
	var eventLine, dataLine string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: finalized") {
			eventLine = line
			continue
		}
		if eventLine != "" && strings.HasPrefix(line, "data: ") {
			dataLine = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	cancel()
	<-done

	require.NotEmpty(t, dataLine)
	var fin events.Finalized
	require.NoError(t, json.Unmarshal([]byte(dataLine), &fin))
	assert.Equal(t, 12, fin.Total)
	assert.Equal(t, 0.65, fin.Threshold)
}

func TestStatusForCode(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusForCode("validation_error"))
	assert.Equal(t, http.StatusTooManyRequests, statusForCode("rate_limited"))
	assert.Equal(t, http.StatusBadGateway, statusForCode("retrieval_error"))
	assert.Equal(t, http.StatusBadGateway, statusForCode("judge_schema_error"))
	assert.Equal(t, http.StatusInternalServerError, statusForCode("store_error"))
	assert.Equal(t, http.StatusInternalServerError, statusForCode("internal_error"))
}
