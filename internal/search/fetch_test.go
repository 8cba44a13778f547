package search

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/repo-scout/pkg/github"
)

// fakeGitHub serves canned search hits per query and readmes per repo.
type fakeGitHub struct {
	mu        sync.Mutex
	hits      map[string][]github.Repository
	readmes   map[string]*github.ReadmeResult
	searches  []string
	etagsSent map[string]string
	searchErr error
	readmeErr error
}

func newFakeGitHub() *fakeGitHub {
	return &fakeGitHub{
		hits:      make(map[string][]github.Repository),
		readmes:   make(map[string]*github.ReadmeResult),
		etagsSent: make(map[string]string),
	}
}

func (f *fakeGitHub) SearchRepositories(_ context.Context, query string, _ int) ([]github.Repository, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches = append(f.searches, query)
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.hits[query], nil
}

func (f *fakeGitHub) GetReadme(_ context.Context, fullName, etag string) (*github.ReadmeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readmeErr != nil {
		return nil, f.readmeErr
	}
	f.etagsSent[fullName] = etag
	if r, ok := f.readmes[fullName]; ok {
		return r, nil
	}
	return &github.ReadmeResult{Status: github.ReadmeMissing}, nil
}

// fakeCache implements ContentCache over maps.
type fakeCache struct {
	etags    map[string]string
	contents map[string]string
}

func newFakeCache() *fakeCache {
	return &fakeCache{etags: make(map[string]string), contents: make(map[string]string)}
}

func (f *fakeCache) GetETags(_ context.Context, keys []string) (map[string]string, error) {
	out := make(map[string]string)
	for _, k := range keys {
		if tag, ok := f.etags[k]; ok {
			out[k] = tag
		}
	}
	return out, nil
}

func (f *fakeCache) GetCachedContent(_ context.Context, itemKey string) (string, bool, error) {
	content, ok := f.contents[itemKey]
	return content, ok, nil
}

func repo(key, name string) github.Repository {
	return github.Repository{NodeID: key, FullName: name, URL: "https://github.com/" + name}
}

func fresh(content, etag string) *github.ReadmeResult {
	return &github.ReadmeResult{Status: github.ReadmeFresh, Content: content, ETag: etag}
}

func TestRun_FetchesContentAndRecordsETags(t *testing.T) {
	gh := newFakeGitHub()
	gh.hits["q1"] = []github.Repository{repo("k1", "a/one")}
	gh.readmes["a/one"] = fresh("readme one", `W/"e1"`)

	f := NewFetcher(gh, newFakeCache(), 30)
	candidates, err := f.Run(context.Background(), []string{"q1"}, 0)
	require.NoError(t, err)

	require.Len(t, candidates, 1)
	assert.Equal(t, "k1", candidates[0].Item.Key)
	assert.Equal(t, "readme one", candidates[0].Content)
	assert.Equal(t, `W/"e1"`, candidates[0].Item.ETag)
	assert.Equal(t, "q1", candidates[0].Query)
	assert.Equal(t, 0, candidates[0].QueryIndex)
}

func TestRun_OrdersByQueryIndex(t *testing.T) {
	gh := newFakeGitHub()
	gh.hits["q1"] = []github.Repository{repo("k1", "a/one")}
	gh.hits["q2"] = []github.Repository{repo("k2", "a/two")}
	gh.readmes["a/one"] = fresh("one", "")
	gh.readmes["a/two"] = fresh("two", "")

	f := NewFetcher(gh, newFakeCache(), 30)
	candidates, err := f.Run(context.Background(), []string{"q1", "q2"}, 0)
	require.NoError(t, err)

	require.Len(t, candidates, 2)
	assert.Equal(t, []int{0, 1}, []int{candidates[0].QueryIndex, candidates[1].QueryIndex})
}

func TestRun_ExcludesReposWithoutReadme(t *testing.T) {
	gh := newFakeGitHub()
	gh.hits["q1"] = []github.Repository{repo("k1", "a/bare"), repo("k2", "a/documented")}
	gh.readmes["a/documented"] = fresh("docs", "")

	f := NewFetcher(gh, newFakeCache(), 30)
	candidates, err := f.Run(context.Background(), []string{"q1"}, 0)
	require.NoError(t, err)

	require.Len(t, candidates, 1)
	assert.Equal(t, "k2", candidates[0].Item.Key)
}

func TestRun_NotModifiedServedFromCache(t *testing.T) {
	gh := newFakeGitHub()
	gh.hits["q1"] = []github.Repository{repo("k1", "a/one")}
	gh.readmes["a/one"] = &github.ReadmeResult{Status: github.ReadmeNotModified}

	cache := newFakeCache()
	cache.etags["k1"] = `W/"e1"`
	cache.contents["k1"] = "cached readme"

	f := NewFetcher(gh, cache, 30)
	candidates, err := f.Run(context.Background(), []string{"q1"}, 0)
	require.NoError(t, err)

	require.Len(t, candidates, 1)
	assert.Equal(t, "cached readme", candidates[0].Content)
	// The validator was sent and the known etag is retained.
	assert.Equal(t, `W/"e1"`, gh.etagsSent["a/one"])
	assert.Equal(t, `W/"e1"`, candidates[0].Item.ETag)
}

func TestRun_NotModifiedWithLostCacheRefetches(t *testing.T) {
	gh := newFakeGitHub()
	gh.hits["q1"] = []github.Repository{repo("k1", "a/one")}

	// First call honors the validator, the refetch without one succeeds.
	calls := 0
	wrapped := &conditionalGitHub{inner: gh, onSecondCall: fresh("refetched", `W/"e2"`), calls: &calls}

	cache := newFakeCache()
	cache.etags["k1"] = `W/"e1"`
	// No cached content: the row is gone.

	f := NewFetcher(wrapped, cache, 30)
	candidates, err := f.Run(context.Background(), []string{"q1"}, 0)
	require.NoError(t, err)

	require.Len(t, candidates, 1)
	assert.Equal(t, "refetched", candidates[0].Content)
	assert.Equal(t, `W/"e2"`, candidates[0].Item.ETag)
	assert.Equal(t, 2, calls)
}

// conditionalGitHub returns 304 on the first readme call and a canned
// fresh result on the second.
type conditionalGitHub struct {
	inner        *fakeGitHub
	onSecondCall *github.ReadmeResult
	calls        *int
}

func (c *conditionalGitHub) SearchRepositories(ctx context.Context, query string, limit int) ([]github.Repository, error) {
	return c.inner.SearchRepositories(ctx, query, limit)
}

func (c *conditionalGitHub) GetReadme(_ context.Context, _, etag string) (*github.ReadmeResult, error) {
	*c.calls++
	if *c.calls == 1 {
		return &github.ReadmeResult{Status: github.ReadmeNotModified}, nil
	}
	if etag != "" {
		return nil, fmt.Errorf("refetch must drop the validator, got %q", etag)
	}
	return c.onSecondCall, nil
}

func TestRun_SearchFailureAbortsRound(t *testing.T) {
	gh := newFakeGitHub()
	gh.searchErr = &github.RetrievalError{Status: 422, Body: "bad query"}

	f := NewFetcher(gh, newFakeCache(), 30)
	_, err := f.Run(context.Background(), []string{"q1", "q2"}, 0)
	var re *github.RetrievalError
	require.ErrorAs(t, err, &re)
}
