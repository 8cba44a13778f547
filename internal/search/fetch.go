// Package search executes the per-round retrieval fan-out and the
// within-round / cross-session deduplication rules.
package search

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/repo-scout/internal/model"
	"github.com/sells-group/repo-scout/internal/resilience"
	"github.com/sells-group/repo-scout/pkg/github"
)

// Candidate pairs a retrieved item with its readme snapshot and the
// query that produced it. QueryIndex is the position of the source query
// in the round's expanded list; it fixes the dedupe tie-break order
// regardless of fetch completion order.
type Candidate struct {
	Item       model.CandidateItem
	Content    string
	Query      string
	QueryIndex int
}

// ContentCache is the store-backed half of the conditional fetch: etags
// for known items and previously persisted readme snapshots.
type ContentCache interface {
	GetETags(ctx context.Context, keys []string) (map[string]string, error)
	GetCachedContent(ctx context.Context, itemKey string) (string, bool, error)
}

// Fetcher runs the retrieval queries of one round.
type Fetcher struct {
	gh         github.Client
	cache      ContentCache
	maxResults int
	retryCfg   resilience.RetryConfig
}

// NewFetcher creates a Fetcher. maxResults is the default and upper
// bound for the per-query result cap; Run callers may request fewer.
func NewFetcher(gh github.Client, cache ContentCache, maxResults int) *Fetcher {
	if maxResults <= 0 {
		maxResults = 30
	}

	// Readme fetches retry on transient network failures and retryable
	// HTTP statuses; the search call itself is never retried here.
	retryCfg := resilience.DefaultRetryConfig()
	retryCfg.ShouldRetry = func(err error) bool {
		var re *github.RetrievalError
		if errors.As(err, &re) {
			return resilience.IsTransientHTTPStatus(re.Status)
		}
		return resilience.IsTransient(err)
	}

	return &Fetcher{
		gh:         gh,
		cache:      cache,
		maxResults: maxResults,
		retryCfg:   retryCfg,
	}
}

// Run executes all queries concurrently and returns candidates ordered
// by query index, then first-seen within each query. A failure from any
// query is fatal for the whole round. Items whose readme cannot be
// obtained (provider 404) are excluded: an undecorated item cannot be
// judged meaningfully.
func (f *Fetcher) Run(ctx context.Context, queries []string, maxResults int) ([]Candidate, error) {
	if maxResults <= 0 || maxResults > f.maxResults {
		maxResults = f.maxResults
	}

	// Each goroutine writes only its own slot; completion order cannot
	// affect the final query-index ordering.
	perQuery := make([][]Candidate, len(queries))

	g, gCtx := errgroup.WithContext(ctx)
	for i, query := range queries {
		g.Go(func() error {
			candidates, err := f.runQuery(gCtx, query, i, maxResults)
			if err != nil {
				return err
			}
			perQuery[i] = candidates
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []Candidate
	for _, candidates := range perQuery {
		all = append(all, candidates...)
	}
	return all, nil
}

func (f *Fetcher) runQuery(ctx context.Context, query string, queryIndex, maxResults int) ([]Candidate, error) {
	log := zap.L().With(zap.String("query", query), zap.Int("query_index", queryIndex))

	repos, err := f.gh.SearchRepositories(ctx, query, maxResults)
	if err != nil {
		return nil, err
	}
	log.Debug("search: query returned", zap.Int("repos", len(repos)))

	keys := make([]string, len(repos))
	for i, r := range repos {
		keys[i] = r.NodeID
	}
	etags, err := f.cache.GetETags(ctx, keys)
	if err != nil {
		return nil, eris.Wrap(err, "search: load etags")
	}

	var candidates []Candidate
	for _, repo := range repos {
		content, etag, ok, err := f.fetchContent(ctx, repo, etags[repo.NodeID])
		if err != nil {
			return nil, err
		}
		if !ok {
			log.Debug("search: excluding item without readme", zap.String("repo", repo.FullName))
			continue
		}

		candidates = append(candidates, Candidate{
			Item: model.CandidateItem{
				Key:         repo.NodeID,
				Name:        repo.FullName,
				URL:         repo.URL,
				Description: repo.Description,
				Stars:       repo.Stars,
				Language:    repo.Language,
				Topics:      repo.Topics,
				PushedAt:    repo.PushedAt,
				ETag:        etag,
			},
			Content:    content,
			Query:      query,
			QueryIndex: queryIndex,
		})
	}
	return candidates, nil
}

// fetchContent resolves the readme via the conditional-request pattern.
// Returns ok=false when the item must be excluded from the round.
func (f *Fetcher) fetchContent(ctx context.Context, repo github.Repository, etag string) (content, newETag string, ok bool, err error) {
	readme, err := resilience.DoVal(ctx, f.retryCfg, func(ctx context.Context) (*github.ReadmeResult, error) {
		return f.gh.GetReadme(ctx, repo.FullName, etag)
	})
	if err != nil {
		return "", "", false, eris.Wrapf(err, "search: readme for %s", repo.FullName)
	}

	switch readme.Status {
	case github.ReadmeNotModified:
		cached, found, err := f.cache.GetCachedContent(ctx, repo.NodeID)
		if err != nil {
			return "", "", false, eris.Wrapf(err, "search: cached content for %s", repo.FullName)
		}
		if found {
			return cached, etag, true, nil
		}
		// Cache row is gone; refetch without the validator.
		fresh, err := resilience.DoVal(ctx, f.retryCfg, func(ctx context.Context) (*github.ReadmeResult, error) {
			return f.gh.GetReadme(ctx, repo.FullName, "")
		})
		if err != nil {
			return "", "", false, eris.Wrapf(err, "search: refetch readme for %s", repo.FullName)
		}
		if fresh.Status != github.ReadmeFresh {
			return "", "", false, nil
		}
		return fresh.Content, fresh.ETag, true, nil

	case github.ReadmeMissing:
		return "", "", false, nil

	default:
		return readme.Content, readme.ETag, true, nil
	}
}
