// Package github wraps the GitHub REST search and readme endpoints used
// by the retrieval phase. Responses are validated and mapped to explicit
// value types at this trust boundary; raw provider shapes never escape.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL = "https://api.github.com"
	searchPageSize = 100

	// maxErrorBody bounds the provider error excerpt carried on a
	// RetrievalError so raw bodies never leak past the boundary in full.
	maxErrorBody = 512
)

// Client performs repository search and readme fetches.
type Client interface {
	SearchRepositories(ctx context.Context, query string, limit int) ([]Repository, error)
	GetReadme(ctx context.Context, fullName, etag string) (*ReadmeResult, error)
}

// Repository is a normalized search hit. NodeID is the provider's opaque
// stable identity and the dedupe key everywhere downstream.
type Repository struct {
	NodeID      string    `json:"node_id"`
	FullName    string    `json:"full_name"`
	URL         string    `json:"url"`
	Description string    `json:"description"`
	Stars       int       `json:"stars"`
	Language    string    `json:"language"`
	Topics      []string  `json:"topics"`
	PushedAt    time.Time `json:"pushed_at"`
}

// CacheStatus distinguishes the three outcomes of a conditional readme
// fetch. Modeled as an explicit status rather than sentinel strings so
// "no content" and "content unchanged" cannot be conflated.
type CacheStatus int

const (
	// ReadmeFresh means content was fetched and a new ETag recorded.
	ReadmeFresh CacheStatus = iota
	// ReadmeNotModified means the stored content is still current.
	ReadmeNotModified
	// ReadmeMissing means the provider has no readme for the repository.
	ReadmeMissing
)

// ReadmeResult is the outcome of GetReadme. Content and ETag are only
// meaningful when Status is ReadmeFresh.
type ReadmeResult struct {
	Status  CacheStatus
	Content string
	ETag    string
}

// RetrievalError is a non-success response from the search endpoint. It
// aborts the whole round; retry policy lives at the round level, not here.
type RetrievalError struct {
	Status int
	Body   string
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("github: search status %d: %s", e.Status, e.Body)
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit overrides the default request pacing.
func WithRateLimit(rps rate.Limit, burst int) Option {
	return func(c *httpClient) {
		c.limiter = rate.NewLimiter(rps, burst)
	}
}

type httpClient struct {
	token   string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a GitHub API client. The token is optional;
// unauthenticated requests run under GitHub's lower quota.
func NewClient(token string, opts ...Option) Client {
	c := &httpClient{
		token:   token,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(10, 10),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type searchResponse struct {
	TotalCount int          `json:"total_count"`
	Items      []searchItem `json:"items"`
}

type searchItem struct {
	NodeID          string    `json:"node_id"`
	FullName        string    `json:"full_name"`
	HTMLURL         string    `json:"html_url"`
	Description     string    `json:"description"`
	StargazersCount int       `json:"stargazers_count"`
	Language        string    `json:"language"`
	Topics          []string  `json:"topics"`
	PushedAt        time.Time `json:"pushed_at"`
}

func (c *httpClient) SearchRepositories(ctx context.Context, query string, limit int) ([]Repository, error) {
	if limit <= 0 {
		limit = 30
	}

	var repos []Repository
	for page := 1; len(repos) < limit; page++ {
		perPage := min(limit-len(repos), searchPageSize)

		q := url.Values{}
		q.Set("q", query)
		q.Set("per_page", fmt.Sprint(perPage))
		q.Set("page", fmt.Sprint(page))
		q.Set("sort", "stars")

		body, _, err := c.get(ctx, "/search/repositories?"+q.Encode(), "")
		if err != nil {
			return nil, err
		}

		var resp searchResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, eris.Wrap(err, "github: unmarshal search response")
		}

		for _, item := range resp.Items {
			repos = append(repos, Repository{
				NodeID:      item.NodeID,
				FullName:    item.FullName,
				URL:         item.HTMLURL,
				Description: item.Description,
				Stars:       item.StargazersCount,
				Language:    c.normalizeLanguage(item.Language),
				Topics:      item.Topics,
				PushedAt:    item.PushedAt,
			})
		}

		if len(resp.Items) < perPage {
			break
		}
	}

	if len(repos) > limit {
		repos = repos[:limit]
	}
	return repos, nil
}

func (c *httpClient) GetReadme(ctx context.Context, fullName, etag string) (*ReadmeResult, error) {
	path := fmt.Sprintf("/repos/%s/readme", fullName)

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "github: rate limiter wait")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, eris.Wrap(err, "github: create readme request")
	}
	req.Header.Set("Accept", "application/vnd.github.raw+json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "github: readme request %s", fullName)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		return &ReadmeResult{Status: ReadmeNotModified}, nil
	case http.StatusNotFound:
		return &ReadmeResult{Status: ReadmeMissing}, nil
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, eris.Wrap(err, "github: read readme body")
		}
		return &ReadmeResult{
			Status:  ReadmeFresh,
			Content: string(body),
			ETag:    resp.Header.Get("ETag"),
		}, nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &RetrievalError{Status: resp.StatusCode, Body: string(body)}
	}
}

// get performs one authenticated GET and returns the body and ETag.
// Non-2xx responses become RetrievalError with a bounded body excerpt.
func (c *httpClient) get(ctx context.Context, path, etag string) ([]byte, string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, "", eris.Wrap(err, "github: rate limiter wait")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, "", eris.Wrap(err, "github: create request")
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", eris.Wrap(err, "github: send request")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, "", &RetrievalError{Status: resp.StatusCode, Body: string(body)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", eris.Wrap(err, "github: read response")
	}
	return body, resp.Header.Get("ETag"), nil
}

// normalizeLanguage title-cases provider language tags ("go" becomes
// "Go"). Already-cased tags like "TypeScript" pass through unchanged.
// The Caser is built per call: a cases.Caser carries transform state and
// is not safe for concurrent use, and searches run one goroutine per query.
func (c *httpClient) normalizeLanguage(lang string) string {
	if lang == "" {
		return ""
	}
	for _, r := range lang {
		// Mixed-case provider values are authoritative.
		if r >= 'A' && r <= 'Z' {
			return lang
		}
	}
	return cases.Title(language.English).String(lang)
}
