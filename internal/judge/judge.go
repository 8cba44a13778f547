// Package judge submits a bounded digest of candidate repositories to
// Claude for relevance scoring and validates the structured verdict.
package judge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/repo-scout/internal/search"
	"github.com/sells-group/repo-scout/pkg/anthropic"
)

const (
	// maxItems caps the digest submitted per round.
	maxItems = 20
	// maxExcerpt truncates each readme excerpt.
	maxExcerpt = 2000

	maxFindingsLen       = 500
	maxNoteLen           = 240
	maxRecommendations   = 5
	defaultResponseLimit = 4096
)

// Review is the validated judge verdict for one round.
type Review struct {
	Findings        string       `json:"findings"`
	Recommendations []string     `json:"recommendations"`
	Items           []ItemReview `json:"items"`
	Usage           anthropic.TokenUsage
}

// ItemReview is one per-item score. Name matches the candidate's display
// name; the caller maps it back to the stable key.
type ItemReview struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
	Note  string  `json:"note"`
}

// Scores returns the per-item scores in response order.
func (r *Review) Scores() []float64 {
	scores := make([]float64, len(r.Items))
	for i, item := range r.Items {
		scores[i] = item.Score
	}
	return scores
}

// SchemaError means the judge response could not be parsed into the
// required shape. Fatal for the round; never retried automatically.
type SchemaError struct {
	Reason string
}

func (e *SchemaError) Error() string {
	return "judge: response failed schema validation: " + e.Reason
}

// Client produces a Review for one round's candidates.
type Client interface {
	Review(ctx context.Context, intent string, candidates []search.Candidate) (*Review, error)
}

// claudeJudge implements Client against the Anthropic API.
type claudeJudge struct {
	ai    anthropic.Client
	model string
}

// New creates a judge backed by the given Anthropic client and model.
func New(ai anthropic.Client, model string) Client {
	return &claudeJudge{ai: ai, model: model}
}

const systemPrompt = `You are a repository relevance judge. You receive a user's research intent and a list of candidate repositories. Score each candidate on this ordinal scale: 0.0 off-topic, 0.3 adjacent, 0.6 useful, 0.8 strong, 0.9 or above excellent.

Respond with ONLY a JSON object, no prose before or after, in exactly this shape:
{"findings": "<overall narrative, at most 500 characters>", "recommendations": ["<1 to 5 follow-up search queries, most promising first>"], "items": [{"name": "<repository full name>", "score": <0.0-1.0>, "note": "<at most 240 characters>"}]}

Include every candidate exactly once in items. Always return at least one recommendation unless no refinement could plausibly help, in which case return an empty list.`

func (j *claudeJudge) Review(ctx context.Context, intent string, candidates []search.Candidate) (*Review, error) {
	if len(candidates) > maxItems {
		candidates = candidates[:maxItems]
	}

	temp := 0.0
	resp, err := j.ai.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       j.model,
		MaxTokens:   defaultResponseLimit,
		System:      systemPrompt,
		Temperature: &temp,
		Messages: []anthropic.Message{
			{Role: "user", Content: buildDigest(intent, candidates)},
		},
	})
	if err != nil {
		return nil, eris.Wrap(err, "judge: create message")
	}
	resp.Usage.LogCost(j.model, "judge")

	review, err := parseReview(resp.Text())
	if err != nil {
		return nil, err
	}
	review.Usage = resp.Usage

	zap.L().Info("judge: review complete",
		zap.Int("items", len(review.Items)),
		zap.Int("recommendations", len(review.Recommendations)),
	)
	return review, nil
}

// truncateRunes bounds s to n characters without splitting a rune, so a
// truncated excerpt is still valid UTF-8. Limits here are character
// counts, not byte counts.
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func buildDigest(intent string, candidates []search.Candidate) string {
	var b strings.Builder
	b.WriteString("Intent: ")
	b.WriteString(intent)
	b.WriteString("\n\nCandidates:\n")

	for i, c := range candidates {
		excerpt := truncateRunes(c.Content, maxExcerpt)
		fmt.Fprintf(&b, "\n%d. %s\nURL: %s\nDescription: %s\nStars: %d\nLanguage: %s\nTopics: %s\nReadme excerpt:\n%s\n",
			i+1, c.Item.Name, c.Item.URL, c.Item.Description, c.Item.Stars,
			c.Item.Language, strings.Join(c.Item.Topics, ", "), excerpt,
		)
	}
	return b.String()
}

// parseReview validates the raw model output against the response schema.
// Every violation is a SchemaError; nothing malformed escapes this point.
func parseReview(raw string) (*Review, error) {
	raw = strings.TrimSpace(raw)

	// Models occasionally wrap JSON in a code fence despite instructions.
	if after, found := strings.CutPrefix(raw, "```json"); found {
		raw = after
	} else if after, found := strings.CutPrefix(raw, "```"); found {
		raw = after
	}
	raw = strings.TrimSuffix(strings.TrimSpace(raw), "```")

	var review Review
	if err := json.Unmarshal([]byte(raw), &review); err != nil {
		return nil, &SchemaError{Reason: "invalid JSON: " + err.Error()}
	}

	if review.Findings == "" {
		return nil, &SchemaError{Reason: "empty findings"}
	}
	if utf8.RuneCountInString(review.Findings) > maxFindingsLen {
		return nil, &SchemaError{Reason: fmt.Sprintf("findings exceeds %d characters", maxFindingsLen)}
	}
	if len(review.Recommendations) > maxRecommendations {
		return nil, &SchemaError{Reason: fmt.Sprintf("more than %d recommendations", maxRecommendations)}
	}
	for _, rec := range review.Recommendations {
		if strings.TrimSpace(rec) == "" {
			return nil, &SchemaError{Reason: "blank recommendation"}
		}
	}
	if len(review.Items) == 0 {
		return nil, &SchemaError{Reason: "empty items"}
	}
	for _, item := range review.Items {
		if item.Name == "" {
			return nil, &SchemaError{Reason: "item with empty name"}
		}
		if item.Score < 0.0 || item.Score > 1.0 {
			return nil, &SchemaError{Reason: fmt.Sprintf("score %v out of range for %s", item.Score, item.Name)}
		}
		if utf8.RuneCountInString(item.Note) > maxNoteLen {
			return nil, &SchemaError{Reason: fmt.Sprintf("note exceeds %d characters for %s", maxNoteLen, item.Name)}
		}
	}

	return &review, nil
}
