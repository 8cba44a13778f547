// Package expand turns one natural-language request into the ordered set
// of retrieval queries for a round. Expansion is deterministic: identical
// input and flag always produce the identical list in the identical
// order, so the query hash is stable across replays.
package expand

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

//go:embed strategies.yaml
var strategiesYAML []byte

// Strategy is one query template. The template substitutes {query} with
// the sanitized request and {slug} with its lowercased topic slug.
type Strategy struct {
	Name     string `yaml:"name"`
	Template string `yaml:"template"`
}

type strategyFile struct {
	Version    string     `yaml:"version"`
	Strategies []Strategy `yaml:"strategies"`
}

// Expander produces retrieval queries from a natural-language request.
type Expander struct {
	version    string
	strategies []Strategy
	lower      cases.Caser
}

// New loads the embedded strategy templates.
func New() (*Expander, error) {
	var f strategyFile
	if err := yaml.Unmarshal(strategiesYAML, &f); err != nil {
		return nil, eris.Wrap(err, "expand: parse strategies")
	}
	if len(f.Strategies) == 0 {
		return nil, eris.New("expand: no strategies defined")
	}
	return &Expander{
		version:    f.Version,
		strategies: f.Strategies,
		lower:      cases.Lower(language.Und),
	}, nil
}

// Version identifies the strategy set for attempt reproducibility metadata.
func (e *Expander) Version() string {
	return e.version
}

// Expand returns the queries for one round. With useTemplates false the
// output is the single sanitized input; otherwise one query per strategy
// in fixed template order.
func (e *Expander) Expand(request string, useTemplates bool) []string {
	sanitized := Sanitize(request)
	if !useTemplates {
		return []string{sanitized}
	}

	slug := e.lower.String(strings.ReplaceAll(sanitized, " ", "-"))
	queries := make([]string, 0, len(e.strategies))
	for _, s := range e.strategies {
		q := strings.ReplaceAll(s.Template, "{query}", sanitized)
		q = strings.ReplaceAll(q, "{slug}", slug)
		queries = append(queries, q)
	}
	return queries
}

// Sanitize strips quote characters and collapses whitespace runs.
func Sanitize(request string) string {
	stripped := strings.Map(func(r rune) rune {
		switch r {
		case '"', '\'', '`', '“', '”', '‘', '’':
			return -1
		}
		return r
	}, request)
	return strings.Join(strings.Fields(stripped), " ")
}

// Hash returns the reproducibility key for an ordered query list.
func Hash(queries []string) string {
	h := sha256.New()
	for i, q := range queries {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(q))
	}
	return hex.EncodeToString(h.Sum(nil))
}
