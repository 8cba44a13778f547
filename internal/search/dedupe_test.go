package search

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/repo-scout/internal/model"
)

func candidate(key, name string, queryIndex int) Candidate {
	return Candidate{
		Item:       model.CandidateItem{Key: key, Name: name},
		QueryIndex: queryIndex,
	}
}

func keys(candidates []Candidate) []string {
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.Item.Key
	}
	return out
}

func TestDedupeWithinRound_FirstOccurrenceWins(t *testing.T) {
	in := []Candidate{
		candidate("k1", "from-query-0", 0),
		candidate("k2", "other", 0),
		candidate("k1", "from-query-1", 1),
	}

	out := DedupeWithinRound(in)
	assert.Equal(t, []string{"k1", "k2"}, keys(out))
	assert.Equal(t, "from-query-0", out[0].Item.Name)
}

func TestDedupeWithinRound_KeysAreCaseSensitive(t *testing.T) {
	in := []Candidate{
		candidate("MDEw", "upper", 0),
		candidate("mdew", "lower", 0),
	}
	assert.Len(t, DedupeWithinRound(in), 2)
}

func TestExcludeKeys(t *testing.T) {
	in := []Candidate{
		candidate("k1", "a", 0),
		candidate("k2", "b", 0),
		candidate("k3", "c", 0),
	}

	out := ExcludeKeys(in, []string{"k2", "missing"})
	assert.Equal(t, []string{"k1", "k3"}, keys(out))
}

func TestExcludeKeys_EmptySetIsIdentity(t *testing.T) {
	in := []Candidate{candidate("k1", "a", 0)}
	assert.Equal(t, in, ExcludeKeys(in, nil))
}

func TestBiasKeys_PreservesRelativeOrder(t *testing.T) {
	in := []Candidate{
		candidate("k1", "a", 0),
		candidate("k2", "b", 0),
		candidate("k3", "c", 0),
		candidate("k4", "d", 0),
	}

	out := BiasKeys(in, []string{"k4", "k2"})
	assert.Equal(t, []string{"k2", "k4", "k1", "k3"}, keys(out))
}
