package search

// DedupeWithinRound collapses candidates by item key, keeping the first
// occurrence. Callers pass candidates in query-index order, so earlier
// templates win ties. Keys are case-sensitive provider node identities.
func DedupeWithinRound(candidates []Candidate) []Candidate {
	seen := make(map[string]struct{}, len(candidates))
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if _, dup := seen[c.Item.Key]; dup {
			continue
		}
		seen[c.Item.Key] = struct{}{}
		out = append(out, c)
	}
	return out
}

// ExcludeKeys removes candidates whose key appears in the exclusion set.
// Pure set subtraction, no scoring: this is the "exclude previous
// attempts" policy for cross-session dedupe.
func ExcludeKeys(candidates []Candidate, exclude []string) []Candidate {
	if len(exclude) == 0 {
		return candidates
	}
	drop := make(map[string]struct{}, len(exclude))
	for _, k := range exclude {
		drop[k] = struct{}{}
	}
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if _, excluded := drop[c.Item.Key]; excluded {
			continue
		}
		out = append(out, c)
	}
	return out
}

// BiasKeys moves candidates whose key appears in the bias set ahead of
// the rest, preserving relative order within both groups. This is the
// "search within prior sessions" policy; it is deliberately a separate
// operation from ExcludeKeys rather than one overloaded flag.
func BiasKeys(candidates []Candidate, bias []string) []Candidate {
	if len(bias) == 0 {
		return candidates
	}
	prefer := make(map[string]struct{}, len(bias))
	for _, k := range bias {
		prefer[k] = struct{}{}
	}
	front := make([]Candidate, 0, len(candidates))
	rest := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if _, biased := prefer[c.Item.Key]; biased {
			front = append(front, c)
		} else {
			rest = append(rest, c)
		}
	}
	return append(front, rest...)
}
