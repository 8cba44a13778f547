package judge

import (
	"sort"

	"github.com/sells-group/repo-scout/internal/model"
)

// ComputeStatistics derives the two convergence signals from the judged
// scores: the median (linear interpolation between the middle pair for
// even counts) and the mean of the top 5 scores (fewer when under 5,
// zero when empty).
func ComputeStatistics(scores []float64) model.Stats {
	if len(scores) == 0 {
		return model.Stats{}
	}

	sorted := make([]float64, len(scores))
	copy(sorted, scores)
	sort.Float64s(sorted)

	var median float64
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		median = sorted[mid]
	} else {
		median = (sorted[mid-1] + sorted[mid]) / 2
	}

	top := 5
	if len(sorted) < top {
		top = len(sorted)
	}
	var sum float64
	for _, s := range sorted[len(sorted)-top:] {
		sum += s
	}

	return model.Stats{
		Median:   median,
		Top5Mean: sum / float64(top),
	}
}
