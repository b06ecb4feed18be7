package evals

import (
	"math"
	"sort"

	"github.com/pkg/errors"

	"github.com/go-go-golems/cricket/pkg/datasets"
)

// ErrNoResults is returned by Summarize when nothing was scored (empty
// dataset or every item cancelled), since the average is undefined.
var ErrNoResults = errors.New("no results to summarize")

// ItemResult is one scored dataset item, the (index, item, output, score)
// tuple produced by the worker wrapper.
type ItemResult struct {
	Index  int           `json:"index"`
	Item   datasets.Item `json:"item"`
	Output any           `json:"output,omitempty"`
	Score  float64       `json:"score"`
}

// Summary aggregates a result set.
type Summary struct {
	NCorrect float64 `json:"ncorrect"`
	NTotal   int     `json:"ntotal"`
	// Average is 100 * NCorrect / NTotal, rounded to two decimals.
	Average float64 `json:"average"`
}

// Reconcile restores dataset-index order. Workers complete out of order but
// every result is self-identifying via its index, so sorting makes the final
// output deterministic regardless of completion order.
func Reconcile(results []ItemResult) []ItemResult {
	out := make([]ItemResult, len(results))
	copy(out, results)
	sort.Slice(out, func(i, j int) bool {
		return out[i].Index < out[j].Index
	})
	return out
}

// Summarize computes the aggregate over non-cancelled results. Scores are
// summed as given, without clamping.
func Summarize(results []ItemResult) (Summary, error) {
	if len(results) == 0 {
		return Summary{}, ErrNoResults
	}

	ncorrect := 0.0
	for _, r := range results {
		ncorrect += r.Score
	}
	ntotal := len(results)

	return Summary{
		NCorrect: ncorrect,
		NTotal:   ntotal,
		Average:  round2(100 * ncorrect / float64(ntotal)),
	}, nil
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
