package evals

import (
	"github.com/go-go-golems/cricket/pkg/datasets"
)

// Metric scores one prediction against its labeled example. Implementations
// must be pure and safe for concurrent use; the score is summed as given
// during reconciliation, without clamping.
//
// The signature is fixed to exactly two data arguments. The label shown for
// the score column is always supplied by the caller (Config.MetricLabel),
// never derived from the metric value itself.
type Metric interface {
	Score(example datasets.Item, output any) (float64, error)
}

// MetricFunc adapts a plain function to the Metric interface.
type MetricFunc func(example datasets.Item, output any) (float64, error)

func (f MetricFunc) Score(example datasets.Item, output any) (float64, error) {
	return f(example, output)
}

var _ Metric = MetricFunc(nil)
