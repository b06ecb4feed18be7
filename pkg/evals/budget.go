package evals

import "sync/atomic"

// ErrorBudget counts recoverable per-item failures across concurrent workers.
// The budget tolerates max-1 failures; the max-th failure is fatal and must
// propagate instead of being recorded as a placeholder result.
type ErrorBudget struct {
	max   int64
	count atomic.Int64
}

func NewErrorBudget(max int) *ErrorBudget {
	return &ErrorBudget{max: int64(max)}
}

// Record registers one failure and reports whether it exhausted the budget.
// The check is post-increment, so Record returns true for the max-th call.
func (b *ErrorBudget) Record() bool {
	return b.count.Add(1) >= b.max
}

// Count returns the number of failures recorded so far.
func (b *ErrorBudget) Count() int {
	return int(b.count.Load())
}
