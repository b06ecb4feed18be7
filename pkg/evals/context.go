package evals

import "context"

type contextKey string

const itemIndexKey contextKey = "item_index"

// ContextWithItemIndex tags ctx with the dataset index of the item being run.
// The evaluator stamps it before calling the runner, so runners that talk to
// external processes can forward the index.
func ContextWithItemIndex(ctx context.Context, index int) context.Context {
	return context.WithValue(ctx, itemIndexKey, index)
}

// ItemIndexFromContext returns the dataset index stamped by the evaluator,
// or -1 when ctx does not come from an evaluation run.
func ItemIndexFromContext(ctx context.Context) int {
	if v, ok := ctx.Value(itemIndexKey).(int); ok {
		return v
	}
	return -1
}
