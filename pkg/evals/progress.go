package evals

// Progress is the running tally handed to progress observers, once per
// completed item, in completion order. Cancelled items never produce a tick.
type Progress struct {
	// Index is the dataset position of the item that just finished.
	Index int
	// Score is that item's score.
	Score float64
	// Correct is the running sum of scores over everything finished so far.
	Correct float64
	// Total is the number of items finished so far.
	Total int
}

// ProgressFunc observes progress ticks. It runs on the collector goroutine,
// so it must not block for long.
type ProgressFunc func(p Progress)
