package evals

import (
	"sync"

	"github.com/go-go-golems/cricket/pkg/datasets"
)

// Mode selects the dispatch strategy used by an evaluation run.
type Mode string

const (
	// ModeSemaphore starts one goroutine per item, admitted through a
	// counting gate of capacity Concurrency.
	ModeSemaphore Mode = "semaphore"
	// ModePool runs a fixed set of Concurrency worker goroutines over an
	// index feed.
	ModePool Mode = "pool"
)

// outcome is the per-item completion message passed from workers to the
// collector. Every index in [0, n) produces exactly one outcome: a scored
// result, a zero-score placeholder, a cancelled marker, or a fatal error.
type outcome struct {
	index     int
	item      datasets.Item
	output    any
	score     float64
	cancelled bool
	fatal     error
}

// dispatcher invokes work exactly once for every index in [0, n), with at
// most its configured concurrency in flight, and returns once all invocations
// have completed. Completion order is up to the scheduler; work itself is
// responsible for reporting its outcome.
type dispatcher interface {
	dispatch(n int, work func(index int))
}

func newDispatcher(mode Mode, concurrency int) dispatcher {
	if mode == ModePool {
		return poolDispatcher{concurrency: concurrency}
	}
	return semaphoreDispatcher{concurrency: concurrency}
}

// semaphoreDispatcher admits goroutines through a counting channel.
type semaphoreDispatcher struct {
	concurrency int
}

func (d semaphoreDispatcher) dispatch(n int, work func(index int)) {
	sem := make(chan struct{}, d.concurrency)
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			sem <- struct{}{}        // acquire
			defer func() { <-sem }() // release

			work(idx)
		}(i)
	}

	wg.Wait()
}

// poolDispatcher feeds indices to a fixed set of workers.
type poolDispatcher struct {
	concurrency int
}

func (d poolDispatcher) dispatch(n int, work func(index int)) {
	jobs := make(chan int)
	var wg sync.WaitGroup

	for w := 0; w < d.concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				work(idx)
			}
		}()
	}

	for i := 0; i < n; i++ {
		jobs <- i
	}
	close(jobs)

	wg.Wait()
}
