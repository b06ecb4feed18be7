// Package evals runs a prompt over a labeled dataset with bounded
// concurrency, tolerating a configurable number of per-item failures, and
// reconciles the out-of-order completions into a deterministic, index-ordered
// result set with an aggregate score.
package evals

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/go-go-golems/cricket/pkg/datasets"
	"github.com/go-go-golems/cricket/pkg/events"
	"github.com/go-go-golems/cricket/pkg/helpers"
	"github.com/go-go-golems/cricket/pkg/prompts"
)

// ErrInterrupted is returned by Run after the cancellation flag was set and
// in-flight work drained. The caller decides whether partial artifacts are
// usable; Run itself returns no result set.
var ErrInterrupted = errors.New("evaluation run interrupted")

// Config controls one evaluation run.
type Config struct {
	// Concurrency bounds in-flight items. Default 20.
	Concurrency int

	// MaxErrors is the error budget: the run tolerates MaxErrors-1
	// recoverable per-item failures and aborts on the MaxErrors-th.
	// Default 3.
	MaxErrors int

	// Mode selects the dispatch strategy. Default ModeSemaphore.
	Mode Mode

	// MetricLabel names the score column in reports. Default "score".
	MetricLabel string

	// MaxRate paces worker starts, in items per second. 0 disables pacing.
	MaxRate float64

	// OnProgress is invoked once per completed item, in completion order.
	OnProgress ProgressFunc

	// Sinks receive run lifecycle events.
	Sinks []events.EventSink

	// RunID correlates events across sinks; generated when empty.
	RunID string
}

func (c Config) withDefaults() Config {
	out := c
	if out.Concurrency <= 0 {
		out.Concurrency = 20
	}
	if out.MaxErrors <= 0 {
		out.MaxErrors = 3
	}
	if out.Mode == "" {
		out.Mode = ModeSemaphore
	}
	if out.MetricLabel == "" {
		out.MetricLabel = "score"
	}
	return out
}

// RunResult is the reconciled output of one evaluation run.
type RunResult struct {
	Results []ItemResult `json:"results"`
	Summary Summary      `json:"summary"`
}

// Evaluator runs a prompt over a dataset. One Evaluator drives one run at a
// time; reusing it for sequential runs is fine and resets the cancellation
// flag on each Run.
type Evaluator struct {
	config      Config
	runner      prompts.Runner
	metric      Metric
	limiter     *rate.Limiter
	interrupted atomic.Bool
}

func NewEvaluator(runner prompts.Runner, metric Metric, config Config) (*Evaluator, error) {
	if runner == nil {
		return nil, fmt.Errorf("evaluator: runner is nil")
	}
	if metric == nil {
		return nil, fmt.Errorf("evaluator: metric is nil")
	}

	config = config.withDefaults()
	if config.Mode != ModeSemaphore && config.Mode != ModePool {
		return nil, fmt.Errorf("evaluator: unknown dispatch mode %q", config.Mode)
	}

	e := &Evaluator{
		config: config,
		runner: runner,
		metric: metric,
	}
	if config.MaxRate > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(config.MaxRate), 1)
	}
	return e, nil
}

// Interrupt flags the active run for cancellation. Items not yet started are
// skipped; in-flight items run to completion, and Run returns ErrInterrupted
// once everything drains. The flag is monotonic within one run.
func (e *Evaluator) Interrupt() {
	e.interrupted.Store(true)
}

// Run evaluates the prompt against every dataset item and returns the
// index-ordered results with their aggregate. On budget exhaustion the
// original item error is returned and no results are; on interrupt the error
// is ErrInterrupted. An empty (or fully cancelled) run yields ErrNoResults.
func (e *Evaluator) Run(ctx context.Context, prompt *prompts.Prompt, dataset []datasets.Item) (*RunResult, error) {
	if prompt == nil {
		return nil, fmt.Errorf("evaluator: prompt is nil")
	}

	e.interrupted.Store(false)

	runID := e.config.RunID
	if runID == "" {
		runID = helpers.NewRunID()
	}
	meta := events.EventMetadata{ID: uuid.New(), RunID: runID}

	// Signal handling is scoped to the run: installed here, released on
	// return whatever the outcome. Semaphore mode leaves signals alone.
	if e.config.Mode == ModePool {
		stop := watchInterrupt(e.Interrupt)
		defer stop()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	n := len(dataset)
	budget := NewErrorBudget(e.config.MaxErrors)

	log.Debug().
		Str("run_id", runID).
		Int("items", n).
		Int("concurrency", e.config.Concurrency).
		Str("mode", string(e.config.Mode)).
		Msg("starting evaluation run")
	e.publish(events.NewRunStartEvent(meta, n, e.config.Concurrency, string(e.config.Mode)))

	outcomes := make(chan outcome, n)
	d := newDispatcher(e.config.Mode, e.config.Concurrency)
	go func() {
		d.dispatch(n, func(idx int) {
			outcomes <- e.runItem(runCtx, meta, prompt, idx, dataset[idx], budget)
		})
		close(outcomes)
	}()

	results := make([]ItemResult, 0, n)
	correct := 0.0
	var fatal error
	fatalIndex := -1

	for o := range outcomes {
		switch {
		case o.fatal != nil:
			if fatal == nil {
				fatal = o.fatal
				fatalIndex = o.index
				// suppress not-yet-started work; in-flight items drain
				cancel()
			}
		case o.cancelled:
			// never started; counts toward neither total nor correct
		default:
			results = append(results, ItemResult{
				Index:  o.index,
				Item:   o.item,
				Output: o.output,
				Score:  o.score,
			})
			correct += o.score
			tick := Progress{
				Index:   o.index,
				Score:   o.score,
				Correct: correct,
				Total:   len(results),
			}
			if e.config.OnProgress != nil {
				e.config.OnProgress(tick)
			}
			e.publish(events.NewItemDoneEvent(meta, o.index, o.score, correct, len(results)))
		}
	}

	if fatal != nil {
		e.publish(events.NewErrorEvent(meta, fatal))
		return nil, errors.Wrapf(fatal, "aborting run after %d errors (item %d)", budget.Count(), fatalIndex)
	}
	if e.interrupted.Load() {
		log.Warn().Str("run_id", runID).Int("completed", len(results)).Msg("evaluation run interrupted")
		e.publish(events.NewInterruptEvent(meta, len(results)))
		return nil, ErrInterrupted
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "evaluation run cancelled")
	}

	reconciled := Reconcile(results)
	summary, err := Summarize(reconciled)
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("run_id", runID).
		Float64("ncorrect", summary.NCorrect).
		Int("ntotal", summary.NTotal).
		Float64("average", summary.Average).
		Msg("evaluation run done")
	e.publish(events.NewRunDoneEvent(meta, summary.NCorrect, summary.NTotal, summary.Average))

	return &RunResult{Results: reconciled, Summary: summary}, nil
}

// Report builds the tabular view over results using the configured metric
// label for the score column.
func (e *Evaluator) Report(results []ItemResult) *Report {
	return BuildReport(results, e.config.MetricLabel)
}

// runItem is the worker wrapper: it checks the cancellation flag and context
// before starting, paces against the rate limiter, runs the prompt, scores
// the output, and consults the error budget on failure. It always returns an
// outcome; errors never escape it.
func (e *Evaluator) runItem(ctx context.Context, meta events.EventMetadata, prompt *prompts.Prompt, index int, item datasets.Item, budget *ErrorBudget) outcome {
	if e.interrupted.Load() {
		return outcome{index: index, cancelled: true}
	}
	if ctx.Err() != nil {
		return outcome{index: index, cancelled: true}
	}
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return outcome{index: index, cancelled: true}
		}
	}

	output, score, err := e.invoke(ContextWithItemIndex(ctx, index), prompt, item)
	if err != nil {
		if budget.Record() {
			return outcome{index: index, fatal: err}
		}
		log.Warn().
			Err(err).
			Int("index", index).
			Int("errors", budget.Count()).
			Msg("item failed, recorded as zero-score placeholder")
		e.publish(events.NewErrorEvent(meta, err))
		return outcome{index: index, item: item}
	}

	return outcome{index: index, item: item, output: output, score: score}
}

// invoke runs the prompt and scores its output, converting panics from
// user-supplied callables into errors so shared state stays intact.
func (e *Evaluator) invoke(ctx context.Context, prompt *prompts.Prompt, item datasets.Item) (output any, score float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			output = nil
			score = 0
			err = errors.Errorf("worker panic: %v", r)
		}
	}()

	output, err = e.runner.Run(ctx, prompt, item.Inputs)
	if err != nil {
		return nil, 0, errors.Wrap(err, "runner failed")
	}
	score, err = e.metric.Score(item, output)
	if err != nil {
		return output, 0, errors.Wrap(err, "metric failed")
	}
	return output, score, nil
}

func (e *Evaluator) publish(ev events.Event) {
	for _, sink := range e.config.Sinks {
		if err := sink.PublishEvent(ev); err != nil {
			log.Warn().Err(err).Str("event_type", string(ev.Type())).Msg("failed to publish event")
		}
	}
}
