package evals

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/cricket/pkg/datasets"
	"github.com/go-go-golems/cricket/pkg/prompts"
)

var errBoom = errors.New("boom")

func makeDataset(n int) []datasets.Item {
	items := make([]datasets.Item, n)
	for i := range items {
		items[i] = datasets.Item{
			Inputs:   datasets.Fields{"question": fmt.Sprintf("q%d", i)},
			Expected: datasets.Fields{"answer": fmt.Sprintf("a%d", i)},
		}
	}
	return items
}

// echoRunner answers q<i> with a<i>, failing for the given indices.
func echoRunner(failing map[int]bool) prompts.RunnerFunc {
	return func(ctx context.Context, prompt *prompts.Prompt, inputs datasets.Fields) (any, error) {
		q, _ := inputs["question"].(string)
		idx, err := strconv.Atoi(strings.TrimPrefix(q, "q"))
		if err != nil {
			return nil, err
		}
		if failing[idx] {
			return nil, errBoom
		}
		return "a" + strconv.Itoa(idx), nil
	}
}

var exactMetric = MetricFunc(func(example datasets.Item, output any) (float64, error) {
	want, _ := example.Expected["answer"].(string)
	got, _ := output.(string)
	if want == got {
		return 1, nil
	}
	return 0, nil
})

func TestRunYieldsEveryIndexOnce(t *testing.T) {
	for _, mode := range []Mode{ModeSemaphore, ModePool} {
		t.Run(string(mode), func(t *testing.T) {
			e, err := NewEvaluator(echoRunner(nil), exactMetric, Config{
				Mode:        mode,
				Concurrency: 7,
			})
			require.NoError(t, err)

			res, err := e.Run(context.Background(), &prompts.Prompt{Instruction: "answer"}, makeDataset(40))
			require.NoError(t, err)

			require.Len(t, res.Results, 40)
			seen := map[int]bool{}
			for i, r := range res.Results {
				assert.Equal(t, i, r.Index)
				assert.False(t, seen[r.Index])
				seen[r.Index] = true
			}
			assert.Equal(t, 40, res.Summary.NTotal)
			assert.InDelta(t, 40.0, res.Summary.NCorrect, 1e-9)
			assert.InDelta(t, 100.0, res.Summary.Average, 1e-9)
		})
	}
}

func TestRunToleratesFailuresUnderBudget(t *testing.T) {
	e, err := NewEvaluator(echoRunner(map[int]bool{1: true, 4: true}), exactMetric, Config{
		Concurrency: 4,
		MaxErrors:   3,
	})
	require.NoError(t, err)

	res, err := e.Run(context.Background(), &prompts.Prompt{Instruction: "answer"}, makeDataset(10))
	require.NoError(t, err)

	require.Len(t, res.Results, 10)
	assert.InDelta(t, 0.0, res.Results[1].Score, 1e-9)
	assert.Nil(t, res.Results[1].Output)
	assert.InDelta(t, 0.0, res.Results[4].Score, 1e-9)
	assert.InDelta(t, 8.0, res.Summary.NCorrect, 1e-9)
	assert.Equal(t, 10, res.Summary.NTotal)
}

func TestRunAbortsWhenBudgetExhausted(t *testing.T) {
	e, err := NewEvaluator(echoRunner(map[int]bool{1: true, 4: true, 7: true}), exactMetric, Config{
		Concurrency: 2,
		MaxErrors:   3,
	})
	require.NoError(t, err)

	res, err := e.Run(context.Background(), &prompts.Prompt{Instruction: "answer"}, makeDataset(10))
	require.Error(t, err)
	require.ErrorIs(t, err, errBoom)
	assert.Nil(t, res)
}

func TestRunThreeItemsOneFailureUnderDefaultBudget(t *testing.T) {
	e, err := NewEvaluator(echoRunner(map[int]bool{2: true}), exactMetric, Config{
		Concurrency: 2,
		MaxErrors:   3,
	})
	require.NoError(t, err)

	res, err := e.Run(context.Background(), &prompts.Prompt{Instruction: "answer"}, makeDataset(3))
	require.NoError(t, err)

	assert.InDelta(t, 2.0, res.Summary.NCorrect, 1e-9)
	assert.Equal(t, 3, res.Summary.NTotal)
	assert.InDelta(t, 66.67, res.Summary.Average, 1e-9)
	for i, r := range res.Results {
		assert.Equal(t, i, r.Index)
	}
}

func TestRunAbortsImmediatelyWithBudgetOfOne(t *testing.T) {
	e, err := NewEvaluator(echoRunner(map[int]bool{0: true}), exactMetric, Config{
		Concurrency: 2,
		MaxErrors:   1,
	})
	require.NoError(t, err)

	res, err := e.Run(context.Background(), &prompts.Prompt{Instruction: "answer"}, makeDataset(3))
	require.Error(t, err)
	require.ErrorIs(t, err, errBoom)
	assert.Nil(t, res)
}

func TestRunInterruptSkipsPendingItems(t *testing.T) {
	var e *Evaluator
	var calls atomic.Int32

	runner := prompts.RunnerFunc(func(ctx context.Context, prompt *prompts.Prompt, inputs datasets.Fields) (any, error) {
		if calls.Add(1) == 2 {
			e.Interrupt()
		}
		q, _ := inputs["question"].(string)
		return "a" + strings.TrimPrefix(q, "q"), nil
	})

	e, err := NewEvaluator(runner, exactMetric, Config{
		Mode:        ModePool,
		Concurrency: 1,
	})
	require.NoError(t, err)

	res, err := e.Run(context.Background(), &prompts.Prompt{Instruction: "answer"}, makeDataset(5))
	require.ErrorIs(t, err, ErrInterrupted)
	assert.Nil(t, res)
	assert.Equal(t, int32(2), calls.Load(), "items after the interrupt must not start")
}

func TestRunHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e, err := NewEvaluator(echoRunner(nil), exactMetric, Config{Concurrency: 2})
	require.NoError(t, err)

	res, err := e.Run(ctx, &prompts.Prompt{Instruction: "answer"}, makeDataset(4))
	require.Error(t, err)
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, res)
}

func TestRunEmptyDataset(t *testing.T) {
	e, err := NewEvaluator(echoRunner(nil), exactMetric, Config{})
	require.NoError(t, err)

	_, err = e.Run(context.Background(), &prompts.Prompt{Instruction: "answer"}, nil)
	require.ErrorIs(t, err, ErrNoResults)
}

func TestRunProgressTicksInCompletionOrder(t *testing.T) {
	var ticks []Progress
	e, err := NewEvaluator(echoRunner(nil), exactMetric, Config{
		Concurrency: 3,
		OnProgress: func(p Progress) {
			ticks = append(ticks, p)
		},
	})
	require.NoError(t, err)

	_, err = e.Run(context.Background(), &prompts.Prompt{Instruction: "answer"}, makeDataset(10))
	require.NoError(t, err)

	require.Len(t, ticks, 10)
	for i, p := range ticks {
		assert.Equal(t, i+1, p.Total)
	}
	assert.InDelta(t, 10.0, ticks[9].Correct, 1e-9)
}

func TestRunRecoversWorkerPanic(t *testing.T) {
	runner := prompts.RunnerFunc(func(ctx context.Context, prompt *prompts.Prompt, inputs datasets.Fields) (any, error) {
		q, _ := inputs["question"].(string)
		if q == "q1" {
			panic("metric blew up")
		}
		return "a" + strings.TrimPrefix(q, "q"), nil
	})

	e, err := NewEvaluator(runner, exactMetric, Config{Concurrency: 2, MaxErrors: 3})
	require.NoError(t, err)

	res, err := e.Run(context.Background(), &prompts.Prompt{Instruction: "answer"}, makeDataset(3))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Summary.NTotal)
	assert.InDelta(t, 0.0, res.Results[1].Score, 1e-9)
}

func TestRunWithRatePacing(t *testing.T) {
	e, err := NewEvaluator(echoRunner(nil), exactMetric, Config{
		Concurrency: 2,
		MaxRate:     1000,
	})
	require.NoError(t, err)

	res, err := e.Run(context.Background(), &prompts.Prompt{Instruction: "answer"}, makeDataset(5))
	require.NoError(t, err)
	assert.Equal(t, 5, res.Summary.NTotal)
}

func TestNewEvaluatorValidation(t *testing.T) {
	_, err := NewEvaluator(nil, exactMetric, Config{})
	require.Error(t, err)

	_, err = NewEvaluator(echoRunner(nil), nil, Config{})
	require.Error(t, err)

	_, err = NewEvaluator(echoRunner(nil), exactMetric, Config{Mode: "fibers"})
	require.Error(t, err)
}

func TestRunMetricErrorsCountAgainstBudget(t *testing.T) {
	metric := MetricFunc(func(example datasets.Item, output any) (float64, error) {
		want, _ := example.Expected["answer"].(string)
		if want == "a0" {
			return 0, errBoom
		}
		return 1, nil
	})

	e, err := NewEvaluator(echoRunner(nil), metric, Config{Concurrency: 2, MaxErrors: 3})
	require.NoError(t, err)

	res, err := e.Run(context.Background(), &prompts.Prompt{Instruction: "answer"}, makeDataset(3))
	require.NoError(t, err)
	assert.InDelta(t, 0.0, res.Results[0].Score, 1e-9)
	assert.InDelta(t, 2.0, res.Summary.NCorrect, 1e-9)
}
