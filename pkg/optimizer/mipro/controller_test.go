package mipro

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/cricket/pkg/datasets"
	"github.com/go-go-golems/cricket/pkg/events"
	"github.com/go-go-golems/cricket/pkg/prompts"
)

func testTrainset(n int) []datasets.Item {
	items := make([]datasets.Item, n)
	for i := range items {
		items[i] = datasets.Item{
			Inputs:   datasets.Fields{"question": fmt.Sprintf("q%d", i)},
			Expected: datasets.Fields{"answer": fmt.Sprintf("a%d", i)},
		}
	}
	return items
}

func testProposer(calls *int) Proposer {
	return ProposerFunc(func(ctx context.Context, req ProposeRequest) ([]*prompts.Prompt, error) {
		if calls != nil {
			*calls++
		}
		out := make([]*prompts.Prompt, 0, req.Count)
		for i := 0; i < req.Count; i++ {
			out = append(out, &prompts.Prompt{
				Name:        "qa",
				Instruction: fmt.Sprintf("Instruction variant %d for %s", i, req.TaskDescription),
			})
		}
		return out, nil
	})
}

type observation struct {
	trialID int64
	choice  Choice
	score   float64
}

type fakeSampler struct {
	suggest  func(trialID int64, space Space) (Choice, error)
	observed []observation
}

func (f *fakeSampler) Suggest(trialID int64, space Space) (Choice, error) {
	if f.suggest != nil {
		return f.suggest(trialID, space)
	}
	return Choice{}, nil
}

func (f *fakeSampler) Observe(trialID int64, choice Choice, score float64) {
	f.observed = append(f.observed, observation{trialID: trialID, choice: choice, score: score})
}

type captureSink struct {
	events []events.Event
}

func (c *captureSink) PublishEvent(ev events.Event) error {
	c.events = append(c.events, ev)
	return nil
}

func TestNewControllerRequiresStorage(t *testing.T) {
	_, err := NewController(nil, Config{})
	require.Error(t, err)
}

func TestCreateOrLoadStudyGeneratesPoolsExactlyOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "study.db")
	ctx := context.Background()

	calls := 0
	open := func() (*Controller, Storage) {
		storage, err := OpenStorage(path)
		require.NoError(t, err)
		controller, err := NewController(storage, Config{
			Proposer:      testProposer(&calls),
			Sampler:       NewGridSampler(),
			NumCandidates: 4,
		})
		require.NoError(t, err)
		return controller, storage
	}

	req := StudyRequest{
		Name:            "persist",
		TaskDescription: "answer questions",
		Trainset:        testTrainset(3),
		BasePrompt:      &prompts.Prompt{Instruction: "Answer the question."},
	}

	controller, storage := open()
	study, created, err := controller.CreateOrLoadStudy(ctx, req)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 1, calls)
	assert.Equal(t, Space{Instructions: 4, Fewshots: 3}, study.Space())
	firstPool := study.Candidates()
	require.NoError(t, storage.Close())

	// a second open by name reuses the persisted pools, even with no trials
	controller2, storage2 := open()
	resumed, created, err := controller2.CreateOrLoadStudy(ctx, req)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 1, calls)
	require.Len(t, resumed.Candidates().Prompts, len(firstPool.Prompts))
	for i := range firstPool.Prompts {
		assert.Equal(t, firstPool.Prompts[i].Instruction, resumed.Candidates().Prompts[i].Instruction)
	}
	assert.Equal(t, firstPool.Space(), resumed.Space())
	require.NoError(t, storage2.Close())

	// resuming needs neither proposer nor request metadata
	storage3, err := OpenStorage(path)
	require.NoError(t, err)
	defer func() { _ = storage3.Close() }()
	controller3, err := NewController(storage3, Config{Sampler: NewGridSampler()})
	require.NoError(t, err)
	bare, created, err := controller3.CreateOrLoadStudy(ctx, StudyRequest{Name: "persist"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, firstPool.Space(), bare.Space())
}

func TestCreateOrLoadStudyFailsFastOnNewStudies(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		req  StudyRequest
		cfg  Config
	}{
		{
			name: "empty name",
			req:  StudyRequest{},
		},
		{
			name: "missing task description",
			req:  StudyRequest{Name: "s", Trainset: testTrainset(2)},
			cfg:  Config{Proposer: testProposer(nil)},
		},
		{
			name: "missing trainset",
			req:  StudyRequest{Name: "s", TaskDescription: "t"},
			cfg:  Config{Proposer: testProposer(nil)},
		},
		{
			name: "missing proposer",
			req:  StudyRequest{Name: "s", TaskDescription: "t", Trainset: testTrainset(2)},
		},
		{
			name: "proposer returns nothing",
			req:  StudyRequest{Name: "s", TaskDescription: "t", Trainset: testTrainset(2)},
			cfg: Config{Proposer: ProposerFunc(func(ctx context.Context, req ProposeRequest) ([]*prompts.Prompt, error) {
				return nil, nil
			})},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			storage := openTestStorage(t)
			controller, err := NewController(storage, tc.cfg)
			require.NoError(t, err)
			_, _, err = controller.CreateOrLoadStudy(ctx, tc.req)
			require.Error(t, err)
		})
	}
}

func TestStudyAskTellLoop(t *testing.T) {
	storage := openTestStorage(t)
	ctx := context.Background()

	controller, err := NewController(storage, Config{
		Proposer:      testProposer(nil),
		Sampler:       NewGridSampler(),
		NumCandidates: 2,
	})
	require.NoError(t, err)

	study, _, err := controller.CreateOrLoadStudy(ctx, StudyRequest{
		Name:            "loop",
		TaskDescription: "answer questions",
		Trainset:        testTrainset(2),
	})
	require.NoError(t, err)
	assert.Equal(t, Space{Instructions: 2, Fewshots: 2}, study.Space())

	scores := []float64{40, 90, 60, 75}
	var asked []Choice
	for _, score := range scores {
		trial, prompt, err := study.Ask(ctx)
		require.NoError(t, err)
		assert.Equal(t, TrialStateRunning, trial.State)
		choice := trial.Choice()
		asked = append(asked, choice)

		require.NotNil(t, prompt)
		assert.Equal(t, study.Candidates().Prompts[choice.Instruction].Instruction, prompt.Instruction)
		assert.Equal(t, study.Candidates().Fewshots[choice.Fewshot], prompt.Fewshot)

		require.NoError(t, study.Tell(ctx, trial.ID, score))
	}

	assert.Equal(t, []Choice{
		{Instruction: 0, Fewshot: 0},
		{Instruction: 0, Fewshot: 1},
		{Instruction: 1, Fewshot: 0},
		{Instruction: 1, Fewshot: 1},
	}, asked)

	best, bestPrompt, err := study.BestTrial(ctx)
	require.NoError(t, err)
	require.NotNil(t, best.Score)
	assert.InDelta(t, 90.0, *best.Score, 1e-9)
	assert.Equal(t, Choice{Instruction: 0, Fewshot: 1}, best.Choice())
	assert.Equal(t, study.Candidates().Prompts[0].Instruction, bestPrompt.Instruction)

	trials, err := study.Trials(ctx)
	require.NoError(t, err)
	assert.Len(t, trials, 4)
}

func TestAskLeavesCandidatePoolsUntouched(t *testing.T) {
	storage := openTestStorage(t)
	ctx := context.Background()

	controller, err := NewController(storage, Config{
		Proposer:      testProposer(nil),
		Sampler:       NewGridSampler(),
		NumCandidates: 1,
	})
	require.NoError(t, err)

	study, _, err := controller.CreateOrLoadStudy(ctx, StudyRequest{
		Name:            "no-mutation",
		TaskDescription: "t",
		Trainset:        testTrainset(2),
	})
	require.NoError(t, err)

	trial, prompt, err := study.Ask(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, prompt.Fewshot)

	for _, candidate := range study.Candidates().Prompts {
		assert.Empty(t, candidate.Fewshot, "pool prompt gained few-shot examples through materialization")
	}

	// scribbling on the returned prompt must not reach the pool either
	prompt.Instruction = "scribbled over"
	prompt.Fewshot[0].Inputs["question"] = "scribbled over"
	assert.NotEqual(t, "scribbled over", study.Candidates().Prompts[trial.Instruction].Instruction)
	assert.Equal(t, "q0", study.Candidates().Fewshots[trial.Fewshot][0].Inputs["question"])
}

func TestResumeReplaysCompletedTrialsIntoSampler(t *testing.T) {
	path := filepath.Join(t.TempDir(), "study.db")
	ctx := context.Background()

	storage, err := OpenStorage(path)
	require.NoError(t, err)
	controller, err := NewController(storage, Config{
		Proposer:      testProposer(nil),
		Sampler:       NewGridSampler(),
		NumCandidates: 3,
	})
	require.NoError(t, err)

	study, _, err := controller.CreateOrLoadStudy(ctx, StudyRequest{
		Name:            "replay",
		TaskDescription: "t",
		Trainset:        testTrainset(2),
	})
	require.NoError(t, err)

	for _, score := range []float64{10, 20} {
		trial, _, err := study.Ask(ctx)
		require.NoError(t, err)
		require.NoError(t, study.Tell(ctx, trial.ID, score))
	}
	// leave one trial running; it must not be replayed
	_, _, err = study.Ask(ctx)
	require.NoError(t, err)
	require.NoError(t, storage.Close())

	storage2, err := OpenStorage(path)
	require.NoError(t, err)
	defer func() { _ = storage2.Close() }()

	sampler := &fakeSampler{}
	controller2, err := NewController(storage2, Config{Sampler: sampler})
	require.NoError(t, err)
	_, created, err := controller2.CreateOrLoadStudy(ctx, StudyRequest{Name: "replay"})
	require.NoError(t, err)
	assert.False(t, created)

	require.Len(t, sampler.observed, 2)
	assert.Equal(t, Choice{Instruction: 0, Fewshot: 0}, sampler.observed[0].choice)
	assert.InDelta(t, 10.0, sampler.observed[0].score, 1e-9)
	assert.Equal(t, Choice{Instruction: 0, Fewshot: 1}, sampler.observed[1].choice)
	assert.InDelta(t, 20.0, sampler.observed[1].score, 1e-9)
}

func TestStudyPublishesTrialEvents(t *testing.T) {
	storage := openTestStorage(t)
	ctx := context.Background()

	sink := &captureSink{}
	controller, err := NewController(storage, Config{
		Proposer:      testProposer(nil),
		Sampler:       NewGridSampler(),
		NumCandidates: 1,
		Sinks:         []events.EventSink{sink},
	})
	require.NoError(t, err)

	study, _, err := controller.CreateOrLoadStudy(ctx, StudyRequest{
		Name:            "events-study",
		TaskDescription: "t",
		Trainset:        testTrainset(1),
	})
	require.NoError(t, err)

	trial, _, err := study.Ask(ctx)
	require.NoError(t, err)
	require.NoError(t, study.Tell(ctx, trial.ID, 55))
	_, _, err = study.BestTrial(ctx)
	require.NoError(t, err)

	types := make([]events.EventType, 0, len(sink.events))
	for _, ev := range sink.events {
		types = append(types, ev.Type())
		assert.Equal(t, "events-study", ev.Metadata().StudyName)
		assert.Equal(t, trial.ID, ev.Metadata().TrialID)
	}
	assert.Equal(t, []events.EventType{
		events.EventTypeTrialStart,
		events.EventTypeTrialDone,
		events.EventTypeStudyBest,
	}, types)
}

func TestStudyMaterializeValidatesChoice(t *testing.T) {
	study := &Study{
		candidates: &Candidates{
			Prompts:  []*prompts.Prompt{{Instruction: "only"}},
			Fewshots: [][]datasets.Item{nil},
		},
	}

	_, err := study.Materialize(Choice{Instruction: 1, Fewshot: 0})
	require.Error(t, err)
	_, err = study.Materialize(Choice{Instruction: 0, Fewshot: -1})
	require.Error(t, err)
	prompt, err := study.Materialize(Choice{Instruction: 0, Fewshot: 0})
	require.NoError(t, err)
	assert.Equal(t, "only", prompt.Instruction)
}
