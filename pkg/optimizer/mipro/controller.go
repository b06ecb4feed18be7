package mipro

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/cricket/pkg/datasets"
	"github.com/go-go-golems/cricket/pkg/events"
	"github.com/go-go-golems/cricket/pkg/prompts"
)

// Config carries the tunable pieces of the optimization controller.
type Config struct {
	// Sampler picks points in the candidate space. Defaults to a TPE
	// sampler with standard settings.
	Sampler Sampler

	// Proposer generates the instruction candidate pool for new studies.
	// Required when a study has to be created; resumed studies never call
	// it.
	Proposer Proposer

	// NumCandidates is the number of instruction candidates requested from
	// the proposer. Defaults to 10.
	NumCandidates int

	// Sinks receive trial lifecycle events.
	Sinks []events.EventSink
}

func (c Config) withDefaults() Config {
	if c.Sampler == nil {
		c.Sampler = NewTPESampler(TPEConfig{})
	}
	if c.NumCandidates <= 0 {
		c.NumCandidates = 10
	}
	return c
}

// Controller creates and resumes studies against a storage backend.
type Controller struct {
	storage Storage
	config  Config
}

func NewController(storage Storage, config Config) (*Controller, error) {
	if storage == nil {
		return nil, fmt.Errorf("mipro: storage is nil")
	}
	return &Controller{storage: storage, config: config.withDefaults()}, nil
}

// StudyRequest describes the study to create or resume. TaskDescription,
// Trainset and BasePrompt are only consulted when the study is new; a
// resumed study runs against its persisted pools.
type StudyRequest struct {
	Name            string
	TaskDescription string
	Trainset        []datasets.Item

	// BasePrompt seeds the proposer. It is input to candidate generation,
	// not a member of the pool itself.
	BasePrompt *prompts.Prompt

	// Fewshots overrides the few-shot candidate pool. When empty, each
	// trainset item becomes its own single-example candidate set.
	Fewshots [][]datasets.Item
}

// CreateOrLoadStudy returns the study for req.Name, generating and persisting
// candidate pools on first creation. A study is new when no pools are
// persisted under its name; resuming never regenerates pools, so repeated
// calls with the same name see identical candidates. Completed trials are
// replayed into the sampler before the study is returned.
func (c *Controller) CreateOrLoadStudy(ctx context.Context, req StudyRequest) (*Study, bool, error) {
	if req.Name == "" {
		return nil, false, fmt.Errorf("mipro: study name is empty")
	}
	if err := c.storage.EnsureSchema(ctx); err != nil {
		return nil, false, err
	}

	record, _, err := c.storage.CreateOrLoadStudy(ctx, req.Name)
	if err != nil {
		return nil, false, err
	}

	candidates, found, err := LoadCandidates(ctx, c.storage, record.ID)
	if err != nil {
		return nil, false, err
	}

	created := false
	if !found {
		candidates, err = c.generateCandidates(ctx, record, req)
		if err != nil {
			return nil, false, err
		}
		created = true
	}

	study := &Study{
		record:     record,
		storage:    c.storage,
		sampler:    c.config.Sampler,
		candidates: candidates,
		sinks:      c.config.Sinks,
	}

	if err := c.replayTrials(ctx, study); err != nil {
		return nil, false, err
	}

	log.Debug().
		Str("study", record.Name).
		Bool("created", created).
		Int("instructions", len(candidates.Prompts)).
		Int("fewshots", len(candidates.Fewshots)).
		Msg("study ready")

	return study, created, nil
}

func (c *Controller) generateCandidates(ctx context.Context, record *StudyRecord, req StudyRequest) (*Candidates, error) {
	// Fail fast before any candidate generation happens.
	if req.TaskDescription == "" {
		return nil, fmt.Errorf("mipro: new study %q needs a task description", req.Name)
	}
	if len(req.Trainset) == 0 {
		return nil, fmt.Errorf("mipro: new study %q needs a non-empty trainset", req.Name)
	}
	if c.config.Proposer == nil {
		return nil, fmt.Errorf("mipro: new study %q needs a proposer", req.Name)
	}

	proposed, err := c.config.Proposer.ProposeInstructions(ctx, ProposeRequest{
		Base:            req.BasePrompt,
		TaskDescription: req.TaskDescription,
		Trainset:        req.Trainset,
		Count:           c.config.NumCandidates,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "proposing instruction candidates for study %q", req.Name)
	}
	if len(proposed) == 0 {
		return nil, fmt.Errorf("mipro: proposer returned no instruction candidates for study %q", req.Name)
	}

	fewshots := req.Fewshots
	if len(fewshots) == 0 {
		fewshots = DefaultFewshotPool(req.Trainset)
	}

	candidates := &Candidates{Prompts: proposed, Fewshots: fewshots}
	if err := saveCandidates(ctx, c.storage, record.ID, candidates); err != nil {
		return nil, err
	}
	return candidates, nil
}

// replayTrials feeds every completed trial back into the sampler so a
// resumed study keeps the knowledge accumulated before the restart.
func (c *Controller) replayTrials(ctx context.Context, study *Study) error {
	trials, err := study.storage.ListTrials(ctx, study.record.ID)
	if err != nil {
		return err
	}
	replayed := 0
	for _, trial := range trials {
		if trial.State != TrialStateComplete || trial.Score == nil {
			continue
		}
		if trial.Instruction < 0 || trial.Fewshot < 0 {
			continue
		}
		study.sampler.Observe(trial.ID, trial.Choice(), *trial.Score)
		replayed++
	}
	if replayed > 0 {
		log.Debug().Str("study", study.record.Name).Int("trials", replayed).Msg("replayed completed trials into sampler")
	}
	return nil
}
