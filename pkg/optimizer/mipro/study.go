package mipro

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/cricket/pkg/events"
	"github.com/go-go-golems/cricket/pkg/prompts"
)

// Study drives the ask/tell loop over one persisted optimization run. The
// candidate pools are fixed at creation time; Ask persists a running trial
// with the sampler's choice and materializes the concrete prompt to evaluate,
// Tell records the observed score. When to stop asking is the caller's
// policy.
type Study struct {
	record     *StudyRecord
	storage    Storage
	sampler    Sampler
	candidates *Candidates
	sinks      []events.EventSink
}

func (s *Study) Name() string {
	return s.record.Name
}

func (s *Study) ID() int64 {
	return s.record.ID
}

// Candidates returns the fixed pools. Callers must treat them as read-only;
// Materialize hands out clones.
func (s *Study) Candidates() *Candidates {
	return s.candidates
}

func (s *Study) Space() Space {
	return s.candidates.Space()
}

// Ask persists a new running trial, lets the sampler pick a point in the
// space, records the choice, and returns the trial together with its
// materialized prompt.
func (s *Study) Ask(ctx context.Context) (*Trial, *prompts.Prompt, error) {
	space := s.candidates.Space()
	if err := space.validate(); err != nil {
		return nil, nil, err
	}

	trial, err := s.storage.CreateTrial(ctx, s.record.ID)
	if err != nil {
		return nil, nil, err
	}

	choice, err := s.sampler.Suggest(trial.ID, space)
	if err != nil {
		return nil, nil, err
	}
	if err := s.storage.SetTrialChoice(ctx, trial.ID, choice); err != nil {
		return nil, nil, err
	}
	trial.Instruction = choice.Instruction
	trial.Fewshot = choice.Fewshot

	prompt, err := s.Materialize(choice)
	if err != nil {
		return nil, nil, err
	}

	log.Debug().
		Str("study", s.record.Name).
		Int64("trial_id", trial.ID).
		Int("number", trial.Number).
		Int("instruction", choice.Instruction).
		Int("fewshot", choice.Fewshot).
		Msg("asked new trial")
	s.publish(events.NewTrialStartEvent(s.meta(trial.ID), trial.ID, choice.Instruction, choice.Fewshot))

	return trial, prompt, nil
}

// Tell records the observed score, marks the trial complete, and feeds the
// observation back to the sampler.
func (s *Study) Tell(ctx context.Context, trialID int64, score float64) error {
	trial, err := s.storage.GetTrial(ctx, trialID)
	if err != nil {
		return err
	}
	if err := s.storage.CompleteTrial(ctx, trialID, score); err != nil {
		return err
	}
	s.sampler.Observe(trialID, trial.Choice(), score)

	log.Debug().
		Str("study", s.record.Name).
		Int64("trial_id", trialID).
		Float64("score", score).
		Msg("told trial result")
	s.publish(events.NewTrialDoneEvent(s.meta(trialID), trialID, score))
	return nil
}

// BestTrial returns the completed trial with the highest observed score and
// reconstructs its concrete prompt.
func (s *Study) BestTrial(ctx context.Context) (*Trial, *prompts.Prompt, error) {
	trial, err := s.storage.BestTrial(ctx, s.record.ID)
	if err != nil {
		return nil, nil, err
	}
	prompt, err := s.Materialize(trial.Choice())
	if err != nil {
		return nil, nil, err
	}
	if trial.Score != nil {
		s.publish(events.NewStudyBestEvent(s.meta(trial.ID), trial.ID, *trial.Score))
	}
	return trial, prompt, nil
}

// Trials lists the persisted ledger in creation order.
func (s *Study) Trials(ctx context.Context) ([]Trial, error) {
	return s.storage.ListTrials(ctx, s.record.ID)
}

// Materialize builds the concrete prompt for a choice. Pool entries are
// never mutated by suggestion or best-prompt reconstruction.
func (s *Study) Materialize(choice Choice) (*prompts.Prompt, error) {
	return s.candidates.Materialize(choice)
}

func (s *Study) meta(trialID int64) events.EventMetadata {
	return events.EventMetadata{
		ID:        uuid.New(),
		StudyName: s.record.Name,
		TrialID:   trialID,
	}
}

func (s *Study) publish(ev events.Event) {
	for _, sink := range s.sinks {
		if err := sink.PublishEvent(ev); err != nil {
			log.Warn().Err(err).Str("event_type", string(ev.Type())).Msg("failed to publish event")
		}
	}
}
