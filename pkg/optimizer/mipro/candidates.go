package mipro

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"

	"github.com/go-go-golems/cricket/pkg/datasets"
	"github.com/go-go-golems/cricket/pkg/prompts"
)

// Candidates holds the fixed pools a study explores. Once persisted at study
// creation, the pools are never regenerated: the search space is exactly
// [0, len(Prompts)) x [0, len(Fewshots)) for the lifetime of the study, so
// trial indices stay valid across process restarts.
type Candidates struct {
	Prompts  []*prompts.Prompt
	Fewshots [][]datasets.Item
}

func (c *Candidates) Space() Space {
	return Space{
		Instructions: len(c.Prompts),
		Fewshots:     len(c.Fewshots),
	}
}

// Materialize builds the concrete prompt for a choice: a deep clone of the
// chosen instruction candidate with the chosen few-shot set bound. Pool
// entries are never mutated.
func (c *Candidates) Materialize(choice Choice) (*prompts.Prompt, error) {
	if choice.Instruction < 0 || choice.Instruction >= len(c.Prompts) {
		return nil, fmt.Errorf("instruction index %d out of range [0, %d)", choice.Instruction, len(c.Prompts))
	}
	if choice.Fewshot < 0 || choice.Fewshot >= len(c.Fewshots) {
		return nil, fmt.Errorf("fewshot index %d out of range [0, %d)", choice.Fewshot, len(c.Fewshots))
	}
	return c.Prompts[choice.Instruction].WithFewshot(c.Fewshots[choice.Fewshot]), nil
}

// DefaultFewshotPool builds the few-shot candidate pool from a training set:
// one singleton example set per item, so every trainset example is selectable
// on its own.
func DefaultFewshotPool(trainset []datasets.Item) [][]datasets.Item {
	pool := make([][]datasets.Item, len(trainset))
	for i, item := range trainset {
		pool[i] = []datasets.Item{item}
	}
	return pool
}

// saveCandidates serializes the pools as JSON study attributes.
func saveCandidates(ctx context.Context, storage Storage, studyID int64, c *Candidates) error {
	promptsJSON, err := json.Marshal(c.Prompts)
	if err != nil {
		return errors.Wrap(err, "failed to serialize prompt candidates")
	}
	fewshotsJSON, err := json.Marshal(c.Fewshots)
	if err != nil {
		return errors.Wrap(err, "failed to serialize fewshot candidates")
	}

	if err := storage.SetAttr(ctx, studyID, AttrPromptCandidates, string(promptsJSON)); err != nil {
		return err
	}
	return storage.SetAttr(ctx, studyID, AttrFewshotCandidates, string(fewshotsJSON))
}

// LoadCandidates deserializes the pools from study attributes, reporting
// whether they were present at all. Reporting tools use it to resolve trial
// indices back into prompt text without driving a study.
func LoadCandidates(ctx context.Context, storage Storage, studyID int64) (*Candidates, bool, error) {
	promptsJSON, ok, err := storage.GetAttr(ctx, studyID, AttrPromptCandidates)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	fewshotsJSON, ok, err := storage.GetAttr(ctx, studyID, AttrFewshotCandidates)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, fmt.Errorf("study %d has prompt candidates but no fewshot candidates", studyID)
	}

	c := &Candidates{}
	if err := json.Unmarshal([]byte(promptsJSON), &c.Prompts); err != nil {
		return nil, false, errors.Wrap(err, "failed to parse persisted prompt candidates")
	}
	if err := json.Unmarshal([]byte(fewshotsJSON), &c.Fewshots); err != nil {
		return nil, false, errors.Wrap(err, "failed to parse persisted fewshot candidates")
	}
	return c, true, nil
}
