package mipro

import (
	"context"
	"fmt"

	"github.com/go-go-golems/cricket/pkg/datasets"
	"github.com/go-go-golems/cricket/pkg/prompts"
)

// ProposeRequest carries everything an instruction proposer may draw on.
type ProposeRequest struct {
	// Base is the starting prompt the variants are derived from.
	Base *prompts.Prompt
	// TaskDescription explains what the prompt is supposed to accomplish.
	TaskDescription string
	// Trainset is the labeled data the study optimizes against.
	Trainset []datasets.Item
	// Count is how many candidates to produce.
	Count int
	// History is an optional formatted block of previously scored
	// instructions (see FormatHistory) for proposers that iterate.
	History string
}

// Proposer generates the instruction candidate pool for a new study. The
// generation itself (usually an LLM call) is an upstream concern; the study
// controller only fixes and persists whatever comes back.
type Proposer interface {
	ProposeInstructions(ctx context.Context, req ProposeRequest) ([]*prompts.Prompt, error)
}

// StaticProposer serves a pre-generated candidate pool, e.g. one loaded from
// a candidates file.
type StaticProposer struct {
	Prompts []*prompts.Prompt
}

func (p *StaticProposer) ProposeInstructions(ctx context.Context, req ProposeRequest) ([]*prompts.Prompt, error) {
	if len(p.Prompts) == 0 {
		return nil, fmt.Errorf("static proposer has no candidates")
	}
	out := p.Prompts
	if req.Count > 0 && req.Count < len(out) {
		out = out[:req.Count]
	}
	return out, nil
}

var _ Proposer = (*StaticProposer)(nil)

// ProposerFunc adapts a function to the Proposer interface.
type ProposerFunc func(ctx context.Context, req ProposeRequest) ([]*prompts.Prompt, error)

func (f ProposerFunc) ProposeInstructions(ctx context.Context, req ProposeRequest) ([]*prompts.Prompt, error) {
	return f(ctx, req)
}

var _ Proposer = ProposerFunc(nil)
