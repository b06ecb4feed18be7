package prompts

import (
	"context"

	"github.com/go-go-golems/cricket/pkg/datasets"
)

// Runner executes a prompt once against named inputs and returns whatever the
// prompt produced: raw text or a structured mapping. Implementations wrap the
// actual model call and are free to block; they should honor ctx.
type Runner interface {
	Run(ctx context.Context, prompt *Prompt, inputs datasets.Fields) (any, error)
}

// RunnerFunc adapts a plain function to the Runner interface.
type RunnerFunc func(ctx context.Context, prompt *Prompt, inputs datasets.Fields) (any, error)

func (f RunnerFunc) Run(ctx context.Context, prompt *Prompt, inputs datasets.Fields) (any, error) {
	return f(ctx, prompt, inputs)
}
