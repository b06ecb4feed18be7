package main

import (
	"context"
	"fmt"
	"os"

	"github.com/tcnksm/go-input"

	"github.com/go-go-golems/cricket/pkg/optimizer/mipro"
	"github.com/go-go-golems/cricket/pkg/prompts"
)

// confirmUI builds a go-input UI on the controlling tty so prompts reach the
// user even when stdout is piped, falling back to stdin/stdout when no tty
// can be opened.
func confirmUI() (*input.UI, func()) {
	tty, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
	if err != nil {
		return &input.UI{Writer: os.Stdout, Reader: os.Stdin}, func() {}
	}
	return &input.UI{Writer: tty, Reader: tty}, func() { _ = tty.Close() }
}

func askConfirm(query string, def bool) (bool, error) {
	ui, closeTTY := confirmUI()
	defer closeTTY()

	defAnswer := "n"
	if def {
		defAnswer = "y"
	}

	answer, err := ui.Ask(query+" [y/n]", &input.Options{
		Default:  defAnswer,
		Required: true,
		Loop:     true,
		ValidateFunc: func(answer string) error {
			switch answer {
			case "y", "Y", "n", "N":
				return nil
			default:
				return fmt.Errorf("please enter 'y' or 'n'")
			}
		},
	})
	if err != nil {
		return false, err
	}

	switch answer {
	case "y", "Y":
		return true, nil
	default:
		return false, nil
	}
}

// confirmingProposer shows the generated instruction pool on the tty and
// asks before it is handed back for persistence. Declining aborts study
// creation; nothing is written.
type confirmingProposer struct {
	inner mipro.Proposer
}

var _ mipro.Proposer = (*confirmingProposer)(nil)

func (p *confirmingProposer) ProposeInstructions(ctx context.Context, req mipro.ProposeRequest) ([]*prompts.Prompt, error) {
	pool, err := p.inner.ProposeInstructions(ctx, req)
	if err != nil {
		return nil, err
	}

	ui, closeTTY := confirmUI()
	defer closeTTY()

	_, _ = fmt.Fprintf(ui.Writer, "\n%d instruction candidates:\n", len(pool))
	for i, prompt := range pool {
		_, _ = fmt.Fprintf(ui.Writer, "  [%d] %s\n", i, prompt.Instruction)
	}

	ok, err := askConfirm("Persist these candidate pools and start the study?", true)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("candidate pools rejected")
	}
	return pool, nil
}
