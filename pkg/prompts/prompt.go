// Package prompts defines the tunable prompt value the harness evaluates and
// optimizes, and the contract for whatever actually runs it.
package prompts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-go-golems/cricket/pkg/datasets"
	"github.com/huandu/go-clone"
	"gopkg.in/yaml.v3"
)

// Prompt is one candidate prompt: an instruction plus the few-shot examples
// bound to it. The harness treats the instruction as opaque text; rendering
// it into model messages is the runner's business.
type Prompt struct {
	Name        string          `json:"name,omitempty" yaml:"name,omitempty"`
	Instruction string          `json:"instruction" yaml:"instruction"`
	Fewshot     []datasets.Item `json:"fewshot,omitempty" yaml:"fewshot,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

func (p *Prompt) Clone() *Prompt {
	return clone.Clone(p).(*Prompt)
}

// WithFewshot returns a deep copy of the prompt with its own copy of the
// given few-shot set bound. Neither the receiver nor the examples are
// aliased, so pooled candidates stay pristine however the result is used.
func (p *Prompt) WithFewshot(fewshot []datasets.Item) *Prompt {
	q := p.Clone()
	q.Fewshot = nil
	if len(fewshot) > 0 {
		q.Fewshot = clone.Clone(fewshot).([]datasets.Item)
	}
	return q
}

// Load reads a prompt from a YAML or JSON file.
func Load(path string) (*Prompt, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p := &Prompt{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(blob, p)
	default:
		err = yaml.Unmarshal(blob, p)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse prompt file %s: %w", path, err)
	}
	if strings.TrimSpace(p.Instruction) == "" {
		return nil, fmt.Errorf("prompt file %s: instruction is empty", path)
	}
	return p, nil
}
