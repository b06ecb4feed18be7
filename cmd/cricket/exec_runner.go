package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/cricket/pkg/datasets"
	"github.com/go-go-golems/cricket/pkg/evals"
	"github.com/go-go-golems/cricket/pkg/prompts"
)

// execPayload is the JSON document the child process reads on stdin, one per
// item. Index is the dataset position of the item being evaluated.
type execPayload struct {
	Index  int             `json:"index"`
	Prompt *prompts.Prompt `json:"prompt"`
	Inputs datasets.Fields `json:"inputs"`
}

// execRunner shells out once per item. The child answers on stdout with a
// bare string, a bare number, or a JSON object ({"output": ..., "score": ...}
// and whatever else it wants surfaced as report columns). This is how prompt
// programs written in other languages plug into the eval loop.
type execRunner struct {
	argv    []string
	timeout time.Duration
}

func newExecRunner(argv []string, timeout time.Duration) (*execRunner, error) {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return nil, fmt.Errorf("exec runner needs a command")
	}
	return &execRunner{argv: argv, timeout: timeout}, nil
}

var _ prompts.Runner = (*execRunner)(nil)

func (r *execRunner) Run(ctx context.Context, prompt *prompts.Prompt, inputs datasets.Fields) (any, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	payload, err := json.Marshal(execPayload{
		Index:  evals.ItemIndexFromContext(ctx),
		Prompt: prompt,
		Inputs: inputs,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to serialize exec payload")
	}

	cmd := exec.CommandContext(ctx, r.argv[0], r.argv[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Trace().Strs("argv", r.argv).Int("payload_bytes", len(payload)).Msg("spawning exec runner")
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, errors.Wrapf(err, "exec runner failed: %s", msg)
		}
		return nil, errors.Wrap(err, "exec runner failed")
	}

	return decodeExecOutput(stdout.Bytes())
}

// decodeExecOutput normalizes the child's stdout: valid JSON is passed
// through as-is (objects keep their fields for the report), anything else is
// the raw trimmed output string.
func decodeExecOutput(raw []byte) (any, error) {
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return nil, fmt.Errorf("exec runner returned no output")
	}
	var v any
	if err := json.Unmarshal([]byte(text), &v); err == nil {
		return v, nil
	}
	return text, nil
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case string:
		if strings.TrimSpace(x) == "" {
			return 0, fmt.Errorf("empty string")
		}
		num := json.Number(strings.TrimSpace(x))
		return num.Float64()
	default:
		return 0, fmt.Errorf("unsupported numeric type %T", v)
	}
}
