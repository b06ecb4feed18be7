package main

import (
	"fmt"
	"strings"

	"github.com/go-go-golems/cricket/pkg/datasets"
	"github.com/go-go-golems/cricket/pkg/evals"
)

// metricByName resolves the builtin metrics available to the eval and
// optimize commands. Scores are fractions; the run average is reported as a
// percentage.
func metricByName(name string) (evals.Metric, error) {
	switch name {
	case "exact":
		return evals.MetricFunc(exactMatch), nil
	case "contains":
		return evals.MetricFunc(containsMatch), nil
	case "exec-score":
		return evals.MetricFunc(execScore), nil
	default:
		return nil, fmt.Errorf("unknown metric %q (builtin: exact, contains, exec-score)", name)
	}
}

// exactMatch scores 1 when the prediction equals every expected field after
// normalization.
func exactMatch(example datasets.Item, output any) (float64, error) {
	pred := normalizeText(predictionText(output))
	for _, want := range example.Expected {
		if pred != normalizeText(formatValue(want)) {
			return 0, nil
		}
	}
	return 1, nil
}

// containsMatch scores 1 when the prediction contains every expected field
// as a substring after normalization.
func containsMatch(example datasets.Item, output any) (float64, error) {
	pred := normalizeText(predictionText(output))
	for _, want := range example.Expected {
		if !strings.Contains(pred, normalizeText(formatValue(want))) {
			return 0, nil
		}
	}
	return 1, nil
}

// execScore passes through the score the exec runner's child already
// computed. The child must answer with an object carrying a numeric "score".
func execScore(example datasets.Item, output any) (float64, error) {
	m, ok := output.(map[string]any)
	if !ok {
		return 0, fmt.Errorf("exec-score metric needs an object output with a score field, got %T", output)
	}
	raw, ok := m["score"]
	if !ok {
		return 0, fmt.Errorf("exec-score metric: output object has no score field")
	}
	score, err := toFloat(raw)
	if err != nil {
		return 0, fmt.Errorf("exec-score metric: invalid score: %w", err)
	}
	return score, nil
}

// predictionText extracts the comparable text from a runner output: the
// "output" (or "prediction") field of object outputs, the raw value
// otherwise.
func predictionText(output any) string {
	if m, ok := output.(map[string]any); ok {
		for _, key := range []string{"output", "prediction", "answer"} {
			if v, ok := m[key]; ok {
				return formatValue(v)
			}
		}
	}
	return formatValue(output)
}

func formatValue(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func normalizeText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
