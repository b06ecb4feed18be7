package main

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewExecRunnerNeedsACommand(t *testing.T) {
	_, err := newExecRunner(nil, 0)
	require.Error(t, err)

	_, err = newExecRunner([]string{"  "}, 0)
	require.Error(t, err)

	r, err := newExecRunner([]string{"python3", "runner.py"}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"python3", "runner.py"}, r.argv)
}

func TestDecodeExecOutput(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want any
	}{
		{"json string", `"hello"`, "hello"},
		{"bare number", `0.75`, 0.75},
		{"plain text", "the answer is 4", "the answer is 4"},
		{"plain text trimmed", "  the answer is 4 \n", "the answer is 4"},
		{"array", `[1, 2]`, []any{1.0, 2.0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeExecOutput([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeExecOutputKeepsObjectFields(t *testing.T) {
	got, err := decodeExecOutput([]byte(`{"output": "4", "score": 1, "latency_ms": 12}`))
	require.NoError(t, err)

	m, ok := got.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "4", m["output"])
	assert.Equal(t, 1.0, m["score"])
	assert.Equal(t, 12.0, m["latency_ms"])
}

func TestDecodeExecOutputRejectsEmptyOutput(t *testing.T) {
	_, err := decodeExecOutput(nil)
	require.Error(t, err)

	_, err = decodeExecOutput([]byte("  \n\t"))
	require.Error(t, err)
}

func TestToFloat(t *testing.T) {
	tests := []struct {
		name    string
		in      any
		want    float64
		wantErr bool
	}{
		{"float64", 0.25, 0.25, false},
		{"float32", float32(0.5), 0.5, false},
		{"int", 3, 3, false},
		{"int64", int64(7), 7, false},
		{"json number", json.Number("0.125"), 0.125, false},
		{"numeric string", "0.75", 0.75, false},
		{"padded string", " 2 ", 2, false},
		{"empty string", "", 0, true},
		{"word", "high", 0, true},
		{"bool", true, 0, true},
		{"nil", nil, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := toFloat(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}
