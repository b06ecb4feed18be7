package mipro

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/cricket/pkg/prompts"
)

func completedTrial(id int64, instruction int, score float64) Trial {
	s := score
	return Trial{
		ID:          id,
		Number:      int(id),
		State:       TrialStateComplete,
		Instruction: instruction,
		Fewshot:     0,
		Score:       &s,
	}
}

func TestAggregateHistoryAveragesPerInstruction(t *testing.T) {
	trials := []Trial{
		completedTrial(1, 0, 50),
		completedTrial(2, 1, 60),
		completedTrial(3, 0, 100),
		{ID: 4, State: TrialStateRunning, Instruction: 1, Fewshot: 0},
		{ID: 5, State: TrialStateComplete, Instruction: -1, Fewshot: -1},
	}

	stats := AggregateHistory(trials)
	require.Len(t, stats, 2)
	assert.Equal(t, InstructionStats{Instruction: 0, Average: 75, Count: 2}, stats[0])
	assert.Equal(t, InstructionStats{Instruction: 1, Average: 60, Count: 1}, stats[1])
}

func TestAggregateHistoryBreaksTiesByIndex(t *testing.T) {
	trials := []Trial{
		completedTrial(1, 2, 60),
		completedTrial(2, 1, 60),
	}

	stats := AggregateHistory(trials)
	require.Len(t, stats, 2)
	assert.Equal(t, 1, stats[0].Instruction)
	assert.Equal(t, 2, stats[1].Instruction)
}

func TestTopInstructions(t *testing.T) {
	stats := []InstructionStats{
		{Instruction: 1, Average: 90},
		{Instruction: 2, Average: 70},
		{Instruction: 0, Average: 50},
	}

	assert.Len(t, TopInstructions(stats, 2), 2)
	assert.Equal(t, 1, TopInstructions(stats, 1)[0].Instruction)
	assert.Len(t, TopInstructions(stats, 0), 3)
	assert.Len(t, TopInstructions(stats, 10), 3)
}

func TestFormatHistoryListsBestLast(t *testing.T) {
	candidates := &Candidates{
		Prompts: []*prompts.Prompt{
			{Instruction: "Answer directly."},
			{Instruction: "Think step by step."},
			{Instruction: "Cite your sources."},
		},
	}
	trials := []Trial{
		completedTrial(1, 0, 50),
		completedTrial(2, 1, 90),
		completedTrial(3, 2, 70),
	}

	got := FormatHistory(candidates, trials, 2)
	want := "Cite your sources. | Score: 70\n\nThink step by step. | Score: 90\n\n"
	assert.Equal(t, want, got)
}

func TestFormatHistorySkipsOutOfRangeInstructions(t *testing.T) {
	candidates := &Candidates{
		Prompts: []*prompts.Prompt{{Instruction: "Only one."}},
	}
	trials := []Trial{
		completedTrial(1, 0, 80),
		completedTrial(2, 9, 95),
	}

	got := FormatHistory(candidates, trials, 5)
	assert.Equal(t, "Only one. | Score: 80\n\n", got)
}

func TestFormatHistoryEmptyLedger(t *testing.T) {
	candidates := &Candidates{Prompts: []*prompts.Prompt{{Instruction: "x"}}}
	assert.Equal(t, "", FormatHistory(candidates, nil, 3))
}
