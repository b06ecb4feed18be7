package mipro

import (
	"fmt"
	"sort"
	"strings"
)

// InstructionStats is the aggregate of completed trials for one instruction
// candidate.
type InstructionStats struct {
	Instruction int     `json:"instruction"`
	Average     float64 `json:"average"`
	Count       int     `json:"count"`
}

// AggregateHistory folds completed trials into per-instruction averages,
// sorted by average descending (ties by instruction index). Trials without a
// recorded choice or score are skipped.
func AggregateHistory(trials []Trial) []InstructionStats {
	type agg struct {
		total float64
		count int
	}
	byInstruction := map[int]*agg{}

	for _, t := range trials {
		if t.State != TrialStateComplete || t.Score == nil || t.Instruction < 0 {
			continue
		}
		a := byInstruction[t.Instruction]
		if a == nil {
			a = &agg{}
			byInstruction[t.Instruction] = a
		}
		a.total += *t.Score
		a.count++
	}

	out := make([]InstructionStats, 0, len(byInstruction))
	for idx, a := range byInstruction {
		out = append(out, InstructionStats{
			Instruction: idx,
			Average:     a.total / float64(a.count),
			Count:       a.count,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Average != out[j].Average {
			return out[i].Average > out[j].Average
		}
		return out[i].Instruction < out[j].Instruction
	})
	return out
}

// TopInstructions keeps the n best-scoring aggregates.
func TopInstructions(stats []InstructionStats, n int) []InstructionStats {
	if n <= 0 || n >= len(stats) {
		return stats
	}
	return stats[:n]
}

// FormatHistory renders the top-N instruction aggregates as a block suitable
// for feeding back into a proposer, lowest of the selected scores first so
// the best-performing instruction reads last.
func FormatHistory(candidates *Candidates, trials []Trial, topN int) string {
	top := TopInstructions(AggregateHistory(trials), topN)

	var b strings.Builder
	for i := len(top) - 1; i >= 0; i-- {
		stat := top[i]
		if stat.Instruction >= len(candidates.Prompts) {
			continue
		}
		b.WriteString(candidates.Prompts[stat.Instruction].Instruction)
		b.WriteString(fmt.Sprintf(" | Score: %v\n\n", stat.Average))
	}
	return b.String()
}
