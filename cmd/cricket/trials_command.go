package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/cricket/pkg/evals"
	"github.com/go-go-golems/cricket/pkg/optimizer/mipro"
)

type trialsSettings struct {
	studyName  string
	storageDSN string
	fields     []string
	asJSON     bool
	historyTop int
}

func newTrialsCommand() *cobra.Command {
	s := &trialsSettings{}

	cmd := &cobra.Command{
		Use:   "trials --study <name> [flags]",
		Short: "List the recorded trials of a study",
		Long: `Trials reads the study ledger straight from storage: one row per trial with
its sampled choice, state and score. Use --history to print the top-N
per-instruction aggregate block instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrials(cmd.Context(), s, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&s.studyName, "study", "", "Study name")
	cmd.Flags().StringVar(&s.storageDSN, "storage", "cricket.db", "Storage DSN (sqlite://path or a file path)")
	cmd.Flags().StringSliceVar(&s.fields, "fields", nil, "Glob patterns selecting table columns")
	cmd.Flags().BoolVar(&s.asJSON, "json", false, "Emit raw trial records as JSON")
	cmd.Flags().IntVar(&s.historyTop, "history", 0, "Print the top-N instruction aggregates instead of the trial table")

	return cmd
}

func runTrials(ctx context.Context, s *trialsSettings, w io.Writer) error {
	if strings.TrimSpace(s.studyName) == "" {
		return fmt.Errorf("--study is required")
	}

	storage, err := mipro.OpenStorage(s.storageDSN)
	if err != nil {
		return err
	}
	defer func() { _ = storage.Close() }()
	if err := storage.EnsureSchema(ctx); err != nil {
		return err
	}

	record, found, err := storage.GetStudy(ctx, s.studyName)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("study %q not found in %s", s.studyName, s.storageDSN)
	}

	trials, err := storage.ListTrials(ctx, record.ID)
	if err != nil {
		return err
	}

	if s.historyTop > 0 {
		candidates, found, err := mipro.LoadCandidates(ctx, storage, record.ID)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("study %q has no persisted candidate pools", s.studyName)
		}
		_, _ = fmt.Fprint(w, mipro.FormatHistory(candidates, trials, s.historyTop))
		return nil
	}

	if s.asJSON {
		blob, err := json.MarshalIndent(trials, "", "  ")
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(w, string(blob))
		return nil
	}

	if len(trials) == 0 {
		_, _ = fmt.Fprintln(w, "no trials recorded")
		return nil
	}

	report := trialReport(trials)
	if len(s.fields) > 0 {
		report, err = report.FilterColumns(s.fields)
		if err != nil {
			return err
		}
	}
	return report.Render(w, 0)
}

// trialReport flattens the ledger into the tabular report shape the eval
// command uses, so --fields filtering and rendering behave the same way.
func trialReport(trials []mipro.Trial) *evals.Report {
	report := &evals.Report{
		Columns: []string{"number", "state", "instruction", "fewshot", "score", "created", "completed"},
	}
	for _, t := range trials {
		report.Rows = append(report.Rows, []string{
			strconv.Itoa(t.Number),
			t.State,
			formatIndex(t.Instruction),
			formatIndex(t.Fewshot),
			formatScore(t.Score),
			formatMillis(t.CreatedAtMs),
			formatMillis(t.CompletedAtMs),
		})
	}
	return report
}

// formatIndex renders a candidate index, with "-" for trials whose choice was
// never recorded.
func formatIndex(idx int) string {
	if idx < 0 {
		return "-"
	}
	return strconv.Itoa(idx)
}

func formatScore(score *float64) string {
	if score == nil {
		return "-"
	}
	return strconv.FormatFloat(*score, 'f', 2, 64)
}

func formatMillis(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}
