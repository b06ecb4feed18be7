package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/cricket/pkg/optimizer/mipro"
)

type bestSettings struct {
	studyName  string
	storageDSN string
	asJSON     bool
	outPrompt  string
}

func newBestCommand() *cobra.Command {
	s := &bestSettings{}

	cmd := &cobra.Command{
		Use:   "best --study <name> [flags]",
		Short: "Show the best trial of a study and its materialized prompt",
		Long: `Best looks up the highest-scoring completed trial and rebuilds the exact
prompt it evaluated from the persisted candidate pools. No sampler state is
involved, so it works on studies owned by other processes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBest(cmd.Context(), s, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&s.studyName, "study", "", "Study name")
	cmd.Flags().StringVar(&s.storageDSN, "storage", "cricket.db", "Storage DSN (sqlite://path or a file path)")
	cmd.Flags().BoolVar(&s.asJSON, "json", false, "Emit the best trial and prompt as JSON")
	cmd.Flags().StringVar(&s.outPrompt, "out-prompt", "", "Write the materialized prompt to this YAML file")

	return cmd
}

func runBest(ctx context.Context, s *bestSettings, w io.Writer) error {
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

	candidates, found, err := mipro.LoadCandidates(ctx, storage, record.ID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("study %q has no persisted candidate pools", s.studyName)
	}

	best, err := storage.BestTrial(ctx, record.ID)
	if err != nil {
		if errors.Is(err, mipro.ErrNoCompletedTrials) {
			_, _ = fmt.Fprintln(w, "no completed trials")
			return nil
		}
		return err
	}

	prompt, err := candidates.Materialize(best.Choice())
	if err != nil {
		return err
	}

	if s.asJSON {
		blob, err := json.MarshalIndent(map[string]any{
			"trial":  best,
			"prompt": prompt,
		}, "", "  ")
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(w, string(blob))
		return nil
	}

	if s.outPrompt != "" {
		blob, err := yaml.Marshal(prompt)
		if err != nil {
			return err
		}
		if err := os.WriteFile(s.outPrompt, blob, 0o644); err != nil {
			return errors.Wrap(err, "failed to write best prompt")
		}
		_, _ = fmt.Fprintf(w, "wrote best prompt to %s\n", s.outPrompt)
		return nil
	}

	_, _ = fmt.Fprintf(w, "best trial %d: score %.2f (instruction %d, fewshot %d)\n",
		best.Number, *best.Score, best.Instruction, best.Fewshot)
	_, _ = fmt.Fprintln(w, "\n=== Best Prompt ===")
	_, _ = fmt.Fprintln(w, prompt.Instruction)
	if len(prompt.Fewshot) > 0 {
		_, _ = fmt.Fprintf(w, "\n%d few-shot examples attached\n", len(prompt.Fewshot))
	}
	return nil
}
