package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/cricket/pkg/datasets"
	"github.com/go-go-golems/cricket/pkg/evals"
	"github.com/go-go-golems/cricket/pkg/events"
	"github.com/go-go-golems/cricket/pkg/helpers"
	"github.com/go-go-golems/cricket/pkg/prompts"
)

type evalSettings struct {
	datasetPath string
	promptText  string
	promptFile  string
	metricName  string
	metricLabel string
	concurrency int
	maxErrors   int
	mode        string
	maxRate     float64
	timeout     time.Duration
	fieldGlobs  []string
	maxRows     int
	asJSON      bool
	outReport   string
	quiet       bool
}

func newEvalCommand() *cobra.Command {
	s := &evalSettings{}

	cmd := &cobra.Command{
		Use:   "eval --dataset <file> [flags] -- <command> [args...]",
		Short: "Evaluate a prompt against a labeled dataset through an exec runner",
		Long: `Evaluate runs the command after -- once per dataset item, feeding it a JSON
payload {index, prompt, inputs} on stdin. The command answers on stdout with a
bare string, a number, or an object like {"output": ..., "score": ...}.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			argv := args
			if n := cmd.ArgsLenAtDash(); n >= 0 {
				argv = args[n:]
			}
			return runEval(cmd.Context(), s, argv, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&s.datasetPath, "dataset", "", "Path to dataset (.jsonl, .json or .yaml)")
	cmd.Flags().StringVar(&s.promptText, "prompt", "", "Prompt instruction text (overrides --prompt-file)")
	cmd.Flags().StringVar(&s.promptFile, "prompt-file", "", "Path to prompt file (.yaml or .json)")
	cmd.Flags().StringVar(&s.metricName, "metric", "exact", "Metric (exact, contains, exec-score)")
	cmd.Flags().StringVar(&s.metricLabel, "metric-label", "", "Label for the score column (default: metric name)")
	cmd.Flags().IntVar(&s.concurrency, "concurrency", 20, "Max in-flight items")
	cmd.Flags().IntVar(&s.maxErrors, "max-errors", 3, "Tolerated item failures before the run aborts")
	cmd.Flags().StringVar(&s.mode, "mode", "semaphore", "Dispatch mode (semaphore, pool)")
	cmd.Flags().Float64Var(&s.maxRate, "max-rate", 0, "Max items per second (0 = unpaced)")
	cmd.Flags().DurationVar(&s.timeout, "timeout", 0, "Per-item exec timeout (0 = none)")
	cmd.Flags().StringSliceVar(&s.fieldGlobs, "fields", nil, "Glob patterns selecting report columns")
	cmd.Flags().IntVar(&s.maxRows, "max-rows", 0, "Max report rows to display (0 = all)")
	cmd.Flags().BoolVar(&s.asJSON, "json", false, "Print the report as JSON instead of a table")
	cmd.Flags().StringVar(&s.outReport, "out-report", "", "Write the JSON report to this file")
	cmd.Flags().BoolVar(&s.quiet, "quiet", false, "Suppress per-item progress output")

	return cmd
}

func runEval(ctx context.Context, s *evalSettings, argv []string, w io.Writer) error {
	if strings.TrimSpace(s.datasetPath) == "" {
		return fmt.Errorf("--dataset is required")
	}
	if len(argv) == 0 {
		return fmt.Errorf("missing exec command (pass it after --)")
	}

	items, err := datasets.Load(s.datasetPath)
	if err != nil {
		return err
	}

	prompt, err := resolvePrompt(s.promptText, s.promptFile)
	if err != nil {
		return err
	}

	metric, err := metricByName(s.metricName)
	if err != nil {
		return err
	}
	label := s.metricLabel
	if label == "" {
		label = s.metricName
	}

	runner, err := newExecRunner(argv, s.timeout)
	if err != nil {
		return err
	}

	router, err := events.NewEventRouter()
	if err != nil {
		return errors.Wrap(err, "failed to create event router")
	}
	defer func() { _ = router.Close() }()

	var progress io.Writer = os.Stderr
	if s.quiet {
		progress = io.Discard
	}
	router.AddHandler("progress", events.TopicEvals, events.ProgressPrinterFunc("eval", progress))

	evaluator, err := evals.NewEvaluator(runner, metric, evals.Config{
		Concurrency: s.concurrency,
		MaxErrors:   s.maxErrors,
		Mode:        evals.Mode(s.mode),
		MetricLabel: label,
		MaxRate:     s.maxRate,
		Sinks: []events.EventSink{
			events.NewWatermillSink(helpers.RunIDPublisherDecorator{Publisher: router.Publisher}, events.TopicEvals),
		},
	})
	if err != nil {
		return err
	}

	var result *evals.RunResult
	eg := errgroup.Group{}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eg.Go(func() error {
		defer cancel()
		return router.Run(ctx)
	})
	eg.Go(func() error {
		defer cancel()
		<-router.Running()
		var runErr error
		result, runErr = evaluator.Run(ctx, prompt, items)
		return runErr
	})

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if result == nil {
		return fmt.Errorf("evaluation produced no result")
	}

	report := evaluator.Report(result.Results)
	if len(s.fieldGlobs) > 0 {
		report, err = report.FilterColumns(s.fieldGlobs)
		if err != nil {
			return err
		}
	}

	if s.outReport != "" {
		blob, err := json.MarshalIndent(map[string]any{
			"summary": result.Summary,
			"report":  report,
		}, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(s.outReport, blob, 0o644); err != nil {
			return errors.Wrap(err, "failed to write report file")
		}
		log.Debug().Str("path", s.outReport).Msg("wrote report file")
	}

	if s.asJSON {
		blob, err := json.MarshalIndent(map[string]any{
			"summary": result.Summary,
			"report":  report,
		}, "", "  ")
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(w, string(blob))
		return nil
	}

	if err := report.Render(w, s.maxRows); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w, "\n%.2f / %d items correct (%.2f%%)\n",
		result.Summary.NCorrect, result.Summary.NTotal, result.Summary.Average)
	return nil
}

// resolvePrompt builds the prompt under evaluation from --prompt text or a
// prompt file, the inline text winning when both are given.
func resolvePrompt(text, file string) (*prompts.Prompt, error) {
	if strings.TrimSpace(text) != "" {
		return &prompts.Prompt{Instruction: text}, nil
	}
	if strings.TrimSpace(file) != "" {
		return prompts.Load(file)
	}
	return nil, fmt.Errorf("prompt is empty (use --prompt or --prompt-file)")
}
