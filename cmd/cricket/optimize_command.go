package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/cricket/pkg/datasets"
	"github.com/go-go-golems/cricket/pkg/evals"
	"github.com/go-go-golems/cricket/pkg/events"
	"github.com/go-go-golems/cricket/pkg/helpers"
	"github.com/go-go-golems/cricket/pkg/optimizer/mipro"
	"github.com/go-go-golems/cricket/pkg/prompts"
)

type optimizeSettings struct {
	studyName      string
	storageDSN     string
	datasetPath    string
	taskDesc       string
	promptText     string
	promptFile     string
	candidatesFile string
	numCandidates  int
	trials         int
	samplerName    string
	seed           int64
	metricName     string
	metricLabel    string
	concurrency    int
	maxErrors      int
	mode           string
	maxRate        float64
	timeout        time.Duration
	interactive    bool
	confirmEvery   int
	outPrompt      string
	quiet          bool
}

func newOptimizeCommand() *cobra.Command {
	s := &optimizeSettings{}

	cmd := &cobra.Command{
		Use:   "optimize --study <name> --dataset <file> [flags] -- <command> [args...]",
		Short: "Run a persisted ask/tell optimization study over instruction and few-shot candidates",
		Long: `Optimize explores a fixed candidate space: each trial picks an (instruction,
few-shot) pair, evaluates it over the dataset through the exec runner, and
records the score. Studies are resumable by name; candidate pools are
generated once and persisted with the study.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			argv := args
			if n := cmd.ArgsLenAtDash(); n >= 0 {
				argv = args[n:]
			}
			return runOptimize(cmd.Context(), s, argv, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&s.studyName, "study", "", "Study name (stable key for resuming)")
	cmd.Flags().StringVar(&s.storageDSN, "storage", "cricket.db", "Storage DSN (sqlite://path or a file path)")
	cmd.Flags().StringVar(&s.datasetPath, "dataset", "", "Path to the labeled dataset trials are scored on")
	cmd.Flags().StringVar(&s.taskDesc, "task", "", "Task description fed to candidate generation (new studies)")
	cmd.Flags().StringVar(&s.promptText, "prompt", "", "Base prompt instruction text seeding candidate generation")
	cmd.Flags().StringVar(&s.promptFile, "prompt-file", "", "Path to the base prompt file")
	cmd.Flags().StringVar(&s.candidatesFile, "candidates", "", "Path to a pre-generated instruction candidates file (.yaml or .json)")
	cmd.Flags().IntVar(&s.numCandidates, "num-candidates", 10, "Instruction candidates to request for new studies")
	cmd.Flags().IntVar(&s.trials, "trials", 10, "Ask/tell iterations to run")
	cmd.Flags().StringVar(&s.samplerName, "sampler", "tpe", "Sampler (tpe, random, grid)")
	cmd.Flags().Int64Var(&s.seed, "seed", 0, "Sampler seed (0 = time-based)")
	cmd.Flags().StringVar(&s.metricName, "metric", "exact", "Metric (exact, contains, exec-score)")
	cmd.Flags().StringVar(&s.metricLabel, "metric-label", "", "Label for the score column (default: metric name)")
	cmd.Flags().IntVar(&s.concurrency, "concurrency", 20, "Max in-flight items per trial evaluation")
	cmd.Flags().IntVar(&s.maxErrors, "max-errors", 3, "Tolerated item failures before a trial evaluation aborts")
	cmd.Flags().StringVar(&s.mode, "mode", "semaphore", "Dispatch mode (semaphore, pool)")
	cmd.Flags().Float64Var(&s.maxRate, "max-rate", 0, "Max items per second (0 = unpaced)")
	cmd.Flags().DurationVar(&s.timeout, "timeout", 0, "Per-item exec timeout (0 = none)")
	cmd.Flags().BoolVar(&s.interactive, "interactive", false, "Confirm candidate pools and periodic continuation on the tty")
	cmd.Flags().IntVar(&s.confirmEvery, "confirm-every", 5, "Trials between continuation confirms in interactive mode")
	cmd.Flags().StringVar(&s.outPrompt, "out-prompt", "", "Write the best materialized prompt to this YAML file")
	cmd.Flags().BoolVar(&s.quiet, "quiet", false, "Suppress per-item progress output")

	return cmd
}

func runOptimize(ctx context.Context, s *optimizeSettings, argv []string, w io.Writer) error {
	if strings.TrimSpace(s.studyName) == "" {
		return fmt.Errorf("--study is required")
	}
	if strings.TrimSpace(s.datasetPath) == "" {
		return fmt.Errorf("--dataset is required")
	}
	if len(argv) == 0 {
		return fmt.Errorf("missing exec command (pass it after --)")
	}

	trainset, err := datasets.Load(s.datasetPath)
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

	sampler, err := samplerByName(s.samplerName, s.seed)
	if err != nil {
		return err
	}

	var proposer mipro.Proposer
	if strings.TrimSpace(s.candidatesFile) != "" {
		pool, err := loadCandidatesFile(s.candidatesFile)
		if err != nil {
			return err
		}
		proposer = &mipro.StaticProposer{Prompts: pool}
	}
	if s.interactive && proposer != nil {
		proposer = &confirmingProposer{inner: proposer}
	}

	var basePrompt *prompts.Prompt
	if strings.TrimSpace(s.promptText) != "" || strings.TrimSpace(s.promptFile) != "" {
		basePrompt, err = resolvePrompt(s.promptText, s.promptFile)
		if err != nil {
			return err
		}
	}

	storage, err := mipro.OpenStorage(s.storageDSN)
	if err != nil {
		return err
	}
	defer func() { _ = storage.Close() }()

	router, err := events.NewEventRouter()
	if err != nil {
		return errors.Wrap(err, "failed to create event router")
	}
	defer func() { _ = router.Close() }()

	var progress io.Writer = os.Stderr
	if s.quiet {
		progress = io.Discard
	}
	router.AddHandler("eval-progress", events.TopicEvals, events.ProgressPrinterFunc("optimize", progress))
	router.AddHandler("study-progress", events.TopicStudy, events.ProgressPrinterFunc("optimize", progress))

	// eval messages always carry a run ID; study messages are correlated by
	// study name in the payload instead
	evalSink := events.NewWatermillSink(helpers.RunIDPublisherDecorator{Publisher: router.Publisher}, events.TopicEvals)
	studySink := events.NewWatermillSink(router.Publisher, events.TopicStudy)

	controller, err := mipro.NewController(storage, mipro.Config{
		Sampler:       sampler,
		Proposer:      proposer,
		NumCandidates: s.numCandidates,
		Sinks:         []events.EventSink{studySink},
	})
	if err != nil {
		return err
	}

	evaluator, err := evals.NewEvaluator(runner, metric, evals.Config{
		Concurrency: s.concurrency,
		MaxErrors:   s.maxErrors,
		Mode:        evals.Mode(s.mode),
		MetricLabel: label,
		MaxRate:     s.maxRate,
		Sinks:       []events.EventSink{evalSink},
	})
	if err != nil {
		return err
	}

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
		return optimizeLoop(ctx, s, controller, evaluator, trainset, basePrompt, w)
	})

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func optimizeLoop(
	ctx context.Context,
	s *optimizeSettings,
	controller *mipro.Controller,
	evaluator *evals.Evaluator,
	trainset []datasets.Item,
	basePrompt *prompts.Prompt,
	w io.Writer,
) error {
	study, created, err := controller.CreateOrLoadStudy(ctx, mipro.StudyRequest{
		Name:            s.studyName,
		TaskDescription: s.taskDesc,
		Trainset:        trainset,
		BasePrompt:      basePrompt,
	})
	if err != nil {
		return err
	}

	space := study.Space()
	if created {
		_, _ = fmt.Fprintf(w, "created study %q: %d instruction x %d few-shot candidates\n",
			study.Name(), space.Instructions, space.Fewshots)
	} else {
		previous, err := study.Trials(ctx)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(w, "resumed study %q: %d instruction x %d few-shot candidates, %d trials on record\n",
			study.Name(), space.Instructions, space.Fewshots, len(previous))
	}

	for i := 0; i < s.trials; i++ {
		if s.interactive && i > 0 && s.confirmEvery > 0 && i%s.confirmEvery == 0 {
			cont, err := askConfirm(fmt.Sprintf("Ran %d trials. Continue?", i), true)
			if err != nil {
				return err
			}
			if !cont {
				log.Debug().Int("trials", i).Msg("stopping on user request")
				break
			}
		}

		trial, prompt, err := study.Ask(ctx)
		if err != nil {
			return err
		}

		result, err := evaluator.Run(ctx, prompt, trainset)
		if err != nil {
			if errors.Is(err, evals.ErrInterrupted) {
				_, _ = fmt.Fprintf(w, "interrupted during trial %d, stopping\n", trial.Number)
				break
			}
			return errors.Wrapf(err, "trial %d evaluation failed", trial.Number)
		}

		if err := study.Tell(ctx, trial.ID, result.Summary.Average); err != nil {
			return err
		}
	}

	best, bestPrompt, err := study.BestTrial(ctx)
	if err != nil {
		if errors.Is(err, mipro.ErrNoCompletedTrials) {
			_, _ = fmt.Fprintln(w, "no completed trials")
			return nil
		}
		return err
	}

	_, _ = fmt.Fprintf(w, "\nbest trial %d: score %.2f (instruction %d, fewshot %d)\n",
		best.Number, *best.Score, best.Instruction, best.Fewshot)

	if s.outPrompt != "" {
		blob, err := yaml.Marshal(bestPrompt)
		if err != nil {
			return err
		}
		if err := os.WriteFile(s.outPrompt, blob, 0o644); err != nil {
			return errors.Wrap(err, "failed to write best prompt")
		}
		_, _ = fmt.Fprintf(w, "wrote best prompt to %s\n", s.outPrompt)
		return nil
	}

	_, _ = fmt.Fprintln(w, "\n=== Best Prompt ===")
	_, _ = fmt.Fprintln(w, bestPrompt.Instruction)
	return nil
}

func samplerByName(name string, seed int64) (mipro.Sampler, error) {
	switch name {
	case "tpe":
		return mipro.NewTPESampler(mipro.TPEConfig{Seed: seed}), nil
	case "random":
		return mipro.NewRandomSampler(seed), nil
	case "grid":
		return mipro.NewGridSampler(), nil
	default:
		return nil, fmt.Errorf("unknown sampler %q (tpe, random, grid)", name)
	}
}

// loadCandidatesFile reads a pre-generated instruction pool: either a list of
// prompt objects or a bare list of instruction strings.
func loadCandidatesFile(path string) ([]*prompts.Prompt, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var pool []*prompts.Prompt
	if err := yaml.Unmarshal(blob, &pool); err == nil {
		if len(pool) == 0 {
			return nil, fmt.Errorf("candidates file %s is empty", path)
		}
		for i, p := range pool {
			if p == nil || strings.TrimSpace(p.Instruction) == "" {
				return nil, fmt.Errorf("candidates file %s: entry %d has no instruction", path, i)
			}
		}
		return pool, nil
	}

	var texts []string
	if err := yaml.Unmarshal(blob, &texts); err != nil {
		return nil, fmt.Errorf("candidates file %s: expected a list of prompts or strings: %w", path, err)
	}
	out := make([]*prompts.Prompt, 0, len(texts))
	for _, t := range texts {
		if strings.TrimSpace(t) == "" {
			continue
		}
		out = append(out, &prompts.Prompt{Instruction: t})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("candidates file %s is empty", path)
	}
	return out, nil
}
