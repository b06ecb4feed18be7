package mipro

import (
	"context"

	"github.com/pkg/errors"
)

// Trial states as persisted in the ledger. Ask creates a trial running;
// Tell completes it.
const (
	TrialStateRunning  = "running"
	TrialStateComplete = "complete"
)

// Study attribute keys under which the candidate pools are serialized at
// creation time and read back verbatim on resume.
const (
	AttrPromptCandidates  = "prompt_candidates"
	AttrFewshotCandidates = "fewshot_candidates"
)

// ErrNoCompletedTrials is returned by best-trial queries on a study where
// nothing has been told yet.
var ErrNoCompletedTrials = errors.New("study has no completed trials")

// StudyRecord is the persisted identity of a study.
type StudyRecord struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	CreatedAtMs int64  `json:"created_at_ms"`
}

// Trial is one optimizer iteration as persisted: the chosen candidate
// indices and, once told, the observed score. Instruction and Fewshot are -1
// until the sampler's choice has been recorded.
type Trial struct {
	ID            int64    `json:"id"`
	StudyID       int64    `json:"study_id"`
	Number        int      `json:"number"`
	State         string   `json:"state"`
	Instruction   int      `json:"instruction"`
	Fewshot       int      `json:"fewshot"`
	Score         *float64 `json:"score,omitempty"`
	CreatedAtMs   int64    `json:"created_at_ms"`
	CompletedAtMs int64    `json:"completed_at_ms,omitempty"`
}

// Choice returns the trial's persisted sampler choice.
func (t *Trial) Choice() Choice {
	return Choice{Instruction: t.Instruction, Fewshot: t.Fewshot}
}

// Storage is the persistence backend behind a study: a durable, transactional
// trial ledger plus study-level attributes. Ask and tell are each a single
// transaction, so independent processes can drive the same study without the
// controller adding locks.
type Storage interface {
	EnsureSchema(ctx context.Context) error

	// CreateOrLoadStudy returns the study named name, creating it when
	// missing. The second return reports whether it was created.
	CreateOrLoadStudy(ctx context.Context, name string) (*StudyRecord, bool, error)
	// GetStudy looks up a study by name without creating it.
	GetStudy(ctx context.Context, name string) (*StudyRecord, bool, error)

	GetAttr(ctx context.Context, studyID int64, key string) (string, bool, error)
	SetAttr(ctx context.Context, studyID int64, key, value string) error

	// CreateTrial persists a new running trial with the next per-study
	// number and no choice yet.
	CreateTrial(ctx context.Context, studyID int64) (*Trial, error)
	// SetTrialChoice records the sampler's suggestion on a running trial.
	SetTrialChoice(ctx context.Context, trialID int64, choice Choice) error
	// CompleteTrial records the observed score and marks the trial complete.
	CompleteTrial(ctx context.Context, trialID int64, score float64) error

	GetTrial(ctx context.Context, trialID int64) (*Trial, error)
	// ListTrials returns all trials of a study in creation order.
	ListTrials(ctx context.Context, studyID int64) ([]Trial, error)
	// BestTrial returns the completed trial with the highest score, or
	// ErrNoCompletedTrials.
	BestTrial(ctx context.Context, studyID int64) (*Trial, error)

	Close() error
}
