package mipro

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStorage(t *testing.T) Storage {
	t.Helper()
	storage, err := OpenStorage(filepath.Join(t.TempDir(), "study.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })
	require.NoError(t, storage.EnsureSchema(context.Background()))
	return storage
}

func TestOpenStorageDSNs(t *testing.T) {
	dir := t.TempDir()

	bare, err := OpenStorage(filepath.Join(dir, "bare.db"))
	require.NoError(t, err)
	defer func() { _ = bare.Close() }()

	scheme, err := OpenStorage("sqlite://" + filepath.Join(dir, "scheme.db"))
	require.NoError(t, err)
	defer func() { _ = scheme.Close() }()

	_, err = OpenStorage("postgres://localhost/studies")
	require.Error(t, err)

	_, err = OpenStorage("")
	require.Error(t, err)
}

func TestEnsureSchemaIsIdempotent(t *testing.T) {
	storage := openTestStorage(t)
	require.NoError(t, storage.EnsureSchema(context.Background()))
}

func TestCreateOrLoadStudyRecord(t *testing.T) {
	storage := openTestStorage(t)
	ctx := context.Background()

	first, created, err := storage.CreateOrLoadStudy(ctx, "gsm8k")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "gsm8k", first.Name)
	assert.NotZero(t, first.ID)
	assert.NotZero(t, first.CreatedAtMs)

	second, created, err := storage.CreateOrLoadStudy(ctx, "gsm8k")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	other, created, err := storage.CreateOrLoadStudy(ctx, "hotpot")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestGetStudyDoesNotCreate(t *testing.T) {
	storage := openTestStorage(t)
	ctx := context.Background()

	_, found, err := storage.GetStudy(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, found)

	created, _, err := storage.CreateOrLoadStudy(ctx, "real")
	require.NoError(t, err)

	loaded, found, err := storage.GetStudy(ctx, "real")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, created.ID, loaded.ID)
	assert.Equal(t, "real", loaded.Name)
}

func TestStudyAttrsRoundTrip(t *testing.T) {
	storage := openTestStorage(t)
	ctx := context.Background()

	record, _, err := storage.CreateOrLoadStudy(ctx, "attrs")
	require.NoError(t, err)

	_, ok, err := storage.GetAttr(ctx, record.ID, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, storage.SetAttr(ctx, record.ID, "k", "v1"))
	value, ok, err := storage.GetAttr(ctx, record.ID, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v1", value)

	// overwrite
	require.NoError(t, storage.SetAttr(ctx, record.ID, "k", "v2"))
	value, ok, err = storage.GetAttr(ctx, record.ID, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v2", value)
}

func TestTrialNumbersAreSequential(t *testing.T) {
	storage := openTestStorage(t)
	ctx := context.Background()

	record, _, err := storage.CreateOrLoadStudy(ctx, "numbering")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		trial, err := storage.CreateTrial(ctx, record.ID)
		require.NoError(t, err)
		assert.Equal(t, i, trial.Number)
		assert.Equal(t, TrialStateRunning, trial.State)
		assert.Equal(t, -1, trial.Instruction)
		assert.Equal(t, -1, trial.Fewshot)
		assert.Nil(t, trial.Score)
	}

	trials, err := storage.ListTrials(ctx, record.ID)
	require.NoError(t, err)
	require.Len(t, trials, 3)
	for i, trial := range trials {
		assert.Equal(t, i, trial.Number)
	}
}

func TestTrialLifecycle(t *testing.T) {
	storage := openTestStorage(t)
	ctx := context.Background()

	record, _, err := storage.CreateOrLoadStudy(ctx, "lifecycle")
	require.NoError(t, err)

	trial, err := storage.CreateTrial(ctx, record.ID)
	require.NoError(t, err)

	choice := Choice{Instruction: 2, Fewshot: 5}
	require.NoError(t, storage.SetTrialChoice(ctx, trial.ID, choice))

	loaded, err := storage.GetTrial(ctx, trial.ID)
	require.NoError(t, err)
	assert.Equal(t, choice, loaded.Choice())
	assert.Equal(t, TrialStateRunning, loaded.State)

	require.NoError(t, storage.CompleteTrial(ctx, trial.ID, 0.875))

	done, err := storage.GetTrial(ctx, trial.ID)
	require.NoError(t, err)
	assert.Equal(t, TrialStateComplete, done.State)
	require.NotNil(t, done.Score)
	assert.InDelta(t, 0.875, *done.Score, 1e-9)
	assert.NotZero(t, done.CompletedAtMs)

	// a completed trial can no longer be touched
	require.Error(t, storage.CompleteTrial(ctx, trial.ID, 0.5))
	require.Error(t, storage.SetTrialChoice(ctx, trial.ID, Choice{}))
}

func TestGetTrialUnknownID(t *testing.T) {
	storage := openTestStorage(t)
	_, err := storage.GetTrial(context.Background(), 999)
	require.Error(t, err)
}

func TestBestTrialOrdering(t *testing.T) {
	storage := openTestStorage(t)
	ctx := context.Background()

	record, _, err := storage.CreateOrLoadStudy(ctx, "best")
	require.NoError(t, err)

	_, err = storage.BestTrial(ctx, record.ID)
	require.ErrorIs(t, err, ErrNoCompletedTrials)

	scores := []float64{0.5, 0.9, 0.9, 0.7}
	ids := make([]int64, 0, len(scores))
	for i, score := range scores {
		trial, err := storage.CreateTrial(ctx, record.ID)
		require.NoError(t, err)
		require.NoError(t, storage.SetTrialChoice(ctx, trial.ID, Choice{Instruction: i, Fewshot: 0}))
		require.NoError(t, storage.CompleteTrial(ctx, trial.ID, score))
		ids = append(ids, trial.ID)
	}

	// a running trial never wins, whatever its eventual score
	_, err = storage.CreateTrial(ctx, record.ID)
	require.NoError(t, err)

	best, err := storage.BestTrial(ctx, record.ID)
	require.NoError(t, err)
	require.NotNil(t, best.Score)
	assert.InDelta(t, 0.9, *best.Score, 1e-9)
	// ties break towards the earlier trial
	assert.Equal(t, ids[1], best.ID)
}
