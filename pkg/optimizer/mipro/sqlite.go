package mipro

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const (
	studiesTable    = "mipro_studies"
	studyAttrsTable = "mipro_study_attrs"
	trialsTable     = "mipro_trials"
)

// OpenStorage opens the persistence backend for a storage DSN. Supported
// forms are "sqlite://path/to.db" and a bare filesystem path; anything else
// fails fast.
func OpenStorage(dsn string) (Storage, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("storage dsn is empty")
	}

	path := dsn
	switch {
	case strings.HasPrefix(dsn, "sqlite://"):
		path = strings.TrimPrefix(dsn, "sqlite://")
	case strings.Contains(dsn, "://"):
		return nil, fmt.Errorf("unsupported storage dsn %q, expected sqlite://path or a file path", dsn)
	}
	if path == "" {
		return nil, fmt.Errorf("storage dsn %q has no path", dsn)
	}

	if err := ensureParentDir(path); err != nil {
		return nil, errors.Wrap(err, "failed to create storage directory")
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open sqlite storage %s", path)
	}

	return &sqliteStorage{db: db}, nil
}

// NewSQLiteStorage wraps an already-open database handle.
func NewSQLiteStorage(db *sql.DB) Storage {
	return &sqliteStorage{db: db}
}

type sqliteStorage struct {
	db *sql.DB
}

var _ Storage = (*sqliteStorage)(nil)

func (s *sqliteStorage) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + studiesTable + ` (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  name TEXT NOT NULL UNIQUE,
  created_at_ms INTEGER NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS ` + studyAttrsTable + ` (
  study_id INTEGER NOT NULL,
  key TEXT NOT NULL,
  value TEXT NOT NULL,
  PRIMARY KEY (study_id, key)
)`,
		`CREATE TABLE IF NOT EXISTS ` + trialsTable + ` (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  study_id INTEGER NOT NULL,
  number INTEGER NOT NULL,
  state TEXT NOT NULL,
  instruction_idx INTEGER,
  fewshot_idx INTEGER,
  score REAL,
  created_at_ms INTEGER NOT NULL,
  completed_at_ms INTEGER,
  UNIQUE (study_id, number)
)`,
		`CREATE INDEX IF NOT EXISTS idx_mipro_trials_study ON ` + trialsTable + ` (study_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_mipro_trials_best ON ` + trialsTable + ` (study_id, state, score DESC)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "failed to create storage schema")
		}
	}
	return nil
}

func (s *sqliteStorage) CreateOrLoadStudy(ctx context.Context, name string) (*StudyRecord, bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, false, fmt.Errorf("study name is empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rec := &StudyRecord{Name: name}
	err = tx.QueryRowContext(ctx,
		`SELECT id, created_at_ms FROM `+studiesTable+` WHERE name = ?`, name).
		Scan(&rec.ID, &rec.CreatedAtMs)
	switch {
	case err == nil:
		if err := tx.Commit(); err != nil {
			return nil, false, err
		}
		return rec, false, nil
	case errors.Is(err, sql.ErrNoRows):
		// fall through to insert
	default:
		return nil, false, errors.Wrapf(err, "failed to load study %s", name)
	}

	rec.CreatedAtMs = time.Now().UnixMilli()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO `+studiesTable+` (name, created_at_ms) VALUES (?, ?)`,
		name, rec.CreatedAtMs)
	if err != nil {
		return nil, false, errors.Wrapf(err, "failed to create study %s", name)
	}
	rec.ID, err = res.LastInsertId()
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

func (s *sqliteStorage) GetStudy(ctx context.Context, name string) (*StudyRecord, bool, error) {
	rec := &StudyRecord{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at_ms FROM `+studiesTable+` WHERE name = ?`, name).
		Scan(&rec.ID, &rec.Name, &rec.CreatedAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "failed to load study %s", name)
	}
	return rec, true, nil
}

func (s *sqliteStorage) GetAttr(ctx context.Context, studyID int64, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM `+studyAttrsTable+` WHERE study_id = ? AND key = ?`,
		studyID, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "failed to read study attr %s", key)
	}
	return value, true, nil
}

func (s *sqliteStorage) SetAttr(ctx context.Context, studyID int64, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO `+studyAttrsTable+` (study_id, key, value) VALUES (?, ?, ?)`,
		studyID, key, value)
	return errors.Wrapf(err, "failed to write study attr %s", key)
}

func (s *sqliteStorage) CreateTrial(ctx context.Context, studyID int64) (*Trial, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var number int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(number), -1) + 1 FROM `+trialsTable+` WHERE study_id = ?`,
		studyID).Scan(&number)
	if err != nil {
		return nil, errors.Wrap(err, "failed to number trial")
	}

	now := time.Now().UnixMilli()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO `+trialsTable+` (study_id, number, state, created_at_ms) VALUES (?, ?, ?, ?)`,
		studyID, number, TrialStateRunning, now)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create trial")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &Trial{
		ID:          id,
		StudyID:     studyID,
		Number:      number,
		State:       TrialStateRunning,
		Instruction: -1,
		Fewshot:     -1,
		CreatedAtMs: now,
	}, nil
}

func (s *sqliteStorage) SetTrialChoice(ctx context.Context, trialID int64, choice Choice) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE `+trialsTable+` SET instruction_idx = ?, fewshot_idx = ? WHERE id = ? AND state = ?`,
		choice.Instruction, choice.Fewshot, trialID, TrialStateRunning)
	if err != nil {
		return errors.Wrapf(err, "failed to record choice for trial %d", trialID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("trial %d is not running", trialID)
	}
	return nil
}

func (s *sqliteStorage) CompleteTrial(ctx context.Context, trialID int64, score float64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx,
		`UPDATE `+trialsTable+` SET state = ?, score = ?, completed_at_ms = ? WHERE id = ? AND state = ?`,
		TrialStateComplete, score, time.Now().UnixMilli(), trialID, TrialStateRunning)
	if err != nil {
		return errors.Wrapf(err, "failed to complete trial %d", trialID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("trial %d is not running", trialID)
	}
	return tx.Commit()
}

const trialColumns = `id, study_id, number, state, instruction_idx, fewshot_idx, score, created_at_ms, completed_at_ms`

func (s *sqliteStorage) GetTrial(ctx context.Context, trialID int64) (*Trial, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+trialColumns+` FROM `+trialsTable+` WHERE id = ?`, trialID)
	t, err := scanTrial(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("trial %d not found", trialID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load trial %d", trialID)
	}
	return t, nil
}

func (s *sqliteStorage) ListTrials(ctx context.Context, studyID int64) ([]Trial, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+trialColumns+` FROM `+trialsTable+` WHERE study_id = ? ORDER BY id ASC`, studyID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list trials")
	}
	defer func() {
		_ = rows.Close()
	}()

	out := make([]Trial, 0, 16)
	for rows.Next() {
		t, err := scanTrial(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *sqliteStorage) BestTrial(ctx context.Context, studyID int64) (*Trial, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+trialColumns+` FROM `+trialsTable+`
WHERE study_id = ? AND state = ? AND score IS NOT NULL
ORDER BY score DESC, id ASC
LIMIT 1`,
		studyID, TrialStateComplete)
	t, err := scanTrial(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoCompletedTrials
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to query best trial")
	}
	return t, nil
}

func (s *sqliteStorage) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrial(row rowScanner) (*Trial, error) {
	var t Trial
	var instruction sql.NullInt64
	var fewshot sql.NullInt64
	var score sql.NullFloat64
	var completedAt sql.NullInt64

	if err := row.Scan(
		&t.ID,
		&t.StudyID,
		&t.Number,
		&t.State,
		&instruction,
		&fewshot,
		&score,
		&t.CreatedAtMs,
		&completedAt,
	); err != nil {
		return nil, err
	}

	t.Instruction = -1
	if instruction.Valid {
		t.Instruction = int(instruction.Int64)
	}
	t.Fewshot = -1
	if fewshot.Valid {
		t.Fewshot = int(fewshot.Int64)
	}
	if score.Valid {
		v := score.Float64
		t.Score = &v
	}
	if completedAt.Valid {
		t.CompletedAtMs = completedAt.Int64
	}
	return &t, nil
}

func ensureParentDir(path string) error {
	parent := filepath.Dir(path)
	if parent == "" || parent == "." {
		return nil
	}
	return os.MkdirAll(parent, 0o755)
}
