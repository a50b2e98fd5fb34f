// Package history records every calibration solve in a sqlite database so runs can be compared
// after the fact.
package history

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	// registers the "sqlite" driver.
	_ "modernc.org/sqlite"

	"github.com/arsandbox/sandcore/calibration"
)

//go:embed schema.sql
var schemaSQL string

// ErrNotFound is returned when no run has the requested ID.
var ErrNotFound = errors.New("calibration run not found")

// Run is one calibration solve, accepted or rejected.
type Run struct {
	ID         string    `json:"run_id"`
	Mode       string    `json:"mode"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	calibration.ErrorSummary
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
	// Coefficients is nil when the solve itself failed.
	Coefficients *calibration.ProjectiveCalibration `json:"coefficients,omitempty"`
}

// Store persists Runs.
type Store struct {
	db *sql.DB
}

// Open opens or creates the history database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open calibration history %q", path)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return nil, errors.Wrap(multierr.Combine(err, db.Close()), "cannot create calibration history schema")
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores run and returns its ID, generating one when run.ID is empty.
func (s *Store) Record(ctx context.Context, run Run) (string, error) {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	var coeffs interface{}
	if run.Coefficients != nil {
		b, err := json.Marshal(run.Coefficients)
		if err != nil {
			return "", errors.Wrap(err, "cannot encode coefficients")
		}
		coeffs = string(b)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calibration_runs (
			run_id, mode, started_at, finished_at, pair_count,
			mean_error, median_error, max_error, accepted, reason, coefficients
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Mode, run.StartedAt.UnixNano(), run.FinishedAt.UnixNano(), run.Pairs,
		run.Mean, run.Median, run.Max, run.Accepted, run.Reason, coeffs,
	)
	if err != nil {
		return "", errors.Wrap(err, "cannot record calibration run")
	}
	return run.ID, nil
}

const selectRuns = `
	SELECT run_id, mode, started_at, finished_at, pair_count,
	       mean_error, median_error, max_error, accepted, reason, coefficients
	FROM calibration_runs`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (Run, error) {
	var (
		run               Run
		started, finished int64
		coeffs            sql.NullString
	)
	if err := row.Scan(
		&run.ID, &run.Mode, &started, &finished, &run.Pairs,
		&run.Mean, &run.Median, &run.Max, &run.Accepted, &run.Reason, &coeffs,
	); err != nil {
		return Run{}, err
	}
	run.StartedAt = time.Unix(0, started)
	run.FinishedAt = time.Unix(0, finished)
	if coeffs.Valid {
		var c calibration.ProjectiveCalibration
		if err := json.Unmarshal([]byte(coeffs.String), &c); err != nil {
			return Run{}, errors.Wrapf(err, "run %s has unreadable coefficients", run.ID)
		}
		run.Coefficients = &c
	}
	return run, nil
}

// Get returns the run with the given ID.
func (s *Store) Get(ctx context.Context, id string) (Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, selectRuns+` WHERE run_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, errors.Wrap(ErrNotFound, id)
	}
	if err != nil {
		return Run{}, errors.Wrap(err, "cannot read calibration run")
	}
	return run, nil
}

// List returns up to limit runs, newest first. A limit of zero or less returns all runs.
func (s *Store) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, selectRuns+` ORDER BY finished_at DESC, run_id LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "cannot list calibration runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, "cannot read calibration run")
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// LastAccepted returns the newest accepted run.
func (s *Store) LastAccepted(ctx context.Context) (Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, selectRuns+` WHERE accepted = 1 ORDER BY finished_at DESC LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, errors.Wrap(err, "cannot read calibration run")
	}
	return run, nil
}
