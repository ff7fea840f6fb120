// Package store persists runs, predictions and classifier audit events in
// SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Run statuses.
const (
	RunStatusRunning  = "running"
	RunStatusDone     = "done"
	RunStatusFailed   = "failed"
	RunStatusCanceled = "canceled"
)

// ErrNoRuns is returned when the database holds no run yet.
var ErrNoRuns = errors.New("no runs recorded")

// Run is one invocation of the run command.
type Run struct {
	RunID         string `db:"run_id"`
	StartedAtUTC  string `db:"started_at_utc"`
	FinishedAtUTC string `db:"finished_at_utc"`
	Status        string `db:"status"`
	DataRoot      string `db:"data_root"`
	Strategy      string `db:"strategy"`
	Mode          string `db:"mode"`
	Model         string `db:"model"`
	Question      string `db:"question"`
	Labels        string `db:"labels"`
	ErrorMessage  string `db:"error_message"`
}

// Prediction is one projected result record.
type Prediction struct {
	ID                int64           `db:"id"`
	RunID             string          `db:"run_id"`
	File              string          `db:"file"`
	DyadID            string          `db:"dyad_id"`
	Participant       string          `db:"participant"`
	WindowIndex       int             `db:"window_index"`
	Ordinality        sql.NullFloat64 `db:"ordinality"`
	GroundTruth       string          `db:"ground_truth"`
	PredictedValue    string          `db:"predicted_value"`
	ConfidencePercent sql.NullFloat64 `db:"confidence_percent"`
	ConfidenceJSON    string          `db:"confidence_json"`
	Transcript        string          `db:"transcript"`
	CreatedAtUTC      string          `db:"created_at_utc"`
}

// ClassifierEvent is one classifier attempt with the raw exchange.
type ClassifierEvent struct {
	ID                 int64  `db:"id"`
	RunID              string `db:"run_id"`
	CreatedAtUTC       string `db:"created_at_utc"`
	File               string `db:"file"`
	DyadID             string `db:"dyad_id"`
	Participant        string `db:"participant"`
	WindowIndex        int    `db:"window_index"`
	Attempt            int    `db:"attempt"`
	Model              string `db:"model"`
	Mode               string `db:"mode"`
	RequestJSON        string `db:"request_json"`
	ResponseHTTPStatus int    `db:"response_http_status"`
	ResponseJSON       string `db:"response_json"`
	Content            string `db:"content"`
	ParseOK            bool   `db:"parse_ok"`
	ErrorMessage       string `db:"error_message"`
}

// SQLiteStore is safe for concurrent use; writes are serialized on a
// single connection.
type SQLiteStore struct {
	db *sqlx.DB
}

// Open creates the parent directory, opens the database and checks the
// schema.
func Open(dbPath string) (*SQLiteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// BeginRun records a new run in the running state.
func (s *SQLiteStore) BeginRun(ctx context.Context, run Run) error {
	if strings.TrimSpace(run.StartedAtUTC) == "" {
		run.StartedAtUTC = nowUTC()
	}
	if run.Status == "" {
		run.Status = RunStatusRunning
	}
	if _, err := s.db.NamedExecContext(ctx, `
		INSERT INTO runs (
			run_id, started_at_utc, finished_at_utc, status, data_root,
			strategy, mode, model, question, labels, error_message
		) VALUES (
			:run_id, :started_at_utc, :finished_at_utc, :status, :data_root,
			:strategy, :mode, :model, :question, :labels, :error_message
		)`, run); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun sets the final status of a run.
func (s *SQLiteStore) FinishRun(ctx context.Context, runID, status, errorMessage string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at_utc = ?, error_message = ? WHERE run_id = ?`,
		status, nowUTC(), strings.TrimSpace(errorMessage), runID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finish run: unknown run %q", runID)
	}
	return nil
}

// GetRun loads one run.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (Run, error) {
	var run Run
	if err := s.db.GetContext(ctx, &run, `SELECT * FROM runs WHERE run_id = ?`, runID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, fmt.Errorf("unknown run %q", runID)
		}
		return Run{}, fmt.Errorf("load run: %w", err)
	}
	return run, nil
}

// LatestRunID returns the most recently started run.
func (s *SQLiteStore) LatestRunID(ctx context.Context) (string, error) {
	var runID string
	err := s.db.GetContext(ctx, &runID, `SELECT run_id FROM runs ORDER BY started_at_utc DESC, rowid DESC LIMIT 1`)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNoRuns
		}
		return "", fmt.Errorf("load latest run: %w", err)
	}
	return runID, nil
}

// InsertClassifierEvent appends one audit event.
func (s *SQLiteStore) InsertClassifierEvent(ctx context.Context, event ClassifierEvent) error {
	if strings.TrimSpace(event.CreatedAtUTC) == "" {
		event.CreatedAtUTC = nowUTC()
	}
	if event.Attempt < 1 {
		event.Attempt = 1
	}
	if strings.TrimSpace(event.RequestJSON) == "" {
		event.RequestJSON = "{}"
	}
	if strings.TrimSpace(event.ResponseJSON) == "" {
		event.ResponseJSON = "{}"
	}
	event.ErrorMessage = strings.TrimSpace(event.ErrorMessage)

	if _, err := s.db.NamedExecContext(ctx, `
		INSERT INTO classifier_events (
			run_id, created_at_utc, file, dyad_id, participant, window_index,
			attempt, model, mode, request_json, response_http_status, response_json,
			content, parse_ok, error_message
		) VALUES (
			:run_id, :created_at_utc, :file, :dyad_id, :participant, :window_index,
			:attempt, :model, :mode, :request_json, :response_http_status, :response_json,
			:content, :parse_ok, :error_message
		)`, event); err != nil {
		return fmt.Errorf("insert classifier event: %w", err)
	}
	return nil
}

// InsertPredictions stores all records of one file in a single
// transaction.
func (s *SQLiteStore) InsertPredictions(ctx context.Context, predictions []Prediction) error {
	if len(predictions) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin predictions tx: %w", err)
	}
	defer tx.Rollback()

	createdAt := nowUTC()
	for _, p := range predictions {
		if strings.TrimSpace(p.CreatedAtUTC) == "" {
			p.CreatedAtUTC = createdAt
		}
		if strings.TrimSpace(p.ConfidenceJSON) == "" {
			p.ConfidenceJSON = "{}"
		}
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO predictions (
				run_id, file, dyad_id, participant, window_index, ordinality,
				ground_truth, predicted_value, confidence_percent, confidence_json,
				transcript, created_at_utc
			) VALUES (
				:run_id, :file, :dyad_id, :participant, :window_index, :ordinality,
				:ground_truth, :predicted_value, :confidence_percent, :confidence_json,
				:transcript, :created_at_utc
			)`, p); err != nil {
			return fmt.Errorf("insert prediction dyad=%s participant=%s: %w", p.DyadID, p.Participant, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit predictions: %w", err)
	}
	return nil
}

// PredictionsForRun returns a run's predictions in insertion order.
func (s *SQLiteStore) PredictionsForRun(ctx context.Context, runID string) ([]Prediction, error) {
	var out []Prediction
	if err := s.db.SelectContext(ctx, &out, `SELECT * FROM predictions WHERE run_id = ? ORDER BY id`, runID); err != nil {
		return nil, fmt.Errorf("load predictions: %w", err)
	}
	return out, nil
}

// EventsForRun returns a run's classifier events in insertion order.
func (s *SQLiteStore) EventsForRun(ctx context.Context, runID string) ([]ClassifierEvent, error) {
	var out []ClassifierEvent
	if err := s.db.SelectContext(ctx, &out, `SELECT * FROM classifier_events WHERE run_id = ? ORDER BY id`, runID); err != nil {
		return nil, fmt.Errorf("load classifier events: %w", err)
	}
	return out, nil
}

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
