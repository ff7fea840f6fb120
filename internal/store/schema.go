package store

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
)

const createRunsTableSQL = `
CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	started_at_utc TEXT NOT NULL,
	finished_at_utc TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	data_root TEXT NOT NULL,
	strategy TEXT NOT NULL,
	mode TEXT NOT NULL,
	model TEXT NOT NULL,
	question TEXT NOT NULL,
	labels TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT ''
)`

const createPredictionsTableSQL = `
CREATE TABLE IF NOT EXISTS predictions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	file TEXT NOT NULL,
	dyad_id TEXT NOT NULL,
	participant TEXT NOT NULL,
	window_index INTEGER NOT NULL,
	ordinality REAL,
	ground_truth TEXT NOT NULL,
	predicted_value TEXT NOT NULL,
	confidence_percent REAL,
	confidence_json TEXT NOT NULL,
	transcript TEXT NOT NULL,
	created_at_utc TEXT NOT NULL
)`

const createClassifierEventsTableSQL = `
CREATE TABLE IF NOT EXISTS classifier_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	created_at_utc TEXT NOT NULL,
	file TEXT NOT NULL,
	dyad_id TEXT NOT NULL,
	participant TEXT NOT NULL,
	window_index INTEGER NOT NULL,
	attempt INTEGER NOT NULL,
	model TEXT NOT NULL,
	mode TEXT NOT NULL,
	request_json TEXT NOT NULL,
	response_http_status INTEGER NOT NULL,
	response_json TEXT NOT NULL,
	content TEXT NOT NULL,
	parse_ok INTEGER NOT NULL,
	error_message TEXT NOT NULL
)`

var createIndexesSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_predictions_run ON predictions(run_id)`,
	`CREATE INDEX IF NOT EXISTS idx_classifier_events_run_dyad ON classifier_events(run_id, dyad_id)`,
}

var requiredColumns = map[string][]string{
	"runs": {
		"run_id", "started_at_utc", "finished_at_utc", "status", "data_root",
		"strategy", "mode", "model", "question", "labels", "error_message",
	},
	"predictions": {
		"id", "run_id", "file", "dyad_id", "participant", "window_index", "ordinality",
		"ground_truth", "predicted_value", "confidence_percent", "confidence_json",
		"transcript", "created_at_utc",
	},
	"classifier_events": {
		"id", "run_id", "created_at_utc", "file", "dyad_id", "participant", "window_index",
		"attempt", "model", "mode", "request_json", "response_http_status", "response_json",
		"content", "parse_ok", "error_message",
	},
}

func ensureSchema(db *sqlx.DB) error {
	for _, stmt := range []string{createRunsTableSQL, createPredictionsTableSQL, createClassifierEventsTableSQL} {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	tables := make([]string, 0, len(requiredColumns))
	for table := range requiredColumns {
		tables = append(tables, table)
	}
	sort.Strings(tables)
	for _, table := range tables {
		missing, err := missingTableColumns(db, table, requiredColumns[table])
		if err != nil {
			return err
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return fmt.Errorf(
				"incompatible %s schema, missing columns: %s; remove the database file or pass a new --db path",
				table, strings.Join(missing, ", "),
			)
		}
	}

	for _, stmt := range createIndexesSQL {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

type tableColumn struct {
	CID          int     `db:"cid"`
	Name         string  `db:"name"`
	Type         string  `db:"type"`
	NotNull      int     `db:"notnull"`
	DefaultValue *string `db:"dflt_value"`
	PK           int     `db:"pk"`
}

func missingTableColumns(db *sqlx.DB, tableName string, required []string) ([]string, error) {
	var columns []tableColumn
	if err := db.Select(&columns, fmt.Sprintf(`PRAGMA table_info(%s)`, tableName)); err != nil {
		return nil, fmt.Errorf("inspect %s schema: %w", tableName, err)
	}

	existing := make(map[string]struct{}, len(columns))
	for _, col := range columns {
		existing[col.Name] = struct{}{}
	}

	var missing []string
	for _, col := range required {
		if _, ok := existing[col]; !ok {
			missing = append(missing, col)
		}
	}
	return missing, nil
}
