package pipeline

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tetraminz/dyad_predict/internal/projector"
)

// Header returns the union of record keys in first-seen order.
func Header(records []*projector.Record) []string {
	seen := map[string]bool{}
	var header []string
	for _, rec := range records {
		for _, key := range rec.Keys() {
			if seen[key] {
				continue
			}
			seen[key] = true
			header = append(header, key)
		}
	}
	return header
}

// WriteCSV writes records to path through a temporary file so a failed
// write never leaves a partial output behind.
func WriteCSV(path string, records []*projector.Record) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	header := Header(records)
	w := csv.NewWriter(tmp)
	if err := w.Write(header); err != nil {
		tmp.Close()
		return fmt.Errorf("write header: %w", err)
	}
	row := make([]string, len(header))
	for _, rec := range records {
		for i, key := range header {
			row[i], _ = rec.Get(key)
		}
		if err := w.Write(row); err != nil {
			tmp.Close()
			return fmt.Errorf("write record: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush output: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close output: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("move output into place: %w", err)
	}
	return nil
}
