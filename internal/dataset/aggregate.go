package dataset

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/tetraminz/dyad_predict/internal/columnmap"
)

// Result is the outcome of ingesting one tabular file.
type Result struct {
	// Dyads in the order their ids were first encountered.
	Dyads []Dyad
	// MissingColumns lists configured columns absent from the header.
	MissingColumns []string
	Rows           int
}

// Turns returns the total number of turns across all dyads.
func (r Result) Turns() int {
	n := 0
	for _, d := range r.Dyads {
		n += len(d.Turns)
	}
	return n
}

// Aggregate streams every row of src through the adapter for m and groups
// the turns by dyad id. Any row error aborts the file and no partial
// result is returned.
func Aggregate(m columnmap.ColumnMap, src RowSource) (Result, error) {
	adapter, err := AdapterFor(m)
	if err != nil {
		return Result{}, err
	}

	header := src.Header()
	index := HeaderIndex(header)
	idColumn := m.DyadIDColumnName()

	var missingColumns []string
	for _, column := range m.ConfiguredColumns() {
		if _, ok := index[column]; !ok {
			missingColumns = append(missingColumns, column)
		}
	}

	byID := map[string]*Dyad{}
	order := make([]string, 0, 16)
	rows := 0

	for {
		record, err := src.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return Result{}, fmt.Errorf("read row %d: %w", rows+1, err)
		}
		rows++
		row := NewRow(rows, index, record)

		rawID, _ := row.Value(idColumn)
		id := strings.TrimSpace(rawID)
		if id == "" {
			return Result{}, &MissingIdentifierError{Row: row.Number, Column: idColumn}
		}

		dyad, ok := byID[id]
		if !ok {
			dyad = &Dyad{ID: id}
			byID[id] = dyad
			order = append(order, id)
		}

		turns, err := adapter.ParseRow(row, &dyad.Missing)
		if err != nil {
			return Result{}, err
		}
		dyad.Turns = append(dyad.Turns, turns...)
	}

	dyads := make([]Dyad, 0, len(order))
	for _, id := range order {
		dyad := byID[id]
		sort.SliceStable(dyad.Turns, func(i, j int) bool {
			return dyad.Turns[i].Ordinality < dyad.Turns[j].Ordinality
		})
		dyads = append(dyads, *dyad)
	}

	return Result{Dyads: dyads, MissingColumns: missingColumns, Rows: rows}, nil
}

// AggregateFile opens path and aggregates it. Ingestion errors are
// annotated with the file path.
func AggregateFile(m columnmap.ColumnMap, path string) (Result, error) {
	src, err := OpenFile(path)
	if err != nil {
		return Result{}, err
	}
	defer src.Close()

	result, err := Aggregate(m, src)
	if err != nil {
		var idErr *MissingIdentifierError
		var discErr *UnrecognizedDiscriminatorError
		switch {
		case errors.As(err, &idErr):
			idErr.File = path
		case errors.As(err, &discErr):
			discErr.File = path
		default:
			return Result{}, fmt.Errorf("ingest %q: %w", path, err)
		}
		return Result{}, err
	}
	return result, nil
}
