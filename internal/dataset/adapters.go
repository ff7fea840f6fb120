package dataset

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/tetraminz/dyad_predict/internal/columnmap"
)

// Row is one data row of a tabular source. Number is 1-based and counts
// data rows only, not the header.
type Row struct {
	Number int
	index  map[string]int
	record []string
}

// NewRow binds a record to a header index built by HeaderIndex.
func NewRow(number int, index map[string]int, record []string) Row {
	return Row{Number: number, index: index, record: record}
}

// Value returns the cell under column and whether the column exists in
// this row at all.
func (r Row) Value(column string) (string, bool) {
	i, ok := r.index[column]
	if !ok || i >= len(r.record) {
		return "", false
	}
	return r.record[i], true
}

// HeaderIndex maps column names to positions. The first occurrence of a
// duplicated name wins.
func HeaderIndex(header []string) map[string]int {
	index := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
		if _, ok := index[name]; ok {
			continue
		}
		index[name] = i
	}
	return index
}

// RowAdapter turns one raw row into normalized turns, incrementing counts
// for every value it had to coerce.
type RowAdapter interface {
	ParseRow(row Row, counts *MissingCounts) ([]Turn, error)
}

// AdapterFor returns the adapter matching the map's variant.
func AdapterFor(m columnmap.ColumnMap) (RowAdapter, error) {
	switch m.Kind {
	case columnmap.BothParticipantsInOneRow:
		return bothParticipantsAdapter{m: m.BothParticipants}, nil
	case columnmap.EachParticipantInSeparateRows:
		return separateRowsAdapter{m: m.SeparateRows}, nil
	}
	return nil, fmt.Errorf("no row adapter for column map type %q", m.Kind)
}

type bothParticipantsAdapter struct {
	m *columnmap.BothParticipantsMap
}

// ParseRow always emits exactly two turns, A then B.
func (a bothParticipantsAdapter) ParseRow(row Row, counts *MissingCounts) ([]Turn, error) {
	return []Turn{
		readTurn(row, ParticipantA, a.m.ParticipantAColumns, counts),
		readTurn(row, ParticipantB, a.m.ParticipantBColumns, counts),
	}, nil
}

type separateRowsAdapter struct {
	m *columnmap.SeparateRowsMap
}

func (a separateRowsAdapter) ParseRow(row Row, counts *MissingCounts) ([]Turn, error) {
	column := a.m.ParticipantDiscriminatorColumnName
	value, _ := row.Value(column)

	switch value {
	case a.m.ParticipantAColumns.DiscriminatorValue:
		return []Turn{readTurn(row, ParticipantA, a.m.ParticipantAColumns.Columns(), counts)}, nil
	case a.m.ParticipantBColumns.DiscriminatorValue:
		return []Turn{readTurn(row, ParticipantB, a.m.ParticipantBColumns.Columns(), counts)}, nil
	}
	return nil, &UnrecognizedDiscriminatorError{
		Row:    row.Number,
		Column: column,
		Value:  value,
		Expected: []string{
			a.m.ParticipantAColumns.DiscriminatorValue,
			a.m.ParticipantBColumns.DiscriminatorValue,
		},
	}
}

func readTurn(row Row, p Participant, cols columnmap.ParticipantColumns, counts *MissingCounts) Turn {
	turn := Turn{Participant: p}

	ordinality, ok := parseOrdinality(row, cols.OrdinalityColumnName)
	if !ok {
		counts.Ordinality++
		turn.OrdinalityMissing = true
	}
	turn.Ordinality = ordinality

	turn.Transcript = readText(row, cols.TranscriptColumnName, &counts.Transcript)
	turn.ToPredict = readText(row, cols.ToPredictColumnName, &counts.ToPredict)
	return turn
}

// parseOrdinality returns 0 and false for empty, non-numeric and
// non-finite cells.
func parseOrdinality(row Row, column string) (float64, bool) {
	raw, _ := row.Value(column)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func readText(row Row, column string, missing *int) string {
	v, ok := row.Value(column)
	if !ok || v == "" {
		*missing++
		return ""
	}
	return v
}
