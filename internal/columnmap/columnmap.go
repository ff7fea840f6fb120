// Package columnmap describes how a tabular dialect encodes dyad turns.
//
// A ColumnMap is a tagged union over two layouts. The `type` field of the
// JSON document selects the variant; every other field of that variant is
// required. Parse is the only gate: code downstream of it assumes a valid
// map and performs no further shape checks.
package columnmap

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// Kind is the variant tag stored in the `type` field.
type Kind string

const (
	// BothParticipantsInOneRow encodes both participants' turns in one row.
	BothParticipantsInOneRow Kind = "BOTH_PARTICIPANTS_IN_ONE_ROW"
	// EachParticipantInSeparateRows encodes one participant's turn per row,
	// selected by a discriminator column. The wire spelling is kept as-is
	// so existing map files stay valid.
	EachParticipantInSeparateRows Kind = "EACH_PARTICIPANT_IN_SEPERATE_ROWS"
)

// Kinds lists the variants in the order they are attempted and documented.
var Kinds = []Kind{BothParticipantsInOneRow, EachParticipantInSeparateRows}

// ParticipantColumns names the three per-participant columns.
type ParticipantColumns struct {
	OrdinalityColumnName string `json:"ordinalityColumnName" validate:"required"`
	TranscriptColumnName string `json:"transcriptColumnName" validate:"required"`
	ToPredictColumnName  string `json:"toPredictColumnName" validate:"required"`
}

// DiscriminatedColumns is ParticipantColumns plus the discriminator value
// that marks a row as belonging to the participant.
type DiscriminatedColumns struct {
	DiscriminatorValue   string `json:"discriminatorValue" validate:"required"`
	OrdinalityColumnName string `json:"ordinalityColumnName" validate:"required"`
	TranscriptColumnName string `json:"transcriptColumnName" validate:"required"`
	ToPredictColumnName  string `json:"toPredictColumnName" validate:"required"`
}

// Columns drops the discriminator value.
func (c DiscriminatedColumns) Columns() ParticipantColumns {
	return ParticipantColumns{
		OrdinalityColumnName: c.OrdinalityColumnName,
		TranscriptColumnName: c.TranscriptColumnName,
		ToPredictColumnName:  c.ToPredictColumnName,
	}
}

// BothParticipantsMap is the BOTH_PARTICIPANTS_IN_ONE_ROW variant.
type BothParticipantsMap struct {
	Type                Kind               `json:"type"`
	DyadIDColumnName    string             `json:"dyadIdColumnName" validate:"required"`
	ParticipantAColumns ParticipantColumns `json:"participantAColumns"`
	ParticipantBColumns ParticipantColumns `json:"participantBColumns"`
}

// SeparateRowsMap is the EACH_PARTICIPANT_IN_SEPERATE_ROWS variant.
type SeparateRowsMap struct {
	Type                               Kind                 `json:"type"`
	DyadIDColumnName                   string               `json:"dyadIdColumnName" validate:"required"`
	ParticipantDiscriminatorColumnName string               `json:"participantDiscriminatorColumnName" validate:"required"`
	ParticipantAColumns                DiscriminatedColumns `json:"participantAColumns"`
	ParticipantBColumns                DiscriminatedColumns `json:"participantBColumns"`
}

// ColumnMap holds exactly one populated variant, selected by Kind.
type ColumnMap struct {
	Kind             Kind
	BothParticipants *BothParticipantsMap
	SeparateRows     *SeparateRowsMap
}

// DyadIDColumnName returns the dyad id column shared by both variants.
func (m ColumnMap) DyadIDColumnName() string {
	switch m.Kind {
	case BothParticipantsInOneRow:
		return m.BothParticipants.DyadIDColumnName
	case EachParticipantInSeparateRows:
		return m.SeparateRows.DyadIDColumnName
	}
	return ""
}

// ParticipantColumns returns the column triples for participant A and B.
func (m ColumnMap) ParticipantColumns() (a, b ParticipantColumns) {
	switch m.Kind {
	case BothParticipantsInOneRow:
		return m.BothParticipants.ParticipantAColumns, m.BothParticipants.ParticipantBColumns
	case EachParticipantInSeparateRows:
		return m.SeparateRows.ParticipantAColumns.Columns(), m.SeparateRows.ParticipantBColumns.Columns()
	}
	return ParticipantColumns{}, ParticipantColumns{}
}

// ConfiguredColumns lists every distinct column name the map reads, sorted.
func (m ColumnMap) ConfiguredColumns() []string {
	a, b := m.ParticipantColumns()
	names := []string{
		m.DyadIDColumnName(),
		a.OrdinalityColumnName, a.TranscriptColumnName, a.ToPredictColumnName,
		b.OrdinalityColumnName, b.TranscriptColumnName, b.ToPredictColumnName,
	}
	if m.Kind == EachParticipantInSeparateRows {
		names = append(names, m.SeparateRows.ParticipantDiscriminatorColumnName)
	}

	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Describe flattens the active variant into dotted JSON paths, excluding
// the type tag. It is meant for echoing the configuration to an operator.
func (m ColumnMap) Describe() map[string]string {
	var variant any
	switch m.Kind {
	case BothParticipantsInOneRow:
		variant = m.BothParticipants
	case EachParticipantInSeparateRows:
		variant = m.SeparateRows
	default:
		return nil
	}

	raw, err := json.Marshal(variant)
	if err != nil {
		return nil
	}
	var tree map[string]any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil
	}
	delete(tree, "type")

	out := map[string]string{}
	flatten("", tree, out)
	return out
}

func flatten(prefix string, node map[string]any, out map[string]string) {
	for key, value := range node {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		if child, ok := value.(map[string]any); ok {
			flatten(path, child, out)
			continue
		}
		out[path] = fmt.Sprint(value)
	}
}

// ParseFile reads and validates a column map file.
func ParseFile(path string) (ColumnMap, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ColumnMap{}, fmt.Errorf("read column map %q: %w", path, err)
	}
	m, err := Parse(raw)
	if err != nil {
		if cfgErr, ok := err.(*ConfigurationError); ok {
			cfgErr.Source = path
		}
		return ColumnMap{}, err
	}
	return m, nil
}
