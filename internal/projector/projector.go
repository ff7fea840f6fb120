// Package projector maps predictions back into the caller's column names.
package projector

import (
	"strconv"

	"github.com/tetraminz/dyad_predict/internal/columnmap"
	"github.com/tetraminz/dyad_predict/internal/confidence"
	"github.com/tetraminz/dyad_predict/internal/dataset"
)

// Fixed output keys.
const (
	KeyParticipant    = "participant"
	KeyPredictedValue = "predictedValue"
	KeyTranscript     = "transcript"
)

// ConfidenceKey names the percentage column for label.
func ConfidenceKey(label string) string {
	return label + "ConfidencePercent"
}

// Input is everything known about one window's prediction.
type Input struct {
	Participant    dataset.Participant
	PredictedValue string
	// Confidence is nil when no log probability data existed.
	Confidence confidence.Percentages
	// Labels fixes the order of confidence columns.
	Labels     []string
	Ordinality *float64
	Transcript string
}

// Record is a flat result with keys in insertion order. Setting an
// existing key keeps its position.
type Record struct {
	keys   []string
	values map[string]string
}

func newRecord() *Record {
	return &Record{values: map[string]string{}}
}

func (r *Record) set(key, value string) {
	if _, ok := r.values[key]; !ok {
		r.keys = append(r.keys, key)
	}
	r.values[key] = value
}

// Keys returns the record's keys in order.
func (r *Record) Keys() []string {
	return append([]string(nil), r.keys...)
}

// Get returns the value under key.
func (r *Record) Get(key string) (string, bool) {
	v, ok := r.values[key]
	return v, ok
}

// Map copies the record into a plain map.
func (r *Record) Map() map[string]string {
	out := make(map[string]string, len(r.values))
	for k, v := range r.values {
		out[k] = v
	}
	return out
}

// GroundTruth returns the first non-empty toPredict of p in dyad order.
func GroundTruth(d dataset.Dyad, p dataset.Participant) string {
	for _, turn := range d.Turns {
		if turn.Participant == p && turn.ToPredict != "" {
			return turn.ToPredict
		}
	}
	return ""
}

// Project builds the record for one window. The key set depends only on
// the map variant and on whether confidence and ordinality are present.
func Project(m columnmap.ColumnMap, d dataset.Dyad, in Input) *Record {
	switch m.Kind {
	case columnmap.BothParticipantsInOneRow:
		return projectBoth(m.BothParticipants, d, in)
	case columnmap.EachParticipantInSeparateRows:
		return projectSeparate(m.SeparateRows, d, in)
	}
	return newRecord()
}

func projectBoth(m *columnmap.BothParticipantsMap, d dataset.Dyad, in Input) *Record {
	cols := m.ParticipantAColumns
	if in.Participant == dataset.ParticipantB {
		cols = m.ParticipantBColumns
	}

	r := newRecord()
	r.set(m.DyadIDColumnName, d.ID)
	r.set(KeyParticipant, string(in.Participant))
	writeBody(r, cols, d, in)
	return r
}

func projectSeparate(m *columnmap.SeparateRowsMap, d dataset.Dyad, in Input) *Record {
	cols := m.ParticipantAColumns
	if in.Participant == dataset.ParticipantB {
		cols = m.ParticipantBColumns
	}

	r := newRecord()
	r.set(m.DyadIDColumnName, d.ID)
	r.set(m.ParticipantDiscriminatorColumnName, cols.DiscriminatorValue)
	writeBody(r, cols.Columns(), d, in)
	return r
}

func writeBody(r *Record, cols columnmap.ParticipantColumns, d dataset.Dyad, in Input) {
	r.set(cols.ToPredictColumnName, GroundTruth(d, in.Participant))
	if in.Ordinality != nil {
		r.set(cols.OrdinalityColumnName, FormatNumber(*in.Ordinality))
	}
	r.set(KeyPredictedValue, in.PredictedValue)
	if in.Confidence != nil {
		for _, label := range in.Labels {
			value := ""
			if pct, ok := in.Confidence[label]; ok {
				value = FormatNumber(pct)
			}
			r.set(ConfidenceKey(label), value)
		}
	}
	r.set(KeyTranscript, in.Transcript)
}

// FormatNumber renders v with the fewest digits that round-trip.
func FormatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
