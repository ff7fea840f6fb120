// Package dataset normalizes survey rows into dyads of ordered turns.
package dataset

import (
	"fmt"
	"strings"
)

// Participant identifies one side of a dyad.
type Participant string

const (
	ParticipantA Participant = "A"
	ParticipantB Participant = "B"
)

// Participants is the canonical iteration order.
var Participants = [2]Participant{ParticipantA, ParticipantB}

// Other returns the remaining participant of the dyad.
func (p Participant) Other() Participant {
	if p == ParticipantA {
		return ParticipantB
	}
	return ParticipantA
}

// Turn is one utterance attributable to one participant. All fields are
// always populated; missing source values are coerced to zero values.
type Turn struct {
	Participant Participant `json:"participant"`
	Ordinality  float64     `json:"ordinality"`
	Transcript  string      `json:"transcript"`
	ToPredict   string      `json:"to_predict"`

	// OrdinalityMissing is set when the source cell did not parse as a
	// number. Ordinality is still 0 in that case, which collides with a
	// genuine first position.
	OrdinalityMissing bool `json:"ordinality_missing,omitempty"`
}

// MissingCounts counts empty, absent or unparsable source values per Turn
// field. Counters only ever grow during ingestion.
type MissingCounts struct {
	Participant int `json:"participant"`
	Ordinality  int `json:"ordinality"`
	Transcript  int `json:"transcript"`
	ToPredict   int `json:"toPredict"`
}

// Any reports whether at least one counter is nonzero.
func (c MissingCounts) Any() bool {
	return c.Participant > 0 || c.Ordinality > 0 || c.Transcript > 0 || c.ToPredict > 0
}

// NonZero returns the nonzero counters keyed by field name.
func (c MissingCounts) NonZero() map[string]int {
	out := map[string]int{}
	for name, v := range map[string]int{
		"participant": c.Participant,
		"ordinality":  c.Ordinality,
		"transcript":  c.Transcript,
		"toPredict":   c.ToPredict,
	} {
		if v > 0 {
			out[name] = v
		}
	}
	return out
}

// Dyad is one conversation between participants A and B. After
// aggregation Turns is stably sorted by Ordinality and read-only.
type Dyad struct {
	ID      string        `json:"dyad_id"`
	Turns   []Turn        `json:"turns"`
	Missing MissingCounts `json:"missing"`
}

// TurnsOf returns the participant's turns in dyad order.
func (d Dyad) TurnsOf(p Participant) []Turn {
	out := make([]Turn, 0, len(d.Turns))
	for _, turn := range d.Turns {
		if turn.Participant == p {
			out = append(out, turn)
		}
	}
	return out
}

// RenderTranscript renders turns as "<participant>: <transcript>" lines.
func RenderTranscript(turns []Turn) string {
	lines := make([]string, 0, len(turns))
	for _, turn := range turns {
		lines = append(lines, fmt.Sprintf("%s: %s", turn.Participant, turn.Transcript))
	}
	return strings.Join(lines, "\n")
}
