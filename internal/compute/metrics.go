// Package compute derives deterministic transcript statistics without
// contacting the classifier.
package compute

import (
	"strings"

	"github.com/tetraminz/dyad_predict/internal/dataset"
)

// ParticipantMetrics are counts for one side of a dyad.
type ParticipantMetrics struct {
	Turns         int `json:"turns"`
	EmptyTurns    int `json:"empty_turns"`
	Words         int `json:"words"`
	QuestionMarks int `json:"question_marks"`
}

// Metrics are deterministic values computed directly from a dyad's turns.
type Metrics struct {
	TurnCountTotal int                `json:"turn_count_total"`
	A              ParticipantMetrics `json:"participant_a"`
	B              ParticipantMetrics `json:"participant_b"`
	// Alternations counts adjacent turns whose speakers differ.
	Alternations int `json:"alternations"`
}

// Of returns the metrics of p.
func (m Metrics) Of(p dataset.Participant) ParticipantMetrics {
	if p == dataset.ParticipantB {
		return m.B
	}
	return m.A
}

// ComputeMetrics derives metrics from a dyad in turn order.
func ComputeMetrics(d dataset.Dyad) Metrics {
	var metrics Metrics
	metrics.TurnCountTotal = len(d.Turns)

	for i, turn := range d.Turns {
		side := &metrics.A
		if turn.Participant == dataset.ParticipantB {
			side = &metrics.B
		}
		side.Turns++
		if strings.TrimSpace(turn.Transcript) == "" {
			side.EmptyTurns++
		}
		side.Words += len(strings.Fields(turn.Transcript))
		side.QuestionMarks += strings.Count(turn.Transcript, "?")

		if i > 0 && d.Turns[i-1].Participant != turn.Participant {
			metrics.Alternations++
		}
	}
	return metrics
}
