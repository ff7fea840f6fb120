package compute

import (
	"testing"

	"github.com/tetraminz/dyad_predict/internal/dataset"
)

func TestComputeMetrics(t *testing.T) {
	t.Parallel()

	d := dataset.Dyad{ID: "d1", Turns: []dataset.Turn{
		{Participant: dataset.ParticipantA, Ordinality: 1, Transcript: "Hi, how was your weekend?"},
		{Participant: dataset.ParticipantB, Ordinality: 2, Transcript: "Great. Yours?"},
		{Participant: dataset.ParticipantB, Ordinality: 3, Transcript: ""},
		{Participant: dataset.ParticipantA, Ordinality: 4, Transcript: "Quiet, mostly reading."},
	}}

	got := ComputeMetrics(d)

	if got.TurnCountTotal != 4 {
		t.Fatalf("TurnCountTotal got %d want %d", got.TurnCountTotal, 4)
	}
	if got.A.Turns != 2 || got.B.Turns != 2 {
		t.Fatalf("Turns got A=%d B=%d want 2/2", got.A.Turns, got.B.Turns)
	}
	if got.A.Words != 8 {
		t.Fatalf("A.Words got %d want %d", got.A.Words, 8)
	}
	if got.B.EmptyTurns != 1 {
		t.Fatalf("B.EmptyTurns got %d want %d", got.B.EmptyTurns, 1)
	}
	if got.A.QuestionMarks != 1 || got.B.QuestionMarks != 1 {
		t.Fatalf("QuestionMarks got A=%d B=%d want 1/1", got.A.QuestionMarks, got.B.QuestionMarks)
	}
	if got.Alternations != 2 {
		t.Fatalf("Alternations got %d want %d", got.Alternations, 2)
	}
	if got.Of(dataset.ParticipantB) != got.B {
		t.Fatalf("Of(B) did not return B metrics")
	}
}

func TestComputeMetricsEmptyDyad(t *testing.T) {
	t.Parallel()

	got := ComputeMetrics(dataset.Dyad{ID: "empty"})
	if got != (Metrics{}) {
		t.Fatalf("got %+v want zero metrics", got)
	}
}
