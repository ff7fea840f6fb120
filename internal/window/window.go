// Package window slices a dyad into classifier inputs.
package window

import (
	"fmt"
	"strings"

	"github.com/tetraminz/dyad_predict/internal/dataset"
)

// Strategy selects how a dyad is sliced.
type Strategy string

const (
	// EachParticipantSimultaneous shows each participant the whole dyad.
	EachParticipantSimultaneous Strategy = "EACH_PARTICIPANT_SIMULTANEOUS"
	// EachParticipantAlone shows each participant only their own turns.
	EachParticipantAlone Strategy = "EACH_PARTICIPANT_ALONE"
	// EachTurnAlone predicts every turn on its own.
	EachTurnAlone Strategy = "EACH_TURN_ALONE"
)

// Strategies lists every known strategy.
var Strategies = []Strategy{EachParticipantSimultaneous, EachParticipantAlone, EachTurnAlone}

// UnknownStrategyError reports an unrecognized selector.
type UnknownStrategyError struct {
	Value string
}

func (e *UnknownStrategyError) Error() string {
	names := make([]string, 0, len(Strategies))
	for _, s := range Strategies {
		names = append(names, string(s))
	}
	return fmt.Sprintf("unknown window strategy %q (expected one of %s)", e.Value, strings.Join(names, ", "))
}

// ParseStrategy matches value exactly against the known strategies.
func ParseStrategy(value string) (Strategy, error) {
	for _, s := range Strategies {
		if string(s) == value {
			return s, nil
		}
	}
	return "", &UnknownStrategyError{Value: value}
}

// Window is one unit of classifier input.
type Window struct {
	// Index is the position of the window within its dyad.
	Index       int
	Participant dataset.Participant
	Turns       []dataset.Turn
	// Ordinality is set only by EachTurnAlone.
	Ordinality *float64
}

// Empty reports whether the window carries no turns.
func (w Window) Empty() bool {
	return len(w.Turns) == 0
}

// Transcript renders the window's turns one per line.
func (w Window) Transcript() string {
	return dataset.RenderTranscript(w.Turns)
}

// Build returns the windows of d in the order defined by s. Windows share
// the dyad's turn storage and must not be mutated.
func Build(s Strategy, d dataset.Dyad) []Window {
	switch s {
	case EachParticipantSimultaneous:
		out := make([]Window, 0, len(dataset.Participants))
		for i, p := range dataset.Participants {
			out = append(out, Window{Index: i, Participant: p, Turns: d.Turns})
		}
		return out
	case EachParticipantAlone:
		out := make([]Window, 0, len(dataset.Participants))
		for i, p := range dataset.Participants {
			out = append(out, Window{Index: i, Participant: p, Turns: d.TurnsOf(p)})
		}
		return out
	case EachTurnAlone:
		out := make([]Window, 0, len(d.Turns))
		for i := range d.Turns {
			ordinality := d.Turns[i].Ordinality
			out = append(out, Window{
				Index:       i,
				Participant: d.Turns[i].Participant,
				Turns:       d.Turns[i : i+1 : i+1],
				Ordinality:  &ordinality,
			})
		}
		return out
	}
	return nil
}

// Role tells whether a message was authored by the participant under
// prediction.
type Role int

const (
	Self Role = iota
	Other
)

// Message is one rendered turn relative to the participant under
// prediction.
type Message struct {
	Role    Role
	Author  dataset.Participant
	Content string
}

// Messages renders the turns as self/other messages in original order.
func (w Window) Messages() []Message {
	out := make([]Message, 0, len(w.Turns))
	for _, turn := range w.Turns {
		role := Other
		if turn.Participant == w.Participant {
			role = Self
		}
		out = append(out, Message{Role: role, Author: turn.Participant, Content: turn.Transcript})
	}
	return out
}
