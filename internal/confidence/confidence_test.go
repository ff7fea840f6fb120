package confidence

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var labels = []string{"male", "female"}

func TestScoreTwoLabels(t *testing.T) {
	t.Parallel()

	got := Score([]Candidate{
		{Label: "male", LogProb: math.Log(0.8)},
		{Label: "female", LogProb: math.Log(0.2)},
	})
	require.Len(t, got, 2)
	assert.InDelta(t, 80.0, got["male"], 1e-9)
	assert.InDelta(t, 20.0, got["female"], 1e-9)
}

func TestScoreRenormalizesPartialMass(t *testing.T) {
	t.Parallel()

	got := Score([]Candidate{
		{Label: "male", LogProb: math.Log(0.3)},
		{Label: "female", LogProb: math.Log(0.1)},
	})
	assert.InDelta(t, 75.0, got["male"], 1e-9)
	assert.InDelta(t, 100.0, got["male"]+got["female"], 1e-9)
}

func TestScoreSingleEntry(t *testing.T) {
	t.Parallel()

	got := Score([]Candidate{{Label: "male", LogProb: math.Log(0.5)}})
	require.Len(t, got, 1)
	assert.InDelta(t, 100.0, got["male"], 1e-9)
	_, ok := got["female"]
	assert.False(t, ok, "absent label must stay unknown")
}

func TestScoreEmpty(t *testing.T) {
	t.Parallel()

	assert.Nil(t, Score(nil))
	assert.Nil(t, Score([]Candidate{{Label: "male", LogProb: math.NaN()}}))
}

func TestScoreVerySmallLogProbs(t *testing.T) {
	t.Parallel()

	got := Score([]Candidate{
		{Label: "male", LogProb: -1000},
		{Label: "female", LogProb: -1000 + math.Log(3)},
	})
	assert.InDelta(t, 25.0, got["male"], 1e-9)
	assert.InDelta(t, 75.0, got["female"], 1e-9)
}

func TestFromTokenLogprobsUsesAnswerPosition(t *testing.T) {
	t.Parallel()

	positions := []Position{
		{Token: `{"`, Logprob: 0},
		{Token: "answer", Logprob: 0},
		{Token: `":"`, Logprob: 0},
		{
			Token:   "male",
			Logprob: math.Log(0.8),
			Alternatives: []Alternative{
				{Token: "male", Logprob: math.Log(0.8)},
				{Token: "female", Logprob: math.Log(0.15)},
				{Token: " Female", Logprob: math.Log(0.01)},
				{Token: "unknown", Logprob: math.Log(0.04)},
			},
		},
		{Token: `"}`, Logprob: 0},
	}

	got := FromTokenLogprobs("male", labels, positions)
	require.Len(t, got, 2)
	assert.InDelta(t, 100*0.8/0.95, got["male"], 1e-9)
	assert.InDelta(t, 100*0.15/0.95, got["female"], 1e-9)
}

func TestFromTokenLogprobsFallsBackToOwnLogprob(t *testing.T) {
	t.Parallel()

	positions := []Position{{
		Token:        "fe",
		Logprob:      math.Log(0.9),
		Alternatives: []Alternative{{Token: "other", Logprob: math.Log(0.1)}},
	}}

	got := FromTokenLogprobs("female", labels, positions)
	require.Len(t, got, 1)
	assert.InDelta(t, 100.0, got["female"], 1e-9)
}

func TestFromTokenLogprobsWithoutData(t *testing.T) {
	t.Parallel()

	assert.Nil(t, FromTokenLogprobs("male", labels, nil))
	assert.Nil(t, FromTokenLogprobs("male", labels, []Position{{Token: "female"}}))
}

func TestMatchLabel(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"male":     "male",
		` "Male"`:  "male",
		"FEM":      "female",
		"ma":       "male",
		"":         "",
		"answer":   "",
		"females!": "",
	}
	for token, want := range cases {
		assert.Equal(t, want, matchLabel(token, labels), "token %q", token)
	}
}
