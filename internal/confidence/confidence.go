// Package confidence turns restricted-label log probabilities into
// percentages that sum to 100.
package confidence

import (
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// Candidate is one label with the log probability the classifier assigned
// to it at the answer position.
type Candidate struct {
	Label   string
	LogProb float64
}

// Percentages maps a label to its share of the recovered probability mass.
// A label absent from the map is unknown, not 0%.
type Percentages map[string]float64

// Score normalizes candidates to percentages. It returns nil when there is
// nothing to score. Non-finite log probabilities are ignored.
func Score(candidates []Candidate) Percentages {
	labels := make([]string, 0, len(candidates))
	logs := make([]float64, 0, len(candidates))
	for _, c := range candidates {
		if math.IsNaN(c.LogProb) || math.IsInf(c.LogProb, 0) {
			continue
		}
		labels = append(labels, c.Label)
		logs = append(logs, c.LogProb)
	}
	if len(logs) == 0 {
		return nil
	}

	// Subtracting the log-sum-exp keeps tiny masses from underflowing.
	total := floats.LogSumExp(logs)
	out := make(Percentages, len(labels))
	for i, label := range labels {
		out[label] = 100 * math.Exp(logs[i]-total)
	}
	return out
}

// Alternative is one entry of a token position's top log probabilities.
type Alternative struct {
	Token   string
	Logprob float64
}

// Position is one generated token with its alternatives.
type Position struct {
	Token        string
	Logprob      float64
	Alternatives []Alternative
}

// FromTokenLogprobs finds the position where the classifier emitted the
// predicted label and scores its alternatives restricted to labels. Only
// the first occurrence of each label is used. If the predicted label has
// no alternative entry its own log probability is used, which yields 100%
// for it alone.
func FromTokenLogprobs(predicted string, labels []string, positions []Position) Percentages {
	for _, pos := range positions {
		if matchLabel(pos.Token, labels) != predicted {
			continue
		}

		seen := map[string]bool{}
		candidates := make([]Candidate, 0, len(labels))
		for _, alt := range pos.Alternatives {
			label := matchLabel(alt.Token, labels)
			if label == "" || seen[label] {
				continue
			}
			seen[label] = true
			candidates = append(candidates, Candidate{Label: label, LogProb: alt.Logprob})
		}
		if !seen[predicted] {
			candidates = append(candidates, Candidate{Label: predicted, LogProb: pos.Logprob})
		}
		return Score(candidates)
	}
	return nil
}

// matchLabel maps a token to a label. Tokens may carry quotes, leading
// spaces or be a prefix of the label when the tokenizer splits it.
func matchLabel(token string, labels []string) string {
	t := normalize(token)
	if t == "" {
		return ""
	}
	for _, label := range labels {
		if normalize(label) == t {
			return label
		}
	}
	match := ""
	for _, label := range labels {
		if strings.HasPrefix(normalize(label), t) {
			if match != "" {
				return ""
			}
			match = label
		}
	}
	return match
}

func normalize(s string) string {
	return strings.ToLower(strings.Trim(strings.TrimSpace(s), `"' `))
}
