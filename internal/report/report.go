// Package report summarises stored predictions of one run.
package report

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/montanaflynn/stats"

	"github.com/tetraminz/dyad_predict/internal/store"
)

// Source is the subset of the store the report reads.
type Source interface {
	LatestRunID(ctx context.Context) (string, error)
	GetRun(ctx context.Context, runID string) (store.Run, error)
	PredictionsForRun(ctx context.Context, runID string) ([]store.Prediction, error)
}

// ConfidenceSummary describes the predicted label's confidence.
type ConfidenceSummary struct {
	Count  int
	Mean   float64
	Median float64
	Min    float64
	Max    float64
	StdDev float64
}

// Group is accuracy for a subset of records.
type Group struct {
	Name    string
	Labeled int
	Correct int
}

// Percent returns the accuracy of the group.
func (g Group) Percent() float64 {
	return percent(g.Correct, g.Labeled)
}

// Mismatch is one labeled record whose prediction disagrees.
type Mismatch struct {
	File        string
	DyadID      string
	Participant string
	GroundTruth string
	Predicted   string
}

// Metrics is the full report.
type Metrics struct {
	Run             store.Run
	Records         int
	Skipped         int
	Labeled         int
	Correct         int
	Confidence      ConfidenceSummary
	ByParticipant   []Group
	ByFile          []Group
	FirstMismatches []Mismatch
}

// AccuracyPercent is Correct over Labeled.
func (m Metrics) AccuracyPercent() float64 {
	return percent(m.Correct, m.Labeled)
}

const maxMismatches = 10

// Load builds the report for runID, or for the latest run when runID is
// empty.
func Load(ctx context.Context, src Source, runID string) (Metrics, error) {
	if strings.TrimSpace(runID) == "" {
		latest, err := src.LatestRunID(ctx)
		if err != nil {
			return Metrics{}, err
		}
		runID = latest
	}
	run, err := src.GetRun(ctx, runID)
	if err != nil {
		return Metrics{}, err
	}
	predictions, err := src.PredictionsForRun(ctx, runID)
	if err != nil {
		return Metrics{}, err
	}
	m, err := Build(predictions)
	if err != nil {
		return Metrics{}, err
	}
	m.Run = run
	return m, nil
}

// Build computes metrics over predictions. Ground truth and prediction
// are compared case-insensitively after trimming.
func Build(predictions []store.Prediction) (Metrics, error) {
	m := Metrics{Records: len(predictions)}
	byParticipant := map[string]*Group{}
	byFile := map[string]*Group{}
	var confidences []float64

	for _, p := range predictions {
		if strings.TrimSpace(p.PredictedValue) == "" {
			m.Skipped++
		}
		if p.ConfidencePercent.Valid {
			confidences = append(confidences, p.ConfidencePercent.Float64)
		}

		truth := strings.TrimSpace(p.GroundTruth)
		if truth == "" {
			continue
		}
		correct := strings.EqualFold(truth, strings.TrimSpace(p.PredictedValue))

		m.Labeled++
		for _, g := range []*Group{group(byParticipant, p.Participant), group(byFile, p.File)} {
			g.Labeled++
			if correct {
				g.Correct++
			}
		}
		if correct {
			m.Correct++
		} else if len(m.FirstMismatches) < maxMismatches {
			m.FirstMismatches = append(m.FirstMismatches, Mismatch{
				File:        p.File,
				DyadID:      p.DyadID,
				Participant: p.Participant,
				GroundTruth: p.GroundTruth,
				Predicted:   p.PredictedValue,
			})
		}
	}

	summary, err := summarize(confidences)
	if err != nil {
		return Metrics{}, err
	}
	m.Confidence = summary
	m.ByParticipant = sortedGroups(byParticipant)
	m.ByFile = sortedGroups(byFile)
	return m, nil
}

func summarize(values []float64) (ConfidenceSummary, error) {
	if len(values) == 0 {
		return ConfidenceSummary{}, nil
	}
	data := stats.Float64Data(values)
	out := ConfidenceSummary{Count: len(values)}
	var err error
	if out.Mean, err = stats.Mean(data); err != nil {
		return ConfidenceSummary{}, fmt.Errorf("confidence mean: %w", err)
	}
	if out.Median, err = stats.Median(data); err != nil {
		return ConfidenceSummary{}, fmt.Errorf("confidence median: %w", err)
	}
	if out.Min, err = stats.Min(data); err != nil {
		return ConfidenceSummary{}, fmt.Errorf("confidence min: %w", err)
	}
	if out.Max, err = stats.Max(data); err != nil {
		return ConfidenceSummary{}, fmt.Errorf("confidence max: %w", err)
	}
	if out.StdDev, err = stats.StandardDeviation(data); err != nil {
		return ConfidenceSummary{}, fmt.Errorf("confidence stddev: %w", err)
	}
	return out, nil
}

func group(groups map[string]*Group, name string) *Group {
	g, ok := groups[name]
	if !ok {
		g = &Group{Name: name}
		groups[name] = g
	}
	return g
}

func sortedGroups(groups map[string]*Group) []Group {
	out := make([]Group, 0, len(groups))
	for _, g := range groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func percent(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return 100 * float64(n) / float64(total)
}

// Print writes the report as key=value lines.
func Print(w io.Writer, m Metrics) {
	if m.Run.RunID != "" {
		fmt.Fprintf(w, "run_id=%s status=%s strategy=%s mode=%s model=%s\n",
			m.Run.RunID, m.Run.Status, m.Run.Strategy, m.Run.Mode, m.Run.Model)
	}
	fmt.Fprintf(w, "records=%d\n", m.Records)
	fmt.Fprintf(w, "skipped_windows=%d\n", m.Skipped)
	fmt.Fprintf(w, "labeled=%d\n", m.Labeled)
	fmt.Fprintf(w, "accuracy_percent=%.2f (%d/%d)\n", m.AccuracyPercent(), m.Correct, m.Labeled)

	if m.Confidence.Count == 0 {
		fmt.Fprintln(w, "confidence: none")
	} else {
		c := m.Confidence
		fmt.Fprintf(w, "confidence: n=%d mean=%.2f median=%.2f min=%.2f max=%.2f stddev=%.2f\n",
			c.Count, c.Mean, c.Median, c.Min, c.Max, c.StdDev)
	}

	printGroups(w, "by_participant", m.ByParticipant)
	printGroups(w, "by_file", m.ByFile)

	fmt.Fprintln(w, "first_mismatches:")
	if len(m.FirstMismatches) == 0 {
		fmt.Fprintln(w, "  none")
		return
	}
	for _, x := range m.FirstMismatches {
		fmt.Fprintf(w, "  file=%s dyad_id=%s participant=%s ground_truth=%q predicted=%q\n",
			x.File, x.DyadID, x.Participant, x.GroundTruth, x.Predicted)
	}
}

func printGroups(w io.Writer, title string, groups []Group) {
	fmt.Fprintf(w, "%s:\n", title)
	if len(groups) == 0 {
		fmt.Fprintln(w, "  none")
		return
	}
	for _, g := range groups {
		fmt.Fprintf(w, "  %s=%.2f (%d/%d)\n", g.Name, g.Percent(), g.Correct, g.Labeled)
	}
}
