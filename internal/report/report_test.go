package report

import (
	"bytes"
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tetraminz/dyad_predict/internal/store"
)

func pct(v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: true}
}

func samplePredictions() []store.Prediction {
	return []store.Prediction{
		{File: "a.csv", DyadID: "d1", Participant: "A", GroundTruth: "Male", PredictedValue: "male", ConfidencePercent: pct(90)},
		{File: "a.csv", DyadID: "d1", Participant: "B", GroundTruth: "female", PredictedValue: "male", ConfidencePercent: pct(60)},
		{File: "b.csv", DyadID: "d2", Participant: "A", GroundTruth: "", PredictedValue: "female", ConfidencePercent: pct(70)},
		{File: "b.csv", DyadID: "d2", Participant: "B", GroundTruth: "female", PredictedValue: ""},
	}
}

func TestBuild(t *testing.T) {
	t.Parallel()

	m, err := Build(samplePredictions())
	require.NoError(t, err)

	assert.Equal(t, 4, m.Records)
	assert.Equal(t, 1, m.Skipped)
	assert.Equal(t, 3, m.Labeled)
	assert.Equal(t, 1, m.Correct)
	assert.InDelta(t, 100.0/3, m.AccuracyPercent(), 1e-9)

	assert.Equal(t, 3, m.Confidence.Count)
	assert.InDelta(t, 73.333333, m.Confidence.Mean, 1e-5)
	assert.InDelta(t, 70, m.Confidence.Median, 1e-9)
	assert.InDelta(t, 60, m.Confidence.Min, 1e-9)
	assert.InDelta(t, 90, m.Confidence.Max, 1e-9)

	require.Len(t, m.ByParticipant, 2)
	assert.Equal(t, Group{Name: "A", Labeled: 1, Correct: 1}, m.ByParticipant[0])
	assert.Equal(t, Group{Name: "B", Labeled: 2, Correct: 0}, m.ByParticipant[1])
	require.Len(t, m.FirstMismatches, 2)
	assert.Equal(t, "d1", m.FirstMismatches[0].DyadID)
}

func TestBuildEmpty(t *testing.T) {
	t.Parallel()

	m, err := Build(nil)
	require.NoError(t, err)
	assert.Zero(t, m.AccuracyPercent())

	var out bytes.Buffer
	Print(&out, m)
	assert.Contains(t, out.String(), "confidence: none")
	assert.Contains(t, out.String(), "accuracy_percent=0.00 (0/0)")
}

func TestLoadLatestRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, err := store.Open(filepath.Join(t.TempDir(), "p.db"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.BeginRun(ctx, store.Run{RunID: "old", StartedAtUTC: "2026-01-01T00:00:00Z"}))
	require.NoError(t, s.BeginRun(ctx, store.Run{RunID: "new", StartedAtUTC: "2026-01-02T00:00:00Z", Strategy: "EACH_TURN_ALONE"}))
	preds := samplePredictions()
	for i := range preds {
		preds[i].RunID = "new"
	}
	require.NoError(t, s.InsertPredictions(ctx, preds))

	m, err := Load(ctx, s, "")
	require.NoError(t, err)
	assert.Equal(t, "new", m.Run.RunID)
	assert.Equal(t, 4, m.Records)

	var out bytes.Buffer
	Print(&out, m)
	assert.Contains(t, out.String(), "run_id=new")
	assert.Contains(t, out.String(), "accuracy_percent=33.33 (1/3)")
	assert.Contains(t, out.String(), `ground_truth="female" predicted="male"`)

	_, err = Load(ctx, s, "missing")
	assert.Error(t, err)
}
