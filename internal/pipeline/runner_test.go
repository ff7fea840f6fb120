package pipeline

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tetraminz/dyad_predict/internal/columnmap"
	"github.com/tetraminz/dyad_predict/internal/dataset"
	"github.com/tetraminz/dyad_predict/internal/logging"
	"github.com/tetraminz/dyad_predict/internal/openai"
	"github.com/tetraminz/dyad_predict/internal/predict"
	"github.com/tetraminz/dyad_predict/internal/store"
	"github.com/tetraminz/dyad_predict/internal/window"
)

const bothMapJSON = `{
  "type": "BOTH_PARTICIPANTS_IN_ONE_ROW",
  "dyadIdColumnName": "dyad",
  "participantAColumns": {"ordinalityColumnName": "a_t", "transcriptColumnName": "a_text", "toPredictColumnName": "a_gender"},
  "participantBColumns": {"ordinalityColumnName": "b_t", "transcriptColumnName": "b_text", "toPredictColumnName": "b_gender"}
}`

const fourRowCSV = "" +
	"dyad,a_t,a_text,a_gender,b_t,b_text,b_gender\n" +
	"d1,1,hi,male,2,hello,female\n" +
	"d1,3,how are you,male,4,fine,female\n" +
	"d2,1,hey,female,2,yo,male\n" +
	"d2,3,bye,female,4,later,male\n"

var labels = []string{"male", "female"}

var fixedNow = func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC) }

func writeDataRoot(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte(content), 0o644))
	}
	return root
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

// newClassifierServer answers every structured request with "male" at
// 80% and "female" at 20%.
func newClassifierServer(t *testing.T, calls *int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(calls, 1)
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		male, female := math.Log(0.8), math.Log(0.2)
		body := map[string]any{
			"choices": []any{map[string]any{
				"message": map[string]any{"content": `{"answer":"male"}`},
				"logprobs": map[string]any{"content": []any{
					map[string]any{"token": `{"answer":"`, "logprob": 0, "top_logprobs": []any{}},
					map[string]any{"token": "male", "logprob": male, "top_logprobs": []any{
						map[string]any{"token": "male", "logprob": male},
						map[string]any{"token": "female", "logprob": female},
					}},
					map[string]any{"token": `"}`, "logprob": 0, "top_logprobs": []any{}},
				}},
			}},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRunEndToEndStructured(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	root := writeDataRoot(t, map[string]string{"map.json": bothMapJSON, "study.csv": fourRowCSV})

	var calls int64
	srv := newClassifierServer(t, &calls)
	client := openai.NewClient("sk-test", srv.URL, srv.Client())

	db, err := store.Open(filepath.Join(t.TempDir(), "p.db"))
	require.NoError(t, err)
	defer db.Close()

	unit := predict.NewUnit(client, predict.Config{
		RunID: "run-1", Model: "gpt-4o-mini", Mode: predict.ModeStructured,
		Question: "Which gender do you identify as?", Labels: labels, TopLogprobs: 10,
	}, db, logging.Discard())

	runner := NewRunner(Settings{
		RunID: "run-1", DataRoot: root, Strategy: window.EachParticipantAlone, Labels: labels, Now: fixedNow,
	}, unit, db, nil, logging.Discard())

	summary, err := runner.Run(ctx)
	require.NoError(t, err)
	require.Len(t, summary.Files, 1)
	assert.Equal(t, int64(4), atomic.LoadInt64(&calls))

	wantOut := filepath.Join(root, "EACH_PARTICIPANT_ALONE_03-04_05-06-07", "study_EACH_PARTICIPANT_ALONE_output.csv")
	assert.Equal(t, wantOut, summary.Files[0].Output)

	rows := readCSV(t, wantOut)
	require.Len(t, rows, 5)
	header := rows[0]
	assert.Equal(t, []string{
		"dyad", "participant", "a_gender", "predictedValue",
		"maleConfidencePercent", "femaleConfidencePercent", "transcript", "b_gender",
	}, header)

	idx := map[string]int{}
	for i, h := range header {
		idx[h] = i
	}
	wantOrder := [][2]string{{"d1", "A"}, {"d1", "B"}, {"d2", "A"}, {"d2", "B"}}
	for i, row := range rows[1:] {
		assert.Equal(t, wantOrder[i][0], row[idx["dyad"]])
		assert.Equal(t, wantOrder[i][1], row[idx["participant"]])
		assert.Equal(t, "male", row[idx["predictedValue"]])

		male, err := strconv.ParseFloat(row[idx["maleConfidencePercent"]], 64)
		require.NoError(t, err)
		female, err := strconv.ParseFloat(row[idx["femaleConfidencePercent"]], 64)
		require.NoError(t, err)
		assert.InDelta(t, 100, male+female, 1e-9)
		assert.InDelta(t, 80, male, 1e-9)
	}
	assert.Equal(t, "female", rows[2][idx["b_gender"]])
	assert.Equal(t, "A: hi\nA: how are you", rows[1][idx["transcript"]])

	stored, err := db.PredictionsForRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, stored, 4)
	assert.InDelta(t, 80, stored[0].ConfidencePercent.Float64, 1e-9)

	events, err := db.EventsForRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, events, 4)
}

func TestRunMissingDyadIDWritesNothing(t *testing.T) {
	t.Parallel()

	root := writeDataRoot(t, map[string]string{
		"map.json":  bothMapJSON,
		"study.csv": fourRowCSV + ",5,oops,male,6,oops,female\n",
	})
	pred := &fakePredictor{}
	_, err := NewRunner(Settings{DataRoot: root, Strategy: window.EachParticipantAlone, Labels: labels, Now: fixedNow},
		pred, nil, nil, nil).Run(context.Background())

	var idErr *dataset.MissingIdentifierError
	require.True(t, errors.As(err, &idErr))
	assert.Equal(t, 5, idErr.Row)
	assert.Zero(t, atomic.LoadInt64(&pred.calls))
	assertNoOutput(t, root)
}

func TestRunPreservesLaunchOrder(t *testing.T) {
	t.Parallel()

	root := writeDataRoot(t, map[string]string{"map.json": bothMapJSON, "study.csv": fourRowCSV})
	// Earlier windows finish last.
	pred := &fakePredictor{delay: func(target predict.Target, w window.Window) time.Duration {
		if target.DyadID == "d1" {
			return time.Duration(8-w.Index) * 5 * time.Millisecond
		}
		return time.Duration(4-w.Index) * time.Millisecond
	}}

	summary, err := NewRunner(Settings{DataRoot: root, Strategy: window.EachTurnAlone, Labels: labels, Now: fixedNow},
		pred, nil, nil, nil).Run(context.Background())
	require.NoError(t, err)

	rows := readCSV(t, summary.Files[0].Output)
	require.Len(t, rows, 9)
	var got []string
	for _, row := range rows[1:] {
		got = append(got, row[0]+"/"+row[1]+"/"+row[4])
	}
	assert.Equal(t, []string{
		"d1/A/d1-0", "d1/B/d1-1", "d1/A/d1-2", "d1/B/d1-3",
		"d2/A/d2-0", "d2/B/d2-1", "d2/A/d2-2", "d2/B/d2-3",
	}, got)
	assert.Equal(t, []string{"dyad", "participant", "a_gender", "a_t", "predictedValue", "transcript", "b_gender", "b_t"}, rows[0])
}

func TestRunFatalWindowAbortsRun(t *testing.T) {
	t.Parallel()

	root := writeDataRoot(t, map[string]string{
		"map.json": bothMapJSON,
		"a.csv":    fourRowCSV,
		"b.csv":    fourRowCSV,
	})
	boom := &predict.ClassifierResponseError{Attempts: 2, Err: errors.New("not json")}
	pred := &fakePredictor{fail: func(target predict.Target, w window.Window) error {
		if target.DyadID == "d2" && w.Index == 1 {
			return boom
		}
		return nil
	}}

	var confirmed []string
	confirm := ConfirmFunc(func(file string) (bool, error) {
		confirmed = append(confirmed, filepath.Base(file))
		return true, nil
	})
	sink := &recordingSink{}

	_, err := NewRunner(Settings{DataRoot: root, Strategy: window.EachParticipantSimultaneous, Labels: labels, Now: fixedNow},
		pred, sink, confirm, nil).Run(context.Background())

	var respErr *predict.ClassifierResponseError
	require.True(t, errors.As(err, &respErr))
	assert.Equal(t, []string{"a.csv"}, confirmed, "later files must not be touched")
	assert.Empty(t, sink.rows)
	assertNoOutput(t, root)
}

func TestRunStopsWhenOperatorDeclines(t *testing.T) {
	t.Parallel()

	root := writeDataRoot(t, map[string]string{"map.json": bothMapJSON, "a.csv": fourRowCSV, "b.csv": fourRowCSV})
	pred := &fakePredictor{}
	answers := []bool{true, false}
	confirm := ConfirmFunc(func(string) (bool, error) {
		ok := answers[0]
		answers = answers[1:]
		return ok, nil
	})

	summary, err := NewRunner(Settings{DataRoot: root, Strategy: window.EachParticipantAlone, Labels: labels, Now: fixedNow},
		pred, nil, confirm, nil).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.Stopped)
	require.Len(t, summary.Files, 1)
	assert.Equal(t, int64(4), atomic.LoadInt64(&pred.calls))
}

func TestRunEmptyWindowIsSkipped(t *testing.T) {
	t.Parallel()

	separate := `{
	  "type": "EACH_PARTICIPANT_IN_SEPERATE_ROWS",
	  "dyadIdColumnName": "dyad",
	  "participantDiscriminatorColumnName": "speaker",
	  "participantAColumns": {"discriminatorValue": "L", "ordinalityColumnName": "t", "transcriptColumnName": "text", "toPredictColumnName": "gender"},
	  "participantBColumns": {"discriminatorValue": "R", "ordinalityColumnName": "t", "transcriptColumnName": "text", "toPredictColumnName": "gender"}
	}`
	root := writeDataRoot(t, map[string]string{
		"map.json": separate,
		"solo.csv": "dyad,speaker,t,text,gender\nd1,L,1,only me,male\n",
	})
	pred := &fakePredictor{confidence: true}

	summary, err := NewRunner(Settings{DataRoot: root, Strategy: window.EachParticipantAlone, Labels: labels, Now: fixedNow, MaxConcurrency: 1},
		pred, nil, nil, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Files[0].Skipped)
	assert.Equal(t, int64(1), atomic.LoadInt64(&pred.calls))

	rows := readCSV(t, summary.Files[0].Output)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"dyad", "speaker", "gender", "predictedValue", "maleConfidencePercent", "femaleConfidencePercent", "transcript"}, rows[0])
	assert.Equal(t, []string{"d1", "R", "", "", "", "", ""}, rows[2])
}

func TestDiscover(t *testing.T) {
	t.Parallel()

	root := writeDataRoot(t, map[string]string{"map.json": bothMapJSON, "b.csv": "", "a.xlsx": "", "notes.txt": ""})
	require.NoError(t, os.Mkdir(filepath.Join(root, "EACH_TURN_ALONE_01-01_00-00-00"), 0o755))

	layout, err := Discover(root)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "map.json"), layout.MapPath)
	assert.Equal(t, []string{filepath.Join(root, "a.xlsx"), filepath.Join(root, "b.csv")}, layout.DataFiles)

	twoMaps := writeDataRoot(t, map[string]string{"a.json": "{}", "b.json": "{}", "x.csv": ""})
	_, err = Discover(twoMaps)
	var cfgErr *columnmap.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))

	noData := writeDataRoot(t, map[string]string{"map.json": bothMapJSON})
	_, err = Discover(noData)
	assert.Error(t, err)
}

func TestRunRejectsUnknownStrategy(t *testing.T) {
	t.Parallel()

	_, err := NewRunner(Settings{DataRoot: t.TempDir(), Strategy: "NOPE"}, &fakePredictor{}, nil, nil, nil).Run(context.Background())
	var stratErr *window.UnknownStrategyError
	assert.True(t, errors.As(err, &stratErr))
}

func assertNoOutput(t *testing.T, root string) {
	t.Helper()
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	for _, e := range entries {
		if e.IsDir() {
			files, err := os.ReadDir(filepath.Join(root, e.Name()))
			require.NoError(t, err)
			assert.Empty(t, files, "output directory %s must be empty", e.Name())
		}
	}
}

type fakePredictor struct {
	calls      int64
	confidence bool
	delay      func(predict.Target, window.Window) time.Duration
	fail       func(predict.Target, window.Window) error
}

func (f *fakePredictor) Predict(ctx context.Context, target predict.Target, w window.Window) (predict.Prediction, error) {
	if w.Empty() {
		return predict.Prediction{Skipped: true}, nil
	}
	atomic.AddInt64(&f.calls, 1)
	if f.delay != nil {
		select {
		case <-time.After(f.delay(target, w)):
		case <-ctx.Done():
			return predict.Prediction{}, ctx.Err()
		}
	}
	if f.fail != nil {
		if err := f.fail(target, w); err != nil {
			return predict.Prediction{}, err
		}
	}
	pred := predict.Prediction{Value: target.DyadID + "-" + strconv.Itoa(w.Index), Attempts: 1}
	if f.confidence {
		pred.Value = "male"
		pred.Confidence = map[string]float64{"male": 100}
	}
	return pred, nil
}

type recordingSink struct {
	rows []store.Prediction
}

func (s *recordingSink) InsertPredictions(_ context.Context, rows []store.Prediction) error {
	s.rows = append(s.rows, rows...)
	return nil
}
