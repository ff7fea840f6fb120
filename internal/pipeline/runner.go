// Package pipeline drives one run over a data root: discovery, ingestion,
// windowing, classification and output.
package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/tetraminz/dyad_predict/internal/columnmap"
	"github.com/tetraminz/dyad_predict/internal/compute"
	"github.com/tetraminz/dyad_predict/internal/dataset"
	"github.com/tetraminz/dyad_predict/internal/predict"
	"github.com/tetraminz/dyad_predict/internal/projector"
	"github.com/tetraminz/dyad_predict/internal/store"
	"github.com/tetraminz/dyad_predict/internal/window"
)

// Predictor produces one prediction per window.
type Predictor interface {
	Predict(ctx context.Context, target predict.Target, w window.Window) (predict.Prediction, error)
}

// Sink persists the records of a successfully processed file.
type Sink interface {
	InsertPredictions(ctx context.Context, predictions []store.Prediction) error
}

// Confirmer is asked before each file is sent to the classifier. Returning
// false stops the run without error.
type Confirmer interface {
	Confirm(file string) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(file string) (bool, error)

func (f ConfirmFunc) Confirm(file string) (bool, error) { return f(file) }

// AlwaysConfirm processes every file.
var AlwaysConfirm = ConfirmFunc(func(string) (bool, error) { return true, nil })

// Settings configure a Runner.
type Settings struct {
	RunID    string
	DataRoot string
	Strategy window.Strategy
	// Labels orders the confidence columns.
	Labels []string
	// MaxConcurrency bounds in-flight classifier calls per file; 0 leaves
	// them unbounded.
	MaxConcurrency int
	// Now is used for the output directory name.
	Now func() time.Time
}

// FileSummary describes one processed file.
type FileSummary struct {
	File    string
	Dyads   int
	Turns   int
	Records int
	Skipped int
	Output  string
}

// Summary describes a run.
type Summary struct {
	Map       columnmap.ColumnMap
	OutputDir string
	Files     []FileSummary
	// Stopped is set when the operator declined a file.
	Stopped bool
}

// Runner processes every data file of a data root. Any error aborts the
// run: the failing file produces no output and later files are not
// touched.
type Runner struct {
	settings  Settings
	predictor Predictor
	sink      Sink
	confirmer Confirmer
	log       logrus.FieldLogger
}

// NewRunner wires a runner. sink may be nil; a nil confirmer processes
// every file.
func NewRunner(settings Settings, predictor Predictor, sink Sink, confirmer Confirmer, log logrus.FieldLogger) *Runner {
	if settings.Now == nil {
		settings.Now = time.Now
	}
	if confirmer == nil {
		confirmer = AlwaysConfirm
	}
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		log = l
	}
	return &Runner{settings: settings, predictor: predictor, sink: sink, confirmer: confirmer, log: log}
}

// OutputDirName is "<STRATEGY>_<MM-DD>_<HH-MM-SS>".
func OutputDirName(s window.Strategy, t time.Time) string {
	return fmt.Sprintf("%s_%s", s, t.Format("01-02_15-04-05"))
}

// OutputFileName is "<base>_<STRATEGY>_output.csv".
func OutputFileName(dataFile string, s window.Strategy) string {
	base := strings.TrimSuffix(filepath.Base(dataFile), filepath.Ext(dataFile))
	return fmt.Sprintf("%s_%s_output.csv", base, s)
}

// Run processes the data root.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	if _, err := window.ParseStrategy(string(r.settings.Strategy)); err != nil {
		return Summary{}, err
	}
	log := r.log.WithFields(logrus.Fields{"run_id": r.settings.RunID, "strategy": string(r.settings.Strategy)})

	layout, err := Discover(r.settings.DataRoot)
	if err != nil {
		return Summary{}, err
	}
	m, err := columnmap.ParseFile(layout.MapPath)
	if err != nil {
		return Summary{}, err
	}
	r.echoMap(log, layout.MapPath, m)

	summary := Summary{
		Map:       m,
		OutputDir: filepath.Join(layout.Root, OutputDirName(r.settings.Strategy, r.settings.Now())),
	}

	for _, file := range layout.DataFiles {
		fileLog := log.WithField("file", filepath.Base(file))

		result, err := dataset.AggregateFile(m, file)
		if err != nil {
			return summary, err
		}
		fileLog.WithFields(logrus.Fields{"dyads": len(result.Dyads), "turns": result.Turns(), "rows": result.Rows}).Info("loaded file")
		reportDiagnostics(fileLog, result)

		ok, err := r.confirmer.Confirm(file)
		if err != nil {
			return summary, fmt.Errorf("confirm %s: %w", file, err)
		}
		if !ok {
			fileLog.Info("stopped by operator")
			summary.Stopped = true
			return summary, nil
		}

		fs, err := r.processFile(ctx, m, file, result.Dyads, summary.OutputDir)
		if err != nil {
			return summary, err
		}
		fs.Turns = result.Turns()
		summary.Files = append(summary.Files, fs)
		fileLog.WithFields(logrus.Fields{"records": fs.Records, "skipped": fs.Skipped, "output": fs.Output}).Info("file done")
	}
	return summary, nil
}

func (r *Runner) echoMap(log logrus.FieldLogger, path string, m columnmap.ColumnMap) {
	fields := logrus.Fields{"column_map": filepath.Base(path), "type": string(m.Kind)}
	for k, v := range m.Describe() {
		fields[k] = v
	}
	log.WithFields(fields).Info("using column map")
}

func reportDiagnostics(log logrus.FieldLogger, result dataset.Result) {
	if len(result.MissingColumns) > 0 {
		log.WithField("columns", strings.Join(result.MissingColumns, ",")).Warn("configured columns missing from header")
	}
	for _, d := range result.Dyads {
		stats := compute.ComputeMetrics(d)
		log.WithFields(logrus.Fields{
			"dyad_id":      d.ID,
			"turns_a":      stats.A.Turns,
			"turns_b":      stats.B.Turns,
			"words_a":      stats.A.Words,
			"words_b":      stats.B.Words,
			"alternations": stats.Alternations,
		}).Debug("dyad loaded")
		if !d.Missing.Any() {
			continue
		}
		fields := logrus.Fields{"dyad_id": d.ID}
		for name, n := range d.Missing.NonZero() {
			fields["missing_"+name] = n
		}
		log.WithFields(fields).Warn("dyad has missing values")
	}
}

type outcome struct {
	window     window.Window
	prediction predict.Prediction
}

// classify fans out one task per dyad and, inside it, one per window.
// Results land in slots fixed at launch so output order never depends on
// completion order. The first error cancels every outstanding call.
func (r *Runner) classify(ctx context.Context, file string, dyads []dataset.Dyad) ([][]outcome, error) {
	var sem *semaphore.Weighted
	if r.settings.MaxConcurrency > 0 {
		sem = semaphore.NewWeighted(int64(r.settings.MaxConcurrency))
	}

	results := make([][]outcome, len(dyads))
	g, gctx := errgroup.WithContext(ctx)
	for i, d := range dyads {
		windows := window.Build(r.settings.Strategy, d)
		results[i] = make([]outcome, len(windows))
		target := predict.Target{File: filepath.Base(file), DyadID: d.ID}

		g.Go(func() error {
			inner, ictx := errgroup.WithContext(gctx)
			for j, w := range windows {
				inner.Go(func() error {
					if sem != nil {
						if err := sem.Acquire(ictx, 1); err != nil {
							return err
						}
						defer sem.Release(1)
					}
					pred, err := r.predictor.Predict(ictx, target, w)
					if err != nil {
						return err
					}
					results[i][j] = outcome{window: w, prediction: pred}
					return nil
				})
			}
			return inner.Wait()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("classify %s: %w", file, err)
	}
	return results, nil
}

func (r *Runner) processFile(ctx context.Context, m columnmap.ColumnMap, file string, dyads []dataset.Dyad, outDir string) (FileSummary, error) {
	results, err := r.classify(ctx, file, dyads)
	if err != nil {
		return FileSummary{}, err
	}

	fs := FileSummary{File: file, Dyads: len(dyads)}
	var records []*projector.Record
	var rows []store.Prediction
	for i, d := range dyads {
		for _, out := range results[i] {
			w, pred := out.window, out.prediction
			if pred.Skipped {
				fs.Skipped++
			}
			rec := projector.Project(m, d, projector.Input{
				Participant:    w.Participant,
				PredictedValue: pred.Value,
				Confidence:     pred.Confidence,
				Labels:         r.settings.Labels,
				Ordinality:     w.Ordinality,
				Transcript:     w.Transcript(),
			})
			records = append(records, rec)
			rows = append(rows, r.storeRow(file, d, out))
		}
	}
	fs.Records = len(records)

	if r.sink != nil {
		if err := r.sink.InsertPredictions(ctx, rows); err != nil {
			return FileSummary{}, fmt.Errorf("store predictions for %s: %w", file, err)
		}
	}
	output := filepath.Join(outDir, OutputFileName(file, r.settings.Strategy))
	if err := WriteCSV(output, records); err != nil {
		return FileSummary{}, fmt.Errorf("write output for %s: %w", file, err)
	}
	fs.Output = output
	return fs, nil
}

func (r *Runner) storeRow(file string, d dataset.Dyad, out outcome) store.Prediction {
	w, pred := out.window, out.prediction
	row := store.Prediction{
		RunID:          r.settings.RunID,
		File:           filepath.Base(file),
		DyadID:         d.ID,
		Participant:    string(w.Participant),
		WindowIndex:    w.Index,
		GroundTruth:    projector.GroundTruth(d, w.Participant),
		PredictedValue: pred.Value,
		ConfidenceJSON: "{}",
		Transcript:     w.Transcript(),
	}
	if w.Ordinality != nil {
		row.Ordinality = sql.NullFloat64{Float64: *w.Ordinality, Valid: true}
	}
	if pred.Confidence != nil {
		if pct, ok := pred.Confidence[pred.Value]; ok {
			row.ConfidencePercent = sql.NullFloat64{Float64: pct, Valid: true}
		}
		if raw, err := json.Marshal(pred.Confidence); err == nil {
			row.ConfidenceJSON = string(raw)
		}
	}
	return row
}
