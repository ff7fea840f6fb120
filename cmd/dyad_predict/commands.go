package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tetraminz/dyad_predict/internal/columnmap"
	"github.com/tetraminz/dyad_predict/internal/config"
	"github.com/tetraminz/dyad_predict/internal/logging"
	"github.com/tetraminz/dyad_predict/internal/openai"
	"github.com/tetraminz/dyad_predict/internal/pipeline"
	"github.com/tetraminz/dyad_predict/internal/predict"
	"github.com/tetraminz/dyad_predict/internal/report"
	"github.com/tetraminz/dyad_predict/internal/store"
)

type app struct {
	v      *viper.Viper
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	log    *logrus.Logger
}

func newRootCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	a := &app{v: config.New(), stdin: stdin, stdout: stdout, stderr: stderr}

	var configPath string
	root := &cobra.Command{
		Use:           "dyad_predict",
		Short:         "Predict participant attributes from dyadic conversation transcripts",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.ReadFile(a.v, configPath); err != nil {
				return err
			}
			lc := config.LoadLogging(a.v)
			log, err := logging.New(lc.Level, lc.Format, a.stderr)
			if err != nil {
				return err
			}
			a.log = log
			return nil
		},
	}
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&configPath, "config", "", "Optional config file (yaml, json or toml)")
	cobra.CheckErr(config.RegisterLoggingFlags(a.v, root.PersistentFlags()))

	root.AddCommand(a.runCmd(), a.reportCmd(), a.validateMapCmd())
	return root
}

func (a *app) runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [dataset]",
		Short: "Classify every data file of a dataset directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dataset := ""
			if len(args) == 1 {
				dataset = args[0]
			}
			cfg, err := config.LoadRun(a.v, dataset)
			if err != nil {
				return err
			}
			return a.run(cmd.Context(), cfg)
		},
	}
	cobra.CheckErr(config.RegisterRunFlags(a.v, cmd.Flags()))
	return cmd
}

func (a *app) run(ctx context.Context, cfg config.Run) (err error) {
	runID := uuid.NewString()
	log := a.log.WithField("run_id", runID)

	var db *store.SQLiteStore
	if cfg.DBPath != "" {
		db, err = store.Open(cfg.DBPath)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.BeginRun(ctx, store.Run{
			RunID:    runID,
			DataRoot: cfg.DataRoot(),
			Strategy: string(cfg.Strategy),
			Mode:     string(cfg.Mode()),
			Model:    cfg.Model,
			Question: cfg.Prompt(),
			Labels:   strings.Join(cfg.Labels, ","),
		}); err != nil {
			return err
		}
		defer func() {
			status, msg := store.RunStatusDone, ""
			switch {
			case ctx.Err() != nil:
				status, msg = store.RunStatusCanceled, ctx.Err().Error()
			case err != nil:
				status, msg = store.RunStatusFailed, err.Error()
			}
			// The run context may already be canceled here.
			if finishErr := db.FinishRun(context.WithoutCancel(ctx), runID, status, msg); finishErr != nil && err == nil {
				err = finishErr
			}
		}()
	}

	client := openai.NewClient(cfg.APIKey, cfg.BaseURL, nil)
	unit := predict.NewUnit(client, predict.Config{
		RunID:       runID,
		Model:       cfg.Model,
		Mode:        cfg.Mode(),
		Question:    cfg.Question,
		Prompt:      cfg.TransformPrompt,
		Labels:      cfg.Labels,
		TopLogprobs: cfg.TopLogprobs,
	}, eventRecorder(db), log)

	var confirmer pipeline.Confirmer = pipeline.AlwaysConfirm
	if !cfg.Yes {
		confirmer = newPromptConfirmer(a.stdin, a.stdout)
	}

	log.WithFields(logrus.Fields{
		"data_root": cfg.DataRoot(),
		"strategy":  string(cfg.Strategy),
		"mode":      string(cfg.Mode()),
		"model":     cfg.Model,
	}).Info("run started")

	summary, err := pipeline.NewRunner(pipeline.Settings{
		RunID:          runID,
		DataRoot:       cfg.DataRoot(),
		Strategy:       cfg.Strategy,
		Labels:         cfg.Labels,
		MaxConcurrency: cfg.MaxConcurrency,
	}, unit, sink(db), confirmer, log).Run(ctx)
	if err != nil {
		return err
	}

	for _, fs := range summary.Files {
		fmt.Fprintf(a.stdout, "file=%s dyads=%d turns=%d records=%d skipped=%d output=%s\n",
			filepath.Base(fs.File), fs.Dyads, fs.Turns, fs.Records, fs.Skipped, fs.Output)
	}
	fmt.Fprintf(a.stdout, "run_id=%s files=%d stopped=%t\n", runID, len(summary.Files), summary.Stopped)
	return nil
}

// A nil *SQLiteStore must not reach the interfaces as a non-nil value.
func eventRecorder(db *store.SQLiteStore) predict.EventRecorder {
	if db == nil {
		return nil
	}
	return db
}

func sink(db *store.SQLiteStore) pipeline.Sink {
	if db == nil {
		return nil
	}
	return db
}

type promptConfirmer struct {
	in  *bufio.Reader
	out io.Writer
}

func newPromptConfirmer(in io.Reader, out io.Writer) *promptConfirmer {
	return &promptConfirmer{in: bufio.NewReader(in), out: out}
}

// Confirm proceeds on an empty line and stops on anything else.
func (c *promptConfirmer) Confirm(file string) (bool, error) {
	fmt.Fprintf(c.out, "Press enter to process %s or enter any text to quit...\n", filepath.Base(file))
	line, err := c.in.ReadString('\n')
	switch {
	case errors.Is(err, io.EOF) && line == "":
		// Closed input stops the run.
		return false, nil
	case err != nil && !errors.Is(err, io.EOF):
		return false, fmt.Errorf("read confirmation: %w", err)
	}
	return strings.TrimSpace(line) == "", nil
}

func (a *app) reportCmd() *cobra.Command {
	var dbPath, runID string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print accuracy and confidence metrics for a stored run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed(config.KeyDB) {
				if fromEnv := strings.TrimSpace(a.v.GetString(config.KeyDB)); fromEnv != "" {
					dbPath = fromEnv
				}
			}
			db, err := store.Open(dbPath)
			if err != nil {
				return err
			}
			defer db.Close()

			m, err := report.Load(cmd.Context(), db, runID)
			if err != nil {
				return err
			}
			report.Print(a.stdout, m)
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, config.KeyDB, config.DefaultDBPath, "SQLite database written by run")
	cmd.Flags().StringVar(&runID, "run-id", "", "Run to report on; defaults to the latest run")
	return cmd
}

func (a *app) validateMapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-map <path>",
		Short: "Check a column map file and print its resolved configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			m, err := columnmap.ParseFile(args[0])
			if err != nil {
				return err
			}
			described := m.Describe()
			keys := make([]string, 0, len(described))
			for k := range described {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			fmt.Fprintf(a.stdout, "type=%s\n", m.Kind)
			for _, k := range keys {
				fmt.Fprintf(a.stdout, "%s=%s\n", k, described[k])
			}
			return nil
		},
	}
}
