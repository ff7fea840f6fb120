package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tetraminz/dyad_predict/internal/predict"
	"github.com/tetraminz/dyad_predict/internal/window"
)

func newRunViper(t *testing.T, args ...string) *viper.Viper {
	t.Helper()
	v := New()
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	require.NoError(t, RegisterRunFlags(v, fs))
	require.NoError(t, fs.Parse(args))
	return v
}

func TestLoadRunDefaults(t *testing.T) {
	v := newRunViper(t)
	v.Set(KeyAPIKey, "sk-test")

	r, err := LoadRun(v, "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("data", "_test"), r.DataRoot())
	assert.Equal(t, window.EachTurnAlone, r.Strategy)
	assert.Equal(t, "gpt-4o-mini", r.Model)
	assert.Equal(t, []string{"male", "female"}, r.Labels)
	assert.Equal(t, predict.ModeStructured, r.Mode())
	assert.Equal(t, DefaultQuestion, r.Prompt())
	assert.Equal(t, DefaultDBPath, r.DBPath)
	assert.Equal(t, 10, r.TopLogprobs)
	assert.Zero(t, r.MaxConcurrency)
}

func TestLoadRunFlagsAndTransformMode(t *testing.T) {
	v := newRunViper(t,
		"--strategy", "EACH_PARTICIPANT_ALONE",
		"--transform", "Summarize.",
		"--labels", "",
		"--db", "",
		"-y",
	)
	v.Set(KeyAPIKey, "sk-test")

	r, err := LoadRun(v, "study1")
	require.NoError(t, err)
	assert.Equal(t, window.EachParticipantAlone, r.Strategy)
	assert.Equal(t, predict.ModeTransform, r.Mode())
	assert.Equal(t, "Summarize.", r.Prompt())
	assert.Empty(t, r.DBPath)
	assert.True(t, r.Yes)
	assert.Equal(t, "study1", r.Dataset)
}

func TestLoadRunUnknownStrategy(t *testing.T) {
	v := newRunViper(t, "--strategy", "ALL_AT_ONCE")
	v.Set(KeyAPIKey, "sk-test")

	_, err := LoadRun(v, "")
	var stratErr *window.UnknownStrategyError
	require.True(t, errors.As(err, &stratErr))
	assert.Equal(t, "ALL_AT_ONCE", stratErr.Value)
}

func TestLoadRunRequiresAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("DYAD_API_KEY", "")

	_, err := LoadRun(newRunViper(t), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OPENAI_API_KEY is required")
}

func TestLoadRunReadsEnvironment(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("DYAD_MAX_CONCURRENCY", "4")
	t.Setenv("DYAD_LABELS", "yes, no, yes")

	r, err := LoadRun(newRunViper(t), "")
	require.NoError(t, err)
	assert.Equal(t, "sk-env", r.APIKey)
	assert.Equal(t, 4, r.MaxConcurrency)
	assert.Equal(t, []string{"yes", "no"}, r.Labels)
}

func TestLoadRunValidatesRanges(t *testing.T) {
	v := newRunViper(t, "--top-logprobs", "50", "--labels", "only")
	v.Set(KeyAPIKey, "sk-test")

	_, err := LoadRun(v, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--top-logprobs")

	v = newRunViper(t, "--labels", "only")
	v.Set(KeyAPIKey, "sk-test")
	_, err = LoadRun(v, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "two distinct labels")
}

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dyad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("model: gpt-4o\nmax-concurrency: 2\n"), 0o644))

	v := newRunViper(t)
	require.NoError(t, ReadFile(v, path))
	v.Set(KeyAPIKey, "sk-test")

	r, err := LoadRun(v, "")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", r.Model)
	assert.Equal(t, 2, r.MaxConcurrency)

	assert.Error(t, ReadFile(New(), filepath.Join(t.TempDir(), "missing.yaml")))
	assert.NoError(t, ReadFile(New(), ""))
}

func TestLoggingFlags(t *testing.T) {
	v := New()
	fs := pflag.NewFlagSet("root", pflag.ContinueOnError)
	require.NoError(t, RegisterLoggingFlags(v, fs))
	require.NoError(t, fs.Parse([]string{"--log-format", "json"}))

	assert.Equal(t, Logging{Level: "info", Format: "json"}, LoadLogging(v))
}
