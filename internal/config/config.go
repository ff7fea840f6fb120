// Package config resolves run settings from flags, DYAD_* environment
// variables and an optional config file.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/tetraminz/dyad_predict/internal/openai"
	"github.com/tetraminz/dyad_predict/internal/predict"
	"github.com/tetraminz/dyad_predict/internal/window"
)

// EnvPrefix prefixes every environment override, e.g. DYAD_STRATEGY.
const EnvPrefix = "DYAD"

// Flag and viper keys.
const (
	KeyDataDir        = "data-dir"
	KeyStrategy       = "strategy"
	KeyModel          = "model"
	KeyQuestion       = "question"
	KeyLabels         = "labels"
	KeyTransform      = "transform"
	KeyYes            = "yes"
	KeyDB             = "db"
	KeyBaseURL        = "base-url"
	KeyTopLogprobs    = "top-logprobs"
	KeyMaxConcurrency = "max-concurrency"
	KeyAPIKey         = "api-key"
	KeyLogLevel       = "log-level"
	KeyLogFormat      = "log-format"
)

// Defaults.
const (
	DefaultDataDir     = "data"
	DefaultDataset     = "_test"
	DefaultStrategy    = string(window.EachTurnAlone)
	DefaultQuestion    = "Which gender do you identify as?"
	DefaultLabels      = "male,female"
	DefaultDBPath      = "out/predictions.db"
	DefaultTopLogprobs = 10
)

// Run holds validated settings for the run command.
type Run struct {
	DataDir         string `validate:"required"`
	Dataset         string `validate:"required"`
	Strategy        window.Strategy
	Model           string `validate:"required"`
	Question        string
	Labels          []string
	TransformPrompt string
	Yes             bool
	DBPath          string
	BaseURL         string
	APIKey          string `validate:"required"`
	TopLogprobs     int    `validate:"gte=0,lte=20"`
	MaxConcurrency  int    `validate:"gte=0"`
}

// DataRoot is the directory holding the column map and data files.
func (r Run) DataRoot() string {
	return filepath.Join(r.DataDir, r.Dataset)
}

// Mode reports which request shape the run uses.
func (r Run) Mode() predict.Mode {
	if r.TransformPrompt != "" {
		return predict.ModeTransform
	}
	return predict.ModeStructured
}

// Prompt returns the question or the transformation prompt.
func (r Run) Prompt() string {
	if r.Mode() == predict.ModeTransform {
		return r.TransformPrompt
	}
	return r.Question
}

// Logging holds logger settings shared by every command.
type Logging struct {
	Level  string
	Format string
}

// New returns a viper instance reading DYAD_* variables.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	// The API key is also read from its conventional name.
	_ = v.BindEnv(KeyAPIKey, "OPENAI_API_KEY", EnvPrefix+"_API_KEY")
	return v
}

// ReadFile merges an optional config file into v.
func ReadFile(v *viper.Viper, path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %q: %w", path, err)
	}
	return nil
}

// RegisterLoggingFlags adds the logging flags to fs and binds them.
func RegisterLoggingFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	fs.String(KeyLogLevel, "info", "Log level: debug|info|warn|error")
	fs.String(KeyLogFormat, "text", "Log format: text|json")
	return bindAll(v, fs, KeyLogLevel, KeyLogFormat)
}

// LoadLogging reads logging settings.
func LoadLogging(v *viper.Viper) Logging {
	return Logging{Level: v.GetString(KeyLogLevel), Format: v.GetString(KeyLogFormat)}
}

// RegisterRunFlags adds the run flags to fs and binds them.
func RegisterRunFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	fs.String(KeyDataDir, DefaultDataDir, "Directory containing datasets")
	fs.String(KeyStrategy, DefaultStrategy, "Window strategy: "+strategies())
	fs.String(KeyModel, openai.DefaultModel, "Classifier model identifier")
	fs.String(KeyQuestion, DefaultQuestion, "Question asked of each participant in structured mode")
	fs.String(KeyLabels, DefaultLabels, "Comma separated label set for structured mode")
	fs.String(KeyTransform, "", "Free-form transformation prompt; selects transformation mode when set")
	fs.BoolP(KeyYes, "y", false, "Process every file without asking for confirmation")
	fs.String(KeyDB, DefaultDBPath, "SQLite database for runs and audit events; empty disables persistence")
	fs.String(KeyBaseURL, openai.DefaultBaseURL, "Classifier API base URL")
	fs.Int(KeyTopLogprobs, DefaultTopLogprobs, "Alternatives requested per token position")
	fs.Int(KeyMaxConcurrency, 0, "Maximum concurrent classifier requests per file; 0 is unbounded")
	return bindAll(v, fs,
		KeyDataDir, KeyStrategy, KeyModel, KeyQuestion, KeyLabels, KeyTransform, KeyYes,
		KeyDB, KeyBaseURL, KeyTopLogprobs, KeyMaxConcurrency,
	)
}

// LoadRun reads and validates run settings. dataset is the optional
// positional argument.
func LoadRun(v *viper.Viper, dataset string) (Run, error) {
	if strings.TrimSpace(dataset) == "" {
		dataset = DefaultDataset
	}
	strategy, err := window.ParseStrategy(strings.TrimSpace(v.GetString(KeyStrategy)))
	if err != nil {
		return Run{}, err
	}

	r := Run{
		DataDir:         strings.TrimSpace(v.GetString(KeyDataDir)),
		Dataset:         strings.TrimSpace(dataset),
		Strategy:        strategy,
		Model:           strings.TrimSpace(v.GetString(KeyModel)),
		Question:        v.GetString(KeyQuestion),
		Labels:          SplitLabels(v.GetString(KeyLabels)),
		TransformPrompt: strings.TrimSpace(v.GetString(KeyTransform)),
		Yes:             v.GetBool(KeyYes),
		DBPath:          strings.TrimSpace(v.GetString(KeyDB)),
		BaseURL:         strings.TrimSpace(v.GetString(KeyBaseURL)),
		APIKey:          strings.TrimSpace(v.GetString(KeyAPIKey)),
		TopLogprobs:     v.GetInt(KeyTopLogprobs),
		MaxConcurrency:  v.GetInt(KeyMaxConcurrency),
	}
	if err := r.Validate(); err != nil {
		return Run{}, err
	}
	return r, nil
}

var validate = validator.New()

// Validate checks field ranges and the mode-specific requirements.
func (r Run) Validate() error {
	if err := validate.Struct(r); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			return fmt.Errorf("invalid run settings: %s", describe(fieldErrs))
		}
		return fmt.Errorf("invalid run settings: %w", err)
	}
	if _, err := window.ParseStrategy(string(r.Strategy)); err != nil {
		return err
	}
	if r.Mode() == predict.ModeTransform {
		return nil
	}
	if strings.TrimSpace(r.Question) == "" {
		return errors.New("invalid run settings: question is required in structured mode")
	}
	if len(r.Labels) < 2 {
		return fmt.Errorf("invalid run settings: at least two distinct labels are required, got %d", len(r.Labels))
	}
	return nil
}

// SplitLabels splits a comma separated list, dropping blanks and
// duplicates while keeping order.
func SplitLabels(raw string) []string {
	seen := map[string]bool{}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		label := strings.TrimSpace(part)
		if label == "" || seen[label] {
			continue
		}
		seen[label] = true
		out = append(out, label)
	}
	return out
}

func describe(errs validator.ValidationErrors) string {
	parts := make([]string, 0, len(errs))
	for _, fe := range errs {
		name := flagName(fe.Field())
		switch fe.Tag() {
		case "required":
			parts = append(parts, name+" is required")
		default:
			parts = append(parts, fmt.Sprintf("%s must satisfy %s=%s", name, fe.Tag(), fe.Param()))
		}
	}
	return strings.Join(parts, "; ")
}

func flagName(field string) string {
	switch field {
	case "APIKey":
		return "OPENAI_API_KEY"
	case "DataDir":
		return "--" + KeyDataDir
	case "TopLogprobs":
		return "--" + KeyTopLogprobs
	case "MaxConcurrency":
		return "--" + KeyMaxConcurrency
	}
	return strings.ToLower(field)
}

func bindAll(v *viper.Viper, fs *pflag.FlagSet, keys ...string) error {
	for _, key := range keys {
		if err := v.BindPFlag(key, fs.Lookup(key)); err != nil {
			return fmt.Errorf("bind flag %s: %w", key, err)
		}
	}
	return nil
}

func strategies() string {
	names := make([]string, 0, len(window.Strategies))
	for _, s := range window.Strategies {
		names = append(names, string(s))
	}
	return strings.Join(names, "|")
}
