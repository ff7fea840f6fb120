// Package predict runs one classifier request per window.
package predict

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tetraminz/dyad_predict/internal/confidence"
	"github.com/tetraminz/dyad_predict/internal/openai"
	"github.com/tetraminz/dyad_predict/internal/store"
	"github.com/tetraminz/dyad_predict/internal/window"
)

// maxAttempts bounds structured requests: the first try plus one retry
// with identical input.
const maxAttempts = 2

// Mode selects the request shape.
type Mode string

const (
	ModeStructured Mode = "structured"
	ModeTransform  Mode = "transform"
)

// Caller is the classifier seam.
type Caller interface {
	CallStructured(ctx context.Context, req openai.StructuredRequest) (openai.CallResult, error)
	CallText(ctx context.Context, req openai.TextRequest) (openai.CallResult, error)
}

// EventRecorder receives one audit event per classifier attempt.
type EventRecorder interface {
	InsertClassifierEvent(ctx context.Context, event store.ClassifierEvent) error
}

// Config is the per-run request configuration.
type Config struct {
	RunID       string
	Model       string
	Mode        Mode
	Question    string
	Prompt      string
	Labels      []string
	TopLogprobs int
}

// Target identifies the dyad a window belongs to.
type Target struct {
	File   string
	DyadID string
}

// Prediction is the outcome for one window. Confidence is nil when no
// log probability data was available.
type Prediction struct {
	Value      string
	Confidence confidence.Percentages
	Attempts   int
	Skipped    bool
}

// ClassifierResponseError reports a structured response that could not be
// parsed into a label after every attempt.
type ClassifierResponseError struct {
	Attempts int
	Content  string
	Err      error
}

func (e *ClassifierResponseError) Error() string {
	return fmt.Sprintf("classifier response unusable after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ClassifierResponseError) Unwrap() error {
	return e.Err
}

// Unit issues classifier requests for windows. It holds no per-window
// state and is safe for concurrent use.
type Unit struct {
	client Caller
	cfg    Config
	events EventRecorder
	log    logrus.FieldLogger
}

// NewUnit wires a unit. events may be nil.
func NewUnit(client Caller, cfg Config, events EventRecorder, log logrus.FieldLogger) *Unit {
	if cfg.Mode == "" {
		cfg.Mode = ModeStructured
	}
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		log = l
	}
	return &Unit{client: client, cfg: cfg, events: events, log: log}
}

// Config returns the unit's configuration.
func (u *Unit) Config() Config {
	return u.cfg
}

// Predict classifies or transforms one window. Empty windows are skipped
// without contacting the classifier.
func (u *Unit) Predict(ctx context.Context, target Target, w window.Window) (Prediction, error) {
	log := u.log.WithFields(logrus.Fields{
		"file":        target.File,
		"dyad_id":     target.DyadID,
		"participant": string(w.Participant),
		"window":      w.Index,
	})
	if w.Empty() {
		log.Warn("empty window, classifier not called")
		return Prediction{Skipped: true}, nil
	}

	if u.cfg.Mode == ModeTransform {
		return u.transform(ctx, target, w)
	}
	return u.classify(ctx, target, w, log)
}

func (u *Unit) transform(ctx context.Context, target Target, w window.Window) (Prediction, error) {
	result, err := u.client.CallText(ctx, openai.TextRequest{
		Model:    u.cfg.Model,
		Messages: openai.TransformMessages(u.cfg.Prompt, w),
	})
	event := u.event(target, w, 1, result)
	if err != nil {
		event.ErrorMessage = fmt.Sprintf("call_error: %v", err)
	} else {
		event.ParseOK = true
	}
	if recErr := u.record(ctx, event); recErr != nil {
		return Prediction{}, recErr
	}
	if err != nil {
		return Prediction{}, fmt.Errorf("transform dyad=%s participant=%s: %w", target.DyadID, w.Participant, err)
	}
	return Prediction{Value: result.Content, Attempts: 1}, nil
}

func (u *Unit) classify(ctx context.Context, target Target, w window.Window, log logrus.FieldLogger) (Prediction, error) {
	req := openai.StructuredRequest{
		Model:       u.cfg.Model,
		Messages:    openai.ParticipantMessages(w, u.cfg.Question),
		SchemaName:  openai.LabelSchemaName,
		Schema:      openai.LabelSchema(u.cfg.Labels),
		TopLogprobs: u.cfg.TopLogprobs,
	}

	var lastErr error
	var lastContent string
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, callErr := u.client.CallStructured(ctx, req)
		event := u.event(target, w, attempt, result)

		if callErr != nil {
			event.ErrorMessage = fmt.Sprintf("call_error: %v", callErr)
			if recErr := u.record(ctx, event); recErr != nil {
				return Prediction{}, recErr
			}
			return Prediction{}, fmt.Errorf("classify dyad=%s participant=%s: %w", target.DyadID, w.Participant, callErr)
		}

		label, parseErr := parseAnswer(result, u.cfg.Labels)
		if parseErr == nil {
			event.ParseOK = true
		} else {
			event.ErrorMessage = fmt.Sprintf("parse_error: %v", parseErr)
		}
		if recErr := u.record(ctx, event); recErr != nil {
			return Prediction{}, recErr
		}

		if parseErr == nil {
			return Prediction{
				Value:      label,
				Confidence: confidence.FromTokenLogprobs(label, u.cfg.Labels, positions(result.Logprobs)),
				Attempts:   attempt,
			}, nil
		}

		lastErr, lastContent = parseErr, result.Content
		if attempt < maxAttempts {
			log.WithField("attempt", attempt).WithError(parseErr).Warn("unparsable classifier response, retrying")
		}
	}
	return Prediction{}, &ClassifierResponseError{Attempts: maxAttempts, Content: lastContent, Err: lastErr}
}

func parseAnswer(result openai.CallResult, labels []string) (string, error) {
	if result.Refusal != "" && strings.TrimSpace(result.Content) == "" {
		return "", errors.New("refusal: " + result.Refusal)
	}
	return openai.ParseLabelAnswer(result.Content, labels)
}

func positions(tokens []openai.TokenLogprob) []confidence.Position {
	out := make([]confidence.Position, 0, len(tokens))
	for _, tok := range tokens {
		alts := make([]confidence.Alternative, 0, len(tok.TopLogprobs))
		for _, alt := range tok.TopLogprobs {
			alts = append(alts, confidence.Alternative{Token: alt.Token, Logprob: alt.Logprob})
		}
		out = append(out, confidence.Position{Token: tok.Token, Logprob: tok.Logprob, Alternatives: alts})
	}
	return out
}

func (u *Unit) event(target Target, w window.Window, attempt int, result openai.CallResult) store.ClassifierEvent {
	return store.ClassifierEvent{
		RunID:              u.cfg.RunID,
		File:               target.File,
		DyadID:             target.DyadID,
		Participant:        string(w.Participant),
		WindowIndex:        w.Index,
		Attempt:            attempt,
		Model:              u.cfg.Model,
		Mode:               string(u.cfg.Mode),
		RequestJSON:        result.RequestJSON,
		ResponseHTTPStatus: result.HTTPStatus,
		ResponseJSON:       result.ResponseJSON,
		Content:            result.Content,
	}
}

func (u *Unit) record(ctx context.Context, event store.ClassifierEvent) error {
	if u.events == nil {
		return nil
	}
	if err := u.events.InsertClassifierEvent(ctx, event); err != nil {
		return fmt.Errorf("write classifier event: %w", err)
	}
	return nil
}
