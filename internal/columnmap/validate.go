package columnmap

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Problem is one missing or malformed field of an attempted variant.
type Problem struct {
	Field  string
	Reason string
}

func (p Problem) String() string {
	return p.Field + " " + p.Reason
}

// Attempt records why a document did not match one variant.
type Attempt struct {
	Variant  Kind
	Problems []Problem
}

// ConfigurationError reports a column map that matches no variant. It names
// every attempted variant with its problems and renders an example of each
// valid variant so the operator can fix the file without reading code.
type ConfigurationError struct {
	Source   string
	Cause    error
	Attempts []Attempt
}

func (e *ConfigurationError) Error() string {
	var b strings.Builder
	b.WriteString("failed to parse or validate column map")
	if e.Source != "" {
		fmt.Fprintf(&b, " %q", e.Source)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	for _, attempt := range e.Attempts {
		parts := make([]string, 0, len(attempt.Problems))
		for _, p := range attempt.Problems {
			parts = append(parts, p.String())
		}
		fmt.Fprintf(&b, "\n  - as %s: %s", attempt.Variant, strings.Join(parts, "; "))
	}
	b.WriteString("\n\nPlease use one of the following formats:\n\n")
	b.WriteString(Examples())
	return b.String()
}

func (e *ConfigurationError) Unwrap() error {
	return e.Cause
}

// Parse validates raw JSON against both variants and returns the match.
func Parse(raw []byte) (ColumnMap, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return ColumnMap{}, &ConfigurationError{Cause: fmt.Errorf("not a JSON object: %w", err)}
	}

	kind, tagDetail := readKind(fields)
	candidates := Kinds
	if tagDetail == "" {
		candidates = []Kind{kind}
	}

	cfgErr := &ConfigurationError{}
	for _, candidate := range candidates {
		m, problems := decodeVariant(candidate, raw)
		if tagDetail != "" {
			tag := Problem{Field: "type", Reason: fmt.Sprintf("must be %q (%s)", candidate, tagDetail)}
			problems = mergeProblems([]Problem{tag}, problems)
		}
		if len(problems) == 0 {
			return m, nil
		}
		cfgErr.Attempts = append(cfgErr.Attempts, Attempt{Variant: candidate, Problems: problems})
	}
	return ColumnMap{}, cfgErr
}

func readKind(fields map[string]json.RawMessage) (Kind, string) {
	raw, ok := fields["type"]
	if !ok {
		return "", "missing"
	}
	var tag string
	if err := json.Unmarshal(raw, &tag); err != nil {
		return "", "got " + string(raw)
	}
	for _, k := range Kinds {
		if Kind(tag) == k {
			return k, ""
		}
	}
	return "", fmt.Sprintf("got %q", tag)
}

func decodeVariant(kind Kind, raw []byte) (ColumnMap, []Problem) {
	switch kind {
	case BothParticipantsInOneRow:
		var v BothParticipantsMap
		problems := decodeProblems(json.Unmarshal(raw, &v))
		problems = mergeProblems(problems, structProblems(&v))
		v.Type = kind
		return ColumnMap{Kind: kind, BothParticipants: &v}, problems
	case EachParticipantInSeparateRows:
		var v SeparateRowsMap
		problems := decodeProblems(json.Unmarshal(raw, &v))
		problems = mergeProblems(problems, structProblems(&v))
		a, b := v.ParticipantAColumns.DiscriminatorValue, v.ParticipantBColumns.DiscriminatorValue
		if a != "" && a == b {
			problems = append(problems, Problem{
				Field:  "participantBColumns.discriminatorValue",
				Reason: "must differ from participantAColumns.discriminatorValue",
			})
		}
		v.Type = kind
		return ColumnMap{Kind: kind, SeparateRows: &v}, problems
	}
	return ColumnMap{}, []Problem{{Field: "type", Reason: "unsupported variant"}}
}

func decodeProblems(err error) []Problem {
	if err == nil {
		return nil
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		field := typeErr.Field
		if field == "" {
			field = "(root)"
		}
		return []Problem{{
			Field:  field,
			Reason: fmt.Sprintf("must be %s, got %s", jsonTypeName(typeErr.Type), typeErr.Value),
		}}
	}
	return []Problem{{Field: "(root)", Reason: err.Error()}}
}

func structProblems(v any) []Problem {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []Problem{{Field: "(root)", Reason: err.Error()}}
	}
	problems := make([]Problem, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		path := fe.Namespace()
		if i := strings.Index(path, "."); i >= 0 {
			path = path[i+1:]
		}
		reason := "is required"
		if fe.Tag() != "required" {
			reason = "failed " + fe.Tag()
		}
		problems = append(problems, Problem{Field: path, Reason: reason})
	}
	return problems
}

// mergeProblems appends extra problems unless a field (or one of its
// parents) is already reported.
func mergeProblems(base, extra []Problem) []Problem {
	out := append([]Problem(nil), base...)
	for _, p := range extra {
		covered := false
		for _, existing := range base {
			if p.Field == existing.Field || strings.HasPrefix(p.Field, existing.Field+".") {
				covered = true
				break
			}
		}
		if !covered {
			out = append(out, p)
		}
	}
	return out
}

func jsonTypeName(t reflect.Type) string {
	if t == nil {
		return "a value"
	}
	switch t.Kind() {
	case reflect.String:
		return "a string"
	case reflect.Struct, reflect.Map:
		return "an object"
	case reflect.Slice, reflect.Array:
		return "an array"
	case reflect.Bool:
		return "a boolean"
	default:
		return "a number"
	}
}

// Example returns a valid sample document for the variant.
func Example(kind Kind) any {
	switch kind {
	case BothParticipantsInOneRow:
		return BothParticipantsMap{
			Type:             BothParticipantsInOneRow,
			DyadIDColumnName: "dyad_id",
			ParticipantAColumns: ParticipantColumns{
				OrdinalityColumnName: "participant_a_time",
				TranscriptColumnName: "participant_a_text",
				ToPredictColumnName:  "participant_a_actual_value",
			},
			ParticipantBColumns: ParticipantColumns{
				OrdinalityColumnName: "participant_b_time",
				TranscriptColumnName: "participant_b_text",
				ToPredictColumnName:  "participant_b_actual_value",
			},
		}
	case EachParticipantInSeparateRows:
		return SeparateRowsMap{
			Type:                               EachParticipantInSeparateRows,
			DyadIDColumnName:                   "dyad_id",
			ParticipantDiscriminatorColumnName: "speaker",
			ParticipantAColumns: DiscriminatedColumns{
				DiscriminatorValue:   "A",
				OrdinalityColumnName: "time",
				TranscriptColumnName: "text",
				ToPredictColumnName:  "actual_value",
			},
			ParticipantBColumns: DiscriminatedColumns{
				DiscriminatorValue:   "B",
				OrdinalityColumnName: "time",
				TranscriptColumnName: "text",
				ToPredictColumnName:  "actual_value",
			},
		}
	}
	return nil
}

// Examples renders one example per variant as indented JSON.
func Examples() string {
	var b strings.Builder
	for _, kind := range Kinds {
		raw, err := json.MarshalIndent(Example(kind), "", "  ")
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "- %s\n%s\n\n", kind, raw)
	}
	return b.String()
}
