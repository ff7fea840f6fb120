package dataset

import (
	"fmt"
	"strings"
)

// MissingIdentifierError reports a row without a dyad id. It aborts the
// whole file.
type MissingIdentifierError struct {
	File   string
	Row    int
	Column string
}

func (e *MissingIdentifierError) Error() string {
	return fmt.Sprintf("%srow %d: missing dyad id in column %q", filePrefix(e.File), e.Row, e.Column)
}

// UnrecognizedDiscriminatorError reports a separate-rows row that cannot be
// attributed to either participant. It aborts the whole file.
type UnrecognizedDiscriminatorError struct {
	File     string
	Row      int
	Column   string
	Value    string
	Expected []string
}

func (e *UnrecognizedDiscriminatorError) Error() string {
	return fmt.Sprintf(
		"%srow %d: discriminator %q in column %q matches no participant (expected one of %s)",
		filePrefix(e.File), e.Row, e.Value, e.Column, quoteAll(e.Expected),
	)
}

func filePrefix(file string) string {
	if file == "" {
		return ""
	}
	return file + ": "
}

func quoteAll(values []string) string {
	quoted := make([]string, 0, len(values))
	for _, v := range values {
		quoted = append(quoted, fmt.Sprintf("%q", v))
	}
	return strings.Join(quoted, ", ")
}
