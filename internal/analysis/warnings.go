package analysis

import (
	"errors"
	"fmt"
)

// WarningKind classifies a recoverable problem raised during a run.
type WarningKind string

const (
	WarnTaskExecution        WarningKind = "task_execution"
	WarnEmbedding            WarningKind = "embedding"
	WarnRetrievalUnavailable WarningKind = "retrieval_unavailable"
	WarnLanguageModel        WarningKind = "language_model"
	WarnGuardrail            WarningKind = "guardrail"
)

// Severity of a warning. High-severity warnings mean the run output is
// incomplete or unreliable.
type Severity string

const (
	SeverityLow  Severity = "low"
	SeverityHigh Severity = "high"
)

// Warning is a non-fatal problem recorded on the run state.
type Warning struct {
	Kind     WarningKind `json:"kind"`
	Severity Severity    `json:"severity"`
	Message  string      `json:"message"`
}

func (w Warning) String() string {
	return fmt.Sprintf("[%s] %s", w.Kind, w.Message)
}

// Warnf builds a low-severity warning.
func Warnf(kind WarningKind, format string, args ...any) Warning {
	return Warning{Kind: kind, Severity: SeverityLow, Message: fmt.Sprintf(format, args...)}
}

// ValidationError is a fatal input problem detected before any analysis
// work starts, such as an unknown feed or a feed without versions.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// NewValidationError creates a ValidationError.
func NewValidationError(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err wraps a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
