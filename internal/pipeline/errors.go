package pipeline

import (
	"errors"
	"fmt"
)

// Error kinds classify component failures so the orchestrator can decide
// between rejecting a submission, retrying, degrading, and failing the job.
// Only the human-readable message crosses the job-status boundary.
type Kind int

const (
	// KindInternal covers infrastructure faults (store, queue, artifact IO).
	KindInternal Kind = iota
	// KindValidation rejects a submission before a job row exists.
	KindValidation
	// KindData marks malformed financials input. Fatal, no retry.
	KindData
	// KindTemplate marks a malformed or tokenless template. Fatal, no retry.
	KindTemplate
	// KindNetwork marks transient failures of outbound calls. Retried with
	// backoff and degraded on exhaustion.
	KindNetwork
	// KindAssembly marks a structural failure while building the output. Fatal.
	KindAssembly
)

// Error carries a classified, user-presentable pipeline failure.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Message is the actionable text surfaced on the job record.
func (e *Error) Message() string { return e.Msg }

func newError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// ValidationError rejects bad or missing required input at submission.
func ValidationError(format string, args ...any) *Error {
	return newError(KindValidation, nil, format, args...)
}

// DataError marks unusable financials input.
func DataError(err error, format string, args ...any) *Error {
	return newError(KindData, err, format, args...)
}

// TemplateError marks an unusable template.
func TemplateError(err error, format string, args ...any) *Error {
	return newError(KindTemplate, err, format, args...)
}

// NetworkError marks a transient outbound failure.
func NetworkError(err error, format string, args ...any) *Error {
	return newError(KindNetwork, err, format, args...)
}

// AssemblyError marks a fatal structural failure in the output document.
func AssemblyError(err error, format string, args ...any) *Error {
	return newError(KindAssembly, err, format, args...)
}

// ClassifyKind extracts the pipeline kind from an error chain, defaulting to
// KindInternal for unclassified failures.
func ClassifyKind(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// UserMessage renders the non-empty, actionable message for a failed job.
func UserMessage(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Msg
	}
	return "internal error while processing the job"
}
