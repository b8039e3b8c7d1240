package transcript

import (
	"errors"
	"fmt"
)

// Kind classifies a stage failure. The orchestrator keys its reaction off
// the kind, never off error text.
type Kind string

const (
	// KindValidation marks a malformed secret or startup misconfiguration.
	// Fatal; aborts the pipeline without attempting any stage.
	KindValidation Kind = "validation"
	// KindAuth marks a 401/403/407/429 from the proxy or upstream.
	// Triggers session rotation, then advance to the next stage.
	KindAuth Kind = "auth"
	// KindUnreachable marks network-level connectivity failure.
	KindUnreachable Kind = "unreachable"
	// KindTimeout marks a stage exceeding its own deadline. Feeds the
	// circuit breaker only when raised by the browser capture stage.
	KindTimeout Kind = "timeout"
	// KindContentInvalid marks an HTML consent/blocking page where
	// structured transcript content was expected.
	KindContentInvalid Kind = "content_invalid"
	// KindUnavailable marks a stage that had nothing to offer for this
	// video (no tracks, empty panel). Not an operational fault.
	KindUnavailable Kind = "unavailable"
)

// StageError carries a classified failure across a stage boundary.
type StageError struct {
	Kind  Kind
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// NewStageError wraps err with a kind. A nil err gets a placeholder so the
// caller can always log something.
func NewStageError(kind Kind, err error) *StageError {
	if err == nil {
		err = errors.New(string(kind))
	}
	return &StageError{Kind: kind, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, format string, args ...any) *StageError {
	return &StageError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the classification from err, defaulting to
// KindUnavailable for unclassified failures.
func KindOf(err error) Kind {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnavailable
}
