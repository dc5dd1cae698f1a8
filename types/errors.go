package types

import (
	"errors"
	"fmt"
)

var (
	ErrNoEligiblePosting = errors.New("no eligible posting")
	ErrPostingNotFound   = errors.New("posting not found")
	// ErrClaimLost means the conditional update found the posting already moved on.
	ErrClaimLost = errors.New("posting claimed by another execution")
	// ErrTransitionRejected means the store refused a status move outside the state machine.
	ErrTransitionRejected = errors.New("status transition rejected")
)

// ErrorKind classifies step failures so operators can tell them apart in error_message.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindScriptGeneration
	KindUpstream
	KindTimeout
	KindRemoteFailure
	KindTransfer
	KindAuthRequired
)

func (k ErrorKind) String() string {
	switch k {
	case KindScriptGeneration:
		return "script generation failed"
	case KindUpstream:
		return "upstream error"
	case KindTimeout:
		return "video generation timed out"
	case KindRemoteFailure:
		return "video generation failed"
	case KindTransfer:
		return "transfer failed"
	case KindAuthRequired:
		return "authorization required"
	default:
		return "internal error"
	}
}

// PipelineError is a classified step failure.
type PipelineError struct {
	Kind ErrorKind
	Err  error
}

func (e *PipelineError) Error() string { return e.Kind.String() + ": " + e.Err.Error() }
func (e *PipelineError) Unwrap() error { return e.Err }

func newKind(kind ErrorKind, format string, args ...any) error {
	return &PipelineError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// ScriptGenerationError marks bad or empty input to the script step. It is never retried.
func ScriptGenerationError(format string, args ...any) error {
	return newKind(KindScriptGeneration, format, args...)
}
// UpstreamError marks a refused or malformed reply from an external service after retries.
func UpstreamError(format string, args ...any) error { return newKind(KindUpstream, format, args...) }
// TimeoutError marks a render that did not finish within the poll budget.
func TimeoutError(format string, args ...any) error  { return newKind(KindTimeout, format, args...) }
// RemoteFailureError marks a render the video service reported as failed.
func RemoteFailureError(format string, args ...any) error {
	return newKind(KindRemoteFailure, format, args...)
}
// TransferError marks a download or upload integrity failure.
func TransferError(format string, args ...any) error { return newKind(KindTransfer, format, args...) }
// AuthRequiredError marks a publish that needs an operator to re-authorize.
func AuthRequiredError(format string, args ...any) error {
	return newKind(KindAuthRequired, format, args...)
}

// KindOf returns the kind of the first PipelineError in err's chain, or KindInternal.
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var pe *PipelineError
	return errors.As(err, &pe) && pe.Kind == kind
}

// FailureMessage renders the error_message stored for a failed posting: "<kind>: <detail>".
func FailureMessage(err error) string {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Error()
	}
	return KindInternal.String() + ": " + err.Error()
}
