package types

import (
	"errors"
	"fmt"
)

// FailureKind classifies call failures. Recoverable kinds drive the
// queue's retry path and never reach the HTTP layer directly.
type FailureKind int

const (
	// FailAuthInvalid indicates a signature/issuer mismatch or a tenant
	// that is not live anywhere. Surfaced as HTTP 401, no retry.
	FailAuthInvalid FailureKind = iota
	// FailNoConnection indicates the tenant token has no registered
	// connection. No retry.
	FailNoConnection
	// FailNoResponse indicates the deadline elapsed with no reply.
	// Recoverable.
	FailNoResponse
	// FailRemote indicates a reply arrived with success=false.
	// Recoverable.
	FailRemote
	// FailEmptyPayload indicates a binary reply succeeded but carried
	// zero bytes. Recoverable.
	FailEmptyPayload
	// FailRetriesExhausted indicates all attempts were consumed.
	// Terminal, surfaced as HTTP 500.
	FailRetriesExhausted
)

// String returns the log label for the failure kind.
func (k FailureKind) String() string {
	switch k {
	case FailAuthInvalid:
		return "auth_invalid"
	case FailNoConnection:
		return "no_connection"
	case FailNoResponse:
		return "no_response"
	case FailRemote:
		return "remote_failure"
	case FailEmptyPayload:
		return "empty_payload"
	case FailRetriesExhausted:
		return "retries_exhausted"
	default:
		return "unknown"
	}
}

// CallError is a classified call failure. It carries the call kind and
// correlation id of the attempt that produced it for traceability.
type CallError struct {
	Kind          FailureKind
	CallKind      CallKind
	CorrelationID string
	Msg           string
	Err           error
}

func (e *CallError) Error() string {
	base := fmt.Sprintf("[%s] %s (%s)", e.CallKind, e.Msg, e.CorrelationID)
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", base, e.Err)
	}
	return base
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// IsRecoverable returns true if this failure should drive a retry.
func (e *CallError) IsRecoverable() bool {
	switch e.Kind {
	case FailNoResponse, FailRemote, FailEmptyPayload:
		return true
	}
	return false
}

// IsRecoverable returns true if the error is a recoverable call failure.
func IsRecoverable(err error) bool {
	var callErr *CallError
	if errors.As(err, &callErr) {
		return callErr.IsRecoverable()
	}
	return false
}

// FailureKindOf extracts the failure kind from an error chain.
// Returns FailRetriesExhausted, false for non-call errors.
func FailureKindOf(err error) (FailureKind, bool) {
	var callErr *CallError
	if errors.As(err, &callErr) {
		return callErr.Kind, true
	}
	return FailRetriesExhausted, false
}

// NewCallError creates a classified call error.
func NewCallError(kind FailureKind, callKind CallKind, correlationID, msg string, err error) *CallError {
	return &CallError{
		Kind:          kind,
		CallKind:      callKind,
		CorrelationID: correlationID,
		Msg:           msg,
		Err:           err,
	}
}
