package scrape

import (
	"errors"
	"fmt"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// FailureType categorises why a scrape job failed so the controller can
// aggregate failure modes without parsing free text.
type FailureType string

// Failure categories attached to FAILED callbacks.
const (
	FailureValidation FailureType = "validation"
	FailureNetwork    FailureType = "network"
	FailureParse      FailureType = "parse"
	FailureCallback   FailureType = "callback"
	FailureTimeout    FailureType = "timeout"
	FailureUnknown    FailureType = "unknown"
)

// Code returns the stable failure code reported alongside the type.
func (t FailureType) Code() string {
	switch t {
	case FailureValidation:
		return "SCRAPE_VALIDATION"
	case FailureNetwork:
		return "SCRAPE_NETWORK"
	case FailureParse:
		return "SCRAPE_PARSE"
	case FailureCallback:
		return "SCRAPE_CALLBACK"
	case FailureTimeout:
		return "SCRAPE_TIMEOUT"
	default:
		return "SCRAPE_UNKNOWN"
	}
}

// Error is a classified failure raised by executors or the orchestrator.
type Error struct {
	Type    FailureType
	Code    string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Type, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Type, e.Message)
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a classified error with the default code for its type.
func NewError(t FailureType, msg string, cause error) *Error {
	return &Error{Type: t, Code: t.Code(), Message: msg, Err: cause}
}
