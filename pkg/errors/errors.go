package errors

import (
	"context"
	"errors"
	"fmt"
)

// Error codes, one per outcome a completion handle can carry.
const (
	CodeCapacityExceeded  = "CAPACITY_EXCEEDED"
	CodeProcessingFailed  = "PROCESSING_FAILED"
	CodeCancelled         = "CANCELLED"
	CodeRemoteUnavailable = "REMOTE_UNAVAILABLE"
	CodeFaulted           = "FAULTED"
)

var (
	// ErrCapacityExceeded indicates that an item was evicted by a full buffer
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrProcessingFailed indicates that local processing failed, remote retries
	// were exhausted, or the circuit breaker was open
	ErrProcessingFailed = errors.New("processing failed")

	// ErrCancelled indicates that the cancellation signal was observed before or
	// while the item was processed
	ErrCancelled = errors.New("cancelled")

	// ErrRemoteUnavailable indicates a heartbeat or transport failure
	ErrRemoteUnavailable = errors.New("remote unavailable")

	// ErrFaulted indicates an unexpected internal error
	ErrFaulted = errors.New("faulted")

	// ErrBreakerOpen is the cause attached to ProcessingFailed when an attempt
	// was short-circuited by an open (or busy half-open) circuit breaker
	ErrBreakerOpen = errors.New("circuit breaker is open")

	// ErrClosed indicates that the component no longer accepts work
	ErrClosed = errors.New("closed")
)

var sentinels = map[string]error{
	CodeCapacityExceeded:  ErrCapacityExceeded,
	CodeProcessingFailed:  ErrProcessingFailed,
	CodeCancelled:         ErrCancelled,
	CodeRemoteUnavailable: ErrRemoteUnavailable,
	CodeFaulted:           ErrFaulted,
}

// Error represents a classified dispatch error
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for this error's code.
func (e *Error) Is(target error) bool {
	sentinel, ok := sentinels[e.Code]
	return ok && sentinel == target
}

// NewError creates a new classified error
func NewError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewCapacityExceeded creates a CAPACITY_EXCEEDED error
func NewCapacityExceeded(message string) *Error {
	return NewError(CodeCapacityExceeded, message, nil)
}

// NewProcessingFailed creates a PROCESSING_FAILED error carrying the cause
func NewProcessingFailed(message string, cause error) *Error {
	return NewError(CodeProcessingFailed, message, cause)
}

// NewCancelled creates a CANCELLED error
func NewCancelled(message string, cause error) *Error {
	return NewError(CodeCancelled, message, cause)
}

// NewRemoteUnavailable creates a REMOTE_UNAVAILABLE error
func NewRemoteUnavailable(message string, cause error) *Error {
	return NewError(CodeRemoteUnavailable, message, cause)
}

// NewFaulted creates a FAULTED error
func NewFaulted(message string, cause error) *Error {
	return NewError(CodeFaulted, message, cause)
}

// CodeOf returns the code of the outermost classified error in err's chain.
// Unclassified context errors map to CANCELLED, anything else to FAULTED.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if IsCancellation(err) {
		return CodeCancelled
	}
	return CodeFaulted
}

// IsCancellation checks if an error stems from context cancellation or a
// CANCELLED outcome
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrCancelled)
}

// IsCapacityExceeded checks if an error is a capacity exceeded error
func IsCapacityExceeded(err error) bool {
	return errors.Is(err, ErrCapacityExceeded)
}

// IsProcessingFailed checks if an error is a processing failure
func IsProcessingFailed(err error) bool {
	return errors.Is(err, ErrProcessingFailed)
}
