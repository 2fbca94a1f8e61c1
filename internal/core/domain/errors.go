// Package domain defines the core domain models for nodelink.
package domain

import (
	"errors"
	"fmt"
)

// DomainError represents a protocol or system error with a structured error code.
// Codes follow the format NL-<AREA>-<NNNN>.
type DomainError struct {
	Code    string // Error code (e.g., "NL-PROTO-4000")
	Message string // Human-readable message
	Details string // Optional additional details
	Cause   error  // Underlying error (if any)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap() support.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is() support for error comparison.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewDomainError creates a new DomainError with the given code and message.
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *DomainError) WithDetails(details string) *DomainError {
	return &DomainError{
		Code:    e.Code,
		Message: e.Message,
		Details: details,
		Cause:   e.Cause,
	}
}

// WithDetailsf is WithDetails with fmt.Sprintf formatting.
func (e *DomainError) WithDetailsf(format string, args ...any) *DomainError {
	return e.WithDetails(fmt.Sprintf(format, args...))
}

// WithCause returns a copy of the error wrapping the given cause.
func (e *DomainError) WithCause(cause error) *DomainError {
	return &DomainError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
		Cause:   cause,
	}
}

// Wrap wraps an error with this domain error as the cause.
func (e *DomainError) Wrap(cause error) *DomainError {
	return e.WithCause(cause)
}

// IsDomainError checks if an error is a DomainError with the given code.
// If code is empty, it only checks if the error is a DomainError.
func IsDomainError(err error, code string) bool {
	var de *DomainError
	if errors.As(err, &de) {
		if code == "" {
			return true // Only check if it's a DomainError
		}
		return de.Code == code
	}
	return false
}

// GetErrorCode extracts the error code from an error if it's a DomainError.
func GetErrorCode(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// ============================================================================
// Protocol Errors (PROTO)
// Raised by the handshake and by frame validation. All of them are fatal
// for the connection they occur on.
// ============================================================================

var (
	// ErrVersionMismatch indicates the two protocol version ranges do not overlap.
	ErrVersionMismatch = NewDomainError("NL-PROTO-4001", "protocol version mismatch")

	// ErrProtocolViolation indicates a frame arrived that the current phase forbids.
	ErrProtocolViolation = NewDomainError("NL-PROTO-4002", "protocol violation")

	// ErrDecodeFailure indicates an inbound frame could not be decoded.
	ErrDecodeFailure = NewDomainError("NL-PROTO-4003", "decode failure")

	// ErrClusterMismatch indicates the peer belongs to another cluster.
	// It is always reported wrapped in ErrProtocolViolation.
	ErrClusterMismatch = NewDomainError("NL-PROTO-4004", "cluster name mismatch")

	// ErrStaleGeneration indicates the peer presented an outdated node generation.
	// It is always reported wrapped in ErrProtocolViolation.
	ErrStaleGeneration = NewDomainError("NL-PROTO-4005", "stale node generation")

	// ErrFrameTooLarge indicates a frame exceeded the configured maximum size.
	ErrFrameTooLarge = NewDomainError("NL-PROTO-4130", "frame too large")
)

// ============================================================================
// Routing Errors (ROUTE)
// Non-fatal: the offending frame is dropped and the connection stays open.
// ============================================================================

var (
	// ErrUnknownTarget indicates no handler is registered for the target.
	ErrUnknownTarget = NewDomainError("NL-ROUTE-4040", "unknown target")

	// ErrTargetAlreadyRegistered indicates a second handler for the same target.
	ErrTargetAlreadyRegistered = NewDomainError("NL-ROUTE-4090", "target already registered")

	// ErrDispatchOverloaded indicates the handler queue for a target is full.
	ErrDispatchOverloaded = NewDomainError("NL-ROUTE-5030", "dispatch queue full")
)

// ============================================================================
// Correlation Errors (CORR)
// ============================================================================

var (
	// ErrDuplicateResponse indicates a second response for an already resolved msg id.
	ErrDuplicateResponse = NewDomainError("NL-CORR-4090", "duplicate response")

	// ErrUnexpectedResponse indicates a response to a msg id that was never sent.
	ErrUnexpectedResponse = NewDomainError("NL-CORR-4040", "unexpected response")

	// ErrDuplicateRequest indicates a msg id was registered twice.
	ErrDuplicateRequest = NewDomainError("NL-CORR-4091", "msg id already pending")
)

// ============================================================================
// Connection Errors (CONN)
// ============================================================================

var (
	// ErrConnectionClosed indicates the connection closed before the operation completed.
	ErrConnectionClosed = NewDomainError("NL-CONN-4100", "connection closed")

	// ErrPeerShutdown indicates the peer announced a shutdown.
	ErrPeerShutdown = NewDomainError("NL-CONN-4101", "peer shutting down")

	// ErrNotOpen indicates an application send before the handshake completed.
	ErrNotOpen = NewDomainError("NL-CONN-4250", "connection not open")

	// ErrDraining indicates the connection accepts no new requests.
	ErrDraining = NewDomainError("NL-CONN-4251", "connection draining")

	// ErrHandshakeTimeout indicates the handshake did not finish in time.
	ErrHandshakeTimeout = NewDomainError("NL-CONN-4080", "handshake timed out")

	// ErrConnectionNotFound indicates no tracked connection has the given id.
	ErrConnectionNotFound = NewDomainError("NL-CONN-4040", "connection not found")
)

// ============================================================================
// System Errors (SYS)
// ============================================================================

var (
	// ErrInternal indicates an internal error.
	ErrInternal = NewDomainError("NL-SYS-5000", "internal error")

	// ErrStorageError indicates a storage layer error.
	ErrStorageError = NewDomainError("NL-SYS-5001", "storage error")

	// ErrInvalidArgument indicates an invalid argument.
	ErrInvalidArgument = NewDomainError("NL-SYS-4000", "invalid argument")
)
