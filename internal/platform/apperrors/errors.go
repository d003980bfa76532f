// Package apperrors provides unified error handling for the knowledge-mapper
// core, taxonomized by kind rather than by concrete type (spec §7).
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind represents one of the error kinds from the core's error taxonomy.
type Kind string

const (
	KindValidation        Kind = "VALIDATION"
	KindOptimisticLock     Kind = "OPTIMISTIC_LOCK"
	KindNotFound           Kind = "NOT_FOUND"
	KindTransientIO        Kind = "TRANSIENT_IO"
	KindProviderFailure    Kind = "PROVIDER_FAILURE"
	KindCircuitOpen        Kind = "CIRCUIT_OPEN"
	KindDecoding           Kind = "DECODING"
	KindProjectionFailure  Kind = "PROJECTION_FAILURE"
	KindIntegrity          Kind = "INTEGRITY"
	KindInternal           Kind = "INTERNAL"
)

// defaultHTTPStatus maps a Kind to the status a future API surface would
// use. The core itself has no HTTP surface (out of scope), but carrying
// this mapping keeps the error shape reusable the way infrastructure/errors
// did for the teacher's services.
var defaultHTTPStatus = map[Kind]int{
	KindValidation:       http.StatusBadRequest,
	KindOptimisticLock:   http.StatusConflict,
	KindNotFound:         http.StatusNotFound,
	KindTransientIO:      http.StatusServiceUnavailable,
	KindProviderFailure:  http.StatusBadGateway,
	KindCircuitOpen:      http.StatusServiceUnavailable,
	KindDecoding:         http.StatusUnprocessableEntity,
	KindProjectionFailure: http.StatusInternalServerError,
	KindIntegrity:        http.StatusInternalServerError,
	KindInternal:         http.StatusInternalServerError,
}

// CoreError is a structured error carrying a Kind, a human message, and
// optional structured details plus an underlying cause.
type CoreError struct {
	Kind       Kind
	Message    string
	HTTPStatus int
	Details    map[string]interface{}
	Err        error
}

// Error implements the error interface.
func (e *CoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error so errors.Is/As traverse the chain.
func (e *CoreError) Unwrap() error {
	return e.Err
}

// WithDetails attaches a key/value pair to the error's Details map.
func (e *CoreError) WithDetails(key string, value interface{}) *CoreError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a CoreError with no underlying cause.
func New(kind Kind, message string) *CoreError {
	return &CoreError{Kind: kind, Message: message, HTTPStatus: defaultHTTPStatus[kind]}
}

// Wrap creates a CoreError that wraps an existing error.
func Wrap(kind Kind, message string, err error) *CoreError {
	return &CoreError{Kind: kind, Message: message, HTTPStatus: defaultHTTPStatus[kind], Err: err}
}

// Validation builds a KindValidation error.
func Validation(message string) *CoreError { return New(KindValidation, message) }

// NotFound builds a KindNotFound error naming the resource and id.
func NotFound(resource, id string) *CoreError {
	return New(KindNotFound, "resource not found").
		WithDetails("resource", resource).
		WithDetails("id", id)
}

// OptimisticLockError represents a stream-version conflict on append.
type OptimisticLockError struct {
	AggregateID   string
	AggregateType string
	Expected      int
	Actual        int
}

// Error implements the error interface.
func (e *OptimisticLockError) Error() string {
	return fmt.Sprintf("optimistic lock: aggregate %s/%s expected version %d, actual %d",
		e.AggregateType, e.AggregateID, e.Expected, e.Actual)
}

// AsCoreError renders the conflict as a tagged CoreError for uniform
// propagation through command-layer callers.
func (e *OptimisticLockError) AsCoreError() *CoreError {
	return Wrap(KindOptimisticLock, "aggregate version conflict", e).
		WithDetails("aggregate_id", e.AggregateID).
		WithDetails("aggregate_type", e.AggregateType).
		WithDetails("expected_version", e.Expected).
		WithDetails("actual_version", e.Actual)
}

// DuplicateEventError indicates an append attempted to reuse an event_id
// already present in the store.
type DuplicateEventError struct {
	EventID string
}

func (e *DuplicateEventError) Error() string {
	return fmt.Sprintf("duplicate event_id %s", e.EventID)
}

// TransientIO wraps a retryable I/O failure (timeouts, connection resets,
// store unavailability).
func TransientIO(operation string, err error) *CoreError {
	return Wrap(KindTransientIO, "transient I/O failure", err).WithDetails("operation", operation)
}

// ProviderFailure wraps an LLM/embedding provider failure counted by the
// circuit breaker.
func ProviderFailure(provider string, err error) *CoreError {
	return Wrap(KindProviderFailure, "inference provider call failed", err).WithDetails("provider", provider)
}

// CircuitOpen reports that the breaker rejected the call, carrying the
// number of seconds until the next admission attempt.
func CircuitOpen(retryAfterSeconds int) *CoreError {
	return New(KindCircuitOpen, "circuit breaker is open").WithDetails("retry_after_seconds", retryAfterSeconds)
}

// Decoding wraps a malformed-payload failure (bad JSON, unknown domain id,
// schema violation).
func Decoding(what string, err error) *CoreError {
	return Wrap(KindDecoding, "decoding failure", err).WithDetails("what", what)
}

// Integrity reports a violated documented invariant (alias-to-alias chain,
// cross-tenant row, etc). Always fatal to the operation.
func Integrity(message string) *CoreError {
	return New(KindIntegrity, message)
}

// Internal wraps an unclassified internal failure.
func Internal(message string, err error) *CoreError {
	return Wrap(KindInternal, message, err)
}

// Is reports whether err carries the given Kind, checking the whole chain.
func Is(err error, kind Kind) bool {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}

// As extracts a *CoreError from err's chain, if present.
func As(err error) (*CoreError, bool) {
	var ce *CoreError
	ok := errors.As(err, &ce)
	return ce, ok
}

// HTTPStatus returns the status a future API surface should use for err.
func HTTPStatus(err error) int {
	if ce, ok := As(err); ok {
		return ce.HTTPStatus
	}
	return http.StatusInternalServerError
}
