// Package syncerrors provides the structured error types shared by the
// offline queue, dispatch gateway and sync engine. Every failure crossing a
// component boundary is classified into one of three kinds: connectivity
// (transient, retryable), validation (rejected by the server, never retried
// automatically) and storage (local durable store degraded).
package syncerrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and surfacing decisions.
type Kind string

const (
	KindConnectivity Kind = "CONNECTIVITY"
	KindValidation   Kind = "VALIDATION"
	KindStorage      Kind = "STORAGE"
)

// Operation represents the operation during which an error occurred.
type Operation string

const (
	OpDispatch Operation = "dispatch"
	OpEnqueue  Operation = "enqueue"
	OpList     Operation = "list"
	OpUpdate   Operation = "update"
	OpRemove   Operation = "remove"
	OpReplay   Operation = "replay"
	OpDrain    Operation = "drain"
	OpProbe    Operation = "probe"
	OpResolve  Operation = "resolve"
	OpClose    Operation = "close"
)

// SyncError represents an error that occurred during queueing or sync.
type SyncError struct {
	// Operation during which the error occurred
	Op Operation

	// Component that generated the error (e.g., "store", "restapi")
	Component string

	// Kind of failure
	Kind Kind

	// Underlying error
	Err error

	// Whether the operation can be retried
	Retryable bool

	// HTTPStatus holds the server status code when the error came from the
	// remote API; zero otherwise.
	HTTPStatus int

	// Metadata for additional context
	Metadata map[string]interface{}
}

func (e *SyncError) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s component", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s operation failed", e.Op)
	}

	if e.Kind != "" {
		msg += fmt.Sprintf(" [%s]", e.Kind)
	}

	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// New creates a new SyncError without a kind.
func New(op Operation, err error) *SyncError {
	return &SyncError{
		Op:  op,
		Err: err,
	}
}

// NewWithComponent creates a new SyncError with component information.
func NewWithComponent(op Operation, component string, err error) *SyncError {
	return &SyncError{
		Op:        op,
		Component: component,
		Err:       err,
	}
}

// NewConnectivityError creates a retryable connectivity-class SyncError.
// Timeouts, DNS failures, refused connections and 5xx responses all land here.
func NewConnectivityError(op Operation, cause error) *SyncError {
	return &SyncError{
		Kind:      KindConnectivity,
		Op:        op,
		Component: "restapi",
		Err:       cause,
		Retryable: true,
	}
}

// NewValidationError creates a non-retryable validation-class SyncError.
// The server has rejected the request as semantically invalid; replaying it
// unchanged would only be rejected again.
func NewValidationError(op Operation, cause error) *SyncError {
	return &SyncError{
		Kind:      KindValidation,
		Op:        op,
		Component: "restapi",
		Err:       cause,
		Retryable: false,
	}
}

// NewStorageError creates a storage-class SyncError. The local durable store
// is unreadable or corrupted; callers degrade to an empty pending view and
// surface a warning rather than crashing.
func NewStorageError(op Operation, cause error) *SyncError {
	return &SyncError{
		Kind:      KindStorage,
		Op:        op,
		Component: "store",
		Err:       cause,
		Retryable: false,
	}
}

// IsRetryable checks if an error is a retryable SyncError.
func IsRetryable(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}
	return false
}

// IsKind reports whether err is a SyncError of the given kind.
func IsKind(err error, kind Kind) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Kind == kind
	}
	return false
}

// IsConnectivity reports whether err is a connectivity-class failure.
func IsConnectivity(err error) bool { return IsKind(err, KindConnectivity) }

// IsValidation reports whether err is a validation-class failure.
func IsValidation(err error) bool { return IsKind(err, KindValidation) }

// IsStorage reports whether err is a storage-class failure.
func IsStorage(err error) bool { return IsKind(err, KindStorage) }
