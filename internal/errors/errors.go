// Package errors provides the error codes shared across the sync engine.
package errors

import (
	"fmt"
	"strings"
)

// ErrorCode identifies a class of failure a caller may want to branch on.
type ErrorCode string

const (
	// IdAllocator errors.
	ErrBadNodeID        ErrorCode = "BAD_NODE_ID"
	ErrNoAllocatorBound ErrorCode = "NO_ALLOCATOR_BOUND"

	// Schema errors.
	ErrSchemaCycle ErrorCode = "SCHEMA_CYCLE"

	// Transport errors.
	ErrTransport ErrorCode = "TRANSPORT_ERROR"

	// SyncEngine apply errors.
	ErrVersionGap  ErrorCode = "VERSION_GAP"
	ErrApplyFailed ErrorCode = "APPLY_FAILED"

	// Wire/serialization errors.
	ErrSerialization ErrorCode = "SERIALIZATION_ERROR"

	// NodeRegistry errors.
	ErrRegistryExhausted ErrorCode = "REGISTRY_EXHAUSTED"

	// Store-level errors the row store itself can raise.
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrDatabase   ErrorCode = "DATABASE_ERROR"
	ErrConstraint ErrorCode = "CONSTRAINT_VIOLATION"
	ErrMigration  ErrorCode = "MIGRATION_FAILED"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
)

// AppError represents an application error carrying a machine-readable
// code, a human message, and structured fields for the kinds that need to
// surface which change_id/table misbehaved.
type AppError struct {
	Code     ErrorCode
	Message  string
	Err      error
	Table    string
	ChangeID uint64
}

// Error implements the error interface.
func (e *AppError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Code, e.Message)
	if e.Table != "" {
		fmt.Fprintf(&b, " (table=%s", e.Table)
		if e.ChangeID != 0 {
			fmt.Fprintf(&b, " change_id=%d", e.ChangeID)
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with no wrapped cause.
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// Is checks if an error is of a specific code.
func Is(err error, code ErrorCode) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code == code
	}
	return false
}

// BadNodeID reports a node id outside the 0..1023 range.
func BadNodeID(nodeID int) *AppError {
	return New(ErrBadNodeID, fmt.Sprintf("node id %d out of range 0..1023", nodeID))
}

// NoAllocatorBound reports that capture needed an id but no allocator was
// bound to the context.
func NoAllocatorBound() *AppError {
	return New(ErrNoAllocatorBound, "no IdAllocator bound to context")
}

// SchemaCycle reports a foreign-key cycle among the named entities.
func SchemaCycle(members []string) *AppError {
	return New(ErrSchemaCycle, fmt.Sprintf("cycle among entities: %s", strings.Join(members, ", ")))
}

// TransportError wraps a transport-layer failure during pull or push.
func TransportError(err error) *AppError {
	return Wrap(ErrTransport, "transport call failed", err)
}

// VersionGap reports that version_strict rejected a non-sequential entry.
func VersionGap(table string, changeID uint64) *AppError {
	return &AppError{Code: ErrVersionGap, Message: "incoming version is not current+1", Table: table, ChangeID: changeID}
}

// ApplyFailed reports that applying an accepted entry failed (e.g. an FK
// violation caused by an apply-order bug or a missing parent row).
func ApplyFailed(table string, changeID uint64, err error) *AppError {
	return &AppError{Code: ErrApplyFailed, Message: "failed to apply change", Err: err, Table: table, ChangeID: changeID}
}

// SerializationError wraps a JSON encode/decode failure on the wire.
func SerializationError(err error) *AppError {
	return Wrap(ErrSerialization, "failed to (de)serialize payload", err)
}

// RegistryExhausted reports that no free node id slot (1..1023) remains.
func RegistryExhausted() *AppError {
	return New(ErrRegistryExhausted, "no free node id slots remain")
}
