package nestwrite

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for common outcomes.
var (
	// ErrNotFound is returned when a selector resolves to fewer records
	// than the operation requires.
	ErrNotFound = errors.New("nestwrite: record not found")

	// ErrNotConnected is returned when a disconnect or nested delete
	// target exists but is not presently linked to the given parent.
	ErrNotConnected = errors.New("nestwrite: records not connected")

	// ErrTxDone is returned when an operation is attempted on a
	// transaction that has already been committed or rolled back.
	ErrTxDone = errors.New("nestwrite: transaction has already been committed or rolled back")
)

// ValidationError reports a write payload that is structurally incompatible
// with the model or relation it targets. It is produced before any storage
// access.
type ValidationError struct {
	Path string // dotted path to the offending input: "Model.field.op"
	Err  error  // underlying reason
}

// Error returns the error string.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("nestwrite: invalid write at %s: %s", e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError returns a new ValidationError for the given path.
func NewValidationError(path string, err error) *ValidationError {
	return &ValidationError{Path: path, Err: err}
}

// IsValidationError returns true if the error is a ValidationError.
func IsValidationError(err error) bool {
	if err == nil {
		return false
	}
	var e *ValidationError
	return errors.As(err, &e)
}

// RelationViolation reports that an operation would leave a required
// relation side without its linked record. It is produced at build time
// when statically provable, and at runtime when data-dependent.
type RelationViolation struct {
	Relation string // relation name
	Model    string // model on the violated side
	Field    string // relation field on the violated side, if named
}

// Error returns the error string.
func (e *RelationViolation) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("nestwrite: relation %q violated: required field %s.%s would be left without a linked record", e.Relation, e.Model, e.Field)
	}
	return fmt.Sprintf("nestwrite: relation %q violated: required side on %s would be left without a linked record", e.Relation, e.Model)
}

// IsRelationViolation returns true if the error is a RelationViolation.
func IsRelationViolation(err error) bool {
	if err == nil {
		return false
	}
	var e *RelationViolation
	return errors.As(err, &e)
}

// NotFoundError reports that a connect, update, or delete target selector
// resolved to fewer records than requested.
type NotFoundError struct {
	Model    string
	Relation string // set for nested operations
	Expected int
	Found    int
}

// Error returns the error string.
func (e *NotFoundError) Error() string {
	if e.Relation != "" {
		return fmt.Sprintf("nestwrite: %s not found for relation %q: expected %d records, found %d", e.Model, e.Relation, e.Expected, e.Found)
	}
	return fmt.Sprintf("nestwrite: %s not found: expected %d records, found %d", e.Model, e.Expected, e.Found)
}

// Is reports whether the target error matches NotFoundError.
// This allows errors.Is(err, ErrNotFound) to return true.
func (e *NotFoundError) Is(err error) bool {
	return err == ErrNotFound
}

// IsNotFound returns true if the error is a NotFoundError.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	var e *NotFoundError
	return errors.As(err, &e) || errors.Is(err, ErrNotFound)
}

// NotConnectedError reports that a disconnect or nested delete target
// exists but is not linked to the parent record the operation is scoped to.
type NotConnectedError struct {
	Relation string
	Expected int
	Found    int
}

// Error returns the error string.
func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("nestwrite: relation %q: expected %d connected records, found %d", e.Relation, e.Expected, e.Found)
}

// Is reports whether the target error matches NotConnectedError.
func (e *NotConnectedError) Is(err error) bool {
	return err == ErrNotConnected
}

// IsNotConnected returns true if the error is a NotConnectedError.
func IsNotConnected(err error) bool {
	if err == nil {
		return false
	}
	var e *NotConnectedError
	return errors.As(err, &e) || errors.Is(err, ErrNotConnected)
}

// ConstraintError wraps a constraint violation surfaced by the storage
// connector, e.g. a uniqueness violation. It is passed through verbatim.
type ConstraintError struct {
	msg  string
	wrap error
}

// Error returns the error string.
func (e *ConstraintError) Error() string {
	return fmt.Sprintf("nestwrite: constraint failed: %s", e.msg)
}

// Unwrap returns the underlying connector error.
func (e *ConstraintError) Unwrap() error {
	return e.wrap
}

// NewConstraintError returns a new ConstraintError wrapping the connector
// error.
func NewConstraintError(msg string, wrap error) *ConstraintError {
	return &ConstraintError{msg: msg, wrap: wrap}
}

// IsConstraintError returns true if the error is a ConstraintError.
func IsConstraintError(err error) bool {
	if err == nil {
		return false
	}
	var e *ConstraintError
	return errors.As(err, &e)
}

// TxError reports a transaction-level failure: the transaction expired, was
// aborted externally, or the connector failed to begin, commit, or roll
// back. It is fatal and non-retryable inside the engine.
type TxError struct {
	Op  string // "begin", "commit", "rollback", or "aborted"
	Err error
}

// Error returns the error string.
func (e *TxError) Error() string {
	return fmt.Sprintf("nestwrite: transaction %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *TxError) Unwrap() error {
	return e.Err
}

// NewTxError returns a new TxError for the given transaction operation.
func NewTxError(op string, err error) *TxError {
	return &TxError{Op: op, Err: err}
}

// IsTxError returns true if the error is a TxError.
func IsTxError(err error) bool {
	if err == nil {
		return false
	}
	var e *TxError
	return errors.As(err, &e)
}

// RollbackError wraps the rollback failure that followed another error, so
// neither is lost.
type RollbackError struct {
	Cause error // error that triggered the rollback
	Err   error // error returned by the rollback itself
}

// Error returns the error string.
func (e *RollbackError) Error() string {
	return fmt.Sprintf("nestwrite: rollback failed: %v (while handling: %v)", e.Err, e.Cause)
}

// Unwrap returns the error that triggered the rollback.
func (e *RollbackError) Unwrap() error {
	return e.Cause
}
