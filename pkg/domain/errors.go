package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel values matched by errors.Is against the typed errors below.
var (
	ErrObjectNotFound       = errors.New("object not found")
	ErrLoadConflict         = errors.New("load conflict")
	ErrConcurrencyViolation = errors.New("concurrency violation")
	ErrInvalidOperation     = errors.New("invalid operation")
	ErrArgument             = errors.New("invalid argument")
	ErrMandatoryRelation    = errors.New("mandatory relation not set")
)

// ObjectNotFoundError is returned when requested objects do not exist in the
// underlying store.
type ObjectNotFoundError struct {
	IDs []ObjectID
}

func (e ObjectNotFoundError) Error() string {
	return fmt.Sprintf("object(s) not found: %s", joinIDs(e.IDs))
}

// Is reports whether target is ErrObjectNotFound.
func (e ObjectNotFoundError) Is(target error) bool { return target == ErrObjectNotFound }

// LoadConflictError is returned when persisted foreign keys contradict each
// other while a virtual end point is resolved.
type LoadConflictError struct {
	EndPoint string
	Objects  []ObjectID
}

func (e LoadConflictError) Error() string {
	return fmt.Sprintf("cannot load %s: objects %s all claim the same one-to-one relation", e.EndPoint, joinIDs(e.Objects))
}

// Is reports whether target is ErrLoadConflict.
func (e LoadConflictError) Is(target error) bool { return target == ErrLoadConflict }

// ConcurrencyViolationError is returned by Save when stored timestamps no
// longer match the ones the caller loaded.
type ConcurrencyViolationError struct {
	IDs []ObjectID
}

func (e ConcurrencyViolationError) Error() string {
	return fmt.Sprintf("concurrency violation: object(s) %s were changed by another writer", joinIDs(e.IDs))
}

// Is reports whether target is ErrConcurrencyViolation.
func (e ConcurrencyViolationError) Is(target error) bool { return target == ErrConcurrencyViolation }

// InvalidOperationError reports an operation that is not allowed in the
// current state of an object, end point or transaction.
type InvalidOperationError struct {
	Message string
}

func (e InvalidOperationError) Error() string { return e.Message }

// Is reports whether target is ErrInvalidOperation.
func (e InvalidOperationError) Is(target error) bool { return target == ErrInvalidOperation }

// InvalidOperationf builds an InvalidOperationError from a format string.
func InvalidOperationf(format string, args ...any) InvalidOperationError {
	return InvalidOperationError{Message: fmt.Sprintf(format, args...)}
}

// ArgumentError reports a malformed argument such as an unknown property or an
// object handle that belongs to another transaction hierarchy.
type ArgumentError struct {
	Argument string
	Message  string
}

func (e ArgumentError) Error() string {
	if e.Argument == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Argument, e.Message)
}

// Is reports whether target is ErrArgument.
func (e ArgumentError) Is(target error) bool { return target == ErrArgument }

// ArgumentTypeError reports a property value whose type disagrees with the
// mapped property type.
type ArgumentTypeError struct {
	Property string
	Expected PropertyType
	Actual   string
}

func (e ArgumentTypeError) Error() string {
	return fmt.Sprintf("property %s expects a value of type %s, got %s", e.Property, e.Expected, e.Actual)
}

// Is reports whether target is ErrArgument.
func (e ArgumentTypeError) Is(target error) bool { return target == ErrArgument }

// MandatoryRelationNotSetError is returned at commit time when a mandatory
// relation of a committed object is empty.
type MandatoryRelationNotSetError struct {
	Object   ObjectID
	Property string
}

func (e MandatoryRelationNotSetError) Error() string {
	return fmt.Sprintf("mandatory relation property %s of object %s is not set", e.Property, e.Object)
}

// Is reports whether target is ErrMandatoryRelation.
func (e MandatoryRelationNotSetError) Is(target error) bool { return target == ErrMandatoryRelation }

func joinIDs(ids []ObjectID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = "'" + id.String() + "'"
	}
	return strings.Join(parts, ", ")
}
