// Package domain defines core types, interfaces, and errors for the semantic gateway.
package domain

import (
	"errors"
	"fmt"
)

// NotFoundError indicates a resource was not found.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// ValidationError indicates invalid input, most often a malformed model definition.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// ConflictError indicates a conflict (e.g., duplicate resource).
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// ProtocolError is a wire protocol violation. It is always connection-fatal.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string { return e.Message }

// AuthError is an authentication failure. It is always connection-fatal.
type AuthError struct {
	Message string
	// MissingUser is set when the startup packet carried no user at all.
	MissingUser bool
}

func (e *AuthError) Error() string { return e.Message }

// ParseError reports SQL text that could not be parsed.
type ParseError struct {
	Message string
	// Position is the 1-based character offset of the error, or 0 if unknown.
	Position int
}

func (e *ParseError) Error() string { return e.Message }

// ObjectKind names the kind of object an UnknownObjectError refers to.
type ObjectKind string

const (
	ObjectSchema ObjectKind = "schema"
	ObjectTable  ObjectKind = "relation"
	ObjectColumn ObjectKind = "column"
	// ObjectParameter is a run-time configuration parameter.
	ObjectParameter ObjectKind = "configuration parameter"
)

// UnknownObjectError reports a reference to a schema, table, or column that
// does not exist in the current catalog snapshot.
type UnknownObjectError struct {
	Kind ObjectKind
	Name string
}

func (e *UnknownObjectError) Error() string {
	if e.Kind == ObjectParameter {
		return fmt.Sprintf("unrecognized configuration parameter %q", e.Name)
	}
	return fmt.Sprintf("%s %q does not exist", e.Kind, e.Name)
}

// AmbiguousError reports a column or table name that matches more than one
// object in scope.
type AmbiguousError struct {
	Kind ObjectKind
	Name string
}

func (e *AmbiguousError) Error() string {
	if e.Kind == ObjectTable {
		return fmt.Sprintf("table name %q specified more than once", e.Name)
	}
	return fmt.Sprintf("%s reference %q is ambiguous", e.Kind, e.Name)
}

// NotSupportedError reports a statement or construct the gateway refuses to
// run: writes, cross-model joins, and SQL features outside the supported
// subset.
type NotSupportedError struct {
	Message string
	// ReadOnly is set when the statement would modify data or schema.
	ReadOnly bool
}

func (e *NotSupportedError) Error() string { return e.Message }

// GroupingError reports invalid grouping or aggregate placement.
type GroupingError struct {
	Message string
}

func (e *GroupingError) Error() string { return e.Message }

// TranslationError reports a query that is valid SQL but has no faithful
// semantic translation, such as avg() over a measure declared as sum.
type TranslationError struct {
	Message string
}

func (e *TranslationError) Error() string { return e.Message }

// ExecutionError wraps a warehouse failure together with the compiled SQL
// that caused it.
type ExecutionError struct {
	SQL string
	Err error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execute query: %v", e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// CatalogUnavailableError is returned when no catalog snapshot has ever been
// built because the model store could not be reached.
type CatalogUnavailableError struct {
	Err error
}

func (e *CatalogUnavailableError) Error() string {
	return fmt.Sprintf("semantic catalog unavailable: %v", e.Err)
}

func (e *CatalogUnavailableError) Unwrap() error { return e.Err }

// ErrNotFound creates a NotFoundError with a formatted message.
func ErrNotFound(format string, args ...interface{}) *NotFoundError {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

// ErrValidation creates a ValidationError with a formatted message.
func ErrValidation(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ErrConflict creates a ConflictError with a formatted message.
func ErrConflict(format string, args ...interface{}) *ConflictError {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// ErrProtocol creates a ProtocolError with a formatted message.
func ErrProtocol(format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Message: fmt.Sprintf(format, args...)}
}

// ErrAuth creates an AuthError with a formatted message.
func ErrAuth(format string, args ...interface{}) *AuthError {
	return &AuthError{Message: fmt.Sprintf(format, args...)}
}

// ErrParse creates a ParseError with a formatted message.
func ErrParse(format string, args ...interface{}) *ParseError {
	return &ParseError{Message: fmt.Sprintf(format, args...)}
}

// ErrNotSupported creates a NotSupportedError with a formatted message.
func ErrNotSupported(format string, args ...interface{}) *NotSupportedError {
	return &NotSupportedError{Message: fmt.Sprintf(format, args...)}
}

// ErrReadOnly creates a NotSupportedError for a statement that would write.
func ErrReadOnly(format string, args ...interface{}) *NotSupportedError {
	return &NotSupportedError{Message: fmt.Sprintf(format, args...), ReadOnly: true}
}

// ErrGrouping creates a GroupingError with a formatted message.
func ErrGrouping(format string, args ...interface{}) *GroupingError {
	return &GroupingError{Message: fmt.Sprintf(format, args...)}
}

// ErrTranslation creates a TranslationError with a formatted message.
func ErrTranslation(format string, args ...interface{}) *TranslationError {
	return &TranslationError{Message: fmt.Sprintf(format, args...)}
}

// ErrUnknownSchema reports a schema missing from the catalog.
func ErrUnknownSchema(name string) *UnknownObjectError {
	return &UnknownObjectError{Kind: ObjectSchema, Name: name}
}

// ErrUnknownTable reports a table or view missing from the catalog.
func ErrUnknownTable(name string) *UnknownObjectError {
	return &UnknownObjectError{Kind: ObjectTable, Name: name}
}

// ErrUnknownColumn reports a column that does not map to any declared
// dimension, measure, or metric.
func ErrUnknownColumn(name string) *UnknownObjectError {
	return &UnknownObjectError{Kind: ObjectColumn, Name: name}
}

// ErrUnknownParameter reports a SHOW or current_setting() of a parameter the
// session does not know.
func ErrUnknownParameter(name string) *UnknownObjectError {
	return &UnknownObjectError{Kind: ObjectParameter, Name: name}
}

// IsNotFound reports whether err is, or wraps, a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
