package apperrors

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrConstruction        = errors.New("graph construction error")
	ErrCycle               = errors.New("cycle detected")
	ErrColumnNameCollision = errors.New("column name collision")
	ErrMissingDependency   = errors.New("missing dependency")
	ErrUnknownColumn       = errors.New("unknown column")
	ErrTransform           = errors.New("transform error")
	ErrFitNotCalled        = errors.New("fit not called")
	ErrInvalidConfig       = errors.New("invalid operator configuration")
)

// ConstructionError reports a graph-building failure. It unwraps to both
// ErrConstruction and the specific Kind sentinel.
type ConstructionError struct {
	Kind    error  // ErrCycle, ErrColumnNameCollision, ErrMissingDependency, ...
	Node    int    // node ID being built, -1 if not yet assigned
	Columns []string
	Message string
}

// Error implements the error interface.
func (e *ConstructionError) Error() string {
	var parts []string
	parts = append(parts, e.Kind.Error())
	if e.Node >= 0 {
		parts = append(parts, fmt.Sprintf("node=%d", e.Node))
	}
	if len(e.Columns) > 0 {
		parts = append(parts, fmt.Sprintf("columns=[%s]", strings.Join(e.Columns, ", ")))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	return strings.Join(parts, " ")
}

// Unwrap exposes the construction sentinel and the specific kind for errors.Is.
func (e *ConstructionError) Unwrap() []error {
	return []error{ErrConstruction, e.Kind}
}

// NewConstructionError creates a construction error of the given kind.
func NewConstructionError(kind error, node int, columns []string, message string) *ConstructionError {
	return &ConstructionError{
		Kind:    kind,
		Node:    node,
		Columns: columns,
		Message: message,
	}
}

// TransformError reports a failure evaluating one node on one partition.
type TransformError struct {
	Node      int    // node ID
	Operator  string // operator kind, empty for structural nodes
	Column    string // offending column if known
	Partition int    // partition index in input order
	Cause     error
}

// Error implements the error interface.
func (e *TransformError) Error() string {
	msg := fmt.Sprintf("transform error: partition=%d node=%d", e.Partition, e.Node)
	if e.Operator != "" {
		msg += " operator=" + e.Operator
	}
	if e.Column != "" {
		msg += " column=" + e.Column
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap exposes ErrTransform and the underlying cause.
func (e *TransformError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrTransform}
	}
	return []error{ErrTransform, e.Cause}
}

// ColumnError attaches a column name to an operator failure so that the
// workflow can report it in a TransformError.
type ColumnError struct {
	Column string
	Cause  error
}

// Error implements the error interface.
func (e *ColumnError) Error() string {
	return fmt.Sprintf("column %q: %v", e.Column, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *ColumnError) Unwrap() error {
	return e.Cause
}

// NewColumnError wraps cause with the column it concerns.
func NewColumnError(column string, cause error) *ColumnError {
	return &ColumnError{Column: column, Cause: cause}
}
