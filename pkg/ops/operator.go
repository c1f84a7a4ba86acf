// Package ops defines the operator capability contract and the built-in
// feature-engineering operators.
//
// Every operator is a pure function of its input columns, optionally backed by
// fitted statistics. Stateful operators expose an Accumulator that is filled
// partition by partition during fit, merged at the end of the pass and turned
// into an immutable State by Finalize.
package ops

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ekaya-inc/ekaya-features/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-features/pkg/columns"
	"github.com/ekaya-inc/ekaya-features/pkg/sparse"
	"github.com/ekaya-inc/ekaya-features/pkg/table"
)

// Kind is the registered name of an operator type.
type Kind string

const (
	KindCategorify       Kind = "categorify"
	KindTargetEncoding   Kind = "target_encoding"
	KindTimeDelta        Kind = "time_delta"
	KindColumnSimilarity Kind = "column_similarity"
	KindFillMissing      Kind = "fill_missing"
	KindLog              Kind = "log"
	KindNormalize        Kind = "normalize"
	KindRename           Kind = "rename"
	KindLambda           Kind = "lambda"
)

// State is the fitted statistics of a stateful operator. Implementations must
// be immutable after Finalize and JSON-serializable.
type State interface {
	// OperatorKind identifies the operator the state belongs to.
	OperatorKind() Kind
}

// Input is what an operator sees when evaluated on one partition.
type Input struct {
	// Columns is the operator's declared input selector.
	Columns columns.Selector
	// Table holds Columns plus any dependency columns.
	Table *table.Table
	// State is the operator's fitted state, nil for stateless operators.
	State State
	// RowOffset is the global index of the partition's first row.
	RowOffset int64
	// Training is true when transforming the same rows the workflow was fit on.
	Training bool
}

// Operator is the required capability set of every operator.
type Operator interface {
	// Kind returns the registered operator kind.
	Kind() Kind

	// OutputColumns derives output names from input names alone, without data.
	OutputColumns(input columns.Selector) columns.Selector

	// Transform computes the output columns for one partition. The returned
	// table must contain exactly OutputColumns(in.Columns) with the input row count.
	Transform(ctx context.Context, in Input) (*table.Table, error)
}

// Dependent is implemented by operators that read columns beyond their input selector.
type Dependent interface {
	Dependencies() columns.Selector
}

// InputValidator is implemented by operators with structural input requirements,
// checked when the operator is composed into a graph.
type InputValidator interface {
	ValidateInput(input columns.Selector) error
}

// Accumulator collects fit-time statistics. Each fit worker owns its own
// accumulators; they are merged once all partitions have been read.
type Accumulator interface {
	// Update folds one partition into the accumulator.
	Update(in Input) error
	// Merge adds other into the receiver. Merge must be associative and commutative.
	Merge(other Accumulator) error
}

// Stateful is implemented by operators that need a fit pass.
type Stateful interface {
	Operator

	// NewAccumulator returns an empty accumulator for the given input columns.
	NewAccumulator(input columns.Selector) Accumulator

	// Finalize turns the merged accumulator into the operator's fitted state.
	Finalize(acc Accumulator) (State, error)

	// DecodeState restores a state written with json.Marshal.
	DecodeState(data json.RawMessage) (State, error)
}

// Encoder is implemented by operators that can be persisted with a workflow.
type Encoder interface {
	// Config returns a JSON-serializable description sufficient to rebuild the operator.
	Config() any
}

// MatrixUser is implemented by operators that reference shared sparse matrices.
type MatrixUser interface {
	Matrices() []*sparse.Matrix
}

// IsStateful reports whether op requires a fit pass.
func IsStateful(op Operator) bool {
	_, ok := op.(Stateful)
	return ok
}

// DependenciesOf returns op's extra column dependencies, or an empty selector.
func DependenciesOf(op Operator) columns.Selector {
	if d, ok := op.(Dependent); ok {
		return d.Dependencies()
	}
	return columns.Selector{}
}

// buildOutput assembles an operator result table.
func buildOutput(names []string, cols []*table.Column) (*table.Table, error) {
	named := make([]table.Named, len(names))
	for i, n := range names {
		named[i] = table.Col(n, cols[i])
	}
	return table.New(named...)
}

// inputColumn fetches a column from the input table, tagging lookup failures
// with the column name.
func inputColumn(in Input, name string) (*table.Column, error) {
	c, err := in.Table.Column(name)
	if err != nil {
		return nil, apperrors.NewColumnError(name, err)
	}
	return c, nil
}

// stateAs asserts the state type for an operator.
func stateAs[T State](kind Kind, s State) (T, error) {
	var zero T
	if s == nil {
		return zero, fmt.Errorf("%s: %w", kind, apperrors.ErrFitNotCalled)
	}
	typed, ok := s.(T)
	if !ok {
		return zero, fmt.Errorf("%s: unexpected state type %T", kind, s)
	}
	return typed, nil
}

// accumulatorAs asserts the accumulator type for an operator.
func accumulatorAs[T Accumulator](kind Kind, acc Accumulator) (T, error) {
	typed, ok := acc.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%s: unexpected accumulator type %T", kind, acc)
	}
	return typed, nil
}

func invalidConfig(kind Kind, format string, args ...any) error {
	return fmt.Errorf("%s: %w: %s", kind, apperrors.ErrInvalidConfig, fmt.Sprintf(format, args...))
}
