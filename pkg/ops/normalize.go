package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/ekaya-inc/ekaya-features/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-features/pkg/columns"
	"github.com/ekaya-inc/ekaya-features/pkg/table"
)

// Normalize standardizes numeric columns to zero mean and unit population
// standard deviation. Columns with zero variance normalize to 0. Nulls stay null.
type Normalize struct{}

var (
	_ Stateful = (*Normalize)(nil)
	_ Encoder  = (*Normalize)(nil)
)

// NewNormalize creates a Normalize operator.
func NewNormalize() *Normalize { return &Normalize{} }

func decodeNormalize(json.RawMessage, DecodeEnv) (Operator, error) {
	return NewNormalize(), nil
}

// Kind implements Operator.
func (n *Normalize) Kind() Kind { return KindNormalize }

// Config implements Encoder.
func (n *Normalize) Config() any { return struct{}{} }

// OutputColumns implements Operator.
func (n *Normalize) OutputColumns(input columns.Selector) columns.Selector { return input }

// Transform implements Operator.
func (n *Normalize) Transform(ctx context.Context, in Input) (*table.Table, error) {
	state, err := stateAs[*NormalizeState](KindNormalize, in.State)
	if err != nil {
		return nil, err
	}
	names := in.Columns.Names()
	out := make([]*table.Column, len(names))
	for i, name := range names {
		col, err := numericColumn(in, name)
		if err != nil {
			return nil, err
		}
		moments, ok := state.Columns[name]
		if !ok {
			return nil, apperrors.NewColumnError(name, fmt.Errorf("no moments fitted"))
		}
		values := make([]float64, col.Len())
		nulls := make([]bool, col.Len())
		for row := range values {
			x, ok := col.Float(row)
			if !ok {
				nulls[row] = true
				continue
			}
			if moments.Std > 0 {
				values[row] = (x - moments.Mean) / moments.Std
			}
		}
		out[i] = table.NewFloat64Column(values, nulls)
	}
	return buildOutput(names, out)
}

// NewAccumulator implements Stateful.
func (n *Normalize) NewAccumulator(input columns.Selector) Accumulator {
	acc := &normalizeAccumulator{columns: make(map[string]*runningMoments, input.Len())}
	for _, name := range input.Names() {
		acc.columns[name] = &runningMoments{}
	}
	return acc
}

// Finalize implements Stateful.
func (n *Normalize) Finalize(acc Accumulator) (State, error) {
	a, err := accumulatorAs[*normalizeAccumulator](KindNormalize, acc)
	if err != nil {
		return nil, err
	}
	state := &NormalizeState{Columns: make(map[string]Moments, len(a.columns))}
	for name, m := range a.columns {
		var mom Moments
		if m.count > 0 {
			mom.Mean = m.sum / float64(m.count)
			variance := m.sumSq/float64(m.count) - mom.Mean*mom.Mean
			if variance > 0 {
				mom.Std = math.Sqrt(variance)
			}
		}
		mom.Count = m.count
		state.Columns[name] = mom
	}
	return state, nil
}

// DecodeState implements Stateful.
func (n *Normalize) DecodeState(data json.RawMessage) (State, error) {
	var state NormalizeState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode normalize state: %w", err)
	}
	return &state, nil
}

// Moments are the fitted statistics of one column.
type Moments struct {
	Count int64   `json:"count"`
	Mean  float64 `json:"mean"`
	Std   float64 `json:"std"`
}

// NormalizeState holds per-column moments.
type NormalizeState struct {
	Columns map[string]Moments `json:"columns"`
}

// OperatorKind implements State.
func (s *NormalizeState) OperatorKind() Kind { return KindNormalize }

type runningMoments struct {
	count int64
	sum   float64
	sumSq float64
}

type normalizeAccumulator struct {
	columns map[string]*runningMoments
}

func (a *normalizeAccumulator) Update(in Input) error {
	for name, m := range a.columns {
		col, err := numericColumn(in, name)
		if err != nil {
			return err
		}
		for row := 0; row < col.Len(); row++ {
			x, ok := col.Float(row)
			if !ok {
				continue
			}
			m.count++
			m.sum += x
			m.sumSq += x * x
		}
	}
	return nil
}

func (a *normalizeAccumulator) Merge(other Accumulator) error {
	o, err := accumulatorAs[*normalizeAccumulator](KindNormalize, other)
	if err != nil {
		return err
	}
	for name, m := range o.columns {
		dst, ok := a.columns[name]
		if !ok {
			dst = &runningMoments{}
			a.columns[name] = dst
		}
		dst.count += m.count
		dst.sum += m.sum
		dst.sumSq += m.sumSq
	}
	return nil
}

func numericColumn(in Input, name string) (*table.Column, error) {
	col, err := inputColumn(in, name)
	if err != nil {
		return nil, err
	}
	if !col.Type().IsNumeric() {
		return nil, apperrors.NewColumnError(name, fmt.Errorf("expected a numeric column, got %s", col.Type()))
	}
	return col, nil
}
