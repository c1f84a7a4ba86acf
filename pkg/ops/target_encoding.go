package ops

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ekaya-inc/ekaya-features/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-features/pkg/columns"
	"github.com/ekaya-inc/ekaya-features/pkg/table"
)

const (
	DefaultKFold   = 3
	DefaultPSmooth = 20.0

	// nullCategory is the statistics key for null category values.
	nullCategory = "\x00null"
)

// TargetEncodingOptions configures TargetEncoding.
type TargetEncodingOptions struct {
	Target  string  `json:"target"`
	KFold   int     `json:"kfold"`
	PSmooth float64 `json:"p_smooth"`
}

// TargetEncoding replaces categories with their smoothed mean target value.
//
// Rows of the fit dataset are assigned to fold (global row index mod KFold).
// When transforming the fit rows themselves (Input.Training), each row is
// encoded with statistics from the other folds only. Any other data is encoded
// with statistics from the whole fit dataset.
type TargetEncoding struct {
	opts TargetEncodingOptions
}

var (
	_ Stateful       = (*TargetEncoding)(nil)
	_ Dependent      = (*TargetEncoding)(nil)
	_ InputValidator = (*TargetEncoding)(nil)
	_ Encoder        = (*TargetEncoding)(nil)
)

// NewTargetEncoding creates a TargetEncoding operator. Zero KFold and negative
// PSmooth are rejected; use DefaultKFold and DefaultPSmooth for the usual setup.
func NewTargetEncoding(opts TargetEncodingOptions) (*TargetEncoding, error) {
	if opts.Target == "" {
		return nil, invalidConfig(KindTargetEncoding, "target column is required")
	}
	if opts.KFold < 2 {
		return nil, invalidConfig(KindTargetEncoding, "kfold must be >= 2, got %d", opts.KFold)
	}
	if opts.PSmooth < 0 {
		return nil, invalidConfig(KindTargetEncoding, "p_smooth must be >= 0, got %g", opts.PSmooth)
	}
	return &TargetEncoding{opts: opts}, nil
}

func decodeTargetEncoding(config json.RawMessage, _ DecodeEnv) (Operator, error) {
	var opts TargetEncodingOptions
	if err := json.Unmarshal(config, &opts); err != nil {
		return nil, err
	}
	return NewTargetEncoding(opts)
}

// Kind implements Operator.
func (te *TargetEncoding) Kind() Kind { return KindTargetEncoding }

// Config implements Encoder.
func (te *TargetEncoding) Config() any { return te.opts }

// Dependencies implements Dependent: the target column.
func (te *TargetEncoding) Dependencies() columns.Selector {
	return columns.New(te.opts.Target)
}

// ValidateInput implements InputValidator.
func (te *TargetEncoding) ValidateInput(input columns.Selector) error {
	if input.Contains(te.opts.Target) {
		return invalidConfig(KindTargetEncoding, "target %q cannot also be an input column", te.opts.Target)
	}
	return nil
}

// OutputColumns implements Operator.
func (te *TargetEncoding) OutputColumns(input columns.Selector) columns.Selector {
	return input.Map(func(name string) string {
		return "TE_" + name + "_" + te.opts.Target
	})
}

func (te *TargetEncoding) fold(rowOffset int64, row int) int {
	return int((rowOffset + int64(row)) % int64(te.opts.KFold))
}

func categoryKey(col *table.Column, row int) string {
	if col.IsNull(row) {
		return nullCategory
	}
	return col.Key(row)
}

// Transform implements Operator.
func (te *TargetEncoding) Transform(ctx context.Context, in Input) (*table.Table, error) {
	state, err := stateAs[*TargetEncodingState](KindTargetEncoding, in.State)
	if err != nil {
		return nil, err
	}

	inputs := in.Columns.Names()
	outputs := te.OutputColumns(in.Columns).Names()
	out := make([]*table.Column, len(inputs))
	for i, name := range inputs {
		col, err := inputColumn(in, name)
		if err != nil {
			return nil, err
		}
		stats, ok := state.Columns[name]
		if !ok {
			return nil, apperrors.NewColumnError(name, fmt.Errorf("no target statistics fitted"))
		}

		values := make([]float64, col.Len())
		for row := range values {
			cat, seen := stats[categoryKey(col, row)]
			if !seen {
				values[row] = state.GlobalMean
				continue
			}
			sum, count := cat.TotalSum(), cat.TotalCount()
			if in.Training {
				f := te.fold(in.RowOffset, row)
				sum -= cat.Sums[f]
				count -= cat.Counts[f]
			}
			values[row] = smooth(sum, count, state.PSmooth, state.GlobalMean)
		}
		out[i] = table.NewFloat64Column(values, nil)
	}
	return buildOutput(outputs, out)
}

// smooth computes (count*mean + p*global) / (count + p), with 0 when the
// denominator is 0. count*mean is passed directly as sum.
func smooth(sum float64, count int64, p, global float64) float64 {
	denom := float64(count) + p
	if denom == 0 {
		return 0
	}
	return (sum + p*global) / denom
}

// NewAccumulator implements Stateful.
func (te *TargetEncoding) NewAccumulator(input columns.Selector) Accumulator {
	acc := &targetEncodingAccumulator{
		kfold:   te.opts.KFold,
		target:  te.opts.Target,
		columns: make(map[string]map[string]*CategoryStats, input.Len()),
	}
	for _, name := range input.Names() {
		acc.columns[name] = make(map[string]*CategoryStats)
	}
	return acc
}

// Finalize implements Stateful.
func (te *TargetEncoding) Finalize(acc Accumulator) (State, error) {
	a, err := accumulatorAs[*targetEncodingAccumulator](KindTargetEncoding, acc)
	if err != nil {
		return nil, err
	}
	state := &TargetEncodingState{
		KFold:       te.opts.KFold,
		PSmooth:     te.opts.PSmooth,
		TargetSum:   a.targetSum,
		TargetCount: a.targetCount,
		Columns:     a.columns,
	}
	if a.targetCount > 0 {
		state.GlobalMean = a.targetSum / float64(a.targetCount)
	}
	return state, nil
}

// DecodeState implements Stateful.
func (te *TargetEncoding) DecodeState(data json.RawMessage) (State, error) {
	var state TargetEncodingState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode target encoding state: %w", err)
	}
	for col, stats := range state.Columns {
		for key, cat := range stats {
			if len(cat.Sums) != state.KFold || len(cat.Counts) != state.KFold {
				return nil, fmt.Errorf("column %q category %q: expected %d folds", col, key, state.KFold)
			}
		}
	}
	return &state, nil
}

// TargetEncodingState holds per-fold target sums and counts for every
// category of every input column.
type TargetEncodingState struct {
	KFold       int                                  `json:"kfold"`
	PSmooth     float64                              `json:"p_smooth"`
	GlobalMean  float64                              `json:"global_mean"`
	TargetSum   float64                              `json:"target_sum"`
	TargetCount int64                                `json:"target_count"`
	Columns     map[string]map[string]*CategoryStats `json:"columns"`
}

// OperatorKind implements State.
func (s *TargetEncodingState) OperatorKind() Kind { return KindTargetEncoding }

// Encode returns the inference-time encoding of a category value key.
func (s *TargetEncodingState) Encode(column, key string) float64 {
	cat, ok := s.Columns[column][key]
	if !ok {
		return s.GlobalMean
	}
	return smooth(cat.TotalSum(), cat.TotalCount(), s.PSmooth, s.GlobalMean)
}

// CategoryStats holds in-fold target sums and row counts, indexed by fold.
type CategoryStats struct {
	Sums   []float64 `json:"sums"`
	Counts []int64   `json:"counts"`
}

// TotalSum returns the target sum across all folds.
func (c *CategoryStats) TotalSum() float64 {
	var s float64
	for _, v := range c.Sums {
		s += v
	}
	return s
}

// TotalCount returns the row count across all folds.
func (c *CategoryStats) TotalCount() int64 {
	var n int64
	for _, v := range c.Counts {
		n += v
	}
	return n
}

type targetEncodingAccumulator struct {
	kfold       int
	target      string
	targetSum   float64
	targetCount int64
	columns     map[string]map[string]*CategoryStats
}

func (a *targetEncodingAccumulator) Update(in Input) error {
	target, err := inputColumn(in, a.target)
	if err != nil {
		return err
	}
	if !target.Type().IsNumeric() {
		return apperrors.NewColumnError(a.target, fmt.Errorf("target must be numeric, got %s", target.Type()))
	}

	cats := make(map[string]*table.Column, len(a.columns))
	for name := range a.columns {
		col, err := inputColumn(in, name)
		if err != nil {
			return err
		}
		cats[name] = col
	}

	for row := 0; row < target.Len(); row++ {
		y, ok := target.Float(row)
		if !ok {
			continue
		}
		f := int((in.RowOffset + int64(row)) % int64(a.kfold))
		a.targetSum += y
		a.targetCount++
		for name, col := range cats {
			stats := a.columns[name]
			key := categoryKey(col, row)
			cat, ok := stats[key]
			if !ok {
				cat = &CategoryStats{Sums: make([]float64, a.kfold), Counts: make([]int64, a.kfold)}
				stats[key] = cat
			}
			cat.Sums[f] += y
			cat.Counts[f]++
		}
	}
	return nil
}

func (a *targetEncodingAccumulator) Merge(other Accumulator) error {
	o, err := accumulatorAs[*targetEncodingAccumulator](KindTargetEncoding, other)
	if err != nil {
		return err
	}
	if o.kfold != a.kfold {
		return fmt.Errorf("%s: cannot merge accumulators with kfold %d and %d", KindTargetEncoding, a.kfold, o.kfold)
	}
	a.targetSum += o.targetSum
	a.targetCount += o.targetCount
	for name, stats := range o.columns {
		dst, ok := a.columns[name]
		if !ok {
			dst = make(map[string]*CategoryStats, len(stats))
			a.columns[name] = dst
		}
		for key, cat := range stats {
			d, ok := dst[key]
			if !ok {
				d = &CategoryStats{Sums: make([]float64, a.kfold), Counts: make([]int64, a.kfold)}
				dst[key] = d
			}
			for f := range cat.Sums {
				d.Sums[f] += cat.Sums[f]
				d.Counts[f] += cat.Counts[f]
			}
		}
	}
	return nil
}
