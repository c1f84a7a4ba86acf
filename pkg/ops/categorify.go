package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ekaya-inc/ekaya-features/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-features/pkg/columns"
	"github.com/ekaya-inc/ekaya-features/pkg/table"
)

// Reserved Categorify codes.
const (
	CodeNull  int64 = 0 // null or missing value
	CodeRare  int64 = 1 // below frequency threshold, or unseen at fit time
	firstCode int64 = 2
)

// CategorifyOptions configures Categorify.
type CategorifyOptions struct {
	// FreqThreshold collapses values seen fewer times than this into CodeRare.
	// 0 disables collapsing.
	FreqThreshold int64 `json:"freq_threshold"`
	// ColumnThresholds overrides FreqThreshold per column.
	ColumnThresholds map[string]int64 `json:"column_thresholds,omitempty"`
}

// Categorify maps categorical values to dense integer codes ordered by frequency.
type Categorify struct {
	opts CategorifyOptions
}

var (
	_ Stateful = (*Categorify)(nil)
	_ Encoder  = (*Categorify)(nil)
)

// NewCategorify creates a Categorify operator.
func NewCategorify(opts CategorifyOptions) (*Categorify, error) {
	if opts.FreqThreshold < 0 {
		return nil, invalidConfig(KindCategorify, "freq_threshold must be >= 0, got %d", opts.FreqThreshold)
	}
	for col, th := range opts.ColumnThresholds {
		if th < 0 {
			return nil, invalidConfig(KindCategorify, "freq_threshold for %q must be >= 0, got %d", col, th)
		}
	}
	return &Categorify{opts: opts}, nil
}

func decodeCategorify(config json.RawMessage, _ DecodeEnv) (Operator, error) {
	var opts CategorifyOptions
	if err := json.Unmarshal(config, &opts); err != nil {
		return nil, err
	}
	return NewCategorify(opts)
}

// Kind implements Operator.
func (c *Categorify) Kind() Kind { return KindCategorify }

// Config implements Encoder.
func (c *Categorify) Config() any { return c.opts }

// OutputColumns implements Operator. Codes replace the input columns in place.
func (c *Categorify) OutputColumns(input columns.Selector) columns.Selector {
	return input
}

func (c *Categorify) threshold(column string) int64 {
	if th, ok := c.opts.ColumnThresholds[column]; ok {
		return th
	}
	return c.opts.FreqThreshold
}

// Transform implements Operator.
func (c *Categorify) Transform(ctx context.Context, in Input) (*table.Table, error) {
	state, err := stateAs[*CategorifyState](KindCategorify, in.State)
	if err != nil {
		return nil, err
	}

	names := in.Columns.Names()
	out := make([]*table.Column, len(names))
	for i, name := range names {
		col, err := inputColumn(in, name)
		if err != nil {
			return nil, err
		}
		vocab, ok := state.Columns[name]
		if !ok {
			return nil, apperrors.NewColumnError(name, fmt.Errorf("no vocabulary fitted"))
		}
		codes := make([]int64, col.Len())
		for row := range codes {
			if col.IsNull(row) {
				codes[row] = CodeNull
				continue
			}
			codes[row] = vocab.Code(col.Key(row))
		}
		out[i] = table.NewInt64Column(codes, nil)
	}
	return buildOutput(names, out)
}

// NewAccumulator implements Stateful.
func (c *Categorify) NewAccumulator(input columns.Selector) Accumulator {
	acc := &categorifyAccumulator{
		counts: make(map[string]map[string]int64, input.Len()),
		types:  make(map[string]table.DataType, input.Len()),
	}
	for _, name := range input.Names() {
		acc.counts[name] = make(map[string]int64)
	}
	return acc
}

// Finalize implements Stateful.
func (c *Categorify) Finalize(acc Accumulator) (State, error) {
	a, err := accumulatorAs[*categorifyAccumulator](KindCategorify, acc)
	if err != nil {
		return nil, err
	}

	state := &CategorifyState{Columns: make(map[string]*Vocabulary, len(a.counts))}
	for name, counts := range a.counts {
		dtype := a.types[name]
		if dtype == "" {
			dtype = table.TypeString
		}

		values := make([]string, 0, len(counts))
		for v := range counts {
			values = append(values, v)
		}
		sort.Slice(values, func(i, j int) bool {
			ci, cj := counts[values[i]], counts[values[j]]
			if ci != cj {
				return ci > cj
			}
			return naturalLess(dtype, values[i], values[j])
		})

		threshold := c.threshold(name)
		vocab := &Vocabulary{Type: dtype}
		for _, v := range values {
			if counts[v] < threshold {
				continue
			}
			vocab.Values = append(vocab.Values, v)
			vocab.Counts = append(vocab.Counts, counts[v])
		}
		vocab.buildIndex()
		state.Columns[name] = vocab
	}
	return state, nil
}

// DecodeState implements Stateful.
func (c *Categorify) DecodeState(data json.RawMessage) (State, error) {
	var state CategorifyState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode categorify state: %w", err)
	}
	for _, vocab := range state.Columns {
		if len(vocab.Values) != len(vocab.Counts) {
			return nil, fmt.Errorf("categorify vocabulary has %d values but %d counts", len(vocab.Values), len(vocab.Counts))
		}
		vocab.buildIndex()
	}
	return &state, nil
}

// CategorifyState holds one vocabulary per column.
type CategorifyState struct {
	Columns map[string]*Vocabulary `json:"columns"`
}

// OperatorKind implements State.
func (s *CategorifyState) OperatorKind() Kind { return KindCategorify }

// Vocabulary maps kept values to codes. Values[i] has code i+2.
type Vocabulary struct {
	Type   table.DataType `json:"type"`
	Values []string       `json:"values"`
	Counts []int64        `json:"counts"`

	index map[string]int64
}

func (v *Vocabulary) buildIndex() {
	v.index = make(map[string]int64, len(v.Values))
	for i, value := range v.Values {
		v.index[value] = firstCode + int64(i)
	}
}

// Code returns the code for a value key; unknown values map to CodeRare.
func (v *Vocabulary) Code(key string) int64 {
	if code, ok := v.index[key]; ok {
		return code
	}
	return CodeRare
}

// Cardinality returns the size of the code space, including the reserved codes.
func (v *Vocabulary) Cardinality() int64 {
	return firstCode + int64(len(v.Values))
}

type categorifyAccumulator struct {
	counts map[string]map[string]int64
	types  map[string]table.DataType
}

func (a *categorifyAccumulator) Update(in Input) error {
	for name, counts := range a.counts {
		col, err := inputColumn(in, name)
		if err != nil {
			return err
		}
		if err := a.recordType(name, col.Type()); err != nil {
			return err
		}
		for row := 0; row < col.Len(); row++ {
			if col.IsNull(row) {
				continue
			}
			counts[col.Key(row)]++
		}
	}
	return nil
}

func (a *categorifyAccumulator) recordType(name string, dtype table.DataType) error {
	prev, ok := a.types[name]
	if ok && prev != dtype {
		return apperrors.NewColumnError(name, fmt.Errorf("type changed between partitions: %s then %s", prev, dtype))
	}
	a.types[name] = dtype
	return nil
}

func (a *categorifyAccumulator) Merge(other Accumulator) error {
	o, err := accumulatorAs[*categorifyAccumulator](KindCategorify, other)
	if err != nil {
		return err
	}
	for name, dtype := range o.types {
		if err := a.recordType(name, dtype); err != nil {
			return err
		}
	}
	for name, counts := range o.counts {
		dst, ok := a.counts[name]
		if !ok {
			dst = make(map[string]int64, len(counts))
			a.counts[name] = dst
		}
		for v, n := range counts {
			dst[v] += n
		}
	}
	return nil
}

// naturalLess orders value keys by their typed value, falling back to string order.
func naturalLess(dtype table.DataType, a, b string) bool {
	switch dtype {
	case table.TypeInt64:
		x, errX := strconv.ParseInt(a, 10, 64)
		y, errY := strconv.ParseInt(b, 10, 64)
		if errX == nil && errY == nil {
			return x < y
		}
	case table.TypeFloat64:
		x, errX := strconv.ParseFloat(a, 64)
		y, errY := strconv.ParseFloat(b, 64)
		if errX == nil && errY == nil && x != y {
			return x < y
		}
	case table.TypeTimestamp:
		x, errX := time.Parse(time.RFC3339Nano, a)
		y, errY := time.Parse(time.RFC3339Nano, b)
		if errX == nil && errY == nil {
			return x.Before(y)
		}
	}
	return strings.Compare(a, b) < 0
}
