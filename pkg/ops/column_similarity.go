package ops

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ekaya-inc/ekaya-features/pkg/columns"
	"github.com/ekaya-inc/ekaya-features/pkg/sparse"
	"github.com/ekaya-inc/ekaya-features/pkg/table"
)

// SimilaritySuffix is appended to "<left>_<right>" to name each output column.
const SimilaritySuffix = "_sim"

// ColumnSimilarityOptions configures ColumnSimilarity.
type ColumnSimilarityOptions struct {
	// Left profiles the keys of each pair's first column.
	Left *sparse.Matrix
	// Right profiles the keys of each pair's second column. Defaults to Left.
	Right *sparse.Matrix
	// Metric defaults to sparse.MetricTFIDF.
	Metric sparse.Metric
}

type columnSimilarityConfig struct {
	Left   string        `json:"left"`
	Right  string        `json:"right"`
	Metric sparse.Metric `json:"metric"`
}

// ColumnSimilarity computes the cosine similarity of the sparse profiles of
// two key columns. Input columns are consumed in (left, right) pairs in
// selector order. The matrices are shared and never modified.
type ColumnSimilarity struct {
	left   *sparse.Matrix
	right  *sparse.Matrix
	metric sparse.Metric
}

var (
	_ InputValidator = (*ColumnSimilarity)(nil)
	_ Encoder        = (*ColumnSimilarity)(nil)
	_ MatrixUser     = (*ColumnSimilarity)(nil)
)

// NewColumnSimilarity creates a ColumnSimilarity operator.
func NewColumnSimilarity(opts ColumnSimilarityOptions) (*ColumnSimilarity, error) {
	if opts.Left == nil {
		return nil, invalidConfig(KindColumnSimilarity, "left matrix is required")
	}
	if opts.Right == nil {
		opts.Right = opts.Left
	}
	if opts.Metric == "" {
		opts.Metric = sparse.MetricTFIDF
	}
	if !opts.Metric.IsValid() {
		return nil, invalidConfig(KindColumnSimilarity, "unknown metric %q", opts.Metric)
	}
	if opts.Left.Name() == opts.Right.Name() && opts.Left != opts.Right {
		return nil, invalidConfig(KindColumnSimilarity, "two different matrices share the name %q", opts.Left.Name())
	}
	return &ColumnSimilarity{left: opts.Left, right: opts.Right, metric: opts.Metric}, nil
}

func decodeColumnSimilarity(config json.RawMessage, env DecodeEnv) (Operator, error) {
	var cfg columnSimilarityConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return nil, err
	}
	left, err := lookupMatrix(env, cfg.Left)
	if err != nil {
		return nil, err
	}
	right, err := lookupMatrix(env, cfg.Right)
	if err != nil {
		return nil, err
	}
	return NewColumnSimilarity(ColumnSimilarityOptions{Left: left, Right: right, Metric: cfg.Metric})
}

// Kind implements Operator.
func (cs *ColumnSimilarity) Kind() Kind { return KindColumnSimilarity }

// Config implements Encoder. Matrices are referenced by name and persisted
// separately as workflow resources.
func (cs *ColumnSimilarity) Config() any {
	return columnSimilarityConfig{Left: cs.left.Name(), Right: cs.right.Name(), Metric: cs.metric}
}

// Matrices implements MatrixUser.
func (cs *ColumnSimilarity) Matrices() []*sparse.Matrix {
	if cs.left == cs.right {
		return []*sparse.Matrix{cs.left}
	}
	return []*sparse.Matrix{cs.left, cs.right}
}

// ValidateInput implements InputValidator.
func (cs *ColumnSimilarity) ValidateInput(input columns.Selector) error {
	if input.IsEmpty() || input.Len()%2 != 0 {
		return invalidConfig(KindColumnSimilarity, "input columns must come in (left, right) pairs, got %d", input.Len())
	}
	if cs.OutputColumns(input).Len() != input.Len()/2 {
		return invalidConfig(KindColumnSimilarity, "pairs %s produce duplicate output names", input)
	}
	return nil
}

// OutputColumns implements Operator.
func (cs *ColumnSimilarity) OutputColumns(input columns.Selector) columns.Selector {
	names := make([]string, 0, input.Len()/2)
	for i := 0; i+1 < input.Len(); i += 2 {
		names = append(names, input.At(i)+"_"+input.At(i+1)+SimilaritySuffix)
	}
	return columns.New(names...)
}

// Transform implements Operator.
func (cs *ColumnSimilarity) Transform(ctx context.Context, in Input) (*table.Table, error) {
	if err := cs.ValidateInput(in.Columns); err != nil {
		return nil, err
	}
	outputs := cs.OutputColumns(in.Columns).Names()
	out := make([]*table.Column, len(outputs))
	for p := range outputs {
		left, err := inputColumn(in, in.Columns.At(2*p))
		if err != nil {
			return nil, err
		}
		right, err := inputColumn(in, in.Columns.At(2*p+1))
		if err != nil {
			return nil, err
		}
		if left.Len() != right.Len() {
			return nil, fmt.Errorf("%s: pair length mismatch %d != %d", KindColumnSimilarity, left.Len(), right.Len())
		}

		values := make([]float64, left.Len())
		for row := range values {
			if left.IsNull(row) || right.IsNull(row) {
				continue
			}
			values[row] = sparse.Similarity(cs.left, left.Key(row), cs.right, right.Key(row), cs.metric)
		}
		out[p] = table.NewFloat64Column(values, nil)
	}
	return buildOutput(outputs, out)
}
