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

// FillMissing replaces null and NaN values of numeric columns with a constant.
type FillMissing struct {
	Fill float64 `json:"fill"`
}

var _ Encoder = (*FillMissing)(nil)

func decodeFillMissing(config json.RawMessage, _ DecodeEnv) (Operator, error) {
	var op FillMissing
	if err := json.Unmarshal(config, &op); err != nil {
		return nil, err
	}
	return &op, nil
}

// Kind implements Operator.
func (f *FillMissing) Kind() Kind { return KindFillMissing }

// Config implements Encoder.
func (f *FillMissing) Config() any { return *f }

// OutputColumns implements Operator.
func (f *FillMissing) OutputColumns(input columns.Selector) columns.Selector { return input }

// Transform implements Operator.
func (f *FillMissing) Transform(ctx context.Context, in Input) (*table.Table, error) {
	names := in.Columns.Names()
	out := make([]*table.Column, len(names))
	for i, name := range names {
		col, err := numericColumn(in, name)
		if err != nil {
			return nil, err
		}
		if col.Type() == table.TypeInt64 {
			values := make([]int64, col.Len())
			copy(values, col.Int64s())
			for row := range values {
				if col.IsNull(row) {
					values[row] = int64(f.Fill)
				}
			}
			out[i] = table.NewInt64Column(values, nil)
			continue
		}
		values := make([]float64, col.Len())
		for row := range values {
			x, ok := col.Float(row)
			if !ok {
				x = f.Fill
			}
			values[row] = x
		}
		out[i] = table.NewFloat64Column(values, nil)
	}
	return buildOutput(names, out)
}

// LogOp computes log(1 + max(x, 0)) for numeric columns. Nulls stay null.
type LogOp struct{}

var _ Encoder = (*LogOp)(nil)

func decodeLog(json.RawMessage, DecodeEnv) (Operator, error) { return &LogOp{}, nil }

// Kind implements Operator.
func (l *LogOp) Kind() Kind { return KindLog }

// Config implements Encoder.
func (l *LogOp) Config() any { return struct{}{} }

// OutputColumns implements Operator.
func (l *LogOp) OutputColumns(input columns.Selector) columns.Selector { return input }

// Transform implements Operator.
func (l *LogOp) Transform(ctx context.Context, in Input) (*table.Table, error) {
	names := in.Columns.Names()
	out := make([]*table.Column, len(names))
	for i, name := range names {
		col, err := numericColumn(in, name)
		if err != nil {
			return nil, err
		}
		values := make([]float64, col.Len())
		nulls := make([]bool, col.Len())
		for row := range values {
			x, ok := col.Float(row)
			if !ok {
				nulls[row] = true
				continue
			}
			values[row] = math.Log1p(math.Max(x, 0))
		}
		out[i] = table.NewFloat64Column(values, nulls)
	}
	return buildOutput(names, out)
}

// Rename changes column names without touching values. Names maps specific
// columns; Postfix is appended to every column not in Names.
type Rename struct {
	Names   map[string]string `json:"names,omitempty"`
	Postfix string            `json:"postfix,omitempty"`
}

var (
	_ Encoder        = (*Rename)(nil)
	_ InputValidator = (*Rename)(nil)
)

func decodeRename(config json.RawMessage, _ DecodeEnv) (Operator, error) {
	var op Rename
	if err := json.Unmarshal(config, &op); err != nil {
		return nil, err
	}
	return &op, nil
}

// Kind implements Operator.
func (r *Rename) Kind() Kind { return KindRename }

// Config implements Encoder.
func (r *Rename) Config() any { return *r }

func (r *Rename) rename(name string) string {
	if to, ok := r.Names[name]; ok {
		return to
	}
	return name + r.Postfix
}

// OutputColumns implements Operator.
func (r *Rename) OutputColumns(input columns.Selector) columns.Selector {
	return input.Map(r.rename)
}

// ValidateInput rejects renames that would merge two columns into one name.
func (r *Rename) ValidateInput(input columns.Selector) error {
	if r.OutputColumns(input).Len() != input.Len() {
		return fmt.Errorf("%s: %w: renaming %s produces duplicate names", KindRename, apperrors.ErrColumnNameCollision, input)
	}
	return nil
}

// Transform implements Operator.
func (r *Rename) Transform(ctx context.Context, in Input) (*table.Table, error) {
	names := in.Columns.Names()
	out := make([]*table.Column, len(names))
	for i, name := range names {
		col, err := inputColumn(in, name)
		if err != nil {
			return nil, err
		}
		out[i] = col
	}
	return buildOutput(r.OutputColumns(in.Columns).Names(), out)
}

// LambdaFunc transforms one column. It must return a column of the same length.
type LambdaFunc func(col *table.Column) (*table.Column, error)

// Lambda applies a named custom function to every input column. Only the
// name is persisted; loading a workflow rebinds it from DecodeEnv.Funcs.
type Lambda struct {
	name string
	fn   LambdaFunc
}

type lambdaConfig struct {
	Name string `json:"name"`
}

var _ Encoder = (*Lambda)(nil)

// NewLambda creates a Lambda operator.
func NewLambda(name string, fn LambdaFunc) (*Lambda, error) {
	if name == "" || fn == nil {
		return nil, invalidConfig(KindLambda, "name and function are required")
	}
	return &Lambda{name: name, fn: fn}, nil
}

func decodeLambda(config json.RawMessage, env DecodeEnv) (Operator, error) {
	var cfg lambdaConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return nil, err
	}
	fn, ok := env.Funcs[cfg.Name]
	if !ok {
		return nil, fmt.Errorf("lambda function %q not provided", cfg.Name)
	}
	return NewLambda(cfg.Name, fn)
}

// Kind implements Operator.
func (l *Lambda) Kind() Kind { return KindLambda }

// Config implements Encoder.
func (l *Lambda) Config() any { return lambdaConfig{Name: l.name} }

// OutputColumns implements Operator.
func (l *Lambda) OutputColumns(input columns.Selector) columns.Selector { return input }

// Name returns the function name the operator is persisted under.
func (l *Lambda) Name() string { return l.name }

// Transform implements Operator.
func (l *Lambda) Transform(ctx context.Context, in Input) (*table.Table, error) {
	names := in.Columns.Names()
	out := make([]*table.Column, len(names))
	for i, name := range names {
		col, err := inputColumn(in, name)
		if err != nil {
			return nil, err
		}
		res, err := l.fn(col)
		if err != nil {
			return nil, apperrors.NewColumnError(name, err)
		}
		if res == nil || res.Len() != col.Len() {
			return nil, apperrors.NewColumnError(name, fmt.Errorf("%s %q returned a column of the wrong length", KindLambda, l.name))
		}
		out[i] = res
	}
	return buildOutput(names, out)
}
