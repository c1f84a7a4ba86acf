package ops

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-features/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-features/pkg/columns"
	"github.com/ekaya-inc/ekaya-features/pkg/table"
)

func numericTable() *table.Table {
	return table.MustNew(
		table.Col("i", table.NewInt64Column([]int64{1, 0, 3, 5}, []bool{false, true, false, false})),
		table.Col("f", table.NewFloat64Column([]float64{-2, math.NaN(), 0, math.E - 1}, nil)),
	)
}

func TestFillMissing(t *testing.T) {
	op := &FillMissing{Fill: 9}
	out, err := op.Transform(context.Background(), Input{Columns: columns.New("i", "f"), Table: numericTable()})
	require.NoError(t, err)

	i, _ := out.Column("i")
	assert.Equal(t, []int64{1, 9, 3, 5}, i.Int64s())
	assert.Zero(t, i.NullCount())
	f, _ := out.Column("f")
	assert.Equal(t, 9.0, f.Float64s()[1])
}

func TestLogOp(t *testing.T) {
	op := &LogOp{}
	out, err := op.Transform(context.Background(), Input{Columns: columns.New("i", "f"), Table: numericTable()})
	require.NoError(t, err)

	i, _ := out.Column("i")
	assert.Equal(t, table.TypeFloat64, i.Type())
	assert.True(t, i.IsNull(1))
	assert.InDelta(t, math.Log(2), i.Float64s()[0], 1e-12)

	f, _ := out.Column("f")
	assert.Equal(t, 0.0, f.Float64s()[0], "negative values clamp to zero")
	assert.True(t, f.IsNull(1))
	assert.InDelta(t, 1.0, f.Float64s()[3], 1e-12)

	_, err = op.Transform(context.Background(), Input{Columns: columns.New("s"), Table: stringTable("s", "x")})
	var colErr *apperrors.ColumnError
	require.ErrorAs(t, err, &colErr)
}

func TestRename(t *testing.T) {
	op := &Rename{Names: map[string]string{"a": "alpha"}, Postfix: "_v2"}
	input := columns.New("a", "b")
	assert.Equal(t, []string{"alpha", "b_v2"}, op.OutputColumns(input).Names())

	tbl := table.MustNew(
		table.Col("a", table.NewInt64Column([]int64{1}, nil)),
		table.Col("b", table.NewStringColumn([]string{"x"}, nil)),
	)
	out, err := op.Transform(context.Background(), Input{Columns: input, Table: tbl})
	require.NoError(t, err)
	b, _ := out.Column("b_v2")
	assert.Equal(t, []string{"x"}, b.Strings())

	clash := &Rename{Names: map[string]string{"a": "b_v2"}, Postfix: "_v2"}
	assert.ErrorIs(t, clash.ValidateInput(input), apperrors.ErrColumnNameCollision)
}

func TestLambda(t *testing.T) {
	upper := func(col *table.Column) (*table.Column, error) {
		if col.Type() != table.TypeString {
			return nil, errors.New("not a string column")
		}
		values := make([]string, col.Len())
		for i, s := range col.Strings() {
			values[i] = strings.ToUpper(s)
		}
		return table.NewStringColumn(values, nil), nil
	}
	op, err := NewLambda("upper", upper)
	require.NoError(t, err)

	out, err := op.Transform(context.Background(), Input{Columns: columns.New("s"), Table: stringTable("s", "ab", "c")})
	require.NoError(t, err)
	s, _ := out.Column("s")
	assert.Equal(t, []string{"AB", "C"}, s.Strings())

	_, err = op.Transform(context.Background(), Input{Columns: columns.New("i"), Table: numericTable()})
	var colErr *apperrors.ColumnError
	require.ErrorAs(t, err, &colErr)
	assert.Equal(t, "i", colErr.Column)

	config, err := json.Marshal(op.Config())
	require.NoError(t, err)
	_, err = Decode(KindLambda, config, DecodeEnv{})
	require.Error(t, err)
	decoded, err := Decode(KindLambda, config, DecodeEnv{Funcs: map[string]LambdaFunc{"upper": upper}})
	require.NoError(t, err)
	assert.Equal(t, "upper", decoded.(*Lambda).Name())
}

func TestNormalize(t *testing.T) {
	op := NewNormalize()
	input := columns.New("x", "c")
	tbl := table.MustNew(
		table.Col("x", table.NewFloat64Column([]float64{1, 2, 3, 0}, []bool{false, false, false, true})),
		table.Col("c", table.NewInt64Column([]int64{4, 4, 4, 4}, nil)),
	)
	state := fitOn(t, op, input, tbl).(*NormalizeState)

	assert.Equal(t, int64(3), state.Columns["x"].Count)
	assert.InDelta(t, 2.0, state.Columns["x"].Mean, 1e-12)
	assert.InDelta(t, math.Sqrt(2.0/3.0), state.Columns["x"].Std, 1e-12)
	assert.Equal(t, 0.0, state.Columns["c"].Std)

	out, err := op.Transform(context.Background(), Input{Columns: input, Table: tbl, State: state})
	require.NoError(t, err)
	x, _ := out.Column("x")
	assert.InDelta(t, 0.0, x.Float64s()[1], 1e-12)
	assert.True(t, x.IsNull(3))
	c, _ := out.Column("c")
	assert.Equal(t, []float64{0, 0, 0, 0}, c.Float64s())
}

func TestRegistry(t *testing.T) {
	kinds := RegisteredKinds()
	for _, k := range []Kind{KindCategorify, KindTargetEncoding, KindTimeDelta, KindColumnSimilarity, KindNormalize} {
		assert.Contains(t, kinds, k)
	}

	_, err := Decode("nope", json.RawMessage(`{}`), DecodeEnv{})
	require.Error(t, err)

	op, err := Decode(KindTargetEncoding, json.RawMessage(`{"target":"y","kfold":4,"p_smooth":2}`), DecodeEnv{})
	require.NoError(t, err)
	assert.Equal(t, TargetEncodingOptions{Target: "y", KFold: 4, PSmooth: 2}, op.(Encoder).Config())

	_, err = Decode(KindTargetEncoding, json.RawMessage(`{"target":"y","kfold":1}`), DecodeEnv{})
	require.ErrorIs(t, err, apperrors.ErrInvalidConfig)
}
