package ops

import (
	"context"
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-features/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-features/pkg/columns"
	"github.com/ekaya-inc/ekaya-features/pkg/table"
)

// fitOn runs a single-accumulator fit of op over the given partitions.
func fitOn(t *testing.T, op Stateful, input columns.Selector, parts ...*table.Table) State {
	t.Helper()
	acc := op.NewAccumulator(input)
	var offset int64
	for _, p := range parts {
		require.NoError(t, acc.Update(Input{Columns: input, Table: p, RowOffset: offset}))
		offset += int64(p.NumRows())
	}
	state, err := op.Finalize(acc)
	require.NoError(t, err)
	return state
}

func stringTable(name string, values ...string) *table.Table {
	return table.MustNew(table.Col(name, table.NewStringColumn(values, nil)))
}

func TestCategorify_FrequencyThreshold(t *testing.T) {
	op, err := NewCategorify(CategorifyOptions{FreqThreshold: 2})
	require.NoError(t, err)
	input := columns.New("cat")

	state := fitOn(t, op, input, stringTable("cat", "a", "a", "a", "b", "c"))

	vocab := state.(*CategorifyState).Columns["cat"]
	assert.Equal(t, int64(2), vocab.Code("a"))
	assert.Equal(t, CodeRare, vocab.Code("b"))
	assert.Equal(t, CodeRare, vocab.Code("c"))

	out, err := op.Transform(context.Background(), Input{Columns: input, Table: stringTable("cat", "a", "b", "d"), State: state})
	require.NoError(t, err)
	col, err := out.Column("cat")
	require.NoError(t, err)
	assert.Equal(t, table.TypeInt64, col.Type())
	assert.Equal(t, []int64{2, 1, 1}, col.Int64s())
}

func TestCategorify_CodesAreDenseAndOrdered(t *testing.T) {
	op, err := NewCategorify(CategorifyOptions{})
	require.NoError(t, err)
	input := columns.New("n")

	part1 := table.MustNew(table.Col("n", table.NewInt64Column([]int64{10, 9, 10, 100, 0}, []bool{false, false, false, false, true})))
	part2 := table.MustNew(table.Col("n", table.NewInt64Column([]int64{9, 2, 100}, nil)))
	state := fitOn(t, op, input, part1, part2)

	vocab := state.(*CategorifyState).Columns["n"]
	// counts: 9->2, 10->2, 100->2, 2->1; ties broken numerically
	assert.Equal(t, []string{"9", "10", "100", "2"}, vocab.Values)
	assert.Equal(t, int64(6), vocab.Cardinality())

	seen := map[int64]bool{}
	for _, v := range vocab.Values {
		code := vocab.Code(v)
		assert.GreaterOrEqual(t, code, int64(2))
		assert.False(t, seen[code])
		seen[code] = true
	}

	out, err := op.Transform(context.Background(), Input{Columns: input, Table: part1, State: state})
	require.NoError(t, err)
	col, _ := out.Column("n")
	assert.Equal(t, []int64{3, 2, 3, 4, CodeNull}, col.Int64s())
}

func TestCategorify_SignedZeroIsOneCategory(t *testing.T) {
	op, err := NewCategorify(CategorifyOptions{})
	require.NoError(t, err)
	input := columns.New("x")

	negZero := math.Copysign(0, -1)
	tbl := table.MustNew(table.Col("x", table.NewFloat64Column([]float64{0, negZero, 1.5, negZero}, nil)))
	state := fitOn(t, op, input, tbl)

	vocab := state.(*CategorifyState).Columns["x"]
	assert.Equal(t, []string{"0", "1.5"}, vocab.Values)

	out, err := op.Transform(context.Background(), Input{Columns: input, Table: tbl, State: state})
	require.NoError(t, err)
	col, _ := out.Column("x")
	assert.Equal(t, []int64{2, 2, 3, 2}, col.Int64s())
}

func TestCategorify_ColumnThresholdOverride(t *testing.T) {
	op, err := NewCategorify(CategorifyOptions{FreqThreshold: 1, ColumnThresholds: map[string]int64{"b": 3}})
	require.NoError(t, err)
	input := columns.New("a", "b")
	tbl := table.MustNew(
		table.Col("a", table.NewStringColumn([]string{"x", "x", "y"}, nil)),
		table.Col("b", table.NewStringColumn([]string{"x", "x", "y"}, nil)),
	)
	state := fitOn(t, op, input, tbl).(*CategorifyState)

	assert.Equal(t, []string{"x", "y"}, state.Columns["a"].Values)
	assert.Empty(t, state.Columns["b"].Values)
	assert.Equal(t, CodeRare, state.Columns["b"].Code("x"))
}

func TestCategorify_MergeMatchesSinglePass(t *testing.T) {
	op, err := NewCategorify(CategorifyOptions{FreqThreshold: 2})
	require.NoError(t, err)
	input := columns.New("cat")
	p1 := stringTable("cat", "a", "b", "b")
	p2 := stringTable("cat", "a", "c", "b", "a")

	single := fitOn(t, op, input, p1, p2)

	acc1 := op.NewAccumulator(input)
	require.NoError(t, acc1.Update(Input{Columns: input, Table: p1}))
	acc2 := op.NewAccumulator(input)
	require.NoError(t, acc2.Update(Input{Columns: input, Table: p2}))
	require.NoError(t, acc2.Merge(acc1))
	merged, err := op.Finalize(acc2)
	require.NoError(t, err)

	assert.Equal(t, single, merged)
}

func TestCategorify_TransformBeforeFit(t *testing.T) {
	op, err := NewCategorify(CategorifyOptions{})
	require.NoError(t, err)

	_, err = op.Transform(context.Background(), Input{Columns: columns.New("cat"), Table: stringTable("cat", "a")})
	require.ErrorIs(t, err, apperrors.ErrFitNotCalled)
}

func TestCategorify_RejectsTypeChangeBetweenPartitions(t *testing.T) {
	op, err := NewCategorify(CategorifyOptions{})
	require.NoError(t, err)
	input := columns.New("c")
	acc := op.NewAccumulator(input)
	require.NoError(t, acc.Update(Input{Columns: input, Table: stringTable("c", "a")}))

	err = acc.Update(Input{Columns: input, Table: table.MustNew(table.Col("c", table.NewInt64Column([]int64{1}, nil)))})
	var colErr *apperrors.ColumnError
	require.ErrorAs(t, err, &colErr)
	assert.Equal(t, "c", colErr.Column)
}

func TestCategorify_StateRoundTrip(t *testing.T) {
	op, err := NewCategorify(CategorifyOptions{})
	require.NoError(t, err)
	input := columns.New("cat")
	state := fitOn(t, op, input, stringTable("cat", "z", "y", "z"))

	data, err := json.Marshal(state)
	require.NoError(t, err)
	decoded, err := op.DecodeState(data)
	require.NoError(t, err)

	sample := stringTable("cat", "z", "y", "w")
	want, err := op.Transform(context.Background(), Input{Columns: input, Table: sample, State: state})
	require.NoError(t, err)
	got, err := op.Transform(context.Background(), Input{Columns: input, Table: sample, State: decoded})
	require.NoError(t, err)
	assert.True(t, want.Equal(got))
}

func TestNewCategorify_InvalidThreshold(t *testing.T) {
	_, err := NewCategorify(CategorifyOptions{FreqThreshold: -1})
	require.ErrorIs(t, err, apperrors.ErrInvalidConfig)
}
