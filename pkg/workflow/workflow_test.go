package workflow

import (
	"bytes"
	"context"
	"math"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-features/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-features/pkg/columns"
	"github.com/ekaya-inc/ekaya-features/pkg/dataset"
	"github.com/ekaya-inc/ekaya-features/pkg/graph"
	"github.com/ekaya-inc/ekaya-features/pkg/ops"
	"github.com/ekaya-inc/ekaya-features/pkg/sparse"
	"github.com/ekaya-inc/ekaya-features/pkg/table"
)

var schema = columns.New("user", "item", "signup", "ts", "amount", "y")

func day(n int) time.Time {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, n)
}

// events is a small table covering every column of schema.
func events() *table.Table {
	return table.MustNew(
		table.Col("user", table.NewStringColumn([]string{"u1", "u2", "u1", "u2", "u1", "u3"}, nil)),
		table.Col("item", table.NewStringColumn([]string{"u2", "u1", "u1", "u3", "u3", "u3"}, nil)),
		table.Col("signup", table.NewTimestampColumn([]time.Time{day(0), day(1), day(2), day(3), day(4), day(5)}, nil)),
		table.Col("ts", table.NewTimestampColumn([]time.Time{day(10), day(10), day(10), day(10), day(10), day(10)}, nil)),
		table.Col("amount", table.NewFloat64Column([]float64{1, 2, 3, 4, 5, 6}, nil)),
		table.Col("y", table.NewInt64Column([]int64{1, 0, 1, 0, 0, 1}, nil)),
	)
}

func profiles() *sparse.Matrix {
	b := sparse.NewBuilder("profiles")
	b.Add("u1", 1, 1)
	b.Add("u1", 2, 1)
	b.Add("u2", 2, 1)
	b.Add("u2", 3, 1)
	b.Add("u3", 4, 1)
	return b.Build()
}

func double(col *table.Column) (*table.Column, error) {
	out := make([]float64, col.Len())
	for i, v := range col.Float64s() {
		out[i] = 2 * v
	}
	return table.NewFloat64Column(out, nil), nil
}

// encodingWorkflow categorifies user then target-encodes the codes.
func encodingWorkflow(t *testing.T, opts ...Option) *Workflow {
	t.Helper()
	g := graph.New(schema, zap.NewNop())
	src, err := g.Select("user")
	require.NoError(t, err)
	cat, err := ops.NewCategorify(ops.CategorifyOptions{})
	require.NoError(t, err)
	codes, err := g.Compose(cat, src)
	require.NoError(t, err)
	te, err := ops.NewTargetEncoding(ops.TargetEncodingOptions{Target: "y", KFold: 2})
	require.NoError(t, err)
	out, err := g.Compose(te, codes)
	require.NoError(t, err)

	w, err := New(g, out, opts...)
	require.NoError(t, err)
	return w
}

// fullWorkflow exercises every built-in feature operator.
func fullWorkflow(t *testing.T, opts ...Option) *Workflow {
	t.Helper()
	g := graph.New(schema, zap.NewNop())

	pair, err := g.Select("user", "item")
	require.NoError(t, err)
	simOp, err := ops.NewColumnSimilarity(ops.ColumnSimilarityOptions{Left: profiles()})
	require.NoError(t, err)
	sim, err := g.Compose(simOp, pair)
	require.NoError(t, err)

	cat, err := ops.NewCategorify(ops.CategorifyOptions{FreqThreshold: 2})
	require.NoError(t, err)
	codes, err := g.Compose(cat, pair)
	require.NoError(t, err)
	teOp, err := ops.NewTargetEncoding(ops.TargetEncodingOptions{Target: "y", KFold: 3, PSmooth: ops.DefaultPSmooth})
	require.NoError(t, err)
	te, err := g.Compose(teOp, codes)
	require.NoError(t, err)

	signup, err := g.Select("signup")
	require.NoError(t, err)
	tdOp, err := ops.NewTimeDelta(ops.TimeDeltaOptions{Reference: "ts"})
	require.NoError(t, err)
	td, err := g.Compose(tdOp, signup)
	require.NoError(t, err)

	amount, err := g.Select("amount")
	require.NoError(t, err)
	lambda, err := ops.NewLambda("double", double)
	require.NoError(t, err)
	doubled, err := g.Compose(lambda, amount)
	require.NoError(t, err)

	out, err := g.Union(sim, te, td, doubled)
	require.NoError(t, err)

	w, err := New(g, out, append([]Option{WithName("full")}, opts...)...)
	require.NoError(t, err)
	return w
}

func collect(t *testing.T, ds dataset.Dataset) *table.Table {
	t.Helper()
	out, err := dataset.Collect(context.Background(), ds)
	require.NoError(t, err)
	return out
}

func floats(t *testing.T, tbl *table.Table, name string) []float64 {
	t.Helper()
	col, err := tbl.Column(name)
	require.NoError(t, err)
	return col.Float64s()
}

func TestWorkflow_StatelessNeedsNoFit(t *testing.T) {
	g := graph.New(schema, zap.NewNop())
	src, err := g.Select("amount")
	require.NoError(t, err)
	out, err := g.Compose(&ops.LogOp{}, src)
	require.NoError(t, err)

	w, err := New(g, out)
	require.NoError(t, err)
	assert.Empty(t, w.Stages())

	result := collect(t, w.Transform(dataset.FromPartitions(events())))
	got := floats(t, result, "amount")
	require.Len(t, got, 6)
	assert.InDelta(t, math.Log1p(1), got[0], 1e-12)
	assert.InDelta(t, math.Log1p(6), got[5], 1e-12)
}

func TestWorkflow_TransformBeforeFit(t *testing.T) {
	w := encodingWorkflow(t)

	_, err := dataset.Collect(context.Background(), w.Transform(dataset.FromPartitions(events())))
	require.ErrorIs(t, err, apperrors.ErrFitNotCalled)

	_, err = w.TransformTable(context.Background(), events())
	require.ErrorIs(t, err, apperrors.ErrFitNotCalled)
	assert.False(t, w.IsFitted())
}

func TestWorkflow_ChainedStatefulOperatorsFitInStages(t *testing.T) {
	w := encodingWorkflow(t)
	stages := w.Stages()
	require.Len(t, stages, 2)
	assert.Len(t, stages[0], 1)
	assert.Len(t, stages[1], 1)

	require.NoError(t, w.Fit(context.Background(), dataset.FromPartitions(events())))
	assert.True(t, w.IsFitted())

	out, err := w.TransformTable(context.Background(), events())
	require.NoError(t, err)
	assert.Equal(t, []string{"TE_user_y"}, out.ColumnNames().Names())

	// user means of y: u1 = 2/3, u2 = 0, u3 = 1
	got := floats(t, out, "TE_user_y")
	want := []float64{2.0 / 3, 0, 2.0 / 3, 0, 2.0 / 3, 1}
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-12, "row %d", i)
	}
}

func TestWorkflow_FitTransformUsesOutOfFoldValues(t *testing.T) {
	g := graph.New(columns.New("cat", "y"), zap.NewNop())
	src, err := g.Select("cat")
	require.NoError(t, err)
	te, err := ops.NewTargetEncoding(ops.TargetEncodingOptions{Target: "y", KFold: 2})
	require.NoError(t, err)
	out, err := g.Compose(te, src)
	require.NoError(t, err)
	w, err := New(g, out)
	require.NoError(t, err)

	data := dataset.FromPartitions(
		table.MustNew(
			table.Col("cat", table.NewStringColumn([]string{"x", "x"}, nil)),
			table.Col("y", table.NewFloat64Column([]float64{1, 0}, nil)),
		),
		table.MustNew(
			table.Col("cat", table.NewStringColumn([]string{"x", "x"}, nil)),
			table.Col("y", table.NewFloat64Column([]float64{1, 0}, nil)),
		),
	)

	training, err := w.FitTransform(context.Background(), data)
	require.NoError(t, err)
	// rows 0 and 2 fall in fold 0 (y=1), rows 1 and 3 in fold 1 (y=0)
	assert.Equal(t, []float64{0, 1, 0, 1}, floats(t, collect(t, training), "TE_cat_y"))

	inference := collect(t, w.Transform(data))
	assert.Equal(t, []float64{0.5, 0.5, 0.5, 0.5}, floats(t, inference, "TE_cat_y"))
}

func TestWorkflow_PartitioningAndWorkersDoNotChangeResults(t *testing.T) {
	whole := dataset.FromPartitions(events())
	split, err := dataset.FromTable(events(), 1)
	require.NoError(t, err)

	sequential := fullWorkflow(t)
	parallel := fullWorkflow(t, WithWorkers(4))

	seqOut, err := sequential.FitTransform(context.Background(), whole)
	require.NoError(t, err)
	parOut, err := parallel.FitTransform(context.Background(), split)
	require.NoError(t, err)

	seqTable := collect(t, seqOut)
	parTable := collect(t, parOut)
	assert.True(t, seqTable.Equal(parTable), "training outputs differ")

	assert.True(t, collect(t, sequential.Transform(whole)).Equal(collect(t, parallel.Transform(split))),
		"inference outputs differ")
}

func TestWorkflow_TransformIsRepeatable(t *testing.T) {
	w := fullWorkflow(t, WithWorkers(2))
	data := dataset.FromPartitions(events())
	require.NoError(t, w.Fit(context.Background(), data))

	first := collect(t, w.Transform(data))
	second := collect(t, w.Transform(data))
	assert.True(t, first.Equal(second))
	assert.Equal(t, w.OutputColumns().Names(), first.ColumnNames().Names())
	assert.Equal(t, []string{"user_item_sim", "TE_user_y", "TE_item_y", "signup_delta_days", "amount"}, first.ColumnNames().Names())
}

func TestWorkflow_SaveLoadRoundTrip(t *testing.T) {
	w := fullWorkflow(t)
	data := dataset.FromPartitions(events())
	require.NoError(t, w.Fit(context.Background(), data))

	var buf bytes.Buffer
	require.NoError(t, w.Save(&buf))

	loaded, err := Load(bytes.NewReader(buf.Bytes()), LoadOptions{
		Funcs: map[string]ops.LambdaFunc{"double": double},
	})
	require.NoError(t, err)
	assert.Equal(t, w.ID(), loaded.ID())
	assert.Equal(t, "full", loaded.Name())
	assert.True(t, loaded.IsFitted())
	assert.Equal(t, w.Stages(), loaded.Stages())

	want, err := w.TransformTable(context.Background(), events())
	require.NoError(t, err)
	got, err := loaded.TransformTable(context.Background(), events())
	require.NoError(t, err)
	assert.True(t, want.Equal(got))

	sim := floats(t, got, "user_item_sim")
	assert.InDelta(t, 1.0, sim[2], 1e-12, "u1 against itself")
	assert.Zero(t, sim[4], "u1 and u3 share no feature")

	deltas, err := got.Column("signup_delta_days")
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 9, 8, 7, 6, 5}, deltas.Int64s())
	assert.Equal(t, []float64{2, 4, 6, 8, 10, 12}, floats(t, got, "amount"))

	t.Run("lambda must be rebound", func(t *testing.T) {
		_, err := Load(bytes.NewReader(buf.Bytes()), LoadOptions{})
		require.Error(t, err)
	})

	t.Run("unfitted workflow stays unfitted", func(t *testing.T) {
		fresh := fullWorkflow(t)
		var b bytes.Buffer
		require.NoError(t, fresh.Save(&b))
		again, err := Load(&b, LoadOptions{Funcs: map[string]ops.LambdaFunc{"double": double}})
		require.NoError(t, err)
		assert.False(t, again.IsFitted())
		_, err = again.TransformTable(context.Background(), events())
		require.ErrorIs(t, err, apperrors.ErrFitNotCalled)
	})
}

func TestWorkflow_TransformErrorIdentifiesNodeAndPartition(t *testing.T) {
	g := graph.New(columns.New("signup", "ts"), zap.NewNop())
	src, err := g.Select("signup")
	require.NoError(t, err)
	tdOp, err := ops.NewTimeDelta(ops.TimeDeltaOptions{Reference: "ts"})
	require.NoError(t, err)
	td, err := g.Compose(tdOp, src)
	require.NoError(t, err)
	w, err := New(g, td)
	require.NoError(t, err)

	good := table.MustNew(
		table.Col("signup", table.NewTimestampColumn([]time.Time{day(0)}, nil)),
		table.Col("ts", table.NewTimestampColumn([]time.Time{day(3)}, nil)),
	)
	bad := table.MustNew(
		table.Col("signup", table.NewFloat64Column([]float64{1.5}, nil)),
		table.Col("ts", table.NewTimestampColumn([]time.Time{day(3)}, nil)),
	)

	var yielded int
	var gotErr error
	for part, err := range w.Transform(dataset.FromPartitions(good, bad, good)).Partitions(context.Background()) {
		if err != nil {
			gotErr = err
			break
		}
		yielded++
		require.Equal(t, 1, part.NumRows())
	}
	assert.Equal(t, 1, yielded)
	require.ErrorIs(t, gotErr, apperrors.ErrTransform)

	var te *apperrors.TransformError
	require.ErrorAs(t, gotErr, &te)
	assert.Equal(t, int(td.ID()), te.Node)
	assert.Equal(t, string(ops.KindTimeDelta), te.Operator)
	assert.Equal(t, "signup", te.Column)
	assert.Equal(t, 1, te.Partition)
}

func TestWorkflow_CancelledFitLeavesWorkflowUnfitted(t *testing.T) {
	w := encodingWorkflow(t, WithWorkers(2))
	data := dataset.FromPartitions(events(), events())
	require.NoError(t, w.Fit(context.Background(), data))
	require.True(t, w.IsFitted())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := w.Fit(ctx, data)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, w.IsFitted())
	_, ok := w.State(w.Stages()[0][0])
	assert.False(t, ok)

	require.NoError(t, w.Fit(context.Background(), data))
	assert.True(t, w.IsFitted())
}

// userEvents builds a schema-complete table for the given users and targets.
func userEvents(users []string, ys []int64) *table.Table {
	n := len(users)
	items := make([]string, n)
	times := make([]time.Time, n)
	amounts := make([]float64, n)
	for i := range n {
		items[i] = "i"
		times[i] = day(i)
		amounts[i] = float64(i)
	}
	return table.MustNew(
		table.Col("user", table.NewStringColumn(users, nil)),
		table.Col("item", table.NewStringColumn(items, nil)),
		table.Col("signup", table.NewTimestampColumn(times, nil)),
		table.Col("ts", table.NewTimestampColumn(times, nil)),
		table.Col("amount", table.NewFloat64Column(amounts, nil)),
		table.Col("y", table.NewInt64Column(ys, nil)),
	)
}

func TestWorkflow_RefitReplacesEarlierState(t *testing.T) {
	first := dataset.FromPartitions(userEvents([]string{"a", "a", "b", "b"}, []int64{1, 1, 0, 0}))
	second := dataset.FromPartitions(userEvents([]string{"c", "c", "d", "d"}, []int64{1, 0, 1, 1}))

	refit := encodingWorkflow(t, WithWorkers(2))
	require.NoError(t, refit.Fit(context.Background(), first))
	require.NoError(t, refit.Fit(context.Background(), second))

	fresh := encodingWorkflow(t, WithWorkers(2))
	require.NoError(t, fresh.Fit(context.Background(), second))

	state, ok := refit.State(refit.Stages()[0][0])
	require.True(t, ok)
	vocab := state.(*ops.CategorifyState).Columns["user"]
	assert.ElementsMatch(t, []string{"c", "d"}, vocab.Values)

	sample := userEvents([]string{"a", "b", "c", "d"}, []int64{0, 0, 0, 0})
	got, err := refit.TransformTable(context.Background(), sample)
	require.NoError(t, err)
	want, err := fresh.TransformTable(context.Background(), sample)
	require.NoError(t, err)
	assert.True(t, got.Equal(want))

	// users seen only in the first fit are rare now and encode to the second fit's mean
	encodedUsers := floats(t, got, "TE_user_y")
	assert.InDelta(t, 0.75, encodedUsers[0], 1e-9)
	assert.InDelta(t, 0.75, encodedUsers[1], 1e-9)
}

func TestWorkflow_FitsFromArrowTable(t *testing.T) {
	mem := memory.NewGoAllocator()
	rec, err := events().ToArrowRecord(mem)
	require.NoError(t, err)
	defer rec.Release()
	tbl := array.NewTableFromRecords(rec.Schema(), []arrow.Record{rec})
	defer tbl.Release()

	fromArrow := encodingWorkflow(t)
	require.NoError(t, fromArrow.Fit(context.Background(), dataset.FromArrowTable(tbl, 4)))
	fromMemory := encodingWorkflow(t)
	require.NoError(t, fromMemory.Fit(context.Background(), dataset.FromPartitions(events())))

	a, err := fromArrow.TransformTable(context.Background(), events())
	require.NoError(t, err)
	b, err := fromMemory.TransformTable(context.Background(), events())
	require.NoError(t, err)
	assert.True(t, a.Equal(b))
}

func TestDescribeYAML(t *testing.T) {
	w := fullWorkflow(t)
	out, err := DescribeYAML(w)
	require.NoError(t, err)

	text := string(out)
	assert.Contains(t, text, "name: full")
	assert.Contains(t, text, "kind: target_encoding")
	assert.Contains(t, text, "target: y")
	assert.Contains(t, text, "- signup_delta_days")
	assert.NotContains(t, text, "resources")
}

func TestNew_RejectsForeignOutput(t *testing.T) {
	g1 := graph.New(schema, zap.NewNop())
	g2 := graph.New(schema, zap.NewNop())
	n, err := g2.Select("user")
	require.NoError(t, err)

	_, err = New(g1, n)
	require.ErrorIs(t, err, apperrors.ErrConstruction)
}
