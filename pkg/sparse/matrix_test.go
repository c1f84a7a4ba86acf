package sparse

import (
	"context"
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-features/pkg/dataset"
	"github.com/ekaya-inc/ekaya-features/pkg/table"
)

// topics builds a small doc x topic matrix:
//
//	d1: t1=0.5 t2=0.3   d2: t1=0.5 t2=0.3   d3: t3=0.9   d4: t4=0.2
func topics() *Matrix {
	b := NewBuilder("topics")
	b.Add("d1", 1, 0.5)
	b.Add("d1", 2, 0.3)
	b.Add("d2", 2, 0.3)
	b.Add("d2", 1, 0.5)
	b.Add("d3", 3, 0.9)
	b.Add("d4", 4, 0.2)
	return b.Build()
}

func TestBuilder_SortsAndCountsDocumentFrequency(t *testing.T) {
	m := topics()

	v, ok := m.Row("d2")
	require.True(t, ok)
	assert.Equal(t, []int64{1, 2}, v.Features)
	assert.Equal(t, []float64{0.5, 0.3}, v.Weights)

	assert.Equal(t, 4, m.NumRows())
	assert.Equal(t, 2, m.DocumentFrequency(1))
	assert.Equal(t, 1, m.DocumentFrequency(3))
	assert.Equal(t, 0, m.DocumentFrequency(99))
	assert.Equal(t, []string{"d1", "d2", "d3", "d4"}, m.Keys())
}

func TestIDF_ZeroDocumentFrequencyIsZero(t *testing.T) {
	m := topics()

	assert.Equal(t, 0.0, m.IDF(99))
	assert.InDelta(t, math.Log(4.0/2.0), m.IDF(1), 1e-12)
}

func TestSimilarity(t *testing.T) {
	m := topics()

	tests := []struct {
		name     string
		left     string
		right    string
		metric   Metric
		expected float64
	}{
		{name: "identical vectors tfidf", left: "d1", right: "d2", metric: MetricTFIDF, expected: 1.0},
		{name: "identical vectors inner", left: "d1", right: "d2", metric: MetricInner, expected: 1.0},
		{name: "self similarity", left: "d3", right: "d3", metric: MetricTFIDF, expected: 1.0},
		{name: "disjoint vectors", left: "d1", right: "d3", metric: MetricTFIDF, expected: 0.0},
		{name: "absent left key", left: "missing", right: "d1", metric: MetricTFIDF, expected: 0.0},
		{name: "absent right key", left: "d1", right: "missing", metric: MetricInner, expected: 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Similarity(m, tt.left, m, tt.right, tt.metric))
		})
	}
}

func TestSimilarity_Symmetric(t *testing.T) {
	b := NewBuilder("m")
	b.Add("a", 1, 0.7)
	b.Add("a", 2, 0.1)
	b.Add("b", 1, 0.2)
	b.Add("b", 3, 0.9)
	b.Add("c", 2, 0.4)
	m := b.Build()

	for _, metric := range []Metric{MetricTFIDF, MetricInner} {
		ab := Similarity(m, "a", m, "b", metric)
		ba := Similarity(m, "b", m, "a", metric)
		assert.Equal(t, ab, ba)
		assert.GreaterOrEqual(t, ab, 0.0)
		assert.LessOrEqual(t, ab, 1.0)
	}
}

func TestBuilder_MergeIsOrderIndependent(t *testing.T) {
	p1 := NewBuilder("m")
	p1.Add("a", 1, 1)
	p1.Add("b", 2, 2)
	p2 := NewBuilder("m")
	p2.Add("a", 1, 3)
	p2.Add("c", 5, 1)

	left := NewBuilder("m")
	left.Merge(p1)
	left.Merge(p2)
	right := NewBuilder("m")
	right.Merge(p2)
	right.Merge(p1)

	l, r := left.Build(), right.Build()
	assert.Equal(t, l.rows, r.rows)
	v, _ := l.Row("a")
	assert.Equal(t, []float64{4}, v.Weights)
}

func TestMatrix_JSONRoundTrip(t *testing.T) {
	m := topics()

	data, err := json.Marshal(m)
	require.NoError(t, err)

	var back Matrix
	require.NoError(t, json.Unmarshal(data, &back))

	assert.Equal(t, "topics", back.Name())
	assert.Equal(t, m.rows, back.rows)
	assert.Equal(t, Similarity(m, "d1", m, "d4", MetricTFIDF), Similarity(&back, "d1", &back, "d4", MetricTFIDF))
}

func TestBuildFromDataset(t *testing.T) {
	tbl := table.MustNew(
		table.Col("doc", table.NewStringColumn([]string{"d1", "d1", "d2", "", "d2"}, []bool{false, false, false, true, false})),
		table.Col("topic", table.NewInt64Column([]int64{1, 2, 1, 3, 1}, nil)),
		table.Col("conf", table.NewFloat64Column([]float64{0.5, 0.25, 0.5, 1, 0.5}, nil)),
	)
	ds, err := dataset.FromTable(tbl, 2)
	require.NoError(t, err)

	m, err := BuildFromDataset(context.Background(), "doc_topics", ds, TripletColumns{Key: "doc", Feature: "topic", Weight: "conf"})
	require.NoError(t, err)

	assert.Equal(t, 2, m.NumRows())
	d2, ok := m.Row("d2")
	require.True(t, ok)
	assert.Equal(t, []int64{1}, d2.Features)
	assert.Equal(t, []float64{1.0}, d2.Weights)

	counts, err := BuildFromDataset(context.Background(), "doc_topic_counts", ds, TripletColumns{Key: "doc", Feature: "topic"})
	require.NoError(t, err)
	d1, _ := counts.Row("d1")
	assert.Equal(t, []float64{1, 1}, d1.Weights)
}

func TestBuildFromDataset_RejectsNonNumericFeature(t *testing.T) {
	tbl := table.MustNew(
		table.Col("doc", table.NewStringColumn([]string{"d1"}, nil)),
		table.Col("topic", table.NewStringColumn([]string{"x"}, nil)),
	)
	_, err := BuildFromDataset(context.Background(), "m", dataset.FromPartitions(tbl), TripletColumns{Key: "doc", Feature: "topic"})
	require.Error(t, err)
}
