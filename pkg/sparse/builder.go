package sparse

import (
	"context"
	"fmt"
	"sort"

	"github.com/ekaya-inc/ekaya-features/pkg/dataset"
	"github.com/ekaya-inc/ekaya-features/pkg/table"
)

// Builder accumulates (key, feature, weight) triplets. Repeated triplets for
// the same key and feature add up. A Builder is not safe for concurrent use;
// build per worker and Merge.
type Builder struct {
	name string
	rows map[string]map[int64]float64
}

// NewBuilder creates an empty builder for a matrix called name.
func NewBuilder(name string) *Builder {
	return &Builder{
		name: name,
		rows: make(map[string]map[int64]float64),
	}
}

// Add adds weight to (key, feature).
func (b *Builder) Add(key string, feature int64, weight float64) {
	row, ok := b.rows[key]
	if !ok {
		row = make(map[int64]float64)
		b.rows[key] = row
	}
	row[feature] += weight
}

// Merge union-adds other into b. Merge is associative and commutative.
func (b *Builder) Merge(other *Builder) {
	for key, row := range other.rows {
		for f, w := range row {
			b.Add(key, f, w)
		}
	}
}

// Build freezes the accumulated rows into a Matrix. Zero weights are dropped.
func (b *Builder) Build() *Matrix {
	m := &Matrix{
		name: b.name,
		rows: make(map[string]Vector, len(b.rows)),
		df:   make(map[int64]int),
	}
	for key, row := range b.rows {
		features := make([]int64, 0, len(row))
		for f, w := range row {
			if w != 0 {
				features = append(features, f)
			}
		}
		sort.Slice(features, func(i, j int) bool { return features[i] < features[j] })
		v := Vector{
			Features: features,
			Weights:  make([]float64, len(features)),
		}
		for i, f := range features {
			v.Weights[i] = row[f]
			m.df[f]++
		}
		m.rows[key] = v
	}
	return m
}

// TripletColumns names the columns holding matrix triplets in a dataset.
type TripletColumns struct {
	Key     string
	Feature string
	Weight  string // optional; each row counts 1 when empty
}

// BuildFromDataset reads triplets from every partition of ds into a matrix.
// Rows with a null key or feature are skipped.
func BuildFromDataset(ctx context.Context, name string, ds dataset.Dataset, cols TripletColumns) (*Matrix, error) {
	b := NewBuilder(name)
	partition := 0
	for part, err := range ds.Partitions(ctx) {
		if err != nil {
			return nil, err
		}
		pb, err := partitionBuilder(name, part, cols)
		if err != nil {
			return nil, fmt.Errorf("partition %d: %w", partition, err)
		}
		b.Merge(pb)
		partition++
	}
	return b.Build(), nil
}

func partitionBuilder(name string, part *table.Table, cols TripletColumns) (*Builder, error) {
	keys, err := part.Column(cols.Key)
	if err != nil {
		return nil, err
	}
	features, err := part.Column(cols.Feature)
	if err != nil {
		return nil, err
	}
	if !features.Type().IsNumeric() {
		return nil, fmt.Errorf("feature column %q must be numeric, got %s", cols.Feature, features.Type())
	}
	var weights *table.Column
	if cols.Weight != "" {
		if weights, err = part.Column(cols.Weight); err != nil {
			return nil, err
		}
	}

	b := NewBuilder(name)
	for i := 0; i < part.NumRows(); i++ {
		if keys.IsNull(i) {
			continue
		}
		f, ok := features.Float(i)
		if !ok {
			continue
		}
		w := 1.0
		if weights != nil {
			if w, ok = weights.Float(i); !ok {
				continue
			}
		}
		b.Add(keys.Key(i), int64(f), w)
	}
	return b, nil
}
