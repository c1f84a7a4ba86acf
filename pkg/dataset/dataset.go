// Package dataset defines the partitioned data source consumed by workflows.
//
// A Dataset yields a lazy, finite sequence of table partitions. Every call to
// Partitions starts again from the first partition, so fit and transform can
// each take one full pass.
package dataset

import (
	"context"
	"fmt"
	"iter"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/ekaya-inc/ekaya-features/pkg/table"
)

// Dataset is a restartable sequence of partitions.
type Dataset interface {
	// Partitions iterates the partitions in a stable order. Iteration stops at
	// the first error, which is yielded with a nil table.
	Partitions(ctx context.Context) iter.Seq2[*table.Table, error]
}

// Func adapts a function to the Dataset interface.
type Func func(ctx context.Context) iter.Seq2[*table.Table, error]

// Partitions implements Dataset.
func (f Func) Partitions(ctx context.Context) iter.Seq2[*table.Table, error] {
	return f(ctx)
}

// InMemory is a dataset backed by a fixed list of partitions.
type InMemory struct {
	parts []*table.Table
}

// FromPartitions creates an in-memory dataset from already partitioned tables.
func FromPartitions(parts ...*table.Table) *InMemory {
	return &InMemory{parts: parts}
}

// FromTable splits t into contiguous partitions of at most rowsPerPartition rows.
// A non-positive rowsPerPartition yields t as a single partition.
func FromTable(t *table.Table, rowsPerPartition int) (*InMemory, error) {
	if rowsPerPartition <= 0 || t.NumRows() <= rowsPerPartition {
		return FromPartitions(t), nil
	}
	parts := make([]*table.Table, 0, t.NumRows()/rowsPerPartition+1)
	for start := 0; start < t.NumRows(); start += rowsPerPartition {
		end := min(start+rowsPerPartition, t.NumRows())
		part, err := t.Slice(start, end)
		if err != nil {
			return nil, fmt.Errorf("failed to slice partition at row %d: %w", start, err)
		}
		parts = append(parts, part)
	}
	return FromPartitions(parts...), nil
}

// Len returns the number of partitions.
func (d *InMemory) Len() int {
	return len(d.parts)
}

// Partitions implements Dataset.
func (d *InMemory) Partitions(ctx context.Context) iter.Seq2[*table.Table, error] {
	return func(yield func(*table.Table, error) bool) {
		for _, p := range d.parts {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(p, nil) {
				return
			}
		}
	}
}

// Arrow is a dataset reading an Arrow table in fixed-size record batches.
type Arrow struct {
	tbl       arrow.Table
	chunkSize int64
}

// FromArrowTable creates a dataset over an Arrow table. The caller keeps
// ownership of tbl and must keep it alive while the dataset is in use.
func FromArrowTable(tbl arrow.Table, rowsPerPartition int64) *Arrow {
	if rowsPerPartition <= 0 {
		rowsPerPartition = tbl.NumRows()
	}
	return &Arrow{tbl: tbl, chunkSize: rowsPerPartition}
}

// Partitions implements Dataset.
func (d *Arrow) Partitions(ctx context.Context) iter.Seq2[*table.Table, error] {
	return func(yield func(*table.Table, error) bool) {
		tr := array.NewTableReader(d.tbl, d.chunkSize)
		defer tr.Release()

		for tr.Next() {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			part, err := table.FromArrowRecord(tr.Record())
			if err != nil {
				yield(nil, fmt.Errorf("failed to convert arrow record: %w", err))
				return
			}
			if !yield(part, nil) {
				return
			}
		}
		if err := tr.Err(); err != nil {
			yield(nil, fmt.Errorf("arrow table reader: %w", err))
		}
	}
}

// Collect concatenates every partition of ds into one table.
func Collect(ctx context.Context, ds Dataset) (*table.Table, error) {
	var parts []*table.Table
	for part, err := range ds.Partitions(ctx) {
		if err != nil {
			return nil, err
		}
		parts = append(parts, part)
	}
	return table.Concat(parts...)
}
