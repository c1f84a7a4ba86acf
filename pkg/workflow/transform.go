package workflow

import (
	"context"
	"fmt"
	"iter"

	"golang.org/x/sync/errgroup"

	"github.com/ekaya-inc/ekaya-features/pkg/dataset"
	"github.com/ekaya-inc/ekaya-features/pkg/graph"
	"github.com/ekaya-inc/ekaya-features/pkg/ops"
	"github.com/ekaya-inc/ekaya-features/pkg/table"
)

// Transform returns a lazy dataset whose partitions are the output of the
// workflow applied to each partition of ds, in input order. Nothing runs
// until the result is iterated. Iterating an unfitted workflow with stateful
// operators yields ErrFitNotCalled.
func (w *Workflow) Transform(ds dataset.Dataset) dataset.Dataset {
	return w.transform(ds, false)
}

// FitTransform fits the workflow on ds and returns ds transformed in training
// mode, where operators that support it produce out-of-fold values.
func (w *Workflow) FitTransform(ctx context.Context, ds dataset.Dataset) (dataset.Dataset, error) {
	if err := w.Fit(ctx, ds); err != nil {
		return nil, err
	}
	return w.transform(ds, true), nil
}

// TransformTable transforms a single in-memory table.
func (w *Workflow) TransformTable(ctx context.Context, t *table.Table) (*table.Table, error) {
	states, err := w.snapshot()
	if err != nil {
		return nil, err
	}
	return w.transformPartition(ctx, partition{table: t}, states, false)
}

func (w *Workflow) transform(ds dataset.Dataset, training bool) dataset.Dataset {
	return dataset.Func(func(ctx context.Context) iter.Seq2[*table.Table, error] {
		return func(yield func(*table.Table, error) bool) {
			states, err := w.snapshot()
			if err != nil {
				yield(nil, err)
				return
			}

			batch := make([]partition, 0, w.workers)
			// flush transforms the batch and yields its results in order. It
			// reports whether iteration should continue.
			flush := func() bool {
				outs, err := w.transformBatch(ctx, batch, states, training)
				batch = batch[:0]
				for _, out := range outs {
					if !yield(out, nil) {
						return false
					}
				}
				if err != nil {
					yield(nil, err)
					return false
				}
				return true
			}

			var index int
			var offset int64
			for part, err := range ds.Partitions(ctx) {
				if err != nil {
					if flush() {
						yield(nil, fmt.Errorf("failed to read partition %d: %w", index, err))
					}
					return
				}
				batch = append(batch, partition{index: index, offset: offset, table: part})
				index++
				offset += int64(part.NumRows())
				if len(batch) == w.workers && !flush() {
					return
				}
			}
			if len(batch) > 0 {
				flush()
			}
		}
	})
}

// transformBatch transforms up to w.workers partitions concurrently. It
// returns the outputs preceding the first failed partition, and that failure.
func (w *Workflow) transformBatch(ctx context.Context, batch []partition, states map[graph.NodeID]ops.State, training bool) ([]*table.Table, error) {
	outs := make([]*table.Table, len(batch))
	errs := make([]error, len(batch))

	var g errgroup.Group
	g.SetLimit(w.workers)
	for i, p := range batch {
		g.Go(func() error {
			outs[i], errs[i] = w.transformPartition(ctx, p, states, training)
			return nil
		})
	}
	_ = g.Wait()

	for i, err := range errs {
		if err != nil {
			return outs[:i], err
		}
	}
	return outs, nil
}

func (w *Workflow) transformPartition(ctx context.Context, p partition, states map[graph.NodeID]ops.State, training bool) (*table.Table, error) {
	eval := newEvaluation(w.graph, states, training, p)
	if err := eval.run(ctx, w.order, nil); err != nil {
		return nil, err
	}
	return eval.result(w.output.ID()), nil
}
