package workflow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ekaya-inc/ekaya-features/pkg/dataset"
	"github.com/ekaya-inc/ekaya-features/pkg/graph"
	"github.com/ekaya-inc/ekaya-features/pkg/ops"
)

// Fit computes the state of every stateful operator from ds. Previous states
// are discarded when Fit starts; if Fit fails or ctx is cancelled the
// workflow is left unfitted.
func (w *Workflow) Fit(ctx context.Context, ds dataset.Dataset) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.states = make(map[graph.NodeID]ops.State)
	w.fitted = false

	started := time.Now()
	states := make(map[graph.NodeID]ops.State)
	for stage := range w.stages {
		if err := w.fitStage(ctx, ds, stage, states); err != nil {
			w.logger.Error("Fit failed",
				zap.String("workflow_id", w.id.String()),
				zap.Int("stage", stage),
				zap.Error(err))
			return err
		}
	}

	w.states = states
	w.fitted = true
	w.logger.Info("Workflow fitted",
		zap.String("workflow_id", w.id.String()),
		zap.Int("stages", len(w.stages)),
		zap.Duration("elapsed", time.Since(started)))
	return nil
}

// fitStage runs one pass over ds, accumulating the stage's operators on top
// of the states fitted by earlier stages, and stores the finalized states.
func (w *Workflow) fitStage(ctx context.Context, ds dataset.Dataset, stage int, states map[graph.NodeID]ops.State) error {
	started := time.Now()
	nodes := w.stages[stage]
	order, err := w.graph.TopologicalOrder(nodes...)
	if err != nil {
		return err
	}

	perWorker := make([]map[graph.NodeID]ops.Accumulator, w.workers)
	for i := range perWorker {
		accs, err := w.newAccumulators(nodes)
		if err != nil {
			return err
		}
		perWorker[i] = accs
	}

	g, gctx := errgroup.WithContext(ctx)
	jobs := make(chan partition)
	for i := range w.workers {
		accs := perWorker[i]
		g.Go(func() error {
			for p := range jobs {
				eval := newEvaluation(w.graph, states, false, p)
				if err := eval.run(gctx, order, accs); err != nil {
					return err
				}
			}
			return nil
		})
	}

	var partitions int
	var rows int64
	g.Go(func() error {
		defer close(jobs)
		for part, err := range ds.Partitions(gctx) {
			if err != nil {
				return fmt.Errorf("failed to read partition %d: %w", partitions, err)
			}
			select {
			case jobs <- partition{index: partitions, offset: rows, table: part}:
			case <-gctx.Done():
				return gctx.Err()
			}
			partitions++
			rows += int64(part.NumRows())
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	merged := perWorker[0]
	for _, accs := range perWorker[1:] {
		for _, id := range nodes {
			if err := merged[id].Merge(accs[id]); err != nil {
				return fmt.Errorf("failed to merge accumulators of node %d: %w", id, err)
			}
		}
	}
	for _, id := range nodes {
		n, _ := w.graph.Node(id)
		state, err := n.Operator().(ops.Stateful).Finalize(merged[id])
		if err != nil {
			return fmt.Errorf("failed to finalize node %d (%s): %w", id, n.Operator().Kind(), err)
		}
		states[id] = state
	}

	w.logStage(stage, partitions, rows, started)
	return nil
}

func (w *Workflow) newAccumulators(nodes []graph.NodeID) (map[graph.NodeID]ops.Accumulator, error) {
	accs := make(map[graph.NodeID]ops.Accumulator, len(nodes))
	for _, id := range nodes {
		n, err := w.graph.Node(id)
		if err != nil {
			return nil, err
		}
		st, ok := n.Operator().(ops.Stateful)
		if !ok {
			return nil, fmt.Errorf("node %d is not stateful", id)
		}
		accs[id] = st.NewAccumulator(n.Input())
	}
	return accs, nil
}
