// Package workflow fits and applies a column group graph to partitioned
// datasets.
//
// Fit runs one pass over the data per stage. A stage fits every stateful
// operator whose inputs only depend on operators fitted in earlier stages, so
// graphs without chained stateful operators fit in a single pass. Within a
// pass, partitions are spread over a fixed set of workers; each worker owns
// its accumulators, which are merged once the pass is over.
package workflow

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-features/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-features/pkg/columns"
	"github.com/ekaya-inc/ekaya-features/pkg/config"
	"github.com/ekaya-inc/ekaya-features/pkg/graph"
	"github.com/ekaya-inc/ekaya-features/pkg/ops"
)

// Option configures a Workflow.
type Option func(*Workflow)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(w *Workflow) { w.logger = logger }
}

// WithWorkers sets the number of partitions processed concurrently.
func WithWorkers(n int) Option {
	return func(w *Workflow) { w.workers = n }
}

// WithConfig applies the workflow section of the application config.
func WithConfig(cfg config.WorkflowConfig) Option {
	return func(w *Workflow) { w.workers = cfg.EffectiveWorkers() }
}

// WithName sets a human-readable name, used when persisting the workflow.
func WithName(name string) Option {
	return func(w *Workflow) { w.name = name }
}

// Workflow binds a graph and an output node to fitted operator states.
type Workflow struct {
	id      uuid.UUID
	name    string
	graph   *graph.Graph
	output  *graph.Node
	order   []graph.NodeID
	stages  [][]graph.NodeID
	workers int
	logger  *zap.Logger

	mu     sync.RWMutex
	states map[graph.NodeID]ops.State
	fitted bool
}

// New creates an unfitted workflow computing output.
func New(g *graph.Graph, output *graph.Node, opts ...Option) (*Workflow, error) {
	if g == nil || output == nil {
		return nil, fmt.Errorf("workflow requires a graph and an output node")
	}
	if n, err := g.Node(output.ID()); err != nil || n != output {
		return nil, fmt.Errorf("output node %d does not belong to the graph: %w", output.ID(), apperrors.ErrConstruction)
	}

	w := &Workflow{
		id:      uuid.New(),
		graph:   g,
		output:  output,
		workers: 1,
		logger:  zap.NewNop(),
		states:  make(map[graph.NodeID]ops.State),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.workers < 1 {
		w.workers = 1
	}
	w.logger = w.logger.Named("workflow")

	order, err := g.TopologicalOrder(output.ID())
	if err != nil {
		return nil, err
	}
	w.order = order
	w.stages = fitStages(g, order)

	w.logger.Debug("Workflow created",
		zap.String("workflow_id", w.id.String()),
		zap.Int("nodes", len(order)),
		zap.Int("fit_stages", len(w.stages)),
		zap.Int("workers", w.workers))
	return w, nil
}

// fitStages groups stateful nodes by the number of stateful operators on
// their longest upstream path, themselves included.
func fitStages(g *graph.Graph, order []graph.NodeID) [][]graph.NodeID {
	depth := make(map[graph.NodeID]int, len(order))
	var stages [][]graph.NodeID
	for _, id := range order {
		n, _ := g.Node(id)
		d := 0
		for _, up := range upstreamOf(n) {
			d = max(d, depth[up])
		}
		if op := n.Operator(); op != nil && ops.IsStateful(op) {
			d++
			for len(stages) < d {
				stages = append(stages, nil)
			}
			stages[d-1] = append(stages[d-1], id)
		}
		depth[id] = d
	}
	return stages
}

// upstreamOf returns the parents and dependency sources of n.
func upstreamOf(n *graph.Node) []graph.NodeID {
	out := n.Parents()
	for _, src := range n.DependencySources() {
		if src != graph.RawColumn {
			out = append(out, src)
		}
	}
	return out
}

// ID returns the workflow ID.
func (w *Workflow) ID() uuid.UUID { return w.id }

// Name returns the workflow name.
func (w *Workflow) Name() string { return w.name }

// Graph returns the underlying graph.
func (w *Workflow) Graph() *graph.Graph { return w.graph }

// Output returns the output node.
func (w *Workflow) Output() *graph.Node { return w.output }

// OutputColumns returns the columns of every transformed partition.
func (w *Workflow) OutputColumns() columns.Selector { return w.output.Columns() }

// Stages returns the stateful node IDs fitted in each pass.
func (w *Workflow) Stages() [][]graph.NodeID {
	out := make([][]graph.NodeID, len(w.stages))
	for i, s := range w.stages {
		out[i] = append([]graph.NodeID(nil), s...)
	}
	return out
}

// IsFitted reports whether Fit has completed.
func (w *Workflow) IsFitted() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.fitted
}

// State returns the fitted state of a node.
func (w *Workflow) State(id graph.NodeID) (ops.State, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	s, ok := w.states[id]
	return s, ok
}

// needsFit reports whether the workflow has stateful operators.
func (w *Workflow) needsFit() bool {
	return len(w.stages) > 0
}

// snapshot returns the current states for a transform pass.
func (w *Workflow) snapshot() (map[graph.NodeID]ops.State, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.needsFit() && !w.fitted {
		return nil, fmt.Errorf("workflow %s: %w", w.id, apperrors.ErrFitNotCalled)
	}
	return w.states, nil
}

func (w *Workflow) logStage(stage, partitions int, rows int64, started time.Time) {
	w.logger.Info("Fit stage completed",
		zap.String("workflow_id", w.id.String()),
		zap.Int("stage", stage),
		zap.Int("nodes", len(w.stages[stage])),
		zap.Int("partitions", partitions),
		zap.Int64("rows", rows),
		zap.Duration("elapsed", time.Since(started)))
}
