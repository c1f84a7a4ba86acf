package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/ekaya-inc/ekaya-features/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-features/pkg/graph"
	"github.com/ekaya-inc/ekaya-features/pkg/ops"
	"github.com/ekaya-inc/ekaya-features/pkg/table"
)

// partition is one input table and its position in the dataset.
type partition struct {
	index  int
	offset int64
	table  *table.Table
}

// evaluation runs graph nodes on a single partition. It is not shared
// between goroutines.
type evaluation struct {
	graph    *graph.Graph
	states   map[graph.NodeID]ops.State
	training bool
	part     partition
	outputs  map[graph.NodeID]*table.Table
}

func newEvaluation(g *graph.Graph, states map[graph.NodeID]ops.State, training bool, p partition) *evaluation {
	return &evaluation{
		graph:    g,
		states:   states,
		training: training,
		part:     p,
		outputs:  make(map[graph.NodeID]*table.Table),
	}
}

// run evaluates order. Nodes present in accs are accumulated instead of
// transformed; they produce no output.
func (e *evaluation) run(ctx context.Context, order []graph.NodeID, accs map[graph.NodeID]ops.Accumulator) error {
	for _, id := range order {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := e.graph.Node(id)
		if err != nil {
			return err
		}
		if acc, ok := accs[id]; ok {
			in, err := e.operatorInput(n)
			if err != nil {
				return e.wrap(n, err)
			}
			if err := acc.Update(in); err != nil {
				return e.wrap(n, err)
			}
			continue
		}
		out, err := e.node(ctx, n)
		if err != nil {
			return e.wrap(n, err)
		}
		e.outputs[id] = out
	}
	return nil
}

// result returns the output table of id after run.
func (e *evaluation) result(id graph.NodeID) *table.Table {
	return e.outputs[id]
}

func (e *evaluation) node(ctx context.Context, n *graph.Node) (*table.Table, error) {
	switch n.Kind() {
	case graph.KindSource:
		return e.part.table.Select(n.Columns())
	case graph.KindProject:
		return e.outputs[n.Parents()[0]].Select(n.Columns())
	case graph.KindUnion:
		return e.gather(n.Columns().Names(), n.Parents(), nil)
	case graph.KindOperator:
		in, err := e.operatorInput(n)
		if err != nil {
			return nil, err
		}
		out, err := n.Operator().Transform(ctx, in)
		if err != nil {
			return nil, err
		}
		if !out.ColumnNames().Equal(n.Columns()) {
			return nil, fmt.Errorf("operator returned columns %s, declared %s", out.ColumnNames(), n.Columns())
		}
		if out.NumRows() != e.part.table.NumRows() {
			return nil, fmt.Errorf("operator returned %d rows for a partition of %d", out.NumRows(), e.part.table.NumRows())
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown node kind %q", n.Kind())
}

// operatorInput assembles the input columns and dependencies of an operator node.
func (e *evaluation) operatorInput(n *graph.Node) (ops.Input, error) {
	input := n.Input()
	t, err := e.gather(input.Names(), n.Parents(), n.DependencySources())
	if err != nil {
		return ops.Input{}, err
	}
	return ops.Input{
		Columns:   input,
		Table:     t,
		State:     e.states[n.ID()],
		RowOffset: e.part.offset,
		Training:  e.training,
	}, nil
}

// gather builds a table from names found in the parents' outputs, plus
// dependency columns read from their source node or the raw partition.
func (e *evaluation) gather(names []string, parents []graph.NodeID, deps map[string]graph.NodeID) (*table.Table, error) {
	named := make([]table.Named, 0, len(names)+len(deps))
	seen := make(map[string]bool, len(names)+len(deps))
	for _, name := range names {
		col, err := e.fromParents(name, parents)
		if err != nil {
			return nil, err
		}
		named = append(named, table.Col(name, col))
		seen[name] = true
	}
	for name, src := range deps {
		if seen[name] {
			continue
		}
		from := e.part.table
		if src != graph.RawColumn {
			from = e.outputs[src]
		}
		col, err := from.Column(name)
		if err != nil {
			return nil, apperrors.NewColumnError(name, err)
		}
		named = append(named, table.Col(name, col))
	}
	return table.New(named...)
}

func (e *evaluation) fromParents(name string, parents []graph.NodeID) (*table.Column, error) {
	for _, p := range parents {
		out := e.outputs[p]
		if out != nil && out.HasColumn(name) {
			return out.Column(name)
		}
	}
	return nil, apperrors.NewColumnError(name, fmt.Errorf("%w: not produced by any parent", apperrors.ErrUnknownColumn))
}

// wrap attaches node and partition identity to an evaluation failure.
func (e *evaluation) wrap(n *graph.Node, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	te := &apperrors.TransformError{
		Node:      int(n.ID()),
		Partition: e.part.index,
		Cause:     err,
	}
	if op := n.Operator(); op != nil {
		te.Operator = string(op.Kind())
	}
	var colErr *apperrors.ColumnError
	if errors.As(err, &colErr) {
		te.Column = colErr.Column
	}
	return te
}
