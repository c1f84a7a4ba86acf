package graph

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-features/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-features/pkg/columns"
	"github.com/ekaya-inc/ekaya-features/pkg/ops"
)

// NodeSpec is the serializable description of a node.
type NodeSpec struct {
	ID       NodeID
	Kind     NodeKind
	Columns  []string
	Parents  []NodeID
	Operator ops.Operator
}

// Spec describes n for persistence.
func (n *Node) Spec() NodeSpec {
	return NodeSpec{
		ID:       n.id,
		Kind:     n.kind,
		Columns:  n.columns.Names(),
		Parents:  n.Parents(),
		Operator: n.op,
	}
}

// Rebuild replays node specs through the graph builder, so a persisted
// topology is validated exactly like one built by hand. Specs must be in ID
// order and may only reference earlier nodes.
func Rebuild(schema []string, specs []NodeSpec, logger *zap.Logger) (*Graph, error) {
	g := New(columns.New(schema...), logger)
	for i, spec := range specs {
		if spec.ID != NodeID(i) {
			return nil, apperrors.NewConstructionError(apperrors.ErrConstruction, i, nil,
				fmt.Sprintf("node IDs must be dense and ordered, found %d at position %d", spec.ID, i))
		}
		parents := make([]*Node, len(spec.Parents))
		for j, p := range spec.Parents {
			if p < 0 || p >= spec.ID {
				return nil, apperrors.NewConstructionError(apperrors.ErrCycle, i, nil,
					fmt.Sprintf("parent %d does not precede node %d", p, spec.ID))
			}
			parents[j] = g.nodes[p]
		}

		var (
			n   *Node
			err error
		)
		switch spec.Kind {
		case KindSource:
			n, err = g.Select(spec.Columns...)
		case KindOperator:
			n, err = g.Compose(spec.Operator, parents...)
		case KindUnion:
			n, err = g.Union(parents...)
		case KindProject:
			if len(parents) != 1 {
				return nil, apperrors.NewConstructionError(apperrors.ErrConstruction, i, nil, "project node needs exactly one parent")
			}
			n, err = g.Project(parents[0], spec.Columns...)
		default:
			return nil, apperrors.NewConstructionError(apperrors.ErrConstruction, i, nil, fmt.Sprintf("unknown node kind %q", spec.Kind))
		}
		if err != nil {
			return nil, err
		}
		if !n.columns.Equal(columns.New(spec.Columns...)) {
			return nil, apperrors.NewConstructionError(apperrors.ErrConstruction, i, spec.Columns,
				fmt.Sprintf("rebuilt node produces %s", n.columns))
		}
	}
	return g, nil
}
