// Package graph builds the column group graph: an append-only DAG whose nodes
// select raw columns, apply operators, merge column groups or project them.
// Building the graph never touches data; every structural error is reported
// at construction time.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-features/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-features/pkg/columns"
	"github.com/ekaya-inc/ekaya-features/pkg/ops"
)

// NodeID identifies a node within its graph. IDs are dense and assigned in
// insertion order, so a node's parents always have smaller IDs.
type NodeID int

// RawColumn is the provenance of columns read directly from the input table.
const RawColumn NodeID = -1

// NodeKind distinguishes the structural role of a node.
type NodeKind string

const (
	KindSource   NodeKind = "source"
	KindOperator NodeKind = "operator"
	KindUnion    NodeKind = "union"
	KindProject  NodeKind = "project"
)

// Node is an immutable vertex of the graph.
type Node struct {
	id         NodeID
	kind       NodeKind
	columns    columns.Selector
	op         ops.Operator
	parents    []NodeID
	input      columns.Selector
	provenance map[string]NodeID
	deps       map[string]NodeID
}

// ID returns the node ID.
func (n *Node) ID() NodeID { return n.id }

// Kind returns the node kind.
func (n *Node) Kind() NodeKind { return n.kind }

// Columns returns the node's output columns.
func (n *Node) Columns() columns.Selector { return n.columns }

// Operator returns the node's operator, nil for structural nodes.
func (n *Node) Operator() ops.Operator { return n.op }

// Parents returns the IDs of the node's parents.
func (n *Node) Parents() []NodeID {
	out := make([]NodeID, len(n.parents))
	copy(out, n.parents)
	return out
}

// Input returns the union of the parents' outputs, as seen by the operator.
func (n *Node) Input() columns.Selector { return n.input }

// Provenance returns the node that produced output column name.
func (n *Node) Provenance(name string) (NodeID, bool) {
	p, ok := n.provenance[name]
	return p, ok
}

// DependencySources maps each operator dependency to the node that provides
// it, or RawColumn when it is read from the input table.
func (n *Node) DependencySources() map[string]NodeID {
	out := make(map[string]NodeID, len(n.deps))
	for k, v := range n.deps {
		out[k] = v
	}
	return out
}

// String renders the node for logs and error messages.
func (n *Node) String() string {
	if n.op != nil {
		return fmt.Sprintf("%d:%s(%s)", n.id, n.op.Kind(), n.columns)
	}
	return fmt.Sprintf("%d:%s%s", n.id, n.kind, n.columns)
}

// Graph owns its nodes. Nodes reference each other by ID only.
type Graph struct {
	mu     sync.RWMutex
	schema columns.Selector
	nodes  []*Node
	logger *zap.Logger
}

// New creates an empty graph over a table with the given raw columns.
func New(schema columns.Selector, logger *zap.Logger) *Graph {
	return &Graph{
		schema: schema,
		logger: logger.Named("graph"),
	}
}

// Schema returns the raw input columns.
func (g *Graph) Schema() columns.Selector { return g.schema }

// Len returns the number of nodes.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Node returns the node with the given ID.
func (g *Graph) Node(id NodeID) (*Node, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodeLocked(id)
}

func (g *Graph) nodeLocked(id NodeID) (*Node, error) {
	if id < 0 || int(id) >= len(g.nodes) {
		return nil, fmt.Errorf("node %d: %w", id, apperrors.ErrNotFound)
	}
	return g.nodes[id], nil
}

// Nodes returns all nodes in ID order.
func (g *Graph) Nodes() []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Node, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// Select creates a source node reading raw columns.
func (g *Graph) Select(names ...string) (*Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := NodeID(len(g.nodes))
	sel := columns.New(names...)
	if sel.IsEmpty() {
		return nil, apperrors.NewConstructionError(apperrors.ErrUnknownColumn, int(id), nil, "select requires at least one column")
	}
	if missing := sel.Difference(g.schema); !missing.IsEmpty() {
		return nil, apperrors.NewConstructionError(apperrors.ErrUnknownColumn, int(id), missing.Names(), "not in input schema")
	}

	prov := make(map[string]NodeID, sel.Len())
	for _, name := range sel.Names() {
		prov[name] = RawColumn
	}
	return g.appendLocked(&Node{
		id:         id,
		kind:       KindSource,
		columns:    sel,
		provenance: prov,
	}), nil
}

// Compose applies op to the union of the parents' outputs.
func (g *Graph) Compose(op ops.Operator, parents ...*Node) (*Node, error) {
	if op == nil {
		return nil, fmt.Errorf("compose: %w", apperrors.ErrInvalidConfig)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	id := NodeID(len(g.nodes))
	input, inputProv, parentIDs, err := g.mergeLocked(id, parents)
	if err != nil {
		return nil, err
	}

	if v, ok := op.(ops.InputValidator); ok {
		if err := v.ValidateInput(input); err != nil {
			kind := apperrors.ErrInvalidConfig
			if errors.Is(err, apperrors.ErrColumnNameCollision) {
				kind = apperrors.ErrColumnNameCollision
			}
			return nil, apperrors.NewConstructionError(kind, int(id), input.Names(), err.Error())
		}
	}

	deps, err := g.resolveDependenciesLocked(id, op, parentIDs)
	if err != nil {
		return nil, err
	}
	// Dependencies are read from their source node; if the same name is also
	// an input column, both must come from the same place.
	for name, src := range deps {
		if p, ok := inputProv[name]; ok && p != src {
			return nil, apperrors.NewConstructionError(apperrors.ErrColumnNameCollision, int(id), []string{name},
				"dependency resolves to a different column than the input of the same name")
		}
	}

	output := op.OutputColumns(input)
	if output.IsEmpty() {
		return nil, apperrors.NewConstructionError(apperrors.ErrInvalidConfig, int(id), input.Names(),
			fmt.Sprintf("operator %s produces no output columns", op.Kind()))
	}

	prov := make(map[string]NodeID, output.Len())
	for _, name := range output.Names() {
		prov[name] = id
	}

	node := g.appendLocked(&Node{
		id:         id,
		kind:       KindOperator,
		columns:    output,
		op:         op,
		parents:    parentIDs,
		input:      input,
		provenance: prov,
		deps:       deps,
	})
	g.logger.Debug("Composed operator node",
		zap.Int("node_id", int(id)),
		zap.String("operator", string(op.Kind())),
		zap.Strings("input", input.Names()),
		zap.Strings("output", output.Names()))
	return node, nil
}

// Union merges the outputs of nodes. Columns reached through several paths
// from the same producer are kept once; equal names from different producers
// are a collision.
func (g *Graph) Union(nodes ...*Node) (*Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := NodeID(len(g.nodes))
	merged, prov, parentIDs, err := g.mergeLocked(id, nodes)
	if err != nil {
		return nil, err
	}
	return g.appendLocked(&Node{
		id:         id,
		kind:       KindUnion,
		columns:    merged,
		parents:    parentIDs,
		input:      merged,
		provenance: prov,
	}), nil
}

// Project keeps the named subset of node's columns, in the given order.
func (g *Graph) Project(node *Node, names ...string) (*Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := NodeID(len(g.nodes))
	parent, err := g.ownedLocked(id, node)
	if err != nil {
		return nil, err
	}
	sel := columns.New(names...)
	if sel.IsEmpty() {
		return nil, apperrors.NewConstructionError(apperrors.ErrUnknownColumn, int(id), nil, "project requires at least one column")
	}
	if missing := sel.Difference(parent.columns); !missing.IsEmpty() {
		return nil, apperrors.NewConstructionError(apperrors.ErrUnknownColumn, int(id), missing.Names(),
			fmt.Sprintf("not produced by node %d", parent.id))
	}

	prov := make(map[string]NodeID, sel.Len())
	for _, name := range sel.Names() {
		prov[name] = parent.provenance[name]
	}
	return g.appendLocked(&Node{
		id:         id,
		kind:       KindProject,
		columns:    sel,
		parents:    []NodeID{parent.id},
		input:      parent.columns,
		provenance: prov,
	}), nil
}

// Drop is Project with the named columns removed.
func (g *Graph) Drop(node *Node, names ...string) (*Node, error) {
	if node == nil {
		return nil, fmt.Errorf("drop: nil node: %w", apperrors.ErrConstruction)
	}
	return g.Project(node, node.columns.Difference(columns.New(names...)).Names()...)
}

func (g *Graph) appendLocked(n *Node) *Node {
	g.nodes = append(g.nodes, n)
	return n
}

// ownedLocked checks that n belongs to this graph.
func (g *Graph) ownedLocked(id NodeID, n *Node) (*Node, error) {
	if n == nil {
		return nil, apperrors.NewConstructionError(apperrors.ErrMissingDependency, int(id), nil, "nil parent node")
	}
	if n.id < 0 || int(n.id) >= len(g.nodes) || g.nodes[n.id] != n {
		return nil, apperrors.NewConstructionError(apperrors.ErrMissingDependency, int(id), nil,
			fmt.Sprintf("parent node %d does not belong to this graph", n.id))
	}
	return n, nil
}

// mergeLocked unions the outputs of parents, applying the provenance rules.
func (g *Graph) mergeLocked(id NodeID, parents []*Node) (columns.Selector, map[string]NodeID, []NodeID, error) {
	if len(parents) == 0 {
		return columns.Selector{}, nil, nil, apperrors.NewConstructionError(apperrors.ErrMissingDependency, int(id), nil, "at least one parent is required")
	}

	var names []string
	prov := make(map[string]NodeID)
	parentIDs := make([]NodeID, 0, len(parents))
	for _, p := range parents {
		parent, err := g.ownedLocked(id, p)
		if err != nil {
			return columns.Selector{}, nil, nil, err
		}
		parentIDs = append(parentIDs, parent.id)
		for _, name := range parent.columns.Names() {
			src := parent.provenance[name]
			if existing, ok := prov[name]; ok {
				if existing != src {
					return columns.Selector{}, nil, nil, apperrors.NewConstructionError(apperrors.ErrColumnNameCollision, int(id), []string{name},
						fmt.Sprintf("produced by both %s and %s", describeProvenance(existing), describeProvenance(src)))
				}
				continue
			}
			prov[name] = src
			names = append(names, name)
		}
	}
	return columns.New(names...), prov, parentIDs, nil
}

func describeProvenance(id NodeID) string {
	if id == RawColumn {
		return "the input table"
	}
	return fmt.Sprintf("node %d", id)
}

// resolveDependenciesLocked finds where each dependency of op can be read.
// The nearest ancestor producing the column wins; the raw schema is the fallback.
func (g *Graph) resolveDependenciesLocked(id NodeID, op ops.Operator, parents []NodeID) (map[string]NodeID, error) {
	deps := ops.DependenciesOf(op)
	if deps.IsEmpty() {
		return nil, nil
	}

	ancestors := g.ancestorsLocked(parents...)
	out := make(map[string]NodeID, deps.Len())
	var missing []string
	for _, name := range deps.Names() {
		found := false
		for i := len(ancestors) - 1; i >= 0; i-- {
			a := g.nodes[ancestors[i]]
			if a.kind == KindOperator && a.columns.Contains(name) {
				out[name] = a.id
				found = true
				break
			}
		}
		if found {
			continue
		}
		if g.schema.Contains(name) {
			out[name] = RawColumn
			continue
		}
		missing = append(missing, name)
	}
	if len(missing) > 0 {
		return nil, apperrors.NewConstructionError(apperrors.ErrMissingDependency, int(id), missing,
			fmt.Sprintf("operator %s depends on columns that are neither in the input schema nor produced by an ancestor", op.Kind()))
	}
	return out, nil
}

// Ancestors returns the IDs of all ancestors of id, sorted ascending.
func (g *Graph) Ancestors(id NodeID) ([]NodeID, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, err := g.nodeLocked(id)
	if err != nil {
		return nil, err
	}
	return g.ancestorsLocked(upstream(n)...), nil
}

// ancestorsLocked returns roots and all their ancestors, sorted ascending.
func (g *Graph) ancestorsLocked(roots ...NodeID) []NodeID {
	seen := make(map[NodeID]bool)
	stack := append([]NodeID(nil), roots...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		stack = append(stack, g.nodes[id].parents...)
		for _, src := range g.nodes[id].deps {
			if src != RawColumn {
				stack = append(stack, src)
			}
		}
	}
	out := make([]NodeID, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// TopologicalOrder returns the nodes needed to compute outputs, parents
// before children. Ties are broken by ID so the order is deterministic.
func (g *Graph) TopologicalOrder(outputs ...NodeID) ([]NodeID, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, id := range outputs {
		if _, err := g.nodeLocked(id); err != nil {
			return nil, err
		}
	}
	needed := g.ancestorsLocked(outputs...)
	inSet := make(map[NodeID]bool, len(needed))
	for _, id := range needed {
		inSet[id] = true
	}

	indegree := make(map[NodeID]int, len(needed))
	children := make(map[NodeID][]NodeID, len(needed))
	for _, id := range needed {
		indegree[id] = 0
	}
	for _, id := range needed {
		for _, p := range upstream(g.nodes[id]) {
			if !inSet[p] {
				continue
			}
			indegree[id]++
			children[p] = append(children[p], id)
		}
	}

	var ready []NodeID
	for _, id := range needed {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	order := make([]NodeID, 0, len(needed))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, c := range children[id] {
			indegree[c]--
			if indegree[c] == 0 {
				ready = append(ready, c)
			}
		}
	}

	if len(order) != len(needed) {
		var stuck []string
		for _, id := range needed {
			if indegree[id] > 0 {
				stuck = append(stuck, g.nodes[id].String())
			}
		}
		return nil, apperrors.NewConstructionError(apperrors.ErrCycle, -1, stuck, "graph contains a cycle")
	}
	return order, nil
}

// upstream returns the distinct nodes id reads from: parents and dependency sources.
func upstream(n *Node) []NodeID {
	seen := make(map[NodeID]bool, len(n.parents)+len(n.deps))
	var out []NodeID
	for _, p := range n.parents {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, src := range n.deps {
		if src != RawColumn && !seen[src] {
			seen[src] = true
			out = append(out, src)
		}
	}
	return out
}
