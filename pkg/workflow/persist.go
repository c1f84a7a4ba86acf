package workflow

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/ekaya-features/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-features/pkg/graph"
	"github.com/ekaya-inc/ekaya-features/pkg/ops"
	"github.com/ekaya-inc/ekaya-features/pkg/sparse"
)

// FormatVersion is the version of the persisted workflow document.
const FormatVersion = 1

// Document is the persisted form of a workflow: its graph, output node,
// fitted states and the sparse matrices its operators reference.
type Document struct {
	Version   int                              `json:"version"`
	ID        uuid.UUID                        `json:"id"`
	Name      string                           `json:"name,omitempty"`
	Schema    []string                         `json:"schema"`
	Nodes     []NodeDocument                   `json:"nodes"`
	Output    graph.NodeID                     `json:"output"`
	Fitted    bool                             `json:"fitted"`
	States    map[graph.NodeID]json.RawMessage `json:"states,omitempty"`
	Resources map[string]*sparse.Matrix        `json:"resources,omitempty"`
}

// NodeDocument is the persisted form of one graph node.
type NodeDocument struct {
	ID       graph.NodeID      `json:"id"`
	Kind     graph.NodeKind    `json:"kind"`
	Columns  []string          `json:"columns"`
	Parents  []graph.NodeID    `json:"parents,omitempty"`
	Operator *OperatorDocument `json:"operator,omitempty"`
}

// OperatorDocument is the persisted form of an operator.
type OperatorDocument struct {
	Kind   ops.Kind        `json:"kind"`
	Config json.RawMessage `json:"config"`
}

// LoadOptions supplies what a persisted document cannot carry.
type LoadOptions struct {
	Logger  *zap.Logger
	Workers int
	// Funcs rebinds Lambda operators by name.
	Funcs map[string]ops.LambdaFunc
	// Matrices overrides matrices stored in the document by name.
	Matrices map[string]*sparse.Matrix
}

// Document returns the persisted form of w.
func (w *Workflow) Document() (*Document, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	doc := &Document{
		Version: FormatVersion,
		ID:      w.id,
		Name:    w.name,
		Schema:  w.graph.Schema().Names(),
		Output:  w.output.ID(),
		Fitted:  w.fitted,
	}

	resources := make(map[string]*sparse.Matrix)
	for _, n := range w.graph.Nodes() {
		spec := n.Spec()
		nd := NodeDocument{ID: spec.ID, Kind: spec.Kind, Columns: spec.Columns, Parents: spec.Parents}
		if op := spec.Operator; op != nil {
			enc, ok := op.(ops.Encoder)
			if !ok {
				return nil, fmt.Errorf("operator %s of node %d cannot be persisted", op.Kind(), spec.ID)
			}
			config, err := json.Marshal(enc.Config())
			if err != nil {
				return nil, fmt.Errorf("failed to encode operator %s of node %d: %w", op.Kind(), spec.ID, err)
			}
			nd.Operator = &OperatorDocument{Kind: op.Kind(), Config: config}

			if mu, ok := op.(ops.MatrixUser); ok {
				for _, m := range mu.Matrices() {
					if prev, exists := resources[m.Name()]; exists && prev != m {
						return nil, fmt.Errorf("two different matrices are named %q: %w", m.Name(), apperrors.ErrInvalidConfig)
					}
					resources[m.Name()] = m
				}
			}
		}
		doc.Nodes = append(doc.Nodes, nd)
	}
	if len(resources) > 0 {
		doc.Resources = resources
	}

	if len(w.states) > 0 {
		doc.States = make(map[graph.NodeID]json.RawMessage, len(w.states))
		for id, state := range w.states {
			data, err := json.Marshal(state)
			if err != nil {
				return nil, fmt.Errorf("failed to encode state of node %d: %w", id, err)
			}
			doc.States[id] = data
		}
	}
	return doc, nil
}

// Save writes w as JSON.
func (w *Workflow) Save(out io.Writer) error {
	doc, err := w.Document()
	if err != nil {
		return err
	}
	return json.NewEncoder(out).Encode(doc)
}

// Load reads a workflow written by Save.
func Load(in io.Reader, opts LoadOptions) (*Workflow, error) {
	var doc Document
	if err := json.NewDecoder(in).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode workflow: %w", err)
	}
	return FromDocument(&doc, opts)
}

// FromDocument rebuilds a workflow from its persisted form. The graph is
// replayed through the builder, so a corrupted document fails the same
// checks as a hand-built graph.
func FromDocument(doc *Document, opts LoadOptions) (*Workflow, error) {
	if doc.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported workflow format version %d", doc.Version)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	env := ops.DecodeEnv{Matrices: make(map[string]*sparse.Matrix), Funcs: opts.Funcs}
	for name, m := range doc.Resources {
		env.Matrices[name] = m
	}
	for name, m := range opts.Matrices {
		env.Matrices[name] = m
	}

	specs := make([]graph.NodeSpec, len(doc.Nodes))
	for i, nd := range doc.Nodes {
		specs[i] = graph.NodeSpec{ID: nd.ID, Kind: nd.Kind, Columns: nd.Columns, Parents: nd.Parents}
		if nd.Operator != nil {
			op, err := ops.Decode(nd.Operator.Kind, nd.Operator.Config, env)
			if err != nil {
				return nil, fmt.Errorf("node %d: %w", nd.ID, err)
			}
			specs[i].Operator = op
		}
	}

	g, err := graph.Rebuild(doc.Schema, specs, logger)
	if err != nil {
		return nil, err
	}
	output, err := g.Node(doc.Output)
	if err != nil {
		return nil, fmt.Errorf("output node %d: %w", doc.Output, err)
	}
	w, err := New(g, output, WithLogger(logger), WithWorkers(opts.Workers), WithName(doc.Name))
	if err != nil {
		return nil, err
	}
	w.id = doc.ID

	if len(doc.States) > 0 || doc.Fitted {
		for _, stage := range w.stages {
			for _, id := range stage {
				data, ok := doc.States[id]
				if !ok {
					if doc.Fitted {
						return nil, fmt.Errorf("fitted workflow has no state for node %d", id)
					}
					continue
				}
				n, _ := g.Node(id)
				state, err := n.Operator().(ops.Stateful).DecodeState(data)
				if err != nil {
					return nil, fmt.Errorf("failed to decode state of node %d: %w", id, err)
				}
				w.states[id] = state
			}
		}
	}
	w.fitted = doc.Fitted

	w.logger.Info("Workflow loaded",
		zap.String("workflow_id", w.id.String()),
		zap.Int("nodes", g.Len()),
		zap.Bool("fitted", w.fitted))
	return w, nil
}

type yamlOperator struct {
	Kind   ops.Kind `yaml:"kind"`
	Config any      `yaml:"config,omitempty"`
}

type yamlNode struct {
	ID       graph.NodeID   `yaml:"id"`
	Kind     graph.NodeKind `yaml:"kind"`
	Columns  []string       `yaml:"columns"`
	Parents  []graph.NodeID `yaml:"parents,omitempty"`
	Operator *yamlOperator  `yaml:"operator,omitempty"`
}

type yamlWorkflow struct {
	ID      string           `yaml:"id"`
	Name    string           `yaml:"name,omitempty"`
	Fitted  bool             `yaml:"fitted"`
	Schema  []string         `yaml:"schema"`
	Output  graph.NodeID     `yaml:"output"`
	Columns []string         `yaml:"output_columns"`
	Stages  [][]graph.NodeID `yaml:"fit_stages,omitempty"`
	Nodes   []yamlNode       `yaml:"nodes"`
}

// DescribeYAML renders the workflow topology and operator configs as YAML
// for humans. Fitted states and matrices are omitted.
func DescribeYAML(w *Workflow) ([]byte, error) {
	doc, err := w.Document()
	if err != nil {
		return nil, err
	}
	out := yamlWorkflow{
		ID:      doc.ID.String(),
		Name:    doc.Name,
		Fitted:  doc.Fitted,
		Schema:  doc.Schema,
		Output:  doc.Output,
		Columns: w.OutputColumns().Names(),
		Stages:  w.Stages(),
	}
	for _, nd := range doc.Nodes {
		yn := yamlNode{ID: nd.ID, Kind: nd.Kind, Columns: nd.Columns, Parents: nd.Parents}
		if nd.Operator != nil {
			var config any
			if err := json.Unmarshal(nd.Operator.Config, &config); err != nil {
				return nil, fmt.Errorf("failed to describe operator of node %d: %w", nd.ID, err)
			}
			yn.Operator = &yamlOperator{Kind: nd.Operator.Kind, Config: config}
		}
		out.Nodes = append(out.Nodes, yn)
	}
	return yaml.Marshal(out)
}
