package workflow

import (
	"errors"
	"fmt"

	"github.com/liamcoop/decisions/rules"
)

// NodeType is the kind of step a graph node performs
type NodeType string

const (
	NodeStart        NodeType = "start"
	NodeDataSource   NodeType = "data_source"
	NodeCondition    NodeType = "condition"
	NodeApprove      NodeType = "approve"
	NodeReject       NodeType = "reject"
	NodeManualReview NodeType = "manual_review"
)

// Terminal reports whether the node type ends execution
func (t NodeType) Terminal() bool {
	switch t {
	case NodeApprove, NodeReject, NodeManualReview:
		return true
	}
	return false
}

func (t NodeType) known() bool {
	switch t {
	case NodeStart, NodeDataSource, NodeCondition, NodeApprove, NodeReject, NodeManualReview:
		return true
	}
	return false
}

// Edge labels used by condition nodes
const (
	LabelTrue  = "true"
	LabelFalse = "false"
)

// NodeConfig holds the type specific settings of a node
type NodeConfig struct {
	// Source names the external data source of a data_source node
	Source string `json:"source,omitempty" yaml:"source,omitempty"`
	// Params are passed to the data source with every call
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	// Condition is the predicate of a condition node
	Condition *rules.Condition `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// Node is one step of a workflow graph
type Node struct {
	ID     string     `json:"id" yaml:"id"`
	Type   NodeType   `json:"type" yaml:"type"`
	Label  string     `json:"label,omitempty" yaml:"label,omitempty"`
	Config NodeConfig `json:"config" yaml:"config"`
}

// Edge is a transition between two nodes. Edges leaving condition nodes
// carry the label "true" or "false".
type Edge struct {
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
	Label  string `json:"label,omitempty" yaml:"label,omitempty"`
}

// Graph is an operator-authored workflow: nodes plus transitions
type Graph struct {
	Nodes []Node `json:"nodes" yaml:"nodes"`
	Edges []Edge `json:"edges" yaml:"edges"`
}

// missingNode marks an edge whose target is not in the node list
const missingNode = -1

type edgeRef struct {
	target   int
	targetID string
	label    string
}

// Program is a graph compiled to an arena: nodes addressed by index and
// outgoing edges as index lists. It is immutable and safe to share.
type Program struct {
	nodes []Node
	out   [][]edgeRef
	start int
}

// Compile builds the arena for g. It fails when the graph has no single
// start node or reuses a node ID. Edges to unknown nodes are kept and stop
// execution when taken; edges from unknown nodes are dropped.
func Compile(g *Graph) (*Program, error) {
	if g == nil {
		return nil, errors.New("graph is nil")
	}

	index := make(map[string]int, len(g.Nodes))
	start := missingNode
	for i, n := range g.Nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("node %d has no id", i)
		}
		if _, dup := index[n.ID]; dup {
			return nil, fmt.Errorf("duplicate node id %q", n.ID)
		}
		index[n.ID] = i
		if n.Type == NodeStart {
			if start != missingNode {
				return nil, fmt.Errorf("graph has more than one start node (%q and %q)", g.Nodes[start].ID, n.ID)
			}
			start = i
		}
	}
	if start == missingNode {
		return nil, errors.New("graph has no start node")
	}

	p := &Program{
		nodes: append([]Node(nil), g.Nodes...),
		out:   make([][]edgeRef, len(g.Nodes)),
		start: start,
	}
	for _, e := range g.Edges {
		src, ok := index[e.Source]
		if !ok {
			continue
		}
		target, ok := index[e.Target]
		if !ok {
			target = missingNode
		}
		p.out[src] = append(p.out[src], edgeRef{target: target, targetID: e.Target, label: e.Label})
	}
	return p, nil
}

// next returns the edge taken from a non-condition node: the first
// unlabeled edge, or the only edge when it is labeled.
func (p *Program) next(from int) (edgeRef, bool) {
	edges := p.out[from]
	for _, e := range edges {
		if e.label == "" {
			return e, true
		}
	}
	if len(edges) == 1 {
		return edges[0], true
	}
	return edgeRef{}, false
}

// branch returns the edge taken from a condition node for outcome: the edge
// labeled with the outcome, else the single unlabeled edge.
func (p *Program) branch(from int, outcome bool) (edgeRef, bool) {
	want := LabelFalse
	if outcome {
		want = LabelTrue
	}
	var unlabeled []edgeRef
	for _, e := range p.out[from] {
		if e.label == want {
			return e, true
		}
		if e.label == "" {
			unlabeled = append(unlabeled, e)
		}
	}
	if len(unlabeled) == 1 {
		return unlabeled[0], true
	}
	return edgeRef{}, false
}

// Validate is the strict check applied when a graph is authored. It
// reports every structural problem; Run tolerates most of them at
// execution time and fails safe instead.
func Validate(g *Graph) error {
	if _, err := Compile(g); err != nil {
		return err
	}

	var errs []error
	nodes := make(map[string]Node, len(g.Nodes))
	for _, n := range g.Nodes {
		nodes[n.ID] = n
		if !n.Type.known() {
			errs = append(errs, fmt.Errorf("node %q has unknown type %q", n.ID, n.Type))
		}
		switch n.Type {
		case NodeDataSource:
			if n.Config.Source == "" {
				errs = append(errs, fmt.Errorf("data_source node %q has no source", n.ID))
			}
		case NodeCondition:
			if n.Config.Condition == nil {
				errs = append(errs, fmt.Errorf("condition node %q has no condition", n.ID))
			} else if err := n.Config.Condition.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("condition node %q: %w", n.ID, err))
			}
		}
	}

	outgoing := make(map[string][]Edge)
	for _, e := range g.Edges {
		if _, ok := nodes[e.Source]; !ok {
			errs = append(errs, fmt.Errorf("edge source %q is not a node", e.Source))
			continue
		}
		if _, ok := nodes[e.Target]; !ok {
			errs = append(errs, fmt.Errorf("edge %q -> %q targets a missing node", e.Source, e.Target))
		}
		outgoing[e.Source] = append(outgoing[e.Source], e)
	}

	for _, n := range g.Nodes {
		edges := outgoing[n.ID]
		switch {
		case n.Type.Terminal():
			if len(edges) > 0 {
				errs = append(errs, fmt.Errorf("terminal node %q has outgoing edges", n.ID))
			}
		case n.Type == NodeCondition:
			errs = append(errs, validateConditionEdges(n.ID, edges)...)
		default:
			if len(edges) == 0 {
				errs = append(errs, fmt.Errorf("node %q has no outgoing edge", n.ID))
			}
			if unlabeledCount(edges) > 1 {
				errs = append(errs, fmt.Errorf("node %q has more than one unlabeled outgoing edge", n.ID))
			}
		}
	}

	return errors.Join(errs...)
}

func validateConditionEdges(id string, edges []Edge) []error {
	// A lone unlabeled edge is accepted and always followed; see Warnings.
	if len(edges) == 1 && edges[0].Label == "" {
		return nil
	}
	var errs []error
	seen := make(map[string]bool)
	for _, e := range edges {
		if e.Label != LabelTrue && e.Label != LabelFalse {
			errs = append(errs, fmt.Errorf("condition node %q has edge with label %q, want \"true\" or \"false\"", id, e.Label))
			continue
		}
		if seen[e.Label] {
			errs = append(errs, fmt.Errorf("condition node %q has two %q edges", id, e.Label))
		}
		seen[e.Label] = true
	}
	if !seen[LabelTrue] || !seen[LabelFalse] {
		errs = append(errs, fmt.Errorf("condition node %q needs both a \"true\" and a \"false\" edge", id))
	}
	return errs
}

func unlabeledCount(edges []Edge) int {
	n := 0
	for _, e := range edges {
		if e.Label == "" {
			n++
		}
	}
	return n
}

// Warnings lists graph shapes that execute but are probably unintended.
func Warnings(g *Graph) []string {
	if g == nil {
		return nil
	}
	outgoing := make(map[string][]Edge)
	for _, e := range g.Edges {
		outgoing[e.Source] = append(outgoing[e.Source], e)
	}
	var warnings []string
	for _, n := range g.Nodes {
		edges := outgoing[n.ID]
		if n.Type == NodeCondition && len(edges) == 1 && edges[0].Label == "" {
			warnings = append(warnings, fmt.Sprintf("condition node %q has a single unlabeled edge and proceeds regardless of its outcome", n.ID))
		}
		if n.Type != NodeCondition && !n.Type.Terminal() {
			for _, e := range edges {
				if e.Label != "" {
					warnings = append(warnings, fmt.Sprintf("label %q on edge from %s node %q is ignored", e.Label, n.Type, n.ID))
				}
			}
		}
	}
	return warnings
}
