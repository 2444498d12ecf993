package workflow

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/decisions/rules"
)

func TestValidateAcceptsWellFormedGraph(t *testing.T) {
	require.NoError(t, Validate(amountGraph()))
	assert.Empty(t, Warnings(amountGraph()))
}

func TestValidateReportsEveryProblem(t *testing.T) {
	g := &Graph{
		Nodes: []Node{
			{ID: "s", Type: NodeStart},
			{ID: "d", Type: NodeDataSource},
			{ID: "c", Type: NodeCondition},
			{ID: "a", Type: NodeApprove},
		},
		Edges: []Edge{
			{Source: "s", Target: "d"},
			{Source: "d", Target: "c"},
			{Source: "c", Target: "a", Label: LabelTrue},
			{Source: "a", Target: "s"},
			{Source: "d", Target: "nowhere"},
		},
	}

	err := Validate(g)
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `data_source node "d" has no source`)
	assert.Contains(t, msg, `condition node "c" has no condition`)
	assert.Contains(t, msg, `needs both a "true" and a "false" edge`)
	assert.Contains(t, msg, `terminal node "a" has outgoing edges`)
	assert.Contains(t, msg, `targets a missing node`)
	assert.Contains(t, msg, `more than one unlabeled outgoing edge`)
}

func TestValidateStructuralErrors(t *testing.T) {
	assert.ErrorContains(t, Validate(&Graph{}), "no start node")
	assert.ErrorContains(t, Validate(&Graph{Nodes: []Node{
		{ID: "s", Type: NodeStart}, {ID: "t", Type: NodeStart},
	}}), "more than one start node")
}

func TestValidateBadConditionLabel(t *testing.T) {
	g := amountGraph()
	g.Edges[1].Label = "yes"
	assert.ErrorContains(t, Validate(g), `label "yes"`)
}

func TestValidateInvalidCondition(t *testing.T) {
	g := amountGraph()
	g.Nodes[1].Config.Condition.Operator = "approximately"
	assert.ErrorContains(t, Validate(g), `condition node "c"`)
}

func TestWarningsFlagFallThroughCondition(t *testing.T) {
	g := amountGraph()
	g.Edges = []Edge{{Source: "s", Target: "c"}, {Source: "c", Target: "a"}}

	require.NoError(t, Validate(g))
	warnings := Warnings(g)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "proceeds regardless")
}

func TestGraphDecodesFromJSON(t *testing.T) {
	raw := `{
		"nodes": [
			{"id": "s", "type": "start"},
			{"id": "c", "type": "condition", "config": {"condition": {"attribute": "amount", "operator": "greater_than", "value": 100}}},
			{"id": "r", "type": "reject"},
			{"id": "a", "type": "approve"}
		],
		"edges": [
			{"source": "s", "target": "c"},
			{"source": "c", "target": "r", "label": "true"},
			{"source": "c", "target": "a", "label": "false"}
		]
	}`
	var g Graph
	require.NoError(t, json.Unmarshal([]byte(raw), &g))
	require.NoError(t, Validate(&g))

	res := NewInterpreter(nil).Run(context.Background(), &g, rules.Record{"amount": 150})
	assert.Equal(t, DecisionRejected, res.Decision)
}
