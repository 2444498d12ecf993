package decision

import (
	"context"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/decisions/events"
	"github.com/liamcoop/decisions/rules"
	"github.com/liamcoop/decisions/workflow"
)

type fakeOrgs struct {
	engines  map[string]*rules.Engine
	policies map[string]PolicyStore
}

func (f *fakeOrgs) GetEngine(id string) (*rules.Engine, error) {
	en, ok := f.engines[id]
	if !ok {
		return nil, fmt.Errorf("organization %s not found", id)
	}
	return en, nil
}

func (f *fakeOrgs) GetPolicyStore(id string) (PolicyStore, error) {
	ps, ok := f.policies[id]
	if !ok {
		return nil, fmt.Errorf("organization %s not found", id)
	}
	return ps, nil
}

func newTestService(t *testing.T, emitter events.Emitter, metrics *Metrics) (*Service, *rules.Engine, *InMemoryPolicyStore) {
	t.Helper()

	engine, err := rules.NewEngine(rules.NewInMemoryRuleStore())
	require.NoError(t, err)
	require.NoError(t, engine.AddRule(&rules.Rule{
		ID: "high-amount", Name: "High amount", Priority: 10, Enabled: true, Kind: rules.KindSimple,
		Conditions: []rules.Condition{{Attribute: "amount", Operator: rules.OperatorGreaterThan, Value: 10000}},
		Action:     rules.Action{Type: rules.ActionBlock},
	}))
	require.NoError(t, engine.AddRule(&rules.Rule{
		ID: "new-customer", Name: "New customer", Priority: 20, Enabled: true, Kind: rules.KindSimple,
		Conditions: []rules.Condition{{Attribute: "account_age_days", Operator: rules.OperatorLessThan, Value: 30}},
		Action:     rules.Action{Type: rules.ActionFlag},
	}))

	policies := NewInMemoryPolicyStore()
	orgs := &fakeOrgs{
		engines:  map[string]*rules.Engine{"org": engine},
		policies: map[string]PolicyStore{"org": policies},
	}
	orch := NewOrchestrator(workflow.NewInterpreter(nil), WithEmitter(emitter), WithMetrics(metrics))
	return NewService(orgs, orch, emitter, metrics), engine, policies
}

func TestDecideThroughPolicy(t *testing.T) {
	svc, _, policies := newTestService(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, policies.Add(ctx, &Policy{ID: "limits", OrganizationID: "org", Graph: thresholdGraph(100), VariantAPercentage: 100, Enabled: true}))

	v, err := svc.Decide(ctx, "org", "limits", rules.Record{"amount": 500}, nil)
	require.NoError(t, err)
	assert.Equal(t, SourcePolicy, v.Source)
	assert.Equal(t, workflow.DecisionRejected, v.Decision)
	require.NotNil(t, v.Outcome)
	assert.Equal(t, v.ExecutionID, v.Outcome.ExecutionID)
	assert.Nil(t, v.Evaluation)
}

func TestDecidePolicyConditionSeesEnrichment(t *testing.T) {
	svc, _, policies := newTestService(t, nil, nil)
	ctx := context.Background()

	g := thresholdGraph(0)
	g.Nodes[1].Config.Condition = &rules.Condition{Attribute: "enrichment.risk", Operator: rules.OperatorGreaterThan, Value: 80}
	require.NoError(t, policies.Add(ctx, &Policy{ID: "risk", OrganizationID: "org", Graph: g, VariantAPercentage: 100, Enabled: true}))

	record := rules.Record{"amount": 1}
	v, err := svc.Decide(ctx, "org", "risk", record, rules.Record{"risk": 95})
	require.NoError(t, err)
	assert.Equal(t, workflow.DecisionRejected, v.Decision)
	assert.NotContains(t, record, "enrichment")
}

func TestDecideFallsBackToRules(t *testing.T) {
	svc, _, policies := newTestService(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, policies.Add(ctx, &Policy{ID: "off", Graph: thresholdGraph(100), Enabled: false}))
	require.NoError(t, policies.Add(ctx, &Policy{ID: "empty", Enabled: true}))

	for _, policyID := range []string{"", "off", "empty"} {
		t.Run("policy="+policyID, func(t *testing.T) {
			v, err := svc.Decide(ctx, "org", policyID, rules.Record{"amount": 50000, "account_age_days": 3}, nil)
			require.NoError(t, err)
			assert.Equal(t, SourceRules, v.Source)
			assert.Equal(t, workflow.DecisionRejected, v.Decision)
			assert.Equal(t, "rule high-amount triggered block", v.Reason)
			require.NotNil(t, v.FinalAction)
			assert.Equal(t, rules.ActionBlock, v.FinalAction.Type)
			assert.Len(t, v.Evaluation.Triggered, 2)
		})
	}
}

func TestDecideErrors(t *testing.T) {
	svc, _, _ := newTestService(t, nil, nil)
	ctx := context.Background()

	_, err := svc.Decide(ctx, "org", "missing", rules.Record{}, nil)
	assert.True(t, IsNotFound(err))

	_, err = svc.Decide(ctx, "nobody", "", rules.Record{}, nil)
	assert.Error(t, err)
	assert.False(t, IsNotFound(err))
}

func TestDecideByRulesEmitsAndObserves(t *testing.T) {
	rec := &events.Recorder{}
	metrics := NewMetrics(prometheus.NewRegistry())
	svc, _, _ := newTestService(t, rec, metrics)

	v, err := svc.Decide(context.Background(), "org", "", rules.Record{"amount": 5, "account_age_days": 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, workflow.DecisionManualReview, v.Decision)

	evs := rec.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, events.KindRulesEvaluated, evs[0].Kind)
	assert.Equal(t, []string{"new-customer"}, evs[0].TriggeredRules)
	assert.Equal(t, "flag", evs[0].FinalAction)
	assert.Equal(t, "org", evs[0].OrganizationID)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ruleTriggers.WithLabelValues("new-customer", "flag")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.finalActions.WithLabelValues("flag")))

	_, err = svc.Decide(context.Background(), "org", "", rules.Record{"amount": 5, "account_age_days": 400}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.finalActions.WithLabelValues("none")))
}

func TestDecisionForAction(t *testing.T) {
	eval := &rules.Evaluation{Triggered: []rules.TriggeredRule{
		{RuleID: "r1", Action: rules.Action{Type: rules.ActionFlag}},
		{RuleID: "r2", Action: rules.Action{Type: "escalate"}},
	}}

	tests := []struct {
		name       string
		final      *rules.FinalAction
		want       workflow.Decision
		wantReason string
	}{
		{"nothing triggered", nil, workflow.DecisionApproved, "no rules triggered"},
		{"block", &rules.FinalAction{Type: rules.ActionBlock}, workflow.DecisionRejected, "block"},
		{"escalate alias", &rules.FinalAction{Type: rules.ActionEscalate}, workflow.DecisionManualReview, "rule r2 triggered escalate_to_case"},
		{"flag", &rules.FinalAction{Type: rules.ActionFlag}, workflow.DecisionManualReview, "rule r1 triggered flag"},
		{"approve", &rules.FinalAction{Type: rules.ActionApprove}, workflow.DecisionApproved, "approve"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := DecisionForAction(tt.final, eval)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantReason, reason)
		})
	}
}

func TestExecutePolicyAndStats(t *testing.T) {
	svc, _, policies := newTestService(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, policies.Add(ctx, &Policy{ID: "limits", OrganizationID: "org", Graph: thresholdGraph(100), VariantAPercentage: 100}))

	// Explicit execution ignores the enabled flag.
	out, err := svc.ExecutePolicy(ctx, "org", "limits", rules.Record{"amount": 5}, nil)
	require.NoError(t, err)
	assert.Equal(t, workflow.DecisionApproved, out.Decision)

	stats, err := svc.Stats(ctx, "org", "limits")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Overall.ExecutionCount)
	assert.InDelta(t, 100, stats.Overall.ApprovalRate, tolerance)

	_, err = svc.Stats(ctx, "org", "missing")
	assert.True(t, IsNotFound(err))
	_, err = svc.ExecutePolicy(ctx, "org", "missing", nil, nil)
	assert.True(t, IsNotFound(err))
}
