package decision

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/liamcoop/decisions/rules"
	"github.com/liamcoop/decisions/workflow"
)

// Metrics tracks decision activity.
//
// Metrics:
//   - decisions_policy_executions_total: executions by policy, variant and decision
//   - decisions_policy_execution_duration_seconds: interpreter run time
//   - decisions_rule_triggers_total: rule triggers by rule and action
//   - decisions_final_actions_total: resolved actions of rule evaluations
type Metrics struct {
	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	ruleTriggers      *prometheus.CounterVec
	finalActions      *prometheus.CounterVec
}

// NewMetrics creates the decision metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		executionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "decisions",
				Name:      "policy_executions_total",
				Help:      "Total number of policy executions",
			},
			[]string{"policy_id", "variant", "decision"},
		),
		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "decisions",
				Name:      "policy_execution_duration_seconds",
				Help:      "Duration of policy executions in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16), // 100µs to ~3s
			},
			[]string{"policy_id", "variant"},
		),
		ruleTriggers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "decisions",
				Name:      "rule_triggers_total",
				Help:      "Total number of rule triggers",
			},
			[]string{"rule_id", "action"},
		),
		finalActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "decisions",
				Name:      "final_actions_total",
				Help:      "Resolved actions of rule evaluations",
			},
			[]string{"action"},
		),
	}

	reg.MustRegister(
		m.executionsTotal,
		m.executionDuration,
		m.ruleTriggers,
		m.finalActions,
	)
	return m
}

// ObserveExecution records one policy execution. Safe on a nil receiver.
func (m *Metrics) ObserveExecution(policyID string, variant Variant, decision workflow.Decision, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.executionsTotal.WithLabelValues(policyID, string(variant), string(decision)).Inc()
	m.executionDuration.WithLabelValues(policyID, string(variant)).Observe(elapsed.Seconds())
}

// ObserveRules records the triggers and the resolved action of a rule evaluation
func (m *Metrics) ObserveRules(eval *rules.Evaluation, final *rules.FinalAction) {
	if m == nil || eval == nil {
		return
	}
	for _, t := range eval.Triggered {
		m.ruleTriggers.WithLabelValues(t.RuleID, string(t.Action.Type)).Inc()
	}
	action := "none"
	if final != nil {
		action = string(final.Type)
	}
	m.finalActions.WithLabelValues(action).Inc()
}
