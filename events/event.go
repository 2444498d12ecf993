package events

import "time"

// Kind distinguishes the events published by the engine
type Kind string

const (
	KindPolicyExecuted Kind = "policy_executed"
	KindRulesEvaluated Kind = "rules_evaluated"
)

// DecisionEvent is the audit record published after every decision
type DecisionEvent struct {
	Kind           Kind      `json:"kind"`
	Timestamp      time.Time `json:"timestamp"`
	ExecutionID    string    `json:"execution_id"`
	OrganizationID string    `json:"organization_id,omitempty"`
	PolicyID       string    `json:"policy_id,omitempty"`
	Variant        string    `json:"variant,omitempty"`
	Decision       string    `json:"decision"`
	Reason         string    `json:"reason"` // "" if none
	TriggeredRules []string  `json:"triggered_rules,omitempty"`
	FinalAction    string    `json:"final_action,omitempty"`
	LatencyMs      float64   `json:"latency_ms"`
}

// Attributes are the routing attributes attached to published messages
func (e DecisionEvent) Attributes() map[string]string {
	attrs := map[string]string{
		"kind":     string(e.Kind),
		"decision": e.Decision,
	}
	if e.OrganizationID != "" {
		attrs["organization_id"] = e.OrganizationID
	}
	if e.PolicyID != "" {
		attrs["policy_id"] = e.PolicyID
	}
	if e.Variant != "" {
		attrs["variant"] = e.Variant
	}
	return attrs
}
