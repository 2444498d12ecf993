package decision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/liamcoop/decisions/events"
	"github.com/liamcoop/decisions/rules"
	"github.com/liamcoop/decisions/workflow"
)

// Organizations resolves the per-organization rule engine and policy store
type Organizations interface {
	GetEngine(organizationID string) (*rules.Engine, error)
	GetPolicyStore(organizationID string) (PolicyStore, error)
}

// Source says which path produced a verdict
type Source string

const (
	SourcePolicy Source = "policy"
	SourceRules  Source = "rules"
)

// Verdict is the answer to a decision request
type Verdict struct {
	ExecutionID string             `json:"execution_id"`
	Source      Source             `json:"source"`
	Decision    workflow.Decision  `json:"decision"`
	Reason      string             `json:"reason"`
	Outcome     *Outcome           `json:"outcome,omitempty"`
	Evaluation  *rules.Evaluation  `json:"evaluation,omitempty"`
	FinalAction *rules.FinalAction `json:"final_action,omitempty"`
}

// Service answers decision requests: through a policy graph when one is
// configured, otherwise through the organization's flat rule set.
type Service struct {
	orgs         Organizations
	orchestrator *Orchestrator
	emitter      events.Emitter
	metrics      *Metrics
	now          func() time.Time
}

// NewService creates a decision service. emitter and metrics may be nil.
func NewService(orgs Organizations, orchestrator *Orchestrator, emitter events.Emitter, metrics *Metrics) *Service {
	return &Service{
		orgs:         orgs,
		orchestrator: orchestrator,
		emitter:      emitter,
		metrics:      metrics,
		now:          time.Now,
	}
}

// Decide evaluates record for an organization. An empty policyID, or a
// policy that is disabled or has no graph, falls back to the rule set.
func (s *Service) Decide(ctx context.Context, organizationID, policyID string, record, enrichment rules.Record) (*Verdict, error) {
	if policyID != "" {
		store, err := s.orgs.GetPolicyStore(organizationID)
		if err != nil {
			return nil, err
		}
		policy, err := store.Get(ctx, policyID)
		if err != nil {
			return nil, err
		}
		if policy.Enabled && policy.HasGraph() {
			out := s.orchestrator.Execute(ctx, policy, withEnrichment(record, enrichment))
			return &Verdict{
				ExecutionID: out.ExecutionID,
				Source:      SourcePolicy,
				Decision:    out.Decision,
				Reason:      out.Reason,
				Outcome:     out,
			}, nil
		}
	}

	return s.decideByRules(ctx, organizationID, record, enrichment)
}

// ExecutePolicy runs one policy of an organization whether or not it is
// enabled. The outcome of a policy without a graph is an error decision.
func (s *Service) ExecutePolicy(ctx context.Context, organizationID, policyID string, record, enrichment rules.Record) (*Outcome, error) {
	store, err := s.orgs.GetPolicyStore(organizationID)
	if err != nil {
		return nil, err
	}
	policy, err := store.Get(ctx, policyID)
	if err != nil {
		return nil, err
	}
	return s.orchestrator.Execute(ctx, policy, withEnrichment(record, enrichment)), nil
}

// Stats returns the aggregates of an existing policy
func (s *Service) Stats(ctx context.Context, organizationID, policyID string) (*PolicyStats, error) {
	store, err := s.orgs.GetPolicyStore(organizationID)
	if err != nil {
		return nil, err
	}
	if _, err := store.Get(ctx, policyID); err != nil {
		return nil, err
	}
	return s.orchestrator.Stats().Get(ctx, organizationID, policyID)
}

// Forget drops cached compiled graphs after a policy changes
func (s *Service) Forget(organizationID, policyID string) {
	s.orchestrator.Forget(organizationID, policyID)
}

func (s *Service) decideByRules(ctx context.Context, organizationID string, record, enrichment rules.Record) (*Verdict, error) {
	engine, err := s.orgs.GetEngine(organizationID)
	if err != nil {
		return nil, err
	}

	start := s.now()
	eval, err := engine.EvaluateAll(ctx, record, enrichment)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate rules: %w", err)
	}
	final := rules.Resolve(eval.Actions)
	decision, reason := DecisionForAction(final, eval)

	v := &Verdict{
		ExecutionID: uuid.New().String(),
		Source:      SourceRules,
		Decision:    decision,
		Reason:      reason,
		Evaluation:  eval,
		FinalAction: final,
	}

	s.metrics.ObserveRules(eval, final)
	if s.emitter != nil {
		triggered := make([]string, len(eval.Triggered))
		for i, t := range eval.Triggered {
			triggered[i] = t.RuleID
		}
		event := events.DecisionEvent{
			Kind:           events.KindRulesEvaluated,
			Timestamp:      start,
			ExecutionID:    v.ExecutionID,
			OrganizationID: organizationID,
			Decision:       string(decision),
			Reason:         reason,
			TriggeredRules: triggered,
			LatencyMs:      float64(s.now().Sub(start)) / float64(time.Millisecond),
		}
		if final != nil {
			event.FinalAction = string(final.Type)
		}
		s.emitter.Emit(event)
	}
	return v, nil
}

// DecisionForAction maps a resolved rule action to a decision: block rejects,
// escalate and flag send to manual review, approve or no action approves.
func DecisionForAction(final *rules.FinalAction, eval *rules.Evaluation) (workflow.Decision, string) {
	if final == nil {
		return workflow.DecisionApproved, "no rules triggered"
	}

	reason := string(final.Type)
	if eval != nil {
		for _, t := range eval.Triggered {
			if at, err := rules.ParseActionType(string(t.Action.Type)); err == nil && at == final.Type {
				reason = fmt.Sprintf("rule %s triggered %s", t.RuleID, final.Type)
				break
			}
		}
	}

	switch final.Type {
	case rules.ActionBlock:
		return workflow.DecisionRejected, reason
	case rules.ActionEscalate, rules.ActionFlag:
		return workflow.DecisionManualReview, reason
	default:
		return workflow.DecisionApproved, reason
	}
}

// withEnrichment exposes enrichment to graph conditions under the
// enrichment namespace without touching the caller's record.
func withEnrichment(record, enrichment rules.Record) rules.Record {
	if len(enrichment) == 0 {
		return record
	}
	merged := make(rules.Record, len(record)+1)
	for k, v := range record {
		merged[k] = v
	}
	merged[rules.EnrichmentNamespace] = map[string]any(enrichment)
	return merged
}

// IsNotFound reports whether err means a missing rule or policy
func IsNotFound(err error) bool {
	return errors.Is(err, ErrPolicyNotFound) || errors.Is(err, rules.ErrRuleNotFound)
}
