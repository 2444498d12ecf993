package decision

import (
	"context"
	"fmt"
	"sync"

	"github.com/liamcoop/decisions/workflow"
)

// AggregateStats are the running aggregates of a policy or one of its
// variants. ApprovalRate is a percentage in [0,100].
type AggregateStats struct {
	ExecutionCount     int64   `json:"execution_count"`
	ApprovalRate       float64 `json:"approval_rate"`
	AvgExecutionTimeMs float64 `json:"avg_execution_time_ms"`
}

// Apply folds one execution into the aggregates without keeping history:
//
//	count'         = count + 1
//	approval_rate' = (approval_rate*count + (approved ? 100 : 0)) / count'
//	avg_time'      = (avg_time*count + elapsed_ms) / count'
func (s AggregateStats) Apply(decision workflow.Decision, elapsedMs float64) AggregateStats {
	count := float64(s.ExecutionCount)
	newCount := count + 1

	approved := approvedValue(decision)

	return AggregateStats{
		ExecutionCount:     s.ExecutionCount + 1,
		ApprovalRate:       (s.ApprovalRate*count + approved) / newCount,
		AvgExecutionTimeMs: (s.AvgExecutionTimeMs*count + elapsedMs) / newCount,
	}
}

// Scope selects which aggregate of a policy a stats row holds
type Scope string

const (
	ScopeAll Scope = "all"
	ScopeA   Scope = Scope(VariantA)
	ScopeB   Scope = Scope(VariantB)
)

// PolicyStats holds a policy's overall aggregates and one per variant that ran
type PolicyStats struct {
	OrganizationID string                     `json:"organization_id,omitempty"`
	PolicyID       string                     `json:"policy_id"`
	Overall        AggregateStats             `json:"overall"`
	Variants       map[Variant]AggregateStats `json:"variants"`
}

// StatsStore persists policy aggregates, keyed by organization and policy.
// Record must apply the update atomically: concurrent executions of a
// policy never lose one another.
type StatsStore interface {
	// Record folds one execution into the overall and the variant aggregates
	Record(ctx context.Context, organizationID, policyID string, variant Variant, decision workflow.Decision, elapsedMs float64) error

	// Get returns the aggregates of a policy; a policy that never ran has zero stats
	Get(ctx context.Context, organizationID, policyID string) (*PolicyStats, error)
}

func validVariant(v Variant) error {
	if v != VariantA && v != VariantB {
		return fmt.Errorf("unknown variant %q", v)
	}
	return nil
}

func approvedValue(decision workflow.Decision) float64 {
	if decision == workflow.DecisionApproved {
		return 100
	}
	return 0
}

// InMemoryStatsStore implements StatsStore with a mutex guarded map
type InMemoryStatsStore struct {
	stats map[statsKey]*PolicyStats
	mu    sync.Mutex
}

type statsKey struct {
	organizationID string
	policyID       string
}

// NewInMemoryStatsStore creates an empty stats store
func NewInMemoryStatsStore() *InMemoryStatsStore {
	return &InMemoryStatsStore{stats: make(map[statsKey]*PolicyStats)}
}

// Record implements StatsStore
func (s *InMemoryStatsStore) Record(_ context.Context, organizationID, policyID string, variant Variant, decision workflow.Decision, elapsedMs float64) error {
	if err := validVariant(variant); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := statsKey{organizationID, policyID}
	ps, ok := s.stats[key]
	if !ok {
		ps = &PolicyStats{OrganizationID: organizationID, PolicyID: policyID, Variants: make(map[Variant]AggregateStats)}
		s.stats[key] = ps
	}
	ps.Overall = ps.Overall.Apply(decision, elapsedMs)
	ps.Variants[variant] = ps.Variants[variant].Apply(decision, elapsedMs)
	return nil
}

// Get implements StatsStore
func (s *InMemoryStatsStore) Get(_ context.Context, organizationID, policyID string) (*PolicyStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := &PolicyStats{OrganizationID: organizationID, PolicyID: policyID, Variants: make(map[Variant]AggregateStats)}
	if ps, ok := s.stats[statsKey{organizationID, policyID}]; ok {
		out.Overall = ps.Overall
		for v, agg := range ps.Variants {
			out.Variants[v] = agg
		}
	}
	return out, nil
}
