package rules

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ErrRuleNotFound is returned when a rule ID does not exist in a store.
var ErrRuleNotFound = errors.New("rule not found")

// RuleStore manages rule persistence and retrieval
type RuleStore interface {
	// Add a new rule
	Add(rule *Rule) error

	// Get a rule by ID
	Get(id string) (*Rule, error)

	// List all rules, enabled or not
	List() ([]*Rule, error)

	// ListEnabled returns the rules that take part in evaluation
	ListEnabled() ([]*Rule, error)

	// Update an existing rule
	Update(rule *Rule) error

	// Delete a rule
	Delete(id string) error
}

// StatsRecorder is the write path for per-rule counters. Implementations
// must not lose increments under concurrent triggers of the same rule.
type StatsRecorder interface {
	// RecordTrigger increments trigger_count and sets last_triggered.
	RecordTrigger(ctx context.Context, ruleID string, at time.Time) error

	// RecordFeedback increments the true or false positive count.
	RecordFeedback(ctx context.Context, ruleID string, truePositive bool) error
}

// ruleCounters holds the live counters of one rule
type ruleCounters struct {
	triggers       atomic.Int64
	truePositives  atomic.Int64
	falsePositives atomic.Int64
	lastTriggered  atomic.Int64 // unix nanos, 0 when never triggered
}

func (c *ruleCounters) snapshot() Stats {
	s := Stats{
		TriggerCount:       c.triggers.Load(),
		TruePositiveCount:  c.truePositives.Load(),
		FalsePositiveCount: c.falsePositives.Load(),
	}
	if ns := c.lastTriggered.Load(); ns != 0 {
		t := time.Unix(0, ns).UTC()
		s.LastTriggered = &t
	}
	return s
}

// InMemoryRuleStore implements RuleStore and StatsRecorder using in-memory maps.
// The map is guarded by an RWMutex; counters are atomics so recording a
// trigger only needs the read lock.
type InMemoryRuleStore struct {
	rules    map[string]*Rule
	counters map[string]*ruleCounters
	mu       sync.RWMutex
}

// NewInMemoryRuleStore creates a new in-memory rule store
func NewInMemoryRuleStore() *InMemoryRuleStore {
	return &InMemoryRuleStore{
		rules:    make(map[string]*Rule),
		counters: make(map[string]*ruleCounters),
	}
}

// Add adds a new rule to the store, setting CreatedAt and UpdatedAt
func (s *InMemoryRuleStore) Add(rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[rule.ID]; exists {
		return fmt.Errorf("rule with ID %s already exists", rule.ID)
	}

	now := time.Now()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	stored := *rule
	s.rules[rule.ID] = &stored
	s.counters[rule.ID] = &ruleCounters{}
	return nil
}

// Get retrieves a copy of a rule by ID with its current stats
func (s *InMemoryRuleStore) Get(id string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, exists := s.rules[id]
	if !exists {
		return nil, fmt.Errorf("rule with ID %s: %w", id, ErrRuleNotFound)
	}
	return s.copyLocked(rule), nil
}

// List returns every rule in the store
func (s *InMemoryRuleStore) List() ([]*Rule, error) {
	return s.list(false), nil
}

// ListEnabled returns all enabled rules
func (s *InMemoryRuleStore) ListEnabled() ([]*Rule, error) {
	return s.list(true), nil
}

func (s *InMemoryRuleStore) list(enabledOnly bool) []*Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Rule
	for _, rule := range s.rules {
		if enabledOnly && !rule.Enabled {
			continue
		}
		out = append(out, s.copyLocked(rule))
	}
	return out
}

func (s *InMemoryRuleStore) copyLocked(rule *Rule) *Rule {
	cp := *rule
	cp.Conditions = append([]Condition(nil), rule.Conditions...)
	if c, ok := s.counters[rule.ID]; ok {
		cp.Stats = c.snapshot()
	}
	return &cp
}

// Update replaces an existing rule, preserving CreatedAt and the counters
func (s *InMemoryRuleStore) Update(rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.rules[rule.ID]
	if !exists {
		return fmt.Errorf("rule with ID %s: %w", rule.ID, ErrRuleNotFound)
	}

	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = time.Now()
	stored := *rule
	s.rules[rule.ID] = &stored
	return nil
}

// Delete removes a rule from the store
func (s *InMemoryRuleStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[id]; !exists {
		return fmt.Errorf("rule with ID %s: %w", id, ErrRuleNotFound)
	}

	delete(s.rules, id)
	delete(s.counters, id)
	return nil
}

// RecordTrigger implements StatsRecorder
func (s *InMemoryRuleStore) RecordTrigger(_ context.Context, ruleID string, at time.Time) error {
	c, err := s.countersFor(ruleID)
	if err != nil {
		return err
	}
	c.triggers.Add(1)
	ns := at.UnixNano()
	for {
		prev := c.lastTriggered.Load()
		if prev >= ns || c.lastTriggered.CompareAndSwap(prev, ns) {
			return nil
		}
	}
}

// RecordFeedback implements StatsRecorder
func (s *InMemoryRuleStore) RecordFeedback(_ context.Context, ruleID string, truePositive bool) error {
	c, err := s.countersFor(ruleID)
	if err != nil {
		return err
	}
	if truePositive {
		c.truePositives.Add(1)
	} else {
		c.falsePositives.Add(1)
	}
	return nil
}

func (s *InMemoryRuleStore) countersFor(ruleID string) (*ruleCounters, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.counters[ruleID]
	if !ok {
		return nil, fmt.Errorf("rule with ID %s: %w", ruleID, ErrRuleNotFound)
	}
	return c, nil
}
