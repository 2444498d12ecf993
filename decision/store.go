package decision

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// PolicyStore manages policy persistence for one organization
type PolicyStore interface {
	Add(ctx context.Context, p *Policy) error
	Get(ctx context.Context, id string) (*Policy, error)
	List(ctx context.Context) ([]*Policy, error)
	Update(ctx context.Context, p *Policy) error
	Delete(ctx context.Context, id string) error
}

// InMemoryPolicyStore implements PolicyStore using an in-memory map
type InMemoryPolicyStore struct {
	policies map[string]*Policy
	mu       sync.RWMutex
}

// NewInMemoryPolicyStore creates an empty policy store
func NewInMemoryPolicyStore() *InMemoryPolicyStore {
	return &InMemoryPolicyStore{policies: make(map[string]*Policy)}
}

// Add implements PolicyStore
func (s *InMemoryPolicyStore) Add(_ context.Context, p *Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.policies[p.ID]; exists {
		return fmt.Errorf("policy with ID %s already exists", p.ID)
	}
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	stored := *p
	s.policies[p.ID] = &stored
	return nil
}

// Get implements PolicyStore
func (s *InMemoryPolicyStore) Get(_ context.Context, id string) (*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.policies[id]
	if !ok {
		return nil, fmt.Errorf("policy %s: %w", id, ErrPolicyNotFound)
	}
	cp := *p
	return &cp, nil
}

// List implements PolicyStore, ordered by ID
func (s *InMemoryPolicyStore) List(_ context.Context) ([]*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Policy, 0, len(s.policies))
	for _, p := range s.policies {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Update implements PolicyStore
func (s *InMemoryPolicyStore) Update(_ context.Context, p *Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.policies[p.ID]
	if !ok {
		return fmt.Errorf("policy %s: %w", p.ID, ErrPolicyNotFound)
	}
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = time.Now()
	stored := *p
	s.policies[p.ID] = &stored
	return nil
}

// Delete implements PolicyStore
func (s *InMemoryPolicyStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.policies[id]; !ok {
		return fmt.Errorf("policy %s: %w", id, ErrPolicyNotFound)
	}
	delete(s.policies, id)
	return nil
}

// Replace swaps the whole policy set. Used when reloading definitions from disk.
func (s *InMemoryPolicyStore) Replace(policies []*Policy) {
	next := make(map[string]*Policy, len(policies))
	now := time.Now()
	for _, p := range policies {
		cp := *p
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = now
		}
		cp.UpdatedAt = now
		next[p.ID] = &cp
	}
	s.mu.Lock()
	s.policies = next
	s.mu.Unlock()
}
