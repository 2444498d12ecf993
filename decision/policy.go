package decision

import (
	"errors"
	"fmt"
	"time"

	"github.com/liamcoop/decisions/workflow"
)

// ErrPolicyNotFound is returned when a policy ID does not exist in a store.
var ErrPolicyNotFound = errors.New("policy not found")

// Variant identifies which graph of a policy handled an execution
type Variant string

const (
	VariantA Variant = "A"
	VariantB Variant = "B"
)

// DefaultVariantAPercentage routes all traffic to variant A
const DefaultVariantAPercentage = 100.0

// Policy is a named decision workflow. VariantB, when set, receives the
// share of traffic not routed to Graph.
type Policy struct {
	ID                 string          `json:"id" yaml:"id"`
	OrganizationID     string          `json:"organization_id,omitempty" yaml:"organization_id,omitempty"`
	Name               string          `json:"name" yaml:"name"`
	Description        string          `json:"description,omitempty" yaml:"description,omitempty"`
	Graph              workflow.Graph  `json:"graph" yaml:"graph"`
	VariantB           *workflow.Graph `json:"variant_b,omitempty" yaml:"variant_b,omitempty"`
	VariantAPercentage float64         `json:"variant_a_percentage" yaml:"variant_a_percentage"`
	Enabled            bool            `json:"enabled" yaml:"enabled"`
	CreatedAt          time.Time       `json:"created_at" yaml:"-"`
	UpdatedAt          time.Time       `json:"updated_at" yaml:"-"`
}

// Validate applies the strict graph checks to both variants
func (p *Policy) Validate() error {
	if p.ID == "" {
		return errors.New("policy id is required")
	}
	if p.VariantAPercentage < 0 || p.VariantAPercentage > 100 {
		return fmt.Errorf("variant_a_percentage must be between 0 and 100, got %v", p.VariantAPercentage)
	}
	issues := graphIssues("graph", workflow.Validate(&p.Graph))
	if p.VariantB != nil {
		issues = append(issues, graphIssues("variant_b", workflow.Validate(p.VariantB))...)
	}
	return errors.Join(issues...)
}

// graphIssues prefixes each issue of a graph validation error
func graphIssues(prefix string, err error) []error {
	if err == nil {
		return nil
	}
	errs := []error{err}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs = joined.Unwrap()
	}
	out := make([]error, len(errs))
	for i, e := range errs {
		out[i] = fmt.Errorf("%s: %w", prefix, e)
	}
	return out
}

// GraphFor returns the graph executed for v. Variant B falls back to the
// primary graph when the policy has none.
func (p *Policy) GraphFor(v Variant) *workflow.Graph {
	if v == VariantB && p.VariantB != nil {
		return p.VariantB
	}
	return &p.Graph
}

// HasGraph reports whether the policy defines any nodes
func (p *Policy) HasGraph() bool {
	return len(p.Graph.Nodes) > 0
}

// SelectVariant maps one uniform draw in [0,100) to a variant. Variant B is
// chosen only when the draw exceeds the variant A percentage and the policy
// has a variant B graph.
func (p *Policy) SelectVariant(draw float64) Variant {
	if p.VariantB != nil && draw > p.VariantAPercentage {
		return VariantB
	}
	return VariantA
}
