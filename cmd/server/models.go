package main

import (
	"time"

	"github.com/liamcoop/decisions/decision"
	"github.com/liamcoop/decisions/multitenantengine"
	"github.com/liamcoop/decisions/rules"
	"github.com/liamcoop/decisions/workflow"
)

// API request and response models

// CreateOrganizationRequest represents the request body for creating an organization
type CreateOrganizationRequest struct {
	Name   string                   `json:"name" example:"Acme Corp"`
	Schema multitenantengine.Schema `json:"schema,omitempty"`
} // @name CreateOrganizationRequest

// OrganizationResponse represents an organization in API responses
type OrganizationResponse struct {
	ID            string `json:"id" example:"123e4567-e89b-12d3-a456-426614174000"`
	Name          string `json:"name" example:"Acme Corp"`
	SchemaVersion int    `json:"schema_version" example:"1"`
} // @name OrganizationResponse

// SchemaRequest represents the request body for replacing a schema
type SchemaRequest struct {
	Definition multitenantengine.Schema `json:"definition"`
} // @name SchemaRequest

// SchemaResponse represents a schema in API responses
type SchemaResponse struct {
	Version         int                      `json:"version" example:"2"`
	Status          string                   `json:"status,omitempty" example:"active"`
	Definition      multitenantengine.Schema `json:"definition"`
	RulesRecompiled *int                     `json:"rules_recompiled,omitempty"`
} // @name SchemaResponse

// FeedbackRequest records the review outcome of a triggered rule
type FeedbackRequest struct {
	TruePositive *bool `json:"true_positive" example:"true"`
} // @name FeedbackRequest

// EvaluateRequest represents the request body for evaluating rules
type EvaluateRequest struct {
	OrganizationID string       `json:"organization_id" example:"123e4567-e89b-12d3-a456-426614174000"`
	Record         rules.Record `json:"record"`
	Enrichment     rules.Record `json:"enrichment,omitempty"`
	Rules          []string     `json:"rules,omitempty" example:"high-amount,new-device"`
} // @name EvaluateRequest

// EvaluateResponse represents the response for rule evaluation
type EvaluateResponse struct {
	Results        []*rules.EvaluationResult `json:"results"`
	Triggered      []rules.TriggeredRule     `json:"triggered,omitempty"`
	FinalAction    *rules.FinalAction        `json:"final_action,omitempty"`
	Decision       workflow.Decision         `json:"decision,omitempty" example:"manual_review"`
	Reason         string                    `json:"reason,omitempty"`
	EvaluationTime string                    `json:"evaluation_time" example:"2.3ms"`
} // @name EvaluateResponse

// PolicyRequest is the body for creating or replacing a policy.
// variant_a_percentage defaults to 100 and enabled to true.
type PolicyRequest struct {
	ID                 string          `json:"id,omitempty" example:"onboarding"`
	Name               string          `json:"name" example:"Onboarding"`
	Description        string          `json:"description,omitempty"`
	Graph              workflow.Graph  `json:"graph"`
	VariantB           *workflow.Graph `json:"variant_b,omitempty"`
	VariantAPercentage *float64        `json:"variant_a_percentage,omitempty" example:"90"`
	Enabled            *bool           `json:"enabled,omitempty" example:"true"`
} // @name PolicyRequest

func (r *PolicyRequest) policy(organizationID, id string) *decision.Policy {
	p := &decision.Policy{
		ID:                 id,
		OrganizationID:     organizationID,
		Name:               r.Name,
		Description:        r.Description,
		Graph:              r.Graph,
		VariantB:           r.VariantB,
		VariantAPercentage: decision.DefaultVariantAPercentage,
		Enabled:            true,
	}
	if r.VariantAPercentage != nil {
		p.VariantAPercentage = *r.VariantAPercentage
	}
	if r.Enabled != nil {
		p.Enabled = *r.Enabled
	}
	return p
}

// PolicyResponse wraps a stored policy with the non-fatal graph warnings
type PolicyResponse struct {
	*decision.Policy
	Warnings []string `json:"warnings,omitempty"`
} // @name PolicyResponse

// ExecuteRequest is the input of a policy execution
type ExecuteRequest struct {
	Record     rules.Record `json:"record"`
	Enrichment rules.Record `json:"enrichment,omitempty"`
} // @name ExecuteRequest

// DecideRequest asks for a decision on a record. Without policy_id the
// organization's rule set decides.
type DecideRequest struct {
	OrganizationID string       `json:"organization_id"`
	PolicyID       string       `json:"policy_id,omitempty" example:"onboarding"`
	Record         rules.Record `json:"record"`
	Enrichment     rules.Record `json:"enrichment,omitempty"`
} // @name DecideRequest

// ValidateGraphRequest checks a graph without storing it
type ValidateGraphRequest struct {
	Graph    workflow.Graph  `json:"graph"`
	VariantB *workflow.Graph `json:"variant_b,omitempty"`
} // @name ValidateGraphRequest

// ValidateGraphResponse lists the problems of a graph
type ValidateGraphResponse struct {
	Valid    bool     `json:"valid" example:"false"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
} // @name ValidateGraphResponse

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error" example:"invalid request body"`
	Details string `json:"details,omitempty" example:"unexpected EOF"`
} // @name ErrorResponse

// HealthResponse represents the health check response
type HealthResponse struct {
	Status              string    `json:"status" example:"healthy"`
	Error               string    `json:"error,omitempty"`
	OrganizationsLoaded int       `json:"organizations_loaded" example:"3"`
	Time                time.Time `json:"time"`
} // @name HealthResponse

// RuleRequest is the body for creating or replacing a rule. enabled
// defaults to true.
type RuleRequest struct {
	ID          string            `json:"id,omitempty" example:"high-amount"`
	Name        string            `json:"name" example:"High amount"`
	Description string            `json:"description,omitempty"`
	Priority    int               `json:"priority" example:"10"`
	Enabled     *bool             `json:"enabled,omitempty" example:"true"`
	Kind        rules.Kind        `json:"kind" example:"simple"`
	Logic       rules.Logic       `json:"logic,omitempty" example:"AND"`
	Conditions  []rules.Condition `json:"conditions,omitempty"`
	Expression  string            `json:"expression,omitempty" example:"record.amount > 10000"`
	Action      rules.Action      `json:"action"`
} // @name RuleRequest

func (r *RuleRequest) rule(organizationID, id string) *rules.Rule {
	rule := &rules.Rule{
		ID:             id,
		OrganizationID: organizationID,
		Name:           r.Name,
		Description:    r.Description,
		Priority:       r.Priority,
		Enabled:        true,
		Kind:           r.Kind,
		Logic:          r.Logic,
		Conditions:     r.Conditions,
		Expression:     r.Expression,
		Action:         r.Action,
	}
	if r.Enabled != nil {
		rule.Enabled = *r.Enabled
	}
	return rule
}
