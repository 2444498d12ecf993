package rules

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Record is the subject being evaluated (a transaction, an application).
// Values are scalars, arrays or nested records.
type Record map[string]any

// EnrichmentNamespace is the reserved first path segment that addresses
// enrichment side-data instead of the record itself.
const EnrichmentNamespace = "enrichment"

// Operator is the comparison applied by a Condition
type Operator string

const (
	OperatorEquals         Operator = "equals"
	OperatorNotEquals      Operator = "not_equals"
	OperatorGreaterThan    Operator = "greater_than"
	OperatorLessThan       Operator = "less_than"
	OperatorBetween        Operator = "between"
	OperatorContains       Operator = "contains"
	OperatorNotContains    Operator = "not_contains"
	OperatorInList         Operator = "in_list"
	OperatorMatchesPattern Operator = "matches_pattern"
)

// Operators lists every supported operator.
var Operators = []Operator{
	OperatorEquals,
	OperatorNotEquals,
	OperatorGreaterThan,
	OperatorLessThan,
	OperatorBetween,
	OperatorContains,
	OperatorNotContains,
	OperatorInList,
	OperatorMatchesPattern,
}

// Valid reports whether o is one of the supported operators.
func (o Operator) Valid() bool {
	for _, known := range Operators {
		if o == known {
			return true
		}
	}
	return false
}

// Condition is one typed predicate over a record attribute.
// Attribute may be a dotted path into nested records.
type Condition struct {
	Attribute string   `json:"attribute" yaml:"attribute"`
	Operator  Operator `json:"operator" yaml:"operator"`
	Value     any      `json:"value" yaml:"value"`
}

// Validate checks the condition is well formed. Evaluation does not require
// this; a malformed condition simply evaluates to false.
func (c Condition) Validate() error {
	if strings.TrimSpace(c.Attribute) == "" {
		return errors.New("condition attribute is required")
	}
	if !c.Operator.Valid() {
		return fmt.Errorf("unknown operator %q", c.Operator)
	}
	if c.Operator == OperatorBetween {
		if _, _, ok := bounds(c.Value); !ok {
			return fmt.Errorf("between on %q requires a two element numeric bound", c.Attribute)
		}
	}
	return nil
}

// Kind selects how a rule produces its boolean outcome
type Kind string

const (
	KindSimple     Kind = "simple"
	KindComplex    Kind = "complex"
	KindExpression Kind = "expression"
)

// Logic is the combinator joining the conditions of a complex rule
type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

// ActionType is the automated action a triggered rule asks for
type ActionType string

const (
	ActionBlock    ActionType = "block"
	ActionEscalate ActionType = "escalate_to_case"
	ActionFlag     ActionType = "flag"
	ActionApprove  ActionType = "approve"
)

// ParseActionType normalizes an action type, accepting "escalate" as an
// alias of escalate_to_case.
func ParseActionType(s string) (ActionType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "block":
		return ActionBlock, nil
	case "escalate", "escalate_to_case":
		return ActionEscalate, nil
	case "flag":
		return ActionFlag, nil
	case "approve":
		return ActionApprove, nil
	default:
		return "", fmt.Errorf("unknown action type %q", s)
	}
}

// UnmarshalText implements encoding.TextUnmarshaler. Unknown types are kept
// verbatim so a single bad rule cannot fail decoding of a whole rule set.
func (a *ActionType) UnmarshalText(text []byte) error {
	if parsed, err := ParseActionType(string(text)); err == nil {
		*a = parsed
		return nil
	}
	*a = ActionType(text)
	return nil
}

// Action is the automated action attached to a rule
type Action struct {
	Type        ActionType `json:"type" yaml:"type"`
	TargetGroup string     `json:"target_group,omitempty" yaml:"target_group,omitempty"`
	Priority    string     `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// Stats are the append-only counters kept per rule
type Stats struct {
	TriggerCount       int64      `json:"trigger_count"`
	TruePositiveCount  int64      `json:"true_positive_count"`
	FalsePositiveCount int64      `json:"false_positive_count"`
	LastTriggered      *time.Time `json:"last_triggered,omitempty"`
}

// Rule is a named, prioritized bundle of conditions plus a resulting action.
// Simple rules hold exactly one condition, complex rules one or more joined
// by Logic, expression rules a CEL expression.
type Rule struct {
	ID             string      `json:"id" yaml:"id"`
	OrganizationID string      `json:"organization_id,omitempty" yaml:"organization_id,omitempty"`
	Name           string      `json:"name" yaml:"name"`
	Description    string      `json:"description,omitempty" yaml:"description,omitempty"`
	Priority       int         `json:"priority" yaml:"priority"`
	Enabled        bool        `json:"enabled" yaml:"enabled"`
	Kind           Kind        `json:"kind" yaml:"kind"`
	Logic          Logic       `json:"logic,omitempty" yaml:"logic,omitempty"`
	Conditions     []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Expression     string      `json:"expression,omitempty" yaml:"expression,omitempty"`
	Action         Action      `json:"action" yaml:"action"`
	Stats          Stats       `json:"stats" yaml:"-"`
	CreatedAt      time.Time   `json:"created_at" yaml:"-"`
	UpdatedAt      time.Time   `json:"updated_at" yaml:"-"`
}

// Validate checks the structural invariants of a rule. It is used on write
// paths; evaluation tolerates invalid rules by not triggering them.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return errors.New("rule id is required")
	}
	switch r.Kind {
	case KindSimple:
		if len(r.Conditions) != 1 {
			return fmt.Errorf("simple rule %s must hold exactly one condition, has %d", r.ID, len(r.Conditions))
		}
	case KindComplex:
		if len(r.Conditions) == 0 {
			return fmt.Errorf("complex rule %s must hold at least one condition", r.ID)
		}
		if r.Logic != LogicAnd && r.Logic != LogicOr {
			return fmt.Errorf("complex rule %s has unknown logic %q", r.ID, r.Logic)
		}
	case KindExpression:
		if strings.TrimSpace(r.Expression) == "" {
			return fmt.Errorf("expression rule %s has an empty expression", r.ID)
		}
	default:
		return fmt.Errorf("rule %s has unknown kind %q", r.ID, r.Kind)
	}
	for i, c := range r.Conditions {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("rule %s condition %d: %w", r.ID, i, err)
		}
	}
	if _, err := ParseActionType(string(r.Action.Type)); err != nil {
		return fmt.Errorf("rule %s: %w", r.ID, err)
	}
	return nil
}

// EvaluationResult contains the outcome of evaluating a rule
type EvaluationResult struct {
	RuleID   string `json:"rule_id"`
	RuleName string `json:"rule_name"`
	Priority int    `json:"priority"`
	Matched  bool   `json:"matched"`
	Error    error  `json:"-"`
	Trace    any    `json:"trace,omitempty"` // CEL evaluation state for expression rules
}

// TriggeredRule identifies a rule that fired during an evaluation pass
type TriggeredRule struct {
	RuleID   string `json:"rule_id"`
	RuleName string `json:"rule_name"`
	Priority int    `json:"priority"`
	Action   Action `json:"action"`
}

// Evaluation is the result of one rule evaluation pass.
// Actions are collected in ascending rule priority order.
type Evaluation struct {
	Results   []*EvaluationResult `json:"results"`
	Triggered []TriggeredRule     `json:"triggered"`
	Actions   []Action            `json:"actions"`
}
