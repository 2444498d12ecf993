package rules

import (
	"errors"
	"fmt"
	"sort"
)

// errNoExpressionEngine is reported for expression rules evaluated without an Engine.
var errNoExpressionEngine = errors.New("expression rules require a compiled program")

// expressionEvaluator evaluates an expression rule; the Engine supplies one
// backed by its compiled CEL programs.
type expressionEvaluator func(rule *Rule, record, enrichment Record) (bool, any, error)

// EvaluateRules evaluates every enabled rule against record and enrichment.
// Rules run in ascending priority (ties by ID). Each rule is evaluated on its
// own: a malformed rule does not trigger and does not affect the others.
func EvaluateRules(rules []*Rule, record, enrichment Record) *Evaluation {
	return evaluateRules(rules, record, enrichment, nil)
}

func evaluateRules(rules []*Rule, record, enrichment Record, expr expressionEvaluator) *Evaluation {
	ordered := SortByPriority(rules)

	eval := &Evaluation{
		Results:   make([]*EvaluationResult, 0, len(ordered)),
		Triggered: []TriggeredRule{},
		Actions:   []Action{},
	}
	for _, rule := range ordered {
		result := evaluateRule(rule, record, enrichment, expr)
		eval.Results = append(eval.Results, result)
		if !result.Matched {
			continue
		}
		eval.Triggered = append(eval.Triggered, TriggeredRule{
			RuleID:   rule.ID,
			RuleName: rule.Name,
			Priority: rule.Priority,
			Action:   rule.Action,
		})
		eval.Actions = append(eval.Actions, rule.Action)
	}
	return eval
}

// SortByPriority returns the enabled rules ordered by ascending priority.
// The input slice is not modified.
func SortByPriority(rules []*Rule) []*Rule {
	enabled := make([]*Rule, 0, len(rules))
	for _, r := range rules {
		if r != nil && r.Enabled {
			enabled = append(enabled, r)
		}
	}
	sort.SliceStable(enabled, func(i, j int) bool {
		if enabled[i].Priority != enabled[j].Priority {
			return enabled[i].Priority < enabled[j].Priority
		}
		return enabled[i].ID < enabled[j].ID
	})
	return enabled
}

func evaluateRule(rule *Rule, record, enrichment Record, expr expressionEvaluator) *EvaluationResult {
	result := &EvaluationResult{
		RuleID:   rule.ID,
		RuleName: rule.Name,
		Priority: rule.Priority,
	}

	switch rule.Kind {
	case KindSimple:
		if len(rule.Conditions) != 1 {
			result.Error = fmt.Errorf("simple rule %s holds %d conditions", rule.ID, len(rule.Conditions))
			return result
		}
		if err := rule.Conditions[0].Validate(); err != nil {
			result.Error = err
			return result
		}
		result.Matched = EvaluateCondition(rule.Conditions[0], record, enrichment)

	case KindComplex:
		if len(rule.Conditions) == 0 {
			return result
		}
		outcomes := make([]bool, len(rule.Conditions))
		for i, c := range rule.Conditions {
			if err := c.Validate(); err != nil {
				result.Error = fmt.Errorf("condition %d: %w", i, err)
				return result
			}
			outcomes[i] = EvaluateCondition(c, record, enrichment)
		}
		switch rule.Logic {
		case LogicAnd:
			result.Matched = every(outcomes)
		case LogicOr:
			result.Matched = some(outcomes)
		default:
			result.Error = fmt.Errorf("complex rule %s has unknown logic %q", rule.ID, rule.Logic)
		}

	case KindExpression:
		if expr == nil {
			result.Error = errNoExpressionEngine
			return result
		}
		matched, trace, err := expr(rule, record, enrichment)
		result.Matched = matched && err == nil
		result.Trace = trace
		result.Error = err

	default:
		result.Error = fmt.Errorf("rule %s has unknown kind %q", rule.ID, rule.Kind)
	}
	return result
}

func every(outcomes []bool) bool {
	for _, ok := range outcomes {
		if !ok {
			return false
		}
	}
	return len(outcomes) > 0
}

func some(outcomes []bool) bool {
	for _, ok := range outcomes {
		if ok {
			return true
		}
	}
	return false
}
