package rules

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/liamcoop/decisions/internal/logger"
)

// celCostLimit bounds the runtime cost of a single expression evaluation
const celCostLimit = 1000000

// statsWriteTimeout bounds trigger counter writes made after a pass
const statsWriteTimeout = 5 * time.Second

// compiledRule is a CEL program and the expression it was built from
type compiledRule struct {
	expression string
	program    cel.Program
}

// Engine evaluates an organization's rule set. It keeps compiled CEL
// programs for expression rules, caches the enabled rule set and records
// trigger counters after each pass.
// Safe for concurrent use.
type Engine struct {
	env      *cel.Env
	store    RuleStore
	stats    StatsRecorder
	cache    RuleSetCache
	programs map[string]compiledRule // ruleID -> compiled program
	now      func() time.Time
	mu       sync.RWMutex
}

// Option configures an Engine
type Option func(*Engine)

// WithStatsRecorder overrides where trigger counters are written.
// By default the store is used when it implements StatsRecorder.
func WithStatsRecorder(stats StatsRecorder) Option {
	return func(en *Engine) { en.stats = stats }
}

// WithCache replaces the default in-memory rule set cache
func WithCache(cache RuleSetCache) Option {
	return func(en *Engine) { en.cache = cache }
}

// WithClock sets the time source used for last_triggered
func WithClock(now func() time.Time) Option {
	return func(en *Engine) { en.now = now }
}

// DefaultEnv returns the CEL environment used when no organization schema is
// known: the record and the enrichment data as dynamic maps.
func DefaultEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("record", cel.DynType),
		cel.Variable(EnrichmentNamespace, cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

// NewEngine creates a new rules engine with the default CEL environment
func NewEngine(store RuleStore, opts ...Option) (*Engine, error) {
	env, err := DefaultEnv()
	if err != nil {
		return nil, err
	}
	return NewEngineWithEnv(env, store, opts...)
}

// NewEngineWithEnv creates a new rules engine with a custom CEL environment.
// Organizations use schema-specific environments.
func NewEngineWithEnv(env *cel.Env, store RuleStore, opts ...Option) (*Engine, error) {
	en := &Engine{
		env:      env,
		store:    store,
		cache:    NewInMemoryRuleSetCache(DefaultCacheConfig()),
		programs: make(map[string]compiledRule),
		now:      time.Now,
	}
	if recorder, ok := store.(StatsRecorder); ok {
		en.stats = recorder
	}
	for _, opt := range opts {
		opt(en)
	}

	if err := en.CompileAllRules(); err != nil {
		return nil, fmt.Errorf("failed to compile rules: %w", err)
	}

	return en, nil
}

// Store returns the rule store backing the engine
func (en *Engine) Store() RuleStore {
	return en.store
}

// CompileRule compiles an expression to a CEL program and caches it under ruleID
func (en *Engine) CompileRule(ruleID, expression string) error {
	_, err := en.compile(ruleID, expression)
	return err
}

func (en *Engine) compile(ruleID, expression string) (cel.Program, error) {
	ast, issues := en.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}

	prog, err := en.env.Program(ast,
		cel.EvalOptions(cel.OptTrackState),
		cel.CostLimit(celCostLimit),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}

	en.mu.Lock()
	en.programs[ruleID] = compiledRule{expression: expression, program: prog}
	en.mu.Unlock()

	return prog, nil
}

// CompileAllRules compiles every enabled expression rule and primes the cache.
// A rule that does not compile is logged and left uncompiled; it will not
// trigger, and the rest of the set stays usable.
func (en *Engine) CompileAllRules() error {
	rules, err := en.store.ListEnabled()
	if err != nil {
		return err
	}

	for _, rule := range rules {
		if rule.Kind != KindExpression {
			continue
		}
		if err := en.CompileRule(rule.ID, rule.Expression); err != nil {
			logger.Warn("rule expression does not compile", "rule_id", rule.ID, "error", err)
		}
	}

	en.cache.Set(rules)
	return nil
}

// AddRule validates, compiles and stores a new rule
func (en *Engine) AddRule(r *Rule) error {
	if _, err := en.store.Get(r.ID); err == nil {
		return fmt.Errorf("rule with ID %s already exists", r.ID)
	}
	if err := r.Validate(); err != nil {
		return fmt.Errorf("rule validation failed: %w", err)
	}
	if r.Kind == KindExpression {
		if err := en.CompileRule(r.ID, r.Expression); err != nil {
			return fmt.Errorf("rule validation failed: %w", err)
		}
	}

	if err := en.store.Add(r); err != nil {
		en.dropProgram(r.ID)
		return err
	}

	en.cache.Invalidate()
	return nil
}

// UpdateRule validates and replaces a rule, recompiling its expression
func (en *Engine) UpdateRule(r *Rule) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("rule validation failed: %w", err)
	}
	if r.Kind == KindExpression {
		if err := en.CompileRule(r.ID, r.Expression); err != nil {
			return fmt.Errorf("rule validation failed: %w", err)
		}
	}

	if err := en.store.Update(r); err != nil {
		return err
	}
	if r.Kind != KindExpression {
		en.dropProgram(r.ID)
	}

	en.cache.Invalidate()
	return nil
}

// DeleteRule removes a rule from the store and its compiled program
func (en *Engine) DeleteRule(ruleID string) error {
	if err := en.store.Delete(ruleID); err != nil {
		return err
	}
	en.dropProgram(ruleID)
	en.cache.Invalidate()
	return nil
}

// RecordFeedback records a review outcome for a triggered rule
func (en *Engine) RecordFeedback(ctx context.Context, ruleID string, truePositive bool) error {
	if en.stats == nil {
		return fmt.Errorf("no stats recorder configured")
	}
	return en.stats.RecordFeedback(ctx, ruleID, truePositive)
}

func (en *Engine) dropProgram(ruleID string) {
	en.mu.Lock()
	delete(en.programs, ruleID)
	en.mu.Unlock()
}

// Evaluate evaluates a single rule, enabled or not, against a record
func (en *Engine) Evaluate(ruleID string, record, enrichment Record) (*EvaluationResult, error) {
	rule, err := en.store.Get(ruleID)
	if err != nil {
		return nil, err
	}
	result := evaluateRule(rule, record, enrichment, en.evaluateExpression)
	return result, result.Error
}

// EvaluateAll evaluates the enabled rule set against a record and then
// records a trigger for each rule that fired. Counter writes happen after
// the pass so no rule observes another rule's trigger.
func (en *Engine) EvaluateAll(ctx context.Context, record, enrichment Record) (*Evaluation, error) {
	rules := en.cache.Get()
	if rules == nil {
		var err error
		rules, err = en.store.ListEnabled()
		if err != nil {
			return nil, err
		}
		en.cache.Set(rules)
	}

	eval := evaluateRules(rules, record, enrichment, en.evaluateExpression)

	for _, res := range eval.Results {
		if res.Error != nil {
			logger.RuleFailures.Add(1)
			logger.Warn("rule did not evaluate", "rule_id", res.RuleID, "error", res.Error)
		}
	}

	// Counts are written even when the caller's deadline expired mid-pass.
	if en.stats != nil && len(eval.Triggered) > 0 {
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statsWriteTimeout)
		at := en.now()
		for _, t := range eval.Triggered {
			if err := en.stats.RecordTrigger(writeCtx, t.RuleID, at); err != nil {
				logger.Error("failed to record rule trigger", "rule_id", t.RuleID, "error", err)
			}
		}
		cancel()
	}

	return eval, nil
}

// evaluateExpression runs the compiled program of an expression rule,
// compiling it first when the rule was written elsewhere (another instance
// sharing the store) or its expression changed since the last compile.
// Non-boolean results are treated as not matched.
func (en *Engine) evaluateExpression(rule *Rule, record, enrichment Record) (bool, any, error) {
	en.mu.RLock()
	compiled, exists := en.programs[rule.ID]
	en.mu.RUnlock()

	prog := compiled.program
	if !exists || compiled.expression != rule.Expression {
		var err error
		if prog, err = en.compile(rule.ID, rule.Expression); err != nil {
			return false, nil, fmt.Errorf("rule %s is not compiled: %w", rule.ID, err)
		}
	}

	out, details, err := prog.Eval(activation(record, enrichment))
	if err != nil {
		return false, nil, err
	}

	matched, _ := out.Value().(bool)
	var trace any
	if details != nil {
		trace = details.State()
	}
	return matched, trace, nil
}

// activation exposes the top-level record fields (for schema environments),
// the whole record and the enrichment data to CEL.
func activation(record, enrichment Record) map[string]any {
	vars := make(map[string]any, len(record)+2)
	for k, v := range record {
		vars[k] = v
	}
	vars["record"] = map[string]any(record)
	if enrichment == nil {
		enrichment = Record{}
	}
	vars[EnrichmentNamespace] = map[string]any(enrichment)
	return vars
}
