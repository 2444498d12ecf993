package decision

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/liamcoop/decisions/events"
	"github.com/liamcoop/decisions/internal/logger"
	"github.com/liamcoop/decisions/rules"
	"github.com/liamcoop/decisions/workflow"
)

// statsWriteTimeout bounds the aggregate write made after each run
const statsWriteTimeout = 5 * time.Second

// Outcome is the result of one policy execution
type Outcome struct {
	ExecutionID     string                `json:"execution_id"`
	PolicyID        string                `json:"policy_id"`
	Variant         Variant               `json:"variant"`
	Decision        workflow.Decision     `json:"decision"`
	Reason          string                `json:"reason"`
	Trace           []workflow.TraceEntry `json:"trace"`
	Results         map[string]any        `json:"results"`
	ExecutionTimeMs float64               `json:"execution_time_ms"`
	ExecutedAt      time.Time             `json:"executed_at"`
}

// Orchestrator executes policies: it selects the variant, runs the graph,
// times the run and folds the outcome into the policy aggregates.
type Orchestrator struct {
	interp  *workflow.Interpreter
	stats   StatsStore
	emitter events.Emitter
	metrics *Metrics
	draw    func() float64 // uniform in [0,1)
	now     func() time.Time
	newID   func() string

	programs map[programKey]compiledGraph
	mu       sync.RWMutex
}

type programKey struct {
	organizationID string
	policyID       string
	variant        Variant
}

type compiledGraph struct {
	updatedAt time.Time
	program   *workflow.Program
	err       error
}

// OrchestratorOption configures an Orchestrator
type OrchestratorOption func(*Orchestrator)

// WithStatsStore sets where aggregates are written; defaults to in-memory
func WithStatsStore(stats StatsStore) OrchestratorOption {
	return func(o *Orchestrator) { o.stats = stats }
}

// WithEmitter publishes an audit event per execution
func WithEmitter(emitter events.Emitter) OrchestratorOption {
	return func(o *Orchestrator) { o.emitter = emitter }
}

// WithMetrics records Prometheus metrics per execution
func WithMetrics(m *Metrics) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithRandom replaces the variant draw source. f must return values in [0,1).
func WithRandom(f func() float64) OrchestratorOption {
	return func(o *Orchestrator) { o.draw = f }
}

// WithOrchestratorClock sets the clock used for timing
func WithOrchestratorClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator creates an orchestrator running graphs on interp
func NewOrchestrator(interp *workflow.Interpreter, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		interp:   interp,
		stats:    NewInMemoryStatsStore(),
		draw:     rand.Float64,
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
		programs: make(map[programKey]compiledGraph),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Stats returns the store the orchestrator writes aggregates to
func (o *Orchestrator) Stats() StatsStore {
	return o.stats
}

// Execute runs policy against input. It always returns an outcome; a
// malformed policy yields an error decision. Failures to persist stats or
// publish events are logged and do not change the outcome.
func (o *Orchestrator) Execute(ctx context.Context, policy *Policy, input rules.Record) *Outcome {
	out := &Outcome{
		ExecutionID: o.newID(),
		Variant:     VariantA,
		Trace:       []workflow.TraceEntry{},
		Results:     map[string]any{},
	}
	if policy == nil {
		out.Decision = workflow.DecisionError
		out.Reason = "no policy"
		out.ExecutedAt = o.now()
		return out
	}
	out.PolicyID = policy.ID

	// One draw per call: the whole run is attributable to one variant.
	out.Variant = policy.SelectVariant(o.draw() * 100)

	start := o.now()
	out.ExecutedAt = start

	prog, err := o.program(policy, out.Variant)
	var res *workflow.Result
	if err != nil {
		res = &workflow.Result{
			Decision: workflow.DecisionError,
			Reason:   fmt.Sprintf("invalid graph: %v", err),
		}
	} else {
		res = o.interp.Execute(ctx, prog, input)
	}

	elapsed := o.now().Sub(start)
	out.Decision = res.Decision
	out.Reason = res.Reason
	if res.Trace != nil {
		out.Trace = res.Trace
	}
	if res.Results != nil {
		out.Results = res.Results
	}
	out.ExecutionTimeMs = float64(elapsed) / float64(time.Millisecond)

	// Aggregates are written even when the caller's deadline expired mid-run.
	statsCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statsWriteTimeout)
	if err := o.stats.Record(statsCtx, policy.OrganizationID, policy.ID, out.Variant, out.Decision, out.ExecutionTimeMs); err != nil {
		logger.Error("failed to record policy stats", "policy_id", policy.ID, "error", err)
	}
	cancel()
	o.metrics.ObserveExecution(policy.ID, out.Variant, out.Decision, elapsed)
	if o.emitter != nil {
		o.emitter.Emit(events.DecisionEvent{
			Kind:           events.KindPolicyExecuted,
			Timestamp:      start,
			ExecutionID:    out.ExecutionID,
			OrganizationID: policy.OrganizationID,
			PolicyID:       policy.ID,
			Variant:        string(out.Variant),
			Decision:       string(out.Decision),
			Reason:         out.Reason,
			LatencyMs:      out.ExecutionTimeMs,
		})
	}

	logger.Debug("policy executed",
		"execution_id", out.ExecutionID,
		"policy_id", policy.ID,
		"variant", out.Variant,
		"decision", out.Decision,
		"execution_time_ms", out.ExecutionTimeMs,
	)
	return out
}

// program returns the compiled graph of a policy variant, compiling it once
// per policy revision.
func (o *Orchestrator) program(policy *Policy, v Variant) (*workflow.Program, error) {
	key := programKey{policy.OrganizationID, policy.ID, v}

	o.mu.RLock()
	cached, ok := o.programs[key]
	o.mu.RUnlock()
	if ok && cached.updatedAt.Equal(policy.UpdatedAt) && !policy.UpdatedAt.IsZero() {
		return cached.program, cached.err
	}

	prog, err := workflow.Compile(policy.GraphFor(v))

	o.mu.Lock()
	o.programs[key] = compiledGraph{updatedAt: policy.UpdatedAt, program: prog, err: err}
	o.mu.Unlock()

	return prog, err
}

// Forget drops the compiled graphs of a policy
func (o *Orchestrator) Forget(organizationID, policyID string) {
	o.mu.Lock()
	for _, v := range []Variant{VariantA, VariantB} {
		delete(o.programs, programKey{organizationID, policyID, v})
	}
	o.mu.Unlock()
}
