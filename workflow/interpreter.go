package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/liamcoop/decisions/internal/logger"
	"github.com/liamcoop/decisions/rules"
)

const (
	// DefaultMaxSteps bounds the number of nodes visited in one run
	DefaultMaxSteps = 50
	// DefaultStepTimeout bounds a single data source call
	DefaultStepTimeout = 10 * time.Second
)

// Decision is the outcome of a workflow run
type Decision string

const (
	DecisionApproved     Decision = "approved"
	DecisionRejected     Decision = "rejected"
	DecisionManualReview Decision = "manual_review"
	DecisionError        Decision = "error"
)

// ReasonStepLimit is the reason reported when a run exhausts its step bound
const ReasonStepLimit = "did not reach terminal node"

// TraceEntry records one visited non-terminal node
type TraceEntry struct {
	NodeID    string    `json:"node_id"`
	NodeType  NodeType  `json:"node_type"`
	Timestamp time.Time `json:"timestamp"`
	Result    any       `json:"result,omitempty"`
}

// Result is the outcome of one run. Results holds the data source outputs
// keyed by node ID.
type Result struct {
	Decision Decision       `json:"decision"`
	Reason   string         `json:"reason"`
	Trace    []TraceEntry   `json:"trace"`
	Results  map[string]any `json:"results"`
}

// Interpreter walks workflow graphs. It holds no per-run state and can run
// any number of graphs concurrently.
type Interpreter struct {
	invoker     Invoker
	maxSteps    int
	stepTimeout time.Duration
	now         func() time.Time
}

// Option configures an Interpreter
type Option func(*Interpreter)

// WithMaxSteps sets the step bound; values below 1 are ignored
func WithMaxSteps(n int) Option {
	return func(in *Interpreter) {
		if n > 0 {
			in.maxSteps = n
		}
	}
}

// WithStepTimeout sets the per data source call timeout; 0 disables it
func WithStepTimeout(d time.Duration) Option {
	return func(in *Interpreter) { in.stepTimeout = d }
}

// WithClock sets the time source for trace timestamps
func WithClock(now func() time.Time) Option {
	return func(in *Interpreter) { in.now = now }
}

// NewInterpreter creates an interpreter that calls data sources through invoker
func NewInterpreter(invoker Invoker, opts ...Option) *Interpreter {
	in := &Interpreter{
		invoker:     invoker,
		maxSteps:    DefaultMaxSteps,
		stepTimeout: DefaultStepTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Run compiles g and executes it against input. It always returns a result;
// structural problems become an error decision.
func (in *Interpreter) Run(ctx context.Context, g *Graph, input rules.Record) *Result {
	prog, err := Compile(g)
	if err != nil {
		return &Result{
			Decision: DecisionError,
			Reason:   fmt.Sprintf("invalid graph: %v", err),
			Trace:    []TraceEntry{},
			Results:  map[string]any{},
		}
	}
	return in.Execute(ctx, prog, input)
}

// Execute runs a compiled program against input
func (in *Interpreter) Execute(ctx context.Context, prog *Program, input rules.Record) *Result {
	res := &Result{
		Trace:   make([]TraceEntry, 0, 8),
		Results: make(map[string]any),
	}
	if input == nil {
		input = rules.Record{}
	}

	cur := prog.start
	for step := 0; step < in.maxSteps; step++ {
		node := &prog.nodes[cur]

		if node.Type.Terminal() {
			res.Decision = terminalDecision(node.Type)
			res.Reason = terminalReason(node)
			return res
		}

		var (
			edge edgeRef
			ok   bool
		)
		switch node.Type {
		case NodeStart:
			res.Trace = append(res.Trace, in.entry(node, nil))
			edge, ok = prog.next(cur)

		case NodeDataSource:
			out := in.invoke(ctx, node, input, res.Results)
			res.Results[node.ID] = out
			res.Trace = append(res.Trace, in.entry(node, out))
			edge, ok = prog.next(cur)

		case NodeCondition:
			outcome := false
			if node.Config.Condition != nil {
				outcome = rules.EvaluateCondition(*node.Config.Condition, conditionContext(input, res.Results), enrichmentOf(input))
			}
			res.Trace = append(res.Trace, in.entry(node, outcome))
			edge, ok = prog.branch(cur, outcome)

		default:
			res.Trace = append(res.Trace, in.entry(node, nil))
			return fail(res, fmt.Sprintf("node %s has unknown type %q", node.ID, node.Type))
		}

		if !ok {
			return fail(res, fmt.Sprintf("no outgoing edge from node %s", node.ID))
		}
		if edge.target == missingNode {
			return fail(res, fmt.Sprintf("edge from node %s targets missing node %s", node.ID, edge.targetID))
		}
		cur = edge.target
	}

	logger.StepLimitReached.Add(1)
	logger.Warn("workflow stopped at step limit", "max_steps", in.maxSteps, "last_node", prog.nodes[cur].ID)
	return fail(res, ReasonStepLimit)
}

func (in *Interpreter) entry(node *Node, result any) TraceEntry {
	return TraceEntry{
		NodeID:    node.ID,
		NodeType:  node.Type,
		Timestamp: in.now(),
		Result:    result,
	}
}

func fail(res *Result, reason string) *Result {
	res.Decision = DecisionError
	res.Reason = reason
	return res
}

func terminalDecision(t NodeType) Decision {
	switch t {
	case NodeApprove:
		return DecisionApproved
	case NodeReject:
		return DecisionRejected
	default:
		return DecisionManualReview
	}
}

func terminalReason(node *Node) string {
	if node.Label != "" {
		return node.Label
	}
	return fmt.Sprintf("reached %s node %s", node.Type, node.ID)
}

// conditionContext is what condition nodes see: the input fields at the top
// level, plus the input and the data source results under their own keys.
func conditionContext(input rules.Record, results map[string]any) rules.Record {
	vars := make(rules.Record, len(input)+2)
	for k, v := range input {
		vars[k] = v
	}
	vars["input"] = map[string]any(input)
	vars["results"] = results
	return vars
}

// enrichmentOf returns the enrichment map carried in the input, if any
func enrichmentOf(input rules.Record) rules.Record {
	switch e := input[rules.EnrichmentNamespace].(type) {
	case rules.Record:
		return e
	case map[string]any:
		return rules.Record(e)
	}
	return nil
}

type invocation struct {
	out any
	err error
}

// invoke calls the node's data source with the step timeout. Failures,
// timeouts and cancellation are returned as error results so the graph can
// branch on them. A call that outlives its timeout is abandoned.
func (in *Interpreter) invoke(ctx context.Context, node *Node, input rules.Record, results map[string]any) any {
	source := node.Config.Source
	if source == "" {
		return in.sourceFailure(node, errors.New("data source node has no source"))
	}
	if in.invoker == nil {
		return in.sourceFailure(node, errors.New("no data source invoker configured"))
	}

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if in.stepTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, in.stepTimeout)
	}
	defer cancel()

	snapshot := make(map[string]any, len(results))
	for k, v := range results {
		snapshot[k] = v
	}
	payload := map[string]any{
		"input":   map[string]any(input),
		"results": snapshot,
		"params":  node.Config.Params,
	}

	done := make(chan invocation, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- invocation{err: fmt.Errorf("data source panicked: %v", r)}
			}
		}()
		out, err := in.invoker.Invoke(callCtx, source, payload)
		done <- invocation{out: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if errors.Is(r.err, context.DeadlineExceeded) || errors.Is(r.err, context.Canceled) {
				return in.sourceTimeout(node, r.err)
			}
			return in.sourceFailure(node, r.err)
		}
		return r.out
	case <-callCtx.Done():
		return in.sourceTimeout(node, callCtx.Err())
	}
}

func (in *Interpreter) sourceFailure(node *Node, err error) map[string]any {
	logger.DataSourceFailures.Add(1)
	logger.Warn("data source call failed", "node_id", node.ID, "source", node.Config.Source, "error", err)
	return map[string]any{"error": err.Error()}
}

func (in *Interpreter) sourceTimeout(node *Node, err error) map[string]any {
	logger.DataSourceFailures.Add(1)
	logger.Warn("data source call timed out", "node_id", node.ID, "source", node.Config.Source, "error", err)
	return map[string]any{
		"error":   fmt.Sprintf("data source %s timed out: %v", node.Config.Source, err),
		"timeout": true,
	}
}
