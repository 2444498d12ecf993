package events

import (
	"errors"
	"sync"

	"github.com/liamcoop/decisions/internal/logger"
)

// Emitter publishes decision events. Emit must not block the decision path;
// delivery failures are logged by the implementation.
type Emitter interface {
	Emit(event DecisionEvent)
}

// EmitterFunc adapts a function to the Emitter interface
type EmitterFunc func(event DecisionEvent)

// Emit calls f
func (f EmitterFunc) Emit(event DecisionEvent) { f(event) }

// LogEmitter writes events to the structured log
type LogEmitter struct{}

// NewLogEmitter creates a log emitter
func NewLogEmitter() *LogEmitter {
	return &LogEmitter{}
}

// Emit implements Emitter
func (e *LogEmitter) Emit(event DecisionEvent) {
	logger.Info("decision event",
		"kind", event.Kind,
		"execution_id", event.ExecutionID,
		"organization_id", event.OrganizationID,
		"policy_id", event.PolicyID,
		"variant", event.Variant,
		"decision", event.Decision,
		"reason", event.Reason,
		"latency_ms", event.LatencyMs,
	)
}

// MultiEmitter fans events out to several emitters
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter creates a MultiEmitter; nil emitters are skipped
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	m := &MultiEmitter{}
	for _, e := range emitters {
		if e != nil {
			m.emitters = append(m.emitters, e)
		}
	}
	return m
}

// Emit implements Emitter
func (m *MultiEmitter) Emit(event DecisionEvent) {
	for _, e := range m.emitters {
		e.Emit(event)
	}
}

// Close closes every emitter that holds a connection
func (m *MultiEmitter) Close() error {
	var errs []error
	for _, e := range m.emitters {
		if c, ok := e.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps emitted events in memory. Used by tests and the CLI.
type Recorder struct {
	events []DecisionEvent
	mu     sync.Mutex
}

// Emit implements Emitter
func (r *Recorder) Emit(event DecisionEvent) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events
func (r *Recorder) Events() []DecisionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]DecisionEvent(nil), r.events...)
}
