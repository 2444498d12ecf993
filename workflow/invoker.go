package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// ErrUnknownSource is returned when no data source is registered under a name.
var ErrUnknownSource = errors.New("unknown data source")

// Invoker calls an external data source (identity, sanctions, registry...)
// by name. input carries the run input, the results collected so far and
// the node params. Retries, if wanted, belong to the Invoker.
type Invoker interface {
	Invoke(ctx context.Context, source string, input map[string]any) (any, error)
}

// InvokerFunc adapts a function to the Invoker interface
type InvokerFunc func(ctx context.Context, source string, input map[string]any) (any, error)

// Invoke calls f
func (f InvokerFunc) Invoke(ctx context.Context, source string, input map[string]any) (any, error) {
	return f(ctx, source, input)
}

// Registry dispatches calls to the invoker registered under the source name
type Registry struct {
	sources map[string]Invoker
	mu      sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]Invoker)}
}

// Register adds or replaces the invoker for name
func (r *Registry) Register(name string, inv Invoker) {
	r.mu.Lock()
	r.sources[name] = inv
	r.mu.Unlock()
}

// Invoke implements Invoker
func (r *Registry) Invoke(ctx context.Context, source string, input map[string]any) (any, error) {
	r.mu.RLock()
	inv, ok := r.sources[source]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}
	return inv.Invoke(ctx, source, input)
}

// Static returns an invoker that always answers with result
func Static(result any) Invoker {
	return InvokerFunc(func(context.Context, string, map[string]any) (any, error) {
		return result, nil
	})
}

// HTTPInvoker posts the call input as JSON to a URL configured per source
// and decodes the JSON response.
type HTTPInvoker struct {
	client    *http.Client
	endpoints map[string]string
}

// NewHTTPInvoker creates an HTTP invoker for the given source name -> URL map
func NewHTTPInvoker(endpoints map[string]string, client *http.Client) *HTTPInvoker {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	eps := make(map[string]string, len(endpoints))
	for k, v := range endpoints {
		eps[k] = v
	}
	return &HTTPInvoker{client: client, endpoints: eps}
}

// Invoke implements Invoker
func (h *HTTPInvoker) Invoke(ctx context.Context, source string, input map[string]any) (any, error) {
	url, ok := h.endpoints[source]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}

	body, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request for %s: %w", source, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", source, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("data source %s: %w", source, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("data source %s returned %d: %s", source, resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response from %s: %w", source, err)
	}
	return out, nil
}
