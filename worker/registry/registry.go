package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/orcaflow/orca/worker/runtime"
)

// InputError means the task input could not be decoded into the registered
// workflow's input type. It is a schema-level bug, never retried.
type InputError struct {
	WorkflowType string
	Cause        error
}

func (e *InputError) Error() string {
	return fmt.Sprintf("decode input for workflow %q: %v", e.WorkflowType, e.Cause)
}

func (e *InputError) Unwrap() error { return e.Cause }

// WorkflowFunc is a registered workflow after type erasure: opaque bytes in,
// opaque bytes out. Type safety lives at registration time.
type WorkflowFunc func(ctx context.Context, rt *runtime.Runtime, input []byte) ([]byte, error)

// Registry maps workflow type names to invokable workflows.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]WorkflowFunc
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{workflows: make(map[string]WorkflowFunc)}
}

// Register binds a typed workflow function to a type name. The stored closure
// decodes the input, invokes fn, and encodes the output, both as JSON.
// Registering the same name twice is an error.
func Register[I, O any](r *Registry, name string, fn func(ctx context.Context, rt *runtime.Runtime, input I) (O, error)) error {
	if name == "" {
		return fmt.Errorf("register workflow: name is required")
	}
	invoke := func(ctx context.Context, rt *runtime.Runtime, payload []byte) ([]byte, error) {
		var input I
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &input); err != nil {
				return nil, &InputError{WorkflowType: name, Cause: err}
			}
		}
		output, err := fn(ctx, rt, input)
		if err != nil {
			return nil, err
		}
		encoded, err := json.Marshal(output)
		if err != nil {
			return nil, fmt.Errorf("encode output for workflow %q: %w", name, err)
		}
		return encoded, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workflows[name]; exists {
		return fmt.Errorf("register workflow: %q already registered", name)
	}
	r.workflows[name] = invoke
	return nil
}

// Get resolves a workflow type name.
func (r *Registry) Get(name string) (WorkflowFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.workflows[name]
	return fn, ok
}

// Names lists the registered workflow types.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.workflows))
	for name := range r.workflows {
		names = append(names, name)
	}
	return names
}
