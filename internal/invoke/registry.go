package invoke

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/stateflow/pkg/schema"
)

// Registry is a thread-safe set of in-process functions. It implements Invoker.
type Registry struct {
	mu        sync.RWMutex
	functions map[string]Function
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		functions: make(map[string]Function),
	}
}

// Register adds a function to the registry. Returns error on duplicate name.
func (r *Registry) Register(fn Function) error {
	if fn == nil {
		return schema.NewError(schema.ErrCodeValidation, "function is nil")
	}
	name := fn.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "function name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.functions[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "function %q already registered", name)
	}
	r.functions[name] = fn
	return nil
}

// Get retrieves a function by name.
func (r *Registry) Get(name string) (Function, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.functions[name]
	return fn, ok
}

// Has checks if a function is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// List returns info for all registered functions, sorted by name.
func (r *Registry) List() []FunctionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]FunctionInfo, 0, len(r.functions))
	for _, fn := range r.functions {
		infos = append(infos, FunctionInfo{Name: fn.Name(), Description: fn.Description()})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Invoke calls the named function in-process. Unknown functions fail with
// INVOCATION_ERROR so Task catch policies can handle them.
func (r *Registry) Invoke(ctx context.Context, req Request) (*Result, error) {
	fn, ok := r.Get(req.FunctionID)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeInvocation, "function %q not registered", req.FunctionID).
			WithKind(schema.KindTaskFailed)
	}

	start := time.Now()
	out, err := fn.Call(ctx, req.Payload)
	if err != nil {
		return nil, asInvocationError(ctx, req.FunctionID, err)
	}
	return &Result{
		Output:       out,
		InvocationID: uuid.New().String(),
		Duration:     time.Since(start),
	}, nil
}

var _ Invoker = (*Registry)(nil)
