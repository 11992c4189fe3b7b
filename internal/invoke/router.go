package invoke

import (
	"context"

	"github.com/rendis/stateflow/pkg/schema"
)

// Router dispatches to the local registry first and falls back to a remote
// invoker for functions the registry does not know.
type Router struct {
	local  *Registry
	remote Invoker
}

// NewRouter creates a Router. remote may be nil.
func NewRouter(local *Registry, remote Invoker) *Router {
	return &Router{local: local, remote: remote}
}

func (r *Router) Invoke(ctx context.Context, req Request) (*Result, error) {
	if r.local != nil && r.local.Has(req.FunctionID) {
		return r.local.Invoke(ctx, req)
	}
	if r.remote != nil {
		return r.remote.Invoke(ctx, req)
	}
	return nil, schema.NewErrorf(schema.ErrCodeInvocation, "function %q not registered", req.FunctionID).
		WithKind(schema.KindTaskFailed)
}

var _ Invoker = (*Router)(nil)
