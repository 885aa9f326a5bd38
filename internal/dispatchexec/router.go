package dispatchexec

import (
	"context"
	"fmt"

	"github.com/madebymlai/spec-context-mcp/internal/domain"
)

// Router picks a per-provider Executor at dispatch time, so one runtime can
// run most providers as plain subprocesses while sandboxing a subset inside
// Docker, per each provider's configured backend. It satisfies Executor itself so the
// manager never has to know a router is in play.
type Router struct {
	backends map[domain.Provider]Executor
	fallback Executor
}

// NewRouter builds a Router that falls back to fallback for any provider
// with no backend registered via Use.
func NewRouter(fallback Executor) *Router {
	return &Router{backends: make(map[domain.Provider]Executor), fallback: fallback}
}

// Use registers executor as the backend for provider.
func (r *Router) Use(provider domain.Provider, executor Executor) {
	r.backends[provider] = executor
}

func (r *Router) Execute(ctx context.Context, in Input) (Result, error) {
	if executor, ok := r.backends[in.Provider]; ok {
		return executor.Execute(ctx, in)
	}
	if r.fallback != nil {
		return r.fallback.Execute(ctx, in)
	}
	return Result{}, fmt.Errorf("dispatchexec: no executor registered for provider %q", in.Provider)
}
