package dispatchexec

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/madebymlai/spec-context-mcp/internal/domain"
)

type stubExecutor struct {
	name   string
	result Result
}

func (s stubExecutor) Execute(context.Context, Input) (Result, error) {
	return s.result, nil
}

func TestRouterUsesRegisteredBackend(t *testing.T) {
	fallback := stubExecutor{name: "fallback", result: Result{ExitCode: 1}}
	docker := stubExecutor{name: "docker", result: Result{ExitCode: 0}}

	r := NewRouter(fallback)
	r.Use(domain.ProviderCodex, docker)

	result, err := r.Execute(context.Background(), Input{Provider: domain.ProviderCodex})
	require.NoError(t, err)
	require.Equal(t, 0, result.ExitCode)
}

func TestRouterFallsBackForUnregisteredProvider(t *testing.T) {
	fallback := stubExecutor{name: "fallback", result: Result{ExitCode: 7}}
	r := NewRouter(fallback)

	result, err := r.Execute(context.Background(), Input{Provider: domain.ProviderGemini})
	require.NoError(t, err)
	require.Equal(t, 7, result.ExitCode)
}

func TestRouterErrorsWithNoFallbackAndNoBackend(t *testing.T) {
	r := NewRouter(nil)

	_, err := r.Execute(context.Background(), Input{Provider: domain.ProviderOpencode})
	require.Error(t, err)
}
