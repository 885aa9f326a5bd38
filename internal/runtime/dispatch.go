package runtime

import (
	"context"
	"path/filepath"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/madebymlai/spec-context-mcp/internal/budget"
	"github.com/madebymlai/spec-context-mcp/internal/dispatchexec"
	"github.com/madebymlai/spec-context-mcp/internal/domain"
	"github.com/madebymlai/spec-context-mcp/internal/intercept"
	"github.com/madebymlai/spec-context-mcp/internal/providercache"
)

// DispatchAndIngestRequest is the input to DispatchAndIngest.
type DispatchAndIngestRequest struct {
	RunID            string
	Role             domain.Role
	TaskID           string
	TaskPrompt       string
	ProjectPath      string
	ComplexityLevel  domain.ComplexityLevel
	MaxOutputTokens  int
	CompactionAuto   bool
	OutputDir        string
	Interactive      bool
	BudgetCandidates []domain.BudgetCandidate
}

func providerCacheKey(p domain.Provider) providercache.Provider {
	switch p {
	case domain.ProviderClaude:
		return providercache.ProviderClaude
	case domain.ProviderCodex:
		return providercache.ProviderCodex
	case domain.ProviderGemini:
		return providercache.ProviderGemini
	case domain.ProviderOpencode:
		return providercache.ProviderOpenCode
	default:
		return providercache.Provider(p)
	}
}

// DispatchAndIngest fuses compile_prompt, routing resolution, subprocess
// dispatch, and ingest_output into a single call. On a non-zero exit or
// spawn error it leaves the snapshot untouched and reports
// dispatch_execution_failed instead of ingesting anything.
func (m *Manager) DispatchAndIngest(ctx context.Context, req DispatchAndIngestRequest) Response {
	compileResp := m.CompilePrompt(CompilePromptRequest{
		RunID:           req.RunID,
		Role:            req.Role,
		TaskID:          req.TaskID,
		TaskPrompt:      req.TaskPrompt,
		MaxOutputTokens: req.MaxOutputTokens,
		CompactionAuto:  req.CompactionAuto,
	})
	if !compileResp.Success {
		return compileResp
	}
	prompt, _ := compileResp.Data["prompt"].(string)

	route, err := m.routing.Resolve(req.ComplexityLevel, req.Role)
	if err != nil {
		return Response{Success: false, Message: err.Error()}
	}

	inputTokens, _ := compileResp.Data["promptTokensAfter"].(int)
	decision := budget.FilterCandidates(
		budget.Request{InputTokens: inputTokens, OutputTokens: req.MaxOutputTokens, Interactive: req.Interactive},
		req.BudgetCandidates,
		m.policy.BudgetPolicy,
		route.Display,
	)
	m.metrics.ObserveBudgetDecision(string(decision.Decision))
	if decision.Decision == domain.DecisionDeny || decision.Decision == domain.DecisionQueue {
		return Response{Success: true, Message: "budget guard rejected dispatch", Data: map[string]any{
			"nextAction":     "dispatch_execution_failed",
			"errorCode":      "budget_" + string(decision.Decision),
			"budgetDecision": decision,
		}}
	}

	postRoute, err := m.runHook(intercept.HookOnSendPostRoute, map[string]any{
		"runId": req.RunID, "role": string(req.Role), "provider": string(route.Provider), "command": route.Command,
	})
	if err != nil {
		return Response{Success: false, Message: err.Error()}
	}
	if postRoute.Dropped {
		m.metrics.ObserveInterceptorDrop(postRoute.DropReasonCode)
		return Response{Success: true, Message: "dropped at on_send_post_route", Data: map[string]any{
			"nextAction": "dispatch_intercepted", "reasonCode": postRoute.DropReasonCode,
		}}
	}

	cacheKey, _ := compileResp.Data["providerCacheKey"].(string)
	cacheMutation := providercache.ForProvider(providerCacheKey(route.Provider)).Apply(providercache.Request{
		Provider:  providerCacheKey(route.Provider),
		CacheKey:  cacheKey,
		Retention: "24h",
	})
	args := route.Args
	if key, ok := cacheMutation.Fields["prompt_cache_key"].(string); ok && key != "" {
		args = append(append([]string(nil), route.Args...), "--prompt-cache-key", key)
	}

	breaker := m.breakerFor(route.Provider)

	contractPath := filepath.Join(req.OutputDir, req.TaskID+".contract.txt")
	debugPath := filepath.Join(req.OutputDir, req.TaskID+".debug.txt")

	start := time.Now()
	result, execErr := breaker.Execute(func() (dispatchexec.Result, error) {
		return dispatchexec.WithRetry(ctx, dispatchexec.DefaultRetryPolicy(), func(ctx context.Context) (dispatchexec.Result, error) {
			return m.executor.Execute(ctx, dispatchexec.Input{
				RunID:       req.RunID,
				Role:        req.Role,
				TaskID:      req.TaskID,
				ProjectPath: req.ProjectPath,
				Prompt:      prompt,
				Provider:    route.Provider,
				Command: dispatchexec.CommandTemplate{
					Command: route.Command,
					Args:    args,
					Display: route.Display,
				},
				ContractOutputPath: contractPath,
				DebugOutputPath:    debugPath,
			})
		})
	})
	elapsed := time.Since(start).Seconds()

	if execErr == gobreaker.ErrOpenState || execErr == gobreaker.ErrTooManyRequests {
		m.metrics.ObserveBreakerTrip(string(route.Provider), "open")
		m.metrics.ObserveDispatch(string(route.Provider), string(req.Role), "circuit_open", elapsed)
		return Response{Success: true, Message: "provider circuit open", Data: map[string]any{
			"nextAction": "dispatch_execution_failed",
			"errorCode":  ErrProviderCircuitOpen.Error(),
		}}
	}
	if execErr != nil {
		m.metrics.ObserveDispatch(string(route.Provider), string(req.Role), "spawn_error", elapsed)
		return Response{Success: true, Message: execErr.Error(), Data: map[string]any{
			"nextAction": "dispatch_execution_failed",
			"errorCode":  "dispatch_execution_failed",
		}}
	}
	if result.ExitCode != 0 {
		m.metrics.ObserveDispatch(string(route.Provider), string(req.Role), "nonzero_exit", elapsed)
		return Response{Success: true, Message: "non-zero exit", Data: map[string]any{
			"nextAction": "dispatch_execution_failed",
			"errorCode":  "dispatch_execution_failed",
			"execution": map[string]any{
				"exitCode":           result.ExitCode,
				"signal":             result.Signal,
				"durationMs":         result.DurationMs,
				"contractOutputPath": result.ContractOutputPath,
				"debugOutputPath":    result.DebugOutputPath,
			},
		}}
	}
	m.metrics.ObserveDispatch(string(route.Provider), string(req.Role), "success", elapsed)

	ingestResp := m.IngestOutput(IngestOutputRequest{
		RunID:           req.RunID,
		Role:            req.Role,
		TaskID:          req.TaskID,
		ProjectPath:     req.ProjectPath,
		OutputFilePath:  result.ContractOutputPath,
		MaxOutputTokens: req.MaxOutputTokens,
	})

	execBlock := map[string]any{
		"exitCode":           result.ExitCode,
		"signal":             result.Signal,
		"durationMs":         result.DurationMs,
		"contractOutputPath": result.ContractOutputPath,
		"debugOutputPath":    result.DebugOutputPath,
	}
	if ingestResp.Data == nil {
		ingestResp.Data = map[string]any{}
	}
	ingestResp.Data["execution"] = execBlock
	return ingestResp
}
