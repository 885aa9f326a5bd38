package runtime

import "errors"

// Sentinel errors returned by the dispatch runtime manager's actions.
// Error codes mirror these names in their string form for API responses.
var (
	ErrMissingTaskPrompt         = errors.New("missing_task_prompt")
	ErrDispatchOutputMissing     = errors.New("dispatch_output_missing")
	ErrOutputTokenBudgetExceeded = errors.New("output_token_budget_exceeded")
	ErrProviderCircuitOpen       = errors.New("provider_circuit_open")
	ErrTelemetryAppendFailed     = errors.New("telemetry_append_failed")
	ErrUnknownRun                = errors.New("unknown_run")
)
