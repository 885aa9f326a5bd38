// Package intercept implements the interception chain: in-order hook
// execution over dispatch requests, with per-hook and total time budgets
// and fail-closed semantics for critical interceptors.
package intercept

import (
	"fmt"
	"time"
)

// CriticalFailureError is raised when a critical interceptor fails, or when
// an interceptor attempts a mutation outside the hooks that permit it.
type CriticalFailureError struct {
	InterceptorID string
	Hook          Hook
	Reason        string
}

func (e *CriticalFailureError) Error() string {
	return e.Reason
}

// Hook identifies one of the three points interceptors can attach to.
type Hook string

const (
	HookOnIngress           Hook = "on_ingress"
	HookOnSendPreCacheKey    Hook = "on_send_pre_cache_key"
	HookOnSendPostRoute      Hook = "on_send_post_route"
)

// Criticality controls what happens when an interceptor errors.
type Criticality string

const (
	CriticalityCritical   Criticality = "critical"
	CriticalityBestEffort Criticality = "best_effort"
)

// Decision is what an interceptor returns for a single hook invocation.
type Decision string

const (
	DecisionAllow  Decision = "allow"
	DecisionMutate Decision = "mutate"
	DecisionDrop   Decision = "drop"
)

const (
	DefaultChainBudget = 20 * time.Millisecond
	DefaultHookBudget  = 5 * time.Millisecond

	ReasonChainBudgetExceeded = "chain_budget_exceeded"
	ReasonHookBudgetExceeded  = "hook_budget_exceeded"
	ReasonInterceptorError    = "interceptor_error"
)

// Request is the mutable value interceptors observe and may clone-mutate.
type Request struct {
	Payload map[string]any
}

// Clone returns a deep-enough copy for copy-on-write mutation.
func (r Request) Clone() Request {
	cp := make(map[string]any, len(r.Payload))
	for k, v := range r.Payload {
		cp[k] = v
	}
	return Request{Payload: cp}
}

// Result is what an interceptor's Run method returns for one hook call.
type Result struct {
	Decision      Decision
	ReasonCode    string
	MutatedFields []string
	Request       Request // only meaningful when Decision == DecisionMutate
}

// Interceptor is a single named chain member.
type Interceptor struct {
	ID          string
	Criticality Criticality
	Run         func(hook Hook, req Request, ctx map[string]any) (Result, error)
}

// Report records the outcome of one interceptor at one hook invocation.
type Report struct {
	InterceptorID string
	Criticality   Criticality
	Action        Decision
	ReasonCode    string
	MutatedFields []string
	DurationMs    float64
}

// ChainOutput is the result of running a full chain.
type ChainOutput struct {
	Request        Request
	Reports        []Report
	Dropped        bool
	DropReasonCode string
}

// Options overrides the default budgets; zero values fall back to defaults.
type Options struct {
	ChainBudget time.Duration
	HookBudget  time.Duration
	Now         func() time.Time
}

// Run executes interceptors registered for hook, in registration order.
// It returns a CriticalFailureError if a critical interceptor fails, or if
// an interceptor attempts a forbidden mutation at on_send_post_route.
func Run(hook Hook, req Request, interceptors []Interceptor, ctx map[string]any, opts Options) (ChainOutput, error) {
	chainBudget := opts.ChainBudget
	if chainBudget <= 0 {
		chainBudget = DefaultChainBudget
	}
	hookBudget := opts.HookBudget
	if hookBudget <= 0 {
		hookBudget = DefaultHookBudget
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	out := ChainOutput{Request: req}
	cloned := false
	current := req

	start := now()
	var chainExceeded bool

	for _, ic := range interceptors {
		if ic.Run == nil {
			continue
		}
		if chainExceeded {
			out.Reports = append(out.Reports, Report{
				InterceptorID: ic.ID,
				Criticality:   ic.Criticality,
				Action:        DecisionAllow,
				ReasonCode:    ReasonChainBudgetExceeded,
			})
			continue
		}
		if now().Sub(start) > chainBudget {
			chainExceeded = true
			out.Reports = append(out.Reports, Report{
				InterceptorID: ic.ID,
				Criticality:   ic.Criticality,
				Action:        DecisionAllow,
				ReasonCode:    ReasonChainBudgetExceeded,
			})
			continue
		}

		hookStart := now()
		res, err := ic.Run(hook, current, ctx)
		elapsed := now().Sub(hookStart)
		durationMs := float64(elapsed) / float64(time.Millisecond)

		if elapsed > hookBudget {
			out.Reports = append(out.Reports, Report{
				InterceptorID: ic.ID,
				Criticality:   ic.Criticality,
				Action:        DecisionAllow,
				ReasonCode:    ReasonHookBudgetExceeded,
				DurationMs:    durationMs,
			})
			continue
		}

		if err != nil {
			if ic.Criticality == CriticalityCritical {
				out.Request = current
				return out, &CriticalFailureError{
					InterceptorID: ic.ID,
					Hook:          hook,
					Reason:        fmt.Sprintf("critical interceptor %q failed on %s: %v", ic.ID, hook, err),
				}
			}
			out.Reports = append(out.Reports, Report{
				InterceptorID: ic.ID,
				Criticality:   ic.Criticality,
				Action:        DecisionAllow,
				ReasonCode:    ReasonInterceptorError,
				DurationMs:    durationMs,
			})
			continue
		}

		switch res.Decision {
		case DecisionDrop:
			out.Reports = append(out.Reports, Report{
				InterceptorID: ic.ID,
				Criticality:   ic.Criticality,
				Action:        DecisionDrop,
				ReasonCode:    res.ReasonCode,
				DurationMs:    durationMs,
			})
			out.Dropped = true
			out.DropReasonCode = res.ReasonCode
			out.Request = current
			return out, nil

		case DecisionMutate:
			if hook == HookOnSendPostRoute {
				out.Request = current
				return out, &CriticalFailureError{
					InterceptorID: ic.ID,
					Hook:          hook,
					Reason:        fmt.Sprintf("forbidden mutation: interceptor %q attempted mutate on %s", ic.ID, hook),
				}
			}
			if !cloned {
				current = current.Clone()
				cloned = true
			}
			for k, v := range res.Request.Payload {
				current.Payload[k] = v
			}
			out.Reports = append(out.Reports, Report{
				InterceptorID: ic.ID,
				Criticality:   ic.Criticality,
				Action:        DecisionMutate,
				ReasonCode:    res.ReasonCode,
				MutatedFields: res.MutatedFields,
				DurationMs:    durationMs,
			})

		default:
			out.Reports = append(out.Reports, Report{
				InterceptorID: ic.ID,
				Criticality:   ic.Criticality,
				Action:        DecisionAllow,
				ReasonCode:    res.ReasonCode,
				DurationMs:    durationMs,
			})
		}
	}

	out.Request = current
	return out, nil
}
