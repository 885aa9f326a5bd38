// Package runtime implements the dispatch runtime manager: the central
// state machine that orchestrates prompt compilation, subprocess dispatch,
// and output ingestion for implementer and reviewer agents, enforcing
// retry, compaction, and review-loop policy along the way.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"

	"github.com/madebymlai/spec-context-mcp/internal/complexity"
	"github.com/madebymlai/spec-context-mcp/internal/dispatchexec"
	"github.com/madebymlai/spec-context-mcp/internal/domain"
	"github.com/madebymlai/spec-context-mcp/internal/eventstream"
	"github.com/madebymlai/spec-context-mcp/internal/filecache"
	"github.com/madebymlai/spec-context-mcp/internal/intercept"
	"github.com/madebymlai/spec-context-mcp/internal/metrics"
	"github.com/madebymlai/spec-context-mcp/internal/prompt"
	"github.com/madebymlai/spec-context-mcp/internal/schema"
	"github.com/madebymlai/spec-context-mcp/internal/session"
	"github.com/madebymlai/spec-context-mcp/internal/snapshot"
	"github.com/madebymlai/spec-context-mcp/internal/telemetry"
)

// Response is the deterministic shape every manager action returns.
type Response struct {
	Success bool
	Message string
	Data    map[string]any
}

// Policy bundles the tunables the manager enforces.
type Policy struct {
	ReviewLoopThreshold int // default 3
	StalledThreshold    int // default 5
	PromptTokenBudget   int
	CharsPerPromptToken int // default 4, used for token estimation
	MaxFactsRetrieved   int
	MaxFactTokens       int
	BudgetPolicy        domain.BudgetPolicy
	BreakerThreshold    uint32
	BreakerOpenTimeout  time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		ReviewLoopThreshold: 3,
		StalledThreshold:    5,
		PromptTokenBudget:   8000,
		CharsPerPromptToken: 4,
		MaxFactsRetrieved:   10,
		MaxFactTokens:       1000,
		BreakerThreshold:    4,
		BreakerOpenTimeout:  60 * time.Second,
	}
}

// Manager is the dispatch runtime's single entry point.
type Manager struct {
	mu sync.Mutex

	events    *eventstream.Stream
	snapshots *snapshot.Store
	schemas   *schema.Registry
	prompts   *prompt.Registry
	sessions  map[string]*session.Store // run id -> session fact store
	routing   *complexity.Table
	executor  dispatchexec.Executor
	cache     *filecache.Cache
	metrics   *metrics.Registry
	telemetry *telemetry.Store

	policy  Policy
	logger  *slog.Logger
	clock   func() time.Time
	newID   func() string

	guideIssued map[string]bool // "runID:role" -> issued
	breakers    map[domain.Provider]*gobreaker.CircuitBreaker[dispatchexec.Result]

	interceptors map[intercept.Hook][]intercept.Interceptor
}

// Dependencies wires in every collaborator the manager orchestrates.
type Dependencies struct {
	Events    *eventstream.Stream
	Snapshots *snapshot.Store
	Schemas   *schema.Registry
	Prompts   *prompt.Registry
	Routing   *complexity.Table
	Executor  dispatchexec.Executor
	Cache     *filecache.Cache
	Metrics   *metrics.Registry
	Telemetry *telemetry.Store
	Logger    *slog.Logger
	Clock     func() time.Time
}

func New(deps Dependencies, policy Policy) *Manager {
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reg := deps.Metrics
	if reg == nil {
		reg = metrics.New()
	}
	return &Manager{
		events:       deps.Events,
		snapshots:    deps.Snapshots,
		schemas:      deps.Schemas,
		prompts:      deps.Prompts,
		sessions:     make(map[string]*session.Store),
		routing:      deps.Routing,
		executor:     deps.Executor,
		cache:        deps.Cache,
		metrics:      reg,
		telemetry:    deps.Telemetry,
		policy:       policy,
		logger:       logger,
		clock:        clock,
		newID:        uuid.NewString,
		guideIssued:  make(map[string]bool),
		breakers:     make(map[domain.Provider]*gobreaker.CircuitBreaker[dispatchexec.Result]),
		interceptors: make(map[intercept.Hook][]intercept.Interceptor),
	}
}

// Metrics returns the registry the manager records dispatch lifecycle
// events into, so a caller can mount it behind an HTTP handler.
func (m *Manager) Metrics() *metrics.Registry {
	return m.metrics
}

// RegisterInterceptor adds an interceptor to the chain for hook, in call
// order.
func (m *Manager) RegisterInterceptor(hook intercept.Hook, ic intercept.Interceptor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interceptors[hook] = append(m.interceptors[hook], ic)
}

// runHook runs the interceptor chain registered for hook against a request
// built from payload. Callers apply Result.Request.Payload back onto their
// own state when the hook permits mutation.
func (m *Manager) runHook(hook intercept.Hook, payload map[string]any) (intercept.ChainOutput, error) {
	chain := m.interceptors[hook]
	if len(chain) == 0 {
		return intercept.ChainOutput{Request: intercept.Request{Payload: payload}}, nil
	}
	out, err := intercept.Run(hook, intercept.Request{Payload: payload}, chain, map[string]any{}, intercept.Options{
		ChainBudget: intercept.DefaultChainBudget,
		HookBudget:  intercept.DefaultHookBudget,
		Now:         m.clock,
	})
	return out, err
}

func (m *Manager) sessionStore(runID string) *session.Store {
	s, ok := m.sessions[runID]
	if !ok {
		s = session.NewStore(session.Options{Now: m.clock})
		m.sessions[runID] = s
	}
	return s
}

func (m *Manager) breakerFor(p domain.Provider) *gobreaker.CircuitBreaker[dispatchexec.Result] {
	b, ok := m.breakers[p]
	if ok {
		return b
	}
	settings := gobreaker.Settings{
		Name:        "provider:" + string(p),
		MaxRequests: 1,
		Timeout:     m.policy.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= m.policy.BreakerThreshold
		},
	}
	b = gobreaker.NewCircuitBreaker[dispatchexec.Result](settings)
	m.breakers[p] = b
	return b
}

func estimateTokens(s string, charsPerToken int) int {
	if charsPerToken <= 0 {
		charsPerToken = 4
	}
	return (len(s) + charsPerToken - 1) / charsPerToken
}

// InitRun creates, or idempotently fetches, the snapshot for runID.
func (m *Manager) InitRun(runID, specName, taskID string) Response {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing := m.snapshots.Get(runID); existing != nil {
		return Response{Success: true, Message: "run already initialized", Data: map[string]any{"snapshot": existing}}
	}

	goal := fmt.Sprintf("%s:%s", specName, taskID)
	snap := m.snapshots.Upsert(snapshot.Update{
		RunID:  runID,
		Status: domain.RunRunning,
		Goal:   goal,
		AppliedOffsets: []domain.AppliedOffset{{PartitionKey: runID, Sequence: 0}},
	})

	draft := eventStreamDraft(runID, taskID, domain.EventStateDelta, map[string]any{"action": "init_run", "goal": goal}, "init")
	draft.IdempotencyKey = "init:" + runID
	_, err := m.events.Publish(draft)
	if err != nil {
		return Response{Success: false, Message: err.Error()}
	}

	return Response{Success: true, Message: "run initialized", Data: map[string]any{"snapshot": snap}}
}

// GetSnapshot returns the current snapshot for runID.
func (m *Manager) GetSnapshot(runID string) Response {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshots.Get(runID)
	if snap == nil {
		return Response{Success: false, Message: ErrUnknownRun.Error()}
	}
	return Response{Success: true, Message: "ok", Data: map[string]any{"snapshot": snap}}
}

// Telemetry aggregates per-run counters derived from the event stream.
type Telemetry struct {
	DispatchCount                int
	ApprovalLoops                int
	CompactionCount              int
	CompactionPromptTokensBefore int
	CompactionPromptTokensAfter  int
	TotalInputTokens             int
	TotalOutputTokens            int
	FileCacheTelemetry           map[string]filecache.Telemetry
}

// GetTelemetry aggregates across every event published for runID.
func (m *Manager) GetTelemetry(runID string) Response {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshots.Get(runID)
	if snap == nil {
		return Response{Success: false, Message: ErrUnknownRun.Error()}
	}

	events := m.events.ReadPartition(runID, 0)
	tel := Telemetry{}
	for _, ev := range events {
		switch ev.Type {
		case domain.EventLLMRequest:
			tel.DispatchCount++
			if stage, ok := ev.Payload["compactionStage"].(string); ok && stage != "" && stage != "none" {
				tel.CompactionCount++
			}
			if before, ok := ev.Payload["promptTokensBefore"]; ok {
				tel.CompactionPromptTokensBefore += toInt(before)
			}
			if after, ok := ev.Payload["promptTokensAfter"]; ok {
				tel.CompactionPromptTokensAfter += toInt(after)
			}
		case domain.EventStateDelta:
			if action, ok := ev.Payload["action"].(string); ok && action == "dispatch_implementer_fixes" {
				tel.ApprovalLoops++
			}
		}
	}

	for _, fact := range snap.Facts {
		if !strings.HasPrefix(fact.K, "token_usage:") {
			continue
		}
		parts := strings.SplitN(fact.V, ",", 2)
		if len(parts) != 2 {
			continue
		}
		in, _ := strconv.Atoi(parts[0])
		out, _ := strconv.Atoi(parts[1])
		tel.TotalInputTokens += in
		tel.TotalOutputTokens += out
	}

	if m.cache != nil {
		perNS, _ := m.cache.GetTelemetry()
		tel.FileCacheTelemetry = perNS
	}

	if m.telemetry != nil {
		record := telemetry.Record{
			RunID:                        runID,
			RecordedAt:                   m.clock(),
			DispatchCount:                tel.DispatchCount,
			ApprovalLoops:                tel.ApprovalLoops,
			CompactionCount:              tel.CompactionCount,
			CompactionPromptTokensBefore: tel.CompactionPromptTokensBefore,
			CompactionPromptTokensAfter:  tel.CompactionPromptTokensAfter,
			TotalInputTokens:             tel.TotalInputTokens,
			TotalOutputTokens:            tel.TotalOutputTokens,
		}
		if err := m.telemetry.Append(context.Background(), record); err != nil {
			m.logger.Error("telemetry_append_failed", "run_id", runID, "error", err)
		}
	}

	return Response{Success: true, Message: "ok", Data: map[string]any{"telemetry": tel}}
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	default:
		return 0
	}
}
