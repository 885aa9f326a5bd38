package runtime

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/madebymlai/spec-context-mcp/internal/domain"
	"github.com/madebymlai/spec-context-mcp/internal/history"
	"github.com/madebymlai/spec-context-mcp/internal/intercept"
	"github.com/madebymlai/spec-context-mcp/internal/prompt"
	"github.com/madebymlai/spec-context-mcp/internal/session"
)

// Compaction enumerates the progressive compaction attempts
// compile_prompt applies when a compiled prompt overflows its token
// budget.
type Compaction string

const (
	CompactionNone            Compaction = "none"
	CompactionExamplesDropped Compaction = "examples_dropped"
	CompactionTaskTrimmed     Compaction = "task_trimmed"
	CompactionDeltaReduced    Compaction = "delta_reduced"
	CompactionFloorReached    Compaction = "floor_reached"
)

// CompilePromptRequest is the input to CompilePrompt.
type CompilePromptRequest struct {
	RunID           string
	Role            domain.Role
	TaskID          string
	TaskPrompt      string
	MaxOutputTokens int
	CompactionAuto  bool
}

// DeltaPacket is the non-stable context compiled into the dynamic tail.
type DeltaPacket struct {
	PreviousImplementerSummary string               `json:"previous_implementer_summary,omitempty"`
	PriorRequiredFixes         []string             `json:"prior_required_fixes,omitempty"`
	RetrievedFacts             []domain.SessionFact `json:"retrieved_facts,omitempty"`
}

// CompilePrompt builds the compiled prompt for a task, applying automatic
// compaction stages when the result overflows the configured budget.
func (m *Manager) CompilePrompt(req CompilePromptRequest) Response {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshots.Get(req.RunID)
	if snap == nil {
		return Response{Success: false, Message: ErrUnknownRun.Error()}
	}

	if strings.TrimSpace(req.TaskPrompt) == "" {
		return Response{Success: false, Message: ErrMissingTaskPrompt.Error()}
	}

	ingress, err := m.runHook(intercept.HookOnIngress, map[string]any{
		"runId": req.RunID, "role": string(req.Role), "taskId": req.TaskID, "taskPrompt": req.TaskPrompt,
	})
	if err != nil {
		return Response{Success: false, Message: err.Error()}
	}
	if ingress.Dropped {
		return Response{Success: true, Message: "dropped at on_ingress", Data: map[string]any{
			"nextAction": "dispatch_intercepted", "reasonCode": ingress.DropReasonCode,
		}}
	}
	if v, ok := ingress.Request.Payload["taskPrompt"].(string); ok && v != "" {
		req.TaskPrompt = v
	}

	guideKey := req.RunID + ":" + string(req.Role)
	guideMode := "full"
	if m.guideIssued[guideKey] {
		guideMode = "compact"
	}
	m.guideIssued[guideKey] = true

	delta := m.buildDeltaPacket(req, snap)
	deltaJSON, _ := json.Marshal(delta)

	stage := CompactionNone
	taskPrompt := req.TaskPrompt
	includeExamples := true
	compactionApplied := false

	var compiled struct {
		Text             string
		StablePrefixHash string
		FullPromptHash   string
	}

	templateID := prompt.TemplateIDFor(req.Role)
	const templateVersion = prompt.TemplateVersionV1

	tail := func() string {
		return buildDynamicTail(req.TaskID, req.MaxOutputTokens, string(deltaJSON), guideKey, guideMode, taskPrompt, includeExamples)
	}

	before, after := 0, 0

	for attempt := 0; attempt < 5; attempt++ {
		out, err := m.prompts.Compile(templateID, templateVersion, tail())
		if err != nil {
			return Response{Success: false, Message: err.Error()}
		}
		tokens := estimateTokens(out.Text, m.policy.CharsPerPromptToken)
		if attempt == 0 {
			before = tokens
		}
		after = tokens

		if tokens <= m.policy.PromptTokenBudget || !req.CompactionAuto {
			compiled.Text = out.Text
			compiled.StablePrefixHash = out.StablePrefixHash
			compiled.FullPromptHash = out.FullPromptHash
			break
		}

		compactionApplied = true
		switch stage {
		case CompactionNone:
			stage = CompactionExamplesDropped
			includeExamples = false
		case CompactionExamplesDropped:
			stage = CompactionTaskTrimmed
			taskPrompt = clipPrompt(taskPrompt, len(taskPrompt)/2)
		case CompactionTaskTrimmed:
			stage = CompactionDeltaReduced
			delta.RetrievedFacts = reduceFacts(delta.RetrievedFacts, m.policy.MaxFactTokens*m.policy.CharsPerPromptToken/2)
			deltaJSON, _ = json.Marshal(delta)
		default:
			stage = CompactionFloorReached
			compiled.Text = out.Text
			compiled.StablePrefixHash = out.StablePrefixHash
			compiled.FullPromptHash = out.FullPromptHash
		}

		if stage == CompactionFloorReached {
			break
		}
	}

	m.publishStateEvent(req.RunID, req.TaskID, domain.EventLLMRequest, map[string]any{
		"role":               string(req.Role),
		"compactionStage":    string(stage),
		"promptTokensBefore": before,
		"promptTokensAfter":  after,
	})
	if compactionApplied {
		m.metrics.ObserveCompaction(after < before)
	}

	cacheKey := compiled.StablePrefixHash
	preCache, err := m.runHook(intercept.HookOnSendPreCacheKey, map[string]any{
		"runId": req.RunID, "role": string(req.Role), "cacheKey": cacheKey,
	})
	if err != nil {
		return Response{Success: false, Message: err.Error()}
	}
	if preCache.Dropped {
		m.metrics.ObserveInterceptorDrop(preCache.DropReasonCode)
		return Response{Success: true, Message: "dropped at on_send_pre_cache_key", Data: map[string]any{
			"nextAction": "dispatch_intercepted", "reasonCode": preCache.DropReasonCode,
		}}
	}
	if v, ok := preCache.Request.Payload["cacheKey"].(string); ok && v != "" {
		cacheKey = v
	}

	return Response{Success: true, Message: "ok", Data: map[string]any{
		"prompt":             compiled.Text,
		"stablePrefixHash":   compiled.StablePrefixHash,
		"fullPromptHash":     compiled.FullPromptHash,
		"providerCacheKey":   cacheKey,
		"guideMode":          guideMode,
		"guideCacheKey":      guideKey,
		"deltaPacket":        delta,
		"compactionApplied":  compactionApplied,
		"compactionStage":    string(stage),
		"promptTokensBefore": before,
		"promptTokensAfter":  after,
		"promptTokenBudget":  m.policy.PromptTokenBudget,
	}}
}

func (m *Manager) buildDeltaPacket(req CompilePromptRequest, snap *domain.Snapshot) DeltaPacket {
	var delta DeltaPacket
	if req.Role == domain.Reviewer {
		delta.PreviousImplementerSummary = latestFact(snap, implementerSummaryKey(req.TaskID))
	}

	store := m.sessionStore(req.RunID)
	facts := session.Retrieve(store, session.Query{
		Description:   req.TaskPrompt,
		TaskID:        req.TaskID,
		MaxFacts:      m.policy.MaxFactsRetrieved,
		MaxTokens:     m.policy.MaxFactTokens,
		CharsPerToken: m.policy.CharsPerPromptToken,
	})
	delta.RetrievedFacts = facts
	return delta
}

func buildDynamicTail(taskID string, maxOutputTokens int, deltaJSON, guideKey, guideMode, taskPrompt string, includeExamples bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "task_id=%s\n", taskID)
	fmt.Fprintf(&b, "max_output_tokens=%d\n", maxOutputTokens)
	fmt.Fprintf(&b, "guide_cache_key=%s\n", guideKey)
	fmt.Fprintf(&b, "guide_mode=%s\n", guideMode)
	if !includeExamples {
		b.WriteString("examples=omitted\n")
	}
	fmt.Fprintf(&b, "delta=%s\n", deltaJSON)
	b.WriteString(taskPrompt)
	return b.String()
}

// reduceFacts applies the dispatch runtime's paired-turn compaction to the
// reviewer's retrieved-fact delta: each fact becomes its own unpaired unit.
// history.Reduce always keeps the last fact, then walks the rest in order
// and keeps each one that still fits the remaining character budget, so
// later-listed facts are the first to be left out, rather than clearing the
// whole set at once.
func reduceFacts(facts []domain.SessionFact, budget int) []domain.SessionFact {
	if len(facts) == 0 {
		return facts
	}
	messages := make([]history.Message, len(facts))
	for i, f := range facts {
		messages[i] = history.Message{Role: "fact", Content: fmt.Sprintf("%s|%s|%s", f.Subject, f.Relation, f.Object)}
	}
	reduced := history.Reduce(messages, history.Options{Budget: budget, KeepRecentN: 1})

	kept := make([]domain.SessionFact, 0, len(reduced))
	for i, m := range messages {
		for _, r := range reduced {
			if r == m {
				kept = append(kept, facts[i])
				break
			}
		}
	}
	return kept
}

func clipPrompt(s string, n int) string {
	if n < 0 {
		n = 0
	}
	if n >= len(s) {
		return s
	}
	return s[:n]
}

func (m *Manager) publishStateEvent(runID, stepID string, typ domain.EventType, payload map[string]any) {
	_, err := m.events.Publish(eventStreamDraft(runID, stepID, typ, payload, m.newID()))
	if err != nil {
		m.logger.Error("runtime: publish event failed", "run_id", runID, "type", typ, "error", err)
	}
}
