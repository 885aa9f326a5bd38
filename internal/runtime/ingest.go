package runtime

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/madebymlai/spec-context-mcp/internal/cost"
	"github.com/madebymlai/spec-context-mcp/internal/domain"
	"github.com/madebymlai/spec-context-mcp/internal/projector"
	"github.com/madebymlai/spec-context-mcp/internal/schema"
	"github.com/madebymlai/spec-context-mcp/internal/session"
	"github.com/madebymlai/spec-context-mcp/internal/snapshot"
)

const (
	beginMarker = "BEGIN_DISPATCH_RESULT"
	endMarker   = "END_DISPATCH_RESULT"
)

// IngestOutputRequest is the input to IngestOutput.
type IngestOutputRequest struct {
	RunID           string
	Role            domain.Role
	TaskID          string
	ProjectPath     string
	OutputContent   string
	OutputFilePath  string
	MaxOutputTokens int
}

func (m *Manager) resolveOutput(req IngestOutputRequest) (string, error) {
	if strings.TrimSpace(req.OutputContent) != "" {
		return req.OutputContent, nil
	}
	path := req.OutputFilePath
	if !filepath.IsAbs(path) {
		path = filepath.Join(req.ProjectPath, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func extractContract(raw string) (string, bool) {
	lines := strings.Split(raw, "\n")
	start, end := -1, -1
	for i, line := range lines {
		if strings.TrimSpace(line) == beginMarker {
			start = i
		}
		if strings.TrimSpace(line) == endMarker {
			end = i
			break
		}
	}
	if start == -1 || end == -1 || end <= start {
		return "", false
	}
	return strings.Join(lines[start+1:end], "\n"), true
}

func schemaRetryKey(role domain.Role, taskID string) string {
	return fmt.Sprintf("schema_invalid_retries:%s:%s", role, taskID)
}

func implementerSummaryKey(taskID string) string {
	return "implementer_summary:" + taskID
}

func (m *Manager) factInt(snap *domain.Snapshot, key string) int {
	for i := len(snap.Facts) - 1; i >= 0; i-- {
		if snap.Facts[i].K == key {
			var n int
			fmt.Sscanf(snap.Facts[i].V, "%d", &n)
			return n
		}
	}
	return 0
}

func latestFact(snap *domain.Snapshot, key string) string {
	for i := len(snap.Facts) - 1; i >= 0; i-- {
		if snap.Facts[i].K == key {
			return snap.Facts[i].V
		}
	}
	return ""
}

// IngestOutput parses the dispatch output for (runID, role, taskID),
// validates it against the role's schema, projects it into the snapshot,
// extracts session facts, and decides the next action.
func (m *Manager) IngestOutput(req IngestOutputRequest) Response {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshots.Get(req.RunID)
	if snap == nil {
		return Response{Success: false, Message: ErrUnknownRun.Error()}
	}

	raw, err := m.resolveOutput(req)
	if err != nil {
		return Response{Success: false, Message: ErrDispatchOutputMissing.Error()}
	}
	contractJSON, ok := extractContract(raw)
	if !ok || strings.TrimSpace(contractJSON) == "" {
		return Response{Success: false, Message: ErrDispatchOutputMissing.Error()}
	}

	typ := schema.TypeDispatchResultImplementer
	if req.Role == domain.Reviewer {
		typ = schema.TypeDispatchResultReviewer
	}

	if schemaErr := m.schemas.Assert(typ, json.RawMessage(contractJSON)); schemaErr != nil {
		retryKey := schemaRetryKey(req.Role, req.TaskID)
		prior := m.factInt(snap, retryKey)
		retryCount := prior + 1

		m.snapshots.Upsert(snapshot.Update{
			RunID: req.RunID,
			Facts: []domain.Fact{{K: retryKey, V: fmt.Sprintf("%d", retryCount), Confidence: 1}},
		})

		if retryCount >= 2 {
			m.snapshots.Upsert(snapshot.Update{RunID: req.RunID, Status: domain.RunFailed})
			return Response{Success: true, Message: "halt_schema_invalid_terminal", Data: map[string]any{
				"nextAction": "halt_schema_invalid_terminal", "retryCount": retryCount,
			}}
		}
		return Response{Success: true, Message: "retry_once_schema_invalid", Data: map[string]any{
			"nextAction": "retry_once_schema_invalid", "retryCount": retryCount,
		}}
	}

	usage := cost.ExtractTokenUsage(raw, "")
	if req.MaxOutputTokens > 0 && usage.Output > req.MaxOutputTokens {
		return Response{Success: false, Message: ErrOutputTokenBudgetExceeded.Error()}
	}

	m.snapshots.Upsert(snapshot.Update{
		RunID: req.RunID,
		Facts: []domain.Fact{{K: tokenUsageKey(req.Role, req.TaskID), V: fmt.Sprintf("%d,%d", usage.Input, usage.Output), Confidence: 1}},
	})

	if req.Role == domain.Implementer {
		return m.ingestImplementer(req, snap, contractJSON)
	}
	return m.ingestReviewer(req, snap, contractJSON)
}

func tokenUsageKey(role domain.Role, taskID string) string {
	return fmt.Sprintf("token_usage:%s:%s", role, taskID)
}

func (m *Manager) ingestImplementer(req IngestOutputRequest, snap *domain.Snapshot, contractJSON string) Response {
	var result domain.ImplementerResult
	_ = json.Unmarshal([]byte(contractJSON), &result)

	event, _ := m.events.Publish(eventStreamDraft(req.RunID, req.TaskID, domain.EventLLMResponse, map[string]any{
		"role": string(domain.Implementer), "status": result.Status,
	}, m.newID()))

	update := projector.Project(snap, event)
	m.applyProjection(req.RunID, update)

	m.snapshots.Upsert(snapshot.Update{
		RunID: req.RunID,
		Facts: []domain.Fact{{
			K:          implementerSummaryKey(req.TaskID),
			V:          result.Summary,
			Confidence: 1,
		}},
	})

	facts := session.ExtractImplementerFacts(req.TaskID, result, m.clock())
	m.sessionStore(req.RunID).Add(facts)

	var runStatus domain.RunStatus
	var nextAction string
	switch result.Status {
	case "blocked":
		runStatus = domain.RunBlocked
		nextAction = "retry_implementer_with_constraints"
	case "failed":
		runStatus = domain.RunFailed
		nextAction = "retry_implementer"
	default:
		runStatus = domain.RunRunning
		nextAction = "dispatch_reviewer"
	}
	newSnap := m.snapshots.Upsert(snapshot.Update{RunID: req.RunID, Status: runStatus})

	return Response{Success: true, Message: "ok", Data: map[string]any{
		"nextAction": nextAction,
		"status":     string(newSnap.Status),
	}}
}

func (m *Manager) ingestReviewer(req IngestOutputRequest, snap *domain.Snapshot, contractJSON string) Response {
	var result domain.ReviewerResult
	_ = json.Unmarshal([]byte(contractJSON), &result)

	_, _ = m.events.Publish(eventStreamDraft(req.RunID, req.TaskID, domain.EventLLMResponse, map[string]any{
		"role": string(domain.Reviewer), "assessment": result.Assessment,
	}, m.newID()))

	var status domain.RunStatus
	var nextAction string
	switch result.Assessment {
	case "approved":
		status = domain.RunDone
		nextAction = "finalize_task"
	case "needs_changes":
		status = domain.RunBlocked
		nextAction = "dispatch_implementer_fixes"
	default:
		status = domain.RunBlocked
		nextAction = "halt_reviewer_blocked"
	}

	newSnap := m.snapshots.Upsert(snapshot.Update{RunID: req.RunID, Status: status})

	facts := session.ExtractReviewerFacts(req.TaskID, result, m.clock())
	m.sessionStore(req.RunID).Add(facts)

	if nextAction == "dispatch_implementer_fixes" {
		loopKey := fmt.Sprintf("review_loop_count:%s", req.TaskID)
		count := m.factInt(newSnap, loopKey) + 1
		m.snapshots.Upsert(snapshot.Update{
			RunID: req.RunID,
			Facts: []domain.Fact{{K: loopKey, V: fmt.Sprintf("%d", count), Confidence: 1}},
		})
		if count > m.policy.ReviewLoopThreshold {
			m.snapshots.Upsert(snapshot.Update{RunID: req.RunID, Status: domain.RunFailed})
			nextAction = "halt_review_loop"
		}

		stalledKey := fmt.Sprintf("stalled_attempts:%s", req.TaskID)
		attempts := m.factInt(newSnap, stalledKey) + 1
		m.snapshots.Upsert(snapshot.Update{
			RunID: req.RunID,
			Facts: []domain.Fact{{K: stalledKey, V: fmt.Sprintf("%d", attempts), Confidence: 1}},
		})
		if attempts > m.policy.StalledThreshold {
			nextAction = "halt_stalled"
		}
	}

	return Response{Success: true, Message: "ok", Data: map[string]any{
		"nextAction": nextAction,
		"status":     string(status),
	}}
}

func (m *Manager) applyProjection(runID string, update projector.ProjectedUpdate) *domain.Snapshot {
	return m.snapshots.Upsert(snapshot.Update{
		RunID:          runID,
		Status:         update.Status,
		Facts:          update.Facts,
		PendingWrites:  update.Pending,
		AppliedOffsets: []domain.AppliedOffset{update.AppliedOffset},
	})
}
