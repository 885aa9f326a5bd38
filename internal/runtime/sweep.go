package runtime

import (
	"context"
	"strconv"
	"strings"

	"github.com/madebymlai/spec-context-mcp/internal/domain"
	"github.com/madebymlai/spec-context-mcp/internal/snapshot"
)

// Sweep re-evaluates the review-loop and stalled-task guards across every
// non-terminal run. ingestReviewer already applies these guards inline on
// each reviewer turn; Sweep exists for the tick scheduler, which calls it
// on a timer so a run nobody has dispatched into since crossing a
// threshold still gets halted rather than sitting running forever.
func (m *Manager) Sweep(ctx context.Context) Response {
	m.mu.Lock()
	defer m.mu.Unlock()

	var swept []string
	for _, snap := range m.snapshots.List() {
		if snap.Status != domain.RunRunning && snap.Status != domain.RunBlocked {
			continue
		}
		if err := ctx.Err(); err != nil {
			return Response{Success: false, Message: err.Error()}
		}
		if m.sweepRun(snap) {
			swept = append(swept, snap.RunID)
		}
	}
	return Response{Success: true, Message: "ok", Data: map[string]any{"swept": swept}}
}

// sweepRun halts snap's run if any task has already crossed the review-loop
// or stalled-attempt threshold recorded in its facts, and reports whether it
// did so.
func (m *Manager) sweepRun(snap *domain.Snapshot) bool {
	haltedTasks := map[string]string{}
	for _, fact := range snap.Facts {
		switch {
		case strings.HasPrefix(fact.K, "review_loop_count:"):
			taskID := strings.TrimPrefix(fact.K, "review_loop_count:")
			if n, _ := strconv.Atoi(fact.V); n > m.policy.ReviewLoopThreshold {
				haltedTasks[taskID] = "halt_review_loop"
			}
		case strings.HasPrefix(fact.K, "stalled_attempts:"):
			taskID := strings.TrimPrefix(fact.K, "stalled_attempts:")
			if n, _ := strconv.Atoi(fact.V); n > m.policy.StalledThreshold {
				if _, already := haltedTasks[taskID]; !already {
					haltedTasks[taskID] = "halt_stalled"
				}
			}
		}
	}
	if len(haltedTasks) == 0 {
		return false
	}

	m.snapshots.Upsert(snapshot.Update{RunID: snap.RunID, Status: domain.RunFailed})
	for taskID, reason := range haltedTasks {
		_, _ = m.events.Publish(eventStreamDraft(snap.RunID, taskID, domain.EventStateDelta, map[string]any{
			"action": reason, "source": "sweep",
		}, m.newID()))
	}
	return true
}
