// Package projector implements the pure state-projection function: given a
// previous snapshot and an event, it derives the next snapshot update. It
// never touches the filesystem and never panics — projection is total.
package projector

import (
	"encoding/json"
	"strings"

	"github.com/madebymlai/spec-context-mcp/internal/domain"
)

// Project derives a snapshot.Update (see internal/snapshot) from prev and
// event. Callers feed the result into the snapshot store's Upsert.
func Project(prev *domain.Snapshot, event domain.Envelope) ProjectedUpdate {
	status := deriveStatus(event, prev)

	factValue, _ := json.Marshal(event.Payload)
	fact := domain.Fact{
		K:          "event:" + strings.ToLower(string(event.Type)),
		V:          string(factValue),
		Confidence: 1,
	}

	pending := []domain.PendingWrite{{
		Channel: "runtime-events",
		TaskID:  event.StepID,
		Value:   event.Payload,
	}}

	return ProjectedUpdate{
		RunID:  event.RunID,
		Status: status,
		Facts:  []domain.Fact{fact},
		Pending: pending,
		AppliedOffset: domain.AppliedOffset{
			PartitionKey: event.PartitionKey,
			Sequence:     event.Sequence,
		},
	}
}

// ProjectedUpdate is the pure output of Project; the runtime manager maps
// it onto snapshot.Update before calling the store.
type ProjectedUpdate struct {
	RunID         string
	Status        domain.RunStatus
	Facts         []domain.Fact
	Pending       []domain.PendingWrite
	AppliedOffset domain.AppliedOffset
}

func deriveStatus(event domain.Envelope, prev *domain.Snapshot) domain.RunStatus {
	switch event.Type {
	case domain.EventError:
		return domain.RunFailed
	case domain.EventBudgetDecision:
		if decision, _ := event.Payload["decision"].(string); decision == string(domain.DecisionDeny) {
			return domain.RunBlocked
		}
		return domain.RunRunning
	case domain.EventLLMResponse:
		return domain.RunDone
	default:
		if prev != nil && prev.Status != "" {
			return domain.RunRunning
		}
		return domain.RunRunning
	}
}
