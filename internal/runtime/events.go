package runtime

import (
	"github.com/madebymlai/spec-context-mcp/internal/domain"
	"github.com/madebymlai/spec-context-mcp/internal/eventstream"
)

func eventStreamDraft(runID, stepID string, typ domain.EventType, payload map[string]any, idempSuffix string) eventstream.Draft {
	return eventstream.Draft{
		IdempotencyKey: string(typ) + ":" + runID + ":" + stepID + ":" + idempSuffix,
		PartitionKey:   runID,
		RunID:          runID,
		StepID:         stepID,
		Type:           typ,
		Payload:        payload,
	}
}
