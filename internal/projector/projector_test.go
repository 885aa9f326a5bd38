package projector

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/madebymlai/spec-context-mcp/internal/domain"
)

func TestProjectDerivesStatusPerEventType(t *testing.T) {
	cases := []struct {
		name   string
		event  domain.Envelope
		want   domain.RunStatus
	}{
		{"error", domain.Envelope{Type: domain.EventError}, domain.RunFailed},
		{"budget deny", domain.Envelope{Type: domain.EventBudgetDecision, Payload: map[string]any{"decision": "deny"}}, domain.RunBlocked},
		{"budget allow", domain.Envelope{Type: domain.EventBudgetDecision, Payload: map[string]any{"decision": "allow"}}, domain.RunRunning},
		{"llm response", domain.Envelope{Type: domain.EventLLMResponse}, domain.RunDone},
		{"state delta", domain.Envelope{Type: domain.EventStateDelta}, domain.RunRunning},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Project(nil, tc.event)
			require.Equal(t, tc.want, got.Status)
		})
	}
}

func TestProjectAppendsEventFact(t *testing.T) {
	event := domain.Envelope{
		Type:    domain.EventLLMRequest,
		Payload: map[string]any{"foo": "bar"},
	}
	got := Project(nil, event)
	require.Len(t, got.Facts, 1)
	require.Equal(t, "event:llm_request", got.Facts[0].K)
	require.Equal(t, float64(1), got.Facts[0].Confidence)
}

func TestProjectAppliedOffset(t *testing.T) {
	event := domain.Envelope{PartitionKey: "run-1", Sequence: 7, Type: domain.EventStateDelta}
	got := Project(nil, event)
	require.Equal(t, domain.AppliedOffset{PartitionKey: "run-1", Sequence: 7}, got.AppliedOffset)
}

func TestProjectNeverPanicsOnNilPayload(t *testing.T) {
	require.NotPanics(t, func() {
		Project(nil, domain.Envelope{Type: domain.EventError, Payload: nil})
	})
}
