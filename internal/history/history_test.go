package history

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReduceKeepsRecentTurns(t *testing.T) {
	msgs := []Message{
		{Role: "user", Content: "turn 1"},
		{Role: "assistant", Content: "turn 2"},
		{Role: "user", Content: "turn 3"},
	}
	out := Reduce(msgs, Options{Budget: 6, KeepRecentN: 1})
	require.Len(t, out, 1)
	require.Equal(t, "turn 3", out[0].Content)
}

func TestReducePreservesCompletePairs(t *testing.T) {
	msgs := []Message{
		{Role: "assistant", Content: "call the tool", PairID: "p1", Kind: RoleCall},
		{Role: "tool", Content: "tool result", PairID: "p1", Kind: RoleResult},
		{Role: "user", Content: "latest"},
	}
	out := Reduce(msgs, Options{Budget: 1000, KeepRecentN: 1})

	var hasCall, hasResult bool
	for _, m := range out {
		if m.PairID == "p1" && m.Kind == RoleCall {
			hasCall = true
		}
		if m.PairID == "p1" && m.Kind == RoleResult {
			hasResult = true
		}
	}
	require.Equal(t, hasCall, hasResult, "pair must be kept or dropped together")
}

func TestReduceDropsOldestPairUnderTightBudget(t *testing.T) {
	msgs := []Message{
		{Role: "assistant", Content: "aaaaaaaaaa", PairID: "p1", Kind: RoleCall},
		{Role: "tool", Content: "bbbbbbbbbb", PairID: "p1", Kind: RoleResult},
		{Role: "user", Content: "c"},
	}
	out := Reduce(msgs, Options{Budget: 5, KeepRecentN: 1})
	require.Len(t, out, 1)
	require.Equal(t, "c", out[0].Content)
}

func TestMaskObservationClipsLongResults(t *testing.T) {
	msgs := []Message{
		{Role: "tool", Content: strings.Repeat("x", 500), PairID: "p1", Kind: RoleResult},
		{Role: "assistant", Content: "call", PairID: "p1", Kind: RoleCall},
	}
	out := Reduce(msgs, Options{
		Budget:      10000,
		KeepRecentN: 2,
		Mask:        MaskOptions{Enabled: true, Floor: 10, Ceiling: 50, Digest: true},
	})
	for _, m := range out {
		if m.Kind == RoleResult {
			require.LessOrEqual(t, len(m.Content), 50+len(" …[truncated]"))
		}
	}
}

func TestReducePreservesOriginalOrder(t *testing.T) {
	msgs := []Message{
		{Role: "user", Content: "1"},
		{Role: "user", Content: "2"},
		{Role: "user", Content: "3"},
	}
	out := Reduce(msgs, Options{Budget: 1000, KeepRecentN: 3})
	require.Equal(t, []string{"1", "2", "3"}, []string{out[0].Content, out[1].Content, out[2].Content})
}
