package runtime

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/madebymlai/spec-context-mcp/internal/domain"
)

func TestCompilePromptMissingRunFails(t *testing.T) {
	h := newHarness(t, nil)
	resp := h.mgr.CompilePrompt(CompilePromptRequest{RunID: "nope", Role: domain.Implementer, TaskID: "t1", TaskPrompt: "hi"})
	require.False(t, resp.Success)
	require.Equal(t, ErrUnknownRun.Error(), resp.Message)
}

func TestCompilePromptRequiresTaskPrompt(t *testing.T) {
	h := newHarness(t, nil)
	h.initRun(t, "run-1", "task-1")

	resp := h.mgr.CompilePrompt(CompilePromptRequest{RunID: "run-1", Role: domain.Implementer, TaskID: "task-1", TaskPrompt: "   "})
	require.False(t, resp.Success)
	require.Equal(t, ErrMissingTaskPrompt.Error(), resp.Message)
}

// TestCompactionPreservesStablePrefixHash mirrors the compile-time
// compaction scenario: a baseline-sized prompt fits without compaction; an
// oversized one triggers a compaction stage. Both share the same stable
// prefix hash even though their full prompt hashes diverge.
func TestCompactionPreservesStablePrefixHash(t *testing.T) {
	h := newHarness(t, nil)
	h.initRun(t, "run-1", "task-1")
	h.mgr.policy.PromptTokenBudget = 100000

	baseline := h.mgr.CompilePrompt(CompilePromptRequest{
		RunID: "run-1", Role: domain.Implementer, TaskID: "task-1",
		TaskPrompt: "a short task", MaxOutputTokens: 500,
	})
	require.True(t, baseline.Success)
	require.False(t, baseline.Data["compactionApplied"].(bool))

	h2 := newHarness(t, nil)
	h2.initRun(t, "run-1", "task-1")
	h2.mgr.policy.PromptTokenBudget = 50

	oversized := h2.mgr.CompilePrompt(CompilePromptRequest{
		RunID: "run-1", Role: domain.Implementer, TaskID: "task-1",
		TaskPrompt:     strings.Repeat("this task prompt is long enough to overflow the budget ", 50),
		MaxOutputTokens: 500,
		CompactionAuto:  true,
	})
	require.True(t, oversized.Success)
	require.True(t, oversized.Data["compactionApplied"].(bool))
	require.NotEqual(t, string(CompactionNone), oversized.Data["compactionStage"].(string))

	require.Equal(t, baseline.Data["stablePrefixHash"], oversized.Data["stablePrefixHash"])
	require.NotEqual(t, baseline.Data["fullPromptHash"], oversized.Data["fullPromptHash"])
}

func TestBuildDeltaPacketCarriesPreviousImplementerSummary(t *testing.T) {
	h := newHarness(t, nil)
	h.initRun(t, "run-1", "task-1")

	h.mgr.snapshots.Upsert(snapshotUpdateFact("run-1", implementerSummaryKey("task-1"), "fixed the widget"))

	resp := h.mgr.CompilePrompt(CompilePromptRequest{
		RunID: "run-1", Role: domain.Reviewer, TaskID: "task-1",
		TaskPrompt: "review the widget change", MaxOutputTokens: 500,
	})
	require.True(t, resp.Success)
	delta := resp.Data["deltaPacket"].(DeltaPacket)
	require.Equal(t, "fixed the widget", delta.PreviousImplementerSummary)
}

func TestCompilePromptSecondCallUsesCompactGuideMode(t *testing.T) {
	h := newHarness(t, nil)
	h.initRun(t, "run-1", "task-1")

	first := h.mgr.CompilePrompt(CompilePromptRequest{RunID: "run-1", Role: domain.Implementer, TaskID: "task-1", TaskPrompt: "do it"})
	require.Equal(t, "full", first.Data["guideMode"])

	second := h.mgr.CompilePrompt(CompilePromptRequest{RunID: "run-1", Role: domain.Implementer, TaskID: "task-1", TaskPrompt: "do it again"})
	require.Equal(t, "compact", second.Data["guideMode"])
}
