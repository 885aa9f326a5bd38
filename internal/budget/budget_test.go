package budget

import (
	"testing"

	"github.com/madebymlai/spec-context-mcp/internal/domain"
	"github.com/stretchr/testify/require"
)

func samplePolicy() domain.BudgetPolicy {
	return domain.BudgetPolicy{
		PerRequestCapUSD: 1.0,
		PerModelCapUSD:   map[string]float64{"big": 0.01},
		EmergencyModelID: "cheap",
		EmergencyCapUSD:  1.0,
		AllowEmergencyDegrade: true,
		RetryAfterSeconds: 120,
	}
}

func TestFilterCandidatesAllowsPreferredModel(t *testing.T) {
	candidates := []domain.BudgetCandidate{
		{ModelID: "a", InputCostPer1K: 0.001, OutputCostPer1K: 0.001},
		{ModelID: "b", InputCostPer1K: 0.001, OutputCostPer1K: 0.001},
	}
	decision := FilterCandidates(Request{InputTokens: 100, OutputTokens: 100, Interactive: true}, candidates, samplePolicy(), "b")
	require.Equal(t, domain.DecisionAllow, decision.Decision)
	require.Equal(t, "b", decision.SelectedModelID)
	require.Contains(t, decision.ReasonCodes, ReasonWithinBudget)
}

func TestFilterCandidatesRequiresTag(t *testing.T) {
	policy := samplePolicy()
	policy.AllowedTags = []string{"fast"}
	candidates := []domain.BudgetCandidate{
		{ModelID: "a", Tags: []string{"slow"}},
	}
	decision := FilterCandidates(Request{Interactive: true}, candidates, policy, "")
	require.Equal(t, domain.DecisionDeny, decision.Decision)
	require.Contains(t, decision.ReasonCodes, ReasonMissingRequiredTag)
}

func TestFilterCandidatesExcludesDeniedTag(t *testing.T) {
	policy := samplePolicy()
	policy.DeniedTags = []string{"beta"}
	candidates := []domain.BudgetCandidate{
		{ModelID: "a", Tags: []string{"beta"}},
	}
	decision := FilterCandidates(Request{Interactive: true}, candidates, policy, "")
	require.Contains(t, decision.ReasonCodes, ReasonDeniedTag)
}

func TestFilterCandidatesModelCapExceeded(t *testing.T) {
	candidates := []domain.BudgetCandidate{
		{ModelID: "big", InputCostPer1K: 10, OutputCostPer1K: 10},
	}
	decision := FilterCandidates(Request{InputTokens: 1000, OutputTokens: 1000, Interactive: true}, candidates, samplePolicy(), "")
	require.Contains(t, decision.ReasonCodes, ReasonModelBudgetExceeded)
}

func TestFilterCandidatesDegradesWhenEmergencyAllowedAndInteractive(t *testing.T) {
	policy := samplePolicy()
	// cheap costs 0.0002 here: over the per-request cap, so no candidate
	// survives filtering, but within the emergency cap.
	policy.PerRequestCapUSD = 0.0001
	candidates := []domain.BudgetCandidate{
		{ModelID: "big", InputCostPer1K: 10, OutputCostPer1K: 10},
		{ModelID: "cheap", InputCostPer1K: 0.0001, OutputCostPer1K: 0.0001},
	}
	decision := FilterCandidates(Request{InputTokens: 1000, OutputTokens: 1000, Interactive: true}, candidates, policy, "")
	require.Equal(t, domain.DecisionDegrade, decision.Decision)
	require.Equal(t, "cheap", decision.DegradedModelID)
	require.Contains(t, decision.ReasonCodes, ReasonEmergencyModelAllowed)
}

func TestFilterCandidatesQueuesNonInteractive(t *testing.T) {
	policy := samplePolicy()
	policy.AllowEmergencyDegrade = false
	candidates := []domain.BudgetCandidate{
		{ModelID: "big", InputCostPer1K: 10, OutputCostPer1K: 10},
	}
	decision := FilterCandidates(Request{InputTokens: 1000, OutputTokens: 1000, Interactive: false}, candidates, policy, "")
	require.Equal(t, domain.DecisionQueue, decision.Decision)
	require.Contains(t, decision.ReasonCodes, ReasonNonInteractiveQueue)
	require.Equal(t, 120, decision.RetryAfterSeconds)
}

func TestFilterCandidatesDeniesWhenNoEmergencyPath(t *testing.T) {
	policy := samplePolicy()
	policy.AllowEmergencyDegrade = false
	candidates := []domain.BudgetCandidate{
		{ModelID: "big", InputCostPer1K: 10, OutputCostPer1K: 10},
	}
	decision := FilterCandidates(Request{InputTokens: 1000, OutputTokens: 1000, Interactive: true}, candidates, policy, "")
	require.Equal(t, domain.DecisionDeny, decision.Decision)
}
