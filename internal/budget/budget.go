// Package budget implements the budget guard: candidate filtering against
// cost policy, with an emergency-degrade path for interactive callers and
// a queueing path for non-interactive ones.
package budget

import (
	"github.com/madebymlai/spec-context-mcp/internal/domain"
)

const (
	ReasonMissingRequiredTag     = "missing_required_tag"
	ReasonDeniedTag              = "denied_tag"
	ReasonModelBudgetExceeded    = "model_budget_exceeded"
	ReasonProviderBudgetExceeded = "provider_budget_exceeded"
	ReasonEmergencyBudgetExceeded = "emergency_budget_exceeded"
	ReasonNonInteractiveQueue    = "non_interactive_queue"
	ReasonWithinBudget           = "within_budget"
	ReasonEmergencyModelAllowed  = "emergency_model_allowed"

	DefaultRetryAfterQueueSeconds = 900
	DefaultRetryAfterDenySeconds  = 3600
)

// Request is the minimal shape the guard needs from a dispatch request.
type Request struct {
	InputTokens  int
	OutputTokens int
	Interactive  bool
}

// FilterCandidates implements spec.md §4.7 verbatim.
func FilterCandidates(req Request, candidates []domain.BudgetCandidate, policy domain.BudgetPolicy, preferredModel string) domain.BudgetDecision {
	before := len(candidates)

	allowed := make(map[string]bool, len(policy.AllowedTags))
	for _, t := range policy.AllowedTags {
		allowed[t] = true
	}
	denied := make(map[string]bool, len(policy.DeniedTags))
	for _, t := range policy.DeniedTags {
		denied[t] = true
	}

	var reasons []string
	var survivors []domain.BudgetCandidate
	for _, c := range candidates {
		if len(allowed) > 0 && !anyTagIn(c.Tags, allowed) {
			reasons = appendUnique(reasons, ReasonMissingRequiredTag)
			continue
		}
		if anyTagIn(c.Tags, denied) {
			reasons = appendUnique(reasons, ReasonDeniedTag)
			continue
		}
		cost := estimateCost(req, c)
		if cap, ok := policy.PerModelCapUSD[c.ModelID]; ok && cost > cap {
			reasons = appendUnique(reasons, ReasonModelBudgetExceeded)
			continue
		}
		if policy.PerRequestCapUSD > 0 && cost > policy.PerRequestCapUSD {
			reasons = appendUnique(reasons, ReasonProviderBudgetExceeded)
			continue
		}
		survivors = append(survivors, c)
	}

	if len(survivors) > 0 {
		selected := survivors[0].ModelID
		for _, c := range survivors {
			if c.ModelID == preferredModel {
				selected = preferredModel
				break
			}
		}
		return domain.BudgetDecision{
			Decision:             domain.DecisionAllow,
			ReasonCodes:          append(reasons, ReasonWithinBudget),
			CandidateCountBefore: before,
			CandidateCountAfter:  len(survivors),
			SelectedModelID:      selected,
		}
	}

	if policy.AllowEmergencyDegrade && req.Interactive && policy.EmergencyModelID != "" {
		for _, c := range candidates {
			if c.ModelID != policy.EmergencyModelID {
				continue
			}
			cost := estimateCost(req, c)
			if cost <= policy.EmergencyCapUSD {
				return domain.BudgetDecision{
					Decision:             domain.DecisionDegrade,
					ReasonCodes:          append(reasons, ReasonEmergencyModelAllowed),
					CandidateCountBefore: before,
					CandidateCountAfter:  0,
					DegradedModelID:      c.ModelID,
				}
			}
			reasons = appendUnique(reasons, ReasonEmergencyBudgetExceeded)
		}
	}

	retryAfter := policy.RetryAfterSeconds
	if !req.Interactive {
		if retryAfter <= 0 {
			retryAfter = DefaultRetryAfterQueueSeconds
		}
		return domain.BudgetDecision{
			Decision:             domain.DecisionQueue,
			ReasonCodes:          append(reasons, ReasonNonInteractiveQueue),
			CandidateCountBefore: before,
			CandidateCountAfter:  0,
			RetryAfterSeconds:    retryAfter,
		}
	}

	denyRetry := DefaultRetryAfterDenySeconds
	return domain.BudgetDecision{
		Decision:             domain.DecisionDeny,
		ReasonCodes:          reasons,
		CandidateCountBefore: before,
		CandidateCountAfter:  0,
		RetryAfterSeconds:    denyRetry,
	}
}

func anyTagIn(tags []string, set map[string]bool) bool {
	for _, t := range tags {
		if set[t] {
			return true
		}
	}
	return false
}

func estimateCost(req Request, c domain.BudgetCandidate) float64 {
	return (float64(req.InputTokens)/1000.0)*c.InputCostPer1K + (float64(req.OutputTokens)/1000.0)*c.OutputCostPer1K
}

func appendUnique(reasons []string, reason string) []string {
	for _, r := range reasons {
		if r == reason {
			return reasons
		}
	}
	return append(reasons, reason)
}
