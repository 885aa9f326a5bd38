package complexity

import (
	"fmt"

	"github.com/madebymlai/spec-context-mcp/internal/domain"
)

// escalation is the fixed order resolve walks when the preferred tier's
// provider has no catalog entry for the requested role.
var escalation = []domain.ComplexityLevel{domain.ComplexitySimple, domain.ComplexityModerate, domain.ComplexityComplex}

// Table maps complexity level to canonical provider, with per-tier
// environment overrides applied at construction time.
type Table struct {
	byLevel map[domain.ComplexityLevel]domain.Provider
	catalog map[domain.Provider]map[domain.Role]domain.RoutingEntry
}

// DefaultOverrides returns the built-in defaults before any override is
// applied: simple -> codex, moderate/complex -> claude.
func DefaultOverrides() map[domain.ComplexityLevel]domain.Provider {
	return map[domain.ComplexityLevel]domain.Provider{
		domain.ComplexitySimple:   domain.ProviderCodex,
		domain.ComplexityModerate: domain.ProviderClaude,
		domain.ComplexityComplex:  domain.ProviderClaude,
	}
}

// NewTable builds a routing table from the resolved per-tier providers and
// a provider/role catalog. overrides take precedence over defaults; an
// override naming a provider absent from validProviders is fatal, per the
// "unknown provider name is fatal" rule.
func NewTable(overrides map[domain.ComplexityLevel]domain.Provider, catalog map[domain.Provider]map[domain.Role]domain.RoutingEntry, validProviders map[domain.Provider]bool) (*Table, error) {
	byLevel := DefaultOverrides()
	for level, provider := range overrides {
		if !validProviders[provider] {
			return nil, fmt.Errorf("complexity: unknown provider %q for tier %q", provider, level)
		}
		byLevel[level] = provider
	}
	return &Table{byLevel: byLevel, catalog: catalog}, nil
}

// Resolve walks the escalation order starting at level, returning the
// first routing entry whose provider has a non-empty catalog entry for
// role.
func (t *Table) Resolve(level domain.ComplexityLevel, role domain.Role) (domain.RoutingEntry, error) {
	start := 0
	for i, l := range escalation {
		if l == level {
			start = i
			break
		}
	}
	for _, l := range escalation[start:] {
		provider, ok := t.byLevel[l]
		if !ok {
			continue
		}
		entries, ok := t.catalog[provider]
		if !ok {
			continue
		}
		entry, ok := entries[role]
		if !ok || entry.Command == "" {
			continue
		}
		return entry, nil
	}
	return domain.RoutingEntry{}, fmt.Errorf("complexity: no provider in catalog for level %q role %q after escalation", level, role)
}
