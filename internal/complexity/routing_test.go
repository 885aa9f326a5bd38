package complexity

import (
	"testing"

	"github.com/madebymlai/spec-context-mcp/internal/domain"
	"github.com/stretchr/testify/require"
)

func sampleCatalog() map[domain.Provider]map[domain.Role]domain.RoutingEntry {
	return map[domain.Provider]map[domain.Role]domain.RoutingEntry{
		domain.ProviderCodex: {
			domain.Implementer: {Provider: domain.ProviderCodex, Role: domain.Implementer, Command: "codex"},
		},
		domain.ProviderClaude: {
			domain.Implementer: {Provider: domain.ProviderClaude, Role: domain.Implementer, Command: "claude"},
			domain.Reviewer:    {Provider: domain.ProviderClaude, Role: domain.Reviewer, Command: "claude"},
		},
	}
}

func TestNewTableRejectsUnknownProviderOverride(t *testing.T) {
	_, err := NewTable(
		map[domain.ComplexityLevel]domain.Provider{domain.ComplexitySimple: "nonexistent"},
		sampleCatalog(),
		map[domain.Provider]bool{domain.ProviderCodex: true, domain.ProviderClaude: true},
	)
	require.Error(t, err)
}

func TestResolveUsesDefaultForSimple(t *testing.T) {
	table, err := NewTable(nil, sampleCatalog(), map[domain.Provider]bool{domain.ProviderCodex: true, domain.ProviderClaude: true})
	require.NoError(t, err)
	entry, err := table.Resolve(domain.ComplexitySimple, domain.Implementer)
	require.NoError(t, err)
	require.Equal(t, domain.ProviderCodex, entry.Provider)
}

func TestResolveEscalatesWhenProviderMissingRoleEntry(t *testing.T) {
	catalog := sampleCatalog()
	// codex has no reviewer entry, so a simple-tier reviewer request
	// should escalate to claude per the catalog.
	table, err := NewTable(nil, catalog, map[domain.Provider]bool{domain.ProviderCodex: true, domain.ProviderClaude: true})
	require.NoError(t, err)
	entry, err := table.Resolve(domain.ComplexitySimple, domain.Reviewer)
	require.NoError(t, err)
	require.Equal(t, domain.ProviderClaude, entry.Provider)
}

func TestResolveRaisesWhenNoProviderSatisfiesRole(t *testing.T) {
	table, err := NewTable(nil, map[domain.Provider]map[domain.Role]domain.RoutingEntry{}, map[domain.Provider]bool{domain.ProviderCodex: true, domain.ProviderClaude: true})
	require.NoError(t, err)
	_, err = table.Resolve(domain.ComplexitySimple, domain.Implementer)
	require.Error(t, err)
}
