package complexity

import (
	"testing"

	"github.com/madebymlai/spec-context-mcp/internal/domain"
	"github.com/stretchr/testify/require"
)

func TestClassifyEmptyDescriptionIsComplexZeroConfidence(t *testing.T) {
	res := Classify(Request{Description: ""})
	require.Equal(t, domain.ComplexityComplex, res.Level)
	require.Equal(t, 0.0, res.Confidence)
}

func TestClassifySimpleRenameIsSimple(t *testing.T) {
	res := Classify(Request{Description: "rename the helper function", FileCount: 1, ScopeHint: "single-file"})
	require.Equal(t, domain.ComplexitySimple, res.Level)
}

func TestClassifyRefactorIsComplex(t *testing.T) {
	res := Classify(Request{Description: "refactor the cross-module dispatch pipeline to a new interface", FileCount: 5, ScopeHint: "cross-module"})
	require.Equal(t, domain.ComplexityComplex, res.Level)
}

func TestClassifyHintsOverridePerKey(t *testing.T) {
	res := Classify(Request{Description: "do a thing", Hints: map[string]string{"author": "complex"}})
	require.Contains(t, res.Features, "hint:author=complex")
}

func TestClassifyConfidenceCapsAtOne(t *testing.T) {
	res := Classify(Request{
		Description: "refactor architect redesign new interface cross-module implement integrate",
		FileCount:   10,
		ScopeHint:   "cross-module",
	})
	require.LessOrEqual(t, res.Confidence, 1.0)
}
