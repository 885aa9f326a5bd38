package prompt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompileOrdersSegmentsCanonically(t *testing.T) {
	reg := NewRegistry()
	reg.Register("t", "v1", []Segment{
		{Kind: KindExamples, Stable: true, Text: "examples"},
		{Kind: KindSystem, Stable: true, Text: "system"},
		{Kind: KindTools, Stable: true, Text: "tools"},
	})

	compiled, err := reg.Compile("t", "v1", "")
	require.NoError(t, err)
	require.Equal(t, "tools\n\nsystem\n\nexamples", compiled.Text)
}

func TestStablePrefixHashInvariantUnderDynamicTail(t *testing.T) {
	reg := NewRegistry()
	reg.Register("t", "v1", []Segment{
		{Kind: KindSystem, Stable: true, Text: "system"},
	})

	a, err := reg.Compile("t", "v1", "tail one")
	require.NoError(t, err)
	b, err := reg.Compile("t", "v1", "a completely different tail with more words")
	require.NoError(t, err)

	require.Equal(t, a.StablePrefixHash, b.StablePrefixHash)
	require.NotEqual(t, a.FullPromptHash, b.FullPromptHash)
}

func TestCompileUnregisteredTemplateErrors(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Compile("missing", "v1", "")
	require.Error(t, err)
}

func TestUnknownKindSortsLast(t *testing.T) {
	reg := NewRegistry()
	reg.Register("t", "v1", []Segment{
		{Kind: "custom", Stable: true, Text: "custom"},
		{Kind: KindTools, Stable: true, Text: "tools"},
	})
	compiled, err := reg.Compile("t", "v1", "")
	require.NoError(t, err)
	require.Equal(t, "tools\n\ncustom", compiled.Text)
}

func TestCacheKeyStableAcrossTailChanges(t *testing.T) {
	head := []Message{{Role: "system", Content: "sys"}}
	k1 := CacheKey(CacheKeyInputs{Model: "m", Head: head, Tail: []Message{{Role: "user", Content: "one"}}})
	k2 := CacheKey(CacheKeyInputs{Model: "m", Head: head, Tail: []Message{{Role: "user", Content: "two"}}})
	require.NotEqual(t, k1, k2)

	p1 := PrefixHash(CacheKeyInputs{Model: "m", Head: head})
	p2 := PrefixHash(CacheKeyInputs{Model: "m", Head: head})
	require.Equal(t, p1, p2, "prefix hash must not depend on tail")
}

func TestBuildRegistryCompilesBothRoles(t *testing.T) {
	reg := BuildRegistry()
	for _, id := range []string{"dispatch.implementer", "dispatch.reviewer"} {
		compiled, err := reg.Compile(id, TemplateVersionV1, "dynamic tail")
		require.NoError(t, err)
		require.Contains(t, compiled.Text, "BEGIN_DISPATCH_RESULT")
		require.Contains(t, compiled.Text, "dynamic tail")
	}
}
