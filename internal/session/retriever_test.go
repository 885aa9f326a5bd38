package session

import (
	"testing"
	"time"

	"github.com/madebymlai/spec-context-mcp/internal/domain"
	"github.com/stretchr/testify/require"
)

func TestRetrieveScoresByTokenOverlap(t *testing.T) {
	s := NewStore(Options{})
	s.Add([]domain.SessionFact{
		validFact("auth.go", "modified_by", "task:1", "1", time.Now()),
		validFact("unrelated.go", "modified_by", "task:2", "2", time.Now()),
	})

	out := Retrieve(s, Query{Description: "fix the auth module", TaskID: "current", MaxFacts: 5})
	require.NotEmpty(t, out)
	require.Equal(t, "auth.go", out[0].Subject)
}

func TestRetrieveExcludesSelfSourceTask(t *testing.T) {
	s := NewStore(Options{})
	s.Add([]domain.SessionFact{validFact("auth.go", "modified_by", "task:1", "current", time.Now())})
	out := Retrieve(s, Query{Description: "auth module", TaskID: "current"})
	require.Empty(t, out)
}

func TestRetrieveStopsAtTokenBudget(t *testing.T) {
	s := NewStore(Options{})
	s.Add([]domain.SessionFact{
		validFact("auth.go", "modified_by", "task:1", "1", time.Now()),
		validFact("auth.go", "requires", "task:2", "2", time.Now().Add(time.Minute)),
	})
	out := Retrieve(s, Query{Description: "auth module task", TaskID: "current", MaxFacts: 10, MaxTokens: 1, CharsPerToken: 1000})
	require.Len(t, out, 1)
}

func TestRetrieveReturnsEmptyForBlankDescription(t *testing.T) {
	s := NewStore(Options{})
	s.Add([]domain.SessionFact{validFact("auth.go", "modified_by", "task:1", "1", time.Now())})
	out := Retrieve(s, Query{Description: "", TaskID: "current"})
	require.Empty(t, out)
}
