package session

import (
	"testing"
	"time"

	"github.com/madebymlai/spec-context-mcp/internal/domain"
	"github.com/stretchr/testify/require"
)

func validFact(subject, relation, object, taskID string, validFrom time.Time) domain.SessionFact {
	return domain.SessionFact{
		Subject:      subject,
		Relation:     relation,
		Object:       object,
		Tags:         []domain.FactTag{domain.TagDecision},
		ValidFrom:    validFrom,
		SourceTaskID: taskID,
		SourceRole:   domain.RoleImplementer,
		Confidence:   1,
	}
}

func TestAddInvalidatesPriorFactWithSameSubjectRelation(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewStore(Options{Now: func() time.Time { return base.Add(time.Hour) }})
	s.Add([]domain.SessionFact{validFact("file.go", "modified_by", "task:1", "1", base)})
	require.Equal(t, 1, s.Count())

	s.Add([]domain.SessionFact{validFact("file.go", "modified_by", "task:2", "2", base.Add(time.Minute))})
	require.Equal(t, 1, s.Count())

	valid := s.GetValid()
	require.Len(t, valid, 1)
	require.Equal(t, "task:2", valid[0].Object)
}

func TestAddSkipsInvalidFactsSilently(t *testing.T) {
	s := NewStore(Options{})
	s.Add([]domain.SessionFact{{Subject: "", Relation: "r", Object: "o", SourceTaskID: "1"}})
	require.Equal(t, 0, s.Count())
}

func TestGetValidByTagsMatchesAnyTag(t *testing.T) {
	s := NewStore(Options{})
	f := validFact("s", "r", "o", "1", time.Now())
	f.Tags = []domain.FactTag{domain.TagError, domain.TagTest}
	s.Add([]domain.SessionFact{f})
	require.Len(t, s.GetValidByTags([]domain.FactTag{domain.TagTest}), 1)
	require.Len(t, s.GetValidByTags([]domain.FactTag{domain.TagConvention}), 0)
}

func TestCompactRemovesInvalidatedThenOldestValid(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewStore(Options{Now: func() time.Time { return base.Add(24 * time.Hour) }})
	s.Add([]domain.SessionFact{validFact("a", "r", "o1", "1", base)})
	s.Add([]domain.SessionFact{validFact("a", "r", "o2", "2", base.Add(time.Hour))}) // invalidates o1
	s.Add([]domain.SessionFact{validFact("b", "r", "o3", "3", base.Add(2 * time.Hour))})

	s.Compact(1)
	valid := s.GetValid()
	require.Len(t, valid, 1)
	require.Equal(t, "o3", valid[0].Object)
}

func TestInvalidateMarksMatchingValidFacts(t *testing.T) {
	s := NewStore(Options{Now: func() time.Time { return time.Now() }})
	s.Add([]domain.SessionFact{validFact("a", "r", "o1", "1", time.Now())})
	s.Invalidate("a", "r")
	require.Equal(t, 0, s.Count())
}
