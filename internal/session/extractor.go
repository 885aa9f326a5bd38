package session

import (
	"fmt"
	"regexp"
	"time"

	"github.com/madebymlai/spec-context-mcp/internal/domain"
)

var conventionPattern = regexp.MustCompile(`(?i)convention|pattern|naming|style|camelCase|snake_case|pascalcase|format`)

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// ExtractImplementerFacts derives facts from an implementer's dispatch
// result. Each rule runs independently so a single broken rule does not
// abort the rest.
func ExtractImplementerFacts(taskID string, result domain.ImplementerResult, now time.Time) []domain.SessionFact {
	var out []domain.SessionFact

	runRule(func() {
		out = append(out, fact(fmt.Sprintf("task:%s", taskID), "completed_with", result.Status, domain.RoleImplementer, taskID, now, domain.TagDecision))
	})
	runRule(func() {
		out = append(out, fact(fmt.Sprintf("task:%s", taskID), "summary", clip(result.Summary, 120), domain.RoleImplementer, taskID, now, domain.TagDecision))
	})
	runRule(func() {
		for _, f := range result.FilesChanged {
			out = append(out, fact(f, "modified_by", fmt.Sprintf("task:%s", taskID), domain.RoleImplementer, taskID, now, domain.TagFileChange))
		}
	})
	runRule(func() {
		for _, action := range result.FollowUpActions {
			if action == "" {
				continue
			}
			out = append(out, fact(fmt.Sprintf("task:%s", taskID), "requires", clip(action, 120), domain.RoleImplementer, taskID, now, domain.TagDependency))
		}
	})

	return out
}

// ExtractReviewerFacts derives facts from a reviewer's dispatch result.
func ExtractReviewerFacts(taskID string, result domain.ReviewerResult, now time.Time) []domain.SessionFact {
	var out []domain.SessionFact

	runRule(func() {
		out = append(out, fact(fmt.Sprintf("task:%s", taskID), "reviewed_as", result.Assessment, domain.RoleReviewer, taskID, now, domain.TagDecision))
	})
	runRule(func() {
		for _, issue := range result.Issues {
			subject := issue.File
			if subject == "" {
				subject = fmt.Sprintf("task:%s", taskID)
			}
			out = append(out, fact(subject, "issue", clip(issue.Message, 120), domain.RoleReviewer, taskID, now, domain.TagError))
			if conventionPattern.MatchString(issue.Message) || conventionPattern.MatchString(issue.Fix) {
				out = append(out, fact(subject, "convention", clip(issue.Message, 120), domain.RoleReviewer, taskID, now, domain.TagConvention))
			}
		}
	})
	runRule(func() {
		for _, fix := range result.RequiredFixes {
			if fix == "" {
				continue
			}
			out = append(out, fact(fmt.Sprintf("task:%s", taskID), "must_fix", clip(fix, 120), domain.RoleReviewer, taskID, now, domain.TagConvention))
		}
	})

	return out
}

func fact(subject, relation, object string, role domain.SessionRole, taskID string, now time.Time, tag domain.FactTag) domain.SessionFact {
	return domain.SessionFact{
		ID:           FactID(subject, relation, object),
		Subject:      subject,
		Relation:     relation,
		Object:       object,
		Tags:         []domain.FactTag{tag},
		ValidFrom:    now,
		SourceTaskID: taskID,
		SourceRole:   role,
		Confidence:   1,
	}
}

// runRule isolates a single extraction rule so a panic in one does not
// abort the others.
func runRule(rule func()) {
	defer func() { recover() }()
	rule()
}
