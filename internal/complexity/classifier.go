// Package complexity implements the heuristic task complexity classifier
// and the complexity-to-provider routing table with escalation.
package complexity

import (
	"strings"

	"github.com/madebymlai/spec-context-mcp/internal/domain"
)

const ClassifierID = "heuristic-v1"

var simpleKeywords = []string{"test stub", "rename", "doc update", "fix typo", "move file", "update import"}
var complexKeywords = []string{"refactor", "architect", "redesign", "new interface", "cross-module", "implement", "integrate"}

var leadingSimpleWords = map[string]bool{"add": true, "fix": true, "move": true, "rename": true, "update": true}
var leadingComplexWords = map[string]bool{"implement": true, "design": true, "refactor": true, "integrate": true}

// Request carries everything the classifier inspects.
type Request struct {
	Description string
	FileCount   int
	ScopeHint   string // "single-file", "cross-module", or ""
	Hints       map[string]string
}

// Result is the classifier's output.
type Result struct {
	Level      domain.ComplexityLevel
	Confidence float64
	Features   []string
	ClassifierID string
}

// Classify scores a request per spec.md §4.11's heuristic rules.
func Classify(req Request) Result {
	if strings.TrimSpace(req.Description) == "" {
		return Result{Level: domain.ComplexityComplex, Confidence: 0, ClassifierID: ClassifierID}
	}

	lower := strings.ToLower(req.Description)
	var score float64
	var features []string

	for _, kw := range simpleKeywords {
		if strings.Contains(lower, kw) {
			score -= 0.45
			features = append(features, "keyword:"+kw)
		}
	}
	for _, kw := range complexKeywords {
		if strings.Contains(lower, kw) {
			score += 0.55
			features = append(features, "keyword:"+kw)
		}
	}

	switch {
	case req.FileCount <= 1:
		score -= 0.25
		features = append(features, "file_count:<=1")
	case req.FileCount >= 3:
		score += 0.35
		features = append(features, "file_count:>=3")
	}

	switch req.ScopeHint {
	case "single-file":
		score -= 0.3
		features = append(features, "scope:single-file")
	case "cross-module":
		score += 0.35
		features = append(features, "scope:cross-module")
	}

	switch {
	case len(req.Description) < 100:
		score -= 0.05
		features = append(features, "length:<100")
	case len(req.Description) > 500:
		score += 0.2
		features = append(features, "length:>500")
	}

	firstWord := strings.ToLower(firstToken(req.Description))
	switch {
	case leadingSimpleWords[firstWord]:
		score -= 0.25
		features = append(features, "first_word:"+firstWord)
	case leadingComplexWords[firstWord]:
		score += 0.3
		features = append(features, "first_word:"+firstWord)
	}

	for k, v := range req.Hints {
		switch v {
		case "simple":
			score -= 0.4
			features = append(features, "hint:"+k+"=simple")
		case "complex":
			score += 0.4
			features = append(features, "hint:"+k+"=complex")
		}
	}

	level := domain.ComplexitySimple
	if score >= -0.3 {
		level = domain.ComplexityComplex
	}

	confidence := 0.35 + 0.45*minF(1, absF(score)) + minF(0.3, 0.06*float64(len(features)))
	confidence = minF(1, confidence)

	return Result{Level: level, Confidence: confidence, Features: features, ClassifierID: ClassifierID}
}

func firstToken(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func absF(a float64) float64 {
	if a < 0 {
		return -a
	}
	return a
}
