package session

import (
	"regexp"
	"sort"
	"strings"

	"github.com/madebymlai/spec-context-mcp/internal/domain"
)

const DefaultCharsPerToken = 4

var tokenSplit = regexp.MustCompile(`[\s/\-_.,:;()\[\]{}]+`)

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "for": true, "from": true, "has": true,
	"have": true, "if": true, "in": true, "into": true, "is": true, "it": true,
	"its": true, "of": true, "on": true, "or": true, "that": true, "the": true,
	"this": true, "to": true, "was": true, "were": true, "will": true, "with": true,
}

func tokenize(s string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range tokenSplit.Split(strings.ToLower(s), -1) {
		if tok == "" || stopwords[tok] {
			continue
		}
		out[tok] = true
	}
	return out
}

// Query is the input to Retrieve.
type Query struct {
	Description   string
	TaskID        string
	Tags          []domain.FactTag
	MaxFacts      int
	MaxTokens     int
	CharsPerToken int
}

type scored struct {
	fact  domain.SessionFact
	score float64
}

// Retrieve ranks session facts against a query description by token
// overlap and greedily accumulates the highest-scoring facts under a
// token budget. Any failure yields an empty result rather than a partial
// or panicking one.
func Retrieve(store *Store, q Query) (facts []domain.SessionFact) {
	defer func() {
		if recover() != nil {
			facts = nil
		}
	}()

	var source []domain.SessionFact
	if len(q.Tags) > 0 {
		source = store.GetValidByTags(q.Tags)
	} else {
		source = store.GetValid()
	}

	var candidates []domain.SessionFact
	for _, f := range source {
		if f.SourceTaskID == q.TaskID {
			continue
		}
		candidates = append(candidates, f)
	}

	queryTokens := tokenize(q.Description)
	if len(queryTokens) == 0 {
		return nil
	}

	var ranked []scored
	for _, f := range candidates {
		factTokens := tokenize(f.Subject + "\x1f" + f.Relation + "\x1f" + f.Object)
		overlap := 0
		for t := range queryTokens {
			if factTokens[t] {
				overlap++
			}
		}
		if overlap == 0 {
			continue
		}
		score := float64(overlap) / float64(len(queryTokens))
		ranked = append(ranked, scored{fact: f, score: score})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].fact.ValidFrom.After(ranked[j].fact.ValidFrom)
	})

	maxFacts := q.MaxFacts
	if maxFacts <= 0 || maxFacts > len(ranked) {
		maxFacts = len(ranked)
	}
	ranked = ranked[:maxFacts]

	charsPerToken := q.CharsPerToken
	if charsPerToken <= 0 {
		charsPerToken = DefaultCharsPerToken
	}

	budget := q.MaxTokens
	for _, r := range ranked {
		cost := ceilDiv(len(r.fact.Subject)+len(r.fact.Relation)+len(r.fact.Object), charsPerToken)
		if q.MaxTokens > 0 && cost > budget {
			break
		}
		facts = append(facts, r.fact)
		budget -= cost
	}
	return facts
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return a
	}
	return (a + b - 1) / b
}
