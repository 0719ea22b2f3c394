package intent

import (
	"cmp"
	"slices"
	"strings"

	"github.com/roach88/baitchat/internal/ir"
)

// span is a half-open token range [start, end).
type span struct{ start, end int }

func (s span) strictlyInside(o span) bool {
	return o.start <= s.start && s.end <= o.end && (o.end-o.start) > (s.end-s.start)
}

// planMatch is the best occurrence of one plan's terms in the text.
type planMatch struct {
	plan  string
	score float64
	span  span
}

// planTerm is one way of naming a plan, as tokens.
type planTerm struct {
	plan       string
	tokens     []string
	identifier bool // the literal snake_case plan name
}

func planTerms(plans []ir.PlanSchema) []planTerm {
	var terms []planTerm
	for _, p := range plans {
		terms = append(terms, planTerm{plan: p.Name, tokens: []string{p.Name}, identifier: strings.Contains(p.Name, "_")})
		if spaced := strings.ReplaceAll(p.Name, "_", " "); spaced != p.Name {
			terms = append(terms, planTerm{plan: p.Name, tokens: strings.Fields(spaced)})
		}
		for _, a := range p.Aliases {
			if toks := Tokenize(a); len(toks) > 0 {
				terms = append(terms, planTerm{plan: p.Name, tokens: toks})
			}
		}
	}
	return terms
}

// termScore rewards longer, more specific names: one word 0.7, two 0.8,
// three or more 0.9; the literal snake_case name gets +0.1.
func termScore(t planTerm) float64 {
	s := 0.6 + 0.1*float64(len(t.tokens))
	if t.identifier {
		s += 0.1
	}
	return round2(min(s, 1.0))
}

// matchPlans finds every plan named in tokens. A match lying strictly
// inside another plan's match ("scan" within "list scan") is dropped.
// Results are sorted by score, then name.
func matchPlans(tokens []string, plans []ir.PlanSchema) []planMatch {
	var all []planMatch
	for _, term := range planTerms(plans) {
		for i := 0; i+len(term.tokens) <= len(tokens); i++ {
			if slices.Equal(tokens[i:i+len(term.tokens)], term.tokens) {
				all = append(all, planMatch{
					plan:  term.plan,
					score: termScore(term),
					span:  span{i, i + len(term.tokens)},
				})
			}
		}
	}

	var kept []planMatch
	for _, m := range all {
		inside := false
		for _, o := range all {
			if o.plan != m.plan && m.span.strictlyInside(o.span) {
				inside = true
				break
			}
		}
		if !inside {
			kept = append(kept, m)
		}
	}

	best := make(map[string]planMatch)
	for _, m := range kept {
		cur, ok := best[m.plan]
		if !ok || m.score > cur.score || (m.score == cur.score && m.span.start < cur.span.start) {
			best[m.plan] = m
		}
	}

	out := make([]planMatch, 0, len(best))
	for _, m := range best {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b planMatch) int {
		if c := cmp.Compare(b.score, a.score); c != 0 {
			return c
		}
		return strings.Compare(a.plan, b.plan)
	})
	return out
}

func candidates(matches []planMatch) []ir.PlanCandidate {
	out := make([]ir.PlanCandidate, len(matches))
	for i, m := range matches {
		out[i] = ir.PlanCandidate{Plan: m.plan, Score: m.score}
	}
	return out
}

// round2 keeps scores like 0.6+0.1 from printing as 0.7000000000000001.
func round2(f float64) float64 {
	return float64(int64(f*100+0.5)) / 100
}
