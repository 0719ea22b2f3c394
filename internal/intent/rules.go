package intent

import (
	"context"

	"github.com/roach88/baitchat/internal/ir"
	"github.com/roach88/baitchat/internal/registry"
)

// BackendRules names the rule-based parser in Intent.Backend.
const BackendRules = "rules"

// RuleParser matches plan names and phrase patterns. It is deterministic
// and needs no network.
type RuleParser struct {
	opts options
}

// NewRuleParser creates a RuleParser.
func NewRuleParser(opts ...Option) *RuleParser {
	return &RuleParser{opts: buildOptions(opts)}
}

// Parse implements Parser.
//
// When the text names no plan, the newest operator turn in the context
// that does is taken as the base and the later turns, then the current
// text, fill or replace its slots. This is how "use motor_x" answers a
// clarification question.
func (p *RuleParser) Parse(ctx context.Context, snap *registry.Snapshot, u ir.Utterance) (ir.Intent, error) {
	if err := ctx.Err(); err != nil {
		return ir.Intent{}, err
	}
	plans := snap.List()
	toks := Tokenize(u.Text)
	matches := matchPlans(toks, plans)

	in := ir.Intent{Backend: BackendRules, Candidates: candidates(matches)}
	plan, conf, low := p.opts.thresholds.Decide(in.Candidates)
	if plan != "" {
		in.Plan, in.Confidence, in.LowConfidence = plan, conf, low
		if low {
			return in, nil
		}
		schema, _ := snap.Lookup(plan)
		in.Fragments, in.Unassigned = newExtractor(snap, schema, toks, spans(matches), nil).extract()
		return in, nil
	}
	if len(matches) > 0 {
		// Named plans, all below the floor.
		return in, nil
	}

	turns := operatorTurns(u.Context)
	for k := len(turns) - 1; k >= 0; k-- {
		baseToks := Tokenize(turns[k].Text)
		baseMatches := matchPlans(baseToks, plans)
		plan, conf, low := p.opts.thresholds.Decide(candidates(baseMatches))
		if plan == "" || low {
			continue
		}
		schema, _ := snap.Lookup(plan)

		frags, _ := newExtractor(snap, schema, baseToks, spans(baseMatches), nil).extract()
		for _, later := range turns[k+1:] {
			more, _ := newExtractor(snap, schema, Tokenize(later.Text), nil, slotSet(frags)).extract()
			frags = overlay(frags, more)
		}
		current, unassigned := newExtractor(snap, schema, toks, nil, slotSet(frags)).extract()

		in.Plan, in.Confidence = plan, conf
		in.Candidates = candidates(baseMatches)
		in.Fragments = overlay(frags, current)
		in.Unassigned = unassigned
		in.FromContext = true
		p.opts.logger.Debug("plan taken from context", "plan", plan, "turn", k)
		return in, nil
	}

	return in, nil
}

func spans(matches []planMatch) []span {
	out := make([]span, len(matches))
	for i, m := range matches {
		out[i] = m.span
	}
	return out
}
