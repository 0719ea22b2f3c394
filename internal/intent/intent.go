// Package intent reads operator text as a plan name plus raw argument
// fragments.
//
// Two interchangeable Parser implementations exist: RuleParser matches
// plan names, aliases and phrase patterns against the registry snapshot;
// ModelParser asks a language model and checks its answer against the
// same snapshot. Both apply the same confidence floor and ambiguity
// margin, so the choice of backend never changes what counts as
// ambiguous.
package intent

import (
	"context"
	"log/slog"

	"github.com/roach88/baitchat/internal/ir"
	"github.com/roach88/baitchat/internal/registry"
)

// Parser reads an utterance against a snapshot. The returned Intent's Plan
// is empty when nothing scored above the floor, and LowConfidence is set
// when the runner-up is within the margin. An error means the backend
// itself failed.
type Parser interface {
	Parse(ctx context.Context, snap *registry.Snapshot, u ir.Utterance) (ir.Intent, error)
}

// Thresholds are the plan selection tunables.
type Thresholds struct {
	// MinConfidence is the floor below which no plan is chosen.
	MinConfidence float64
	// Margin is how close the runner-up may score before the choice is
	// reported as low confidence.
	Margin float64
}

// DefaultThresholds are used when none are configured.
var DefaultThresholds = Thresholds{MinConfidence: 0.5, Margin: 0.05}

// Decide picks the plan from candidates sorted best first.
func (t Thresholds) Decide(cands []ir.PlanCandidate) (plan string, confidence float64, low bool) {
	if len(cands) == 0 || cands[0].Score < t.MinConfidence {
		return "", 0, false
	}
	top := cands[0]
	if len(cands) > 1 && top.Score-cands[1].Score <= t.Margin+1e-9 {
		return top.Plan, top.Score, true
	}
	return top.Plan, top.Score, false
}

// Option configures a parser.
type Option func(*options)

type options struct {
	thresholds Thresholds
	logger     *slog.Logger
}

func buildOptions(opts []Option) options {
	o := options{thresholds: DefaultThresholds, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithThresholds sets the confidence floor and ambiguity margin.
func WithThresholds(t Thresholds) Option {
	return func(o *options) { o.thresholds = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// operatorTurns keeps the caller's context turns spoken by the operator,
// oldest first.
func operatorTurns(turns []ir.Turn) []ir.Turn {
	var out []ir.Turn
	for _, t := range turns {
		switch t.Role {
		case "", "operator", "user":
			out = append(out, t)
		}
	}
	return out
}

// overlay copies src's slots over dst.
func overlay(dst, src map[string]ir.Fragment) map[string]ir.Fragment {
	if dst == nil {
		dst = make(map[string]ir.Fragment, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func slotSet(frags map[string]ir.Fragment) map[string]bool {
	out := make(map[string]bool, len(frags))
	for k := range frags {
		out[k] = true
	}
	return out
}
