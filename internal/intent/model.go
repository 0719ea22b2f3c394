package intent

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/roach88/baitchat/internal/ir"
	"github.com/roach88/baitchat/internal/llm"
	"github.com/roach88/baitchat/internal/registry"
)

// ModelParser asks a language model to read the utterance. The model only
// proposes: plans outside the snapshot are dropped and every argument
// still goes through the binder.
type ModelParser struct {
	completer llm.Completer
	opts      options
}

// NewModelParser creates a ModelParser backed by c.
func NewModelParser(c llm.Completer, opts ...Option) *ModelParser {
	return &ModelParser{completer: c, opts: buildOptions(opts)}
}

// modelReply is the JSON shape the prompt asks for.
type modelReply struct {
	Plan         string  `json:"plan"`
	Confidence   float64 `json:"confidence"`
	Alternatives []struct {
		Plan       string  `json:"plan"`
		Confidence float64 `json:"confidence"`
	} `json:"alternatives"`
	Arguments map[string]json.RawMessage `json:"arguments"`
}

// Parse implements Parser. A failed or timed out model call is
// DOWNSTREAM_UNAVAILABLE; a reply that is not the requested JSON is
// treated as naming no plan.
func (p *ModelParser) Parse(ctx context.Context, snap *registry.Snapshot, u ir.Utterance) (ir.Intent, error) {
	in := ir.Intent{Backend: "model:" + p.completer.Name()}

	reply, err := p.completer.Complete(ctx, llm.Request{
		System: systemPrompt(snap),
		User:   userPrompt(u),
	})
	if err != nil {
		if ctx.Err() != nil {
			return in, ctx.Err()
		}
		return in, ir.Downstream("language model", err)
	}

	var r modelReply
	if err := json.Unmarshal([]byte(llm.StripFences(reply)), &r); err != nil {
		p.opts.logger.Warn("unparseable model reply", "error", err, "reply", truncate(reply, 200))
		return in, nil
	}

	in.Candidates = modelCandidates(snap, r)
	plan, conf, low := p.opts.thresholds.Decide(in.Candidates)
	if plan == "" {
		return in, nil
	}
	in.Plan, in.Confidence, in.LowConfidence = plan, conf, low
	if low || plan != r.Plan {
		return in, nil
	}

	schema, _ := snap.Lookup(plan)
	in.Fragments = make(map[string]ir.Fragment)
	for _, name := range sortedKeys(r.Arguments) {
		frag, ok := fragmentFromJSON(r.Arguments[name])
		if !ok {
			continue
		}
		if _, known := schema.Param(name); !known {
			in.Unassigned = append(in.Unassigned, frag)
			continue
		}
		in.Fragments[name] = frag
	}
	return in, nil
}

func modelCandidates(snap *registry.Snapshot, r modelReply) []ir.PlanCandidate {
	seen := make(map[string]bool)
	var out []ir.PlanCandidate
	add := func(plan string, conf float64) {
		if plan == "" || seen[plan] {
			return
		}
		if _, err := snap.Lookup(plan); err != nil {
			return
		}
		seen[plan] = true
		out = append(out, ir.PlanCandidate{Plan: plan, Score: round2(max(0, min(1, conf)))})
	}
	add(r.Plan, r.Confidence)
	for _, alt := range r.Alternatives {
		add(alt.Plan, alt.Confidence)
	}
	slices.SortStableFunc(out, func(a, b ir.PlanCandidate) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return strings.Compare(a.Plan, b.Plan)
	})
	return out
}

// fragmentFromJSON accepts a string, a number or a list of either.
func fragmentFromJSON(raw json.RawMessage) (ir.Fragment, bool) {
	var v any
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return ir.Fragment{}, false
	}
	scalar := func(x any) (string, bool) {
		switch s := x.(type) {
		case string:
			return strings.TrimSpace(s), s != ""
		case json.Number:
			return s.String(), true
		case bool:
			return strconv.FormatBool(s), true
		}
		return "", false
	}
	if list, ok := v.([]any); ok {
		var items []string
		for _, x := range list {
			if s, ok := scalar(x); ok {
				items = append(items, s)
			}
		}
		if len(items) == 0 {
			return ir.Fragment{}, false
		}
		return ir.Fragment{Text: strings.Join(items, ", "), Items: items}, true
	}
	s, ok := scalar(v)
	return ir.Fragment{Text: s}, ok
}

func systemPrompt(snap *registry.Snapshot) string {
	var b strings.Builder
	b.WriteString("You translate beamline operator requests into one plan call.\n")
	b.WriteString("Only these plans exist:\n")
	for _, p := range snap.List() {
		fmt.Fprintf(&b, "- %s: %s\n", p.Name, p.Description)
		for _, spec := range p.Parameters {
			fmt.Fprintf(&b, "    %s (%s", spec.Name, spec.Kind)
			if spec.Category != "" {
				fmt.Fprintf(&b, ", %s", spec.Category)
			}
			if spec.Unit != "" {
				fmt.Fprintf(&b, ", %s", spec.Unit)
			}
			if !spec.Required {
				b.WriteString(", optional")
			}
			b.WriteString(")\n")
		}
	}
	b.WriteString("Known devices:\n")
	for _, d := range snap.Devices() {
		fmt.Fprintf(&b, "- %s (%s)", d.ID, d.Category)
		if len(d.Aliases) > 0 {
			fmt.Fprintf(&b, " also called %s", strings.Join(d.Aliases, ", "))
		}
		b.WriteString("\n")
	}
	b.WriteString(`Reply with JSON only:
{"plan": "<name>", "confidence": <0..1>, "alternatives": [{"plan": "<name>", "confidence": <0..1>}],
 "arguments": {"<parameter>": "<text as the operator said it>" or ["<item>", ...]}}
Copy values and units exactly as written. Leave out arguments the operator did not give.
Never invent a value. If no plan fits, use "plan": "".`)
	return b.String()
}

func userPrompt(u ir.Utterance) string {
	if len(u.Context) == 0 {
		return u.Text
	}
	var b strings.Builder
	b.WriteString("Earlier in this conversation:\n")
	for _, t := range u.Context {
		role := t.Role
		if role == "" {
			role = "operator"
		}
		fmt.Fprintf(&b, "%s: %s\n", role, t.Text)
	}
	fmt.Fprintf(&b, "Current request: %s", u.Text)
	return b.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
