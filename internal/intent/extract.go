package intent

import (
	"regexp"
	"slices"
	"strings"

	"github.com/roach88/baitchat/internal/binder"
	"github.com/roach88/baitchat/internal/ir"
	"github.com/roach88/baitchat/internal/registry"
	"github.com/roach88/baitchat/internal/resolver"
)

var (
	cueWords    = map[string]bool{"with": true, "using": true, "via": true}
	assignWords = map[string]bool{"=": true, ":": true, "of": true, "is": true, "at": true, "to": true}
	stepWords   = map[string]bool{"steps": true, "step": true, "points": true, "point": true, "pts": true}
	countWords  = map[string]bool{
		"counts": true, "times": true, "readings": true, "reading": true, "exposures": true,
		"shots": true, "frames": true, "repeats": true, "repetitions": true,
	}
	everyWords = map[string]bool{"all": true, "both": true, "every": true}
)

// mention is a device reference found in the text.
type mention struct {
	pos   int
	text  string
	items []string // set for "all detectors"
	hint  ir.Category
}

// extractor assigns the tokens of one utterance to the parameter slots of
// one plan. Phases run in a fixed order and each consumes the tokens it
// uses, so a token feeds at most one slot.
type extractor struct {
	snap   *registry.Snapshot
	schema ir.PlanSchema
	toks   []string
	used   []bool

	frags map[string]ir.Fragment
	// prefilled slots came from earlier turns: they do not block explicit
	// assignments but are skipped by positional ones.
	prefilled  map[string]bool
	unassigned []ir.Fragment
}

func newExtractor(snap *registry.Snapshot, schema ir.PlanSchema, toks []string, planSpans []span, prefilled map[string]bool) *extractor {
	x := &extractor{
		snap:      snap,
		schema:    schema,
		toks:      toks,
		used:      make([]bool, len(toks)),
		frags:     make(map[string]ir.Fragment),
		prefilled: prefilled,
	}
	for _, s := range planSpans {
		x.mark(s.start, s.end-s.start)
	}
	return x
}

// extract runs every phase and returns the captured fragments plus
// anything that could not be placed.
func (x *extractor) extract() (map[string]ir.Fragment, []ir.Fragment) {
	mentions := x.deviceMentions()
	mentions = append(mentions, x.categoryMentions(mentions)...)
	slices.SortFunc(mentions, func(a, b mention) int { return a.pos - b.pos })
	x.assignMentions(mentions)

	x.keywords()
	x.lists()
	x.ranges()
	x.counted(stepWords, func(p ir.ParameterSpec) bool {
		return p.Kind == ir.KindInteger && strings.HasPrefix(p.Name, "num")
	})
	x.counted(countWords, func(p ir.ParameterSpec) bool { return p.Kind == ir.KindInteger })
	x.positional()

	return x.frags, x.unassigned
}

func (x *extractor) mark(i, n int) {
	for k := i; k < i+n && k < len(x.used); k++ {
		x.used[k] = true
	}
}

func (x *extractor) free(i int) bool {
	return i >= 0 && i < len(x.toks) && !x.used[i]
}

func (x *extractor) filled(name string) bool {
	_, ok := x.frags[name]
	return ok
}

func (x *extractor) isParamName(tok string) bool {
	_, ok := x.schema.Param(tok)
	return ok
}

// quantityAt reads "5", "5mm" or "5 mm" at i.
func (x *extractor) quantityAt(i int) (text string, n int, ok bool) {
	if !x.free(i) {
		return "", 0, false
	}
	tok := x.toks[i]
	if isQuantity(tok) {
		return tok, 1, true
	}
	if !isNumber(tok) {
		return "", 0, false
	}
	if x.free(i+1) && binder.KnownUnit(x.toks[i+1]) {
		return tok + " " + x.toks[i+1], 2, true
	}
	return tok, 1, true
}

// quantityRun reads "1, 2, 3", "1, 2 and 3" or "1 2 3" at i.
func (x *extractor) quantityRun(i int) (items []string, n int) {
	k := i
	for {
		text, m, ok := x.quantityAt(k)
		if !ok {
			break
		}
		items = append(items, text)
		k += m
		if x.free(k) && (x.toks[k] == "," || x.toks[k] == "and") {
			if _, _, next := x.quantityAt(k + 1); next {
				k++
				continue
			}
		}
	}
	return items, k - i
}

type deviceTerm struct {
	tokens   []string
	category ir.Category
}

func (x *extractor) deviceTerms() []deviceTerm {
	var terms []deviceTerm
	add := func(toks []string, c ir.Category) {
		if len(toks) > 0 {
			terms = append(terms, deviceTerm{tokens: toks, category: c})
		}
	}
	for _, d := range x.snap.Devices() {
		add([]string{d.ID}, d.Category)
		if strings.Contains(d.ID, "_") {
			add(strings.Fields(strings.ReplaceAll(d.ID, "_", " ")), d.Category)
		}
		for _, a := range d.Aliases {
			toks := Tokenize(a)
			add(toks, d.Category)
			if len(toks) > 1 {
				add([]string{strings.Join(toks, "_")}, d.Category)
			}
		}
	}
	slices.SortStableFunc(terms, func(a, b deviceTerm) int { return len(b.tokens) - len(a.tokens) })
	return terms
}

// deviceMentions finds known ids and aliases, longest first.
func (x *extractor) deviceMentions() []mention {
	terms := x.deviceTerms()
	var out []mention
	for i := 0; i < len(x.toks); i++ {
		if !x.free(i) {
			continue
		}
		for _, t := range terms {
			n := len(t.tokens)
			if i+n > len(x.toks) || !slices.Equal(x.toks[i:i+n], t.tokens) || slices.Contains(x.used[i:i+n], true) {
				continue
			}
			out = append(out, mention{pos: i, text: strings.Join(x.toks[i:i+n], " "), hint: t.category})
			x.mark(i, n)
			i += n - 1
			break
		}
	}
	return out
}

// categoryMentions finds "the detector", "all detectors", "using foo" and
// unknown snake_case names such as "motor_z". known are the device
// mentions already found.
func (x *extractor) categoryMentions(known []mention) []mention {
	var out []mention
	for i := 0; i < len(x.toks); i++ {
		if !x.free(i) {
			continue
		}
		tok := x.toks[i]

		if c, ok := resolver.CategoryOfNoun(tok); ok {
			if x.free(i-1) && everyWords[x.toks[i-1]] {
				var ids []string
				for _, d := range x.snap.DevicesIn(c) {
					ids = append(ids, d.ID)
				}
				out = append(out, mention{pos: i - 1, text: x.toks[i-1] + " " + tok, items: ids, hint: c})
				x.mark(i-1, 2)
				continue
			}
			// "motor motor_x": the noun labels a following mention of its
			// own category.
			if next, ok := mentionAt(known, i+1); ok && next.hint == c {
				x.mark(i, 1)
				continue
			}
			text, pos := tok, i
			if x.free(i-1) && x.qualifier(x.toks[i-1]) {
				text, pos = x.toks[i-1]+" "+tok, i-1
			}
			out = append(out, mention{pos: pos, text: text, hint: c})
			x.mark(pos, i-pos+1)
			continue
		}

		if cueWords[tok] {
			j := i + 1
			if x.free(j) && x.toks[j] == "the" {
				j++
			}
			if x.free(j) && x.qualifier(x.toks[j]) && !isIdentifier(x.toks[j]) {
				if _, isNoun := resolver.CategoryOfNoun(x.toks[j]); !isNoun {
					out = append(out, mention{pos: j, text: x.toks[j]})
					x.mark(i, j-i+1)
				}
			}
			continue
		}

		if isIdentifier(tok) && !x.isParamName(tok) {
			out = append(out, mention{pos: i, text: tok, hint: prefixCategory(tok)})
			x.mark(i, 1)
		}
	}
	return out
}

func mentionAt(ms []mention, pos int) (mention, bool) {
	for _, m := range ms {
		if m.pos == pos {
			return m, true
		}
	}
	return mention{}, false
}

// qualifier reports a word that can name or modify a device: not a
// number, separator, stopword, or parameter name.
func (x *extractor) qualifier(tok string) bool {
	if isNumber(tok) || isQuantity(tok) || stopwords[tok] || x.isParamName(tok) || assignWords[tok] {
		return false
	}
	if stepWords[tok] || countWords[tok] || everyWords[tok] || binder.KnownUnit(tok) {
		return false
	}
	return tok != "[" && tok != "]" && tok != "," && tok != "(" && tok != ")" && tok != ";"
}

func prefixCategory(tok string) ir.Category {
	switch {
	case strings.HasPrefix(tok, "motor"), strings.HasPrefix(tok, "mtr"):
		return ir.CategoryMotor
	case strings.HasPrefix(tok, "det"):
		return ir.CategoryDetector
	case strings.HasPrefix(tok, "shutter"):
		return ir.CategoryShutter
	}
	return ""
}

// assignMentions puts device mentions into device slots: hinted mentions
// go to a slot of their category, others to the first open device slot.
func (x *extractor) assignMentions(mentions []mention) {
	var slots []ir.ParameterSpec
	for _, p := range x.schema.Parameters {
		if p.Kind.IsDevice() {
			slots = append(slots, p)
		}
	}

	for _, m := range mentions {
		values := m.items
		if len(values) == 0 {
			values = []string{m.text}
		}

		var target *ir.ParameterSpec
		for i := range slots {
			s := &slots[i]
			open := s.Kind == ir.KindDevices || !x.filled(s.Name)
			if m.hint != "" {
				if s.Category == m.hint && open {
					target = s
					break
				}
				continue
			}
			if open && !x.prefilled[s.Name] && (s.Kind == ir.KindDevice || !x.filled(s.Name)) {
				target = s
				break
			}
		}
		if target == nil {
			x.unassigned = append(x.unassigned, ir.Fragment{Text: m.text, CategoryHint: m.hint})
			continue
		}

		f := x.frags[target.Name]
		f.Items = append(f.Items, values...)
		f.Text = strings.Join(f.Items, ", ")
		if f.CategoryHint == "" {
			f.CategoryHint = m.hint
		}
		if target.Kind == ir.KindDevice && len(f.Items) == 1 {
			f.Items = nil
		}
		x.frags[target.Name] = f
	}
}

// keywords handles "num 51", "delay = 0.5 s", "positions 1, 2, 3" and the
// reversed "0.5 s delay".
func (x *extractor) keywords() {
	for i := 0; i < len(x.toks); i++ {
		if !x.free(i) {
			continue
		}
		spec, ok := x.schema.Param(x.toks[i])
		if !ok || spec.Kind.IsDevice() {
			continue
		}
		j := i + 1
		for x.free(j) && assignWords[x.toks[j]] {
			j++
		}

		switch spec.Kind {
		case ir.KindNumbers:
			items, n := x.bracketOrRun(j)
			if len(items) == 0 {
				continue
			}
			x.frags[spec.Name] = ir.Fragment{Text: strings.Join(items, ", "), Items: items}
			x.mark(i, j-i+n)
		case ir.KindString:
			if !x.free(j) {
				continue
			}
			x.frags[spec.Name] = ir.Fragment{Text: x.toks[j]}
			x.mark(i, j-i+1)
		default:
			text, n, ok := x.quantityAt(j)
			if !ok {
				continue
			}
			x.frags[spec.Name] = ir.Fragment{Text: text}
			x.mark(i, j-i+n)
		}
	}

	for i := 0; i < len(x.toks); i++ {
		text, n, ok := x.quantityAt(i)
		if !ok || !x.free(i+n) {
			continue
		}
		spec, isParam := x.schema.Param(x.toks[i+n])
		if !isParam || (spec.Kind != ir.KindNumber && spec.Kind != ir.KindInteger) || x.filled(spec.Name) {
			continue
		}
		x.frags[spec.Name] = ir.Fragment{Text: text}
		x.mark(i, n+1)
	}
}

// bracketOrRun reads "[1, 2, 3]" or a run of quantities at i.
func (x *extractor) bracketOrRun(i int) ([]string, int) {
	if x.free(i) && x.toks[i] == "[" {
		items, n := x.quantityRun(i + 1)
		end := i + 1 + n
		if x.free(end) && x.toks[end] == "]" {
			return items, n + 2
		}
		return items, n + 1
	}
	return x.quantityRun(i)
}

// lists handles "[1, 2, 3]" and "at 1, 2 and 3" for list parameters.
func (x *extractor) lists() {
	for i := 0; i < len(x.toks); i++ {
		if !x.free(i) {
			continue
		}
		var items []string
		var n int
		switch x.toks[i] {
		case "[":
			items, n = x.bracketOrRun(i)
		case "at":
			items, n = x.quantityRun(i + 1)
			if len(items) < 2 {
				continue
			}
			n++
		default:
			continue
		}
		if len(items) == 0 {
			continue
		}

		target := x.firstOpen(func(p ir.ParameterSpec) bool { return p.Kind == ir.KindNumbers }, true)
		frag := ir.Fragment{Text: strings.Join(items, ", "), Items: items}
		if target == "" {
			x.unassigned = append(x.unassigned, frag)
		} else {
			x.frags[target] = frag
		}
		x.mark(i, n)
	}
}

// ranges handles "from A to B", "between A and B" and "A to B", filling
// start/stop pairs in schema order.
func (x *extractor) ranges() {
	for i := 0; i < len(x.toks); i++ {
		if !x.free(i) {
			continue
		}
		lead, sep := 0, "to"
		switch x.toks[i] {
		case "from":
			lead = 1
		case "between":
			lead, sep = 1, "and"
		}

		a, na, ok := x.quantityAt(i + lead)
		if !ok {
			continue
		}
		k := i + lead + na
		if !x.free(k) || x.toks[k] != sep {
			continue
		}
		b, nb, ok := x.quantityAt(k + 1)
		if !ok {
			continue
		}

		a = shareUnit(a, b)
		start, stop := x.openRangePair()
		if start == "" {
			x.unassigned = append(x.unassigned, ir.Fragment{Text: a}, ir.Fragment{Text: b})
		} else {
			x.frags[start] = ir.Fragment{Text: a}
			x.frags[stop] = ir.Fragment{Text: b}
		}
		x.mark(i, k+1+nb-i)
		i = k + nb
	}
}

// shareUnit gives "1000" the unit of "5000 um" in "from 1000 to 5000 um".
func shareUnit(a, b string) string {
	if !isNumber(a) {
		return a
	}
	m := unitTailRe.FindStringSubmatch(b)
	if m == nil {
		return a
	}
	return a + " " + m[1]
}

var unitTailRe = regexp.MustCompile(`^[+-]?(?:\d+\.?\d*|\.\d+)(?:e[+-]?\d+)?\s*([a-z]+)$`)

func (x *extractor) openRangePair() (string, string) {
	for _, p := range x.schema.Parameters {
		if !strings.HasPrefix(p.Name, "start") {
			continue
		}
		stop := "stop" + strings.TrimPrefix(p.Name, "start")
		if _, ok := x.schema.Param(stop); !ok {
			continue
		}
		if !x.filled(p.Name) && !x.filled(stop) && !x.prefilled[p.Name] && !x.prefilled[stop] {
			return p.Name, stop
		}
	}
	for _, p := range x.schema.Parameters {
		stop := "stop" + strings.TrimPrefix(p.Name, "start")
		if strings.HasPrefix(p.Name, "start") && !x.filled(p.Name) && !x.filled(stop) {
			if _, ok := x.schema.Param(stop); ok {
				return p.Name, stop
			}
		}
	}
	return "", ""
}

// counted handles "N <word>" for a word set, e.g. "51 steps", "3 readings".
func (x *extractor) counted(words map[string]bool, accept func(ir.ParameterSpec) bool) {
	for i := 0; i+1 < len(x.toks); i++ {
		if !x.free(i) || !x.free(i+1) || !isNumber(x.toks[i]) || !words[x.toks[i+1]] {
			continue
		}
		target := x.firstOpen(accept, true)
		if target == "" {
			x.unassigned = append(x.unassigned, ir.Fragment{Text: x.toks[i]})
		} else {
			x.frags[target] = ir.Fragment{Text: x.toks[i]}
		}
		x.mark(i, 2)
	}
}

// positional gives remaining numbers to open numeric slots in schema
// order. A list slot takes every number left.
func (x *extractor) positional() {
	var rest []string
	for i := 0; i < len(x.toks); i++ {
		text, n, ok := x.quantityAt(i)
		if !ok {
			continue
		}
		rest = append(rest, text)
		x.mark(i, n)
	}

	for _, p := range x.schema.Parameters {
		if len(rest) == 0 {
			return
		}
		if !p.Kind.IsNumeric() || x.filled(p.Name) || x.prefilled[p.Name] {
			continue
		}
		if p.Kind == ir.KindNumbers {
			x.frags[p.Name] = ir.Fragment{Text: strings.Join(rest, ", "), Items: rest}
			rest = nil
			continue
		}
		x.frags[p.Name] = ir.Fragment{Text: rest[0]}
		rest = rest[1:]
	}
	for _, r := range rest {
		x.unassigned = append(x.unassigned, ir.Fragment{Text: r})
	}
}

// firstOpen returns the first slot accepted by ok that is not yet filled,
// preferring slots earlier turns left empty.
func (x *extractor) firstOpen(ok func(ir.ParameterSpec) bool, skipPrefilled bool) string {
	for _, p := range x.schema.Parameters {
		if ok(p) && !x.filled(p.Name) && !(skipPrefilled && x.prefilled[p.Name]) {
			return p.Name
		}
	}
	if skipPrefilled {
		return x.firstOpen(ok, false)
	}
	return ""
}
