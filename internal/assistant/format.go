package assistant

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/roach88/baitchat/internal/intent"
	"github.com/roach88/baitchat/internal/ir"
	"github.com/roach88/baitchat/internal/pipeline"
	"github.com/roach88/baitchat/internal/qserver"
	"github.com/roach88/baitchat/internal/retrieval"
	"github.com/roach88/baitchat/internal/store"
)

// genericRunWords name a run in general, not the plan of the same name,
// when they appear in a history question.
var genericRunWords = map[string]bool{"scan": true}

func categoryIn(question string) ir.Category {
	for _, tok := range intent.Tokenize(question) {
		switch strings.TrimSuffix(tok, "s") {
		case "motor", "axe", "axi", "stage":
			return ir.CategoryMotor
		case "detector", "camera", "counter":
			return ir.CategoryDetector
		case "shutter":
			return ir.CategoryShutter
		}
	}
	return ""
}

// planIn finds the plan a question names, preferring the longest match.
func planIn(question string, plans []ir.PlanSchema) (ir.PlanSchema, bool) {
	return findPlan(question, plans, nil)
}

// planInHistory is planIn for run-history questions.
func planInHistory(question string, plans []ir.PlanSchema) (ir.PlanSchema, bool) {
	return findPlan(question, plans, genericRunWords)
}

func findPlan(question string, plans []ir.PlanSchema, ignore map[string]bool) (ir.PlanSchema, bool) {
	text := " " + strings.Join(intent.Tokenize(question), " ") + " "
	best, bestLen := -1, 0
	for i, p := range plans {
		terms := append([]string{p.Name, strings.ReplaceAll(p.Name, "_", " ")}, p.Aliases...)
		for _, term := range terms {
			term = intent.Normalize(term)
			if term == "" || ignore[term] {
				continue
			}
			if strings.Contains(text, " "+term+" ") && len(term) > bestLen {
				best, bestLen = i, len(term)
			}
		}
	}
	if best < 0 {
		return ir.PlanSchema{}, false
	}
	return plans[best], true
}

func planNames(plans []ir.PlanSchema) string {
	names := make([]string, len(plans))
	for i, p := range plans {
		names[i] = p.Name
	}
	return strings.Join(names, ", ")
}

var categoryTitles = []struct {
	cat   ir.Category
	title string
}{
	{ir.CategoryMotor, "Motors"},
	{ir.CategoryDetector, "Detectors"},
	{ir.CategoryShutter, "Shutters"},
	{ir.CategoryOther, "Other"},
}

func formatDevices(devices []ir.DeviceRef, only ir.Category) string {
	if len(devices) == 0 {
		if only != "" {
			return fmt.Sprintf("No %s devices are available.", only)
		}
		return "No devices are available."
	}
	var b strings.Builder
	for _, ct := range categoryTitles {
		var lines []string
		for _, d := range devices {
			if d.Category != ct.cat {
				continue
			}
			line := "  " + d.ID
			if d.Limits != nil {
				line += fmt.Sprintf(" (%g to %g %s)", d.Limits.Low, d.Limits.High, d.Unit)
			}
			if d.Description != "" {
				line += ": " + d.Description
			}
			lines = append(lines, line)
		}
		if len(lines) == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(ct.title + ":\n" + strings.Join(lines, "\n"))
	}
	return b.String()
}

func formatPlans(plans []ir.PlanSchema) string {
	if len(plans) == 0 {
		return "No plans are permitted."
	}
	var b strings.Builder
	b.WriteString("Available plans:")
	for _, p := range plans {
		names := make([]string, len(p.Parameters))
		for i, spec := range p.Parameters {
			names[i] = spec.Name
		}
		fmt.Fprintf(&b, "\n  %s(%s)", p.Name, strings.Join(names, ", "))
		if p.Description != "" {
			b.WriteString(": " + p.Description)
		}
	}
	return b.String()
}

func formatExplanation(p ir.PlanSchema, passages []retrieval.Passage) string {
	var b strings.Builder
	b.WriteString(p.Name)
	if p.Description != "" {
		b.WriteString(": " + p.Description)
	}
	b.WriteString("\nParameters:")
	for _, spec := range p.Parameters {
		fmt.Fprintf(&b, "\n  %s (%s", spec.Name, spec.Kind)
		var notes []string
		if spec.Category != "" {
			notes = append(notes, string(spec.Category))
		}
		if spec.Unit != "" {
			notes = append(notes, spec.Unit)
		}
		if spec.Required {
			notes = append(notes, "required")
		} else if spec.Default != nil {
			notes = append(notes, "default "+ir.Format(spec.Default))
		}
		if spec.Min != nil && spec.Max != nil {
			notes = append(notes, fmt.Sprintf("%g to %g", *spec.Min, *spec.Max))
		} else if spec.Min != nil {
			notes = append(notes, fmt.Sprintf("at least %g", *spec.Min))
		} else if spec.Max != nil {
			notes = append(notes, fmt.Sprintf("at most %g", *spec.Max))
		}
		if spec.LimitsFrom != "" {
			notes = append(notes, "within "+spec.LimitsFrom+" travel limits")
		}
		if len(notes) > 0 {
			b.WriteString(", " + strings.Join(notes, ", "))
		}
		b.WriteString(")")
		if spec.Description != "" {
			b.WriteString(": " + spec.Description)
		}
	}
	if e := p.Estimate; e != nil {
		fmt.Fprintf(&b, "\nRun time: about %gs per point over %s, at most %s.",
			e.SecondsPerPoint, strings.Join(e.Points, " x "), time.Duration(e.MaxSeconds*float64(time.Second)))
	}
	if len(passages) > 0 {
		b.WriteString("\nNotes:")
		for _, ps := range passages {
			fmt.Fprintf(&b, "\n  [%s] %s", ps.Source, firstParagraph(ps.Text))
		}
	}
	return b.String()
}

func formatRun(r store.DecisionRecord, loc *time.Location) string {
	call := pipeline.FormatCall(ir.BoundPlan{Plan: r.Plan, Args: r.Args})
	return fmt.Sprintf("  %s  %s  %s", r.QueueID, r.DecidedAt.In(loc).Format("2006-01-02 15:04:05 MST"), call)
}

func formatQueue(q qserver.Queue) string {
	var b strings.Builder
	if q.Running != nil {
		fmt.Fprintf(&b, "Running: %s (%s)\n", q.Running.Name, q.Running.UID)
	}
	if len(q.Items) == 0 {
		if q.Running == nil {
			return "The queue is empty and nothing is running."
		}
		b.WriteString("Nothing else is queued.")
		return b.String()
	}
	fmt.Fprintf(&b, "%d item(s) queued:", len(q.Items))
	for i, item := range q.Items {
		fmt.Fprintf(&b, "\n  %d. %s %s", i+1, item.UID, item.Name)
		if len(item.Kwargs) > 0 {
			keys := make([]string, 0, len(item.Kwargs))
			for k := range item.Kwargs {
				keys = append(keys, k)
			}
			slices.Sort(keys)
			parts := make([]string, len(keys))
			for j, k := range keys {
				parts[j] = fmt.Sprintf("%s=%v", k, item.Kwargs[k])
			}
			b.WriteString("(" + strings.Join(parts, ", ") + ")")
		}
	}
	return b.String()
}

func formatPassages(passages []retrieval.Passage) string {
	var b strings.Builder
	for i, p := range passages {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s (%s)\n  %s", p.Title, p.Source, firstParagraph(p.Text))
	}
	return b.String()
}

// firstParagraph returns a passage's first paragraph on one line.
func firstParagraph(text string) string {
	para, _, _ := strings.Cut(strings.TrimSpace(text), "\n\n")
	return strings.Join(strings.Fields(para), " ")
}
