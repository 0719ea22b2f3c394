package pipeline

import (
	"strings"

	"github.com/roach88/baitchat/internal/ir"
)

// FormatCall renders a bound plan the way an operator would type it:
// scan(detectors=[det_a], motor=motor_x, start=0 mm, stop=5 mm, num=51).
func FormatCall(bp ir.BoundPlan) string {
	parts := make([]string, len(bp.Args))
	for i, a := range bp.Args {
		v := ir.Format(a.Value)
		if a.Unit != "" {
			v += " " + a.Unit
		}
		parts[i] = a.Name + "=" + v
	}
	return bp.Plan + "(" + strings.Join(parts, ", ") + ")"
}

// orList joins names as "a", "a or b", "a, b or c".
func orList(names []string) string {
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0]
	}
	return strings.Join(names[:len(names)-1], ", ") + " or " + names[len(names)-1]
}
