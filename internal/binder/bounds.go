package binder

import (
	"fmt"
	"strconv"

	"github.com/roach88/baitchat/internal/ir"
	"github.com/roach88/baitchat/internal/registry"
)

// CheckBounds checks every numeric argument against its declared min/max,
// the travel limits of its limits_from device, and the plan's duration
// estimate. All bounds are inclusive. The gate calls this again against
// the live snapshot just before dispatch.
func CheckBounds(snap *registry.Snapshot, schema ir.PlanSchema, args []ir.BoundArg) []ir.SlotIssue {
	var issues []ir.SlotIssue
	byName := make(map[string]ir.BoundArg, len(args))
	for _, a := range args {
		byName[a.Name] = a
	}
	flagged := make(map[string]bool)

	for _, spec := range schema.Parameters {
		arg, ok := byName[spec.Name]
		if !ok || !spec.Kind.IsNumeric() {
			continue
		}
		values := numericValues(arg.Value)
		issue := checkDeclared(spec, values)
		if issue == nil {
			issue = checkDeviceLimits(snap, spec, byName, values)
		}
		if issue != nil {
			issues = append(issues, *issue)
			flagged[spec.Name] = true
		}
	}

	// No estimate while a point count is itself out of range.
	if schema.Estimate != nil {
		for _, name := range schema.Estimate.Points {
			if flagged[name] {
				return issues
			}
		}
	}
	return append(issues, checkEstimate(schema, byName)...)
}

func numericValues(v ir.Value) []float64 {
	if l, ok := v.(ir.List); ok {
		fs, _ := l.Floats()
		return fs
	}
	if f, ok := ir.AsFloat(v); ok {
		return []float64{f}
	}
	return nil
}

func checkDeclared(spec ir.ParameterSpec, values []float64) *ir.SlotIssue {
	for _, v := range values {
		if (spec.Min != nil && v < *spec.Min) || (spec.Max != nil && v > *spec.Max) {
			return &ir.SlotIssue{
				Param:   spec.Name,
				Code:    ir.CodeOutOfRangeArgument,
				Message: fmt.Sprintf("%s = %s is outside %s", spec.Name, withUnit(v, spec.Unit), describeRange(spec.Min, spec.Max, spec.Unit)),
			}
		}
	}
	return nil
}

func checkDeviceLimits(snap *registry.Snapshot, spec ir.ParameterSpec, byName map[string]ir.BoundArg, values []float64) *ir.SlotIssue {
	if spec.LimitsFrom == "" {
		return nil
	}
	ref, ok := byName[spec.LimitsFrom]
	if !ok {
		return nil
	}
	id, ok := ref.Value.(ir.String)
	if !ok {
		return nil
	}
	dev, ok := snap.Device(string(id))
	if !ok || dev.Limits == nil {
		return nil
	}

	low, high := dev.Limits.Low, dev.Limits.High
	if dev.Unit != "" && spec.Unit != "" {
		var err error
		if low, err = Convert(low, dev.Unit, spec.Unit); err != nil {
			return &ir.SlotIssue{Param: spec.Name, Code: ir.CodeInvalidArgument,
				Message: fmt.Sprintf("%s limits are in %s, %s is in %s", dev.ID, dev.Unit, spec.Name, spec.Unit)}
		}
		if high, err = Convert(high, dev.Unit, spec.Unit); err != nil {
			return &ir.SlotIssue{Param: spec.Name, Code: ir.CodeInvalidArgument,
				Message: fmt.Sprintf("%s limits are in %s, %s is in %s", dev.ID, dev.Unit, spec.Name, spec.Unit)}
		}
	}

	for _, v := range values {
		if v < low || v > high {
			return &ir.SlotIssue{
				Param:   spec.Name,
				Code:    ir.CodeOutOfRangeArgument,
				Message: fmt.Sprintf("%s = %s is outside %s limits %s", spec.Name, withUnit(v, spec.Unit), dev.ID, describeRange(&low, &high, spec.Unit)),
			}
		}
	}
	return nil
}

func checkEstimate(schema ir.PlanSchema, byName map[string]ir.BoundArg) []ir.SlotIssue {
	est := schema.Estimate
	if est == nil {
		return nil
	}
	points := 1.0
	for _, name := range est.Points {
		arg, ok := byName[name]
		if !ok {
			return nil
		}
		n, ok := ir.AsFloat(arg.Value)
		if !ok {
			return nil
		}
		points *= n
	}
	seconds := points * est.SecondsPerPoint
	if seconds <= est.MaxSeconds {
		return nil
	}

	issues := make([]ir.SlotIssue, 0, len(est.Points))
	for _, name := range est.Points {
		issues = append(issues, ir.SlotIssue{
			Param: name,
			Code:  ir.CodeOutOfRangeArgument,
			Message: fmt.Sprintf("%s points would take about %s s, more than the %s s limit",
				fmtNum(points), fmtNum(seconds), fmtNum(est.MaxSeconds)),
		})
	}
	return issues
}

func describeRange(low, high *float64, unit string) string {
	switch {
	case low != nil && high != nil:
		return fmt.Sprintf("[%s, %s]%s", fmtNum(*low), fmtNum(*high), unitSuffix(unit))
	case low != nil:
		return fmt.Sprintf(">= %s", withUnit(*low, unit))
	case high != nil:
		return fmt.Sprintf("<= %s", withUnit(*high, unit))
	}
	return "its bounds"
}

func withUnit(v float64, unit string) string {
	return fmtNum(v) + unitSuffix(unit)
}

func unitSuffix(unit string) string {
	if unit == "" {
		return ""
	}
	return " " + unit
}

func fmtNum(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
