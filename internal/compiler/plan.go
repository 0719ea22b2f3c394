package compiler

import (
	"fmt"
	"strconv"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/baitchat/internal/ir"
)

// CompilePlan parses a CUE value into a PlanSchema.
//
// The CUE value should be the plan struct itself, e.g.:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`plan: scan: { parameters: [...] }`)
//	spec, err := CompilePlan(v.LookupPath(cue.ParsePath("plan.scan")))
//
// Parameters are a list so their order survives; the order is the
// positional order the parser binds bare numbers in.
func CompilePlan(v cue.Value) (*ir.PlanSchema, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	spec := &ir.PlanSchema{Name: labelOf(v)}

	var err error
	if spec.Description, err = optionalString(v, "description"); err != nil {
		return nil, err
	}
	if spec.Aliases, err = optionalStrings(v, "aliases"); err != nil {
		return nil, err
	}

	paramsVal := v.LookupPath(cue.ParsePath("parameters"))
	if !paramsVal.Exists() {
		return nil, &CompileError{
			Field:   "parameters",
			Message: "parameters are required (use [] for a plan without arguments)",
			Pos:     v.Pos(),
		}
	}
	iter, err := paramsVal.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		param, err := parseParameter(iter.Value())
		if err != nil {
			return nil, err
		}
		spec.Parameters = append(spec.Parameters, param)
	}

	estVal := v.LookupPath(cue.ParsePath("estimate"))
	if estVal.Exists() {
		est, err := parseEstimate(estVal)
		if err != nil {
			return nil, err
		}
		spec.Estimate = est
	}

	return spec, nil
}

// parseParameter parses one entry of a plan's parameters list.
// required defaults to true unless a default is given.
func parseParameter(v cue.Value) (ir.ParameterSpec, error) {
	var p ir.ParameterSpec

	name, err := requiredString(v, "name")
	if err != nil {
		return p, err
	}
	p.Name = name

	kind, err := requiredString(v, "kind")
	if err != nil {
		return p, err
	}
	p.Kind = ir.ParamKind(kind)
	if !ir.ValidParamKinds[p.Kind] {
		return p, &CompileError{
			Field:   fmt.Sprintf("parameters.%s.kind", name),
			Message: fmt.Sprintf("unsupported kind %q", kind),
			Pos:     v.Pos(),
		}
	}

	if p.Unit, err = optionalString(v, "unit"); err != nil {
		return p, err
	}
	if p.Description, err = optionalString(v, "description"); err != nil {
		return p, err
	}
	if p.LimitsFrom, err = optionalString(v, "limits_from"); err != nil {
		return p, err
	}
	category, err := optionalString(v, "category")
	if err != nil {
		return p, err
	}
	p.Category = ir.Category(category)

	if p.Min, err = optionalFloat(v, "min"); err != nil {
		return p, err
	}
	if p.Max, err = optionalFloat(v, "max"); err != nil {
		return p, err
	}

	defVal := v.LookupPath(cue.ParsePath("default"))
	if defVal.Exists() {
		def, err := compileDefault(defVal, p.Kind)
		if err != nil {
			return p, err
		}
		p.Default = def
	}

	p.Required = p.Default == nil
	reqVal := v.LookupPath(cue.ParsePath("required"))
	if reqVal.Exists() {
		req, err := reqVal.Bool()
		if err != nil {
			return p, formatCUEError(err)
		}
		p.Required = req
	}

	return p, nil
}

// compileDefault converts a CUE default to the Value type of its kind.
// A number default is always a Float, an integer default always an Int.
func compileDefault(v cue.Value, kind ir.ParamKind) (ir.Value, error) {
	switch kind {
	case ir.KindNumber:
		f, err := v.Float64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.Float(f), nil
	case ir.KindInteger:
		n, err := v.Int64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.Int(n), nil
	case ir.KindString, ir.KindDevice:
		s, err := v.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.String(s), nil
	case ir.KindNumbers:
		iter, err := v.List()
		if err != nil {
			return nil, formatCUEError(err)
		}
		out := ir.List{}
		for iter.Next() {
			f, err := iter.Value().Float64()
			if err != nil {
				return nil, formatCUEError(err)
			}
			out = append(out, ir.Float(f))
		}
		return out, nil
	case ir.KindDevices:
		strs, err := stringList(v)
		if err != nil {
			return nil, err
		}
		out := make(ir.List, len(strs))
		for i, s := range strs {
			out[i] = ir.String(s)
		}
		return out, nil
	}
	return nil, &CompileError{Field: "default", Message: fmt.Sprintf("unsupported kind %q", kind), Pos: v.Pos()}
}

func parseEstimate(v cue.Value) (*ir.Estimate, error) {
	points, err := optionalStrings(v, "points")
	if err != nil {
		return nil, err
	}
	per, err := optionalFloat(v, "seconds_per_point")
	if err != nil {
		return nil, err
	}
	maxSeconds, err := optionalFloat(v, "max_seconds")
	if err != nil {
		return nil, err
	}
	if per == nil || maxSeconds == nil || len(points) == 0 {
		return nil, &CompileError{
			Field:   "estimate",
			Message: "estimate needs points, seconds_per_point and max_seconds",
			Pos:     v.Pos(),
		}
	}
	return &ir.Estimate{Points: points, SecondsPerPoint: *per, MaxSeconds: *maxSeconds}, nil
}

// CompileDevice parses a CUE value into a DeviceRef, e.g. the value at
// path "device.motor_x".
func CompileDevice(v cue.Value) (*ir.DeviceRef, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	dev := &ir.DeviceRef{ID: labelOf(v)}

	category, err := requiredString(v, "category")
	if err != nil {
		return nil, err
	}
	dev.Category = ir.Category(category)

	if dev.Aliases, err = optionalStrings(v, "aliases"); err != nil {
		return nil, err
	}
	if dev.Unit, err = optionalString(v, "unit"); err != nil {
		return nil, err
	}
	if dev.Description, err = optionalString(v, "description"); err != nil {
		return nil, err
	}

	limVal := v.LookupPath(cue.ParsePath("limits"))
	if limVal.Exists() {
		low, err := optionalFloat(limVal, "low")
		if err != nil {
			return nil, err
		}
		high, err := optionalFloat(limVal, "high")
		if err != nil {
			return nil, err
		}
		if low == nil || high == nil {
			return nil, &CompileError{
				Field:   fmt.Sprintf("device.%s.limits", dev.ID),
				Message: "limits need both low and high",
				Pos:     limVal.Pos(),
			}
		}
		dev.Limits = &ir.Limits{Low: *low, High: *high}
	}

	return dev, nil
}

// labelOf returns the last path selector, the struct label a plan or
// device was declared under.
func labelOf(v cue.Value) string {
	sels := v.Path().Selectors()
	if len(sels) == 0 {
		return ""
	}
	label := sels[len(sels)-1].String()
	if unq, err := strconv.Unquote(label); err == nil {
		return unq
	}
	return label
}

func requiredString(v cue.Value, field string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return "", &CompileError{
			Field:   field,
			Message: field + " is required",
			Pos:     v.Pos(),
		}
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

func optionalString(v cue.Value, field string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return "", nil
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

func optionalStrings(v cue.Value, field string) ([]string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return nil, nil
	}
	return stringList(fv)
}

func stringList(v cue.Value) ([]string, error) {
	iter, err := v.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var out []string
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		out = append(out, s)
	}
	return out, nil
}

func optionalFloat(v cue.Value, field string) (*float64, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return nil, nil
	}
	f, err := fv.Float64()
	if err != nil {
		return nil, formatCUEError(err)
	}
	return &f, nil
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	positions := errors.Positions(first)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
