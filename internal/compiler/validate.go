package compiler

import (
	"fmt"
	"regexp"

	"github.com/roach88/baitchat/internal/ir"
)

// Validation error codes (E100-E199)
const (
	// General validation errors (E100)
	ErrUnsupportedIRType = "E100" // unsupported IR type for validation

	// PlanSchema errors (E101-E109)
	ErrInvalidPlanName      = "E101" // plan name must be an identifier
	ErrDuplicateParam       = "E102" // duplicate parameter name
	ErrInvalidParamKind     = "E103" // unknown parameter kind
	ErrInvalidParamCategory = "E104" // device parameter without a valid category
	ErrInvalidBounds        = "E105" // min greater than max
	ErrInvalidLimitsFrom    = "E106" // limits_from does not name a device parameter
	ErrInvalidEstimate      = "E107" // estimate references a missing or non-integer parameter
	ErrInvalidDefault       = "E108" // default has the wrong type or is out of bounds
	ErrCategoryOnNonDevice  = "E109" // category set on a non-device parameter

	// DeviceRef errors (E110-E119)
	ErrInvalidDeviceID       = "E110" // device id must be an identifier
	ErrInvalidDeviceCategory = "E111" // unknown device category
	ErrInvalidDeviceLimits   = "E112" // limits low greater than high

	// Whitelist-level errors (E120-E129)
	ErrDuplicateName = "E120" // duplicate plan or device name
)

var identifierRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ValidationError represents a schema validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Line    int    `json:"line,omitempty"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("[%s] line %d: %s: %s", e.Code, e.Line, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Validate validates a compiled plan or device against schema rules.
// Returns all errors found (does not fail-fast).
func Validate(v any) []ValidationError {
	switch val := v.(type) {
	case *ir.PlanSchema:
		return validatePlan(val)
	case ir.PlanSchema:
		return validatePlan(&val)
	case *ir.DeviceRef:
		return validateDevice(val)
	case ir.DeviceRef:
		return validateDevice(&val)
	default:
		return []ValidationError{{
			Field:   "type",
			Message: fmt.Sprintf("unsupported IR type: %T", v),
			Code:    ErrUnsupportedIRType,
		}}
	}
}

// ValidateWhitelist validates every plan and device plus the checks that
// span them (name uniqueness).
func ValidateWhitelist(plans []ir.PlanSchema, devices []ir.DeviceRef) []ValidationError {
	var errs []ValidationError

	seenPlans := make(map[string]bool)
	for i := range plans {
		if seenPlans[plans[i].Name] {
			errs = append(errs, ValidationError{
				Field:   "plan." + plans[i].Name,
				Message: fmt.Sprintf("duplicate plan name: %q", plans[i].Name),
				Code:    ErrDuplicateName,
			})
		}
		seenPlans[plans[i].Name] = true
		errs = append(errs, validatePlan(&plans[i])...)
	}

	seenDevices := make(map[string]bool)
	for i := range devices {
		if seenDevices[devices[i].ID] {
			errs = append(errs, ValidationError{
				Field:   "device." + devices[i].ID,
				Message: fmt.Sprintf("duplicate device id: %q", devices[i].ID),
				Code:    ErrDuplicateName,
			})
		}
		seenDevices[devices[i].ID] = true
		errs = append(errs, validateDevice(&devices[i])...)
	}

	return errs
}

func validatePlan(p *ir.PlanSchema) []ValidationError {
	var errs []ValidationError
	prefix := "plan." + p.Name

	// E101: plan names are forwarded verbatim to the queue server
	if !identifierRe.MatchString(p.Name) {
		errs = append(errs, ValidationError{
			Field:   prefix,
			Message: fmt.Sprintf("plan name %q must match %s", p.Name, identifierRe),
			Code:    ErrInvalidPlanName,
		})
	}

	params := make(map[string]ir.ParameterSpec)
	for i, spec := range p.Parameters {
		field := fmt.Sprintf("%s.parameters[%d]", prefix, i)

		// E102: duplicate parameter name
		if _, dup := params[spec.Name]; dup {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("duplicate parameter name: %q", spec.Name),
				Code:    ErrDuplicateParam,
			})
		}
		params[spec.Name] = spec

		errs = append(errs, validateParam(field, spec)...)
	}

	// E106: limits_from must name a device parameter of this plan
	for i, spec := range p.Parameters {
		if spec.LimitsFrom == "" {
			continue
		}
		ref, ok := params[spec.LimitsFrom]
		if !ok || ref.Kind != ir.KindDevice {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("%s.parameters[%d].limits_from", prefix, i),
				Message: fmt.Sprintf("limits_from %q must name a device parameter", spec.LimitsFrom),
				Code:    ErrInvalidLimitsFrom,
			})
		}
	}

	// E107: estimate points must be integer parameters
	if p.Estimate != nil {
		for _, name := range p.Estimate.Points {
			ref, ok := params[name]
			if !ok || ref.Kind != ir.KindInteger {
				errs = append(errs, ValidationError{
					Field:   prefix + ".estimate.points",
					Message: fmt.Sprintf("estimate point %q must name an integer parameter", name),
					Code:    ErrInvalidEstimate,
				})
			}
		}
		if p.Estimate.SecondsPerPoint <= 0 || p.Estimate.MaxSeconds <= 0 {
			errs = append(errs, ValidationError{
				Field:   prefix + ".estimate",
				Message: "seconds_per_point and max_seconds must be positive",
				Code:    ErrInvalidEstimate,
			})
		}
	}

	return errs
}

func validateParam(field string, spec ir.ParameterSpec) []ValidationError {
	var errs []ValidationError

	// E103: unknown kind
	if !ir.ValidParamKinds[spec.Kind] {
		errs = append(errs, ValidationError{
			Field:   field + ".kind",
			Message: fmt.Sprintf("invalid kind %q for parameter %q", spec.Kind, spec.Name),
			Code:    ErrInvalidParamKind,
		})
	}

	// E104/E109: categories belong to device parameters only
	if spec.Kind.IsDevice() && !ir.ValidCategories[spec.Category] {
		errs = append(errs, ValidationError{
			Field:   field + ".category",
			Message: fmt.Sprintf("device parameter %q needs a category (motor|detector|shutter|other)", spec.Name),
			Code:    ErrInvalidParamCategory,
		})
	}
	if !spec.Kind.IsDevice() && spec.Category != "" {
		errs = append(errs, ValidationError{
			Field:   field + ".category",
			Message: fmt.Sprintf("category is only valid on device parameters, not %q", spec.Name),
			Code:    ErrCategoryOnNonDevice,
		})
	}

	// E105: bounds
	if spec.Min != nil && spec.Max != nil && *spec.Min > *spec.Max {
		errs = append(errs, ValidationError{
			Field:   field,
			Message: fmt.Sprintf("min %g is greater than max %g", *spec.Min, *spec.Max),
			Code:    ErrInvalidBounds,
		})
	}

	// E108: defaults must fit their kind and bounds
	if spec.Default != nil {
		if msg := checkDefault(spec); msg != "" {
			errs = append(errs, ValidationError{
				Field:   field + ".default",
				Message: msg,
				Code:    ErrInvalidDefault,
			})
		}
	}

	return errs
}

func checkDefault(spec ir.ParameterSpec) string {
	var nums []float64
	switch spec.Kind {
	case ir.KindNumber, ir.KindInteger:
		f, ok := ir.AsFloat(spec.Default)
		if !ok {
			return fmt.Sprintf("default for %q must be numeric", spec.Name)
		}
		nums = []float64{f}
	case ir.KindNumbers:
		l, ok := spec.Default.(ir.List)
		if !ok {
			return fmt.Sprintf("default for %q must be a list", spec.Name)
		}
		if nums, ok = l.Floats(); !ok {
			return fmt.Sprintf("default for %q must be a list of numbers", spec.Name)
		}
	default:
		return ""
	}
	for _, n := range nums {
		if (spec.Min != nil && n < *spec.Min) || (spec.Max != nil && n > *spec.Max) {
			return fmt.Sprintf("default %g for %q is outside its bounds", n, spec.Name)
		}
	}
	return ""
}

func validateDevice(d *ir.DeviceRef) []ValidationError {
	var errs []ValidationError
	prefix := "device." + d.ID

	// E110: device ids are forwarded verbatim to the queue server
	if !identifierRe.MatchString(d.ID) {
		errs = append(errs, ValidationError{
			Field:   prefix,
			Message: fmt.Sprintf("device id %q must match %s", d.ID, identifierRe),
			Code:    ErrInvalidDeviceID,
		})
	}

	// E111: category
	if !ir.ValidCategories[d.Category] {
		errs = append(errs, ValidationError{
			Field:   prefix + ".category",
			Message: fmt.Sprintf("invalid category %q", d.Category),
			Code:    ErrInvalidDeviceCategory,
		})
	}

	// E112: limits
	if d.Limits != nil && d.Limits.Low > d.Limits.High {
		errs = append(errs, ValidationError{
			Field:   prefix + ".limits",
			Message: fmt.Sprintf("low %g is greater than high %g", d.Limits.Low, d.Limits.High),
			Code:    ErrInvalidDeviceLimits,
		})
	}

	return errs
}
