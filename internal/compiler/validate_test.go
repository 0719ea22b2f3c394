package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/baitchat/internal/ir"
)

func fptr(f float64) *float64 { return &f }

func validScan() ir.PlanSchema {
	return ir.PlanSchema{
		Name: "scan",
		Parameters: []ir.ParameterSpec{
			{Name: "detectors", Kind: ir.KindDevices, Required: true, Category: ir.CategoryDetector},
			{Name: "motor", Kind: ir.KindDevice, Required: true, Category: ir.CategoryMotor},
			{Name: "start", Kind: ir.KindNumber, Required: true, LimitsFrom: "motor"},
			{Name: "num", Kind: ir.KindInteger, Required: true, Min: fptr(1), Max: fptr(10000)},
		},
		Estimate: &ir.Estimate{Points: []string{"num"}, SecondsPerPoint: 2, MaxSeconds: 3600},
	}
}

func codes(errs []ValidationError) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Code
	}
	return out
}

func TestValidatePlanValid(t *testing.T) {
	assert.Empty(t, Validate(validScan()))
}

func TestValidatePlanErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *ir.PlanSchema)
		code   string
	}{
		{"bad name", func(p *ir.PlanSchema) { p.Name = "Scan-2" }, ErrInvalidPlanName},
		{"duplicate param", func(p *ir.PlanSchema) { p.Parameters[3].Name = "start" }, ErrDuplicateParam},
		{"bad kind", func(p *ir.PlanSchema) { p.Parameters[2].Kind = "complex" }, ErrInvalidParamKind},
		{"device without category", func(p *ir.PlanSchema) { p.Parameters[1].Category = "" }, ErrInvalidParamCategory},
		{"min above max", func(p *ir.PlanSchema) { p.Parameters[3].Min = fptr(20000) }, ErrInvalidBounds},
		{"limits_from non-device", func(p *ir.PlanSchema) { p.Parameters[2].LimitsFrom = "num" }, ErrInvalidLimitsFrom},
		{"estimate on number", func(p *ir.PlanSchema) { p.Estimate.Points = []string{"start"} }, ErrInvalidEstimate},
		{"estimate non-positive", func(p *ir.PlanSchema) { p.Estimate.MaxSeconds = 0 }, ErrInvalidEstimate},
		{"default out of bounds", func(p *ir.PlanSchema) { p.Parameters[3].Default = ir.Int(0) }, ErrInvalidDefault},
		{"category on number", func(p *ir.PlanSchema) { p.Parameters[2].Category = ir.CategoryMotor }, ErrCategoryOnNonDevice},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validScan()
			tt.mutate(&p)
			errs := Validate(&p)
			require.NotEmpty(t, errs)
			assert.Contains(t, codes(errs), tt.code)
		})
	}
}

func TestValidateDevice(t *testing.T) {
	assert.Empty(t, Validate(ir.DeviceRef{ID: "motor_x", Category: ir.CategoryMotor}))

	errs := Validate(ir.DeviceRef{ID: "Motor X", Category: "stage", Limits: &ir.Limits{Low: 1, High: 0}})
	assert.ElementsMatch(t, []string{ErrInvalidDeviceID, ErrInvalidDeviceCategory, ErrInvalidDeviceLimits}, codes(errs))
}

func TestValidateWhitelistDuplicates(t *testing.T) {
	plans := []ir.PlanSchema{validScan(), validScan()}
	devices := []ir.DeviceRef{
		{ID: "det_a", Category: ir.CategoryDetector},
		{ID: "det_a", Category: ir.CategoryDetector},
	}

	errs := ValidateWhitelist(plans, devices)
	assert.Equal(t, []string{ErrDuplicateName, ErrDuplicateName}, codes(errs))
}

func TestValidateUnsupportedType(t *testing.T) {
	errs := Validate("nope")
	require.Len(t, errs, 1)
	assert.Equal(t, ErrUnsupportedIRType, errs[0].Code)
}

func TestValidationErrorFormat(t *testing.T) {
	e := ValidationError{Field: "plan.scan", Message: "bad", Code: ErrInvalidPlanName}
	assert.Equal(t, "[E101] plan.scan: bad", e.Error())

	e.Line = 3
	assert.Equal(t, "[E101] line 3: plan.scan: bad", e.Error())
}
