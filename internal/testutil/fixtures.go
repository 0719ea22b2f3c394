package testutil

import "github.com/roach88/baitchat/internal/ir"

// Plans returns the plan whitelist used across package tests. It matches
// testdata/whitelist/plans.cue.
func Plans() []ir.PlanSchema {
	detectors := ir.ParameterSpec{Name: "detectors", Kind: ir.KindDevices, Required: true,
		Category: ir.CategoryDetector, Description: "Detectors read at each point"}
	points := func(name, desc string) ir.ParameterSpec {
		return ir.ParameterSpec{Name: name, Kind: ir.KindInteger, Required: true,
			Min: fptr(1), Max: fptr(10000), Description: desc}
	}
	motor := func(name, desc string) ir.ParameterSpec {
		return ir.ParameterSpec{Name: name, Kind: ir.KindDevice, Required: true,
			Category: ir.CategoryMotor, Description: desc}
	}
	position := func(name, limitsFrom, desc string) ir.ParameterSpec {
		return ir.ParameterSpec{Name: name, Kind: ir.KindNumber, Required: true,
			Unit: "mm", LimitsFrom: limitsFrom, Description: desc}
	}
	estimate := func(points ...string) *ir.Estimate {
		return &ir.Estimate{Points: points, SecondsPerPoint: 2, MaxSeconds: 3600}
	}

	num := points("num", "Number of readings")
	num.Required = false
	num.Default = ir.Int(1)

	relStart := position("start", "", "Offset of the first point")
	relStart.Min, relStart.Max = fptr(-10), fptr(10)
	relStop := position("stop", "", "Offset of the last point")
	relStop.Min, relStop.Max = fptr(-10), fptr(10)

	return []ir.PlanSchema{
		{
			Name:        "count",
			Description: "Take one or more readings from detectors",
			Aliases:     []string{"read", "take a reading", "acquire"},
			Parameters: []ir.ParameterSpec{
				detectors,
				num,
				{Name: "delay", Kind: ir.KindNumber, Unit: "s", Default: ir.Float(0),
					Min: fptr(0), Max: fptr(60), Description: "Delay between readings"},
			},
			Estimate: estimate("num"),
		},
		{
			Name:        "scan",
			Description: "Step a motor between absolute positions and read detectors at each point",
			Aliases:     []string{"line scan", "ascan", "absolute scan"},
			Parameters: []ir.ParameterSpec{
				detectors,
				motor("motor", "Motor to step"),
				position("start", "motor", "First position"),
				position("stop", "motor", "Last position"),
				points("num", "Number of points"),
			},
			Estimate: estimate("num"),
		},
		{
			Name:        "rel_scan",
			Description: "Step a motor relative to its current position and read detectors at each point",
			Aliases:     []string{"relative scan", "rel scan", "dscan"},
			Parameters: []ir.ParameterSpec{
				detectors,
				motor("motor", "Motor to step"),
				relStart,
				relStop,
				points("num", "Number of points"),
			},
			Estimate: estimate("num"),
		},
		{
			Name:        "list_scan",
			Description: "Move a motor through a list of positions and read detectors at each",
			Aliases:     []string{"list scan", "positions scan"},
			Parameters: []ir.ParameterSpec{
				detectors,
				motor("motor", "Motor to move"),
				{Name: "positions", Kind: ir.KindNumbers, Required: true, Unit: "mm",
					LimitsFrom: "motor", Description: "Positions to visit"},
			},
		},
		{
			Name:        "grid_scan",
			Description: "Scan two motors over a rectangular grid",
			Aliases:     []string{"grid scan", "mesh scan", "2d scan", "raster scan"},
			Parameters: []ir.ParameterSpec{
				detectors,
				motor("motor1", "Outer motor"),
				position("start1", "motor1", ""),
				position("stop1", "motor1", ""),
				points("num1", ""),
				motor("motor2", "Inner motor"),
				position("start2", "motor2", ""),
				position("stop2", "motor2", ""),
				points("num2", ""),
			},
			Estimate: estimate("num1", "num2"),
		},
	}
}

// Devices returns the device directory used across package tests. It
// matches testdata/whitelist/devices.cue.
func Devices() []ir.DeviceRef {
	return []ir.DeviceRef{
		{ID: "det_a", Category: ir.CategoryDetector, Aliases: []string{"detector a", "area detector", "camera"}, Description: "Area detector"},
		{ID: "det_b", Category: ir.CategoryDetector, Aliases: []string{"detector b", "point detector", "diode"}, Description: "Photodiode"},
		{ID: "motor_x", Category: ir.CategoryMotor, Aliases: []string{"x", "x motor", "sample x"}, Unit: "mm",
			Limits: &ir.Limits{Low: -10, High: 10}, Description: "Sample stage horizontal"},
		{ID: "motor_y", Category: ir.CategoryMotor, Aliases: []string{"y", "y motor", "sample y"}, Unit: "mm",
			Limits: &ir.Limits{Low: -5, High: 5}, Description: "Sample stage vertical"},
		{ID: "shutter", Category: ir.CategoryShutter, Aliases: []string{"fast shutter"}, Description: "Fast shutter"},
	}
}

// Plan returns the fixture plan with the given name, or panics.
func Plan(name string) ir.PlanSchema {
	for _, p := range Plans() {
		if p.Name == name {
			return p
		}
	}
	panic("testutil: no fixture plan " + name)
}

func fptr(f float64) *float64 { return &f }
