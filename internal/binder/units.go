package binder

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// unit is a physical unit relative to its dimension's base unit. Decimal
// prefixes are kept as exponents so 10000 um converts to exactly 10 mm.
type unit struct {
	dim    string
	exp10  int
	factor float64 // non-decimal scale, 1 for decimal units
}

var units = map[string]unit{
	"m":  {"length", 0, 1},
	"cm": {"length", -2, 1},
	"mm": {"length", -3, 1},
	"um": {"length", -6, 1},
	"nm": {"length", -9, 1},

	"deg":  {"angle", 0, 1},
	"mdeg": {"angle", -3, 1},
	"rad":  {"angle", 0, 180 / math.Pi},
	"urad": {"angle", -6, 180 / math.Pi},

	"s":   {"time", 0, 1},
	"ms":  {"time", -3, 1},
	"us":  {"time", -6, 1},
	"min": {"time", 0, 60},
	"h":   {"time", 0, 3600},

	"ev":  {"energy", 0, 1},
	"kev": {"energy", 3, 1},
}

// unitSpellings maps what operators type to a unit symbol.
var unitSpellings = map[string]string{
	"meter": "m", "meters": "m", "metre": "m", "metres": "m",
	"centimeter": "cm", "centimeters": "cm",
	"millimeter": "mm", "millimeters": "mm", "millimetre": "mm", "millimetres": "mm",
	"micron": "um", "microns": "um", "micrometer": "um", "micrometers": "um", "µm": "um", "μm": "um",
	"nanometer": "nm", "nanometers": "nm",
	"degree": "deg", "degrees": "deg", "°": "deg",
	"millidegree": "mdeg", "millidegrees": "mdeg",
	"radian": "rad", "radians": "rad", "µrad": "urad", "μrad": "urad",
	"sec": "s", "secs": "s", "second": "s", "seconds": "s",
	"msec": "ms", "millisecond": "ms", "milliseconds": "ms",
	"µs": "us", "μs": "us", "microsecond": "us", "microseconds": "us",
	"mins": "min", "minute": "min", "minutes": "min",
	"hr": "h", "hrs": "h", "hour": "h", "hours": "h",
	"electronvolt": "ev", "electronvolts": "ev",
}

var quantityRe = regexp.MustCompile(`^([+-]?(?:\d+\.?\d*|\.\d+)(?:e[+-]?\d+)?)\s*([^\d\s].*)?$`)

// canonicalUnit returns the unit symbol for a spelling, or "" if unknown.
func canonicalUnit(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if sym, ok := unitSpellings[s]; ok {
		return sym
	}
	if _, ok := units[s]; ok {
		return s
	}
	return ""
}

// KnownUnit reports whether s names a unit the binder can convert.
func KnownUnit(s string) bool {
	return canonicalUnit(s) != ""
}

// ParseQuantity parses "5", "5mm", "-2.5 um" or "1e-3 m" and returns the
// value expressed in target. A bare number is taken to be in target
// already. A unit on a unitless parameter, or a unit of another
// dimension, is an error.
func ParseQuantity(text, target string) (float64, error) {
	s := strings.ToLower(strings.TrimSpace(text))
	m := quantityRe.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("%q is not a number", text)
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil || math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, fmt.Errorf("%q is not a finite number", text)
	}

	given := strings.TrimSpace(m[2])
	if given == "" {
		return v, nil
	}
	from := canonicalUnit(given)
	if from == "" {
		return 0, fmt.Errorf("unknown unit %q", given)
	}
	if target == "" {
		return 0, fmt.Errorf("%q takes a plain number, not %s", text, from)
	}
	return Convert(v, from, target)
}

// Convert expresses v (in unit from) in unit to.
func Convert(v float64, from, to string) (float64, error) {
	fs, ts := canonicalUnit(from), canonicalUnit(to)
	if fs == ts && fs != "" {
		return v, nil
	}
	fu, fok := units[fs]
	tu, tok := units[ts]
	if !fok || !tok {
		if strings.EqualFold(from, to) {
			return v, nil
		}
		return 0, fmt.Errorf("cannot convert %s to %s", from, to)
	}
	if fu.dim != tu.dim {
		return 0, fmt.Errorf("%s is a unit of %s, expected %s in %s", from, fu.dim, tu.dim, to)
	}

	// Apply the exact decimal scale first: multiplying or dividing by an
	// exactly representable power of ten rounds once.
	out := v
	if shift := fu.exp10 - tu.exp10; shift > 0 {
		out *= math.Pow10(shift)
	} else if shift < 0 {
		out /= math.Pow10(-shift)
	}
	if fu.factor != tu.factor {
		out = out * fu.factor / tu.factor
	}
	return out, nil
}
