package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/baitchat/internal/ir"
)

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

// marshalArgs converts bound args to canonical JSON TEXT for storage.
// Canonical JSON keeps Int and Float apart (5 vs 5.0), so the args read
// back with the kinds they were dispatched with.
func marshalArgs(args []ir.BoundArg) (string, error) {
	list := make(ir.List, len(args))
	for i, a := range args {
		obj := ir.Object{
			"name":  ir.String(a.Name),
			"kind":  ir.String(a.Kind),
			"value": a.Value,
		}
		if a.Unit != "" {
			obj["unit"] = ir.String(a.Unit)
		}
		if a.Defaulted {
			obj["defaulted"] = ir.Bool(true)
		}
		list[i] = obj
	}
	data, err := ir.MarshalCanonical(list)
	if err != nil {
		return "", fmt.Errorf("marshal args: %w", err)
	}
	return string(data), nil
}

// unmarshalArgs parses canonical JSON TEXT back to bound args. Numbers are
// decoded as json.Number so integral values stay Int and "2.0" stays Float.
func unmarshalArgs(data string) ([]ir.BoundArg, error) {
	if data == "" || data == "[]" {
		return []ir.BoundArg{}, nil
	}
	var raw []struct {
		Name      string          `json:"name"`
		Kind      ir.ParamKind    `json:"kind"`
		Value     json.RawMessage `json:"value"`
		Unit      string          `json:"unit"`
		Defaulted bool            `json:"defaulted"`
	}
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		return nil, fmt.Errorf("unmarshal args: %w", err)
	}

	args := make([]ir.BoundArg, len(raw))
	for i, r := range raw {
		dec := json.NewDecoder(bytes.NewReader(r.Value))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("unmarshal arg %q: %w", r.Name, err)
		}
		val, err := ir.FromAny(v)
		if err != nil {
			return nil, fmt.Errorf("unmarshal arg %q: %w", r.Name, err)
		}
		args[i] = ir.BoundArg{Name: r.Name, Kind: r.Kind, Value: val, Unit: r.Unit, Defaulted: r.Defaulted}
	}
	return args, nil
}

// marshalOutcome converts an Outcome to JSON TEXT.
// Uses json.Encoder with HTML escaping disabled so messages like
// "x < 5" are stored as written.
func marshalOutcome(o ir.Outcome) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(o); err != nil {
		return "", fmt.Errorf("marshal outcome: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}
