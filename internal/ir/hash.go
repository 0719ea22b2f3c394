package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity. The version suffix allows
// changing the hashed shape without colliding with old values.
const (
	DomainSchema     = "baitchat/schema/v1"
	DomainSnapshot   = "baitchat/snapshot/v1"
	DomainSubmission = "baitchat/submission/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// SchemaHash identifies a PlanSchema's contents. The gate compares it with
// the live registry to detect a plan redefined between parse and submit.
func SchemaHash(p PlanSchema) (string, error) {
	canonical, err := MarshalCanonical(schemaObject(p))
	if err != nil {
		return "", fmt.Errorf("SchemaHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainSchema, canonical), nil
}

// SnapshotFingerprint identifies a whole registry snapshot's contents,
// independent of its generation number.
func SnapshotFingerprint(plans []PlanSchema, devices []DeviceRef) (string, error) {
	planList := make(List, len(plans))
	for i, p := range plans {
		planList[i] = schemaObject(p)
	}
	deviceList := make(List, len(devices))
	for i, d := range devices {
		deviceList[i] = deviceObject(d)
	}
	canonical, err := MarshalCanonical(Object{"plans": planList, "devices": deviceList})
	if err != nil {
		return "", fmt.Errorf("SnapshotFingerprint: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainSnapshot, canonical), nil
}

// SubmissionID identifies one gate decision. seq makes repeated submissions
// of the same plan distinct.
func SubmissionID(requestID string, plan string, args Object, seq int64) (string, error) {
	canonical, err := MarshalCanonical(Object{
		"request_id": String(requestID),
		"plan":       String(plan),
		"args":       args,
		"seq":        Int(seq),
	})
	if err != nil {
		return "", fmt.Errorf("SubmissionID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainSubmission, canonical), nil
}

// MustSchemaHash is like SchemaHash but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustSchemaHash(p PlanSchema) string {
	h, err := SchemaHash(p)
	if err != nil {
		panic(err)
	}
	return h
}

func schemaObject(p PlanSchema) Object {
	params := make(List, len(p.Parameters))
	for i, spec := range p.Parameters {
		o := Object{
			"name":     String(spec.Name),
			"kind":     String(spec.Kind),
			"required": Bool(spec.Required),
		}
		if spec.Default != nil {
			if _, isNull := spec.Default.(Null); !isNull {
				o["default"] = spec.Default
			}
		}
		if spec.Unit != "" {
			o["unit"] = String(spec.Unit)
		}
		if spec.Category != "" {
			o["category"] = String(spec.Category)
		}
		if spec.Min != nil {
			o["min"] = Float(*spec.Min)
		}
		if spec.Max != nil {
			o["max"] = Float(*spec.Max)
		}
		if spec.LimitsFrom != "" {
			o["limits_from"] = String(spec.LimitsFrom)
		}
		params[i] = o
	}
	obj := Object{
		"name":       String(p.Name),
		"parameters": params,
	}
	if p.Estimate != nil {
		points := make(List, len(p.Estimate.Points))
		for i, name := range p.Estimate.Points {
			points[i] = String(name)
		}
		obj["estimate"] = Object{
			"points":            points,
			"seconds_per_point": Float(p.Estimate.SecondsPerPoint),
			"max_seconds":       Float(p.Estimate.MaxSeconds),
		}
	}
	return obj
}

func deviceObject(d DeviceRef) Object {
	aliases := make(List, len(d.Aliases))
	for i, a := range d.Aliases {
		aliases[i] = String(a)
	}
	o := Object{
		"id":       String(d.ID),
		"category": String(d.Category),
		"aliases":  aliases,
	}
	if d.Unit != "" {
		o["unit"] = String(d.Unit)
	}
	if d.Limits != nil {
		o["limits"] = Object{"low": Float(d.Limits.Low), "high": Float(d.Limits.High)}
	}
	return o
}
