package registry

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/roach88/baitchat/internal/compiler"
	"github.com/roach88/baitchat/internal/ir"
)

// ErrPlanNotFound is returned by Lookup for names absent from the whitelist.
var ErrPlanNotFound = errors.New("plan not found in whitelist")

// Snapshot is an immutable view of the plan whitelist and device directory.
// Requests capture one Snapshot at entry and pass it through every stage;
// a reload installs a new Snapshot rather than changing this one.
//
// Values returned from a Snapshot share backing arrays with it and must
// not be modified.
type Snapshot struct {
	generation  uint64
	fingerprint string
	loadedAt    time.Time

	plans   []ir.PlanSchema
	byName  map[string]int
	hashes  map[string]string
	devices []ir.DeviceRef
	byID    map[string]int
}

// NewSnapshot validates and indexes a whitelist. Plans keep whitelist
// order; devices are sorted by id.
func NewSnapshot(generation uint64, plans []ir.PlanSchema, devices []ir.DeviceRef, loadedAt time.Time) (*Snapshot, error) {
	if errs := compiler.ValidateWhitelist(plans, devices); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, fmt.Errorf("invalid whitelist: %s", strings.Join(msgs, "; "))
	}

	s := &Snapshot{
		generation: generation,
		loadedAt:   loadedAt,
		plans:      slices.Clone(plans),
		byName:     make(map[string]int, len(plans)),
		hashes:     make(map[string]string, len(plans)),
		devices:    slices.Clone(devices),
		byID:       make(map[string]int, len(devices)),
	}
	slices.SortFunc(s.devices, func(a, b ir.DeviceRef) int { return strings.Compare(a.ID, b.ID) })

	for i, p := range s.plans {
		h, err := ir.SchemaHash(p)
		if err != nil {
			return nil, fmt.Errorf("plan %s: %w", p.Name, err)
		}
		s.byName[p.Name] = i
		s.hashes[p.Name] = h
	}
	for i, d := range s.devices {
		s.byID[d.ID] = i
	}

	fp, err := ir.SnapshotFingerprint(s.plans, s.devices)
	if err != nil {
		return nil, err
	}
	s.fingerprint = fp

	return s, nil
}

// Generation is the monotonically increasing install counter.
func (s *Snapshot) Generation() uint64 { return s.generation }

// Fingerprint identifies the snapshot's contents.
func (s *Snapshot) Fingerprint() string { return s.fingerprint }

// LoadedAt is when the snapshot was installed.
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// Lookup returns the plan with exactly this name. There is no fuzzy
// fallback: any other name is ErrPlanNotFound.
func (s *Snapshot) Lookup(name string) (ir.PlanSchema, error) {
	i, ok := s.byName[name]
	if !ok {
		return ir.PlanSchema{}, fmt.Errorf("%w: %q", ErrPlanNotFound, name)
	}
	return s.plans[i], nil
}

// SchemaHash returns the content hash of the named plan.
func (s *Snapshot) SchemaHash(name string) (string, bool) {
	h, ok := s.hashes[name]
	return h, ok
}

// List returns all plans in whitelist order.
func (s *Snapshot) List() []ir.PlanSchema {
	return slices.Clone(s.plans)
}

// Device returns the device with this canonical id.
func (s *Snapshot) Device(id string) (ir.DeviceRef, bool) {
	i, ok := s.byID[id]
	if !ok {
		return ir.DeviceRef{}, false
	}
	return s.devices[i], true
}

// Devices returns all devices sorted by id.
func (s *Snapshot) Devices() []ir.DeviceRef {
	return slices.Clone(s.devices)
}

// DevicesIn returns the devices of one category sorted by id.
func (s *Snapshot) DevicesIn(c ir.Category) []ir.DeviceRef {
	var out []ir.DeviceRef
	for _, d := range s.devices {
		if d.Category == c {
			out = append(out, d)
		}
	}
	return out
}
