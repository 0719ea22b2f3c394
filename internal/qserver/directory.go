package qserver

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/baitchat/internal/ir"
)

// DeviceLister is the part of a device directory Directory falls back on.
type DeviceLister interface {
	ListDevices(ctx context.Context) ([]ir.DeviceRef, error)
}

// Directory lists the devices the queue server allows. Devices the base
// directory also defines keep its aliases, unit and travel limits; the
// rest are categorised from their name and class.
type Directory struct {
	Client *Client
	Base   DeviceLister // optional
}

// ListDevices implements registry.DeviceSource.
func (d Directory) ListDevices(ctx context.Context) ([]ir.DeviceRef, error) {
	allowed, err := d.Client.AllowedDevices(ctx)
	if err != nil {
		return nil, err
	}

	known := map[string]ir.DeviceRef{}
	if d.Base != nil {
		base, err := d.Base.ListDevices(ctx)
		if err != nil {
			return nil, fmt.Errorf("base device directory: %w", err)
		}
		for _, ref := range base {
			known[ref.ID] = ref
		}
	}

	out := make([]ir.DeviceRef, 0, len(allowed))
	for _, dev := range allowed {
		if ref, ok := known[dev.Name]; ok {
			out = append(out, ref)
			continue
		}
		out = append(out, ir.DeviceRef{
			ID:          dev.Name,
			Category:    Categorize(dev),
			Description: dev.Description,
		})
	}
	slices.SortFunc(out, func(a, b ir.DeviceRef) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// Categorize guesses a device category from its name and class.
func Categorize(d AllowedDevice) ir.Category {
	name := strings.ToLower(d.Name)
	class := strings.ToLower(d.ClassName())
	has := func(words ...string) bool {
		for _, w := range words {
			if strings.Contains(name, w) || strings.Contains(class, w) {
				return true
			}
		}
		return false
	}
	switch {
	case has("shutter"):
		return ir.CategoryShutter
	case has("motor"):
		return ir.CategoryMotor
	case has("det", "scaler", "camera", "pilatus", "eiger"):
		return ir.CategoryDetector
	case d.IsMovable:
		return ir.CategoryMotor
	}
	return ir.CategoryOther
}

// Drift is the difference between a local plan whitelist and the plans the
// queue server allows.
type Drift struct {
	// NotAllowed are whitelisted plans the server would refuse.
	NotAllowed []string `json:"not_allowed"`
	// Unlisted are server plans the whitelist does not expose.
	Unlisted []string `json:"unlisted"`
}

// InSync reports whether every whitelisted plan is allowed.
func (d Drift) InSync() bool { return len(d.NotAllowed) == 0 }

// CheckDrift compares the whitelist with the server's allowed plans.
func (c *Client) CheckDrift(ctx context.Context, plans []ir.PlanSchema) (Drift, error) {
	allowed, err := c.AllowedPlans(ctx)
	if err != nil {
		return Drift{}, err
	}
	server := make(map[string]bool, len(allowed))
	for _, p := range allowed {
		server[p.Name] = true
	}
	local := make(map[string]bool, len(plans))

	drift := Drift{NotAllowed: []string{}, Unlisted: []string{}}
	for _, p := range plans {
		local[p.Name] = true
		if !server[p.Name] {
			drift.NotAllowed = append(drift.NotAllowed, p.Name)
		}
	}
	for _, p := range allowed {
		if !local[p.Name] {
			drift.Unlisted = append(drift.Unlisted, p.Name)
		}
	}
	slices.Sort(drift.NotAllowed)
	return drift, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
