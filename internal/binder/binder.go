// Package binder turns an Intent into a BoundPlan: every captured
// fragment is coerced to its parameter's kind, devices are resolved,
// defaults fill the optional slots and all bounds are checked.
package binder

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/roach88/baitchat/internal/ir"
	"github.com/roach88/baitchat/internal/registry"
	"github.com/roach88/baitchat/internal/resolver"
)

// Binder binds intents against a snapshot. It holds no per-request state;
// the same Intent and snapshot always bind to the same BoundPlan.
type Binder struct {
	resolver *resolver.Resolver
}

// New creates a Binder that resolves devices with r.
func New(r *resolver.Resolver) *Binder {
	if r == nil {
		r = resolver.New(0)
	}
	return &Binder{resolver: r}
}

// Bind coerces in's fragments to in.Plan's schema. A plan missing from
// snap yields a rejected BoundPlan; slot problems yield
// needs_clarification naming exactly the affected slots.
func (b *Binder) Bind(snap *registry.Snapshot, in ir.Intent) ir.BoundPlan {
	bp := ir.BoundPlan{Plan: in.Plan, Generation: snap.Generation()}

	schema, err := snap.Lookup(in.Plan)
	if err != nil {
		bp.Status = ir.StatusRejected
		bp.Reason = err.Error()
		return bp
	}
	bp.SchemaHash, _ = snap.SchemaHash(schema.Name)

	for _, spec := range schema.Parameters {
		frag, captured := in.Fragments[spec.Name]
		if !captured || len(frag.Values()) == 0 {
			switch {
			case spec.Default != nil:
				bp.Args = append(bp.Args, ir.BoundArg{
					Name: spec.Name, Kind: spec.Kind, Value: spec.Default, Unit: spec.Unit, Defaulted: true,
				})
			case spec.Required:
				bp.Issues = append(bp.Issues, ir.SlotIssue{
					Param:   spec.Name,
					Code:    ir.CodeMissingRequiredArgument,
					Message: missingMessage(spec),
				})
			}
			continue
		}

		arg, issue := b.coerce(snap, spec, frag)
		if issue != nil {
			bp.Issues = append(bp.Issues, *issue)
			continue
		}
		bp.Args = append(bp.Args, arg)
	}

	for _, extra := range in.Unassigned {
		bp.Issues = append(bp.Issues, ir.SlotIssue{
			Code:    ir.CodeInvalidArgument,
			Message: fmt.Sprintf("not sure where %q belongs in %s", extra.Text, schema.Name),
		})
	}

	bp.Issues = append(bp.Issues, CheckBounds(snap, schema, bp.Args)...)
	bp.Devices = ReferencedDevices(bp.Args)

	if len(bp.Issues) > 0 {
		bp.Status = ir.StatusNeedsClarification
	} else {
		bp.Status = ir.StatusValid
	}
	return bp
}

func (b *Binder) coerce(snap *registry.Snapshot, spec ir.ParameterSpec, frag ir.Fragment) (ir.BoundArg, *ir.SlotIssue) {
	arg := ir.BoundArg{Name: spec.Name, Kind: spec.Kind, Unit: spec.Unit}
	invalid := func(format string, args ...any) (ir.BoundArg, *ir.SlotIssue) {
		return arg, &ir.SlotIssue{Param: spec.Name, Code: ir.CodeInvalidArgument, Message: fmt.Sprintf(format, args...)}
	}

	switch spec.Kind {
	case ir.KindNumber:
		v, err := ParseQuantity(frag.Text, spec.Unit)
		if err != nil {
			return invalid("%s: %v", spec.Name, err)
		}
		arg.Value = ir.Float(v)

	case ir.KindInteger:
		v, err := ParseQuantity(frag.Text, spec.Unit)
		if err != nil {
			return invalid("%s: %v", spec.Name, err)
		}
		if v != math.Trunc(v) || math.Abs(v) > 1<<53 {
			return invalid("%s must be a whole number, got %s", spec.Name, frag.Text)
		}
		arg.Value = ir.Int(int64(v))

	case ir.KindNumbers:
		items := frag.Values()
		list := make(ir.List, 0, len(items))
		for _, item := range items {
			v, err := ParseQuantity(item, spec.Unit)
			if err != nil {
				return invalid("%s: %v", spec.Name, err)
			}
			list = append(list, ir.Float(v))
		}
		arg.Value = list

	case ir.KindDevice:
		if len(frag.Values()) > 1 {
			return invalid("%s takes one device, got %s", spec.Name, strings.Join(frag.Values(), ", "))
		}
		d, issue := b.resolveDevice(snap, spec, frag.Values()[0])
		if issue != nil {
			return arg, issue
		}
		arg.Value = ir.String(d.ID)

	case ir.KindDevices:
		var ids []string
		for _, mention := range frag.Values() {
			d, issue := b.resolveDevice(snap, spec, mention)
			if issue != nil {
				return arg, issue
			}
			if !slices.Contains(ids, d.ID) {
				ids = append(ids, d.ID)
			}
		}
		list := make(ir.List, len(ids))
		for i, id := range ids {
			list[i] = ir.String(id)
		}
		arg.Value = list

	case ir.KindString:
		arg.Value = ir.String(frag.Text)

	default:
		return invalid("unsupported kind %q", spec.Kind)
	}
	return arg, nil
}

func (b *Binder) resolveDevice(snap *registry.Snapshot, spec ir.ParameterSpec, mention string) (ir.DeviceRef, *ir.SlotIssue) {
	res := b.resolver.Resolve(snap, mention, spec.Category)
	switch res.Status {
	case resolver.Ambiguous:
		return ir.DeviceRef{}, &ir.SlotIssue{
			Param:      spec.Name,
			Code:       ir.CodeAmbiguousReference,
			Message:    fmt.Sprintf("%q could be %s", mention, orList(res.Candidates)),
			Candidates: res.Candidates,
		}
	case resolver.NotFound:
		return ir.DeviceRef{}, &ir.SlotIssue{
			Param:   spec.Name,
			Code:    ir.CodeUnknownDevice,
			Message: fmt.Sprintf("no %s matches %q", categoryWord(spec.Category), mention),
		}
	}
	if spec.Category != "" && res.Device.Category != spec.Category {
		return ir.DeviceRef{}, &ir.SlotIssue{
			Param:   spec.Name,
			Code:    ir.CodeInvalidArgument,
			Message: fmt.Sprintf("%s is a %s, %s needs a %s", res.Device.ID, res.Device.Category, spec.Name, spec.Category),
		}
	}
	return res.Device, nil
}

// ReferencedDevices returns the sorted ids of every device argument.
func ReferencedDevices(args []ir.BoundArg) []string {
	var ids []string
	for _, a := range args {
		if !a.Kind.IsDevice() {
			continue
		}
		switch v := a.Value.(type) {
		case ir.String:
			ids = append(ids, string(v))
		case ir.List:
			strs, _ := v.Strings()
			ids = append(ids, strs...)
		}
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}

func missingMessage(spec ir.ParameterSpec) string {
	switch {
	case spec.Kind.IsDevice():
		return fmt.Sprintf("which %s? (%s is required)", categoryWord(spec.Category), spec.Name)
	case spec.Description != "":
		return fmt.Sprintf("%s is required (%s)", spec.Name, strings.ToLower(spec.Description))
	}
	return fmt.Sprintf("%s is required", spec.Name)
}

func categoryWord(c ir.Category) string {
	if c == "" {
		return "device"
	}
	return string(c)
}

func orList(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	}
	return strings.Join(items[:len(items)-1], ", ") + " or " + items[len(items)-1]
}
