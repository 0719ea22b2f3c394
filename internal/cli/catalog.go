package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/baitchat/internal/ir"
	"github.com/roach88/baitchat/internal/qserver"
)

// PlansOptions holds flags for the plans command.
type PlansOptions struct {
	*RootOptions
	Check bool
}

// PlansResult is the JSON payload of the plans command.
type PlansResult struct {
	Generation uint64          `json:"generation"`
	Plans      []ir.PlanSchema `json:"plans"`
	Drift      *qserver.Drift  `json:"drift,omitempty"`
}

// NewPlansCommand creates the plans command.
func NewPlansCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PlansOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "plans",
		Short: "List the whitelisted plans",
		Long: `List the plans operators may request, with their parameters.

With --check, also ask the queue server which plans it allows and fail
when a whitelisted plan would be refused.

Exit codes:
  0 - Listed (and in sync with --check)
  1 - Whitelisted plans the queue server does not allow
  2 - Command error (bad config, queue server unreachable)`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlans(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Check, "check", false, "compare the whitelist with the queue server's allowed plans")

	return cmd
}

func runPlans(opts *PlansOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	app, err := loadApp(opts.RootOptions, f)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx := cmd.Context()
	reg, err := app.Registry(ctx)
	if err != nil {
		return f.FailErr("cannot load whitelist", err)
	}
	snap := reg.Current()
	result := PlansResult{Generation: snap.Generation(), Plans: snap.List()}

	if opts.Check {
		drift, err := app.QServer().CheckDrift(ctx, result.Plans)
		if err != nil {
			return f.FailErr("cannot check plans", err)
		}
		result.Drift = &drift
	}

	if f.Format == "json" {
		if err := f.Success(result); err != nil {
			return err
		}
	} else {
		tw := f.Table()
		fmt.Fprintln(tw, "PLAN\tPARAMETERS\tDESCRIPTION")
		for _, p := range result.Plans {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", p.Name, paramSummary(p), p.Description)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		if d := result.Drift; d != nil {
			fmt.Fprintln(f.Writer)
			if d.InSync() {
				fmt.Fprintf(f.Writer, "✓ All %d plans are allowed by %s\n", len(result.Plans), app.QServer().URL())
			} else {
				fmt.Fprintf(f.Writer, "✗ Not allowed by the queue server: %s\n", strings.Join(d.NotAllowed, ", "))
			}
			if len(d.Unlisted) > 0 {
				f.VerboseLog("Allowed but not whitelisted: %s", strings.Join(d.Unlisted, ", "))
			}
		}
	}

	if result.Drift != nil && !result.Drift.InSync() {
		return NewExitError(ExitFailure, fmt.Sprintf("%d whitelisted plan(s) not allowed by the queue server", len(result.Drift.NotAllowed)))
	}
	return nil
}

// paramSummary lists a plan's parameters; optional ones in brackets.
func paramSummary(p ir.PlanSchema) string {
	parts := make([]string, 0, len(p.Parameters))
	for _, spec := range p.Parameters {
		name := spec.Name
		if spec.Unit != "" {
			name += " (" + spec.Unit + ")"
		}
		if !spec.Required {
			name = "[" + name + "]"
		}
		parts = append(parts, name)
	}
	return strings.Join(parts, " ")
}

// DevicesOptions holds flags for the devices command.
type DevicesOptions struct {
	*RootOptions
	Category string
}

// NewDevicesCommand creates the devices command.
func NewDevicesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DevicesOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "devices",
		Short:         "List the devices plans may use",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevices(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Category, "category", "", "only this category (motor, detector, shutter, other)")

	return cmd
}

func runDevices(opts *DevicesOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	switch ir.Category(opts.Category) {
	case "", ir.CategoryMotor, ir.CategoryDetector, ir.CategoryShutter, ir.CategoryOther:
	default:
		return f.Fail(ExitCommandError, ErrCodeUsage, fmt.Sprintf("unknown category %q", opts.Category), nil)
	}

	app, err := loadApp(opts.RootOptions, f)
	if err != nil {
		return err
	}
	defer app.Close()

	reg, err := app.Registry(cmd.Context())
	if err != nil {
		return f.FailErr("cannot load devices", err)
	}
	snap := reg.Current()
	devices := snap.Devices()
	if opts.Category != "" {
		devices = snap.DevicesIn(ir.Category(opts.Category))
	}

	if f.Format == "json" {
		if devices == nil {
			devices = []ir.DeviceRef{}
		}
		return f.Success(devices)
	}

	tw := f.Table()
	fmt.Fprintln(tw, "DEVICE\tCATEGORY\tLIMITS\tALIASES")
	for _, d := range devices {
		limits := "-"
		if d.Limits != nil {
			limits = fmt.Sprintf("[%g, %g] %s", d.Limits.Low, d.Limits.High, d.Unit)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.ID, d.Category, strings.TrimSpace(limits), strings.Join(d.Aliases, ", "))
	}
	return tw.Flush()
}
