package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/baitchat/internal/ir"
)

// PlanSource lists the operator-curated plan whitelist.
type PlanSource interface {
	ListPermittedPlans(ctx context.Context) ([]ir.PlanSchema, error)
}

// DeviceSource lists the device directory.
type DeviceSource interface {
	ListDevices(ctx context.Context) ([]ir.DeviceRef, error)
}

// DefaultTimeout bounds one Reload.
const DefaultTimeout = 10 * time.Second

// Registry holds the current Snapshot. Readers call Current and never
// lock; Reload and Install build a complete Snapshot and swap it in.
type Registry struct {
	plans   PlanSource
	devices DeviceSource
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time

	current atomic.Pointer[Snapshot]
	gen     atomic.Uint64
	mu      sync.Mutex // serializes Reload/Install
}

// Option configures a Registry.
type Option func(*Registry)

// WithTimeout bounds each Reload.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithNow overrides the wall clock used to stamp snapshots.
func WithNow(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a Registry. It holds no snapshot until the first Reload or
// Install.
func New(plans PlanSource, devices DeviceSource, opts ...Option) *Registry {
	r := &Registry{
		plans:   plans,
		devices: devices,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Current returns the installed snapshot, or nil before the first load.
func (r *Registry) Current() *Snapshot {
	return r.current.Load()
}

// Reload fetches plans and devices concurrently and installs the result.
// A failing or slow source leaves the current snapshot in place and
// returns a retryable DOWNSTREAM_UNAVAILABLE error. When the contents are
// unchanged the current snapshot is kept and its generation does not move.
func (r *Registry) Reload(ctx context.Context) (*Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var (
		plans   []ir.PlanSchema
		devices []ir.DeviceRef
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		plans, err = r.plans.ListPermittedPlans(gctx)
		if err != nil {
			return fmt.Errorf("plan whitelist: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		devices, err = r.devices.ListDevices(gctx)
		if err != nil {
			return fmt.Errorf("device directory: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		r.logger.Warn("registry reload failed", "error", err)
		return r.Current(), ir.Downstream("registry source", err)
	}

	return r.Install(plans, devices)
}

// Install validates and swaps in a snapshot built from plans and devices.
// An invalid whitelist is rejected whole; the previous snapshot stays.
func (r *Registry) Install(plans []ir.PlanSchema, devices []ir.DeviceRef) (*Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.current.Load()
	next, err := NewSnapshot(r.gen.Load()+1, plans, devices, r.now())
	if err != nil {
		r.logger.Error("registry install rejected", "error", err)
		return prev, err
	}
	if prev != nil && prev.Fingerprint() == next.Fingerprint() {
		r.logger.Debug("registry unchanged", "generation", prev.Generation())
		return prev, nil
	}

	r.gen.Add(1)
	r.current.Store(next)
	r.logger.Info("registry installed",
		"generation", next.Generation(),
		"plans", len(plans),
		"devices", len(devices))
	return next, nil
}

// Static is a fixed PlanSource and DeviceSource.
type Static struct {
	Plans   []ir.PlanSchema
	Devices []ir.DeviceRef
}

// ListPermittedPlans implements PlanSource.
func (s Static) ListPermittedPlans(context.Context) ([]ir.PlanSchema, error) {
	return s.Plans, nil
}

// ListDevices implements DeviceSource.
func (s Static) ListDevices(context.Context) ([]ir.DeviceRef, error) {
	return s.Devices, nil
}

// CUESource reads plans and devices from a whitelist directory on every
// call, so edits take effect on the next Reload.
type CUESource struct {
	Dir string
}

// ListPermittedPlans implements PlanSource.
func (s CUESource) ListPermittedPlans(ctx context.Context) ([]ir.PlanSchema, error) {
	wl, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	return wl.Plans, nil
}

// ListDevices implements DeviceSource.
func (s CUESource) ListDevices(ctx context.Context) ([]ir.DeviceRef, error) {
	wl, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	return wl.Devices, nil
}

func (s CUESource) load(ctx context.Context) (*Whitelist, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	wl, errs := LoadWhitelist(s.Dir, LoadModeFailFast)
	if len(errs) > 0 {
		return nil, errs[0]
	}
	return wl, nil
}
