package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/baitchat/internal/ir"
	"github.com/roach88/baitchat/internal/testutil"
)

type failingSource struct{ err error }

func (f failingSource) ListPermittedPlans(context.Context) ([]ir.PlanSchema, error) {
	return nil, f.err
}

func (f failingSource) ListDevices(context.Context) ([]ir.DeviceRef, error) {
	return nil, f.err
}

type blockingSource struct{}

func (blockingSource) ListPermittedPlans(ctx context.Context) ([]ir.PlanSchema, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func newFixtureRegistry(t *testing.T) *Registry {
	t.Helper()
	src := Static{Plans: testutil.Plans(), Devices: testutil.Devices()}
	reg := New(src, src)
	_, err := reg.Reload(context.Background())
	require.NoError(t, err)
	return reg
}

func TestSnapshotLookupIsExact(t *testing.T) {
	snap := newFixtureRegistry(t).Current()

	p, err := snap.Lookup("scan")
	require.NoError(t, err)
	assert.Equal(t, "scan", p.Name)

	for _, name := range []string{"Scan", "scan ", "fly_scan", "line scan", ""} {
		_, err := snap.Lookup(name)
		assert.ErrorIs(t, err, ErrPlanNotFound, "lookup %q", name)
	}
}

func TestSnapshotListKeepsWhitelistOrder(t *testing.T) {
	snap := newFixtureRegistry(t).Current()

	var names []string
	for _, p := range snap.List() {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"count", "scan", "rel_scan", "list_scan", "grid_scan"}, names)
}

func TestSnapshotDevices(t *testing.T) {
	snap := newFixtureRegistry(t).Current()

	d, ok := snap.Device("motor_x")
	require.True(t, ok)
	assert.Equal(t, ir.CategoryMotor, d.Category)

	_, ok = snap.Device("motor_z")
	assert.False(t, ok)

	var ids []string
	for _, d := range snap.DevicesIn(ir.CategoryDetector) {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"det_a", "det_b"}, ids)
	assert.Len(t, snap.Devices(), 5)
}

func TestSnapshotSchemaHash(t *testing.T) {
	snap := newFixtureRegistry(t).Current()

	h, ok := snap.SchemaHash("scan")
	require.True(t, ok)
	assert.Equal(t, ir.MustSchemaHash(testutil.Plan("scan")), h)

	_, ok = snap.SchemaHash("fly_scan")
	assert.False(t, ok)
}

func TestNewSnapshotRejectsInvalidWhitelist(t *testing.T) {
	plans := testutil.Plans()
	plans = append(plans, plans[0])

	_, err := NewSnapshot(1, plans, testutil.Devices(), time.Time{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate plan name")
}

func TestReloadUnchangedKeepsGeneration(t *testing.T) {
	reg := newFixtureRegistry(t)
	first := reg.Current()
	assert.Equal(t, uint64(1), first.Generation())

	again, err := reg.Reload(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, again)
	assert.Equal(t, uint64(1), reg.Current().Generation())
}

func TestInstallSwapsAndBumpsGeneration(t *testing.T) {
	reg := newFixtureRegistry(t)
	old := reg.Current()

	devices := testutil.Devices()[:4] // drop the shutter
	next, err := reg.Install(testutil.Plans(), devices)
	require.NoError(t, err)

	assert.Equal(t, uint64(2), next.Generation())
	assert.NotEqual(t, old.Fingerprint(), next.Fingerprint())
	assert.Same(t, next, reg.Current())

	// The old snapshot is untouched.
	_, ok := old.Device("shutter")
	assert.True(t, ok)
}

func TestInstallInvalidKeepsPrevious(t *testing.T) {
	reg := newFixtureRegistry(t)
	old := reg.Current()

	bad := testutil.Devices()
	bad[0].Category = "lamp"
	got, err := reg.Install(testutil.Plans(), bad)
	require.Error(t, err)
	assert.Same(t, old, got)
	assert.Same(t, old, reg.Current())
}

func TestReloadSourceFailureIsDownstream(t *testing.T) {
	reg := newFixtureRegistry(t)
	old := reg.Current()

	failing := New(failingSource{err: errors.New("connection refused")}, Static{Devices: testutil.Devices()})
	_, err := failing.Reload(context.Background())
	assert.Equal(t, ir.CodeDownstreamUnavailable, ir.CodeOf(err))
	assert.True(t, ir.IsRetryable(err))
	assert.Nil(t, failing.Current())

	// The populated registry is unaffected by another registry's failure.
	assert.Same(t, old, reg.Current())
}

func TestReloadTimeout(t *testing.T) {
	reg := New(blockingSource{}, Static{Devices: testutil.Devices()}, WithTimeout(20*time.Millisecond))

	start := time.Now()
	_, err := reg.Reload(context.Background())
	assert.Equal(t, ir.CodeDownstreamUnavailable, ir.CodeOf(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestConcurrentReadersDuringInstall(t *testing.T) {
	reg := newFixtureRegistry(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				snap := reg.Current()
				// A snapshot is always internally consistent.
				for _, p := range snap.List() {
					_, err := snap.Lookup(p.Name)
					assert.NoError(t, err)
				}
			}
		}()
	}
	for i := 0; i < 20; i++ {
		devices := testutil.Devices()
		if i%2 == 0 {
			devices = devices[:4]
		}
		_, err := reg.Install(testutil.Plans(), devices)
		require.NoError(t, err)
	}
	wg.Wait()
}

func TestCUESourceLoadsTestdata(t *testing.T) {
	src := CUESource{Dir: "../../testdata/whitelist"}
	reg := New(src, src)

	snap, err := reg.Reload(context.Background())
	require.NoError(t, err)

	assert.Equal(t, testutil.Plans(), snap.List())
	assert.Equal(t, testutil.Devices(), snap.Devices())
}
