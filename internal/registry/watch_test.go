package registry

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roach88/baitchat/internal/ir"
	"github.com/roach88/baitchat/internal/testutil"
)

func TestWatcherReloadsOnChange(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	for _, name := range []string{"plans.cue", "devices.cue"} {
		data, err := os.ReadFile(filepath.Join("../../testdata/whitelist", name))
		require.NoError(t, err)
		writeCUE(t, dir, name, string(data))
	}

	src := CUESource{Dir: dir}
	reg := New(src, src)
	_, err := reg.Reload(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(1), reg.Current().Generation())

	w := NewWatcher(reg, dir, 20*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to register before editing.
	time.Sleep(50 * time.Millisecond)

	data, err := os.ReadFile(filepath.Join(dir, "devices.cue"))
	require.NoError(t, err)
	edited := strings.Replace(string(data), "high: 10", "high: 12", 1)
	writeCUE(t, dir, "devices.cue", edited)

	select {
	case err := <-w.Reloaded():
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not reload")
	}

	assert.Equal(t, uint64(2), reg.Current().Generation())
	d, ok := reg.Current().Device("motor_x")
	require.True(t, ok)
	assert.Equal(t, 12.0, d.Limits.High)

	cancel()
	require.NoError(t, <-done)
}

func TestWatcherMissingDir(t *testing.T) {
	defer goleak.VerifyNone(t)

	reg := New(Static{}, Static{})
	w := NewWatcher(reg, filepath.Join(t.TempDir(), "missing"), 0, nil)
	err := w.Run(context.Background())
	assert.Error(t, err)
}

// growingDevices adds a device on every call.
type growingDevices struct {
	calls atomic.Int64
}

func (g *growingDevices) ListDevices(context.Context) ([]ir.DeviceRef, error) {
	n := g.calls.Add(1)
	devices := testutil.Devices()
	return devices[:min(int(n), len(devices))], nil
}

func TestPollReloads(t *testing.T) {
	defer goleak.VerifyNone(t)

	src := &growingDevices{}
	reg := New(Static{Plans: testutil.Plans()}, src)
	_, err := reg.Reload(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	reloads := make(chan error, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		Poll(ctx, reg, 5*time.Millisecond, nil, func(err error) { reloads <- err })
	}()

	for range 2 {
		select {
		case err := <-reloads:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("poll did not reload")
		}
	}
	cancel()
	<-done

	assert.GreaterOrEqual(t, reg.Current().Generation(), uint64(3))
}
