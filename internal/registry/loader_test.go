package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/baitchat/internal/compiler"
)

func writeCUE(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func loadErrorCodes(errs []error) []string {
	var out []string
	for _, err := range errs {
		switch e := err.(type) {
		case *LoadError:
			out = append(out, e.Code)
		case compiler.ValidationError:
			out = append(out, e.Code)
		default:
			out = append(out, "?")
		}
	}
	return out
}

func TestLoadWhitelistTestdata(t *testing.T) {
	wl, errs := LoadWhitelist("../../testdata/whitelist", LoadModeCollectAll)
	require.Empty(t, errs)
	assert.Equal(t, 2, wl.FileCount)
	assert.Len(t, wl.Plans, 5)
	assert.Len(t, wl.Devices, 5)
}

func TestLoadWhitelistMissingDir(t *testing.T) {
	_, errs := LoadWhitelist(filepath.Join(t.TempDir(), "nope"), LoadModeFailFast)
	assert.Equal(t, []string{ErrCodeNotFound}, loadErrorCodes(errs))
}

func TestLoadWhitelistNoFiles(t *testing.T) {
	_, errs := LoadWhitelist(t.TempDir(), LoadModeFailFast)
	assert.Equal(t, []string{ErrCodeNoFiles}, loadErrorCodes(errs))
}

func TestLoadWhitelistNoPlans(t *testing.T) {
	dir := t.TempDir()
	writeCUE(t, dir, "devices.cue", `package wl
device: motor_x: {category: "motor"}
`)
	_, errs := LoadWhitelist(dir, LoadModeFailFast)
	assert.Equal(t, []string{ErrCodeEmpty}, loadErrorCodes(errs))
}

func TestLoadWhitelistCollectAll(t *testing.T) {
	dir := t.TempDir()
	writeCUE(t, dir, "wl.cue", `package wl
plan: good: {parameters: [{name: "num", kind: "integer", min: 1}]}
plan: bad_kind: {parameters: [{name: "x", kind: "vector"}]}
plan: bad_bounds: {parameters: [{name: "x", kind: "number", min: 5, max: 1}]}
device: motor_x: {category: "motor", limits: {low: 3, high: -3}}
`)
	wl, errs := LoadWhitelist(dir, LoadModeCollectAll)
	require.NotNil(t, wl)
	codes := loadErrorCodes(errs)
	assert.Contains(t, codes, compiler.ErrInvalidParamKind)
	assert.Contains(t, codes, compiler.ErrInvalidBounds)
	assert.Contains(t, codes, compiler.ErrInvalidDeviceLimits)
}

func TestLoadWhitelistFailFastStopsAtFirst(t *testing.T) {
	dir := t.TempDir()
	writeCUE(t, dir, "wl.cue", `package wl
plan: a: {parameters: [{name: "x", kind: "vector"}]}
plan: b: {parameters: [{name: "y", kind: "matrix"}]}
`)
	_, errs := LoadWhitelist(dir, LoadModeFailFast)
	assert.Len(t, errs, 1)
}

func TestLoadWhitelistSyntaxError(t *testing.T) {
	dir := t.TempDir()
	writeCUE(t, dir, "wl.cue", "package wl\nplan: scan: {\n")
	_, errs := LoadWhitelist(dir, LoadModeFailFast)
	require.Len(t, errs, 1)
	assert.Equal(t, []string{ErrCodeLoadFailed}, loadErrorCodes(errs))
}
