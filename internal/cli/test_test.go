package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/baitchat/internal/harness"
)

const testScenarioDir = "../../testdata/scenarios"

func executeTest(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewTestCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestTestCommandMissingArgs(t *testing.T) {
	_, err := executeTest(t, "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires at least 1 arg")
}

func TestTestCommandNonExistentPath(t *testing.T) {
	out, err := executeTest(t, "text", "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [NOT_FOUND]")
}

func TestTestCommandRunsScenarios(t *testing.T) {
	out, err := executeTest(t, "text", testScenarioDir)
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ submit_scan")
	assert.Contains(t, out, "✓ clarify_missing_motor")
	assert.Contains(t, out, "All 5 scenario(s) passed")
}

func TestTestCommandFilter(t *testing.T) {
	out, err := executeTest(t, "json", testScenarioDir, "--filter", "*_scan")
	require.NoError(t, err)

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.Data.Total)
	require.Len(t, resp.Data.Scenarios, 1)
	assert.Equal(t, "submit_scan", resp.Data.Scenarios[0].Name)
	assert.True(t, resp.Data.Scenarios[0].Pass)
}

func TestTestCommandBadFilter(t *testing.T) {
	_, err := executeTest(t, "text", testScenarioDir, "--filter", "[")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTestCommandFailingScenario(t *testing.T) {
	dir := t.TempDir()
	scenario := "name: wrong_plan\ndescription: d\nturns:\n  - say: count det_a\n    expect: {status: submitted, plan: scan}\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wrong_plan.yaml"), []byte(scenario), 0o644))

	out, err := executeTest(t, "text", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ wrong_plan")
	assert.Contains(t, out, "0 passed, 1 failed, 1 total")
}

func TestTestCommandEmptyDir(t *testing.T) {
	out, err := executeTest(t, "text", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found")
}

func TestTestCommandEmptyDirJSON(t *testing.T) {
	out, err := executeTest(t, "json", t.TempDir())
	require.NoError(t, err)

	var response CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &response))
	assert.Equal(t, "ok", response.Status)
}

func TestFilterScenarios(t *testing.T) {
	files := []string{"s/rate_limit.yaml", "s/submit_scan.yaml", "s/clarify_missing_motor.yml"}

	got, err := filterScenarios(files, "")
	require.NoError(t, err)
	assert.Equal(t, files, got)

	got, err = filterScenarios(files, "clarify_*")
	require.NoError(t, err)
	assert.Equal(t, []string{"s/clarify_missing_motor.yml"}, got)
}

func TestCollectResultsKeepsOrder(t *testing.T) {
	files := []string{"a.yaml", "b.yaml"}
	suite := &harness.SuiteResult{
		Total: 2, Passed: 1, Failed: 1,
		Failures: []harness.ScenarioFailure{{Scenario: "bee", Path: "b.yaml", Errors: []string{"boom"}}},
	}

	res := collectResults(files, suite)
	require.Len(t, res.Scenarios, 2)
	assert.Equal(t, ScenarioResult{Name: "a", Path: "a.yaml", Pass: true}, res.Scenarios[0])
	assert.Equal(t, ScenarioResult{Name: "bee", Path: "b.yaml", Errors: []string{"boom"}}, res.Scenarios[1])
}
