package harness

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const scenarioDir = "../../testdata/scenarios"

func writeScenario(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadScenario(t *testing.T) {
	s, err := LoadScenario(filepath.Join(scenarioDir, "submit_scan.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "submit_scan", s.Name)
	assert.Equal(t, filepath.Join(scenarioDir, "../whitelist"), s.Whitelist)
	require.Len(t, s.Turns, 2)
	assert.Equal(t, "what was the last scan?", s.Turns[1].Ask)
	require.Len(t, s.Assertions, 3)
	assert.Equal(t, AssertDispatched, s.Assertions[1].Type)
}

func TestLoadScenarioErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "unknown field",
			content: "name: x\ndescription: y\nturns:\n  - say: count det_a\n    expcet: {status: submitted}\n",
			want:    "expcet",
		},
		{
			name:    "missing name",
			content: "description: y\nturns:\n  - say: count det_a\n",
			want:    "name is required",
		},
		{
			name:    "no turns",
			content: "name: x\ndescription: y\n",
			want:    "turns list is required",
		},
		{
			name:    "say and ask",
			content: "name: x\ndescription: y\nturns:\n  - say: count det_a\n    ask: what plans are there?\n",
			want:    "mutually exclusive",
		},
		{
			name:    "dry run question",
			content: "name: x\ndescription: y\nturns:\n  - ask: what plans are there?\n    dry_run: true\n",
			want:    "only apply to say",
		},
		{
			name:    "unknown assertion",
			content: "name: x\ndescription: y\nturns:\n  - say: count det_a\nassertions:\n  - type: final_state\n",
			want:    `unknown assertion type "final_state"`,
		},
		{
			name:    "dispatch order without plans",
			content: "name: x\ndescription: y\nturns:\n  - say: count det_a\nassertions:\n  - type: dispatch_order\n",
			want:    "plans list is required",
		},
		{
			name:    "missing whitelist",
			content: "name: x\ndescription: y\nwhitelist: nowhere\nturns:\n  - say: count det_a\n",
			want:    "whitelist not found",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadScenario(writeScenario(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestScenariosPass(t *testing.T) {
	res, err := RunSuite(context.Background(), []string{scenarioDir})
	require.NoError(t, err)

	for _, f := range res.Failures {
		t.Errorf("%s (%s):\n%s", f.Scenario, f.Path, strings.Join(f.Errors, "\n"))
	}
	assert.Equal(t, 5, res.Total)
	assert.Equal(t, res.Total, res.Passed)
}

func TestGoldenTraces(t *testing.T) {
	for _, name := range []string{"submit_scan", "rate_limit", "dispatch_failure"} {
		t.Run(name, func(t *testing.T) {
			s, err := LoadScenario(filepath.Join(scenarioDir, name+".yaml"))
			require.NoError(t, err)

			res, err := RunWithGolden(t, s)
			require.NoError(t, err)
			assert.True(t, res.Pass, res.Errors)
		})
	}
}

func TestRunIsDeterministic(t *testing.T) {
	s, err := LoadScenario(filepath.Join(scenarioDir, "clarify_missing_motor.yaml"))
	require.NoError(t, err)

	first, err := Run(context.Background(), s)
	require.NoError(t, err)
	second, err := Run(context.Background(), s)
	require.NoError(t, err)

	if diff := cmp.Diff(first.Trace, second.Trace); diff != "" {
		t.Errorf("traces differ (-first +second):\n%s", diff)
	}
}

func TestFreshTurnDropsContext(t *testing.T) {
	s := &Scenario{
		Name:        "fresh",
		Description: "a fresh turn forgets the question it answers",
		Turns: []Turn{
			{Say: "scan detector_a from 0 to 5 in 51 steps"},
			{Say: "use motor_x", Fresh: true},
		},
	}
	res, err := Run(context.Background(), s)
	require.NoError(t, err)

	last := res.Trace[len(res.Trace)-1]
	assert.Equal(t, EventOutcome, last.Type)
	assert.NotEqual(t, "submitted", last.Status)
}

func TestExpectMismatchFails(t *testing.T) {
	s := &Scenario{
		Name:        "mismatch",
		Description: "wrong expectations are reported",
		Turns: []Turn{
			{Say: "count det_a", Expect: &Expect{
				Status:          "rejected",
				Plan:            "scan",
				MessageContains: "nothing like this",
				Args:            map[string]any{"num": 2},
			}},
			{Ask: "what plans can I run?", Expect: &Expect{Topic: "devices", TextContains: "fly_scan"}},
		},
	}
	res, err := Run(context.Background(), s)
	require.NoError(t, err)

	assert.False(t, res.Pass)
	all := strings.Join(res.Errors, "\n")
	assert.Contains(t, all, `turn 0 ("count det_a"): status = submitted, want rejected`)
	assert.Contains(t, all, "plan = count, want scan")
	assert.Contains(t, all, `does not contain "nothing like this"`)
	assert.Contains(t, all, "args count(detectors=[det_a], num=1, delay=0 s) do not match")
	assert.Contains(t, all, "topic = plans, want devices")
	assert.Contains(t, all, `does not contain "fly_scan"`)
}

func TestFailingAssertions(t *testing.T) {
	accepted := true
	s := &Scenario{
		Name:        "assertions",
		Description: "failing assertions are reported",
		Turns:       []Turn{{Say: "count det_a"}},
		Assertions: []Assertion{
			{Type: AssertDispatchCount, Count: 2},
			{Type: AssertDispatchOrder, Plans: []string{"scan", "count"}},
			{Type: AssertDispatched, Plan: "count", Args: map[string]any{"detectors": []any{"det_b"}}},
			{Type: AssertDecisionCount, Count: 0, Accepted: &accepted},
		},
	}
	res, err := Run(context.Background(), s)
	require.NoError(t, err)

	require.Len(t, res.Errors, 4)
	assert.Contains(t, res.Errors[0], "Assertion failed: dispatch_count")
	assert.Contains(t, res.Errors[0], "Actual: 1 dispatches")
	assert.Contains(t, res.Errors[0], "[1] count(detectors=[det_a], num=1, delay=0 s)")
	assert.Contains(t, res.Errors[1], "scan not dispatched after []")
	assert.Contains(t, res.Errors[2], "Assertion failed: dispatched")
	assert.Contains(t, res.Errors[3], "Actual: 1 accepted decisions")
}

func TestValuesEqual(t *testing.T) {
	tests := []struct {
		actual, expected any
		want             bool
	}{
		{int64(51), 51, true},
		{float64(5), 5, true},
		{float64(5.5), 5, false},
		{"motor_x", "motor_x", true},
		{[]any{"det_a"}, []any{"det_a"}, true},
		{[]any{"det_a", "det_b"}, []any{"det_a"}, false},
		{[]any{1.0, 2.0}, []any{1, 2}, true},
		{"5", 5, false},
		{true, true, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, valuesEqual(tt.actual, tt.expected), "%v vs %v", tt.actual, tt.expected)
	}
}

func TestExpandPaths(t *testing.T) {
	files, err := ExpandPaths([]string{scenarioDir})
	require.NoError(t, err)
	require.Len(t, files, 5)
	assert.Equal(t, "clarify_missing_motor.yaml", filepath.Base(files[0]))

	_, err = ExpandPaths([]string{filepath.Join(t.TempDir(), "missing.yaml")})
	var nf *ScenarioNotFoundError
	assert.True(t, errors.As(err, &nf))
}

func TestRunSuiteCountsBrokenFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a_broken.yaml"), []byte("name: [\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b_ok.yaml"),
		[]byte("name: ok\ndescription: d\nturns:\n  - say: count det_a\n    expect: {status: submitted}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	res, err := RunSuite(context.Background(), []string{dir})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, 1, res.Passed)
	require.Len(t, res.Failures, 1)
	assert.Contains(t, res.Failures[0].Errors[0], "failed to load scenario")
}
