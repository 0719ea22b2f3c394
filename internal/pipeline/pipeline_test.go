package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/baitchat/internal/gate"
	"github.com/roach88/baitchat/internal/intent"
	"github.com/roach88/baitchat/internal/ir"
	"github.com/roach88/baitchat/internal/llm"
	"github.com/roach88/baitchat/internal/registry"
	"github.com/roach88/baitchat/internal/testutil"
)

type memoryLog struct {
	mu      sync.Mutex
	entries map[string]ir.Outcome
	texts   map[string]string
}

func (l *memoryLog) RecordOutcome(_ context.Context, utterance string, o ir.Outcome, _ time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.entries == nil {
		l.entries = make(map[string]ir.Outcome)
		l.texts = make(map[string]string)
	}
	l.entries[o.RequestID] = o
	l.texts[o.RequestID] = utterance
	return nil
}

type fixture struct {
	reg   *registry.Registry
	disp  *testutil.RecordingDispatcher
	gate  *gate.Gate
	log   *memoryLog
	pipes *Pipeline
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	reg := registry.New(registry.Static{}, registry.Static{})
	_, err := reg.Install(testutil.Plans(), testutil.Devices())
	require.NoError(t, err)

	f := &fixture{reg: reg, disp: &testutil.RecordingDispatcher{}, log: &memoryLog{}}
	f.gate = gate.New(reg, f.disp)
	opts = append([]Option{WithIDs(testutil.NewSequentialIDs("")), WithOutcomeLog(f.log)}, opts...)
	f.pipes = New(reg, f.gate, opts...)
	return f
}

func say(text string, history ...ir.Turn) ir.Utterance {
	return ir.Utterance{Text: text, Context: history}
}

func TestSubmitFullScan(t *testing.T) {
	f := newFixture(t)
	o := f.pipes.TranslateAndSubmit(context.Background(), say("scan det_a motor_x from 0 to 5 mm in 51 steps"))

	require.Equal(t, ir.OutcomeSubmitted, o.Status, o.Message)
	assert.Equal(t, "req-0001", o.RequestID)
	assert.Equal(t, "q-1", o.QueueID)
	assert.NotEmpty(t, o.SubmissionID)
	assert.Equal(t, "queued scan(detectors=[det_a], motor=motor_x, start=0 mm, stop=5 mm, num=51) as q-1", o.Message)

	calls := f.disp.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "scan", calls[0].Plan)
	assert.Equal(t, o.BoundPlan.Args, calls[0].Args)

	assert.Equal(t, o, f.log.entries["req-0001"])
}

func TestAllDetectorsBeforeMotorSubmits(t *testing.T) {
	f := newFixture(t)
	o := f.pipes.TranslateAndSubmit(context.Background(), say("scan all detectors motor_x 0 1 3"))

	require.Equal(t, ir.OutcomeSubmitted, o.Status, o.Message)
	arg, ok := o.BoundPlan.Arg("detectors")
	require.True(t, ok)
	assert.Equal(t, ir.List{ir.String("det_a"), ir.String("det_b")}, arg.Value)
}

func TestMissingMotorAsksForIt(t *testing.T) {
	f := newFixture(t)
	o := f.pipes.TranslateAndSubmit(context.Background(), say("scan detector_a from 0 to 5 in 51 steps"))

	assert.Equal(t, ir.OutcomeNeedsClarification, o.Status)
	assert.Equal(t, ir.CodeMissingRequiredArgument, o.Code)
	assert.Equal(t, "which motor? (motor is required)", o.Message)
	require.NotNil(t, o.BoundPlan)
	require.Len(t, o.BoundPlan.Issues, 1)
	assert.Equal(t, "motor", o.BoundPlan.Issues[0].Param)
	assert.Empty(t, f.disp.Calls())
}

func TestClarificationAnsweredFromContext(t *testing.T) {
	f := newFixture(t)
	history := []ir.Turn{
		{Role: "operator", Text: "scan detector_a from 0 to 5 in 51 steps"},
		{Role: "assistant", Text: "which motor? (motor is required)"},
	}
	o := f.pipes.TranslateAndSubmit(context.Background(), say("use motor_x", history...))

	require.Equal(t, ir.OutcomeSubmitted, o.Status, o.Message)
	assert.Equal(t, []string{"det_a", "motor_x"}, o.BoundPlan.Devices)
}

func TestClarificationIsIdempotent(t *testing.T) {
	f := newFixture(t)
	first := f.pipes.TranslateAndSubmit(context.Background(), say("scan the detector with motor_x from 0 to 5 in 5 steps"))
	second := f.pipes.TranslateAndSubmit(context.Background(), say("scan the detector with motor_x from 0 to 5 in 5 steps"))

	assert.Equal(t, ir.CodeAmbiguousReference, first.Code)
	assert.Equal(t, []string{"det_a", "det_b"}, first.Candidates)
	first.RequestID, second.RequestID = "", ""
	assert.Equal(t, first, second)
	assert.Empty(t, f.disp.Calls())
}

func TestUnknownPlanLeavesRegistryAlone(t *testing.T) {
	f := newFixture(t)
	before := f.reg.Current()

	o := f.pipes.TranslateAndSubmit(context.Background(), say("fly_scan det_a motor_x 0 5 11"))

	assert.Equal(t, ir.OutcomeRejected, o.Status)
	assert.Equal(t, ir.CodeUnknownPlan, o.Code)
	assert.Contains(t, o.Message, "count, scan, rel_scan, list_scan, grid_scan")
	assert.False(t, o.Retryable)
	assert.Same(t, before, f.reg.Current())
	assert.Equal(t, uint64(1), f.reg.Current().Generation())
	assert.Empty(t, f.disp.Calls())
}

func TestAmbiguousPlan(t *testing.T) {
	f := newFixture(t)
	o := f.pipes.TranslateAndSubmit(context.Background(), say("scan or count det_a"))

	assert.Equal(t, ir.OutcomeNeedsClarification, o.Status)
	assert.Equal(t, ir.CodeAmbiguousPlan, o.Code)
	assert.Equal(t, []string{"count", "scan"}, o.Candidates)
	assert.Equal(t, "did you mean count or scan?", o.Message)
}

func TestOutOfRangeAsksAgain(t *testing.T) {
	f := newFixture(t)
	o := f.pipes.TranslateAndSubmit(context.Background(), say("scan det_a motor_x from 0 to 12 in 5 steps"))

	assert.Equal(t, ir.OutcomeNeedsClarification, o.Status)
	assert.Equal(t, ir.CodeOutOfRangeArgument, o.Code)
	assert.Equal(t, "stop = 12 mm is outside motor_x limits [-10, 10] mm", o.Message)
}

func TestTranslateDoesNotSubmit(t *testing.T) {
	f := newFixture(t)
	o := f.pipes.Translate(context.Background(), say("count det_a 3 times"))

	assert.Equal(t, ir.OutcomeReady, o.Status)
	assert.Equal(t, "ready: count(detectors=[det_a], num=3, delay=0 s)", o.Message)
	assert.Empty(t, f.disp.Calls())
}

// reloadingGate swaps the registry between parse and submit.
type reloadingGate struct {
	reg   *registry.Registry
	plans []ir.PlanSchema
	next  Submitter
}

func (g reloadingGate) Submit(ctx context.Context, requestID string, bp ir.BoundPlan) (gate.Submission, error) {
	if _, err := g.reg.Install(g.plans, testutil.Devices()); err != nil {
		return gate.Submission{}, err
	}
	return g.next.Submit(ctx, requestID, bp)
}

func TestReloadBetweenParseAndSubmitIsStale(t *testing.T) {
	f := newFixture(t)
	var withoutScan []ir.PlanSchema
	for _, p := range testutil.Plans() {
		if p.Name != "scan" {
			withoutScan = append(withoutScan, p)
		}
	}
	pl := New(f.reg, reloadingGate{reg: f.reg, plans: withoutScan, next: f.gate})

	o := pl.TranslateAndSubmit(context.Background(), say("scan det_a motor_x from 0 to 5 in 51 steps"))

	assert.Equal(t, ir.OutcomeRejected, o.Status)
	assert.Equal(t, ir.CodeStalePlanOrDevice, o.Code)
	assert.Equal(t, uint64(2), f.reg.Current().Generation())
	assert.Empty(t, f.disp.Calls())
}

func TestDispatchFailureIsRetryable(t *testing.T) {
	f := newFixture(t)
	f.disp.Err = errors.New("connection refused")

	o := f.pipes.TranslateAndSubmit(context.Background(), say("count det_a"))
	assert.Equal(t, ir.OutcomeRejected, o.Status)
	assert.Equal(t, ir.CodeDownstreamUnavailable, o.Code)
	assert.True(t, o.Retryable)
	assert.Equal(t, "count", o.Plan)
}

func TestRateLimitedOutcome(t *testing.T) {
	reg := registry.New(registry.Static{}, registry.Static{})
	_, err := reg.Install(testutil.Plans(), testutil.Devices())
	require.NoError(t, err)
	clock := testutil.NewManualClock(time.Time{})
	g := gate.New(reg, &testutil.RecordingDispatcher{}, gate.WithWindow(gate.NewWindow(1, time.Minute, clock.Now)))
	pl := New(reg, g)

	require.Equal(t, ir.OutcomeSubmitted, pl.TranslateAndSubmit(context.Background(), say("count det_a")).Status)
	o := pl.TranslateAndSubmit(context.Background(), say("count det_a"))
	assert.Equal(t, ir.CodeRateLimited, o.Code)
	assert.False(t, o.Retryable)
	assert.Contains(t, o.Message, "retry in 1m0s")
}

func TestCancelledLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := f.pipes.TranslateAndSubmit(ctx, say("count det_a"))
	assert.Equal(t, ir.CodeCancelled, o.Code)
	assert.Empty(t, f.disp.Calls())
	assert.Empty(t, f.log.entries)
}

func TestModelBackendFailure(t *testing.T) {
	broken := llm.CompleterFunc(func(context.Context, llm.Request) (string, error) {
		return "", errors.New("503 overloaded")
	})
	f := newFixture(t, WithParser(intent.NewModelParser(broken)))

	o := f.pipes.TranslateAndSubmit(context.Background(), say("count det_a"))
	assert.Equal(t, ir.CodeDownstreamUnavailable, o.Code)
	assert.True(t, o.Retryable)
}

func TestModelBackendSubmits(t *testing.T) {
	model := llm.CompleterFunc(func(context.Context, llm.Request) (string, error) {
		return `{"plan": "count", "confidence": 0.9, "arguments": {"detectors": ["det_b"], "num": 4}}`, nil
	})
	f := newFixture(t, WithParser(intent.NewModelParser(model)))

	o := f.pipes.TranslateAndSubmit(context.Background(), say("take four readings on the diode"))
	require.Equal(t, ir.OutcomeSubmitted, o.Status, o.Message)
	assert.Equal(t, "queued count(detectors=[det_b], num=4, delay=0 s) as q-1", o.Message)
}

func TestNoSnapshotLoaded(t *testing.T) {
	reg := registry.New(registry.Static{}, registry.Static{})
	pl := New(reg, gate.New(reg, &testutil.RecordingDispatcher{}))

	o := pl.TranslateAndSubmit(context.Background(), say("count det_a"))
	assert.Equal(t, ir.CodeDownstreamUnavailable, o.Code)
	assert.True(t, o.Retryable)
}

func TestFormatCall(t *testing.T) {
	bp := ir.BoundPlan{Plan: "list_scan", Args: []ir.BoundArg{
		{Name: "detectors", Value: ir.List{ir.String("det_a"), ir.String("det_b")}},
		{Name: "motor", Value: ir.String("motor_y")},
		{Name: "positions", Value: ir.List{ir.Float(1), ir.Float(2.5)}, Unit: "mm"},
	}}
	assert.Equal(t, "list_scan(detectors=[det_a, det_b], motor=motor_y, positions=[1, 2.5] mm)", FormatCall(bp))
}
