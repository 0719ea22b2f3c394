package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/baitchat/internal/assistant"
	"github.com/roach88/baitchat/internal/gate"
	"github.com/roach88/baitchat/internal/ir"
	"github.com/roach88/baitchat/internal/pipeline"
	"github.com/roach88/baitchat/internal/registry"
	"github.com/roach88/baitchat/internal/store"
	"github.com/roach88/baitchat/internal/testutil"
)

// Harness holds the components one scenario runs against.
type Harness struct {
	store     *store.Store
	registry  *registry.Registry
	clock     *testutil.ManualClock
	dispatch  *testutil.RecordingDispatcher
	pipeline  *pipeline.Pipeline
	assistant *assistant.Assistant
	logger    *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database with its own clock,
// id sequence and dispatcher, so runs do not affect each other.
//
// Execution flow:
// 1. Load the whitelist (or the built-in fixtures)
// 2. Run each turn, checking its expect clause
// 3. Evaluate the assertions
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	h, err := newHarness(ctx, scenario)
	if err != nil {
		return nil, err
	}
	defer h.store.Close()

	result := NewResult()
	if err := h.executeTurns(ctx, scenario.Turns, result); err != nil {
		return nil, fmt.Errorf("failed to execute turns: %w", err)
	}

	actx := &AssertionContext{Store: h.store, Ctx: ctx, Dispatches: h.dispatch.Calls()}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(ctx context.Context, scenario *Scenario) (*Harness, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := testutil.NewManualClock(time.Time{})

	reg := registry.New(registry.Static{}, registry.Static{}, registry.WithNow(clock.Now), registry.WithLogger(logger))
	if scenario.Whitelist != "" {
		src := registry.CUESource{Dir: scenario.Whitelist}
		reg = registry.New(src, src, registry.WithNow(clock.Now), registry.WithLogger(logger))
		if _, err := reg.Reload(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to load whitelist: %w", err)
		}
	} else if _, err := reg.Install(testutil.Plans(), testutil.Devices()); err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to install fixtures: %w", err)
	}

	disp := &testutil.RecordingDispatcher{}
	g := gate.New(reg, disp,
		gate.WithAuditor(st),
		gate.WithWindow(gate.NewWindow(scenario.RateLimit, time.Minute, clock.Now)),
		gate.WithNow(clock.Now),
		gate.WithLogger(logger),
	)
	return &Harness{
		store:    st,
		registry: reg,
		clock:    clock,
		dispatch: disp,
		pipeline: pipeline.New(reg, g,
			pipeline.WithIDs(testutil.NewSequentialIDs("")),
			pipeline.WithOutcomeLog(st),
			pipeline.WithNow(clock.Now),
			pipeline.WithLogger(logger),
		),
		assistant: assistant.New(reg,
			assistant.WithHistory(st),
			assistant.WithNow(clock.Now),
			assistant.WithLogger(logger),
		),
		logger: logger,
	}, nil
}

// executeTurns runs the turns in order. Say turns see the earlier say
// turns and their replies as conversation context.
func (h *Harness) executeTurns(ctx context.Context, turns []Turn, result *Result) error {
	var history []ir.Turn
	for i, turn := range turns {
		if err := ctx.Err(); err != nil {
			return err
		}
		h.clock.Advance(time.Second + turn.Advance)
		if turn.Fresh {
			history = nil
		}

		if turn.Ask != "" {
			if err := h.ask(ctx, i, turn, result); err != nil {
				return fmt.Errorf("turn %d: %w", i, err)
			}
			continue
		}

		o := h.say(ctx, i, turn, history, result)
		history = append(history,
			ir.Turn{Role: "operator", Text: turn.Say},
			ir.Turn{Role: "assistant", Text: o.Message},
		)
	}
	return nil
}

func (h *Harness) say(ctx context.Context, i int, turn Turn, history []ir.Turn, result *Result) ir.Outcome {
	result.add(TraceEvent{Turn: i, Type: EventUtterance, Text: turn.Say})

	h.dispatch.Err = nil
	if turn.DispatchError != "" {
		h.dispatch.Err = errors.New(turn.DispatchError)
	}
	before := len(h.dispatch.Calls())

	u := ir.Utterance{Text: turn.Say, Context: history}
	var o ir.Outcome
	if turn.DryRun {
		o = h.pipeline.Translate(ctx, u)
	} else {
		o = h.pipeline.TranslateAndSubmit(ctx, u)
	}

	for _, call := range h.dispatch.Calls()[before:] {
		e := TraceEvent{Turn: i, Type: EventDispatch, Plan: call.Plan,
			Call: pipeline.FormatCall(ir.BoundPlan{Plan: call.Plan, Args: call.Args})}
		if turn.DispatchError == "" {
			e.QueueID = o.QueueID
		}
		result.add(e)
	}

	e := TraceEvent{
		Turn:       i,
		Type:       EventOutcome,
		Status:     string(o.Status),
		Code:       string(o.Code),
		Plan:       o.Plan,
		Message:    o.Message,
		Candidates: o.Candidates,
		QueueID:    o.QueueID,
	}
	if o.BoundPlan != nil && (o.Status == ir.OutcomeSubmitted || o.Status == ir.OutcomeReady) {
		e.Call = pipeline.FormatCall(*o.BoundPlan)
	}
	result.add(e)

	if turn.Expect != nil {
		for _, msg := range checkOutcome(turn.Expect, o) {
			result.AddError(fmt.Sprintf("turn %d (%q): %s", i, turn.Say, msg))
		}
	}
	h.logger.Info("turn completed", "turn", i, "status", o.Status, "code", o.Code)
	return o
}

func (h *Harness) ask(ctx context.Context, i int, turn Turn, result *Result) error {
	result.add(TraceEvent{Turn: i, Type: EventQuestion, Text: turn.Ask})
	ans, err := h.assistant.Ask(ctx, turn.Ask)
	if err != nil {
		return err
	}
	result.add(TraceEvent{Turn: i, Type: EventAnswer, Topic: string(ans.Topic), Text: ans.Text})

	if exp := turn.Expect; exp != nil {
		if exp.Topic != "" && exp.Topic != string(ans.Topic) {
			result.AddError(fmt.Sprintf("turn %d (%q): topic = %s, want %s", i, turn.Ask, ans.Topic, exp.Topic))
		}
		if exp.TextContains != "" && !strings.Contains(ans.Text, exp.TextContains) {
			result.AddError(fmt.Sprintf("turn %d (%q): answer %q does not contain %q", i, turn.Ask, ans.Text, exp.TextContains))
		}
	}
	return nil
}

// checkOutcome compares an outcome with the expected fields and describes
// each mismatch.
func checkOutcome(exp *Expect, o ir.Outcome) []string {
	var errs []string
	mismatch := func(field string, got, want any) {
		errs = append(errs, fmt.Sprintf("%s = %v, want %v", field, got, want))
	}
	if exp.Status != "" && exp.Status != o.Status {
		mismatch("status", o.Status, exp.Status)
	}
	if exp.Code != "" && exp.Code != o.Code {
		mismatch("code", o.Code, exp.Code)
	}
	if exp.Plan != "" && exp.Plan != o.Plan {
		mismatch("plan", o.Plan, exp.Plan)
	}
	if exp.Message != "" && exp.Message != o.Message {
		mismatch("message", fmt.Sprintf("%q", o.Message), fmt.Sprintf("%q", exp.Message))
	}
	if exp.MessageContains != "" && !strings.Contains(o.Message, exp.MessageContains) {
		errs = append(errs, fmt.Sprintf("message %q does not contain %q", o.Message, exp.MessageContains))
	}
	if exp.Candidates != nil && !valuesEqual(toAnySlice(o.Candidates), toAnySlice(exp.Candidates)) {
		mismatch("candidates", o.Candidates, exp.Candidates)
	}
	if exp.QueueID != "" && exp.QueueID != o.QueueID {
		mismatch("queue_id", o.QueueID, exp.QueueID)
	}
	if len(exp.Args) > 0 {
		if o.BoundPlan == nil {
			errs = append(errs, "no bound plan to match args against")
		} else if !matchArgs(argMap(o.BoundPlan.Args), exp.Args) {
			errs = append(errs, fmt.Sprintf("args %s do not match %v", pipeline.FormatCall(*o.BoundPlan), exp.Args))
		}
	}
	return errs
}

// argMap turns bound arguments into plain values keyed by name.
func argMap(args []ir.BoundArg) map[string]any {
	m := make(map[string]any, len(args))
	for _, a := range args {
		m[a.Name] = ir.Native(a.Value)
	}
	return m
}

func toAnySlice(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}
