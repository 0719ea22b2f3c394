// Package pipeline runs one utterance through the whole translation:
// parse, bind, gate, dispatch. Every stage reads the same registry
// snapshot, captured once when the request arrives.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/baitchat/internal/binder"
	"github.com/roach88/baitchat/internal/gate"
	"github.com/roach88/baitchat/internal/intent"
	"github.com/roach88/baitchat/internal/ir"
	"github.com/roach88/baitchat/internal/registry"
)

// Submitter is the submission gate. *gate.Gate implements it.
type Submitter interface {
	Submit(ctx context.Context, requestID string, bp ir.BoundPlan) (gate.Submission, error)
}

// OutcomeLog records every outcome with the text that produced it.
// *store.Store implements it.
type OutcomeLog interface {
	RecordOutcome(ctx context.Context, utterance string, o ir.Outcome, at time.Time) error
}

// Pipeline translates utterances into gated submissions.
type Pipeline struct {
	live       gate.Snapshots
	parser     intent.Parser
	binder     *binder.Binder
	gate       Submitter
	ids        IDGenerator
	outcomes   OutcomeLog
	thresholds intent.Thresholds
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithParser sets the intent parser. The default is the rule parser.
func WithParser(p intent.Parser) Option {
	return func(pl *Pipeline) { pl.parser = p }
}

// WithBinder sets the binder.
func WithBinder(b *binder.Binder) Option {
	return func(pl *Pipeline) { pl.binder = b }
}

// WithIDs sets the request id generator.
func WithIDs(g IDGenerator) Option {
	return func(pl *Pipeline) { pl.ids = g }
}

// WithOutcomeLog records outcomes.
func WithOutcomeLog(l OutcomeLog) Option {
	return func(pl *Pipeline) { pl.outcomes = l }
}

// WithThresholds sets the margin used to list tied plans in an
// AMBIGUOUS_PLAN outcome. It should match the parser's.
func WithThresholds(t intent.Thresholds) Option {
	return func(pl *Pipeline) { pl.thresholds = t }
}

// WithNow sets the wall clock used to stamp recorded outcomes.
func WithNow(now func() time.Time) Option {
	return func(pl *Pipeline) { pl.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(pl *Pipeline) { pl.logger = l }
}

// New creates a Pipeline over a live registry and a gate.
func New(live gate.Snapshots, g Submitter, opts ...Option) *Pipeline {
	pl := &Pipeline{
		live:       live,
		gate:       g,
		ids:        UUIDv7Generator{},
		thresholds: intent.DefaultThresholds,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(pl)
	}
	if pl.parser == nil {
		pl.parser = intent.NewRuleParser(intent.WithThresholds(pl.thresholds), intent.WithLogger(pl.logger))
	}
	if pl.binder == nil {
		pl.binder = binder.New(nil)
	}
	return pl
}

// TranslateAndSubmit parses, binds and, when the plan is valid, submits
// it through the gate.
func (pl *Pipeline) TranslateAndSubmit(ctx context.Context, u ir.Utterance) ir.Outcome {
	return pl.run(ctx, u, true)
}

// Translate stops before the gate: a valid plan comes back as "ready".
func (pl *Pipeline) Translate(ctx context.Context, u ir.Utterance) ir.Outcome {
	return pl.run(ctx, u, false)
}

func (pl *Pipeline) run(ctx context.Context, u ir.Utterance, submit bool) ir.Outcome {
	requestID := pl.ids.Generate()
	o := pl.translate(ctx, requestID, u, submit)
	o.RequestID = requestID

	log := pl.logger.With("request_id", requestID)
	switch o.Status {
	case ir.OutcomeSubmitted:
		log.Info("plan submitted", "plan", o.Plan, "queue_id", o.QueueID)
	case ir.OutcomeRejected:
		log.Info("request rejected", "plan", o.Plan, "code", o.Code, "message", o.Message)
	default:
		log.Debug("request translated", "status", o.Status, "plan", o.Plan, "code", o.Code)
	}

	// A cancelled request leaves no trace.
	if o.Code == ir.CodeCancelled || pl.outcomes == nil {
		return o
	}
	if err := pl.outcomes.RecordOutcome(context.WithoutCancel(ctx), u.Text, o, pl.now()); err != nil {
		log.Error("record outcome failed", "error", err)
	}
	return o
}

func (pl *Pipeline) translate(ctx context.Context, requestID string, u ir.Utterance, submit bool) ir.Outcome {
	if ctx.Err() != nil {
		return cancelled("")
	}
	snap := pl.live.Current()
	if snap == nil {
		return fromError("", ir.Downstream("plan registry", errors.New("no snapshot loaded")))
	}

	in, err := pl.parser.Parse(ctx, snap, u)
	if err != nil {
		if ctx.Err() != nil {
			return cancelled("")
		}
		return fromError("", err)
	}

	if in.Plan == "" {
		return pl.unknownPlan(snap, in)
	}
	if in.LowConfidence {
		tied := pl.tied(in.Candidates)
		return ir.Outcome{
			Status:     ir.OutcomeNeedsClarification,
			Code:       ir.CodeAmbiguousPlan,
			Message:    fmt.Sprintf("did you mean %s?", orList(tied)),
			Candidates: tied,
		}
	}

	bp := pl.binder.Bind(snap, in)
	switch bp.Status {
	case ir.StatusRejected:
		return ir.Outcome{
			Status:  ir.OutcomeRejected,
			Code:    ir.CodeUnknownPlan,
			Message: bp.Reason,
			Plan:    bp.Plan,
		}
	case ir.StatusNeedsClarification:
		return clarification(bp)
	}

	if !submit {
		return ir.Outcome{
			Status:    ir.OutcomeReady,
			Message:   "ready: " + FormatCall(bp),
			Plan:      bp.Plan,
			BoundPlan: &bp,
		}
	}

	if ctx.Err() != nil {
		return cancelled(bp.Plan)
	}
	sub, err := pl.gate.Submit(ctx, requestID, bp)
	if err != nil {
		o := fromError(bp.Plan, err)
		o.BoundPlan = &bp
		return o
	}
	return ir.Outcome{
		Status:       ir.OutcomeSubmitted,
		Message:      fmt.Sprintf("queued %s as %s", FormatCall(bp), sub.QueueID),
		Plan:         bp.Plan,
		BoundPlan:    &bp,
		QueueID:      sub.QueueID,
		SubmissionID: sub.SubmissionID,
	}
}

func (pl *Pipeline) unknownPlan(snap *registry.Snapshot, in ir.Intent) ir.Outcome {
	var names []string
	for _, p := range snap.List() {
		names = append(names, p.Name)
	}
	return ir.Outcome{
		Status:     ir.OutcomeRejected,
		Code:       ir.CodeUnknownPlan,
		Message:    "no permitted plan matches that request; available plans: " + strings.Join(names, ", "),
		Candidates: candidateNames(in.Candidates),
	}
}

// tied returns the candidates within the margin of the best one.
func (pl *Pipeline) tied(cands []ir.PlanCandidate) []string {
	if len(cands) == 0 {
		return nil
	}
	var out []string
	for _, c := range cands {
		if cands[0].Score-c.Score <= pl.thresholds.Margin+1e-9 {
			out = append(out, c.Plan)
		}
	}
	return out
}

func clarification(bp ir.BoundPlan) ir.Outcome {
	msgs := make([]string, len(bp.Issues))
	var candidates []string
	for i, issue := range bp.Issues {
		msgs[i] = issue.Message
		if candidates == nil && len(issue.Candidates) > 0 {
			candidates = issue.Candidates
		}
	}
	return ir.Outcome{
		Status:     ir.OutcomeNeedsClarification,
		Code:       bp.Code(),
		Message:    strings.Join(msgs, "; "),
		Plan:       bp.Plan,
		Candidates: candidates,
		BoundPlan:  &bp,
	}
}

func fromError(plan string, err error) ir.Outcome {
	var perr *ir.PipelineError
	if !errors.As(err, &perr) {
		perr = ir.Downstream("pipeline", err)
	}
	if perr.Code == ir.CodeCancelled {
		return cancelled(plan)
	}
	return ir.Outcome{
		Status:    ir.OutcomeRejected,
		Code:      perr.Code,
		Message:   perr.Message,
		Retryable: perr.Retryable,
		Plan:      plan,
	}
}

func cancelled(plan string) ir.Outcome {
	return ir.Outcome{
		Status:  ir.OutcomeRejected,
		Code:    ir.CodeCancelled,
		Message: "request cancelled",
		Plan:    plan,
	}
}

func candidateNames(cands []ir.PlanCandidate) []string {
	var out []string
	for _, c := range cands {
		out = append(out, c.Plan)
	}
	return out
}
