// Package gate is the last check before a plan reaches the queue server.
//
// A BoundPlan was validated against the snapshot captured when the request
// arrived. The gate re-checks it against the live snapshot, applies the
// rate policy, audits the decision and only then dispatches. The live
// whitelist is authoritative: a plan removed or redefined since parse time
// is STALE_PLAN_OR_DEVICE and is never dispatched.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/baitchat/internal/binder"
	"github.com/roach88/baitchat/internal/ir"
	"github.com/roach88/baitchat/internal/registry"
)

// DefaultDispatchTimeout bounds one call to the Dispatcher.
const DefaultDispatchTimeout = 30 * time.Second

// Dispatcher forwards an accepted plan to the execution queue and returns
// its queue id.
type Dispatcher interface {
	Submit(ctx context.Context, plan string, args []ir.BoundArg) (string, error)
}

// Snapshots provides the live registry snapshot. *registry.Registry
// implements it.
type Snapshots interface {
	Current() *registry.Snapshot
}

// Decision is one audited gate verdict.
type Decision struct {
	Seq          int64
	SubmissionID string
	RequestID    string
	Plan         string
	Args         []ir.BoundArg
	Generation   uint64 // live snapshot generation at decision time
	SchemaHash   string
	Accepted     bool
	Code         ir.ErrorCode
	Reason       string
	DecidedAt    time.Time
}

// maxSeqRetries bounds how often audit re-stamps a decision whose
// sequence number another writer took.
const maxSeqRetries = 5

// ErrSeqTaken is returned by an Auditor when the decision's sequence
// number is already recorded by another writer of the same log.
var ErrSeqTaken = errors.New("decision sequence number already recorded")

// SeqSource reports the highest recorded sequence number. When the Auditor
// implements it, the gate resumes after decisions written by other
// processes sharing the log.
type SeqSource interface {
	LastSeq(ctx context.Context) (int64, error)
}

// Auditor records gate decisions. RecordDecision runs before dispatch;
// RecordDispatch runs after it with the queue id or the dispatch error.
type Auditor interface {
	RecordDecision(ctx context.Context, d Decision) error
	RecordDispatch(ctx context.Context, submissionID, queueID string, dispatchErr error) error
}

// Submission is an accepted, dispatched plan.
type Submission struct {
	SubmissionID string
	QueueID      string
	Seq          int64
}

// Gate checks and dispatches bound plans.
type Gate struct {
	live       Snapshots
	dispatcher Dispatcher
	auditor    Auditor
	window     *Window
	clock      *Clock
	timeout    time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithAuditor sets the audit log. Without one, decisions are only logged.
func WithAuditor(a Auditor) Option {
	return func(g *Gate) { g.auditor = a }
}

// WithWindow sets the rate policy.
func WithWindow(w *Window) Option {
	return func(g *Gate) { g.window = w }
}

// WithClock sets the decision sequence clock.
func WithClock(c *Clock) Option {
	return func(g *Gate) { g.clock = c }
}

// WithDispatchTimeout bounds each dispatch.
func WithDispatchTimeout(d time.Duration) Option {
	return func(g *Gate) { g.timeout = d }
}

// WithNow sets the wall clock used for audit timestamps.
func WithNow(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// New creates a Gate. The default rate policy is unlimited.
func New(live Snapshots, d Dispatcher, opts ...Option) *Gate {
	g := &Gate{
		live:       live,
		dispatcher: d,
		window:     NewWindow(0, 0, nil),
		clock:      NewClock(),
		timeout:    DefaultDispatchTimeout,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Submit runs the gate checks in order and dispatches an accepted plan
// exactly once. Rejections are *ir.PipelineError values. A dispatch
// failure is DOWNSTREAM_UNAVAILABLE and is not retried here.
func (g *Gate) Submit(ctx context.Context, requestID string, bp ir.BoundPlan) (Submission, error) {
	if err := ctx.Err(); err != nil {
		return Submission{}, ir.NewError(ir.CodeCancelled, "request cancelled before submission")
	}

	live := g.live.Current()
	d := Decision{
		RequestID:  requestID,
		Plan:       bp.Plan,
		Args:       bp.Args,
		Generation: live.Generation(),
		SchemaHash: bp.SchemaHash,
		DecidedAt:  g.now(),
	}

	if rejection := g.check(live, bp); rejection != nil {
		rejection.Plan = bp.Plan
		d.Code, d.Reason = rejection.Code, rejection.Message
		if err := g.audit(ctx, &d); err != nil {
			return Submission{}, err
		}
		g.logger.Info("submission rejected", "plan", bp.Plan, "code", rejection.Code, "reason", rejection.Message)
		return Submission{}, rejection
	}

	d.Accepted = true
	if err := g.audit(ctx, &d); err != nil {
		g.window.Release()
		g.logger.Error("audit failed, plan not dispatched", "plan", bp.Plan, "error", err)
		return Submission{}, err
	}

	dctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	queueID, err := g.dispatcher.Submit(dctx, bp.Plan, bp.Args)
	if g.auditor != nil {
		if aerr := g.auditor.RecordDispatch(context.WithoutCancel(ctx), d.SubmissionID, queueID, err); aerr != nil {
			g.logger.Error("audit dispatch result failed", "submission_id", d.SubmissionID, "error", aerr)
		}
	}
	if err != nil {
		g.logger.Warn("dispatch failed", "plan", bp.Plan, "submission_id", d.SubmissionID, "error", err)
		return Submission{}, dispatchError(bp.Plan, err)
	}

	g.logger.Info("submission accepted", "plan", bp.Plan, "queue_id", queueID, "submission_id", d.SubmissionID)
	return Submission{SubmissionID: d.SubmissionID, QueueID: queueID, Seq: d.Seq}, nil
}

// dispatchError reports a failed dispatch as DOWNSTREAM_UNAVAILABLE. A
// dispatcher that already classified the failure keeps its verdict on
// retrying.
func dispatchError(plan string, err error) *ir.PipelineError {
	var perr *ir.PipelineError
	if errors.As(err, &perr) && perr.Code == ir.CodeDownstreamUnavailable {
		cp := *perr
		cp.Plan = plan
		return &cp
	}
	perr = ir.Downstream("queue server", err)
	perr.Plan = plan
	return perr
}

// check returns the first failing gate condition, or nil.
func (g *Gate) check(live *registry.Snapshot, bp ir.BoundPlan) *ir.PipelineError {
	if bp.Status != ir.StatusValid {
		return ir.NewError(ir.CodeNotSubmittable, "plan is %s, not valid", bp.Status)
	}

	schema, err := live.Lookup(bp.Plan)
	if err != nil {
		return ir.NewError(ir.CodeStalePlanOrDevice, "plan %q is no longer in the whitelist", bp.Plan)
	}
	if hash, _ := live.SchemaHash(bp.Plan); hash != bp.SchemaHash {
		return ir.NewError(ir.CodeStalePlanOrDevice, "plan %q was redefined after it was parsed", bp.Plan)
	}
	var missing []string
	for _, id := range binder.ReferencedDevices(bp.Args) {
		if _, ok := live.Device(id); !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		e := ir.NewError(ir.CodeStalePlanOrDevice, "device %s is no longer in the directory", strings.Join(missing, ", "))
		e.Details = map[string]string{"devices": strings.Join(missing, ",")}
		return e
	}

	if issues := binder.CheckBounds(live, schema, bp.Args); len(issues) > 0 {
		e := ir.NewError(ir.CodeOutOfRangeArgument, "%s", issues[0].Message)
		e.Details = map[string]string{"param": issues[0].Param}
		return e
	}

	if ok, wait := g.window.Allow(); !ok {
		e := ir.NewError(ir.CodeRateLimited, "rate limit reached, retry in %s", wait.Round(time.Second))
		e.RetryAfter = wait
		return e
	}
	return nil
}

// RateRemaining returns how many more plans the rate policy accepts now,
// or -1 when it is unlimited.
func (g *Gate) RateRemaining() int {
	return g.window.Remaining()
}

// audit stamps d and records it. An accepted plan that cannot be audited
// is not dispatched. When another writer already used the sequence
// number, the clock catches up with the log and the decision is stamped
// again.
func (g *Gate) audit(ctx context.Context, d *Decision) error {
	for attempt := 0; ; attempt++ {
		if err := g.stamp(d); err != nil {
			return err
		}
		if g.auditor == nil {
			return nil
		}
		err := g.auditor.RecordDecision(ctx, *d)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrSeqTaken) && attempt < maxSeqRetries && g.resync(ctx) {
			g.logger.Debug("decision sequence taken, restamping", "seq", d.Seq)
			continue
		}
		perr := ir.Downstream("audit log", err)
		perr.Plan = d.Plan
		return perr
	}
}

func (g *Gate) stamp(d *Decision) error {
	d.Seq = g.clock.Next()
	id, err := ir.SubmissionID(d.RequestID, d.Plan, ir.BoundPlan{Args: d.Args}.ArgsObject(), d.Seq)
	if err != nil {
		return fmt.Errorf("submission id: %w", err)
	}
	d.SubmissionID = id
	return nil
}

// resync advances the clock past the last recorded decision. It reports
// false when the auditor cannot tell.
func (g *Gate) resync(ctx context.Context) bool {
	src, ok := g.auditor.(SeqSource)
	if !ok {
		return false
	}
	last, err := src.LastSeq(ctx)
	if err != nil {
		g.logger.Warn("read last decision sequence failed", "error", err)
		return false
	}
	g.clock.AdvanceTo(last)
	return true
}
