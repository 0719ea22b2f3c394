// Package assistant answers operator questions about the beamline: which
// devices and plans exist, what a plan does, what ran recently and what the
// queue holds. It never submits anything; commands go to the pipeline.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/baitchat/internal/gate"
	"github.com/roach88/baitchat/internal/intent"
	"github.com/roach88/baitchat/internal/ir"
	"github.com/roach88/baitchat/internal/llm"
	"github.com/roach88/baitchat/internal/qserver"
	"github.com/roach88/baitchat/internal/registry"
	"github.com/roach88/baitchat/internal/retrieval"
	"github.com/roach88/baitchat/internal/store"
)

// DefaultRecent is how many runs "recent runs" lists.
const DefaultRecent = 10

// History is the run history. *store.Store implements it.
type History interface {
	LastRun(ctx context.Context, plan string) (store.DecisionRecord, error)
	Runs(ctx context.Context, f store.RunFilter) ([]store.DecisionRecord, error)
	RunByID(ctx context.Context, id string) (store.DecisionRecord, error)
}

// QueueReader reads the queue server's queue. *qserver.Client implements it.
type QueueReader interface {
	Queue(ctx context.Context) (qserver.Queue, error)
}

// Searcher looks up knowledge base passages. *retrieval.Index implements it.
type Searcher interface {
	Search(ctx context.Context, text string, k int) ([]retrieval.Passage, error)
	SearchKind(ctx context.Context, text, kind string, k int) ([]retrieval.Passage, error)
}

// Answer is the reply to one question.
type Answer struct {
	Topic      Topic   `json:"topic"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Data       any     `json:"data,omitempty"`
}

// Explanation is the data behind an explain_plan answer.
type Explanation struct {
	Plan     ir.PlanSchema       `json:"plan"`
	Passages []retrieval.Passage `json:"passages,omitempty"`
	Summary  string              `json:"summary,omitempty"`
}

// Assistant answers questions. Everything but the registry is optional;
// topics whose backend is missing say so instead of failing.
type Assistant struct {
	live    gate.Snapshots
	history History
	queue   QueueReader
	docs    Searcher
	model   llm.Completer
	now     func() time.Time
	loc     *time.Location
	logger  *slog.Logger
}

// Option configures an Assistant.
type Option func(*Assistant)

// WithHistory sets the run history.
func WithHistory(h History) Option {
	return func(a *Assistant) { a.history = h }
}

// WithQueue sets the queue reader.
func WithQueue(q QueueReader) Option {
	return func(a *Assistant) { a.queue = q }
}

// WithDocs sets the knowledge base.
func WithDocs(s Searcher) Option {
	return func(a *Assistant) { a.docs = s }
}

// WithModel summarises plan explanations with a language model.
func WithModel(c llm.Completer) Option {
	return func(a *Assistant) { a.model = c }
}

// WithNow sets the clock used for relative time ranges.
func WithNow(now func() time.Time) Option {
	return func(a *Assistant) { a.now = now }
}

// WithLocation sets the time zone dates in questions are read in.
func WithLocation(loc *time.Location) Option {
	return func(a *Assistant) { a.loc = loc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Assistant) { a.logger = l }
}

// New creates an assistant over the live registry.
func New(live gate.Snapshots, opts ...Option) *Assistant {
	a := &Assistant{
		live:   live,
		now:    time.Now,
		loc:    time.UTC,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Ask routes a question and answers it. Errors are reserved for
// backends that fail; a question the assistant cannot place gets the help
// text.
func (a *Assistant) Ask(ctx context.Context, question string) (Answer, error) {
	if err := ctx.Err(); err != nil {
		return Answer{}, ir.NewError(ir.CodeCancelled, "request cancelled")
	}
	topic, conf := Route(question, a.docs != nil)
	a.logger.Debug("question routed", "topic", topic, "confidence", conf)

	var (
		ans Answer
		err error
	)
	switch topic {
	case TopicDevices:
		ans, err = a.devices(question)
	case TopicPlans:
		ans, err = a.plans()
	case TopicExplain:
		ans, err = a.explain(ctx, question)
	case TopicLastRun:
		ans, err = a.lastRun(ctx, question)
	case TopicRecentRuns:
		ans, err = a.recentRuns(ctx, question)
	case TopicRunByID:
		ans, err = a.runByID(ctx, question)
	case TopicRunsRange:
		ans, err = a.runsInRange(ctx, question)
	case TopicQueue:
		ans, err = a.queueStatus(ctx)
	case TopicSearch:
		ans, err = a.search(ctx, question)
	default:
		ans = Answer{Topic: TopicHelp, Text: helpText}
	}
	if err != nil {
		return Answer{}, err
	}
	ans.Confidence = conf
	return ans, nil
}

const helpText = `I can answer questions about:
- devices: "which motors are there?"
- plans: "what plans can I run?", "explain grid_scan"
- run history: "what was the last scan?", "show the last 5 runs", "runs since 2025-01-01", "run q-12"
- the queue: "what's in the queue?"
- the knowledge base: "search for beam alignment"
To queue a plan, just ask for it: "scan motor_x from 0 to 5 mm with 51 points".`

func (a *Assistant) snapshot() (*registry.Snapshot, error) {
	s := a.live.Current()
	if s == nil {
		return nil, ir.Downstream("plan registry", errors.New("no snapshot loaded"))
	}
	return s, nil
}

func (a *Assistant) devices(question string) (Answer, error) {
	snap, err := a.snapshot()
	if err != nil {
		return Answer{}, err
	}
	cat := categoryIn(question)
	var devices []ir.DeviceRef
	if cat != "" {
		devices = snap.DevicesIn(cat)
	} else {
		devices = snap.Devices()
	}
	return Answer{Topic: TopicDevices, Text: formatDevices(devices, cat), Data: devices}, nil
}

func (a *Assistant) plans() (Answer, error) {
	snap, err := a.snapshot()
	if err != nil {
		return Answer{}, err
	}
	plans := snap.List()
	return Answer{Topic: TopicPlans, Text: formatPlans(plans), Data: plans}, nil
}

func (a *Assistant) explain(ctx context.Context, question string) (Answer, error) {
	snap, err := a.snapshot()
	if err != nil {
		return Answer{}, err
	}
	plan, ok := planIn(question, snap.List())
	if !ok {
		if a.docs != nil {
			return a.search(ctx, question)
		}
		return Answer{Topic: TopicExplain, Text: "Which plan? Available plans: " + planNames(snap.List()) + "."}, nil
	}

	ex := Explanation{Plan: plan}
	if a.docs != nil {
		passages, err := a.docs.SearchKind(ctx, plan.Name+" "+question, retrieval.KindPlan, 3)
		if err != nil {
			a.logger.Warn("knowledge base lookup failed", "plan", plan.Name, "error", err)
		}
		for _, p := range passages {
			if p.Title == plan.Name || strings.HasPrefix(p.Title, plan.Name+":") || p.ID == "plan:"+plan.Name {
				ex.Passages = append(ex.Passages, p)
			}
		}
	}

	text := formatExplanation(plan, ex.Passages)
	if a.model != nil {
		summary, err := a.model.Complete(ctx, llm.Request{
			System: explainSystemPrompt,
			User:   question + "\n\n" + text,
		})
		if err != nil {
			a.logger.Warn("plan summary failed", "plan", plan.Name, "model", a.model.Name(), "error", err)
		} else if summary = strings.TrimSpace(summary); summary != "" {
			ex.Summary = summary
			text = summary + "\n\n" + text
		}
	}
	return Answer{Topic: TopicExplain, Text: text, Data: ex}, nil
}

const explainSystemPrompt = `You explain beamline scan plans to instrument operators.
Use only the plan definition and notes provided. Answer in at most five sentences,
name the parameters the operator must supply, and mention any limits that apply.`

func (a *Assistant) lastRun(ctx context.Context, question string) (Answer, error) {
	if a.history == nil {
		return Answer{Topic: TopicLastRun, Text: "Run history is not available."}, nil
	}
	plan := ""
	if snap, err := a.snapshot(); err == nil {
		if p, ok := planInHistory(question, snap.List()); ok {
			plan = p.Name
		}
	}
	rec, err := a.history.LastRun(ctx, plan)
	if errors.Is(err, store.ErrNotFound) {
		if plan != "" {
			return Answer{Topic: TopicLastRun, Text: fmt.Sprintf("No %s runs recorded yet.", plan)}, nil
		}
		return Answer{Topic: TopicLastRun, Text: "No runs recorded yet."}, nil
	}
	if err != nil {
		return Answer{}, fmt.Errorf("read run history: %w", err)
	}
	return Answer{Topic: TopicLastRun, Text: "Last run:\n" + formatRun(rec, a.loc), Data: rec}, nil
}

func (a *Assistant) recentRuns(ctx context.Context, question string) (Answer, error) {
	limit := DefaultRecent
	if m := recentRe.FindStringSubmatch(intent.Normalize(question)); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			limit = n
		}
	}
	return a.runs(ctx, TopicRecentRuns, question, store.RunFilter{Limit: limit}, "")
}

func (a *Assistant) runsInRange(ctx context.Context, question string) (Answer, error) {
	since, until, label, err := a.timeRange(intent.Normalize(question))
	if err != nil {
		return Answer{Topic: TopicRunsRange, Text: err.Error()}, nil
	}
	return a.runs(ctx, TopicRunsRange, question, store.RunFilter{Since: since, Until: until}, label)
}

func (a *Assistant) runs(ctx context.Context, topic Topic, question string, f store.RunFilter, label string) (Answer, error) {
	if a.history == nil {
		return Answer{Topic: topic, Text: "Run history is not available."}, nil
	}
	if snap, err := a.snapshot(); err == nil {
		if p, ok := planInHistory(question, snap.List()); ok {
			f.Plan = p.Name
		}
	}
	recs, err := a.history.Runs(ctx, f)
	if err != nil {
		return Answer{}, fmt.Errorf("read run history: %w", err)
	}
	if len(recs) == 0 {
		return Answer{Topic: topic, Text: "No runs found" + label + ".", Data: recs}, nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d run(s)%s:\n", len(recs), label)
	for _, r := range recs {
		b.WriteString(formatRun(r, a.loc))
		b.WriteByte('\n')
	}
	return Answer{Topic: topic, Text: strings.TrimRight(b.String(), "\n"), Data: recs}, nil
}

func (a *Assistant) runByID(ctx context.Context, question string) (Answer, error) {
	if a.history == nil {
		return Answer{Topic: TopicRunByID, Text: "Run history is not available."}, nil
	}
	m := runIDRe.FindStringSubmatch(intent.Normalize(question))
	if m == nil {
		return Answer{Topic: TopicRunByID, Text: "Which run? Give a queue item, submission or request id."}, nil
	}
	id := m[1]
	rec, err := a.history.RunByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return Answer{Topic: TopicRunByID, Text: fmt.Sprintf("No run with id %s.", id)}, nil
	}
	if err != nil {
		return Answer{}, fmt.Errorf("read run history: %w", err)
	}
	return Answer{Topic: TopicRunByID, Text: formatRun(rec, a.loc), Data: rec}, nil
}

func (a *Assistant) queueStatus(ctx context.Context) (Answer, error) {
	if a.queue == nil {
		return Answer{Topic: TopicQueue, Text: "The queue server is not configured."}, nil
	}
	q, err := a.queue.Queue(ctx)
	if err != nil {
		return Answer{}, err
	}
	return Answer{Topic: TopicQueue, Text: formatQueue(q), Data: q}, nil
}

func (a *Assistant) search(ctx context.Context, question string) (Answer, error) {
	if a.docs == nil {
		return Answer{Topic: TopicSearch, Text: "No knowledge base is loaded."}, nil
	}
	query := searchCmdRe.ReplaceAllString(intent.Normalize(question), "")
	passages, err := a.docs.Search(ctx, query, retrieval.DefaultLimit)
	if err != nil {
		return Answer{}, fmt.Errorf("search knowledge base: %w", err)
	}
	if len(passages) == 0 {
		return Answer{Topic: TopicSearch, Text: fmt.Sprintf("Nothing in the knowledge base matches %q.", query), Data: passages}, nil
	}
	return Answer{Topic: TopicSearch, Text: formatPassages(passages), Data: passages}, nil
}

// timeRange reads the time range a question names. label describes it for
// the answer text.
func (a *Assistant) timeRange(q string) (since, until time.Time, label string, err error) {
	now := a.now().In(a.loc)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, a.loc)

	if m := betweenRe.FindStringSubmatch(q); m != nil {
		if since, err = parseWhen(m[1], a.loc); err != nil {
			return
		}
		if until, err = parseWhen(m[2], a.loc); err != nil {
			return
		}
		if isDateOnly(m[2]) {
			until = until.AddDate(0, 0, 1)
		}
		if !until.After(since) {
			err = fmt.Errorf("the range %s to %s is empty", m[1], m[2])
			return
		}
		label = fmt.Sprintf(" between %s and %s", m[1], m[2])
		return
	}
	if m := sinceRe.FindStringSubmatch(q); m != nil {
		if since, err = parseWhen(m[1], a.loc); err != nil {
			return
		}
		label = " since " + m[1]
		return
	}
	if m := withinRe.FindStringSubmatch(q); m != nil {
		n, _ := strconv.Atoi(m[1])
		unit := map[string]time.Duration{
			"minute": time.Minute, "hour": time.Hour, "day": 24 * time.Hour, "week": 7 * 24 * time.Hour,
		}[m[2]]
		since = now.Add(-time.Duration(n) * unit)
		label = fmt.Sprintf(" in the last %s %ss", m[1], m[2])
		return
	}
	if m := dayWordRe.FindStringSubmatch(q); m != nil {
		if m[1] == "yesterday" {
			return midnight.AddDate(0, 0, -1), midnight, " yesterday", nil
		}
		return midnight, midnight.AddDate(0, 0, 1), " today", nil
	}
	err = errors.New("I could not read a time range; try \"runs since 2025-01-01\" or \"runs between 2025-01-01 and 2025-01-02\"")
	return
}

var whenLayouts = []string{"2006-01-02", "2006-01-02 15:04", "2006-01-02t15:04", "2006-01-02t15:04:05"}

func parseWhen(s string, loc *time.Location) (time.Time, error) {
	for _, layout := range whenLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("I could not read the date %q; use YYYY-MM-DD or YYYY-MM-DD HH:MM", s)
}

func isDateOnly(s string) bool {
	_, err := time.Parse("2006-01-02", s)
	return err == nil
}
