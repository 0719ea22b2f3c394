package harness

// Trace event types.
const (
	EventUtterance = "utterance"
	EventDispatch  = "dispatch"
	EventOutcome   = "outcome"
	EventQuestion  = "question"
	EventAnswer    = "answer"
)

// TraceEvent is one step of a scenario run. Which fields are set depends
// on Type.
type TraceEvent struct {
	Seq  int64  `json:"seq"`
	Turn int    `json:"turn"`
	Type string `json:"type"`

	// Text is the operator's words for utterance and question events and
	// the reply for answer events.
	Text string `json:"text,omitempty"`

	// Outcome fields.
	Status     string   `json:"status,omitempty"`
	Code       string   `json:"code,omitempty"`
	Plan       string   `json:"plan,omitempty"`
	Message    string   `json:"message,omitempty"`
	Candidates []string `json:"candidates,omitempty"`

	// Call is the plan call as dispatched or bound.
	Call    string `json:"call,omitempty"`
	QueueID string `json:"queue_id,omitempty"`

	Topic string `json:"topic,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace lists every utterance, dispatch, outcome, question and answer
	// in order.
	Trace []TraceEvent `json:"trace"`

	// Errors explains each failed check. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) add(e TraceEvent) {
	e.Seq = int64(len(r.Trace) + 1)
	r.Trace = append(r.Trace, e)
}
