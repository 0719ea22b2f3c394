package ir

// ParamKind is the declared kind of a plan parameter.
type ParamKind string

const (
	KindNumber  ParamKind = "number"  // float with optional unit
	KindInteger ParamKind = "integer" // whole number, e.g. point counts
	KindNumbers ParamKind = "numbers" // list of numbers, e.g. list_scan positions
	KindDevice  ParamKind = "device"  // one device reference
	KindDevices ParamKind = "devices" // list of device references
	KindString  ParamKind = "string"
)

// ValidParamKinds defines allowed parameter kinds.
var ValidParamKinds = map[ParamKind]bool{
	KindNumber:  true,
	KindInteger: true,
	KindNumbers: true,
	KindDevice:  true,
	KindDevices: true,
	KindString:  true,
}

// IsNumeric reports whether the kind carries numbers.
func (k ParamKind) IsNumeric() bool {
	return k == KindNumber || k == KindInteger || k == KindNumbers
}

// IsDevice reports whether the kind carries device references.
func (k ParamKind) IsDevice() bool {
	return k == KindDevice || k == KindDevices
}

// IsList reports whether the kind is multi-valued.
func (k ParamKind) IsList() bool {
	return k == KindNumbers || k == KindDevices
}

// Category classifies a device.
type Category string

const (
	CategoryMotor    Category = "motor"
	CategoryDetector Category = "detector"
	CategoryShutter  Category = "shutter"
	CategoryOther    Category = "other"
)

// ValidCategories defines allowed device categories.
var ValidCategories = map[Category]bool{
	CategoryMotor:    true,
	CategoryDetector: true,
	CategoryShutter:  true,
	CategoryOther:    true,
}

// PlanSchema is a whitelisted plan and its ordered parameters.
// Immutable once compiled.
type PlanSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Aliases     []string        `json:"aliases,omitempty"`
	Parameters  []ParameterSpec `json:"parameters"`
	Estimate    *Estimate       `json:"estimate,omitempty"`
}

// Param returns the named parameter spec.
func (p PlanSchema) Param(name string) (ParameterSpec, bool) {
	for _, spec := range p.Parameters {
		if spec.Name == name {
			return spec, true
		}
	}
	return ParameterSpec{}, false
}

// ParameterSpec describes one plan parameter.
type ParameterSpec struct {
	Name     string    `json:"name"`
	Kind     ParamKind `json:"kind"`
	Required bool      `json:"required"`
	Default  Value     `json:"default,omitempty"`
	Unit     string    `json:"unit,omitempty"`
	Category Category  `json:"category,omitempty"` // device kinds only
	Min      *float64  `json:"min,omitempty"`
	Max      *float64  `json:"max,omitempty"`
	// LimitsFrom names a device parameter of the same plan whose travel
	// limits also bound this value.
	LimitsFrom  string `json:"limits_from,omitempty"`
	Description string `json:"description,omitempty"`
}

// Estimate bounds a plan's expected run time: the product of the Points
// parameters times SecondsPerPoint must not exceed MaxSeconds.
type Estimate struct {
	Points          []string `json:"points"`
	SecondsPerPoint float64  `json:"seconds_per_point"`
	MaxSeconds      float64  `json:"max_seconds"`
}

// Limits is an inclusive travel range in the device's unit.
type Limits struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// DeviceRef is a device known to the device directory.
type DeviceRef struct {
	ID          string   `json:"id"`
	Category    Category `json:"category"`
	Aliases     []string `json:"aliases,omitempty"`
	Unit        string   `json:"unit,omitempty"`
	Limits      *Limits  `json:"limits,omitempty"`
	Description string   `json:"description,omitempty"`
}

// Turn is one prior exchange supplied by the caller as conversation context.
type Turn struct {
	Role string `json:"role" yaml:"role"` // "operator" or "assistant"
	Text string `json:"text" yaml:"text"`
}

// Utterance is the operator's text plus caller-owned conversation context,
// oldest turn first.
type Utterance struct {
	Text    string `json:"text"`
	Context []Turn `json:"context,omitempty"`
	User    string `json:"user,omitempty"`
}

// PlanCandidate is a scored plan match.
type PlanCandidate struct {
	Plan  string  `json:"plan"`
	Score float64 `json:"score"`
}

// Fragment is the raw text captured for one parameter slot. Items is set
// for multi-valued captures. CategoryHint records what the text looked like
// when it was captured (a known motor, "the detector", ...).
type Fragment struct {
	Text         string   `json:"text"`
	Items        []string `json:"items,omitempty"`
	CategoryHint Category `json:"category_hint,omitempty"`
}

// Values returns Items, or Text as a single item.
func (f Fragment) Values() []string {
	if len(f.Items) > 0 {
		return f.Items
	}
	if f.Text == "" {
		return nil
	}
	return []string{f.Text}
}

// Intent is the parser's reading of an utterance.
type Intent struct {
	Plan          string              `json:"plan"`
	Confidence    float64             `json:"confidence"`
	LowConfidence bool                `json:"low_confidence,omitempty"`
	Candidates    []PlanCandidate     `json:"candidates,omitempty"`
	Fragments     map[string]Fragment `json:"fragments,omitempty"`
	Unassigned    []Fragment          `json:"unassigned,omitempty"`
	FromContext   bool                `json:"from_context,omitempty"`
	Backend       string              `json:"backend"`
}

// PlanStatus is the validation status of a BoundPlan.
type PlanStatus string

const (
	StatusValid              PlanStatus = "valid"
	StatusNeedsClarification PlanStatus = "needs_clarification"
	StatusRejected           PlanStatus = "rejected"
)

// BoundArg is one typed argument.
type BoundArg struct {
	Name      string    `json:"name"`
	Kind      ParamKind `json:"kind"`
	Value     Value     `json:"value"`
	Unit      string    `json:"unit,omitempty"`
	Defaulted bool      `json:"defaulted,omitempty"`
}

// SlotIssue names one parameter the operator must fix.
type SlotIssue struct {
	Param      string    `json:"param"`
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	Candidates []string  `json:"candidates,omitempty"`
}

// BoundPlan is a plan name plus typed arguments in schema order.
type BoundPlan struct {
	Plan       string      `json:"plan"`
	Args       []BoundArg  `json:"args"`
	Status     PlanStatus  `json:"status"`
	Issues     []SlotIssue `json:"issues,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	Generation uint64      `json:"generation"`
	SchemaHash string      `json:"schema_hash"`
	Devices    []string    `json:"devices,omitempty"` // referenced device ids, sorted
}

// Arg returns the named argument.
func (b BoundPlan) Arg(name string) (BoundArg, bool) {
	for _, a := range b.Args {
		if a.Name == name {
			return a, true
		}
	}
	return BoundArg{}, false
}

// ArgsObject returns the arguments as an Object keyed by parameter name.
func (b BoundPlan) ArgsObject() Object {
	obj := make(Object, len(b.Args))
	for _, a := range b.Args {
		obj[a.Name] = a.Value
	}
	return obj
}

// Code returns the most significant issue code. Ambiguity outranks range
// errors, which outrank missing and invalid slots.
func (b BoundPlan) Code() ErrorCode {
	if b.Status == StatusValid {
		return ""
	}
	rank := map[ErrorCode]int{
		CodeAmbiguousReference:      5,
		CodeOutOfRangeArgument:      4,
		CodeUnknownDevice:           3,
		CodeInvalidArgument:         2,
		CodeMissingRequiredArgument: 1,
	}
	var best ErrorCode
	for _, issue := range b.Issues {
		if best == "" || rank[issue.Code] > rank[best] {
			best = issue.Code
		}
	}
	if best == "" {
		return CodeNotSubmittable
	}
	return best
}

// OutcomeStatus is the terminal state of one pipeline run.
type OutcomeStatus string

const (
	OutcomeSubmitted          OutcomeStatus = "submitted"
	OutcomeReady              OutcomeStatus = "ready" // valid, not submitted (dry run)
	OutcomeNeedsClarification OutcomeStatus = "needs_clarification"
	OutcomeRejected           OutcomeStatus = "rejected"
)

// Outcome is what TranslateAndSubmit returns to the caller.
type Outcome struct {
	RequestID    string        `json:"request_id"`
	Status       OutcomeStatus `json:"status"`
	Code         ErrorCode     `json:"code,omitempty"`
	Message      string        `json:"message"`
	Retryable    bool          `json:"retryable,omitempty"`
	Plan         string        `json:"plan,omitempty"`
	Candidates   []string      `json:"candidates,omitempty"`
	BoundPlan    *BoundPlan    `json:"bound_plan,omitempty"`
	QueueID      string        `json:"queue_id,omitempty"`
	SubmissionID string        `json:"submission_id,omitempty"`
}
