package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/baitchat/internal/ir"
)

// Scenario is one scripted conversation with the expected results.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Whitelist is a CUE whitelist directory, relative to the scenario
	// file. Empty uses the built-in fixture plans and devices.
	Whitelist string `yaml:"whitelist,omitempty"`

	// RateLimit caps accepted submissions per minute. Zero disables it.
	RateLimit int `yaml:"rate_limit,omitempty"`

	// Turns are run in order.
	Turns []Turn `yaml:"turns"`

	// Assertions are checked after the last turn.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Turn is one operator message: a request (say) or a question (ask).
type Turn struct {
	Say string `yaml:"say,omitempty"`
	Ask string `yaml:"ask,omitempty"`

	// DryRun translates without submitting.
	DryRun bool `yaml:"dry_run,omitempty"`

	// Fresh drops the conversation context before this turn.
	Fresh bool `yaml:"fresh,omitempty"`

	// Advance moves the clock forward before this turn, on top of the
	// usual one second.
	Advance time.Duration `yaml:"advance,omitempty"`

	// DispatchError makes the queue refuse this turn's submission.
	DispatchError string `yaml:"dispatch_error,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect lists the fields a turn's result must have. Empty fields are not
// checked.
type Expect struct {
	Status          ir.OutcomeStatus `yaml:"status,omitempty"`
	Code            ir.ErrorCode     `yaml:"code,omitempty"`
	Plan            string           `yaml:"plan,omitempty"`
	Message         string           `yaml:"message,omitempty"`
	MessageContains string           `yaml:"message_contains,omitempty"`
	Candidates      []string         `yaml:"candidates,omitempty"`
	QueueID         string           `yaml:"queue_id,omitempty"`
	// Args is matched against the bound arguments by name (subset match).
	Args map[string]any `yaml:"args,omitempty"`

	Topic        string `yaml:"topic,omitempty"`
	TextContains string `yaml:"text_contains,omitempty"`
}

// Assertion checks the run as a whole.
type Assertion struct {
	Type string `yaml:"type"`

	// Count is used by dispatch_count and decision_count.
	Count int `yaml:"count"`

	// Plans is the expected order for dispatch_order.
	Plans []string `yaml:"plans,omitempty"`

	// Plan and Args select a dispatch for dispatched.
	Plan string         `yaml:"plan,omitempty"`
	Args map[string]any `yaml:"args,omitempty"`

	// Accepted narrows decision_count to accepted (true) or rejected
	// (false) decisions.
	Accepted *bool `yaml:"accepted,omitempty"`
}

// Assertion type constants.
const (
	AssertDispatchCount = "dispatch_count"
	AssertDispatchOrder = "dispatch_order"
	AssertDispatched    = "dispatched"
	AssertDecisionCount = "decision_count"
)

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected so that typos do not silently skip a check. A relative
// whitelist is resolved against the scenario file's directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Whitelist != "" && !filepath.IsAbs(scenario.Whitelist) {
		scenario.Whitelist = filepath.Join(filepath.Dir(path), scenario.Whitelist)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Turns) == 0 {
		return fmt.Errorf("turns list is required and must be non-empty")
	}
	if s.RateLimit < 0 {
		return fmt.Errorf("rate_limit must be non-negative")
	}
	if s.Whitelist != "" {
		if _, err := os.Stat(s.Whitelist); err != nil {
			return fmt.Errorf("whitelist not found: %s", s.Whitelist)
		}
	}

	for i, turn := range s.Turns {
		switch {
		case turn.Say == "" && turn.Ask == "":
			return fmt.Errorf("turns[%d]: say or ask is required", i)
		case turn.Say != "" && turn.Ask != "":
			return fmt.Errorf("turns[%d]: say and ask are mutually exclusive", i)
		case turn.Ask != "" && (turn.DryRun || turn.DispatchError != ""):
			return fmt.Errorf("turns[%d]: dry_run and dispatch_error only apply to say", i)
		case turn.Advance < 0:
			return fmt.Errorf("turns[%d]: advance must be non-negative", i)
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertDispatchCount, AssertDecisionCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for %s", index, a.Type)
		}
	case AssertDispatchOrder:
		if len(a.Plans) == 0 {
			return fmt.Errorf("assertions[%d]: plans list is required for dispatch_order", index)
		}
	case AssertDispatched:
		if a.Plan == "" {
			return fmt.Errorf("assertions[%d]: plan is required for dispatched", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
