package ir

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOfWrapped(t *testing.T) {
	err := fmt.Errorf("gate: %w", NewError(CodeRateLimited, "window full"))
	assert.Equal(t, CodeRateLimited, CodeOf(err))
	assert.Equal(t, ErrorCode(""), CodeOf(errors.New("plain")))
}

func TestOnlyDownstreamIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(Downstream("queue server", errors.New("timeout"))))
	assert.True(t, IsRetryable(NewError(CodeDownstreamUnavailable, "x")))
	assert.False(t, IsRetryable(NewError(CodeStalePlanOrDevice, "x")))
	assert.False(t, IsRetryable(errors.New("plain")))

	refused := Refused("queue server", errors.New("plan not allowed"))
	assert.Equal(t, CodeDownstreamUnavailable, CodeOf(refused))
	assert.False(t, IsRetryable(refused))
}

func TestPipelineErrorMessage(t *testing.T) {
	err := NewError(CodeUnknownPlan, "no plan named %q", "fly_scan")
	assert.Equal(t, `UNKNOWN_PLAN: no plan named "fly_scan"`, err.Error())

	err.Plan = "fly_scan"
	assert.Contains(t, err.Error(), "(plan=fly_scan)")
}

func TestBoundPlanCodeRanking(t *testing.T) {
	bp := BoundPlan{
		Status: StatusNeedsClarification,
		Issues: []SlotIssue{
			{Param: "motor", Code: CodeMissingRequiredArgument},
			{Param: "stop", Code: CodeOutOfRangeArgument},
		},
	}
	assert.Equal(t, CodeOutOfRangeArgument, bp.Code())

	bp.Issues = append(bp.Issues, SlotIssue{Param: "detectors", Code: CodeAmbiguousReference})
	assert.Equal(t, CodeAmbiguousReference, bp.Code())

	assert.Equal(t, ErrorCode(""), BoundPlan{Status: StatusValid}.Code())
}
