package ir

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode categorizes pipeline outcomes that are not a clean submission.
type ErrorCode string

const (
	// CodeAmbiguousReference indicates a device mention matched more than one device.
	CodeAmbiguousReference ErrorCode = "AMBIGUOUS_REFERENCE"

	// CodeAmbiguousPlan indicates two plans scored within the ambiguity margin.
	CodeAmbiguousPlan ErrorCode = "AMBIGUOUS_PLAN"

	// CodeUnknownPlan indicates no registered plan scored above the confidence floor.
	CodeUnknownPlan ErrorCode = "UNKNOWN_PLAN"

	// CodeMissingRequiredArgument indicates a required slot has no value.
	CodeMissingRequiredArgument ErrorCode = "MISSING_REQUIRED_ARGUMENT"

	// CodeOutOfRangeArgument indicates a value outside its declared bounds or device limits.
	CodeOutOfRangeArgument ErrorCode = "OUT_OF_RANGE_ARGUMENT"

	// CodeInvalidArgument indicates a fragment that could not be coerced to its kind.
	CodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"

	// CodeUnknownDevice indicates a device mention matched nothing.
	CodeUnknownDevice ErrorCode = "UNKNOWN_DEVICE"

	// CodeStalePlanOrDevice indicates the registry changed between parse and submit.
	CodeStalePlanOrDevice ErrorCode = "STALE_PLAN_OR_DEVICE"

	// CodeRateLimited indicates the submission window is full.
	CodeRateLimited ErrorCode = "RATE_LIMITED"

	// CodeDownstreamUnavailable indicates a timeout or error from an external service.
	CodeDownstreamUnavailable ErrorCode = "DOWNSTREAM_UNAVAILABLE"

	// CodeNotSubmittable indicates a BoundPlan that is not valid reached the gate.
	CodeNotSubmittable ErrorCode = "NOT_SUBMITTABLE"

	// CodeCancelled indicates the caller abandoned the request before submission.
	CodeCancelled ErrorCode = "CANCELLED"
)

// PipelineError is a structured, operator-facing failure.
type PipelineError struct {
	Code    ErrorCode
	Message string

	// Plan is the plan the failure concerns, if known.
	Plan string

	// Retryable is only ever true for DOWNSTREAM_UNAVAILABLE, and not for
	// a service that answered with a refusal.
	Retryable bool

	// RetryAfter is set for RATE_LIMITED.
	RetryAfter time.Duration

	// Details carries extra context such as candidate names.
	Details map[string]string

	Err error
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	if e.Plan != "" {
		return fmt.Sprintf("%s: %s (plan=%s)", e.Code, e.Message, e.Plan)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// NewError creates a PipelineError. DOWNSTREAM_UNAVAILABLE errors are
// marked retryable.
func NewError(code ErrorCode, format string, args ...any) *PipelineError {
	return &PipelineError{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		Retryable: code == CodeDownstreamUnavailable,
	}
}

// Downstream wraps an external failure as DOWNSTREAM_UNAVAILABLE.
func Downstream(service string, err error) *PipelineError {
	return &PipelineError{
		Code:      CodeDownstreamUnavailable,
		Message:   fmt.Sprintf("%s unavailable: %v", service, err),
		Retryable: true,
		Err:       err,
	}
}

// Refused reports an external service that answered but declined the
// request. Sending the same request again gets the same answer, so it is
// not retryable.
func Refused(service string, err error) *PipelineError {
	return &PipelineError{
		Code:    CodeDownstreamUnavailable,
		Message: fmt.Sprintf("%s refused the request: %v", service, err),
		Err:     err,
	}
}

// CodeOf returns the ErrorCode of a PipelineError anywhere in err's chain,
// or "" if there is none.
func CodeOf(err error) ErrorCode {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsRetryable reports whether the caller may retry without new operator input.
func IsRetryable(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}
