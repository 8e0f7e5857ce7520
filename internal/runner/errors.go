package runner

import (
	"fmt"

	"github.com/vnmchuo/tool-gateway/internal/policy"
	"github.com/vnmchuo/tool-gateway/internal/usage"
)

// PolicyError means the tool is disabled. Nothing was dispatched.
type PolicyError struct {
	Decision policy.Decision
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("tool %s is disabled: %s", e.Decision.Tool, e.Decision.Reason)
}

// QuotaError means the caller used up this month's runs. Nothing was dispatched.
type QuotaError struct {
	Usage usage.Status
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("usage limit reached (%d runs on plan %s)", e.Usage.Count, e.Usage.Plan)
}

// ProcessorError is a failed dispatch. It has been recorded as a reliability
// failure and consumed no quota.
type ProcessorError struct {
	Err   error
	Usage usage.Status
}

func (e *ProcessorError) Error() string {
	return fmt.Sprintf("processor error: %v", e.Err)
}

func (e *ProcessorError) Unwrap() error {
	return e.Err
}

// NotProcessedError is a soft failure: there is no processor for the tool, or
// the processor declined the job.
type NotProcessedError struct {
	Message string
	Usage   usage.Status
}

func (e *NotProcessedError) Error() string {
	return e.Message
}
