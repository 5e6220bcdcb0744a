package orchestrator

import (
	"errors"

	"github.com/toankh-dev/chat-bot-sub001/internal/store"
)

var (
	// ErrClassificationDegraded accompanies the direct-answer fallback intent
	// when the completion call failed or returned nothing usable.
	ErrClassificationDegraded = errors.New("classification degraded")

	ErrStepTimeout    = errors.New("step timed out")
	ErrStepAgentError = errors.New("agent error")
	ErrStepSkipped    = errors.New("skipped: a step it depends on did not complete")

	// ErrPlanDeadlineExceeded is returned with the partial results when the
	// plan ran out of time.
	ErrPlanDeadlineExceeded = errors.New("plan deadline exceeded")

	// ErrAllStepsFailed is returned with the deterministic apology response.
	ErrAllStepsFailed = errors.New("all steps failed")

	ErrSynthesisFailed = errors.New("synthesis failed")
	ErrCyclicPlan      = errors.New("plan contains a dependency cycle")
	ErrUnknownStep     = errors.New("plan references an unknown step")

	ErrSessionBusy = store.ErrSessionBusy
)
