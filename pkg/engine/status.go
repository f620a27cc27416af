package engine

import (
	"fmt"
)

// WorkflowState is the position of a workflow instance in its state machine.
type WorkflowState string

const (
	// StatePending indicates the instance was accepted and the worker is being provisioned.
	StatePending WorkflowState = "pending"

	// StateDispatching indicates the build command is being delivered to the worker.
	StateDispatching WorkflowState = "dispatching"

	// StateAwaitingCompletion indicates the instance is parked on its continuation token.
	StateAwaitingCompletion WorkflowState = "awaiting_completion"

	// StateResolving indicates the outcome is known and cleanup is about to start.
	StateResolving WorkflowState = "resolving"

	// StateCleaningUp indicates the worker is being destroyed.
	StateCleaningUp WorkflowState = "cleaning_up"

	// StateSucceeded indicates the worker signalled completion and was torn down.
	StateSucceeded WorkflowState = "succeeded"

	// StateFailed indicates the instance failed and was torn down.
	StateFailed WorkflowState = "failed"
)

// validTransitions lists every edge of the workflow state machine.
var validTransitions = map[WorkflowState][]WorkflowState{
	StatePending:            {StateDispatching, StateResolving},
	StateDispatching:        {StateDispatching, StateAwaitingCompletion, StateResolving},
	StateAwaitingCompletion: {StateResolving},
	StateResolving:          {StateCleaningUp},
	StateCleaningUp:         {StateSucceeded, StateFailed},
}

// IsTerminal returns true if the state is final.
func (s WorkflowState) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// IsResolvable returns true if the instance has not yet entered resolution.
func (s WorkflowState) IsResolvable() bool {
	return s == StatePending || s == StateDispatching || s == StateAwaitingCompletion
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s WorkflowState) CanTransitionTo(next WorkflowState) bool {
	for _, candidate := range validTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Validate checks if the workflow state is valid.
func (s WorkflowState) Validate() error {
	switch s {
	case StatePending, StateDispatching, StateAwaitingCompletion,
		StateResolving, StateCleaningUp, StateSucceeded, StateFailed:
		return nil
	default:
		return fmt.Errorf("invalid workflow state: %s", s)
	}
}

// AttemptOutcome records how a single dispatch attempt ended.
type AttemptOutcome string

const (
	// AttemptSucceeded indicates the worker acknowledged the build command.
	AttemptSucceeded AttemptOutcome = "success"

	// AttemptTransientFailure indicates a retryable dispatch failure.
	AttemptTransientFailure AttemptOutcome = "transient_failure"

	// AttemptPermanentFailure indicates a dispatch failure that ends the retry sequence.
	AttemptPermanentFailure AttemptOutcome = "permanent_failure"
)

// ResolutionCause is the event that moved an instance into resolution.
type ResolutionCause string

const (
	// CauseSignal means a matching completion signal arrived.
	CauseSignal ResolutionCause = "signal"

	// CauseDispatchExhausted means the retry budget ran out.
	CauseDispatchExhausted ResolutionCause = "dispatch_exhausted"

	// CauseDispatchRejected means the dispatcher returned a permanent error.
	CauseDispatchRejected ResolutionCause = "dispatch_rejected"

	// CauseProvisionFailed means the worker could not be created.
	CauseProvisionFailed ResolutionCause = "provision_failed"

	// CauseTimeout means the await deadline passed.
	CauseTimeout ResolutionCause = "timeout"

	// CauseCancelled means the caller cancelled the instance.
	CauseCancelled ResolutionCause = "cancelled"

	// CauseAbandoned means the instance was recovered after a restart.
	CauseAbandoned ResolutionCause = "abandoned"
)

// SignalStatus is the outcome a worker reports in its completion signal.
type SignalStatus string

const (
	// SignalStatusSucceeded reports that both artifacts were produced and uploaded.
	SignalStatusSucceeded SignalStatus = "succeeded"

	// SignalStatusFailed reports that the worker-side build failed.
	SignalStatusFailed SignalStatus = "failed"
)

// RejectReason explains why a completion signal was not accepted.
type RejectReason string

const (
	// RejectUnknownToken means no parked instance owns the token.
	RejectUnknownToken RejectReason = "unknown_token"

	// RejectAlreadyResolved means the owning instance already left awaiting.
	RejectAlreadyResolved RejectReason = "already_resolved"

	// RejectContextMismatch means the payload does not match the owning instance.
	RejectContextMismatch RejectReason = "context_mismatch"

	// RejectMalformed means the signal is missing its token.
	RejectMalformed RejectReason = "malformed"
)
