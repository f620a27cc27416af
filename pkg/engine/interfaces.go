package engine

import (
	"context"
)

// WorkerManager creates and destroys disposable build workers.
type WorkerManager interface {
	// Provision creates a worker for the given context. The returned worker
	// must be reachable by the dispatcher when Provision returns.
	Provision(ctx context.Context, pc ProvisionContext) (*WorkerResource, error)

	// Destroy tears down a worker. Implementations must tolerate partial
	// resources left by a failed Provision.
	Destroy(ctx context.Context, worker WorkerResource) error

	// Name returns the manager name recorded on workers it creates.
	Name() string
}

// NetworkReleaser is implemented by worker managers that hold network
// bindings (placement, security groups) separately from the worker itself.
type NetworkReleaser interface {
	Release(ctx context.Context, worker WorkerResource) error
}

// Dispatcher delivers a build command to a worker.
// Errors should be classified with NewTransientDispatchError or
// NewPermanentDispatchError; unclassified errors are treated as transient.
type Dispatcher interface {
	Dispatch(ctx context.Context, worker WorkerResource, spec BuildSpec, token string) error
}

// StateStore persists workflow instances and their audit trail.
type StateStore interface {
	// SaveInstance inserts or replaces an instance snapshot.
	SaveInstance(ctx context.Context, instance *WorkflowInstance) error

	// GetInstance returns ErrInstanceNotFound if no instance has the ID.
	GetInstance(ctx context.Context, id string) (*WorkflowInstance, error)

	// ListInstances returns instances matching the filter, newest first.
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*WorkflowInstance, error)

	// ListActiveInstances returns every non-terminal instance.
	ListActiveInstances(ctx context.Context) ([]*WorkflowInstance, error)

	// AppendAttempt records a dispatch attempt for an instance.
	AppendAttempt(ctx context.Context, instanceID string, attempt DispatchAttempt) error

	// AppendEvent records an audit event.
	AppendEvent(ctx context.Context, event *Event) error

	// ListEvents returns events for an instance in emission order.
	// An empty instance ID returns events for all instances.
	ListEvents(ctx context.Context, instanceID string, limit int) ([]*Event, error)
}

// EventPublisher publishes workflow events for real-time monitoring.
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// AdmissionPolicy decides whether a build request may start.
// A nil error admits the request.
type AdmissionPolicy interface {
	Admit(ctx context.Context, req BuildRequest) error
}

// Observer receives orchestrator measurements. Implementations must be safe
// for concurrent use.
type Observer interface {
	InstanceStarted()
	InstanceFinished(state WorkflowState, cause ResolutionCause, seconds float64)
	DispatchAttempted(outcome AttemptOutcome, backoffSeconds float64)
	SignalReceived(accepted bool, reason RejectReason)
	CleanupFinished(success bool)
	AwaitFinished(cause ResolutionCause, seconds float64)
}

type nopObserver struct{}

func (nopObserver) InstanceStarted() {}
func (nopObserver) InstanceFinished(WorkflowState, ResolutionCause, float64) {}
func (nopObserver) DispatchAttempted(AttemptOutcome, float64) {}
func (nopObserver) SignalReceived(bool, RejectReason) {}
func (nopObserver) CleanupFinished(bool) {}
func (nopObserver) AwaitFinished(ResolutionCause, float64) {}
