package engine

import (
	"time"
)

// TargetContext describes the machine whose kernel the artifacts are built for.
type TargetContext struct {
	// ImageID is the machine image the worker boots from (e.g., an AMI ID).
	ImageID string `json:"image_id" validate:"required"`

	// Architecture is the CPU architecture of the image (x86_64, arm64).
	// Empty means the worker manager decides.
	Architecture string `json:"architecture,omitempty" validate:"omitempty,oneof=x86_64 arm64 i386"`

	// KernelVersion is the kernel release to build for. Empty means the
	// worker's running kernel.
	KernelVersion string `json:"kernel_version,omitempty" validate:"omitempty,max=128"`

	// InstanceType overrides the worker size chosen by the worker manager.
	InstanceType string `json:"instance_type,omitempty"`

	// Labels are key-value pairs passed through to the worker manager.
	Labels map[string]string `json:"labels,omitempty"`
}

// BuildRequest is a client request to build artifacts for one target.
// It is immutable once accepted.
type BuildRequest struct {
	// Target identifies the machine to build for.
	Target TargetContext `json:"target_context"`

	// ArtifactDestination is where the worker uploads its artifacts
	// (a file:// or sftp:// URI).
	ArtifactDestination string `json:"artifact_destination" validate:"required,uri"`

	// Metadata is caller-supplied data kept with the instance.
	Metadata map[string]string `json:"metadata,omitempty"`

	// RequestedBy identifies the caller for audit.
	RequestedBy string `json:"requested_by,omitempty"`
}

// Placement is the network context a worker is bound to.
type Placement struct {
	Subnet        string `json:"subnet,omitempty"`
	SecurityGroup string `json:"security_group,omitempty"`
	Zone          string `json:"zone,omitempty"`
}

// Identity is the role a worker runs as when uploading and calling back.
type Identity struct {
	Role    string `json:"role,omitempty"`
	Profile string `json:"profile,omitempty"`
}

// WorkerResource is a disposable compute unit owned by exactly one instance.
type WorkerResource struct {
	// ID is the provider-assigned worker identifier.
	ID string `json:"id"`

	// Provider is the name of the worker manager that created the worker.
	Provider string `json:"provider"`

	// Address is the host name or IP the dispatcher connects to.
	Address string `json:"address,omitempty"`

	// Port is the SSH port (0 means the dispatcher default).
	Port int `json:"port,omitempty"`

	// User is the login user on the worker.
	User string `json:"user,omitempty"`

	// InstanceType is the size the worker was created with.
	InstanceType string `json:"instance_type,omitempty"`

	// Lease identifies one tenancy of a reusable worker. Managers that hand
	// the same host to successive instances ignore teardown requests for a
	// lease that is no longer current.
	Lease string `json:"lease,omitempty"`

	Placement Placement `json:"placement"`
	Identity  Identity  `json:"identity"`

	// CreatedAt is when the worker was provisioned.
	CreatedAt time.Time `json:"created_at"`
}

// ProvisionContext carries what a worker manager needs to create a worker.
type ProvisionContext struct {
	InstanceID string
	Target     TargetContext
	Labels     map[string]string
}

// ArtifactLocation names where the worker must upload its two artifacts.
type ArtifactLocation struct {
	// Destination is the base URI for uploads.
	Destination string `json:"destination"`

	// ModuleKey is the object key for the kernel module.
	ModuleKey string `json:"module_key"`

	// ProfileKey is the object key for the symbol profile archive.
	ProfileKey string `json:"profile_key"`
}

// BuildSpec is the instruction sent to a worker.
type BuildSpec struct {
	InstanceID    string           `json:"instance_id"`
	WorkerID      string           `json:"worker_id"`
	Artifacts     ArtifactLocation `json:"artifacts"`
	KernelVersion string           `json:"kernel_version,omitempty"`

	// BuildTimeout bounds the worker's own build step.
	BuildTimeout time.Duration `json:"build_timeout"`

	// CallbackURL is the completion endpoint the worker calls.
	CallbackURL string `json:"callback_url"`
}

// DispatchAttempt records one call to the dispatcher.
type DispatchAttempt struct {
	Number  int            `json:"number"`
	At      time.Time      `json:"at"`
	Outcome AttemptOutcome `json:"outcome"`
	Error   string         `json:"error,omitempty"`

	// Backoff is the delay scheduled after this attempt, zero if none.
	Backoff time.Duration `json:"backoff,omitempty"`
}

// SignalResult is the payload a worker reports on completion.
type SignalResult struct {
	// InstanceIdentifier is the reporting worker's own identifier.
	InstanceIdentifier string `json:"instanceIdentifier"`

	// Artifacts lists the keys the worker uploaded.
	Artifacts []string `json:"artifacts,omitempty"`
}

// CompletionSignal is an out-of-band message from a worker.
type CompletionSignal struct {
	Token      string       `json:"token"`
	Result     SignalResult `json:"result"`
	Status     SignalStatus `json:"status,omitempty"`
	Error      string       `json:"error,omitempty"`
	ReceivedAt time.Time    `json:"received_at"`
}

// SignalAck is the outcome of delivering a completion signal.
type SignalAck struct {
	Accepted   bool         `json:"accepted"`
	Reason     RejectReason `json:"reason,omitempty"`
	InstanceID string       `json:"instance_id,omitempty"`
}

// Resolution records why and how an instance left its active phase.
type Resolution struct {
	Cause   ResolutionCause `json:"cause"`
	Kind    ErrorKind       `json:"kind,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Succeeded reports whether the resolution leads to StateSucceeded.
func (r Resolution) Succeeded() bool {
	return r.Cause == CauseSignal && r.Kind == ""
}

// CleanupReport records the outcome of the cleanup phase.
type CleanupReport struct {
	WorkerID    string    `json:"worker_id,omitempty"`
	Destroyed   bool      `json:"destroyed"`
	Released    bool      `json:"released"`
	Error       string    `json:"error,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// WorkflowInstance is one run of the build state machine. Values returned
// by the orchestrator are snapshots and safe to read without locking.
type WorkflowInstance struct {
	ID      string        `json:"id"`
	Token   string        `json:"-"`
	State   WorkflowState `json:"state"`
	Request BuildRequest  `json:"request"`

	// Revision increases with every change to the instance. Stores keep the
	// highest revision they have seen.
	Revision int64 `json:"revision"`

	// Worker is set once provisioned and cleared after cleanup.
	Worker *WorkerResource `json:"worker,omitempty"`

	// WorkerID is retained for audit after Worker is cleared.
	WorkerID string `json:"worker_id,omitempty"`

	Attempts   []DispatchAttempt `json:"attempts,omitempty"`
	Resolution *Resolution       `json:"resolution,omitempty"`
	Cleanup    *CleanupReport    `json:"cleanup,omitempty"`
	Result     *SignalResult     `json:"result,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ParkedAt    *time.Time `json:"parked_at,omitempty"`
	Deadline    *time.Time `json:"deadline,omitempty"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// clone returns a deep copy of the instance.
func (w *WorkflowInstance) clone() *WorkflowInstance {
	c := *w
	if w.Worker != nil {
		worker := *w.Worker
		c.Worker = &worker
	}
	if w.Attempts != nil {
		c.Attempts = append([]DispatchAttempt(nil), w.Attempts...)
	}
	if w.Resolution != nil {
		r := *w.Resolution
		c.Resolution = &r
	}
	if w.Cleanup != nil {
		r := *w.Cleanup
		c.Cleanup = &r
	}
	if w.Result != nil {
		r := *w.Result
		r.Artifacts = append([]string(nil), w.Result.Artifacts...)
		c.Result = &r
	}
	return &c
}

// InstanceFilter selects instances in List.
type InstanceFilter struct {
	States []WorkflowState
	Limit  int
	Offset int
}

// EventType identifies a workflow event.
type EventType string

const (
	EventTypeInstanceAccepted  EventType = "instance.accepted"
	EventTypeStateChanged      EventType = "instance.state_changed"
	EventTypeWorkerProvisioned EventType = "worker.provisioned"
	EventTypeDispatchAttempt   EventType = "dispatch.attempt"
	EventTypeInstanceParked    EventType = "instance.parked"
	EventTypeSignalAccepted    EventType = "signal.accepted"
	EventTypeSignalRejected    EventType = "signal.rejected"
	EventTypeCleanupCompleted  EventType = "cleanup.completed"
	EventTypeInstanceFinished  EventType = "instance.finished"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// Event is a structured audit record emitted by the orchestrator.
type Event struct {
	ID         string                 `json:"id"`
	Type       EventType              `json:"type"`
	Timestamp  time.Time              `json:"timestamp"`
	InstanceID string                 `json:"instance_id,omitempty"`
	State      WorkflowState          `json:"state,omitempty"`
	Message    string                 `json:"message"`
	Level      string                 `json:"level"`
	Data       map[string]interface{} `json:"data,omitempty"`
}
