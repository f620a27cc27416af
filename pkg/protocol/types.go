// Package protocol defines the JSON wire format exchanged between the
// factory and its build agents: the build instruction delivered to a worker,
// the progress stream the agent writes, and the completion callback.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/openfroyo/modulefactory/pkg/engine"
)

// MessageType represents the type of message in the agent stream.
type MessageType string

const (
	// MessageTypeBuild carries the build instruction for the agent
	MessageTypeBuild MessageType = "BUILD"
	// MessageTypeEvent indicates a progress event from the agent
	MessageTypeEvent MessageType = "EVENT"
	// MessageTypeDone indicates both artifacts were uploaded
	MessageTypeDone MessageType = "DONE"
	// MessageTypeError indicates the build failed
	MessageTypeError MessageType = "ERROR"
)

// Message is the envelope for every line of the agent stream.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// BuildMessage is the instruction file the dispatcher uploads to a worker.
type BuildMessage struct {
	InstanceID    string `json:"instance_id"`
	WorkerID      string `json:"worker_id"`
	Token         string `json:"token"`
	KernelVersion string `json:"kernel_version,omitempty"`
	Destination   string `json:"destination"`
	ModuleKey     string `json:"module_key,omitempty"`
	ProfileKey    string `json:"profile_key,omitempty"`
	Timeout       int    `json:"timeout"` // seconds
	CallbackURL   string `json:"callback_url"`
}

// EventMessage contains progress information during a build.
type EventMessage struct {
	InstanceID string            `json:"instance_id"`
	Level      string            `json:"level"` // info, warn, debug
	Stage      string            `json:"stage"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// DoneMessage indicates the build finished and artifacts were uploaded.
type DoneMessage struct {
	InstanceID string   `json:"instance_id"`
	Artifacts  []string `json:"artifacts"`
	Duration   float64  `json:"duration"` // seconds
}

// ErrorMessage indicates the build failed.
type ErrorMessage struct {
	InstanceID string `json:"instance_id,omitempty"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

// CallbackRequest is the body a worker posts to the completion endpoint.
type CallbackRequest struct {
	Token  string         `json:"token"`
	Result CallbackResult `json:"result"`
	Status string         `json:"status,omitempty"` // succeeded, failed
	Error  string         `json:"error,omitempty"`
}

// CallbackResult is the worker's report of what it did.
type CallbackResult struct {
	InstanceIdentifier string   `json:"instanceIdentifier"`
	Artifacts          []string `json:"artifacts,omitempty"`
}

// CallbackResponse is returned by the completion endpoint.
type CallbackResponse struct {
	Accepted   bool   `json:"accepted"`
	Reason     string `json:"reason,omitempty"`
	InstanceID string `json:"instanceId,omitempty"`
}

// Agent error codes.
const (
	ErrCodeBuildFailed     = "BUILD_FAILED"
	ErrCodeBuildTimeout    = "BUILD_TIMEOUT"
	ErrCodeArtifactMissing = "ARTIFACT_MISSING"
	ErrCodeUploadFailed    = "UPLOAD_FAILED"
	ErrCodeInvalidSpec     = "INVALID_SPEC"
)

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeBuild, MessageTypeEvent, MessageTypeDone, MessageTypeError:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Validate checks that a build instruction is complete.
func (b *BuildMessage) Validate() error {
	if b.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if b.WorkerID == "" {
		return fmt.Errorf("worker_id is required")
	}
	if b.Token == "" {
		return fmt.Errorf("token is required")
	}
	if b.Destination == "" {
		return fmt.Errorf("destination is required")
	}
	if b.CallbackURL == "" {
		return fmt.Errorf("callback_url is required")
	}
	if b.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}

// Validate checks if the event message is valid.
func (e *EventMessage) Validate() error {
	switch e.Level {
	case "info", "warn", "debug":
	default:
		return fmt.Errorf("invalid level: %s", e.Level)
	}
	if e.Message == "" {
		return fmt.Errorf("message is required")
	}
	return nil
}

// Validate checks that a callback carries a token and a worker identity.
func (c *CallbackRequest) Validate() error {
	if c.Token == "" {
		return fmt.Errorf("token is required")
	}
	switch engine.SignalStatus(c.Status) {
	case "", engine.SignalStatusSucceeded, engine.SignalStatusFailed:
	default:
		return fmt.Errorf("invalid status: %s", c.Status)
	}
	return nil
}

// NewBuildMessage converts an engine build spec and its token to wire form.
func NewBuildMessage(spec engine.BuildSpec, token string) *BuildMessage {
	return &BuildMessage{
		InstanceID:    spec.InstanceID,
		WorkerID:      spec.WorkerID,
		Token:         token,
		KernelVersion: spec.KernelVersion,
		Destination:   spec.Artifacts.Destination,
		ModuleKey:     spec.Artifacts.ModuleKey,
		ProfileKey:    spec.Artifacts.ProfileKey,
		Timeout:       int(spec.BuildTimeout / time.Second),
		CallbackURL:   spec.CallbackURL,
	}
}

// Spec converts the wire form back to an engine build spec.
func (b *BuildMessage) Spec() engine.BuildSpec {
	return engine.BuildSpec{
		InstanceID:    b.InstanceID,
		WorkerID:      b.WorkerID,
		KernelVersion: b.KernelVersion,
		Artifacts: engine.ArtifactLocation{
			Destination: b.Destination,
			ModuleKey:   b.ModuleKey,
			ProfileKey:  b.ProfileKey,
		},
		BuildTimeout: time.Duration(b.Timeout) * time.Second,
		CallbackURL:  b.CallbackURL,
	}
}

// Signal converts a callback body into an engine completion signal.
func (c *CallbackRequest) Signal(receivedAt time.Time) engine.CompletionSignal {
	status := engine.SignalStatus(c.Status)
	if status == "" {
		status = engine.SignalStatusSucceeded
	}
	return engine.CompletionSignal{
		Token: c.Token,
		Result: engine.SignalResult{
			InstanceIdentifier: c.Result.InstanceIdentifier,
			Artifacts:          append([]string(nil), c.Result.Artifacts...),
		},
		Status:     status,
		Error:      c.Error,
		ReceivedAt: receivedAt,
	}
}

// NewCallbackResponse converts an engine acknowledgement to wire form.
func NewCallbackResponse(ack engine.SignalAck) CallbackResponse {
	return CallbackResponse{
		Accepted:   ack.Accepted,
		Reason:     string(ack.Reason),
		InstanceID: ack.InstanceID,
	}
}
