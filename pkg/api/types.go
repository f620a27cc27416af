package api

import (
	"github.com/openfroyo/modulefactory/pkg/engine"
	"github.com/openfroyo/modulefactory/pkg/stores"
)

// TargetContext is the wire form of engine.TargetContext.
type TargetContext struct {
	ImageID       string            `json:"imageId"`
	Architecture  string            `json:"architecture,omitempty"`
	KernelVersion string            `json:"kernelVersion,omitempty"`
	InstanceType  string            `json:"instanceType,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
}

// SubmitRequest is the body of POST /v1/builds.
type SubmitRequest struct {
	TargetContext       TargetContext     `json:"targetContext"`
	ArtifactDestination string            `json:"artifactDestination"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	RequestedBy         string            `json:"requestedBy,omitempty"`
}

// BuildRequest converts the body to an engine request.
func (r *SubmitRequest) BuildRequest() engine.BuildRequest {
	return engine.BuildRequest{
		Target: engine.TargetContext{
			ImageID:       r.TargetContext.ImageID,
			Architecture:  r.TargetContext.Architecture,
			KernelVersion: r.TargetContext.KernelVersion,
			InstanceType:  r.TargetContext.InstanceType,
			Labels:        r.TargetContext.Labels,
		},
		ArtifactDestination: r.ArtifactDestination,
		Metadata:            r.Metadata,
		RequestedBy:         r.RequestedBy,
	}
}

// SubmitResponse is returned by POST /v1/builds and the cancel route.
type SubmitResponse struct {
	InstanceID string               `json:"instanceId"`
	State      engine.WorkflowState `json:"state"`
}

// ListResponse is returned by GET /v1/builds.
type ListResponse struct {
	Instances []*engine.WorkflowInstance `json:"instances"`
	Count     int                        `json:"count"`
}

// EventsResponse is returned by GET /v1/events.
type EventsResponse struct {
	Events []*engine.Event `json:"events"`
}

// AuditResponse is returned by GET /v1/audit.
type AuditResponse struct {
	Entries []*stores.AuditEntry `json:"entries"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
	Active int    `json:"active"`
	Error  string `json:"error,omitempty"`
}

// ErrorResponse is the body of every non-2xx response except callbacks.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
	Kind  string `json:"kind,omitempty"`
}
