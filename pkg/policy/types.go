package policy

import (
	"time"

	"github.com/openfroyo/modulefactory/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity denies admission.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a named Rego module. Each module contributes a deny set in its
// own package; every element of the set is one violation.
type Policy struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Rego        string                 `json:"rego"`
	Severity    Severity               `json:"severity"`
	Enabled     bool                   `json:"enabled"`
	Builtin     bool                   `json:"builtin,omitempty"`
	Tags        []string               `json:"tags,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Violation is a single deny result.
type Violation struct {
	Policy   string   `json:"policy"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Decision is the outcome of evaluating every enabled policy against a
// build request.
type Decision struct {
	Allowed           bool          `json:"allowed"`
	Violations        []Violation   `json:"violations,omitempty"`
	Warnings          []Violation   `json:"warnings,omitempty"`
	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

// Input is the document policies see as input.
type Input struct {
	Request engine.BuildRequest `json:"request"`
	Context InputContext        `json:"context"`
}

// InputContext describes the evaluation.
type InputContext struct {
	Timestamp   time.Time `json:"timestamp"`
	Operation   string    `json:"operation"`
	Environment string    `json:"environment,omitempty"`
}

// AdmissionData is exposed to policies as data.factory.
type AdmissionData struct {
	// AllowedImagePrefixes restricts target images. Empty allows any image.
	AllowedImagePrefixes []string `json:"allowed_image_prefixes" yaml:"allowed_image_prefixes"`

	// AllowedDestinations restricts artifact destinations by prefix. Empty
	// allows any destination.
	AllowedDestinations []string `json:"allowed_destinations" yaml:"allowed_destinations"`

	// MaxLabels caps the number of target labels. Zero disables the check.
	MaxLabels int `json:"max_labels" yaml:"max_labels"`
}

func (d AdmissionData) document() map[string]interface{} {
	images := make([]interface{}, 0, len(d.AllowedImagePrefixes))
	for _, p := range d.AllowedImagePrefixes {
		images = append(images, p)
	}
	destinations := make([]interface{}, 0, len(d.AllowedDestinations))
	for _, p := range d.AllowedDestinations {
		destinations = append(destinations, p)
	}
	return map[string]interface{}{
		"factory": map[string]interface{}{
			"allowed_image_prefixes": images,
			"allowed_destinations":   destinations,
			"max_labels":             d.MaxLabels,
		},
	}
}
