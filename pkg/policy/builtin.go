package policy

// BuiltinPolicies returns the admission policies compiled into the factory.
func BuiltinPolicies() []Policy {
	return []Policy{
		imageAllowlistPolicy(),
		destinationAllowlistPolicy(),
		labelLimitPolicy(),
		requesterPolicy(),
	}
}

func imageAllowlistPolicy() Policy {
	return Policy{
		Name:        "image-allowlist",
		Description: "Restricts target images to the configured prefixes",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"target"},
		Rego: `package factory.admission.images

import rego.v1

deny contains msg if {
	count(data.factory.allowed_image_prefixes) > 0
	image := input.request.target_context.image_id
	not allowed(image)
	msg := sprintf("image %s is not in the allowed image list", [image])
}

allowed(image) if {
	some prefix in data.factory.allowed_image_prefixes
	startswith(image, prefix)
}
`,
	}
}

func destinationAllowlistPolicy() Policy {
	return Policy{
		Name:        "destination-allowlist",
		Description: "Restricts artifact destinations to the configured prefixes",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"artifacts"},
		Rego: `package factory.admission.destinations

import rego.v1

deny contains msg if {
	count(data.factory.allowed_destinations) > 0
	dest := input.request.artifact_destination
	not allowed(dest)
	msg := sprintf("artifact destination %s is not allowed", [dest])
}

allowed(dest) if {
	some prefix in data.factory.allowed_destinations
	startswith(dest, prefix)
}
`,
	}
}

func labelLimitPolicy() Policy {
	return Policy{
		Name:        "label-limit",
		Description: "Caps the number of labels passed to the worker manager",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"target"},
		Rego: `package factory.admission.labels

import rego.v1

deny contains msg if {
	data.factory.max_labels > 0
	n := count(object.get(input.request.target_context, "labels", {}))
	n > data.factory.max_labels
	msg := sprintf("request carries %d labels, at most %d allowed", [n, data.factory.max_labels])
}
`,
	}
}

// requesterPolicy only warns; anonymous requests are still admitted.
func requesterPolicy() Policy {
	return Policy{
		Name:        "requester-identified",
		Description: "Flags build requests that do not name a requester",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"audit"},
		Rego: `package factory.admission.requester

import rego.v1

deny contains msg if {
	not input.request.requested_by
	msg := "build request does not identify its requester"
}
`,
	}
}
