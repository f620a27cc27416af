// Package policy evaluates build requests against Open Policy Agent (Rego)
// admission policies.
//
// Every policy is a Rego module that defines a deny set in its own package.
// Each element of the set is a violation: either a message string or an
// object with message and severity keys. A violation of severity error or
// critical denies the request; info and warning violations are reported as
// warnings only.
//
// Policies see the request as input.request (JSON field names of
// engine.BuildRequest) and the configured AdmissionData as data.factory:
//
//	package factory.admission.kernels
//
//	import rego.v1
//
//	deny contains msg if {
//		startswith(input.request.target_context.kernel_version, "2.")
//		msg := "2.x kernels are not supported"
//	}
//
// Engine implements engine.AdmissionPolicy, so it is passed directly to the
// orchestrator. Custom policies are loaded from files and can be reloaded
// on change with Engine.Watch.
package policy
