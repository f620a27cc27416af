// Package dispatch delivers build instructions to provisioned workers.
//
// SSHDispatcher connects to a worker over SSH, uploads the encoded build
// message with SFTP, and launches the build agent detached so the dispatch
// call returns as soon as the worker has accepted the work. Completion is
// reported later by the agent through the callback endpoint.
//
// Errors are classified for the orchestrator's retry loop: failures to reach
// the worker are transient, while a rejected build message, failed
// authentication or a launch that exits non-zero are permanent.
package dispatch
