// Package api exposes the module factory over HTTP.
//
// Operator routes submit, inspect and cancel builds and read the stored
// event and audit trails. When an API token is configured they require an
// "Authorization: Bearer <token>" header:
//
//	POST /v1/builds               submit a build request (202)
//	GET  /v1/builds               list instances (?state=, limit, offset)
//	GET  /v1/builds/{id}          get one instance
//	POST /v1/builds/{id}/cancel   cancel an active instance (202, 409)
//	GET  /v1/events               stored events (?instance=, limit)
//	GET  /v1/events/stream        live events as server-sent events
//	GET  /v1/audit                audit entries (?instance=, limit)
//
// Workers post completion signals to POST /v1/callbacks. The continuation
// token in the body is the credential, so the route never checks the
// operator token. Every well-formed delivery is answered with 200 and a
// CallbackResponse saying whether the signal was accepted.
//
// GET /healthz and GET /metrics are unauthenticated.
//
// Client is a typed client for all of the above and is what the factory
// CLI and the worker agent use.
package api
