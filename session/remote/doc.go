// Package remote exposes core.BackendStore over HTTP.
//
// Client talks to the AgentBay session API:
//
//	POST  /v1/sessions             create (409 when the id exists)
//	PATCH /v1/sessions/{id}        merge fields (404 when missing)
//	POST  /v1/sessions/{id}/close  terminal status + merge fields
//	GET   /v1/sessions/{id}        record with backend_expires_at
//
// Requests carry a bearer API key and an Idempotency-Key derived from the
// payload, so a retried write is recognisable. Bodies are JSON or CBOR,
// optionally gzip or zstd compressed. Handler serves the same API on top of
// any other BackendStore.
package remote
