// Package httpapi exposes the publish handoff subsystem over HTTP:
// session creation with an initial Combined Token, runner attestation
// against the external CI issuer, and authenticated progress updates and
// snapshots for the life of a publish.
//
// Routes:
//
//	POST  /v1/publish             create a session, mint the first token
//	POST  /v1/publish/{id}/attest bind a CI run, mint a run-scoped token
//	PATCH /v1/publish/{id}        partial session update
//	GET   /v1/publish/{id}        session snapshot
//
// Transport-level rejections use a {"error":{"code","message"}} envelope
// with stable machine codes; 401 responses carry a Bearer challenge.
package httpapi
