// Package api serves the admission service over HTTP.
//
// Artifacts are posted as raw bytes. An admitted artifact replies 200 (or 201
// when stored) with its decision; a rejected one replies 422 with the same
// decision body so callers see the failed stage and reason. Plugin state
// endpoints are only registered when a discovery registry is configured, and
// artifact management endpoints only when an artifact store is.
package api
