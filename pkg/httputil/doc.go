// Package httputil provides the JSON response helpers, request parsing and
// middleware shared by the admission API.
//
// Errors are always written as {"error": "..."}:
//
//	httputil.WriteBadRequest(w, "artifact body is empty")
//
// Artifact uploads are raw bodies bounded by a byte limit:
//
//	data, ok := httputil.ReadBodyOrError(w, r, maxArtifactBytes)
//	if !ok {
//		return // error response already written
//	}
package httputil
