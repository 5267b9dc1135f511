// Package queue is the HTTP client for the build queue coordinator.
//
// The coordinator serves the ordered queue at GET {base}/queue/{id} and
// accepts per-package status at PUT {base}/queue/{id}/ and the position of
// the package being processed at PUT {base}/queuestatus/{id}/. All bodies are
// JSON with snake_case keys; every request carries basic authentication.
package queue
