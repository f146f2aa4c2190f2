// Package dispatch runs business handlers behind authenticated endpoints.
//
// # Chain
//
// Every declared endpoint is served by the chain
//
//	ParsePayload -> authenticator -> Dispatcher
//
// ParsePayload reads the body (bounded, default 5 MiB), decodes JSON media types
// and keeps other bodies as strings. The authenticator lives in package auth. The
// Dispatcher calls the Handler and writes the signed response.
//
// # Handler results
//
//   - nil output: 403 "empty output"
//   - string, []byte: written as-is
//   - map, slice, array, struct: marshaled to JSON when the produced type is JSON,
//     otherwise 500
//   - any other kind: 500
//   - *Error: its status and message
//   - any other error: 500
//
// POST handlers are not called when the decoded input is empty (403 "empty input").
//
// # Table
//
// Table maps endpoint paths to immutable Bindings. The router mounts a single
// wildcard route per API version and resolves it through the table, so
// re-declaring a path rebinds the handler without touching the router.
package dispatch
