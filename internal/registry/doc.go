// Package registry owns the in-process view of one API aggregate: its enrolled
// clients and declared endpoints.
//
// # Mutations
//
// Enroll, DeclareEndpoint, Authorize and Revoke share one writer lock. Each
// persists through store.Store with the last observed revision and only then
// updates the cache, so a failed write leaves the cache as it was. On
// store.ErrConflict the cache is reloaded from storage and the error is returned;
// nothing is retried.
//
// # Reads
//
// LookupClient first reads the persisted aggregate revision. When another
// process has moved it, the cache is reloaded under the writer lock, so an
// authorize or revoke written elsewhere takes effect on the next request. The
// cache is then read under a read lock, falling through to the store on a miss.
// Every returned credential is a copy.
//
// # Errors
//
//   - ErrNotInitialized: Load has not completed
//   - ErrInvalidArgument: missing field, bad allow-list entry or mismatched key pair
//   - ErrDuplicateClient: the client id is already enrolled
//   - ErrUnknownClient: the client id is not enrolled
//   - ErrUnsupportedVerb: an endpoint verb other than GET or POST
package registry
