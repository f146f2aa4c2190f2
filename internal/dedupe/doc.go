// Package dedupe provides a time-bounded window of value digests used to reject
// replayed request challenges.
//
// The RSA-OAEP challenge a client sends is randomized, so an identical value
// arriving twice within the window is a replay rather than a fresh request.
package dedupe
