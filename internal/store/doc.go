// Package store provides persistent storage for AIPIM API aggregates using SQLite.
//
// # Architecture
//
// An API aggregate is identified by (name, version) and owns two kinds of
// sub-records:
//
//   - Endpoint: a declared route with its verb and content types
//   - Client: an enrolled consumer credential with its access key and key pair
//
// Every mutation of an aggregate is guarded by its revision. Callers pass the
// revision they last observed; the write commits only if it is still current,
// otherwise ErrConflict is returned and nothing is written. The revision bump and
// the sub-record insert happen in one transaction.
//
// # Sealing
//
// When a Sealer is configured (WithSealer), private certificates and passphrases
// are encrypted with XChaCha20-Poly1305 before insert. The sealed form is
//
//	sealed:v1:<base64(nonce || ciphertext)>
//
// with "<api id>/<client id>" as additional data. Unsealed values written before
// a key was configured are still readable.
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// The pool is limited to one connection so per-connection pragmas and
// :memory: databases behave consistently.
//
// # Error Handling
//
//   - ErrNotFound: aggregate or client does not exist
//   - ErrDuplicate: endpoint path, client id or access key already present
//   - ErrConflict: the aggregate revision moved since it was read
//   - ErrUnsealable: a sealed secret cannot be opened with the configured key
//
// # Testing
//
// Use NewMockStore() for unit tests. FailNext injects a failure into the next
// call of a named method, which lets callers test that a failed write leaves
// their in-memory state untouched.
package store
