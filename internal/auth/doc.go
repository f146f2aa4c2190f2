// Package auth authenticates AIPIM requests and signs their responses.
//
// # Request authentication
//
// A consumer sends three headers with every call:
//
//   - X-Aipim-Client: its client id
//   - X-Aipim-Key: the access key it received at enrollment
//   - X-Aipim: the access key encrypted with its own public certificate (RSA-OAEP, SHA-512)
//
// The Authenticator checks, in order, and stops at the first failure:
//
//	1. all headers and Content-Type present        HeadersMissing       400
//	2. client enrolled                               UnknownClient        404
//	3. client authorized                             Unauthorized         401
//	4. Content-Type matches the endpoint             ContentTypeMismatch  400
//	5. access key matches (constant time)            KeyMismatch          401
//	6. challenge decrypts ...                        CryptoError          500
//	   ... to the access key                         ChallengeFailed      401
//	7. caller inside the allow-list (opt-in)         Forbidden            403
//	8. challenge not seen before (opt-in)            ChallengeReplayed    401
//
// Only the fixed outcome message is returned to the caller; details go to the log.
//
// # Response signing
//
// Signer signs "<api>://<client>:<access key>/<version>" with RSA-PSS over SHA-512
// using the client's stored private certificate. The consumer verifies the
// X-Aipim-Signature header with its public certificate.
//
// # Admin API
//
// RequireAdmin guards the admin routes with HS256 JWTs whose audience is bound to
// the API name. Tokens are minted with `aipim-gateway token`.
package auth
