// Package cryptoops provides the RSA primitives used by the AIPIM gateway.
//
// # Operations
//
// All binary material crosses the package boundary as base64 text so it can be
// carried in HTTP headers and JSON bodies without further encoding:
//
//	Encrypt(plaintext, publicPEM)                 // RSA-OAEP, SHA-512
//	Decrypt(ciphertextB64, privatePEM, passphrase) // inverse of Encrypt
//	Sign(message, privatePEM, passphrase)          // RSA-PSS over SHA-512
//	Verify(message, signatureB64, publicPEM)       // false on mismatch, never an error
//
// RSA-OAEP can only carry len(modulus) - 2*64 - 2 bytes with SHA-512, i.e. 126
// bytes for a 2048-bit key. The protocol only encrypts access keys (36 bytes),
// never arbitrary payloads; Encrypt rejects anything larger with ErrInvalidArgument.
//
// # Key Formats
//
// Private keys may be PKCS#1, PKCS#8, OpenSSH, legacy passphrase-protected PEM
// ("Proc-Type: 4,ENCRYPTED", as written by OpenSSL 1.x `genrsa -des3`) or encrypted
// PKCS#8 ("ENCRYPTED PRIVATE KEY", the OpenSSL 3 default). Public keys may be PKIX,
// PKCS#1, or an X.509 certificate. Only RSA keys are accepted.
//
// # Worker Pool
//
// RSA private-key operations are CPU bound. Pool bounds how many run at once so a
// burst of authenticated requests cannot starve request intake:
//
//	pool := cryptoops.NewPool(runtime.GOMAXPROCS(0))
//	plaintext, err := pool.Decrypt(ctx, challenge, privatePEM, passphrase)
//
// The pool also remembers parsed private keys in a bounded LRU, so a key behind a
// bcrypt or PBKDF2 passphrase pays that cost once rather than on every request.
package cryptoops
