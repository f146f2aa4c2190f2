// ABOUTME: RSA-OAEP encryption and RSA-PSS signatures over SHA-512
// ABOUTME: All ciphertexts and signatures cross the boundary as base64 text

package cryptoops

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
)

// Crypto errors
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrDecryption      = errors.New("decryption failed")
)

// hashAlgorithm is fixed for both OAEP and PSS.
const hashAlgorithm = crypto.SHA512

var pssOptions = &rsa.PSSOptions{
	SaltLength: rsa.PSSSaltLengthEqualsHash,
	Hash:       hashAlgorithm,
}

// MaxPlaintextSize returns the largest plaintext Encrypt accepts for the given key.
func MaxPlaintextSize(pub *rsa.PublicKey) int {
	return pub.Size() - 2*hashAlgorithm.Size() - 2
}

// Encrypt encrypts plaintext for the holder of the matching private key.
func Encrypt(plaintext, publicPEM string) (string, error) {
	if plaintext == "" {
		return "", fmt.Errorf("%w: plaintext is required", ErrInvalidArgument)
	}
	pub, err := ParsePublicKey(publicPEM)
	if err != nil {
		return "", err
	}
	if len(plaintext) > MaxPlaintextSize(pub) {
		return "", fmt.Errorf("%w: plaintext is %d bytes, key allows at most %d", ErrInvalidArgument, len(plaintext), MaxPlaintextSize(pub))
	}

	ciphertext, err := rsa.EncryptOAEP(sha512.New(), rand.Reader, pub, []byte(plaintext), nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt using the private key.
func Decrypt(ciphertextB64, privatePEM, passphrase string) (string, error) {
	ciphertext, err := decodeCiphertext(ciphertextB64)
	if err != nil {
		return "", err
	}
	priv, err := ParsePrivateKey(privatePEM, passphrase)
	if err != nil {
		return "", err
	}
	return decryptWithKey(ciphertext, priv)
}

func decodeCiphertext(ciphertextB64 string) ([]byte, error) {
	if ciphertextB64 == "" {
		return nil, fmt.Errorf("%w: ciphertext is required", ErrInvalidArgument)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext is not base64: %v", ErrInvalidArgument, err)
	}
	return ciphertext, nil
}

func decryptWithKey(ciphertext []byte, priv *rsa.PrivateKey) (string, error) {
	plaintext, err := rsa.DecryptOAEP(sha512.New(), rand.Reader, priv, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return string(plaintext), nil
}

// Sign produces a PSS signature over the SHA-512 digest of message.
func Sign(message, privatePEM, passphrase string) (string, error) {
	if message == "" {
		return "", fmt.Errorf("%w: message is required", ErrInvalidArgument)
	}
	priv, err := ParsePrivateKey(privatePEM, passphrase)
	if err != nil {
		return "", err
	}
	return signWithKey(message, priv)
}

func signWithKey(message string, priv *rsa.PrivateKey) (string, error) {
	digest := sha512.Sum512([]byte(message))
	sig, err := rsa.SignPSS(rand.Reader, priv, hashAlgorithm, digest[:], pssOptions)
	if err != nil {
		return "", fmt.Errorf("signing: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify reports whether signatureB64 is a valid signature of message.
// A wrong or undecodable signature yields (false, nil); only a missing message or
// an unusable public key is an error.
func Verify(message, signatureB64, publicPEM string) (bool, error) {
	if message == "" {
		return false, fmt.Errorf("%w: message is required", ErrInvalidArgument)
	}
	pub, err := ParsePublicKey(publicPEM)
	if err != nil {
		return false, err
	}

	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil || len(sig) == 0 {
		return false, nil
	}

	digest := sha512.Sum512([]byte(message))
	return rsa.VerifyPSS(pub, hashAlgorithm, digest[:], sig, pssOptions) == nil, nil
}
