// ABOUTME: Tests for PEM key parsing and key pair generation
// ABOUTME: Covers accepted block types, passphrase handling, and pair validation

package cryptoops

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/youmark/pkcs8"
	"golang.org/x/crypto/ssh"
)

func TestParsePublicKey_Formats(t *testing.T) {
	_, key := sharedPair(t)

	pkcs1 := string(pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(&key.PublicKey)}))
	got, err := ParsePublicKey(pkcs1)
	require.NoError(t, err)
	assert.True(t, key.PublicKey.Equal(got))

	sshPub, err := ssh.NewPublicKey(&key.PublicKey)
	require.NoError(t, err)
	got, err = ParsePublicKey(string(ssh.MarshalAuthorizedKey(sshPub)))
	require.NoError(t, err)
	assert.True(t, key.PublicKey.Equal(got))
}

func TestParsePublicKey_UnsupportedBlock(t *testing.T) {
	block := string(pem.EncodeToMemory(&pem.Block{Type: "EC PUBLIC KEY", Bytes: []byte{1, 2, 3}}))
	_, err := ParsePublicKey(block)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestParsePrivateKey_PKCS1(t *testing.T) {
	_, key := sharedPair(t)
	pkcs1 := string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}))

	got, err := ParsePrivateKey(pkcs1, "")
	require.NoError(t, err)
	assert.True(t, key.Equal(got))
}

// encryptedPKCS8 renders key the way `openssl genrsa -des3` does on OpenSSL 3.
func encryptedPKCS8(t *testing.T, key any, passphrase string) string {
	t.Helper()
	der, err := pkcs8.MarshalPrivateKey(key, []byte(passphrase), &pkcs8.Opts{
		Cipher: pkcs8.TripleDESCBC,
		KDFOpts: pkcs8.PBKDF2Opts{
			SaltSize:       16,
			IterationCount: 2048,
			HMACHash:       crypto.SHA256,
		},
	})
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "ENCRYPTED PRIVATE KEY", Bytes: der}))
}

func TestParsePrivateKey_EncryptedPKCS8(t *testing.T) {
	pair, key := sharedPair(t)
	encrypted := encryptedPKCS8(t, key, "hunter2")

	got, err := ParsePrivateKey(encrypted, "hunter2")
	require.NoError(t, err)
	assert.True(t, key.Equal(got))

	_, err = ParsePrivateKey(encrypted, "")
	assert.ErrorIs(t, err, ErrInvalidArgument, "encrypted key must require a passphrase")

	_, err = ParsePrivateKey(encrypted, "wrong")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	require.NoError(t, ValidateKeyPair(encrypted, pair.PublicPEM, "hunter2"))

	challenge, err := Encrypt("k", pair.PublicPEM)
	require.NoError(t, err)
	plaintext, err := Decrypt(challenge, encrypted, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "k", plaintext)
}

func TestGenerateKeyPair_WithPassphrase(t *testing.T) {
	pair, err := GenerateKeyPair(2048, "hunter2")
	require.NoError(t, err)

	_, err = ParsePrivateKey(pair.PrivatePEM, "")
	assert.ErrorIs(t, err, ErrInvalidArgument, "encrypted key must require a passphrase")

	require.NoError(t, ValidateKeyPair(pair.PrivatePEM, pair.PublicPEM, "hunter2"))

	challenge, err := Encrypt("k", pair.PublicPEM)
	require.NoError(t, err)
	plaintext, err := Decrypt(challenge, pair.PrivatePEM, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "k", plaintext)
}

func TestGenerateKeyPair_RejectsSmallKeys(t *testing.T) {
	_, err := GenerateKeyPair(1024, "")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestValidateKeyPair_Mismatch(t *testing.T) {
	pair, _ := sharedPair(t)
	other, err := GenerateKeyPair(2048, "")
	require.NoError(t, err)

	err = ValidateKeyPair(pair.PrivatePEM, other.PublicPEM, "")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	assert.NoError(t, ValidateKeyPair(pair.PrivatePEM, pair.PublicPEM, ""))
}
