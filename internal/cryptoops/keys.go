// ABOUTME: PEM key parsing and key pair generation for the RSA primitives
// ABOUTME: Accepts PKCS#1, PKCS#8, encrypted PKCS#8, OpenSSH and legacy encrypted PEM keys

package cryptoops

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"github.com/youmark/pkcs8"
	"golang.org/x/crypto/ssh"
)

// MinKeyBits is the smallest RSA modulus accepted by GenerateKeyPair.
const MinKeyBits = 2048

// encryptedPKCS8Block is what `openssl genrsa -aes256` and `openssl pkcs8 -topk8` emit
// on OpenSSL 3.
const encryptedPKCS8Block = "ENCRYPTED PRIVATE KEY"

// ParsePrivateKey decodes an RSA private key from PEM text.
// An empty passphrase is only valid for unencrypted keys.
func ParsePrivateKey(privatePEM, passphrase string) (*rsa.PrivateKey, error) {
	if strings.TrimSpace(privatePEM) == "" {
		return nil, fmt.Errorf("%w: private key is required", ErrInvalidArgument)
	}

	if block, _ := pem.Decode([]byte(privatePEM)); block != nil && block.Type == encryptedPKCS8Block {
		return parseEncryptedPKCS8(block.Bytes, passphrase)
	}

	raw, err := ssh.ParseRawPrivateKey([]byte(privatePEM))
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) {
		if passphrase == "" {
			return nil, fmt.Errorf("%w: private key is encrypted and no passphrase was given", ErrInvalidArgument)
		}
		raw, err = ssh.ParseRawPrivateKeyWithPassphrase([]byte(privatePEM), []byte(passphrase))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: parsing private key: %v", ErrInvalidArgument, err)
	}

	key, ok := raw.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: private key is %T, not RSA", ErrInvalidArgument, raw)
	}
	return key, nil
}

func parseEncryptedPKCS8(der []byte, passphrase string) (*rsa.PrivateKey, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("%w: private key is encrypted and no passphrase was given", ErrInvalidArgument)
	}
	key, err := pkcs8.ParsePKCS8PrivateKeyRSA(der, []byte(passphrase))
	if err != nil {
		return nil, fmt.Errorf("%w: decrypting PKCS#8 private key: %v", ErrInvalidArgument, err)
	}
	return key, nil
}

// ParsePublicKey decodes an RSA public key. PEM blocks of type PUBLIC KEY,
// RSA PUBLIC KEY and CERTIFICATE are accepted, as is a single authorized_keys line.
func ParsePublicKey(publicPEM string) (*rsa.PublicKey, error) {
	trimmed := strings.TrimSpace(publicPEM)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: public key is required", ErrInvalidArgument)
	}

	if strings.HasPrefix(trimmed, "ssh-rsa ") {
		return parseAuthorizedKey(trimmed)
	}

	block, _ := pem.Decode([]byte(trimmed))
	if block == nil {
		return nil, fmt.Errorf("%w: public key is not PEM encoded", ErrInvalidArgument)
	}

	var raw any
	var err error
	switch block.Type {
	case "PUBLIC KEY":
		raw, err = x509.ParsePKIXPublicKey(block.Bytes)
	case "RSA PUBLIC KEY":
		raw, err = x509.ParsePKCS1PublicKey(block.Bytes)
	case "CERTIFICATE":
		var cert *x509.Certificate
		cert, err = x509.ParseCertificate(block.Bytes)
		if err == nil {
			raw = cert.PublicKey
		}
	default:
		return nil, fmt.Errorf("%w: unsupported public key block %q", ErrInvalidArgument, block.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: parsing public key: %v", ErrInvalidArgument, err)
	}

	key, ok := raw.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: public key is %T, not RSA", ErrInvalidArgument, raw)
	}
	return key, nil
}

func parseAuthorizedKey(line string) (*rsa.PublicKey, error) {
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
	if err != nil {
		return nil, fmt.Errorf("%w: parsing authorized key: %v", ErrInvalidArgument, err)
	}
	cpk, ok := pub.(ssh.CryptoPublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: authorized key has no crypto public key", ErrInvalidArgument)
	}
	key, ok := cpk.CryptoPublicKey().(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: authorized key is not RSA", ErrInvalidArgument)
	}
	return key, nil
}

// ValidateKeyPair checks that both halves parse and belong together.
func ValidateKeyPair(privatePEM, publicPEM, passphrase string) error {
	priv, err := ParsePrivateKey(privatePEM, passphrase)
	if err != nil {
		return err
	}
	return matchPublicKey(priv, publicPEM)
}

func matchPublicKey(priv *rsa.PrivateKey, publicPEM string) error {
	pub, err := ParsePublicKey(publicPEM)
	if err != nil {
		return err
	}
	if !priv.PublicKey.Equal(pub) {
		return fmt.Errorf("%w: public key does not match private key", ErrInvalidArgument)
	}
	return nil
}

// KeyPair holds PEM encoded key material.
type KeyPair struct {
	PrivatePEM string
	PublicPEM  string
}

// GenerateKeyPair creates an RSA key pair for a consumer. When passphrase is set the
// private key is written as an encrypted OpenSSH block.
func GenerateKeyPair(bits int, passphrase string) (*KeyPair, error) {
	if bits < MinKeyBits {
		return nil, fmt.Errorf("%w: key size %d is below %d bits", ErrInvalidArgument, bits, MinKeyBits)
	}

	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generating RSA key: %w", err)
	}

	var privBlock *pem.Block
	if passphrase == "" {
		der, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("marshaling private key: %w", err)
		}
		privBlock = &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	} else {
		privBlock, err = ssh.MarshalPrivateKeyWithPassphrase(key, "aipim", []byte(passphrase))
		if err != nil {
			return nil, fmt.Errorf("marshaling encrypted private key: %w", err)
		}
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshaling public key: %w", err)
	}

	return &KeyPair{
		PrivatePEM: string(pem.EncodeToMemory(privBlock)),
		PublicPEM:  string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})),
	}, nil
}
