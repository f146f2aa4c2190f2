// ABOUTME: Response signing and signature verification over the canonical client string
// ABOUTME: The canonical string is "<api>://<client>:<access key>/<version>"

package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/aipim-gateway/internal/cryptoops"
	"github.com/2389/aipim-gateway/internal/store"
)

// ErrNoCredential is returned when signing a response for an unauthenticated request.
var ErrNoCredential = errors.New("no authenticated client in context")

// CanonicalString is the message signed for a client's responses.
func CanonicalString(apiName, clientID, accessKey, version string) string {
	return fmt.Sprintf("%s://%s:%s/%s", apiName, clientID, accessKey, version)
}

// Signer signs and verifies responses for the clients of one API.
type Signer struct {
	clients ClientLookup
	pool    *cryptoops.Pool
	apiName string
	version string
}

// NewSigner creates a signer for the API (apiName, version).
func NewSigner(clients ClientLookup, pool *cryptoops.Pool, apiName, version string) *Signer {
	return &Signer{
		clients: clients,
		pool:    pool,
		apiName: apiName,
		version: version,
	}
}

func (s *Signer) canonical(c store.Client) string {
	return CanonicalString(s.apiName, c.ClientID, c.AccessKey, s.version)
}

// Sign signs the canonical string of clientID with its stored private certificate.
func (s *Signer) Sign(ctx context.Context, clientID string) (string, error) {
	c, err := s.clients.LookupClient(ctx, clientID)
	if err != nil {
		return "", err
	}
	return s.signCredential(ctx, c)
}

// SignResponse signs for the client authenticated on ctx.
func (s *Signer) SignResponse(ctx context.Context) (string, error) {
	c, ok := CredentialFromContext(ctx)
	if !ok {
		return "", ErrNoCredential
	}
	return s.signCredential(ctx, c)
}

func (s *Signer) signCredential(ctx context.Context, c store.Client) (string, error) {
	sig, err := s.pool.Sign(ctx, s.canonical(c), c.PrivateCertificate, c.Passphrase)
	if err != nil {
		return "", fmt.Errorf("signing for %s: %w", c.ClientID, err)
	}
	return sig, nil
}

// Verify recomputes the canonical string of clientID and checks signature against
// the client's public certificate. A wrong signature is (false, nil).
func (s *Signer) Verify(ctx context.Context, clientID, signature string) (bool, error) {
	c, err := s.clients.LookupClient(ctx, clientID)
	if err != nil {
		return false, err
	}
	return s.pool.Verify(ctx, s.canonical(c), signature, c.PublicCertificate)
}
