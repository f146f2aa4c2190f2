// ABOUTME: Client enrollment (ingress) for the registry
// ABOUTME: Validates the submitted key pair, issues a UUID access key and persists the credential

package registry

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/2389/aipim-gateway/internal/cryptoops"
	"github.com/2389/aipim-gateway/internal/store"
)

// EnrollRequest is what a consumer submits to ingress.
type EnrollRequest struct {
	ClientID           string
	PrivateCertificate string
	PublicCertificate  string
	IPAllowList        []string // nil means no allow-list
	Passphrase         string
}

func (req EnrollRequest) validate() error {
	if err := validateClientID(req.ClientID); err != nil {
		return err
	}
	if strings.TrimSpace(req.PrivateCertificate) == "" {
		return fmt.Errorf("%w: private certificate is required", ErrInvalidArgument)
	}
	if strings.TrimSpace(req.PublicCertificate) == "" {
		return fmt.Errorf("%w: public certificate is required", ErrInvalidArgument)
	}
	if req.IPAllowList != nil {
		if len(req.IPAllowList) == 0 {
			return fmt.Errorf("%w: ip allow list must not be empty when present", ErrInvalidArgument)
		}
		for _, entry := range req.IPAllowList {
			if !validIPEntry(entry) {
				return fmt.Errorf("%w: ip allow list entry %q is not an address or prefix", ErrInvalidArgument, entry)
			}
		}
	}
	return nil
}

// validateClientID rejects ids that cannot travel in an HTTP header.
func validateClientID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: client id is required", ErrInvalidArgument)
	}
	if len(id) > 256 {
		return fmt.Errorf("%w: client id too long", ErrInvalidArgument)
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: client id contains whitespace or control characters", ErrInvalidArgument)
		}
	}
	return nil
}

func validIPEntry(entry string) bool {
	entry = strings.TrimSpace(entry)
	if _, err := netip.ParseAddr(entry); err == nil {
		return true
	}
	_, err := netip.ParsePrefix(entry)
	return err == nil
}

// Enroll registers a new client and returns its access key. The credential starts
// unauthorized with no scopes. Enrolling an existing client id fails with
// ErrDuplicateClient.
func (r *Registry) Enroll(ctx context.Context, req EnrollRequest) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}
	if err := r.pool.ValidateKeyPair(ctx, req.PrivateCertificate, req.PublicCertificate, req.Passphrase); err != nil {
		if errors.Is(err, cryptoops.ErrInvalidArgument) {
			return "", fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		return "", err
	}
	if !r.Loaded() {
		return "", ErrNotInitialized
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.RLock()
	_, exists := r.clients[req.ClientID]
	r.mu.RUnlock()
	if exists {
		return "", fmt.Errorf("%w: %s", ErrDuplicateClient, req.ClientID)
	}

	client := &store.Client{
		ClientID:           req.ClientID,
		AccessKey:          uuid.NewString(),
		PrivateCertificate: req.PrivateCertificate,
		PublicCertificate:  req.PublicCertificate,
		Passphrase:         req.Passphrase,
		Authorized:         false,
		Scopes:             []string{},
	}
	if req.IPAllowList != nil {
		client.IPAllowList = make([]string, len(req.IPAllowList))
		for i, entry := range req.IPAllowList {
			client.IPAllowList[i] = strings.TrimSpace(entry)
		}
	}

	apiID, revision := r.snapshot()
	newRevision, err := r.store.AppendClient(ctx, apiID, revision, client)
	if errors.Is(err, store.ErrDuplicate) {
		return "", fmt.Errorf("%w: %s", ErrDuplicateClient, req.ClientID)
	}
	if err != nil {
		return "", fmt.Errorf("persisting client %s: %w", req.ClientID, r.recoverFromConflict(ctx, err))
	}

	r.mu.Lock()
	r.clients[client.ClientID] = client.Clone()
	r.revision = newRevision
	r.mu.Unlock()

	r.logger.Info("client enrolled", "client_id", client.ClientID, "revision", newRevision, "ip_allow_list", client.IPAllowList != nil)
	r.audit(ctx, store.AuditEntry{
		Actor:      "ingress",
		Action:     store.AuditEnrollClient,
		TargetType: "client",
		TargetID:   client.ClientID,
		Detail:     map[string]any{"ip_allow_list": client.IPAllowList != nil},
	})
	return client.AccessKey, nil
}
