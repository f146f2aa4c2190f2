// ABOUTME: Administrative client operations: authorize, revoke and list
// ABOUTME: Authorization changes go through the same single mutation path as enrollment

package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/2389/aipim-gateway/internal/store"
)

// ClientSummary is the non-secret view of an enrolled client.
type ClientSummary struct {
	ClientID     string    `json:"client"`
	Authorized   bool      `json:"authorized"`
	Scopes       []string  `json:"scopes"`
	HasAllowList bool      `json:"ip_allow_list"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Clients lists cached clients sorted by id, without key material.
func (r *Registry) Clients() []ClientSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ClientSummary, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, ClientSummary{
			ClientID:     c.ClientID,
			Authorized:   c.Authorized,
			Scopes:       slices.Clone(c.Scopes),
			HasAllowList: c.IPAllowList != nil,
			CreatedAt:    c.CreatedAt,
			UpdatedAt:    c.UpdatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// Authorize marks a client authorized with the given scopes.
func (r *Registry) Authorize(ctx context.Context, actor, clientID string, scopes []string) error {
	if scopes == nil {
		scopes = []string{}
	}
	return r.setAuthorization(ctx, actor, clientID, func(store.Client) store.Authorization {
		return store.Authorization{Authorized: true, Scopes: slices.Clone(scopes)}
	})
}

// Revoke clears the authorized flag and keeps the scopes.
func (r *Registry) Revoke(ctx context.Context, actor, clientID string) error {
	return r.setAuthorization(ctx, actor, clientID, func(c store.Client) store.Authorization {
		return store.Authorization{Authorized: false, Scopes: slices.Clone(c.Scopes)}
	})
}

func (r *Registry) setAuthorization(ctx context.Context, actor, clientID string, next func(store.Client) store.Authorization) error {
	if err := validateClientID(clientID); err != nil {
		return err
	}
	if !r.Loaded() {
		return ErrNotInitialized
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if err := r.syncRevisionLocked(ctx); err != nil {
		return err
	}
	current, err := r.cachedClient(ctx, clientID)
	if err != nil {
		return err
	}
	authz := next(current)

	apiID, revision := r.snapshot()
	newRevision, err := r.store.UpdateClientAuthorization(ctx, apiID, revision, clientID, authz)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownClient, clientID)
	}
	if err != nil {
		return fmt.Errorf("updating client %s: %w", clientID, r.recoverFromConflict(ctx, err))
	}

	updated := current.Clone()
	updated.Authorized = authz.Authorized
	updated.Scopes = slices.Clone(authz.Scopes)
	updated.UpdatedAt = time.Now().UTC()

	r.mu.Lock()
	r.clients[clientID] = updated
	r.revision = newRevision
	r.mu.Unlock()

	action := store.AuditRevokeClient
	if authz.Authorized {
		action = store.AuditAuthorizeClient
	}
	r.logger.Info("client authorization changed", "client_id", clientID, "authorized", authz.Authorized, "actor", actor)
	r.audit(ctx, store.AuditEntry{
		Actor:      actor,
		Action:     action,
		TargetType: "client",
		TargetID:   clientID,
		Detail:     map[string]any{"scopes": authz.Scopes},
	})
	return nil
}
