// ABOUTME: Admin API handlers for client authorization, listings, audit log and signature checks
// ABOUTME: Mounted under /aipim/{apiName}/admin behind the bearer-token guard

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/2389/aipim-gateway/internal/auth"
	"github.com/2389/aipim-gateway/internal/dispatch"
	"github.com/2389/aipim-gateway/internal/registry"
	"github.com/2389/aipim-gateway/internal/store"
)

// maxAdminBody caps admin request bodies.
const maxAdminBody = 64 << 10

// AuthorizeRequest is the JSON request body for POST .../clients/{clientID}/authorize.
type AuthorizeRequest struct {
	Scopes []string `json:"scopes"`
}

// ClientsResponse is the JSON response for GET .../admin/clients.
type ClientsResponse struct {
	Clients []registry.ClientSummary `json:"clients"`
}

// EndpointResponse describes one declared endpoint.
type EndpointResponse struct {
	Verb         string `json:"verb"`
	Path         string `json:"path"`
	AcceptedType string `json:"accepted_type"`
	ProducedType string `json:"produced_type"`
	Bound        bool   `json:"bound"`
	CreatedAt    string `json:"created_at"`
}

// EndpointsResponse is the JSON response for GET .../admin/endpoints.
type EndpointsResponse struct {
	Endpoints []EndpointResponse `json:"endpoints"`
}

// AuditEntryResponse is one audit log entry.
type AuditEntryResponse struct {
	ID         string         `json:"id"`
	Actor      string         `json:"actor"`
	Action     string         `json:"action"`
	TargetType string         `json:"target_type"`
	TargetID   string         `json:"target_id"`
	Timestamp  string         `json:"timestamp"`
	Detail     map[string]any `json:"detail,omitempty"`
}

// AuditResponse is the JSON response for GET .../admin/audit.
type AuditResponse struct {
	Entries []AuditEntryResponse `json:"entries"`
}

// VerifyRequest is the JSON request body for POST .../admin/verify.
type VerifyRequest struct {
	Client    string `json:"client"`
	Signature string `json:"signature"`
}

// VerifyResponse is the JSON response for POST .../admin/verify.
type VerifyResponse struct {
	Valid bool `json:"valid"`
}

// writeRegistryError maps registry and store errors to HTTP statuses.
func (g *Gateway) writeRegistryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrUnknownClient):
		dispatch.WriteError(w, http.StatusNotFound, "unknown client")
	case errors.Is(err, registry.ErrInvalidArgument):
		dispatch.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrConflict):
		dispatch.WriteError(w, http.StatusConflict, "concurrent modification, retry")
	case errors.Is(err, registry.ErrNotInitialized):
		dispatch.WriteError(w, http.StatusServiceUnavailable, "gateway not ready")
	default:
		g.logger.Error("admin request failed", "error", err)
		dispatch.WriteError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeAdminBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBody)).Decode(v); err != nil {
		dispatch.WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (g *Gateway) handleListClients(w http.ResponseWriter, r *http.Request) {
	dispatch.WriteJSON(w, http.StatusOK, ClientsResponse{Clients: g.registry.Clients()})
}

func (g *Gateway) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req AuthorizeRequest
	if !decodeAdminBody(w, r, &req) {
		return
	}
	clientID := chi.URLParam(r, "clientID")
	actor := auth.AdminFromContext(r.Context())
	if err := g.registry.Authorize(r.Context(), actor, clientID, req.Scopes); err != nil {
		g.writeRegistryError(w, err)
		return
	}
	g.logger.Info("client authorized", "client_id", clientID, "actor", actor, "scopes", req.Scopes)
	g.writeClientSummary(w, clientID)
}

func (g *Gateway) handleRevoke(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	actor := auth.AdminFromContext(r.Context())
	if err := g.registry.Revoke(r.Context(), actor, clientID); err != nil {
		g.writeRegistryError(w, err)
		return
	}
	g.logger.Info("client revoked", "client_id", clientID, "actor", actor)
	g.writeClientSummary(w, clientID)
}

func (g *Gateway) writeClientSummary(w http.ResponseWriter, clientID string) {
	for _, c := range g.registry.Clients() {
		if c.ClientID == clientID {
			dispatch.WriteJSON(w, http.StatusOK, c)
			return
		}
	}
	dispatch.WriteError(w, http.StatusNotFound, "unknown client")
}

func (g *Gateway) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	endpoints := g.registry.Endpoints()
	resp := EndpointsResponse{Endpoints: make([]EndpointResponse, 0, len(endpoints))}
	for _, e := range endpoints {
		_, bound := g.table.Lookup(e.Path)
		resp.Endpoints = append(resp.Endpoints, EndpointResponse{
			Verb:         e.Verb,
			Path:         e.Path,
			AcceptedType: e.AcceptedType,
			ProducedType: e.ProducedType,
			Bound:        bound,
			CreatedAt:    e.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	dispatch.WriteJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			dispatch.WriteError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	entries, err := g.registry.AuditLog(r.Context(), limit)
	if err != nil {
		g.writeRegistryError(w, err)
		return
	}

	resp := AuditResponse{Entries: make([]AuditEntryResponse, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, AuditEntryResponse{
			ID:         e.ID,
			Actor:      e.Actor,
			Action:     string(e.Action),
			TargetType: e.TargetType,
			TargetID:   e.TargetID,
			Timestamp:  e.Timestamp.UTC().Format(time.RFC3339Nano),
			Detail:     e.Detail,
		})
	}
	dispatch.WriteJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if !decodeAdminBody(w, r, &req) {
		return
	}
	if req.Client == "" || req.Signature == "" {
		dispatch.WriteError(w, http.StatusBadRequest, "client and signature are required")
		return
	}
	valid, err := g.signer.Verify(r.Context(), req.Client, req.Signature)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownClient) || errors.Is(err, registry.ErrNotInitialized) {
			g.writeRegistryError(w, err)
			return
		}
		// a signature that is not even base64 is simply not valid
		g.logger.Debug("signature check failed", "client_id", req.Client, "error", err)
		valid = false
	}
	dispatch.WriteJSON(w, http.StatusOK, VerifyResponse{Valid: valid})
}
