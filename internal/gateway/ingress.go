// ABOUTME: HTTP handler for client enrollment at POST /aipim/{apiName}/ingress
// ABOUTME: Maps registry errors to 400, 409 and 500 and counts every attempt

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/2389/aipim-gateway/internal/dispatch"
	"github.com/2389/aipim-gateway/internal/registry"
)

// IngressRequest is the JSON request body for POST /aipim/{apiName}/ingress.
type IngressRequest struct {
	Client             string   `json:"client"`
	PrivateCertificate string   `json:"privateCertificate"`
	PublicCertificate  string   `json:"publicCertificate"`
	IP                 []string `json:"ip,omitempty"`
	Passphrase         string   `json:"passphrase,omitempty"`
}

// IngressResponse is the JSON response for a successful enrollment.
type IngressResponse struct {
	Key string `json:"key"`
}

func (g *Gateway) handleIngress(w http.ResponseWriter, r *http.Request) {
	var req IngressRequest
	body := http.MaxBytesReader(w, r.Body, g.config.Server.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		g.metrics.Enrollment("invalid")
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			dispatch.WriteError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		dispatch.WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	key, err := g.registry.Enroll(r.Context(), registry.EnrollRequest{
		ClientID:           req.Client,
		PrivateCertificate: req.PrivateCertificate,
		PublicCertificate:  req.PublicCertificate,
		IPAllowList:        req.IP,
		Passphrase:         req.Passphrase,
	})
	switch {
	case err == nil:
		g.metrics.Enrollment("ok")
		dispatch.WriteJSON(w, http.StatusOK, IngressResponse{Key: key})
	case errors.Is(err, registry.ErrDuplicateClient):
		g.metrics.Enrollment("duplicate")
		dispatch.WriteError(w, http.StatusConflict, "client already enrolled")
	case errors.Is(err, registry.ErrInvalidArgument):
		g.metrics.Enrollment("invalid")
		g.logger.Info("enrollment rejected", "client_id", req.Client, "error", err)
		dispatch.WriteError(w, http.StatusBadRequest, err.Error())
	default:
		g.metrics.Enrollment("error")
		g.logger.Error("enrollment failed", "client_id", req.Client, "error", err)
		dispatch.WriteError(w, http.StatusInternalServerError, "enrollment failed")
	}
}
