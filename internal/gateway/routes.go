// ABOUTME: Chi router for the gateway: health, metrics, ingress, admin and declared endpoints
// ABOUTME: Declared endpoints resolve through the binding table behind one wildcard route

package gateway

import (
	"net/http"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/2389/aipim-gateway/internal/auth"
	"github.com/2389/aipim-gateway/internal/dispatch"
)

func (g *Gateway) routes() http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)
	mux.Use(g.httpLogger)

	// Health endpoints - no auth required
	mux.Get("/health", g.handleHealth)
	mux.Get("/health/ready", g.handleReady)
	if g.config.Metrics.Enabled {
		mux.Handle(g.config.Metrics.Path, g.metrics.Handler())
	}

	mux.Route("/"+RoutePrefix+"/{apiName}", func(r chi.Router) {
		r.Use(g.requireAPIName)
		r.Post("/ingress", g.handleIngress)

		if g.adminVerifier != nil {
			r.Route("/admin", func(r chi.Router) {
				r.Use(auth.RequireAdmin(g.adminVerifier, g.logger))
				r.Get("/clients", g.handleListClients)
				r.Post("/clients/{clientID}/authorize", g.handleAuthorize)
				r.Post("/clients/{clientID}/revoke", g.handleRevoke)
				r.Get("/endpoints", g.handleListEndpoints)
				r.Get("/audit", g.handleAuditLog)
				r.Post("/verify", g.handleVerify)
			})
		}

		r.Route("/{version}", func(r chi.Router) {
			r.Use(g.requireVersion)
			r.Handle("/*", g.table.Handler(func(req *http.Request) string {
				return chi.URLParam(req, "*")
			}))
		})
	})

	return mux
}

func (g *Gateway) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(g.logger, next)
}

// requireAPIName rejects requests for an API this gateway does not serve.
func (g *Gateway) requireAPIName(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "apiName") != g.registry.Name() {
			dispatch.WriteError(w, http.StatusNotFound, "unknown api")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireVersion rejects requests for another version of the API.
func (g *Gateway) requireVersion(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "version") != g.registry.Version() {
			dispatch.WriteError(w, http.StatusNotFound, "unknown version")
			return
		}
		if !g.registry.Loaded() {
			dispatch.WriteError(w, http.StatusServiceUnavailable, "gateway not ready")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// readyResponse is the JSON body of GET /health/ready.
type readyResponse struct {
	Status    string `json:"status"`
	API       string `json:"api"`
	Version   string `json:"version"`
	Revision  int64  `json:"revision"`
	Clients   int    `json:"clients"`
	Endpoints int    `json:"endpoints"`
}

// handleReady returns 200 once the registry is loaded and endpoints are bound.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if !g.ready.Load() {
		dispatch.WriteJSON(w, http.StatusServiceUnavailable, readyResponse{
			Status:  "not ready",
			API:     g.registry.Name(),
			Version: g.registry.Version(),
		})
		return
	}
	dispatch.WriteJSON(w, http.StatusOK, readyResponse{
		Status:    "ready",
		API:       g.registry.Name(),
		Version:   g.registry.Version(),
		Revision:  g.registry.Revision(),
		Clients:   len(g.registry.Clients()),
		Endpoints: len(g.table.Paths()),
	})
}
