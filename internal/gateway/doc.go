// Package gateway orchestrates the aipim-gateway server components.
//
// # Overview
//
// A Gateway serves one API aggregate (name and version). It owns the store,
// the registry, the RSA worker pool, the request authenticator, the response
// signer and the HTTP server.
//
// # HTTP API
//
//   - POST /aipim/{api}/ingress - Enroll a client, returns {"key": access key}
//   - GET|POST /aipim/{api}/{version}/{path} - Call a declared endpoint
//   - /aipim/{api}/admin/... - Admin API (bearer JWT, see package auth)
//   - GET /health - Liveness check
//   - GET /health/ready - Ready once the registry is loaded
//   - GET /metrics - Prometheus metrics, when enabled
//
// # Declaring Endpoints
//
// Library users bind their own handlers after Load:
//
//	gw, _ := gateway.New(cfg, logger)
//	_ = gw.Load(ctx)
//	_ = gw.Declare(ctx, "GET", "list", "application/json", "application/json", listOrders)
//	_ = gw.Run(ctx)
//
// Each declared path is served by a chain of payload parsing, authentication
// and the verb dispatcher. Declaring a path again rebinds its handler and keeps
// the recorded endpoint. Endpoints listed in the config file are declared by
// Load and proxied to their upstream URL.
//
// # Listeners
//
// The HTTP server listens on server.http_addr, or on a tsnet node when
// tailscale.enabled is set (plain :80, HTTPS on :443, or Funnel).
package gateway
