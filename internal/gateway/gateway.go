// ABOUTME: Gateway orchestrator that wires the registry, authenticator and HTTP server
// ABOUTME: Manages store, crypto pool, declared endpoints and the server lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/atomic"
	"tailscale.com/tsnet"

	"github.com/2389/aipim-gateway/internal/auth"
	"github.com/2389/aipim-gateway/internal/config"
	"github.com/2389/aipim-gateway/internal/cryptoops"
	"github.com/2389/aipim-gateway/internal/dedupe"
	"github.com/2389/aipim-gateway/internal/dispatch"
	"github.com/2389/aipim-gateway/internal/metrics"
	"github.com/2389/aipim-gateway/internal/registry"
	"github.com/2389/aipim-gateway/internal/store"
)

// RoutePrefix is the first path segment of every AIPIM route.
const RoutePrefix = "aipim"

// ErrEndpointMismatch is returned by Load when a configured endpoint disagrees with
// the one already recorded for its path.
var ErrEndpointMismatch = errors.New("configured endpoint differs from recorded endpoint")

// Gateway serves one API aggregate: ingress, declared endpoints and the admin API.
type Gateway struct {
	config        *config.Config
	store         store.Store
	registry      *registry.Registry
	pool          *cryptoops.Pool
	authenticator *auth.Authenticator
	signer        *auth.Signer
	adminVerifier *auth.JWTVerifier // nil when the admin API is disabled
	replay        *dedupe.Cache     // nil unless replayed challenges are rejected
	metrics       *metrics.Metrics
	table         *dispatch.Table
	upstream      *http.Client
	httpServer    *http.Server
	tsnetServer   *tsnet.Server
	logger        *slog.Logger

	ready atomic.Bool
}

// initStore opens the SQLite store, sealing key material when an encryption key is set.
func initStore(cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("AIPIM_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	var opts []store.Option
	if cfg.Database.EncryptionKey != "" {
		sealer, err := store.NewSealer(cfg.Database.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("creating sealer: %w", err)
		}
		opts = append(opts, store.WithSealer(sealer))
	} else {
		logger.Warn("database.encryption_key not set - private certificates are stored in plaintext")
	}

	s, err := store.NewSQLiteStore(dbPath, opts...)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a Gateway backed by the SQLite store named in cfg.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s, err := initStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	gw, err := NewWithStore(cfg, s, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

// NewWithStore creates a Gateway over an existing store. The gateway owns s and
// closes it on Shutdown.
func NewWithStore(cfg *config.Config, s store.Store, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	pool := cryptoops.NewPool(cfg.Crypto.Workers)
	reg, err := registry.New(s, cfg.API.Name, cfg.API.Version, logger, registry.WithPool(pool))
	if err != nil {
		return nil, fmt.Errorf("creating registry: %w", err)
	}

	m := metrics.New()
	m.SetCryptoPoolSize(pool.Size())

	var replay *dedupe.Cache
	if cfg.Auth.RejectReplayedChallenges {
		replay = dedupe.New(cfg.Auth.ReplayWindow, cfg.Auth.ReplayMaxEntries)
	}

	var adminVerifier *auth.JWTVerifier
	if cfg.Auth.AdminSecret != "" {
		adminVerifier, err = auth.NewJWTVerifier([]byte(cfg.Auth.AdminSecret), auth.AdminAudience(reg.Name()))
		if err != nil {
			if replay != nil {
				replay.Close()
			}
			return nil, fmt.Errorf("creating admin verifier: %w", err)
		}
	} else {
		logger.Warn("admin API disabled - no auth.admin_secret configured")
	}

	gw := &Gateway{
		config:   cfg,
		store:    s,
		registry: reg,
		pool:     pool,
		authenticator: auth.NewAuthenticator(reg, pool, auth.Options{
			EnforceIPAllowList: cfg.Auth.EnforceIPAllowList,
			TrustForwardedFor:  cfg.Auth.TrustForwardedFor,
			Replay:             replay,
			Metrics:            m,
			Logger:             logger,
		}),
		signer:        auth.NewSigner(reg, pool, reg.Name(), reg.Version()),
		adminVerifier: adminVerifier,
		replay:        replay,
		metrics:       m,
		table:         dispatch.NewTable(),
		upstream:      &http.Client{},
		logger:        logger.With("component", "gateway"),
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Load reads the API aggregate and declares the endpoints from the config file.
// The gateway reports ready once Load succeeds.
func (g *Gateway) Load(ctx context.Context) error {
	if err := g.registry.Load(ctx); err != nil {
		return fmt.Errorf("loading registry: %w", err)
	}
	for _, ep := range g.config.Endpoints {
		recorded, _, err := g.registry.DeclareEndpoint(ctx, ep.Verb, ep.Path, ep.AcceptedType, ep.ProducedType)
		if err != nil {
			return fmt.Errorf("declaring %s %s: %w", ep.Verb, ep.Path, err)
		}
		// The proxy forwards with the configured verb and types, so they must be
		// the ones the route is bound with.
		if err := matchRecorded(ep, recorded); err != nil {
			return err
		}
		if err := g.Declare(ctx, recorded.Verb, recorded.Path, recorded.AcceptedType, recorded.ProducedType, g.proxyHandler(ep)); err != nil {
			return fmt.Errorf("declaring %s %s: %w", ep.Verb, ep.Path, err)
		}
	}
	g.ready.Store(true)
	return nil
}

func matchRecorded(ep config.EndpointConfig, recorded store.Endpoint) error {
	if recorded.Verb == ep.Verb &&
		recorded.AcceptedType == strings.TrimSpace(ep.AcceptedType) &&
		recorded.ProducedType == strings.TrimSpace(ep.ProducedType) {
		return nil
	}
	return fmt.Errorf("%w: %s is recorded as %s %s -> %s but configured as %s %s -> %s",
		ErrEndpointMismatch, recorded.Path,
		recorded.Verb, recorded.AcceptedType, recorded.ProducedType,
		ep.Verb, ep.AcceptedType, ep.ProducedType)
}

// Declare records an endpoint and binds handler to it. Declaring a path again
// keeps the recorded metadata and rebinds the handler.
func (g *Gateway) Declare(ctx context.Context, verb, path, acceptedType, producedType string, handler dispatch.Handler) error {
	if handler == nil {
		return fmt.Errorf("%w: handler is required", registry.ErrInvalidArgument)
	}
	endpoint, created, err := g.registry.DeclareEndpoint(ctx, verb, path, acceptedType, producedType)
	if err != nil {
		return err
	}

	d, err := dispatch.NewDispatcher(endpoint, handler, g.signer, g.metrics, g.logger)
	if err != nil {
		return err
	}
	verbOf, err := dispatch.ParseVerb(endpoint.Verb)
	if err != nil {
		return err
	}

	chain := dispatch.ParsePayload(g.config.Server.MaxBodyBytes)(
		g.authenticator.Middleware(endpoint)(d),
	)
	g.table.Bind(endpoint.Path, &dispatch.Binding{
		Verb:     verbOf,
		Endpoint: endpoint,
		Handler:  chain,
	})

	if created {
		g.logger.Info("endpoint bound", "verb", endpoint.Verb, "path", endpoint.Path)
	} else {
		g.logger.Info("endpoint rebound", "verb", endpoint.Verb, "path", endpoint.Path)
	}
	return nil
}

// Registry exposes the registry for in-process administration.
func (g *Gateway) Registry() *registry.Registry {
	return g.registry
}

// Handler returns the root HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Run loads the registry if needed, starts the HTTP server and blocks until the
// context is canceled. Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	if !g.ready.Load() {
		if err := g.Load(ctx); err != nil {
			return err
		}
	}

	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), g.config.Server.ShutdownTimeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// setupListener creates the HTTP listener (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}

	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr, "api", g.registry.Name(), "version", g.registry.Version())
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops the HTTP server and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	g.ready.Store(false)

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if g.replay != nil {
		g.replay.Close()
	}

	return errors.Join(errs...)
}
