// ABOUTME: Registry holds the loaded API aggregate and its read-through client and endpoint cache
// ABOUTME: All mutations go through one writer lock, persist first, then update the cache

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"sync"

	"go.uber.org/atomic"

	"github.com/2389/aipim-gateway/internal/cryptoops"
	"github.com/2389/aipim-gateway/internal/dispatch"
	"github.com/2389/aipim-gateway/internal/store"
)

// DefaultVersion is used when no version is configured.
const DefaultVersion = "1.0.0"

var (
	// ErrNotInitialized is returned before Load has completed.
	ErrNotInitialized = errors.New("registry not initialized")
	// ErrInvalidArgument is returned for missing or malformed input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrDuplicateClient is returned when a client id is enrolled twice.
	ErrDuplicateClient = errors.New("client already enrolled")
	// ErrUnknownClient is returned when a client id is not enrolled.
	ErrUnknownClient = errors.New("unknown client")
	// ErrUnsupportedVerb is returned when declaring anything but GET or POST.
	ErrUnsupportedVerb = dispatch.ErrUnsupportedVerb
)

var namePattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// reservedVersions collide with the ingress and admin routes.
var reservedVersions = []string{"ingress", "admin"}

// Registry is the in-process view of one API aggregate.
type Registry struct {
	store   store.Store
	name    string
	version string
	logger  *slog.Logger
	pool    *cryptoops.Pool

	// writeMu serializes mutations across the persisted write and the cache update.
	writeMu sync.Mutex

	mu        sync.RWMutex
	apiID     string
	revision  int64
	clients   map[string]store.Client
	endpoints map[string]store.Endpoint
	order     []string // endpoint paths in declaration order

	loaded atomic.Bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithPool runs the enrollment key pair check on pool instead of a private one.
func WithPool(pool *cryptoops.Pool) Option {
	return func(r *Registry) {
		if pool != nil {
			r.pool = pool
		}
	}
}

// New creates a registry for the API (name, version). Load must be called before use.
func New(s store.Store, name, version string, logger *slog.Logger, opts ...Option) (*Registry, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidArgument)
	}
	if !namePattern.MatchString(name) {
		return nil, fmt.Errorf("%w: api name %q must match %s", ErrInvalidArgument, name, namePattern)
	}
	version = strings.TrimSpace(version)
	if version == "" {
		version = DefaultVersion
	}
	if strings.ContainsAny(version, "/ \t\r\n") || slices.Contains(reservedVersions, version) {
		return nil, fmt.Errorf("%w: api version %q", ErrInvalidArgument, version)
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		store:     s,
		name:      name,
		version:   version,
		logger:    logger.With("component", "registry", "api", name, "version", version),
		clients:   make(map[string]store.Client),
		endpoints: make(map[string]store.Endpoint),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.pool == nil {
		r.pool = cryptoops.NewPool(0)
	}
	return r, nil
}

// Load finds or creates the aggregate and fills the cache from it.
func (r *Registry) Load(ctx context.Context) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	header, err := r.store.FindOrCreateAPI(ctx, r.name, r.version)
	if err != nil {
		return fmt.Errorf("finding api %s@%s: %w", r.name, r.version, err)
	}
	if err := r.refresh(ctx, header.ID); err != nil {
		return err
	}
	r.loaded.Store(true)

	r.mu.RLock()
	r.logger.Info("registry loaded",
		"api_id", r.apiID,
		"revision", r.revision,
		"clients", len(r.clients),
		"endpoints", len(r.endpoints),
	)
	r.mu.RUnlock()
	return nil
}

// refresh replaces the cache with the persisted aggregate. Caller holds writeMu.
func (r *Registry) refresh(ctx context.Context, apiID string) error {
	api, err := r.store.LoadAPI(ctx, apiID)
	if err != nil {
		return fmt.Errorf("loading api %s: %w", apiID, err)
	}

	clients := make(map[string]store.Client, len(api.Clients))
	for _, c := range api.Clients {
		clients[c.ClientID] = c.Clone()
	}
	endpoints := make(map[string]store.Endpoint, len(api.Endpoints))
	order := make([]string, 0, len(api.Endpoints))
	for _, e := range api.Endpoints {
		endpoints[e.Path] = e
		order = append(order, e.Path)
	}

	r.mu.Lock()
	r.apiID = api.ID
	r.revision = api.Revision
	r.clients = clients
	r.endpoints = endpoints
	r.order = order
	r.mu.Unlock()
	return nil
}

// recoverFromConflict resyncs the cache after another writer moved the revision.
// The original error is returned unchanged. Caller holds writeMu.
func (r *Registry) recoverFromConflict(ctx context.Context, err error) error {
	if !errors.Is(err, store.ErrConflict) {
		return err
	}
	r.logger.Warn("aggregate changed underneath, reloading", "error", err)
	if rerr := r.refresh(ctx, r.currentAPIID()); rerr != nil {
		r.logger.Error("reload after conflict failed", "error", rerr)
	}
	return err
}

// Loaded reports whether Load has completed.
func (r *Registry) Loaded() bool {
	return r.loaded.Load()
}

// Name returns the API name.
func (r *Registry) Name() string {
	return r.name
}

// Version returns the API version.
func (r *Registry) Version() string {
	return r.version
}

// Revision returns the last aggregate revision this registry observed.
func (r *Registry) Revision() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.revision
}

func (r *Registry) currentAPIID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.apiID
}

func (r *Registry) snapshot() (string, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.apiID, r.revision
}

// LookupClient returns a copy of the client credential. The cache is resynced
// first when another process moved the aggregate revision, and cache misses fall
// through to the store so credentials enrolled elsewhere are found.
func (r *Registry) LookupClient(ctx context.Context, clientID string) (store.Client, error) {
	if !r.Loaded() {
		return store.Client{}, ErrNotInitialized
	}
	if err := r.syncRevision(ctx); err != nil {
		return store.Client{}, err
	}
	return r.cachedClient(ctx, clientID)
}

// syncRevision reloads the cache when the persisted revision differs from the
// one this registry last observed.
func (r *Registry) syncRevision(ctx context.Context) error {
	apiID, seen := r.snapshot()
	current, err := r.store.Revision(ctx, apiID)
	if err != nil {
		return fmt.Errorf("reading revision: %w", err)
	}
	if current == seen {
		return nil
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.syncRevisionLocked(ctx)
}

// syncRevisionLocked is syncRevision for callers that already hold writeMu.
func (r *Registry) syncRevisionLocked(ctx context.Context) error {
	apiID, seen := r.snapshot()
	current, err := r.store.Revision(ctx, apiID)
	if err != nil {
		return fmt.Errorf("reading revision: %w", err)
	}
	if current == seen {
		return nil
	}
	r.logger.Info("aggregate changed by another writer, reloading", "seen", seen, "current", current)
	return r.refresh(ctx, apiID)
}

// cachedClient reads the cache and falls through to the store on a miss.
func (r *Registry) cachedClient(ctx context.Context, clientID string) (store.Client, error) {
	r.mu.RLock()
	c, ok := r.clients[clientID]
	apiID := r.apiID
	r.mu.RUnlock()
	if ok {
		return c.Clone(), nil
	}

	persisted, err := r.store.GetClient(ctx, apiID, clientID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Client{}, fmt.Errorf("%w: %s", ErrUnknownClient, clientID)
	}
	if err != nil {
		return store.Client{}, fmt.Errorf("reading client %s: %w", clientID, err)
	}

	r.mu.Lock()
	if _, exists := r.clients[clientID]; !exists {
		r.clients[clientID] = persisted.Clone()
	}
	r.mu.Unlock()
	return persisted.Clone(), nil
}

// audit appends an entry; failures are logged and never undo the mutation.
func (r *Registry) audit(ctx context.Context, entry store.AuditEntry) {
	entry.APIID = r.currentAPIID()
	if err := r.store.AppendAuditLog(ctx, &entry); err != nil {
		r.logger.Error("failed to append audit log", "action", entry.Action, "target", entry.TargetID, "error", err)
	}
}

// AuditLog returns the newest audit entries of this API.
func (r *Registry) AuditLog(ctx context.Context, limit int) ([]store.AuditEntry, error) {
	if !r.Loaded() {
		return nil, ErrNotInitialized
	}
	apiID := r.currentAPIID()
	entries, err := r.store.ListAuditLog(ctx, store.AuditFilter{APIID: &apiID, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("listing audit log: %w", err)
	}
	return entries, nil
}
