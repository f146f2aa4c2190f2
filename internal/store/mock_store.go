// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject write failures

package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu        sync.RWMutex
	apis      map[string]*API               // keyed by API ID, header only
	apiIndex  map[string]string             // keyed by "name@version" -> API ID
	endpoints map[string][]Endpoint         // keyed by API ID, insertion order
	clients   map[string]map[string]*Client // keyed by API ID then client ID
	order     map[string][]string           // client IDs in insertion order
	keys      map[string]struct{}           // access keys in use
	audit     []AuditEntry                  // append order
	failures  map[string]error              // keyed by method name
	calls     map[string]int                // keyed by method name
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		apis:      make(map[string]*API),
		apiIndex:  make(map[string]string),
		endpoints: make(map[string][]Endpoint),
		clients:   make(map[string]map[string]*Client),
		order:     make(map[string][]string),
		keys:      make(map[string]struct{}),
		failures:  make(map[string]error),
		calls:     make(map[string]int),
	}
}

// FailNext makes the next call to method return err without touching state.
func (m *MockStore) FailNext(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[method] = err
}

// Calls reports how many times method was invoked.
func (m *MockStore) Calls(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[method]
}

// BumpRevision simulates a concurrent writer by advancing the revision.
func (m *MockStore) BumpRevision(apiID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if api, ok := m.apis[apiID]; ok {
		api.Revision++
	}
}

// enter records the call and returns any injected failure. Caller holds mu.
func (m *MockStore) enter(method string) error {
	m.calls[method]++
	if err, ok := m.failures[method]; ok {
		delete(m.failures, method)
		return err
	}
	return nil
}

// FindOrCreateAPI returns the aggregate header for (name, version), creating it if needed.
func (m *MockStore) FindOrCreateAPI(ctx context.Context, name, version string) (*API, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("FindOrCreateAPI"); err != nil {
		return nil, err
	}

	key := name + "@" + version
	if id, ok := m.apiIndex[key]; ok {
		result := *m.apis[id]
		return &result, nil
	}

	now := time.Now().UTC()
	api := &API{
		ID:        uuid.New().String(),
		Name:      name,
		Version:   version,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.apis[api.ID] = api
	m.apiIndex[key] = api.ID
	m.clients[api.ID] = make(map[string]*Client)

	result := *api
	return &result, nil
}

// LoadAPI returns the aggregate with every endpoint and client.
func (m *MockStore) LoadAPI(ctx context.Context, apiID string) (*API, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("LoadAPI"); err != nil {
		return nil, err
	}

	api, ok := m.apis[apiID]
	if !ok {
		return nil, ErrNotFound
	}
	result := *api
	result.Endpoints = slices.Clone(m.endpoints[apiID])
	if result.Endpoints == nil {
		result.Endpoints = []Endpoint{}
	}
	result.Clients = make([]Client, 0, len(m.order[apiID]))
	for _, id := range m.order[apiID] {
		result.Clients = append(result.Clients, m.clients[apiID][id].Clone())
	}
	return &result, nil
}

// Revision returns the current aggregate revision.
func (m *MockStore) Revision(ctx context.Context, apiID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Revision"); err != nil {
		return 0, err
	}
	api, ok := m.apis[apiID]
	if !ok {
		return 0, ErrNotFound
	}
	return api.Revision, nil
}

// checkRevision validates expectedRevision. Caller holds mu.
func (m *MockStore) checkRevision(apiID string, expectedRevision int64) (*API, error) {
	api, ok := m.apis[apiID]
	if !ok {
		return nil, ErrNotFound
	}
	if api.Revision != expectedRevision {
		return nil, ErrConflict
	}
	return api, nil
}

// AppendEndpoint adds an endpoint.
func (m *MockStore) AppendEndpoint(ctx context.Context, apiID string, expectedRevision int64, e *Endpoint) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("AppendEndpoint"); err != nil {
		return 0, err
	}

	api, err := m.checkRevision(apiID, expectedRevision)
	if err != nil {
		return 0, err
	}
	for _, existing := range m.endpoints[apiID] {
		if existing.Path == e.Path {
			return 0, ErrDuplicate
		}
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	m.endpoints[apiID] = append(m.endpoints[apiID], *e)
	api.Revision++
	api.UpdatedAt = time.Now().UTC()
	return api.Revision, nil
}

// AppendClient adds a client.
func (m *MockStore) AppendClient(ctx context.Context, apiID string, expectedRevision int64, c *Client) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("AppendClient"); err != nil {
		return 0, err
	}

	api, err := m.checkRevision(apiID, expectedRevision)
	if err != nil {
		return 0, err
	}
	if _, exists := m.clients[apiID][c.ClientID]; exists {
		return 0, ErrDuplicate
	}
	if _, exists := m.keys[c.AccessKey]; exists {
		return 0, ErrDuplicate
	}

	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	stored := c.Clone()
	m.clients[apiID][c.ClientID] = &stored
	m.order[apiID] = append(m.order[apiID], c.ClientID)
	m.keys[c.AccessKey] = struct{}{}
	api.Revision++
	api.UpdatedAt = now
	return api.Revision, nil
}

// UpdateClientAuthorization replaces the authorized flag and scopes of a client.
func (m *MockStore) UpdateClientAuthorization(ctx context.Context, apiID string, expectedRevision int64, clientID string, authz Authorization) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("UpdateClientAuthorization"); err != nil {
		return 0, err
	}

	api, err := m.checkRevision(apiID, expectedRevision)
	if err != nil {
		return 0, err
	}
	c, ok := m.clients[apiID][clientID]
	if !ok {
		return 0, ErrNotFound
	}
	c.Authorized = authz.Authorized
	c.Scopes = slices.Clone(authz.Scopes)
	if c.Scopes == nil {
		c.Scopes = []string{}
	}
	c.UpdatedAt = time.Now().UTC()
	api.Revision++
	api.UpdatedAt = c.UpdatedAt
	return api.Revision, nil
}

// GetClient reads a single client.
func (m *MockStore) GetClient(ctx context.Context, apiID, clientID string) (*Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetClient"); err != nil {
		return nil, err
	}

	c, ok := m.clients[apiID][clientID]
	if !ok {
		return nil, ErrNotFound
	}
	result := c.Clone()
	return &result, nil
}

// AppendAuditLog appends a new entry to the audit log.
func (m *MockStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("AppendAuditLog"); err != nil {
		return err
	}
	prepareAuditEntry(e)
	m.audit = append(m.audit, *e)
	return nil
}

// ListAuditLog returns audit entries matching the filter, newest first.
func (m *MockStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListAuditLog"); err != nil {
		return nil, err
	}

	limit := normalizeAuditLimit(f.Limit)
	entries := []AuditEntry{}
	for i := len(m.audit) - 1; i >= 0 && len(entries) < limit; i-- {
		e := m.audit[i]
		if f.APIID != nil && e.APIID != *f.APIID {
			continue
		}
		if f.Since != nil && e.Timestamp.Before(*f.Since) {
			continue
		}
		if f.Until != nil && e.Timestamp.After(*f.Until) {
			continue
		}
		if f.Actor != nil && e.Actor != *f.Actor {
			continue
		}
		if f.Action != nil && e.Action != *f.Action {
			continue
		}
		if f.TargetID != nil && e.TargetID != *f.TargetID {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

var _ Store = (*MockStore)(nil)
var _ Store = (*SQLiteStore)(nil)
