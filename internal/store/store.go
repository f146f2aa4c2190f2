// ABOUTME: Store interface and data types for AIPIM credential persistence
// ABOUTME: Defines the API aggregate with its Endpoint and Client sub-records

package store

import (
	"context"
	"errors"
	"slices"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a sub-record with the same key already exists
var ErrDuplicate = errors.New("already exists")

// ErrConflict is returned when the aggregate revision changed since it was read
var ErrConflict = errors.New("revision conflict")

// API is the aggregate root for one named, versioned API surface.
// Endpoints and Clients are only populated by LoadAPI.
type API struct {
	ID        string
	Name      string
	Version   string
	Revision  int64
	Endpoints []Endpoint
	Clients   []Client
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Endpoint is a declared route of an API
type Endpoint struct {
	Verb         string // upper case HTTP method
	Path         string // unique within the API, no leading slash
	AcceptedType string // expected request content-type
	ProducedType string // response content-type
	CreatedAt    time.Time
}

// Client is an enrolled consumer credential
type Client struct {
	ClientID           string
	AccessKey          string
	PrivateCertificate string
	PublicCertificate  string
	Passphrase         string
	IPAllowList        []string // nil when no allow-list was submitted
	Authorized         bool
	Scopes             []string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Clone returns a deep copy so cached records never share slices with callers.
func (c Client) Clone() Client {
	out := c
	if c.IPAllowList != nil {
		out.IPAllowList = slices.Clone(c.IPAllowList)
	}
	out.Scopes = slices.Clone(c.Scopes)
	if out.Scopes == nil {
		out.Scopes = []string{}
	}
	return out
}

// Authorization is the administrative state of a client
type Authorization struct {
	Authorized bool
	Scopes     []string
}

// Store defines the persistence contract for API aggregates.
//
// Every mutating method takes the revision the caller last observed and returns the
// new revision. The write is rejected with ErrConflict if another writer got there
// first, so concurrent enrollments racing on the same aggregate cannot interleave.
type Store interface {
	// FindOrCreateAPI returns the aggregate header for (name, version), creating it if needed.
	FindOrCreateAPI(ctx context.Context, name, version string) (*API, error)

	// LoadAPI returns the aggregate with every endpoint and client.
	LoadAPI(ctx context.Context, apiID string) (*API, error)

	// AppendEndpoint adds an endpoint. Returns ErrDuplicate if the path exists.
	AppendEndpoint(ctx context.Context, apiID string, expectedRevision int64, e *Endpoint) (int64, error)

	// AppendClient adds a client. Returns ErrDuplicate if the client id exists.
	AppendClient(ctx context.Context, apiID string, expectedRevision int64, c *Client) (int64, error)

	// UpdateClientAuthorization replaces the authorized flag and scopes of a client.
	UpdateClientAuthorization(ctx context.Context, apiID string, expectedRevision int64, clientID string, authz Authorization) (int64, error)

	// Revision returns the current aggregate revision without loading sub-records.
	Revision(ctx context.Context, apiID string) (int64, error)

	// GetClient reads a single client straight from storage.
	GetClient(ctx context.Context, apiID, clientID string) (*Client, error)

	// Audit log
	AppendAuditLog(ctx context.Context, e *AuditEntry) error
	ListAuditLog(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)

	// Close releases any resources held by the store
	Close() error
}
