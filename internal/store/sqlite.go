// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists API aggregates with optimistic revision checks and sealed client secrets

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// timeFormat is fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	sealer *Sealer
	logger *slog.Logger
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithSealer enables at-rest encryption of private certificates and passphrases.
func WithSealer(sealer *Sealer) Option {
	return func(s *SQLiteStore) {
		s.sealer = sealer
	}
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection: pragmas are per connection and :memory: databases are too.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "sealed", s.sealer != nil)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS apis (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			version    TEXT NOT NULL,
			revision   INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,

			UNIQUE(name, version)
		);

		CREATE TABLE IF NOT EXISTS api_endpoints (
			api_id        TEXT NOT NULL REFERENCES apis(id) ON DELETE CASCADE,
			path          TEXT NOT NULL,
			verb          TEXT NOT NULL,
			accepted_type TEXT NOT NULL,
			produced_type TEXT NOT NULL,
			created_at    TEXT NOT NULL,

			PRIMARY KEY (api_id, path),
			CHECK (verb IN ('GET', 'POST'))
		);

		CREATE TABLE IF NOT EXISTS api_clients (
			api_id              TEXT NOT NULL REFERENCES apis(id) ON DELETE CASCADE,
			client_id           TEXT NOT NULL,
			access_key          TEXT NOT NULL UNIQUE,
			private_certificate TEXT NOT NULL,
			public_certificate  TEXT NOT NULL,
			passphrase          TEXT NOT NULL,
			ip_allow_list       TEXT,
			authorized          INTEGER NOT NULL DEFAULT 0,
			scopes_json         TEXT NOT NULL DEFAULT '[]',
			created_at          TEXT NOT NULL,
			updated_at          TEXT NOT NULL,

			PRIMARY KEY (api_id, client_id)
		);

		CREATE TABLE IF NOT EXISTS audit_log (
			audit_id    TEXT PRIMARY KEY,
			api_id      TEXT NOT NULL,
			actor       TEXT NOT NULL,
			action      TEXT NOT NULL,
			target_type TEXT NOT NULL,
			target_id   TEXT NOT NULL,
			ts          TEXT NOT NULL,
			detail_json TEXT,

			CHECK (action IN (
				'enroll_client',
				'declare_endpoint',
				'authorize_client',
				'revoke_client'
			))
		);

		CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_api ON audit_log(api_id);
		CREATE INDEX IF NOT EXISTS idx_audit_target ON audit_log(target_type, target_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// FindOrCreateAPI returns the aggregate header for (name, version), creating it if needed.
func (s *SQLiteStore) FindOrCreateAPI(ctx context.Context, name, version string) (*API, error) {
	now := time.Now().UTC().Format(timeFormat)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO apis (id, name, version, revision, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?)
		ON CONFLICT(name, version) DO NOTHING
	`, uuid.New().String(), name, version, now, now)
	if err != nil {
		return nil, fmt.Errorf("inserting api: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, version, revision, created_at, updated_at
		FROM apis
		WHERE name = ? AND version = ?
	`, name, version)
	api, err := scanAPI(row)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("resolved api", "id", api.ID, "name", name, "version", version, "revision", api.Revision)
	return api, nil
}

// Revision returns the current aggregate revision.
func (s *SQLiteStore) Revision(ctx context.Context, apiID string) (int64, error) {
	var revision int64
	err := s.db.QueryRowContext(ctx, `SELECT revision FROM apis WHERE id = ?`, apiID).Scan(&revision)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("querying revision: %w", err)
	}
	return revision, nil
}

// LoadAPI returns the aggregate with every endpoint and client.
// Returns ErrNotFound if the aggregate doesn't exist.
func (s *SQLiteStore) LoadAPI(ctx context.Context, apiID string) (*API, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, version, revision, created_at, updated_at
		FROM apis
		WHERE id = ?
	`, apiID)
	api, err := scanAPI(row)
	if err != nil {
		return nil, err
	}

	api.Endpoints, err = s.listEndpoints(ctx, apiID)
	if err != nil {
		return nil, err
	}
	api.Clients, err = s.listClients(ctx, apiID)
	if err != nil {
		return nil, err
	}
	return api, nil
}

func (s *SQLiteStore) listEndpoints(ctx context.Context, apiID string) ([]Endpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT verb, path, accepted_type, produced_type, created_at
		FROM api_endpoints
		WHERE api_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, apiID)
	if err != nil {
		return nil, fmt.Errorf("querying endpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	endpoints := []Endpoint{}
	for rows.Next() {
		var e Endpoint
		var createdAt string
		if err := rows.Scan(&e.Verb, &e.Path, &e.AcceptedType, &e.ProducedType, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning endpoint: %w", err)
		}
		if e.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		endpoints = append(endpoints, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating endpoints: %w", err)
	}
	return endpoints, nil
}

const clientColumns = `client_id, access_key, private_certificate, public_certificate, passphrase,
	ip_allow_list, authorized, scopes_json, created_at, updated_at`

func (s *SQLiteStore) listClients(ctx context.Context, apiID string) ([]Client, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+clientColumns+`
		FROM api_clients
		WHERE api_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, apiID)
	if err != nil {
		return nil, fmt.Errorf("querying clients: %w", err)
	}
	defer func() { _ = rows.Close() }()

	clients := []Client{}
	for rows.Next() {
		c, err := s.scanClient(rows, apiID)
		if err != nil {
			return nil, err
		}
		clients = append(clients, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating clients: %w", err)
	}
	return clients, nil
}

// GetClient reads a single client straight from storage.
// Returns ErrNotFound if the client doesn't exist.
func (s *SQLiteStore) GetClient(ctx context.Context, apiID, clientID string) (*Client, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+clientColumns+`
		FROM api_clients
		WHERE api_id = ? AND client_id = ?
	`, apiID, clientID)
	return s.scanClient(row, apiID)
}

// AppendEndpoint adds an endpoint under the aggregate revision check.
func (s *SQLiteStore) AppendEndpoint(ctx context.Context, apiID string, expectedRevision int64, e *Endpoint) (int64, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return s.mutate(ctx, apiID, expectedRevision, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO api_endpoints (api_id, path, verb, accepted_type, produced_type, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, apiID, e.Path, e.Verb, e.AcceptedType, e.ProducedType, e.CreatedAt.UTC().Format(timeFormat))
		if err != nil {
			if isConstraintViolation(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("inserting endpoint: %w", err)
		}
		return nil
	})
}

// AppendClient adds a client under the aggregate revision check.
// The private certificate and passphrase are sealed when a Sealer is configured.
func (s *SQLiteStore) AppendClient(ctx context.Context, apiID string, expectedRevision int64, c *Client) (int64, error) {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}

	aad := sealAAD(apiID, c.ClientID)
	privateCert, err := s.sealer.Seal(c.PrivateCertificate, aad)
	if err != nil {
		return 0, fmt.Errorf("sealing private certificate: %w", err)
	}
	passphrase, err := s.sealer.Seal(c.Passphrase, aad)
	if err != nil {
		return 0, fmt.Errorf("sealing passphrase: %w", err)
	}

	var ipList *string
	if c.IPAllowList != nil {
		data, err := json.Marshal(c.IPAllowList)
		if err != nil {
			return 0, fmt.Errorf("marshaling ip allow list: %w", err)
		}
		str := string(data)
		ipList = &str
	}
	scopes, err := marshalScopes(c.Scopes)
	if err != nil {
		return 0, err
	}

	return s.mutate(ctx, apiID, expectedRevision, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO api_clients (api_id, client_id, access_key, private_certificate, public_certificate,
				passphrase, ip_allow_list, authorized, scopes_json, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			apiID,
			c.ClientID,
			c.AccessKey,
			privateCert,
			c.PublicCertificate,
			passphrase,
			ipList,
			boolToInt(c.Authorized),
			scopes,
			c.CreatedAt.UTC().Format(timeFormat),
			c.UpdatedAt.UTC().Format(timeFormat),
		)
		if err != nil {
			if isConstraintViolation(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("inserting client: %w", err)
		}
		return nil
	})
}

// UpdateClientAuthorization replaces the authorized flag and scopes of a client.
// Returns ErrNotFound if the client doesn't exist.
func (s *SQLiteStore) UpdateClientAuthorization(ctx context.Context, apiID string, expectedRevision int64, clientID string, authz Authorization) (int64, error) {
	scopes, err := marshalScopes(authz.Scopes)
	if err != nil {
		return 0, err
	}
	return s.mutate(ctx, apiID, expectedRevision, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE api_clients
			SET authorized = ?, scopes_json = ?, updated_at = ?
			WHERE api_id = ? AND client_id = ?
		`, boolToInt(authz.Authorized), scopes, time.Now().UTC().Format(timeFormat), apiID, clientID)
		if err != nil {
			return fmt.Errorf("updating client authorization: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking rows affected: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// mutate bumps the aggregate revision and applies fn in one transaction.
// Nothing is written when the revision check or fn fails.
func (s *SQLiteStore) mutate(ctx context.Context, apiID string, expectedRevision int64, fn func(tx *sql.Tx) error) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE apis SET revision = revision + 1, updated_at = ?
		WHERE id = ? AND revision = ?
	`, time.Now().UTC().Format(timeFormat), apiID, expectedRevision)
	if err != nil {
		return 0, fmt.Errorf("bumping revision: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		var current int64
		err := tx.QueryRowContext(ctx, `SELECT revision FROM apis WHERE id = ?`, apiID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		if err != nil {
			return 0, fmt.Errorf("reading revision: %w", err)
		}
		s.logger.Debug("revision conflict", "api_id", apiID, "expected", expectedRevision, "current", current)
		return 0, ErrConflict
	}

	if err := fn(tx); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing transaction: %w", err)
	}
	return expectedRevision + 1, nil
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAPI(row rowScanner) (*API, error) {
	var api API
	var createdAt, updatedAt string
	err := row.Scan(&api.ID, &api.Name, &api.Version, &api.Revision, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying api: %w", err)
	}
	if api.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if api.UpdatedAt, err = time.Parse(timeFormat, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &api, nil
}

func (s *SQLiteStore) scanClient(row rowScanner, apiID string) (*Client, error) {
	var c Client
	var ipList *string
	var authorized int
	var scopes, createdAt, updatedAt string

	err := row.Scan(
		&c.ClientID,
		&c.AccessKey,
		&c.PrivateCertificate,
		&c.PublicCertificate,
		&c.Passphrase,
		&ipList,
		&authorized,
		&scopes,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning client: %w", err)
	}

	aad := sealAAD(apiID, c.ClientID)
	if c.PrivateCertificate, err = s.sealer.Open(c.PrivateCertificate, aad); err != nil {
		return nil, fmt.Errorf("opening private certificate of %s: %w", c.ClientID, err)
	}
	if c.Passphrase, err = s.sealer.Open(c.Passphrase, aad); err != nil {
		return nil, fmt.Errorf("opening passphrase of %s: %w", c.ClientID, err)
	}

	if ipList != nil {
		if err := json.Unmarshal([]byte(*ipList), &c.IPAllowList); err != nil {
			return nil, fmt.Errorf("unmarshaling ip allow list: %w", err)
		}
		if c.IPAllowList == nil {
			c.IPAllowList = []string{}
		}
	}
	if err := json.Unmarshal([]byte(scopes), &c.Scopes); err != nil {
		return nil, fmt.Errorf("unmarshaling scopes: %w", err)
	}
	if c.Scopes == nil {
		c.Scopes = []string{}
	}
	c.Authorized = authorized != 0

	if c.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = time.Parse(timeFormat, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &c, nil
}

func sealAAD(apiID, clientID string) string {
	return apiID + "/" + clientID
}

func marshalScopes(scopes []string) (string, error) {
	if scopes == nil {
		scopes = []string{}
	}
	data, err := json.Marshal(scopes)
	if err != nil {
		return "", fmt.Errorf("marshaling scopes: %w", err)
	}
	return string(data), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
