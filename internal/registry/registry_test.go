// ABOUTME: Tests for the registry: enrollment, endpoint declaration and authorization
// ABOUTME: Uses MockStore for failure injection and SQLiteStore for reload behavior

package registry

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/aipim-gateway/internal/cryptoops"
	"github.com/2389/aipim-gateway/internal/store"
)

var (
	pairOnce  sync.Once
	pair      *cryptoops.KeyPair
	otherPair *cryptoops.KeyPair
)

// testPairs returns two 2048-bit key pairs shared by every test in the package.
func testPairs(t *testing.T) (*cryptoops.KeyPair, *cryptoops.KeyPair) {
	t.Helper()
	pairOnce.Do(func() {
		var err error
		if pair, err = cryptoops.GenerateKeyPair(2048, ""); err != nil {
			panic(err)
		}
		if otherPair, err = cryptoops.GenerateKeyPair(2048, ""); err != nil {
			panic(err)
		}
	})
	return pair, otherPair
}

func enrollRequest(t *testing.T, clientID string) EnrollRequest {
	kp, _ := testPairs(t)
	return EnrollRequest{
		ClientID:           clientID,
		PrivateCertificate: kp.PrivatePEM,
		PublicCertificate:  kp.PublicPEM,
	}
}

func newLoadedRegistry(t *testing.T, s store.Store) *Registry {
	t.Helper()
	r, err := New(s, "orders", "1.0.0", nil)
	require.NoError(t, err)
	require.NoError(t, r.Load(context.Background()))
	return r
}

func TestNew_Validation(t *testing.T) {
	s := store.NewMockStore()

	r, err := New(s, "orders", "", nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultVersion, r.Version())
	assert.Equal(t, "orders", r.Name())
	assert.False(t, r.Loaded())

	for _, name := range []string{"", "Orders", "orders api", "orders/v1"} {
		_, err := New(s, name, "1.0.0", nil)
		assert.ErrorIs(t, err, ErrInvalidArgument, "name %q", name)
	}
	for _, version := range []string{"ingress", "admin", "1.0/beta"} {
		_, err := New(s, "orders", version, nil)
		assert.ErrorIs(t, err, ErrInvalidArgument, "version %q", version)
	}
	_, err = New(nil, "orders", "1.0.0", nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestOperationsBeforeLoad(t *testing.T) {
	r, err := New(store.NewMockStore(), "orders", "1.0.0", nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = r.Enroll(ctx, enrollRequest(t, "acme"))
	assert.ErrorIs(t, err, ErrNotInitialized)

	_, _, err = r.DeclareEndpoint(ctx, "GET", "list", "application/json", "application/json")
	assert.ErrorIs(t, err, ErrNotInitialized)

	_, err = r.LookupClient(ctx, "acme")
	assert.ErrorIs(t, err, ErrNotInitialized)

	assert.ErrorIs(t, r.Authorize(ctx, "admin", "acme", nil), ErrNotInitialized)
}

func TestEnroll(t *testing.T) {
	r := newLoadedRegistry(t, store.NewMockStore())
	ctx := context.Background()

	key, err := r.Enroll(ctx, enrollRequest(t, "acme"))
	require.NoError(t, err)
	_, err = uuid.Parse(key)
	assert.NoError(t, err, "access key must be a UUID")

	c, err := r.LookupClient(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, key, c.AccessKey)
	assert.False(t, c.Authorized)
	assert.Empty(t, c.Scopes)
	assert.NotNil(t, c.Scopes)
	assert.Nil(t, c.IPAllowList)
	assert.Equal(t, int64(1), r.Revision())
}

func TestEnroll_DuplicateIsRejectedDeterministically(t *testing.T) {
	r := newLoadedRegistry(t, store.NewMockStore())
	ctx := context.Background()

	first, err := r.Enroll(ctx, enrollRequest(t, "acme"))
	require.NoError(t, err)

	for range 3 {
		_, err := r.Enroll(ctx, enrollRequest(t, "acme"))
		assert.ErrorIs(t, err, ErrDuplicateClient)
	}

	c, err := r.LookupClient(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, first, c.AccessKey, "the original credential is untouched")
}

func TestEnroll_ThousandDistinctKeys(t *testing.T) {
	r := newLoadedRegistry(t, store.NewMockStore())
	ctx := context.Background()

	const n = 1000
	keys := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			keys[i], errs[i] = r.Enroll(ctx, enrollRequest(t, fmt.Sprintf("client-%04d", i)))
		}(i)
	}
	wg.Wait()

	seen := make(map[string]struct{}, n)
	for i := range n {
		require.NoError(t, errs[i])
		seen[keys[i]] = struct{}{}
	}
	assert.Len(t, seen, n)
	assert.Equal(t, int64(n), r.Revision())
	assert.Len(t, r.Clients(), n)
}

func TestEnroll_Validation(t *testing.T) {
	r := newLoadedRegistry(t, store.NewMockStore())
	_, other := testPairs(t)

	tests := map[string]func(req *EnrollRequest){
		"missing client":        func(req *EnrollRequest) { req.ClientID = "" },
		"whitespace client":     func(req *EnrollRequest) { req.ClientID = "ac me" },
		"missing private":       func(req *EnrollRequest) { req.PrivateCertificate = "" },
		"missing public":        func(req *EnrollRequest) { req.PublicCertificate = "  " },
		"empty allow list":      func(req *EnrollRequest) { req.IPAllowList = []string{} },
		"bad allow list entry":  func(req *EnrollRequest) { req.IPAllowList = []string{"10.0.0.1", "not-an-ip"} },
		"mismatched public key": func(req *EnrollRequest) { req.PublicCertificate = other.PublicPEM },
		"garbage private key":   func(req *EnrollRequest) { req.PrivateCertificate = "not a pem" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			req := enrollRequest(t, "acme")
			mutate(&req)
			_, err := r.Enroll(context.Background(), req)
			assert.ErrorIs(t, err, ErrInvalidArgument)
		})
	}
	assert.Empty(t, r.Clients())
}

func TestEnroll_ValidatesOnPool(t *testing.T) {
	s := store.NewMockStore()
	r, err := New(s, "orders", "1.0.0", nil, WithPool(cryptoops.NewPool(1)))
	require.NoError(t, err)
	require.NoError(t, r.Load(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Enroll(ctx, enrollRequest(t, "acme"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrInvalidArgument, "a canceled wait is not a bad key pair")
	assert.Equal(t, 0, s.Calls("AppendClient"))

	_, err = r.Enroll(context.Background(), enrollRequest(t, "acme"))
	require.NoError(t, err)
}

func TestEnroll_EncryptedKeyPair(t *testing.T) {
	kp, err := cryptoops.GenerateKeyPair(2048, "hunter2")
	require.NoError(t, err)
	r := newLoadedRegistry(t, store.NewMockStore())
	ctx := context.Background()

	req := EnrollRequest{ClientID: "acme", PrivateCertificate: kp.PrivatePEM, PublicCertificate: kp.PublicPEM}
	_, err = r.Enroll(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidArgument, "missing passphrase")

	req.Passphrase = "hunter2"
	_, err = r.Enroll(ctx, req)
	require.NoError(t, err)
}

func TestEnroll_AllowListAccepted(t *testing.T) {
	r := newLoadedRegistry(t, store.NewMockStore())
	req := enrollRequest(t, "acme")
	req.IPAllowList = []string{"192.168.1.10", " 10.0.0.0/8 ", "2001:db8::/32"}

	_, err := r.Enroll(context.Background(), req)
	require.NoError(t, err)

	c, err := r.LookupClient(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, []string{"192.168.1.10", "10.0.0.0/8", "2001:db8::/32"}, c.IPAllowList)
}

func TestEnroll_StoreFailureLeavesCacheUntouched(t *testing.T) {
	s := store.NewMockStore()
	r := newLoadedRegistry(t, s)
	ctx := context.Background()

	boom := errors.New("disk full")
	s.FailNext("AppendClient", boom)

	_, err := r.Enroll(ctx, enrollRequest(t, "acme"))
	require.ErrorIs(t, err, boom)

	_, err = r.LookupClient(ctx, "acme")
	assert.ErrorIs(t, err, ErrUnknownClient)
	assert.Empty(t, r.Clients())
	assert.Equal(t, int64(0), r.Revision())

	// The client can enroll once storage recovers
	_, err = r.Enroll(ctx, enrollRequest(t, "acme"))
	require.NoError(t, err)
}

func TestEnroll_RevisionConflictSurfaced(t *testing.T) {
	s := store.NewMockStore()
	r := newLoadedRegistry(t, s)
	ctx := context.Background()

	s.BumpRevision(r.currentAPIID())

	_, err := r.Enroll(ctx, enrollRequest(t, "acme"))
	require.ErrorIs(t, err, store.ErrConflict)
	assert.Equal(t, 1, s.Calls("AppendClient"), "conflicts are not retried")

	// The cache was resynced, so the next attempt succeeds
	assert.Equal(t, int64(1), r.Revision())
	_, err = r.Enroll(ctx, enrollRequest(t, "acme"))
	require.NoError(t, err)
}

func TestEnroll_AuditFailureDoesNotFail(t *testing.T) {
	s := store.NewMockStore()
	r := newLoadedRegistry(t, s)

	s.FailNext("AppendAuditLog", errors.New("audit down"))
	_, err := r.Enroll(context.Background(), enrollRequest(t, "acme"))
	require.NoError(t, err)
}

func TestLookupClient_ReadThrough(t *testing.T) {
	s := store.NewMockStore()
	r := newLoadedRegistry(t, s)
	ctx := context.Background()

	// Another process enrolls directly in storage
	_, err := s.AppendClient(ctx, r.currentAPIID(), 0, &store.Client{
		ClientID:  "elsewhere",
		AccessKey: "key-elsewhere",
	})
	require.NoError(t, err)

	c, err := r.LookupClient(ctx, "elsewhere")
	require.NoError(t, err)
	assert.Equal(t, "key-elsewhere", c.AccessKey)

	calls := s.Calls("GetClient")
	_, err = r.LookupClient(ctx, "elsewhere")
	require.NoError(t, err)
	assert.Equal(t, calls, s.Calls("GetClient"), "second lookup is served from cache")

	_, err = r.LookupClient(ctx, "nobody")
	assert.ErrorIs(t, err, ErrUnknownClient)
}

func TestLookupClient_ReturnsCopies(t *testing.T) {
	r := newLoadedRegistry(t, store.NewMockStore())
	ctx := context.Background()
	_, err := r.Enroll(ctx, enrollRequest(t, "acme"))
	require.NoError(t, err)
	require.NoError(t, r.Authorize(ctx, "admin", "acme", []string{"read"}))

	c, err := r.LookupClient(ctx, "acme")
	require.NoError(t, err)
	c.Scopes[0] = "write"
	c.Authorized = false

	again, err := r.LookupClient(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, []string{"read"}, again.Scopes)
	assert.True(t, again.Authorized)
}

func TestDeclareEndpoint(t *testing.T) {
	s := store.NewMockStore()
	r := newLoadedRegistry(t, s)
	ctx := context.Background()

	e, created, err := r.DeclareEndpoint(ctx, "get", "/list", "application/json", "application/json")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "GET", e.Verb)
	assert.Equal(t, "list", e.Path)

	again, created, err := r.DeclareEndpoint(ctx, "POST", "list", "text/plain", "text/plain")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "GET", again.Verb, "the first record is kept")
	assert.Equal(t, 1, s.Calls("AppendEndpoint"))

	got, ok := r.Endpoint("list")
	require.True(t, ok)
	assert.Equal(t, "application/json", got.AcceptedType)

	_, _, err = r.DeclareEndpoint(ctx, "POST", "create", "application/json", "application/json")
	require.NoError(t, err)
	eps := r.Endpoints()
	require.Len(t, eps, 2)
	assert.Equal(t, "list", eps[0].Path)
	assert.Equal(t, "create", eps[1].Path)
}

func TestDeclareEndpoint_Validation(t *testing.T) {
	r := newLoadedRegistry(t, store.NewMockStore())
	ctx := context.Background()

	_, _, err := r.DeclareEndpoint(ctx, "DELETE", "list", "application/json", "application/json")
	assert.ErrorIs(t, err, ErrUnsupportedVerb)

	for _, args := range [][4]string{
		{"", "list", "a/b", "a/b"},
		{"GET", "/", "a/b", "a/b"},
		{"GET", "list", "", "a/b"},
		{"GET", "list", "a/b", " "},
	} {
		_, _, err := r.DeclareEndpoint(ctx, args[0], args[1], args[2], args[3])
		assert.ErrorIs(t, err, ErrInvalidArgument, "args %v", args)
	}
	assert.Empty(t, r.Endpoints())
}

func TestDeclareEndpoint_StoreFailure(t *testing.T) {
	s := store.NewMockStore()
	r := newLoadedRegistry(t, s)

	s.FailNext("AppendEndpoint", errors.New("boom"))
	_, _, err := r.DeclareEndpoint(context.Background(), "GET", "list", "application/json", "application/json")
	require.Error(t, err)

	_, ok := r.Endpoint("list")
	assert.False(t, ok)
}

func TestAuthorizeAndRevoke(t *testing.T) {
	s := store.NewMockStore()
	r := newLoadedRegistry(t, s)
	ctx := context.Background()

	_, err := r.Enroll(ctx, enrollRequest(t, "acme"))
	require.NoError(t, err)

	require.NoError(t, r.Authorize(ctx, "root", "acme", []string{"orders:read"}))
	c, err := r.LookupClient(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, c.Authorized)
	assert.Equal(t, []string{"orders:read"}, c.Scopes)

	require.NoError(t, r.Revoke(ctx, "root", "acme"))
	c, err = r.LookupClient(ctx, "acme")
	require.NoError(t, err)
	assert.False(t, c.Authorized)
	assert.Equal(t, []string{"orders:read"}, c.Scopes, "revoke keeps scopes")

	assert.ErrorIs(t, r.Authorize(ctx, "root", "nobody", nil), ErrUnknownClient)

	entries, err := r.AuditLog(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, store.AuditRevokeClient, entries[0].Action)
	assert.Equal(t, store.AuditAuthorizeClient, entries[1].Action)
	assert.Equal(t, "root", entries[1].Actor)
	assert.Equal(t, store.AuditEnrollClient, entries[2].Action)

	summaries := r.Clients()
	require.Len(t, summaries, 1)
	assert.Equal(t, "acme", summaries[0].ClientID)
}

func TestAuthorize_StoreFailureLeavesCacheUntouched(t *testing.T) {
	s := store.NewMockStore()
	r := newLoadedRegistry(t, s)
	ctx := context.Background()
	_, err := r.Enroll(ctx, enrollRequest(t, "acme"))
	require.NoError(t, err)

	s.FailNext("UpdateClientAuthorization", errors.New("boom"))
	require.Error(t, r.Authorize(ctx, "root", "acme", nil))

	c, err := r.LookupClient(ctx, "acme")
	require.NoError(t, err)
	assert.False(t, c.Authorized)
}

func TestLoad_RestoresFromSQLite(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "aipim.db")
	ctx := context.Background()

	s1, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	r1 := newLoadedRegistry(t, s1)
	key, err := r1.Enroll(ctx, enrollRequest(t, "acme"))
	require.NoError(t, err)
	_, _, err = r1.DeclareEndpoint(ctx, "GET", "list", "application/json", "application/json")
	require.NoError(t, err)
	require.NoError(t, r1.Authorize(ctx, "root", "acme", []string{"read"}))
	require.NoError(t, s1.Close())

	s2, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s2.Close()
	r2 := newLoadedRegistry(t, s2)

	c, err := r2.LookupClient(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, key, c.AccessKey)
	assert.True(t, c.Authorized)
	_, ok := r2.Endpoint("list")
	assert.True(t, ok)
	assert.Equal(t, int64(3), r2.Revision())

	_, err = r2.Enroll(ctx, enrollRequest(t, "acme"))
	assert.ErrorIs(t, err, ErrDuplicateClient)
}

func TestLookupClient_SeesRevokeFromAnotherProcess(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "aipim.db")
	ctx := context.Background()

	s1, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s1.Close()
	r1 := newLoadedRegistry(t, s1)
	_, err = r1.Enroll(ctx, enrollRequest(t, "acme"))
	require.NoError(t, err)
	require.NoError(t, r1.Authorize(ctx, "root", "acme", nil))

	c, err := r1.LookupClient(ctx, "acme")
	require.NoError(t, err)
	require.True(t, c.Authorized)

	s2, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s2.Close()
	r2 := newLoadedRegistry(t, s2)
	require.NoError(t, r2.Revoke(ctx, "root", "acme"))

	c, err = r1.LookupClient(ctx, "acme")
	require.NoError(t, err)
	assert.False(t, c.Authorized, "revocation written by the other registry is visible")
	assert.Equal(t, r2.Revision(), r1.Revision())

	// r1 writes on top of the other process without a conflict
	require.NoError(t, r1.Authorize(ctx, "root", "acme", []string{"read"}))
	c, err = r2.LookupClient(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, c.Authorized)
	assert.Equal(t, []string{"read"}, c.Scopes)
}

func TestLookupClient_UnchangedRevisionServedFromCache(t *testing.T) {
	s := store.NewMockStore()
	r := newLoadedRegistry(t, s)
	ctx := context.Background()
	_, err := r.Enroll(ctx, enrollRequest(t, "acme"))
	require.NoError(t, err)

	loads := s.Calls("LoadAPI")
	for range 3 {
		_, err := r.LookupClient(ctx, "acme")
		require.NoError(t, err)
	}
	assert.Equal(t, loads, s.Calls("LoadAPI"))
	assert.Equal(t, 0, s.Calls("GetClient"))
}

func TestLookupClient_RevisionReadFailure(t *testing.T) {
	s := store.NewMockStore()
	r := newLoadedRegistry(t, s)
	ctx := context.Background()
	_, err := r.Enroll(ctx, enrollRequest(t, "acme"))
	require.NoError(t, err)

	boom := errors.New("db locked")
	s.FailNext("Revision", boom)
	_, err = r.LookupClient(ctx, "acme")
	require.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrUnknownClient)
}

func TestAuthorize_ResyncsBeforeWriting(t *testing.T) {
	s := store.NewMockStore()
	r := newLoadedRegistry(t, s)
	ctx := context.Background()
	_, err := r.Enroll(ctx, enrollRequest(t, "acme"))
	require.NoError(t, err)

	// Another writer authorizes the client directly in storage
	_, err = s.UpdateClientAuthorization(ctx, r.currentAPIID(), r.Revision(), "acme", store.Authorization{Authorized: true, Scopes: []string{"read"}})
	require.NoError(t, err)

	require.NoError(t, r.Revoke(ctx, "root", "acme"))
	assert.Equal(t, 2, s.Calls("UpdateClientAuthorization"), "no conflict, no retry")

	c, err := r.LookupClient(ctx, "acme")
	require.NoError(t, err)
	assert.False(t, c.Authorized)
}
