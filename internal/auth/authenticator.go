// ABOUTME: Per-request challenge-response authenticator for declared endpoints
// ABOUTME: Runs the ordered checks, maps the first failure to an Outcome and HTTP status

package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/2389/aipim-gateway/internal/cryptoops"
	"github.com/2389/aipim-gateway/internal/dedupe"
	"github.com/2389/aipim-gateway/internal/dispatch"
	"github.com/2389/aipim-gateway/internal/metrics"
	"github.com/2389/aipim-gateway/internal/registry"
	"github.com/2389/aipim-gateway/internal/store"
)

// Request headers of the AIPIM protocol.
const (
	HeaderClient    = "X-Aipim-Client"
	HeaderKey       = "X-Aipim-Key"
	HeaderChallenge = "X-Aipim"
)

// Outcome is the result of authenticating one request.
type Outcome int

const (
	OutcomePass Outcome = iota
	OutcomeHeadersMissing
	OutcomeUnknownClient
	OutcomeUnauthorized
	OutcomeContentTypeMismatch
	OutcomeKeyMismatch
	OutcomeChallengeFailed
	OutcomeCryptoError
	OutcomeForbidden
	OutcomeChallengeReplayed
	OutcomeInternal
)

var outcomeInfo = map[Outcome]struct {
	label   string
	status  int
	message string
}{
	OutcomePass:                {"pass", http.StatusOK, ""},
	OutcomeHeadersMissing:      {"headers_missing", http.StatusBadRequest, "missing authentication headers"},
	OutcomeUnknownClient:       {"unknown_client", http.StatusNotFound, "unknown client"},
	OutcomeUnauthorized:        {"unauthorized", http.StatusUnauthorized, "client not authorized"},
	OutcomeContentTypeMismatch: {"content_type_mismatch", http.StatusBadRequest, "content type not accepted"},
	OutcomeKeyMismatch:         {"key_mismatch", http.StatusUnauthorized, "access key mismatch"},
	OutcomeChallengeFailed:     {"challenge_failed", http.StatusUnauthorized, "challenge failed"},
	OutcomeCryptoError:         {"crypto_error", http.StatusInternalServerError, "cannot verify challenge"},
	OutcomeForbidden:           {"forbidden", http.StatusForbidden, "address not allowed"},
	OutcomeChallengeReplayed:   {"challenge_replayed", http.StatusUnauthorized, "challenge replayed"},
	OutcomeInternal:            {"internal", http.StatusInternalServerError, "internal error"},
}

// String returns the snake_case label used in logs and metrics.
func (o Outcome) String() string {
	if info, ok := outcomeInfo[o]; ok {
		return info.label
	}
	return "unknown"
}

// Status returns the HTTP status for the outcome.
func (o Outcome) Status() int {
	if info, ok := outcomeInfo[o]; ok {
		return info.status
	}
	return http.StatusInternalServerError
}

// Message returns the fixed error message sent to the caller.
func (o Outcome) Message() string {
	if info, ok := outcomeInfo[o]; ok {
		return info.message
	}
	return "internal error"
}

// ClientLookup resolves client credentials. *registry.Registry implements it.
type ClientLookup interface {
	LookupClient(ctx context.Context, clientID string) (store.Client, error)
}

// Options configures the optional checks of an Authenticator.
type Options struct {
	// EnforceIPAllowList rejects callers outside a client's allow-list with 403.
	EnforceIPAllowList bool
	// TrustForwardedFor takes the caller address from X-Forwarded-For.
	TrustForwardedFor bool
	// Replay, when set, rejects challenges already seen within its window.
	Replay  *dedupe.Cache
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Authenticator verifies the challenge-response headers of each request.
type Authenticator struct {
	clients ClientLookup
	pool    *cryptoops.Pool
	opts    Options
	logger  *slog.Logger
}

// NewAuthenticator creates an authenticator over clients using pool for RSA work.
func NewAuthenticator(clients ClientLookup, pool *cryptoops.Pool, opts Options) *Authenticator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		clients: clients,
		pool:    pool,
		opts:    opts,
		logger:  logger.With("component", "auth"),
	}
}

// Authenticate runs the checks in order and returns the first failing outcome.
// On OutcomePass the returned credential belongs to the caller.
func (a *Authenticator) Authenticate(r *http.Request, endpoint store.Endpoint) (store.Client, Outcome, error) {
	ctx := r.Context()
	clientID := r.Header.Get(HeaderClient)
	key := r.Header.Get(HeaderKey)
	challenge := r.Header.Get(HeaderChallenge)
	contentType := r.Header.Get("Content-Type")

	// 1. headers
	if clientID == "" || key == "" || challenge == "" || contentType == "" {
		return store.Client{}, OutcomeHeadersMissing, nil
	}

	// 2. client
	client, err := a.clients.LookupClient(ctx, clientID)
	if errors.Is(err, registry.ErrUnknownClient) {
		return store.Client{}, OutcomeUnknownClient, nil
	}
	if err != nil {
		return store.Client{}, OutcomeInternal, err
	}

	// 3. authorization
	if !client.Authorized {
		return store.Client{}, OutcomeUnauthorized, nil
	}

	// 4. content type
	if dispatch.MediaType(contentType) != dispatch.MediaType(endpoint.AcceptedType) {
		return store.Client{}, OutcomeContentTypeMismatch, nil
	}

	// 5. access key
	if subtle.ConstantTimeCompare([]byte(key), []byte(client.AccessKey)) != 1 {
		return store.Client{}, OutcomeKeyMismatch, nil
	}

	// 6. challenge
	plaintext, err := a.pool.Decrypt(ctx, challenge, client.PrivateCertificate, client.Passphrase)
	if err != nil {
		return store.Client{}, OutcomeCryptoError, err
	}
	if subtle.ConstantTimeCompare([]byte(plaintext), []byte(client.AccessKey)) != 1 {
		return store.Client{}, OutcomeChallengeFailed, nil
	}

	// 7. allow-list
	if a.opts.EnforceIPAllowList && client.IPAllowList != nil {
		addr, ok := remoteAddr(r, a.opts.TrustForwardedFor)
		if !ok || !allowed(addr, client.IPAllowList) {
			return store.Client{}, OutcomeForbidden, nil
		}
	}

	// 8. replay
	if a.opts.Replay != nil && a.opts.Replay.Seen(client.ClientID, challenge) {
		return store.Client{}, OutcomeChallengeReplayed, nil
	}

	return client, OutcomePass, nil
}

// Middleware authenticates requests for endpoint and stores the credential in
// the request context on success.
func (a *Authenticator) Middleware(endpoint store.Endpoint) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client, outcome, err := a.Authenticate(r, endpoint)
			a.opts.Metrics.AuthOutcome(outcome.String())

			attrs := []any{
				"outcome", outcome.String(),
				"path", endpoint.Path,
				"client_id", r.Header.Get(HeaderClient),
				"remote", r.RemoteAddr,
			}
			switch {
			case outcome == OutcomePass:
				a.logger.Debug("request authenticated", attrs...)
				next.ServeHTTP(w, r.WithContext(WithCredential(r.Context(), client)))
				return
			case err != nil:
				a.logger.Error("authentication failed", append(attrs, "error", err)...)
			default:
				a.logger.Info("authentication rejected", attrs...)
			}
			dispatch.WriteError(w, outcome.Status(), outcome.Message())
		})
	}
}

// remoteAddr returns the caller address, optionally from X-Forwarded-For.
func remoteAddr(r *http.Request, trustForwarded bool) (netip.Addr, bool) {
	if trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if addr, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
				return addr.Unmap(), true
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

func allowed(addr netip.Addr, list []string) bool {
	for _, entry := range list {
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err == nil && prefix.Contains(addr) {
				return true
			}
			continue
		}
		if allowedAddr, err := netip.ParseAddr(entry); err == nil && allowedAddr.Unmap() == addr {
			return true
		}
	}
	return false
}
