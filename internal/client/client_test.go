// ABOUTME: Tests for the consumer client against a real gateway served by httptest
// ABOUTME: Covers enrollment errors, signed calls and rejection of bad response signatures

package client

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/aipim-gateway/internal/config"
	"github.com/2389/aipim-gateway/internal/cryptoops"
	"github.com/2389/aipim-gateway/internal/dispatch"
	"github.com/2389/aipim-gateway/internal/gateway"
)

var (
	pairOnce sync.Once
	pair     *cryptoops.KeyPair
	pairErr  error
)

func testPair(t *testing.T) *cryptoops.KeyPair {
	t.Helper()
	pairOnce.Do(func() {
		pair, pairErr = cryptoops.GenerateKeyPair(2048, "")
	})
	require.NoError(t, pairErr)
	return pair
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startGateway serves a loaded gateway with a "list" GET and an "echo" POST endpoint.
func startGateway(t *testing.T) (*gateway.Gateway, *httptest.Server) {
	t.Helper()
	cfg := &config.Config{
		Server:   config.ServerConfig{HTTPAddr: "127.0.0.1:0", MaxBodyBytes: config.DefaultMaxBodyBytes, ShutdownTimeout: time.Second},
		Database: config.DatabaseConfig{Path: ":memory:"},
		API:      config.APIConfig{Name: "orders", Version: "1.0.0"},
		Crypto:   config.CryptoConfig{Workers: 2},
	}
	gw, err := gateway.New(cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })
	require.NoError(t, gw.Load(t.Context()))

	require.NoError(t, gw.Declare(t.Context(), "GET", "list", "application/json", "application/json",
		func(ctx context.Context, input any) (any, error) {
			return map[string]any{"orders": []any{"o-1", "o-2"}}, nil
		}))
	require.NoError(t, gw.Declare(t.Context(), "POST", "echo", "application/json", "application/json",
		func(ctx context.Context, input any) (any, error) {
			return input, nil
		}))

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	return gw, srv
}

func newClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := New(baseURL, "orders", "1.0.0", WithLogger(testLogger()))
	require.NoError(t, err)
	return c
}

func enrollAndAuthorize(t *testing.T, gw *gateway.Gateway, c *Client, clientID string) Credentials {
	t.Helper()
	kp := testPair(t)
	key, err := c.Enroll(t.Context(), EnrollRequest{ClientID: clientID, PrivatePEM: kp.PrivatePEM, PublicPEM: kp.PublicPEM})
	require.NoError(t, err)
	require.NoError(t, gw.Registry().Authorize(t.Context(), "test", clientID, nil))
	return Credentials{ClientID: clientID, AccessKey: key, PublicPEM: kp.PublicPEM}
}

func TestNew_Validation(t *testing.T) {
	_, err := New("ftp://gw", "orders", "1.0.0")
	assert.Error(t, err)

	_, err = New("http://gw", "", "1.0.0")
	assert.Error(t, err)

	c, err := New("http://gw/", "orders", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "http://gw/aipim/orders/1.0.0/list", c.apiURL("1.0.0", "/list"))
}

func TestEnroll(t *testing.T) {
	_, srv := startGateway(t)
	c := newClient(t, srv.URL)
	kp := testPair(t)

	key, err := c.Enroll(t.Context(), EnrollRequest{ClientID: "acme", PrivatePEM: kp.PrivatePEM, PublicPEM: kp.PublicPEM, IP: []string{"127.0.0.1"}})
	require.NoError(t, err)
	assert.NotEmpty(t, key)

	_, err = c.Enroll(t.Context(), EnrollRequest{ClientID: "acme", PrivatePEM: kp.PrivatePEM, PublicPEM: kp.PublicPEM})
	assert.ErrorIs(t, err, ErrAlreadyEnrolled)

	_, err = c.Enroll(t.Context(), EnrollRequest{ClientID: "broken", PrivatePEM: "nope", PublicPEM: kp.PublicPEM})
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, StatusOf(err))
}

func TestCall_SignedRoundTrip(t *testing.T) {
	gw, srv := startGateway(t)
	c := newClient(t, srv.URL)
	creds := enrollAndAuthorize(t, gw, c, "acme")

	resp, err := c.Get(t.Context(), creds, "list")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.NotEmpty(t, resp.Signature)

	var out struct {
		Orders []string `json:"orders"`
	}
	require.NoError(t, resp.JSON(&out))
	assert.Equal(t, []string{"o-1", "o-2"}, out.Orders)

	resp, err = c.Post(t.Context(), creds, "echo", map[string]any{"item": "widget"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"item":"widget"}`, string(resp.Body))
}

func TestCall_GatewayErrors(t *testing.T) {
	gw, srv := startGateway(t)
	c := newClient(t, srv.URL)
	kp := testPair(t)

	key, err := c.Enroll(t.Context(), EnrollRequest{ClientID: "pending", PrivatePEM: kp.PrivatePEM, PublicPEM: kp.PublicPEM})
	require.NoError(t, err)
	pending := Credentials{ClientID: "pending", AccessKey: key, PublicPEM: kp.PublicPEM}
	authorized := enrollAndAuthorize(t, gw, c, "acme")

	tests := []struct {
		name   string
		creds  Credentials
		verb   string
		path   string
		status int
	}{
		{"not authorized", pending, http.MethodGet, "list", http.StatusUnauthorized},
		{"unknown client", Credentials{ClientID: "ghost", AccessKey: key, PublicPEM: kp.PublicPEM}, http.MethodGet, "list", http.StatusNotFound},
		{"unknown path", authorized, http.MethodGet, "missing", http.StatusNotFound},
		{"wrong verb", authorized, http.MethodPost, "list", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Call(t.Context(), tt.creds, tt.verb, tt.path, "application/json", []byte(`{"a":1}`))
			require.Error(t, err)
			assert.Equal(t, tt.status, StatusOf(err), err.Error())
		})
	}
}

func TestCall_MissingCredentials(t *testing.T) {
	c := newClient(t, "http://127.0.0.1:1")
	_, err := c.Get(t.Context(), Credentials{ClientID: "acme"}, "list")
	assert.Error(t, err)
}

func TestCall_RejectsBadSignature(t *testing.T) {
	kp := testPair(t)
	tests := []struct {
		name      string
		signature string
		want      error
	}{
		{"missing", "", ErrMissingSignature},
		{"forged", "c2lnbmF0dXJl", ErrBadSignature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.signature != "" {
					w.Header().Set(dispatch.HeaderSignature, tt.signature)
				}
				dispatch.WriteJSON(w, http.StatusOK, map[string]string{"ok": "yes"})
			}))
			t.Cleanup(srv.Close)

			c := newClient(t, srv.URL)
			_, err := c.Get(t.Context(), Credentials{ClientID: "acme", AccessKey: "k", PublicPEM: kp.PublicPEM}, "list")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
