// ABOUTME: Tests for payload parsing, verb dispatch, output rendering and the binding table
// ABOUTME: Uses httptest with a stub signer in place of the RSA signer

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/2389/aipim-gateway/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSigner struct {
	sig string
	err error
}

func (s stubSigner) SignResponse(ctx context.Context) (string, error) {
	return s.sig, s.err
}

func jsonEndpoint(verb Verb) store.Endpoint {
	return store.Endpoint{
		Verb:         verb.String(),
		Path:         "list",
		AcceptedType: "application/json",
		ProducedType: "application/json",
	}
}

func newChain(t *testing.T, endpoint store.Endpoint, h Handler, signer ResponseSigner) http.Handler {
	t.Helper()
	d, err := NewDispatcher(endpoint, h, signer, nil, nil)
	require.NoError(t, err)
	return ParsePayload(0)(d)
}

func TestParseVerb(t *testing.T) {
	tests := []struct {
		in      string
		want    Verb
		wantErr bool
	}{
		{"GET", VerbGet, false},
		{"get", VerbGet, false},
		{" Post ", VerbPost, false},
		{"PUT", "", true},
		{"delete", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseVerb(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnsupportedVerb)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMediaType(t *testing.T) {
	assert.Equal(t, "application/json", MediaType("Application/JSON; charset=utf-8"))
	assert.Equal(t, "text/plain", MediaType("text/plain"))
	assert.True(t, IsJSON("application/vnd.api+json"))
	assert.False(t, IsJSON("text/plain"))
}

func TestGetDispatch_StructuredOutputSigned(t *testing.T) {
	var gotInput any = "sentinel"
	h := func(ctx context.Context, input any) (any, error) {
		gotInput = input
		return []map[string]any{{"id": 1}}, nil
	}
	chain := newChain(t, jsonEndpoint(VerbGet), h, stubSigner{sig: "c2ln"})

	rec := httptest.NewRecorder()
	chain.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, gotInput, "GET handlers receive nil input")
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "c2ln", rec.Header().Get(HeaderSignature))
	assert.JSONEq(t, `[{"id":1}]`, rec.Body.String())
}

func TestPostDispatch_DecodedInput(t *testing.T) {
	var gotInput any
	h := func(ctx context.Context, input any) (any, error) {
		gotInput = input
		return "created", nil
	}
	ep := jsonEndpoint(VerbPost)
	ep.ProducedType = "text/plain"
	chain := newChain(t, ep, h, stubSigner{sig: "sig"})

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"sku":"A-1","qty":2}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	chain.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "created", rec.Body.String())
	m, ok := gotInput.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "A-1", m["sku"])
	assert.Equal(t, json.Number("2"), m["qty"])
}

func TestPostDispatch_EmptyInput(t *testing.T) {
	called := false
	h := func(ctx context.Context, input any) (any, error) {
		called = true
		return "x", nil
	}
	chain := newChain(t, jsonEndpoint(VerbPost), h, stubSigner{sig: "sig"})

	for name, body := range map[string]string{
		"no body":      "",
		"null":         "null",
		"blank":        "   ",
		"empty object": "{}",
		"empty array":  " [ ] ",
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			chain.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusForbidden, rec.Code)
			assert.JSONEq(t, `{"error":"empty input"}`, rec.Body.String())
		})
	}
	assert.False(t, called)
}

func TestPostDispatch_RawStringInput(t *testing.T) {
	var gotInput any
	h := func(ctx context.Context, input any) (any, error) {
		gotInput = input
		return "ok", nil
	}
	ep := jsonEndpoint(VerbPost)
	ep.AcceptedType = "text/plain"
	chain := newChain(t, ep, h, stubSigner{sig: "sig"})

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("hello"))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	chain.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", gotInput)
}

func TestParsePayload_Errors(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next must not run")
	})

	t.Run("malformed json", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":`))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		ParsePayload(0)(next).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("too large", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("a", 64)))
		req.Header.Set("Content-Type", "text/plain")
		rec := httptest.NewRecorder()
		ParsePayload(16)(next).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})
}

func TestDispatch_OutputRules(t *testing.T) {
	tests := []struct {
		name     string
		produced string
		output   any
		err      error
		status   int
		body     string
	}{
		{"nil output", "application/json", nil, nil, http.StatusForbidden, `{"error":"empty output"}`},
		{"nil map", "application/json", map[string]any(nil), nil, http.StatusForbidden, `{"error":"empty output"}`},
		{"number", "application/json", 42, nil, http.StatusInternalServerError, `{"error":"unsupported output"}`},
		{"bool", "text/plain", true, nil, http.StatusInternalServerError, `{"error":"unsupported output"}`},
		{"struct with text type", "text/plain", struct{ A int }{1}, nil, http.StatusInternalServerError, `{"error":"unsupported output"}`},
		{"handler error", "application/json", nil, errors.New("db down"), http.StatusInternalServerError, `{"error":"handler failed"}`},
		{"handler status", "application/json", nil, NewError(http.StatusConflict, "already shipped"), http.StatusConflict, `{"error":"already shipped"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := func(ctx context.Context, input any) (any, error) {
				return tt.output, tt.err
			}
			ep := jsonEndpoint(VerbGet)
			ep.ProducedType = tt.produced
			chain := newChain(t, ep, h, stubSigner{sig: "sig"})

			rec := httptest.NewRecorder()
			chain.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

			assert.Equal(t, tt.status, rec.Code)
			assert.JSONEq(t, tt.body, rec.Body.String())
			assert.Empty(t, rec.Header().Get(HeaderSignature))
		})
	}
}

func TestDispatch_StringPassThroughWithJSONType(t *testing.T) {
	h := func(ctx context.Context, input any) (any, error) {
		return `{"already":"encoded"}`, nil
	}
	chain := newChain(t, jsonEndpoint(VerbGet), h, stubSigner{sig: "sig"})

	rec := httptest.NewRecorder()
	chain.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"already":"encoded"}`, rec.Body.String())
}

func TestDispatch_SigningFailure(t *testing.T) {
	h := func(ctx context.Context, input any) (any, error) {
		return "ok", nil
	}
	chain := newChain(t, jsonEndpoint(VerbGet), h, stubSigner{err: errors.New("bad key")})

	rec := httptest.NewRecorder()
	chain.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"cannot sign response"}`, rec.Body.String())
}

func TestNewDispatcher_Validation(t *testing.T) {
	h := func(ctx context.Context, input any) (any, error) { return "x", nil }

	_, err := NewDispatcher(store.Endpoint{Verb: "PUT"}, h, stubSigner{}, nil, nil)
	assert.ErrorIs(t, err, ErrUnsupportedVerb)

	_, err = NewDispatcher(jsonEndpoint(VerbGet), nil, stubSigner{}, nil, nil)
	assert.Error(t, err)

	_, err = NewDispatcher(jsonEndpoint(VerbGet), h, nil, nil, nil)
	assert.Error(t, err)
}

func TestTable(t *testing.T) {
	table := NewTable()
	handler := func(body string) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(body))
		})
	}
	table.Bind("/list/", &Binding{Verb: VerbGet, Endpoint: jsonEndpoint(VerbGet), Handler: handler("first")})

	served := table.Handler(func(r *http.Request) string { return r.URL.Path })

	rec := httptest.NewRecorder()
	served.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/list", nil))
	assert.Equal(t, "first", rec.Body.String())

	// Rebinding replaces the handler
	table.Bind("list", &Binding{Verb: VerbGet, Endpoint: jsonEndpoint(VerbGet), Handler: handler("second")})
	rec = httptest.NewRecorder()
	served.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/list", nil))
	assert.Equal(t, "second", rec.Body.String())

	rec = httptest.NewRecorder()
	served.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/list", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "GET", rec.Header().Get("Allow"))

	rec = httptest.NewRecorder()
	served.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	assert.Equal(t, []string{"list"}, table.Paths())
}
