// ABOUTME: Request payload parsing middleware for declared endpoints
// ABOUTME: Decodes JSON bodies, keeps other media types as raw strings, stores the result in context

package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
)

// DefaultMaxBodyBytes bounds request bodies when no limit is configured.
const DefaultMaxBodyBytes int64 = 5 << 20

type inputKey struct{}

// WithInput stores the parsed request payload in ctx.
func WithInput(ctx context.Context, input any) context.Context {
	return context.WithValue(ctx, inputKey{}, input)
}

// InputFromContext returns the payload stored by ParsePayload, or nil.
func InputFromContext(ctx context.Context) any {
	return ctx.Value(inputKey{})
}

// MediaType returns the lower-cased media type of a content-type header value
// with parameters such as charset removed.
func MediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt, _, _ = strings.Cut(contentType, ";")
	}
	return strings.ToLower(strings.TrimSpace(mt))
}

// IsJSON reports whether contentType is application/json or a +json suffix type.
func IsJSON(contentType string) bool {
	mt := MediaType(contentType)
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

// ParsePayload reads at most maxBytes of the request body and stores the decoded
// value with WithInput. An empty body stores nil. Malformed JSON is rejected with 400
// and an oversized body with 413.
func ParsePayload(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBodyBytes
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body == nil {
				next.ServeHTTP(w, r)
				return
			}
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBytes))
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					WriteError(w, http.StatusRequestEntityTooLarge, "request body too large")
					return
				}
				WriteError(w, http.StatusBadRequest, "cannot read request body")
				return
			}

			input, err := decodePayload(r.Header.Get("Content-Type"), body)
			if err != nil {
				WriteError(w, http.StatusBadRequest, "malformed JSON body")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithInput(r.Context(), input)))
		})
	}
}

func decodePayload(contentType string, body []byte) (any, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	if !IsJSON(contentType) {
		return string(body), nil
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data after JSON value")
	}
	return v, nil
}
