// ABOUTME: Handler for config-declared endpoints that forwards authenticated calls upstream
// ABOUTME: JSON responses become structured output, other 2xx bodies pass through as strings

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/2389/aipim-gateway/internal/auth"
	"github.com/2389/aipim-gateway/internal/config"
	"github.com/2389/aipim-gateway/internal/dispatch"
)

// proxyHandler forwards the authenticated input of ep to its upstream URL.
func (g *Gateway) proxyHandler(ep config.EndpointConfig) dispatch.Handler {
	logger := g.logger.With("upstream", ep.Upstream, "path", ep.Path)
	maxBody := g.config.Server.MaxBodyBytes

	return func(ctx context.Context, input any) (any, error) {
		ctx, cancel := context.WithTimeout(ctx, ep.Timeout)
		defer cancel()

		var body io.Reader
		if ep.Verb == http.MethodPost {
			payload, err := json.Marshal(input)
			if err != nil {
				return nil, fmt.Errorf("encoding upstream request: %w", err)
			}
			body = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, ep.Verb, ep.Upstream, body)
		if err != nil {
			return nil, fmt.Errorf("creating upstream request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", ep.ProducedType)
		req.Header.Set(auth.HeaderClient, auth.ClientIDFromContext(ctx))

		resp, err := g.upstream.Do(req)
		if err != nil {
			logger.Warn("upstream unavailable", "error", err)
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, dispatch.NewError(http.StatusGatewayTimeout, "upstream timed out")
			}
			return nil, dispatch.NewError(http.StatusBadGateway, "upstream unavailable")
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody+1))
		if err != nil {
			return nil, dispatch.NewError(http.StatusBadGateway, "cannot read upstream response")
		}
		if int64(len(data)) > maxBody {
			return nil, dispatch.NewError(http.StatusBadGateway, "upstream response too large")
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			logger.Info("upstream rejected request", "status", resp.StatusCode)
			return nil, dispatch.NewError(http.StatusBadGateway, fmt.Sprintf("upstream returned %d", resp.StatusCode))
		}

		if len(bytes.TrimSpace(data)) == 0 {
			return nil, nil
		}
		if !dispatch.IsJSON(resp.Header.Get("Content-Type")) {
			return string(data), nil
		}

		if !dispatch.IsJSON(ep.ProducedType) {
			// keep JSON text for non-JSON produced types
			return string(data), nil
		}
		var out any
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&out); err != nil {
			return nil, dispatch.NewError(http.StatusBadGateway, "malformed upstream JSON")
		}
		switch out.(type) {
		case nil:
			return nil, nil
		case map[string]any, []any:
			return out, nil
		default:
			// scalars are forwarded verbatim
			return json.RawMessage(bytes.TrimSpace(data)), nil
		}
	}
}
