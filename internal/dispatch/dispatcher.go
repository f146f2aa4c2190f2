// ABOUTME: GET and POST dispatchers that invoke business handlers and sign their output
// ABOUTME: Validates the handler result, encodes it for the produced type and attaches the signature

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"time"

	"github.com/2389/aipim-gateway/internal/metrics"
	"github.com/2389/aipim-gateway/internal/store"
)

// HeaderSignature carries the response signature.
const HeaderSignature = "X-Aipim-Signature"

var (
	errEmptyOutput       = errors.New("empty output")
	errUnsupportedOutput = errors.New("unsupported output type")
)

// ResponseSigner produces the signature for the authenticated caller of ctx.
type ResponseSigner interface {
	SignResponse(ctx context.Context) (string, error)
}

// Dispatcher invokes one bound handler.
type Dispatcher struct {
	verb     Verb
	endpoint store.Endpoint
	handler  Handler
	signer   ResponseSigner
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewDispatcher creates the terminal handler of an endpoint chain.
// metrics may be nil.
func NewDispatcher(endpoint store.Endpoint, handler Handler, signer ResponseSigner, m *metrics.Metrics, logger *slog.Logger) (*Dispatcher, error) {
	verb, err := ParseVerb(endpoint.Verb)
	if err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	if signer == nil {
		return nil, errors.New("signer is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		verb:     verb,
		endpoint: endpoint,
		handler:  handler,
		signer:   signer,
		metrics:  m,
		logger:   logger.With("component", "dispatch", "path", endpoint.Path),
	}, nil
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status := d.serve(w, r)
	d.metrics.ObserveDispatch(d.verb.String(), status, time.Since(start))
}

func (d *Dispatcher) serve(w http.ResponseWriter, r *http.Request) int {
	ctx := r.Context()

	var input any
	if d.verb == VerbPost {
		input = InputFromContext(ctx)
		if isEmptyInput(input) {
			WriteError(w, http.StatusForbidden, "empty input")
			return http.StatusForbidden
		}
	}

	output, err := d.handler(ctx, input)
	if err != nil {
		var herr *Error
		if errors.As(err, &herr) && herr.Status >= 400 && herr.Status <= 599 {
			d.logger.Info("handler returned error", "status", herr.Status, "error", herr.Message)
			WriteError(w, herr.Status, herr.Message)
			return herr.Status
		}
		d.logger.Error("handler failed", "error", err)
		WriteError(w, http.StatusInternalServerError, "handler failed")
		return http.StatusInternalServerError
	}

	body, err := renderOutput(output, d.endpoint.ProducedType)
	switch {
	case errors.Is(err, errEmptyOutput):
		d.logger.Warn("handler returned no output")
		WriteError(w, http.StatusForbidden, "empty output")
		return http.StatusForbidden
	case err != nil:
		d.logger.Error("cannot render handler output", "error", err, "produced_type", d.endpoint.ProducedType)
		WriteError(w, http.StatusInternalServerError, "unsupported output")
		return http.StatusInternalServerError
	}

	signature, err := d.signer.SignResponse(ctx)
	if err != nil {
		d.logger.Error("cannot sign response", "error", err)
		WriteError(w, http.StatusInternalServerError, "cannot sign response")
		return http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", d.endpoint.ProducedType)
	w.Header().Set(HeaderSignature, signature)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		d.logger.Debug("writing response body", "error", err)
	}
	return http.StatusOK
}

// isEmptyInput treats a missing body, JSON null, a blank string, {} and [] as empty.
func isEmptyInput(input any) bool {
	switch v := input.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case map[string]any:
		return len(v) == 0
	case []any:
		return len(v) == 0
	default:
		return false
	}
}

// renderOutput encodes a handler result for the produced content type.
// Strings and byte slices pass through; structured values require a JSON produced type.
func renderOutput(output any, producedType string) ([]byte, error) {
	switch v := output.(type) {
	case nil:
		return nil, errEmptyOutput
	case string:
		return []byte(v), nil
	case json.RawMessage:
		return []byte(v), nil
	case []byte:
		return v, nil
	}

	rv := reflect.ValueOf(output)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, errEmptyOutput
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		if !IsJSON(producedType) {
			return nil, fmt.Errorf("%w: structured %T with produced type %q", errUnsupportedOutput, output, producedType)
		}
		if (rv.Kind() == reflect.Map || rv.Kind() == reflect.Slice) && rv.IsNil() {
			return nil, errEmptyOutput
		}
		body, err := json.Marshal(output)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errUnsupportedOutput, err)
		}
		return body, nil
	default:
		return nil, fmt.Errorf("%w: %T", errUnsupportedOutput, output)
	}
}
