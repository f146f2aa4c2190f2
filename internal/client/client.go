// ABOUTME: HTTP client for consumers of an aipim gateway: enrollment and signed calls
// ABOUTME: Builds the challenge headers and verifies the response signature on every success

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/2389/aipim-gateway/internal/auth"
	"github.com/2389/aipim-gateway/internal/cryptoops"
	"github.com/2389/aipim-gateway/internal/dispatch"
)

// DefaultTimeout bounds a single request when no http.Client is supplied.
const DefaultTimeout = 30 * time.Second

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 10 << 20

var (
	// ErrAlreadyEnrolled is returned by Enroll when the client id is taken.
	ErrAlreadyEnrolled = errors.New("client already enrolled")

	// ErrMissingSignature is returned when a successful response carries no signature.
	ErrMissingSignature = errors.New("response is not signed")

	// ErrBadSignature is returned when the response signature does not verify.
	ErrBadSignature = errors.New("response signature does not verify")
)

// APIError is a non-2xx answer from the gateway.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway returned %d", e.Status)
	}
	return fmt.Sprintf("gateway returned %d: %s", e.Status, e.Message)
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

// Credentials identify an enrolled client.
type Credentials struct {
	ClientID  string
	AccessKey string
	PublicPEM string
}

// Validate checks that all fields are present.
func (c Credentials) Validate() error {
	switch {
	case c.ClientID == "":
		return errors.New("client id is required")
	case c.AccessKey == "":
		return errors.New("access key is required")
	case c.PublicPEM == "":
		return errors.New("public certificate is required")
	}
	return nil
}

// EnrollRequest carries the key material sent to the ingress endpoint.
type EnrollRequest struct {
	ClientID   string
	PrivatePEM string
	PublicPEM  string
	IP         []string
	Passphrase string
}

// Response is a verified answer from a declared endpoint.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
	Signature   string
}

// JSON decodes the body into v.
func (r *Response) JSON(v any) error {
	if !dispatch.IsJSON(r.ContentType) {
		return fmt.Errorf("response is %q, not JSON", r.ContentType)
	}
	return json.Unmarshal(r.Body, v)
}

// Client talks to one API aggregate on one gateway.
type Client struct {
	baseURL    string
	apiName    string
	version    string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger used for request tracing.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a Client for the API apiName at version on the gateway at baseURL.
func New(baseURL, apiName, version string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing gateway url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("gateway url must be http or https, got %q", baseURL)
	}
	if apiName == "" {
		return nil, errors.New("api name is required")
	}

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiName:    apiName,
		version:    version,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "client", "api", apiName)
	return c, nil
}

func (c *Client) apiURL(parts ...string) string {
	segs := []string{c.baseURL, "aipim", url.PathEscape(c.apiName)}
	for _, p := range parts {
		segs = append(segs, strings.Trim(p, "/"))
	}
	return strings.Join(segs, "/")
}

// Enroll registers the client with the gateway and returns its access key.
// The client still needs an administrator to authorize it before calls succeed.
func (c *Client) Enroll(ctx context.Context, req EnrollRequest) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"client":             req.ClientID,
		"privateCertificate": req.PrivatePEM,
		"publicCertificate":  req.PublicPEM,
		"ip":                 req.IP,
		"passphrase":         req.Passphrase,
	})
	if err != nil {
		return "", fmt.Errorf("encoding enrollment: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL("ingress"), bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, body, err := c.do(httpReq)
	if err != nil {
		return "", err
	}
	if resp.StatusCode == http.StatusConflict {
		return "", ErrAlreadyEnrolled
	}
	if resp.StatusCode != http.StatusOK {
		return "", apiError(resp.StatusCode, body)
	}

	var out struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decoding enrollment response: %w", err)
	}
	if out.Key == "" {
		return "", errors.New("enrollment response has no key")
	}
	c.logger.Info("client enrolled", "client_id", req.ClientID)
	return out.Key, nil
}

// Get calls a declared GET endpoint.
func (c *Client) Get(ctx context.Context, creds Credentials, path string) (*Response, error) {
	return c.Call(ctx, creds, http.MethodGet, path, "application/json", nil)
}

// Post calls a declared POST endpoint with input encoded as JSON.
func (c *Client) Post(ctx context.Context, creds Credentials, path string, input any) (*Response, error) {
	payload, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encoding input: %w", err)
	}
	return c.Call(ctx, creds, http.MethodPost, path, "application/json", payload)
}

// Call sends a signed request to a declared endpoint and verifies the
// response signature. Non-2xx answers come back as *APIError.
func (c *Client) Call(ctx context.Context, creds Credentials, verb, path, contentType string, body []byte) (*Response, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}

	challenge, err := cryptoops.Encrypt(creds.AccessKey, creds.PublicPEM)
	if err != nil {
		return nil, fmt.Errorf("building challenge: %w", err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, strings.ToUpper(verb), c.apiURL(c.version, path), reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set(auth.HeaderClient, creds.ClientID)
	httpReq.Header.Set(auth.HeaderKey, creds.AccessKey)
	httpReq.Header.Set(auth.HeaderChallenge, challenge)

	resp, respBody, err := c.do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apiError(resp.StatusCode, respBody)
	}

	signature := resp.Header.Get(dispatch.HeaderSignature)
	if signature == "" {
		return nil, ErrMissingSignature
	}
	message := auth.CanonicalString(c.apiName, creds.ClientID, creds.AccessKey, c.version)
	ok, err := cryptoops.Verify(message, signature, creds.PublicPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !ok {
		return nil, ErrBadSignature
	}

	return &Response{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        respBody,
		Signature:   signature,
	}, nil
}

func (c *Client) do(req *http.Request) (*http.Response, []byte, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("reading response: %w", err)
	}
	c.logger.Debug("request done",
		"method", req.Method,
		"path", req.URL.Path,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)
	return resp, body, nil
}

func apiError(status int, body []byte) error {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Error == "" {
		return &APIError{Status: status, Message: strings.TrimSpace(string(body))}
	}
	return &APIError{Status: status, Message: payload.Error}
}
