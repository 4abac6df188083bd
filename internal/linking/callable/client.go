// Package callable implements the JSON-over-HTTPS callable protocol the
// session store exposes its remote procedures through.
//
// Every operation is a POST to <base>/<function> with an envelope of the form
// {"data": ...}. A successful call answers {"result": ...}; a failed call
// answers a non-2xx status with {"error": {"status": "<CODE>", "message":
// "..."}} where the status field carries a canonical gRPC code name.
package callable

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/grpc/codes"

	"github.com/baytro/tenantlink/internal/linking/linkerr"
)

const defaultTimeout = 30 * time.Second

// TokenSource supplies the bearer token attached to each call. Returning an
// empty token makes the call anonymous; the backend then rejects operations
// that require an identity.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken returns a TokenSource that always yields the given token.
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) { return token, nil }
}

// Client invokes callable functions against a base URL.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      TokenSource
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTokenSource sets the auth token source.
func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) { c.token = ts }
}

// NewClient creates a callable client for the given base URL. Outbound
// requests are traced when a global tracer provider is registered.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type requestEnvelope struct {
	Data any `json:"data"`
}

type responseEnvelope struct {
	Result json.RawMessage `json:"result"`
	Error  *wireError      `json:"error"`
}

type wireError struct {
	Status  codes.Code `json:"status"`
	Message string     `json:"message"`
}

// Invoke calls the named function with the given payload and decodes the
// result into out when out is non-nil. Failures are returned as
// *linkerr.Error; the client never retries on its own.
func (c *Client) Invoke(ctx context.Context, name string, in any, out any) error {
	if c == nil {
		return linkerr.New(linkerr.CodeUnknown, "callable client is not configured")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return linkerr.New(linkerr.CodeInvalid, "function name is required")
	}

	body, err := json.Marshal(requestEnvelope{Data: in})
	if err != nil {
		return linkerr.Wrap(linkerr.CodeInvalid, "encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+name, bytes.NewReader(body))
	if err != nil {
		return linkerr.Wrap(linkerr.CodeUnknown, "create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != nil {
		token, tokenErr := c.token(ctx)
		if tokenErr != nil {
			return linkerr.Wrap(linkerr.CodeUnauthenticated, "resolve auth token", tokenErr)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return linkerr.Wrap(linkerr.CodeUnknown, fmt.Sprintf("call %s", name), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return linkerr.Wrap(linkerr.CodeUnknown, "read response", err)
	}

	var envelope responseEnvelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &envelope); err != nil {
			return linkerr.New(linkerr.CodeUnknown, fmt.Sprintf("malformed response from %s: %s", name, truncate(raw, 200)))
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if envelope.Error != nil {
			return linkerr.FromGRPCCode(envelope.Error.Status, envelope.Error.Message)
		}
		return linkerr.New(linkerr.CodeUnknown, fmt.Sprintf("%s returned HTTP %d", name, resp.StatusCode))
	}

	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return linkerr.Wrap(linkerr.CodeUnknown, fmt.Sprintf("decode %s result", name), err)
		}
	}
	return nil
}

func truncate(raw []byte, limit int) string {
	if len(raw) <= limit {
		return string(raw)
	}
	return string(raw[:limit]) + "…"
}
