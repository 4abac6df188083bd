// Package protocol is the typed Session Protocol Client: the four linking
// operations against the session store's callable surface.
package protocol

import (
	"context"
	"strings"

	"github.com/baytro/tenantlink/internal/linking/linkerr"
)

// Callable function names on the session store's RPC surface.
const (
	fnGenerate = "generateQrSession"
	fnScan     = "processQrScan"
	fnConfirm  = "confirmTenantLink"
	fnDecline  = "declineTenantLink"
)

// Invoker is the callable transport boundary.
type Invoker interface {
	Invoke(ctx context.Context, name string, in any, out any) error
}

// Client issues the four protocol operations. The caller identity travels in
// the transport's auth token; the client carries no identity of its own. All
// failures are *linkerr.Error and are never retried here: the calling
// coordinator decides what a failure means for the UI.
type Client struct {
	invoker Invoker
}

// NewClient wraps a callable invoker.
func NewClient(invoker Invoker) *Client {
	return &Client{invoker: invoker}
}

type sessionRequest struct {
	SessionID string `json:"sessionId"`
}

type generateRequest struct {
	ContractID string `json:"contractId"`
}

type generateResult struct {
	SessionID string `json:"sessionId"`
}

type scanResult struct {
	Status string `json:"status"`
}

// Generate creates one session in the Generated state for the contract and
// returns its id, the sole external reference to the session.
func (c *Client) Generate(ctx context.Context, contractID string) (string, error) {
	if err := c.ready(); err != nil {
		return "", err
	}
	contractID = strings.TrimSpace(contractID)
	if contractID == "" {
		return "", linkerr.New(linkerr.CodeInvalid, "contract id is required")
	}
	var out generateResult
	if err := c.invoker.Invoke(ctx, fnGenerate, generateRequest{ContractID: contractID}, &out); err != nil {
		return "", err
	}
	if out.SessionID == "" {
		return "", linkerr.New(linkerr.CodeUnknown, "backend returned no session id")
	}
	return out.SessionID, nil
}

// SubmitScan attaches the caller's identity to the session. Safe to retry:
// resubmitting a session already scanned by the same identity is a no-op
// success, since the caller may have lost the response to a prior call.
func (c *Client) SubmitScan(ctx context.Context, sessionID string) error {
	if err := c.ready(); err != nil {
		return err
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return linkerr.New(linkerr.CodeInvalid, "session id is required")
	}
	var out scanResult
	if err := c.invoker.Invoke(ctx, fnScan, sessionRequest{SessionID: sessionID}, &out); err != nil {
		return err
	}
	if out.Status != "success" {
		return linkerr.New(linkerr.CodeUnknown, "invalid response from server")
	}
	return nil
}

// Confirm approves the join request. The contract append and the session's
// terminal-state write are applied together on the backend; a partial result
// is a protocol bug, not a client state.
func (c *Client) Confirm(ctx context.Context, sessionID string) error {
	return c.decide(ctx, fnConfirm, sessionID)
}

// Decline rejects the join request.
func (c *Client) Decline(ctx context.Context, sessionID string) error {
	return c.decide(ctx, fnDecline, sessionID)
}

func (c *Client) decide(ctx context.Context, fn string, sessionID string) error {
	if err := c.ready(); err != nil {
		return err
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return linkerr.New(linkerr.CodeInvalid, "session id is required")
	}
	return c.invoker.Invoke(ctx, fn, sessionRequest{SessionID: sessionID}, nil)
}

func (c *Client) ready() error {
	if c == nil || c.invoker == nil {
		return linkerr.New(linkerr.CodeUnknown, "protocol client is not configured")
	}
	return nil
}
