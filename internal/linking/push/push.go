// Package push bridges out-of-band push delivery into the local event relay.
package push

import (
	"context"
	"strings"

	"github.com/baytro/tenantlink/internal/linking/relay"
)

// Data keys and values carried in linking push messages. The only
// contractually relevant field is the contract id; the event field routes the
// message to the right relay channel and defaults to a confirmation when
// absent.
const (
	DataKeyContractID = "contractId"
	DataKeyEvent      = "event"
	EventJoinRequest  = "joinRequest"
)

// Message is a delivered push message. Push delivery is best-effort; a
// missed message is recovered by the coordinators' reconciliation on
// construction.
type Message struct {
	Title string
	Body  string
	Data  map[string]string
}

// Notification is an outbound push request handed to a Sender.
type Notification struct {
	Title string
	Body  string
	Data  map[string]string
}

// Sender delivers a notification to all devices registered for a user. The
// production implementation talks to the push relay service; tests substitute
// an in-process loopback.
type Sender interface {
	Send(ctx context.Context, userID string, n Notification) error
}

// Handler forwards delivered push messages onto the local event relay.
type Handler struct {
	relay *relay.Relay
}

// NewHandler creates a push handler publishing into the given relay.
func NewHandler(r *relay.Relay) *Handler {
	return &Handler{relay: r}
}

// HandleMessage routes one delivered message. Messages without a contract id
// are not linking events and are ignored.
func (h *Handler) HandleMessage(msg Message) {
	if h == nil || h.relay == nil {
		return
	}
	contractID := strings.TrimSpace(msg.Data[DataKeyContractID])
	if contractID == "" {
		return
	}
	if msg.Data[DataKeyEvent] == EventJoinRequest {
		h.relay.PublishJoinRequest(contractID)
		return
	}
	h.relay.PublishContractConfirmed(contractID)
}

// TokenRegistrar forwards rotated push tokens to the session store so the
// backend can address this installation.
type TokenRegistrar struct {
	invoker interface {
		Invoke(ctx context.Context, name string, in any, out any) error
	}
}

// NewTokenRegistrar creates a registrar over the callable transport.
func NewTokenRegistrar(invoker interface {
	Invoke(ctx context.Context, name string, in any, out any) error
}) *TokenRegistrar {
	return &TokenRegistrar{invoker: invoker}
}

type tokenRequest struct {
	PushToken string `json:"pushToken"`
}

// RegisterToken uploads a new device push token.
func (r *TokenRegistrar) RegisterToken(ctx context.Context, token string) error {
	if r == nil || r.invoker == nil {
		return nil
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}
	return r.invoker.Invoke(ctx, "updatePushToken", tokenRequest{PushToken: token}, nil)
}
