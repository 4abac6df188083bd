// Package tenant drives the joining side of the linking flow: decoding a
// photographed code, submitting the join request, and waiting for the
// landlord's confirmation.
package tenant

import (
	"context"
	"errors"
	"image"
	"strings"
	"sync"
)

// State describes the tenant coordinator's flow position.
type State int

const (
	// StateIdle indicates no join attempt is in progress.
	StateIdle State = iota
	// StateDecoding indicates an image is being decoded locally.
	StateDecoding
	// StateSubmitting indicates the scan call is awaiting the backend.
	StateSubmitting
	// StateWaiting indicates the join request is awaiting the landlord's decision.
	StateWaiting
	// StateResolved indicates the tenant is linked to a contract.
	StateResolved
	// StateFailed indicates the last attempt failed; Reset returns to Idle.
	StateFailed
)

// ScanSubmitter issues the scan protocol call.
type ScanSubmitter interface {
	SubmitScan(ctx context.Context, sessionID string) error
}

// Decoder extracts a session id from a photographed code.
type Decoder interface {
	Decode(img image.Image) (string, error)
}

// Identity names the calling user.
type Identity interface {
	CurrentUserID() string
}

// SessionQuerier answers whether the user has a join request awaiting a
// decision.
type SessionQuerier interface {
	HasScannedSession(ctx context.Context, tenantID string) (bool, error)
}

// ContractQuerier answers which contract, if any, lists the tenant.
type ContractQuerier interface {
	ActiveContractID(ctx context.Context, tenantID string) (string, error)
}

// Config carries the coordinator's collaborators.
type Config struct {
	Submitter ScanSubmitter
	Decoder   Decoder
	Identity  Identity
	Sessions  SessionQuerier
	Contracts ContractQuerier
	// ConfirmedEvents subscribes to the relay's contract-confirmed channel.
	ConfirmedEvents func() (<-chan string, func())
}

var (
	// ErrMissingSubmitter indicates a missing scan submitter.
	ErrMissingSubmitter = errors.New("scan submitter is required")
	// ErrMissingDecoder indicates a missing code decoder.
	ErrMissingDecoder = errors.New("decoder is required")
	// ErrMissingIdentity indicates a missing identity source.
	ErrMissingIdentity = errors.New("identity is required")
)

const invalidCodeMessage = "invalid code"

// Coordinator owns one user's tenant-side linking state.
//
// Construction reconciles against the store: an already-linked tenant starts
// Resolved, a tenant with an undecided join request starts Waiting. A decline
// produces no event on any channel; a Waiting coordinator learns of it only
// by this reconciliation on next construction.
type Coordinator struct {
	submitter ScanSubmitter
	decoder   Decoder
	identity  Identity

	mu         sync.Mutex
	state      State
	contractID string
	failure    string

	cancelEvents func()
	done         chan struct{}
	wg           sync.WaitGroup
}

// NewCoordinator reconciles initial state and starts the confirmation
// listener. Close stops the listener.
func NewCoordinator(ctx context.Context, cfg Config) (*Coordinator, error) {
	if cfg.Submitter == nil {
		return nil, ErrMissingSubmitter
	}
	if cfg.Decoder == nil {
		return nil, ErrMissingDecoder
	}
	if cfg.Identity == nil {
		return nil, ErrMissingIdentity
	}

	c := &Coordinator{
		submitter: cfg.Submitter,
		decoder:   cfg.Decoder,
		identity:  cfg.Identity,
		state:     StateIdle,
		done:      make(chan struct{}),
	}

	userID := cfg.Identity.CurrentUserID()
	if cfg.Contracts != nil {
		contractID, err := cfg.Contracts.ActiveContractID(ctx, userID)
		if err != nil {
			return nil, err
		}
		if contractID != "" {
			c.state = StateResolved
			c.contractID = contractID
		}
	}
	if c.state == StateIdle && cfg.Sessions != nil {
		pending, err := cfg.Sessions.HasScannedSession(ctx, userID)
		if err != nil {
			return nil, err
		}
		if pending {
			c.state = StateWaiting
		}
	}

	if cfg.ConfirmedEvents != nil {
		events, cancel := cfg.ConfirmedEvents()
		c.cancelEvents = cancel
		c.wg.Add(1)
		go c.listen(events)
	}
	return c, nil
}

// Close stops the confirmation listener.
func (c *Coordinator) Close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return
	default:
	}
	close(c.done)
	c.mu.Unlock()

	if c.cancelEvents != nil {
		c.cancelEvents()
	}
	c.wg.Wait()
}

func (c *Coordinator) listen(events <-chan string) {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case contractID, ok := <-events:
			if !ok {
				return
			}
			c.resolve(contractID)
		}
	}
}

// resolve moves a pending attempt to Resolved. An event landing after the
// coordinator already resolved, or while Idle, is a no-op: the event and the
// construction-time poll are idempotent reads of the same truth.
func (c *Coordinator) resolve(contractID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateWaiting, StateSubmitting:
		c.state = StateResolved
		c.contractID = contractID
	}
}

// SubmitFromImage decodes the image and submits the join request. Decode
// failures are local and never reach the remote layer.
func (c *Coordinator) SubmitFromImage(ctx context.Context, img image.Image) {
	c.mu.Lock()
	switch c.state {
	case StateIdle, StateFailed:
	default:
		c.mu.Unlock()
		return
	}
	c.state = StateDecoding
	c.failure = ""
	c.mu.Unlock()

	sessionID, err := c.decoder.Decode(img)
	if err != nil {
		c.fail(invalidCodeMessage)
		return
	}
	c.Submit(ctx, sessionID)
}

// Submit sends the scan call for an already-decoded session id.
func (c *Coordinator) Submit(ctx context.Context, sessionID string) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		c.fail(invalidCodeMessage)
		return
	}

	c.mu.Lock()
	switch c.state {
	case StateIdle, StateFailed, StateDecoding:
	default:
		c.mu.Unlock()
		return
	}
	c.state = StateSubmitting
	c.failure = ""
	c.mu.Unlock()

	err := c.submitter.SubmitScan(ctx, sessionID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateSubmitting {
		// A confirmation event won the race; keep the resolved state.
		return
	}
	if err != nil {
		c.state = StateFailed
		c.failure = err.Error()
		return
	}
	c.state = StateWaiting
}

func (c *Coordinator) fail(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateFailed
	c.failure = reason
}

// Reset returns a failed attempt to Idle.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateFailed {
		c.state = StateIdle
		c.failure = ""
	}
}

// Snapshot returns the current state, the linked contract id when Resolved,
// and the failure reason when Failed.
func (c *Coordinator) Snapshot() (State, string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.contractID, c.failure
}
