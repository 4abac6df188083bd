// Package landlord drives the contract owner's side of the linking flow: code
// generation, the live pending-request list, and the approve/reject decisions.
package landlord

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/baytro/tenantlink/internal/linking/domain"
)

// GenerationState describes the code-generation state machine, independent of
// the pending-request list.
type GenerationState int

const (
	// GenerationIdle indicates no code is displayed and none is being produced.
	GenerationIdle GenerationState = iota
	// GenerationInProgress indicates a generate call is awaiting the backend.
	GenerationInProgress
	// GenerationReady indicates a fresh session id is available for rendering.
	GenerationReady
	// GenerationFailed indicates the last generate call failed.
	GenerationFailed
)

// LinkClient is the protocol surface the coordinator drives.
type LinkClient interface {
	Generate(ctx context.Context, contractID string) (string, error)
	Confirm(ctx context.Context, sessionID string) error
	Decline(ctx context.Context, sessionID string) error
}

// SessionWatcher delivers full replace-the-set snapshots of the contract's
// scanned sessions.
type SessionWatcher interface {
	WatchScanned(ctx context.Context, contractID string) (<-chan []domain.QrSession, func(), error)
}

// UserDirectory resolves tenant ids to display profiles.
type UserDirectory interface {
	GetUser(ctx context.Context, userID string) (domain.UserProfile, error)
}

// Config carries the coordinator's collaborators.
type Config struct {
	ContractID string
	Client     LinkClient
	Watcher    SessionWatcher
	Directory  UserDirectory
	// JoinEvents optionally subscribes to the relay's join-request channel so
	// a displayed code is cleared the moment a scan lands, without waiting
	// for the next snapshot. The watcher remains the source of truth.
	JoinEvents func() (<-chan string, func())
}

var (
	// ErrEmptyContractID indicates a missing contract id.
	ErrEmptyContractID = errors.New("contract id is required")
	// ErrMissingClient indicates a missing protocol client.
	ErrMissingClient = errors.New("link client is required")
	// ErrMissingWatcher indicates a missing session watcher.
	ErrMissingWatcher = errors.New("session watcher is required")
)

// Coordinator owns one contract's landlord-side linking state. All state is
// guarded by one mutex; the snapshot goroutine and the UI-facing methods are
// the only writers.
type Coordinator struct {
	contractID string
	client     LinkClient
	directory  UserDirectory

	mu          sync.Mutex
	generation  GenerationState
	sessionID   string
	failure     string
	pending     []domain.PendingJoinRequest
	confirming  map[string]struct{}
	declining   map[string]struct{}
	decisionErr error

	cancelWatch func()
	cancelJoin  func()
	done        chan struct{}
	wg          sync.WaitGroup
}

// NewCoordinator subscribes to the contract's scanned sessions and starts the
// snapshot loop. Close releases the subscription.
func NewCoordinator(ctx context.Context, cfg Config) (*Coordinator, error) {
	cfg.ContractID = strings.TrimSpace(cfg.ContractID)
	if cfg.ContractID == "" {
		return nil, ErrEmptyContractID
	}
	if cfg.Client == nil {
		return nil, ErrMissingClient
	}
	if cfg.Watcher == nil {
		return nil, ErrMissingWatcher
	}

	snapshots, cancelWatch, err := cfg.Watcher.WatchScanned(ctx, cfg.ContractID)
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		contractID:  cfg.ContractID,
		client:      cfg.Client,
		directory:   cfg.Directory,
		confirming:  make(map[string]struct{}),
		declining:   make(map[string]struct{}),
		cancelWatch: cancelWatch,
		done:        make(chan struct{}),
	}

	var joinEvents <-chan string
	if cfg.JoinEvents != nil {
		joinEvents, c.cancelJoin = cfg.JoinEvents()
	}

	c.wg.Add(1)
	go c.run(ctx, snapshots, joinEvents)
	return c, nil
}

// Close tears down the subscription and stops the snapshot loop.
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

	if c.cancelWatch != nil {
		c.cancelWatch()
	}
	if c.cancelJoin != nil {
		c.cancelJoin()
	}
	c.wg.Wait()
}

func (c *Coordinator) run(ctx context.Context, snapshots <-chan []domain.QrSession, joinEvents <-chan string) {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case snapshot, ok := <-snapshots:
			if !ok {
				return
			}
			c.applySnapshot(ctx, snapshot)
		case contractID, ok := <-joinEvents:
			if !ok {
				joinEvents = nil
				continue
			}
			if contractID == c.contractID {
				c.clearReady()
			}
		}
	}
}

// applySnapshot replaces the pending list with the denormalized snapshot. The
// list never changes any other way: decisions only remove an entry once the
// store reports the session left the Scanned set.
func (c *Coordinator) applySnapshot(ctx context.Context, snapshot []domain.QrSession) {
	pending := make([]domain.PendingJoinRequest, 0, len(snapshot))
	for _, session := range snapshot {
		request := domain.PendingJoinRequest{
			SessionID: session.ID,
			TenantID:  session.TenantID,
		}
		if session.ScannedAt != nil {
			request.ScannedAt = *session.ScannedAt
		}
		if c.directory != nil {
			if user, err := c.directory.GetUser(ctx, session.TenantID); err == nil {
				request.TenantName = user.Name
				request.TenantAvatarURL = user.AvatarURL
			}
		}
		pending = append(pending, request)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = pending
	// A scan already happened; the displayed code has served its purpose.
	if len(pending) > 0 && c.generation == GenerationReady {
		c.generation = GenerationIdle
		c.sessionID = ""
	}
}

func (c *Coordinator) clearReady() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation == GenerationReady {
		c.generation = GenerationIdle
		c.sessionID = ""
	}
}

// RequestNewSession asks the backend for a fresh session and exposes its id
// for QR rendering. A call while one is already in progress is dropped.
func (c *Coordinator) RequestNewSession(ctx context.Context) {
	c.mu.Lock()
	if c.generation == GenerationInProgress {
		c.mu.Unlock()
		return
	}
	c.generation = GenerationInProgress
	c.sessionID = ""
	c.failure = ""
	c.mu.Unlock()

	sessionID, err := c.client.Generate(ctx, c.contractID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.generation = GenerationFailed
		c.failure = err.Error()
		return
	}
	c.generation = GenerationReady
	c.sessionID = sessionID
}

// ResetGeneration returns a failed generation to Idle for a retry.
func (c *Coordinator) ResetGeneration() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation == GenerationFailed {
		c.generation = GenerationIdle
		c.failure = ""
	}
}

// Generation returns the generation state and, when Ready, the session id to
// render, or, when Failed, the failure reason.
func (c *Coordinator) Generation() (GenerationState, string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation, c.sessionID, c.failure
}

// Pending returns a copy of the current pending-request list.
func (c *Coordinator) Pending() []domain.PendingJoinRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.PendingJoinRequest, len(c.pending))
	copy(out, c.pending)
	return out
}

// Approve confirms the join request. A call for a session already in the
// confirming or declining set is dropped, not queued: rapid repeated UI
// triggers must not produce duplicate remote calls.
func (c *Coordinator) Approve(ctx context.Context, sessionID string) {
	if !c.enterInFlight(c.confirming, sessionID) {
		return
	}
	defer c.leaveInFlight(c.confirming, sessionID)

	if err := c.client.Confirm(ctx, sessionID); err != nil {
		c.reportDecisionError(err)
	}
}

// Reject declines the join request, with the same in-flight guard as Approve.
func (c *Coordinator) Reject(ctx context.Context, sessionID string) {
	if !c.enterInFlight(c.declining, sessionID) {
		return
	}
	defer c.leaveInFlight(c.declining, sessionID)

	if err := c.client.Decline(ctx, sessionID); err != nil {
		c.reportDecisionError(err)
	}
}

// enterInFlight reserves the session in the given set; false means the call
// must be dropped because a decision on it is already running.
func (c *Coordinator) enterInFlight(set map[string]struct{}, sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.confirming[sessionID]; ok {
		return false
	}
	if _, ok := c.declining[sessionID]; ok {
		return false
	}
	set[sessionID] = struct{}{}
	return true
}

func (c *Coordinator) leaveInFlight(set map[string]struct{}, sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(set, sessionID)
}

func (c *Coordinator) reportDecisionError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decisionErr = err
}

// ConsumeDecisionError returns the most recent decision failure once;
// subsequent calls return nil until another failure occurs. Failures surface
// as one-shot dismissible notices, never a sticky banner, because
// NotFound and InvalidState are expected under decision races.
func (c *Coordinator) ConsumeDecisionError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.decisionErr
	c.decisionErr = nil
	return err
}
