package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/baytro/tenantlink/internal/platform/id"
)

// SessionState describes the lifecycle state of a linking session.
type SessionState int

const (
	// SessionStateUnspecified represents an invalid session state value.
	SessionStateUnspecified SessionState = iota
	// SessionStateGenerated indicates the session was created and is awaiting a scan.
	SessionStateGenerated
	// SessionStateScanned indicates a tenant submitted a join request and is awaiting a decision.
	SessionStateScanned
	// SessionStateConfirmed indicates the landlord approved the join request.
	SessionStateConfirmed
	// SessionStateDeclined indicates the landlord rejected the join request.
	SessionStateDeclined
	// SessionStateExpired indicates the session outlived its TTL before reaching a decision.
	SessionStateExpired
)

var (
	// ErrEmptyContractID indicates a missing contract ID.
	ErrEmptyContractID = errors.New("contract id is required")
	// ErrEmptyInviterID indicates a missing inviter ID.
	ErrEmptyInviterID = errors.New("inviter id is required")
)

// String returns the wire label for a session state.
func (s SessionState) String() string {
	switch s {
	case SessionStateGenerated:
		return "generated"
	case SessionStateScanned:
		return "scanned"
	case SessionStateConfirmed:
		return "confirmed"
	case SessionStateDeclined:
		return "declined"
	case SessionStateExpired:
		return "expired"
	default:
		return "unspecified"
	}
}

// parseSessionState maps a state label back to a session state.
func parseSessionState(value string) (SessionState, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "generated":
		return SessionStateGenerated, true
	case "scanned":
		return SessionStateScanned, true
	case "confirmed":
		return SessionStateConfirmed, true
	case "declined":
		return SessionStateDeclined, true
	case "expired":
		return SessionStateExpired, true
	default:
		return SessionStateUnspecified, false
	}
}

// IsTerminal reports whether no further transition is possible from s.
func (s SessionState) IsTerminal() bool {
	switch s {
	case SessionStateConfirmed, SessionStateDeclined, SessionStateExpired:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether the session state machine allows moving
// from s to next. Sessions move forward only: Generated → Scanned →
// {Confirmed, Declined}; Expired is reachable from any non-terminal state.
func (s SessionState) CanTransitionTo(next SessionState) bool {
	if s.IsTerminal() {
		return false
	}
	switch next {
	case SessionStateScanned:
		return s == SessionStateGenerated
	case SessionStateConfirmed, SessionStateDeclined:
		return s == SessionStateScanned
	case SessionStateExpired:
		return s == SessionStateGenerated || s == SessionStateScanned
	default:
		return false
	}
}

// QrSession is the linking token tracked through its state machine. A session
// is created by the landlord-side generate call, carries at most one tenant
// identity once scanned, and is rendered inert only by a terminal state or
// store-side expiry; it is never deleted by either client.
type QrSession struct {
	ID         string
	ContractID string
	InviterID  string
	// TenantID is unset until a scan occurs and is then set exactly once.
	TenantID  string
	State     SessionState
	CreatedAt time.Time
	ExpiresAt time.Time
	ScannedAt *time.Time
}

// Expired reports whether the session TTL elapsed at the given instant.
func (q QrSession) Expired(now time.Time) bool {
	return !q.ExpiresAt.IsZero() && now.After(q.ExpiresAt)
}

// CreateSessionInput describes the metadata needed to create a session.
type CreateSessionInput struct {
	ContractID string
	InviterID  string
	TTL        time.Duration
}

// CreateSession creates a new session with a generated ID and timestamps.
// The session is created in the Generated state. The TTL is an external
// policy and must be provided by the caller; zero means no expiry.
func CreateSession(input CreateSessionInput, now func() time.Time, idGenerator func() (string, error)) (QrSession, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	input.ContractID = strings.TrimSpace(input.ContractID)
	if input.ContractID == "" {
		return QrSession{}, ErrEmptyContractID
	}
	input.InviterID = strings.TrimSpace(input.InviterID)
	if input.InviterID == "" {
		return QrSession{}, ErrEmptyInviterID
	}

	sessionID, err := idGenerator()
	if err != nil {
		return QrSession{}, fmt.Errorf("generate session id: %w", err)
	}

	createdAt := now().UTC()
	session := QrSession{
		ID:         sessionID,
		ContractID: input.ContractID,
		InviterID:  input.InviterID,
		State:      SessionStateGenerated,
		CreatedAt:  createdAt,
	}
	if input.TTL > 0 {
		session.ExpiresAt = createdAt.Add(input.TTL)
	}
	return session, nil
}
