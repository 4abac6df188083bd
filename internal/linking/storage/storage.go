// Package storage declares the session store boundary the link service and
// the coordinators' tests program against. The production store is an
// external collaborator; the memory and sqlite implementations in the
// subpackages are its local stand-ins.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/baytro/tenantlink/internal/linking/domain"
)

var (
	// ErrNotFound indicates the record does not exist or the session has been
	// rendered inert by a terminal state.
	ErrNotFound = errors.New("record not found")
	// ErrExpired indicates the session outlived its TTL.
	ErrExpired = errors.New("session expired")
	// ErrConflict indicates the session is already claimed by a different tenant.
	ErrConflict = errors.New("session already claimed")
	// ErrInvalidState indicates the session's current state disallows the operation.
	ErrInvalidState = errors.New("operation not valid for session state")
	// ErrTenantAlreadyLinked indicates the tenant already holds an active contract.
	ErrTenantAlreadyLinked = errors.New("tenant already linked to a contract")
)

// SessionStore is the linking-session persistence boundary. Every mutation
// enforces the forward-only state machine; no operation moves a session
// backward or skips Scanned on the way to a terminal state.
type SessionStore interface {
	// CreateSession persists a new session in the Generated state.
	CreateSession(ctx context.Context, session domain.QrSession) error

	// GetSession loads a session by id.
	GetSession(ctx context.Context, sessionID string) (domain.QrSession, error)

	// ScanSession attaches the tenant identity to a Generated session and
	// moves it to Scanned. Idempotent per identity: re-scanning a session
	// already Scanned by the same tenant is a no-op success. A session
	// Scanned by a different tenant yields ErrConflict; a session past its
	// TTL is marked Expired and yields ErrExpired; a terminal session is
	// indistinguishable from a missing one and yields ErrNotFound.
	ScanSession(ctx context.Context, sessionID, tenantID string, now time.Time) (domain.QrSession, error)

	// ConfirmSession moves a Scanned session to Confirmed and appends its
	// tenant to the contract's tenant set, atomically: the caller can never
	// observe one write without the other. Yields ErrInvalidState unless the
	// session is currently Scanned, and ErrTenantAlreadyLinked when the
	// tenant already holds an active contract.
	ConfirmSession(ctx context.Context, sessionID string, now time.Time) (domain.QrSession, error)

	// DeclineSession moves a Scanned session to Declined. The contract is
	// untouched.
	DeclineSession(ctx context.Context, sessionID string, now time.Time) (domain.QrSession, error)

	// HasScannedSession reports whether the tenant has a session currently
	// in the Scanned state.
	HasScannedSession(ctx context.Context, tenantID string) (bool, error)

	// ExpireStale marks sessions past their TTL as Expired and reports how
	// many were transitioned.
	ExpireStale(ctx context.Context, now time.Time) (int, error)

	// WatchScanned subscribes to the set of Scanned sessions for one
	// contract. The channel carries full replace-the-set snapshots, starting
	// with the current set, monotonically consistent per contract. The
	// cancel function detaches the watcher and closes the channel.
	WatchScanned(ctx context.Context, contractID string) (<-chan []domain.QrSession, func(), error)
}

// ContractStore is the partial contract view the linking flow needs.
type ContractStore interface {
	GetContract(ctx context.Context, contractID string) (domain.Contract, error)
	PutContract(ctx context.Context, contract domain.Contract) error
	// ActiveContractID returns the id of the contract listing the tenant, or
	// the empty string when the tenant is unlinked.
	ActiveContractID(ctx context.Context, tenantID string) (string, error)
}

// UserStore holds the denormalization source for pending join requests plus
// per-user push addressing.
type UserStore interface {
	GetUser(ctx context.Context, userID string) (domain.UserProfile, error)
	PutUser(ctx context.Context, user domain.UserProfile) error
	SetPushToken(ctx context.Context, userID, token string) error
	PushToken(ctx context.Context, userID string) (string, error)
}

// Store groups the three boundaries behind one handle.
type Store interface {
	SessionStore
	ContractStore
	UserStore
	Close() error
}
