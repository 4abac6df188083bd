// Package memory provides the in-memory session store used by tests and the
// default backing of the local link service.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/baytro/tenantlink/internal/linking/domain"
	"github.com/baytro/tenantlink/internal/linking/storage"
)

// Store keeps sessions, contracts, and users in mutex-guarded maps.
type Store struct {
	mu        sync.Mutex
	sessions  map[string]domain.QrSession
	contracts map[string]domain.Contract
	users     map[string]domain.UserProfile
	tokens    map[string]string
	hub       *storage.WatchHub
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		sessions:  make(map[string]domain.QrSession),
		contracts: make(map[string]domain.Contract),
		users:     make(map[string]domain.UserProfile),
		tokens:    make(map[string]string),
		hub:       storage.NewWatchHub(),
	}
}

// Close implements storage.Store.
func (s *Store) Close() error { return nil }

// CreateSession persists a new session in the Generated state.
func (s *Store) CreateSession(ctx context.Context, session domain.QrSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session
	return nil
}

// GetSession loads a session by id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (domain.QrSession, error) {
	if err := ctx.Err(); err != nil {
		return domain.QrSession{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return domain.QrSession{}, storage.ErrNotFound
	}
	return session, nil
}

// ScanSession implements storage.SessionStore.
func (s *Store) ScanSession(ctx context.Context, sessionID, tenantID string, now time.Time) (domain.QrSession, error) {
	if err := ctx.Err(); err != nil {
		return domain.QrSession{}, err
	}
	tenantID = strings.TrimSpace(tenantID)

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return domain.QrSession{}, storage.ErrNotFound
	}
	if session.State == domain.SessionStateScanned {
		if session.TenantID == tenantID {
			// Retry after a lost response; the first scan already won.
			return session, nil
		}
		return domain.QrSession{}, storage.ErrConflict
	}
	if !session.State.CanTransitionTo(domain.SessionStateScanned) {
		return domain.QrSession{}, storage.ErrNotFound
	}
	if session.Expired(now) {
		session.State = domain.SessionStateExpired
		s.sessions[sessionID] = session
		return domain.QrSession{}, storage.ErrExpired
	}

	scannedAt := now.UTC()
	session.TenantID = tenantID
	session.State = domain.SessionStateScanned
	session.ScannedAt = &scannedAt
	s.sessions[sessionID] = session
	s.publishLocked(session.ContractID)
	return session, nil
}

// ConfirmSession implements storage.SessionStore. The session write and the
// contract append happen under one lock; no caller observes one without the
// other.
func (s *Store) ConfirmSession(ctx context.Context, sessionID string, now time.Time) (domain.QrSession, error) {
	if err := ctx.Err(); err != nil {
		return domain.QrSession{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.decidableLocked(sessionID, domain.SessionStateConfirmed, now)
	if err != nil {
		return domain.QrSession{}, err
	}
	for _, contract := range s.contracts {
		if contract.ID != session.ContractID && contract.HasTenant(session.TenantID) {
			return domain.QrSession{}, storage.ErrTenantAlreadyLinked
		}
	}

	contract, ok := s.contracts[session.ContractID]
	if !ok {
		return domain.QrSession{}, storage.ErrNotFound
	}
	if !contract.HasTenant(session.TenantID) {
		contract.TenantIDs = append(contract.TenantIDs, session.TenantID)
		s.contracts[contract.ID] = contract
	}

	session.State = domain.SessionStateConfirmed
	s.sessions[sessionID] = session
	s.publishLocked(session.ContractID)
	return session, nil
}

// DeclineSession implements storage.SessionStore.
func (s *Store) DeclineSession(ctx context.Context, sessionID string, now time.Time) (domain.QrSession, error) {
	if err := ctx.Err(); err != nil {
		return domain.QrSession{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.decidableLocked(sessionID, domain.SessionStateDeclined, now)
	if err != nil {
		return domain.QrSession{}, err
	}
	session.State = domain.SessionStateDeclined
	s.sessions[sessionID] = session
	s.publishLocked(session.ContractID)
	return session, nil
}

// decidableLocked validates that the session can move to the decided state.
func (s *Store) decidableLocked(sessionID string, next domain.SessionState, now time.Time) (domain.QrSession, error) {
	session, ok := s.sessions[sessionID]
	if !ok {
		return domain.QrSession{}, storage.ErrNotFound
	}
	if session.Expired(now) && !session.State.IsTerminal() {
		session.State = domain.SessionStateExpired
		s.sessions[sessionID] = session
		return domain.QrSession{}, storage.ErrExpired
	}
	if !session.State.CanTransitionTo(next) {
		return domain.QrSession{}, storage.ErrInvalidState
	}
	return session, nil
}

// HasScannedSession implements storage.SessionStore.
func (s *Store) HasScannedSession(ctx context.Context, tenantID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, session := range s.sessions {
		if session.State == domain.SessionStateScanned && session.TenantID == tenantID {
			return true, nil
		}
	}
	return false, nil
}

// ExpireStale implements storage.SessionStore.
func (s *Store) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	expired := 0
	touched := make(map[string]struct{})
	for id, session := range s.sessions {
		if session.State.IsTerminal() || !session.Expired(now) {
			continue
		}
		wasScanned := session.State == domain.SessionStateScanned
		session.State = domain.SessionStateExpired
		s.sessions[id] = session
		expired++
		if wasScanned {
			touched[session.ContractID] = struct{}{}
		}
	}
	for contractID := range touched {
		s.publishLocked(contractID)
	}
	return expired, nil
}

// WatchScanned implements storage.SessionStore.
func (s *Store) WatchScanned(ctx context.Context, contractID string) (<-chan []domain.QrSession, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, cancel := s.hub.Subscribe(contractID, s.scannedLocked(contractID))
	return ch, cancel, nil
}

func (s *Store) scannedLocked(contractID string) []domain.QrSession {
	var snapshot []domain.QrSession
	for _, session := range s.sessions {
		if session.ContractID == contractID && session.State == domain.SessionStateScanned {
			snapshot = append(snapshot, session)
		}
	}
	return storage.SortSnapshot(snapshot)
}

func (s *Store) publishLocked(contractID string) {
	s.hub.Publish(contractID, s.scannedLocked(contractID))
}

// GetContract implements storage.ContractStore.
func (s *Store) GetContract(ctx context.Context, contractID string) (domain.Contract, error) {
	if err := ctx.Err(); err != nil {
		return domain.Contract{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	contract, ok := s.contracts[contractID]
	if !ok {
		return domain.Contract{}, storage.ErrNotFound
	}
	return contract, nil
}

// PutContract implements storage.ContractStore.
func (s *Store) PutContract(ctx context.Context, contract domain.Contract) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contracts[contract.ID] = contract
	return nil
}

// ActiveContractID implements storage.ContractStore.
func (s *Store) ActiveContractID(ctx context.Context, tenantID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, contract := range s.contracts {
		if contract.HasTenant(tenantID) {
			return contract.ID, nil
		}
	}
	return "", nil
}

// GetUser implements storage.UserStore.
func (s *Store) GetUser(ctx context.Context, userID string) (domain.UserProfile, error) {
	if err := ctx.Err(); err != nil {
		return domain.UserProfile{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return domain.UserProfile{}, storage.ErrNotFound
	}
	return user, nil
}

// PutUser implements storage.UserStore.
func (s *Store) PutUser(ctx context.Context, user domain.UserProfile) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.ID] = user
	return nil
}

// SetPushToken implements storage.UserStore.
func (s *Store) SetPushToken(ctx context.Context, userID, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[userID] = token
	return nil
}

// PushToken implements storage.UserStore.
func (s *Store) PushToken(ctx context.Context, userID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens[userID], nil
}
