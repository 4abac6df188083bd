// Package sqlite provides a SQLite-backed linking store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/baytro/tenantlink/internal/linking/domain"
	"github.com/baytro/tenantlink/internal/linking/storage"
	"github.com/baytro/tenantlink/internal/linking/storage/sqlite/migrations"
	sqlitemigrate "github.com/baytro/tenantlink/internal/platform/storage/sqlitemigrate"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Store persists linking state in SQLite.
type Store struct {
	sqlDB *sql.DB
	hub   *storage.WatchHub
	// pubMu orders snapshot queries against hub publication; a watcher's
	// last event always reflects the newest committed set.
	pubMu sync.Mutex
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite linking store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	// The driver only applies pragmas given in _pragma=name(value) form.
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single connection serializes overlapping transactions; the busy
	// timeout covers writers from other processes.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, hub: storage.NewWatchHub()}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) ready() error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

// CreateSession inserts one session record.
func (s *Store) CreateSession(ctx context.Context, session domain.QrSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(session.ID) == "" {
		return fmt.Errorf("session id is required")
	}

	var scannedAt sql.NullInt64
	if session.ScannedAt != nil {
		scannedAt = sql.NullInt64{Int64: toMillis(*session.ScannedAt), Valid: true}
	}
	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO qr_sessions (
		   id, contract_id, inviter_id, tenant_id, state,
		   created_at, expires_at, scanned_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID,
		session.ContractID,
		session.InviterID,
		session.TenantID,
		int(session.State),
		toMillis(session.CreatedAt),
		toMillis(session.ExpiresAt),
		scannedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession returns one session by id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (domain.QrSession, error) {
	if err := ctx.Err(); err != nil {
		return domain.QrSession{}, err
	}
	if err := s.ready(); err != nil {
		return domain.QrSession{}, err
	}
	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, contract_id, inviter_id, tenant_id, state,
		        created_at, expires_at, scanned_at
		   FROM qr_sessions
		  WHERE id = ?`,
		strings.TrimSpace(sessionID),
	)
	session, err := scanSessionRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.QrSession{}, storage.ErrNotFound
		}
		return domain.QrSession{}, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

// ScanSession attaches the tenant to a Generated session inside one
// transaction.
func (s *Store) ScanSession(ctx context.Context, sessionID, tenantID string, now time.Time) (domain.QrSession, error) {
	if err := ctx.Err(); err != nil {
		return domain.QrSession{}, err
	}
	if err := s.ready(); err != nil {
		return domain.QrSession{}, err
	}
	tenantID = strings.TrimSpace(tenantID)

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return domain.QrSession{}, fmt.Errorf("begin scan: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	session, err := getSessionTx(ctx, tx, sessionID)
	if err != nil {
		return domain.QrSession{}, err
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
		if err := setStateTx(ctx, tx, session.ID, domain.SessionStateExpired); err != nil {
			return domain.QrSession{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.QrSession{}, fmt.Errorf("commit scan: %w", err)
		}
		return domain.QrSession{}, storage.ErrExpired
	}

	scannedAt := now.UTC()
	if _, err := tx.ExecContext(
		ctx,
		`UPDATE qr_sessions
		    SET tenant_id = ?, state = ?, scanned_at = ?
		  WHERE id = ?`,
		tenantID,
		int(domain.SessionStateScanned),
		toMillis(scannedAt),
		session.ID,
	); err != nil {
		return domain.QrSession{}, fmt.Errorf("mark scanned: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.QrSession{}, fmt.Errorf("commit scan: %w", err)
	}

	session.TenantID = tenantID
	session.State = domain.SessionStateScanned
	session.ScannedAt = &scannedAt
	s.publish(ctx, session.ContractID)
	return session, nil
}

// ConfirmSession moves a Scanned session to Confirmed and links its tenant to
// the contract in one transaction.
func (s *Store) ConfirmSession(ctx context.Context, sessionID string, now time.Time) (domain.QrSession, error) {
	if err := ctx.Err(); err != nil {
		return domain.QrSession{}, err
	}
	if err := s.ready(); err != nil {
		return domain.QrSession{}, err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return domain.QrSession{}, fmt.Errorf("begin confirm: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	session, expired, err := decidableTx(ctx, tx, sessionID, domain.SessionStateConfirmed, now)
	if err != nil {
		if expired {
			if commitErr := tx.Commit(); commitErr != nil {
				return domain.QrSession{}, fmt.Errorf("commit confirm: %w", commitErr)
			}
		}
		return domain.QrSession{}, err
	}

	var linkedContractID string
	row := tx.QueryRowContext(
		ctx,
		`SELECT contract_id FROM contract_tenants WHERE tenant_id = ?`,
		session.TenantID,
	)
	switch err := row.Scan(&linkedContractID); {
	case err == nil:
		if linkedContractID != session.ContractID {
			return domain.QrSession{}, storage.ErrTenantAlreadyLinked
		}
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO contract_tenants (contract_id, tenant_id, linked_at) VALUES (?, ?, ?)`,
			session.ContractID,
			session.TenantID,
			toMillis(now),
		); err != nil {
			if isUniqueViolation(err) {
				return domain.QrSession{}, storage.ErrTenantAlreadyLinked
			}
			return domain.QrSession{}, fmt.Errorf("link tenant: %w", err)
		}
	default:
		return domain.QrSession{}, fmt.Errorf("check tenant link: %w", err)
	}

	if err := setStateTx(ctx, tx, session.ID, domain.SessionStateConfirmed); err != nil {
		return domain.QrSession{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.QrSession{}, fmt.Errorf("commit confirm: %w", err)
	}

	session.State = domain.SessionStateConfirmed
	s.publish(ctx, session.ContractID)
	return session, nil
}

// DeclineSession moves a Scanned session to Declined.
func (s *Store) DeclineSession(ctx context.Context, sessionID string, now time.Time) (domain.QrSession, error) {
	if err := ctx.Err(); err != nil {
		return domain.QrSession{}, err
	}
	if err := s.ready(); err != nil {
		return domain.QrSession{}, err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return domain.QrSession{}, fmt.Errorf("begin decline: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	session, expired, err := decidableTx(ctx, tx, sessionID, domain.SessionStateDeclined, now)
	if err != nil {
		if expired {
			if commitErr := tx.Commit(); commitErr != nil {
				return domain.QrSession{}, fmt.Errorf("commit decline: %w", commitErr)
			}
		}
		return domain.QrSession{}, err
	}

	if err := setStateTx(ctx, tx, session.ID, domain.SessionStateDeclined); err != nil {
		return domain.QrSession{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.QrSession{}, fmt.Errorf("commit decline: %w", err)
	}

	session.State = domain.SessionStateDeclined
	s.publish(ctx, session.ContractID)
	return session, nil
}

// HasScannedSession reports whether the tenant has a session awaiting a
// decision.
func (s *Store) HasScannedSession(ctx context.Context, tenantID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := s.ready(); err != nil {
		return false, err
	}
	var found int
	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT 1 FROM qr_sessions WHERE tenant_id = ? AND state = ? LIMIT 1`,
		strings.TrimSpace(tenantID),
		int(domain.SessionStateScanned),
	)
	if err := row.Scan(&found); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check scanned session: %w", err)
	}
	return true, nil
}

// ExpireStale marks every non-terminal session past its TTL as Expired.
func (s *Store) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := s.ready(); err != nil {
		return 0, err
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT DISTINCT contract_id
		   FROM qr_sessions
		  WHERE state = ? AND expires_at > 0 AND expires_at < ?`,
		int(domain.SessionStateScanned),
		toMillis(now),
	)
	if err != nil {
		return 0, fmt.Errorf("expire stale: %w", err)
	}
	var touched []string
	for rows.Next() {
		var contractID string
		if err := rows.Scan(&contractID); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("expire stale: %w", err)
		}
		touched = append(touched, contractID)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, fmt.Errorf("expire stale: %w", err)
	}
	_ = rows.Close()

	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE qr_sessions
		    SET state = ?
		  WHERE state IN (?, ?) AND expires_at > 0 AND expires_at < ?`,
		int(domain.SessionStateExpired),
		int(domain.SessionStateGenerated),
		int(domain.SessionStateScanned),
		toMillis(now),
	)
	if err != nil {
		return 0, fmt.Errorf("expire stale: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire stale: %w", err)
	}
	for _, contractID := range touched {
		s.publish(ctx, contractID)
	}
	return int(affected), nil
}

// WatchScanned subscribes to the contract's scanned-session set.
func (s *Store) WatchScanned(ctx context.Context, contractID string) (<-chan []domain.QrSession, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if err := s.ready(); err != nil {
		return nil, nil, err
	}
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	initial, err := s.scannedSet(ctx, contractID)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := s.hub.Subscribe(contractID, initial)
	return ch, cancel, nil
}

func (s *Store) scannedSet(ctx context.Context, contractID string) ([]domain.QrSession, error) {
	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT id, contract_id, inviter_id, tenant_id, state,
		        created_at, expires_at, scanned_at
		   FROM qr_sessions
		  WHERE contract_id = ? AND state = ?`,
		contractID,
		int(domain.SessionStateScanned),
	)
	if err != nil {
		return nil, fmt.Errorf("list scanned sessions: %w", err)
	}
	defer rows.Close()

	var snapshot []domain.QrSession
	for rows.Next() {
		session, err := scanSessionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("list scanned sessions: %w", err)
		}
		snapshot = append(snapshot, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list scanned sessions: %w", err)
	}
	return storage.SortSnapshot(snapshot), nil
}

func (s *Store) publish(ctx context.Context, contractID string) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	snapshot, err := s.scannedSet(ctx, contractID)
	if err != nil {
		return
	}
	s.hub.Publish(contractID, snapshot)
}

// GetContract returns one contract with its tenant set.
func (s *Store) GetContract(ctx context.Context, contractID string) (domain.Contract, error) {
	if err := ctx.Err(); err != nil {
		return domain.Contract{}, err
	}
	if err := s.ready(); err != nil {
		return domain.Contract{}, err
	}
	contractID = strings.TrimSpace(contractID)

	var contract domain.Contract
	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, landlord_id FROM contracts WHERE id = ?`,
		contractID,
	)
	if err := row.Scan(&contract.ID, &contract.LandlordID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Contract{}, storage.ErrNotFound
		}
		return domain.Contract{}, fmt.Errorf("get contract: %w", err)
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT tenant_id FROM contract_tenants WHERE contract_id = ? ORDER BY linked_at ASC, tenant_id ASC`,
		contractID,
	)
	if err != nil {
		return domain.Contract{}, fmt.Errorf("get contract tenants: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var tenantID string
		if err := rows.Scan(&tenantID); err != nil {
			return domain.Contract{}, fmt.Errorf("get contract tenants: %w", err)
		}
		contract.TenantIDs = append(contract.TenantIDs, tenantID)
	}
	if err := rows.Err(); err != nil {
		return domain.Contract{}, fmt.Errorf("get contract tenants: %w", err)
	}
	return contract, nil
}

// PutContract upserts the contract record and reconciles its tenant set.
func (s *Store) PutContract(ctx context.Context, contract domain.Contract) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(contract.ID) == "" {
		return fmt.Errorf("contract id is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put contract: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO contracts (id, landlord_id) VALUES (?, ?)
		 ON CONFLICT (id) DO UPDATE SET landlord_id = excluded.landlord_id`,
		contract.ID,
		contract.LandlordID,
	); err != nil {
		return fmt.Errorf("put contract: %w", err)
	}
	for _, tenantID := range contract.TenantIDs {
		if _, err := tx.ExecContext(
			ctx,
			`INSERT OR IGNORE INTO contract_tenants (contract_id, tenant_id, linked_at) VALUES (?, ?, ?)`,
			contract.ID,
			tenantID,
			time.Now().UTC().UnixMilli(),
		); err != nil {
			return fmt.Errorf("put contract tenant: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit put contract: %w", err)
	}
	return nil
}

// ActiveContractID returns the contract currently listing the tenant, if any.
func (s *Store) ActiveContractID(ctx context.Context, tenantID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := s.ready(); err != nil {
		return "", err
	}
	var contractID string
	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT contract_id FROM contract_tenants WHERE tenant_id = ?`,
		strings.TrimSpace(tenantID),
	)
	if err := row.Scan(&contractID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("active contract: %w", err)
	}
	return contractID, nil
}

// GetUser returns one user profile.
func (s *Store) GetUser(ctx context.Context, userID string) (domain.UserProfile, error) {
	if err := ctx.Err(); err != nil {
		return domain.UserProfile{}, err
	}
	if err := s.ready(); err != nil {
		return domain.UserProfile{}, err
	}
	var user domain.UserProfile
	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, name, avatar_url FROM users WHERE id = ?`,
		strings.TrimSpace(userID),
	)
	if err := row.Scan(&user.ID, &user.Name, &user.AvatarURL); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.UserProfile{}, storage.ErrNotFound
		}
		return domain.UserProfile{}, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

// PutUser upserts a user profile, preserving any stored push token.
func (s *Store) PutUser(ctx context.Context, user domain.UserProfile) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(user.ID) == "" {
		return fmt.Errorf("user id is required")
	}
	if _, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO users (id, name, avatar_url) VALUES (?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name, avatar_url = excluded.avatar_url`,
		user.ID,
		user.Name,
		user.AvatarURL,
	); err != nil {
		return fmt.Errorf("put user: %w", err)
	}
	return nil
}

// SetPushToken stores the user's push delivery address.
func (s *Store) SetPushToken(ctx context.Context, userID, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	if _, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO users (id, push_token) VALUES (?, ?)
		 ON CONFLICT (id) DO UPDATE SET push_token = excluded.push_token`,
		userID,
		token,
	); err != nil {
		return fmt.Errorf("set push token: %w", err)
	}
	return nil
}

// PushToken returns the user's stored push token, or empty when unknown.
func (s *Store) PushToken(ctx context.Context, userID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := s.ready(); err != nil {
		return "", err
	}
	var token string
	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT push_token FROM users WHERE id = ?`,
		strings.TrimSpace(userID),
	)
	if err := row.Scan(&token); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("push token: %w", err)
	}
	return token, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSessionRow(row rowScanner) (domain.QrSession, error) {
	var session domain.QrSession
	var state int
	var createdAt int64
	var expiresAt int64
	var scannedAt sql.NullInt64
	if err := row.Scan(
		&session.ID,
		&session.ContractID,
		&session.InviterID,
		&session.TenantID,
		&state,
		&createdAt,
		&expiresAt,
		&scannedAt,
	); err != nil {
		return domain.QrSession{}, err
	}
	session.State = domain.SessionState(state)
	session.CreatedAt = fromMillis(createdAt)
	session.ExpiresAt = fromMillis(expiresAt)
	if scannedAt.Valid {
		value := fromMillis(scannedAt.Int64)
		session.ScannedAt = &value
	}
	return session, nil
}

func getSessionTx(ctx context.Context, tx *sql.Tx, sessionID string) (domain.QrSession, error) {
	row := tx.QueryRowContext(
		ctx,
		`SELECT id, contract_id, inviter_id, tenant_id, state,
		        created_at, expires_at, scanned_at
		   FROM qr_sessions
		  WHERE id = ?`,
		strings.TrimSpace(sessionID),
	)
	session, err := scanSessionRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.QrSession{}, storage.ErrNotFound
		}
		return domain.QrSession{}, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

func setStateTx(ctx context.Context, tx *sql.Tx, sessionID string, state domain.SessionState) error {
	if _, err := tx.ExecContext(
		ctx,
		`UPDATE qr_sessions SET state = ? WHERE id = ?`,
		int(state),
		sessionID,
	); err != nil {
		return fmt.Errorf("set session state: %w", err)
	}
	return nil
}

// decidableTx validates that the session can move to the decided state. The
// boolean result tells the caller to commit anyway so an expiry write
// survives.
func decidableTx(ctx context.Context, tx *sql.Tx, sessionID string, next domain.SessionState, now time.Time) (domain.QrSession, bool, error) {
	session, err := getSessionTx(ctx, tx, sessionID)
	if err != nil {
		return domain.QrSession{}, false, err
	}
	if session.Expired(now) && !session.State.IsTerminal() {
		if err := setStateTx(ctx, tx, session.ID, domain.SessionStateExpired); err != nil {
			return domain.QrSession{}, false, err
		}
		return domain.QrSession{}, true, storage.ErrExpired
	}
	if !session.State.CanTransitionTo(next) {
		return domain.QrSession{}, false, storage.ErrInvalidState
	}
	return session, false, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

var _ storage.Store = (*Store)(nil)
