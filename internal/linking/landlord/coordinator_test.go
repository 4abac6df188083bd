package landlord

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/baytro/tenantlink/internal/linking/domain"
)

type fakeClient struct {
	mu           sync.Mutex
	generateID   string
	generateErr  error
	confirmErr   error
	declineErr   error
	confirmCalls int
	declineCalls int
	confirmGate  chan struct{}
}

func (f *fakeClient) Generate(ctx context.Context, contractID string) (string, error) {
	return f.generateID, f.generateErr
}

func (f *fakeClient) Confirm(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	f.confirmCalls++
	gate := f.confirmGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return f.confirmErr
}

func (f *fakeClient) Decline(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declineCalls++
	return f.declineErr
}

func (f *fakeClient) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.confirmCalls, f.declineCalls
}

type fakeWatcher struct {
	snapshots chan []domain.QrSession
	cancelled bool
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{snapshots: make(chan []domain.QrSession, 4)}
}

func (f *fakeWatcher) WatchScanned(ctx context.Context, contractID string) (<-chan []domain.QrSession, func(), error) {
	return f.snapshots, func() { f.cancelled = true }, nil
}

type fakeDirectory struct {
	users map[string]domain.UserProfile
}

func (f *fakeDirectory) GetUser(ctx context.Context, userID string) (domain.UserProfile, error) {
	user, ok := f.users[userID]
	if !ok {
		return domain.UserProfile{}, errors.New("unknown user")
	}
	return user, nil
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestCoordinator(t *testing.T, client *fakeClient, watcher *fakeWatcher) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(context.Background(), Config{
		ContractID: "contract-1",
		Client:     client,
		Watcher:    watcher,
		Directory:  &fakeDirectory{users: map[string]domain.UserProfile{"tenant-1": {ID: "tenant-1", Name: "Dana", AvatarURL: "https://example.com/a.png"}}},
	})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestNewCoordinatorValidation(t *testing.T) {
	watcher := newFakeWatcher()
	client := &fakeClient{}
	tests := []struct {
		name string
		cfg  Config
		want error
	}{
		{"missing contract", Config{Client: client, Watcher: watcher}, ErrEmptyContractID},
		{"missing client", Config{ContractID: "c", Watcher: watcher}, ErrMissingClient},
		{"missing watcher", Config{ContractID: "c", Client: client}, ErrMissingWatcher},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewCoordinator(context.Background(), tc.cfg); !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestRequestNewSessionReady(t *testing.T) {
	client := &fakeClient{generateID: "session-1"}
	c := newTestCoordinator(t, client, newFakeWatcher())

	c.RequestNewSession(context.Background())
	state, sessionID, failure := c.Generation()
	if state != GenerationReady {
		t.Fatalf("state = %v, want %v", state, GenerationReady)
	}
	if sessionID != "session-1" {
		t.Fatalf("sessionID = %q, want session-1", sessionID)
	}
	if failure != "" {
		t.Fatalf("failure = %q, want empty", failure)
	}
}

func TestRequestNewSessionFailedThenReset(t *testing.T) {
	client := &fakeClient{generateErr: errors.New("backend down")}
	c := newTestCoordinator(t, client, newFakeWatcher())

	c.RequestNewSession(context.Background())
	state, _, failure := c.Generation()
	if state != GenerationFailed {
		t.Fatalf("state = %v, want %v", state, GenerationFailed)
	}
	if failure != "backend down" {
		t.Fatalf("failure = %q, want backend down", failure)
	}

	c.ResetGeneration()
	state, _, failure = c.Generation()
	if state != GenerationIdle {
		t.Fatalf("state after reset = %v, want %v", state, GenerationIdle)
	}
	if failure != "" {
		t.Fatalf("failure after reset = %q, want empty", failure)
	}
}

func TestSnapshotDenormalizesPending(t *testing.T) {
	watcher := newFakeWatcher()
	c := newTestCoordinator(t, &fakeClient{}, watcher)

	scannedAt := time.Date(2026, 2, 10, 9, 1, 0, 0, time.UTC)
	watcher.snapshots <- []domain.QrSession{{
		ID:         "session-1",
		ContractID: "contract-1",
		TenantID:   "tenant-1",
		State:      domain.SessionStateScanned,
		ScannedAt:  &scannedAt,
	}}

	waitUntil(t, "pending list", func() bool { return len(c.Pending()) == 1 })
	pending := c.Pending()
	want := domain.PendingJoinRequest{
		SessionID:       "session-1",
		TenantID:        "tenant-1",
		TenantName:      "Dana",
		TenantAvatarURL: "https://example.com/a.png",
		ScannedAt:       scannedAt,
	}
	if pending[0] != want {
		t.Fatalf("pending[0] = %+v, want %+v", pending[0], want)
	}
}

func TestSnapshotClearsReadyCode(t *testing.T) {
	watcher := newFakeWatcher()
	client := &fakeClient{generateID: "session-1"}
	c := newTestCoordinator(t, client, watcher)

	c.RequestNewSession(context.Background())
	watcher.snapshots <- []domain.QrSession{{ID: "session-1", ContractID: "contract-1", TenantID: "tenant-1", State: domain.SessionStateScanned}}

	waitUntil(t, "ready cleared", func() bool {
		state, _, _ := c.Generation()
		return state == GenerationIdle
	})
	if _, sessionID, _ := c.Generation(); sessionID != "" {
		t.Fatalf("sessionID = %q, want cleared", sessionID)
	}
}

func TestSnapshotRemovalEmptiesPending(t *testing.T) {
	watcher := newFakeWatcher()
	c := newTestCoordinator(t, &fakeClient{}, watcher)

	watcher.snapshots <- []domain.QrSession{{ID: "session-1", ContractID: "contract-1", TenantID: "tenant-1", State: domain.SessionStateScanned}}
	waitUntil(t, "pending list", func() bool { return len(c.Pending()) == 1 })

	watcher.snapshots <- nil
	waitUntil(t, "pending cleared", func() bool { return len(c.Pending()) == 0 })
}

func TestApproveInFlightGuard(t *testing.T) {
	client := &fakeClient{confirmGate: make(chan struct{})}
	c := newTestCoordinator(t, client, newFakeWatcher())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.Approve(context.Background(), "session-1")
	}()
	waitUntil(t, "first confirm call", func() bool {
		calls, _ := client.calls()
		return calls == 1
	})

	// Both a repeat approve and a reject on the in-flight session drop.
	c.Approve(context.Background(), "session-1")
	c.Reject(context.Background(), "session-1")

	close(client.confirmGate)
	wg.Wait()

	confirms, declines := client.calls()
	if confirms != 1 {
		t.Fatalf("confirm calls = %d, want 1", confirms)
	}
	if declines != 0 {
		t.Fatalf("decline calls = %d, want 0", declines)
	}
}

func TestInFlightClearedAfterFailure(t *testing.T) {
	client := &fakeClient{confirmErr: errors.New("precondition failed")}
	c := newTestCoordinator(t, client, newFakeWatcher())

	c.Approve(context.Background(), "session-1")
	c.Approve(context.Background(), "session-1")

	confirms, _ := client.calls()
	if confirms != 2 {
		t.Fatalf("confirm calls = %d, want 2 after set cleanup", confirms)
	}
}

func TestConsumeDecisionErrorOneShot(t *testing.T) {
	client := &fakeClient{declineErr: errors.New("session gone")}
	c := newTestCoordinator(t, client, newFakeWatcher())

	c.Reject(context.Background(), "session-1")
	err := c.ConsumeDecisionError()
	if err == nil || err.Error() != "session gone" {
		t.Fatalf("err = %v, want session gone", err)
	}
	if err := c.ConsumeDecisionError(); err != nil {
		t.Fatalf("second consume = %v, want nil", err)
	}
}

func TestTwoSessionsIndependentlyActionable(t *testing.T) {
	watcher := newFakeWatcher()
	client := &fakeClient{}
	c := newTestCoordinator(t, client, watcher)

	watcher.snapshots <- []domain.QrSession{
		{ID: "session-1", ContractID: "contract-1", TenantID: "tenant-1", State: domain.SessionStateScanned},
		{ID: "session-2", ContractID: "contract-1", TenantID: "tenant-2", State: domain.SessionStateScanned},
	}
	waitUntil(t, "two pending", func() bool { return len(c.Pending()) == 2 })

	c.Approve(context.Background(), "session-1")
	c.Reject(context.Background(), "session-2")

	confirms, declines := client.calls()
	if confirms != 1 || declines != 1 {
		t.Fatalf("calls = %d/%d, want 1/1", confirms, declines)
	}
}

func TestCloseCancelsWatch(t *testing.T) {
	watcher := newFakeWatcher()
	c := newTestCoordinator(t, &fakeClient{}, watcher)

	c.Close()
	if !watcher.cancelled {
		t.Fatal("watch subscription not cancelled")
	}
	// Close is idempotent.
	c.Close()
}
