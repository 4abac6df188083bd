package tenant

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/baytro/tenantlink/internal/linking/qr"
	"github.com/baytro/tenantlink/internal/linking/relay"
)

type fakeSubmitter struct {
	mu    sync.Mutex
	err   error
	calls []string
	gate  chan struct{}
}

func (f *fakeSubmitter) SubmitScan(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	f.calls = append(f.calls, sessionID)
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return f.err
}

func (f *fakeSubmitter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeDecoder struct {
	sessionID string
	err       error
}

func (f *fakeDecoder) Decode(img image.Image) (string, error) {
	return f.sessionID, f.err
}

type staticIdentity string

func (s staticIdentity) CurrentUserID() string { return string(s) }

type fakeSessions struct {
	pending bool
	err     error
}

func (f *fakeSessions) HasScannedSession(ctx context.Context, tenantID string) (bool, error) {
	return f.pending, f.err
}

type fakeContracts struct {
	contractID string
	err        error
}

func (f *fakeContracts) ActiveContractID(ctx context.Context, tenantID string) (string, error) {
	return f.contractID, f.err
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

func baseConfig() Config {
	return Config{
		Submitter: &fakeSubmitter{},
		Decoder:   &fakeDecoder{sessionID: "session-1"},
		Identity:  staticIdentity("tenant-1"),
		Sessions:  &fakeSessions{},
		Contracts: &fakeContracts{},
	}
}

func newTestCoordinator(t *testing.T, cfg Config) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestNewCoordinatorValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"missing submitter", func(c *Config) { c.Submitter = nil }, ErrMissingSubmitter},
		{"missing decoder", func(c *Config) { c.Decoder = nil }, ErrMissingDecoder},
		{"missing identity", func(c *Config) { c.Identity = nil }, ErrMissingIdentity},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := baseConfig()
			tc.mutate(&cfg)
			if _, err := NewCoordinator(context.Background(), cfg); !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestReconciliationAlreadyLinked(t *testing.T) {
	cfg := baseConfig()
	cfg.Contracts = &fakeContracts{contractID: "contract-1"}
	c := newTestCoordinator(t, cfg)

	state, contractID, _ := c.Snapshot()
	if state != StateResolved {
		t.Fatalf("state = %v, want %v", state, StateResolved)
	}
	if contractID != "contract-1" {
		t.Fatalf("contractID = %q, want contract-1", contractID)
	}
}

func TestReconciliationPendingScan(t *testing.T) {
	cfg := baseConfig()
	cfg.Sessions = &fakeSessions{pending: true}
	c := newTestCoordinator(t, cfg)

	if state, _, _ := c.Snapshot(); state != StateWaiting {
		t.Fatalf("state = %v, want %v", state, StateWaiting)
	}
}

func TestReconciliationCleanStart(t *testing.T) {
	c := newTestCoordinator(t, baseConfig())
	if state, _, _ := c.Snapshot(); state != StateIdle {
		t.Fatalf("state = %v, want %v", state, StateIdle)
	}
}

func TestSubmitFromImageHappyPath(t *testing.T) {
	submitter := &fakeSubmitter{}
	cfg := baseConfig()
	cfg.Submitter = submitter
	c := newTestCoordinator(t, cfg)

	c.SubmitFromImage(context.Background(), image.NewRGBA(image.Rect(0, 0, 8, 8)))
	state, _, _ := c.Snapshot()
	if state != StateWaiting {
		t.Fatalf("state = %v, want %v", state, StateWaiting)
	}
	if submitter.callCount() != 1 || submitter.calls[0] != "session-1" {
		t.Fatalf("calls = %v, want [session-1]", submitter.calls)
	}
}

func TestSubmitFromImageDecodeFailureStaysLocal(t *testing.T) {
	submitter := &fakeSubmitter{}
	cfg := baseConfig()
	cfg.Submitter = submitter
	cfg.Decoder = &fakeDecoder{err: qr.ErrNotRecognized}
	c := newTestCoordinator(t, cfg)

	c.SubmitFromImage(context.Background(), image.NewRGBA(image.Rect(0, 0, 8, 8)))
	state, _, failure := c.Snapshot()
	if state != StateFailed {
		t.Fatalf("state = %v, want %v", state, StateFailed)
	}
	if failure != "invalid code" {
		t.Fatalf("failure = %q, want invalid code", failure)
	}
	if submitter.callCount() != 0 {
		t.Fatalf("remote calls = %d, want 0", submitter.callCount())
	}
}

func TestSubmitFailureThenReset(t *testing.T) {
	cfg := baseConfig()
	cfg.Submitter = &fakeSubmitter{err: errors.New("session not found")}
	c := newTestCoordinator(t, cfg)

	c.Submit(context.Background(), "session-1")
	state, _, failure := c.Snapshot()
	if state != StateFailed {
		t.Fatalf("state = %v, want %v", state, StateFailed)
	}
	if failure != "session not found" {
		t.Fatalf("failure = %q", failure)
	}

	c.Reset()
	if state, _, _ := c.Snapshot(); state != StateIdle {
		t.Fatalf("state after reset = %v, want %v", state, StateIdle)
	}
}

func TestSubmitDroppedWhileWaiting(t *testing.T) {
	submitter := &fakeSubmitter{}
	cfg := baseConfig()
	cfg.Submitter = submitter
	cfg.Sessions = &fakeSessions{pending: true}
	c := newTestCoordinator(t, cfg)

	c.Submit(context.Background(), "session-2")
	if submitter.callCount() != 0 {
		t.Fatalf("remote calls = %d, want 0 while waiting", submitter.callCount())
	}
}

func TestConfirmedEventResolvesWaiting(t *testing.T) {
	r := relay.NewRelay()
	cfg := baseConfig()
	cfg.Sessions = &fakeSessions{pending: true}
	cfg.ConfirmedEvents = r.SubscribeContractConfirmed
	c := newTestCoordinator(t, cfg)

	r.PublishContractConfirmed("contract-1")
	waitUntil(t, "resolution", func() bool {
		state, _, _ := c.Snapshot()
		return state == StateResolved
	})
	_, contractID, _ := c.Snapshot()
	if contractID != "contract-1" {
		t.Fatalf("contractID = %q, want contract-1", contractID)
	}
}

func TestConfirmedEventWhileIdleIsNoOp(t *testing.T) {
	r := relay.NewRelay()
	cfg := baseConfig()
	cfg.ConfirmedEvents = r.SubscribeContractConfirmed
	c := newTestCoordinator(t, cfg)

	r.PublishContractConfirmed("contract-1")
	time.Sleep(20 * time.Millisecond)
	if state, _, _ := c.Snapshot(); state != StateIdle {
		t.Fatalf("state = %v, want %v", state, StateIdle)
	}
}

func TestConfirmedEventRacingSubmitWins(t *testing.T) {
	submitter := &fakeSubmitter{gate: make(chan struct{})}
	r := relay.NewRelay()
	cfg := baseConfig()
	cfg.Submitter = submitter
	cfg.ConfirmedEvents = r.SubscribeContractConfirmed
	c := newTestCoordinator(t, cfg)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.Submit(context.Background(), "session-1")
	}()
	waitUntil(t, "submit in flight", func() bool { return submitter.callCount() == 1 })

	r.PublishContractConfirmed("contract-1")
	waitUntil(t, "resolution", func() bool {
		state, _, _ := c.Snapshot()
		return state == StateResolved
	})

	close(submitter.gate)
	wg.Wait()

	// The submit return must not demote the resolved state.
	state, contractID, _ := c.Snapshot()
	if state != StateResolved || contractID != "contract-1" {
		t.Fatalf("state = %v contract = %q, want resolved contract-1", state, contractID)
	}
}

// A declined request produces no event anywhere. The coordinator stays in
// Waiting until it is rebuilt, at which point reconciliation lands on Idle.
// This mirrors a known gap: a tenant cannot distinguish a decline from a
// request that was never seen.
func TestDeclineProducesNoResolution(t *testing.T) {
	r := relay.NewRelay()
	cfg := baseConfig()
	cfg.Sessions = &fakeSessions{pending: true}
	cfg.ConfirmedEvents = r.SubscribeContractConfirmed
	c := newTestCoordinator(t, cfg)

	// Nothing is published on decline; the coordinator keeps waiting.
	time.Sleep(20 * time.Millisecond)
	if state, _, _ := c.Snapshot(); state != StateWaiting {
		t.Fatalf("state = %v, want %v", state, StateWaiting)
	}
	c.Close()

	// Rebuilding after the store dropped the session lands on Idle.
	cfg.Sessions = &fakeSessions{pending: false}
	rebuilt := newTestCoordinator(t, cfg)
	if state, _, _ := rebuilt.Snapshot(); state != StateIdle {
		t.Fatalf("rebuilt state = %v, want %v", state, StateIdle)
	}
}

func TestCloseIdempotent(t *testing.T) {
	r := relay.NewRelay()
	cfg := baseConfig()
	cfg.ConfirmedEvents = r.SubscribeContractConfirmed
	c := newTestCoordinator(t, cfg)
	c.Close()
	c.Close()
	// Publishing after close must not panic or deliver.
	r.PublishContractConfirmed("contract-1")
}
