package storage

import (
	"sort"
	"sync"

	"github.com/baytro/tenantlink/internal/linking/domain"
)

// WatchHub fans full scanned-session snapshots out to per-contract watchers.
// Both store implementations delegate their WatchScanned bookkeeping here so
// snapshot semantics stay identical regardless of backing.
//
// Each watcher channel holds exactly one pending snapshot: when a newer
// snapshot arrives before the watcher consumed the previous one, the stale
// snapshot is replaced. A watcher therefore always observes the latest set
// and never an out-of-order sequence.
type WatchHub struct {
	mu       sync.Mutex
	nextID   int
	watchers map[string]map[int]chan []domain.QrSession
}

// NewWatchHub creates an empty hub.
func NewWatchHub() *WatchHub {
	return &WatchHub{watchers: make(map[string]map[int]chan []domain.QrSession)}
}

// Subscribe registers a watcher for the contract and delivers the provided
// initial snapshot immediately.
func (h *WatchHub) Subscribe(contractID string, initial []domain.QrSession) (<-chan []domain.QrSession, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan []domain.QrSession, 1)
	ch <- initial

	if h.watchers[contractID] == nil {
		h.watchers[contractID] = make(map[int]chan []domain.QrSession)
	}
	h.watchers[contractID][id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if chans, ok := h.watchers[contractID]; ok {
			if sub, ok := chans[id]; ok {
				delete(chans, id)
				close(sub)
			}
			if len(chans) == 0 {
				delete(h.watchers, contractID)
			}
		}
	}
	return ch, cancel
}

// Publish replaces the pending snapshot of every watcher of the contract.
func (h *WatchHub) Publish(contractID string, snapshot []domain.QrSession) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.watchers[contractID] {
		select {
		case <-ch:
		default:
		}
		ch <- snapshot
	}
}

// SortSnapshot orders a snapshot by scan time, then id, so equal sets always
// serialize identically.
func SortSnapshot(sessions []domain.QrSession) []domain.QrSession {
	sort.Slice(sessions, func(i, j int) bool {
		a, b := sessions[i], sessions[j]
		switch {
		case a.ScannedAt == nil && b.ScannedAt != nil:
			return true
		case a.ScannedAt != nil && b.ScannedAt == nil:
			return false
		case a.ScannedAt != nil && b.ScannedAt != nil && !a.ScannedAt.Equal(*b.ScannedAt):
			return a.ScannedAt.Before(*b.ScannedAt)
		default:
			return a.ID < b.ID
		}
	})
	return sessions
}
