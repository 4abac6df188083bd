// Package relay is the in-process broadcast bridge between push delivery and
// the coordinators that await linking events.
//
// Delivery is at-most-once with no replay buffer: a subscriber that attaches
// after an event fires will not see it. The coordinators tolerate this
// because they always pair subscription with a state reconciliation on
// construction.
package relay

import "sync"

// Subscriber channels are buffered so a momentarily busy consumer does not
// stall the publisher; once the buffer is full the event is dropped.
const subscriberBuffer = 4

// Relay is a single-process, multi-subscriber, fire-and-forget broadcast
// primitive with two named channels: contract-confirmed and
// join-request-received. Construct one per process and inject it into both
// the push handler and the coordinators; there is no package-level instance.
type Relay struct {
	contractConfirmed topic
	joinRequest       topic
}

// NewRelay creates an empty relay.
func NewRelay() *Relay {
	return &Relay{}
}

// PublishContractConfirmed broadcasts that the caller's pending session for
// the contract was confirmed.
func (r *Relay) PublishContractConfirmed(contractID string) {
	if r == nil {
		return
	}
	r.contractConfirmed.publish(contractID)
}

// PublishJoinRequest broadcasts that a tenant scanned a code for the
// contract. This channel is a UX nicety for the landlord side; the live
// session subscription remains the source of truth.
func (r *Relay) PublishJoinRequest(contractID string) {
	if r == nil {
		return
	}
	r.joinRequest.publish(contractID)
}

// SubscribeContractConfirmed registers a subscriber for contract-confirmed
// events. The cancel function detaches the subscriber and closes its channel.
func (r *Relay) SubscribeContractConfirmed() (<-chan string, func()) {
	return r.contractConfirmed.subscribe()
}

// SubscribeJoinRequest registers a subscriber for join-request events.
func (r *Relay) SubscribeJoinRequest() (<-chan string, func()) {
	return r.joinRequest.subscribe()
}

type topic struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan string
}

func (t *topic) subscribe() (<-chan string, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.subs == nil {
		t.subs = make(map[int]chan string)
	}
	id := t.nextID
	t.nextID++
	ch := make(chan string, subscriberBuffer)
	t.subs[id] = ch

	cancel := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if sub, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (t *topic) publish(value string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.subs {
		select {
		case ch <- value:
		default:
			// Subscriber buffer full; drop rather than block the publisher.
		}
	}
}
