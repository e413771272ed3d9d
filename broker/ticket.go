package broker

import (
	"time"
)

// State is the lifecycle state of an allocation request.
type State string

const (
	StateQueued    State = "queued"
	StateGranted   State = "granted"
	StateReleased  State = "released"
	StateExpired   State = "expired"
	StateCancelled State = "cancelled"
	StateEvicted   State = "evicted"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	switch s {
	case StateReleased, StateExpired, StateCancelled, StateEvicted:
		return true
	}
	return false
}

// EventKind discriminates ticket notifications.
type EventKind string

const (
	EventGranted   EventKind = "granted"
	EventExpired   EventKind = "expired"
	EventCancelled EventKind = "cancelled"
	// EventEvicted is delivered to the owner of a granted allocation that
	// the broker revoked (TTL reaping or preemption).
	EventEvicted EventKind = "evicted"
)

// Event is a one-shot, edge-triggered notification delivered to exactly
// the client awaiting the ticket; the broker never delivers the same
// kind twice for one ticket.
type Event struct {
	Kind     EventKind
	TicketID string
	Reason   string
}

// Request describes one group acquisition: every listed target must be
// granted together or not at all.
type Request struct {
	// Group lists the fullids of every target in the candidate group.
	Group []string

	// Owner is the requester identity recorded on the reservation.
	Owner string

	// Priority orders contending requests; numerically lower is more
	// urgent (0 is the highest priority), matching queue conventions of
	// lab reservation systems.
	Priority int

	// Deadline bounds the time the request may stay queued. The zero
	// time means no deadline; a deadline at or before enqueue time
	// expires immediately unless the group is grantable on the spot.
	Deadline time.Time

	// TTL bounds how long a grant may be held without a keepalive;
	// zero inherits the broker default.
	TTL time.Duration
}

// Ticket is the token returned by Enqueue; it is the handle for await,
// poll, cancel and release.
type Ticket struct {
	id      string
	broker  *Broker
	request Request
	seq     uint64

	// guarded by the owning broker's mutex
	state     State
	expiresAt time.Time // grant TTL horizon
	delivered map[EventKind]bool
	events    chan Event
	timer     *time.Timer
}

// ID returns the opaque token identity.
func (t *Ticket) ID() string { return t.id }

// Group returns the requested target fullids.
func (t *Ticket) Group() []string { return t.request.Group }

// Owner returns the requester identity.
func (t *Ticket) Owner() string { return t.request.Owner }

// State returns the current lifecycle state.
func (t *Ticket) State() State {
	t.broker.mu.Lock()
	defer t.broker.mu.Unlock()
	return t.state
}

// Events exposes the ticket's notification channel. Grant, expiry,
// cancellation and eviction each arrive at most once; the channel is
// buffered so the broker never blocks on a slow consumer.
func (t *Ticket) Events() <-chan Event {
	return t.events
}

// deliver sends an event exactly once per kind; caller holds broker.mu.
func (t *Ticket) deliver(kind EventKind, reason string) {
	if t.delivered[kind] {
		return
	}
	t.delivered[kind] = true
	select {
	case t.events <- Event{Kind: kind, TicketID: t.id, Reason: reason}:
	default:
	}
}

func (t *Ticket) stopTimer() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
