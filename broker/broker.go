// Package broker implements the per-server allocation authority: it owns
// the reservation state of one inventory, serialises concurrent
// acquire/release traffic, and replaces client polling with an explicit
// priority queue plus one-shot grant/expiry events.
package broker

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/testfarm/conductor/internal/clock"
	"github.com/testfarm/conductor/internal/idgen"
	"github.com/testfarm/conductor/model/target"
)

// Config represents broker configuration.
type Config struct {
	// DefaultTTL is how long a grant survives without a keepalive.
	DefaultTTL time.Duration `json:"defaultTTL" yaml:"defaultTTL"`

	// MaintenanceInterval is how often expired grants are reaped.
	MaintenanceInterval time.Duration `json:"maintenanceInterval" yaml:"maintenanceInterval"`

	// Preempt lets a strictly higher-priority queued request evict a
	// lower-priority grant instead of waiting behind it.
	Preempt bool `json:"preempt" yaml:"preempt"`
}

// DefaultConfig returns the default broker configuration.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:          5 * time.Minute,
		MaintenanceInterval: 2 * time.Second,
	}
}

// Option configures a Broker.
type Option func(*Broker)

// WithConfig replaces the whole configuration.
func WithConfig(config Config) Option {
	return func(b *Broker) { b.config = config }
}

// WithPreemption toggles grant preemption.
func WithPreemption(enabled bool) Option {
	return func(b *Broker) { b.config.Preempt = enabled }
}

// Broker arbitrates access to the targets of exactly one server. All
// mutation of its inventory's reservation state funnels through its
// mutex: contention arbitration needs a single authoritative ordering
// per server, while separate brokers stay fully parallel.
type Broker struct {
	name      string
	inventory *target.Inventory
	config    Config

	mu      sync.Mutex
	queue   waitQueue
	tickets map[string]*Ticket
	held    map[string]*Ticket // target fullid -> granting ticket
	seq     uint64

	shutdownCh chan struct{}
	once       sync.Once
}

// New creates a broker owning the given inventory.
func New(name string, inventory *target.Inventory, options ...Option) *Broker {
	b := &Broker{
		name:       name,
		inventory:  inventory,
		config:     DefaultConfig(),
		tickets:    make(map[string]*Ticket),
		held:       make(map[string]*Ticket),
		shutdownCh: make(chan struct{}),
	}
	for _, option := range options {
		option(b)
	}
	return b
}

// Name returns the server name this broker fronts.
func (b *Broker) Name() string { return b.name }

// Inventory exposes the owned inventory for read-through access.
func (b *Broker) Inventory() *target.Inventory { return b.inventory }

// Enqueue atomically grants the whole group when every member is free,
// otherwise queues the request by (priority, arrival). The returned
// ticket reports the immediate outcome via State: granted, queued, or
// already expired when the deadline left no room to wait.
func (b *Broker) Enqueue(request Request) (*Ticket, error) {
	if len(request.Group) == 0 {
		return nil, fmt.Errorf("empty allocation group")
	}
	for _, fullID := range request.Group {
		if _, err := b.inventory.Get(fullID); err != nil {
			return nil, err
		}
	}
	if request.TTL <= 0 {
		request.TTL = b.config.DefaultTTL
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	ticket := &Ticket{
		id:        idgen.New(),
		broker:    b,
		request:   request,
		seq:       b.seq,
		state:     StateQueued,
		delivered: make(map[EventKind]bool),
		events:    make(chan Event, 4),
	}
	b.tickets[ticket.id] = ticket

	if b.grantLocked(ticket) {
		return ticket, nil
	}
	if b.config.Preempt && b.preemptLocked(ticket) {
		return ticket, nil
	}
	now := clock.Now()
	if !request.Deadline.IsZero() && !request.Deadline.After(now) {
		ticket.state = StateExpired
		ticket.deliver(EventExpired, "deadline elapsed before a grant was possible")
		return ticket, nil
	}
	heap.Push(&b.queue, ticket)
	if !request.Deadline.IsZero() {
		wait := request.Deadline.Sub(now)
		ticket.timer = time.AfterFunc(wait, func() { b.expire(ticket) })
	}
	return ticket, nil
}

// Release frees the ticket's targets and hands them to the next
// satisfiable queued request. Releasing a ticket twice, or one that
// never got granted, is a no-op; a still-queued ticket is withdrawn.
func (b *Broker) Release(ticket *Ticket) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch ticket.state {
	case StateGranted:
		b.freeLocked(ticket, StateReleased)
		b.dispatchLocked()
	case StateQueued:
		b.queue.remove(ticket)
		ticket.stopTimer()
		ticket.state = StateCancelled
		ticket.deliver(EventCancelled, "released while queued")
	}
}

// Cancel withdraws a still-queued request; it is a no-op once granted.
func (b *Broker) Cancel(ticket *Ticket) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ticket.state != StateQueued {
		return
	}
	b.queue.remove(ticket)
	ticket.stopTimer()
	ticket.state = StateCancelled
	ticket.deliver(EventCancelled, "cancelled by owner")
}

// Keepalive refreshes a grant's TTL horizon.
func (b *Broker) Keepalive(ticket *Ticket) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ticket.state == StateGranted {
		ticket.expiresAt = clock.Now().Add(ticket.request.TTL)
	}
}

// Poll returns the state of a ticket by id; the transport layer renders
// this as its pending/granted/expired inspection call. Clients await
// events instead of spinning on Poll.
func (b *Broker) Poll(ticketID string) (State, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ticket, ok := b.tickets[ticketID]
	if !ok {
		return "", fmt.Errorf("unknown ticket %s", ticketID)
	}
	return ticket.state, nil
}

// QueueLen reports the number of waiting requests.
func (b *Broker) QueueLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queue.Len()
}

// Start runs the maintenance loop that reaps grants whose TTL lapsed
// without a keepalive; it returns when ctx ends or Shutdown is called.
func (b *Broker) Start(ctx context.Context) error {
	ticker := time.NewTicker(b.config.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.shutdownCh:
			return nil
		case <-ticker.C:
			b.maintain()
		}
	}
}

// Shutdown stops the maintenance loop.
func (b *Broker) Shutdown() {
	b.once.Do(func() { close(b.shutdownCh) })
}

// maintain reaps granted allocations whose TTL lapsed and prunes
// terminal tickets.
func (b *Broker) maintain() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := clock.Now()
	var reaped bool
	for _, ticket := range b.tickets {
		if ticket.state == StateGranted && ticket.expiresAt.Before(now) {
			b.freeLocked(ticket, StateEvicted)
			ticket.deliver(EventEvicted, "keepalive TTL lapsed")
			reaped = true
		}
	}
	if reaped {
		b.dispatchLocked()
	}
	for id, ticket := range b.tickets {
		if ticket.state.Terminal() && len(ticket.events) == 0 {
			delete(b.tickets, id)
		}
	}
}

// grantLocked attempts the all-or-nothing reservation of the ticket's
// group; a group acquisition never holds a strict subset.
func (b *Broker) grantLocked(ticket *Ticket) bool {
	expiry := clock.Now().Add(ticket.request.TTL)
	if err := b.inventory.MarkReserved(ticket.request.Group, ticket.request.Owner, expiry); err != nil {
		return false
	}
	ticket.state = StateGranted
	ticket.expiresAt = expiry
	ticket.stopTimer()
	for _, fullID := range ticket.request.Group {
		b.held[fullID] = ticket
	}
	ticket.deliver(EventGranted, "")
	return true
}

// preemptLocked evicts lower-priority holders blocking the ticket when
// every blocking grant is strictly less urgent, then grants. Holding
// requests of equal or higher urgency always keep their targets.
func (b *Broker) preemptLocked(ticket *Ticket) bool {
	victims := map[*Ticket]bool{}
	for _, fullID := range ticket.request.Group {
		holder, busy := b.held[fullID]
		if !busy {
			continue
		}
		if holder.request.Priority <= ticket.request.Priority {
			return false
		}
		victims[holder] = true
	}
	if len(victims) == 0 {
		return false
	}
	for victim := range victims {
		b.freeLocked(victim, StateEvicted)
		victim.deliver(EventEvicted, "preempted by higher priority request")
	}
	return b.grantLocked(ticket)
}

// freeLocked returns a grant's targets to the free pool.
func (b *Broker) freeLocked(ticket *Ticket, next State) {
	b.inventory.MarkFree(ticket.request.Group)
	for _, fullID := range ticket.request.Group {
		if b.held[fullID] == ticket {
			delete(b.held, fullID)
		}
	}
	ticket.state = next
	ticket.stopTimer()
}

// dispatchLocked walks the wait queue in grant order and serves every
// request whose whole group is now free. Priority is strict; equal
// priority is FIFO by arrival.
func (b *Broker) dispatchLocked() {
	for _, ticket := range b.queue.ordered() {
		if ticket.state != StateQueued {
			continue
		}
		if b.grantLocked(ticket) {
			b.queue.remove(ticket)
		}
	}
}

// expire evicts a queued ticket whose deadline lapsed; the caller is
// notified rather than silently dropped.
func (b *Broker) expire(ticket *Ticket) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ticket.state != StateQueued {
		return
	}
	b.queue.remove(ticket)
	ticket.timer = nil
	ticket.state = StateExpired
	ticket.deliver(EventExpired, "deadline exceeded while queued")
}
