package client

import (
	"sync"

	"github.com/testfarm/conductor/broker"
	"github.com/testfarm/conductor/resolver"
)

type grant struct {
	broker *broker.Broker
	ticket *broker.Ticket
}

// Acquired is the scoped handle over a fully granted candidate group.
// Release is safe to call from any exit path and frees the group exactly
// once, so abnormal termination of a run never leaks reservations.
type Acquired struct {
	Group *resolver.Group

	grants []grant
	once   sync.Once
}

// Release returns every target of the group to its broker. Subsequent
// calls are no-ops.
func (a *Acquired) Release() {
	a.once.Do(func() {
		for _, g := range a.grants {
			g.broker.Release(g.ticket)
		}
	})
}

// Keepalive refreshes the TTL of every grant backing the group.
func (a *Acquired) Keepalive() {
	for _, g := range a.grants {
		g.broker.Keepalive(g.ticket)
	}
}

// Tickets returns the backing ticket ids, one per server involved.
func (a *Acquired) Tickets() []string {
	ids := make([]string, 0, len(a.grants))
	for _, g := range a.grants {
		ids = append(ids, g.ticket.ID())
	}
	return ids
}

// Evicted reports whether any backing grant was revoked by its broker,
// in which case the group must not be used further.
func (a *Acquired) Evicted() bool {
	for _, g := range a.grants {
		if g.ticket.State() != broker.StateGranted {
			return true
		}
	}
	return false
}
