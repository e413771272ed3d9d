package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/testfarm/conductor/internal/clock"
	"github.com/testfarm/conductor/model/target"
)

func testInventory(t *testing.T) *target.Inventory {
	inventory := target.NewInventory()
	for _, id := range []string{"t1", "t2", "t3"} {
		assert.Nil(t, inventory.Add(&target.Target{
			ID:   id,
			Tags: target.Tags{"bsp": target.String("arm")},
		}))
	}
	return inventory
}

func drainEvent(t *testing.T, ticket *Ticket) Event {
	select {
	case event := <-ticket.Events():
		return event
	default:
		t.Fatalf("expected an event on ticket %s", ticket.ID())
		return Event{}
	}
}

func TestEnqueueGrantsFreeGroup(t *testing.T) {
	broker := New("local", testInventory(t))
	ticket, err := broker.Enqueue(Request{Group: []string{"t1", "t2"}, Owner: "alice"})
	assert.Nil(t, err)
	assert.Equal(t, StateGranted, ticket.State())
	assert.Equal(t, EventGranted, drainEvent(t, ticket).Kind)

	state, alloc := broker.Inventory().StateOf("t1")
	assert.Equal(t, target.StateReserved, state)
	assert.Equal(t, "alice", alloc.Owner)
}

func TestEnqueueUnknownTarget(t *testing.T) {
	broker := New("local", testInventory(t))
	_, err := broker.Enqueue(Request{Group: []string{"t9"}, Owner: "alice"})
	assert.NotNil(t, err)
	_, err = broker.Enqueue(Request{Owner: "alice"})
	assert.NotNil(t, err)
}

func TestGrantIsAllOrNothing(t *testing.T) {
	broker := New("local", testInventory(t))
	first, err := broker.Enqueue(Request{Group: []string{"t1"}, Owner: "alice"})
	assert.Nil(t, err)
	assert.Equal(t, StateGranted, first.State())

	second, err := broker.Enqueue(Request{Group: []string{"t1", "t2"}, Owner: "bob"})
	assert.Nil(t, err)
	assert.Equal(t, StateQueued, second.State())

	// the free member of a blocked group must not end up reserved
	state, _ := broker.Inventory().StateOf("t2")
	assert.Equal(t, target.StateFree, state)
}

func TestReleaseHandsOffInArrivalOrder(t *testing.T) {
	broker := New("local", testInventory(t))
	holder, _ := broker.Enqueue(Request{Group: []string{"t1"}, Owner: "alice"})

	first, _ := broker.Enqueue(Request{Group: []string{"t1"}, Owner: "bob"})
	second, _ := broker.Enqueue(Request{Group: []string{"t1"}, Owner: "carol"})
	assert.Equal(t, StateQueued, first.State())
	assert.Equal(t, StateQueued, second.State())

	broker.Release(holder)
	assert.Equal(t, StateGranted, first.State(), "equal priority is served FIFO")
	assert.Equal(t, StateQueued, second.State())

	broker.Release(first)
	assert.Equal(t, StateGranted, second.State())
}

func TestPriorityBeatsArrival(t *testing.T) {
	broker := New("local", testInventory(t))
	holder, _ := broker.Enqueue(Request{Group: []string{"t1"}, Owner: "alice"})

	lazy, _ := broker.Enqueue(Request{Group: []string{"t1"}, Owner: "bob", Priority: 9})
	urgent, _ := broker.Enqueue(Request{Group: []string{"t1"}, Owner: "carol", Priority: 0})

	broker.Release(holder)
	assert.Equal(t, StateGranted, urgent.State(), "numerically lower priority wins")
	assert.Equal(t, StateQueued, lazy.State())
}

func TestPastDeadlineExpiresUnlessGrantable(t *testing.T) {
	broker := New("local", testInventory(t))

	// grantable on the spot: the deadline never comes into play
	instant, _ := broker.Enqueue(Request{
		Group:    []string{"t2"},
		Owner:    "alice",
		Deadline: clock.Now().Add(-time.Second),
	})
	assert.Equal(t, StateGranted, instant.State())

	blocked, _ := broker.Enqueue(Request{
		Group:    []string{"t2"},
		Owner:    "bob",
		Deadline: clock.Now(),
	})
	assert.Equal(t, StateExpired, blocked.State())
	assert.Equal(t, EventExpired, drainEvent(t, blocked).Kind)
}

func TestReleaseIsIdempotent(t *testing.T) {
	broker := New("local", testInventory(t))
	first, _ := broker.Enqueue(Request{Group: []string{"t1"}, Owner: "alice"})
	broker.Release(first)
	assert.Equal(t, StateReleased, first.State())

	second, _ := broker.Enqueue(Request{Group: []string{"t1"}, Owner: "bob"})
	assert.Equal(t, StateGranted, second.State())

	// a second release of the first ticket must not free bob's grant
	broker.Release(first)
	state, alloc := broker.Inventory().StateOf("t1")
	assert.Equal(t, target.StateReserved, state)
	assert.Equal(t, "bob", alloc.Owner)
	assert.Equal(t, StateGranted, second.State())
}

func TestCancelQueuedOnly(t *testing.T) {
	broker := New("local", testInventory(t))
	holder, _ := broker.Enqueue(Request{Group: []string{"t1"}, Owner: "alice"})
	waiter, _ := broker.Enqueue(Request{Group: []string{"t1"}, Owner: "bob"})

	broker.Cancel(waiter)
	assert.Equal(t, StateCancelled, waiter.State())
	assert.Equal(t, EventCancelled, drainEvent(t, waiter).Kind)
	assert.Equal(t, 0, broker.QueueLen())

	broker.Cancel(holder)
	assert.Equal(t, StateGranted, holder.State(), "cancel of a grant is a no-op")
	broker.Release(holder)
}

func TestTTLReapFreesAndDispatches(t *testing.T) {
	base := time.Now()
	clock.NowFunc = func() time.Time { return base }
	defer func() { clock.NowFunc = time.Now }()

	broker := New("local", testInventory(t), WithConfig(Config{
		DefaultTTL:          30 * time.Second,
		MaintenanceInterval: time.Second,
	}))
	holder, _ := broker.Enqueue(Request{Group: []string{"t1"}, Owner: "alice"})
	assert.Equal(t, EventGranted, drainEvent(t, holder).Kind)
	waiter, _ := broker.Enqueue(Request{Group: []string{"t1"}, Owner: "bob"})

	// a keepalive pushes the horizon out
	base = base.Add(20 * time.Second)
	broker.Keepalive(holder)
	base = base.Add(20 * time.Second)
	broker.maintain()
	assert.Equal(t, StateGranted, holder.State(), "keepalive extended the grant")

	base = base.Add(31 * time.Second)
	broker.maintain()
	assert.Equal(t, StateEvicted, holder.State())
	assert.Equal(t, EventEvicted, drainEvent(t, holder).Kind)
	assert.Equal(t, StateGranted, waiter.State(), "reaped targets go to the queue head")
}

func TestPreemptionEvictsLessUrgentHolder(t *testing.T) {
	broker := New("local", testInventory(t), WithPreemption(true))
	holder, _ := broker.Enqueue(Request{Group: []string{"t1", "t2"}, Owner: "alice", Priority: 9})
	assert.Equal(t, EventGranted, drainEvent(t, holder).Kind)

	urgent, _ := broker.Enqueue(Request{Group: []string{"t1"}, Owner: "bob", Priority: 0})
	assert.Equal(t, StateGranted, urgent.State())
	assert.Equal(t, StateEvicted, holder.State())
	assert.Equal(t, EventEvicted, drainEvent(t, holder).Kind)

	// the victim's whole group is freed, not just the contended target
	state, _ := broker.Inventory().StateOf("t2")
	assert.Equal(t, target.StateFree, state)
}

func TestNoPreemptionOfEqualPriority(t *testing.T) {
	broker := New("local", testInventory(t), WithPreemption(true))
	holder, _ := broker.Enqueue(Request{Group: []string{"t1"}, Owner: "alice", Priority: 3})
	peer, _ := broker.Enqueue(Request{Group: []string{"t1"}, Owner: "bob", Priority: 3})
	assert.Equal(t, StateGranted, holder.State())
	assert.Equal(t, StateQueued, peer.State())
}

func TestNoPreemptionWhenDisabled(t *testing.T) {
	broker := New("local", testInventory(t))
	holder, _ := broker.Enqueue(Request{Group: []string{"t1"}, Owner: "alice", Priority: 9})
	urgent, _ := broker.Enqueue(Request{Group: []string{"t1"}, Owner: "bob", Priority: 0})
	assert.Equal(t, StateGranted, holder.State())
	assert.Equal(t, StateQueued, urgent.State())
}

func TestEventsAreOneShot(t *testing.T) {
	broker := New("local", testInventory(t))
	ticket, _ := broker.Enqueue(Request{Group: []string{"t1"}, Owner: "alice"})
	ticket.deliver(EventGranted, "")
	ticket.deliver(EventGranted, "")

	assert.Equal(t, EventGranted, drainEvent(t, ticket).Kind)
	select {
	case event := <-ticket.Events():
		t.Fatalf("unexpected duplicate event %v", event.Kind)
	default:
	}
}

func TestPollTracksTicketState(t *testing.T) {
	broker := New("local", testInventory(t))
	ticket, _ := broker.Enqueue(Request{Group: []string{"t1"}, Owner: "alice"})

	state, err := broker.Poll(ticket.ID())
	assert.Nil(t, err)
	assert.Equal(t, StateGranted, state)

	_, err = broker.Poll("no-such-ticket")
	assert.NotNil(t, err)
}

func TestQueuedDeadlineExpiry(t *testing.T) {
	broker := New("local", testInventory(t))
	holder, _ := broker.Enqueue(Request{Group: []string{"t1"}, Owner: "alice"})
	waiter, _ := broker.Enqueue(Request{
		Group:    []string{"t1"},
		Owner:    "bob",
		Deadline: clock.Now().Add(20 * time.Millisecond),
	})
	assert.Equal(t, StateQueued, waiter.State())

	select {
	case event := <-waiter.Events():
		assert.Equal(t, EventExpired, event.Kind)
	case <-time.After(time.Second):
		t.Fatal("deadline timer never fired")
	}
	assert.Equal(t, StateExpired, waiter.State())
	assert.Equal(t, 0, broker.QueueLen())
	broker.Release(holder)
}
