package client

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/testfarm/conductor/broker"
	"github.com/testfarm/conductor/model/target"
	"github.com/testfarm/conductor/model/testcase"
	"github.com/testfarm/conductor/resolver"
)

func testInventory(t *testing.T, targets ...*target.Target) *target.Inventory {
	inventory := target.NewInventory()
	for _, aTarget := range targets {
		assert.Nil(t, inventory.Add(aTarget))
	}
	return inventory
}

func armTarget(id, server string) *target.Target {
	return &target.Target{
		ID:     id,
		Server: server,
		Tags:   target.Tags{"bsp": target.String("arm")},
	}
}

func resolveSingle(t *testing.T, inventory *target.Inventory, filter string) *resolver.Sequence {
	tc := &testcase.TestCase{
		Path:  "tests/client.yaml",
		Mode:  testcase.ModeAll,
		Roles: []*testcase.Role{{Name: "target", Filter: filter}},
	}
	assert.Nil(t, tc.Compile())
	return resolver.New().Resolve(tc, inventory.Snapshot())
}

func TestAcquireImmediate(t *testing.T) {
	inventory := testInventory(t, armTarget("t1", ""))
	b := broker.New("local", inventory)
	c := New(StaticDirectory{"": b}, WithOwner("alice"))

	acquired, err := c.Acquire(context.Background(), resolveSingle(t, inventory, `bsp == "arm"`), 0, 0)
	assert.Nil(t, err)
	if !assert.NotNil(t, acquired) {
		return
	}
	state, alloc := inventory.StateOf("t1")
	assert.Equal(t, target.StateReserved, state)
	assert.Equal(t, "alice", alloc.Owner)
	assert.False(t, acquired.Evicted())

	acquired.Release()
	acquired.Release() // second release is a no-op
	state, _ = inventory.StateOf("t1")
	assert.Equal(t, target.StateFree, state)
}

func TestAcquireExhaustedWhenContended(t *testing.T) {
	inventory := testInventory(t, armTarget("t1", ""))
	b := broker.New("local", inventory)
	holder, err := b.Enqueue(broker.Request{Group: []string{"t1"}, Owner: "other"})
	assert.Nil(t, err)
	assert.Equal(t, broker.StateGranted, holder.State())

	c := New(StaticDirectory{"": b})
	_, err = c.Acquire(context.Background(), resolveSingle(t, inventory, `bsp == "arm"`), 0, 0)
	assert.True(t, errors.Is(err, ErrExhausted))
	assert.Equal(t, 0, b.QueueLen(), "a zero timeout never leaves requests queued")
}

func TestAcquireWaitsForRelease(t *testing.T) {
	inventory := testInventory(t, armTarget("t1", ""))
	b := broker.New("local", inventory)
	holder, err := b.Enqueue(broker.Request{Group: []string{"t1"}, Owner: "other"})
	assert.Nil(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		b.Release(holder)
	}()

	c := New(StaticDirectory{"": b})
	acquired, err := c.Acquire(context.Background(), resolveSingle(t, inventory, `bsp == "arm"`), 0, 2*time.Second)
	assert.Nil(t, err)
	if assert.NotNil(t, acquired) {
		acquired.Release()
	}
}

func TestAcquireTimeout(t *testing.T) {
	inventory := testInventory(t, armTarget("t1", ""))
	b := broker.New("local", inventory)
	_, err := b.Enqueue(broker.Request{Group: []string{"t1"}, Owner: "other"})
	assert.Nil(t, err)

	c := New(StaticDirectory{"": b})
	_, err = c.Acquire(context.Background(), resolveSingle(t, inventory, `bsp == "arm"`), 0, 50*time.Millisecond)
	assert.True(t, errors.Is(err, ErrTimeout))
}

// spanGroup builds the one candidate group that spans srvA/a1 and
// srvB/b1.
func spanGroup(t *testing.T, inventory *target.Inventory) *resolver.Group {
	tc := &testcase.TestCase{
		Path: "tests/span.yaml",
		Mode: testcase.ModeAll,
		Roles: []*testcase.Role{
			{Name: "a", Filter: `fullid == "srvA/a1"`},
			{Name: "b", Filter: `fullid == "srvB/b1"`},
		},
	}
	assert.Nil(t, tc.Compile())
	group, ok := resolver.New().Resolve(tc, inventory.Snapshot()).Next()
	assert.True(t, ok)
	return group
}

func TestMultiServerRollback(t *testing.T) {
	// one shared in-process inventory, two brokers each owning one
	// server's worth of targets
	inventory := testInventory(t, armTarget("a1", "srvA"), armTarget("b1", "srvB"))
	brokerA := broker.New("srvA", inventory)
	brokerB := broker.New("srvB", inventory)
	_, err := brokerB.Enqueue(broker.Request{Group: []string{"srvB/b1"}, Owner: "other"})
	assert.Nil(t, err)

	c := New(StaticDirectory{"srvA": brokerA, "srvB": brokerB})
	_, err = c.attempt(context.Background(), spanGroup(t, inventory), 0, time.Time{})
	assert.True(t, errors.Is(err, ErrPartialGrant))

	// the grant obtained on srvA must have been rolled back
	state, _ := inventory.StateOf("srvA/a1")
	assert.Equal(t, target.StateFree, state)
}

func TestAwaitNeverHoldsPartialGroup(t *testing.T) {
	inventory := testInventory(t, armTarget("a1", "srvA"), armTarget("b1", "srvB"))
	brokerA := broker.New("srvA", inventory)
	brokerB := broker.New("srvB", inventory)
	holder, err := brokerB.Enqueue(broker.Request{Group: []string{"srvB/b1"}, Owner: "other"})
	assert.Nil(t, err)
	assert.Equal(t, broker.StateGranted, holder.State())

	// a long backoff keeps a1 free for the whole observation window
	c := New(StaticDirectory{"srvA": brokerA, "srvB": brokerB},
		WithConfig(Config{RetryLimit: 3, RetryBackoff: 10 * time.Second}))
	done := make(chan error, 1)
	go func() {
		acquired, acquireErr := c.AcquireGroup(context.Background(), spanGroup(t, inventory), 0, 500*time.Millisecond)
		if acquired != nil {
			acquired.Release()
		}
		done <- acquireErr
	}()

	// while the request still waits on srvB the grant obtained on srvA
	// must have been given back
	time.Sleep(150 * time.Millisecond)
	state, alloc := inventory.StateOf("srvA/a1")
	assert.Equal(t, target.StateFree, state, "still held by %q", alloc.Owner)

	assert.True(t, errors.Is(<-done, ErrTimeout))
	state, _ = inventory.StateOf("srvA/a1")
	assert.Equal(t, target.StateFree, state)
}

func TestAwaitCompletesWhenContendedServerFrees(t *testing.T) {
	inventory := testInventory(t, armTarget("a1", "srvA"), armTarget("b1", "srvB"))
	brokerA := broker.New("srvA", inventory)
	brokerB := broker.New("srvB", inventory)
	holder, err := brokerB.Enqueue(broker.Request{Group: []string{"srvB/b1"}, Owner: "other"})
	assert.Nil(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		brokerB.Release(holder)
	}()

	c := New(StaticDirectory{"srvA": brokerA, "srvB": brokerB},
		WithConfig(Config{RetryLimit: 3, RetryBackoff: time.Millisecond}))
	acquired, err := c.AcquireGroup(context.Background(), spanGroup(t, inventory), 0, 2*time.Second)
	assert.Nil(t, err)
	if assert.NotNil(t, acquired) {
		state, _ := inventory.StateOf("srvA/a1")
		assert.Equal(t, target.StateReserved, state)
		state, _ = inventory.StateOf("srvB/b1")
		assert.Equal(t, target.StateReserved, state)
		acquired.Release()
	}
}

func TestAcquireStaleSnapshot(t *testing.T) {
	inventory := testInventory(t, armTarget("t1", ""))
	b := broker.New("local", inventory)
	sequence := resolveSingle(t, inventory, `bsp == "arm"`)

	// the inventory moves on after resolution
	assert.Nil(t, inventory.Add(armTarget("t2", "")))

	c := New(StaticDirectory{"": b})
	_, err := c.Acquire(context.Background(), sequence, 0, 0)
	assert.True(t, errors.Is(err, ErrStaleSnapshot))
}

type flakyDirectory struct {
	failures int
	inner    StaticDirectory
}

func (d *flakyDirectory) Lookup(server string) (*broker.Broker, error) {
	if d.failures > 0 {
		d.failures--
		return nil, fmt.Errorf("%w: simulated outage", ErrBrokerUnavailable)
	}
	return d.inner.Lookup(server)
}

func TestAcquireRetriesUnavailableBroker(t *testing.T) {
	inventory := testInventory(t, armTarget("t1", ""))
	b := broker.New("local", inventory)
	directory := &flakyDirectory{failures: 2, inner: StaticDirectory{"": b}}

	c := New(directory, WithConfig(Config{RetryLimit: 3, RetryBackoff: time.Millisecond}))
	acquired, err := c.Acquire(context.Background(), resolveSingle(t, inventory, `bsp == "arm"`), 0, 0)
	assert.Nil(t, err)
	if assert.NotNil(t, acquired) {
		acquired.Release()
	}
}

func TestAcquireCancellation(t *testing.T) {
	inventory := testInventory(t, armTarget("t1", ""))
	b := broker.New("local", inventory)
	_, err := b.Enqueue(broker.Request{Group: []string{"t1"}, Owner: "other"})
	assert.Nil(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	c := New(StaticDirectory{"": b})
	_, err = c.Acquire(ctx, resolveSingle(t, inventory, `bsp == "arm"`), 0, time.Second)
	assert.True(t, errors.Is(err, context.Canceled))
}
