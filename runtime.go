package conductor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/testfarm/conductor/broker"
	"github.com/testfarm/conductor/client"
	"github.com/testfarm/conductor/dispatcher"
	"github.com/testfarm/conductor/model/target"
	"github.com/testfarm/conductor/model/testcase"
	"github.com/testfarm/conductor/progress"
	"github.com/testfarm/conductor/service/event"
	ifeed "github.com/testfarm/conductor/service/inventory"
	"github.com/testfarm/conductor/service/meta"
)

type brokerEntry struct {
	broker *broker.Broker
	cancel context.CancelFunc
}

// Runtime is the assembled orchestrator: one allocation broker per
// declared server over a shared inventory, the allocation client bound
// to them, and the run dispatcher. It implements client.Directory so
// brokers declared by a later inventory reload become addressable
// without rewiring.
type Runtime struct {
	config     *Config
	meta       *meta.Service
	feed       *ifeed.Service
	inventory  *target.Inventory
	client     *client.Client
	dispatcher *dispatcher.Service
	events     *event.Service

	mu      sync.Mutex
	brokers map[string]*brokerEntry
	started bool
	ctx     context.Context
}

// Lookup resolves a server name to its allocation broker.
func (r *Runtime) Lookup(server string) (*broker.Broker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.brokers[server]
	if !ok {
		return nil, fmt.Errorf("%w: %q", client.ErrBrokerUnavailable, server)
	}
	return entry.broker, nil
}

// ensureBroker registers the server's broker, starting its maintenance
// loop when the runtime is already running.
func (r *Runtime) ensureBroker(server string) *broker.Broker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.brokers[server]; ok {
		return entry.broker
	}
	entry := &brokerEntry{
		broker: broker.New(server, r.inventory, broker.WithConfig(r.config.Broker)),
	}
	r.brokers[server] = entry
	if r.started {
		brokerCtx, cancel := context.WithCancel(r.ctx)
		entry.cancel = cancel
		go entry.broker.Start(brokerCtx)
	}
	return entry.broker
}

// Broker returns the named server's broker, or nil.
func (r *Runtime) Broker(server string) *broker.Broker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.brokers[server]; ok {
		return entry.broker
	}
	return nil
}

// Inventory returns the shared inventory.
func (r *Runtime) Inventory() *target.Inventory {
	return r.inventory
}

// Client returns the allocation client.
func (r *Runtime) Client() *client.Client {
	return r.client
}

// Events returns the event service.
func (r *Runtime) Events() *event.Service {
	return r.events
}

// LoadInventory loads every configured declaration document into the
// shared inventory and makes sure each declared server has a broker.
func (r *Runtime) LoadInventory(ctx context.Context) error {
	if err := r.feed.Load(ctx); err != nil {
		return err
	}
	servers, err := r.feed.Servers(ctx)
	if err != nil {
		return err
	}
	for _, server := range servers {
		r.ensureBroker(server)
	}
	return nil
}

// LoadTestCase loads a test case declaration. The location becomes the
// case's path when the document does not set one.
func (r *Runtime) LoadTestCase(ctx context.Context, location string) (*testcase.TestCase, error) {
	tc := &testcase.TestCase{}
	if err := r.meta.Load(ctx, location, tc); err != nil {
		return nil, err
	}
	if tc.Path == "" {
		tc.Path = location
	}
	if err := tc.Compile(); err != nil {
		return nil, err
	}
	return tc, nil
}

// Start launches the broker maintenance loops, the inventory refresh
// loop when configured, and the dispatcher worker pool.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("runtime already started")
	}
	r.started = true
	r.ctx = ctx
	for _, entry := range r.brokers {
		brokerCtx, cancel := context.WithCancel(ctx)
		entry.cancel = cancel
		go entry.broker.Start(brokerCtx)
	}
	r.mu.Unlock()
	if r.config.Inventory.RefreshInterval > 0 {
		go r.feed.Watch(ctx)
	}
	return r.dispatcher.Start(ctx)
}

// Shutdown stops the dispatcher and every broker.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.dispatcher.Shutdown()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range r.brokers {
		entry.broker.Shutdown()
		if entry.cancel != nil {
			entry.cancel()
		}
	}
	return nil
}

// Submit resolves the test cases and queues one run unit per candidate
// group.
func (r *Runtime) Submit(ctx context.Context, cases ...*testcase.TestCase) ([]*dispatcher.Unit, error) {
	return r.dispatcher.Submit(ctx, cases...)
}

// Run submits the test cases and waits for every resulting run unit to
// reach a terminal state.
func (r *Runtime) Run(ctx context.Context, timeout time.Duration, cases ...*testcase.TestCase) ([]*dispatcher.Unit, error) {
	units, err := r.Submit(ctx, cases...)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	for {
		if r.dispatcher.Progress().Done() {
			return units, nil
		}
		if time.Now().After(deadline) {
			return units, fmt.Errorf("timeout waiting for %d run units", len(units))
		}
		select {
		case <-ctx.Done():
			return units, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Progress returns the batch outcome tracker.
func (r *Runtime) Progress() *progress.Progress {
	return r.dispatcher.Progress()
}

// Unit returns a run unit by id.
func (r *Runtime) Unit(id string) (*dispatcher.Unit, bool) {
	return r.dispatcher.Unit(id)
}

// Units returns every known run unit.
func (r *Runtime) Units() []*dispatcher.Unit {
	return r.dispatcher.Units()
}
