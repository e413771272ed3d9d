// Package dispatcher drives run units through their lifecycle: it binds
// test cases to resolved candidate groups, acquires the groups through
// the allocation client, delegates payload execution to a runner and
// aggregates pass/fail/block/skip outcomes incrementally.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/testfarm/conductor/client"
	"github.com/testfarm/conductor/internal/idgen"
	"github.com/testfarm/conductor/model/target"
	"github.com/testfarm/conductor/model/testcase"
	"github.com/testfarm/conductor/progress"
	"github.com/testfarm/conductor/resolver"
	"github.com/testfarm/conductor/service/event"
	"github.com/testfarm/conductor/service/messaging"
	"github.com/testfarm/conductor/service/messaging/memory"
	"github.com/testfarm/conductor/service/runner"
	"github.com/testfarm/conductor/tracing"
)

// Config represents dispatcher configuration.
type Config struct {
	// WorkerCount is the number of run units executed concurrently.
	WorkerCount int

	// MaxAcquireRetries bounds acquisition attempts per unit; exceeding
	// it is terminal, a unit is never retried indefinitely.
	MaxAcquireRetries int

	// RetryDelay is the backoff between acquisition attempts.
	RetryDelay time.Duration

	// AcquireTimeout bounds one acquisition attempt.
	AcquireTimeout time.Duration

	// KeepaliveInterval is how often held grants are refreshed while a
	// payload runs.
	KeepaliveInterval time.Duration

	// Priority is the allocation priority used for every request;
	// numerically lower is more urgent.
	Priority int

	// IDLength is the run identifier width in characters.
	IDLength int
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		WorkerCount:       5,
		MaxAcquireRetries: 2,
		RetryDelay:        3 * time.Second,
		AcquireTimeout:    30 * time.Second,
		KeepaliveInterval: 30 * time.Second,
		Priority:          500,
		IDLength:          4,
	}
}

// Service is the run dispatcher.
type Service struct {
	config    Config
	resolver  *resolver.Resolver
	inventory *target.Inventory
	client    *client.Client
	runner    runner.Runner
	queue     messaging.Queue[Unit]
	events    *event.Service

	progress *progress.Progress

	units map[string]*Unit
	mux   sync.RWMutex

	workers    []*worker
	workerWg   sync.WaitGroup
	shutdownCh chan struct{}
	once       sync.Once
}

type worker struct {
	id       int
	service  *Service
	ctx      context.Context
	cancelFn context.CancelFunc
}

// New creates a dispatcher service.
func New(options ...Option) (*Service, error) {
	s := &Service{
		config:     DefaultConfig(),
		units:      make(map[string]*Unit),
		shutdownCh: make(chan struct{}),
		progress: &progress.Progress{
			BatchID:   idgen.New(),
			StartedAt: time.Now(),
		},
	}
	for _, option := range options {
		option(s)
	}
	if s.client == nil {
		return nil, fmt.Errorf("allocation client is required")
	}
	if s.inventory == nil {
		return nil, fmt.Errorf("inventory is required")
	}
	if s.resolver == nil {
		s.resolver = resolver.New()
	}
	if s.runner == nil {
		s.runner = runner.NewShell()
	}
	if s.queue == nil {
		s.queue = memory.NewQueue[Unit](memory.DefaultConfig())
	}
	return s, nil
}

// Progress returns the batch's incremental outcome tracker.
func (s *Service) Progress() *progress.Progress { return s.progress }

// Unit returns a run unit by id.
func (s *Service) Unit(id string) (*Unit, bool) {
	s.mux.RLock()
	defer s.mux.RUnlock()
	unit, ok := s.units[id]
	return unit, ok
}

// Units returns every known run unit.
func (s *Service) Units() []*Unit {
	s.mux.RLock()
	defer s.mux.RUnlock()
	units := make([]*Unit, 0, len(s.units))
	for _, unit := range s.units {
		units = append(units, unit)
	}
	return units
}

// Submit resolves each test case against the current inventory and
// creates one run unit per candidate group the run mode yields. A test
// case with no eligible targets produces a single skipped unit, a
// legitimate outcome rather than an error; a malformed declaration
// aborts the whole submission.
func (s *Service) Submit(ctx context.Context, cases ...*testcase.TestCase) (units []*Unit, err error) {
	ctx, span := tracing.StartSpan(ctx, "dispatcher.Submit", "INTERNAL")
	defer func() { tracing.EndSpan(span, err) }()

	for _, tc := range cases {
		if err = tc.Compile(); err != nil {
			return nil, err
		}
		groups := s.resolver.Resolve(tc, s.inventory.Snapshot()).Collect()
		if len(groups) == 0 {
			unit := s.newUnit(tc, nil)
			unit.Reason = ReasonNoEligibleTargets
			unit.setState(StateSkipped)
			s.progress.Update(progress.Delta{Total: 1, Skipped: 1})
			s.record(unit)
			s.notify(ctx, unit)
			units = append(units, unit)
			continue
		}
		for _, group := range groups {
			unit := s.newUnit(tc, group)
			unit.setState(StatePending)
			s.progress.Update(progress.Delta{Total: 1, Pending: 1})
			s.record(unit)
			if err = s.queue.Publish(ctx, unit); err != nil {
				return nil, fmt.Errorf("failed to queue run unit %s: %w", unit.ID, err)
			}
			units = append(units, unit)
		}
	}
	return units, nil
}

// newUnit creates a unit whose identifier is derived from the test case
// path and the group identity, so re-running the same combination from
// a clean inventory reproduces the same id.
func (s *Service) newUnit(tc *testcase.TestCase, group *resolver.Group) *Unit {
	ident := ""
	if group != nil {
		ident = group.Ident()
	}
	return &Unit{
		ID:         idgen.ShortID(tc.Path+"|"+ident, s.config.IDLength),
		Case:       tc,
		GroupIdent: ident,
		group:      group,
		State:      StatePending,
		CreatedAt:  time.Now(),
	}
}

func (s *Service) record(unit *Unit) {
	s.mux.Lock()
	s.units[unit.ID] = unit
	s.mux.Unlock()
}

// Start launches the worker pool; workers consume queued run units
// until ctx ends or Shutdown is called.
func (s *Service) Start(ctx context.Context) error {
	for i := 0; i < s.config.WorkerCount; i++ {
		workerCtx, cancel := context.WithCancel(ctx)
		worker := &worker{
			id:       i,
			service:  s,
			ctx:      workerCtx,
			cancelFn: cancel,
		}
		s.workers = append(s.workers, worker)
		s.workerWg.Add(1)
		go worker.run()
	}
	return nil
}

// Shutdown stops the worker pool and waits for in-flight units.
func (s *Service) Shutdown() {
	s.once.Do(func() { close(s.shutdownCh) })
	for _, worker := range s.workers {
		worker.cancelFn()
	}
	s.workerWg.Wait()
}

// run consumes queued units.
func (w *worker) run() {
	defer w.service.workerWg.Done()

	for {
		msg, err := w.service.queue.Consume(w.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if msg == nil {
			continue
		}
		if pErr := w.service.processUnit(w.ctx, msg); pErr != nil {
			log.Printf("worker %d: failed to process run unit: %v", w.id, pErr)
		}
	}
}

// processUnit drives one run unit from pending to a terminal state. The
// acquired group is always released before the outcome is reported, so
// resource release is never skipped regardless of how the run ends.
func (s *Service) processUnit(ctx context.Context, msg messaging.Message[Unit]) (err error) {
	unit, ok := s.Unit(msg.T().ID)
	if !ok {
		return msg.Nack(fmt.Errorf("unknown run unit %s", msg.T().ID))
	}

	ctx, span := tracing.StartSpan(ctx, fmt.Sprintf("dispatcher.run %s", unit.ID), "INTERNAL")
	defer func() { tracing.EndSpan(span, err) }()
	span.WithAttributes(map[string]string{"run.id": unit.ID, "run.case": unit.Case.Ident()})

	unit.setState(StateAcquiring)
	s.progress.Update(progress.Delta{Pending: -1})
	s.notify(ctx, unit)

	acquired, reason, acquireErr := s.acquire(ctx, unit)
	if acquired == nil {
		unit.block(reason, acquireErr)
		s.progress.Update(progress.Delta{Blocked: 1})
		s.notify(ctx, unit)
		return msg.Ack()
	}

	unit.setState(StateRunning)
	s.progress.Update(progress.Delta{Running: 1})
	s.notify(ctx, unit)

	keepaliveDone := make(chan struct{})
	go s.keepalive(acquired, keepaliveDone)

	result, runErr := s.runner.Run(ctx, unit.Case, acquired.Group)
	evicted := acquired.Evicted()
	close(keepaliveDone)
	acquired.Release()

	switch {
	case runErr != nil:
		unit.block(ReasonRunError, runErr)
		s.progress.Update(progress.Delta{Running: -1, Blocked: 1})
	case evicted:
		unit.block(ReasonEvicted, fmt.Errorf("allocation revoked while running"))
		s.progress.Update(progress.Delta{Running: -1, Blocked: 1})
	default:
		unit.Output = result.Output
		unit.Reason = Reason(result.Reason)
		switch result.Verdict {
		case runner.VerdictPassed:
			unit.setState(StatePassed)
			s.progress.Update(progress.Delta{Running: -1, Passed: 1})
		case runner.VerdictSkipped:
			if unit.Reason == ReasonNone {
				unit.Reason = ReasonNoPayload
			}
			unit.setState(StateSkipped)
			s.progress.Update(progress.Delta{Running: -1, Skipped: 1})
		default:
			if unit.Reason == ReasonNone {
				unit.Reason = ReasonPayloadFailed
			}
			unit.setState(StateFailed)
			s.progress.Update(progress.Delta{Running: -1, Failed: 1})
		}
	}
	s.notify(ctx, unit)
	return msg.Ack()
}

// acquire obtains the unit's group with bounded retries; a stale
// snapshot triggers a re-resolution against the current inventory.
func (s *Service) acquire(ctx context.Context, unit *Unit) (*client.Acquired, Reason, error) {
	var lastErr error
	for attempt := 0; attempt <= s.config.MaxAcquireRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ReasonCancelled, ctx.Err()
			case <-time.After(s.config.RetryDelay):
			}
		}
		unit.Attempts++
		acquired, err := s.client.AcquireGroup(ctx, unit.group, s.config.Priority, s.config.AcquireTimeout)
		if err == nil {
			return acquired, ReasonNone, nil
		}
		lastErr = err
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, ReasonCancelled, err
		case errors.Is(err, client.ErrStaleSnapshot):
			if !s.rebind(unit) {
				return nil, ReasonStaleSnapshot, err
			}
		}
	}
	switch {
	case errors.Is(lastErr, client.ErrTimeout):
		return nil, ReasonAcquireTimeout, lastErr
	case errors.Is(lastErr, client.ErrBrokerUnavailable):
		return nil, ReasonBrokerUnavailable, lastErr
	case errors.Is(lastErr, client.ErrStaleSnapshot):
		return nil, ReasonStaleSnapshot, lastErr
	}
	return nil, ReasonExhausted, lastErr
}

// rebind re-resolves the unit's test case against the current inventory
// and re-pins the unit to the group with the same identity, if it still
// exists.
func (s *Service) rebind(unit *Unit) bool {
	sequence := s.resolver.Resolve(unit.Case, s.inventory.Snapshot())
	for {
		group, ok := sequence.Next()
		if !ok {
			return false
		}
		if group.Ident() == unit.GroupIdent {
			unit.group = group
			return true
		}
	}
}

// keepalive refreshes the group's grants until the run finishes.
func (s *Service) keepalive(acquired *client.Acquired, done <-chan struct{}) {
	ticker := time.NewTicker(s.config.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			acquired.Keepalive()
		}
	}
}

// notify publishes the unit's current state to the event service.
func (s *Service) notify(ctx context.Context, unit *Unit) {
	if s.events == nil {
		return
	}
	publisher, err := event.PublisherOf[Unit](s.events)
	if err != nil {
		log.Printf("run %s: failed to create event publisher: %v", unit.ID, err)
		return
	}
	eventContext := &event.Context{
		RunID:     unit.ID,
		TestCase:  unit.Case.Ident(),
		EventType: string(unit.State),
		Component: "dispatcher",
	}
	if err := publisher.Publish(ctx, event.NewEvent(eventContext, *unit)); err != nil {
		log.Printf("run %s: failed to publish %s event: %v", unit.ID, unit.State, err)
	}
}
