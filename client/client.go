// Package client coordinates group acquisition across one or more
// allocation brokers on behalf of a running process. It pulls candidate
// groups from a resolver sequence and turns them into all-or-nothing
// grants, rolling back partial cross-server acquisitions instead of
// holding them.
package client

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/testfarm/conductor/broker"
	"github.com/testfarm/conductor/internal/clock"
	"github.com/testfarm/conductor/resolver"
)

var (
	// ErrExhausted means every candidate group was tried and none
	// reached a full grant.
	ErrExhausted = errors.New("candidate groups exhausted")

	// ErrTimeout means the acquisition deadline lapsed while waiting.
	ErrTimeout = errors.New("acquisition timed out")

	// ErrPartialGrant marks a coordinated multi-server enqueue that
	// obtained only a subset of its grants; the client rolls the subset
	// back before surfacing or retrying, it is never left unresolved.
	ErrPartialGrant = errors.New("partial cross-server grant rolled back")

	// ErrStaleSnapshot means the groups were resolved against an
	// inventory generation the brokers no longer serve; the caller
	// should re-resolve.
	ErrStaleSnapshot = errors.New("stale inventory snapshot")
)

// Config represents client configuration.
type Config struct {
	// RetryLimit bounds lookup retries against an unavailable broker.
	RetryLimit int `json:"retryLimit" yaml:"retryLimit"`

	// RetryBackoff is the pause between such retries.
	RetryBackoff time.Duration `json:"retryBackoff" yaml:"retryBackoff"`
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{RetryLimit: 3, RetryBackoff: 200 * time.Millisecond}
}

// Option configures a Client.
type Option func(*Client)

// WithConfig replaces the whole configuration.
func WithConfig(config Config) Option {
	return func(c *Client) { c.config = config }
}

// WithOwner sets the requester identity recorded on reservations.
func WithOwner(owner string) Option {
	return func(c *Client) { c.owner = owner }
}

// Client acquires resolved candidate groups from the brokers named by
// its directory. A Client is stateless between Acquire calls and safe
// for concurrent use.
type Client struct {
	directory Directory
	config    Config
	owner     string
}

// New creates a client over the given broker directory.
func New(directory Directory, options ...Option) *Client {
	c := &Client{directory: directory, config: DefaultConfig(), owner: "conductor"}
	for _, option := range options {
		option(c)
	}
	return c
}

// Acquire pulls candidate groups from the sequence and returns the
// first one fully granted. It first sweeps the sequence for a group
// grantable on the spot, then queues on candidates in turn until the
// timeout lapses. A zero timeout never waits: contended groups yield
// ErrExhausted immediately.
func (c *Client) Acquire(ctx context.Context, sequence *resolver.Sequence, priority int, timeout time.Duration) (*Acquired, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = clock.Now().Add(timeout)
	}

	sawGroup, allStale := false, true
	sequence.Restart()
	for {
		group, ok := sequence.Next()
		if !ok {
			break
		}
		sawGroup = true
		acquired, err := c.attempt(ctx, group, priority, time.Time{})
		if err == nil {
			return acquired, nil
		}
		if !errors.Is(err, ErrStaleSnapshot) {
			allStale = false
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	if sawGroup && allStale {
		return nil, ErrStaleSnapshot
	}
	if timeout <= 0 {
		return nil, ErrExhausted
	}

	sequence.Restart()
	for {
		group, ok := sequence.Next()
		if !ok {
			return nil, ErrExhausted
		}
		acquired, err := c.attempt(ctx, group, priority, deadline)
		switch {
		case err == nil:
			return acquired, nil
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, err
		case errors.Is(err, ErrTimeout):
			return nil, ErrTimeout
		}
		// expired, stale or unavailable group: try the next candidate
	}
}

// AcquireGroup acquires one specific candidate group, waiting up to
// timeout for contended targets. A zero timeout demands an immediate
// grant.
func (c *Client) AcquireGroup(ctx context.Context, group *resolver.Group, priority int, timeout time.Duration) (*Acquired, error) {
	if timeout <= 0 {
		return c.attempt(ctx, group, priority, time.Time{})
	}
	return c.attempt(ctx, group, priority, clock.Now().Add(timeout))
}

// attempt runs one coordinated acquisition across every broker the
// group spans. With the zero deadline it demands an immediate grant;
// otherwise it queues on every broker and awaits events. Anything short
// of a full grant gives every obtained reservation back before the next
// round: a strict subset of a cross-server group is never kept.
func (c *Client) attempt(ctx context.Context, group *resolver.Group, priority int, deadline time.Time) (*Acquired, error) {
	byServer := groupByServer(group)
	brokers := make([]*broker.Broker, len(byServer))
	for i, sg := range byServer {
		b, err := c.lookup(ctx, sg.server)
		if err != nil {
			return nil, err
		}
		if b.Inventory().Generation() != group.Generation {
			return nil, fmt.Errorf("%w: server %q moved past generation %d", ErrStaleSnapshot, sg.server, group.Generation)
		}
		brokers[i] = b
	}
	acquired, err := c.sweep(group, byServer, brokers, priority)
	if err == nil || deadline.IsZero() {
		return acquired, err
	}
	return c.await(ctx, group, byServer, brokers, priority, deadline)
}

// sweep runs one immediate coordinated attempt: every broker grants on
// the spot or the whole attempt is rolled back.
func (c *Client) sweep(group *resolver.Group, byServer []*serverGroup, brokers []*broker.Broker, priority int) (*Acquired, error) {
	grants := make([]grant, 0, len(byServer))
	granted := 0
	for i, sg := range byServer {
		// a deadline in the past grants on the spot or expires, it
		// never queues
		ticket, err := brokers[i].Enqueue(broker.Request{
			Group:    sg.fullIDs,
			Owner:    c.owner,
			Priority: priority,
			Deadline: clock.Now(),
		})
		if err != nil {
			releaseGrants(grants)
			return nil, err
		}
		grants = append(grants, grant{broker: brokers[i], ticket: ticket})
		if ticket.State() == broker.StateGranted {
			granted++
		}
	}
	if granted == len(grants) {
		return &Acquired{Group: group, grants: grants}, nil
	}
	releaseGrants(grants)
	return nil, partialError(granted, len(grants))
}

// await queues one request per broker and blocks on ticket events. A
// wakeup finding every waiter granted completes the group; one finding
// only some granted releases those grants and queues them again after a
// backoff, so the client never sits on a strict subset while the rest
// waits behind another owner. Two clients wanting the same servers in
// opposite orders both make progress instead of blocking each other
// until their deadlines.
func (c *Client) await(ctx context.Context, group *resolver.Group, byServer []*serverGroup, brokers []*broker.Broker, priority int, deadline time.Time) (*Acquired, error) {
	waiters := make([]grant, len(byServer))
	enqueue := func(i int) error {
		ticket, err := brokers[i].Enqueue(broker.Request{
			Group:    byServer[i].fullIDs,
			Owner:    c.owner,
			Priority: priority,
			Deadline: deadline,
		})
		if err != nil {
			return err
		}
		waiters[i] = grant{broker: brokers[i], ticket: ticket}
		return nil
	}
	for i := range byServer {
		if err := enqueue(i); err != nil {
			releaseGrants(waiters)
			return nil, err
		}
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	for {
		granted, failed := 0, -1
		for i, w := range waiters {
			switch w.ticket.State() {
			case broker.StateGranted:
				granted++
			case broker.StateQueued:
			default:
				failed = i
			}
		}
		switch {
		case failed >= 0:
			state := waiters[failed].ticket.State()
			releaseGrants(waiters)
			if state == broker.StateExpired {
				return nil, ErrTimeout
			}
			return nil, fmt.Errorf("allocation %s on server %q", state, byServer[failed].server)
		case granted == len(waiters):
			return &Acquired{Group: group, grants: append([]grant(nil), waiters...)}, nil
		case granted > 0:
			for i, w := range waiters {
				if w.ticket.State() != broker.StateGranted {
					continue
				}
				w.broker.Release(w.ticket)
				waiters[i] = grant{}
			}
			if err := c.pause(ctx, timer); err != nil {
				releaseGrants(waiters)
				return nil, err
			}
			for i := range waiters {
				if waiters[i].ticket != nil {
					continue
				}
				if err := enqueue(i); err != nil {
					releaseGrants(waiters)
					return nil, err
				}
			}
		default:
			if err := awaitAny(ctx, waiters, timer); err != nil {
				releaseGrants(waiters)
				return nil, err
			}
		}
	}
}

// awaitAny blocks until any waiter delivers an event, the deadline
// lapses or ctx ends. The event itself is dropped; callers re-read the
// ticket states, which are authoritative.
func awaitAny(ctx context.Context, waiters []grant, timer *time.Timer) error {
	cases := make([]reflect.SelectCase, 0, len(waiters)+2)
	cases = append(cases,
		reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())},
		reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(timer.C)})
	for _, w := range waiters {
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(w.ticket.Events())})
	}
	switch chosen, _, _ := reflect.Select(cases); chosen {
	case 0:
		return ctx.Err()
	case 1:
		return ErrTimeout
	}
	return nil
}

// pause waits one retry backoff between coordinated rounds.
func (c *Client) pause(ctx context.Context, timer *time.Timer) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrTimeout
	case <-time.After(c.config.RetryBackoff):
		return nil
	}
}

// releaseGrants gives every obtained reservation back; queued tickets
// are withdrawn and empty slots skipped.
func releaseGrants(grants []grant) {
	for _, g := range grants {
		if g.ticket == nil {
			continue
		}
		if g.ticket.State() == broker.StateQueued {
			g.broker.Cancel(g.ticket)
		} else {
			g.broker.Release(g.ticket)
		}
	}
}

func partialError(granted, total int) error {
	if granted == 0 {
		return fmt.Errorf("no grant obtained for any of %d servers", total)
	}
	return fmt.Errorf("%w: %d of %d servers granted", ErrPartialGrant, granted, total)
}

// lookup resolves a server's broker, retrying transient unavailability
// with a bounded backoff.
func (c *Client) lookup(ctx context.Context, server string) (*broker.Broker, error) {
	var err error
	for attempt := 0; attempt <= c.config.RetryLimit; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.config.RetryBackoff):
			}
		}
		var b *broker.Broker
		if b, err = c.directory.Lookup(server); err == nil {
			return b, nil
		}
		if !errors.Is(err, ErrBrokerUnavailable) {
			return nil, err
		}
	}
	return nil, err
}

type serverGroup struct {
	server  string
	fullIDs []string
}

// groupByServer splits a candidate group into per-server target lists,
// deduplicating targets shared across roles. Order follows the group's
// role assignment order so coordinated enqueues are deterministic.
func groupByServer(group *resolver.Group) []*serverGroup {
	var order []string
	index := map[string]*serverGroup{}
	seen := map[string]bool{}
	for _, assignment := range group.Assignments {
		for _, t := range assignment.Targets {
			if seen[t.FullID()] {
				continue
			}
			seen[t.FullID()] = true
			sg, ok := index[t.Server]
			if !ok {
				sg = &serverGroup{server: t.Server}
				index[t.Server] = sg
				order = append(order, t.Server)
			}
			sg.fullIDs = append(sg.fullIDs, t.FullID())
		}
	}
	groups := make([]*serverGroup, 0, len(order))
	for _, server := range order {
		groups = append(groups, index[server])
	}
	return groups
}
