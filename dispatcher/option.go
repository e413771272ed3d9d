package dispatcher

import (
	"github.com/testfarm/conductor/client"
	"github.com/testfarm/conductor/model/target"
	"github.com/testfarm/conductor/resolver"
	"github.com/testfarm/conductor/service/event"
	"github.com/testfarm/conductor/service/messaging"
	"github.com/testfarm/conductor/service/runner"
)

// Option configures the dispatcher service.
type Option func(*Service)

// WithConfig replaces the whole configuration.
func WithConfig(config Config) Option {
	return func(s *Service) { s.config = config }
}

// WithWorkerCount overrides the number of concurrent run-unit workers.
func WithWorkerCount(count int) Option {
	return func(s *Service) { s.config.WorkerCount = count }
}

// WithResolver sets the group resolver.
func WithResolver(aResolver *resolver.Resolver) Option {
	return func(s *Service) { s.resolver = aResolver }
}

// WithInventory sets the merged inventory view used for resolution.
func WithInventory(inventory *target.Inventory) Option {
	return func(s *Service) { s.inventory = inventory }
}

// WithClient sets the allocation client.
func WithClient(aClient *client.Client) Option {
	return func(s *Service) { s.client = aClient }
}

// WithRunner sets the payload runner.
func WithRunner(aRunner runner.Runner) Option {
	return func(s *Service) { s.runner = aRunner }
}

// WithQueue replaces the run-unit work queue.
func WithQueue(queue messaging.Queue[Unit]) Option {
	return func(s *Service) { s.queue = queue }
}

// WithEvents attaches an event service; run lifecycle transitions are
// published to it.
func WithEvents(events *event.Service) Option {
	return func(s *Service) { s.events = events }
}
