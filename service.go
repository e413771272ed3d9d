package conductor

import (
	"fmt"

	"github.com/viant/afs"
	"github.com/viant/afs/storage"
	"github.com/viant/x"

	"github.com/testfarm/conductor/client"
	"github.com/testfarm/conductor/dispatcher"
	"github.com/testfarm/conductor/extension"
	"github.com/testfarm/conductor/resolver"
	"github.com/testfarm/conductor/service/event"
	ifeed "github.com/testfarm/conductor/service/inventory"
	"github.com/testfarm/conductor/service/messaging"
	"github.com/testfarm/conductor/service/messaging/memory"
	"github.com/testfarm/conductor/service/meta"
	"github.com/testfarm/conductor/service/runner"
)

// Service assembles the orchestrator: the inventory feed, one allocation
// broker per declared server, the allocation client and the run
// dispatcher, all behind a single facade.
type Service struct {
	runtime          *Runtime
	config           *Config
	metaService      *meta.Service
	feed             *ifeed.Service
	runners          *extension.Runners
	resolver         *resolver.Resolver
	extensionTypes   []*x.Type
	extensionRunners []runner.Runner
	queue            messaging.Queue[dispatcher.Unit]
	eventService     *event.Service
	owner            string
	metaBaseURL      string
	metaFsOptions    []storage.Option
	inventorySources []string
	dispatchWorkers  int
}

func (s *Service) init(options []Option) error {
	for _, option := range options {
		option(s)
	}
	if err := s.ensureBaseSetup(); err != nil {
		return err
	}
	s.runners = extension.NewRunners(s.extensionTypes...)
	s.runners.Register(runner.NewShell())
	for _, aRunner := range s.extensionRunners {
		s.runners.Register(aRunner)
	}
	payload := s.runners.Lookup(s.config.Runner)
	if payload == nil {
		return fmt.Errorf("unknown payload runner %q", s.config.Runner)
	}

	rt := s.runtime
	rt.config = s.config
	rt.meta = s.metaService
	rt.feed = s.feed
	rt.inventory = s.feed.Inventory()
	rt.brokers = make(map[string]*brokerEntry)
	rt.events = s.eventService
	rt.ensureBroker("")
	rt.client = client.New(rt,
		client.WithConfig(s.config.Client),
		client.WithOwner(s.config.Owner))

	dispatcherOptions := []dispatcher.Option{
		dispatcher.WithConfig(s.config.Dispatcher),
		dispatcher.WithInventory(rt.inventory),
		dispatcher.WithClient(rt.client),
		dispatcher.WithRunner(payload),
	}
	if s.resolver != nil {
		dispatcherOptions = append(dispatcherOptions, dispatcher.WithResolver(s.resolver))
	}
	if s.queue != nil {
		dispatcherOptions = append(dispatcherOptions, dispatcher.WithQueue(s.queue))
	}
	if s.eventService != nil {
		dispatcherOptions = append(dispatcherOptions, dispatcher.WithEvents(s.eventService))
	}
	var err error
	rt.dispatcher, err = dispatcher.New(dispatcherOptions...)
	return err
}

func (s *Service) ensureBaseSetup() error {
	if s.config == nil {
		s.config = DefaultConfig()
	}
	if s.owner != "" {
		s.config.Owner = s.owner
	}
	if s.dispatchWorkers > 0 {
		s.config.Dispatcher.WorkerCount = s.dispatchWorkers
	}
	if err := s.config.Validate(); err != nil {
		return err
	}
	if s.metaService == nil {
		s.metaService = meta.New(afs.New(), s.metaBaseURL, s.metaFsOptions...)
	}
	if s.feed == nil {
		sources := s.inventorySources
		if len(sources) == 0 {
			sources = s.config.Inventory.Sources
		}
		feedOptions := []ifeed.Option{ifeed.WithSources(sources...)}
		if s.config.Inventory.RefreshInterval > 0 {
			feedOptions = append(feedOptions, ifeed.WithRefreshInterval(s.config.Inventory.RefreshInterval))
		}
		s.feed = ifeed.New(s.metaService, feedOptions...)
	}
	if s.eventService == nil {
		events, err := event.New("memory",
			event.WithNewMemoryQueueConfig(func(name string) memory.Config {
				return memory.DefaultConfig()
			}))
		if err != nil {
			return err
		}
		s.eventService = events
	}
	return nil
}

// RegisterExtensionTypes registers Go types payload declarations may
// reference.
func (s *Service) RegisterExtensionTypes(types ...*x.Type) {
	for i := range types {
		s.runners.Types().Register(types[i])
	}
}

// RegisterRunners registers additional payload runners.
func (s *Service) RegisterRunners(runners ...runner.Runner) {
	for i := range runners {
		s.runners.Register(runners[i])
	}
}

// Runners exposes the payload runner registry.
func (s *Service) Runners() *extension.Runners {
	return s.runners
}

// Runtime returns the assembled runtime.
func (s *Service) Runtime() *Runtime {
	return s.runtime
}

// New assembles a conductor service.
func New(options ...Option) (*Service, error) {
	ret := &Service{runtime: &Runtime{}}
	if err := ret.init(options); err != nil {
		return nil, err
	}
	return ret, nil
}
