package conductor

import (
	"github.com/viant/afs/storage"
	"github.com/viant/x"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/testfarm/conductor/dispatcher"
	"github.com/testfarm/conductor/resolver"
	"github.com/testfarm/conductor/service/event"
	"github.com/testfarm/conductor/service/inventory"
	"github.com/testfarm/conductor/service/messaging"
	"github.com/testfarm/conductor/service/meta"
	"github.com/testfarm/conductor/service/runner"
	"github.com/testfarm/conductor/tracing"
)

// Option configures the conductor service.
type Option func(s *Service)

// WithConfig replaces the whole configuration.
func WithConfig(config *Config) Option {
	return func(s *Service) { s.config = config }
}

// WithOwner sets the allocation owner identity.
func WithOwner(owner string) Option {
	return func(s *Service) { s.owner = owner }
}

// WithExtensionTypes sets the extension types
func WithExtensionTypes(types ...*x.Type) Option {
	return func(s *Service) {
		s.extensionTypes = types
	}
}

// WithRunners registers additional payload runners.
func WithRunners(runners ...runner.Runner) Option {
	return func(s *Service) {
		s.extensionRunners = runners
	}
}

func WithEventService(service *event.Service) Option {
	return func(s *Service) {
		s.eventService = service
	}
}

// WithMetaService sets the meta service
func WithMetaService(service *meta.Service) Option {
	return func(s *Service) {
		s.metaService = service
	}
}

// WithInventoryService sets the inventory feed.
func WithInventoryService(feed *inventory.Service) Option {
	return func(s *Service) {
		s.feed = feed
	}
}

// WithInventorySources sets the inventory declaration document URLs.
func WithInventorySources(sources ...string) Option {
	return func(s *Service) {
		s.inventorySources = sources
	}
}

// WithResolver replaces the group resolver.
func WithResolver(aResolver *resolver.Resolver) Option {
	return func(s *Service) {
		s.resolver = aResolver
	}
}

// WithQueue sets the run-unit queue
func WithQueue(queue messaging.Queue[dispatcher.Unit]) Option {
	return func(s *Service) {
		s.queue = queue
	}
}

// WithDispatchWorkers sets the run-unit worker count
func WithDispatchWorkers(count int) Option {
	return func(s *Service) {
		s.dispatchWorkers = count
	}
}

// WithMetaBaseURL sets the meta base URL
func WithMetaBaseURL(url string) Option {
	return func(s *Service) {
		s.metaBaseURL = url
	}
}

// WithMetaFsOptions with meta file system options
func WithMetaFsOptions(options ...storage.Option) Option {
	return func(s *Service) {
		s.metaFsOptions = options
	}
}

// WithTracing configures OpenTelemetry tracing for the service. If outputFile is empty the
// stdout exporter is used; otherwise traces are written to the supplied file path. The function is
// safe to call multiple times – the first successful initialisation wins.
func WithTracing(serviceName, serviceVersion, outputFile string) Option {
	return func(s *Service) {
		_ = tracing.Init(serviceName, serviceVersion, outputFile)
	}
}

// WithTracingExporter configures OpenTelemetry tracing using a custom SpanExporter. This enables
// integrations with exporters other than the built-in stdout exporter, for example OTLP, Jaeger or
// Zipkin. The function is safe to call multiple times – the first successful initialisation wins.
func WithTracingExporter(serviceName, serviceVersion string, exporter sdktrace.SpanExporter) Option {
	return func(s *Service) {
		_ = tracing.InitWithExporter(serviceName, serviceVersion, exporter)
	}
}
