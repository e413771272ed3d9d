// Package inventory feeds generation-tagged target sets into the
// in-memory inventory from YAML declarations, refreshed on demand or
// periodically.
package inventory

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/testfarm/conductor/model/target"
	"github.com/testfarm/conductor/service/meta"
)

// Document is one server's worth of declared targets.
type Document struct {
	// Server qualifies every target's fullid; empty means local.
	Server string `yaml:"server,omitempty" json:"server,omitempty"`

	Targets []*target.Target `yaml:"targets" json:"targets"`
}

// Config represents feed configuration.
type Config struct {
	// Sources lists the declaration document URLs, one per server.
	Sources []string `yaml:"sources" json:"sources"`

	// RefreshInterval enables periodic reloads when positive.
	RefreshInterval time.Duration `yaml:"refreshInterval" json:"refreshInterval"`
}

// Option configures the feed.
type Option func(*Service)

// WithSources sets the declaration document URLs.
func WithSources(sources ...string) Option {
	return func(s *Service) { s.config.Sources = sources }
}

// WithRefreshInterval enables periodic reloads.
func WithRefreshInterval(interval time.Duration) Option {
	return func(s *Service) { s.config.RefreshInterval = interval }
}

// Service loads target declarations and keeps one shared inventory
// current. Every successful reload bumps the inventory generation so
// resolvers detect staleness and re-resolve.
type Service struct {
	meta      *meta.Service
	inventory *target.Inventory
	config    Config
}

// New creates an inventory feed over the given meta loader.
func New(metaService *meta.Service, options ...Option) *Service {
	s := &Service{
		meta:      metaService,
		inventory: target.NewInventory(),
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// Inventory returns the fed inventory.
func (s *Service) Inventory() *target.Inventory { return s.inventory }

// Servers returns the distinct server names declared by the sources, in
// source order.
func (s *Service) Servers(ctx context.Context) ([]string, error) {
	var servers []string
	seen := map[string]bool{}
	for _, source := range s.config.Sources {
		var document Document
		if err := s.meta.Load(ctx, source, &document); err != nil {
			return nil, err
		}
		if !seen[document.Server] {
			seen[document.Server] = true
			servers = append(servers, document.Server)
		}
	}
	return servers, nil
}

// Load reads every source document and replaces the inventory's target
// set in one generation bump. Reservations of surviving targets are
// kept.
func (s *Service) Load(ctx context.Context) error {
	var targets []*target.Target
	for _, source := range s.config.Sources {
		var document Document
		if err := s.meta.Load(ctx, source, &document); err != nil {
			return err
		}
		for _, aTarget := range document.Targets {
			if aTarget.ID == "" {
				return fmt.Errorf("source %s declares a target with empty id", source)
			}
			if aTarget.Server == "" {
				aTarget.Server = document.Server
			}
			targets = append(targets, aTarget)
		}
	}
	return s.inventory.Load(targets)
}

// Watch reloads the sources every refresh interval until ctx ends. A
// failed reload keeps the previous generation and is retried on the
// next tick.
func (s *Service) Watch(ctx context.Context) error {
	if s.config.RefreshInterval <= 0 {
		return fmt.Errorf("refresh interval not configured")
	}
	ticker := time.NewTicker(s.config.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Load(ctx); err != nil {
				log.Printf("inventory refresh failed: %v", err)
			}
		}
	}
}
