package conductor

import (
	"fmt"

	"github.com/testfarm/conductor/broker"
	"github.com/testfarm/conductor/client"
	"github.com/testfarm/conductor/dispatcher"
	"github.com/testfarm/conductor/service/inventory"
)

// Config is a serialisable representation of the orchestrator
// configuration. It can be populated from JSON, YAML, environment
// variables, etc. The zero-value is useful; all nested fields inherit
// their package defaults via DefaultConfig.
type Config struct {
	// Owner identifies this orchestrator towards the allocation brokers.
	Owner string `json:"owner" yaml:"owner"`

	// Runner names the payload runner used for run units; it must be
	// registered in the runner registry.
	Runner string `json:"runner" yaml:"runner"`

	Inventory  inventory.Config  `json:"inventory" yaml:"inventory"`
	Broker     broker.Config     `json:"broker" yaml:"broker"`
	Client     client.Config     `json:"client" yaml:"client"`
	Dispatcher dispatcher.Config `json:"dispatcher" yaml:"dispatcher"`
}

// DefaultConfig returns a Config populated with the same defaults the
// individual packages use. Callers may modify the returned struct before
// passing it to New via WithConfig.
func DefaultConfig() *Config {
	return &Config{
		Owner:      "conductor",
		Runner:     "shell",
		Broker:     broker.DefaultConfig(),
		Client:     client.DefaultConfig(),
		Dispatcher: dispatcher.DefaultConfig(),
	}
}

// Validate returns an error describing invalid settings or nil.
func (c *Config) Validate() error {
	if c == nil {
		return nil
	}
	if c.Owner == "" {
		return fmt.Errorf("owner must not be empty")
	}
	if c.Runner == "" {
		return fmt.Errorf("runner must not be empty")
	}
	if c.Dispatcher.WorkerCount <= 0 {
		return fmt.Errorf("dispatcher.workerCount must be > 0")
	}
	if c.Broker.DefaultTTL <= 0 {
		return fmt.Errorf("broker.defaultTTL must be > 0")
	}
	return nil
}
