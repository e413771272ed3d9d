package client

import (
	"errors"
	"fmt"

	"github.com/testfarm/conductor/broker"
)

// ErrBrokerUnavailable signals a transient failure to reach a server's
// broker; the client retries these with backoff before giving up on the
// affected group.
var ErrBrokerUnavailable = errors.New("broker unavailable")

// Directory resolves a server name to the broker fronting its targets.
type Directory interface {
	Lookup(server string) (*broker.Broker, error)
}

// StaticDirectory is a fixed server name to broker mapping. The empty
// server name addresses targets that carry no server qualifier.
type StaticDirectory map[string]*broker.Broker

// Lookup implements Directory.
func (d StaticDirectory) Lookup(server string) (*broker.Broker, error) {
	if b, ok := d[server]; ok {
		return b, nil
	}
	return nil, fmt.Errorf("%w: no broker for server %q", ErrBrokerUnavailable, server)
}
