package extension

import (
	"sync"

	"github.com/viant/x"

	"github.com/testfarm/conductor/service/runner"
)

// DataTypeIniter lets a runner register the Go types its payload
// documents reference.
type DataTypeIniter interface {
	InitTypes(types *Types)
}

// Runners provides the payload runner registry
type Runners struct {
	types   *Types
	runners map[string]runner.Runner
	mux     sync.RWMutex
}

func (s *Runners) Types() *Types {
	return s.types
}

// Lookup returns a runner by name
func (s *Runners) Lookup(name string) runner.Runner {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return s.runners[name]
}

// Register registers a runner
func (s *Runners) Register(aRunner runner.Runner) {
	s.mux.Lock()
	defer s.mux.Unlock()

	if typer, ok := aRunner.(DataTypeIniter); ok {
		typer.InitTypes(s.types)
	}
	s.runners[aRunner.Name()] = aRunner
}

// NewRunners creates a new runner registry
func NewRunners(goTypes ...*x.Type) *Runners {
	ret := &Runners{
		types:   NewTypes(),
		runners: make(map[string]runner.Runner),
	}
	for _, t := range goTypes {
		if t != nil {
			ret.types.Register(t)
		}
	}
	return ret
}
