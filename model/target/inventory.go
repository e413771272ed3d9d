package target

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotFound is returned when a fullid is unknown to the inventory.
var ErrNotFound = errors.New("target not found")

// AllocState is the reservation state of a target.
type AllocState string

const (
	StateFree     AllocState = "free"
	StateReserved AllocState = "reserved"
)

// Allocation describes a reservation of one target.
type Allocation struct {
	Owner  string
	Expiry time.Time
}

// Inventory is the authoritative set of targets one server knows about,
// together with their reservation state. The target set changes only via
// explicit administrative Load/Add/Remove, never implicitly during
// allocation; each such change bumps the generation counter so clients
// can detect staleness and re-resolve groups.
//
// Reservation mutation (MarkReserved/MarkFree) is reserved for the owning
// allocation broker; everything else is read-only.
type Inventory struct {
	mu          sync.RWMutex
	generation  uint64
	targets     map[string]*Target
	order       []string // insertion order, keeps snapshots deterministic
	allocations map[string]Allocation
}

func NewInventory() *Inventory {
	return &Inventory{
		targets:     make(map[string]*Target),
		allocations: make(map[string]Allocation),
	}
}

// Load replaces the whole target set and bumps the generation.
// Reservations of targets that survive the reload are kept.
func (i *Inventory) Load(targets []*Target) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	replacement := make(map[string]*Target, len(targets))
	order := make([]string, 0, len(targets))
	for _, t := range targets {
		fullID := t.FullID()
		if _, dup := replacement[fullID]; dup {
			return fmt.Errorf("duplicate target %s", fullID)
		}
		replacement[fullID] = t
		order = append(order, fullID)
	}
	for fullID := range i.allocations {
		if _, kept := replacement[fullID]; !kept {
			delete(i.allocations, fullID)
		}
	}
	i.targets = replacement
	i.order = order
	i.generation++
	return nil
}

// Add registers one target; administrative operation.
func (i *Inventory) Add(t *Target) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	fullID := t.FullID()
	if _, dup := i.targets[fullID]; dup {
		return fmt.Errorf("duplicate target %s", fullID)
	}
	i.targets[fullID] = t
	i.order = append(i.order, fullID)
	i.generation++
	return nil
}

// Remove deregisters one target; administrative operation.
func (i *Inventory) Remove(fullID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.targets[fullID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, fullID)
	}
	delete(i.targets, fullID)
	delete(i.allocations, fullID)
	for idx, candidate := range i.order {
		if candidate == fullID {
			i.order = append(i.order[:idx], i.order[idx+1:]...)
			break
		}
	}
	i.generation++
	return nil
}

// Generation returns the current inventory generation.
func (i *Inventory) Generation() uint64 {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.generation
}

// Get returns the target with the given fullid.
func (i *Inventory) Get(fullID string) (*Target, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	t, ok := i.targets[fullID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, fullID)
	}
	return t, nil
}

// Snapshot returns an immutable, generation-tagged view in inventory
// order. The targets themselves are shared; their tags are immutable for
// the lifetime of a generation.
func (i *Inventory) Snapshot() *Snapshot {
	i.mu.RLock()
	defer i.mu.RUnlock()
	targets := make([]*Target, 0, len(i.order))
	index := make(map[string]*Target, len(i.order))
	for _, fullID := range i.order {
		t := i.targets[fullID]
		targets = append(targets, t)
		index[fullID] = t
	}
	return &Snapshot{Generation: i.generation, Targets: targets, index: index}
}

// StateOf returns the reservation state of a target.
func (i *Inventory) StateOf(fullID string) (AllocState, Allocation) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if alloc, ok := i.allocations[fullID]; ok {
		return StateReserved, alloc
	}
	return StateFree, Allocation{}
}

// MarkReserved atomically transitions every listed target FREE ->
// RESERVED(owner). When any of them is unknown or already reserved
// nothing changes and the call fails: group reservation is all-or-nothing.
// Broker use only.
func (i *Inventory) MarkReserved(fullIDs []string, owner string, expiry time.Time) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, fullID := range fullIDs {
		if _, ok := i.targets[fullID]; !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, fullID)
		}
		if alloc, busy := i.allocations[fullID]; busy {
			return fmt.Errorf("target %s already reserved by %s", fullID, alloc.Owner)
		}
	}
	for _, fullID := range fullIDs {
		i.allocations[fullID] = Allocation{Owner: owner, Expiry: expiry}
	}
	return nil
}

// MarkFree transitions the listed targets back to FREE. Freeing an
// already-free target is a no-op so that release is idempotent. Broker
// use only.
func (i *Inventory) MarkFree(fullIDs []string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, fullID := range fullIDs {
		delete(i.allocations, fullID)
	}
}

// FreeCount returns the number of unreserved targets.
func (i *Inventory) FreeCount() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.targets) - len(i.allocations)
}

// Snapshot is an immutable view of one inventory generation.
type Snapshot struct {
	Generation uint64
	Targets    []*Target
	index      map[string]*Target
}

// Get returns the snapshot's target with the given fullid, or nil.
func (s *Snapshot) Get(fullID string) *Target {
	return s.index[fullID]
}
