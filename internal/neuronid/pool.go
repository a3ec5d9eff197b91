// Package neuronid partitions the global neuron ID space into disjoint
// allocation pools so IDs handed out by different pools never collide.
package neuronid

import (
	"errors"
	"fmt"
	"sync"
)

// Pool identifies an allocation range of the neuron ID space.
type Pool uint8

const (
	// PoolRegular covers neurons created from the resolved topology.
	PoolRegular Pool = iota
	// PoolMemory covers memory neurons created at runtime.
	PoolMemory
	// PoolReserved is never allocated.
	PoolReserved
)

// Range boundaries. Each pool is the half-open interval [start, end).
const (
	RegularStart uint32 = 0
	RegularEnd   uint32 = 50_000_000
	MemoryStart  uint32 = RegularEnd
	MemoryEnd    uint32 = 100_000_000
	ReservedFrom uint32 = MemoryEnd
)

// ErrPoolExhausted is returned when a pool has no IDs left.
var ErrPoolExhausted = errors.New("neuron id pool exhausted")

// ErrForeignID is returned when an ID is released into a pool it does not belong to.
var ErrForeignID = errors.New("neuron id does not belong to a managed pool")

// String returns the pool name.
func (p Pool) String() string {
	switch p {
	case PoolRegular:
		return "regular"
	case PoolMemory:
		return "memory"
	default:
		return "reserved"
	}
}

// PoolOf reports which pool an ID falls in.
func PoolOf(id uint32) Pool {
	switch {
	case id < RegularEnd:
		return PoolRegular
	case id < MemoryEnd:
		return PoolMemory
	default:
		return PoolReserved
	}
}

// IsMemory reports whether id was allocated from the memory pool.
func IsMemory(id uint32) bool {
	return id >= MemoryStart && id < MemoryEnd
}

type pool struct {
	next  uint32
	end   uint32
	free  []uint32
	inUse int
}

func (p *pool) allocate() (uint32, bool) {
	if n := len(p.free); n > 0 {
		id := p.free[n-1]
		p.free = p.free[:n-1]
		p.inUse++
		return id, true
	}
	if p.next >= p.end {
		return 0, false
	}
	id := p.next
	p.next++
	p.inUse++
	return id, true
}

// Manager hands out IDs from the regular and memory pools.
// It is safe for concurrent use.
type Manager struct {
	mu    sync.Mutex
	pools [2]pool
}

// NewManager creates a manager with both pools empty.
func NewManager() *Manager {
	return &Manager{
		pools: [2]pool{
			{next: RegularStart, end: RegularEnd},
			{next: MemoryStart, end: MemoryEnd},
		},
	}
}

// Allocate returns the next free ID from p. Released IDs are reused first.
func (m *Manager) Allocate(p Pool) (uint32, error) {
	if p == PoolReserved {
		return 0, fmt.Errorf("allocate from %s pool: %w", p, ErrForeignID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.pools[p].allocate()
	if !ok {
		return 0, fmt.Errorf("allocate from %s pool: %w", p, ErrPoolExhausted)
	}
	return id, nil
}

// Release returns id to its pool for reuse.
func (m *Manager) Release(id uint32) error {
	p := PoolOf(id)
	if p == PoolReserved {
		return fmt.Errorf("release %d: %w", id, ErrForeignID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	pl := &m.pools[p]
	if id >= pl.next {
		return fmt.Errorf("release %d: never allocated from %s pool: %w", id, p, ErrForeignID)
	}
	pl.free = append(pl.free, id)
	pl.inUse--
	return nil
}

// Reserve marks every ID below next in pool p as allocated. It is used after
// loading a topology whose IDs were assigned elsewhere.
func (m *Manager) Reserve(p Pool, next uint32) {
	if p == PoolReserved {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	pl := &m.pools[p]
	if next > pl.end {
		next = pl.end
	}
	if next > pl.next {
		pl.inUse += int(next - pl.next)
		pl.next = next
	}
}

// InUse returns the number of live IDs in pool p.
func (m *Manager) InUse(p Pool) int {
	if p == PoolReserved {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pools[p].inUse
}
