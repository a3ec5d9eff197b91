package plasticity

import (
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/nvandessel/burstnpu/internal/fire"
)

// Memory lifecycle defaults, used for zero fields of a MemoryArea.
const (
	DefaultDepth             = 3
	DefaultInitialLifespan   = 20
	DefaultLifespanGrowth    = 3
	DefaultLongTermThreshold = 100
)

// ErrInvalidMemoryArea is returned for a memory area with out-of-range settings.
var ErrInvalidMemoryArea = errors.New("invalid memory area")

// MemoryArea configures memory formation in one cortical area. Every burst
// the newest Depth frames of the upstream areas are hashed into a pattern;
// a pattern seen for the first time creates a memory neuron in Area, a known
// one reactivates its neuron.
type MemoryArea struct {
	Area     uint32   `json:"area" yaml:"area"`
	Upstream []uint32 `json:"upstream" yaml:"upstream"`
	// Depth is the number of bursts in a pattern.
	Depth int `json:"depth,omitempty" yaml:"depth,omitempty"`
	// MinActivity is the fewest upstream firings that make a pattern.
	MinActivity int `json:"min_activity,omitempty" yaml:"min_activity,omitempty"`
	// InitialLifespan is the number of bursts a new memory neuron lives
	// without being reactivated.
	InitialLifespan uint32 `json:"initial_lifespan,omitempty" yaml:"initial_lifespan,omitempty"`
	// LifespanGrowth is added to the lifespan on every reactivation.
	LifespanGrowth uint32 `json:"lifespan_growth,omitempty" yaml:"lifespan_growth,omitempty"`
	// LongTermThreshold is the lifespan at which a memory neuron becomes
	// long-term and stops aging.
	LongTermThreshold uint32 `json:"longterm_threshold,omitempty" yaml:"longterm_threshold,omitempty"`
}

// Validate checks the memory area.
func (a MemoryArea) Validate() error {
	if len(a.Upstream) == 0 {
		return fmt.Errorf("area %d has no upstream areas: %w", a.Area, ErrInvalidMemoryArea)
	}
	if slices.Contains(a.Upstream, a.Area) {
		return fmt.Errorf("area %d lists itself as upstream: %w", a.Area, ErrInvalidMemoryArea)
	}
	if a.Depth < 0 || a.MinActivity < 0 {
		return fmt.Errorf("area %d depth %d, min activity %d: %w", a.Area, a.Depth, a.MinActivity, ErrInvalidMemoryArea)
	}
	return nil
}

func (a MemoryArea) withDefaults() MemoryArea {
	if a.Depth == 0 {
		a.Depth = DefaultDepth
	}
	if a.MinActivity == 0 {
		a.MinActivity = 1
	}
	if a.InitialLifespan == 0 {
		a.InitialLifespan = DefaultInitialLifespan
	}
	if a.LifespanGrowth == 0 {
		a.LifespanGrowth = DefaultLifespanGrowth
	}
	if a.LongTermThreshold == 0 {
		a.LongTermThreshold = DefaultLongTermThreshold
	}
	a.Upstream = slices.Sorted(slices.Values(a.Upstream))
	a.Upstream = slices.Compact(a.Upstream)
	return a
}

// MemoryNeuron is the lifecycle state of one memory neuron.
type MemoryNeuron struct {
	ID          uint32 `json:"id"`
	Area        uint32 `json:"area"`
	Pattern     uint64 `json:"pattern"`
	Lifespan    uint32 `json:"lifespan"`
	Activations uint32 `json:"activations"`
	Created     uint64 `json:"created"`
	LastActive  uint64 `json:"last_active"`
	LongTerm    bool   `json:"long_term"`
}

// MemoryHost owns the memory neurons the Memory stage manages.
type MemoryHost interface {
	// CreateMemoryNeuron adds a memory neuron to area.
	CreateMemoryNeuron(area uint32) (uint32, error)
	// RemoveMemoryNeuron removes an expired memory neuron.
	RemoveMemoryNeuron(id uint32) error
	// Stimulate makes a memory neuron fire in the next burst.
	Stimulate(id uint32)
}

// MemoryStats counts what one Memory.Apply call did.
type MemoryStats struct {
	Patterns    int `json:"patterns"`
	Created     int `json:"created"`
	Reactivated int `json:"reactivated"`
	Expired     int `json:"expired"`
	LongTerm    int `json:"long_term"`
	Failed      int `json:"failed"`
}

type patternKey struct {
	area uint32
	hash uint64
}

// Memory forms memory neurons from recurring upstream firing patterns.
type Memory struct {
	mu        sync.Mutex
	areas     map[uint32]MemoryArea
	neurons   map[uint32]*MemoryNeuron
	byPattern map[patternKey]uint32
	events    EventSink

	digest  *xxhash.Digest
	scratch []uint32
	word    [4]byte
}

// NewMemory creates a memory stage with no memory areas.
func NewMemory(events EventSink) *Memory {
	return &Memory{
		areas:     make(map[uint32]MemoryArea),
		neurons:   make(map[uint32]*MemoryNeuron),
		byPattern: make(map[patternKey]uint32),
		events:    events,
		digest:    xxhash.New(),
	}
}

// Register adds or replaces the memory area a.Area and grows the upstream
// ledger windows to cover its depth.
func (m *Memory) Register(a MemoryArea, ledger *fire.Ledger) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("register memory area: %w", err)
	}
	a = a.withDefaults()
	for _, up := range a.Upstream {
		if err := ledger.EnsureWindow(up, a.Depth); err != nil {
			return fmt.Errorf("register memory area %d: %w", a.Area, err)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.areas[a.Area] = a
	return nil
}

// Areas returns the registered memory areas, with defaults filled in,
// ordered by area.
func (m *Memory) Areas() []MemoryArea {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := slices.Collect(maps.Values(m.areas))
	slices.SortFunc(out, func(a, b MemoryArea) int { return cmp.Compare(a.Area, b.Area) })
	return out
}

// Neurons returns the state of every live memory neuron, ordered by ID.
func (m *Memory) Neurons() []MemoryNeuron {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MemoryNeuron, 0, len(m.neurons))
	for _, id := range m.ids() {
		out = append(out, *m.neurons[id])
	}
	return out
}

// Len returns the number of live memory neurons.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.neurons)
}

// Forget stops managing neuron id, for a memory neuron removed by other
// means. Its pattern will create a new neuron. It reports whether id was
// managed.
func (m *Memory) Forget(id uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	mn, ok := m.neurons[id]
	if ok {
		m.drop(mn)
	}
	return ok
}

// Apply runs one burst of memory formation: long-term conversion, then
// aging and expiry, then pattern detection in every memory area.
// Conversion runs first so a lifespan sitting at the threshold is not aged
// below it.
func (m *Memory) Apply(timestep uint64, ledger *fire.Ledger, host MemoryHost) MemoryStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var st MemoryStats
	if len(m.areas) == 0 && len(m.neurons) == 0 {
		return st
	}

	ids := m.ids()
	for _, id := range ids {
		mn := m.neurons[id]
		if mn.LongTerm || mn.Lifespan < m.threshold(mn.Area) {
			continue
		}
		mn.LongTerm = true
		st.LongTerm++
		m.emit("memory_long_term", mn, timestep)
	}

	for _, id := range ids {
		mn := m.neurons[id]
		if mn.LongTerm {
			continue
		}
		mn.Lifespan--
		if mn.Lifespan > 0 {
			continue
		}
		m.drop(mn)
		// Already gone when removed by other means.
		_ = host.RemoveMemoryNeuron(id)
		st.Expired++
		m.emit("memory_expired", mn, timestep)
	}

	for _, area := range slices.Sorted(maps.Keys(m.areas)) {
		a := m.areas[area]
		hash, ok := m.pattern(a, timestep, ledger)
		if !ok {
			continue
		}
		st.Patterns++
		key := patternKey{area: a.Area, hash: hash}

		if id, ok := m.byPattern[key]; ok {
			mn := m.neurons[id]
			mn.Activations++
			mn.LastActive = timestep
			if !mn.LongTerm {
				mn.Lifespan = satAdd32(mn.Lifespan, a.LifespanGrowth)
			}
			host.Stimulate(id)
			st.Reactivated++
			continue
		}

		id, err := host.CreateMemoryNeuron(a.Area)
		if err != nil {
			st.Failed++
			m.emitFailure(a.Area, err, timestep)
			continue
		}
		mn := &MemoryNeuron{
			ID:          id,
			Area:        a.Area,
			Pattern:     hash,
			Lifespan:    a.InitialLifespan,
			Activations: 1,
			Created:     timestep,
			LastActive:  timestep,
		}
		m.neurons[id] = mn
		m.byPattern[key] = id
		host.Stimulate(id)
		st.Created++
		m.emit("memory_created", mn, timestep)
	}
	return st
}

// pattern hashes the newest Depth frames of every upstream area, oldest
// burst first and upstream areas ascending within a burst. It reports false
// until every upstream area has Depth consecutive frames ending at
// timestep, and when those frames hold fewer than MinActivity firings.
func (m *Memory) pattern(a MemoryArea, timestep uint64, ledger *fire.Ledger) (uint64, bool) {
	windows := make([][]fire.Frame, len(a.Upstream))
	activity := 0
	for i, up := range a.Upstream {
		h := ledger.History(up, a.Depth)
		if len(h) < a.Depth {
			return 0, false
		}
		for k, f := range h {
			if f.Timestep+uint64(k) != timestep {
				return 0, false
			}
			activity += len(f.NeuronIDs)
		}
		windows[i] = h
	}
	if activity < a.MinActivity {
		return 0, false
	}

	m.digest.Reset()
	for k := a.Depth - 1; k >= 0; k-- {
		for _, h := range windows {
			m.scratch = append(m.scratch[:0], h[k].NeuronIDs...)
			slices.Sort(m.scratch)
			m.write(uint32(len(m.scratch)))
			for _, id := range m.scratch {
				m.write(id)
			}
		}
	}
	return m.digest.Sum64(), true
}

func (m *Memory) write(v uint32) {
	binary.LittleEndian.PutUint32(m.word[:], v)
	_, _ = m.digest.Write(m.word[:])
}

func (m *Memory) threshold(area uint32) uint32 {
	if a, ok := m.areas[area]; ok {
		return a.LongTermThreshold
	}
	return DefaultLongTermThreshold
}

func (m *Memory) drop(mn *MemoryNeuron) {
	delete(m.neurons, mn.ID)
	k := patternKey{area: mn.Area, hash: mn.Pattern}
	if m.byPattern[k] == mn.ID {
		delete(m.byPattern, k)
	}
}

func (m *Memory) ids() []uint32 {
	return slices.Sorted(maps.Keys(m.neurons))
}

func (m *Memory) emit(kind string, mn *MemoryNeuron, ts uint64) {
	if m.events == nil {
		return
	}
	m.events.Log(map[string]any{
		"event":       kind,
		"neuron":      mn.ID,
		"area":        mn.Area,
		"pattern":     mn.Pattern,
		"lifespan":    mn.Lifespan,
		"activations": mn.Activations,
		"timestep":    ts,
	})
}

func (m *Memory) emitFailure(area uint32, err error, ts uint64) {
	if m.events == nil {
		return
	}
	m.events.Log(map[string]any{
		"event":    "memory_create_failed",
		"area":     area,
		"error":    err.Error(),
		"timestep": ts,
	})
}

func satAdd32(a, b uint32) uint32 {
	if a > math.MaxUint32-b {
		return math.MaxUint32
	}
	return a + b
}
