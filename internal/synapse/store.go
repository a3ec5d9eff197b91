// Package synapse stores directed weighted edges between neurons and the
// source-keyed index used by propagation.
package synapse

import (
	"errors"
	"fmt"
)

// Type is the polarity of a synapse.
type Type uint8

const (
	Excitatory Type = iota
	Inhibitory
)

// Sign returns +1 for excitatory and -1 for inhibitory synapses.
func (t Type) Sign() float32 {
	if t == Inhibitory {
		return -1
	}
	return 1
}

// String returns the type name.
func (t Type) String() string {
	if t == Inhibitory {
		return "inhibitory"
	}
	return "excitatory"
}

// ErrNotFound is returned when no valid synapse connects a pair.
var ErrNotFound = errors.New("synapse not found")

// ErrExists is returned when adding a pair that is already connected.
var ErrExists = errors.New("synapse already exists")

// Synapse is a copy of one edge.
type Synapse struct {
	Source uint32 `json:"source"`
	Target uint32 `json:"target"`
	Weight uint8  `json:"weight"`
	PSP    uint8  `json:"psp"`
	Type   Type   `json:"type"`
	Valid  bool   `json:"valid"`
}

func pairKey(src, dst uint32) uint64 {
	return uint64(src)<<32 | uint64(dst)
}

// Store holds synapses as parallel arrays.
//
// The source index (Outgoing) and target index (Incoming) reflect the store
// as of the last RebuildIndex call. Add and Remove mark the index dirty; the
// caller must rebuild before the next propagation pass.
type Store struct {
	Source []uint32
	Target []uint32
	Weight []uint8
	PSP    []uint8
	Type   []Type
	Valid  []bool

	pairs    map[uint64]int
	outgoing map[uint32][]int
	incoming map[uint32][]int
	dirty    bool
	live     int
}

// NewStore creates an empty store with room for capacity synapses.
func NewStore(capacity int) *Store {
	return &Store{
		Source:   make([]uint32, 0, capacity),
		Target:   make([]uint32, 0, capacity),
		Weight:   make([]uint8, 0, capacity),
		PSP:      make([]uint8, 0, capacity),
		Type:     make([]Type, 0, capacity),
		Valid:    make([]bool, 0, capacity),
		pairs:    make(map[uint64]int),
		outgoing: make(map[uint32][]int),
		incoming: make(map[uint32][]int),
	}
}

// Len returns the number of slots, including invalidated ones.
func (s *Store) Len() int { return len(s.Source) }

// Live returns the number of valid synapses.
func (s *Store) Live() int { return s.live }

// Dirty reports whether the index is stale.
func (s *Store) Dirty() bool { return s.dirty }

// Add inserts a synapse and returns its slot.
func (s *Store) Add(src, dst uint32, weight, psp uint8, typ Type) (int, error) {
	if i, ok := s.pairs[pairKey(src, dst)]; ok && s.Valid[i] {
		return i, fmt.Errorf("add synapse %d→%d: %w", src, dst, ErrExists)
	}
	i := len(s.Source)
	s.Source = append(s.Source, src)
	s.Target = append(s.Target, dst)
	s.Weight = append(s.Weight, weight)
	s.PSP = append(s.PSP, psp)
	s.Type = append(s.Type, typ)
	s.Valid = append(s.Valid, true)
	s.pairs[pairKey(src, dst)] = i
	s.live++
	s.dirty = true
	return i, nil
}

// Find returns the slot of the valid synapse src→dst.
func (s *Store) Find(src, dst uint32) (int, bool) {
	i, ok := s.pairs[pairKey(src, dst)]
	if !ok || !s.Valid[i] {
		return 0, false
	}
	return i, true
}

// Get returns a copy of the synapse in slot i.
func (s *Store) Get(i int) Synapse {
	return Synapse{
		Source: s.Source[i],
		Target: s.Target[i],
		Weight: s.Weight[i],
		PSP:    s.PSP[i],
		Type:   s.Type[i],
		Valid:  s.Valid[i],
	}
}

// Remove logically deletes src→dst.
func (s *Store) Remove(src, dst uint32) error {
	i, ok := s.Find(src, dst)
	if !ok {
		return fmt.Errorf("remove synapse %d→%d: %w", src, dst, ErrNotFound)
	}
	s.Valid[i] = false
	delete(s.pairs, pairKey(src, dst))
	s.live--
	s.dirty = true
	return nil
}

// RemoveNeuron invalidates every synapse touching id and returns the count.
func (s *Store) RemoveNeuron(id uint32) int {
	n := 0
	for i := range s.Source {
		if s.Valid[i] && (s.Source[i] == id || s.Target[i] == id) {
			s.Valid[i] = false
			delete(s.pairs, pairKey(s.Source[i], s.Target[i]))
			s.live--
			n++
		}
	}
	if n > 0 {
		s.dirty = true
	}
	return n
}

// RebuildIndex recomputes the source and target indexes from valid synapses.
func (s *Store) RebuildIndex() {
	clear(s.outgoing)
	clear(s.incoming)
	for i := range s.Source {
		if !s.Valid[i] {
			continue
		}
		s.outgoing[s.Source[i]] = append(s.outgoing[s.Source[i]], i)
		s.incoming[s.Target[i]] = append(s.incoming[s.Target[i]], i)
	}
	s.dirty = false
}

// Outgoing returns the indexed slots whose source is id. The slice must not
// be modified.
func (s *Store) Outgoing(id uint32) []int { return s.outgoing[id] }

// Incoming returns the indexed slots whose target is id.
func (s *Store) Incoming(id uint32) []int { return s.incoming[id] }

// Prunable returns the slots of valid synapses with zero weight.
func (s *Store) Prunable() []int {
	var out []int
	for i := range s.Weight {
		if s.Valid[i] && s.Weight[i] == 0 {
			out = append(out, i)
		}
	}
	return out
}

// Each calls fn with every valid synapse.
func (s *Store) Each(fn func(Synapse)) {
	for i := range s.Source {
		if s.Valid[i] {
			fn(s.Get(i))
		}
	}
}

// Compact drops invalid and zero-weight synapses, applies an optional
// neuron ID remap, drops edges touching removed neurons and rebuilds the
// index. It returns the number of slots dropped.
func (s *Store) Compact(remap map[uint32]uint32, removed map[uint32]bool) int {
	w := 0
	for r := range s.Source {
		src, dst := s.Source[r], s.Target[r]
		if !s.Valid[r] || s.Weight[r] == 0 || removed[src] || removed[dst] {
			continue
		}
		if n, ok := remap[src]; ok {
			src = n
		}
		if n, ok := remap[dst]; ok {
			dst = n
		}
		s.Source[w], s.Target[w] = src, dst
		s.Weight[w], s.PSP[w], s.Type[w], s.Valid[w] = s.Weight[r], s.PSP[r], s.Type[r], true
		w++
	}
	dropped := len(s.Source) - w
	s.Source, s.Target = s.Source[:w], s.Target[:w]
	s.Weight, s.PSP, s.Type, s.Valid = s.Weight[:w], s.PSP[:w], s.Type[:w], s.Valid[:w]

	clear(s.pairs)
	for i := range s.Source {
		s.pairs[pairKey(s.Source[i], s.Target[i])] = i
	}
	s.live = w
	s.RebuildIndex()
	return dropped
}
