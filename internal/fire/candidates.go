// Package fire holds the per-burst firing structures: the Fire Candidate
// List, the Fire Queue and the Fire Ledger.
package fire

import (
	"math"
	"sync"
)

// CandidateList accumulates pending input potential per neuron for one
// burst. Entries are additive and kept in first-insertion order.
type CandidateList struct {
	pos        map[uint32]int
	ids        []uint32
	potentials []float32
}

// NewCandidateList creates an empty list sized for n candidates.
func NewCandidateList(n int) *CandidateList {
	return &CandidateList{
		pos:        make(map[uint32]int, n),
		ids:        make([]uint32, 0, n),
		potentials: make([]float32, 0, n),
	}
}

// Add accumulates p into id's entry.
func (c *CandidateList) Add(id uint32, p float32) {
	if i, ok := c.pos[id]; ok {
		c.potentials[i] += p
		return
	}
	c.pos[id] = len(c.ids)
	c.ids = append(c.ids, id)
	c.potentials = append(c.potentials, p)
}

// Get returns id's accumulated potential.
func (c *CandidateList) Get(id uint32) (float32, bool) {
	i, ok := c.pos[id]
	if !ok {
		return 0, false
	}
	return c.potentials[i], true
}

// Len returns the number of candidates.
func (c *CandidateList) Len() int { return len(c.ids) }

// IDs returns candidate IDs in insertion order. The slice is owned by the list.
func (c *CandidateList) IDs() []uint32 { return c.ids }

// Potentials returns potentials parallel to IDs. The slice is owned by the list.
func (c *CandidateList) Potentials() []float32 { return c.potentials }

// Clear empties the list, keeping its allocations.
func (c *CandidateList) Clear() {
	clear(c.pos)
	c.ids = c.ids[:0]
	c.potentials = c.potentials[:0]
}

// Snapshot returns a copy of the list as a map.
func (c *CandidateList) Snapshot() map[uint32]float32 {
	out := make(map[uint32]float32, len(c.ids))
	for i, id := range c.ids {
		out[id] = c.potentials[i]
	}
	return out
}

// Injection is one externally supplied potential for a resolved neuron.
type Injection struct {
	NeuronID  uint32  `json:"neuron_id"`
	Potential float32 `json:"potential"`
}

// Valid reports whether the injection carries a finite potential.
func (in Injection) Valid() bool {
	f := float64(in.Potential)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Staging buffers injections from external goroutines until the burst
// loop drains them into the FCL. It is safe for concurrent use.
type Staging struct {
	mu      sync.Mutex
	pending []Injection
}

// Push appends injections, dropping non-finite potentials. It returns the
// number accepted.
func (s *Staging) Push(batch []Injection) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, in := range batch {
		if !in.Valid() {
			continue
		}
		s.pending = append(s.pending, in)
		n++
	}
	return n
}

// Pending returns the number of staged injections.
func (s *Staging) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// DrainInto moves every staged injection into fcl and returns how many were moved.
func (s *Staging) DrainInto(fcl *CandidateList) int {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, in := range batch {
		fcl.Add(in.NeuronID, in.Potential)
	}
	return len(batch)
}
