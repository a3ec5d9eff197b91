// Package propagation turns the current Fire Queue into next-burst FCL
// contributions by walking each fired neuron's outgoing synapses.
package propagation

import (
	"math"
	"sync"

	"github.com/nvandessel/burstnpu/internal/fire"
	"github.com/nvandessel/burstnpu/internal/synapse"
)

// AreaLookup resolves the cortical area of a live neuron.
type AreaLookup interface {
	AreaOf(id uint32) (uint32, bool)
}

// Flags holds the per-area distribution switches. The zero value delivers
// divided PSP everywhere. Flags is safe for concurrent use.
type Flags struct {
	mu       sync.RWMutex
	uniform  map[uint32]bool
	mpDriven map[uint32]bool
}

// NewFlags creates an empty flag set.
func NewFlags() *Flags {
	return &Flags{uniform: make(map[uint32]bool), mpDriven: make(map[uint32]bool)}
}

// SetUniform toggles full-PSP delivery for synapses ending in area.
func (f *Flags) SetUniform(area uint32, on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uniform[area] = on
}

// SetMPDriven toggles using the source potential as PSP for synapses ending in area.
func (f *Flags) SetMPDriven(area uint32, on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mpDriven[area] = on
}

// Uniform reports area's uniform flag.
func (f *Flags) Uniform(area uint32) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.uniform[area]
}

// MPDriven reports area's mp-driven flag.
func (f *Flags) MPDriven(area uint32) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.mpDriven[area]
}

// Contribution is one synaptic delivery to a target neuron.
type Contribution struct {
	Target uint32
	Value  float32
}

// Contributions appends the deliveries caused by src firing to dst and
// returns the extended slice with the number of synapses visited.
//
// Divided delivery uses integer division psp/fanOut, which truncates to
// zero when fanOut exceeds psp.
func Contributions(dst []Contribution, src fire.Neuron, ss *synapse.Store, areas AreaLookup, flags *Flags) ([]Contribution, int) {
	out := ss.Outgoing(src.ID)
	fanOut := 0
	for _, i := range out {
		if ss.Valid[i] {
			fanOut++
		}
	}
	if fanOut == 0 {
		return dst, 0
	}

	flags.mu.RLock()
	defer flags.mu.RUnlock()

	visited := 0
	for _, i := range out {
		if !ss.Valid[i] {
			continue
		}
		visited++
		target := ss.Target[i]
		area, ok := areas.AreaOf(target)
		if !ok {
			continue
		}

		psp := ss.PSP[i]
		if flags.mpDriven[area] {
			psp = potentialPSP(src.Potential)
		}
		if !flags.uniform[area] {
			psp = uint8(int(psp) / fanOut)
		}
		if psp == 0 || ss.Weight[i] == 0 {
			continue
		}
		v := ss.Type[i].Sign() * float32(ss.Weight[i]) * float32(psp)
		dst = append(dst, Contribution{Target: target, Value: v})
	}
	return dst, visited
}

func potentialPSP(v float32) uint8 {
	r := math.Round(float64(v))
	switch {
	case r <= 0 || math.IsNaN(r):
		return 0
	case r >= 255:
		return 255
	}
	return uint8(r)
}

// Propagate delivers every fired neuron's contributions into next and
// returns the number of synapses visited.
func Propagate(fq *fire.Queue, ss *synapse.Store, areas AreaLookup, flags *Flags, next *fire.CandidateList) int {
	var buf []Contribution
	total := 0
	fq.Each(func(n fire.Neuron) {
		var visited int
		buf, visited = Contributions(buf[:0], n, ss, areas, flags)
		total += visited
		for _, c := range buf {
			next.Add(c.Target, c.Value)
		}
	})
	return total
}
