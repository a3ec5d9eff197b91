// Package plasticity implements the learning stages that read the Fire
// Ledger: spike-timing-dependent plasticity, which reinforces, weakens and
// (in bidirectional mode) creates synapses between co-firing neurons of two
// cortical areas, and memory formation, which turns recurring firing
// patterns into memory neurons.
package plasticity

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"

	"github.com/nvandessel/burstnpu/internal/fire"
	"github.com/nvandessel/burstnpu/internal/synapse"
)

// ErrInvalidMapping is returned for a mapping with out-of-range settings.
var ErrInvalidMapping = errors.New("invalid plasticity mapping")

// AreaLookup resolves the cortical area of a live neuron.
type AreaLookup interface {
	AreaOf(id uint32) (uint32, bool)
}

// EventSink receives structured plasticity events. logging.EventLogger
// satisfies it; nil disables events.
type EventSink interface {
	Log(event map[string]any)
}

// Mapping configures STDP between a source and a destination area.
type Mapping struct {
	SourceArea uint32 `json:"source_area" yaml:"source_area"`
	DestArea   uint32 `json:"dest_area" yaml:"dest_area"`
	// Window is the number of consecutive bursts inspected.
	Window int `json:"window" yaml:"window"`
	// Constant scales both multipliers. Zero is treated as 1.
	Constant      float32 `json:"constant" yaml:"constant"`
	LTPMultiplier float32 `json:"ltp_multiplier" yaml:"ltp_multiplier"`
	LTDMultiplier float32 `json:"ltd_multiplier" yaml:"ltd_multiplier"`
	// Bidirectional enables synapse creation for persistently co-firing pairs.
	Bidirectional bool         `json:"bidirectional" yaml:"bidirectional"`
	Conductance   uint8        `json:"conductance" yaml:"conductance"`
	SynapseType   synapse.Type `json:"synapse_type" yaml:"synapse_type"`
}

// Validate checks the mapping. Weights are 8-bit, so both deltas must be
// whole numbers, and a bidirectional mapping must create synapses with a
// weight of at least 1.
func (m Mapping) Validate() error {
	if m.Window < 1 {
		return fmt.Errorf("window %d: %w", m.Window, ErrInvalidMapping)
	}
	if m.LTPMultiplier < 0 || m.LTDMultiplier < 0 || m.Constant < 0 {
		return fmt.Errorf("negative multiplier: %w", ErrInvalidMapping)
	}
	if d := m.LTPDelta(); !whole(d) {
		return fmt.Errorf("ltp delta %g is not a whole weight: %w", d, ErrInvalidMapping)
	}
	if d := m.LTDDelta(); !whole(d) {
		return fmt.Errorf("ltd delta %g is not a whole weight: %w", d, ErrInvalidMapping)
	}
	if m.Bidirectional && m.LTPDelta() < 1 {
		return fmt.Errorf("bidirectional mapping with ltp delta %g: %w", m.LTPDelta(), ErrInvalidMapping)
	}
	return nil
}

func whole(v float32) bool {
	return float64(v) == math.Trunc(float64(v))
}

func (m Mapping) scale() float32 {
	if m.Constant == 0 {
		return 1
	}
	return m.Constant
}

// LTPDelta is the weight added on a potentiating burst.
func (m Mapping) LTPDelta() float32 { return m.LTPMultiplier * m.scale() }

// LTDDelta is the weight removed on a depressing burst.
func (m Mapping) LTDDelta() float32 { return m.LTDMultiplier * m.scale() }

type mappingKey struct{ src, dst uint32 }

// Stats counts the synapse changes made by one Apply call.
type Stats struct {
	Created     int
	Potentiated int
	Depressed   int
	Prunable    int
}

// Changed reports whether any synapse was touched.
func (s Stats) Changed() bool {
	return s.Created+s.Potentiated+s.Depressed > 0
}

// Engine applies every registered mapping once per burst.
type Engine struct {
	mu       sync.RWMutex
	mappings map[mappingKey]Mapping
	events   EventSink

	// scratch sets reused between calls
	srcNow, dstNow map[uint32]struct{}
}

// NewEngine creates an engine with no mappings.
func NewEngine(events EventSink) *Engine {
	return &Engine{
		mappings: make(map[mappingKey]Mapping),
		events:   events,
		srcNow:   make(map[uint32]struct{}),
		dstNow:   make(map[uint32]struct{}),
	}
}

// Register adds or replaces the mapping for (m.SourceArea, m.DestArea) and
// grows both areas' ledger windows to cover m.Window.
func (e *Engine) Register(m Mapping, ledger *fire.Ledger) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("register plasticity %d→%d: %w", m.SourceArea, m.DestArea, err)
	}
	for _, area := range []uint32{m.SourceArea, m.DestArea} {
		if err := ledger.EnsureWindow(area, m.Window); err != nil {
			return fmt.Errorf("register plasticity %d→%d: %w", m.SourceArea, m.DestArea, err)
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mappings[mappingKey{m.SourceArea, m.DestArea}] = m
	return nil
}

// Unregister removes a mapping. It reports whether one existed.
func (e *Engine) Unregister(src, dst uint32) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	k := mappingKey{src, dst}
	_, ok := e.mappings[k]
	delete(e.mappings, k)
	return ok
}

// Mappings returns the registered mappings ordered by source then destination area.
func (e *Engine) Mappings() []Mapping {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Mapping, 0, len(e.mappings))
	for _, m := range e.mappings {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b Mapping) int {
		if c := cmp.Compare(a.SourceArea, b.SourceArea); c != 0 {
			return c
		}
		return cmp.Compare(a.DestArea, b.DestArea)
	})
	return out
}

// Apply runs every mapping against the ledger's newest frames for timestep.
// Newly created synapses leave the synapse index dirty.
func (e *Engine) Apply(timestep uint64, ledger *fire.Ledger, ss *synapse.Store, areas AreaLookup) Stats {
	var total Stats
	for _, m := range e.Mappings() {
		var st Stats
		if m.Bidirectional {
			st = e.applyBidirectional(m, timestep, ledger, ss)
		} else {
			st = e.applyClassic(m, timestep, ledger, ss, areas)
		}
		total.Created += st.Created
		total.Potentiated += st.Potentiated
		total.Depressed += st.Depressed
		total.Prunable += st.Prunable
	}
	return total
}

// newest loads the ids of area's frame for timestep into set. It returns
// false when the ledger has no frame for that burst.
func newest(ledger *fire.Ledger, area uint32, timestep uint64, set map[uint32]struct{}) bool {
	clear(set)
	h := ledger.History(area, 1)
	if len(h) == 0 || h[0].Timestep != timestep {
		return false
	}
	for _, id := range h[0].NeuronIDs {
		set[id] = struct{}{}
	}
	return true
}

// persistent returns the ids present in every one of area's last window
// frames, provided those frames cover consecutive bursts ending at timestep.
func persistent(ledger *fire.Ledger, area uint32, window int, timestep uint64) []uint32 {
	h := ledger.History(area, window)
	if len(h) < window {
		return nil
	}
	for k, f := range h {
		if f.Timestep != timestep-uint64(k) {
			return nil
		}
	}
	counts := make(map[uint32]int, len(h[0].NeuronIDs))
	for _, f := range h {
		for _, id := range f.NeuronIDs {
			counts[id]++
		}
	}
	var out []uint32
	for _, id := range h[0].NeuronIDs {
		if counts[id] == window {
			out = append(out, id)
		}
	}
	return out
}

func (e *Engine) applyBidirectional(m Mapping, ts uint64, ledger *fire.Ledger, ss *synapse.Store) Stats {
	var st Stats
	if !newest(ledger, m.SourceArea, ts, e.srcNow) || !newest(ledger, m.DestArea, ts, e.dstNow) {
		return st
	}
	ltp := m.LTPDelta()

	// Reinforce existing edges first so a synapse created below is not
	// also reinforced in the burst that created it.
	for src := range e.srcNow {
		for dst := range e.dstNow {
			if src == dst {
				continue
			}
			if i, ok := ss.Find(src, dst); ok {
				ss.Weight[i] = adjust(ss.Weight[i], ltp)
				st.Potentiated++
			}
		}
	}

	srcs := persistent(ledger, m.SourceArea, m.Window, ts)
	dsts := persistent(ledger, m.DestArea, m.Window, ts)
	for _, src := range srcs {
		for _, dst := range dsts {
			if src == dst {
				continue
			}
			if _, ok := ss.Find(src, dst); ok {
				continue
			}
			w := adjust(0, ltp)
			if _, err := ss.Add(src, dst, w, m.Conductance, m.SynapseType); err != nil {
				continue
			}
			st.Created++
			e.emit("synapse_created", src, dst, w, ts)
		}
	}
	return st
}

func (e *Engine) applyClassic(m Mapping, ts uint64, ledger *fire.Ledger, ss *synapse.Store, areas AreaLookup) Stats {
	var st Stats
	srcOK := newest(ledger, m.SourceArea, ts, e.srcNow)
	dstOK := newest(ledger, m.DestArea, ts, e.dstNow)
	if !srcOK && !dstOK {
		return st
	}
	ltp, ltd := m.LTPDelta(), m.LTDDelta()

	update := func(i int, delta float32) {
		before := ss.Weight[i]
		ss.Weight[i] = adjust(before, delta)
		if delta >= 0 {
			st.Potentiated++
			return
		}
		st.Depressed++
		if ss.Weight[i] == 0 && before != 0 {
			st.Prunable++
			e.emit("synapse_prunable", ss.Source[i], ss.Target[i], 0, ts)
		}
	}

	// Source fired: potentiate edges whose target fired, depress the rest.
	for src := range e.srcNow {
		for _, i := range ss.Outgoing(src) {
			if !ss.Valid[i] {
				continue
			}
			dst := ss.Target[i]
			if a, ok := areas.AreaOf(dst); !ok || a != m.DestArea {
				continue
			}
			if _, fired := e.dstNow[dst]; fired {
				update(i, ltp)
			} else {
				update(i, -ltd)
			}
		}
	}
	// Target fired alone: depress edges from silent sources.
	for dst := range e.dstNow {
		for _, i := range ss.Incoming(dst) {
			if !ss.Valid[i] {
				continue
			}
			src := ss.Source[i]
			if a, ok := areas.AreaOf(src); !ok || a != m.SourceArea {
				continue
			}
			if _, fired := e.srcNow[src]; !fired {
				update(i, -ltd)
			}
		}
	}
	return st
}

func (e *Engine) emit(kind string, src, dst uint32, weight uint8, ts uint64) {
	if e.events == nil {
		return
	}
	e.events.Log(map[string]any{
		"event":    kind,
		"source":   src,
		"target":   dst,
		"weight":   weight,
		"timestep": ts,
	})
}

// adjust applies delta to an 8-bit weight, saturating at 0 and 255.
func adjust(w uint8, delta float32) uint8 {
	v := math.Round(float64(w) + float64(delta))
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	}
	return uint8(v)
}
