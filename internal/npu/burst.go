package npu

import (
	"fmt"
	"math"
	"time"

	"github.com/nvandessel/burstnpu/internal/backend"
	"github.com/nvandessel/burstnpu/internal/dynamics"
	"github.com/nvandessel/burstnpu/internal/neuron"
	"github.com/nvandessel/burstnpu/internal/plasticity"
)

// BurstStats describes one processed burst.
type BurstStats struct {
	Timestep        uint64                 `json:"timestep"`
	Injected        int                    `json:"injected"`
	Powered         int                    `json:"powered"`
	Processed       int                    `json:"processed"`
	Fired           int                    `json:"fired"`
	Refractory      int                    `json:"refractory"`
	SynapsesVisited int                    `json:"synapses_visited"`
	ParamsApplied   int                    `json:"params_applied"`
	ParamsRejected  int                    `json:"params_rejected"`
	Plasticity      plasticity.Stats       `json:"plasticity"`
	Memory          plasticity.MemoryStats `json:"memory"`
	Timing          backend.Timing         `json:"timing"`
	Duration        time.Duration          `json:"duration"`
	Backend         string                 `json:"backend"`
}

// ProcessBurst advances the NPU by one burst:
//
//  1. staged injections, power input and refractory ticks enter the FCL
//  2. dynamics run on the backend and fill the Fire Queue
//  3. the Fire Queue is archived in the ledger
//  4. propagation seeds the next burst's FCL
//  5. queued parameter updates are applied
//  6. STDP runs against the ledger
//  7. memory formation ages memory neurons and stimulates the ones whose
//     pattern recurred, so they fire in the next burst
//
// The caller must hold Mutex. A backend error switches to the CPU backend
// and retries the failed phase; ProcessBurst only fails when the CPU
// backend fails too.
func (n *NPU[T]) ProcessBurst() (BurstStats, error) {
	start := time.Now()
	ts := n.timestep.Load() + 1
	st := BurstStats{Timestep: ts}

	n.fcl, n.next = n.next, n.fcl
	n.next.Clear()

	st.Injected = n.staging.DrainInto(n.fcl)
	if n.powerOn.Load() {
		amt := math.Float32frombits(n.powerAmt.Load())
		for _, id := range n.power {
			n.fcl.Add(id, amt)
		}
		st.Powered = len(n.power)
	}
	for _, id := range n.refractory {
		n.fcl.Add(id, 0)
	}

	if err := n.ensureResident(); err != nil {
		return st, fmt.Errorf("burst %d: %w", ts, err)
	}

	n.fq.Reset(ts)
	dynStart := time.Now()
	dyn, err := n.be.ProcessNeuralDynamics(n.fcl, n.neurons, ts, n.fq)
	if err != nil {
		n.fallback(err)
		if err := n.ensureResident(); err != nil {
			return st, fmt.Errorf("burst %d: %w", ts, err)
		}
		n.fq.Reset(ts)
		if dyn, err = n.be.ProcessNeuralDynamics(n.fcl, n.neurons, ts, n.fq); err != nil {
			return st, fmt.Errorf("burst %d dynamics: %w", ts, err)
		}
	}
	st.Timing.Dynamics = time.Since(dynStart)
	st.Processed, st.Fired, st.Refractory = dyn.Processed, len(dyn.Fired), dyn.Refractory

	n.ledger.ArchiveBurst(ts, n.fq)

	if n.synapses.Dirty() {
		n.synapses.RebuildIndex()
	}
	propStart := time.Now()
	visited, err := n.be.ProcessSynapticPropagation(n.fq, n.synapses, n.neurons, n.flags, n.next)
	if err != nil {
		n.fallback(err)
		n.next.Clear()
		if err := n.ensureResident(); err != nil {
			return st, fmt.Errorf("burst %d: %w", ts, err)
		}
		if visited, err = n.be.ProcessSynapticPropagation(n.fq, n.synapses, n.neurons, n.flags, n.next); err != nil {
			return st, fmt.Errorf("burst %d propagation: %w", ts, err)
		}
	}
	st.Timing.Propagation = time.Since(propStart)
	st.SynapsesVisited = visited

	n.trackRefractory(dyn)
	st.ParamsApplied, st.ParamsRejected = n.applyParams()

	if n.synapses.Dirty() {
		n.synapses.RebuildIndex()
	}
	st.Plasticity = n.stdp.Apply(ts, n.ledger, n.synapses, n.neurons)
	if st.Plasticity.Created > 0 {
		n.genomeChanged()
	}
	st.Memory = n.memory.Apply(ts, n.ledger, memoryHost[T]{n})

	n.fcl.Clear()
	n.timestep.Store(ts)
	st.Duration = time.Since(start)
	st.Timing.Total = st.Duration
	st.Backend = n.be.Name()
	n.last = st
	return st, nil
}

// ensureResident uploads persistent backend data after a genome change,
// falling back to the CPU when the device refuses it.
func (n *NPU[T]) ensureResident() error {
	if !n.genomeDirty {
		return nil
	}
	if err := n.be.InitializePersistentData(n.neurons, n.synapses); err != nil {
		n.fallback(err)
		if err := n.be.InitializePersistentData(n.neurons, n.synapses); err != nil {
			return fmt.Errorf("initialize %s: %w", n.be.Name(), err)
		}
	}
	n.genomeDirty = false
	return nil
}

// trackRefractory keeps the IDs whose countdown is still running so they
// are re-queued, and so ticked, every burst until it expires.
func (n *NPU[T]) trackRefractory(dyn dynamics.Result) {
	kept := n.refractory[:0]
	for _, id := range n.refractory {
		if n.counting(id) {
			kept = append(kept, id)
		}
	}
	for _, id := range dyn.Fired {
		if n.counting(id) {
			kept = append(kept, id)
		}
	}
	n.refractory = kept
}

func (n *NPU[T]) counting(id uint32) bool {
	i, ok := n.neurons.Index(id)
	return ok && n.neurons.Valid[i] && n.neurons.RefractoryCountdown[i] > 0
}

func floatBits(v float32) uint32 { return math.Float32bits(v) }

// MemoryPotential is the input a recurring pattern gives its memory neuron.
const MemoryPotential float32 = 1.5

// memoryHost lets the memory stage manage memory neurons of an NPU.
type memoryHost[T neuron.Value[T]] struct{ n *NPU[T] }

func (h memoryHost[T]) CreateMemoryNeuron(area uint32) (uint32, error) {
	return h.n.AddMemoryNeuron(area, neuron.Position{}, neuron.DefaultParams())
}

func (h memoryHost[T]) RemoveMemoryNeuron(id uint32) error { return h.n.removeNeuron(id) }

func (h memoryHost[T]) Stimulate(id uint32) { h.n.next.Add(id, MemoryPotential) }
