package npu

import (
	"fmt"
	"slices"

	"github.com/nvandessel/burstnpu/internal/cortical"
	"github.com/nvandessel/burstnpu/internal/neuron"
	"github.com/nvandessel/burstnpu/internal/neuronid"
	"github.com/nvandessel/burstnpu/internal/plasticity"
	"github.com/nvandessel/burstnpu/internal/synapse"
)

// AreaSpec describes one cortical area of a resolved genome.
type AreaSpec struct {
	Index       uint32      `json:"index" yaml:"index"`
	ID          cortical.ID `json:"id" yaml:"id"`
	Window      int         `json:"window,omitempty" yaml:"window,omitempty"`
	UniformPSP  bool        `json:"psp_uniform_distribution,omitempty" yaml:"psp_uniform_distribution,omitempty"`
	MPDrivenPSP bool        `json:"mp_driven_psp,omitempty" yaml:"mp_driven_psp,omitempty"`
}

// NeuronSpec is one resolved neuron.
type NeuronSpec struct {
	ID       uint32          `json:"id" yaml:"id"`
	Area     uint32          `json:"area" yaml:"area"`
	Position neuron.Position `json:"position" yaml:"position"`
	Params   neuron.Params   `json:"params" yaml:"params"`
}

// Topology is a fully resolved genome: the only form in which the NPU
// accepts structure from outside.
type Topology struct {
	Areas      []AreaSpec           `json:"areas" yaml:"areas"`
	Neurons    []NeuronSpec         `json:"neurons" yaml:"neurons"`
	Synapses   []synapse.Synapse    `json:"synapses" yaml:"synapses"`
	Plasticity []plasticity.Mapping `json:"plasticity,omitempty" yaml:"plasticity,omitempty"`
	// Memory lists memory formation areas. Memory neuron lifecycles are
	// runtime state; loaded memory neurons are kept as they are.
	Memory []plasticity.MemoryArea `json:"memory,omitempty" yaml:"memory,omitempty"`
}

// RegisterArea registers a cortical area and applies its flags. The area's
// ledger window is a.Window, or the configured default when unset.
func (n *NPU[T]) RegisterArea(a AreaSpec) error {
	if err := n.areas.Register(a.Index, a.ID); err != nil {
		return err
	}
	n.flags.SetUniform(a.Index, a.UniformPSP)
	n.flags.SetMPDriven(a.Index, a.MPDrivenPSP)
	if a.Window <= 0 {
		n.ledger.Track(a.Index)
		return nil
	}
	if err := n.ledger.ConfigureWindow(a.Index, a.Window); err != nil {
		return fmt.Errorf("area %d: %w", a.Index, err)
	}
	return nil
}

// Load adds a topology to the NPU, then re-runs backend selection for the
// new genome size. Loading stops at the first error; what was added
// before it stays. The caller must hold Mutex.
func (n *NPU[T]) Load(top Topology) error {
	for _, a := range top.Areas {
		if err := n.RegisterArea(a); err != nil {
			return fmt.Errorf("load area %d: %w", a.Index, err)
		}
	}

	var nextMemory uint32
	for _, s := range top.Neurons {
		if _, ok := n.areas.ID(s.Area); !ok {
			return fmt.Errorf("load neuron %d: area %d: %w", s.ID, s.Area, ErrUnknownArea)
		}
		if neuronid.PoolOf(s.ID) == neuronid.PoolReserved {
			return fmt.Errorf("load neuron %d: %w", s.ID, neuronid.ErrForeignID)
		}
		if err := n.neurons.AddWithID(s.ID, s.Params, s.Area, s.Position); err != nil {
			return fmt.Errorf("load: %w", err)
		}
		if neuronid.IsMemory(s.ID) && s.ID >= nextMemory {
			nextMemory = s.ID + 1
		}
	}
	n.ids.Reserve(neuronid.PoolRegular, uint32(n.neurons.Len()))
	if nextMemory > 0 {
		n.ids.Reserve(neuronid.PoolMemory, nextMemory)
	}

	for _, s := range top.Synapses {
		if err := n.AddSynapse(s.Source, s.Target, s.Weight, s.PSP, s.Type); err != nil {
			return fmt.Errorf("load: %w", err)
		}
	}
	n.synapses.RebuildIndex()

	for _, m := range top.Plasticity {
		if err := n.RegisterPlasticity(m); err != nil {
			return fmt.Errorf("load: %w", err)
		}
	}
	for _, a := range top.Memory {
		if err := n.RegisterMemoryArea(a); err != nil {
			return fmt.Errorf("load: %w", err)
		}
	}

	n.reselect()
	n.genomeChanged()
	n.log.Info("topology loaded",
		"areas", len(top.Areas), "neurons", len(top.Neurons), "synapses", len(top.Synapses),
		"backend", n.be.Name())
	return nil
}

// Export returns the current topology. Invalidated neurons and synapses
// are omitted. The caller must hold Mutex.
func (n *NPU[T]) Export() Topology {
	var top Topology
	for _, a := range n.areas.Areas() {
		spec := AreaSpec{
			Index:       a.Index,
			ID:          a.ID,
			UniformPSP:  n.flags.Uniform(a.Index),
			MPDrivenPSP: n.flags.MPDriven(a.Index),
		}
		if n.ledger.IsTracked(a.Index) {
			spec.Window = n.ledger.WindowSize(a.Index)
		}
		top.Areas = append(top.Areas, spec)
	}
	n.neurons.Each(func(nr neuron.Neuron) {
		top.Neurons = append(top.Neurons, NeuronSpec{ID: nr.ID, Area: nr.Area, Position: nr.Position, Params: nr.Params})
	})
	n.synapses.Each(func(s synapse.Synapse) {
		top.Synapses = append(top.Synapses, s)
	})
	top.Plasticity = n.stdp.Mappings()
	top.Memory = n.memory.Areas()
	return top
}

// AddNeuron adds a regular neuron to a registered area and returns its ID.
// The caller must hold Mutex.
func (n *NPU[T]) AddNeuron(area uint32, pos neuron.Position, p neuron.Params) (uint32, error) {
	if _, ok := n.areas.ID(area); !ok {
		return 0, fmt.Errorf("add neuron: area %d: %w", area, ErrUnknownArea)
	}
	id, err := n.neurons.Add(p, area, pos)
	if err != nil {
		return 0, err
	}
	n.ids.Reserve(neuronid.PoolRegular, id+1)
	n.genomeChanged()
	return id, nil
}

// AddMemoryNeuron adds a neuron with an ID from the memory pool. Memory
// neurons fire whenever they receive input. The caller must hold Mutex.
func (n *NPU[T]) AddMemoryNeuron(area uint32, pos neuron.Position, p neuron.Params) (uint32, error) {
	if _, ok := n.areas.ID(area); !ok {
		return 0, fmt.Errorf("add memory neuron: area %d: %w", area, ErrUnknownArea)
	}
	id, err := n.ids.Allocate(neuronid.PoolMemory)
	if err != nil {
		return 0, err
	}
	p.Type = neuron.TypeMemory
	if err := n.neurons.AddWithID(id, p, area, pos); err != nil {
		_ = n.ids.Release(id)
		return 0, err
	}
	n.genomeChanged()
	return id, nil
}

// AddSynapse connects two live neurons. The synapse index is rebuilt
// before the next propagation pass. The caller must hold Mutex.
func (n *NPU[T]) AddSynapse(src, dst uint32, weight, psp uint8, typ synapse.Type) error {
	for _, id := range []uint32{src, dst} {
		if _, ok := n.neurons.AreaOf(id); !ok {
			return fmt.Errorf("add synapse %d→%d: neuron %d: %w", src, dst, id, neuron.ErrNotFound)
		}
	}
	if _, err := n.synapses.Add(src, dst, weight, psp, typ); err != nil {
		return err
	}
	n.genomeDirty = true
	n.be.OnGenomeChange()
	return nil
}

// RemoveNeuron logically deletes a neuron and its synapses. Storage is
// reclaimed by Compact. A removed memory neuron leaves the memory stage.
// The caller must hold Mutex.
func (n *NPU[T]) RemoveNeuron(id uint32) error {
	if err := n.removeNeuron(id); err != nil {
		return err
	}
	n.memory.Forget(id)
	return nil
}

func (n *NPU[T]) removeNeuron(id uint32) error {
	if err := n.neurons.Invalidate(id); err != nil {
		return err
	}
	n.synapses.RemoveNeuron(id)
	n.genomeChanged()
	return nil
}

// CompactStats reports what Compact reclaimed.
type CompactStats struct {
	NeuronsRemoved  int `json:"neurons_removed"`
	NeuronsRenamed  int `json:"neurons_renamed"`
	SynapsesRemoved int `json:"synapses_removed"`
}

// Compact physically removes invalidated neurons, invalid synapses and
// prunable zero-weight synapses. Regular neurons may be renumbered;
// pending FCL input for removed or renumbered neurons is remapped or
// dropped. The caller must hold Mutex.
func (n *NPU[T]) Compact() CompactStats {
	remap, removed := n.neurons.Compact()
	dropped := n.synapses.Compact(remap, removed)

	for id := range removed {
		if neuronid.IsMemory(id) {
			_ = n.ids.Release(id)
		}
	}

	rename := func(id uint32) (uint32, bool) {
		if removed[id] {
			return 0, false
		}
		if to, ok := remap[id]; ok {
			return to, true
		}
		return id, true
	}

	pending := n.next.Snapshot()
	n.next.Clear()
	for _, id := range sortedIDs(pending) {
		if to, ok := rename(id); ok {
			n.next.Add(to, pending[id])
		}
	}

	kept := n.refractory[:0]
	for _, id := range n.refractory {
		if to, ok := rename(id); ok {
			kept = append(kept, to)
		}
	}
	n.refractory = kept

	n.genomeChanged()
	st := CompactStats{NeuronsRemoved: len(removed), NeuronsRenamed: len(remap), SynapsesRemoved: dropped}
	n.log.Info("npu compacted", "neurons_removed", st.NeuronsRemoved, "neurons_renamed", st.NeuronsRenamed, "synapses_removed", st.SynapsesRemoved)
	return st
}

func sortedIDs(m map[uint32]float32) []uint32 {
	out := make([]uint32, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
