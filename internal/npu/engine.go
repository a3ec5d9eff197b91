package npu

import (
	"github.com/nvandessel/burstnpu/internal/backend"
	"github.com/nvandessel/burstnpu/internal/cortical"
	"github.com/nvandessel/burstnpu/internal/fire"
	"github.com/nvandessel/burstnpu/internal/lock"
	"github.com/nvandessel/burstnpu/internal/neuron"
	"github.com/nvandessel/burstnpu/internal/plasticity"
	"github.com/nvandessel/burstnpu/internal/synapse"
)

// Engine is the precision-independent view of an NPU used by the burst
// runner and the outer surfaces. Each method keeps the locking contract of
// the NPU method of the same name.
type Engine interface {
	Mutex() *lock.Mutex
	Precision() neuron.Precision

	ProcessBurst() (BurstStats, error)
	Timestep() uint64
	LastBurst() BurstStats
	FireQueue() *fire.Queue

	InjectSensoryWithPotentials(batch []fire.Injection) int
	PushParams(updates ...ParamUpdate)
	ApplyParams(u ParamUpdate) (int, []FieldError)
	SetPower(on bool)
	SetPowerAmount(v float32)

	History(area uint32, lookback int) []fire.Frame
	ConfigureWindow(area uint32, size int) error
	Ledger() *fire.Ledger
	Areas() *cortical.Registry

	Decision() backend.Decision
	BackendName() string
	Status() Status

	Load(top Topology) error
	Export() Topology
	Compact() CompactStats
	RegisterArea(a AreaSpec) error
	RegisterPlasticity(m plasticity.Mapping) error
	RegisterMemoryArea(a plasticity.MemoryArea) error
	Memory() *plasticity.Memory
	AddNeuron(area uint32, pos neuron.Position, p neuron.Params) (uint32, error)
	AddMemoryNeuron(area uint32, pos neuron.Position, p neuron.Params) (uint32, error)
	AddSynapse(src, dst uint32, weight, psp uint8, typ synapse.Type) error
	RemoveNeuron(id uint32) error
	Neuron(id uint32) (neuron.Neuron, bool)
}

var (
	_ Engine = (*NPU[neuron.F32])(nil)
	_ Engine = (*NPU[neuron.Q16])(nil)
)

// Open creates an NPU with the precision named in cfg.
func Open(cfg Config) (Engine, error) {
	if cfg.Precision == neuron.PrecisionQ16 {
		n, err := New[neuron.Q16](cfg)
		if err != nil {
			return nil, err
		}
		return n, nil
	}
	n, err := New[neuron.F32](cfg)
	if err != nil {
		return nil, err
	}
	return n, nil
}

// Neuron returns a copy of one neuron. The caller must hold Mutex.
func (n *NPU[T]) Neuron(id uint32) (neuron.Neuron, bool) {
	return n.neurons.Get(id)
}
