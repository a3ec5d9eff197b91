// Package npu owns the complete state of one neural processing unit and
// advances it one burst at a time.
//
// An NPU is not safe for concurrent use except where a method says so.
// Callers serialize access through Mutex; injection, parameter updates,
// history queries and the backend report may be used from any goroutine.
package npu

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/nvandessel/burstnpu/internal/backend"
	"github.com/nvandessel/burstnpu/internal/cortical"
	"github.com/nvandessel/burstnpu/internal/fire"
	"github.com/nvandessel/burstnpu/internal/lock"
	"github.com/nvandessel/burstnpu/internal/logging"
	"github.com/nvandessel/burstnpu/internal/neuron"
	"github.com/nvandessel/burstnpu/internal/neuronid"
	"github.com/nvandessel/burstnpu/internal/plasticity"
	"github.com/nvandessel/burstnpu/internal/propagation"
	"github.com/nvandessel/burstnpu/internal/synapse"
)

// ErrUnknownArea is returned when an operation names an unregistered area.
var ErrUnknownArea = errors.New("unknown cortical area")

// Config sizes an NPU and picks its compute backend.
type Config struct {
	Precision       neuron.Precision
	NeuronCapacity  int
	SynapseCapacity int
	// LedgerWindow is the ring size for areas without their own window.
	LedgerWindow int
	// Workers bounds CPU backend goroutines; <= 0 uses every core.
	Workers int
	// Chunk is the CPU backend work unit; <= 0 uses backend.DefaultChunk.
	Chunk          int
	Backend        backend.Config
	MemoryFraction float64
	// Probe finds accelerators; nil uses backend.DefaultProbe.
	Probe backend.Probe
	// PowerAmount is injected into every power-area neuron each burst
	// while power is enabled.
	PowerAmount  float32
	PowerEnabled bool
	TraceLock    bool

	Logger *slog.Logger
	Events plasticity.EventSink
}

// DefaultConfig returns a CPU-friendly configuration for a small network.
func DefaultConfig() Config {
	return Config{
		Precision:       neuron.PrecisionF32,
		NeuronCapacity:  1_000_000,
		SynapseCapacity: 10_000_000,
		LedgerWindow:    fire.DefaultWindow,
		Backend:         backend.DefaultConfig(),
		MemoryFraction:  0.8,
		PowerAmount:     1,
	}
}

// Status is a point-in-time summary of an NPU.
type Status struct {
	Timestep          uint64           `json:"timestep"`
	Precision         neuron.Precision `json:"precision"`
	Neurons           int              `json:"neurons"`
	NeuronCapacity    int              `json:"neuron_capacity"`
	Synapses          int              `json:"synapses"`
	Prunable          int              `json:"prunable"`
	Areas             int              `json:"areas"`
	Backend           string           `json:"backend"`
	Decision          backend.Decision `json:"decision"`
	PendingInjections int              `json:"pending_injections"`
	PendingParams     int              `json:"pending_params"`
	Refractory        int              `json:"refractory"`
	MemoryNeurons     int              `json:"memory_neurons"`
	PowerEnabled      bool             `json:"power_enabled"`
	LockPoisoned      bool             `json:"lock_poisoned"`
}

// NPU holds neuron and synapse state of precision T together with the fire
// structures, the plasticity engine and the compute backend.
type NPU[T neuron.Value[T]] struct {
	cfg Config
	log *slog.Logger
	mu  *lock.Mutex

	neurons  *neuron.Store[T]
	synapses *synapse.Store
	areas    *cortical.Registry
	flags    *propagation.Flags
	ids      *neuronid.Manager

	fcl, next *fire.CandidateList
	fq        *fire.Queue
	ledger    *fire.Ledger
	stdp      *plasticity.Engine
	memory    *plasticity.Memory
	staging   fire.Staging
	params    ParamQueue

	be          backend.Backend[T]
	caps        backend.Caps
	decision    atomic.Pointer[backend.Decision]
	genomeDirty bool

	refractory []uint32
	power      []uint32
	powerOn    atomic.Bool
	powerAmt   atomic.Uint32 // float32 bits

	timestep atomic.Uint64
	last     BurstStats
}

// New creates an empty NPU of precision T. The backend starts on the CPU
// unless the configuration forces a device; Load re-selects it for the
// loaded genome size.
func New[T neuron.Value[T]](cfg Config) (*NPU[T], error) {
	if cfg.NeuronCapacity <= 0 {
		return nil, fmt.Errorf("new npu: neuron capacity %d: %w", cfg.NeuronCapacity, neuron.ErrInvalidParameter)
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}
	n := &NPU[T]{
		cfg:         cfg,
		log:         log,
		mu:          lock.New(log, cfg.TraceLock),
		neurons:     neuron.NewStore[T](cfg.NeuronCapacity),
		synapses:    synapse.NewStore(max(cfg.SynapseCapacity, 0)),
		areas:       cortical.NewCoreRegistry(),
		flags:       propagation.NewFlags(),
		ids:         neuronid.NewManager(),
		fcl:         fire.NewCandidateList(0),
		next:        fire.NewCandidateList(0),
		fq:          fire.NewQueue(),
		ledger:      fire.NewLedger(cfg.LedgerWindow),
		stdp:        plasticity.NewEngine(cfg.Events),
		memory:      plasticity.NewMemory(cfg.Events),
		caps:        backend.Capabilities(cfg.Probe),
		genomeDirty: true,
	}
	n.powerOn.Store(cfg.PowerEnabled)
	n.SetPowerAmount(cfg.PowerAmount)
	n.reselect()
	return n, nil
}

// Mutex returns the coarse lock guarding this NPU.
func (n *NPU[T]) Mutex() *lock.Mutex { return n.mu }

// Precision reports the neuron value representation.
func (n *NPU[T]) Precision() neuron.Precision {
	var zero T
	if _, ok := any(zero).(neuron.Q16); ok {
		return neuron.PrecisionQ16
	}
	return neuron.PrecisionF32
}

// Neurons exposes the neuron store.
func (n *NPU[T]) Neurons() *neuron.Store[T] { return n.neurons }

// Synapses exposes the synapse store.
func (n *NPU[T]) Synapses() *synapse.Store { return n.synapses }

// Areas exposes the cortical area registry. It is safe for concurrent use.
func (n *NPU[T]) Areas() *cortical.Registry { return n.areas }

// Ledger exposes the fire ledger. It is safe for concurrent use.
func (n *NPU[T]) Ledger() *fire.Ledger { return n.ledger }

// Flags exposes the per-area propagation flags. They are safe for concurrent use.
func (n *NPU[T]) Flags() *propagation.Flags { return n.flags }

// FireQueue returns the queue of the last burst. It is overwritten by the
// next ProcessBurst.
func (n *NPU[T]) FireQueue() *fire.Queue { return n.fq }

// Timestep returns the number of bursts processed. Safe for concurrent use.
func (n *NPU[T]) Timestep() uint64 { return n.timestep.Load() }

// LastBurst returns the statistics of the most recent burst.
func (n *NPU[T]) LastBurst() BurstStats { return n.last }

// Decision returns the current backend decision. Safe for concurrent use.
func (n *NPU[T]) Decision() backend.Decision {
	if d := n.decision.Load(); d != nil {
		return *d
	}
	return backend.Decision{}
}

// BackendName returns the active backend's name.
func (n *NPU[T]) BackendName() string { return n.be.Name() }

// InjectSensoryWithPotentials stages potentials for resolved neuron IDs.
// They reach the FCL at the start of the next burst. Non-finite potentials
// are dropped. Safe for concurrent use.
func (n *NPU[T]) InjectSensoryWithPotentials(batch []fire.Injection) int {
	return n.staging.Push(batch)
}

// PushParams queues parameter updates for the next burst. Safe for
// concurrent use.
func (n *NPU[T]) PushParams(updates ...ParamUpdate) {
	n.params.Push(updates...)
}

// History returns up to lookback frames of area, newest first. Safe for
// concurrent use.
func (n *NPU[T]) History(area uint32, lookback int) []fire.Frame {
	return n.ledger.History(area, lookback)
}

// ConfigureWindow sets area's ledger window. Safe for concurrent use.
func (n *NPU[T]) ConfigureWindow(area uint32, size int) error {
	return n.ledger.ConfigureWindow(area, size)
}

// RegisterPlasticity adds an STDP mapping between two registered areas.
func (n *NPU[T]) RegisterPlasticity(m plasticity.Mapping) error {
	for _, a := range []uint32{m.SourceArea, m.DestArea} {
		if _, ok := n.areas.ID(a); !ok {
			return fmt.Errorf("register plasticity %d→%d: area %d: %w", m.SourceArea, m.DestArea, a, ErrUnknownArea)
		}
	}
	return n.stdp.Register(m, n.ledger)
}

// RegisterMemoryArea enables memory formation in a.Area from the firing of
// its upstream areas. Safe for concurrent use.
func (n *NPU[T]) RegisterMemoryArea(a plasticity.MemoryArea) error {
	for _, area := range append([]uint32{a.Area}, a.Upstream...) {
		if _, ok := n.areas.ID(area); !ok {
			return fmt.Errorf("register memory area %d: area %d: %w", a.Area, area, ErrUnknownArea)
		}
	}
	return n.memory.Register(a, n.ledger)
}

// Memory exposes the memory formation stage. It is safe for concurrent use.
func (n *NPU[T]) Memory() *plasticity.Memory { return n.memory }

// SetPower enables or disables power injection. Safe for concurrent use.
func (n *NPU[T]) SetPower(on bool) { n.powerOn.Store(on) }

// SetPowerAmount sets the potential injected into power neurons. Safe for
// concurrent use.
func (n *NPU[T]) SetPowerAmount(v float32) { n.powerAmt.Store(floatBits(v)) }

// Status summarizes the NPU.
func (n *NPU[T]) Status() Status {
	return Status{
		Timestep:          n.Timestep(),
		Precision:         n.Precision(),
		Neurons:           n.neurons.Live(),
		NeuronCapacity:    n.neurons.Cap(),
		Synapses:          n.synapses.Live(),
		Prunable:          len(n.synapses.Prunable()),
		Areas:             n.areas.Len(),
		Backend:           n.be.Name(),
		Decision:          n.Decision(),
		PendingInjections: n.staging.Pending(),
		PendingParams:     n.params.Len(),
		Refractory:        len(n.refractory),
		MemoryNeurons:     n.memory.Len(),
		PowerEnabled:      n.powerOn.Load(),
		LockPoisoned:      n.mu.Poisoned(),
	}
}

// reselect runs backend selection for the current genome size and swaps
// the backend when the choice changed.
func (n *NPU[T]) reselect() {
	d := backend.Select(n.neurons.Live(), n.synapses.Live(), n.cfg.Backend, n.caps)
	if cur := n.decision.Load(); n.be != nil && cur != nil && cur.Type == d.Type {
		n.decision.Store(&d)
		return
	}
	var be backend.Backend[T] = backend.NewCPU[T](n.cfg.Workers, n.cfg.Chunk)
	got := d
	if d.Type != backend.CPU {
		be, got = backend.Create[T](d, n.cfg.Probe, n.cfg.MemoryFraction, n.cfg.Workers, n.log)
	}
	n.be = be
	n.decision.Store(&got)
	n.genomeDirty = true
	n.log.Info("compute backend selected", "backend", be.Name(), "reason", got.Reason, "speedup", got.EstimatedSpeedup)
	if n.cfg.Events != nil {
		n.cfg.Events.Log(map[string]any{"event": "backend_selected", "backend": got.Type.String(), "reason": got.Reason, "speedup": got.EstimatedSpeedup})
	}
}

// fallback replaces a failed device backend with the CPU backend.
func (n *NPU[T]) fallback(err error) {
	n.log.Warn("compute backend failed, falling back to cpu", "backend", n.be.Name(), "error", err)
	d := backend.Decision{
		Type:             backend.CPU,
		Reason:           fmt.Sprintf("%s failed (%v), falling back to CPU", n.be.Name(), err),
		EstimatedSpeedup: 1.0,
	}
	n.be = backend.NewCPU[T](n.cfg.Workers, n.cfg.Chunk)
	n.decision.Store(&d)
	n.genomeDirty = true
}

// genomeChanged invalidates backend caches and derived lists after a
// topology mutation.
func (n *NPU[T]) genomeChanged() {
	n.be.OnGenomeChange()
	n.genomeDirty = true
	n.power = n.power[:0]
	n.neurons.ForArea(cortical.PowerIndex, func(i int) {
		n.power = append(n.power, n.neurons.IDs[i])
	})
}
