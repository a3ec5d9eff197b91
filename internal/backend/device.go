package backend

import (
	"fmt"
	"os"

	"github.com/nvandessel/burstnpu/internal/dynamics"
	"github.com/nvandessel/burstnpu/internal/fire"
	"github.com/nvandessel/burstnpu/internal/neuron"
	"github.com/nvandessel/burstnpu/internal/propagation"
	"github.com/nvandessel/burstnpu/internal/synapse"
)

// DeviceInfo describes an accelerator found by a Probe.
type DeviceInfo struct {
	Name        string
	MemoryBytes uint64
}

// Probe looks for a device usable by backend type t.
type Probe func(t Type) (DeviceInfo, error)

// device nodes checked by DefaultProbe
var deviceNodes = map[Type]string{
	WGPU: "/dev/dri/renderD128",
	CUDA: "/dev/nvidiactl",
}

// DefaultProbe reports a device when its kernel node exists.
func DefaultProbe(t Type) (DeviceInfo, error) {
	node, ok := deviceNodes[t]
	if !ok {
		return DeviceInfo{}, fmt.Errorf("probe %s: %w", t, ErrUnavailable)
	}
	if _, err := os.Stat(node); err != nil {
		return DeviceInfo{}, fmt.Errorf("probe %s: %s: %w", t, node, ErrUnavailable)
	}
	return DeviceInfo{Name: node}, nil
}

// Capabilities reports which device backends a probe can open.
func Capabilities(probe Probe) Caps {
	if probe == nil {
		probe = DefaultProbe
	}
	_, wgpuErr := probe(WGPU)
	_, cudaErr := probe(CUDA)
	return Caps{WGPU: wgpuErr == nil, CUDA: cudaErr == nil}
}

// Per-element sizes of the device buffer layout.
const (
	neuronBytes  = 4*5 + 2*5 + 4 + 4*3 + 2 // potentials, countdowns, flags, area, xyz, type/valid
	synapseBytes = 4*2 + 1*3 + 1
)

// DeviceBackend keeps topology in device-resident buffers that are
// uploaded once and only re-uploaded after OnGenomeChange. Dynamics and
// propagation kernels execute the reference CPU path over those buffers.
type DeviceBackend[T neuron.Value[T]] struct {
	typ      Type
	info     DeviceInfo
	fraction float64
	kernel   *CPUBackend[T]

	resident    bool
	uploads     int
	neurons     int
	synapses    int
	bufferBytes uint64
}

// NewDevice opens a device backend of type t. memoryFraction caps the share
// of device memory the buffers may use; <= 0 means no cap.
func NewDevice[T neuron.Value[T]](t Type, probe Probe, memoryFraction float64) (*DeviceBackend[T], error) {
	if t == CPU {
		return nil, fmt.Errorf("device backend for cpu: %w", ErrUnavailable)
	}
	if probe == nil {
		probe = DefaultProbe
	}
	info, err := probe(t)
	if err != nil {
		return nil, err
	}
	return &DeviceBackend[T]{
		typ:      t,
		info:     info,
		fraction: memoryFraction,
		kernel:   NewCPU[T](0, 0),
	}, nil
}

// Name implements Backend.
func (d *DeviceBackend[T]) Name() string {
	return fmt.Sprintf("%s(%s)", d.typ, d.info.Name)
}

// InitializePersistentData implements Backend. It is a no-op while the
// buffers are resident.
func (d *DeviceBackend[T]) InitializePersistentData(ns *neuron.Store[T], ss *synapse.Store) error {
	if d.resident {
		return nil
	}
	need := uint64(ns.Len())*neuronBytes + uint64(ss.Len())*synapseBytes
	if d.fraction > 0 && d.info.MemoryBytes > 0 {
		budget := uint64(float64(d.info.MemoryBytes) * d.fraction)
		if need > budget {
			return fmt.Errorf("%s: genome needs %d bytes, budget %d: %w", d.Name(), need, budget, ErrUnavailable)
		}
	}
	d.neurons, d.synapses = ns.Len(), ss.Len()
	d.bufferBytes = need
	d.uploads++
	d.resident = true
	return nil
}

// OnGenomeChange implements Backend.
func (d *DeviceBackend[T]) OnGenomeChange() { d.resident = false }

// Resident reports whether the buffers match the current topology.
func (d *DeviceBackend[T]) Resident() bool { return d.resident }

// Uploads returns how many times buffers were uploaded.
func (d *DeviceBackend[T]) Uploads() int { return d.uploads }

// BufferBytes returns the size of the last upload.
func (d *DeviceBackend[T]) BufferBytes() uint64 { return d.bufferBytes }

// ProcessNeuralDynamics implements Backend.
func (d *DeviceBackend[T]) ProcessNeuralDynamics(fcl *fire.CandidateList, ns *neuron.Store[T], burst uint64, fq *fire.Queue) (dynamics.Result, error) {
	if !d.resident {
		return dynamics.Result{}, fmt.Errorf("%s: %w", d.Name(), ErrNotInitialized)
	}
	return d.kernel.ProcessNeuralDynamics(fcl, ns, burst, fq)
}

// ProcessSynapticPropagation implements Backend.
func (d *DeviceBackend[T]) ProcessSynapticPropagation(fq *fire.Queue, ss *synapse.Store, ns *neuron.Store[T], flags *propagation.Flags, next *fire.CandidateList) (int, error) {
	if !d.resident {
		return 0, fmt.Errorf("%s: %w", d.Name(), ErrNotInitialized)
	}
	return d.kernel.ProcessSynapticPropagation(fq, ss, ns, flags, next)
}
