package backend

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/nvandessel/burstnpu/internal/neuron"
)

// Config holds the selection thresholds and overrides.
type Config struct {
	// GPUNeuronThreshold is the neuron count at which WGPU is considered.
	GPUNeuronThreshold int `json:"gpu_neuron_threshold" yaml:"gpu_neuron_threshold"`
	// GPUSynapseThreshold is the synapse count at which WGPU is considered.
	GPUSynapseThreshold  int     `json:"gpu_synapse_threshold" yaml:"gpu_synapse_threshold"`
	CUDANeuronThreshold  int     `json:"cuda_neuron_threshold" yaml:"cuda_neuron_threshold"`
	CUDASynapseThreshold int     `json:"cuda_synapse_threshold" yaml:"cuda_synapse_threshold"`
	GPUMinFiringRate     float64 `json:"gpu_min_firing_rate" yaml:"gpu_min_firing_rate"`
	ForceCPU             bool    `json:"force_cpu" yaml:"force_cpu"`
	ForceGPU             bool    `json:"force_gpu" yaml:"force_gpu"`
	ForceCUDA            bool    `json:"force_cuda" yaml:"force_cuda"`
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		GPUNeuronThreshold:   500_000,
		GPUSynapseThreshold:  50_000_000,
		CUDANeuronThreshold:  100_000,
		CUDASynapseThreshold: 10_000_000,
		GPUMinFiringRate:     0.005,
	}
}

// Caps records which device backends are available.
type Caps struct {
	WGPU bool
	CUDA bool
}

// Decision is the outcome of Select.
type Decision struct {
	Type             Type    `json:"type"`
	Reason           string  `json:"reason"`
	EstimatedSpeedup float64 `json:"estimated_speedup"`
}

// minDeviceSpeedup is the speedup a device must promise to be chosen automatically.
const minDeviceSpeedup = 1.5

// Select picks a backend for a genome of the given size. It is a pure
// function of its arguments.
func Select(neurons, synapses int, cfg Config, caps Caps) Decision {
	return SelectWithActivity(neurons, synapses, 1, cfg, caps)
}

// SelectWithActivity is Select with a measured firing rate. Networks firing
// below cfg.GPUMinFiringRate stay on the CPU.
func SelectWithActivity(neurons, synapses int, firingRate float64, cfg Config, caps Caps) Decision {
	cpu := func(reason string) Decision {
		return Decision{Type: CPU, Reason: reason, EstimatedSpeedup: 1.0}
	}

	if cfg.ForceCPU {
		return cpu("Forced CPU via configuration")
	}
	if cfg.ForceCUDA {
		if caps.CUDA {
			return Decision{Type: CUDA, Reason: "Forced CUDA via configuration", EstimatedSpeedup: EstimateSpeedup(CUDA, neurons, synapses)}
		}
		return cpu("CUDA forced but not available, falling back to CPU")
	}
	if cfg.ForceGPU {
		if caps.WGPU {
			return Decision{Type: WGPU, Reason: "Forced GPU via configuration", EstimatedSpeedup: EstimateSpeedup(WGPU, neurons, synapses)}
		}
		return cpu("GPU forced but not available, falling back to CPU")
	}

	if firingRate < cfg.GPUMinFiringRate {
		return cpu(fmt.Sprintf("CPU selected: firing rate %.4f below GPU minimum %.4f", firingRate, cfg.GPUMinFiringRate))
	}

	if caps.CUDA && (neurons >= cfg.CUDANeuronThreshold || synapses >= cfg.CUDASynapseThreshold) {
		if s := EstimateSpeedup(CUDA, neurons, synapses); s > minDeviceSpeedup {
			return Decision{
				Type:             CUDA,
				Reason:           fmt.Sprintf("CUDA selected: %d neurons, %d synapses (estimated %.1fx speedup)", neurons, synapses, s),
				EstimatedSpeedup: s,
			}
		}
	}
	if caps.WGPU && (neurons >= cfg.GPUNeuronThreshold || synapses >= cfg.GPUSynapseThreshold) {
		if s := EstimateSpeedup(WGPU, neurons, synapses); s > minDeviceSpeedup {
			return Decision{
				Type:             WGPU,
				Reason:           fmt.Sprintf("GPU selected: %d neurons, %d synapses (estimated %.1fx speedup)", neurons, synapses, s),
				EstimatedSpeedup: s,
			}
		}
	}

	return cpu(fmt.Sprintf("CPU selected: %d neurons, %d synapses (below GPU thresholds or GPU not available)", neurons, synapses))
}

// Throughput model used by EstimateSpeedup.
const (
	cpuFLOPS       = 100e9
	wgpuFLOPS      = 10e12
	cudaFLOPS      = 19.5e12
	wgpuBandwidth  = 25e9
	cudaBandwidth  = 32e9
	wgpuOverheadS  = 200e-6
	cudaOverheadS  = 100e-6
	minSpeedup     = 0.1
	maxSpeedup     = 100
	opsPerSynapse  = 10
	opsPerNeuron   = 20
	firedFraction  = 0.01
	bitmaskPerByte = 8
)

// EstimateSpeedup models device time against CPU time for one burst. The
// estimate grows with genome size and is clamped to [0.1, 100]. CPU is 1.
func EstimateSpeedup(t Type, neurons, synapses int) float64 {
	if t == CPU {
		return 1.0
	}
	n, s := float64(neurons), float64(synapses)
	ops := s*opsPerSynapse + n*opsPerNeuron
	cpuSec := ops / cpuFLOPS

	// potentials + thresholds up, fired bitmask down, fired ids down
	transfer := n*4*2 + n/bitmaskPerByte + n*firedFraction*4

	var flops, bw, overhead float64
	if t == CUDA {
		flops, bw, overhead = cudaFLOPS, cudaBandwidth, cudaOverheadS
	} else {
		flops, bw, overhead = wgpuFLOPS, wgpuBandwidth, wgpuOverheadS
	}
	devSec := ops/flops + transfer/bw + overhead

	return min(max(cpuSec/devSec, minSpeedup), maxSpeedup)
}

// GPUConfig is the user-facing accelerator section of the configuration.
type GPUConfig struct {
	UseGPU            bool    `json:"use_gpu" yaml:"use_gpu"`
	HybridEnabled     bool    `json:"hybrid_enabled" yaml:"hybrid_enabled"`
	GPUThreshold      int     `json:"gpu_threshold" yaml:"gpu_threshold"`
	GPUMemoryFraction float64 `json:"gpu_memory_fraction" yaml:"gpu_memory_fraction"`
}

// DefaultGPUConfig returns GPU settings with hybrid selection enabled.
func DefaultGPUConfig() GPUConfig {
	return GPUConfig{
		UseGPU:            true,
		HybridEnabled:     true,
		GPUThreshold:      1_000_000,
		GPUMemoryFraction: 0.8,
	}
}

// ToBackendConfig maps GPU settings onto selection settings: GPU disabled
// forces CPU, hybrid lets Select decide using GPUThreshold, and GPU without
// hybrid forces the GPU.
func (g GPUConfig) ToBackendConfig() Config {
	cfg := DefaultConfig()
	switch {
	case !g.UseGPU:
		cfg.ForceCPU = true
	case g.HybridEnabled:
		if g.GPUThreshold > 0 {
			cfg.GPUNeuronThreshold = g.GPUThreshold
		}
	default:
		cfg.ForceGPU = true
	}
	return cfg
}

// Create builds the backend named by d. A device that fails to open falls
// back to the CPU backend; the returned Decision reflects what was built.
func Create[T neuron.Value[T]](d Decision, probe Probe, memoryFraction float64, workers int, log *slog.Logger) (Backend[T], Decision) {
	if d.Type == CPU {
		return NewCPU[T](workers, 0), d
	}
	dev, err := NewDevice[T](d.Type, probe, memoryFraction)
	if err == nil {
		return dev, d
	}
	if log != nil {
		log.Warn("device backend failed, falling back to cpu", "backend", d.Type.String(), "error", err)
	}
	reason := fmt.Sprintf("%s unavailable (%v), falling back to CPU", d.Type, err)
	if !errors.Is(err, ErrUnavailable) {
		reason = fmt.Sprintf("%s failed (%v), falling back to CPU", d.Type, err)
	}
	return NewCPU[T](workers, 0), Decision{Type: CPU, Reason: reason, EstimatedSpeedup: 1.0}
}
