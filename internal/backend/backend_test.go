package backend

import (
	"errors"
	"strings"
	"testing"

	"github.com/nvandessel/burstnpu/internal/dynamics"
	"github.com/nvandessel/burstnpu/internal/fire"
	"github.com/nvandessel/burstnpu/internal/neuron"
	"github.com/nvandessel/burstnpu/internal/propagation"
	"github.com/nvandessel/burstnpu/internal/synapse"
)

func allDevices(Type) (DeviceInfo, error) { return DeviceInfo{Name: "test"}, nil }

func noDevices(t Type) (DeviceInfo, error) { return DeviceInfo{}, ErrUnavailable }

func TestSelect_BelowThresholdIsCPU(t *testing.T) {
	cfg := DefaultConfig()
	caps := Caps{WGPU: true, CUDA: true}

	for _, size := range [][2]int{{0, 0}, {1_000, 10_000}, {99_999, 9_999_999}} {
		d := Select(size[0], size[1], cfg, caps)
		if d.Type != CPU || d.EstimatedSpeedup != 1.0 {
			t.Errorf("Select(%d, %d) = %+v, want CPU with speedup 1.0", size[0], size[1], d)
		}
		if !strings.Contains(d.Reason, "below GPU thresholds") {
			t.Errorf("reason = %q", d.Reason)
		}
	}
}

func TestSelect_ForceCPUWins(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ForceCPU = true
	cfg.ForceGPU = true

	d := Select(10_000_000, 1_000_000_000, cfg, Caps{WGPU: true, CUDA: true})
	if d.Type != CPU || d.EstimatedSpeedup != 1.0 {
		t.Errorf("Select() = %+v, want forced CPU", d)
	}
	if d.Reason != "Forced CPU via configuration" {
		t.Errorf("reason = %q", d.Reason)
	}
}

func TestSelect_ForceFallsBack(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ForceCUDA = true
	if d := Select(10, 10, cfg, Caps{}); d.Type != CPU {
		t.Errorf("forced CUDA without device = %v, want CPU", d.Type)
	}
	if d := Select(10, 10, cfg, Caps{CUDA: true}); d.Type != CUDA {
		t.Errorf("forced CUDA with device = %v, want CUDA", d.Type)
	}
}

func TestSelect_LargeGenomePicksDevice(t *testing.T) {
	cfg := DefaultConfig()

	d := Select(1_000_000, 100_000_000, cfg, Caps{CUDA: true, WGPU: true})
	if d.Type != CUDA {
		t.Errorf("Select() = %+v, want CUDA", d)
	}
	if d.EstimatedSpeedup <= minDeviceSpeedup {
		t.Errorf("speedup = %v, want > %v", d.EstimatedSpeedup, minDeviceSpeedup)
	}

	d = Select(1_000_000, 100_000_000, cfg, Caps{WGPU: true})
	if d.Type != WGPU {
		t.Errorf("Select() without CUDA = %+v, want WGPU", d)
	}
}

func TestSelect_LowFiringRateStaysOnCPU(t *testing.T) {
	d := SelectWithActivity(1_000_000, 100_000_000, 0.001, DefaultConfig(), Caps{CUDA: true})
	if d.Type != CPU {
		t.Errorf("SelectWithActivity() = %+v, want CPU for quiet network", d)
	}
}

func TestSelect_SpeedupNonDecreasingWithGenomeSize(t *testing.T) {
	cfg := DefaultConfig()
	caps := Caps{WGPU: true, CUDA: true}

	prev := 0.0
	for n := 1_000; n <= 100_000_000; n *= 2 {
		d := Select(n, n*100, cfg, caps)
		if d.EstimatedSpeedup < prev {
			t.Fatalf("speedup dropped from %v to %v at %d neurons", prev, d.EstimatedSpeedup, n)
		}
		prev = d.EstimatedSpeedup
	}
}

func TestEstimateSpeedup_Clamped(t *testing.T) {
	if s := EstimateSpeedup(WGPU, 1, 1); s != minSpeedup {
		t.Errorf("tiny genome speedup = %v, want %v", s, minSpeedup)
	}
	if s := EstimateSpeedup(CPU, 1e9, 1e9); s != 1 {
		t.Errorf("CPU speedup = %v, want 1", s)
	}
}

func TestGPUConfig_ToBackendConfig(t *testing.T) {
	tests := []struct {
		name      string
		gpu       GPUConfig
		forceCPU  bool
		forceGPU  bool
		threshold int
	}{
		{"disabled", GPUConfig{UseGPU: false}, true, false, 500_000},
		{"hybrid", GPUConfig{UseGPU: true, HybridEnabled: true, GPUThreshold: 42}, false, false, 42},
		{"gpu only", GPUConfig{UseGPU: true}, false, true, 500_000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.gpu.ToBackendConfig()
			if cfg.ForceCPU != tt.forceCPU || cfg.ForceGPU != tt.forceGPU || cfg.GPUNeuronThreshold != tt.threshold {
				t.Errorf("ToBackendConfig() = %+v", cfg)
			}
		})
	}
}

func TestCreate_FallsBackToCPU(t *testing.T) {
	b, d := Create[neuron.F32](Decision{Type: CUDA}, noDevices, 0.8, 1, nil)
	if d.Type != CPU {
		t.Errorf("decision = %+v, want CPU fallback", d)
	}
	if _, ok := b.(*CPUBackend[neuron.F32]); !ok {
		t.Errorf("backend = %T, want *CPUBackend", b)
	}
}

// network builds a chain of n neurons split across areas 1 and 2, plus a
// candidate list in which every other neuron crosses threshold.
func network(n int) (*neuron.Store[neuron.F32], *synapse.Store, *fire.CandidateList) {
	ns := neuron.NewStore[neuron.F32](n)
	ss := synapse.NewStore(n)
	fcl := fire.NewCandidateList(n)
	for i := 0; i < n; i++ {
		area := uint32(2)
		if i%3 == 0 {
			area = 1
		}
		id, _ := ns.Add(neuron.DefaultParams(), area, neuron.Position{X: uint32(i)})
		fcl.Add(id, float32(i%2)+0.5)
		if i > 0 {
			_, _ = ss.Add(uint32(i-1), id, 2, 3, synapse.Excitatory)
		}
	}
	ss.RebuildIndex()
	return ns, ss, fcl
}

func TestCPU_ParallelMatchesSequential(t *testing.T) {
	const n = 10_000
	nsA, ss, fcl := network(n)
	nsB, _, _ := network(n)

	fqA, fqB := fire.NewQueue(), fire.NewQueue()
	want := dynamics.Process(fcl, nsA, 1, fqA)

	cpu := NewCPU[neuron.F32](4, 512)
	got, err := cpu.ProcessNeuralDynamics(fcl, nsB, 1, fqB)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Fired) != len(want.Fired) || got.Processed != want.Processed {
		t.Fatalf("parallel fired %d/%d processed, sequential %d/%d", len(got.Fired), got.Processed, len(want.Fired), want.Processed)
	}
	for k := range want.Fired {
		if got.Fired[k] != want.Fired[k] {
			t.Fatalf("fired order differs at %d", k)
		}
	}

	flags := propagation.NewFlags()
	nextA, nextB := fire.NewCandidateList(0), fire.NewCandidateList(0)
	va := propagation.Propagate(fqA, ss, nsA, flags, nextA)
	vb, err := cpu.ProcessSynapticPropagation(fqB, ss, nsB, flags, nextB)
	if err != nil {
		t.Fatal(err)
	}
	if va != vb || nextA.Len() != nextB.Len() {
		t.Fatalf("propagation visited %d/%d entries %d/%d", va, vb, nextA.Len(), nextB.Len())
	}
	for _, id := range nextA.IDs() {
		a, _ := nextA.Get(id)
		b, _ := nextB.Get(id)
		if a != b {
			t.Fatalf("target %d: sequential %v, parallel %v", id, a, b)
		}
	}
}

func TestDevice_UploadsOnlyOnGenomeChange(t *testing.T) {
	dev, err := NewDevice[neuron.F32](WGPU, allDevices, 0)
	if err != nil {
		t.Fatalf("NewDevice() error = %v", err)
	}
	ns, ss, fcl := network(10)

	if _, err := dev.ProcessNeuralDynamics(fcl, ns, 1, fire.NewQueue()); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("dynamics before upload error = %v, want ErrNotInitialized", err)
	}

	for i := 0; i < 3; i++ {
		if err := dev.InitializePersistentData(ns, ss); err != nil {
			t.Fatal(err)
		}
	}
	if dev.Uploads() != 1 {
		t.Errorf("Uploads() = %d, want 1", dev.Uploads())
	}

	dev.OnGenomeChange()
	if dev.Resident() {
		t.Error("Resident() = true after OnGenomeChange")
	}
	_ = dev.InitializePersistentData(ns, ss)
	if dev.Uploads() != 2 {
		t.Errorf("Uploads() = %d, want 2", dev.Uploads())
	}

	res, err := ProcessBurst[neuron.F32](dev, fcl, ns, ss, propagation.NewFlags(), 1, fire.NewQueue(), fire.NewCandidateList(0))
	if err != nil {
		t.Fatalf("ProcessBurst() error = %v", err)
	}
	if len(res.Dynamics.Fired) == 0 {
		t.Error("device backend fired nothing")
	}
}

func TestDevice_MemoryBudget(t *testing.T) {
	small := func(Type) (DeviceInfo, error) { return DeviceInfo{Name: "tiny", MemoryBytes: 100}, nil }
	dev, err := NewDevice[neuron.F32](CUDA, small, 0.5)
	if err != nil {
		t.Fatal(err)
	}
	ns, ss, _ := network(100)
	if err := dev.InitializePersistentData(ns, ss); !errors.Is(err, ErrUnavailable) {
		t.Errorf("InitializePersistentData() error = %v, want ErrUnavailable", err)
	}
}

func TestCapabilities(t *testing.T) {
	if c := Capabilities(noDevices); c.WGPU || c.CUDA {
		t.Errorf("Capabilities(none) = %+v", c)
	}
	if c := Capabilities(allDevices); !c.WGPU || !c.CUDA {
		t.Errorf("Capabilities(all) = %+v", c)
	}
}
