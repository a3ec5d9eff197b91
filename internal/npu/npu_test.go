package npu

import (
	"errors"
	"sync"
	"testing"

	"github.com/nvandessel/burstnpu/internal/backend"
	"github.com/nvandessel/burstnpu/internal/cortical"
	"github.com/nvandessel/burstnpu/internal/fire"
	"github.com/nvandessel/burstnpu/internal/neuron"
	"github.com/nvandessel/burstnpu/internal/neuronid"
	"github.com/nvandessel/burstnpu/internal/plasticity"
	"github.com/nvandessel/burstnpu/internal/synapse"
)

const (
	areaA uint32 = 2
	areaB uint32 = 3
)

func cpuOnly(backend.Type) (backend.DeviceInfo, error) {
	return backend.DeviceInfo{}, backend.ErrUnavailable
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.NeuronCapacity = 1024
	cfg.SynapseCapacity = 4096
	cfg.Workers = 1
	cfg.Probe = cpuOnly
	return cfg
}

// newTestNPU returns an F32 NPU with areas A and B registered.
func newTestNPU(t *testing.T, cfg Config) *NPU[neuron.F32] {
	t.Helper()
	n, err := New[neuron.F32](cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	for _, a := range []AreaSpec{
		{Index: areaA, ID: cortical.MustParse("carea_a")},
		{Index: areaB, ID: cortical.MustParse("carea_b")},
	} {
		if err := n.RegisterArea(a); err != nil {
			t.Fatalf("RegisterArea(%d) error = %v", a.Index, err)
		}
	}
	return n
}

func addNeuron(t *testing.T, n *NPU[neuron.F32], area uint32, p neuron.Params) uint32 {
	t.Helper()
	id, err := n.AddNeuron(area, neuron.Position{}, p)
	if err != nil {
		t.Fatalf("AddNeuron() error = %v", err)
	}
	return id
}

func burst(t *testing.T, n *NPU[neuron.F32]) BurstStats {
	t.Helper()
	st, err := n.ProcessBurst()
	if err != nil {
		t.Fatalf("ProcessBurst() error = %v", err)
	}
	return st
}

func fired(n *NPU[neuron.F32], id uint32) bool {
	return n.FireQueue().Contains(id)
}

func TestProcessBurst_InjectionPropagatesToNextBurst(t *testing.T) {
	n := newTestNPU(t, testConfig())
	a := addNeuron(t, n, areaA, neuron.DefaultParams())
	b := addNeuron(t, n, areaB, neuron.DefaultParams())
	if err := n.AddSynapse(a, b, 1, 1, synapse.Excitatory); err != nil {
		t.Fatal(err)
	}

	n.InjectSensoryWithPotentials([]fire.Injection{{NeuronID: a, Potential: 1}})

	st := burst(t, n)
	if !fired(n, a) || fired(n, b) {
		t.Fatalf("burst 1 fired a=%v b=%v, want a only", fired(n, a), fired(n, b))
	}
	if st.Injected != 1 || st.Fired != 1 || st.SynapsesVisited != 1 {
		t.Errorf("burst 1 stats = %+v", st)
	}

	burst(t, n)
	if fired(n, a) || !fired(n, b) {
		t.Fatalf("burst 2 fired a=%v b=%v, want b only", fired(n, a), fired(n, b))
	}

	h := n.History(areaB, 5)
	if len(h) != 2 || h[0].Timestep != 2 || len(h[0].NeuronIDs) != 1 || h[0].NeuronIDs[0] != b {
		t.Errorf("History(B) = %+v", h)
	}
	if len(h) == 2 && len(h[1].NeuronIDs) != 0 {
		t.Errorf("History(B) burst 1 = %+v, want silent frame", h[1])
	}
	if n.Timestep() != 2 {
		t.Errorf("Timestep() = %d, want 2", n.Timestep())
	}
}

func TestProcessBurst_FiredNeuronRestsAtRestingPotential(t *testing.T) {
	n := newTestNPU(t, testConfig())
	p := neuron.DefaultParams()
	p.Rest = 0.25
	a := addNeuron(t, n, areaA, p)

	n.InjectSensoryWithPotentials([]fire.Injection{{NeuronID: a, Potential: 3}})
	burst(t, n)

	got, _ := n.Neuron(a)
	if !fired(n, a) || got.MembranePotential != 0.25 {
		t.Errorf("fired = %v potential = %v, want fired at rest 0.25", fired(n, a), got.MembranePotential)
	}
}

func TestProcessBurst_DividedPSPTruncatesToZero(t *testing.T) {
	n := newTestNPU(t, testConfig())
	src := addNeuron(t, n, areaA, neuron.DefaultParams())

	p := neuron.DefaultParams()
	p.Threshold = 10
	var dsts []uint32
	for i := 0; i < 10; i++ {
		d := addNeuron(t, n, areaB, p)
		dsts = append(dsts, d)
		if err := n.AddSynapse(src, d, 10, 1, synapse.Excitatory); err != nil {
			t.Fatal(err)
		}
	}

	n.InjectSensoryWithPotentials([]fire.Injection{{NeuronID: src, Potential: 1}})
	burst(t, n)
	st := burst(t, n)

	if st.Fired != 0 || st.Processed != 0 {
		t.Errorf("burst 2 stats = %+v, want nothing delivered", st)
	}
	for _, d := range dsts {
		if fired(n, d) {
			t.Errorf("destination %d fired", d)
		}
	}
}

func TestProcessBurst_UniformPSPDelivers(t *testing.T) {
	n := newTestNPU(t, testConfig())
	n.PushParams(ParamUpdate{Area: areaB, Fields: map[string]any{"psp_uniform_distribution": true}})
	src := addNeuron(t, n, areaA, neuron.DefaultParams())

	p := neuron.DefaultParams()
	p.Threshold = 10
	var dsts []uint32
	for i := 0; i < 10; i++ {
		d := addNeuron(t, n, areaB, p)
		dsts = append(dsts, d)
		if err := n.AddSynapse(src, d, 10, 1, synapse.Excitatory); err != nil {
			t.Fatal(err)
		}
	}

	// parameter updates apply at the end of burst 1, before the source fires
	burst(t, n)
	n.InjectSensoryWithPotentials([]fire.Injection{{NeuronID: src, Potential: 1}})
	burst(t, n)
	burst(t, n)

	for _, d := range dsts {
		if !fired(n, d) {
			t.Errorf("destination %d did not fire under uniform delivery", d)
		}
	}
}

func TestProcessBurst_ConcurrentInjectionSums(t *testing.T) {
	n := newTestNPU(t, testConfig())
	p := neuron.DefaultParams()
	p.Threshold = 1e9
	id := addNeuron(t, n, areaA, p)

	const workers, each = 8, 100
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := 0; k < each; k++ {
				n.InjectSensoryWithPotentials([]fire.Injection{{NeuronID: id, Potential: 0.5}})
			}
		}()
	}
	wg.Wait()

	st := burst(t, n)
	if st.Injected != workers*each {
		t.Errorf("Injected = %d, want %d", st.Injected, workers*each)
	}
	got, _ := n.Neuron(id)
	if want := float32(workers * each * 0.5); got.MembranePotential != want {
		t.Errorf("potential = %v, want %v", got.MembranePotential, want)
	}
}

func TestProcessBurst_NonFiniteInjectionDropped(t *testing.T) {
	n := newTestNPU(t, testConfig())
	id := addNeuron(t, n, areaA, neuron.DefaultParams())

	var nan float32
	nan = nan / nan
	if got := n.InjectSensoryWithPotentials([]fire.Injection{{NeuronID: id, Potential: nan}, {NeuronID: id, Potential: 0.5}}); got != 1 {
		t.Errorf("accepted = %d, want 1", got)
	}
}

func TestProcessBurst_RefractoryTicksWithoutInput(t *testing.T) {
	n := newTestNPU(t, testConfig())
	p := neuron.DefaultParams()
	p.RefractoryPeriod = 2
	id := addNeuron(t, n, areaA, p)

	n.InjectSensoryWithPotentials([]fire.Injection{{NeuronID: id, Potential: 5}})
	burst(t, n)
	if !fired(n, id) {
		t.Fatal("neuron did not fire")
	}

	for b := 2; b <= 3; b++ {
		n.InjectSensoryWithPotentials([]fire.Injection{{NeuronID: id, Potential: 5}})
		st := burst(t, n)
		if fired(n, id) {
			t.Fatalf("refractory neuron fired at burst %d", b)
		}
		if st.Refractory != 1 {
			t.Errorf("burst %d Refractory = %d, want 1", b, st.Refractory)
		}
	}

	n.InjectSensoryWithPotentials([]fire.Injection{{NeuronID: id, Potential: 5}})
	burst(t, n)
	if !fired(n, id) {
		t.Error("neuron did not fire after refractory period")
	}

	// a countdown also runs down when no input arrives
	burst(t, n)
	burst(t, n)
	if got, _ := n.Neuron(id); got.RefractoryCountdown != 0 {
		t.Errorf("countdown = %d after idle bursts, want 0", got.RefractoryCountdown)
	}
	if n.Status().Refractory != 0 {
		t.Errorf("Status().Refractory = %d", n.Status().Refractory)
	}
}

func TestProcessBurst_PowerInjection(t *testing.T) {
	cfg := testConfig()
	cfg.PowerEnabled = true
	cfg.PowerAmount = 2
	n := newTestNPU(t, cfg)
	id := addNeuron(t, n, cortical.PowerIndex, neuron.DefaultParams())

	for b := 0; b < 3; b++ {
		st := burst(t, n)
		if !fired(n, id) || st.Powered != 1 {
			t.Fatalf("burst %d: power neuron fired=%v powered=%d", b+1, fired(n, id), st.Powered)
		}
	}

	n.SetPower(false)
	burst(t, n)
	if fired(n, id) {
		t.Error("power neuron fired with power disabled")
	}
}

func TestRegisterArea_TracksLedgerWindow(t *testing.T) {
	cfg := testConfig()
	cfg.LedgerWindow = 7
	cfg.PowerEnabled = true
	cfg.PowerAmount = 2
	n := newTestNPU(t, cfg)
	if err := n.RegisterArea(AreaSpec{Index: 4, ID: cortical.MustParse("carea_c"), Window: 3}); err != nil {
		t.Fatal(err)
	}
	for area, want := range map[uint32]int{areaA: 7, areaB: 7, 4: 3} {
		if !n.Ledger().IsTracked(area) || n.Ledger().WindowSize(area) != want {
			t.Errorf("area %d tracked=%v window=%d, want window %d",
				area, n.Ledger().IsTracked(area), n.Ledger().WindowSize(area), want)
		}
	}

	// The power area is a core area that never goes through RegisterArea, so
	// its firing is not archived.
	power := addNeuron(t, n, cortical.PowerIndex, neuron.DefaultParams())
	burst(t, n)
	if !fired(n, power) {
		t.Fatal("power neuron did not fire")
	}
	if h := n.History(cortical.PowerIndex, 5); len(h) != 0 {
		t.Errorf("History(power) = %+v, want empty", h)
	}
	if h := n.History(areaA, 5); len(h) != 1 || len(h[0].NeuronIDs) != 0 {
		t.Errorf("History(A) = %+v, want one silent frame", h)
	}
}

func TestProcessBurst_MemoryNeuronForceFires(t *testing.T) {
	n := newTestNPU(t, testConfig())
	p := neuron.DefaultParams()
	p.Threshold = 100
	id, err := n.AddMemoryNeuron(areaA, neuron.Position{}, p)
	if err != nil {
		t.Fatal(err)
	}
	if !neuronid.IsMemory(id) {
		t.Fatalf("memory neuron id %d outside memory pool", id)
	}

	n.InjectSensoryWithPotentials([]fire.Injection{{NeuronID: id, Potential: 0.01}})
	burst(t, n)
	if !fired(n, id) {
		t.Error("memory neuron did not fire")
	}
}

func TestProcessBurst_FormsMemoryNeurons(t *testing.T) {
	const memArea uint32 = 4
	n := newTestNPU(t, testConfig())
	if err := n.RegisterArea(AreaSpec{Index: memArea, ID: cortical.MustParse("mmemory0")}); err != nil {
		t.Fatal(err)
	}
	a := addNeuron(t, n, areaA, neuron.DefaultParams())
	err := n.RegisterMemoryArea(plasticity.MemoryArea{Area: memArea, Upstream: []uint32{areaA}, Depth: 1, InitialLifespan: 2})
	if err != nil {
		t.Fatalf("RegisterMemoryArea() error = %v", err)
	}

	n.InjectSensoryWithPotentials([]fire.Injection{{NeuronID: a, Potential: 1}})
	st := burst(t, n)
	if st.Memory.Patterns != 1 || st.Memory.Created != 1 {
		t.Fatalf("burst 1 memory = %+v, want one created", st.Memory)
	}
	mem := n.Memory().Neurons()
	if len(mem) != 1 || n.Status().MemoryNeurons != 1 {
		t.Fatalf("memory neurons = %+v", mem)
	}
	m := mem[0].ID
	if !neuronid.IsMemory(m) {
		t.Errorf("memory neuron id %d outside memory pool", m)
	}
	if area, ok := n.Neurons().AreaOf(m); !ok || area != memArea {
		t.Errorf("memory neuron area = %d, %v", area, ok)
	}

	// The stimulated memory neuron fires in the next burst.
	burst(t, n)
	if !fired(n, m) || fired(n, a) {
		t.Fatalf("burst 2 fired memory=%v upstream=%v, want memory only", fired(n, m), fired(n, a))
	}
	if h := n.History(memArea, 1); len(h) != 1 || len(h[0].NeuronIDs) != 1 || h[0].NeuronIDs[0] != m {
		t.Errorf("History(memory area) = %+v", h)
	}

	st = burst(t, n)
	if st.Memory.Expired != 1 {
		t.Fatalf("burst 3 memory = %+v, want the unreinforced neuron expired", st.Memory)
	}
	if _, ok := n.Neurons().AreaOf(m); ok {
		t.Error("expired memory neuron is still live")
	}
	if n.Status().MemoryNeurons != 0 {
		t.Errorf("Status().MemoryNeurons = %d", n.Status().MemoryNeurons)
	}
}

func TestRegisterMemoryArea(t *testing.T) {
	n := newTestNPU(t, testConfig())
	err := n.RegisterMemoryArea(plasticity.MemoryArea{Area: areaB, Upstream: []uint32{42}})
	if !errors.Is(err, ErrUnknownArea) {
		t.Errorf("unknown upstream error = %v, want ErrUnknownArea", err)
	}
	err = n.RegisterMemoryArea(plasticity.MemoryArea{Area: areaB})
	if !errors.Is(err, plasticity.ErrInvalidMemoryArea) {
		t.Errorf("no upstream error = %v, want ErrInvalidMemoryArea", err)
	}

	if err := n.RegisterMemoryArea(plasticity.MemoryArea{Area: areaB, Upstream: []uint32{areaA}, Depth: 30}); err != nil {
		t.Fatal(err)
	}
	if got := n.Ledger().WindowSize(areaA); got != 30 {
		t.Errorf("upstream window = %d, want 30", got)
	}
	top := n.Export()
	if len(top.Memory) != 1 || top.Memory[0].Area != areaB || top.Memory[0].Depth != 30 {
		t.Errorf("Export().Memory = %+v", top.Memory)
	}
}

func TestRemoveNeuron_ForgetsMemoryNeuron(t *testing.T) {
	n := newTestNPU(t, testConfig())
	a := addNeuron(t, n, areaA, neuron.DefaultParams())
	if err := n.RegisterMemoryArea(plasticity.MemoryArea{Area: areaB, Upstream: []uint32{areaA}, Depth: 1}); err != nil {
		t.Fatal(err)
	}
	n.InjectSensoryWithPotentials([]fire.Injection{{NeuronID: a, Potential: 1}})
	burst(t, n)
	mem := n.Memory().Neurons()
	if len(mem) != 1 {
		t.Fatalf("memory neurons = %+v", mem)
	}

	if err := n.RemoveNeuron(mem[0].ID); err != nil {
		t.Fatal(err)
	}
	if n.Memory().Len() != 0 {
		t.Error("removed memory neuron is still managed")
	}
}

func TestProcessBurst_ParamUpdates(t *testing.T) {
	n := newTestNPU(t, testConfig())
	id := addNeuron(t, n, areaA, neuron.DefaultParams())

	n.PushParams(ParamUpdate{Area: areaA, Fields: map[string]any{
		"leak":                     2.0,
		"neuron_fire_threshold":    5.0,
		"refrac":                   3,
		"neuron_excitability":      -1,
		"bogus":                    1,
		"mp_charge_accumulation":   false,
		"consecutive_fire_cnt_max": 1.5,
	}})

	st := burst(t, n)
	if st.ParamsApplied != 3 || st.ParamsRejected != 4 {
		t.Errorf("applied = %d rejected = %d, want 3 and 4", st.ParamsApplied, st.ParamsRejected)
	}

	got, _ := n.Neuron(id)
	if got.Params.Threshold != 5 || got.Params.RefractoryPeriod != 3 || got.Params.MPChargeAccumulation {
		t.Errorf("params = %+v", got.Params)
	}
	if got.Params.Leak != 0 || got.Params.Excitability != 1 {
		t.Errorf("rejected fields were applied: %+v", got.Params)
	}
}

func TestApplyParams_UnknownArea(t *testing.T) {
	n := newTestNPU(t, testConfig())
	applied, errs := n.ApplyParams(ParamUpdate{Area: 99, Fields: map[string]any{"leak": 0.1}})
	if applied != 0 || len(errs) != 1 || !errors.Is(errs[0], ErrUnknownArea) {
		t.Errorf("ApplyParams() = %d, %v", applied, errs)
	}
}

func TestParseParamKind_Aliases(t *testing.T) {
	tests := []struct {
		name string
		want ParamKind
	}{
		{"neuron_fire_threshold", ParamThreshold},
		{"firing_threshold", ParamThreshold},
		{"refrac", ParamRefractoryPeriod},
		{"neuron_leak_coefficient", ParamLeak},
		{"neuron_consecutive_fire_count", ParamConsecutiveFireLimit},
		{"snooze_length", ParamSnoozePeriod},
		{"Neuron_MP_Charge_Accumulation", ParamMPChargeAccumulation},
		{"mp_driven_psp", ParamMPDrivenPSP},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got, ok := ParseParamKind(tt.name); !ok || got != tt.want {
				t.Errorf("ParseParamKind(%q) = %v, %v", tt.name, got, ok)
			}
		})
	}
}

func TestProcessBurst_BidirectionalPlasticityCreatesSynapse(t *testing.T) {
	n := newTestNPU(t, testConfig())
	a := addNeuron(t, n, areaA, neuron.DefaultParams())
	b := addNeuron(t, n, areaB, neuron.DefaultParams())

	err := n.RegisterPlasticity(plasticity.Mapping{
		SourceArea: areaA, DestArea: areaB, Window: 3,
		LTPMultiplier: 4, LTDMultiplier: 1, Bidirectional: true, Conductance: 1,
	})
	if err != nil {
		t.Fatal(err)
	}

	for k := 1; k <= 4; k++ {
		n.InjectSensoryWithPotentials([]fire.Injection{{NeuronID: a, Potential: 1}, {NeuronID: b, Potential: 1}})
		st := burst(t, n)

		i, ok := n.Synapses().Find(a, b)
		switch {
		case k < 3 && ok:
			t.Fatalf("synapse created after %d bursts", k)
		case k == 3 && (!ok || st.Plasticity.Created != 1 || n.Synapses().Weight[i] != 4):
			t.Fatalf("burst 3: created=%d ok=%v", st.Plasticity.Created, ok)
		case k == 4 && (!ok || n.Synapses().Weight[i] != 8 || st.Plasticity.Created != 0):
			t.Fatalf("burst 4: weight=%d created=%d", n.Synapses().Weight[i], st.Plasticity.Created)
		}
	}
}

func TestRegisterPlasticity_UnknownArea(t *testing.T) {
	n := newTestNPU(t, testConfig())
	err := n.RegisterPlasticity(plasticity.Mapping{SourceArea: areaA, DestArea: 42, Window: 1})
	if !errors.Is(err, ErrUnknownArea) {
		t.Errorf("error = %v, want ErrUnknownArea", err)
	}
}

func TestProcessBurst_DeviceFailureFallsBackToCPU(t *testing.T) {
	tiny := func(backend.Type) (backend.DeviceInfo, error) {
		return backend.DeviceInfo{Name: "tiny", MemoryBytes: 1}, nil
	}
	cfg := testConfig()
	cfg.Probe = tiny
	cfg.Backend.ForceGPU = true
	n := newTestNPU(t, cfg)
	if got := n.Decision().Type; got != backend.WGPU {
		t.Fatalf("initial decision = %v, want wgpu", got)
	}

	a := addNeuron(t, n, areaA, neuron.DefaultParams())
	n.InjectSensoryWithPotentials([]fire.Injection{{NeuronID: a, Potential: 1}})
	burst(t, n)

	if !fired(n, a) {
		t.Error("neuron did not fire after fallback")
	}
	if d := n.Decision(); d.Type != backend.CPU || d.EstimatedSpeedup != 1 {
		t.Errorf("decision after fallback = %+v", d)
	}
}

func TestNew_RejectsZeroCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.NeuronCapacity = 0
	if _, err := New[neuron.F32](cfg); !errors.Is(err, neuron.ErrInvalidParameter) {
		t.Errorf("New() error = %v", err)
	}
}

func TestAddNeuron_CapacityAndArea(t *testing.T) {
	cfg := testConfig()
	cfg.NeuronCapacity = 1
	n := newTestNPU(t, cfg)

	if _, err := n.AddNeuron(77, neuron.Position{}, neuron.DefaultParams()); !errors.Is(err, ErrUnknownArea) {
		t.Errorf("unknown area error = %v", err)
	}
	addNeuron(t, n, areaA, neuron.DefaultParams())
	if _, err := n.AddNeuron(areaA, neuron.Position{}, neuron.DefaultParams()); !errors.Is(err, neuron.ErrCapacityExceeded) {
		t.Errorf("capacity error = %v", err)
	}
}

func TestExportLoad_RoundTrip(t *testing.T) {
	src := newTestNPU(t, testConfig())
	a := addNeuron(t, src, areaA, neuron.DefaultParams())
	b := addNeuron(t, src, areaB, neuron.DefaultParams())
	if err := src.AddSynapse(a, b, 7, 2, synapse.Inhibitory); err != nil {
		t.Fatal(err)
	}
	if err := src.ConfigureWindow(areaB, 9); err != nil {
		t.Fatal(err)
	}
	top := src.Export()

	dst, err := New[neuron.F32](testConfig())
	if err != nil {
		t.Fatal(err)
	}
	if err := dst.Load(top); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	st := dst.Status()
	if st.Neurons != 2 || st.Synapses != 1 || st.Areas != 4 {
		t.Errorf("Status() = %+v", st)
	}
	if dst.Ledger().WindowSize(areaB) != 9 {
		t.Errorf("window = %d, want 9", dst.Ledger().WindowSize(areaB))
	}
	i, ok := dst.Synapses().Find(a, b)
	if !ok || dst.Synapses().Weight[i] != 7 || dst.Synapses().Type[i] != synapse.Inhibitory {
		t.Errorf("synapse not restored")
	}
}

func TestLoad_RejectsUnknownArea(t *testing.T) {
	n, _ := New[neuron.F32](testConfig())
	err := n.Load(Topology{Neurons: []NeuronSpec{{ID: 0, Area: 12, Params: neuron.DefaultParams()}}})
	if !errors.Is(err, ErrUnknownArea) {
		t.Errorf("Load() error = %v", err)
	}
}

func TestCompact_RenumbersAndRemaps(t *testing.T) {
	n := newTestNPU(t, testConfig())
	a := addNeuron(t, n, areaA, neuron.DefaultParams())
	gone := addNeuron(t, n, areaA, neuron.DefaultParams())
	b := addNeuron(t, n, areaB, neuron.DefaultParams())
	for _, e := range [][2]uint32{{a, gone}, {a, b}, {gone, b}} {
		if err := n.AddSynapse(e[0], e[1], 1, 1, synapse.Excitatory); err != nil {
			t.Fatal(err)
		}
	}

	if err := n.RemoveNeuron(gone); err != nil {
		t.Fatal(err)
	}
	st := n.Compact()
	if st.NeuronsRemoved != 1 || st.NeuronsRenamed != 1 || st.SynapsesRemoved != 2 {
		t.Errorf("Compact() = %+v", st)
	}

	// b moved into the freed slot
	if _, ok := n.Synapses().Find(a, 1); !ok {
		t.Error("a→b synapse not remapped to new id 1")
	}

	n.InjectSensoryWithPotentials([]fire.Injection{{NeuronID: a, Potential: 1}})
	burst(t, n)
	burst(t, n)
	if !fired(n, 1) {
		t.Error("renumbered neuron did not receive propagation")
	}
}

func TestOpen_Q16EndToEnd(t *testing.T) {
	cfg := testConfig()
	cfg.Precision = neuron.PrecisionQ16
	e, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if e.Precision() != neuron.PrecisionQ16 {
		t.Fatalf("Precision() = %v", e.Precision())
	}

	if err := e.RegisterArea(AreaSpec{Index: areaA, ID: cortical.MustParse("carea_a")}); err != nil {
		t.Fatal(err)
	}
	a, _ := e.AddNeuron(areaA, neuron.Position{}, neuron.DefaultParams())
	b, _ := e.AddNeuron(areaA, neuron.Position{}, neuron.DefaultParams())
	if err := e.AddSynapse(a, b, 2, 1, synapse.Excitatory); err != nil {
		t.Fatal(err)
	}

	e.InjectSensoryWithPotentials([]fire.Injection{{NeuronID: a, Potential: 1.5}})
	err = e.Mutex().Do("test", func() error {
		for k := 0; k < 2; k++ {
			if _, err := e.ProcessBurst(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !e.FireQueue().Contains(b) {
		t.Error("q16 target did not fire")
	}
	if got := e.History(areaA, 10); len(got) != 2 {
		t.Errorf("History() frames = %d, want 2", len(got))
	}
}
