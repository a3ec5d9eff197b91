package snapshot

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/nvandessel/burstnpu/internal/backend"
	"github.com/nvandessel/burstnpu/internal/cortical"
	"github.com/nvandessel/burstnpu/internal/neuron"
	"github.com/nvandessel/burstnpu/internal/npu"
	"github.com/nvandessel/burstnpu/internal/synapse"
)

func newEngine(t *testing.T) npu.Engine {
	t.Helper()
	cfg := npu.DefaultConfig()
	cfg.NeuronCapacity = 64
	cfg.SynapseCapacity = 64
	cfg.Workers = 1
	cfg.Probe = func(backend.Type) (backend.DeviceInfo, error) {
		return backend.DeviceInfo{}, backend.ErrUnavailable
	}
	e, err := npu.Open(cfg)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return e
}

// populated returns an engine with two areas, three neurons and two synapses.
func populated(t *testing.T) npu.Engine {
	t.Helper()
	e := newEngine(t)
	if err := e.RegisterArea(npu.AreaSpec{Index: 2, ID: cortical.MustParse("carea_a"), Window: 8}); err != nil {
		t.Fatal(err)
	}
	if err := e.RegisterArea(npu.AreaSpec{Index: 3, ID: cortical.MustParse("carea_b"), UniformPSP: true}); err != nil {
		t.Fatal(err)
	}
	p := neuron.DefaultParams()
	p.Leak = 0.25
	var ids []uint32
	for i, area := range []uint32{2, 2, 3} {
		id, err := e.AddNeuron(area, neuron.Position{X: uint32(i)}, p)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}
	if err := e.AddSynapse(ids[0], ids[2], 3, 4, synapse.Excitatory); err != nil {
		t.Fatal(err)
	}
	if err := e.AddSynapse(ids[1], ids[2], 1, 2, synapse.Inhibitory); err != nil {
		t.Fatal(err)
	}
	return e
}

func TestSaveRestore_RoundTrip(t *testing.T) {
	src := populated(t)
	path := filepath.Join(t.TempDir(), FileName(time.Now()))

	h, err := Save(src, path, map[string]string{"genome": "test"})
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if h.Neurons != 3 || h.Synapses != 2 || h.Precision != neuron.PrecisionF32 {
		t.Errorf("header = %+v", h)
	}

	dst := newEngine(t)
	if _, err := Restore(dst, path); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if want, got := src.Export(), dst.Export(); !reflect.DeepEqual(want, got) {
		t.Errorf("restored topology differs:\nwant %+v\n got %+v", want, got)
	}
}

func TestRead_DetectsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s"+Ext)
	if _, err := Save(populated(t), path, nil); err != nil {
		t.Fatal(err)
	}
	if err := Verify(path); err != nil {
		t.Fatalf("Verify() on fresh snapshot error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data[len(data)-1] ^= 0xff
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}

	if err := Verify(path); !errors.Is(err, ErrChecksum) {
		t.Errorf("Verify() error = %v, want ErrChecksum", err)
	}
	if _, err := Read(path); !errors.Is(err, ErrChecksum) {
		t.Errorf("Read() error = %v, want ErrChecksum", err)
	}
}

func TestReadHeader_RejectsOtherVersions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old"+Ext)
	if err := os.WriteFile(path, []byte(`{"version":99}`+"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadHeader(path); !errors.Is(err, ErrVersion) {
		t.Errorf("ReadHeader() error = %v, want ErrVersion", err)
	}
}

func TestRestore_IntoPopulatedEngineFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s"+Ext)
	e := populated(t)
	if _, err := Save(e, path, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := Restore(e, path); err == nil {
		t.Error("Restore() over existing neurons succeeded")
	}
}

func writeSnap(t *testing.T, dir string, created time.Time, neurons int) string {
	t.Helper()
	path := filepath.Join(dir, FileName(created))
	s := &Snapshot{Header: Header{CreatedAt: created}}
	for i := 0; i < neurons; i++ {
		s.Topology.Neurons = append(s.Topology.Neurons, npu.NeuronSpec{ID: uint32(i)})
	}
	if err := Write(path, s); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestPrune_Policies(t *testing.T) {
	base := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	now := func() time.Time { return base }

	tests := []struct {
		name   string
		policy Policy
		kept   int
	}{
		{"keep last 2", KeepLast(2), 2},
		{"keep within 36h", KeepWithin{MaxAge: 36 * time.Hour, Now: now}, 2},
		{"keep newest when over budget", KeepBytes(1), 1},
		{"union", KeepAny{KeepLast(1), KeepWithin{MaxAge: 60 * time.Hour, Now: now}}, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			for day := 0; day < 4; day++ {
				writeSnap(t, dir, base.Add(-time.Duration(day)*24*time.Hour+time.Minute), day+1)
			}
			if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0600); err != nil {
				t.Fatal(err)
			}

			deleted, err := Prune(dir, tt.policy)
			if err != nil {
				t.Fatalf("Prune() error = %v", err)
			}
			left, _ := List(dir)
			if len(left) != tt.kept || len(deleted) != 4-tt.kept {
				t.Errorf("kept %d deleted %d, want kept %d", len(left), len(deleted), tt.kept)
			}
			if len(left) > 0 && left[0].Neurons != 1 {
				t.Errorf("newest kept snapshot has %d neurons, want 1", left[0].Neurons)
			}
			if _, err := os.Stat(filepath.Join(dir, "notes.txt")); err != nil {
				t.Error("Prune() touched a non-snapshot file")
			}
		})
	}
}

func TestList_MissingDir(t *testing.T) {
	snaps, err := List(filepath.Join(t.TempDir(), "none"))
	if err != nil || snaps != nil {
		t.Errorf("List(missing) = %v, %v", snaps, err)
	}
}

func TestParseAge(t *testing.T) {
	tests := map[string]time.Duration{
		"720h": 720 * time.Hour,
		"30d":  30 * 24 * time.Hour,
		"2w":   14 * 24 * time.Hour,
	}
	for in, want := range tests {
		if got, err := ParseAge(in); err != nil || got != want {
			t.Errorf("ParseAge(%q) = %v, %v", in, got, err)
		}
	}
	for _, bad := range []string{"", "d", "3y", "-1d"} {
		if _, err := ParseAge(bad); err == nil {
			t.Errorf("ParseAge(%q) succeeded", bad)
		}
	}
}

func TestParseBytes(t *testing.T) {
	tests := map[string]int64{
		"100B": 100,
		"2KB":  2048,
		"10mb": 10 << 20,
		"1 GB": 1 << 30,
	}
	for in, want := range tests {
		if got, err := ParseBytes(in); err != nil || got != want {
			t.Errorf("ParseBytes(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseBytes("lots"); err == nil {
		t.Error("ParseBytes(lots) succeeded")
	}
}
