package config

import (
	"errors"
	"slices"
	"testing"
	"time"
)

func TestGet(t *testing.T) {
	config := Default()

	tests := []struct {
		key  string
		want any
	}{
		{"burst.frequency_hz", 10},
		{"burst.sample_mode", "visualization"},
		{"neurons.precision", "f32"},
		{"backend.force_cpu", false},
		{"sensory.timeout", "1m0s"},
		{"output.frame_path", nil},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got, err := config.Get(tt.key)
			if err != nil {
				t.Fatalf("Get(%q) error = %v", tt.key, err)
			}
			if got != tt.want {
				t.Errorf("Get(%q) = %v (%T), want %v (%T)", tt.key, got, got, tt.want, tt.want)
			}
		})
	}
}

func TestGet_Section(t *testing.T) {
	got, err := Default().Get("ledger")
	if err != nil {
		t.Fatal(err)
	}
	m, ok := got.(map[string]any)
	if !ok || m["window"] != 20 {
		t.Errorf("Get(ledger) = %#v", got)
	}
}

func TestGet_UnknownKey(t *testing.T) {
	for _, key := range []string{"", "bogus", "burst.bogus", "burst.frequency_hz.deeper"} {
		if _, err := Default().Get(key); err == nil {
			t.Errorf("Get(%q) succeeded", key)
		}
	}
	if _, err := Default().Get("burst.bogus"); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("Get(burst.bogus) error = %v, want ErrUnknownKey", err)
	}
}

func TestSet(t *testing.T) {
	config := Default()

	if err := config.Set("burst.frequency_hz", "250"); err != nil {
		t.Fatalf("Set error = %v", err)
	}
	if err := config.Set("backend.force_cpu", "true"); err != nil {
		t.Fatal(err)
	}
	if err := config.Set("sensory.timeout", "30s"); err != nil {
		t.Fatal(err)
	}
	if err := config.Set("output.frame_path", "/dev/shm/npu.frame"); err != nil {
		t.Fatal(err)
	}

	if config.Burst.FrequencyHz != 250 {
		t.Errorf("FrequencyHz = %g, want 250", config.Burst.FrequencyHz)
	}
	if !config.Backend.ForceCPU {
		t.Error("ForceCPU not set")
	}
	if config.Sensory.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", config.Sensory.Timeout)
	}
	if config.Output.FramePath != "/dev/shm/npu.frame" {
		t.Errorf("FramePath = %q", config.Output.FramePath)
	}
	// untouched settings keep their values
	if config.Neurons.Capacity != 1_000_000 || config.Snapshot.KeepLast != 10 {
		t.Errorf("Set changed other settings: %+v %+v", config.Neurons, config.Snapshot)
	}
}

func TestSet_RejectsAndLeavesConfigUnchanged(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		unknown bool
	}{
		{"unknown section", "bogus.key", "1", true},
		{"unknown field", "burst.bogus", "1", true},
		{"wrong type", "burst.frequency_hz", "fast", false},
		{"section", "burst", "5", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := Default()
			err := config.Set(tt.key, tt.value)
			if err == nil {
				t.Fatalf("Set(%q, %q) succeeded", tt.key, tt.value)
			}
			if tt.unknown && !errors.Is(err, ErrUnknownKey) {
				t.Errorf("error = %v, want ErrUnknownKey", err)
			}
			if config.Burst.FrequencyHz != 10 {
				t.Errorf("failed Set changed FrequencyHz to %g", config.Burst.FrequencyHz)
			}
		})
	}
}

func TestKeys(t *testing.T) {
	keys, err := Default().Keys()
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"burst.frequency_hz", "neurons.capacity", "gpu.use_gpu", "snapshot.keep_last", "logging.level"} {
		if !slices.Contains(keys, want) {
			t.Errorf("Keys() missing %q", want)
		}
	}
	for _, k := range keys {
		if _, err := Default().Get(k); err != nil {
			t.Errorf("Get(%q) of listed key: %v", k, err)
		}
	}
}
