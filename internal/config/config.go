// Package config provides unified configuration loading for the NPU.
// It supports loading from YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nvandessel/burstnpu/internal/backend"
	"github.com/nvandessel/burstnpu/internal/burst"
	"github.com/nvandessel/burstnpu/internal/fire"
	"github.com/nvandessel/burstnpu/internal/logging"
	"github.com/nvandessel/burstnpu/internal/neuron"
	"github.com/nvandessel/burstnpu/internal/npu"
	"github.com/nvandessel/burstnpu/internal/plasticity"
	"github.com/nvandessel/burstnpu/internal/sensory"
	"github.com/nvandessel/burstnpu/internal/snapshot"
)

// Dir is the per-user directory holding config, database and snapshots.
const Dir = ".burstnpu"

// FileName is the config file looked up inside Dir.
const FileName = "config.yaml"

// NPUConfig contains all NPU configuration settings.
type NPUConfig struct {
	// Burst controls the burst loop and its visualization sampler.
	Burst BurstConfig `json:"burst" yaml:"burst"`

	// Neurons sizes the neuron and synapse arrays.
	Neurons NeuronConfig `json:"neurons" yaml:"neurons"`

	// Ledger configures Fire Ledger history.
	Ledger LedgerConfig `json:"ledger" yaml:"ledger"`

	// Plasticity lists STDP mappings registered at startup.
	Plasticity []plasticity.Mapping `json:"plasticity,omitempty" yaml:"plasticity,omitempty"`

	// Memory lists memory formation areas registered at startup.
	Memory []plasticity.MemoryArea `json:"memory,omitempty" yaml:"memory,omitempty"`

	// Backend holds the selection thresholds and overrides.
	Backend backend.Config `json:"backend" yaml:"backend"`

	// GPU is the accelerator section layered on top of Backend.
	GPU backend.GPUConfig `json:"gpu" yaml:"gpu"`

	Sensory  SensoryConfig  `json:"sensory" yaml:"sensory"`
	Output   OutputConfig   `json:"output" yaml:"output"`
	Store    StoreConfig    `json:"store" yaml:"store"`
	Snapshot SnapshotConfig `json:"snapshot" yaml:"snapshot"`

	// Logging contains settings for operational and event logging.
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// BurstConfig configures the burst loop.
type BurstConfig struct {
	// FrequencyHz is the target burst rate.
	FrequencyHz float64 `json:"frequency_hz" yaml:"frequency_hz"`
	// SampleMode is "visualization", "motor" or "unified".
	SampleMode string `json:"sample_mode" yaml:"sample_mode"`
	// SampleRateHz caps published samples per second; 0 publishes every burst.
	SampleRateHz float64 `json:"sample_rate_hz" yaml:"sample_rate_hz"`
	// TraceLock logs every acquisition of the engine lock at trace level.
	TraceLock bool `json:"trace_lock" yaml:"trace_lock"`
}

// NeuronConfig sizes the stores.
type NeuronConfig struct {
	// Precision is "f32" or "q16".
	Precision       string `json:"precision" yaml:"precision"`
	Capacity        int    `json:"capacity" yaml:"capacity"`
	SynapseCapacity int    `json:"synapse_capacity" yaml:"synapse_capacity"`
	// Workers bounds CPU backend goroutines; 0 uses every core.
	Workers int `json:"workers" yaml:"workers"`
	Chunk   int `json:"chunk,omitempty" yaml:"chunk,omitempty"`
	// PowerEnabled injects PowerAmount into the power area every burst.
	PowerEnabled bool    `json:"power_enabled" yaml:"power_enabled"`
	PowerAmount  float32 `json:"power_amount" yaml:"power_amount"`
}

// LedgerConfig configures the Fire Ledger.
type LedgerConfig struct {
	// Window is the ring size for areas without their own window.
	Window int `json:"window" yaml:"window"`
}

// SensoryConfig configures sensory agents.
type SensoryConfig struct {
	// Timeout is how long an agent may stay silent before it is pruned.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
	// MonitorInterval is how often silent agents are checked for.
	MonitorInterval time.Duration `json:"monitor_interval" yaml:"monitor_interval"`
	MaxAgents       int           `json:"max_agents" yaml:"max_agents"`
	// Agents are registered at startup, each reading a frame file.
	Agents []AgentConfig `json:"agents,omitempty" yaml:"agents,omitempty"`
}

// AgentConfig names a sensory frame file and its polling rate.
type AgentConfig struct {
	ID     string  `json:"id,omitempty" yaml:"id,omitempty"`
	Path   string  `json:"path" yaml:"path"`
	RateHz float64 `json:"rate_hz" yaml:"rate_hz"`
}

// OutputConfig configures the visualization frame slot.
type OutputConfig struct {
	// FramePath is the shared-memory file samples are written to. Empty
	// disables frame output.
	FramePath     string `json:"frame_path,omitempty" yaml:"frame_path,omitempty"`
	FrameCapacity int    `json:"frame_capacity" yaml:"frame_capacity"`
}

// StoreConfig configures the sqlite store.
type StoreConfig struct {
	Path string `json:"path" yaml:"path"`
	// RecordBursts writes per-burst statistics while the loop runs.
	RecordBursts bool `json:"record_bursts" yaml:"record_bursts"`
	// BurstRetention drops burst statistics older than this; 0 keeps all.
	BurstRetention time.Duration `json:"burst_retention,omitempty" yaml:"burst_retention,omitempty"`
}

// SnapshotConfig configures snapshot files and their retention.
type SnapshotConfig struct {
	Dir string `json:"dir" yaml:"dir"`
	// KeepLast keeps the newest N snapshots; 0 disables the count limit.
	KeepLast int `json:"keep_last" yaml:"keep_last"`
	// MaxAge keeps snapshots younger than this, e.g. "7d" or "36h".
	MaxAge string `json:"max_age,omitempty" yaml:"max_age,omitempty"`
	// MaxTotal caps the total size, e.g. "500MB".
	MaxTotal string `json:"max_total,omitempty" yaml:"max_total,omitempty"`
}

// LoggingConfig configures logging behavior.
type LoggingConfig struct {
	// Level sets the log verbosity: "warn", "info" (default), "debug", or "trace".
	// "debug" enables plasticity and agent events in EventsDir.
	Level     string `json:"level" yaml:"level"`
	EventsDir string `json:"events_dir,omitempty" yaml:"events_dir,omitempty"`
}

// Default returns an NPUConfig with sensible defaults.
func Default() *NPUConfig {
	home := homeDir()
	return &NPUConfig{
		Burst: BurstConfig{
			FrequencyHz:  10,
			SampleMode:   burst.ModeVisualization.String(),
			SampleRateHz: 30,
		},
		Neurons: NeuronConfig{
			Precision:       string(neuron.PrecisionF32),
			Capacity:        1_000_000,
			SynapseCapacity: 10_000_000,
			PowerAmount:     1,
		},
		Ledger:  LedgerConfig{Window: fire.DefaultWindow},
		Backend: backend.DefaultConfig(),
		GPU:     backend.DefaultGPUConfig(),
		Sensory: SensoryConfig{
			Timeout:         sensory.DefaultTimeout,
			MonitorInterval: 5 * time.Second,
			MaxAgents:       sensory.DefaultMaxAgents,
		},
		Output: OutputConfig{FrameCapacity: 4 << 20},
		Store: StoreConfig{
			Path:         filepath.Join(home, Dir, "npu.db"),
			RecordBursts: true,
		},
		Snapshot: SnapshotConfig{
			Dir:      filepath.Join(home, Dir, "snapshots"),
			KeepLast: 10,
		},
		Logging: LoggingConfig{
			Level:     "info",
			EventsDir: filepath.Join(home, Dir),
		},
	}
}

func homeDir() string {
	if h, err := os.UserHomeDir(); err == nil {
		return h
	}
	return "."
}

// DefaultPath returns ~/.burstnpu/config.yaml.
func DefaultPath() string {
	return filepath.Join(homeDir(), Dir, FileName)
}

// Load loads configuration from the default locations and environment variables.
// Order: defaults -> ~/.burstnpu/config.yaml -> environment variables
func Load() (*NPUConfig, error) {
	config := Default()

	configPath := DefaultPath()
	if _, statErr := os.Stat(configPath); statErr == nil {
		fileConfig, loadErr := LoadFromFile(configPath)
		if loadErr != nil {
			return nil, fmt.Errorf("loading config file: %w", loadErr)
		}
		config = fileConfig
	}

	applyEnvOverrides(config)

	return config, nil
}

// LoadPath is Load with an explicit file. An empty path uses the default
// locations.
func LoadPath(path string) (*NPUConfig, error) {
	if path == "" {
		return Load()
	}
	config, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	applyEnvOverrides(config)
	return config, nil
}

// LoadFromFile loads configuration from a specific YAML file.
func LoadFromFile(path string) (*NPUConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	config.Output.FramePath = expandEnvVars(config.Output.FramePath)
	config.Store.Path = expandEnvVars(config.Store.Path)
	config.Snapshot.Dir = expandEnvVars(config.Snapshot.Dir)
	config.Logging.EventsDir = expandEnvVars(config.Logging.EventsDir)
	for i := range config.Sensory.Agents {
		config.Sensory.Agents[i].Path = expandEnvVars(config.Sensory.Agents[i].Path)
	}

	return config, nil
}

// Save writes the configuration as YAML, creating parent directories.
func (c *NPUConfig) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Validate checks that the configuration is valid. All problems are
// reported together.
func (c *NPUConfig) Validate() error {
	var errs []error

	if c.Burst.FrequencyHz <= 0 || c.Burst.FrequencyHz > burst.MaxFrequency {
		errs = append(errs, fmt.Errorf("burst.frequency_hz must be in (0, %d], got %g", burst.MaxFrequency, c.Burst.FrequencyHz))
	}
	if _, err := burst.ParseSampleMode(c.Burst.SampleMode); err != nil {
		errs = append(errs, fmt.Errorf("burst.sample_mode: %w", err))
	}
	if c.Burst.SampleRateHz < 0 {
		errs = append(errs, fmt.Errorf("burst.sample_rate_hz must be non-negative, got %g", c.Burst.SampleRateHz))
	}

	switch neuron.Precision(c.Neurons.Precision) {
	case neuron.PrecisionF32, neuron.PrecisionQ16:
	default:
		errs = append(errs, fmt.Errorf("invalid precision: %s (valid: f32, q16)", c.Neurons.Precision))
	}
	if c.Neurons.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("neurons.capacity must be positive, got %d", c.Neurons.Capacity))
	}
	if c.Neurons.SynapseCapacity <= 0 {
		errs = append(errs, fmt.Errorf("neurons.synapse_capacity must be positive, got %d", c.Neurons.SynapseCapacity))
	}
	if c.Neurons.Workers < 0 {
		errs = append(errs, fmt.Errorf("neurons.workers must be non-negative, got %d", c.Neurons.Workers))
	}

	if c.Ledger.Window < 1 {
		errs = append(errs, fmt.Errorf("ledger.window must be at least 1, got %d", c.Ledger.Window))
	}
	for i, m := range c.Plasticity {
		if err := m.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("plasticity[%d]: %w", i, err))
		}
	}
	for i, a := range c.Memory {
		if err := a.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("memory[%d]: %w", i, err))
		}
	}

	if c.GPU.GPUMemoryFraction < 0 || c.GPU.GPUMemoryFraction > 1 {
		errs = append(errs, fmt.Errorf("gpu.gpu_memory_fraction must be between 0 and 1, got %f", c.GPU.GPUMemoryFraction))
	}
	if c.Backend.GPUMinFiringRate < 0 || c.Backend.GPUMinFiringRate > 1 {
		errs = append(errs, fmt.Errorf("backend.gpu_min_firing_rate must be between 0 and 1, got %f", c.Backend.GPUMinFiringRate))
	}

	if c.Sensory.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("sensory.timeout must be positive, got %v", c.Sensory.Timeout))
	}
	if c.Sensory.MaxAgents <= 0 {
		errs = append(errs, fmt.Errorf("sensory.max_agents must be positive, got %d", c.Sensory.MaxAgents))
	}
	for i, a := range c.Sensory.Agents {
		if a.Path == "" {
			errs = append(errs, fmt.Errorf("sensory.agents[%d]: path is required", i))
		}
		if a.RateHz <= 0 {
			errs = append(errs, fmt.Errorf("sensory.agents[%d]: rate_hz must be positive, got %g", i, a.RateHz))
		}
	}

	if c.Output.FramePath != "" && c.Output.FrameCapacity <= 0 {
		errs = append(errs, fmt.Errorf("output.frame_capacity must be positive, got %d", c.Output.FrameCapacity))
	}

	if c.Snapshot.KeepLast < 0 {
		errs = append(errs, fmt.Errorf("snapshot.keep_last must be non-negative, got %d", c.Snapshot.KeepLast))
	}
	if c.Snapshot.MaxAge != "" {
		if _, err := snapshot.ParseAge(c.Snapshot.MaxAge); err != nil {
			errs = append(errs, fmt.Errorf("snapshot.max_age: %w", err))
		}
	}
	if c.Snapshot.MaxTotal != "" {
		if _, err := snapshot.ParseBytes(c.Snapshot.MaxTotal); err != nil {
			errs = append(errs, fmt.Errorf("snapshot.max_total: %w", err))
		}
	}

	validLevels := map[string]bool{"warn": true, "info": true, "debug": true, "trace": true}
	if c.Logging.Level != "" && !validLevels[c.Logging.Level] {
		errs = append(errs, fmt.Errorf("invalid log level: %s (valid: warn, info, debug, trace, or empty for default)", c.Logging.Level))
	}

	return errors.Join(errs...)
}

// BackendConfig merges the GPU section into the selection config. A
// disabled GPU forces the CPU; GPU without hybrid forces the GPU; hybrid
// lets selection decide, with GPUThreshold as the neuron threshold.
func (c *NPUConfig) BackendConfig() backend.Config {
	cfg := c.Backend
	gpu := c.GPU.ToBackendConfig()
	cfg.ForceCPU = cfg.ForceCPU || gpu.ForceCPU
	cfg.ForceGPU = cfg.ForceGPU || gpu.ForceGPU
	if c.GPU.UseGPU && c.GPU.HybridEnabled && c.GPU.GPUThreshold > 0 {
		cfg.GPUNeuronThreshold = c.GPU.GPUThreshold
	}
	return cfg
}

// Engine converts the configuration into engine options.
func (c *NPUConfig) Engine(log *slog.Logger, events plasticity.EventSink) npu.Config {
	return npu.Config{
		Precision:       neuron.ParsePrecision(c.Neurons.Precision),
		NeuronCapacity:  c.Neurons.Capacity,
		SynapseCapacity: c.Neurons.SynapseCapacity,
		LedgerWindow:    c.Ledger.Window,
		Workers:         c.Neurons.Workers,
		Chunk:           c.Neurons.Chunk,
		Backend:         c.BackendConfig(),
		MemoryFraction:  c.GPU.GPUMemoryFraction,
		PowerAmount:     c.Neurons.PowerAmount,
		PowerEnabled:    c.Neurons.PowerEnabled,
		TraceLock:       c.Burst.TraceLock,
		Logger:          log,
		Events:          events,
	}
}

// Retention builds the snapshot retention policy. Each configured limit
// keeps its own set; a snapshot survives if any limit keeps it. With no
// limits configured every snapshot is kept.
func (c *NPUConfig) Retention() snapshot.Policy {
	var policies snapshot.KeepAny
	if c.Snapshot.KeepLast > 0 {
		policies = append(policies, snapshot.KeepLast(c.Snapshot.KeepLast))
	}
	if c.Snapshot.MaxAge != "" {
		if age, err := snapshot.ParseAge(c.Snapshot.MaxAge); err == nil {
			policies = append(policies, snapshot.KeepWithin{MaxAge: age})
		}
	}
	if c.Snapshot.MaxTotal != "" {
		if n, err := snapshot.ParseBytes(c.Snapshot.MaxTotal); err == nil {
			policies = append(policies, snapshot.KeepBytes(n))
		}
	}
	if len(policies) == 0 {
		return nil
	}
	return policies
}

// Logger builds the stderr logger for Logging.Level.
func (c *NPUConfig) Logger(json bool) *slog.Logger {
	if json {
		return logging.NewJSONLogger(c.Logging.Level, os.Stderr)
	}
	return logging.NewLogger(c.Logging.Level, os.Stderr)
}

// applyEnvOverrides applies environment variable overrides to the config.
func applyEnvOverrides(config *NPUConfig) {
	if v := os.Getenv("NPU_FREQUENCY_HZ"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Burst.FrequencyHz = f
		}
	}
	if v := os.Getenv("NPU_SAMPLE_MODE"); v != "" {
		config.Burst.SampleMode = v
	}
	if v := os.Getenv("NPU_TRACE_LOCK"); v != "" {
		config.Burst.TraceLock = parseBool(v)
	}

	if v := os.Getenv("NPU_PRECISION"); v != "" {
		config.Neurons.Precision = strings.ToLower(v)
	}
	if v := os.Getenv("NPU_NEURON_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Neurons.Capacity = n
		}
	}
	if v := os.Getenv("NPU_SYNAPSE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Neurons.SynapseCapacity = n
		}
	}
	if v := os.Getenv("NPU_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Neurons.Workers = n
		}
	}

	if v := os.Getenv("NPU_FORCE_CPU"); v != "" {
		config.Backend.ForceCPU = parseBool(v)
	}
	if v := os.Getenv("NPU_USE_GPU"); v != "" {
		config.GPU.UseGPU = parseBool(v)
	}

	if v := os.Getenv("NPU_FRAME_PATH"); v != "" {
		config.Output.FramePath = v
	}
	if v := os.Getenv("NPU_STORE_PATH"); v != "" {
		config.Store.Path = v
	}
	if v := os.Getenv("NPU_SNAPSHOT_DIR"); v != "" {
		config.Snapshot.Dir = v
	}

	if v := os.Getenv("NPU_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
}

func parseBool(v string) bool {
	return v == "true" || v == "1"
}

// expandEnvVars expands ${VAR} patterns in a string with environment variable values.
func expandEnvVars(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, os.Getenv)
}
