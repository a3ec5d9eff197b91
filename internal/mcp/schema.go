package mcp

import (
	"github.com/nvandessel/burstnpu/internal/backend"
	"github.com/nvandessel/burstnpu/internal/burst"
	"github.com/nvandessel/burstnpu/internal/npu"
	"github.com/nvandessel/burstnpu/internal/store"
)

// StatusInput defines the input for the npu_status tool.
type StatusInput struct{}

// StatusOutput defines the output for the npu_status tool.
type StatusOutput struct {
	NPU     npu.Status          `json:"npu" jsonschema:"Engine summary: timestep, sizes, backend and pending work"`
	Loop    burst.Stats         `json:"loop" jsonschema:"Burst loop statistics since start"`
	Last    npu.BurstStats      `json:"last" jsonschema:"Statistics of the most recent burst"`
	Summary *store.BurstSummary `json:"recorded,omitempty" jsonschema:"Aggregates over recorded bursts, when a store is attached"`
	Message string              `json:"message" jsonschema:"Human-readable summary"`
}

// HistoryInput defines the input for the npu_history tool.
type HistoryInput struct {
	Area     uint32 `json:"area" jsonschema:"Cortical area index"`
	Lookback int    `json:"lookback,omitempty" jsonschema:"Number of bursts to return, newest first (default: the area's window)"`
}

// HistoryFrame is one burst of an area's fire history.
type HistoryFrame struct {
	Timestep  uint64   `json:"timestep"`
	NeuronIDs []uint32 `json:"neuron_ids"`
}

// HistoryOutput defines the output for the npu_history tool.
type HistoryOutput struct {
	Area       uint32         `json:"area"`
	CorticalID string         `json:"cortical_id,omitempty" jsonschema:"Base64 cortical ID of the area"`
	Window     int            `json:"window" jsonschema:"Ledger window of the area; 0 when untracked"`
	Frames     []HistoryFrame `json:"frames"`
	Count      int            `json:"count"`
}

// BackendInput defines the input for the npu_backend tool. Zero sizes
// report on the loaded genome.
type BackendInput struct {
	Neurons    int     `json:"neurons,omitempty" jsonschema:"Neuron count for a what-if selection"`
	Synapses   int     `json:"synapses,omitempty" jsonschema:"Synapse count for a what-if selection"`
	FiringRate float64 `json:"firing_rate,omitempty" jsonschema:"Fraction of neurons firing per burst (default 1)"`
}

// BackendOutput defines the output for the npu_backend tool.
type BackendOutput struct {
	Active       string           `json:"active" jsonschema:"Name of the backend running bursts"`
	Current      backend.Decision `json:"current" jsonschema:"Decision that chose the active backend"`
	WhatIf       backend.Decision `json:"what_if" jsonschema:"Decision for the requested or current genome size"`
	Neurons      int              `json:"neurons"`
	Synapses     int              `json:"synapses"`
	WGPU         bool             `json:"wgpu_available"`
	CUDA         bool             `json:"cuda_available"`
	LogicalCores int              `json:"logical_cores"`
}

// StepInput defines the input for the npu_step tool.
type StepInput struct {
	Count int `json:"count,omitempty" jsonschema:"Number of bursts to run (default 1, max 1000)"`
}

// StepOutput defines the output for the npu_step tool.
type StepOutput struct {
	Steps    int            `json:"steps"`
	Timestep uint64         `json:"timestep"`
	State    string         `json:"state" jsonschema:"Burst loop state afterwards; stepping a running loop pauses it"`
	Fired    int            `json:"fired" jsonschema:"Neurons fired across all steps"`
	Last     npu.BurstStats `json:"last"`
}

// InjectionInput is one staged potential.
type InjectionInput struct {
	NeuronID  uint32  `json:"neuron_id"`
	Potential float32 `json:"potential"`
}

// InjectInput defines the input for the npu_inject tool.
type InjectInput struct {
	Injections []InjectionInput `json:"injections" jsonschema:"Potentials to stage for the next burst"`
}

// InjectOutput defines the output for the npu_inject tool.
type InjectOutput struct {
	Accepted int    `json:"accepted"`
	Dropped  int    `json:"dropped" jsonschema:"Injections with non-finite potentials"`
	Message  string `json:"message"`
}

// ParamInput is one area's parameter update.
type ParamInput struct {
	Area   uint32         `json:"area"`
	Fields map[string]any `json:"fields" jsonschema:"Parameter names such as firing_threshold or leak mapped to values"`
}

// ParamsInput defines the input for the npu_params tool.
type ParamsInput struct {
	Updates []ParamInput `json:"updates" jsonschema:"Updates applied after the next burst's propagation"`
}

// ParamsOutput defines the output for the npu_params tool.
type ParamsOutput struct {
	Queued  int      `json:"queued"`
	Unknown []string `json:"unknown,omitempty" jsonschema:"Field names that were not recognized and were dropped"`
	Message string   `json:"message"`
}

// SnapshotInput defines the input for the npu_snapshot tool.
type SnapshotInput struct {
	Path  string            `json:"path,omitempty" jsonschema:"Output file inside the snapshot directory (default: timestamped name)"`
	Label map[string]string `json:"label,omitempty" jsonschema:"Metadata stored in the snapshot header"`
}

// SnapshotOutput defines the output for the npu_snapshot tool.
type SnapshotOutput struct {
	Path      string   `json:"path"`
	Timestep  uint64   `json:"timestep"`
	Neurons   int      `json:"neurons"`
	Synapses  int      `json:"synapses"`
	SizeBytes int64    `json:"size_bytes"`
	Pruned    []string `json:"pruned,omitempty" jsonschema:"Older snapshots removed by retention"`
	Message   string   `json:"message"`
}
