package mcp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nvandessel/burstnpu/internal/backend"
	"github.com/nvandessel/burstnpu/internal/burst"
	"github.com/nvandessel/burstnpu/internal/fire"
	"github.com/nvandessel/burstnpu/internal/npu"
	"github.com/nvandessel/burstnpu/internal/pathutil"
	"github.com/nvandessel/burstnpu/internal/ratelimit"
	"github.com/nvandessel/burstnpu/internal/snapshot"
)

// maxSteps bounds npu_step so one call cannot hold the engine for long.
const maxSteps = 1000

// registerTools registers all NPU tools with the server.
func (s *Server) registerTools() {
	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "npu_status",
		Description: "Summarize the NPU: timestep, neuron and synapse counts, backend, burst loop statistics",
	}, s.handleStatus)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "npu_history",
		Description: "Return the recent fire history of one cortical area from the Fire Ledger",
	}, s.handleHistory)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "npu_backend",
		Description: "Report the active compute backend and what backend selection would choose for a genome size",
	}, s.handleBackend)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "npu_step",
		Description: "Run one or more bursts. A running burst loop is paused afterwards",
	}, s.handleStep)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "npu_inject",
		Description: "Stage membrane potentials for neurons; they enter the next burst",
	}, s.handleInject)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "npu_params",
		Description: "Queue per-area neuron parameter updates (threshold, leak, refractory period, ...)",
	}, s.handleParams)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "npu_snapshot",
		Description: "Write a connectome snapshot to the snapshot directory and apply retention",
	}, s.handleSnapshot)
}

// registerResources registers MCP resources for auto-loading into context.
func (s *Server) registerResources() {
	s.server.AddResource(&sdk.Resource{
		URI:         "npu://status",
		Name:        "npu-status",
		Description: "Current NPU status as markdown.",
		MIMEType:    "text/markdown",
	}, s.handleStatusResource)
}

// status reads the engine summary under the lock.
func (s *Server) status() (npu.Status, npu.BurstStats, error) {
	var st npu.Status
	var last npu.BurstStats
	err := s.engine.Mutex().Do("mcp status", func() error {
		st = s.engine.Status()
		last = s.engine.LastBurst()
		return nil
	})
	return st, last, err
}

func (s *Server) handleStatusResource(ctx context.Context, req *sdk.ReadResourceRequest) (*sdk.ReadResourceResult, error) {
	st, last, err := s.status()
	if err != nil {
		return nil, fmt.Errorf("failed to read status: %w", err)
	}
	loop := s.runner.Stats()

	var sb strings.Builder
	sb.WriteString("# NPU Status\n\n")
	fmt.Fprintf(&sb, "- Timestep: %d\n", st.Timestep)
	fmt.Fprintf(&sb, "- Precision: %s\n", st.Precision)
	fmt.Fprintf(&sb, "- Neurons: %d of %d\n", st.Neurons, st.NeuronCapacity)
	fmt.Fprintf(&sb, "- Synapses: %d (%d prunable)\n", st.Synapses, st.Prunable)
	fmt.Fprintf(&sb, "- Areas: %d\n", st.Areas)
	fmt.Fprintf(&sb, "- Backend: %s (%s)\n", st.Backend, st.Decision.Reason)
	fmt.Fprintf(&sb, "- Loop: %s at %.1f Hz, %d bursts\n", loop.State, loop.Frequency, loop.Bursts)
	fmt.Fprintf(&sb, "- Last burst: %d fired of %d processed in %v\n", last.Fired, last.Processed, last.Duration)
	if st.LockPoisoned {
		sb.WriteString("\n**The engine lock is poisoned; bursts are refused.**\n")
	}

	return &sdk.ReadResourceResult{
		Contents: []*sdk.ResourceContents{
			{
				URI:      "npu://status",
				MIMEType: "text/markdown",
				Text:     sb.String(),
			},
		},
	}, nil
}

// handleStatus implements the npu_status tool.
func (s *Server) handleStatus(ctx context.Context, req *sdk.CallToolRequest, args StatusInput) (_ *sdk.CallToolResult, _ StatusOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("npu_status", start, retErr, sanitizeToolParams(map[string]any{}))
	}()

	if err := ratelimit.CheckLimit(s.toolLimiters, "npu_status"); err != nil {
		return nil, StatusOutput{}, err
	}

	st, last, err := s.status()
	if err != nil {
		return nil, StatusOutput{}, fmt.Errorf("failed to read status: %w", err)
	}
	out := StatusOutput{
		NPU:  st,
		Loop: s.runner.Stats(),
		Last: last,
	}
	if s.store != nil {
		sum, err := s.store.Summary(ctx)
		if err != nil {
			s.log.Warn("reading burst summary failed", "error", err)
		} else {
			out.Summary = &sum
		}
	}
	out.Message = fmt.Sprintf("timestep %d: %d neurons, %d synapses on %s; loop %s",
		st.Timestep, st.Neurons, st.Synapses, st.Backend, out.Loop.State)
	return nil, out, nil
}

// handleHistory implements the npu_history tool.
func (s *Server) handleHistory(ctx context.Context, req *sdk.CallToolRequest, args HistoryInput) (_ *sdk.CallToolResult, _ HistoryOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("npu_history", start, retErr, sanitizeToolParams(map[string]any{
			"area": args.Area, "lookback": args.Lookback,
		}))
	}()

	if err := ratelimit.CheckLimit(s.toolLimiters, "npu_history"); err != nil {
		return nil, HistoryOutput{}, err
	}
	if args.Lookback < 0 {
		return nil, HistoryOutput{}, fmt.Errorf("'lookback' must be non-negative, got %d", args.Lookback)
	}

	out := HistoryOutput{Area: args.Area}
	err := s.engine.Mutex().Do("mcp history", func() error {
		id, ok := s.engine.Areas().ID(args.Area)
		if !ok {
			return fmt.Errorf("area %d: %w", args.Area, npu.ErrUnknownArea)
		}
		out.CorticalID = id.Base64()
		out.Window = s.engine.Ledger().WindowSize(args.Area)
		return nil
	})
	if err != nil {
		return nil, HistoryOutput{}, err
	}

	lookback := args.Lookback
	if lookback == 0 {
		lookback = out.Window
	}
	frames := s.engine.History(args.Area, lookback)
	out.Frames = make([]HistoryFrame, len(frames))
	for i, f := range frames {
		out.Frames[i] = HistoryFrame{Timestep: f.Timestep, NeuronIDs: f.NeuronIDs}
	}
	out.Count = len(out.Frames)
	return nil, out, nil
}

// handleBackend implements the npu_backend tool.
func (s *Server) handleBackend(ctx context.Context, req *sdk.CallToolRequest, args BackendInput) (_ *sdk.CallToolResult, _ BackendOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("npu_backend", start, retErr, sanitizeToolParams(map[string]any{
			"neurons": args.Neurons, "synapses": args.Synapses, "firing_rate": args.FiringRate,
		}))
	}()

	if err := ratelimit.CheckLimit(s.toolLimiters, "npu_backend"); err != nil {
		return nil, BackendOutput{}, err
	}
	if args.Neurons < 0 || args.Synapses < 0 {
		return nil, BackendOutput{}, fmt.Errorf("'neurons' and 'synapses' must be non-negative")
	}
	if args.FiringRate < 0 || args.FiringRate > 1 {
		return nil, BackendOutput{}, fmt.Errorf("'firing_rate' must be between 0 and 1, got %f", args.FiringRate)
	}

	st, _, err := s.status()
	if err != nil {
		return nil, BackendOutput{}, fmt.Errorf("failed to read status: %w", err)
	}

	neurons, synapses := args.Neurons, args.Synapses
	if neurons == 0 && synapses == 0 {
		neurons, synapses = st.Neurons, st.Synapses
	}
	rate := args.FiringRate
	if rate == 0 {
		rate = 1
	}
	caps := backend.Capabilities(s.probe)

	return nil, BackendOutput{
		Active:       st.Backend,
		Current:      st.Decision,
		WhatIf:       backend.SelectWithActivity(neurons, synapses, rate, s.backend, caps),
		Neurons:      neurons,
		Synapses:     synapses,
		WGPU:         caps.WGPU,
		CUDA:         caps.CUDA,
		LogicalCores: backend.LogicalCores(),
	}, nil
}

// handleStep implements the npu_step tool.
func (s *Server) handleStep(ctx context.Context, req *sdk.CallToolRequest, args StepInput) (_ *sdk.CallToolResult, _ StepOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("npu_step", start, retErr, sanitizeToolParams(map[string]any{
			"count": args.Count,
		}))
	}()

	if err := ratelimit.CheckLimit(s.toolLimiters, "npu_step"); err != nil {
		return nil, StepOutput{}, err
	}

	count := args.Count
	if count == 0 {
		count = 1
	}
	if count < 0 || count > maxSteps {
		return nil, StepOutput{}, fmt.Errorf("'count' must be between 1 and %d, got %d", maxSteps, count)
	}

	out := StepOutput{}
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return nil, out, err
		}
		var err error
		if s.runner.State() == burst.Stopped {
			err = s.runner.Tick()
		} else {
			err = s.runner.Step(ctx)
		}
		if err != nil {
			return nil, out, fmt.Errorf("burst %d of %d: %w", i+1, count, err)
		}
		out.Steps++
		out.Fired += s.runner.Stats().Last.Fired
	}

	out.Timestep = s.engine.Timestep()
	out.State = s.runner.State().String()
	out.Last = s.runner.Stats().Last
	return nil, out, nil
}

// handleInject implements the npu_inject tool.
func (s *Server) handleInject(ctx context.Context, req *sdk.CallToolRequest, args InjectInput) (_ *sdk.CallToolResult, _ InjectOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("npu_inject", start, retErr, sanitizeToolParams(map[string]any{
			"injections": args.Injections,
		}))
	}()

	if err := ratelimit.CheckLimit(s.toolLimiters, "npu_inject"); err != nil {
		return nil, InjectOutput{}, err
	}
	if len(args.Injections) == 0 {
		return nil, InjectOutput{}, fmt.Errorf("'injections' parameter is required")
	}

	batch := make([]fire.Injection, len(args.Injections))
	for i, in := range args.Injections {
		batch[i] = fire.Injection{NeuronID: in.NeuronID, Potential: in.Potential}
	}
	accepted := s.engine.InjectSensoryWithPotentials(batch)

	return nil, InjectOutput{
		Accepted: accepted,
		Dropped:  len(batch) - accepted,
		Message:  fmt.Sprintf("Staged %d of %d injections for timestep %d", accepted, len(batch), s.engine.Timestep()+1),
	}, nil
}

// handleParams implements the npu_params tool.
func (s *Server) handleParams(ctx context.Context, req *sdk.CallToolRequest, args ParamsInput) (_ *sdk.CallToolResult, _ ParamsOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("npu_params", start, retErr, sanitizeToolParams(map[string]any{
			"updates": args.Updates,
		}))
	}()

	if err := ratelimit.CheckLimit(s.toolLimiters, "npu_params"); err != nil {
		return nil, ParamsOutput{}, err
	}
	if len(args.Updates) == 0 {
		return nil, ParamsOutput{}, fmt.Errorf("'updates' parameter is required")
	}

	var out ParamsOutput
	updates := make([]npu.ParamUpdate, 0, len(args.Updates))
	for _, u := range args.Updates {
		fields := make(map[string]any, len(u.Fields))
		for name, v := range u.Fields {
			if _, ok := npu.ParseParamKind(name); !ok {
				out.Unknown = append(out.Unknown, fmt.Sprintf("%d.%s", u.Area, name))
				continue
			}
			fields[name] = v
		}
		if len(fields) > 0 {
			updates = append(updates, npu.ParamUpdate{Area: u.Area, Fields: fields})
		}
	}
	sort.Strings(out.Unknown)

	if len(updates) > 0 {
		s.engine.PushParams(updates...)
	}
	out.Queued = len(updates)
	out.Message = fmt.Sprintf("Queued %d area updates", out.Queued)
	if len(out.Unknown) > 0 {
		out.Message += fmt.Sprintf("; ignored %d unknown fields", len(out.Unknown))
	}
	return nil, out, nil
}

// handleSnapshot implements the npu_snapshot tool.
func (s *Server) handleSnapshot(ctx context.Context, req *sdk.CallToolRequest, args SnapshotInput) (_ *sdk.CallToolResult, _ SnapshotOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("npu_snapshot", start, retErr, sanitizeToolParams(map[string]any{
			"path": args.Path, "label": args.Label,
		}))
	}()

	if err := ratelimit.CheckLimit(s.toolLimiters, "npu_snapshot"); err != nil {
		return nil, SnapshotOutput{}, err
	}

	path := args.Path
	if path == "" {
		// Default path -- controlled by us, no validation needed
		path = filepath.Join(s.snapshots, snapshot.FileName(time.Now()))
	} else {
		if !filepath.IsAbs(path) {
			path = filepath.Join(s.snapshots, path)
		}
		resolved, err := pathutil.Confine(path, s.snapshots)
		if err != nil {
			return nil, SnapshotOutput{}, fmt.Errorf("snapshot path rejected: %w", err)
		}
		path = resolved
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, SnapshotOutput{}, fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	h, err := snapshot.Save(s.engine, path, args.Label)
	if err != nil {
		return nil, SnapshotOutput{}, fmt.Errorf("snapshot failed: %w", err)
	}

	out := SnapshotOutput{
		Path:     path,
		Timestep: h.Timestep,
		Neurons:  h.Neurons,
		Synapses: h.Synapses,
	}
	if info, err := os.Stat(path); err == nil {
		out.SizeBytes = info.Size()
	}
	if s.retention != nil {
		pruned, err := snapshot.Prune(s.snapshots, s.retention)
		if err != nil {
			s.log.Warn("snapshot retention failed", "error", err)
		}
		out.Pruned = pruned
	}
	out.Message = fmt.Sprintf("Snapshot at timestep %d: %d neurons, %d synapses → %s", h.Timestep, h.Neurons, h.Synapses, pathutil.Redact(path))
	return nil, out, nil
}
