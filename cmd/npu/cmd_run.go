package main

import (
	"context"
	"fmt"
	"time"

	"github.com/nvandessel/burstnpu/internal/burst"
	"github.com/nvandessel/burstnpu/internal/frame"
	"github.com/nvandessel/burstnpu/internal/sensory"
	"github.com/spf13/cobra"
)

// burstPruneInterval is how often old burst statistics are dropped.
const burstPruneInterval = time.Minute

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the burst loop until interrupted",
		Long: `Load the stored connectome and run bursts at the configured frequency.

Sensory agents listed in sensory.agents are attached to their frame files;
samples are published to output.frame_path when it is set. Per-burst
statistics are recorded in the store when store.record_bursts is on.

Examples:
  npu run                          # Run until Ctrl+C
  npu run --frequency 100          # Override burst.frequency_hz
  npu run --duration 30s --save    # Run for 30s, then persist learned weights`,
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			duration, _ := cmd.Flags().GetDuration("duration")
			frequency, _ := cmd.Flags().GetFloat64("frequency")
			save, _ := cmd.Flags().GetBool("save")

			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			top, err := rt.loadConnectome(ctx, false)
			if err != nil {
				return err
			}
			if frequency > 0 {
				rt.cfg.Burst.FrequencyHz = frequency
			}

			opts, closeOutput, err := rt.runnerOptions()
			if err != nil {
				return err
			}
			defer closeOutput()

			runner, err := burst.NewRunner(rt.engine, opts)
			if err != nil {
				return fmt.Errorf("failed to create burst loop: %w", err)
			}

			agents, closeAgents, err := rt.startAgents(ctx)
			if err != nil {
				return err
			}
			defer closeAgents()

			if rt.cfg.Store.RecordBursts && rt.cfg.Store.BurstRetention > 0 {
				go rt.pruneBursts(ctx, runner)
			}

			// Stop, not ctx, ends the loop so that it waits for the last burst.
			if err := runner.Start(context.WithoutCancel(ctx)); err != nil {
				return fmt.Errorf("failed to start burst loop: %w", err)
			}
			rt.log.Info("npu running",
				"areas", len(top.Areas), "neurons", len(top.Neurons), "synapses", len(top.Synapses),
				"agents", agents.Len(), "frequency_hz", rt.cfg.Burst.FrequencyHz)

			<-ctx.Done()
			if err := runner.Stop(); err != nil {
				rt.log.Warn("burst loop did not stop cleanly", "error", err)
			}
			stats := runner.Stats()

			if save {
				if _, err := rt.saveConnectome(context.Background(), map[string]string{
					"saved_by": "run",
					"timestep": fmt.Sprintf("%d", rt.engine.Timestep()),
				}); err != nil {
					return err
				}
			}

			if jsonOut {
				return printJSON(map[string]any{
					"loop":     stats,
					"timestep": rt.engine.Timestep(),
					"agents":   agents.Agents(),
					"saved":    save,
				})
			}
			fmt.Printf("Ran %d bursts (timestep %d): %d fired, %d errors\n",
				stats.Bursts, rt.engine.Timestep(), stats.Fired, stats.Errors)
			if save {
				fmt.Printf("  Connectome saved to %s\n", rt.store.Path())
			}
			return nil
		},
	}

	cmd.Flags().Duration("duration", 0, "Stop after this long (default: run until interrupted)")
	cmd.Flags().Float64("frequency", 0, "Burst frequency in Hz (default: burst.frequency_hz)")
	cmd.Flags().Bool("save", false, "Write the connectome back to the store on exit")

	return cmd
}

// runnerOptions builds the burst loop options from config. The returned
// func closes the frame file, if one was opened.
func (rt *runtime) runnerOptions() (burst.Options, func(), error) {
	mode, err := burst.ParseSampleMode(rt.cfg.Burst.SampleMode)
	if err != nil {
		return burst.Options{}, nil, err
	}
	opts := burst.Options{
		Frequency: rt.cfg.Burst.FrequencyHz,
		Sampler:   burst.NewSampler(mode, rt.cfg.Burst.SampleRateHz),
		Logger:    rt.log,
		Events:    rt.events,
	}
	if rt.cfg.Store.RecordBursts {
		opts.Recorder = rt.store
	}

	closeOutput := func() {}
	if path := rt.cfg.Output.FramePath; path != "" {
		slot, err := frame.CreateFile(path, rt.cfg.Output.FrameCapacity)
		if err != nil {
			return burst.Options{}, nil, err
		}
		opts.Publisher = burst.NewFramePublisher(slot)
		closeOutput = func() { _ = slot.Close() }
	}
	return opts, closeOutput, nil
}

// startAgents registers one sensory agent per configured frame file and
// starts pruning silent ones. The returned func deregisters the agents
// and unmaps their files.
func (rt *runtime) startAgents(ctx context.Context) (*sensory.Manager, func(), error) {
	mgr := sensory.NewManager(rt.engine, sensory.Options{
		Timeout:   rt.cfg.Sensory.Timeout,
		MaxAgents: rt.cfg.Sensory.MaxAgents,
		Logger:    rt.log,
		Events:    rt.events,
	})

	var slots []*frame.FileSlot
	closeAll := func() {
		mgr.Close()
		for _, s := range slots {
			_ = s.Close()
		}
	}

	for _, a := range rt.cfg.Sensory.Agents {
		slot, err := frame.OpenFile(a.Path)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("sensory agent %q: %w", a.ID, err)
		}
		slots = append(slots, slot)
		if _, err := mgr.Register(sensory.AgentConfig{ID: a.ID, Source: slot, RateHz: a.RateHz}); err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("sensory agent %q: %w", a.ID, err)
		}
	}

	if rt.cfg.Sensory.MonitorInterval > 0 {
		go mgr.Monitor(ctx, rt.cfg.Sensory.MonitorInterval)
	}
	return mgr, closeAll, nil
}

// pruneBursts drops recorded burst statistics older than
// store.burst_retention until ctx is done. Age is measured in bursts at
// the loop's current frequency.
func (rt *runtime) pruneBursts(ctx context.Context, runner *burst.Runner) {
	ticker := time.NewTicker(burstPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			keep := uint64(rt.cfg.Store.BurstRetention.Seconds() * runner.Timestep().Frequency())
			cur := runner.Timestep().Current()
			if cur <= keep {
				continue
			}
			n, err := rt.store.PruneBursts(ctx, cur-keep)
			if err != nil {
				rt.log.Warn("failed to prune burst statistics", "error", err)
				continue
			}
			if n > 0 {
				rt.log.Debug("pruned burst statistics", "count", n, "before", cur-keep)
			}
		}
	}
}
