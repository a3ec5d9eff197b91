package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/nvandessel/burstnpu/internal/burst"
	"github.com/nvandessel/burstnpu/internal/fire"
	"github.com/nvandessel/burstnpu/internal/npu"
	"github.com/spf13/cobra"
)

func newStepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "step [count]",
		Short: "Run a fixed number of bursts",
		Long: `Load the stored connectome and run count bursts back to back (default 1).

Injections are staged before the first burst.

Examples:
  npu step                          # One burst
  npu step 50 --inject 0:1.5        # Inject 1.5 into neuron 0, then 50 bursts
  npu step 10 --save                # Persist plasticity changes afterwards`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			specs, _ := cmd.Flags().GetStringSlice("inject")
			save, _ := cmd.Flags().GetBool("save")

			count := 1
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil || n < 1 {
					return fmt.Errorf("count must be a positive integer, got %q", args[0])
				}
				count = n
			}
			batch, err := parseInjections(specs)
			if err != nil {
				return err
			}

			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx := context.Background()
			if _, err := rt.loadConnectome(ctx, false); err != nil {
				return err
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

			accepted := rt.engine.InjectSensoryWithPotentials(batch)
			bursts := make([]npu.BurstStats, 0, count)
			for range count {
				if err := runner.Tick(); err != nil {
					return fmt.Errorf("burst %d failed: %w", rt.engine.Timestep()+1, err)
				}
				bursts = append(bursts, runner.Stats().Last)
			}

			if save {
				if _, err := rt.saveConnectome(ctx, map[string]string{
					"saved_by": "step",
					"timestep": strconv.FormatUint(rt.engine.Timestep(), 10),
				}); err != nil {
					return err
				}
			}

			if jsonOut {
				return printJSON(map[string]any{
					"injected": accepted,
					"dropped":  len(batch) - accepted,
					"bursts":   bursts,
					"timestep": rt.engine.Timestep(),
				})
			}

			fired := 0
			for _, b := range bursts {
				fired += b.Fired
			}
			fmt.Printf("Ran %d bursts on %s (timestep %d): %d fired\n",
				len(bursts), rt.engine.BackendName(), rt.engine.Timestep(), fired)
			if dropped := len(batch) - accepted; dropped > 0 {
				fmt.Printf("  %d injections dropped (non-finite potential)\n", dropped)
			}
			return nil
		},
	}

	cmd.Flags().StringSlice("inject", nil, "Stage neuron:potential before the first burst (repeatable)")
	cmd.Flags().Bool("save", false, "Write the connectome back to the store afterwards")

	return cmd
}

// parseInjections parses "neuron:potential" pairs.
func parseInjections(specs []string) ([]fire.Injection, error) {
	batch := make([]fire.Injection, 0, len(specs))
	for _, spec := range specs {
		id, pot, ok := strings.Cut(spec, ":")
		if !ok {
			return nil, fmt.Errorf("invalid injection %q: want neuron:potential", spec)
		}
		n, err := strconv.ParseUint(strings.TrimSpace(id), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid injection %q: neuron: %w", spec, err)
		}
		p, err := strconv.ParseFloat(strings.TrimSpace(pot), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid injection %q: potential: %w", spec, err)
		}
		batch = append(batch, fire.Injection{NeuronID: uint32(n), Potential: float32(p)})
	}
	return batch, nil
}
