package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/nvandessel/burstnpu/internal/store"
	"github.com/spf13/cobra"
)

func newSynthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "synth",
		Short: "Generate a synthetic connectome into the store",
		Long: `Build a layered feed-forward network and store it as the connectome.

Layer 0 is an input area, the last layer an output area and the layers in
between are custom areas. Every neuron connects to --fan-out random
neurons of the next layer. Generation is deterministic for a given seed.

Examples:
  npu synth                                   # 3 layers of 100 neurons
  npu synth --layers 5 --width 10000 --fan-out 50 --force
  npu synth --stdp --power-neurons 4          # Plastic chain driven by power`,
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			force, _ := cmd.Flags().GetBool("force")

			o := defaultSynthOptions()
			o.Layers, _ = cmd.Flags().GetInt("layers")
			o.Width, _ = cmd.Flags().GetInt("width")
			o.FanOut, _ = cmd.Flags().GetInt("fan-out")
			o.Inhibitory, _ = cmd.Flags().GetFloat64("inhibitory")
			o.PowerNeurons, _ = cmd.Flags().GetInt("power-neurons")
			o.Window, _ = cmd.Flags().GetInt("window")
			o.STDP, _ = cmd.Flags().GetBool("stdp")
			o.Seed, _ = cmd.Flags().GetUint64("seed")

			top, err := synthesize(o)
			if err != nil {
				return fmt.Errorf("invalid genome options: %w", err)
			}

			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx := context.Background()
			if _, err := rt.store.LoadTopology(ctx); err == nil && !force {
				return fmt.Errorf("%s already holds a connectome; use --force to replace it", rt.store.Path())
			} else if err != nil && !errors.Is(err, store.ErrNoConnectome) {
				return fmt.Errorf("failed to read stored connectome: %w", err)
			}

			// Loading into an engine checks capacities and parameters
			// before anything is written.
			if err := rt.engine.Mutex().Do("synth", func() error {
				return rt.engine.Load(top)
			}); err != nil {
				return fmt.Errorf("generated genome rejected: %w", err)
			}
			saved, err := rt.saveConnectome(ctx, map[string]string{
				"generator": "synth",
				"seed":      strconv.FormatUint(o.Seed, 10),
				"layers":    strconv.Itoa(o.Layers),
				"width":     strconv.Itoa(o.Width),
				"fan_out":   strconv.Itoa(o.FanOut),
			})
			if err != nil {
				return err
			}
			st, err := rt.status()
			if err != nil {
				return err
			}

			if jsonOut {
				return printJSON(map[string]any{
					"store":      rt.store.Path(),
					"areas":      len(saved.Areas),
					"neurons":    len(saved.Neurons),
					"synapses":   len(saved.Synapses),
					"plasticity": len(saved.Plasticity),
					"backend":    st.Decision,
				})
			}
			fmt.Printf("Stored %d areas, %d neurons, %d synapses in %s\n",
				len(saved.Areas), len(saved.Neurons), len(saved.Synapses), rt.store.Path())
			if len(saved.Plasticity) > 0 {
				fmt.Printf("  %d plasticity mappings\n", len(saved.Plasticity))
			}
			fmt.Printf("  Backend: %s (%s)\n", st.Decision.Type, st.Decision.Reason)
			return nil
		},
	}

	d := defaultSynthOptions()
	cmd.Flags().Int("layers", d.Layers, "Number of areas in the chain (2-9)")
	cmd.Flags().Int("width", d.Width, "Neurons per area")
	cmd.Flags().Int("fan-out", d.FanOut, "Synapses from each neuron into the next area")
	cmd.Flags().Float64("inhibitory", d.Inhibitory, "Fraction of inhibitory synapses")
	cmd.Flags().Int("power-neurons", 0, "Power-area neurons wired into the input area")
	cmd.Flags().Int("window", d.Window, "Fire Ledger window of every area")
	cmd.Flags().Bool("stdp", false, "Add STDP between consecutive areas")
	cmd.Flags().Uint64("seed", d.Seed, "Random seed")
	cmd.Flags().Bool("force", false, "Replace an existing stored connectome")

	return cmd
}
