package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/nvandessel/burstnpu/internal/burst"
	"github.com/nvandessel/burstnpu/internal/export"
	"github.com/nvandessel/burstnpu/internal/fire"
	"github.com/nvandessel/burstnpu/internal/npu"
	"github.com/spf13/cobra"
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Run bursts and show the Fire Ledger",
		Long: `Load the stored connectome, run a number of bursts and print the fire
history the ledger kept for each tracked area, newest burst first.

Use --arrow to write the history as an Arrow IPC stream instead.

Examples:
  npu history --steps 20 --inject 0:2          # All tracked areas
  npu history --steps 20 --area 2 --lookback 5
  npu history --steps 100 --arrow fires.arrow
  npu history bursts --limit 50                # Recorded burst statistics`,
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			steps, _ := cmd.Flags().GetInt("steps")
			specs, _ := cmd.Flags().GetStringSlice("inject")
			area, _ := cmd.Flags().GetInt("area")
			lookback, _ := cmd.Flags().GetInt("lookback")
			arrowOut, _ := cmd.Flags().GetString("arrow")

			if steps < 0 || lookback < 0 {
				return fmt.Errorf("--steps and --lookback must be non-negative")
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

			if _, err := rt.loadConnectome(context.Background(), false); err != nil {
				return err
			}
			// History runs are exploratory and are not recorded.
			runner, err := burst.NewRunner(rt.engine, burst.Options{Logger: rt.log, Events: rt.events})
			if err != nil {
				return err
			}
			rt.engine.InjectSensoryWithPotentials(batch)
			for range steps {
				if err := runner.Tick(); err != nil {
					return err
				}
			}

			hist := export.CollectHistory(rt.engine, lookback)
			if area >= 0 {
				hist, err = selectArea(rt.engine, hist, uint32(area))
				if err != nil {
					return err
				}
			}

			if arrowOut != "" {
				f, err := os.Create(arrowOut)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", arrowOut, err)
				}
				rows, err := export.WriteHistory(f, hist)
				if cerr := f.Close(); err == nil {
					err = cerr
				}
				if err != nil {
					return err
				}
				if jsonOut {
					return printJSON(map[string]any{"path": arrowOut, "rows": rows, "areas": len(hist)})
				}
				fmt.Printf("Wrote %d frames of %d areas to %s\n", rows, len(hist), arrowOut)
				return nil
			}

			if jsonOut {
				return printJSON(historyJSON(hist))
			}
			printHistory(hist)
			return nil
		},
	}

	cmd.Flags().Int("steps", 0, "Bursts to run before reading the ledger")
	cmd.Flags().StringSlice("inject", nil, "Stage neuron:potential before the first burst (repeatable)")
	cmd.Flags().Int("area", -1, "Only show this area index (default: every tracked area)")
	cmd.Flags().Int("lookback", 0, "Frames per area (default: the area's window)")
	cmd.Flags().String("arrow", "", "Write an Arrow IPC stream to this file")

	cmd.AddCommand(newHistoryBurstsCmd())

	return cmd
}

// selectArea narrows hist to one area. An area that is registered but not
// tracked yields an empty history.
func selectArea(e npu.Engine, hist []export.AreaHistory, area uint32) ([]export.AreaHistory, error) {
	for _, h := range hist {
		if h.Area == area {
			return []export.AreaHistory{h}, nil
		}
	}
	id, ok := e.Areas().ID(area)
	if !ok {
		return nil, fmt.Errorf("area %d: %w", area, npu.ErrUnknownArea)
	}
	return []export.AreaHistory{{Area: area, ID: id}}, nil
}

type historyArea struct {
	Area       uint32       `json:"area"`
	CorticalID string       `json:"cortical_id"`
	Frames     []fire.Frame `json:"frames"`
}

func historyJSON(hist []export.AreaHistory) []historyArea {
	out := make([]historyArea, 0, len(hist))
	for _, h := range hist {
		frames := h.Frames
		if frames == nil {
			frames = []fire.Frame{}
		}
		out = append(out, historyArea{Area: h.Area, CorticalID: h.ID.Base64(), Frames: frames})
	}
	return out
}

func printHistory(hist []export.AreaHistory) {
	if len(hist) == 0 {
		fmt.Println("No tracked areas.")
		return
	}
	for _, h := range hist {
		fmt.Printf("Area %d %s (%s): %d frames\n", h.Area, h.ID.Name(), h.ID, len(h.Frames))
		for _, f := range h.Frames {
			fmt.Printf("  %8d  %s\n", f.Timestep, formatIDs(f.NeuronIDs, 16))
		}
	}
}

// formatIDs joins up to limit IDs, summarizing the rest.
func formatIDs(ids []uint32, limit int) string {
	if len(ids) == 0 {
		return "-"
	}
	var b strings.Builder
	for i, id := range ids {
		if i == limit {
			fmt.Fprintf(&b, " ... (+%d)", len(ids)-limit)
			break
		}
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%d", id)
	}
	return b.String()
}

func newHistoryBurstsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bursts",
		Short: "Show burst statistics recorded by run",
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			after, _ := cmd.Flags().GetUint64("after")
			limit, _ := cmd.Flags().GetInt("limit")
			arrowOut, _ := cmd.Flags().GetString("arrow")

			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx := context.Background()
			recs, err := rt.store.Bursts(ctx, after, limit)
			if err != nil {
				return err
			}

			if arrowOut != "" {
				f, err := os.Create(arrowOut)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", arrowOut, err)
				}
				err = export.WriteBursts(f, recs)
				if cerr := f.Close(); err == nil {
					err = cerr
				}
				if err != nil {
					return err
				}
				fmt.Printf("Wrote %d bursts to %s\n", len(recs), arrowOut)
				return nil
			}

			summary, err := rt.store.Summary(ctx)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(map[string]any{"summary": summary, "bursts": recs})
			}

			fmt.Printf("%d bursts recorded (timesteps %d-%d), mean %.1f fired in %v\n",
				summary.Bursts, summary.First, summary.Last, summary.MeanFired, summary.MeanDuration)
			if len(recs) == 0 {
				return nil
			}
			fmt.Println()
			fmt.Printf("%10s %10s %8s %10s %12s  %s\n", "TIMESTEP", "PROCESSED", "FIRED", "REFRACTORY", "DURATION", "BACKEND")
			for _, r := range recs {
				fmt.Printf("%10d %10d %8d %10d %12v  %s\n", r.Timestep, r.Processed, r.Fired, r.Refractory, r.Duration, r.Backend)
			}
			return nil
		},
	}

	cmd.Flags().Uint64("after", 0, "Only bursts after this timestep")
	cmd.Flags().Int("limit", 100, "Maximum bursts to show (0 for all)")
	cmd.Flags().String("arrow", "", "Write an Arrow IPC stream to this file")

	return cmd
}
