package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/nvandessel/burstnpu/internal/backend"
	"github.com/nvandessel/burstnpu/internal/config"
	"github.com/nvandessel/burstnpu/internal/store"
	"github.com/spf13/cobra"
)

// backendReport is the output of select-backend.
type backendReport struct {
	Neurons      int              `json:"neurons"`
	Synapses     int              `json:"synapses"`
	FiringRate   float64          `json:"firing_rate"`
	Decision     backend.Decision `json:"decision"`
	WGPU         bool             `json:"wgpu_available"`
	CUDA         bool             `json:"cuda_available"`
	LogicalCores int              `json:"logical_cores"`
}

func newSelectBackendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "select-backend",
		Short: "Report which compute backend a genome would run on",
		Long: `Run backend selection for a genome size without loading it.

With no sizes given, the stored connectome is counted. Thresholds come from
the backend and gpu config sections.

Examples:
  npu select-backend                                # Stored connectome
  npu select-backend --neurons 2000000 --synapses 300000000
  npu select-backend --neurons 500000 --firing-rate 0.01`,
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			neurons, _ := cmd.Flags().GetInt("neurons")
			synapses, _ := cmd.Flags().GetInt("synapses")
			rate, _ := cmd.Flags().GetFloat64("firing-rate")

			if neurons < 0 || synapses < 0 {
				return fmt.Errorf("--neurons and --synapses must be non-negative")
			}
			if rate <= 0 || rate > 1 {
				return fmt.Errorf("--firing-rate must be in (0, 1], got %g", rate)
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if neurons == 0 && synapses == 0 {
				if neurons, synapses, err = storedSize(cfg); err != nil {
					return err
				}
			}

			report := selectBackend(cfg, neurons, synapses, rate, backend.DefaultProbe)
			if jsonOut {
				return printJSON(report)
			}

			fmt.Printf("Genome: %d neurons, %d synapses (firing rate %.2f)\n", report.Neurons, report.Synapses, report.FiringRate)
			fmt.Printf("Backend: %s\n", report.Decision.Type)
			fmt.Printf("  Reason: %s\n", report.Decision.Reason)
			if report.Decision.EstimatedSpeedup > 0 {
				fmt.Printf("  Estimated speedup: %.1fx\n", report.Decision.EstimatedSpeedup)
			}
			fmt.Printf("Devices: wgpu=%v cuda=%v, %d logical cores\n", report.WGPU, report.CUDA, report.LogicalCores)
			return nil
		},
	}

	cmd.Flags().Int("neurons", 0, "Neuron count (default: stored connectome)")
	cmd.Flags().Int("synapses", 0, "Synapse count (default: stored connectome)")
	cmd.Flags().Float64("firing-rate", 1, "Fraction of neurons firing per burst")

	return cmd
}

func selectBackend(cfg *config.NPUConfig, neurons, synapses int, rate float64, probe backend.Probe) backendReport {
	caps := backend.Capabilities(probe)
	return backendReport{
		Neurons:      neurons,
		Synapses:     synapses,
		FiringRate:   rate,
		Decision:     backend.SelectWithActivity(neurons, synapses, rate, cfg.BackendConfig(), caps),
		WGPU:         caps.WGPU,
		CUDA:         caps.CUDA,
		LogicalCores: backend.LogicalCores(),
	}
}

// storedSize counts the stored connectome without building an engine.
func storedSize(cfg *config.NPUConfig) (int, int, error) {
	s, err := store.Open(cfg.Store.Path)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open store: %w", err)
	}
	defer s.Close()
	top, err := s.LoadTopology(context.Background())
	if errors.Is(err, store.ErrNoConnectome) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("failed to load connectome: %w", err)
	}
	return len(top.Neurons), len(top.Synapses), nil
}
