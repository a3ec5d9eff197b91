package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/nvandessel/burstnpu/internal/config"
	"github.com/nvandessel/burstnpu/internal/logging"
	"github.com/nvandessel/burstnpu/internal/npu"
	"github.com/nvandessel/burstnpu/internal/plasticity"
	"github.com/nvandessel/burstnpu/internal/store"
	"github.com/spf13/cobra"
)

// loadConfig reads the file named by --config, or the default locations,
// and applies --log-level.
func loadConfig(cmd *cobra.Command) (*config.NPUConfig, error) {
	path, _ := cmd.Flags().GetString("config")
	level, _ := cmd.Flags().GetString("log-level")

	cfg, err := config.LoadPath(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if level != "" {
		cfg.Logging.Level = level
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// runtime bundles what most commands need: the engine, its store and the
// loggers built from config.
type runtime struct {
	cfg    *config.NPUConfig
	log    *slog.Logger
	events *logging.EventLogger
	engine npu.Engine
	store  *store.SQLiteStore
}

// openRuntime opens an empty engine and the store. The stored connectome
// is not loaded; see loadConnectome.
func openRuntime(cmd *cobra.Command) (*runtime, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	jsonOut, _ := cmd.Flags().GetBool("json")

	rt := &runtime{cfg: cfg, log: cfg.Logger(jsonOut)}
	rt.events = logging.NewEventLogger(cfg.Logging.EventsDir, cfg.Logging.Level)

	var sink plasticity.EventSink
	if rt.events != nil {
		sink = rt.events
	}
	rt.engine, err = npu.Open(cfg.Engine(rt.log, sink))
	if err != nil {
		rt.events.Close()
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	rt.store, err = store.Open(cfg.Store.Path)
	if err != nil {
		rt.events.Close()
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return rt, nil
}

// loadConnectome loads the stored topology and the configured plasticity
// mappings and memory areas into the engine. With allowEmpty, an empty store leaves the
// engine empty instead of failing.
func (rt *runtime) loadConnectome(ctx context.Context, allowEmpty bool) (npu.Topology, error) {
	top, err := rt.store.LoadTopology(ctx)
	if errors.Is(err, store.ErrNoConnectome) {
		if allowEmpty {
			return top, nil
		}
		return top, fmt.Errorf("%w in %s (run 'npu synth' or 'npu snapshot restore' first)", err, rt.store.Path())
	}
	if err != nil {
		return top, fmt.Errorf("failed to load connectome: %w", err)
	}
	err = rt.engine.Mutex().Do("load connectome", func() error {
		if err := rt.engine.Load(top); err != nil {
			return err
		}
		for _, m := range rt.cfg.Plasticity {
			if err := rt.engine.RegisterPlasticity(m); err != nil {
				return err
			}
		}
		for _, a := range rt.cfg.Memory {
			if err := rt.engine.RegisterMemoryArea(a); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return top, fmt.Errorf("failed to load connectome: %w", err)
	}
	return top, nil
}

// saveConnectome writes the engine's current topology back to the store.
func (rt *runtime) saveConnectome(ctx context.Context, meta map[string]string) (npu.Topology, error) {
	var top npu.Topology
	if err := rt.engine.Mutex().Do("export connectome", func() error {
		top = rt.engine.Export()
		return nil
	}); err != nil {
		return top, err
	}
	if err := rt.store.SaveTopology(ctx, top, meta); err != nil {
		return top, fmt.Errorf("failed to save connectome: %w", err)
	}
	return top, nil
}

func (rt *runtime) status() (npu.Status, error) {
	var st npu.Status
	err := rt.engine.Mutex().Do("status", func() error {
		st = rt.engine.Status()
		return nil
	})
	return st, err
}

func (rt *runtime) Close() error {
	rt.events.Close()
	if rt.store != nil {
		return rt.store.Close()
	}
	return nil
}

// printJSON writes v to stdout as one JSON document.
func printJSON(v any) error {
	return json.NewEncoder(os.Stdout).Encode(v)
}
