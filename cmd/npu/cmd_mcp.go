package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/nvandessel/burstnpu/internal/backend"
	"github.com/nvandessel/burstnpu/internal/burst"
	"github.com/nvandessel/burstnpu/internal/mcp"
	"github.com/spf13/cobra"
)

func newMCPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve NPU tools over MCP on stdio",
		Long: `Start a Model Context Protocol server on stdin/stdout.

The stored connectome is loaded if there is one. Tools report status, fire
history and backend selection, stage injections and parameter updates,
step the engine and take snapshots. With --run the burst loop runs in the
background while the server is up; npu_step then pauses it.

Tool calls are appended to audit.jsonl in the config directory.

Example MCP client configuration:
  {"command": "npu", "args": ["mcp", "--run"]}`,
		RunE: func(cmd *cobra.Command, args []string) error {
			run, _ := cmd.Flags().GetBool("run")

			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			if _, err := rt.loadConnectome(ctx, true); err != nil {
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
			if run {
				if err := runner.Start(context.WithoutCancel(ctx)); err != nil {
					return fmt.Errorf("failed to start burst loop: %w", err)
				}
				defer func() {
					if err := runner.Stop(); err != nil {
						rt.log.Warn("burst loop did not stop cleanly", "error", err)
					}
				}()
			}

			server, err := mcp.NewServer(&mcp.Config{
				Name:        "burstnpu",
				Version:     version,
				Engine:      rt.engine,
				Runner:      runner,
				Store:       rt.store,
				Backend:     rt.cfg.BackendConfig(),
				Probe:       backend.DefaultProbe,
				SnapshotDir: rt.cfg.Snapshot.Dir,
				Retention:   rt.cfg.Retention(),
				AuditDir:    filepath.Dir(rt.cfg.Store.Path),
				Logger:      rt.log,
			})
			if err != nil {
				return fmt.Errorf("failed to create MCP server: %w", err)
			}
			rt.log.Info("mcp server starting", "loop", runner.State().String(), "store", rt.store.Path())
			return server.Run(ctx)
		},
	}

	cmd.Flags().Bool("run", false, "Run the burst loop while serving")

	return cmd
}
