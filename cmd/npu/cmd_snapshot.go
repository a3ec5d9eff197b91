package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nvandessel/burstnpu/internal/snapshot"
	"github.com/nvandessel/burstnpu/internal/store"
	"github.com/spf13/cobra"
)

func newSnapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Save, restore and inspect connectome snapshots",
		Long: `Snapshots are checksummed, compressed copies of the stored connectome.

Default location: ~/.burstnpu/snapshots/npu-snapshot-YYYYMMDD-HHMMSS.mmm.npus
Snapshots are pruned according to the snapshot retention settings.

Examples:
  npu snapshot save                          # Snapshot to default location
  npu snapshot save --label reason=tuning    # Attach metadata
  npu snapshot restore <file> --force        # Replace the stored connectome
  npu snapshot list                          # List snapshots
  npu snapshot verify <file>                 # Verify checksum`,
	}

	cmd.AddCommand(
		newSnapshotSaveCmd(),
		newSnapshotRestoreCmd(),
		newSnapshotListCmd(),
		newSnapshotVerifyCmd(),
	)

	return cmd
}

func newSnapshotSaveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "save",
		Short: "Snapshot the stored connectome",
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			outputPath, _ := cmd.Flags().GetString("output")
			labels, _ := cmd.Flags().GetStringToString("label")

			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			if _, err := rt.loadConnectome(context.Background(), false); err != nil {
				return err
			}

			dir := rt.cfg.Snapshot.Dir
			if outputPath == "" {
				outputPath = filepath.Join(dir, snapshot.FileName(time.Now()))
			} else if !filepath.IsAbs(outputPath) {
				outputPath = filepath.Join(dir, outputPath)
			}
			if err := os.MkdirAll(filepath.Dir(outputPath), 0700); err != nil {
				return fmt.Errorf("failed to create snapshot directory: %w", err)
			}

			h, err := snapshot.Save(rt.engine, outputPath, labels)
			if err != nil {
				return fmt.Errorf("snapshot failed: %w", err)
			}

			// Apply retention policy
			var pruned []string
			if policy := rt.cfg.Retention(); policy != nil && filepath.Dir(outputPath) == filepath.Clean(dir) {
				if pruned, err = snapshot.Prune(dir, policy); err != nil {
					fmt.Fprintf(os.Stderr, "warning: failed to apply retention: %v\n", err)
				}
			}

			var sizeBytes int64
			if info, err := os.Stat(outputPath); err == nil {
				sizeBytes = info.Size()
			}
			if jsonOut {
				return printJSON(map[string]any{
					"path":       outputPath,
					"timestep":   h.Timestep,
					"areas":      h.Areas,
					"neurons":    h.Neurons,
					"synapses":   h.Synapses,
					"checksum":   h.Checksum,
					"size_bytes": sizeBytes,
					"pruned":     pruned,
				})
			}
			fmt.Printf("Snapshot created: %d areas, %d neurons, %d synapses (%s)\n",
				h.Areas, h.Neurons, h.Synapses, formatBytes(sizeBytes))
			fmt.Printf("  Path: %s\n", outputPath)
			if len(pruned) > 0 {
				fmt.Printf("  Pruned %d old snapshots\n", len(pruned))
			}
			return nil
		},
	}

	cmd.Flags().String("output", "", "Output file path (default: auto-generated in snapshot.dir)")
	cmd.Flags().StringToString("label", nil, "Metadata stored in the snapshot header (key=value)")

	return cmd
}

func newSnapshotRestoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore <file>",
		Short: "Replace the stored connectome with a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			force, _ := cmd.Flags().GetBool("force")
			path := args[0]

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

			// The engine is empty; the snapshot is loaded into it and then
			// written over the stored connectome.
			h, err := snapshot.Restore(rt.engine, path)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}
			meta := map[string]string{
				"restored_from": filepath.Base(path),
				"timestep":      fmt.Sprintf("%d", h.Timestep),
			}
			for k, v := range h.Metadata {
				meta["snapshot."+k] = v
			}
			top, err := rt.saveConnectome(ctx, meta)
			if err != nil {
				return err
			}

			if jsonOut {
				return printJSON(map[string]any{
					"path":       path,
					"timestep":   h.Timestep,
					"created_at": h.CreatedAt,
					"areas":      len(top.Areas),
					"neurons":    len(top.Neurons),
					"synapses":   len(top.Synapses),
				})
			}
			fmt.Printf("Restored %d areas, %d neurons, %d synapses from %s\n",
				len(top.Areas), len(top.Neurons), len(top.Synapses), filepath.Base(path))
			fmt.Printf("  Snapshot taken %s at timestep %d\n", h.CreatedAt.Format("2006-01-02 15:04"), h.Timestep)
			return nil
		},
	}

	cmd.Flags().Bool("force", false, "Replace an existing stored connectome")

	return cmd
}

func newSnapshotListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List snapshots with metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			dir := cfg.Snapshot.Dir
			snaps, err := snapshot.List(dir)
			if err != nil {
				return fmt.Errorf("failed to list snapshots: %w", err)
			}

			if jsonOut {
				if snaps == nil {
					snaps = []snapshot.Info{}
				}
				return printJSON(map[string]any{
					"snapshots":   snaps,
					"total_count": len(snaps),
					"directory":   dir,
				})
			}

			if len(snaps) == 0 {
				fmt.Printf("No snapshots found in %s\n", dir)
				return nil
			}
			fmt.Printf("Snapshots in %s:\n", dir)
			var totalSize int64
			for _, s := range snaps {
				totalSize += s.Size
				fmt.Printf("  %s  timestep %-8d %8d neurons  %s  %s\n",
					s.CreatedAt.Local().Format("2006-01-02 15:04"),
					s.Timestep,
					s.Neurons,
					formatBytes(s.Size),
					filepath.Base(s.Path),
				)
			}
			fmt.Printf("Total: %d snapshots, %s\n", len(snaps), formatBytes(totalSize))
			return nil
		},
	}
}

func newSnapshotVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <file>",
		Short: "Verify a snapshot's checksum",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			path := args[0]

			err := snapshot.Verify(path)
			if jsonOut {
				out := map[string]any{"path": path, "valid": err == nil}
				if err != nil {
					out["error"] = err.Error()
				}
				if perr := printJSON(out); perr != nil {
					return perr
				}
				return err
			}
			if err != nil {
				return fmt.Errorf("verification failed: %w", err)
			}
			fmt.Printf("Snapshot %s: OK\n", filepath.Base(path))
			return nil
		},
	}
}

// formatBytes formats a byte count as a human-readable string.
func formatBytes(b int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case b >= gb:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.1f KB", float64(b)/float64(kb))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
