package main

import (
	"fmt"
	"os"

	"github.com/nvandessel/burstnpu/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage npu configuration",
		Long: `View and modify npu configuration settings.

Configuration is stored in ~/.burstnpu/config.yaml unless --config names
another file. Keys are YAML paths such as burst.frequency_hz.

Examples:
  npu config init                              # Write the defaults
  npu config show                              # Effective settings
  npu config get burst.frequency_hz            # One setting
  npu config set output.frame_path /dev/shm/npu.frame
  npu config validate`,
	}

	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigGetCmd(),
		newConfigSetCmd(),
		newConfigInitCmd(),
		newConfigValidateCmd(),
	)

	return cmd
}

// configPath returns the file named by --config or the default path.
func configPath(cmd *cobra.Command) string {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		return path
	}
	return config.DefaultPath()
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Long:  `Show the configuration after defaults, the config file and NPU_* environment overrides are applied.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			path, _ := cmd.Flags().GetString("config")

			cfg, err := config.LoadPath(path)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if jsonOut {
				return printJSON(cfg)
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Printf("# %s\n", configPath(cmd))
			_, err = os.Stdout.Write(data)
			return err
		},
	}
}

func newConfigGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Get a configuration value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			path, _ := cmd.Flags().GetString("config")
			key := args[0]

			cfg, err := config.LoadPath(path)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			value, err := cfg.Get(key)
			if err != nil {
				return err
			}

			if jsonOut {
				return printJSON(map[string]any{"key": key, "value": value})
			}
			switch v := value.(type) {
			case nil:
				fmt.Printf("%s = (not set)\n", key)
			case map[string]any, []any:
				data, err := yaml.Marshal(v)
				if err != nil {
					return err
				}
				fmt.Printf("%s:\n%s", key, data)
			default:
				fmt.Printf("%s = %v\n", key, v)
			}
			return nil
		},
	}
}

func newConfigSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			key, value := args[0], args[1]
			path := configPath(cmd)

			// Environment overrides are not written back to the file.
			cfg := config.Default()
			if _, err := os.Stat(path); err == nil {
				if cfg, err = config.LoadFromFile(path); err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
			}

			if err := cfg.Set(key, value); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("refusing to save invalid config: %w", err)
			}
			if err := cfg.Save(path); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}

			if jsonOut {
				return printJSON(map[string]any{
					"status": "updated",
					"key":    key,
					"value":  value,
					"path":   path,
				})
			}
			fmt.Printf("Set %s = %s\n", key, value)
			return nil
		},
	}
}

func newConfigInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			force, _ := cmd.Flags().GetBool("force")
			path := configPath(cmd)

			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite it", path)
			}
			if err := config.Default().Save(path); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}

			if jsonOut {
				return printJSON(map[string]string{"status": "created", "path": path})
			}
			fmt.Printf("Wrote default configuration to %s\n", path)
			return nil
		},
	}

	cmd.Flags().Bool("force", false, "Overwrite an existing config file")

	return cmd
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration for errors",
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			path, _ := cmd.Flags().GetString("config")

			cfg, err := config.LoadPath(path)
			if err == nil {
				err = cfg.Validate()
			}

			if jsonOut {
				out := map[string]any{"path": configPath(cmd), "valid": err == nil}
				if err != nil {
					out["errors"] = splitErrors(err)
				}
				if perr := printJSON(out); perr != nil {
					return perr
				}
				return err
			}
			if err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			fmt.Printf("%s: OK\n", configPath(cmd))
			return nil
		},
	}
}

// splitErrors flattens an errors.Join tree into messages.
func splitErrors(err error) []string {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []string
		for _, e := range joined.Unwrap() {
			out = append(out, splitErrors(e)...)
		}
		return out
	}
	return []string{err.Error()}
}
