package main

import (
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/dorcha-inc/envprov/internal/config"
	"github.com/dorcha-inc/envprov/internal/core"
)

// newConfigCmd creates the config command
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and change envprov configuration",
		Long: `Inspect and change envprov configuration. Values come from, in order of
precedence: ENVPROV_* environment variables, the project config
(./` + config.ProjectConfigFileName + `), the user config (~/.envprov/config.yaml) and built-in
defaults.`,
	}

	cmd.AddCommand(newConfigGetCmd())
	cmd.AddCommand(newConfigSetCmd())
	cmd.AddCommand(newConfigListCmd())

	return cmd
}

func newConfigGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get KEY",
		Short: "Print one configuration value and where it comes from",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := config.GetConfigValue(args[0])
			if err != nil {
				return err
			}
			printConfigValue(os.Stdout, args[0], value)
			return nil
		},
	}
}

func newConfigSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Set a configuration value",
		Long: `Set a configuration value. The project config is updated when it exists,
otherwise the user config. The value is validated before it is written.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.SetConfigValue(args[0], args[1]); err != nil {
				return err
			}
			core.MustFprintf(os.Stdout, "%s = %s\n", args[0], args[1])
			return nil
		},
	}
}

func newConfigListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every configuration value and where it comes from",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := config.ListConfig()
			if err != nil {
				return err
			}

			keys := make([]string, 0, len(values))
			for key := range values {
				keys = append(keys, key)
			}
			slices.Sort(keys)

			for _, key := range keys {
				printConfigValue(os.Stdout, key, values[key])
			}
			return nil
		},
	}
}

func printConfigValue(w io.Writer, key string, value *config.ConfigValue) {
	core.MustFprintf(w, "%s = %s (%s)\n", key, fmt.Sprint(value.Value), value.Source)
}
