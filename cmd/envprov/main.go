package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dorcha-inc/envprov/internal/manifest"
	"github.com/dorcha-inc/envprov/internal/provision"
)

var (
	version = "dev"
	// build time date
	buildDate = "unknown"
)

// globalFlags are shared by every subcommand
type globalFlags struct {
	configPath   string
	manifestPath string
	pretty       bool
	jsonOutput   bool
}

// exitError carries a process exit status out of a command whose failure
// has already been reported
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func main() {
	os.Exit(execute(context.Background(), os.Args[1:]))
}

// execute runs the CLI with args and returns the process exit status
func execute(ctx context.Context, args []string) int {
	rootCmd := newRootCmd()
	rootCmd.SetArgs(args)

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return provision.ExitSuccess
	}

	var exit *exitError
	if errors.As(err, &exit) {
		return exit.code
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return provision.ExitUsage
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "envprov",
		Short: "Deterministic tool environment provisioner",
		Long: `envprov provisions a Python tool environment from a declarative manifest.

A run resolves the manifest into an ordered installation plan, upgrades the
package manager, installs every tool in declaration order and verifies that
the requested type stubs resolve. Every run ends in exactly one terminal
result, reported through the exit status:

  0 success            3 backend upgrade failed   6 cancelled
  1 usage or config    4 install failed
  2 resolution failed  5 verification failed`,
		Version:       fmt.Sprintf("%s (built: %s)", version, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		// provisioning is the default when no subcommand is given
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProvision(cmd, flags, false)
		},
	}

	rootCmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "Path to an envprov config file (overrides user and project config)")
	rootCmd.PersistentFlags().StringVarP(&flags.manifestPath, "manifest", "f", manifest.DefaultManifestFileName, "Path to the manifest")
	rootCmd.PersistentFlags().BoolVar(&flags.pretty, "pretty", false, "Use pretty-printed logs instead of JSON")
	rootCmd.PersistentFlags().BoolVar(&flags.jsonOutput, "json", false, "Print results as JSON on stdout")

	rootCmd.AddCommand(newProvisionCmd(flags))
	rootCmd.AddCommand(newVerifyCmd(flags))
	rootCmd.AddCommand(newPlanCmd(flags))
	rootCmd.AddCommand(newHistoryCmd(flags))
	rootCmd.AddCommand(newConfigCmd())

	return rootCmd
}
