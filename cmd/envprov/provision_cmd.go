package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// newProvisionCmd creates the provision command, also run when no
// subcommand is given
func newProvisionCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "provision",
		Short: "Provision the environment described by the manifest",
		Long: `Resolve the manifest, upgrade the package manager, install every tool in
declaration order and verify the requested type stubs.

Tools that are already installed at a satisfying version are skipped, so
running provision twice against the same environment is safe.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProvision(cmd, flags, false)
		},
	}
}

// newVerifyCmd creates the verify command
func newVerifyCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify an already provisioned environment",
		Long: `Resolve the manifest and run only the verification stage, checking that the
type stubs for every artifact listed under verify resolve. Nothing is
installed apart from stubs during remediation.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProvision(cmd, flags, true)
		},
	}
}

// runProvision drives one run and maps its terminal result to the exit status
func runProvision(cmd *cobra.Command, flags *globalFlags, verifyOnly bool) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, flags)
	if err != nil {
		return err
	}
	defer a.close()

	m, err := loadManifest(flags.manifestPath)
	if err != nil {
		return err
	}

	env, err := newTargetEnvironment(a.cfg)
	if err != nil {
		return err
	}

	p := a.provisioner()
	command := "provision"
	result := p.Provision
	if verifyOnly {
		command = "verify"
		result = p.Verify
	}

	res := result(ctx, m, env)
	a.record(ctx, command, flags.manifestPath, res)

	if err := printResult(os.Stdout, flags.jsonOutput, res); err != nil {
		return err
	}
	if !res.Success() {
		reportFailure(res.Kind, resultReason(res), res.Subject, res.Detail)
		return &exitError{code: res.ExitCode(), err: res.Err()}
	}
	return nil
}
