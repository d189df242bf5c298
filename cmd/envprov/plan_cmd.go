package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/dorcha-inc/envprov/internal/core"
	"github.com/dorcha-inc/envprov/internal/manifest"
	"github.com/dorcha-inc/envprov/internal/provision"
	"github.com/dorcha-inc/envprov/internal/tui"
)

// planEntry is the JSON form of one plan requirement
type planEntry struct {
	Index      int    `json:"index"`
	Name       string `json:"name"`
	Constraint string `json:"constraint"`
}

type runtimeJSON struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// planOutput is the JSON form of a plan
type planOutput struct {
	Runtime runtimeJSON `json:"runtime"`
	Tools   []planEntry `json:"tools"`
	Verify  []string    `json:"verify"`
}

// newPlanCmd creates the plan command
func newPlanCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Print the installation plan without touching the environment",
		Long: `Resolve the manifest and print the ordered installation plan. No backend is
contacted; a manifest that fails to resolve exits with status 2.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadManifest(flags.manifestPath)
			if err != nil {
				return err
			}
			return runPlan(os.Stdout, m, flags.jsonOutput)
		},
	}
}

func runPlan(w io.Writer, m *manifest.Manifest, jsonOutput bool) error {
	plan, err := manifest.Resolve(m)
	if err != nil {
		var resErr *manifest.ResolutionError
		if errors.As(err, &resErr) {
			reportFailure(provision.KindResolutionFailed, string(resErr.Kind), resErr.Subject, resErr.Detail)
			return &exitError{code: provision.ExitResolutionFailed, err: err}
		}
		return err
	}

	if jsonOutput {
		runtime := plan.Runtime()
		out := planOutput{
			Runtime: runtimeJSON{Name: runtime.Name, Version: runtime.Version},
			Tools:   make([]planEntry, 0, plan.Len()),
			Verify:  make([]string, 0, len(plan.Verifications())),
		}
		for _, req := range plan.Requirements() {
			out.Tools = append(out.Tools, planEntry{Index: req.Index, Name: req.Name, Constraint: req.Constraint.String()})
		}
		for _, v := range plan.Verifications() {
			out.Verify = append(out.Verify, v.Artifact)
		}

		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(out); err != nil {
			return fmt.Errorf("failed to encode plan: %w", err)
		}
		return nil
	}

	rendered, err := tui.RenderMarkdown(plan.Markdown(), 80)
	if err != nil {
		return fmt.Errorf("failed to render plan: %w", err)
	}
	core.MustFprintf(w, "%s", rendered)
	return nil
}
