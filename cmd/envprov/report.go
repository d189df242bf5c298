package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dorcha-inc/envprov/internal/core"
	"github.com/dorcha-inc/envprov/internal/provision"
	"github.com/dorcha-inc/envprov/internal/tui"
)

// failureLine renders "<Kind>(<reason>): <subject>: <detail>", dropping empty
// parts. reason is the specific resolution error or the install cause.
func failureLine(kind provision.Kind, reason, subject, detail string) string {
	heading := string(kind)
	if reason != "" {
		heading = fmt.Sprintf("%s(%s)", kind, reason)
	}
	parts := []string{heading}
	for _, p := range []string{subject, detail} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ": ")
}

// reportFailure prints the single failure line to stderr
func reportFailure(kind provision.Kind, reason, subject, detail string) {
	core.MustFprintf(os.Stderr, "envprov: %s\n", failureLine(kind, reason, subject, detail))
}

// resultReason is the Reason of a failed result, or its Cause when only that is set
func resultReason(result *provision.Result) string {
	if result.Reason != "" {
		return result.Reason
	}
	return string(result.Cause)
}

// printResult writes the result as JSON, or a human summary of the tool
// outcomes on stderr
func printResult(w io.Writer, jsonOutput bool, result *provision.Result) error {
	if jsonOutput {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(result); err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
		return nil
	}

	for _, tool := range result.Tools {
		switch tool.Status {
		case provision.ToolInstalled:
			tui.Info("  + %s %s\n", tool.Name, tool.Constraint)
		case provision.ToolSatisfied:
			tui.Info("  = %s %s (already satisfied)\n", tool.Name, tool.Constraint)
		case provision.ToolFailed:
			tui.Info("  x %s %s (%d attempts)\n", tool.Name, tool.Constraint, tool.Attempts)
		}
	}

	if result.Success() {
		tui.Info("Provisioned %d tools and verified %d artifacts in %s (run %s)\n",
			len(result.Tools), len(result.Verified), result.Duration().Round(time.Millisecond), result.RunID)
	}
	return nil
}
