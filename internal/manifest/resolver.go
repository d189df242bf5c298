package manifest

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/agnivade/levenshtein"
	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"
)

var (
	toolNamePattern      = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)
	nameSeparatorPattern = regexp.MustCompile(`[-_.]+`)
)

// nearDuplicateDistance is the Levenshtein distance at which two declared
// names are reported as a likely typo
const nearDuplicateDistance = 1

// ToolRequirement is a normalized tool name plus its version constraint.
// Index is the position in the installation plan (declaration order).
type ToolRequirement struct {
	Index      int
	Name       string
	Constraint VersionConstraint
}

// Spec renders the requirement the way package managers accept it, e.g. "mypy>=1.8.0"
func (r ToolRequirement) Spec() string {
	return r.Name + r.Constraint.String()
}

// VerificationRequest names an artifact whose type stubs must resolve after install
type VerificationRequest struct {
	Artifact string
}

// InstallationPlan is the resolved, immutable form of a manifest
type InstallationPlan struct {
	runtime       RuntimeSpec
	requirements  []ToolRequirement
	verifications []VerificationRequest
}

// Runtime returns the resolved runtime spec
func (p *InstallationPlan) Runtime() RuntimeSpec {
	return p.runtime
}

// Requirements returns a copy of the requirements in plan order
func (p *InstallationPlan) Requirements() []ToolRequirement {
	return slices.Clone(p.requirements)
}

// Verifications returns a copy of the verification requests
func (p *InstallationPlan) Verifications() []VerificationRequest {
	return slices.Clone(p.verifications)
}

// Len returns the number of tool requirements
func (p *InstallationPlan) Len() int {
	return len(p.requirements)
}

// Markdown renders the plan as a markdown document
func (p *InstallationPlan) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Installation plan\n\nRuntime: **%s %s**\n\n", p.runtime.Name, p.runtime.Version)

	if len(p.requirements) == 0 {
		b.WriteString("No tools declared.\n")
	} else {
		b.WriteString("| # | Tool | Constraint |\n|---|---|---|\n")
		for _, req := range p.requirements {
			fmt.Fprintf(&b, "| %d | %s | %s |\n", req.Index+1, req.Name, req.Constraint.Display())
		}
	}

	if len(p.verifications) > 0 {
		b.WriteString("\n## Verification\n\n")
		for _, v := range p.verifications {
			fmt.Fprintf(&b, "- stubs for `%s`\n", v.Artifact)
		}
	}

	return b.String()
}

// NormalizeName trims, lowercases and folds runs of "-", "_" and "." into a
// single "-", so "Flake8", " flake8 " and "FLAKE8" collide.
func NormalizeName(name string) string {
	return nameSeparatorPattern.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
}

// Resolve turns a manifest into an installation plan. It is a pure function:
// the plan preserves declaration order and any duplicate (after
// normalization) is an error, never deduplicated.
func Resolve(manifest *Manifest) (*InstallationPlan, error) {
	if manifest == nil {
		return nil, &ResolutionError{Kind: KindInvalidManifest, Detail: "manifest is required"}
	}

	if err := ValidateManifest(manifest); err != nil {
		return nil, err
	}

	runtime, err := ParseRuntimeSpec(manifest.Runtime.Name, manifest.Runtime.Version)
	if err != nil {
		return nil, &ResolutionError{Kind: KindInvalidRuntimeVersion, Subject: manifest.Runtime.Name, Detail: err.Error()}
	}

	requirements := make([]ToolRequirement, 0, len(manifest.Tools))
	positions := make(map[string]int, len(manifest.Tools))

	for i, decl := range manifest.Tools {
		name := NormalizeName(decl.Name)
		if err := validate.Var(name, "required,toolname"); err != nil {
			return nil, &ResolutionError{
				Kind:    KindInvalidToolName,
				Subject: decl.Name,
				Detail:  fmt.Sprintf("tool #%d must be non-empty and contain only letters, digits, '-', '_' or '.'", i+1),
			}
		}

		if first, seen := positions[name]; seen {
			return nil, &ResolutionError{
				Kind:    KindDuplicateToolRequirement,
				Subject: name,
				Detail:  fmt.Sprintf("declared as tool #%d and tool #%d", first+1, i+1),
			}
		}

		constraint, err := ParseVersionConstraint(decl.Version)
		if err != nil {
			return nil, &ResolutionError{Kind: KindInvalidVersionConstraint, Subject: name, Detail: err.Error()}
		}

		warnNearDuplicate(name, requirements)

		positions[name] = i
		requirements = append(requirements, ToolRequirement{
			Index:      i,
			Name:       name,
			Constraint: constraint,
		})
	}

	artifacts := mapset.NewThreadUnsafeSet[string]()
	verifications := make([]VerificationRequest, 0, len(manifest.Verify))
	for _, raw := range manifest.Verify {
		artifact := NormalizeName(raw)
		if err := validate.Var(artifact, "required,toolname"); err != nil {
			return nil, &ResolutionError{
				Kind:    KindInvalidArtifactName,
				Subject: raw,
				Detail:  "verification artifact must be a non-empty package name",
			}
		}
		// requests are a set; repeating one is harmless
		if !artifacts.Add(artifact) {
			continue
		}
		verifications = append(verifications, VerificationRequest{Artifact: artifact})
	}

	return &InstallationPlan{
		runtime:       runtime,
		requirements:  requirements,
		verifications: verifications,
	}, nil
}

func warnNearDuplicate(name string, previous []ToolRequirement) {
	for _, req := range previous {
		if levenshtein.ComputeDistance(name, req.Name) <= nearDuplicateDistance {
			zap.L().Warn("Tool names differ by a single character, check for a typo",
				zap.String("tool", name),
				zap.String("similar_to", req.Name))
			return
		}
	}
}
