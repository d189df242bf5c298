package manifest

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/mod/semver"
)

// VersionConstraintLatest is the keyword for an unconstrained requirement
const VersionConstraintLatest = "latest"

// ConstraintKind says how a requirement's version is pinned
type ConstraintKind string

// ConstraintKind constants
const (
	ConstraintLatest  ConstraintKind = "latest"
	ConstraintExact   ConstraintKind = "exact"
	ConstraintMinimum ConstraintKind = "minimum"
)

const (
	opExact   = "=="
	opMinimum = ">="
)

var versionPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+){0,2}(-[0-9A-Za-z.-]+)?$`)

// VersionConstraint is a parsed per-tool version constraint
type VersionConstraint struct {
	Kind    ConstraintKind
	Version string // without operator or "v" prefix; empty for ConstraintLatest
}

// String renders the constraint in the form backends accept (e.g. "==1.8.0").
// Unconstrained requirements render as the empty string.
func (c VersionConstraint) String() string {
	switch c.Kind {
	case ConstraintExact:
		return opExact + c.Version
	case ConstraintMinimum:
		return opMinimum + c.Version
	default:
		return ""
	}
}

// Display renders the constraint for humans
func (c VersionConstraint) Display() string {
	if c.Kind == ConstraintLatest || c.Kind == "" {
		return VersionConstraintLatest
	}
	return c.String()
}

// SatisfiedBy reports whether an installed version meets the constraint.
// Unconstrained requirements are satisfied by any installed version.
func (c VersionConstraint) SatisfiedBy(installed string) bool {
	installed = strings.TrimSpace(installed)
	if installed == "" {
		return false
	}

	switch c.Kind {
	case ConstraintExact:
		if installed == c.Version {
			return true
		}
		if !isValidVersion(installed) {
			return false
		}
		return semver.Compare(canonical(installed), canonical(c.Version)) == 0
	case ConstraintMinimum:
		if !isValidVersion(installed) {
			return false
		}
		return semver.Compare(canonical(installed), canonical(c.Version)) >= 0
	default:
		return true
	}
}

// ParseVersionConstraint parses "", "latest", "X.Y.Z", "==X.Y.Z" or ">=X.Y.Z"
func ParseVersionConstraint(raw string) (VersionConstraint, error) {
	value := strings.TrimSpace(raw)
	if value == "" || strings.EqualFold(value, VersionConstraintLatest) {
		return VersionConstraint{Kind: ConstraintLatest}, nil
	}

	kind := ConstraintExact
	switch {
	case strings.HasPrefix(value, opMinimum):
		kind = ConstraintMinimum
		value = strings.TrimSpace(strings.TrimPrefix(value, opMinimum))
	case strings.HasPrefix(value, opExact):
		value = strings.TrimSpace(strings.TrimPrefix(value, opExact))
	}

	if !isValidVersion(value) {
		return VersionConstraint{}, fmt.Errorf("'%s' is not a valid version constraint (expected latest, X.Y.Z, ==X.Y.Z or >=X.Y.Z)", raw)
	}

	return VersionConstraint{Kind: kind, Version: value}, nil
}

// isValidVersion checks the manifest version grammar: up to three numeric
// components with an optional pre-release suffix, accepted by semver.
func isValidVersion(v string) bool {
	if !versionPattern.MatchString(v) {
		return false
	}
	return semver.IsValid(canonical(v))
}

func canonical(v string) string {
	return "v" + strings.TrimPrefix(v, "v")
}

// RuntimeSpec identifies the base runtime the environment is built on
type RuntimeSpec struct {
	Name       string
	Version    string // as declared, e.g. "3.12" or ">=3.10"
	constraint VersionConstraint
}

// ParseRuntimeSpec validates the runtime version against the version grammar.
// Runtime versions are exact (component prefix match) or ">=" ranges.
func ParseRuntimeSpec(name, version string) (RuntimeSpec, error) {
	trimmed := strings.TrimSpace(version)
	if trimmed == "" || strings.EqualFold(trimmed, VersionConstraintLatest) {
		return RuntimeSpec{}, fmt.Errorf("runtime version is required and must be a concrete version or >= range")
	}

	constraint, err := ParseVersionConstraint(trimmed)
	if err != nil {
		return RuntimeSpec{}, err
	}

	return RuntimeSpec{
		Name:       strings.TrimSpace(name),
		Version:    trimmed,
		constraint: constraint,
	}, nil
}

// Constraint returns the parsed runtime version constraint
func (r RuntimeSpec) Constraint() VersionConstraint {
	return r.constraint
}

var reportedVersionPattern = regexp.MustCompile(`[0-9]+(\.[0-9]+){0,2}`)

// Matches reports whether a version reported by the runtime (e.g. "Python 3.12.1")
// satisfies r. An exact version matches on the components it declares, so
// "3.12" matches "3.12.1" but not "3.13.0".
func (r RuntimeSpec) Matches(reported string) bool {
	actual := reportedVersionPattern.FindString(reported)
	if actual == "" {
		return false
	}

	switch r.constraint.Kind {
	case ConstraintMinimum:
		return semver.Compare(canonical(actual), canonical(r.constraint.Version)) >= 0
	case ConstraintExact:
		declared := strings.Split(semver.Canonical(canonical(r.constraint.Version)), ".")
		got := strings.Split(semver.Canonical(canonical(actual)), ".")
		want := len(strings.Split(strings.SplitN(r.constraint.Version, "-", 2)[0], "."))
		for i := 0; i < want && i < len(declared) && i < len(got); i++ {
			if strings.TrimPrefix(declared[i], "v") != strings.TrimPrefix(got[i], "v") {
				return false
			}
		}
		return true
	default:
		return true
	}
}
