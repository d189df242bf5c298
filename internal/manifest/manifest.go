// Package manifest parses envprov manifests and resolves them into installation plans.
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/dorcha-inc/envprov/internal/core"
)

// DefaultManifestFileName is the manifest looked up when no path is given
const DefaultManifestFileName = "envprov.yaml"

// Manifest is the declarative document describing the desired environment
type Manifest struct {
	Runtime RuntimeDecl `yaml:"runtime"`
	Tools   []ToolDecl  `yaml:"tools,omitempty"`
	Verify  []string    `yaml:"verify,omitempty"`
}

// RuntimeDecl declares the base runtime
type RuntimeDecl struct {
	Name    string `yaml:"name" validate:"required"`
	Version string `yaml:"version"`
}

// ToolDecl declares one tool with an optional version constraint. In YAML it
// is either a mapping {name, version} or a scalar shorthand such as "flake8",
// "mypy>=1.8.0", "poetry==1.8.2" or "black@24.1.0".
type ToolDecl struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version,omitempty"`
}

// UnmarshalYAML accepts both the scalar shorthand and the mapping form
func (t *ToolDecl) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*t = parseToolShorthand(value.Value)
		return nil
	case yaml.MappingNode:
		type plain ToolDecl
		var decoded plain
		if err := value.Decode(&decoded); err != nil {
			return err
		}
		*t = ToolDecl(decoded)
		return nil
	default:
		return fmt.Errorf("line %d: tool entry must be a string or a mapping with name and version", value.Line)
	}
}

// versionOperatorChars start a version operator in "name<op>version"
// shorthand. Operators other than "==" and ">=" are kept so the resolver
// rejects them as constraints rather than as part of the name.
const versionOperatorChars = "~<>!="

func parseToolShorthand(raw string) ToolDecl {
	if i := strings.IndexAny(raw, versionOperatorChars); i >= 0 {
		return ToolDecl{Name: raw[:i], Version: raw[i:]}
	}
	if name, version, found := strings.Cut(raw, "@"); found {
		return ToolDecl{Name: name, Version: version}
	}
	return ToolDecl{Name: raw}
}

// LoadManifest loads and parses a manifest file
func LoadManifest(path string) (*Manifest, error) {
	// Open the containing directory as a root for scoped file access
	root, err := os.OpenRoot(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest directory: %w", err)
	}
	defer core.LogDeferredError(root.Close)

	data, err := root.ReadFile(filepath.Base(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	return ParseManifest(data)
}

// ParseManifest parses a manifest document. Unknown fields are rejected.
func ParseManifest(data []byte) (*Manifest, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	var manifest Manifest
	if err := decoder.Decode(&manifest); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &ResolutionError{Kind: KindInvalidManifest, Detail: "manifest is empty"}
		}
		return nil, &ResolutionError{Kind: KindInvalidManifest, Detail: fmt.Sprintf("failed to parse manifest: %v", err)}
	}

	return &manifest, nil
}

// Marshal renders the manifest back to YAML
func (m *Manifest) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest: %w", err)
	}
	return data, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// registration only fails on an empty tag or nil func
	_ = v.RegisterValidation("toolname", func(fl validator.FieldLevel) bool {
		return toolNamePattern.MatchString(fl.Field().String())
	})
	return v
}

// ValidateManifest validates the structural fields of a manifest
func ValidateManifest(manifest *Manifest) error {
	if err := validate.Struct(manifest); err != nil {
		return &ResolutionError{Kind: KindInvalidManifest, Subject: "runtime", Detail: fmt.Sprintf("manifest validation failed: %v", err)}
	}
	return nil
}
