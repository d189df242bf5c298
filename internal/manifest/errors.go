package manifest

import "fmt"

// ResolutionKind classifies why a manifest could not be resolved into a plan
type ResolutionKind string

// ResolutionKind constants
const (
	KindInvalidManifest          ResolutionKind = "InvalidManifest"
	KindInvalidRuntimeVersion    ResolutionKind = "InvalidRuntimeVersion"
	KindInvalidToolName          ResolutionKind = "InvalidToolName"
	KindInvalidVersionConstraint ResolutionKind = "InvalidVersionConstraint"
	KindDuplicateToolRequirement ResolutionKind = "DuplicateToolRequirement"
	KindInvalidArtifactName      ResolutionKind = "InvalidArtifactName"
)

// ResolutionError is returned by Resolve. Subject names the offending tool,
// artifact or runtime.
type ResolutionError struct {
	Kind    ResolutionKind
	Subject string
	Detail  string
}

func (e *ResolutionError) Error() string {
	if e.Subject == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Subject, e.Detail)
}

// Is matches the kind sentinels below, so errors.Is(err, ErrDuplicateToolRequirement) works
func (e *ResolutionError) Is(target error) bool {
	t, ok := target.(*ResolutionError)
	if !ok {
		return false
	}
	return t.Subject == "" && t.Detail == "" && t.Kind == e.Kind
}

// Sentinels for errors.Is
var (
	ErrInvalidManifest          = &ResolutionError{Kind: KindInvalidManifest}
	ErrInvalidRuntimeVersion    = &ResolutionError{Kind: KindInvalidRuntimeVersion}
	ErrInvalidToolName          = &ResolutionError{Kind: KindInvalidToolName}
	ErrInvalidVersionConstraint = &ResolutionError{Kind: KindInvalidVersionConstraint}
	ErrDuplicateToolRequirement = &ResolutionError{Kind: KindDuplicateToolRequirement}
	ErrInvalidArtifactName      = &ResolutionError{Kind: KindInvalidArtifactName}
)
