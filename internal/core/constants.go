package core

import "fmt"

const (
	MaintainerLink    = "https://github.com/dorcha-inc/envprov/blob/main/MAINTAINERS.md"
	BugReportTemplate = "\n\n[NOTE]This is most likely a bug in envprov, please reach out to the maintainers at %s"
)

func BugReportMessage() string {
	return fmt.Sprintf(BugReportTemplate, MaintainerLink)
}

// EnvPrefix is the prefix for envprov environment variables
const EnvPrefix = "ENVPROV"
