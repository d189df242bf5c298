package core

import "os"

// GetEnv retrieves an environment variable, checking both the standard name
// and an ENVPROV-prefixed version. Returns the first non-empty value found.
func GetEnv(key string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return os.Getenv(EnvPrefix + "_" + key)
}

// NonInteractiveEnv returns the environment for backend processes with every
// prompt-suppressing variable the supported backends understand set.
func NonInteractiveEnv(base []string) []string {
	env := make([]string, 0, len(base)+3)
	env = append(env, base...)
	return append(env,
		"PIP_NO_INPUT=1",
		"PIP_DISABLE_PIP_VERSION_CHECK=1",
		"PYTHONUNBUFFERED=1",
	)
}
