// Package config provides configuration management for envprov, including
// loading configuration with precedence, environment variable overrides,
// and get/set/list operations for configuration values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/dorcha-inc/envprov/internal/backend"
	"github.com/dorcha-inc/envprov/internal/core"
)

const (
	DefaultPython                = "python3"
	DefaultBackendTimeoutSeconds = 300
	DefaultMaxInstallRetries     = 3
	DefaultRetryInitialBackoffMs = 500
	DefaultParallelInstalls      = 1

	// ProjectConfigFileName is looked up in the working directory
	ProjectConfigFileName = "envprov.config.yaml"
	userConfigFileName    = "config.yaml"
	journalFileName       = "journal.db"
)

type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

func ValidLogLevels() map[LogLevel]struct{} {
	return map[LogLevel]struct{}{
		LogLevelDebug: {},
		LogLevelInfo:  {},
		LogLevelWarn:  {},
		LogLevelError: {},
		LogLevelFatal: {},
	}
}

func IsValidLogLevel(level LogLevel) bool {
	_, ok := ValidLogLevels()[level]
	return ok
}

type LogFormat string

const (
	LogFormatPretty LogFormat = "pretty"
	LogFormatJSON   LogFormat = "json"
)

func ValidLogFormats() map[LogFormat]struct{} {
	return map[LogFormat]struct{}{
		LogFormatPretty: {},
		LogFormatJSON:   {},
	}
}

func IsValidLogFormat(format LogFormat) bool {
	_, ok := ValidLogFormats()[format]
	return ok
}

// TraceExporter selects where stage spans go
type TraceExporter string

const (
	TraceNone   TraceExporter = "none"
	TraceStdout TraceExporter = "stdout"
)

func ValidTraceExporters() map[TraceExporter]struct{} {
	return map[TraceExporter]struct{}{
		TraceNone:   {},
		TraceStdout: {},
	}
}

// ValidBackends lists the package-management backends envprov can drive
func ValidBackends() map[string]struct{} {
	return map[string]struct{}{
		backend.PipBackendName: {},
	}
}

// Config is the envprov configuration
type Config struct {
	Backend    string `yaml:"backend" mapstructure:"backend" validate:"required"`
	Python     string `yaml:"python" mapstructure:"python" validate:"required"`         // interpreter the pip backend runs
	ToolBinDir string `yaml:"tool_bin_dir,omitempty" mapstructure:"tool_bin_dir"`       // where installed console scripts live, empty means PATH
	Toolchain  string `yaml:"toolchain" mapstructure:"toolchain" validate:"oneof=mypy"` // verification toolchain

	BackendTimeoutSeconds int  `yaml:"backend_timeout_seconds" mapstructure:"backend_timeout_seconds" validate:"min=1"`
	MaxInstallRetries     int  `yaml:"max_install_retries" mapstructure:"max_install_retries" validate:"min=0,max=10"`
	RetryInitialBackoffMs int  `yaml:"retry_initial_backoff_ms" mapstructure:"retry_initial_backoff_ms" validate:"min=1"`
	ParallelInstalls      int  `yaml:"parallel_installs" mapstructure:"parallel_installs" validate:"min=1,max=32"`
	NonInteractive        bool `yaml:"non_interactive" mapstructure:"non_interactive"`

	LogFormat   LogFormat     `yaml:"log_format,omitempty" mapstructure:"log_format"`
	LogLevel    string        `yaml:"log_level,omitempty" mapstructure:"log_level"`
	JournalPath string        `yaml:"journal_path" mapstructure:"journal_path"` // empty disables the run journal
	MetricsFile string        `yaml:"metrics_file,omitempty" mapstructure:"metrics_file"`
	Trace       TraceExporter `yaml:"trace,omitempty" mapstructure:"trace"`
}

// BackendTimeout bounds each backend call
func (cfg *Config) BackendTimeout() time.Duration {
	return time.Duration(cfg.BackendTimeoutSeconds) * time.Second
}

// RetryInitialBackoff is the first retry delay for transient install failures
func (cfg *Config) RetryInitialBackoff() time.Duration {
	return time.Duration(cfg.RetryInitialBackoffMs) * time.Millisecond
}

// ConfigValue represents a configuration value with its source
type ConfigValue struct {
	Value  any
	Source string // "env", "project", "user", or "default"
}

// GetHomeDir returns the envprov home directory, ~/.envprov unless ENVPROV_HOME is set
func GetHomeDir() (string, error) {
	if home := os.Getenv(core.EnvPrefix + "_HOME"); home != "" {
		return home, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get envprov home directory: %w", err)
	}
	return filepath.Join(homeDir, ".envprov"), nil
}

// GetUserConfigPath returns the path to the user-specific config file (~/.envprov/config.yaml)
func GetUserConfigPath() (string, error) {
	home, err := GetHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, userConfigFileName), nil
}

// GetProjectConfigPath returns the path to the project-specific config file
// (./envprov.config.yaml) relative to the current working directory
func GetProjectConfigPath() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current working directory: %w", err)
	}
	return filepath.Join(cwd, ProjectConfigFileName), nil
}

// setupViper configures Viper with defaults, config file locations, and environment variables
// If configPath is provided (non-empty), loads from that specific path instead of using precedence
func setupViper(configPath string) error {
	viper.Reset()
	setViperDefaults()
	viper.SetEnvPrefix(core.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if configPath != "" {
		viper.SetConfigFile(configPath)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		return nil
	}

	// user config first, project config merged over it
	userPath, userErr := GetUserConfigPath()
	if userErr == nil {
		if _, userStatErr := os.Stat(userPath); userStatErr == nil {
			viper.SetConfigFile(userPath)
			if userReadErr := viper.ReadInConfig(); userReadErr != nil {
				zap.L().Debug("Failed to read user config file", zap.String("path", userPath), zap.Error(userReadErr))
			}
		}
	}

	projectPath, projectErr := GetProjectConfigPath()
	if projectErr == nil {
		if _, projectStatErr := os.Stat(projectPath); projectStatErr == nil {
			viper.SetConfigFile(projectPath)
			if projectReadErr := viper.MergeInConfig(); projectReadErr != nil {
				zap.L().Debug("Failed to merge project config file", zap.String("path", projectPath), zap.Error(projectReadErr))
			}
		}
	}

	return nil
}

// setViperDefaults sets default values in Viper
func setViperDefaults() {
	viper.SetDefault("backend", backend.PipBackendName)
	viper.SetDefault("python", DefaultPython)
	viper.SetDefault("tool_bin_dir", "")
	viper.SetDefault("toolchain", backend.MypyToolchainName)
	viper.SetDefault("backend_timeout_seconds", DefaultBackendTimeoutSeconds)
	viper.SetDefault("max_install_retries", DefaultMaxInstallRetries)
	viper.SetDefault("retry_initial_backoff_ms", DefaultRetryInitialBackoffMs)
	viper.SetDefault("parallel_installs", DefaultParallelInstalls)
	viper.SetDefault("non_interactive", true)
	viper.SetDefault("log_format", string(LogFormatJSON))
	viper.SetDefault("log_level", string(LogLevelInfo))
	viper.SetDefault("metrics_file", "")
	viper.SetDefault("trace", string(TraceNone))

	journalPath := ""
	if home, err := GetHomeDir(); err == nil {
		journalPath = filepath.Join(home, journalFileName)
	}
	viper.SetDefault("journal_path", journalPath)
}

// Keys returns every configuration key, sorted
func Keys() []string {
	keys := []string{
		"backend", "python", "tool_bin_dir", "toolchain",
		"backend_timeout_seconds", "max_install_retries", "retry_initial_backoff_ms",
		"parallel_installs", "non_interactive",
		"log_format", "log_level", "journal_path", "metrics_file", "trace",
	}
	slices.Sort(keys)
	return keys
}

// LoadConfig loads configuration with precedence: project config > user config > defaults
// Environment variables override config file values
// If configPath is provided, loads from that specific path instead
func LoadConfig(configPath string) (*Config, error) {
	if err := setupViper(configPath); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	var configFileDir string
	if configPath != "" {
		configFileDir = filepath.Dir(configPath)
	}
	if err := postProcessConfig(cfg, configFileDir); err != nil {
		return nil, err
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// postProcessConfig resolves relative paths against the config file's directory
func postProcessConfig(cfg *Config, configFileDir string) error {
	cfg.Backend = strings.ToLower(strings.TrimSpace(cfg.Backend))

	for _, path := range []*string{&cfg.ToolBinDir, &cfg.JournalPath, &cfg.MetricsFile} {
		if *path == "" || filepath.IsAbs(*path) || configFileDir == "" {
			continue
		}
		absPath, err := filepath.Abs(filepath.Join(configFileDir, *path))
		if err != nil {
			return fmt.Errorf("failed to resolve path %s: %w", *path, err)
		}
		*path = absPath
	}

	return nil
}

var validate = validator.New()

// validateConfig validates the configuration
func validateConfig(cfg *Config) error {
	if _, ok := ValidBackends()[cfg.Backend]; !ok {
		return fmt.Errorf("backend must be one of: %s, got '%s'%s",
			core.JoinMapKeys(ValidBackends()), cfg.Backend, suggestBackend(cfg.Backend))
	}

	if !cfg.NonInteractive {
		return fmt.Errorf("non_interactive cannot be set to false: provisioning runs unattended")
	}

	if cfg.LogFormat != "" && !IsValidLogFormat(cfg.LogFormat) {
		return fmt.Errorf("log_format must be one of: %s, got '%s'", core.JoinMapKeys(ValidLogFormats()), cfg.LogFormat)
	}
	if cfg.LogLevel != "" && !IsValidLogLevel(LogLevel(cfg.LogLevel)) {
		return fmt.Errorf("log_level must be one of: %s, got '%s'", core.JoinMapKeys(ValidLogLevels()), cfg.LogLevel)
	}
	if cfg.Trace != "" {
		if _, ok := ValidTraceExporters()[cfg.Trace]; !ok {
			return fmt.Errorf("trace must be one of: %s, got '%s'", core.JoinMapKeys(ValidTraceExporters()), cfg.Trace)
		}
	}

	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	return nil
}

// suggestBackend returns a " (did you mean 'pip'?)" hint for near misses
func suggestBackend(name string) string {
	best, bestDistance := "", 3
	for candidate := range ValidBackends() {
		if d := levenshtein.ComputeDistance(name, candidate); d < bestDistance {
			best, bestDistance = candidate, d
		}
	}
	if best == "" {
		return ""
	}
	return fmt.Sprintf(" (did you mean '%s'?)", best)
}

// getValueSource determines the source of a config value
func getValueSource(key string) string {
	envKey := core.EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
	if os.Getenv(envKey) != "" {
		return "env"
	}

	projectPath, err := GetProjectConfigPath()
	if err == nil && fileSetsKey(projectPath, key) {
		return "project"
	}

	userPath, err := GetUserConfigPath()
	if err == nil && fileSetsKey(userPath, key) {
		return "user"
	}

	return "default"
}

func fileSetsKey(path, key string) bool {
	if _, err := os.Stat(path); err != nil {
		return false
	}
	fileViper := viper.New()
	fileViper.SetConfigFile(path)
	if err := fileViper.ReadInConfig(); err != nil {
		return false
	}
	return fileViper.IsSet(key)
}

// GetConfigValue retrieves a configuration value by key, checking environment variables first
// Returns the value and its source ("env", "project", "user", or "default")
func GetConfigValue(key string) (*ConfigValue, error) {
	if !slices.Contains(Keys(), key) {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	if err := setupViper(""); err != nil {
		return nil, err
	}

	return &ConfigValue{Value: viper.Get(key), Source: getValueSource(key)}, nil
}

// SetConfigValue sets a configuration value and saves it to the project
// config if one exists, the user config otherwise
func SetConfigValue(key, value string) error {
	if !slices.Contains(Keys(), key) {
		return fmt.Errorf("unknown config key: %s", key)
	}

	projectPath, projectErr := GetProjectConfigPath()
	var configPath string

	if projectErr == nil {
		if _, projectStatErr := os.Stat(projectPath); projectStatErr == nil {
			configPath = projectPath
		}
	}

	if configPath == "" {
		userPath, userErr := GetUserConfigPath()
		if userErr != nil {
			return fmt.Errorf("failed to get user config path: %w", userErr)
		}
		// #nosec G301 -- config directory permissions 0755 are acceptable for user config directory
		if err := os.MkdirAll(filepath.Dir(userPath), 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
		if _, err := os.Stat(userPath); os.IsNotExist(err) {
			// #nosec G306 -- config file permissions 0644 are acceptable for user config files
			if err := os.WriteFile(userPath, []byte{}, 0644); err != nil {
				return fmt.Errorf("failed to create config file: %w", err)
			}
		}
		configPath = userPath
	}

	if err := setupViper(configPath); err != nil {
		return fmt.Errorf("failed to load existing config: %w", err)
	}

	viper.Set(key, value)

	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// #nosec G306 -- config file permissions 0644 are acceptable for user config files
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ListConfig returns all configuration keys and values with their sources
func ListConfig() (map[string]*ConfigValue, error) {
	if err := setupViper(""); err != nil {
		return nil, err
	}

	result := make(map[string]*ConfigValue)
	for _, key := range Keys() {
		result[key] = &ConfigValue{Value: viper.Get(key), Source: getValueSource(key)}
	}

	return result, nil
}
