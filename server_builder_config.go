package testserver

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// PlanConfig is the file representation of a launch plan.
// Durations use Go duration strings ("30s", "250ms").
type PlanConfig struct {
	// Kind is one of "managed", "script" or "external"
	Kind string `yaml:"kind"`
	// Command is the executable to run
	Command string `yaml:"command,omitempty"`
	// Args are the command arguments
	Args []string `yaml:"args,omitempty"`
	// WorkingDirectory is the child's working directory, relative to the file
	WorkingDirectory string `yaml:"workingDirectory,omitempty"`
	// WorkingDirectoryFallback substitutes the current directory when missing
	WorkingDirectoryFallback bool `yaml:"workingDirectoryFallback,omitempty"`
	// Environment contains environment overrides
	Environment map[string]string `yaml:"environment,omitempty"`
	// EnvironmentName is the application environment name
	EnvironmentName string `yaml:"environmentName,omitempty"`
	// ForwardedHeaders enables forwarded-headers handling
	ForwardedHeaders bool `yaml:"forwardedHeaders,omitempty"`
	// BaseURL is the URL the application serves on
	BaseURL string `yaml:"baseUrl"`
	// HealthCheckEndpoints are the relative readiness paths
	HealthCheckEndpoints []string `yaml:"healthCheckEndpoints,omitempty"`
	// StartupTimeout is the total readiness budget
	StartupTimeout time.Duration `yaml:"startupTimeout,omitempty"`
	// InitialDelay is the delay before the first readiness attempt
	InitialDelay time.Duration `yaml:"initialDelay,omitempty"`
	// PollInterval is the delay between readiness attempts
	PollInterval time.Duration `yaml:"pollInterval,omitempty"`
	// StreamOutput forwards child output to the logger
	StreamOutput bool `yaml:"streamOutput,omitempty"`
	// ReadyFile switches readiness to waiting for this file to appear
	ReadyFile string `yaml:"readyFile,omitempty"`
}

// ParsePlan decodes a YAML plan description
func ParsePlan(data []byte) (*PlanConfig, error) {
	var cfg PlanConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &ConfigurationError{Field: "plan", Reason: err.Error()}
	}
	return &cfg, nil
}

// LoadPlanFile reads a YAML plan description and returns a builder for it.
// A relative working directory or ready file is resolved against the
// directory containing the file.
func LoadPlanFile(path string) (*ServerBuilder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan file: %w", err)
	}
	cfg, err := ParsePlan(data)
	if err != nil {
		return nil, err
	}
	return cfg.Builder(dirOf(path))
}

// Builder converts the configuration into a ServerBuilder. Relative paths
// are resolved against baseDir when it is not empty.
func (c *PlanConfig) Builder(baseDir string) (*ServerBuilder, error) {
	kind := ParseRuntimeKind(c.Kind)
	if kind == KindUnknown {
		return nil, &ConfigurationError{Field: "kind", Reason: fmt.Sprintf("unknown runtime kind %q", c.Kind)}
	}

	b := NewServerBuilder(kind)
	b.Command = c.Command
	b.Args = slices.Clone(c.Args)
	b.WorkDir = resolveRelative(baseDir, c.WorkingDirectory)
	b.WorkDirFallback = c.WorkingDirectoryFallback
	for k, v := range c.Environment {
		b.Env[k] = v
	}
	if c.EnvironmentName != "" {
		b.EnvironmentName = c.EnvironmentName
	}
	b.ForwardedHeaders = c.ForwardedHeaders
	b.BaseURL = c.BaseURL
	b.Endpoints = slices.Clone(c.HealthCheckEndpoints)
	if c.StartupTimeout != 0 {
		b.StartupTimeout = c.StartupTimeout
	}
	b.InitialDelay = c.InitialDelay
	if c.PollInterval != 0 {
		b.PollInterval = c.PollInterval
	}
	b.StreamOutput = c.StreamOutput
	if c.ReadyFile != "" {
		b.Probe = &ReadyFileProbe{Path: resolveRelative(baseDir, c.ReadyFile)}
	}
	return b, nil
}

// Clone creates a deep copy of the PlanConfig
func (c *PlanConfig) Clone() *PlanConfig {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Args = slices.Clone(c.Args)
	clone.Environment = maps.Clone(c.Environment)
	clone.HealthCheckEndpoints = slices.Clone(c.HealthCheckEndpoints)
	return &clone
}

func dirOf(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Dir(path)
	}
	return filepath.Dir(abs)
}

func resolveRelative(baseDir, path string) string {
	if path == "" || baseDir == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
