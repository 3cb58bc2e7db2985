package testserver

import (
	"maps"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Environment variables injected by the managed-runtime builder
const (
	EnvManagedEnvironment      = "ASPNETCORE_ENVIRONMENT"
	EnvManagedHostEnvironment  = "DOTNET_ENVIRONMENT"
	EnvManagedURLs             = "ASPNETCORE_URLS"
	EnvManagedForwardedHeaders = "ASPNETCORE_FORWARDEDHEADERS_ENABLED"
)

// Environment variables injected by the script-runner builder
const (
	EnvScriptEnvironment = "NODE_ENV"
	EnvScriptPort        = "PORT"
	EnvScriptHost        = "HOST"
	EnvScriptTrustProxy  = "TRUST_PROXY"
)

// DefaultEnvironmentName is the environment name injected when none is set
const DefaultEnvironmentName = "Development"

// ServerBuilder provides a fluent interface for constructing a LaunchPlan.
// The builder is mutable; every Build call produces a new, independent plan.
type ServerBuilder struct {
	// Kind selects which defaults are injected on Build
	Kind RuntimeKind
	// Command is the executable to run
	Command string
	// Args are the command arguments
	Args []string
	// WorkDir is the working directory for the child
	WorkDir string
	// Env contains environment overrides for the child
	Env map[string]string
	// BaseURL is the URL the application serves on
	BaseURL string
	// Endpoints are the relative readiness paths, checked in order
	Endpoints []string
	// StartupTimeout is the total readiness budget
	StartupTimeout time.Duration
	// InitialDelay is the delay before the first readiness attempt
	InitialDelay time.Duration
	// PollInterval is the delay between readiness attempts
	PollInterval time.Duration
	// StreamOutput forwards child stdout/stderr to the logger
	StreamOutput bool
	// EnvironmentName is the application environment (Development, Test, ...)
	EnvironmentName string
	// ForwardedHeaders enables the runtime's forwarded-headers handling
	ForwardedHeaders bool
	// WorkDirFallback substitutes the current directory for a missing WorkDir
	WorkDirFallback bool
	// Probe overrides the default HTTP readiness probe
	Probe ReadinessProbe
}

// NewServerBuilder creates a builder for the given kind with default settings
func NewServerBuilder(kind RuntimeKind) *ServerBuilder {
	return &ServerBuilder{
		Kind:            kind,
		Env:             make(map[string]string),
		StartupTimeout:  DefaultStartupTimeout,
		PollInterval:    DefaultPollInterval,
		EnvironmentName: DefaultEnvironmentName,
	}
}

// NewManagedRuntimeBuilder creates a builder for a managed-runtime web host,
// for example NewManagedRuntimeBuilder("dotnet", "MyApp.dll").
func NewManagedRuntimeBuilder(command string, args ...string) *ServerBuilder {
	b := NewServerBuilder(KindManagedRuntime)
	b.Command = command
	b.Args = args
	return b
}

// NewScriptRunnerBuilder creates a builder for a script-runner process,
// for example NewScriptRunnerBuilder("node", "server.js").
func NewScriptRunnerBuilder(command string, args ...string) *ServerBuilder {
	b := NewServerBuilder(KindScriptRunner)
	b.Command = command
	b.Args = args
	return b
}

// NewExternalServerBuilder creates a builder for a server started elsewhere.
// Plans built from it are only ever verified, never spawned.
func NewExternalServerBuilder(baseURL string) *ServerBuilder {
	b := NewServerBuilder(KindExternal)
	b.BaseURL = baseURL
	return b
}

// WithCommand sets the executable and its arguments
func (b *ServerBuilder) WithCommand(command string, args ...string) *ServerBuilder {
	b.Command = command
	b.Args = args
	return b
}

// WithArgs appends command arguments
func (b *ServerBuilder) WithArgs(args ...string) *ServerBuilder {
	b.Args = append(b.Args, args...)
	return b
}

// WithWorkDir sets the working directory
func (b *ServerBuilder) WithWorkDir(dir string) *ServerBuilder {
	b.WorkDir = dir
	return b
}

// WithWorkingDirectoryFallback enables substituting the current directory
// when the configured working directory does not exist
func (b *ServerBuilder) WithWorkingDirectoryFallback(enabled bool) *ServerBuilder {
	b.WorkDirFallback = enabled
	return b
}

// WithEnv adds an environment variable
func (b *ServerBuilder) WithEnv(key, value string) *ServerBuilder {
	if b.Env == nil {
		b.Env = make(map[string]string)
	}
	b.Env[key] = value
	return b
}

// WithBaseURL sets the URL the application serves on
func (b *ServerBuilder) WithBaseURL(baseURL string) *ServerBuilder {
	b.BaseURL = baseURL
	return b
}

// WithHealthCheckEndpoints replaces the readiness paths
func (b *ServerBuilder) WithHealthCheckEndpoints(endpoints ...string) *ServerBuilder {
	b.Endpoints = endpoints
	return b
}

// WithStartupTimeout sets the total readiness budget
func (b *ServerBuilder) WithStartupTimeout(d time.Duration) *ServerBuilder {
	b.StartupTimeout = d
	return b
}

// WithInitialDelay sets the delay before the first readiness attempt
func (b *ServerBuilder) WithInitialDelay(d time.Duration) *ServerBuilder {
	b.InitialDelay = d
	return b
}

// WithPollInterval sets the delay between readiness attempts
func (b *ServerBuilder) WithPollInterval(d time.Duration) *ServerBuilder {
	b.PollInterval = d
	return b
}

// WithStreamOutput forwards child output to the logger
func (b *ServerBuilder) WithStreamOutput(enabled bool) *ServerBuilder {
	b.StreamOutput = enabled
	return b
}

// WithEnvironmentName sets the application environment name
func (b *ServerBuilder) WithEnvironmentName(name string) *ServerBuilder {
	b.EnvironmentName = name
	return b
}

// WithForwardedHeaders enables forwarded-headers handling in the application
func (b *ServerBuilder) WithForwardedHeaders(enabled bool) *ServerBuilder {
	b.ForwardedHeaders = enabled
	return b
}

// WithReadinessProbe overrides the default HTTP readiness probe
func (b *ServerBuilder) WithReadinessProbe(p ReadinessProbe) *ServerBuilder {
	b.Probe = p
	return b
}

// Build validates the builder and returns a new LaunchPlan
func (b *ServerBuilder) Build() (LaunchPlan, error) {
	if b.Kind == KindUnknown {
		return LaunchPlan{}, &ConfigurationError{Field: "kind", Reason: "runtime kind not specified"}
	}

	base, port, err := parseBaseURL(b.BaseURL)
	if err != nil {
		return LaunchPlan{}, err
	}

	command := strings.TrimSpace(b.Command)
	if b.Kind != KindExternal && command == "" {
		return LaunchPlan{}, &ConfigurationError{Field: "command", Reason: "command not specified"}
	}
	if b.Kind == KindExternal && command != "" {
		return LaunchPlan{}, &ConfigurationError{Field: "command", Reason: "external servers are not launched"}
	}

	if b.StartupTimeout <= 0 {
		return LaunchPlan{}, &ConfigurationError{Field: "startupTimeout", Reason: "must be positive"}
	}
	if b.InitialDelay < 0 {
		return LaunchPlan{}, &ConfigurationError{Field: "initialDelay", Reason: "must not be negative"}
	}
	if b.PollInterval <= 0 {
		return LaunchPlan{}, &ConfigurationError{Field: "pollInterval", Reason: "must be positive"}
	}

	workDir, err := b.resolveWorkDir()
	if err != nil {
		return LaunchPlan{}, err
	}

	plan := LaunchPlan{
		kind:           b.Kind,
		command:        command,
		args:           slices.Clone(b.Args),
		workDir:        workDir,
		env:            maps.Clone(b.Env),
		baseURL:        base,
		port:           port,
		endpoints:      normalizeEndpoints(b.Endpoints),
		startupTimeout: b.StartupTimeout,
		initialDelay:   b.InitialDelay,
		pollInterval:   b.PollInterval,
		streamOutput:   b.StreamOutput,
		probe:          b.Probe,
	}
	if plan.env == nil {
		plan.env = make(map[string]string)
	}

	switch b.Kind {
	case KindManagedRuntime:
		b.injectManaged(&plan)
	case KindScriptRunner:
		b.injectScript(&plan)
	}

	return plan, nil
}

// injectManaged adds managed-runtime defaults. Caller values win.
func (b *ServerBuilder) injectManaged(plan *LaunchPlan) {
	envName := b.environmentName()
	setDefault(plan.env, EnvManagedEnvironment, envName)
	setDefault(plan.env, EnvManagedHostEnvironment, envName)
	setDefault(plan.env, EnvManagedURLs, plan.baseURL.String())
	if b.ForwardedHeaders {
		setDefault(plan.env, EnvManagedForwardedHeaders, "true")
	}
	if !slices.Contains(plan.args, "--urls") {
		plan.args = append(plan.args, "--urls", plan.baseURL.String())
	}
}

// injectScript adds script-runner defaults. Caller values win.
func (b *ServerBuilder) injectScript(plan *LaunchPlan) {
	setDefault(plan.env, EnvScriptEnvironment, strings.ToLower(b.environmentName()))
	setDefault(plan.env, EnvScriptPort, strconv.Itoa(plan.port))
	setDefault(plan.env, EnvScriptHost, plan.baseURL.Hostname())
	if b.ForwardedHeaders {
		setDefault(plan.env, EnvScriptTrustProxy, "true")
	}
}

func (b *ServerBuilder) environmentName() string {
	if b.EnvironmentName == "" {
		return DefaultEnvironmentName
	}
	return b.EnvironmentName
}

// resolveWorkDir makes the working directory absolute. A missing directory is
// kept as configured unless WorkDirFallback is set; the orchestrator decides
// what to do with it.
func (b *ServerBuilder) resolveWorkDir() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", &ConfigurationError{Field: "workingDirectory", Reason: err.Error()}
	}
	if b.WorkDir == "" {
		return cwd, nil
	}

	dir, err := filepath.Abs(b.WorkDir)
	if err != nil {
		return "", &ConfigurationError{Field: "workingDirectory", Reason: err.Error()}
	}
	if dirExists(dir) {
		return dir, nil
	}
	if b.WorkDirFallback {
		return cwd, nil
	}
	return dir, nil
}

func parseBaseURL(raw string) (*url.URL, int, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, 0, &ConfigurationError{Field: "baseUrl", Reason: "base URL not specified"}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, 0, &ConfigurationError{Field: "baseUrl", Reason: err.Error()}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, 0, &ConfigurationError{Field: "baseUrl", Reason: "scheme must be http or https"}
	}
	if u.Hostname() == "" {
		return nil, 0, &ConfigurationError{Field: "baseUrl", Reason: "host not specified"}
	}
	port, err := portOf(u)
	if err != nil || port <= 0 || port > 65535 {
		return nil, 0, &ConfigurationError{Field: "baseUrl", Reason: "invalid port " + u.Port()}
	}
	return u, port, nil
}

func normalizeEndpoints(endpoints []string) []string {
	var out []string
	for _, e := range endpoints {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, "/") {
			e = "/" + e
		}
		out = append(out, e)
	}
	if len(out) == 0 {
		return []string{DefaultHealthEndpoint}
	}
	return out
}

func setDefault(env map[string]string, key, value string) {
	if _, ok := env[key]; !ok {
		env[key] = value
	}
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
