package testserver

import (
	"maps"
	"net"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

// LaunchPlan is an immutable description of one server launch and of how to
// judge it ready. Plans are produced by ServerBuilder.Build; accessors return
// copies so a plan can be shared freely between goroutines.
type LaunchPlan struct {
	kind           RuntimeKind
	command        string
	args           []string
	workDir        string
	env            map[string]string
	baseURL        *url.URL
	port           int
	endpoints      []string
	startupTimeout time.Duration
	initialDelay   time.Duration
	pollInterval   time.Duration
	streamOutput   bool
	probe          ReadinessProbe
}

// Kind returns the runtime kind the plan was built for
func (p LaunchPlan) Kind() RuntimeKind { return p.kind }

// Command returns the executable to run; empty for external servers
func (p LaunchPlan) Command() string { return p.command }

// Args returns a copy of the command arguments
func (p LaunchPlan) Args() []string { return slices.Clone(p.args) }

// WorkingDirectory returns the absolute working directory of the child
func (p LaunchPlan) WorkingDirectory() string { return p.workDir }

// Environment returns a copy of the environment overrides
func (p LaunchPlan) Environment() map[string]string { return maps.Clone(p.env) }

// BaseURL returns a copy of the URL the application serves on
func (p LaunchPlan) BaseURL() *url.URL {
	if p.baseURL == nil {
		return nil
	}
	u := *p.baseURL
	return &u
}

// Port returns the TCP port of the base URL, the deduplication key
func (p LaunchPlan) Port() int { return p.port }

// HealthCheckEndpoints returns a copy of the relative readiness paths
func (p LaunchPlan) HealthCheckEndpoints() []string { return slices.Clone(p.endpoints) }

// StartupTimeout returns the total readiness budget
func (p LaunchPlan) StartupTimeout() time.Duration { return p.startupTimeout }

// InitialDelay returns the delay before the first readiness attempt
func (p LaunchPlan) InitialDelay() time.Duration { return p.initialDelay }

// PollInterval returns the delay between readiness attempts
func (p LaunchPlan) PollInterval() time.Duration { return p.pollInterval }

// StreamOutput reports whether child output is forwarded to the logger
func (p LaunchPlan) StreamOutput() bool { return p.streamOutput }

// ReadinessProbe returns the probe used to confirm the launched server
func (p LaunchPlan) ReadinessProbe() ReadinessProbe {
	if p.probe == nil {
		return NewHTTPProbe()
	}
	return p.probe
}

// External reports whether the plan describes a pre-started server
func (p LaunchPlan) External() bool { return p.kind == KindExternal }

// MutexName returns the named mutex guarding the plan's port
func (p LaunchPlan) MutexName() string { return MutexName(p.port) }

// MutexName returns the stable cross-process mutex name for a port
func MutexName(port int) string {
	return MutexPrefix + "_" + strconv.Itoa(port)
}

// environ merges the plan environment over the inherited one. Plan values win.
func (p LaunchPlan) environ() []string {
	merged := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			merged[k] = v
		}
	}
	for k, v := range p.env {
		merged[k] = v
	}

	out := make([]string, 0, len(merged))
	for _, k := range slices.Sorted(maps.Keys(merged)) {
		out = append(out, k+"="+merged[k])
	}
	return out
}

// portOf returns the explicit port of u, or the scheme default
func portOf(u *url.URL) (int, error) {
	if s := u.Port(); s != "" {
		return strconv.Atoi(s)
	}
	switch u.Scheme {
	case "https":
		return 443, nil
	default:
		return 80, nil
	}
}

// endpointURLs composes an endpoint with the base URL, loopback address first.
func (p LaunchPlan) endpointURLs(endpoint string) []string {
	if p.baseURL == nil {
		return nil
	}
	base := p.BaseURL()
	host := base.Hostname()
	port := strconv.Itoa(p.port)

	var urls []string
	if host != loopbackIP {
		loop := *base
		loop.Host = net.JoinHostPort(loopbackIP, port)
		urls = append(urls, loop.JoinPath(endpoint).String())
	}
	named := *base
	named.Host = net.JoinHostPort(host, port)
	urls = append(urls, named.JoinPath(endpoint).String())
	return urls
}

const loopbackIP = "127.0.0.1"
