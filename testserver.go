package testserver

import (
	"io"
	"log/slog"
	"time"
)

// Timing defaults
const (
	// DefaultStartupTimeout is the total time allowed for a server to become ready
	DefaultStartupTimeout = 30 * time.Second

	// DefaultPollInterval is the delay between readiness attempts
	DefaultPollInterval = 500 * time.Millisecond

	// DefaultAttemptTimeout bounds a single HTTP health check request
	DefaultAttemptTimeout = 2 * time.Second

	// DefaultMutexTimeout bounds acquisition of the named port mutex
	DefaultMutexTimeout = 1 * time.Second

	// DefaultMutexRetry is the retry delay while polling the named mutex
	DefaultMutexRetry = 50 * time.Millisecond

	// DefaultWaitCeiling bounds how long a non-owner waits for another owner
	DefaultWaitCeiling = 120 * time.Second

	// DefaultMissingDirGrace is how long an owner with a missing working
	// directory waits for an already-running server before giving up
	DefaultMissingDirGrace = 5 * time.Second

	// DefaultTerminateTimeout bounds the wait for a child to exit after
	// graceful termination was requested
	DefaultTerminateTimeout = 5 * time.Second

	// DefaultDrainTimeout bounds the wait for output readers after exit
	DefaultDrainTimeout = 500 * time.Millisecond
)

// MutexPrefix is the fixed prefix of every named port mutex. It must stay
// stable across processes on a host for deduplication to work.
const MutexPrefix = "testserver"

// DefaultHealthEndpoint is checked when a plan names no endpoints
const DefaultHealthEndpoint = "/"

// File modes
const (
	// DirMode is the default mode for created directories
	DirMode = 0o755

	// FileMode is the default mode for created files
	FileMode = 0o644
)

// RuntimeKind selects which defaults a builder injects into a plan
type RuntimeKind int

const (
	// KindUnknown represents an unset runtime kind
	KindUnknown RuntimeKind = iota
	// KindManagedRuntime is a managed-runtime web host (ASP.NET style)
	KindManagedRuntime
	// KindScriptRunner is a script-runner process (Node style)
	KindScriptRunner
	// KindExternal is a server started outside the orchestrator
	KindExternal
)

// RuntimeKind string constants
const (
	kindUnknownStr  = "unknown"
	kindManagedStr  = "managed"
	kindScriptStr   = "script"
	kindExternalStr = "external"
)

// String returns the string representation of a RuntimeKind
func (k RuntimeKind) String() string {
	switch k {
	case KindManagedRuntime:
		return kindManagedStr
	case KindScriptRunner:
		return kindScriptStr
	case KindExternal:
		return kindExternalStr
	case KindUnknown:
		fallthrough
	default:
		return kindUnknownStr
	}
}

// ParseRuntimeKind converts a string to a RuntimeKind
func ParseRuntimeKind(s string) RuntimeKind {
	switch s {
	case kindManagedStr:
		return KindManagedRuntime
	case kindScriptStr:
		return KindScriptRunner
	case kindExternalStr:
		return KindExternal
	default:
		return KindUnknown
	}
}

// State is the lifecycle state of an Orchestrator
type State int

const (
	// StateIdle means nothing has been started or the last server was stopped cleanly
	StateIdle State = iota
	// StateStarting means a Start call is in progress
	StateStarting
	// StateOwnerRunning means this orchestrator spawned the server and owns it
	StateOwnerRunning
	// StateNonOwnerReady means another party's server is serving the port
	StateNonOwnerReady
	// StateStopped means the server was stopped
	StateStopped
)

// State string constants
const (
	stateIdleStr          = "idle"
	stateStartingStr      = "starting"
	stateOwnerRunningStr  = "owner-running"
	stateNonOwnerReadyStr = "non-owner-ready"
	stateStoppedStr       = "stopped"
	stateUnknownStr       = "unknown"
)

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case StateIdle:
		return stateIdleStr
	case StateStarting:
		return stateStartingStr
	case StateOwnerRunning:
		return stateOwnerRunningStr
	case StateNonOwnerReady:
		return stateNonOwnerReadyStr
	case StateStopped:
		return stateStoppedStr
	default:
		return stateUnknownStr
	}
}

// Ready reports whether the state represents a server that is serving traffic
func (s State) Ready() bool {
	return s == StateOwnerRunning || s == StateNonOwnerReady
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func loggerOrDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return discardLogger()
	}
	return l
}
