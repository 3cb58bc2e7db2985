package testserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Orchestrator starts a server for a LaunchPlan at most once per port across
// all processes on the host. The first caller to take the port's named mutex
// becomes the owner and launches the process; everybody else waits for the
// owner's server to answer and receives a non-owner handle.
//
// Start calls on one Orchestrator are serialized. An Orchestrator manages one
// server at a time.
type Orchestrator struct {
	// lockDir holds the mutex and owner record files
	lockDir string

	// mutexTimeout bounds acquisition of the port mutex
	mutexTimeout time.Duration

	// waitCeiling bounds a non-owner's wait for the owner's server
	waitCeiling time.Duration

	// missingDirGrace bounds the wait for an existing server when the
	// plan's working directory does not exist
	missingDirGrace time.Duration

	logger      *slog.Logger
	newMutex    MutexFactory
	newLauncher LauncherFactory
	checker     HealthChecker

	// startMu serializes Start calls
	startMu sync.Mutex

	// mu protects the fields below; never held across a blocking wait
	mu     sync.Mutex
	state  State
	handle *ServerHandle
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithLogger sets the logger; nil discards
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = loggerOrDiscard(l)
	}
}

// WithLockDir sets the directory holding mutex and owner record files.
// Every process that should deduplicate against each other must use the
// same directory.
func WithLockDir(dir string) Option {
	return func(o *Orchestrator) {
		o.lockDir = dir
	}
}

// WithMutexTimeout sets how long Start waits for the port mutex
func WithMutexTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.mutexTimeout = d
	}
}

// WithWaitCeiling sets how long a non-owner waits for the owner's server
func WithWaitCeiling(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.waitCeiling = d
	}
}

// WithMissingDirGrace sets how long an owner with a missing working
// directory waits for an already-running server
func WithMissingDirGrace(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.missingDirGrace = d
	}
}

// WithMutexFactory replaces the named mutex implementation
func WithMutexFactory(f MutexFactory) Option {
	return func(o *Orchestrator) {
		o.newMutex = f
	}
}

// WithLauncherFactory replaces the process launcher implementation
func WithLauncherFactory(f LauncherFactory) Option {
	return func(o *Orchestrator) {
		o.newLauncher = f
	}
}

// WithHealthChecker replaces the one-shot health check used for the
// already-running and non-owner paths
func WithHealthChecker(c HealthChecker) Option {
	return func(o *Orchestrator) {
		o.checker = c
	}
}

// New creates an Orchestrator with default settings
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		lockDir:         os.TempDir(),
		mutexTimeout:    DefaultMutexTimeout,
		waitCeiling:     DefaultWaitCeiling,
		missingDirGrace: DefaultMissingDirGrace,
		logger:          discardLogger(),
		checker:         NewHTTPProbe(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.newMutex == nil {
		o.newMutex = FileMutexFactory(o.lockDir)
	}
	if o.newLauncher == nil {
		o.newLauncher = func(l *slog.Logger) Launcher { return NewProcessLauncher(l) }
	}
	return o
}

var shared struct {
	once sync.Once
	o    *Orchestrator
}

// Shared returns the process-wide Orchestrator, created on first use with
// default settings and slog.Default(). Test suites typically call
// Shared().Start in TestMain and Shared().Stop after m.Run.
func Shared() *Orchestrator {
	shared.once.Do(func() {
		shared.o = New(WithLogger(slog.Default()))
	})
	return shared.o
}

// State returns the current lifecycle state
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Handle returns the current server handle, or nil
func (o *Orchestrator) Handle() *ServerHandle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.handle
}

// IsOwner reports whether this orchestrator spawned the running server
func (o *Orchestrator) IsOwner() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state == StateOwnerRunning && o.handle != nil && o.handle.owner
}

// IsRunning reports whether a server is ready for this orchestrator. For an
// owner the spawned process must also still be alive.
func (o *Orchestrator) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.state.Ready() || o.handle == nil {
		return false
	}
	if r, ok := o.handle.launcher.(interface{ Running() bool }); ok {
		return r.Running()
	}
	return true
}

// Start brings up the server described by plan, or joins one that is
// already serving its port, and returns a handle for it. Calling Start again
// for the same port returns the existing handle.
//
// Start is all-or-nothing: on failure the port mutex is released, any
// process spawned by this call is disposed, and the orchestrator returns to
// StateIdle so a later call can retry.
func (o *Orchestrator) Start(ctx context.Context, plan LaunchPlan) (*ServerHandle, error) {
	o.startMu.Lock()
	defer o.startMu.Unlock()

	if h, done, err := o.begin(plan); done {
		return h, err
	}

	h, err := o.start(ctx, plan)

	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		o.state = StateIdle
		o.handle = nil
		o.logger.Error("server start failed", "port", plan.Port(), "error", err)
		return nil, err
	}
	return o.ready(h), nil
}

// begin settles Start without waiting when it can, and otherwise moves the
// orchestrator to StateStarting.
func (o *Orchestrator) begin(plan LaunchPlan) (*ServerHandle, bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if h := o.handle; h != nil && !h.Stopped() {
		if h.port == plan.Port() {
			return h, true, nil
		}
		return nil, true, &ConfigurationError{
			Field:  "baseUrl",
			Reason: fmt.Sprintf("orchestrator already serving port %d", h.port),
		}
	}
	if plan.Port() == 0 {
		return nil, true, &ConfigurationError{Field: "baseUrl", Reason: "plan was not built"}
	}

	if prior, ok := readyPorts.lookup(plan.Port()); ok && !prior.Stopped() {
		o.logger.Debug("port already ready in this process", "port", plan.Port(), "handle", prior.ID())
		return o.ready(newServerHandle(o, plan, nil, nil)), true, nil
	}

	o.state = StateStarting
	return nil, false, nil
}

func (o *Orchestrator) ready(h *ServerHandle) *ServerHandle {
	o.handle = h
	if h.owner {
		o.state = StateOwnerRunning
	} else {
		o.state = StateNonOwnerReady
	}
	readyPorts.record(h)
	return h
}

func (o *Orchestrator) start(ctx context.Context, plan LaunchPlan) (*ServerHandle, error) {
	if plan.External() {
		return o.awaitExternal(ctx, plan)
	}

	m := o.newMutex(plan.MutexName())
	acquired, err := m.TryLock(ctx, o.mutexTimeout)
	if err != nil {
		return nil, err
	}
	if !acquired {
		o.logger.Info("port mutex held elsewhere, waiting for owner", "mutex", m.Name(), "port", plan.Port())
		return o.awaitOwner(ctx, plan, m)
	}
	return o.startAsOwner(ctx, plan, m)
}

// startAsOwner runs with the port mutex held and releases it on every path
// that does not end with a running server.
func (o *Orchestrator) startAsOwner(ctx context.Context, plan LaunchPlan, m NamedMutex) (*ServerHandle, error) {
	release := true
	defer func() {
		if !release {
			return
		}
		if err := removeOwnerRecord(o.lockDir, m.Name()); err != nil {
			o.warn(&DisposalWarning{Op: "remove owner record", Err: err})
		}
		if err := m.Unlock(); err != nil {
			o.warn(&DisposalWarning{Op: "release " + m.Name(), Err: err})
		}
	}()

	o.recordOwner(m.Name(), plan, "", 0)

	if err := o.checker.Check(ctx, plan); err == nil {
		o.logger.Info("server already answering, not launching", "port", plan.Port())
		return newServerHandle(o, plan, nil, nil), nil
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("testserver: start canceled: %w", err)
	}

	if dir := plan.WorkingDirectory(); !dirExists(dir) {
		o.logger.Warn("working directory missing, waiting for an existing server",
			"dir", dir, "port", plan.Port(), "grace", o.missingDirGrace)
		_, last, err := o.pollServer(ctx, plan, 0, o.missingDirGrace)
		switch {
		case err == nil:
			return newServerHandle(o, plan, nil, nil), nil
		case errors.Is(err, errPollExhausted):
			return nil, &ConfigurationError{
				Field:  "workingDirectory",
				Reason: fmt.Sprintf("%s does not exist and no server answered on port %d (%v)", dir, plan.Port(), last),
			}
		default:
			return nil, err
		}
	}

	launcher := o.newLauncher(o.logger)
	if err := launcher.Start(ctx, plan); err != nil {
		// Cancellation after the spawn is cleaned up here too.
		launcher.Dispose()
		return nil, err
	}

	h := newServerHandle(o, plan, launcher, m)
	o.recordOwner(m.Name(), plan, h.ID(), launcher.PID())
	release = false
	h.logger.Info("server running", "url", h.URL(), "pid", launcher.PID())
	return h, nil
}

// awaitOwner polls the server directly until the owner brings it up. If the
// owner gives up and releases the mutex meanwhile, the waiter takes it over
// and launches the server itself.
func (o *Orchestrator) awaitOwner(ctx context.Context, plan LaunchPlan, m NamedMutex) (*ServerHandle, error) {
	name := m.Name()
	if rec, err := ReadOwnerRecord(o.lockDir, plan.Port()); err == nil {
		o.logger.Info("waiting for server owner", "mutex", name, "ownerPid", rec.PID)
	}

	start := time.Now()
	promoted := false
	_, last, err := poll(ctx, o.waitCeiling, plan.InitialDelay(), plan.PollInterval(),
		func(ctx context.Context) error {
			checkErr := o.checker.Check(ctx, plan)
			if checkErr == nil {
				return nil
			}
			if ok, _ := m.TryLock(ctx, DefaultMutexRetry); ok {
				promoted = true
				return nil
			}
			return checkErr
		},
		func(attempt int, err error) {
			o.logger.Debug("server not answering yet", "port", plan.Port(), "attempt", attempt, "error", err)
		})
	switch {
	case err == nil && promoted:
		o.logger.Info("previous owner released the port, taking over", "mutex", name)
		return o.startAsOwner(ctx, plan, m)
	case err == nil:
		o.logger.Info("server ready, joined as non-owner", "port", plan.Port(), "waited", time.Since(start).Round(time.Millisecond))
		return newServerHandle(o, plan, nil, nil), nil
	case errors.Is(err, errPollExhausted):
		timeoutErr := &OwnershipTimeoutError{MutexName: name, Waited: time.Since(start), LastErr: last}
		if rec, recErr := ReadOwnerRecord(o.lockDir, plan.Port()); recErr == nil {
			timeoutErr.OwnerPID = rec.PID
		}
		return nil, timeoutErr
	default:
		return nil, err
	}
}

// awaitExternal verifies a server started outside the orchestrator
func (o *Orchestrator) awaitExternal(ctx context.Context, plan LaunchPlan) (*ServerHandle, error) {
	o.logger.Info("waiting for external server", "url", plan.BaseURL().String())
	if err := plan.ReadinessProbe().WaitUntilReady(ctx, plan, o.logger); err != nil {
		return nil, err
	}
	return newServerHandle(o, plan, nil, nil), nil
}

func (o *Orchestrator) pollServer(ctx context.Context, plan LaunchPlan, initialDelay, budget time.Duration) (int, error, error) {
	return poll(ctx, budget, initialDelay, plan.PollInterval(),
		func(ctx context.Context) error { return o.checker.Check(ctx, plan) },
		func(attempt int, err error) {
			o.logger.Debug("server not answering yet", "port", plan.Port(), "attempt", attempt, "error", err)
		})
}

func (o *Orchestrator) recordOwner(name string, plan LaunchPlan, handleID string, serverPID int) {
	rec := OwnerRecord{
		PID:       os.Getpid(),
		ServerPID: serverPID,
		HandleID:  handleID,
		BaseURL:   plan.BaseURL().String(),
		Command:   plan.Command(),
		StartedAt: time.Now().UTC(),
	}
	if err := writeOwnerRecord(o.lockDir, name, rec); err != nil {
		o.logger.Debug("owner record not written", "mutex", name, "error", err)
	}
}

// Stop stops the current server. Only an owner terminates the process; for
// a non-owner this just clears local state. Safe to call at any time.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.handle == nil {
		return
	}
	o.handle.stop()
	o.handle = nil
	o.state = StateStopped
}

func (o *Orchestrator) stopHandle(h *ServerHandle) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h.stop()
	if o.handle == h {
		o.handle = nil
		o.state = StateStopped
	}
}

func (o *Orchestrator) warn(w *DisposalWarning) {
	o.logger.Warn("disposal warning", "op", w.Op, "error", w.Err)
}
