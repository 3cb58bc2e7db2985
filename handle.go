package testserver

import (
	"log/slog"
	"net/url"
	"sync"

	"github.com/google/uuid"
)

// ServerHandle is returned by Orchestrator.Start. A handle obtained as owner
// controls the spawned process; a non-owner handle is a token whose Stop only
// clears local bookkeeping.
type ServerHandle struct {
	id       string
	plan     LaunchPlan
	port     int
	owner    bool
	launcher Launcher
	mutex    NamedMutex
	lockDir  string
	logger   *slog.Logger
	orch     *Orchestrator

	mu      sync.Mutex
	stopped bool
}

func newServerHandle(o *Orchestrator, plan LaunchPlan, launcher Launcher, mutex NamedMutex) *ServerHandle {
	id := uuid.NewString()
	return &ServerHandle{
		id:       id,
		plan:     plan,
		port:     plan.Port(),
		owner:    launcher != nil,
		launcher: launcher,
		mutex:    mutex,
		lockDir:  o.lockDir,
		logger:   o.logger.With("port", plan.Port(), "handle", id),
		orch:     o,
	}
}

// ID returns the unique handle id
func (h *ServerHandle) ID() string { return h.id }

// Owner reports whether this handle spawned the server
func (h *ServerHandle) Owner() bool { return h.owner }

// Port returns the server's port
func (h *ServerHandle) Port() int { return h.port }

// Plan returns the plan the handle was started with
func (h *ServerHandle) Plan() LaunchPlan { return h.plan }

// BaseURL returns the resolved base URL of the ready server
func (h *ServerHandle) BaseURL() *url.URL { return h.plan.BaseURL() }

// URL returns the base URL as a string
func (h *ServerHandle) URL() string { return h.plan.BaseURL().String() }

// PID returns the spawned process id; 0 for non-owner handles
func (h *ServerHandle) PID() int {
	if h.launcher == nil {
		return 0
	}
	return h.launcher.PID()
}

// Stopped reports whether Stop has been called
func (h *ServerHandle) Stopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

// Stop releases the server. For the owner it disposes the process, removes
// the owner record and releases the port mutex. For a non-owner it never
// touches the process. Idempotent.
func (h *ServerHandle) Stop() {
	if h.orch != nil {
		h.orch.stopHandle(h)
		return
	}
	h.stop()
}

func (h *ServerHandle) stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped {
		return
	}
	h.stopped = true
	readyPorts.forget(h)

	if !h.owner {
		h.logger.Debug("released non-owner handle, server left running")
		return
	}

	h.launcher.Dispose()

	if err := removeOwnerRecord(h.lockDir, h.mutex.Name()); err != nil {
		h.warn(&DisposalWarning{Op: "remove owner record", Err: err})
	}
	if err := h.mutex.Unlock(); err != nil {
		h.warn(&DisposalWarning{Op: "release " + h.mutex.Name(), Err: err})
	}
	h.logger.Info("server stopped")
}

func (h *ServerHandle) warn(w *DisposalWarning) {
	h.logger.Warn("disposal warning", "op", w.Op, "error", w.Err)
}
