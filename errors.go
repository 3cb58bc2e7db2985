package testserver

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Common errors returned by orchestrator operations
var (
	// ErrConfiguration indicates an invalid launch plan or environment
	ErrConfiguration = errors.New("testserver: invalid configuration")

	// ErrLaunch indicates the OS refused or failed to spawn the process
	ErrLaunch = errors.New("testserver: launch failed")

	// ErrReadinessTimeout indicates health checks never succeeded within the startup timeout
	ErrReadinessTimeout = errors.New("testserver: readiness timeout")

	// ErrOwnershipTimeout indicates a waiter gave up on another owner's startup
	ErrOwnershipTimeout = errors.New("testserver: ownership wait timeout")

	// ErrDisposed indicates a launcher was used after Dispose
	ErrDisposed = errors.New("testserver: launcher disposed")

	// ErrAlreadyStarted indicates Start was called twice on one launcher
	ErrAlreadyStarted = errors.New("testserver: launcher already started")

	// ErrProcessExited indicates the child exited before it became ready
	ErrProcessExited = errors.New("testserver: process exited before ready")
)

// ConfigurationError reports an unusable launch plan or environment.
type ConfigurationError struct {
	// Field names the offending plan field
	Field string
	// Reason describes what is wrong with it
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("testserver: invalid %s: %s", e.Field, e.Reason)
}

// Is matches ErrConfiguration
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// LaunchError reports a failure to spawn the child process or an exit
// before readiness.
type LaunchError struct {
	// Command is the executable that was launched
	Command string
	// Err is the underlying error
	Err error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("testserver: launching %q: %v", e.Command, e.Err)
}

// Unwrap returns the underlying error for error chain inspection
func (e *LaunchError) Unwrap() error {
	return e.Err
}

// Is matches ErrLaunch
func (e *LaunchError) Is(target error) bool {
	return target == ErrLaunch
}

// ReadinessTimeoutError reports that no health check succeeded within the
// startup timeout. Failures holds the reasons seen on the last attempt.
type ReadinessTimeoutError struct {
	Timeout  time.Duration
	Attempts int
	Failures []error
}

func (e *ReadinessTimeoutError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "testserver: not ready after %v (%d attempts)", e.Timeout, e.Attempts)
	if len(e.Failures) > 0 {
		b.WriteString(": ")
		for i, f := range e.Failures {
			if i > 0 {
				b.WriteString("; ")
			}
			b.WriteString(f.Error())
		}
	}
	return b.String()
}

// Unwrap exposes the last observed failures
func (e *ReadinessTimeoutError) Unwrap() []error {
	return e.Failures
}

// Is matches ErrReadinessTimeout
func (e *ReadinessTimeoutError) Is(target error) bool {
	return target == ErrReadinessTimeout
}

// OwnershipTimeoutError reports that a non-owner waiter exceeded its ceiling
// waiting for another caller to bring the server up.
type OwnershipTimeoutError struct {
	// MutexName is the named mutex held by the owner
	MutexName string
	// Waited is how long the waiter polled
	Waited time.Duration
	// OwnerPID is the owner's pid from its owner record, 0 if unknown
	OwnerPID int
	// LastErr is the last health check failure
	LastErr error
}

func (e *OwnershipTimeoutError) Error() string {
	owner := "unknown owner"
	if e.OwnerPID > 0 {
		owner = fmt.Sprintf("owner pid %d", e.OwnerPID)
	}
	msg := fmt.Sprintf("testserver: %s (%s) not ready after waiting %v", e.MutexName, owner, e.Waited)
	if e.LastErr != nil {
		msg += ": " + e.LastErr.Error()
	}
	return msg
}

// Unwrap returns the last health check failure
func (e *OwnershipTimeoutError) Unwrap() error {
	return e.LastErr
}

// Is matches ErrOwnershipTimeout
func (e *OwnershipTimeoutError) Is(target error) bool {
	return target == ErrOwnershipTimeout
}

// DisposalWarning is a non-fatal cleanup failure. It is logged, never returned.
type DisposalWarning struct {
	// Op is the cleanup step that failed
	Op string
	// Err is the underlying error
	Err error
}

func (w *DisposalWarning) Error() string {
	return fmt.Sprintf("testserver: %s: %v", w.Op, w.Err)
}

// Unwrap returns the underlying error for error chain inspection
func (w *DisposalWarning) Unwrap() error {
	return w.Err
}

// MultiError aggregates multiple errors from bulk operations
type MultiError struct {
	// Errors contains all accumulated errors
	Errors []error
}

// Error returns a summary of the accumulated errors
func (m *MultiError) Error() string {
	if len(m.Errors) == 0 {
		return "no errors"
	}
	if len(m.Errors) == 1 {
		return m.Errors[0].Error()
	}
	return fmt.Sprintf("%d errors occurred", len(m.Errors))
}

// Add appends an error to the collection if it's not nil
func (m *MultiError) Add(err error) {
	if err != nil {
		m.Errors = append(m.Errors, err)
	}
}

// Unwrap exposes the accumulated errors to errors.Is and errors.As
func (m *MultiError) Unwrap() []error {
	return m.Errors
}

// Err returns nil if no errors occurred, otherwise returns the MultiError itself
func (m *MultiError) Err() error {
	if len(m.Errors) == 0 {
		return nil
	}
	return m
}
