package testserver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"vawter.tech/stopper"

	"github.com/axondata/go-testserver/internal/procgroup"
)

// maxLineSize bounds a single forwarded output line
const maxLineSize = 1 << 20

// Launcher starts and disposes one server process. ProcessLauncher is the
// production implementation; the orchestrator accepts any Launcher so tests
// can substitute their own.
type Launcher interface {
	// Start spawns the process and waits for the plan's readiness probe
	Start(ctx context.Context, plan LaunchPlan) error
	// Dispose stops the process if it is still running. Idempotent.
	Dispose()
	// PID returns the child pid, or 0 if nothing was spawned
	PID() int
}

// LauncherFactory creates a Launcher that logs to logger
type LauncherFactory func(logger *slog.Logger) Launcher

// ProcessLauncher owns exactly one child process. It redirects the child's
// output, optionally forwards it line by line to a logger, and delegates the
// readiness decision to the plan's probe. A launcher cannot be reused.
type ProcessLauncher struct {
	// TerminateTimeout bounds the wait for exit after graceful termination
	TerminateTimeout time.Duration

	// DrainTimeout bounds the wait for output readers after the child exits
	DrainTimeout time.Duration

	logger *slog.Logger

	// mu protects the process state below
	mu       sync.Mutex
	cmd      *exec.Cmd
	exited   chan struct{}
	exitErr  error
	streams  *stopper.Context
	drained  chan struct{}
	started  bool
	disposed bool
}

// LauncherOption configures a ProcessLauncher
type LauncherOption func(*ProcessLauncher)

// WithTerminateTimeout sets how long Dispose waits after graceful termination
func WithTerminateTimeout(d time.Duration) LauncherOption {
	return func(l *ProcessLauncher) {
		l.TerminateTimeout = d
	}
}

// WithDrainTimeout sets how long Dispose waits for output readers
func WithDrainTimeout(d time.Duration) LauncherOption {
	return func(l *ProcessLauncher) {
		l.DrainTimeout = d
	}
}

// NewProcessLauncher creates a launcher logging to logger (nil discards)
func NewProcessLauncher(logger *slog.Logger, opts ...LauncherOption) *ProcessLauncher {
	l := &ProcessLauncher{
		TerminateTimeout: DefaultTerminateTimeout,
		DrainTimeout:     DefaultDrainTimeout,
		logger:           loggerOrDiscard(logger),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start spawns the plan's command and waits for the plan's readiness probe.
//
// If readiness fails the process is left running and the error is returned;
// the caller decides whether to Dispose. If ctx is canceled before the spawn
// nothing is started; after the spawn the child keeps running and an error
// wrapping ctx.Err() is returned. A child that exits before it becomes ready
// yields a LaunchError wrapping ErrProcessExited.
func (l *ProcessLauncher) Start(ctx context.Context, plan LaunchPlan) error {
	exited, pid, err := l.spawn(ctx, plan)
	if err != nil {
		return err
	}

	probeCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go func() {
		select {
		case <-exited:
			cancel(ErrProcessExited)
		case <-probeCtx.Done():
		}
	}()

	err = plan.ReadinessProbe().WaitUntilReady(probeCtx, plan, l.logger)
	if err == nil {
		return nil
	}
	if ctx.Err() == nil && errors.Is(context.Cause(probeCtx), ErrProcessExited) {
		return &LaunchError{
			Command: plan.Command(),
			Err:     fmt.Errorf("%w (pid %d): %v", ErrProcessExited, pid, l.ExitErr()),
		}
	}
	return err
}

func (l *ProcessLauncher) spawn(ctx context.Context, plan LaunchPlan) (<-chan struct{}, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.disposed {
		return nil, 0, ErrDisposed
	}
	if l.started {
		return nil, 0, ErrAlreadyStarted
	}
	if plan.External() || plan.Command() == "" {
		return nil, 0, &ConfigurationError{Field: "command", Reason: "plan has no command to launch"}
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, fmt.Errorf("testserver: launch canceled: %w", err)
	}
	l.started = true

	cmd := exec.Command(plan.Command(), plan.Args()...)
	cmd.Dir = plan.WorkingDirectory()
	cmd.Env = plan.environ()
	procgroup.Configure(cmd)

	var readers, writers []*os.File
	if plan.StreamOutput() {
		for range 2 {
			r, w, err := os.Pipe()
			if err != nil {
				closeFiles(readers...)
				closeFiles(writers...)
				return nil, 0, &LaunchError{Command: plan.Command(), Err: err}
			}
			readers = append(readers, r)
			writers = append(writers, w)
		}
		cmd.Stdout = writers[0]
		cmd.Stderr = writers[1]
	}

	if err := cmd.Start(); err != nil {
		closeFiles(readers...)
		closeFiles(writers...)
		return nil, 0, &LaunchError{Command: plan.Command(), Err: err}
	}
	// The child holds its own copies of the write ends.
	closeFiles(writers...)

	l.cmd = cmd
	l.exited = make(chan struct{})
	pid := cmd.Process.Pid
	go l.wait(cmd, l.exited)

	if len(readers) == 2 {
		l.startStreams(ctx, pid, readers[0], readers[1])
	}

	l.logger.Info("server process started",
		"command", plan.Command(),
		"args", plan.Args(),
		"dir", plan.WorkingDirectory(),
		"pid", pid,
	)
	return l.exited, pid, nil
}

func (l *ProcessLauncher) wait(cmd *exec.Cmd, exited chan struct{}) {
	err := cmd.Wait()
	l.exitErr = err
	close(exited)
	l.logger.Info("server process exited", "pid", cmd.Process.Pid, "status", exitStatus(err))
}

// startStreams forwards stdout at Info and stderr at Warn until the pipes
// close. Reader failures are logged and swallowed.
func (l *ProcessLauncher) startStreams(ctx context.Context, pid int, stdout, stderr *os.File) {
	sctx := stopper.WithContext(context.WithoutCancel(ctx))
	l.streams = sctx
	l.drained = make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)
	sctx.Go(func(_ *stopper.Context) error {
		defer wg.Done()
		l.forward(stdout, "stdout", slog.LevelInfo, pid)
		return nil
	})
	sctx.Go(func(_ *stopper.Context) error {
		defer wg.Done()
		l.forward(stderr, "stderr", slog.LevelWarn, pid)
		return nil
	})

	// Closing the read ends is what unblocks readers whose pipes are still
	// held open by grandchildren.
	sctx.Go(func(sctx *stopper.Context) error {
		<-sctx.Stopping()
		closeFiles(stdout, stderr)
		return nil
	})

	drained := l.drained
	go func() {
		wg.Wait()
		close(drained)
	}()
}

func (l *ProcessLauncher) forward(r io.Reader, stream string, level slog.Level, pid int) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		l.logger.LogAttrs(context.Background(), level, scanner.Text(),
			slog.String("stream", stream),
			slog.Int("pid", pid),
		)
	}
	err := scanner.Err()
	if err == nil || errors.Is(err, os.ErrClosed) {
		return
	}
	l.logger.Warn("output stream failed", "stream", stream, "pid", pid, "error", err)
	// Keep the pipe drained so the child never blocks on a full buffer.
	_, _ = io.Copy(io.Discard, r)
}

// Dispose requests graceful termination of a running child, waits up to
// TerminateTimeout, then force-kills and waits once more before giving up.
// Failures are logged as DisposalWarning. Safe to call more than once and on
// a launcher whose process already exited.
func (l *ProcessLauncher) Dispose() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.disposed {
		return
	}
	l.disposed = true

	if l.cmd == nil {
		return
	}
	proc := l.cmd.Process

	select {
	case <-l.exited:
	default:
		l.logger.Info("stopping server process", "pid", proc.Pid)
		if err := procgroup.Terminate(proc); err != nil {
			l.warn(&DisposalWarning{Op: "terminate", Err: err})
		}
		if !waitFor(l.exited, l.TerminateTimeout) {
			l.warn(&DisposalWarning{
				Op:  "terminate",
				Err: fmt.Errorf("pid %d still running after %v, killing", proc.Pid, l.TerminateTimeout),
			})
			if err := procgroup.Kill(proc); err != nil {
				l.warn(&DisposalWarning{Op: "kill", Err: err})
			}
			if !waitFor(l.exited, l.TerminateTimeout) {
				l.warn(&DisposalWarning{Op: "kill", Err: fmt.Errorf("pid %d did not exit", proc.Pid)})
			}
		}
	}

	l.stopStreams()
}

func (l *ProcessLauncher) stopStreams() {
	if l.streams == nil {
		return
	}
	if !waitFor(l.drained, l.DrainTimeout) {
		l.logger.Debug("output readers still open, closing pipes")
	}
	l.streams.Stop(l.DrainTimeout)
	if err := l.streams.Wait(); err != nil {
		l.warn(&DisposalWarning{Op: "stop output readers", Err: err})
	}
}

func (l *ProcessLauncher) warn(w *DisposalWarning) {
	l.logger.Warn("disposal warning", "op", w.Op, "error", w.Err)
}

// PID returns the child pid, or 0 if nothing was spawned
func (l *ProcessLauncher) PID() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cmd == nil || l.cmd.Process == nil {
		return 0
	}
	return l.cmd.Process.Pid
}

// Running reports whether the child has been spawned and not yet exited
func (l *ProcessLauncher) Running() bool {
	l.mu.Lock()
	exited := l.exited
	l.mu.Unlock()
	if exited == nil {
		return false
	}
	select {
	case <-exited:
		return false
	default:
		return true
	}
}

// Done returns a channel closed when the child exits. It is nil before Start.
func (l *ProcessLauncher) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.exited
}

// ExitErr returns the child's exit error once it has exited
func (l *ProcessLauncher) ExitErr() error {
	done := l.Done()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return l.exitErr
	default:
		return nil
	}
}

func exitStatus(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}

func waitFor(ch <-chan struct{}, d time.Duration) bool {
	if ch == nil {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	}
}

func closeFiles(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			_ = f.Close()
		}
	}
}
