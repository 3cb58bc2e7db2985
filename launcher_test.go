package testserver

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLauncherStartAndDispose(t *testing.T) {
	port := freePort(t)
	plan := mustBuild(t, helperBuilder(t, port).
		WithEnv(helperDelayEnv, "300ms").
		WithHealthCheckEndpoints("/health"))

	l := NewProcessLauncher(nil)
	if err := l.Start(context.Background(), plan); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if l.PID() <= 0 {
		t.Errorf("PID = %d, want positive", l.PID())
	}
	if !l.Running() {
		t.Fatal("launcher should report the child running")
	}
	if !serverUp(fmt.Sprintf("http://127.0.0.1:%d/health", port)) {
		t.Fatal("helper server not answering after Start")
	}

	start := time.Now()
	l.Dispose()
	if elapsed := time.Since(start); elapsed > DefaultTerminateTimeout {
		t.Errorf("Dispose took %v", elapsed)
	}
	if l.Running() {
		t.Error("child still running after Dispose")
	}
	if serverUp(fmt.Sprintf("http://127.0.0.1:%d/health", port)) {
		t.Error("helper server still answering after Dispose")
	}

	// Idempotent
	l.Dispose()
}

func TestLauncherStreamsOutput(t *testing.T) {
	port := freePort(t)
	plan := mustBuild(t, helperBuilder(t, port).WithStreamOutput(true))

	logger, buf := captureLogger()
	l := NewProcessLauncher(logger)
	if err := l.Start(context.Background(), plan); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	l.Dispose()

	out := buf.String()
	for _, want := range []string{
		`msg="helper starting" stream=stdout`,
		`level=WARN msg="helper diagnostics on stderr" stream=stderr`,
		"server ready",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
}

func TestLauncherWithoutStreaming(t *testing.T) {
	port := freePort(t)
	plan := mustBuild(t, helperBuilder(t, port))

	logger, buf := captureLogger()
	l := NewProcessLauncher(logger)
	if err := l.Start(context.Background(), plan); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	l.Dispose()

	if strings.Contains(buf.String(), "stream=stdout") {
		t.Error("output forwarded although streaming is disabled")
	}
}

func TestLauncherEarlyExit(t *testing.T) {
	port := freePort(t)
	plan := mustBuild(t, helperBuilder(t, port).
		WithEnv(helperExitEnv, "3").
		WithStartupTimeout(20*time.Second))

	l := NewProcessLauncher(nil)
	defer l.Dispose()

	start := time.Now()
	err := l.Start(context.Background(), plan)
	if err == nil {
		t.Fatal("Start succeeded for a child that exits immediately")
	}
	if !errors.Is(err, ErrLaunch) || !errors.Is(err, ErrProcessExited) {
		t.Errorf("Start error = %v, want LaunchError wrapping ErrProcessExited", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("early exit detected after %v, want well before the startup timeout", elapsed)
	}
	if l.Running() {
		t.Error("Running should be false after the child exited")
	}
}

func TestLauncherSpawnFailure(t *testing.T) {
	plan := mustBuild(t, NewScriptRunnerBuilder(filepath.Join(t.TempDir(), "no-such-binary")).
		WithBaseURL("http://127.0.0.1:1"))

	l := NewProcessLauncher(nil)
	err := l.Start(context.Background(), plan)

	var launchErr *LaunchError
	if !errors.As(err, &launchErr) {
		t.Fatalf("Start error = %v, want *LaunchError", err)
	}
	if l.PID() != 0 {
		t.Errorf("PID = %d after failed spawn, want 0", l.PID())
	}
	l.Dispose()
}

func TestLauncherReadinessTimeoutLeavesChild(t *testing.T) {
	port := freePort(t)
	plan := mustBuild(t, helperBuilder(t, port).
		WithEnv(helperDelayEnv, "30s").
		WithStartupTimeout(300*time.Millisecond))

	l := NewProcessLauncher(nil)
	err := l.Start(context.Background(), plan)
	if !errors.Is(err, ErrReadinessTimeout) {
		t.Fatalf("Start error = %v, want ErrReadinessTimeout", err)
	}
	if !l.Running() {
		t.Error("launcher killed the child on readiness failure; disposal is the caller's job")
	}

	l.Dispose()
	if l.Running() {
		t.Error("child still running after Dispose")
	}
}

func TestLauncherCanceledBeforeSpawn(t *testing.T) {
	plan := mustBuild(t, helperBuilder(t, freePort(t)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	l := NewProcessLauncher(nil)
	err := l.Start(ctx, plan)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Start error = %v, want context.Canceled", err)
	}
	if l.PID() != 0 {
		t.Error("a process was spawned for a canceled context")
	}
}

func TestLauncherReuse(t *testing.T) {
	plan := mustBuild(t, helperBuilder(t, freePort(t)))

	l := NewProcessLauncher(nil)
	if err := l.Start(context.Background(), plan); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := l.Start(context.Background(), plan); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}
	l.Dispose()

	if err := l.Start(context.Background(), plan); !errors.Is(err, ErrDisposed) {
		t.Errorf("Start after Dispose = %v, want ErrDisposed", err)
	}
}

func TestLauncherRejectsExternalPlan(t *testing.T) {
	plan := mustBuild(t, NewExternalServerBuilder("http://127.0.0.1:1"))

	err := NewProcessLauncher(nil).Start(context.Background(), plan)
	if !errors.Is(err, ErrConfiguration) {
		t.Errorf("Start error = %v, want ErrConfiguration", err)
	}
}

func TestLauncherDisposeBeforeStart(t *testing.T) {
	l := NewProcessLauncher(nil, WithTerminateTimeout(time.Second), WithDrainTimeout(10*time.Millisecond))
	l.Dispose()
	if l.Running() || l.PID() != 0 || l.Done() != nil {
		t.Error("unstarted launcher should report no process")
	}
}
