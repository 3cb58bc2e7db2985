package testserver

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReadyFileProbe treats the application as ready once it creates a sentinel
// file. Useful for servers that cannot expose an HTTP health endpoint before
// they finish warming up. A relative Path is resolved against the plan's
// working directory.
type ReadyFileProbe struct {
	Path string
}

func (p *ReadyFileProbe) path(plan LaunchPlan) string {
	if filepath.IsAbs(p.Path) {
		return filepath.Clean(p.Path)
	}
	return filepath.Join(plan.WorkingDirectory(), p.Path)
}

// Check reports whether the ready file exists
func (p *ReadyFileProbe) Check(_ context.Context, plan LaunchPlan) error {
	path := p.path(plan)
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("ready file %s: %w", path, err)
	}
	return nil
}

// WaitUntilReady watches the ready file's directory until the file appears
// or the plan's startup timeout elapses. The first check runs after the
// plan's initial delay, which counts against the timeout. The poll interval
// is used as a fallback rescan in case a filesystem event is missed.
func (p *ReadyFileProbe) WaitUntilReady(ctx context.Context, plan LaunchPlan, logger *slog.Logger) error {
	logger = loggerOrDiscard(logger)
	path := p.path(plan)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("testserver: creating watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return &ConfigurationError{Field: "readyFile", Reason: err.Error()}
	}

	start := time.Now()
	if err := sleepCtx(ctx, min(plan.InitialDelay(), plan.StartupTimeout())); err != nil {
		return err
	}

	attempts := 1
	last := p.Check(ctx, plan)
	if last == nil {
		logger.Info("server ready", "readyFile", path, "attempts", attempts)
		return nil
	}

	timeout := time.NewTimer(plan.StartupTimeout() - time.Since(start))
	defer timeout.Stop()
	rescan := time.NewTicker(plan.PollInterval())
	defer rescan.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("testserver: readiness wait canceled: %w", ctx.Err())

		case <-timeout.C:
			return &ReadinessTimeoutError{Timeout: plan.StartupTimeout(), Attempts: attempts, Failures: []error{last}}

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("testserver: watcher closed")
			}
			if filepath.Clean(event.Name) != path || event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("testserver: watcher closed")
			}
			logger.Warn("ready file watcher error", "error", err)
			continue

		case <-rescan.C:
		}

		attempts++
		if last = p.Check(ctx, plan); last == nil {
			logger.Info("server ready", "readyFile", path, "attempts", attempts)
			return nil
		}
	}
}
