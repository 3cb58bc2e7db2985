package testserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// ReadinessProbe decides when a launched application is ready to serve.
// Implementations must stop promptly when ctx is done and report that as an
// error wrapping ctx.Err(), distinct from a ReadinessTimeoutError.
type ReadinessProbe interface {
	WaitUntilReady(ctx context.Context, plan LaunchPlan, logger *slog.Logger) error
}

// HealthChecker performs a single readiness check with no retries
type HealthChecker interface {
	Check(ctx context.Context, plan LaunchPlan) error
}

// HTTPProbe is the default ReadinessProbe. It issues sequential GET requests
// against every configured endpoint, loopback address before hostname, and
// succeeds on the first 2xx response.
type HTTPProbe struct {
	// Client performs the requests
	Client *http.Client

	// AttemptTimeout bounds each individual request
	AttemptTimeout time.Duration
}

// ProbeOption configures an HTTPProbe
type ProbeOption func(*HTTPProbe)

// WithHTTPClient sets the client used for health requests
func WithHTTPClient(c *http.Client) ProbeOption {
	return func(p *HTTPProbe) {
		p.Client = c
	}
}

// WithAttemptTimeout sets the per-request timeout
func WithAttemptTimeout(d time.Duration) ProbeOption {
	return func(p *HTTPProbe) {
		p.AttemptTimeout = d
	}
}

// NewHTTPProbe creates an HTTPProbe with default settings
func NewHTTPProbe(opts ...ProbeOption) *HTTPProbe {
	p := &HTTPProbe{
		Client:         &http.Client{},
		AttemptTimeout: DefaultAttemptTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WaitUntilReady polls the plan's endpoints until one succeeds or the
// plan's startup timeout elapses.
func (p *HTTPProbe) WaitUntilReady(ctx context.Context, plan LaunchPlan, logger *slog.Logger) error {
	logger = loggerOrDiscard(logger)
	start := time.Now()

	attempts, last, err := poll(ctx, plan.StartupTimeout(), plan.InitialDelay(), plan.PollInterval(),
		func(ctx context.Context) error { return p.Check(ctx, plan) },
		func(attempt int, err error) {
			logger.Debug("readiness attempt failed", "attempt", attempt, "port", plan.Port(), "error", err)
		})
	switch {
	case err == nil:
		logger.Info("server ready", "url", plan.BaseURL().String(), "attempts", attempts, "elapsed", time.Since(start).Round(time.Millisecond))
		return nil
	case errors.Is(err, errPollExhausted):
		return &ReadinessTimeoutError{Timeout: plan.StartupTimeout(), Attempts: attempts, Failures: failuresOf(last)}
	default:
		return err
	}
}

// Check tries every endpoint once and returns nil on the first success.
// On failure it returns a MultiError with one entry per URL tried.
func (p *HTTPProbe) Check(ctx context.Context, plan LaunchPlan) error {
	merr := &MultiError{}
	for _, endpoint := range plan.HealthCheckEndpoints() {
		for _, u := range plan.endpointURLs(endpoint) {
			err := p.get(ctx, u)
			if err == nil {
				return nil
			}
			merr.Add(err)
			if ctx.Err() != nil {
				return merr.Err()
			}
		}
	}
	return merr.Err()
}

func (p *HTTPProbe) get(ctx context.Context, u string) error {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	timeout := p.AttemptTimeout
	if timeout <= 0 {
		timeout = DefaultAttemptTimeout
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("GET %s: status %d", u, resp.StatusCode)
	}
	return nil
}

var errPollExhausted = errors.New("poll budget exhausted")

// poll runs check sequentially: once after initialDelay, then every interval,
// until it succeeds or budget elapses. It returns errPollExhausted when the
// budget runs out and an error wrapping ctx.Err() on cancellation.
func poll(ctx context.Context, budget, initialDelay, interval time.Duration,
	check func(context.Context) error, onFailure func(attempt int, err error),
) (attempts int, last error, err error) {
	deadline := time.Now().Add(budget)

	if initialDelay > 0 {
		if err := sleepCtx(ctx, min(initialDelay, time.Until(deadline))); err != nil {
			return 0, nil, err
		}
	}

	for {
		if !time.Now().Before(deadline) {
			return attempts, last, errPollExhausted
		}

		attempts++
		attemptCtx, cancel := context.WithDeadline(ctx, deadline)
		last = check(attemptCtx)
		cancel()
		if last == nil {
			return attempts, nil, nil
		}
		if ctx.Err() != nil {
			return attempts, last, fmt.Errorf("testserver: readiness wait canceled: %w", ctx.Err())
		}
		if onFailure != nil {
			onFailure(attempts, last)
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return attempts, last, errPollExhausted
		}
		if err := sleepCtx(ctx, min(interval, remaining)); err != nil {
			return attempts, last, err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		if ctx.Err() != nil {
			return fmt.Errorf("testserver: readiness wait canceled: %w", ctx.Err())
		}
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("testserver: readiness wait canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func failuresOf(err error) []error {
	if err == nil {
		return nil
	}
	var merr *MultiError
	if errors.As(err, &merr) {
		return append([]error(nil), merr.Errors...)
	}
	return []error{err}
}
