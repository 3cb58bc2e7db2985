package testserver

import (
	"context"
	"sync"
	"time"
)

// Manager starts and stops several servers concurrently, each through its
// own Orchestrator. Suites that need, say, an API and a frontend up at the
// same time use it instead of sequencing Start calls.
type Manager struct {
	// Concurrency is the maximum number of concurrent operations
	Concurrency int
	// Timeout is the per-operation timeout; 0 means none beyond ctx
	Timeout time.Duration
	// Options are applied to every Orchestrator the Manager creates
	Options []Option
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithConcurrency sets the maximum number of concurrent operations
func WithConcurrency(n int) ManagerOption {
	return func(m *Manager) {
		m.Concurrency = n
	}
}

// WithTimeout sets the per-operation timeout
func WithTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.Timeout = d
	}
}

// WithOrchestratorOptions sets options for the orchestrators the Manager creates
func WithOrchestratorOptions(opts ...Option) ManagerOption {
	return func(m *Manager) {
		m.Options = append(m.Options, opts...)
	}
}

// NewManager creates a new Manager with default settings
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		Concurrency: 4,
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.Concurrency < 1 {
		m.Concurrency = 1
	}

	return m
}

func (m *Manager) execute(ctx context.Context, n int, op func(context.Context, int) error) error {
	if n == 0 {
		return nil
	}

	// Semaphore for concurrency control
	sem := make(chan struct{}, m.Concurrency)

	var wg sync.WaitGroup
	var mu sync.Mutex
	merr := &MultiError{}

	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				mu.Lock()
				merr.Add(ctx.Err())
				mu.Unlock()
				return
			}

			opCtx := ctx
			if m.Timeout > 0 {
				var cancel context.CancelFunc
				opCtx, cancel = context.WithTimeout(ctx, m.Timeout)
				defer cancel()
			}

			if err := op(opCtx, i); err != nil {
				mu.Lock()
				merr.Add(err)
				mu.Unlock()
			}
		}(i)
	}

	wg.Wait()

	return merr.Err()
}

// Up starts every plan and returns handles in plan order. Entries for plans
// that failed are nil and their errors are aggregated in a MultiError; the
// servers that did start are left running for the caller to Down.
func (m *Manager) Up(ctx context.Context, plans ...LaunchPlan) ([]*ServerHandle, error) {
	handles := make([]*ServerHandle, len(plans))
	err := m.execute(ctx, len(plans), func(ctx context.Context, i int) error {
		h, err := New(m.Options...).Start(ctx, plans[i])
		if err != nil {
			return err
		}
		handles[i] = h
		return nil
	})
	return handles, err
}

// Down stops every handle concurrently. Nil handles are skipped.
func (m *Manager) Down(ctx context.Context, handles ...*ServerHandle) error {
	return m.execute(ctx, len(handles), func(_ context.Context, i int) error {
		if handles[i] != nil {
			handles[i].Stop()
		}
		return nil
	})
}
