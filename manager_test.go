package testserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestManagerUpDown(t *testing.T) {
	api, web := okServer(t), okServer(t)
	helperPort := freePort(t)

	plans := []LaunchPlan{
		mustBuild(t, NewExternalServerBuilder(api.URL)),
		mustBuild(t, NewExternalServerBuilder(web.URL)),
		mustBuild(t, helperBuilder(t, helperPort)),
	}

	mgr := NewManager(
		WithConcurrency(2),
		WithTimeout(15*time.Second),
		WithOrchestratorOptions(WithLockDir(t.TempDir())),
	)

	ctx := context.Background()
	handles, err := mgr.Up(ctx, plans...)
	if err != nil {
		t.Fatal(err)
	}
	if len(handles) != len(plans) {
		t.Fatalf("got %d handles, want %d", len(handles), len(plans))
	}
	for i, h := range handles {
		if h == nil {
			t.Fatalf("handle %d is nil", i)
		}
		if h.Port() != plans[i].Port() {
			t.Errorf("handle %d port = %d, want %d", i, h.Port(), plans[i].Port())
		}
	}
	if !handles[2].Owner() {
		t.Error("launched helper should be owned")
	}

	if err := mgr.Down(ctx, handles...); err != nil {
		t.Fatal(err)
	}
	for i, h := range handles {
		if !h.Stopped() {
			t.Errorf("handle %d not stopped", i)
		}
	}
	if serverUp(fmt.Sprintf("http://127.0.0.1:%d/", helperPort)) {
		t.Error("owned helper still answering after Down")
	}
	if !serverUp(api.URL) {
		t.Error("external server must be left alone by Down")
	}
}

func TestManagerPartialFailure(t *testing.T) {
	api := okServer(t)
	unreachable := fmt.Sprintf("http://127.0.0.1:%d", freePort(t))

	plans := []LaunchPlan{
		mustBuild(t, NewExternalServerBuilder(api.URL)),
		mustBuild(t, NewExternalServerBuilder(unreachable).
			WithStartupTimeout(200*time.Millisecond).
			WithPollInterval(20*time.Millisecond)),
	}

	mgr := NewManager()
	handles, err := mgr.Up(context.Background(), plans...)
	if err == nil {
		t.Fatal("expected an error for the unreachable server")
	}

	var merr *MultiError
	if !errors.As(err, &merr) || len(merr.Errors) != 1 {
		t.Fatalf("error = %v, want a MultiError with one entry", err)
	}
	if !errors.Is(err, ErrReadinessTimeout) {
		t.Errorf("error = %v, want ErrReadinessTimeout inside", err)
	}
	if handles[0] == nil || handles[1] != nil {
		t.Errorf("handles = %v, want only the first populated", handles)
	}

	if err := mgr.Down(context.Background(), handles...); err != nil {
		t.Fatal(err)
	}
}

func TestManagerEmpty(t *testing.T) {
	mgr := NewManager(WithConcurrency(0))
	if mgr.Concurrency != 1 {
		t.Errorf("Concurrency = %d, want clamped to 1", mgr.Concurrency)
	}

	handles, err := mgr.Up(context.Background())
	if err != nil || len(handles) != 0 {
		t.Errorf("Up() = %v, %v; want empty, nil", handles, err)
	}
	if err := mgr.Down(context.Background()); err != nil {
		t.Error(err)
	}
}

func TestManagerCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	api := okServer(t)
	_, err := NewManager().Up(ctx, mustBuild(t, NewExternalServerBuilder(api.URL)))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Up with canceled context = %v, want context.Canceled", err)
	}
}
