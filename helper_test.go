package testserver

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"
)

// Environment understood by the helper server mode of the test binary
const (
	helperEnv       = "TESTSERVER_HELPER"
	helperDelayEnv  = "HELPER_DELAY"
	helperExitEnv   = "HELPER_EXIT_CODE"
	helperStatusEnv = "HELPER_ROOT_STATUS"
	helperFileEnv   = "HELPER_READY_FILE"
)

// TestMain doubles as a tiny HTTP server when re-executed with
// TESTSERVER_HELPER=serve, so launcher and orchestrator tests can spawn a
// real child without depending on any other runtime.
func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "serve" {
		os.Exit(runHelperServer())
	}
	os.Exit(m.Run())
}

func runHelperServer() int {
	fmt.Fprintln(os.Stdout, "helper starting")
	fmt.Fprintln(os.Stderr, "helper diagnostics on stderr")

	if code := os.Getenv(helperExitEnv); code != "" {
		n, _ := strconv.Atoi(code)
		return n
	}
	if d, err := time.ParseDuration(os.Getenv(helperDelayEnv)); err == nil {
		time.Sleep(d)
	}

	addr := net.JoinHostPort(os.Getenv(EnvScriptHost), os.Getenv(EnvScriptPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "helper listen:", err)
		return 2
	}

	rootStatus := http.StatusOK
	if s, err := strconv.Atoi(os.Getenv(helperStatusEnv)); err == nil {
		rootStatus = s
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(rootStatus)
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: time.Second}

	if path := os.Getenv(helperFileEnv); path != "" {
		_ = os.WriteFile(path, []byte("ready"), FileMode)
	}
	fmt.Fprintln(os.Stdout, "helper listening on", ln.Addr())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, os.Interrupt)
	go func() {
		<-sigs
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return 1
	}
	return 0
}

// freePort returns a loopback port that was free a moment ago
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = ln.Close() }()
	return ln.Addr().(*net.TCPAddr).Port
}

// helperBuilder returns a script-runner builder that re-executes the test
// binary as a helper server on port
func helperBuilder(t *testing.T, port int) *ServerBuilder {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}
	return NewScriptRunnerBuilder(exe, "-test.run=^$").
		WithBaseURL(fmt.Sprintf("http://127.0.0.1:%d", port)).
		WithEnv(helperEnv, "serve").
		WithStartupTimeout(10 * time.Second).
		WithPollInterval(50 * time.Millisecond)
}

func mustBuild(t *testing.T, b *ServerBuilder) LaunchPlan {
	t.Helper()
	plan, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return plan
}

// syncBuffer is a goroutine-safe bytes.Buffer for capturing log output
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func captureLogger() (*slog.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

// serverUp reports whether something answers 2xx on url
func serverUp(url string) bool {
	client := &http.Client{Timeout: time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
