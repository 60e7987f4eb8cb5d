package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/davidahmann/kpregistry/internal/config"
	"github.com/davidahmann/kpregistry/internal/logging"
)

func stubFactory(t *testing.T, check func(config.Config)) serverFactory {
	return func(_ context.Context, cfg config.Config, _ *slog.Logger) (*http.Server, func(), error) {
		if check != nil {
			check(cfg)
		}
		return &http.Server{Addr: cfg.ListenAddr}, func() {}, nil
	}
}

func TestNewServer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.Default()
	cfg.ListenAddr = "127.0.0.1:9999"
	srv, cleanup, err := newServer(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	defer cleanup()
	if srv.Addr != cfg.ListenAddr {
		t.Fatalf("expected addr %s, got %s", cfg.ListenAddr, srv.Addr)
	}

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected health 200, got %d", rec.Code)
	}
}

func TestNewServerSQLite(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.Default()
	cfg.Store.Backend = config.BackendSQLite
	cfg.Store.DSN = "file:" + filepath.Join(t.TempDir(), "kp.db")
	srv, cleanup, err := newServer(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	defer cleanup()
	if srv.Handler == nil {
		t.Fatalf("expected handler to be set")
	}
}

func TestNewServerCleanupStopsSweeper(t *testing.T) {
	var logs bytes.Buffer
	ctx := logging.WithLogger(context.Background(), slog.New(slog.NewTextHandler(&logs, nil)))

	cfg := config.Default()
	cfg.Store.Backend = config.BackendSQLite
	cfg.Store.DSN = "file:" + filepath.Join(t.TempDir(), "kp.db")
	cfg.Retention.Interval = time.Millisecond
	_, cleanup, err := newServer(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	// The parent context is still live; cleanup alone must stop the sweeper
	// before the database closes under it.
	cleanup()
	time.Sleep(10 * time.Millisecond)
	if strings.Contains(logs.String(), "retention sweep failed") {
		t.Fatalf("sweeper ran against closed stores:\n%s", logs.String())
	}
}

func TestNewServerBadIssuerKey(t *testing.T) {
	cfg := config.Default()
	cfg.Issuer.PrivateKeyPath = filepath.Join(t.TempDir(), "missing.key")
	if _, _, err := newServer(context.Background(), cfg, slog.Default()); err == nil {
		t.Fatalf("expected error for missing issuer key")
	}
}

func TestRunDefaults(t *testing.T) {
	factory := stubFactory(t, func(cfg config.Config) {
		if cfg.ListenAddr != ":3000" {
			t.Fatalf("expected default addr, got %s", cfg.ListenAddr)
		}
		if cfg.Store.Backend != config.BackendMemory {
			t.Fatalf("expected memory backend, got %s", cfg.Store.Backend)
		}
	})
	listen := func(_ *http.Server) error { return http.ErrServerClosed }
	getenv := func(string) string { return "" }
	if err := run(nil, getenv, listen, factory); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRunError(t *testing.T) {
	listenErr := errors.New("listen failed")
	listen := func(_ *http.Server) error { return listenErr }
	getenv := func(key string) string {
		if key == "KP_LISTEN_ADDR" {
			return "127.0.0.1:1234"
		}
		return ""
	}
	if err := run(nil, getenv, listen, stubFactory(t, nil)); !errors.Is(err, listenErr) {
		t.Fatalf("expected listen error, got %v", err)
	}
}

func TestRunFactoryError(t *testing.T) {
	factory := func(context.Context, config.Config, *slog.Logger) (*http.Server, func(), error) {
		return nil, nil, errors.New("boom")
	}
	listen := func(_ *http.Server) error {
		t.Fatalf("listen should not be called")
		return nil
	}
	if err := run(nil, func(string) string { return "" }, listen, factory); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRunLoadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kp.yaml")
	if err := os.WriteFile(path, []byte("listen_addr: \":9999\"\nquarantine:\n  threshold: 5\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	factory := stubFactory(t, func(cfg config.Config) {
		if cfg.ListenAddr != ":9999" {
			t.Fatalf("expected addr from config, got %s", cfg.ListenAddr)
		}
		if cfg.Quarantine.Threshold != 5 {
			t.Fatalf("expected threshold from config, got %d", cfg.Quarantine.Threshold)
		}
	})
	listen := func(_ *http.Server) error { return http.ErrServerClosed }
	getenv := func(key string) string {
		if key == "KP_CONFIG_PATH" {
			return path
		}
		return ""
	}
	if err := run(nil, getenv, listen, factory); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRunFlagOverridesEnvPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kp.yaml")
	if err := os.WriteFile(path, []byte("listen_addr: \":7777\"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	factory := stubFactory(t, func(cfg config.Config) {
		if cfg.ListenAddr != ":7777" {
			t.Fatalf("expected addr from flag config, got %s", cfg.ListenAddr)
		}
	})
	listen := func(_ *http.Server) error { return http.ErrServerClosed }
	getenv := func(key string) string {
		if key == "KP_CONFIG_PATH" {
			return filepath.Join(dir, "missing.yaml")
		}
		return ""
	}
	if err := run([]string{"-config", path}, getenv, listen, factory); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// A request in flight when the process is signalled must finish before the
// stores are closed.
func TestRunDrainsBeforeCleanup(t *testing.T) {
	var (
		closed    atomic.Bool
		sawClosed atomic.Bool
		status    atomic.Int32
	)
	inFlight := make(chan struct{})
	release := make(chan struct{})
	clientDone := make(chan struct{})

	factory := func(_ context.Context, cfg config.Config, _ *slog.Logger) (*http.Server, func(), error) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			close(inFlight)
			<-release
			sawClosed.Store(closed.Load())
			w.WriteHeader(http.StatusNoContent)
		})
		return &http.Server{Addr: cfg.ListenAddr, Handler: handler}, func() { closed.Store(true) }, nil
	}
	listen := func(server *http.Server) error {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return err
		}
		go func() {
			defer close(clientDone)
			resp, err := http.Get("http://" + ln.Addr().String())
			if err != nil {
				return
			}
			status.Store(int32(resp.StatusCode))
			_ = resp.Body.Close()
		}()
		go func() {
			<-inFlight
			proc, err := os.FindProcess(os.Getpid())
			if err == nil {
				_ = proc.Signal(os.Interrupt)
			}
			time.Sleep(50 * time.Millisecond)
			close(release)
		}()
		return server.Serve(ln)
	}

	if err := run(nil, func(string) string { return "" }, listen, factory); err != nil {
		t.Fatalf("run: %v", err)
	}
	<-clientDone
	if sawClosed.Load() {
		t.Fatalf("stores closed while a request was in flight")
	}
	if !closed.Load() {
		t.Fatalf("expected cleanup after shutdown")
	}
	if status.Load() != http.StatusNoContent {
		t.Fatalf("expected in-flight request to complete, got status %d", status.Load())
	}
}

func TestRunInvalidEnv(t *testing.T) {
	getenv := func(key string) string {
		if key == "KP_QUARANTINE_THRESHOLD" {
			return "many"
		}
		return ""
	}
	listen := func(_ *http.Server) error { return nil }
	if err := run(nil, getenv, listen, stubFactory(t, nil)); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRunBadFlag(t *testing.T) {
	listen := func(_ *http.Server) error { return nil }
	if err := run([]string{"-nope"}, func(string) string { return "" }, listen, stubFactory(t, nil)); err == nil {
		t.Fatalf("expected flag error")
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "a", "b"); got != "a" {
		t.Fatalf("expected a, got %s", got)
	}
	if got := firstNonEmpty("", ""); got != "" {
		t.Fatalf("expected empty, got %s", got)
	}
}

func TestListenAndServeInvalidAddr(t *testing.T) {
	err := listenAndServe(&http.Server{Addr: "127.0.0.1"})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestMainNoError(t *testing.T) {
	oldRun := runFn
	oldFatal := fatalf
	defer func() {
		runFn = oldRun
		fatalf = oldFatal
	}()

	runFn = func(args []string, envFn envFn, listenFn listenFn, serverFactory serverFactory) error {
		return nil
	}
	called := false
	fatalf = func(string, ...any) {
		called = true
	}

	main()
	if called {
		t.Fatalf("unexpected fatal call")
	}
}

func TestMainError(t *testing.T) {
	oldRun := runFn
	oldFatal := fatalf
	defer func() {
		runFn = oldRun
		fatalf = oldFatal
	}()

	runFn = func(args []string, envFn envFn, listenFn listenFn, serverFactory serverFactory) error {
		return errors.New("boom")
	}
	called := false
	fatalf = func(string, ...any) {
		called = true
	}

	main()
	if !called {
		t.Fatalf("expected fatal call")
	}
}
