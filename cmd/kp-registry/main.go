package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/davidahmann/kpregistry/internal/admission"
	"github.com/davidahmann/kpregistry/internal/api"
	"github.com/davidahmann/kpregistry/internal/auth"
	"github.com/davidahmann/kpregistry/internal/bootstrap"
	"github.com/davidahmann/kpregistry/internal/config"
	"github.com/davidahmann/kpregistry/internal/credential"
	"github.com/davidahmann/kpregistry/internal/idempotency"
	"github.com/davidahmann/kpregistry/internal/logging"
	"github.com/davidahmann/kpregistry/internal/quarantine"
	"github.com/davidahmann/kpregistry/internal/reputation"
	"github.com/davidahmann/kpregistry/internal/retention"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := runFn(os.Args[1:], os.Getenv, listenAndServe, newServer); err != nil {
		fatalf("server error: %v", err)
	}
}

var runFn = run
var fatalf = log.Fatalf

// newServer opens the configured stores and wires every service behind the
// router. The retention sweeper runs until ctx is done. The returned cleanup
// stops the sweeper, waits for it to exit and then closes the stores.
func newServer(ctx context.Context, cfg config.Config, logger *slog.Logger) (*http.Server, func(), error) {
	stores, err := bootstrap.Open(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	sweepCtx, stopSweep := context.WithCancel(ctx)
	var workers sync.WaitGroup
	cleanup := func() {
		stopSweep()
		workers.Wait()
		if err := stores.Close(); err != nil {
			logging.Error(ctx, "close stores", logging.Err(err))
		}
	}

	issuer, err := credential.NewIssuer(cfg.Issuer.ID, cfg.Issuer.PrivateKeyPath)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	if cfg.Issuer.PrivateKeyPath == "" {
		logging.Warn(ctx, "no issuer key configured, credentials will not survive a restart")
	}

	keys := &auth.Keys{Store: stores.Keys, Tiers: cfg.RateLimit.Tiers}
	sweeper := &retention.Sweeper{Units: stores.Knowledge, Policy: cfg.Retention.Policy}
	workers.Add(1)
	go func() {
		defer workers.Done()
		sweeper.Run(sweepCtx, cfg.Retention.Interval)
	}()

	h := &api.Handler{
		Auth: &auth.KeyAuthenticator{Keys: keys},
		Keys: keys,
		Admission: &admission.Controller{
			Limits:      stores.RateLimits,
			Tiers:       cfg.RateLimit.Tiers,
			Keys:        keys,
			RevokeAfter: cfg.RateLimit.RevokeAfter,
		},
		Idempotency: &idempotency.Cache{Store: stores.Idempotency, TTL: cfg.Idempotency.TTL},
		Reputation: &reputation.Service{
			Store:            stores.Reputation,
			Trust:            cfg.Reputation.EigenTrust,
			MinScoreForWrite: cfg.Reputation.MinScoreForWrite,
		},
		Knowledge:  stores.Knowledge,
		Audit:      stores.Audit,
		Quarantine: &quarantine.Manager{Reports: stores.Reports, Units: stores.Knowledge, Threshold: cfg.Quarantine.Threshold},
		Retention:  sweeper,
		Issuer:     issuer,
	}
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewRouter(h, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return server, cleanup, nil
}

type envFn func(string) string
type listenFn func(*http.Server) error
type serverFactory func(ctx context.Context, cfg config.Config, logger *slog.Logger) (*http.Server, func(), error)

func run(args []string, getenv envFn, listen listenFn, factory serverFactory) error {
	fs := flag.NewFlagSet("kp-registry", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to registry config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := config.Default()
	if cfgFile := firstNonEmpty(*configPath, getenv("KP_CONFIG_PATH")); cfgFile != "" {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(getenv); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithLogger(ctx, logger)

	server, cleanup, err := factory(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	// ListenAndServe returns as soon as Shutdown starts. In-flight requests
	// still hold the stores, so cleanup waits for the drain to finish.
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logging.Error(ctx, "shutdown", logging.Err(err))
		}
	}()

	logging.Info(ctx, "kp-registry listening",
		slog.String("addr", server.Addr),
		slog.String("store", cfg.Store.Backend),
	)
	err = listen(server)
	stop()
	<-drained
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func listenAndServe(server *http.Server) error {
	return server.ListenAndServe()
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
