// Package bootstrap builds the registry's stores from configuration.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/davidahmann/kpregistry/internal/config"
	"github.com/davidahmann/kpregistry/internal/logging"
	"github.com/davidahmann/kpregistry/internal/store"
	"github.com/davidahmann/kpregistry/internal/store/pgstore"
	"github.com/davidahmann/kpregistry/internal/store/redisstore"
	"github.com/davidahmann/kpregistry/internal/store/sqlstore"
)

// durable is what every primary backend provides.
type durable interface {
	store.APIKeyStore
	store.ReputationStore
	store.KnowledgeStore
	store.SecurityReportStore
	store.RateLimitStore
	store.IdempotencyStore
	store.AuditLogStore
}

// Stores holds one implementation per role. RateLimits and Idempotency may
// live in a different backend from the rest.
type Stores struct {
	Keys        store.APIKeyStore
	Reputation  store.ReputationStore
	Knowledge   store.KnowledgeStore
	Reports     store.SecurityReportStore
	RateLimits  store.RateLimitStore
	Idempotency store.IdempotencyStore
	Audit       store.AuditLogStore

	// Backend names the durable backend; Shared names where rate-limit and
	// idempotency state lives.
	Backend string
	Shared  string

	closers []io.Closer
}

func (s *Stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func fromDurable(name string, d durable) *Stores {
	return &Stores{
		Keys:        d,
		Reputation:  d,
		Knowledge:   d,
		Reports:     d,
		RateLimits:  d,
		Idempotency: d,
		Audit:       d,
		Backend:     name,
		Shared:      name,
	}
}

// Open connects and migrates the configured backend. When a redis url is set
// the rate-limit and idempotency roles move to redis.
func Open(ctx context.Context, cfg config.Config) (*Stores, error) {
	var stores *Stores
	switch cfg.Store.Backend {
	case config.BackendMemory, "":
		stores = fromDurable(config.BackendMemory, store.NewInMemoryStore())
	case config.BackendSQLite:
		s, err := sqlstore.OpenSQLite(cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		if err := store.Migrate(s.DB(), store.DBSQLite); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		stores = fromDurable(config.BackendSQLite, s)
		stores.closers = append(stores.closers, s)
	case config.BackendPostgres:
		s, err := pgstore.OpenPostgres(cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := store.Migrate(s.DB(), store.DBPostgres); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		stores = fromDurable(config.BackendPostgres, s)
		stores.closers = append(stores.closers, s)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	if cfg.Redis.URL != "" {
		r, err := redisstore.Open(ctx, cfg.Redis.URL, cfg.Redis.Prefix)
		if err != nil {
			_ = stores.Close()
			return nil, fmt.Errorf("open redis: %w", err)
		}
		stores.RateLimits = r
		stores.Idempotency = r
		stores.Shared = "redis"
		stores.closers = append(stores.closers, r)
	}

	logging.Info(ctx, "stores ready",
		slog.String("backend", stores.Backend),
		slog.String("shared_state", stores.Shared),
	)
	return stores, nil
}
