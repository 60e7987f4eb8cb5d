// Package idempotency replays cached responses for write requests that carry
// an Idempotency-Key header.
package idempotency

import (
	"bytes"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/davidahmann/kpregistry/internal/auth"
	"github.com/davidahmann/kpregistry/internal/logging"
	"github.com/davidahmann/kpregistry/internal/store"
)

const (
	HeaderKey      = "Idempotency-Key"
	HeaderReplayed = "Idempotency-Replayed"

	DefaultTTL = 24 * time.Hour
)

// Cache wraps handlers with the replay cache.
type Cache struct {
	Store store.IdempotencyStore
	TTL   time.Duration
	Now   func() time.Time
}

func (c *Cache) ttl() time.Duration {
	if c.TTL > 0 {
		return c.TTL
	}
	return DefaultTTL
}

func (c *Cache) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Middleware returns a Cache middleware over s with the given ttl.
func Middleware(s store.IdempotencyStore, ttl time.Duration) func(http.Handler) http.Handler {
	c := &Cache{Store: s, TTL: ttl}
	return c.Wrap
}

// ScopedKey namespaces a client key by the calling agent and the request
// route, so one key reused on another endpoint never replays a foreign
// response. Anonymous callers share the per-route key space.
func ScopedKey(agentID, method, path, key string) string {
	scoped := method + " " + path + ":" + key
	if agentID == "" {
		return scoped
	}
	return agentID + ":" + scoped
}

func (c *Cache) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost && r.Method != http.MethodPut {
			next.ServeHTTP(w, r)
			return
		}
		clientKey := r.Header.Get(HeaderKey)
		if clientKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		ctx := r.Context()
		key := ScopedKey(auth.FromContext(ctx).AgentID, r.Method, r.URL.Path, clientKey)

		entry, ok, err := c.Store.GetIdempotency(ctx, key)
		if err != nil {
			logging.Warn(ctx, "idempotency lookup failed", slog.String("idempotency_key", key), logging.Err(err))
		}
		if err == nil && ok {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set(HeaderReplayed, "true")
			w.WriteHeader(entry.Status)
			_, _ = w.Write(entry.Body)
			return
		}

		rec := &recorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if rec.status >= http.StatusInternalServerError || rec.body.Len() == 0 {
			return
		}
		stored, err := c.Store.PutIdempotencyIfAbsent(ctx, store.IdempotencyEntry{
			Key:       key,
			Status:    rec.status,
			Body:      rec.body.Bytes(),
			ExpiresAt: c.now().Add(c.ttl()),
		})
		if err != nil {
			logging.Warn(ctx, "idempotency store failed", slog.String("idempotency_key", key), logging.Err(err))
			return
		}
		if !stored {
			logging.Debug(ctx, "idempotency entry already present", slog.String("idempotency_key", key), slog.String("status", strconv.Itoa(rec.status)))
		}
	})
}

// recorder passes the response through while keeping a copy of it.
type recorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (r *recorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	r.body.Write(p)
	return r.ResponseWriter.Write(p)
}
