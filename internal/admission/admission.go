// Package admission decides whether a request may proceed under its tier's
// rate limit, and revokes API keys that keep hitting the limit.
package admission

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/davidahmann/kpregistry/internal/auth"
	"github.com/davidahmann/kpregistry/internal/logging"
	"github.com/davidahmann/kpregistry/internal/ratelimit"
	"github.com/davidahmann/kpregistry/internal/store"
)

const DefaultRevokeAfter = 3

// Revoker is the part of the key service admission needs.
type Revoker interface {
	Revoke(ctx context.Context, prefix string) (bool, error)
}

type Controller struct {
	Limits store.RateLimitStore
	Tiers  ratelimit.Table
	Keys   Revoker
	// RevokeAfter is the violation count within Window that revokes the
	// caller's key.
	RevokeAfter int
	Window      time.Duration
}

// Decision is the outcome of Admit. Revoked is set when this denial pushed
// the caller over the violation threshold.
type Decision struct {
	ratelimit.Result
	Revoked bool
}

func (c *Controller) revokeAfter() int {
	if c.RevokeAfter > 0 {
		return c.RevokeAfter
	}
	return DefaultRevokeAfter
}

func (c *Controller) window() time.Duration {
	if c.Window > 0 {
		return c.Window
	}
	return store.ViolationWindow
}

// Admit consumes one token for id in dir. Only the consume step can fail;
// violation bookkeeping and revocation errors are logged.
func (c *Controller) Admit(ctx context.Context, id auth.Identity, dir ratelimit.Direction) (Decision, error) {
	tiers := c.Tiers
	if tiers == nil {
		tiers = ratelimit.DefaultTable()
	}
	identifier := id.Identifier()
	limit := tiers.Limit(id.Tier, dir)

	res, err := c.Limits.Consume(ctx, identifier, dir, limit)
	if err != nil {
		return Decision{}, fmt.Errorf("consume %s: %w", ratelimit.BucketKey(identifier, dir), err)
	}
	d := Decision{Result: res}
	if res.Allowed {
		return d, nil
	}

	attrs := []slog.Attr{slog.String("identifier", identifier), slog.String("direction", string(dir))}
	if err := c.Limits.Record429(ctx, identifier); err != nil {
		logging.Warn(ctx, "record rate limit violation failed", append(attrs, logging.Err(err))...)
		return d, nil
	}
	if id.KeyPrefix == "" || c.Keys == nil {
		return d, nil
	}
	count, err := c.Limits.Count429(ctx, identifier, c.window())
	if err != nil {
		logging.Warn(ctx, "count rate limit violations failed", append(attrs, logging.Err(err))...)
		return d, nil
	}
	if count < c.revokeAfter() {
		return d, nil
	}
	revoked, err := c.Keys.Revoke(ctx, id.KeyPrefix)
	if err != nil {
		logging.Error(ctx, "auto-revoke failed", append(attrs, slog.String("key_prefix", id.KeyPrefix), logging.Err(err))...)
		return d, nil
	}
	if revoked {
		d.Revoked = true
		logging.Warn(ctx, "api key auto-revoked", append(attrs,
			slog.String("key_prefix", id.KeyPrefix),
			slog.Int("violations", count),
		)...)
	}
	return d, nil
}
