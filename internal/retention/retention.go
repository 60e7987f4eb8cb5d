// Package retention deletes knowledge units that have outlived their
// visibility tier's retention period.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/davidahmann/kpregistry/internal/logging"
	"github.com/davidahmann/kpregistry/internal/store"
)

const day = 24 * time.Hour

// Policy holds the maximum age in days per visibility. A nil NetworkDays
// keeps network units forever.
type Policy struct {
	NetworkDays *int `yaml:"network_days"`
	OrgDays     int  `yaml:"org_days"`
	PrivateDays int  `yaml:"private_days"`
}

func DefaultPolicy() Policy {
	return Policy{OrgDays: 730, PrivateDays: 365}
}

// MaxAge returns the retention period for v and false when units of that
// visibility never expire.
func (p Policy) MaxAge(v store.Visibility) (time.Duration, bool) {
	switch v {
	case store.VisibilityNetwork:
		if p.NetworkDays == nil {
			return 0, false
		}
		return time.Duration(*p.NetworkDays) * day, true
	case store.VisibilityOrg:
		return time.Duration(p.OrgDays) * day, true
	case store.VisibilityPrivate:
		return time.Duration(p.PrivateDays) * day, true
	default:
		return 0, false
	}
}

// Expired reports whether u is older than its tier allows at now.
func (p Policy) Expired(u store.KnowledgeUnit, now time.Time) bool {
	limit, ok := p.MaxAge(u.Visibility)
	if !ok {
		return false
	}
	return now.Sub(u.CreatedAt) > limit
}

type Sweeper struct {
	Units  store.KnowledgeStore
	Policy Policy
	Now    func() time.Time
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Sweep scans every unit once and deletes the expired ones. It returns how
// many were deleted.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	units, err := s.Units.ListUnits(ctx)
	if err != nil {
		return 0, fmt.Errorf("list units: %w", err)
	}
	now := s.now()
	swept := 0
	for _, u := range units {
		if !s.Policy.Expired(u, now) {
			continue
		}
		deleted, err := s.Units.DeleteUnit(ctx, u.ID)
		if err != nil {
			return swept, fmt.Errorf("delete unit %s: %w", u.ID, err)
		}
		if deleted {
			swept++
		}
	}
	return swept, nil
}

// Run sweeps every interval until ctx is done. Failed sweeps are logged and
// retried on the next tick.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logging.Error(ctx, "retention sweep failed", logging.Err(err))
				continue
			}
			logging.Info(ctx, "retention sweep", slog.Int("swept", n))
		}
	}
}
