package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/davidahmann/kpregistry/internal/store"
)

var now = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func unit(id string, v store.Visibility, age time.Duration) store.KnowledgeUnit {
	return store.KnowledgeUnit{ID: id, Visibility: v, CreatedAt: now.Add(-age)}
}

func TestSweepByVisibility(t *testing.T) {
	ctx := context.Background()
	mem := store.NewInMemoryStore()
	for _, u := range []store.KnowledgeUnit{
		unit("private-old", store.VisibilityPrivate, 2*day),
		unit("private-new", store.VisibilityPrivate, 1*day),
		unit("org-old", store.VisibilityOrg, 3*day),
		unit("network-ancient", store.VisibilityNetwork, 10000*day),
	} {
		_ = mem.PutUnit(ctx, u)
	}

	s := &Sweeper{Units: mem, Policy: Policy{OrgDays: 2, PrivateDays: 1}, Now: func() time.Time { return now }}
	n, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 swept, got %d", n)
	}
	for id, want := range map[string]bool{"private-old": false, "private-new": true, "org-old": false, "network-ancient": true} {
		_, err := mem.GetUnit(ctx, id)
		if got := err == nil; got != want {
			t.Fatalf("%s: expected present=%v, err=%v", id, want, err)
		}
	}

	if n, _ := s.Sweep(ctx); n != 0 {
		t.Fatalf("second sweep must be a no-op, got %d", n)
	}
}

func TestNetworkRetentionWhenConfigured(t *testing.T) {
	days := 30
	p := Policy{NetworkDays: &days}
	if !p.Expired(unit("n", store.VisibilityNetwork, 31*day), now) {
		t.Fatalf("expected network unit past 30 days to expire")
	}
	if p.Expired(unit("n", store.VisibilityNetwork, 30*day), now) {
		t.Fatalf("unit exactly at the limit must survive")
	}
	if _, ok := DefaultPolicy().MaxAge(store.VisibilityNetwork); ok {
		t.Fatalf("default network retention must be permanent")
	}
	if _, ok := p.MaxAge(store.Visibility("secret")); ok {
		t.Fatalf("unknown visibility must never expire")
	}
}

type failingUnits struct {
	store.KnowledgeStore
}

func (failingUnits) ListUnits(context.Context) ([]store.KnowledgeUnit, error) {
	return nil, errors.New("down")
}

func TestSweepListError(t *testing.T) {
	s := &Sweeper{Units: failingUnits{}, Policy: DefaultPolicy()}
	if _, err := s.Sweep(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	mem := store.NewInMemoryStore()
	_ = mem.PutUnit(context.Background(), unit("p", store.VisibilityPrivate, 400*day))
	s := &Sweeper{Units: mem, Policy: DefaultPolicy(), Now: func() time.Time { return now }}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		if _, err := mem.GetUnit(context.Background(), "p"); errors.Is(err, store.ErrNotFound) {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected background sweep to delete the unit")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop after cancel")
	}
}
