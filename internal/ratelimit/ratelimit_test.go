package ratelimit

import (
	"testing"
	"time"
)

func TestTakeExhaustsAfterLimit(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	limit := 30

	var b *Bucket
	for i := 0; i < limit; i++ {
		next, res := Take(b, limit, now)
		if !res.Allowed {
			t.Fatalf("consume %d denied", i+1)
		}
		if res.Remaining != limit-i-1 {
			t.Fatalf("consume %d: remaining %d, want %d", i+1, res.Remaining, limit-i-1)
		}
		b = &next
	}

	_, res := Take(b, limit, now)
	if res.Allowed {
		t.Fatalf("expected denial after %d consumes", limit)
	}
	if res.Remaining != 0 {
		t.Fatalf("expected remaining 0, got %d", res.Remaining)
	}
	// 30/min refills one token every 2s.
	if res.RetryAfter != 2 {
		t.Fatalf("expected retry after 2s, got %d", res.RetryAfter)
	}
	if res.Reset != now.Unix()+2 {
		t.Fatalf("unexpected reset %d", res.Reset)
	}
}

func TestTakeRefillsOverTime(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	b := &Bucket{Tokens: 0, LastRefill: now}

	_, res := Take(b, 60, now.Add(500*time.Millisecond))
	if res.Allowed {
		t.Fatalf("half a token should not be enough")
	}

	next, res := Take(b, 60, now.Add(3*time.Second))
	if !res.Allowed {
		t.Fatalf("expected refill to allow")
	}
	if next.Tokens != 2 {
		t.Fatalf("expected 2 tokens left, got %v", next.Tokens)
	}
}

func TestTakeCapsAtLimit(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	b := &Bucket{Tokens: 5, LastRefill: now.Add(-time.Hour)}

	next, res := Take(b, 10, now)
	if !res.Allowed || res.Remaining != 9 {
		t.Fatalf("unexpected result %+v", res)
	}
	if next.Tokens != 9 {
		t.Fatalf("expected cap at limit, got %v", next.Tokens)
	}
}

func TestTakeZeroLimitLeavesStateAlone(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	b := &Bucket{Tokens: 3, LastRefill: now.Add(-time.Minute)}

	next, res := Take(b, 0, now)
	if res.Allowed || res.Limit != 0 || res.RetryAfter != 60 {
		t.Fatalf("unexpected result %+v", res)
	}
	if next != *b {
		t.Fatalf("bucket state changed: %+v", next)
	}
}

func TestTableLimit(t *testing.T) {
	table := DefaultTable()

	if got := table.Limit(TierFree, Write); got != 30 {
		t.Fatalf("free write: got %d", got)
	}
	if got := table.Limit(TierEnterprise, Read); got != 10000 {
		t.Fatalf("enterprise read: got %d", got)
	}
	if got := table.Limit("platinum", Read); got != 60 {
		t.Fatalf("unknown tier should fall back to anonymous, got %d", got)
	}
	if got := table.Limit(TierAnonymous, Write); got != 0 {
		t.Fatalf("anonymous write: got %d", got)
	}
}

func TestDirectionForMethod(t *testing.T) {
	if DirectionForMethod("POST") != Write || DirectionForMethod("PUT") != Write {
		t.Fatalf("POST and PUT are writes")
	}
	if DirectionForMethod("GET") != Read || DirectionForMethod("DELETE") != Read {
		t.Fatalf("GET and DELETE are reads")
	}
	if BucketKey("agent-1", Write) != "agent-1:write" {
		t.Fatalf("unexpected bucket key")
	}
}
