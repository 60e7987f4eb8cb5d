package ratelimit

import (
	"math"
	"time"
)

type Direction string

const (
	Read  Direction = "read"
	Write Direction = "write"
)

// DirectionForMethod maps an HTTP method onto a bucket direction. Only POST
// and PUT spend write tokens.
func DirectionForMethod(method string) Direction {
	switch method {
	case "POST", "PUT":
		return Write
	default:
		return Read
	}
}

type Limits struct {
	ReadPerMin  int `yaml:"read_per_min"`
	WritePerMin int `yaml:"write_per_min"`
}

func (l Limits) For(dir Direction) int {
	if dir == Write {
		return l.WritePerMin
	}
	return l.ReadPerMin
}

// Table maps a tier name onto its per-minute limits.
type Table map[string]Limits

const (
	TierAnonymous  = "anonymous"
	TierFree       = "free"
	TierPro        = "pro"
	TierEnterprise = "enterprise"
)

func DefaultTable() Table {
	return Table{
		TierAnonymous:  {ReadPerMin: 60, WritePerMin: 0},
		TierFree:       {ReadPerMin: 300, WritePerMin: 30},
		TierPro:        {ReadPerMin: 1000, WritePerMin: 200},
		TierEnterprise: {ReadPerMin: 10000, WritePerMin: 2000},
	}
}

// Limit resolves the limit for tier and direction. Unknown tiers fall back to
// anonymous.
func (t Table) Limit(tier string, dir Direction) int {
	if l, ok := t[tier]; ok {
		return l.For(dir)
	}
	return t[TierAnonymous].For(dir)
}

// Result is the admission answer for one consume call.
type Result struct {
	Allowed    bool
	Remaining  int
	Limit      int
	Reset      int64 // unix seconds
	RetryAfter int   // seconds, only set on denial
}

// Bucket is the persisted state of one token bucket.
type Bucket struct {
	Tokens     float64
	LastRefill time.Time
}

// BucketKey is the storage key for identifier's bucket in dir.
func BucketKey(identifier string, dir Direction) string {
	return identifier + ":" + string(dir)
}

// Denied is the answer for a zero limit. No bucket state is read or written.
func Denied(now time.Time) Result {
	return Result{
		Allowed:    false,
		Remaining:  0,
		Limit:      0,
		Reset:      now.Unix() + 60,
		RetryAfter: 60,
	}
}

// Take refills b for the time elapsed since its last refill and tries to spend
// one token. A nil b means the bucket does not exist yet and starts full; the
// returned bucket is the state to persist.
//
// Callers must run Take atomically per bucket key.
func Take(b *Bucket, limit int, now time.Time) (Bucket, Result) {
	if limit <= 0 {
		var zero Bucket
		if b != nil {
			zero = *b
		}
		return zero, Denied(now)
	}

	state := Bucket{Tokens: float64(limit), LastRefill: now}
	if b != nil {
		state = *b
	}

	rate := float64(limit) / 60
	elapsed := now.Sub(state.LastRefill).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	state.Tokens = math.Min(float64(limit), state.Tokens+elapsed*rate)
	state.LastRefill = now

	allowed := state.Tokens >= 1
	if allowed {
		state.Tokens--
	}
	return state, Outcome(allowed, state.Tokens, limit, now)
}

// Outcome builds the result for a bucket left holding tokens after the step.
// Backends that refill server-side use it to answer the way Take does.
func Outcome(allowed bool, tokens float64, limit int, now time.Time) Result {
	if limit <= 0 {
		return Denied(now)
	}
	if !allowed {
		rate := float64(limit) / 60
		retryAfter := int(math.Ceil((1 - tokens) / rate))
		return Result{
			Allowed:    false,
			Remaining:  0,
			Limit:      limit,
			Reset:      now.Unix() + int64(retryAfter),
			RetryAfter: retryAfter,
		}
	}
	return Result{
		Allowed:   true,
		Remaining: int(math.Floor(tokens)),
		Limit:     limit,
		Reset:     now.Unix() + 60,
	}
}
