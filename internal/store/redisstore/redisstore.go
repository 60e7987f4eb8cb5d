package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/davidahmann/kpregistry/internal/ratelimit"
	"github.com/davidahmann/kpregistry/internal/store"
)

var (
	_ store.RateLimitStore   = (*Store)(nil)
	_ store.IdempotencyStore = (*Store)(nil)
)

// bucketTTL lets idle buckets expire. A bucket idle this long has refilled anyway.
const bucketTTL = 5 * time.Minute

// consumeScript runs one refill-check-decrement step atomically. It returns
// {allowed, tokens}; tokens travel as a string because redis truncates Lua
// numbers to integers.
var consumeScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil or last == nil then
  tokens = limit
  last = now
end

local elapsed = (now - last) / 1000
if elapsed < 0 then
  elapsed = 0
end
tokens = math.min(limit, tokens + elapsed * rate)

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_ms', tostring(now))
redis.call('EXPIRE', key, ttl)
return {allowed, tostring(tokens)}
`)

// Store keeps rate-limit and idempotency state in redis so several registry
// processes share it.
type Store struct {
	// Now overrides the clock used for buckets and violations.
	Now func() time.Time

	client *redis.Client
	prefix string
}

// Open parses a redis:// URL and pings the server.
func Open(ctx context.Context, url string, prefix string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(client, prefix), nil
}

func New(client *redis.Client, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

func (s *Store) Close() error { return s.client.Close() }

func (s *Store) Client() *redis.Client { return s.client }

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Store) key(parts ...string) string {
	k := s.prefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

func (s *Store) Consume(ctx context.Context, identifier string, dir ratelimit.Direction, limit int) (ratelimit.Result, error) {
	now := s.now()
	if limit <= 0 {
		return ratelimit.Denied(now), nil
	}
	rate := float64(limit) / 60

	raw, err := consumeScript.Run(ctx, s.client,
		[]string{s.key("ratelimit", ratelimit.BucketKey(identifier, dir))},
		limit, strconv.FormatFloat(rate, 'f', -1, 64), now.UnixMilli(), int(bucketTTL.Seconds()),
	).Slice()
	if err != nil {
		return ratelimit.Result{}, fmt.Errorf("consume script: %w", err)
	}
	if len(raw) != 2 {
		return ratelimit.Result{}, fmt.Errorf("consume script: unexpected reply %v", raw)
	}
	allowed, ok := raw[0].(int64)
	if !ok {
		return ratelimit.Result{}, fmt.Errorf("consume script: unexpected allowed %T", raw[0])
	}
	tokensStr, ok := raw[1].(string)
	if !ok {
		return ratelimit.Result{}, fmt.Errorf("consume script: unexpected tokens %T", raw[1])
	}
	tokens, err := strconv.ParseFloat(tokensStr, 64)
	if err != nil {
		return ratelimit.Result{}, fmt.Errorf("consume script: %w", err)
	}
	return ratelimit.Outcome(allowed == 1, tokens, limit, now), nil
}

func (s *Store) Record429(ctx context.Context, identifier string) error {
	now := s.now()
	key := s.key("violations", identifier)
	cutoff := now.Add(-store.ViolationWindow).UnixMilli()

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: uuid.NewString()})
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10))
	pipe.Expire(ctx, key, store.ViolationWindow)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) Count429(ctx context.Context, identifier string, window time.Duration) (int, error) {
	lo := "(" + strconv.FormatInt(s.now().Add(-window).UnixMilli(), 10)
	n, err := s.client.ZCount(ctx, s.key("violations", identifier), lo, "+inf").Result()
	return int(n), err
}

type idempotencyValue struct {
	Status int    `json:"status"`
	Body   []byte `json:"body"`
}

func (s *Store) GetIdempotency(ctx context.Context, key string) (store.IdempotencyEntry, bool, error) {
	rkey := s.key("idempotency", key)
	raw, err := s.client.Get(ctx, rkey).Bytes()
	if errors.Is(err, redis.Nil) {
		return store.IdempotencyEntry{}, false, nil
	}
	if err != nil {
		return store.IdempotencyEntry{}, false, err
	}
	var v idempotencyValue
	if err := json.Unmarshal(raw, &v); err != nil {
		return store.IdempotencyEntry{}, false, fmt.Errorf("decode idempotency entry: %w", err)
	}
	e := store.IdempotencyEntry{Key: key, Status: v.Status, Body: v.Body}
	if ttl, err := s.client.PTTL(ctx, rkey).Result(); err == nil && ttl > 0 {
		e.ExpiresAt = s.now().Add(ttl)
	}
	return e, true, nil
}

func (s *Store) PutIdempotencyIfAbsent(ctx context.Context, e store.IdempotencyEntry) (bool, error) {
	ttl := e.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return false, nil
	}
	raw, err := json.Marshal(idempotencyValue{Status: e.Status, Body: e.Body})
	if err != nil {
		return false, err
	}
	return s.client.SetNX(ctx, s.key("idempotency", e.Key), raw, ttl).Result()
}
