// Package ratelimit implements the gateway's fixed-window rate limiter, with
// two tiers (anonymous, keyed by client IP; and keyed, by API-key header) and
// a rate-limit map sharded by key hash to reduce lock contention.
package ratelimit

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 32

// Tier is the (limit, window) pair for one client class.
type Tier struct {
	Limit  int64
	Window time.Duration
}

type bucket struct {
	mu          sync.Mutex
	count       int64
	windowStart time.Time
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// Limiter enforces fixed-window rate limits across two tiers.
type Limiter struct {
	Anon  Tier
	Keyed Tier

	shards [numShards]*shard
}

// New builds a Limiter with the given anonymous and keyed tiers.
func New(anon, keyed Tier) *Limiter {
	l := &Limiter{Anon: anon, Keyed: keyed}
	for i := range l.shards {
		l.shards[i] = &shard{buckets: make(map[string]*bucket)}
	}
	return l
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Allow consumes one request of quota for clientKey. keyed selects the
// keyed tier (API-key-bearing requests) over the stricter anonymous tier.
func (l *Limiter) Allow(clientKey string, keyed bool) Decision {
	tier := l.Anon
	prefix := "a:"
	if keyed {
		tier = l.Keyed
		prefix = "k:"
	}

	b := l.bucketFor(prefix + clientKey)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if b.windowStart.IsZero() || now.Sub(b.windowStart) >= tier.Window {
		b.windowStart = now
		b.count = 0
	}
	b.count++

	resetAt := b.windowStart.Add(tier.Window)
	if b.count > tier.Limit {
		return Decision{
			Allowed:    false,
			Limit:      tier.Limit,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: resetAt.Sub(now),
		}
	}

	remaining := tier.Limit - b.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: true, Limit: tier.Limit, Remaining: remaining, ResetAt: resetAt}
}

func (l *Limiter) bucketFor(shardKey string) *bucket {
	sh := l.shards[shardIndex(shardKey)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	b, ok := sh.buckets[shardKey]
	if !ok {
		b = &bucket{}
		sh.buckets[shardKey] = b
	}
	return b
}

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % numShards
}
