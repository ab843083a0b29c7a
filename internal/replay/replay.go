// Package replay implements the bounded, TTL-aware nonce-replay store used to
// gate signed-request proofs that carry a nonce.
package replay

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Kind labels the strength of a replay store's guarantee, so the decision
// engine can annotate its responses.
type Kind string

const (
	KindBestEffort Kind = "best-effort"
	KindStrong     Kind = "strong"
)

type entry struct {
	expiresAt time.Time
}

// Store is a bounded, strict-LRU, lazily-expiring replay cache keyed by
// (issuer, keyid, nonce). It is safe for concurrent use.
type Store struct {
	mu    sync.Mutex
	cache *lru.Cache[string, entry]
}

// New creates a Store bounded to capacity entries.
func New(capacity int) (*Store, error) {
	c, err := lru.New[string, entry](capacity)
	if err != nil {
		return nil, err
	}
	return &Store{cache: c}, nil
}

// Kind reports this store's replay-protection strength. An in-process LRU is
// always best-effort: it does not survive a restart and is not shared across
// instances.
func (s *Store) Kind() Kind { return KindBestEffort }

func cacheKey(issuer, keyid, nonce string) string {
	return issuer + "\x00" + keyid + "\x00" + nonce
}

// Seen performs an atomic test-and-set over (issuer, keyid, nonce). It
// returns true iff the tuple was already present and not yet expired; on
// first observation (or after a lazily-detected expiry) it records the tuple
// with the given TTL and returns false.
//
// Across concurrent callers racing the same tuple, exactly one observes
// false and proceeds; the rest observe true, because the whole
// check-then-insert sequence runs under s.mu.
func (s *Store) Seen(issuer, keyid, nonce string, ttl time.Duration) bool {
	k := cacheKey(issuer, keyid, nonce)
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.cache.Get(k); ok {
		if now.Before(e.expiresAt) {
			return true
		}
		// Expired entries are treated as absent; fall through and re-insert.
	}
	s.cache.Add(k, entry{expiresAt: now.Add(ttl)})
	return false
}

// Len reports the current number of tracked entries, including not-yet-lazily-evicted expired ones.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}
