package proxy

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// Registry issues unique per-request session tokens and keeps a bounded,
// TTL'd blacklist of tokens that failed authentication. Once a token is
// blacklisted it is never issued again.
type Registry struct {
	mu      sync.Mutex
	entries map[string]time.Time
	maxSize int
	ttl     time.Duration
	now     func() time.Time
}

// NewRegistry builds a registry. maxSize bounds blacklist memory; ttl
// bounds how long a burned token stays un-reusable.
func NewRegistry(maxSize int, ttl time.Duration) *Registry {
	if maxSize <= 0 {
		maxSize = 1000
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Registry{
		entries: make(map[string]time.Time),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// NewToken generates a fresh session token, re-rolling until it finds one
// outside the blacklist. Tokens carry a short hash of the request key as a
// prefix for upstream cache locality; the suffix is random.
func (r *Registry) NewToken(requestKey string) string {
	prefix := keyPrefix(requestKey)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictLocked()
	for {
		token := prefix + "-" + randomHex(8)
		if _, burned := r.entries[token]; !burned {
			return token
		}
	}
}

// Blacklist marks a token as burned. Idempotent.
func (r *Registry) Blacklist(token string) {
	if token == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictLocked()
	if _, exists := r.entries[token]; exists {
		return
	}
	r.entries[token] = r.now()
}

// IsBlacklisted reports whether token is currently burned.
func (r *Registry) IsBlacklisted(token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	inserted, ok := r.entries[token]
	if !ok {
		return false
	}
	if r.now().Sub(inserted) > r.ttl {
		delete(r.entries, token)
		return false
	}
	return true
}

// Size returns the current blacklist length.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// evictLocked drops expired entries, then the oldest entries if the
// blacklist still exceeds its bound. Callers hold r.mu.
func (r *Registry) evictLocked() {
	now := r.now()
	for token, inserted := range r.entries {
		if now.Sub(inserted) > r.ttl {
			delete(r.entries, token)
		}
	}
	for len(r.entries) >= r.maxSize {
		oldestToken := ""
		var oldestAt time.Time
		for token, inserted := range r.entries {
			if oldestToken == "" || inserted.Before(oldestAt) {
				oldestToken = token
				oldestAt = inserted
			}
		}
		delete(r.entries, oldestToken)
	}
}

func keyPrefix(requestKey string) string {
	sum := sha256.Sum256([]byte(requestKey))
	return hex.EncodeToString(sum[:])[:8]
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the platform is broken; fall back to
		// a time-derived suffix rather than panicking mid-request.
		return hex.EncodeToString([]byte(time.Now().String()))[:n*2]
	}
	return hex.EncodeToString(buf)
}
