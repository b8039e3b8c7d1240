// Package store persists extraction attempt snapshots for diagnostics.
package store

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned when no attempt exists for a video.
var ErrNotFound = errors.New("attempt not found")

// Attempt is the per-extraction diagnostic snapshot. Only the most recent
// snapshot per video matters; it must never contain secret values.
type Attempt struct {
	VideoID       string
	Success       bool
	CookiesUsed   bool
	CookieSource  string
	ClientUsed    string
	ProxyUsed     bool
	Step1Error    string
	Step2Error    string
	CorrelationID string
	Timestamp     time.Time
}

// Provider stores and retrieves attempt snapshots.
type Provider interface {
	SaveAttempt(ctx context.Context, attempt Attempt) error
	LastAttempt(ctx context.Context, videoID string) (Attempt, error)
	Close() error
}

// MemoryProvider keeps the last attempt per video in memory.
type MemoryProvider struct {
	mu       sync.RWMutex
	attempts map[string]Attempt
}

// NewMemoryProvider builds an empty in-memory store.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{attempts: make(map[string]Attempt)}
}

// SaveAttempt overwrites the snapshot for the attempt's video.
func (m *MemoryProvider) SaveAttempt(_ context.Context, attempt Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[attempt.VideoID] = attempt
	return nil
}

// LastAttempt returns the most recent snapshot for videoID.
func (m *MemoryProvider) LastAttempt(_ context.Context, videoID string) (Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	attempt, ok := m.attempts[videoID]
	if !ok {
		return Attempt{}, ErrNotFound
	}
	return attempt, nil
}

// Close is a no-op for the memory provider.
func (m *MemoryProvider) Close() error { return nil }
