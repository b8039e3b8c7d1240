// Package storage persists final transcript artifacts.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound is returned when no artifact exists for a video.
var ErrNotFound = errors.New("artifact not found")

// Provider stores transcript text keyed by video id and returns a
// location reference for the stored artifact.
type Provider interface {
	Save(ctx context.Context, videoID string, text string) (string, error)
	Load(ctx context.Context, videoID string) (string, error)
	Close() error
}

// NoOpProvider discards artifacts.
type NoOpProvider struct{}

// Save discards the artifact and returns an empty location.
func (NoOpProvider) Save(context.Context, string, string) (string, error) { return "", nil }

// Load always misses.
func (NoOpProvider) Load(context.Context, string) (string, error) { return "", ErrNotFound }

// Close is a no-op.
func (NoOpProvider) Close() error { return nil }

// MemoryProvider keeps artifacts in memory; used in tests and single-node
// deployments.
type MemoryProvider struct {
	mu        sync.RWMutex
	artifacts map[string]string
}

// NewMemoryProvider builds an empty memory store.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{artifacts: make(map[string]string)}
}

// Save stores text under videoID.
func (m *MemoryProvider) Save(_ context.Context, videoID, text string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.artifacts[videoID] = text
	return fmt.Sprintf("memory://%s", videoID), nil
}

// Load returns the stored text for videoID.
func (m *MemoryProvider) Load(_ context.Context, videoID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	text, ok := m.artifacts[videoID]
	if !ok {
		return "", ErrNotFound
	}
	return text, nil
}

// Close is a no-op.
func (m *MemoryProvider) Close() error { return nil }
