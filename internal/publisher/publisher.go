// Package publisher emits transcript-completed events.
package publisher

import (
	"context"
	"sync"
)

// Event describes a successful extraction.
type Event struct {
	VideoID       string `json:"video_id"`
	Stage         string `json:"stage"`
	SegmentCount  int    `json:"segment_count"`
	ArtifactURL   string `json:"artifact_url,omitempty"`
	CorrelationID string `json:"correlation_id"`
}

// Provider publishes completion events.
type Provider interface {
	Publish(ctx context.Context, event Event) (string, error)
	Close() error
}

// NoOpProvider drops events.
type NoOpProvider struct{}

// Publish drops the event.
func (NoOpProvider) Publish(context.Context, Event) (string, error) { return "", nil }

// Close is a no-op.
func (NoOpProvider) Close() error { return nil }

// MemoryProvider records events in memory for tests and local runs.
type MemoryProvider struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryProvider builds an empty memory publisher.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{}
}

// Publish appends the event.
func (m *MemoryProvider) Publish(_ context.Context, event Event) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return event.CorrelationID, nil
}

// Events returns a copy of everything published so far.
func (m *MemoryProvider) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Close is a no-op.
func (m *MemoryProvider) Close() error { return nil }
