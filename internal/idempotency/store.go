// ABOUTME: Idempotency marker store keyed by artifact content hash.
// ABOUTME: A marker means the report email for that content was already delivered.
package idempotency

import (
	"context"
	"sync"
	"time"
)

// Marker records a delivered report. ContentHash is the key; Key and
// ProviderMessageID exist for operator forensics.
type Marker struct {
	ContentHash       string    `dynamodbav:"content_hash"`
	Key               string    `dynamodbav:"s3_key"`
	ProviderMessageID string    `dynamodbav:"provider_message_id"`
	DeliveredAt       time.Time `dynamodbav:"delivered_at"`
}

// Store is the durable cross-invocation idempotency record. All coordination
// between concurrent invocations happens through it, not through locks.
type Store interface {
	// Delivered reports whether a marker exists for contentHash.
	Delivered(ctx context.Context, contentHash string) (bool, error)
	// MarkDelivered writes the marker. Losing a write race to a concurrent
	// invocation is not an error; the first writer wins.
	MarkDelivered(ctx context.Context, m Marker) error
}

// Memory is an in-process Store for tests and single-process deployments.
type Memory struct {
	mu      sync.Mutex
	markers map[string]Marker
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{markers: make(map[string]Marker)}
}

func (s *Memory) Delivered(_ context.Context, contentHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.markers[contentHash]
	return ok, nil
}

func (s *Memory) MarkDelivered(_ context.Context, m Marker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markers[m.ContentHash]; ok {
		return nil
	}
	s.markers[m.ContentHash] = m
	return nil
}
