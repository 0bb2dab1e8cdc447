package cache

import (
	"context"
	"time"

	"github.com/viccon/sturdyc"
)

const (
	memoryShards = 10
	// sturdyc requires a TTL; entries here are meant to live for the
	// lifetime of the process.
	memoryTTL                = 100 * 365 * 24 * time.Hour
	memoryEvictionPercentage = 10
)

// Memory is an in-process Store backed by sturdyc. When capacity is
// reached sturdyc evicts the oldest entries, which only costs a miss.
type Memory struct {
	client *sturdyc.Client[string]
}

var _ Store = (*Memory)(nil)

// NewMemory creates an in-process cache holding up to capacity entries.
func NewMemory(capacity int) *Memory {
	return &Memory{client: sturdyc.New[string](capacity, memoryShards, memoryTTL, memoryEvictionPercentage)}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := m.client.Get(key)
	return v, ok, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.client.Set(key, value)
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

// Delete removes key. Used by tests to simulate eviction.
func (m *Memory) Delete(key string) {
	m.client.Delete(key)
}
