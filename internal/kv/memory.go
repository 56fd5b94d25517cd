package kv

import (
	"context"
	"strings"
	"sync"
	"time"
)

// entry mirrors the resolver's cache entry shape: a value plus an
// absolute expiry, with expiry checked lazily on access.
type entry struct {
	value     string
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Memory is a thread-safe, single-process Store backed by a map. It is
// the default for development and for single-instance deployments that
// don't need the nonce/JWKS caches shared across processes.
type Memory struct {
	mu      sync.Mutex
	entries map[string]entry
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]entry)}
}

func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok && !e.expired(now) {
		return false, nil
	}
	m.entries[key] = newEntry(value, ttl, now)
	return true, nil
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || e.expired(now) {
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = newEntry(value, ttl, time.Now())
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *Memory) Clear(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.entries {
		if strings.HasPrefix(k, prefix) {
			delete(m.entries, k)
		}
	}
	return nil
}

// Evict removes every expired entry and reports how many were removed.
// A background ticker in cmd/verifier calls this periodically so the map
// doesn't grow unbounded between accesses of stale keys.
func (m *Memory) Evict() int {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, k)
			n++
		}
	}
	return n
}

// Len reports the number of entries currently stored, including expired
// ones not yet swept.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func newEntry(value string, ttl time.Duration, now time.Time) entry {
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	return e
}
