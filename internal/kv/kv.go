// Package kv provides the atomic set-if-absent-with-TTL primitive the
// verifier's nonce cache, JWKS cache, and PoP-nonce store all build on,
// with an in-process implementation for single-instance deployments and
// tests, and a Redis-backed one for multi-instance deployments.
package kv

import (
	"context"
	"time"
)

// Store is an atomic key-value store with expiry. All implementations
// must make SetNX atomic: concurrent callers racing on the same key must
// see exactly one SetNX succeed.
type Store interface {
	// SetNX sets key to value with the given TTL only if key is not
	// already present (including an expired entry the store hasn't
	// swept yet). It returns true if this call won the race.
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)

	// Get returns the value stored at key, and false if absent or
	// expired.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set unconditionally stores value at key with the given TTL,
	// overwriting any existing entry.
	Set(ctx context.Context, key string, value string, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Clear removes every key under prefix. Used by the cache-purge
	// admin endpoints.
	Clear(ctx context.Context, prefix string) error
}
