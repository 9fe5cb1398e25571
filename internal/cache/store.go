package cache

import (
	"context"
	"time"
)

// Cache TTLs per namespace. Transaction and balance entries ride the longer
// TTL because they are force-invalidated on mutation; revenue aggregates are
// allowed to go stale until the short TTL expires.
const (
	TTLTransactions = 300 * time.Second
	TTLMetrics      = 60 * time.Second
)

// Key namespaces. Keys take the form {namespace}:{accountID}:{gen}:{qualifier}.
const (
	NSBalance = "balance"
	NSHistory = "txhistory"
	NSMetrics = "metrics"
)

// Store is the key/value surface the engine depends on. It is injected into
// every consumer so tests can substitute an in-memory fake and assert
// invalidation calls precisely. Implementations must treat TTL as authoritative;
// callers never re-check freshness.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
}
