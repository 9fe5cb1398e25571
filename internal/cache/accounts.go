package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Accounts wraps a Store with the account-keyed coherency protocol. Every key
// embeds a per-account generation counter; Invalidate bumps the counter and
// deletes the balance and history prefixes, so a concurrent reader that
// raced the mutation can only repopulate a dead generation. Cache failures
// are soft everywhere: they are logged and treated as a miss next time.
type Accounts struct {
	store Store
	log   *zap.Logger

	mu   sync.Mutex
	gens map[string]uint64
}

// NewAccounts wraps the given store.
func NewAccounts(store Store, log *zap.Logger) *Accounts {
	return &Accounts{
		store: store,
		log:   log,
		gens:  make(map[string]uint64),
	}
}

// Key renders {namespace}:{accountID}:{gen}:{qualifier} using the account's
// current generation.
func (c *Accounts) Key(namespace, accountID, qualifier string) string {
	c.mu.Lock()
	gen := c.gens[accountID]
	c.mu.Unlock()
	return fmt.Sprintf("%s:%s:%d:%s", namespace, accountID, gen, qualifier)
}

// GetJSON loads and unmarshals a cached value. A miss, a decode failure, or a
// store error all report false.
func (c *Accounts) GetJSON(ctx context.Context, key string, out interface{}) bool {
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.log.Warn("cache get failed", zap.String("key", key), zap.Error(err))
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		c.log.Warn("cache entry undecodable, dropping", zap.String("key", key), zap.Error(err))
		if delErr := c.store.Delete(ctx, key); delErr != nil {
			c.log.Warn("cache delete failed", zap.String("key", key), zap.Error(delErr))
		}
		return false
	}
	return true
}

// SetJSON marshals and stores a value with the given TTL.
func (c *Accounts) SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) {
	raw, err := json.Marshal(v)
	if err != nil {
		c.log.Warn("cache marshal failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.store.Set(ctx, key, raw, ttl); err != nil {
		c.log.Warn("cache set failed", zap.String("key", key), zap.Error(err))
	}
}

// Invalidate bumps the account's generation and removes every balance and
// history entry for it. Metrics entries are left to their TTL. Called by the
// settlement orchestrator after the mirror write and before it returns.
func (c *Accounts) Invalidate(ctx context.Context, accountID string) {
	c.mu.Lock()
	c.gens[accountID]++
	c.mu.Unlock()

	for _, ns := range []string{NSBalance, NSHistory} {
		prefix := ns + ":" + accountID + ":"
		if err := c.store.DeletePrefix(ctx, prefix); err != nil {
			c.log.Warn("cache invalidation failed",
				zap.String("prefix", prefix), zap.Error(err))
		}
	}
}
