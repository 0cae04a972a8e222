package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"conclave/internal/keys/models"
	"conclave/pkg/domain"
)

// Registry is the backing store the cache decorates.
type Registry interface {
	RegisterKey(ctx context.Context, key *models.Key) error
	GetActiveKeyForKeeper(ctx context.Context, keeperID domain.KeeperID) (*models.Key, error)
	DeactivateKey(ctx context.Context, keyID domain.KeyID, at time.Time) error
	EmergencyRevokeKey(ctx context.Context, keyID domain.KeyID, reason string, revokedBy domain.KeeperID) (time.Time, error)
}

// CachedRegistry is a read-through Redis cache over GetActiveKeyForKeeper,
// the only registry call on the witness hot path (one lookup per witness).
// Writes invalidate; cache failures fall back to the backing store so Redis
// is never a correctness dependency.
type CachedRegistry struct {
	inner  Registry
	client *redis.Client
	ttl    time.Duration
}

func NewCachedRegistry(inner Registry, client *redis.Client, ttl time.Duration) *CachedRegistry {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedRegistry{inner: inner, client: client, ttl: ttl}
}

func activeKeyCacheKey(keeperID domain.KeeperID) string {
	return "conclave:active-key:" + keeperID.String()
}

func (c *CachedRegistry) RegisterKey(ctx context.Context, key *models.Key) error {
	if err := c.inner.RegisterKey(ctx, key); err != nil {
		return err
	}
	// A new key changes which key is the keeper's newest active one.
	c.client.Del(ctx, activeKeyCacheKey(key.KeeperID))
	return nil
}

func (c *CachedRegistry) GetActiveKeyForKeeper(ctx context.Context, keeperID domain.KeeperID) (*models.Key, error) {
	cacheKey := activeKeyCacheKey(keeperID)
	if raw, err := c.client.Get(ctx, cacheKey).Bytes(); err == nil {
		var key models.Key
		if err := json.Unmarshal(raw, &key); err == nil {
			return &key, nil
		}
		c.client.Del(ctx, cacheKey)
	}

	key, err := c.inner.GetActiveKeyForKeeper(ctx, keeperID)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(key); err == nil {
		c.client.Set(ctx, cacheKey, raw, c.ttl)
	}
	return key, nil
}

func (c *CachedRegistry) DeactivateKey(ctx context.Context, keyID domain.KeyID, at time.Time) error {
	if err := c.inner.DeactivateKey(ctx, keyID, at); err != nil {
		return err
	}
	c.invalidateByKey(ctx, keyID)
	return nil
}

func (c *CachedRegistry) EmergencyRevokeKey(ctx context.Context, keyID domain.KeyID, reason string, revokedBy domain.KeeperID) (time.Time, error) {
	revokedAt, err := c.inner.EmergencyRevokeKey(ctx, keyID, reason, revokedBy)
	if err != nil {
		return time.Time{}, err
	}
	c.invalidateByKey(ctx, keyID)
	return revokedAt, nil
}

// invalidateByKey clears the keeper's cached active key when only the key
// id is known. The keeper is resolved through GetKey when the backing store
// supports it; otherwise the entry expires with the TTL.
func (c *CachedRegistry) invalidateByKey(ctx context.Context, keyID domain.KeyID) {
	type keyGetter interface {
		GetKey(ctx context.Context, keyID domain.KeyID) (*models.Key, error)
	}
	if g, ok := c.inner.(keyGetter); ok {
		if key, err := g.GetKey(ctx, keyID); err == nil {
			c.client.Del(ctx, activeKeyCacheKey(key.KeeperID))
		}
	}
}
