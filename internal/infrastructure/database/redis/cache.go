package redis

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/molforge/molforge/internal/infrastructure/monitoring/logging"
	"github.com/molforge/molforge/pkg/errors"
	moltypes "github.com/molforge/molforge/pkg/types/molecule"
)

// ErrCacheMiss is returned by Get when the key is absent.
var ErrCacheMiss = errors.New(errors.ErrCodeNotFound, "cache miss")

// nullMarker caches "this molecule does not exist" briefly so repeated lookups
// of an unknown hash do not hammer the store.
const nullMarker = "null"

// MoleculeCache is a read-through cache for molecule DTOs keyed by content
// hash.  Concurrent loads of the same hash collapse into one store read.
type MoleculeCache struct {
	client       *Client
	logger       logging.Logger
	ttl          time.Duration
	nullTTL      time.Duration
	singleflight singleflight.Group
}

// NewMoleculeCache constructs a cache with the given base TTL.
func NewMoleculeCache(client *Client, ttl time.Duration, log logging.Logger) *MoleculeCache {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &MoleculeCache{
		client:  client,
		logger:  log.Named("molecule_cache"),
		ttl:     ttl,
		nullTTL: 30 * time.Second,
	}
}

func (c *MoleculeCache) key(contentHash string) string {
	return c.client.Key("molecule", contentHash)
}

// jitterTTL spreads expiry +/-10% so a burst of fills does not expire as one.
func (c *MoleculeCache) jitterTTL(ttl time.Duration) time.Duration {
	jitter := float64(ttl) * 0.1 * (rand.Float64()*2 - 1)
	return ttl + time.Duration(jitter)
}

// Get returns the cached DTO, ErrCacheMiss when absent, or MOL_001 when the
// absence itself is cached.
func (c *MoleculeCache) Get(ctx context.Context, contentHash string) (*moltypes.MoleculeDTO, error) {
	if c.client.isClosed() {
		return nil, ErrClientClosed
	}

	raw, err := c.client.rdb.Get(ctx, c.key(contentHash)).Bytes()
	if err == goredis.Nil {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "cache read failed")
	}
	if string(raw) == nullMarker {
		return nil, errors.New(errors.ErrCodeMoleculeNotFound, "molecule not found")
	}

	var dto moltypes.MoleculeDTO
	if err := json.Unmarshal(raw, &dto); err != nil {
		// Corrupt entries are dropped, not served.
		c.client.rdb.Del(ctx, c.key(contentHash))
		return nil, ErrCacheMiss
	}
	return &dto, nil
}

// Set stores a DTO under its content hash.
func (c *MoleculeCache) Set(ctx context.Context, dto *moltypes.MoleculeDTO) error {
	if c.client.isClosed() {
		return ErrClientClosed
	}

	raw, err := json.Marshal(dto)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeSerialization, "failed to serialize molecule DTO")
	}
	if err := c.client.rdb.Set(ctx, c.key(dto.ContentHash), raw, c.jitterTTL(c.ttl)).Err(); err != nil {
		return errors.Wrap(err, errors.ErrCodeDatabaseError, "cache write failed")
	}
	return nil
}

// SetMissing caches the absence of a content hash for a short period.
func (c *MoleculeCache) SetMissing(ctx context.Context, contentHash string) error {
	if c.client.isClosed() {
		return ErrClientClosed
	}
	if err := c.client.rdb.Set(ctx, c.key(contentHash), nullMarker, c.nullTTL).Err(); err != nil {
		return errors.Wrap(err, errors.ErrCodeDatabaseError, "cache write failed")
	}
	return nil
}

// Invalidate drops a cached molecule after a mutation.
func (c *MoleculeCache) Invalidate(ctx context.Context, contentHash string) error {
	if c.client.isClosed() {
		return ErrClientClosed
	}
	if err := c.client.rdb.Del(ctx, c.key(contentHash)).Err(); err != nil {
		return errors.Wrap(err, errors.ErrCodeDatabaseError, "cache invalidation failed")
	}
	return nil
}

// GetOrLoad returns the cached DTO or loads it, collapsing concurrent loads
// of the same hash into one loader call.  Loader not-found results are cached
// as misses.
func (c *MoleculeCache) GetOrLoad(ctx context.Context, contentHash string, loader func(ctx context.Context) (*moltypes.MoleculeDTO, error)) (*moltypes.MoleculeDTO, error) {
	dto, err := c.Get(ctx, contentHash)
	if err == nil {
		return dto, nil
	}
	if !errors.IsCode(err, errors.ErrCodeNotFound) {
		return nil, err
	}

	v, err, _ := c.singleflight.Do(contentHash, func() (interface{}, error) {
		loaded, err := loader(ctx)
		if err != nil {
			if errors.IsCode(err, errors.ErrCodeMoleculeNotFound) {
				if cacheErr := c.SetMissing(ctx, contentHash); cacheErr != nil {
					c.logger.Warn("failed to cache molecule miss", logging.Err(cacheErr))
				}
			}
			return nil, err
		}
		if cacheErr := c.Set(ctx, loaded); cacheErr != nil {
			c.logger.Warn("failed to cache molecule", logging.Err(cacheErr))
		}
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*moltypes.MoleculeDTO), nil
}
