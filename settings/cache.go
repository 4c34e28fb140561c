package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"fabula_back/presets"
)

const (
	resolvedCacheTTL     = 30 * time.Second
	resolvedCacheTimeout = 300 * time.Millisecond
)

// resolvedCache keeps recently resolved per-service parameter sets in redis
// so repeated generation calls skip the merge. Entirely optional; a nil
// client turns every method into a no-op.
type resolvedCache struct {
	client *redis.Client
}

func newResolvedCache(client *redis.Client) *resolvedCache {
	if client == nil {
		return nil
	}
	return &resolvedCache{client: client}
}

func (c *resolvedCache) cacheContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), resolvedCacheTimeout)
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= resolvedCacheTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, resolvedCacheTimeout)
}

func (c *resolvedCache) key(userID uint64, service presets.Service) string {
	return fmt.Sprintf("settings:resolved:%d:%s", userID, service)
}

func (c *resolvedCache) get(ctx context.Context, userID uint64, service presets.Service) *CallParameters {
	if c == nil || c.client == nil || userID == 0 {
		return nil
	}

	ctx, cancel := c.cacheContext(ctx)
	defer cancel()

	data, err := c.client.Get(ctx, c.key(userID, service)).Bytes()
	if err != nil {
		return nil
	}

	var params CallParameters
	if err := json.Unmarshal(data, &params); err != nil {
		return nil
	}
	return &params
}

func (c *resolvedCache) store(ctx context.Context, userID uint64, service presets.Service, params *CallParameters) {
	if c == nil || c.client == nil || userID == 0 || params == nil {
		return
	}

	payload, err := json.Marshal(params)
	if err != nil {
		log.Printf("settings: marshal resolved params cache payload failed: %v", err)
		return
	}

	ctx, cancel := c.cacheContext(ctx)
	defer cancel()

	if err := c.client.Set(ctx, c.key(userID, service), payload, resolvedCacheTTL).Err(); err != nil {
		log.Printf("settings: store resolved params cache failed: %v", err)
	}
}

func (c *resolvedCache) invalidate(ctx context.Context, userID uint64) {
	if c == nil || c.client == nil || userID == 0 {
		return
	}

	keys := make([]string, 0, 4)
	for _, service := range presets.AllServices() {
		keys = append(keys, c.key(userID, service))
	}

	ctx, cancel := c.cacheContext(ctx)
	defer cancel()

	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		log.Printf("settings: invalidate resolved params cache failed: %v", err)
	}
}
