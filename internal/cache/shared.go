package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Shared is the optional cross-instance cache tier.
type Shared interface {
	Get(ctx context.Context, key string) (Response, bool)
	Set(ctx context.Context, key string, resp Response, ttl time.Duration)
	Delete(ctx context.Context, key string)
	Clear(ctx context.Context)
}

const sharedKeyPrefix = "ditto:cache:"

// Redis is a Shared tier backed by a redis instance. All failures degrade to
// cache misses; redis being down must never fail a proxy request.
type Redis struct {
	client redis.UniversalClient
	log    *slog.Logger
}

// NewRedis wraps a redis client as a Shared tier.
func NewRedis(client redis.UniversalClient, log *slog.Logger) *Redis {
	if log == nil {
		log = slog.Default()
	}
	return &Redis{client: client, log: log}
}

func (r *Redis) Get(ctx context.Context, key string) (Response, bool) {
	raw, err := r.client.Get(ctx, sharedKeyPrefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			r.log.LogAttrs(ctx, slog.LevelWarn, "shared cache get failed", slog.String("error", err.Error()))
		}
		return Response{}, false
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		r.log.LogAttrs(ctx, slog.LevelWarn, "shared cache entry corrupt", slog.String("error", err.Error()))
		r.client.Del(ctx, sharedKeyPrefix+key)
		return Response{}, false
	}
	return resp, true
}

func (r *Redis) Set(ctx context.Context, key string, resp Response, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := r.client.Set(ctx, sharedKeyPrefix+key, raw, ttl).Err(); err != nil {
		r.log.LogAttrs(ctx, slog.LevelWarn, "shared cache set failed", slog.String("error", err.Error()))
	}
}

func (r *Redis) Delete(ctx context.Context, key string) {
	if err := r.client.Del(ctx, sharedKeyPrefix+key).Err(); err != nil {
		r.log.LogAttrs(ctx, slog.LevelWarn, "shared cache delete failed", slog.String("error", err.Error()))
	}
}

// Clear removes every shared cache entry via a prefix scan.
func (r *Redis) Clear(ctx context.Context) {
	iter := r.client.Scan(ctx, 0, sharedKeyPrefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		r.client.Del(ctx, iter.Val())
	}
	if err := iter.Err(); err != nil {
		r.log.LogAttrs(ctx, slog.LevelWarn, "shared cache clear failed", slog.String("error", err.Error()))
	}
}
