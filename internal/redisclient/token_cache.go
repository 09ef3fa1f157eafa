package redisclient

import (
	"context"
	"time"

	"checkout-service/internal/util"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// TokenCache keeps the gateway bearer token in Redis so every replica shares
// one token. Redis failures degrade to a cache miss.
type TokenCache struct {
	client *Client
	key    string
}

func NewTokenCache(client *Client) *TokenCache {
	return &TokenCache{client: client, key: tokenKey}
}

func (t *TokenCache) Get(ctx context.Context) (string, bool) {
	token, err := t.client.rdb.Get(ctx, t.key).Result()
	if err == redis.Nil {
		return "", false
	}
	if err != nil {
		util.GetLogger().Warn("Token cache read failed", zap.Error(err))
		return "", false
	}
	return token, token != ""
}

func (t *TokenCache) Set(ctx context.Context, token string, ttl time.Duration) {
	if err := t.client.rdb.Set(ctx, t.key, token, ttl).Err(); err != nil {
		util.GetLogger().Warn("Token cache write failed", zap.Error(err))
	}
}

func (t *TokenCache) Invalidate(ctx context.Context) {
	if err := t.client.rdb.Del(ctx, t.key).Err(); err != nil {
		util.GetLogger().Warn("Token cache invalidate failed", zap.Error(err))
	}
}
