package client

import (
	"context"
	"sync"
	"time"
)

// tokenEarlyRefresh 令牌提前刷新的余量
const tokenEarlyRefresh = 300 * time.Second

// SharedTokenStore 多实例共享令牌，*redis.Client满足该接口
type SharedTokenStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
}

// fetchFunc 向上游换取令牌，返回令牌和有效期
type fetchFunc func(ctx context.Context) (string, time.Duration, error)

// tokenCache 进程内令牌缓存，可选叠加共享存储
type tokenCache struct {
	mu     sync.Mutex
	key    string
	token  string
	expiry time.Time
	shared SharedTokenStore
	now    func() time.Time
	fetch  fetchFunc
}

func newTokenCache(key string, fetch fetchFunc) *tokenCache {
	return &tokenCache{key: key, fetch: fetch, now: time.Now}
}

// get 返回有效令牌，过期前300秒即视为失效
func (c *tokenCache) get(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.token != "" && now.Before(c.expiry) {
		return c.token, nil
	}

	if c.shared != nil {
		if tok, err := c.shared.Get(ctx, c.key); err == nil && tok != "" {
			// 共享存储的TTL已扣除余量，本地只短暂持有
			c.token, c.expiry = tok, now.Add(time.Minute)
			return tok, nil
		}
	}

	tok, ttl, err := c.fetch(ctx)
	if err != nil {
		return "", err
	}
	valid := ttl - tokenEarlyRefresh
	if valid <= 0 {
		valid = ttl / 2
	}
	c.token, c.expiry = tok, now.Add(valid)
	if c.shared != nil && valid > 0 {
		_ = c.shared.Set(ctx, c.key, tok, valid)
	}
	return tok, nil
}

// invalidate 上游返回令牌失效时清除
func (c *tokenCache) invalidate() {
	c.mu.Lock()
	c.token = ""
	c.expiry = time.Time{}
	c.mu.Unlock()
}
