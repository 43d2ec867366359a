package service

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"wechat-relay/pkg/logger"
	"wechat-relay/pkg/redis"
)

// DefaultVoiceCacheTTL 语音文本缓存有效期
const DefaultVoiceCacheTTL = 24 * time.Hour

// VoiceCache 按素材ID缓存语音文本
type VoiceCache interface {
	Get(ctx context.Context, mediaRef string) (string, bool)
	Set(ctx context.Context, mediaRef, text string)
	// EvictExpired 清理过期条目，返回清理数量
	EvictExpired(ctx context.Context) int
}

// DefaultVoiceCacheSize 进程内缓存条目上限
const DefaultVoiceCacheSize = 10000

// MemoryVoiceCache 进程内缓存，过期条目由expirable LRU后台清理，超出上限时淘汰最久未用的条目
type MemoryVoiceCache struct {
	lru     *expirable.LRU[string, string]
	evicted atomic.Int64
}

// NewMemoryVoiceCache 创建进程内缓存
func NewMemoryVoiceCache(ttl time.Duration, size int) *MemoryVoiceCache {
	if ttl <= 0 {
		ttl = DefaultVoiceCacheTTL
	}
	if size <= 0 {
		size = DefaultVoiceCacheSize
	}
	c := &MemoryVoiceCache{}
	c.lru = expirable.NewLRU[string, string](size, func(string, string) {
		c.evicted.Add(1)
	}, ttl)
	return c
}

// Get 读取未过期条目
func (c *MemoryVoiceCache) Get(_ context.Context, mediaRef string) (string, bool) {
	return c.lru.Get(mediaRef)
}

// Set 写入条目，有效期从写入时算起
func (c *MemoryVoiceCache) Set(_ context.Context, mediaRef, text string) {
	c.lru.Add(mediaRef, text)
}

// EvictExpired 返回上次调用以来被清理的条目数
func (c *MemoryVoiceCache) EvictExpired(context.Context) int {
	return int(c.evicted.Swap(0))
}

// Len 当前条目数
func (c *MemoryVoiceCache) Len() int {
	return c.lru.Len()
}

// RedisVoiceCache 多实例共享缓存，过期交给Redis TTL
type RedisVoiceCache struct {
	client *redis.Client
	ttl    time.Duration
	log    logger.Logger
}

const voiceKeyPrefix = "wechat:voice:"

// NewRedisVoiceCache 创建Redis缓存
func NewRedisVoiceCache(client *redis.Client, ttl time.Duration, log logger.Logger) *RedisVoiceCache {
	if ttl <= 0 {
		ttl = DefaultVoiceCacheTTL
	}
	return &RedisVoiceCache{client: client, ttl: ttl, log: log}
}

// Get 读取缓存，Redis异常按未命中处理
func (c *RedisVoiceCache) Get(ctx context.Context, mediaRef string) (string, bool) {
	text, err := c.client.Get(ctx, voiceKeyPrefix+mediaRef)
	if err != nil {
		if !redis.IsNil(err) {
			c.log.Warn(ctx, "voice cache get failed", logger.F("media_id", mediaRef), logger.Err(err))
		}
		return "", false
	}
	return text, true
}

// Set 写入缓存
func (c *RedisVoiceCache) Set(ctx context.Context, mediaRef, text string) {
	if err := c.client.Set(ctx, voiceKeyPrefix+mediaRef, text, c.ttl); err != nil {
		c.log.Warn(ctx, "voice cache set failed", logger.F("media_id", mediaRef), logger.Err(err))
	}
}

// EvictExpired Redis自行过期
func (c *RedisVoiceCache) EvictExpired(context.Context) int {
	return 0
}
