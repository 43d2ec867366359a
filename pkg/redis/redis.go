package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrNil 键不存在
var ErrNil = redis.Nil

// Options Redis连接参数
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Client Redis客户端
type Client struct {
	client *redis.Client
}

// NewClient 创建客户端并探活
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	c := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return &Client{client: c}, nil
}

// Wrap 包装已有客户端
func Wrap(c *redis.Client) *Client {
	return &Client{client: c}
}

// Raw 获取底层客户端
func (r *Client) Raw() *redis.Client {
	return r.client
}

// Set 设置键值对
func (r *Client) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return r.client.Set(ctx, key, value, expiration).Err()
}

// Get 获取值，键不存在返回ErrNil
func (r *Client) Get(ctx context.Context, key string) (string, error) {
	return r.client.Get(ctx, key).Result()
}

// IsNil 判断是否为键不存在
func IsNil(err error) bool {
	return errors.Is(err, redis.Nil)
}

// Del 删除键
func (r *Client) Del(ctx context.Context, keys ...string) error {
	return r.client.Del(ctx, keys...).Err()
}

// SAdd 添加集合成员
func (r *Client) SAdd(ctx context.Context, key string, members ...interface{}) error {
	return r.client.SAdd(ctx, key, members...).Err()
}

// SRem 移除集合成员
func (r *Client) SRem(ctx context.Context, key string, members ...interface{}) error {
	return r.client.SRem(ctx, key, members...).Err()
}

// SMembers 获取集合所有成员
func (r *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	return r.client.SMembers(ctx, key).Result()
}

// Publish 发布消息
func (r *Client) Publish(ctx context.Context, channel string, message interface{}) error {
	return r.client.Publish(ctx, channel, message).Err()
}

// Subscribe 订阅频道
func (r *Client) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return r.client.Subscribe(ctx, channels...)
}

// Close 关闭连接
func (r *Client) Close() error {
	return r.client.Close()
}
