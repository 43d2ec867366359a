package hub

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/go-redis/redis/v8"
	"github.com/nats-io/nats.go"

	"wechat-relay/pkg/logger"
	"wechat-relay/pkg/redis"
)

// Fanout 跨实例转发的一帧，Identity为空表示广播
type Fanout struct {
	Origin   string          `json:"origin"`
	Identity string          `json:"identity,omitempty"`
	Frame    json.RawMessage `json:"frame"`
}

// Bridge 跨实例推送通道
type Bridge interface {
	Publish(ctx context.Context, f Fanout) error
	Subscribe(ctx context.Context, deliver func(Fanout)) error
	Close() error
}

// RedisBridge 基于Redis Pub/Sub
type RedisBridge struct {
	client  *redis.Client
	channel string
	log     logger.Logger
	sub     *goredis.PubSub
}

// NewRedisBridge 创建Redis桥
func NewRedisBridge(client *redis.Client, channel string, log logger.Logger) *RedisBridge {
	return &RedisBridge{client: client, channel: channel, log: log}
}

// Publish 发布一帧
func (b *RedisBridge) Publish(ctx context.Context, f Fanout) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, data)
}

// Subscribe 订阅频道，确认订阅成功后在后台分发
func (b *RedisBridge) Subscribe(ctx context.Context, deliver func(Fanout)) error {
	sub := b.client.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.sub = sub

	go func() {
		for msg := range sub.Channel() {
			var f Fanout
			if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
				b.log.Warn(context.Background(), "drop malformed fanout", logger.F("channel", b.channel), logger.Err(err))
				continue
			}
			deliver(f)
		}
	}()
	return nil
}

// Close 取消订阅
func (b *RedisBridge) Close() error {
	if b.sub == nil {
		return nil
	}
	return b.sub.Close()
}

// NatsBridge 基于NATS subject
type NatsBridge struct {
	nc      *nats.Conn
	subject string
	log     logger.Logger
	sub     *nats.Subscription
}

// NewNatsBridge 创建NATS桥
func NewNatsBridge(nc *nats.Conn, subject string, log logger.Logger) *NatsBridge {
	return &NatsBridge{nc: nc, subject: subject, log: log}
}

// Publish 发布一帧
func (b *NatsBridge) Publish(_ context.Context, f Fanout) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return b.nc.Publish(b.subject, data)
}

// Subscribe 订阅subject
func (b *NatsBridge) Subscribe(_ context.Context, deliver func(Fanout)) error {
	sub, err := b.nc.Subscribe(b.subject, func(m *nats.Msg) {
		var f Fanout
		if err := json.Unmarshal(m.Data, &f); err != nil {
			b.log.Warn(context.Background(), "drop malformed fanout", logger.F("subject", b.subject), logger.Err(err))
			return
		}
		deliver(f)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.subject, err)
	}
	b.sub = sub
	return b.nc.Flush()
}

// Close 取消订阅，连接本身由Application关闭
func (b *NatsBridge) Close() error {
	if b.sub == nil {
		return nil
	}
	return b.sub.Unsubscribe()
}
