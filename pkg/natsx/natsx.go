package natsx

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"wechat-relay/pkg/logger"
)

// Connect 连接NATS，断线无限重连并记录日志
func Connect(url, name string, log logger.Logger) (*nats.Conn, error) {
	ctx := context.Background()
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn(ctx, "nats disconnected", logger.Err(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info(ctx, "nats reconnected", logger.F("url", c.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Error(ctx, "nats async error", logger.F("subject", subject), logger.Err(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	return nc, nil
}

// Drain 优雅关闭连接
func Drain(ctx context.Context, nc *nats.Conn) error {
	if nc == nil || nc.IsClosed() {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- nc.Drain() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		nc.Close()
		return ctx.Err()
	}
}
