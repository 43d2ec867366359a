package consumer

import (
	"context"

	"wechat-relay/apps/relay-service/converter"
	"wechat-relay/apps/relay-service/model"
	"wechat-relay/apps/relay-service/wechat"
	"wechat-relay/pkg/logger"
	"wechat-relay/pkg/taskqueue"
)

// Processor 入站消息处理，由service.Service实现
type Processor interface {
	ProcessInbound(ctx context.Context, env *wechat.Envelope) (*model.Message, error)
}

// InboundConsumer 消费入站任务：解码后交给服务持久化和推送
type InboundConsumer struct {
	processor Processor
	conv      *converter.Converter
	log       logger.Logger
}

// NewInboundConsumer 创建入站任务消费者
func NewInboundConsumer(processor Processor, log logger.Logger) *InboundConsumer {
	return &InboundConsumer{
		processor: processor,
		conv:      converter.NewConverter(),
		log:       log,
	}
}

// Handle 实现taskqueue.Handler。无法解码的任务直接丢弃，处理失败返回错误交由队列重试
func (c *InboundConsumer) Handle(ctx context.Context, task taskqueue.Task) error {
	if task.Kind != converter.TaskKindInbound {
		c.log.Warn(ctx, "unexpected task kind, dropped", logger.F("task_id", task.ID), logger.F("kind", task.Kind))
		return nil
	}

	in, err := c.conv.DecodeInbound(task.Payload)
	if err != nil {
		c.log.Error(ctx, "undecodable inbound task, dropped", logger.F("task_id", task.ID), logger.Err(err))
		return nil
	}

	rec, err := c.processor.ProcessInbound(ctx, in.Envelope)
	if err != nil {
		c.log.Warn(ctx, "process inbound failed",
			logger.F("task_id", task.ID),
			logger.F("attempt", task.Attempt),
			logger.F("msg_id", in.Envelope.MsgID),
			logger.Err(err))
		return err
	}
	if rec != nil {
		c.log.Debug(ctx, "inbound task done",
			logger.F("task_id", task.ID),
			logger.F("message_id", rec.ID),
			logger.F("latency_ms", rec.CreatedAt.Sub(in.ReceivedAt).Milliseconds()))
	}
	return nil
}
