package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"wechat-relay/pkg/kafka"
	"wechat-relay/pkg/logger"
)

// Sender 消息发送方，由kafka.Producer实现
type Sender interface {
	Send(topic string, key, value []byte) error
}

// KafkaQueue 基于Kafka的队列，多实例部署时任务在消费者组内分摊
type KafkaQueue struct {
	exec     *executor
	counters counters
	sender   Sender
	topic    string
	cfg      kafka.Config

	consumer *kafka.Consumer
}

// NewKafkaQueue 创建Kafka队列
func NewKafkaQueue(sender Sender, cfg kafka.Config, opts Options) *KafkaQueue {
	opts.normalize()
	q := &KafkaQueue{sender: sender, cfg: cfg}
	if len(cfg.Topics) > 0 {
		q.topic = cfg.Topics[0]
	}
	q.exec = &executor{opts: opts, counters: &q.counters}
	return q
}

// Enqueue 同步写入Kafka，任务ID作为消息key
func (q *KafkaQueue) Enqueue(ctx context.Context, task Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	if err := q.sender.Send(q.topic, []byte(task.ID), data); err != nil {
		q.counters.rejected.Add(1)
		return fmt.Errorf("publish task: %w", err)
	}
	q.counters.enqueued.Add(1)
	return nil
}

// Start 加入消费者组
func (q *KafkaQueue) Start(ctx context.Context, handler Handler) error {
	consumer, err := kafka.NewConsumer(q.cfg, func(ctx context.Context, msg *sarama.ConsumerMessage) error {
		return q.handleMessage(ctx, handler, msg)
	}, q.exec.opts.Logger)
	if err != nil {
		return fmt.Errorf("kafka consumer: %w", err)
	}
	q.consumer = consumer
	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return consumer.Start(startCtx)
}

// handleMessage 解码失败或重试耗尽都提交位点，失败已由executor上报
func (q *KafkaQueue) handleMessage(ctx context.Context, handler Handler, msg *sarama.ConsumerMessage) error {
	var task Task
	if err := json.Unmarshal(msg.Value, &task); err != nil {
		q.counters.failed.Add(1)
		q.exec.opts.Logger.Error(ctx, "discarding undecodable task",
			logger.F("offset", msg.Offset), logger.Err(err))
		return nil
	}
	_ = q.exec.run(ctx, handler, task)
	return nil
}

// Stop 关闭消费者
func (q *KafkaQueue) Stop(ctx context.Context) error {
	if q.consumer == nil {
		return nil
	}
	return q.consumer.Close()
}

// Stats 队列统计，Pending无法在本地得知
func (q *KafkaQueue) Stats() Stats {
	return q.counters.snapshot("kafka", 0)
}
