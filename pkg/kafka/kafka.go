package kafka

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"wechat-relay/pkg/logger"
)

// Config Kafka配置
type Config struct {
	Brokers []string
	GroupID string
	Topics  []string
}

// Producer 同步生产者，发送结果直接返回给调用方
type Producer struct {
	producer sarama.SyncProducer
}

// NewProducer 创建同步生产者
func NewProducer(brokers []string) (*Producer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Producer.Retry.Max = 3

	p, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return &Producer{producer: p}, nil
}

// NewProducerFrom 包装已有的SyncProducer
func NewProducerFrom(p sarama.SyncProducer) *Producer {
	return &Producer{producer: p}
}

// Send 发送消息，相同key落在同一分区
func (p *Producer) Send(topic string, key, value []byte) error {
	_, _, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.ByteEncoder(key),
		Value:     sarama.ByteEncoder(value),
		Timestamp: time.Now(),
	})
	return err
}

// Close 关闭生产者
func (p *Producer) Close() error {
	return p.producer.Close()
}

// Handler 消息处理函数，返回nil才提交位点
type Handler func(ctx context.Context, msg *sarama.ConsumerMessage) error

// Consumer 消费者组
type Consumer struct {
	group   sarama.ConsumerGroup
	topics  []string
	handler Handler
	log     logger.Logger

	ready     chan struct{}
	readyOnce sync.Once
	wg        sync.WaitGroup
	runCtx    context.Context
	cancel    context.CancelFunc
}

// NewConsumer 创建消费者组
func NewConsumer(cfg Config, handler Handler, log logger.Logger) (*Consumer, error) {
	sc := sarama.NewConfig()
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	sc.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, sc)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		group:   group,
		topics:  cfg.Topics,
		handler: handler,
		log:     log,
		ready:   make(chan struct{}),
		runCtx:  runCtx,
		cancel:  cancel,
	}, nil
}

// Start 启动消费循环，首次分配分区后返回；ctx只约束等待时间
func (c *Consumer) Start(ctx context.Context) error {
	runCtx := c.runCtx
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		for {
			if err := c.group.Consume(runCtx, c.topics, c); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.log.Error(runCtx, "kafka consume failed", logger.Err(err))
			}
			if runCtx.Err() != nil {
				return
			}
		}
	}()
	go func() {
		defer c.wg.Done()
		for err := range c.group.Errors() {
			c.log.Warn(runCtx, "kafka consumer error", logger.Err(err))
		}
	}()

	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 关闭消费者组并等待循环退出
func (c *Consumer) Close() error {
	c.cancel()
	err := c.group.Close()
	c.wg.Wait()
	return err
}

// Setup sarama.ConsumerGroupHandler
func (c *Consumer) Setup(_ sarama.ConsumerGroupSession) error {
	c.readyOnce.Do(func() { close(c.ready) })
	return nil
}

// Cleanup sarama.ConsumerGroupHandler
func (c *Consumer) Cleanup(_ sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim 逐条处理，失败的消息不提交位点
func (c *Consumer) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := c.handler(sess.Context(), msg); err != nil {
				c.log.Error(sess.Context(), "kafka message handling failed",
					logger.F("topic", msg.Topic),
					logger.F("partition", msg.Partition),
					logger.F("offset", msg.Offset),
					logger.Err(err))
				continue
			}
			sess.MarkMessage(msg, "")
		case <-sess.Context().Done():
			return nil
		}
	}
}
