package service

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"wechat-relay/apps/relay-service/converter"
	"wechat-relay/apps/relay-service/dao"
	"wechat-relay/apps/relay-service/model"
	"wechat-relay/apps/relay-service/wechat"
	"wechat-relay/pkg/logger"
	"wechat-relay/pkg/metrics"
)

// Notifier 实时推送通道
type Notifier interface {
	Broadcast(frame []byte) int
	Unicast(identity string, frame []byte) bool
}

// 新消息投递方式
const (
	DeliveryBroadcast = "broadcast"
	DeliveryUnicast   = "unicast"
)

// Options 服务参数
type Options struct {
	// Delivery 新消息推送方式：broadcast推给所有连接，unicast只推给发送者
	Delivery string
	Tracer   trace.Tracer
	Metrics  *metrics.Metrics
}

// Service 消息中继服务：入站处理管道和任务查询接口
type Service struct {
	store    dao.Store
	voice    *VoiceNormalizer
	notifier Notifier
	conv     *converter.Converter
	log      logger.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	unicast  bool
}

// NewService 创建服务实例
func NewService(store dao.Store, voice *VoiceNormalizer, notifier Notifier, log logger.Logger, opts Options) *Service {
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("relay-service")
	}
	return &Service{
		store:    store,
		voice:    voice,
		notifier: notifier,
		conv:     converter.NewConverter(),
		log:      log,
		metrics:  opts.Metrics,
		tracer:   tracer,
		unicast:  opts.Delivery == DeliveryUnicast,
	}
}

// Store 底层存储
func (s *Service) Store() dao.Store {
	return s.store
}

// Voice 语音文本解析器
func (s *Service) Voice() *VoiceNormalizer {
	return s.voice
}

// ProcessInbound 规范化、持久化并推送一条入站消息，无需落库的类型返回nil
func (s *Service) ProcessInbound(ctx context.Context, env *wechat.Envelope) (*model.Message, error) {
	ctx, span := s.tracer.Start(ctx, "relay.ProcessInbound", trace.WithAttributes(
		attribute.String("wechat.msg_type", env.MsgType),
		attribute.String("wechat.msg_id", env.MsgID),
	))
	defer span.End()
	ctx = logger.WithUserID(ctx, env.FromUserName)

	if !s.conv.Persistable(env) {
		return nil, nil
	}

	msg := s.conv.EnvelopeToMessage(env)
	if msg.ContentType == model.ContentVoice {
		msg.ConvertedText = s.voice.ResolveText(ctx, env.MediaID, env.Recognition)
	}

	rec, err := s.store.Append(ctx, msg)
	if err != nil {
		s.storeError("append")
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		return nil, fmt.Errorf("persist message: %w", err)
	}
	if s.metrics != nil {
		s.metrics.MessagesStored.WithLabelValues(string(rec.ContentType)).Inc()
	}
	span.SetAttributes(attribute.String("relay.message_id", rec.ID))

	s.log.Info(ctx, "wechat message stored",
		logger.F("message_id", rec.ID),
		logger.F("content_type", rec.ContentType))

	s.publishNew(ctx, rec)
	return rec, nil
}

func (s *Service) publishNew(ctx context.Context, rec *model.Message) {
	if s.notifier == nil {
		return
	}
	frame, err := s.conv.NewMessageEvent(rec)
	if err != nil {
		s.log.Error(ctx, "encode new_message failed", logger.Err(err))
		return
	}
	if s.unicast {
		if !s.notifier.Unicast(rec.UserID, frame) {
			s.log.Info(ctx, "user not connected, message kept for polling", logger.F("message_id", rec.ID))
		}
		return
	}
	n := s.notifier.Broadcast(frame)
	s.log.Debug(ctx, "new_message broadcast", logger.F("message_id", rec.ID), logger.F("connections", n))
}

func (s *Service) publishStatus(ctx context.Context, rec *model.Message) {
	if s.notifier == nil {
		return
	}
	frame, err := s.conv.StatusUpdateEvent(rec)
	if err != nil {
		s.log.Error(ctx, "encode message_status_update failed", logger.Err(err))
		return
	}
	s.notifier.Unicast(rec.UserID, frame)
}

func (s *Service) storeError(op string) {
	if s.metrics != nil {
		s.metrics.StoreErrors.WithLabelValues(op).Inc()
	}
}

// isNotFound 存储层的未找到错误
func isNotFound(err error) bool {
	return errors.Is(err, dao.ErrNotFound)
}
