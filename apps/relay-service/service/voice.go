package service

import (
	"context"

	"wechat-relay/apps/relay-service/model"
	"wechat-relay/pkg/logger"
	"wechat-relay/pkg/metrics"
)

// Recognizer 语音识别策略
type Recognizer interface {
	Recognize(ctx context.Context, mediaRef string) (string, error)
}

// 文本来源，用于指标标签
const (
	sourceUpstream    = "upstream"
	sourceCache       = "cache"
	sourceRecognizer  = "recognizer"
	sourcePlaceholder = "placeholder"
)

// VoiceNormalizer 解析语音消息的文本表示
type VoiceNormalizer struct {
	cache      VoiceCache
	recognizer Recognizer
	log        logger.Logger
	metrics    *metrics.Metrics
}

// NewVoiceNormalizer 创建语音文本解析器，recognizer为nil时只返回占位文本
func NewVoiceNormalizer(cache VoiceCache, recognizer Recognizer, log logger.Logger, m *metrics.Metrics) *VoiceNormalizer {
	return &VoiceNormalizer{cache: cache, recognizer: recognizer, log: log, metrics: m}
}

// ResolveText 上游识别结果优先，其次缓存，再次识别器，最后占位文本
func (v *VoiceNormalizer) ResolveText(ctx context.Context, mediaRef, upstream string) string {
	if upstream != "" {
		v.observe(sourceUpstream)
		return upstream
	}
	if mediaRef == "" {
		v.log.Warn(ctx, "voice message without media id")
		v.observe(sourcePlaceholder)
		return model.VoiceFailurePlaceholder
	}

	if text, ok := v.cache.Get(ctx, mediaRef); ok {
		v.observe(sourceCache)
		return text
	}

	text := model.VoicePlaceholder
	source := sourcePlaceholder
	if v.recognizer != nil {
		recognized, err := v.recognizer.Recognize(ctx, mediaRef)
		switch {
		case err != nil:
			v.log.Warn(ctx, "voice recognition failed", logger.F("media_id", mediaRef), logger.Err(err))
		case recognized != "":
			text, source = recognized, sourceRecognizer
		}
	}

	v.cache.Set(ctx, mediaRef, text)
	v.observe(source)
	return text
}

// EvictExpired 清理过期缓存
func (v *VoiceNormalizer) EvictExpired(ctx context.Context) int {
	n := v.cache.EvictExpired(ctx)
	if n > 0 {
		v.log.Info(ctx, "voice cache evicted", logger.F("count", n))
	}
	return n
}

func (v *VoiceNormalizer) observe(source string) {
	if v.metrics != nil {
		v.metrics.Recognitions.WithLabelValues(source).Inc()
	}
}
