package converter

import (
	"encoding/json"
	"fmt"
	"time"

	"wechat-relay/apps/relay-service/model"
	"wechat-relay/apps/relay-service/wechat"
)

// TaskKindInbound 入站推送异步任务类型
const TaskKindInbound = "wechat.inbound"

// InboundTask 入站推送任务载荷
type InboundTask struct {
	Envelope   *wechat.Envelope `json:"envelope"`
	ReceivedAt time.Time        `json:"receivedAt"`
}

// Converter 转换器，提供推送消息、任务载荷与Model之间的转换
type Converter struct{}

// NewConverter 创建转换器实例
func NewConverter() *Converter {
	return &Converter{}
}

// Persistable 该类型推送是否需要落库
func (c *Converter) Persistable(env *wechat.Envelope) bool {
	switch env.MsgType {
	case wechat.MsgTypeText, wechat.MsgTypeVoice, wechat.MsgTypeImage, wechat.MsgTypeVideo,
		wechat.MsgTypeShortVideo, wechat.MsgTypeLocation, wechat.MsgTypeLink:
		return true
	default:
		return false
	}
}

// EnvelopeToMessage 提取推送内容为消息记录，语音的转写文本由调用方补全
func (c *Converter) EnvelopeToMessage(env *wechat.Envelope) *model.Message {
	if env == nil {
		return nil
	}
	msg := &model.Message{
		ExternalID: env.MsgID,
		UserID:     env.FromUserName,
	}

	switch env.MsgType {
	case wechat.MsgTypeText:
		msg.ContentType = model.ContentText
		msg.RawContent = env.Content
		msg.ConvertedText = env.Content
	case wechat.MsgTypeVoice:
		msg.ContentType = model.ContentVoice
		msg.RawContent = env.MediaID
		msg.ConvertedText = env.Recognition
	case wechat.MsgTypeImage:
		msg.ContentType = model.ContentImage
		msg.RawContent = env.MediaID
		ref := env.PicURL
		if ref == "" {
			ref = env.MediaID
		}
		msg.ConvertedText = "图片消息: " + ref
	case wechat.MsgTypeVideo, wechat.MsgTypeShortVideo:
		msg.ContentType = model.ContentVideo
		msg.RawContent = env.MediaID
		msg.ConvertedText = "视频消息"
	case wechat.MsgTypeLocation:
		msg.ContentType = model.ContentLocation
		msg.RawContent = env.LocationX + "," + env.LocationY
		msg.ConvertedText = "位置信息: " + env.Label
	case wechat.MsgTypeLink:
		msg.ContentType = model.ContentLink
		msg.RawContent = env.URL
		msg.ConvertedText = fmt.Sprintf("链接消息: %s - %s", env.Title, env.Description)
	case wechat.MsgTypeEvent:
		msg.ContentType = model.ContentEvent
		msg.RawContent = env.Event
		msg.ConvertedText = env.Event
	default:
		msg.ContentType = model.ContentUnknown
		raw, _ := json.Marshal(env)
		msg.RawContent = string(raw)
		msg.ConvertedText = "未知消息类型: " + env.MsgType
	}
	return msg
}

// EncodeInbound 编码入站任务载荷
func (c *Converter) EncodeInbound(env *wechat.Envelope, receivedAt time.Time) ([]byte, error) {
	return json.Marshal(InboundTask{Envelope: env, ReceivedAt: receivedAt})
}

// DecodeInbound 解码入站任务载荷
func (c *Converter) DecodeInbound(payload []byte) (*InboundTask, error) {
	var task InboundTask
	if err := json.Unmarshal(payload, &task); err != nil {
		return nil, fmt.Errorf("decode inbound task: %w", err)
	}
	if task.Envelope == nil {
		return nil, fmt.Errorf("decode inbound task: empty envelope")
	}
	return &task, nil
}

// NewMessageEvent 构建new_message推送帧
func (c *Converter) NewMessageEvent(msg *model.Message) ([]byte, error) {
	return model.NewEnvelope(model.EventNewMessage, model.NewMessagePayload{
		Type: "wechat_message",
		Data: msg,
	})
}

// StatusUpdateEvent 构建message_status_update推送帧
func (c *Converter) StatusUpdateEvent(msg *model.Message) ([]byte, error) {
	return model.NewEnvelope(model.EventStatusUpdate, model.StatusUpdatePayload{
		ID:     msg.ID,
		Status: msg.Status,
	})
}

// MessagesOrEmpty 保证列表序列化为[]而非null
func (c *Converter) MessagesOrEmpty(msgs []*model.Message) []*model.Message {
	if msgs == nil {
		return []*model.Message{}
	}
	return msgs
}
