package converter

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wechat-relay/apps/relay-service/model"
	"wechat-relay/apps/relay-service/wechat"
)

func TestEnvelopeToMessage(t *testing.T) {
	c := NewConverter()
	tests := []struct {
		name      string
		env       wechat.Envelope
		wantType  model.ContentType
		wantRaw   string
		wantText  string
		persisted bool
	}{
		{
			name:     "text",
			env:      wechat.Envelope{MsgType: "text", Content: "hello"},
			wantType: model.ContentText, wantRaw: "hello", wantText: "hello", persisted: true,
		},
		{
			name:     "voice keeps recognition",
			env:      wechat.Envelope{MsgType: "voice", MediaID: "m1", Recognition: "你好"},
			wantType: model.ContentVoice, wantRaw: "m1", wantText: "你好", persisted: true,
		},
		{
			name:     "image prefers pic url",
			env:      wechat.Envelope{MsgType: "image", MediaID: "m2", PicURL: "http://p/1.jpg"},
			wantType: model.ContentImage, wantRaw: "m2", wantText: "图片消息: http://p/1.jpg", persisted: true,
		},
		{
			name:     "image falls back to media id",
			env:      wechat.Envelope{MsgType: "image", MediaID: "m2"},
			wantType: model.ContentImage, wantRaw: "m2", wantText: "图片消息: m2", persisted: true,
		},
		{
			name:     "shortvideo is video",
			env:      wechat.Envelope{MsgType: "shortvideo", MediaID: "m3"},
			wantType: model.ContentVideo, wantRaw: "m3", wantText: "视频消息", persisted: true,
		},
		{
			name:     "location",
			env:      wechat.Envelope{MsgType: "location", LocationX: "23.1", LocationY: "113.3", Label: "广州塔"},
			wantType: model.ContentLocation, wantRaw: "23.1,113.3", wantText: "位置信息: 广州塔", persisted: true,
		},
		{
			name:     "link",
			env:      wechat.Envelope{MsgType: "link", URL: "http://a", Title: "标题", Description: "描述"},
			wantType: model.ContentLink, wantRaw: "http://a", wantText: "链接消息: 标题 - 描述", persisted: true,
		},
		{
			name:     "event",
			env:      wechat.Envelope{MsgType: "event", Event: "subscribe"},
			wantType: model.ContentEvent, wantRaw: "subscribe", wantText: "subscribe",
		},
		{
			name:     "unknown",
			env:      wechat.Envelope{MsgType: "miniprogrampage"},
			wantType: model.ContentUnknown, wantText: "未知消息类型: miniprogrampage",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := tt.env
			env.FromUserName = "oUser"
			env.MsgID = "42"
			msg := c.EnvelopeToMessage(&env)
			require.NotNil(t, msg)
			assert.Equal(t, "oUser", msg.UserID)
			assert.Equal(t, "42", msg.ExternalID)
			assert.Equal(t, tt.wantType, msg.ContentType)
			assert.Equal(t, tt.wantText, msg.ConvertedText)
			if tt.wantType != model.ContentUnknown {
				assert.Equal(t, tt.wantRaw, msg.RawContent)
			} else {
				assert.Contains(t, msg.RawContent, `"MsgType":"miniprogrampage"`)
			}
			assert.Equal(t, tt.persisted, c.Persistable(&env))
		})
	}
}

func TestInboundTaskRoundTrip(t *testing.T) {
	c := NewConverter()
	env := &wechat.Envelope{FromUserName: "oUser", ToUserName: "gh", MsgType: "text", Content: "hi"}
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	payload, err := c.EncodeInbound(env, at)
	require.NoError(t, err)
	task, err := c.DecodeInbound(payload)
	require.NoError(t, err)
	assert.Equal(t, "hi", task.Envelope.Content)
	assert.True(t, at.Equal(task.ReceivedAt))

	_, err = c.DecodeInbound([]byte(`{}`))
	assert.Error(t, err)
}

func TestEventFrames(t *testing.T) {
	c := NewConverter()
	msg := &model.Message{ID: "msg_1", UserID: "oUser", Status: model.StatusSynced}

	frame, err := c.NewMessageEvent(msg)
	require.NoError(t, err)
	var env model.Envelope
	require.NoError(t, json.Unmarshal(frame, &env))
	assert.Equal(t, model.EventNewMessage, env.Event)
	assert.Contains(t, string(env.Data), `"type":"wechat_message"`)

	frame, err = c.StatusUpdateEvent(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"message_status_update","data":{"id":"msg_1","status":"synced"}}`, string(frame))
}
