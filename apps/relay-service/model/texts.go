package model

// 公众号被动回复文案
const (
	ReplyTextAck      = "✅ 已收到，内容将同步到你的拾光豆App"
	ReplyVoiceAck     = "🎙️ 语音正在转文字中，稍后将同步到App"
	ReplySubscribe    = "欢迎关注拾光豆公众号！您的消息将会同步到拾光豆App中。"
	ReplyMenuHelp     = "您可以发送文字或语音消息，我们会将内容同步到您的拾光豆App中。"
	ReplyMenuBind     = "请访问拾光豆App完成账号绑定。"
	ReplyMenuDefault  = "感谢您的点击！"
	ReplyPlainSuccess = "success"
)

// 语音转写占位文本
const (
	VoicePlaceholder        = "语音消息（建议重新发送以获得识别结果）"
	VoiceFailurePlaceholder = "语音识别处理失败"
)

// IsVoicePlaceholder 是否为占位文本而非真实转写
func IsVoicePlaceholder(text string) bool {
	return text == "" || text == VoicePlaceholder || text == VoiceFailurePlaceholder
}
