package model

import "time"

// Stats 消息统计，每次写入新消息时更新
type Stats struct {
	TotalMessages         int64      `json:"totalMessages" bson:"total_messages"`
	VoiceMessages         int64      `json:"voiceMessages" bson:"voice_messages"`
	TextMessages          int64      `json:"textMessages" bson:"text_messages"`
	ImageMessages         int64      `json:"imageMessages" bson:"image_messages"`
	FreeVoiceRecognitions int64      `json:"freeVoiceRecognitions" bson:"free_voice_recognitions"`
	LastResetDate         time.Time  `json:"lastResetDate" bson:"last_reset_date"`
	DailyUsage            DailyUsage `json:"dailyUsage" bson:"daily_usage"`
}

// DailyUsage 当日用量
type DailyUsage struct {
	Messages          int64 `json:"messages" bson:"messages"`
	VoiceRecognitions int64 `json:"voiceRecognitions" bson:"voice_recognitions"`
}

// NewStats 创建初始统计
func NewStats(now time.Time) Stats {
	return Stats{LastResetDate: now}
}

// Record 计入一条新消息
func (s *Stats) Record(m *Message) {
	s.TotalMessages++
	s.DailyUsage.Messages++
	switch m.ContentType {
	case ContentText:
		s.TextMessages++
	case ContentImage:
		s.ImageMessages++
	case ContentVoice:
		s.VoiceMessages++
		if !IsVoicePlaceholder(m.ConvertedText) {
			s.FreeVoiceRecognitions++
			s.DailyUsage.VoiceRecognitions++
		}
	}
}

// ResetDaily 清零当日用量
func (s *Stats) ResetDaily(now time.Time) {
	s.DailyUsage = DailyUsage{}
	s.LastResetDate = now
}
