package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	for _, s := range []string{"pending", "synced", "failed", " synced "} {
		_, err := ParseStatus(s)
		assert.NoError(t, err, s)
	}
	for _, s := range []string{"", "done", "SYNCED", "deleted"} {
		_, err := ParseStatus(s)
		assert.ErrorIs(t, err, ErrInvalidStatus, s)
	}
}

func TestSearchQueryMatch(t *testing.T) {
	base := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	m := &Message{
		UserID:        "u1",
		ContentType:   ContentVoice,
		ConvertedText: "明天下午开会",
		Status:        StatusPending,
		CreatedAt:     base,
	}
	before := base.Add(-time.Hour)
	after := base.Add(time.Hour)

	assert.True(t, SearchQuery{}.Match(m))
	assert.True(t, SearchQuery{UserID: "u1", Keyword: "开会", ContentType: ContentVoice}.Match(m))
	assert.True(t, SearchQuery{StartDate: &before, EndDate: &after}.Match(m))
	assert.True(t, SearchQuery{StartDate: &base, EndDate: &base}.Match(m))

	assert.False(t, SearchQuery{UserID: "u2"}.Match(m))
	assert.False(t, SearchQuery{Keyword: "吃饭"}.Match(m))
	assert.False(t, SearchQuery{ContentType: ContentText}.Match(m))
	assert.False(t, SearchQuery{Status: StatusSynced}.Match(m))
	assert.False(t, SearchQuery{StartDate: &after}.Match(m))
	assert.False(t, SearchQuery{EndDate: &before}.Match(m))
}

func TestStatsRecord(t *testing.T) {
	now := time.Now()
	s := NewStats(now)
	s.Record(&Message{ContentType: ContentText, ConvertedText: "hi"})
	s.Record(&Message{ContentType: ContentVoice, ConvertedText: "转写结果"})
	s.Record(&Message{ContentType: ContentVoice, ConvertedText: VoicePlaceholder})
	s.Record(&Message{ContentType: ContentImage, ConvertedText: "图片消息: x"})

	assert.Equal(t, int64(4), s.TotalMessages)
	assert.Equal(t, int64(1), s.TextMessages)
	assert.Equal(t, int64(2), s.VoiceMessages)
	assert.Equal(t, int64(1), s.ImageMessages)
	assert.Equal(t, int64(1), s.FreeVoiceRecognitions)
	assert.Equal(t, int64(4), s.DailyUsage.Messages)
	assert.Equal(t, int64(1), s.DailyUsage.VoiceRecognitions)

	later := now.Add(24 * time.Hour)
	s.ResetDaily(later)
	assert.Zero(t, s.DailyUsage.Messages)
	assert.Equal(t, int64(4), s.TotalMessages)
	assert.Equal(t, later, s.LastResetDate)
}

func TestNewEnvelope(t *testing.T) {
	data, err := NewEnvelope(EventLoginSuccess, LoginRequest{UserID: "u1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"login_success","data":{"userId":"u1"}}`, string(data))

	data, err = NewEnvelope(EventPong, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"pong"}`, string(data))
}
