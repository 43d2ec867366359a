package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ContentType 消息内容类型
type ContentType string

const (
	ContentText     ContentType = "text"
	ContentVoice    ContentType = "voice"
	ContentImage    ContentType = "image"
	ContentVideo    ContentType = "video"
	ContentLocation ContentType = "location"
	ContentLink     ContentType = "link"
	ContentEvent    ContentType = "event"
	ContentUnknown  ContentType = "unknown"
)

// Status 同步状态
type Status string

const (
	StatusPending Status = "pending"
	StatusSynced  Status = "synced"
	StatusFailed  Status = "failed"
)

// ErrInvalidStatus 状态不在枚举范围内
var ErrInvalidStatus = errors.New("invalid status")

// ParseStatus 校验状态值，只接受 pending|synced|failed
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.TrimSpace(s)); st {
	case StatusPending, StatusSynced, StatusFailed:
		return st, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
}

// Message 微信消息记录，ID在持久化时生成且不可变
type Message struct {
	ID            string      `bson:"_id" json:"id"`
	ExternalID    string      `bson:"wechat_msg_id" json:"wechat_msg_id"`
	UserID        string      `bson:"user_id" json:"user_id"`
	ContentType   ContentType `bson:"content_type" json:"content_type"`
	RawContent    string      `bson:"raw_content" json:"raw_content"`
	ConvertedText string      `bson:"converted_text" json:"converted_text"`
	Status        Status      `bson:"status" json:"status"`
	CreatedAt     time.Time   `bson:"created_at" json:"created_at"`
	UpdatedAt     *time.Time  `bson:"updated_at,omitempty" json:"updated_at,omitempty"`
}

// ListOptions 按用户分页查询参数
type ListOptions struct {
	Status Status
	Limit  int
	Skip   int
}

// 分页默认值
const (
	DefaultListLimit    = 20
	DefaultPendingLimit = 100
	MaxListLimit        = 1000
)

// SearchQuery 搜索条件，各条件取交集，零值表示不限
type SearchQuery struct {
	UserID      string
	Keyword     string
	ContentType ContentType
	Status      Status
	StartDate   *time.Time
	EndDate     *time.Time
}

// Match 判断记录是否满足全部条件
func (q SearchQuery) Match(m *Message) bool {
	if q.UserID != "" && m.UserID != q.UserID {
		return false
	}
	if q.Keyword != "" && !strings.Contains(m.ConvertedText, q.Keyword) {
		return false
	}
	if q.ContentType != "" && m.ContentType != q.ContentType {
		return false
	}
	if q.Status != "" && m.Status != q.Status {
		return false
	}
	if q.StartDate != nil && m.CreatedAt.Before(*q.StartDate) {
		return false
	}
	if q.EndDate != nil && m.CreatedAt.After(*q.EndDate) {
		return false
	}
	return true
}

// Aggregate 按类型和状态分组计数
type Aggregate struct {
	Total       int            `json:"total"`
	TypeStats   map[string]int `json:"typeStats"`
	StatusStats map[string]int `json:"statusStats"`
}

// NewAggregate 创建空的分组计数
func NewAggregate() *Aggregate {
	return &Aggregate{TypeStats: map[string]int{}, StatusStats: map[string]int{}}
}

// Add 计入一条记录
func (a *Aggregate) Add(m *Message) {
	a.Total++
	a.TypeStats[string(m.ContentType)]++
	a.StatusStats[string(m.Status)]++
}
