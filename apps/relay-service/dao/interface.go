package dao

import (
	"context"
	"errors"
	"time"

	"wechat-relay/apps/relay-service/model"
	"wechat-relay/pkg/logger"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("message not found")

// MessageDAO 消息数据访问接口
type MessageDAO interface {
	// Append 写入新消息，分配ID、创建时间并置为pending，同时计入统计
	Append(ctx context.Context, msg *model.Message) (*model.Message, error)
	Get(ctx context.Context, id string) (*model.Message, error)
	UpdateStatus(ctx context.Context, id string, status model.Status) (*model.Message, error)
	// BatchUpdateStatus 返回被修改的记录，不存在的ID被忽略
	BatchUpdateStatus(ctx context.Context, ids []string, status model.Status) ([]*model.Message, error)
	// FindByUser 按创建时间倒序分页
	FindByUser(ctx context.Context, userID string, opts model.ListOptions) ([]*model.Message, error)
	// FindPending 最早的pending消息在前
	FindPending(ctx context.Context, limit int) ([]*model.Message, error)
	Search(ctx context.Context, q model.SearchQuery) ([]*model.Message, error)
	Aggregate(ctx context.Context, q model.SearchQuery) (*model.Aggregate, error)
	Count(ctx context.Context) (int64, error)
}

// StatsDAO 统计数据访问接口
type StatsDAO interface {
	Stats(ctx context.Context) (model.Stats, error)
	ResetDaily(ctx context.Context) (model.Stats, error)
}

// Info 存储后端描述
type Info struct {
	Driver   string `json:"type"`
	Location string `json:"dataPath"`
	Size     uint64 `json:"-"`
}

// Store 完整的存储后端
type Store interface {
	MessageDAO
	StatsDAO
	Info() Info
	Close(ctx context.Context) error
}

// Options 存储公共参数
type Options struct {
	NewID  func() (string, error)
	Now    func() time.Time
	Logger logger.Logger
}

func (o *Options) normalize() {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = logger.NewNopLogger()
	}
	if o.NewID == nil {
		o.NewID = DefaultIDGenerator()
	}
}
