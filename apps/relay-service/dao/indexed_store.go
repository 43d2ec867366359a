package dao

import (
	"context"
	"errors"

	"wechat-relay/apps/relay-service/model"
	"wechat-relay/pkg/logger"
)

// backfillBatch 回填时每批写入的文档数
const backfillBatch = 500

// SearchIndex 关键词检索索引，记录仍以Store为准
type SearchIndex interface {
	EnsureIndex(ctx context.Context) (bool, error)
	Index(ctx context.Context, msgs ...*model.Message) error
	// Search 返回命中ID，complete为false表示结果被截断
	Search(ctx context.Context, q model.SearchQuery) ([]string, bool, error)
}

// IndexedStore 在Store之上维护检索索引，Search先查索引再回表
type IndexedStore struct {
	Store
	index SearchIndex
	log   logger.Logger
}

// NewIndexedStore 包装存储
func NewIndexedStore(store Store, index SearchIndex, log logger.Logger) *IndexedStore {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &IndexedStore{Store: store, index: index, log: log}
}

func (s *IndexedStore) reindex(ctx context.Context, msgs ...*model.Message) {
	if len(msgs) == 0 {
		return
	}
	if err := s.index.Index(ctx, msgs...); err != nil {
		s.log.Warn(ctx, "search index write failed", logger.F("count", len(msgs)), logger.Err(err))
	}
}

// Append 写入存储后同步索引，索引失败不影响写入结果
func (s *IndexedStore) Append(ctx context.Context, msg *model.Message) (*model.Message, error) {
	rec, err := s.Store.Append(ctx, msg)
	if err != nil {
		return nil, err
	}
	s.reindex(ctx, rec)
	return rec, nil
}

// UpdateStatus 修改状态并同步索引
func (s *IndexedStore) UpdateStatus(ctx context.Context, id string, status model.Status) (*model.Message, error) {
	rec, err := s.Store.UpdateStatus(ctx, id, status)
	if err != nil {
		return nil, err
	}
	s.reindex(ctx, rec)
	return rec, nil
}

// BatchUpdateStatus 批量修改状态并同步索引
func (s *IndexedStore) BatchUpdateStatus(ctx context.Context, ids []string, status model.Status) ([]*model.Message, error) {
	updated, err := s.Store.BatchUpdateStatus(ctx, ids, status)
	if err != nil {
		return nil, err
	}
	s.reindex(ctx, updated...)
	return updated, nil
}

// Search 索引命中后回表并按原条件复核；索引不可用或结果被截断时退回存储扫描
func (s *IndexedStore) Search(ctx context.Context, q model.SearchQuery) ([]*model.Message, error) {
	ids, complete, err := s.index.Search(ctx, q)
	if err != nil {
		s.log.Warn(ctx, "search index query failed, scanning store", logger.Err(err))
		return s.Store.Search(ctx, q)
	}
	if !complete {
		s.log.Info(ctx, "search index result truncated, scanning store", logger.F("hits", len(ids)))
		return s.Store.Search(ctx, q)
	}

	out := make([]*model.Message, 0, len(ids))
	for _, id := range ids {
		m, err := s.Store.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if q.Match(m) {
			out = append(out, m)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

// Backfill 把存储中已有的记录全部写入索引，用于新建索引后
func (s *IndexedStore) Backfill(ctx context.Context) (int, error) {
	msgs, err := s.Store.Search(ctx, model.SearchQuery{})
	if err != nil {
		return 0, err
	}
	for start := 0; start < len(msgs); start += backfillBatch {
		end := start + backfillBatch
		if end > len(msgs) {
			end = len(msgs)
		}
		if err := s.index.Index(ctx, msgs[start:end]...); err != nil {
			return start, err
		}
	}
	return len(msgs), nil
}

// Info 存储描述，标明启用了检索索引
func (s *IndexedStore) Info() Info {
	info := s.Store.Info()
	info.Driver += "+search"
	return info
}
