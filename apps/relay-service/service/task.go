package service

import (
	"context"
	"errors"
	"fmt"

	"wechat-relay/apps/relay-service/dao"
	"wechat-relay/apps/relay-service/model"
	"wechat-relay/pkg/logger"
)

var (
	// ErrMissingUserID 缺少userId
	ErrMissingUserID = errors.New("userId is required")
	// ErrMissingIDs 批量更新缺少ids
	ErrMissingIDs = errors.New("ids is required")
	// ErrNotFound 记录不存在或不属于该用户
	ErrNotFound = dao.ErrNotFound
)

// Page 分页结果，Total为分页前的匹配数
type Page struct {
	Items []*model.Message
	Total int
	Limit int
	Skip  int
}

func emptyPage(limit, skip int) *Page {
	return &Page{Items: []*model.Message{}, Limit: limit, Skip: skip}
}

func normalizePaging(limit, skip int) (int, int) {
	if limit <= 0 {
		limit = model.DefaultListLimit
	}
	if limit > model.MaxListLimit {
		limit = model.MaxListLimit
	}
	if skip < 0 {
		skip = 0
	}
	return limit, skip
}

// ListByUser 按用户分页查询，读失败时记录日志并返回空结果
func (s *Service) ListByUser(ctx context.Context, userID string, opts model.ListOptions) (*Page, error) {
	if userID == "" {
		return nil, ErrMissingUserID
	}
	opts.Limit, opts.Skip = normalizePaging(opts.Limit, opts.Skip)

	items, err := s.store.FindByUser(ctx, userID, opts)
	if err != nil {
		s.readFailed(ctx, "find_by_user", err)
		return emptyPage(opts.Limit, opts.Skip), nil
	}
	agg, err := s.store.Aggregate(ctx, model.SearchQuery{UserID: userID, Status: opts.Status})
	if err != nil {
		s.readFailed(ctx, "count_by_user", err)
		return emptyPage(opts.Limit, opts.Skip), nil
	}
	return &Page{Items: s.conv.MessagesOrEmpty(items), Total: agg.Total, Limit: opts.Limit, Skip: opts.Skip}, nil
}

// Get 按ID读取，userID非空时校验归属
func (s *Service) Get(ctx context.Context, id, userID string) (*model.Message, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		if !isNotFound(err) {
			s.storeError("get")
		}
		return nil, err
	}
	if userID != "" && rec.UserID != userID {
		return nil, ErrNotFound
	}
	return rec, nil
}

// UpdateStatus 校验状态值后更新，并向记录所有者推送状态变更
func (s *Service) UpdateStatus(ctx context.Context, id, userID, status string) (*model.Message, error) {
	st, err := model.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	if userID != "" {
		if _, err := s.Get(ctx, id, userID); err != nil {
			return nil, err
		}
	}

	rec, err := s.store.UpdateStatus(ctx, id, st)
	if err != nil {
		if !isNotFound(err) {
			s.storeError("update_status")
		}
		return nil, err
	}
	s.log.Info(ctx, "message status updated", logger.F("message_id", id), logger.F("status", st))
	s.publishStatus(ctx, rec)
	return rec, nil
}

// BatchUpdateStatus 批量更新，返回实际修改条数
func (s *Service) BatchUpdateStatus(ctx context.Context, ids []string, status string) (int, error) {
	if len(ids) == 0 {
		return 0, ErrMissingIDs
	}
	st, err := model.ParseStatus(status)
	if err != nil {
		return 0, err
	}

	updated, err := s.store.BatchUpdateStatus(ctx, ids, st)
	if err != nil {
		s.storeError("batch_update_status")
		return 0, fmt.Errorf("batch update: %w", err)
	}
	for _, rec := range updated {
		s.publishStatus(ctx, rec)
	}
	s.log.Info(ctx, "batch status updated", logger.F("requested", len(ids)), logger.F("modified", len(updated)))
	return len(updated), nil
}

// Pending 最早的待同步消息
func (s *Service) Pending(ctx context.Context, limit int) ([]*model.Message, error) {
	items, err := s.store.FindPending(ctx, limit)
	if err != nil {
		s.readFailed(ctx, "find_pending", err)
		return []*model.Message{}, nil
	}
	return s.conv.MessagesOrEmpty(items), nil
}

// Search 条件搜索并分页
func (s *Service) Search(ctx context.Context, q model.SearchQuery, limit, skip int) (*Page, error) {
	limit, skip = normalizePaging(limit, skip)
	items, err := s.store.Search(ctx, q)
	if err != nil {
		s.readFailed(ctx, "search", err)
		return emptyPage(limit, skip), nil
	}

	page := &Page{Total: len(items), Limit: limit, Skip: skip, Items: []*model.Message{}}
	if skip < len(items) {
		end := skip + limit
		if end > len(items) {
			end = len(items)
		}
		page.Items = items[skip:end]
	}
	return page, nil
}

// Aggregate 按内容类型和状态分组计数
func (s *Service) Aggregate(ctx context.Context, q model.SearchQuery) (*model.Aggregate, error) {
	agg, err := s.store.Aggregate(ctx, q)
	if err != nil {
		s.readFailed(ctx, "aggregate", err)
		return model.NewAggregate(), nil
	}
	return agg, nil
}

// Stats 全局统计
func (s *Service) Stats(ctx context.Context) (model.Stats, error) {
	st, err := s.store.Stats(ctx)
	if err != nil {
		s.storeError("stats")
		return model.Stats{}, err
	}
	return st, nil
}

// ResetDailyStats 清零当日用量
func (s *Service) ResetDailyStats(ctx context.Context) (model.Stats, error) {
	st, err := s.store.ResetDaily(ctx)
	if err != nil {
		s.storeError("reset_daily")
		return model.Stats{}, err
	}
	s.log.Info(ctx, "daily usage reset", logger.F("total_messages", st.TotalMessages))
	return st, nil
}

// Count 消息总数
func (s *Service) Count(ctx context.Context) (int64, error) {
	return s.store.Count(ctx)
}

func (s *Service) readFailed(ctx context.Context, op string, err error) {
	s.storeError(op)
	s.log.Error(ctx, "store read failed, returning empty result", logger.F("op", op), logger.Err(err))
}
