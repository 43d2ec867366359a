package dao

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"wechat-relay/apps/relay-service/model"
	"wechat-relay/pkg/database"
)

// 键布局：
//
//	m\x00<id>               消息JSON
//	u\x00<userID>\x00<id>   用户索引
//	s\x00stats             统计JSON
var (
	msgPrefix  = []byte("m\x00")
	userPrefix = []byte("u\x00")
	statsKey   = []byte("s\x00stats")
)

func msgKey(id string) []byte {
	return append(append([]byte{}, msgPrefix...), id...)
}

func userIndexPrefix(userID string) []byte {
	k := append(append([]byte{}, userPrefix...), userID...)
	return append(k, 0)
}

func userIndexKey(userID, id string) []byte {
	return append(userIndexPrefix(userID), id...)
}

// PebbleStore 基于pebble的嵌入式存储，消息和统计在同一批次提交
type PebbleStore struct {
	mu    sync.Mutex
	db    *database.Pebble
	opts  Options
	stats model.Stats
}

// NewPebbleStore 创建pebble存储
func NewPebbleStore(db *database.Pebble, opts Options) (*PebbleStore, error) {
	opts.normalize()
	s := &PebbleStore{db: db, opts: opts, stats: model.NewStats(opts.Now())}

	raw, err := db.Get(statsKey)
	switch {
	case errors.Is(err, database.ErrKeyNotFound):
	case err != nil:
		return nil, fmt.Errorf("load stats: %w", err)
	default:
		if err := json.Unmarshal(raw, &s.stats); err != nil {
			return nil, fmt.Errorf("decode stats: %w", err)
		}
	}
	return s, nil
}

// Append 写入消息、用户索引和统计
func (s *PebbleStore) Append(_ context.Context, msg *model.Message) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := newRecord(msg, s.opts)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}

	stats := s.stats
	stats.Record(rec)
	statsData, err := json.Marshal(stats)
	if err != nil {
		return nil, err
	}

	b := s.db.NewBatch()
	if err := b.Set(msgKey(rec.ID), data, nil); err != nil {
		b.Close()
		return nil, err
	}
	if err := b.Set(userIndexKey(rec.UserID, rec.ID), nil, nil); err != nil {
		b.Close()
		return nil, err
	}
	if err := b.Set(statsKey, statsData, nil); err != nil {
		b.Close()
		return nil, err
	}
	if err := s.db.Commit(b); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}

	s.stats = stats
	return clone(rec), nil
}

func (s *PebbleStore) load(id string) (*model.Message, error) {
	raw, err := s.db.Get(msgKey(id))
	if errors.Is(err, database.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var m model.Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode message %s: %w", id, err)
	}
	return &m, nil
}

// Get 按ID读取
func (s *PebbleStore) Get(_ context.Context, id string) (*model.Message, error) {
	return s.load(id)
}

// UpdateStatus 修改单条状态
func (s *PebbleStore) UpdateStatus(ctx context.Context, id string, status model.Status) (*model.Message, error) {
	updated, err := s.BatchUpdateStatus(ctx, []string{id}, status)
	if err != nil {
		return nil, err
	}
	if len(updated) == 0 {
		return nil, ErrNotFound
	}
	return updated[0], nil
}

// BatchUpdateStatus 批量修改状态，一次提交
func (s *PebbleStore) BatchUpdateStatus(_ context.Context, ids []string, status model.Status) ([]*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Now()
	b := s.db.NewBatch()
	updated := make([]*model.Message, 0, len(ids))
	for _, id := range dedupe(ids) {
		m, err := s.load(id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			b.Close()
			return nil, err
		}
		m.Status = status
		t := now
		m.UpdatedAt = &t
		data, err := json.Marshal(m)
		if err != nil {
			b.Close()
			return nil, err
		}
		if err := b.Set(msgKey(m.ID), data, nil); err != nil {
			b.Close()
			return nil, err
		}
		updated = append(updated, m)
	}
	if len(updated) == 0 {
		b.Close()
		return updated, nil
	}
	if err := s.db.Commit(b); err != nil {
		return nil, fmt.Errorf("commit status update: %w", err)
	}
	return updated, nil
}

// scan 遍历候选记录；指定用户时只走用户索引
func (s *PebbleStore) scan(q model.SearchQuery) ([]*model.Message, error) {
	out := make([]*model.Message, 0)

	if q.UserID != "" {
		prefix := userIndexPrefix(q.UserID)
		var ids []string
		err := s.db.IteratePrefix(prefix, func(key, _ []byte) bool {
			ids = append(ids, string(key[len(prefix):]))
			return true
		})
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			m, err := s.load(id)
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
		return out, nil
	}

	var decodeErr error
	err := s.db.IteratePrefix(msgPrefix, func(_, value []byte) bool {
		var m model.Message
		if err := json.Unmarshal(value, &m); err != nil {
			decodeErr = err
			return false
		}
		if q.Match(&m) {
			out = append(out, &m)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode message: %w", decodeErr)
	}
	return out, nil
}

// FindByUser 按用户查询
func (s *PebbleStore) FindByUser(_ context.Context, userID string, opts model.ListOptions) ([]*model.Message, error) {
	opts = normalizeList(opts)
	msgs, err := s.scan(model.SearchQuery{UserID: userID, Status: opts.Status})
	if err != nil {
		return nil, err
	}
	sortNewestFirst(msgs)
	return paginate(msgs, opts.Skip, opts.Limit), nil
}

// FindPending 查询待同步消息
func (s *PebbleStore) FindPending(_ context.Context, limit int) ([]*model.Message, error) {
	msgs, err := s.scan(model.SearchQuery{Status: model.StatusPending})
	if err != nil {
		return nil, err
	}
	sortOldestFirst(msgs)
	return paginate(msgs, 0, pendingLimit(limit)), nil
}

// Search 条件搜索
func (s *PebbleStore) Search(_ context.Context, q model.SearchQuery) ([]*model.Message, error) {
	msgs, err := s.scan(q)
	if err != nil {
		return nil, err
	}
	sortNewestFirst(msgs)
	return msgs, nil
}

// Aggregate 分组计数
func (s *PebbleStore) Aggregate(_ context.Context, q model.SearchQuery) (*model.Aggregate, error) {
	msgs, err := s.scan(q)
	if err != nil {
		return nil, err
	}
	agg := model.NewAggregate()
	for _, m := range msgs {
		agg.Add(m)
	}
	return agg, nil
}

// Count 消息总数
func (s *PebbleStore) Count(_ context.Context) (int64, error) {
	var n int64
	err := s.db.IteratePrefix(msgPrefix, func(_, _ []byte) bool {
		n++
		return true
	})
	return n, err
}

// Stats 读取统计
func (s *PebbleStore) Stats(_ context.Context) (model.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats, nil
}

// ResetDaily 清零当日用量
func (s *PebbleStore) ResetDaily(_ context.Context) (model.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.stats
	stats.ResetDaily(s.opts.Now())
	data, err := json.Marshal(stats)
	if err != nil {
		return s.stats, err
	}
	if err := s.db.Set(statsKey, data); err != nil {
		return s.stats, err
	}
	s.stats = stats
	return stats, nil
}

// Info 存储描述
func (s *PebbleStore) Info() Info {
	return Info{Driver: "pebble", Location: s.db.Path(), Size: s.db.DiskSize()}
}

// Close 关闭由Application统一负责
func (s *PebbleStore) Close(context.Context) error {
	return nil
}
