package dao

import (
	"fmt"
	"sort"

	"wechat-relay/apps/relay-service/model"
)

// 各后端共用的内存过滤逻辑，保证语义一致

func clone(m *model.Message) *model.Message {
	c := *m
	if m.UpdatedAt != nil {
		t := *m.UpdatedAt
		c.UpdatedAt = &t
	}
	return &c
}

// newRecord 复制入参并填充ID、创建时间和初始状态，调用方需持有写锁
func newRecord(msg *model.Message, opts Options) (*model.Message, error) {
	id, err := opts.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate id: %w", err)
	}
	rec := clone(msg)
	rec.ID = id
	rec.Status = model.StatusPending
	rec.CreatedAt = opts.Now()
	rec.UpdatedAt = nil
	return rec, nil
}

// 创建时间相同时按ID排序，ID与写入顺序一致
func sortNewestFirst(msgs []*model.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.After(msgs[j].CreatedAt)
		}
		return msgs[i].ID > msgs[j].ID
	})
}

func sortOldestFirst(msgs []*model.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].ID < msgs[j].ID
	})
}

func normalizeList(opts model.ListOptions) model.ListOptions {
	if opts.Limit <= 0 {
		opts.Limit = model.DefaultListLimit
	}
	if opts.Limit > model.MaxListLimit {
		opts.Limit = model.MaxListLimit
	}
	if opts.Skip < 0 {
		opts.Skip = 0
	}
	return opts
}

func paginate(msgs []*model.Message, skip, limit int) []*model.Message {
	if skip >= len(msgs) {
		return []*model.Message{}
	}
	end := skip + limit
	if end > len(msgs) {
		end = len(msgs)
	}
	return msgs[skip:end]
}

func pendingLimit(limit int) int {
	if limit <= 0 {
		return model.DefaultPendingLimit
	}
	if limit > model.MaxListLimit {
		return model.MaxListLimit
	}
	return limit
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
