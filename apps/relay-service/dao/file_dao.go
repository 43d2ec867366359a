package dao

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"wechat-relay/apps/relay-service/model"
	"wechat-relay/pkg/logger"
)

const (
	messagesFile = "messages.json"
	statsFile    = "stats.json"
)

// FileStore JSON文件存储，整表驻留内存，每次修改整体重写文件
type FileStore struct {
	mu       sync.RWMutex
	dir      string
	opts     Options
	messages []*model.Message
	index    map[string]int
	stats    model.Stats
}

// OpenFileStore 打开数据目录，文件不存在时初始化为空
func OpenFileStore(dir string, opts Options) (*FileStore, error) {
	opts.normalize()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	s := &FileStore{
		dir:   dir,
		opts:  opts,
		index: make(map[string]int),
		stats: model.NewStats(opts.Now()),
	}
	if err := s.load(messagesFile, &s.messages, func() { s.messages = nil }); err != nil {
		return nil, err
	}
	if err := s.load(statsFile, &s.stats, func() { s.stats = model.NewStats(opts.Now()) }); err != nil {
		return nil, err
	}
	for i, m := range s.messages {
		s.index[m.ID] = i
	}
	return s, nil
}

// errCorrupt 文件内容无法解码
var errCorrupt = errors.New("corrupt data file")

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w: %v", filepath.Base(path), errCorrupt, err)
	}
	return nil
}

// load 读取数据文件。内容损坏时改名为<name>.corrupt-<unix>留档并按空数据启动，IO错误仍返回
func (s *FileStore) load(name string, v interface{}, reset func()) error {
	path := filepath.Join(s.dir, name)
	err := readJSON(path, v)
	if !errors.Is(err, errCorrupt) {
		return err
	}
	reset()

	aside := fmt.Sprintf("%s.corrupt-%d", path, s.opts.Now().Unix())
	if renameErr := os.Rename(path, aside); renameErr != nil {
		return fmt.Errorf("move aside %s: %w", name, renameErr)
	}
	s.opts.Logger.Error(context.Background(), "data file corrupt, starting empty",
		logger.F("file", name), logger.F("moved_to", filepath.Base(aside)), logger.Err(err))
	return nil
}

// writeJSON 先写临时文件再rename，崩溃时不会留下半个文件
func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func (s *FileStore) persistMessages() error {
	if s.messages == nil {
		s.messages = []*model.Message{}
	}
	if err := writeJSON(filepath.Join(s.dir, messagesFile), s.messages); err != nil {
		return fmt.Errorf("write messages: %w", err)
	}
	return nil
}

func (s *FileStore) persistStats() error {
	if err := writeJSON(filepath.Join(s.dir, statsFile), s.stats); err != nil {
		return fmt.Errorf("write stats: %w", err)
	}
	return nil
}

// Append 写入消息，落盘失败时回滚内存状态
func (s *FileStore) Append(ctx context.Context, msg *model.Message) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := newRecord(msg, s.opts)
	if err != nil {
		return nil, err
	}

	prevStats := s.stats
	s.messages = append(s.messages, rec)
	s.index[rec.ID] = len(s.messages) - 1
	s.stats.Record(rec)

	if err := s.persistMessages(); err != nil {
		s.messages = s.messages[:len(s.messages)-1]
		delete(s.index, rec.ID)
		s.stats = prevStats
		return nil, err
	}
	// 消息已落盘即视为成功，统计写失败时留在内存，下次写入时一并落盘
	if err := s.persistStats(); err != nil {
		s.opts.Logger.Warn(ctx, "persist stats failed", logger.F("message_id", rec.ID), logger.Err(err))
	}
	return clone(rec), nil
}

// Get 按ID读取
func (s *FileStore) Get(_ context.Context, id string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.index[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s.messages[i]), nil
}

// UpdateStatus 修改状态并写入updatedAt
func (s *FileStore) UpdateStatus(ctx context.Context, id string, status model.Status) (*model.Message, error) {
	updated, err := s.BatchUpdateStatus(ctx, []string{id}, status)
	if err != nil {
		return nil, err
	}
	if len(updated) == 0 {
		return nil, ErrNotFound
	}
	return updated[0], nil
}

// BatchUpdateStatus 批量修改状态，一次落盘
func (s *FileStore) BatchUpdateStatus(_ context.Context, ids []string, status model.Status) ([]*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Now()
	type undo struct {
		i       int
		status  model.Status
		updated *time.Time
	}
	var undos []undo
	updated := make([]*model.Message, 0, len(ids))
	for _, id := range dedupe(ids) {
		i, ok := s.index[id]
		if !ok {
			continue
		}
		m := s.messages[i]
		undos = append(undos, undo{i: i, status: m.Status, updated: m.UpdatedAt})
		m.Status = status
		t := now
		m.UpdatedAt = &t
		updated = append(updated, clone(m))
	}
	if len(updated) == 0 {
		return updated, nil
	}

	if err := s.persistMessages(); err != nil {
		for _, u := range undos {
			s.messages[u.i].Status = u.status
			s.messages[u.i].UpdatedAt = u.updated
		}
		return nil, err
	}
	return updated, nil
}

func (s *FileStore) snapshot(match func(*model.Message) bool) []*model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.Message, 0)
	for _, m := range s.messages {
		if match(m) {
			out = append(out, clone(m))
		}
	}
	return out
}

// FindByUser 按用户查询
func (s *FileStore) FindByUser(_ context.Context, userID string, opts model.ListOptions) ([]*model.Message, error) {
	opts = normalizeList(opts)
	q := model.SearchQuery{UserID: userID, Status: opts.Status}
	msgs := s.snapshot(q.Match)
	sortNewestFirst(msgs)
	return paginate(msgs, opts.Skip, opts.Limit), nil
}

// FindPending 查询待同步消息
func (s *FileStore) FindPending(_ context.Context, limit int) ([]*model.Message, error) {
	q := model.SearchQuery{Status: model.StatusPending}
	msgs := s.snapshot(q.Match)
	sortOldestFirst(msgs)
	return paginate(msgs, 0, pendingLimit(limit)), nil
}

// Search 条件搜索，结果按时间倒序
func (s *FileStore) Search(_ context.Context, q model.SearchQuery) ([]*model.Message, error) {
	msgs := s.snapshot(q.Match)
	sortNewestFirst(msgs)
	return msgs, nil
}

// Aggregate 全量扫描分组计数
func (s *FileStore) Aggregate(_ context.Context, q model.SearchQuery) (*model.Aggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agg := model.NewAggregate()
	for _, m := range s.messages {
		if q.Match(m) {
			agg.Add(m)
		}
	}
	return agg, nil
}

// Count 消息总数
func (s *FileStore) Count(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.messages)), nil
}

// Stats 读取统计
func (s *FileStore) Stats(_ context.Context) (model.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats, nil
}

// ResetDaily 清零当日用量
func (s *FileStore) ResetDaily(_ context.Context) (model.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.stats
	s.stats.ResetDaily(s.opts.Now())
	if err := s.persistStats(); err != nil {
		s.stats = prev
		return prev, err
	}
	return s.stats, nil
}

// Info 存储描述
func (s *FileStore) Info() Info {
	var size uint64
	for _, name := range []string{messagesFile, statsFile} {
		if fi, err := os.Stat(filepath.Join(s.dir, name)); err == nil {
			size += uint64(fi.Size())
		}
	}
	return Info{Driver: "file-database", Location: s.dir, Size: size}
}

// Close 文件存储无需释放资源
func (s *FileStore) Close(context.Context) error {
	return nil
}
