package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/pebble"
)

// ErrKeyNotFound 键不存在
var ErrKeyNotFound = errors.New("key not found")

// Pebble 嵌入式KV存储
type Pebble struct {
	db   *pebble.DB
	path string
}

// OpenPebble 打开或创建pebble数据目录
func OpenPebble(path string) (*Pebble, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create pebble dir: %w", err)
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", path, err)
	}
	return &Pebble{db: db, path: path}, nil
}

// Path 数据目录
func (p *Pebble) Path() string {
	return p.path
}

// Get 读取值，返回拷贝
func (p *Pebble) Get(key []byte) ([]byte, error) {
	v, closer, err := p.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Set 同步写入
func (p *Pebble) Set(key, value []byte) error {
	return p.db.Set(key, value, pebble.Sync)
}

// NewBatch 创建写批次
func (p *Pebble) NewBatch() *pebble.Batch {
	return p.db.NewBatch()
}

// Commit 同步提交批次
func (p *Pebble) Commit(b *pebble.Batch) error {
	defer b.Close()
	return b.Commit(pebble.Sync)
}

// IteratePrefix 按键序遍历前缀范围，fn返回false时提前结束
func (p *Pebble) IteratePrefix(prefix []byte, fn func(key, value []byte) bool) error {
	it, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer it.Close()

	for ok := it.First(); ok; ok = it.Next() {
		if !fn(it.Key(), it.Value()) {
			break
		}
	}
	return it.Error()
}

// DiskSize 估算磁盘占用
func (p *Pebble) DiskSize() uint64 {
	return p.db.Metrics().DiskSpaceUsage()
}

// Close 关闭
func (p *Pebble) Close() error {
	return p.db.Close()
}

func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
