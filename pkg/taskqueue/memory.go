package taskqueue

import (
	"context"
	"sync"

	"wechat-relay/pkg/logger"
)

// MemoryQueue 进程内队列，固定数量worker消费
type MemoryQueue struct {
	exec     *executor
	counters counters
	tasks    chan Task

	mu      sync.RWMutex
	closed  bool
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewMemoryQueue 创建内存队列
func NewMemoryQueue(opts Options) *MemoryQueue {
	opts.normalize()
	q := &MemoryQueue{tasks: make(chan Task, opts.Buffer)}
	q.exec = &executor{opts: opts, counters: &q.counters}
	return q
}

// Enqueue 非阻塞入队，队列满时返回ErrQueueFull
func (q *MemoryQueue) Enqueue(ctx context.Context, task Task) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.tasks <- task:
		q.counters.enqueued.Add(1)
		return nil
	default:
		q.counters.rejected.Add(1)
		q.exec.opts.Logger.Error(ctx, "task queue full, task rejected",
			logger.F("task_id", task.ID), logger.F("kind", task.Kind))
		return ErrQueueFull
	}
}

// Start 启动worker
func (q *MemoryQueue) Start(ctx context.Context, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return nil
	}
	q.started = true

	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	q.cancel = cancel
	for i := 0; i < q.exec.opts.Workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for task := range q.tasks {
				_ = q.exec.run(workerCtx, handler, task)
			}
		}()
	}
	return nil
}

// Stop 停止接收新任务，等待已入队任务处理完；超时后取消进行中的重试
func (q *MemoryQueue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.tasks)
	started := q.started
	q.mu.Unlock()

	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		return ctx.Err()
	}
}

// Stats 队列统计
func (q *MemoryQueue) Stats() Stats {
	return q.counters.snapshot("memory", len(q.tasks))
}
