package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"wechat-relay/pkg/logger"
	"wechat-relay/pkg/metrics"
)

var (
	// ErrQueueFull 内存队列已满
	ErrQueueFull = errors.New("taskqueue: queue is full")
	// ErrQueueClosed 队列已关闭
	ErrQueueClosed = errors.New("taskqueue: queue is closed")
)

// Task 异步任务
type Task struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Payload    []byte    `json:"payload"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// NewTask 创建任务
func NewTask(kind string, payload []byte) Task {
	return Task{
		ID:         uuid.NewString(),
		Kind:       kind,
		Payload:    payload,
		EnqueuedAt: time.Now(),
	}
}

// Handler 任务处理函数
type Handler func(ctx context.Context, task Task) error

// FailureFunc 任务重试耗尽后的回调
type FailureFunc func(ctx context.Context, task Task, err error)

// Stats 队列统计
type Stats struct {
	Driver    string `json:"driver"`
	Enqueued  uint64 `json:"enqueued"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	Retried   uint64 `json:"retried"`
	Rejected  uint64 `json:"rejected"`
	Pending   int    `json:"pending"`
}

// Queue 任务队列
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	Start(ctx context.Context, handler Handler) error
	Stop(ctx context.Context) error
	Stats() Stats
}

// Options 队列参数
type Options struct {
	Workers     int
	Buffer      int
	MaxAttempts int
	Backoff     time.Duration
	OnFailure   FailureFunc
	Logger      logger.Logger
	Metrics     *metrics.Metrics
}

func (o *Options) normalize() {
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.Buffer <= 0 {
		o.Buffer = 128
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 1
	}
	if o.Logger == nil {
		o.Logger = logger.NewNopLogger()
	}
}

// counters 各实现共用的计数器
type counters struct {
	enqueued, succeeded, failed, retried, rejected atomic.Uint64
}

// executor 带有限次重试的任务执行器
type executor struct {
	opts     Options
	counters *counters
}

// run 执行任务，失败按指数退避重试，耗尽后触发OnFailure并返回最后一次错误
func (e *executor) run(ctx context.Context, handler Handler, task Task) error {
	var lastErr error
	backoff := e.opts.Backoff

	for attempt := 1; attempt <= e.opts.MaxAttempts; attempt++ {
		task.Attempt = attempt
		lastErr = e.safeCall(ctx, handler, task)
		if lastErr == nil {
			e.counters.succeeded.Add(1)
			if e.opts.Metrics != nil {
				e.opts.Metrics.TasksProcessed.WithLabelValues("success").Inc()
			}
			return nil
		}
		if attempt == e.opts.MaxAttempts {
			break
		}

		e.counters.retried.Add(1)
		if e.opts.Metrics != nil {
			e.opts.Metrics.TaskRetries.Inc()
		}
		e.opts.Logger.Warn(ctx, "task attempt failed, retrying",
			logger.F("task_id", task.ID),
			logger.F("kind", task.Kind),
			logger.F("attempt", attempt),
			logger.Err(lastErr))

		if backoff > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				lastErr = fmt.Errorf("%w (aborted: %v)", lastErr, ctx.Err())
				attempt = e.opts.MaxAttempts
			}
			backoff *= 2
		}
	}

	e.counters.failed.Add(1)
	if e.opts.Metrics != nil {
		e.opts.Metrics.TasksProcessed.WithLabelValues("failed").Inc()
	}
	e.opts.Logger.Error(ctx, "task failed permanently",
		logger.F("task_id", task.ID),
		logger.F("kind", task.Kind),
		logger.F("attempts", task.Attempt),
		logger.Err(lastErr))
	if e.opts.OnFailure != nil {
		e.opts.OnFailure(ctx, task, lastErr)
	}
	return lastErr
}

func (e *executor) safeCall(ctx context.Context, handler Handler, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return handler(ctx, task)
}

func (c *counters) snapshot(driver string, pending int) Stats {
	return Stats{
		Driver:    driver,
		Enqueued:  c.enqueued.Load(),
		Succeeded: c.succeeded.Load(),
		Failed:    c.failed.Load(),
		Retried:   c.retried.Load(),
		Rejected:  c.rejected.Load(),
		Pending:   pending,
	}
}
