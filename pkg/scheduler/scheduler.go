package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"wechat-relay/pkg/logger"
)

// Job 定时任务
type Job struct {
	Name string
	Cron string
	Run  func(ctx context.Context)
}

// Scheduler 基于cron表达式的任务调度器，每个任务一个goroutine
type Scheduler struct {
	log  logger.Logger
	jobs []Job
	now  func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New 创建调度器
func New(log logger.Logger) *Scheduler {
	return &Scheduler{log: log, now: time.Now}
}

// Add 注册任务，cron非法时返回错误
func (s *Scheduler) Add(name, cron string, run func(ctx context.Context)) error {
	if !gronx.IsValid(cron) {
		return fmt.Errorf("job %s: invalid cron expression %q", name, cron)
	}
	s.jobs = append(s.jobs, Job{Name: name, Cron: cron, Run: run})
	return nil
}

// Start 启动全部任务
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	for _, job := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, job)
		s.log.Info(ctx, "scheduled job registered", logger.F("job", job.Name), logger.F("cron", job.Cron))
	}
	return nil
}

// Stop 停止调度并等待正在执行的任务
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	defer s.wg.Done()
	for {
		now := s.now()
		next, err := gronx.NextTickAfter(job.Cron, now, false)
		if err != nil {
			s.log.Error(ctx, "scheduler next tick failed", logger.F("job", job.Name), logger.Err(err))
			if !sleep(ctx, 30*time.Second) {
				return
			}
			continue
		}
		if !sleep(ctx, next.Sub(now)) {
			return
		}
		s.runSafe(ctx, job)
	}
}

func (s *Scheduler) runSafe(ctx context.Context, job Job) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error(ctx, "scheduled job panicked", logger.F("job", job.Name), logger.F("panic", fmt.Sprint(r)))
		}
	}()
	start := time.Now()
	job.Run(ctx)
	s.log.Debug(ctx, "scheduled job finished", logger.F("job", job.Name), logger.F("took", time.Since(start).String()))
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
