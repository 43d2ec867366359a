package lifecycle

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	kratoslog "github.com/go-kratos/kratos/v2/log"
)

// Manager 生命周期管理器
type Manager struct {
	logger      kratoslog.Logger
	hooks       []Hook
	started     []Hook
	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
	stopOnce    sync.Once
	stopTimeout time.Duration
}

// Hook 生命周期钩子
type Hook struct {
	Name     string
	OnStart  func(context.Context) error
	OnStop   func(context.Context) error
	Priority int
	// Priority分级:
	// 0-99:    存储层（消息存储、Redis、Kafka、NATS连接）
	// 100-199: 业务组件（任务队列、推送中心、定时任务）
	// 200-299: 服务器层（HTTP/WebSocket）
}

// NewManager 创建生命周期管理器
func NewManager(logger kratoslog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		stopTimeout: 30 * time.Second,
	}
}

// SetStopTimeout 设置停止超时
func (m *Manager) SetStopTimeout(d time.Duration) {
	m.mu.Lock()
	m.stopTimeout = d
	m.mu.Unlock()
}

// AddHook 添加钩子，同优先级保持注册顺序
func (m *Manager) AddHook(hook Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.hooks = append(m.hooks, hook)
	sort.SliceStable(m.hooks, func(i, j int) bool {
		return m.hooks[i].Priority < m.hooks[j].Priority
	})
}

// Start 按优先级启动钩子，失败时回滚已启动的钩子
func (m *Manager) Start() error {
	m.mu.Lock()
	hooks := append([]Hook(nil), m.hooks...)
	m.mu.Unlock()

	m.logger.Log(kratoslog.LevelInfo, "msg", "starting lifecycle hooks", "count", len(hooks))
	for _, hook := range hooks {
		if hook.OnStart != nil {
			if err := hook.OnStart(m.ctx); err != nil {
				m.logger.Log(kratoslog.LevelError, "msg", "hook start failed", "name", hook.Name, "error", err)
				_ = m.Stop()
				return err
			}
			m.logger.Log(kratoslog.LevelInfo, "msg", "hook started", "name", hook.Name)
		}
		m.mu.Lock()
		m.started = append(m.started, hook)
		m.mu.Unlock()
	}
	return nil
}

// Stop 反向停止已启动的钩子，只执行一次
func (m *Manager) Stop() error {
	var errs []error

	m.stopOnce.Do(func() {
		m.mu.Lock()
		started := append([]Hook(nil), m.started...)
		timeout := m.stopTimeout
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		for i := len(started) - 1; i >= 0; i-- {
			hook := started[i]
			if hook.OnStop == nil {
				continue
			}
			if err := hook.OnStop(ctx); err != nil {
				m.logger.Log(kratoslog.LevelError, "msg", "hook stop failed", "name", hook.Name, "error", err)
				errs = append(errs, err)
				continue
			}
			m.logger.Log(kratoslog.LevelInfo, "msg", "hook stopped", "name", hook.Name)
		}

		m.cancel()
		close(m.done)
	})

	return errors.Join(errs...)
}

// Wait 阻塞直到收到退出信号或Stop被调用
func (m *Manager) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		m.logger.Log(kratoslog.LevelInfo, "msg", "received signal", "signal", sig.String())
		_ = m.Stop()
	case <-m.done:
	}
}

// Context 生命周期上下文，Stop后被取消
func (m *Manager) Context() context.Context {
	return m.ctx
}

// Done 停止完成通道
func (m *Manager) Done() <-chan struct{} {
	return m.done
}
