package shutdown

import (
	"context"
	"sync"

	"github.com/zammdefi/pmcore/pkg/logger"
)

// Handler 关闭处理函数
type Handler func(ctx context.Context) error

type hook struct {
	name string
	fn   Handler
}

// Manager 优雅关闭管理器。
// 回调按注册顺序逆序执行：后建立的依赖先拆。
type Manager struct {
	hooks []hook
	mu    sync.Mutex
	once  sync.Once
}

// NewManager 创建新的关闭管理器
func NewManager() *Manager {
	return &Manager{}
}

// OnShutdown 注册具名关闭回调
func (m *Manager) OnShutdown(name string, fn Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook{name: name, fn: fn})
}

// Shutdown 执行所有关闭回调（阻塞调用，只生效一次）。
// ctx 应该带超时，超时后剩余回调被放弃。
func (m *Manager) Shutdown(ctx context.Context) {
	m.once.Do(func() {
		m.mu.Lock()
		hooks := make([]hook, len(m.hooks))
		copy(hooks, m.hooks)
		m.mu.Unlock()

		logger.Infof("开始优雅关闭，共 %d 个回调", len(hooks))
		for i := len(hooks) - 1; i >= 0; i-- {
			h := hooks[i]
			select {
			case <-ctx.Done():
				logger.Warnf("关闭超时，放弃剩余 %d 个回调: %v", i+1, ctx.Err())
				return
			default:
			}
			if err := h.fn(ctx); err != nil {
				logger.Errorf("关闭回调 %s 失败: %v", h.name, err)
				continue
			}
			logger.Debugf("关闭回调 %s 已完成", h.name)
		}
		logger.Info("所有关闭回调已完成")
	})
}
