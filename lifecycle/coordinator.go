package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Coordinator 协调调度循环的启动与优雅关停
//
// 收到终止信号后: 取消运行 context（停止认领新域名，释放等待中的
// 挂起点），给在途任务至多 drainTimeout 的收尾窗口，最后释放启动锁。
type Coordinator struct {
	lock         *Lock
	drainTimeout time.Duration
	logger       *zap.Logger
}

// NewCoordinator 创建生命周期协调器
func NewCoordinator(lock *Lock, drainTimeout time.Duration, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		lock:         lock,
		drainTimeout: drainTimeout,
		logger:       logger.With(zap.String("component", "lifecycle")),
	}
}

// Run 在信号保护下执行 run，返回其错误
// run 须在其 context 取消后自行收尾返回；收尾超过 drainTimeout 则放弃等待
func (c *Coordinator) Run(ctx context.Context, run func(context.Context) error) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan error, 1)
	go func() {
		done <- run(ctx)
	}()

	var runErr error
	select {
	case runErr = <-done:

	case <-ctx.Done():
		c.logger.Info("termination signal received, draining in-flight tasks",
			zap.Duration("drain_timeout", c.drainTimeout))

		timer := time.NewTimer(c.drainTimeout)
		defer timer.Stop()
		select {
		case runErr = <-done:
			c.logger.Info("drained cleanly")
		case <-timer.C:
			c.logger.Warn("drain timeout exceeded, abandoning in-flight tasks")
		}
	}

	if c.lock != nil {
		if err := c.lock.Release(); err != nil {
			c.logger.Error("failed to release startup lock", zap.Error(err))
			if runErr == nil {
				runErr = err
			}
		}
	}

	return runErr
}
