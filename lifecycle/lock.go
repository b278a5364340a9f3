// Package lifecycle owns process-level startup and shutdown: the startup
// lock guarding single-writer deployments, and the drain on termination.
package lifecycle

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
)

// ErrLockHeld 锁已被另一个未过期的进程持有
var ErrLockHeld = errors.New("startup lock is held by another process")

// Lock 启动锁
// 进程在任何周期运行前取得；防止对同一数据库部署双调度器。
// 进程级状态，显式 Acquire / Release，不做隐式全局。
type Lock struct {
	path   string
	logger *zap.Logger
}

// Acquire 取得启动锁
// 若锁文件存在且未超过 staleAfter，返回 ErrLockHeld（进程应以非零码退出）；
// 陈旧锁被强制回收后重试一次。
func Acquire(path string, staleAfter time.Duration, logger *zap.Logger) (*Lock, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "lifecycle"), zap.String("lock_path", path))

	if err := tryCreate(path); err == nil {
		logger.Info("startup lock acquired")
		return &Lock{path: path, logger: logger}, nil
	} else if !os.IsExist(err) {
		return nil, fmt.Errorf("create lock file: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			// 持有者恰好在此刻释放，重试
			if cerr := tryCreate(path); cerr == nil {
				logger.Info("startup lock acquired")
				return &Lock{path: path, logger: logger}, nil
			}
		}
		return nil, fmt.Errorf("stat lock file: %w", err)
	}

	age := time.Since(info.ModTime())
	if age < staleAfter {
		return nil, fmt.Errorf("%w (age %s < stale threshold %s)", ErrLockHeld, age.Round(time.Second), staleAfter)
	}

	logger.Warn("evicting stale startup lock", zap.Duration("age", age))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale lock file: %w", err)
	}

	if err := tryCreate(path); err != nil {
		if os.IsExist(err) {
			return nil, ErrLockHeld
		}
		return nil, fmt.Errorf("create lock file: %w", err)
	}

	logger.Info("startup lock acquired after stale eviction")
	return &Lock{path: path, logger: logger}, nil
}

func tryCreate(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	fmt.Fprintf(f, "pid=%d acquired_at=%s\n", os.Getpid(), time.Now().Format(time.RFC3339))
	return f.Close()
}

// Release 释放启动锁
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	l.logger.Info("startup lock released")
	return nil
}

// Path 返回锁文件路径
func (l *Lock) Path() string {
	return l.path
}
