package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/BaSui01/crawlflow/internal/database"
	"github.com/BaSui01/crawlflow/internal/metrics"
	"github.com/BaSui01/crawlflow/lifecycle"
	"github.com/BaSui01/crawlflow/registry"
	"github.com/BaSui01/crawlflow/scheduler"
	"github.com/BaSui01/crawlflow/store"
)

// =============================================================================
// 🖥️ run 命令
// =============================================================================

func runRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	once := fs.Bool("once", false, "Run a single cycle and exit")
	fs.Parse(args)

	cfg := loadConfig(*configPath)

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("starting crawlflow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	// 启动锁: 被未过期的锁占用时以非零码退出，防止双调度器部署
	lock, err := lifecycle.Acquire(cfg.Lock.Path, cfg.Lock.StaleAfter(), logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to acquire startup lock: %v\n", err)
		os.Exit(1)
	}

	db, err := store.Open(cfg.Database)
	if err != nil {
		lock.Release()
		fmt.Fprintf(os.Stderr, "Failed to connect database: %v\n", err)
		os.Exit(1)
	}

	pm, err := database.NewPoolManager(db, database.PoolConfig{
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}, logger)
	if err != nil {
		lock.Release()
		fmt.Fprintf(os.Stderr, "Failed to initialize database pool: %v\n", err)
		os.Exit(1)
	}
	defer pm.Close()

	// 结构性持久化错误属于致命错误
	if err := store.InitDatabase(db); err != nil {
		lock.Release()
		fmt.Fprintf(os.Stderr, "Failed to migrate schema: %v\n", err)
		os.Exit(1)
	}

	reg, err := registry.New(cfg, logger)
	if err != nil {
		lock.Release()
		fmt.Fprintf(os.Stderr, "Invalid provider registry: %v\n", err)
		os.Exit(1)
	}

	collector := metrics.NewCollector("crawlflow", nil, logger)
	domains := store.NewDomainStore(db, logger)
	responses := store.NewResponseStore(db, logger)

	sched := scheduler.New(cfg, reg, domains, responses, collector, logger)

	coord := lifecycle.NewCoordinator(lock, cfg.Cycle.DrainTimeout(), logger)
	err = coord.Run(context.Background(), func(ctx context.Context) error {
		if *once {
			_, cycleErr := sched.RunCycle(ctx)
			return cycleErr
		}
		return sched.Run(ctx)
	})
	sched.Close()

	if err != nil {
		logger.Error("crawlflow exited with error", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("crawlflow stopped")
}
