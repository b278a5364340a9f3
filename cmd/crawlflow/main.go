// =============================================================================
// Crawlflow 主入口
// =============================================================================
// 多提供商 LLM 爬取调度器：按固定域名目录向多个 LLM 提供商发起提问，
// 并将原始文本响应持久化到关系型存储。
//
// 使用方法:
//
//	crawlflow run                         # 启动调度循环
//	crawlflow run --config config.yaml    # 指定配置文件
//	crawlflow run --once                  # 只跑一个周期（运维/调试）
//	crawlflow migrate                     # 初始化/更新表结构
//	crawlflow enqueue <hostname>          # 入队单个域名
//	crawlflow reconcile                   # 手动运行一次对账扫描
//	crawlflow health                      # 数据库连通性检查
//	crawlflow version                     # 显示版本信息
// =============================================================================
package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/crawlflow/config"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runRun(os.Args[2:])
	case "migrate":
		runMigrate(os.Args[2:])
	case "enqueue":
		runEnqueue(os.Args[2:])
	case "reconcile":
		runReconcile(os.Args[2:])
	case "health":
		runHealthCheck(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("Crawlflow %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`Crawlflow - Multi-provider LLM crawl scheduler

Usage:
  crawlflow <command> [options]

Commands:
  run        Start the scheduler loop
  migrate    Initialize or update the database schema
  enqueue    Enqueue a domain for crawling
  reconcile  Run the completion reconciliation pass once
  health     Check database connectivity
  version    Show version information
  help       Show this help message

Options for 'run':
  --config <path>   Path to configuration file (YAML)
  --once            Run a single cycle and exit

Examples:
  crawlflow run --config /etc/crawlflow/config.yaml
  crawlflow enqueue --config config.yaml --priority 5 example.com
  crawlflow migrate --config config.yaml
  crawlflow reconcile --config config.yaml`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         "json",
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}
	if cfg.Format == "console" {
		zapConfig.Encoding = "console"
	}

	logger, err := zapConfig.Build(
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		logger, _ = zap.NewProduction()
	}

	return logger
}

// loadConfig 加载并校验配置；失败属于启动期致命错误
func loadConfig(path string) *config.Config {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}

	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	return cfg
}
