// =============================================================================
// 📦 Crawlflow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("CRAWLFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 Crawlflow 的完整配置结构
type Config struct {
	// Database 数据库配置
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Cycle 调度周期配置
	Cycle CycleConfig `yaml:"cycle" env:"CYCLE"`

	// Task 单任务配置
	Task TaskConfig `yaml:"task" env:"TASK"`

	// Circuit 熔断器配置
	Circuit CircuitConfig `yaml:"circuit" env:"CIRCUIT"`

	// Validator 完整性校验配置
	Validator ValidatorConfig `yaml:"validator" env:"VALIDATOR"`

	// Lock 启动锁配置
	Lock LockConfig `yaml:"lock" env:"LOCK"`

	// WorkerPoolSize 全局并发上限
	WorkerPoolSize int `yaml:"worker_pool_size" env:"WORKER_POOL_SIZE"`

	// Providers 提供商注册表（键为提供商名，如 "openai"）
	Providers map[string]ProviderConfig `yaml:"providers"`

	// Prompts 提示词模板集合
	Prompts []PromptConfig `yaml:"prompts"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名（sqlite 时为文件路径）
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数（须低于 worker_pool_size，避免连接饥饿）
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
}

// CycleConfig 调度周期配置
type CycleConfig struct {
	// 每周期认领的域名数
	BatchSize int `yaml:"batch_size" env:"BATCH_SIZE"`
	// 无工作时的空转间隔
	IntervalMs int64 `yaml:"interval_ms" env:"INTERVAL_MS"`
	// 可选的 cohort 过滤（空表示全部）
	Cohort string `yaml:"cohort" env:"COHORT"`
	// 每 N 个周期运行一次对账扫描（0 表示仅启动时运行）
	ReconcileEvery int `yaml:"reconcile_every" env:"RECONCILE_EVERY"`
	// 关停时等待在途任务收尾的上限
	DrainTimeoutMs int64 `yaml:"drain_timeout_ms" env:"DRAIN_TIMEOUT_MS"`
}

// TaskConfig 单任务配置
type TaskConfig struct {
	// 每任务的最大重试次数
	RetryMax int `yaml:"retry_max" env:"RETRY_MAX"`
	// 单次出站调用的截止时间
	DeadlineMs int64 `yaml:"deadline_ms" env:"DEADLINE_MS"`
}

// CircuitConfig 熔断器配置
type CircuitConfig struct {
	// 连续失败多少次后打开熔断
	FailureThreshold int `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	// Open → HalfOpen 的等待时间
	ResetTimeoutMs int64 `yaml:"reset_timeout_ms" env:"RESET_TIMEOUT_MS"`
}

// ValidatorConfig 完整性校验配置
type ValidatorConfig struct {
	// 模式: strict（完整矩阵）或 relaxed（按比例）
	Mode string `yaml:"mode" env:"MODE"`
	// relaxed 模式下的最小完成比例 [0,1]
	MinRatio float64 `yaml:"min_ratio" env:"MIN_RATIO"`
}

// LockConfig 启动锁配置
type LockConfig struct {
	// 锁文件路径
	Path string `yaml:"path" env:"PATH"`
	// 超过该时间的锁视为陈旧锁，强制回收
	StaleAfterMs int64 `yaml:"stale_after_ms" env:"STALE_AFTER_MS"`
}

// ProviderConfig 单个提供商的配置
type ProviderConfig struct {
	// 是否启用（缺省为启用；显式 false 则完全忽略该提供商）
	Enabled *bool `yaml:"enabled"`
	// API Key 列表（有序；空列表 ⇒ 提供商禁用）
	APIKeys []string `yaml:"api_keys"`
	// 模型标识（出站调用与落库的 model 字符串共用）
	Model string `yaml:"model"`
	// 适配器家族: openai, anthropic, google, cohere（缺省按提供商名推断）
	Family string `yaml:"family"`
	// 层级: fast, medium, slow（决定默认并发与突发倍率）
	Tier string `yaml:"tier"`
	// 速率限制
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	// 基础 URL（适配器追加各自的路径）
	Endpoint string `yaml:"endpoint"`
	// 输出 token 上限（0 使用默认 500）
	MaxTokens int `yaml:"max_tokens"`
	// 采样温度（0 使用默认 0.7）
	Temperature float32 `yaml:"temperature"`
	// 单次调用截止时间覆盖（0 使用 task.deadline_ms）
	TimeoutMs int64 `yaml:"timeout_ms"`
}

// RateLimitConfig 速率限制描述
type RateLimitConfig struct {
	// 每 Key 每分钟请求数；请求间隔 = 60000/rpm 毫秒
	RPM int `yaml:"rpm"`
	// 每 Key 最大在途请求数
	Burst int `yaml:"burst"`
	// 上游限流错误后的冷却时间
	RetryAfterMs int64 `yaml:"retry_after_ms"`
}

// PromptConfig 提示词模板
type PromptConfig struct {
	// 类型标签，如 business_analysis
	Type string `yaml:"type"`
	// 模板字符串，含 {domain} 替换点
	Template string `yaml:"template"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{envPrefix: "CRAWLFLOW"}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// =============================================================================
// 🔍 校验与派生值
// =============================================================================

// ProviderEnabled 判断提供商是否启用
// enabled 缺省视为 true；没有非空 Key 的提供商视为禁用
func (p *ProviderConfig) ProviderEnabled() bool {
	if p.Enabled != nil && !*p.Enabled {
		return false
	}
	for _, k := range p.APIKeys {
		if strings.TrimSpace(k) != "" {
			return true
		}
	}
	return false
}

// Interval 返回空转间隔
func (c *CycleConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

// DrainTimeout 返回关停收尾上限
func (c *CycleConfig) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutMs) * time.Millisecond
}

// Deadline 返回单次调用截止时间
func (t *TaskConfig) Deadline() time.Duration {
	return time.Duration(t.DeadlineMs) * time.Millisecond
}

// ResetTimeout 返回熔断恢复等待时间
func (c *CircuitConfig) ResetTimeout() time.Duration {
	return time.Duration(c.ResetTimeoutMs) * time.Millisecond
}

// StaleAfter 返回陈旧锁阈值
func (l *LockConfig) StaleAfter() time.Duration {
	return time.Duration(l.StaleAfterMs) * time.Millisecond
}

// RetryAfter 返回限流冷却时间
func (r *RateLimitConfig) RetryAfter() time.Duration {
	return time.Duration(r.RetryAfterMs) * time.Millisecond
}

// Validate 验证配置
// 启动期致命错误: 缺少必需项、零个启用的提供商、自相矛盾的速率限制
func (c *Config) Validate() error {
	var errs []string

	if c.WorkerPoolSize <= 0 {
		errs = append(errs, "worker_pool_size must be positive")
	}
	if c.Cycle.BatchSize <= 0 {
		errs = append(errs, "cycle.batch_size must be positive")
	}
	if c.Task.RetryMax < 0 {
		errs = append(errs, "task.retry_max must be non-negative")
	}
	if c.Task.DeadlineMs <= 0 {
		errs = append(errs, "task.deadline_ms must be positive")
	}
	if c.Circuit.FailureThreshold <= 0 {
		errs = append(errs, "circuit.failure_threshold must be positive")
	}

	switch c.Validator.Mode {
	case "strict", "relaxed":
	default:
		errs = append(errs, fmt.Sprintf("validator.mode must be strict or relaxed, got %q", c.Validator.Mode))
	}
	if c.Validator.MinRatio < 0 || c.Validator.MinRatio > 1 {
		errs = append(errs, "validator.min_ratio must be in [0,1]")
	}

	if len(c.Prompts) == 0 {
		errs = append(errs, "at least one prompt template is required")
	}
	for _, p := range c.Prompts {
		if p.Type == "" {
			errs = append(errs, "prompt type must not be empty")
		}
		if !strings.Contains(p.Template, "{domain}") {
			errs = append(errs, fmt.Sprintf("prompt %q template missing {domain} substitution point", p.Type))
		}
	}

	enabled := 0
	for name, p := range c.Providers {
		if !p.ProviderEnabled() {
			continue
		}
		enabled++
		if p.Model == "" {
			errs = append(errs, fmt.Sprintf("provider %s: model is required", name))
		}
		if p.RateLimit.RPM <= 0 {
			errs = append(errs, fmt.Sprintf("provider %s: rate_limit.rpm must be positive", name))
		}
		if p.RateLimit.Burst < 0 {
			errs = append(errs, fmt.Sprintf("provider %s: rate_limit.burst must be non-negative (0 uses the tier default)", name))
		}
		if p.RateLimit.RetryAfterMs < 0 {
			errs = append(errs, fmt.Sprintf("provider %s: rate_limit.retry_after_ms must be non-negative", name))
		}
	}
	if enabled == 0 {
		errs = append(errs, "no enabled providers")
	}

	if c.Database.DSN() == "" {
		errs = append(errs, fmt.Sprintf("database: missing DSN (driver %q, name %q)", c.Database.Driver, c.Database.Name))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
