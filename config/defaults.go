package config

import "time"

// DefaultConfig 返回带有合理默认值的配置
// 生产部署只需覆盖 database 与 providers 两段
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:          "postgres",
			Host:            "localhost",
			Port:            5432,
			User:            "crawlflow",
			Name:            "crawlflow",
			SSLMode:         "disable",
			MaxOpenConns:    32,
			MaxIdleConns:    8,
			ConnMaxLifetime: time.Hour,
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "json",
			OutputPaths: []string{"stdout"},
		},
		Cycle: CycleConfig{
			BatchSize:      50,
			IntervalMs:     30000,
			ReconcileEvery: 10,
			DrainTimeoutMs: 30000,
		},
		Task: TaskConfig{
			RetryMax:   3,
			DeadlineMs: 30000,
		},
		Circuit: CircuitConfig{
			FailureThreshold: 5,
			ResetTimeoutMs:   300000,
		},
		Validator: ValidatorConfig{
			Mode:     "strict",
			MinRatio: 1.0,
		},
		Lock: LockConfig{
			Path:         "/tmp/crawlflow.lock",
			StaleAfterMs: 3600000,
		},
		WorkerPoolSize: 64,
		Prompts:        DefaultPrompts(),
	}
}

// DefaultPrompts 返回默认提示词集合
// 提示词集合是配置的一部分；变更提示词属于部署事件而非运行时事件
func DefaultPrompts() []PromptConfig {
	return []PromptConfig{
		{
			Type:     "business_analysis",
			Template: "Analyze the business model and market position of the company behind the domain {domain}. Describe what the company does, who its customers are, and how it makes money.",
		},
		{
			Type:     "content_strategy",
			Template: "Describe the content strategy of the website at {domain}. What kind of content does it publish, for which audience, and with what goals?",
		},
		{
			Type:     "technical_assessment",
			Template: "Give a technical assessment of the product or service offered at {domain}. What technologies does it likely use and what are its technical strengths and weaknesses?",
		},
	}
}

// 层级默认值：tier 决定每 Key 的默认突发与提供商级在途并发
const (
	TierFast   = "fast"
	TierMedium = "medium"
	TierSlow   = "slow"
)

// TierDefaults tier 对应的默认并发参数
type TierDefaults struct {
	// 每 Key 默认突发
	Burst int
	// 提供商级在途并发上限
	MaxInFlight int
}

// DefaultsForTier 返回 tier 的默认并发参数
// 未知 tier 按 medium 处理
func DefaultsForTier(tier string) TierDefaults {
	switch tier {
	case TierFast:
		return TierDefaults{Burst: 4, MaxInFlight: 16}
	case TierSlow:
		return TierDefaults{Burst: 1, MaxInFlight: 2}
	default:
		return TierDefaults{Burst: 2, MaxInFlight: 8}
	}
}
