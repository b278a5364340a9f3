// Package registry materializes the configured provider set into an
// immutable snapshot used for the duration of a scheduler cycle.
//
// 注册表在启动时从配置装载一次；运行时重配置不受支持，变更配置需要重启。
package registry

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/crawlflow/config"
	"github.com/BaSui01/crawlflow/providers"
)

// defaultEndpoints 已知提供商的默认基础 URL
var defaultEndpoints = map[string]string{
	"openai":     "https://api.openai.com",
	"anthropic":  "https://api.anthropic.com",
	"google":     "https://generativelanguage.googleapis.com",
	"gemini":     "https://generativelanguage.googleapis.com",
	"deepseek":   "https://api.deepseek.com",
	"together":   "https://api.together.xyz",
	"xai":        "https://api.x.ai",
	"groq":       "https://api.groq.com/openai",
	"perplexity": "https://api.perplexity.ai",
	"mistral":    "https://api.mistral.ai",
	"ai21":       "https://api.ai21.com",
	"cohere":     "https://api.cohere.ai",
}

// Provider 单个已启用提供商的不可变描述
type Provider struct {
	// Name 提供商名，如 "openai"
	Name string
	// Model 规范模型标识（出站调用使用）
	Model string
	// ModelID 落库用的 "provider/model" 组合串
	ModelID string
	// Family 适配器家族
	Family providers.Family
	// Keys 有序 API Key 列表（至少一个非空）
	Keys []string
	// Endpoint 基础 URL
	Endpoint string
	// Tier 层级标签
	Tier string

	// RPM 每 Key 每分钟请求数
	RPM int
	// Burst 每 Key 最大在途请求数
	Burst int
	// MaxInFlight 提供商级在途并发上限
	MaxInFlight int
	// RetryAfter 上游限流错误后的冷却时间
	RetryAfter time.Duration
	// Timeout 单次调用截止时间覆盖（0 使用调度器默认）
	Timeout time.Duration

	// Adapter 该提供商的请求适配器
	Adapter providers.Adapter
}

// Prompt 提示词模板
type Prompt struct {
	Type     string
	Template string
}

// Render 将 {domain} 替换点代入模板
func (p Prompt) Render(domain string) string {
	return strings.ReplaceAll(p.Template, "{domain}", domain)
}

// Registry 启动时装载的提供商与提示词快照
type Registry struct {
	providers []Provider
	prompts   []Prompt
	logger    *zap.Logger
}

// New 从配置构建注册表
// 没有非空 Key 的提供商被标记禁用并从所有计划中排除
func New(cfg *config.Config, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "registry"))

	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	enabled := make([]Provider, 0, len(names))
	for _, name := range names {
		pc := cfg.Providers[name]

		if !pc.ProviderEnabled() {
			logger.Info("provider disabled, excluded from all plans",
				zap.String("provider", name))
			continue
		}

		keys := make([]string, 0, len(pc.APIKeys))
		for _, k := range pc.APIKeys {
			if strings.TrimSpace(k) != "" {
				keys = append(keys, strings.TrimSpace(k))
			}
		}

		family, err := resolveFamily(name, pc.Family)
		if err != nil {
			return nil, err
		}

		endpoint := pc.Endpoint
		if endpoint == "" {
			endpoint = defaultEndpoints[name]
		}
		if endpoint == "" {
			return nil, fmt.Errorf("provider %s: endpoint is required for unknown providers", name)
		}

		tier := pc.Tier
		if tier == "" {
			tier = config.TierMedium
		}
		tierDefaults := config.DefaultsForTier(tier)

		burst := pc.RateLimit.Burst
		if burst == 0 {
			burst = tierDefaults.Burst
		}

		p := Provider{
			Name:        name,
			Model:       pc.Model,
			ModelID:     name + "/" + pc.Model,
			Family:      family,
			Keys:        keys,
			Endpoint:    endpoint,
			Tier:        tier,
			RPM:         pc.RateLimit.RPM,
			Burst:       burst,
			MaxInFlight: tierDefaults.MaxInFlight,
			RetryAfter:  pc.RateLimit.RetryAfter(),
			Timeout:     time.Duration(pc.TimeoutMs) * time.Millisecond,
			Adapter: providers.New(family, providers.Options{
				Provider:    name,
				Endpoint:    endpoint,
				MaxTokens:   pc.MaxTokens,
				Temperature: pc.Temperature,
			}),
		}
		enabled = append(enabled, p)

		logger.Info("provider enabled",
			zap.String("provider", name),
			zap.String("model", p.ModelID),
			zap.String("family", string(family)),
			zap.String("tier", tier),
			zap.Int("keys", len(keys)),
			zap.Int("rpm", p.RPM))
	}

	prompts := make([]Prompt, 0, len(cfg.Prompts))
	for _, pr := range cfg.Prompts {
		prompts = append(prompts, Prompt{Type: pr.Type, Template: pr.Template})
	}

	return &Registry{providers: enabled, prompts: prompts, logger: logger}, nil
}

// resolveFamily 解析适配器家族: 显式配置优先，其次按提供商名推断
func resolveFamily(name, override string) (providers.Family, error) {
	if override != "" {
		switch providers.Family(override) {
		case providers.FamilyOpenAI, providers.FamilyAnthropic, providers.FamilyGoogle, providers.FamilyCohere:
			return providers.Family(override), nil
		}
		return "", fmt.Errorf("provider %s: unknown adapter family %q", name, override)
	}
	if f, ok := providers.FamilyFor(name); ok {
		return f, nil
	}
	return "", fmt.Errorf("provider %s: cannot infer adapter family, set family explicitly", name)
}

// EnabledProviders 返回启用提供商的快照副本
func (r *Registry) EnabledProviders() []Provider {
	out := make([]Provider, len(r.providers))
	copy(out, r.providers)
	return out
}

// Prompts 返回提示词快照副本
func (r *Registry) Prompts() []Prompt {
	out := make([]Prompt, len(r.prompts))
	copy(out, r.prompts)
	return out
}

// ExpectedTensorSize 每域名的期望矩阵大小 = |providers| × |prompts|
func (r *Registry) ExpectedTensorSize() int {
	return len(r.providers) * len(r.prompts)
}
