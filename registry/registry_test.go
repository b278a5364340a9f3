package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/crawlflow/config"
	"github.com/BaSui01/crawlflow/providers"
)

func boolPtr(b bool) *bool { return &b }

func baseConfig(provs map[string]config.ProviderConfig) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Providers = provs
	return cfg
}

// ---------------------------------------------------------------------------
// New
// ---------------------------------------------------------------------------

func TestNew_EnabledProvider(t *testing.T) {
	cfg := baseConfig(map[string]config.ProviderConfig{
		"openai": {
			APIKeys:   []string{"sk-1", " ", "sk-2"},
			Model:     "gpt-4o-mini",
			Tier:      "fast",
			RateLimit: config.RateLimitConfig{RPM: 600, Burst: 3, RetryAfterMs: 1500},
		},
	})

	reg, err := New(cfg, zap.NewNop())
	require.NoError(t, err)

	provs := reg.EnabledProviders()
	require.Len(t, provs, 1)
	p := provs[0]

	assert.Equal(t, "openai", p.Name)
	assert.Equal(t, "openai/gpt-4o-mini", p.ModelID)
	assert.Equal(t, providers.FamilyOpenAI, p.Family)
	// 空白 Key 被剔除
	assert.Equal(t, []string{"sk-1", "sk-2"}, p.Keys)
	assert.Equal(t, "https://api.openai.com", p.Endpoint)
	assert.Equal(t, 600, p.RPM)
	assert.Equal(t, 3, p.Burst)
	assert.Equal(t, 1500*time.Millisecond, p.RetryAfter)
	assert.NotNil(t, p.Adapter)
}

func TestNew_DisabledProvidersExcluded(t *testing.T) {
	cfg := baseConfig(map[string]config.ProviderConfig{
		"openai": {
			Enabled:   boolPtr(false),
			APIKeys:   []string{"sk-1"},
			Model:     "gpt-4o-mini",
			RateLimit: config.RateLimitConfig{RPM: 600},
		},
		"anthropic": {
			// 没有非空 Key ⇒ 禁用
			APIKeys:   []string{"", "   "},
			Model:     "claude-haiku-4.5",
			RateLimit: config.RateLimitConfig{RPM: 600},
		},
		"google": {
			APIKeys:   []string{"AIza-1"},
			Model:     "gemini-2.0-flash",
			RateLimit: config.RateLimitConfig{RPM: 600},
		},
	})

	reg, err := New(cfg, zap.NewNop())
	require.NoError(t, err)

	provs := reg.EnabledProviders()
	require.Len(t, provs, 1)
	assert.Equal(t, "google", provs[0].Name)
	assert.Equal(t, providers.FamilyGoogle, provs[0].Family)
}

func TestNew_FamilyResolution(t *testing.T) {
	t.Run("explicit override", func(t *testing.T) {
		cfg := baseConfig(map[string]config.ProviderConfig{
			"acme": {
				APIKeys:   []string{"k"},
				Model:     "acme-1",
				Family:    "openai",
				Endpoint:  "https://llm.acme.dev",
				RateLimit: config.RateLimitConfig{RPM: 60},
			},
		})
		reg, err := New(cfg, zap.NewNop())
		require.NoError(t, err)
		assert.Equal(t, providers.FamilyOpenAI, reg.EnabledProviders()[0].Family)
	})

	t.Run("unknown family rejected", func(t *testing.T) {
		cfg := baseConfig(map[string]config.ProviderConfig{
			"acme": {
				APIKeys:   []string{"k"},
				Model:     "acme-1",
				Family:    "soap",
				Endpoint:  "https://llm.acme.dev",
				RateLimit: config.RateLimitConfig{RPM: 60},
			},
		})
		_, err := New(cfg, zap.NewNop())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown adapter family")
	})

	t.Run("uninferable provider rejected", func(t *testing.T) {
		cfg := baseConfig(map[string]config.ProviderConfig{
			"acme": {
				APIKeys:   []string{"k"},
				Model:     "acme-1",
				Endpoint:  "https://llm.acme.dev",
				RateLimit: config.RateLimitConfig{RPM: 60},
			},
		})
		_, err := New(cfg, zap.NewNop())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cannot infer adapter family")
	})

	t.Run("unknown provider without endpoint rejected", func(t *testing.T) {
		cfg := baseConfig(map[string]config.ProviderConfig{
			"acme": {
				APIKeys:   []string{"k"},
				Model:     "acme-1",
				Family:    "openai",
				RateLimit: config.RateLimitConfig{RPM: 60},
			},
		})
		_, err := New(cfg, zap.NewNop())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "endpoint is required")
	})
}

func TestNew_TierDefaults(t *testing.T) {
	cfg := baseConfig(map[string]config.ProviderConfig{
		"openai": {
			APIKeys:   []string{"k"},
			Model:     "m",
			Tier:      "slow",
			RateLimit: config.RateLimitConfig{RPM: 60},
		},
	})

	reg, err := New(cfg, zap.NewNop())
	require.NoError(t, err)

	p := reg.EnabledProviders()[0]
	// burst 未配置时使用 tier 默认
	assert.Equal(t, 1, p.Burst)
	assert.Equal(t, 2, p.MaxInFlight)
}

// ---------------------------------------------------------------------------
// 快照语义
// ---------------------------------------------------------------------------

func TestRegistry_SnapshotsAreCopies(t *testing.T) {
	cfg := baseConfig(map[string]config.ProviderConfig{
		"openai": {
			APIKeys:   []string{"k"},
			Model:     "m",
			RateLimit: config.RateLimitConfig{RPM: 60},
		},
	})

	reg, err := New(cfg, zap.NewNop())
	require.NoError(t, err)

	snap := reg.EnabledProviders()
	snap[0].Name = "mutated"
	assert.Equal(t, "openai", reg.EnabledProviders()[0].Name)

	prompts := reg.Prompts()
	prompts[0].Type = "mutated"
	assert.NotEqual(t, "mutated", reg.Prompts()[0].Type)
}

func TestRegistry_ExpectedTensorSize(t *testing.T) {
	cfg := baseConfig(map[string]config.ProviderConfig{
		"openai":    {APIKeys: []string{"k"}, Model: "m1", RateLimit: config.RateLimitConfig{RPM: 60}},
		"anthropic": {APIKeys: []string{"k"}, Model: "m2", RateLimit: config.RateLimitConfig{RPM: 60}},
	})
	// 默认提示词集合为 3
	reg, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 6, reg.ExpectedTensorSize())
}

// ---------------------------------------------------------------------------
// Prompt.Render
// ---------------------------------------------------------------------------

func TestPrompt_Render(t *testing.T) {
	p := Prompt{Type: "t1", Template: "Analyze {domain} and compare {domain} to peers."}
	assert.Equal(t, "Analyze a.example and compare a.example to peers.", p.Render("a.example"))
}
