// Package breaker implements the per-provider failure-isolation circuit.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/crawlflow/providers"
)

// State 熔断器状态
type State int

const (
	// StateClosed 关闭状态（正常工作）
	StateClosed State = iota
	// StateOpen 打开状态（熔断中）
	StateOpen
	// StateHalfOpen 半开状态（试探性恢复）
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpen:
		return "Open"
	case StateHalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

// ErrCircuitOpen 熔断器已打开，调用被短路
var ErrCircuitOpen = &providers.Error{Code: providers.ErrCircuitOpen, Message: "circuit is open"}

// Config 熔断器配置
type Config struct {
	// Threshold 连续失败次数阈值（触发熔断）
	Threshold int

	// ResetTimeout 熔断恢复等待时间（Open → HalfOpen）
	ResetTimeout time.Duration

	// OnStateChange 状态变更回调
	OnStateChange func(provider string, from State, to State)
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Threshold:    5,
		ResetTimeout: 5 * time.Minute,
	}
}

// Breaker 单提供商熔断器
//
// 状态机:
//   - Closed: 瞬态失败累加连续失败计数，成功清零；达到阈值转 Open
//   - Open: 新任务直接短路；ResetTimeout 后转 HalfOpen
//   - HalfOpen: 放行单个试探任务；成功转 Closed，失败回到 Open 并重置计时
//
// 限流类与致命类错误不计入熔断失败（熔断会掩盖健康的同胞模型）。
type Breaker struct {
	provider string
	config   *Config
	logger   *zap.Logger

	mu              sync.Mutex
	state           State
	failureCount    int
	lastFailureTime time.Time
	probing         bool
}

// New 创建提供商熔断器
func New(provider string, config *Config, logger *zap.Logger) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Threshold <= 0 {
		config.Threshold = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Breaker{
		provider: provider,
		config:   config,
		logger:   logger.With(zap.String("component", "breaker"), zap.String("provider", provider)),
		state:    StateClosed,
	}
}

// Allow 调用前检查
// Open 状态返回 ErrCircuitOpen；HalfOpen 只放行一个试探调用
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if time.Since(b.lastFailureTime) > b.config.ResetTimeout {
			b.setState(StateHalfOpen)
			b.probing = true
			b.logger.Info("circuit entering half-open state")
			return nil
		}
		return ErrCircuitOpen

	case StateHalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
		return nil

	default:
		return fmt.Errorf("unknown circuit state: %v", b.state)
	}
}

// outcome 一次调用结果对熔断状态机的意义
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	// outcomeNeutral 既不推进也不清零连续失败计数:
	// 限流类只需延迟 Key；认证/模型不存在停用的是具体 (provider, model)。
	// 把它们当成功会打断真实的失败连击，推迟本应发生的熔断
	outcomeNeutral
)

// Record 调用后登记结果
// 只有瞬态类与解析类推进失败计数；nil 视为成功，其余类别中立
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch outcomeOf(err) {
	case outcomeSuccess:
		b.onSuccess()
	case outcomeFailure:
		b.onFailure()
	case outcomeNeutral:
		b.onNeutral()
	}
}

// outcomeOf 将调用错误映射为状态机结果
func outcomeOf(err error) outcome {
	if err == nil {
		return outcomeSuccess
	}
	if errors.Is(err, ErrCircuitOpen) {
		return outcomeNeutral
	}
	switch providers.Classify(err) {
	case providers.ClassTransient, providers.ClassParse:
		return outcomeFailure
	}
	return outcomeNeutral
}

// ProbeAborted 试探调用未到达上游即中止（关停、本地错误）时释放半开占用
func (b *Breaker) ProbeAborted() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.probing = false
	}
}

func (b *Breaker) onSuccess() {
	switch b.state {
	case StateClosed:
		b.failureCount = 0

	case StateHalfOpen:
		b.logger.Info("circuit recovered")
		b.setState(StateClosed)
		b.failureCount = 0
		b.probing = false

	case StateOpen:
		b.logger.Warn("success recorded while circuit open")
	}
}

func (b *Breaker) onNeutral() {
	switch b.state {
	case StateClosed:
		// 计数保持不变

	case StateHalfOpen:
		// 试探未能证明上游恢复；释放占用让下一个调用方重试
		b.probing = false

	case StateOpen:
		b.logger.Warn("neutral result recorded while circuit open")
	}
}

func (b *Breaker) onFailure() {
	b.failureCount++
	b.lastFailureTime = time.Now()

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.config.Threshold {
			b.logger.Warn("circuit opened",
				zap.Int("failure_count", b.failureCount),
				zap.Int("threshold", b.config.Threshold),
			)
			b.setState(StateOpen)
		}

	case StateHalfOpen:
		b.logger.Warn("half-open probe failed, circuit reopened")
		b.setState(StateOpen)
		b.probing = false
	}
}

// setState 设置状态并触发回调；调用方须持有 b.mu
func (b *Breaker) setState(newState State) {
	oldState := b.state
	b.state = newState

	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(b.provider, oldState, newState)
	}
}

// State 获取当前状态
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Open 超时后对外已可视为 HalfOpen 前夜，但状态迁移只在 Allow 时发生
	return b.state
}

// Reset 手动复位熔断器
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	oldState := b.state
	b.state = StateClosed
	b.failureCount = 0
	b.probing = false

	b.logger.Info("circuit reset", zap.String("from_state", oldState.String()))

	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(b.provider, oldState, StateClosed)
	}
}

// =============================================================================
// 每提供商熔断器集合
// =============================================================================

// Manager 按提供商名持有熔断器
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	config   *Config
	logger   *zap.Logger
}

// NewManager 创建熔断器集合
func NewManager(config *Config, logger *zap.Logger) *Manager {
	return &Manager{
		breakers: make(map[string]*Breaker),
		config:   config,
		logger:   logger,
	}
}

// For 返回指定提供商的熔断器（按需创建）
func (m *Manager) For(provider string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.breakers[provider]; ok {
		return b
	}
	b := New(provider, m.config, m.logger)
	m.breakers[provider] = b
	return b
}

// States 返回所有提供商的当前熔断状态
func (m *Manager) States() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]State, len(m.breakers))
	for name, b := range m.breakers {
		out[name] = b.State()
	}
	return out
}
