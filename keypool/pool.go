// Package keypool implements per-provider API key rotation and rate limiting.
package keypool

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/BaSui01/crawlflow/registry"
)

var (
	// ErrNoAvailableAPIKey 池中没有可用的 API Key
	ErrNoAvailableAPIKey = errors.New("no available API key")
)

// keyState 单个 Key 的运行时状态
// 进程级生命周期，启动时重建
type keyState struct {
	key string

	// limiter 按 60000/rpm 毫秒间隔放行，burst 固定为 1：
	// 同一 Key 上的竞争调用者通过预约串行化
	limiter *rate.Limiter

	// slots 每 Key 在途请求槽位（容量 = rate_limit.burst）
	slots chan struct{}

	// lastDispatch 最近一次派发的（预约）时间，供最旧优先选择
	lastDispatch time.Time

	// coolUntil 上游限流错误后的冷却截止时间
	coolUntil time.Time
}

// Pool 单个提供商的 Key 池与速率限制器
//
// 限制器是协作式的：只延迟新调用，从不取消在途调用。
// 公平性: 同一提供商内按"最久未用"轮转 Key；跨提供商相互独立。
type Pool struct {
	provider string
	interval time.Duration

	mu   sync.Mutex
	keys []*keyState

	// sem 提供商级在途调用上限
	sem *semaphore.Weighted

	logger *zap.Logger
}

// NewPool 按提供商描述构建 Key 池
func NewPool(p registry.Provider, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}

	rpm := p.RPM
	if rpm <= 0 {
		rpm = 60
	}
	interval := time.Minute / time.Duration(rpm)

	keys := make([]*keyState, 0, len(p.Keys))
	for _, k := range p.Keys {
		keys = append(keys, &keyState{
			key:     k,
			limiter: rate.NewLimiter(rate.Every(interval), 1),
			slots:   make(chan struct{}, p.Burst),
		})
	}

	return &Pool{
		provider: p.Name,
		interval: interval,
		keys:     keys,
		sem:      semaphore.NewWeighted(int64(p.MaxInFlight)),
		logger:   logger.With(zap.String("component", "keypool"), zap.String("provider", p.Name)),
	}
}

// Acquire 取得一个 Key 与对应的释放函数
//
// 选择最久未派发的 Key。若该 Key 距上次使用不足 60000/rpm 毫秒，
// 调用方被挂起直到间隔期满。Key 的时间戳在调用发出之前即更新，
// 使得竞争同一 Key 的多个调用方正确串行。
func (p *Pool) Acquire(ctx context.Context) (string, func(), error) {
	if len(p.keys) == 0 {
		return "", nil, ErrNoAvailableAPIKey
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return "", nil, err
	}

	p.mu.Lock()
	ks := p.selectOldest()
	res := ks.limiter.Reserve()
	at := time.Now().Add(res.Delay())
	if ks.coolUntil.After(at) {
		at = ks.coolUntil
	}
	ks.lastDispatch = at
	p.mu.Unlock()

	if wait := time.Until(at); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			res.Cancel()
			p.sem.Release(1)
			return "", nil, ctx.Err()
		case <-timer.C:
		}
	}

	// 占用 Key 级在途槽位
	select {
	case ks.slots <- struct{}{}:
	case <-ctx.Done():
		p.sem.Release(1)
		return "", nil, ctx.Err()
	}

	release := func() {
		<-ks.slots
		p.sem.Release(1)
	}
	return ks.key, release, nil
}

// selectOldest 选择 lastDispatch 最早的 Key
// 优先选择还有空闲槽位的 Key；调用方须持有 p.mu
func (p *Pool) selectOldest() *keyState {
	var best *keyState
	for _, ks := range p.keys {
		if len(ks.slots) == cap(ks.slots) {
			continue
		}
		if best == nil || ks.lastDispatch.Before(best.lastDispatch) {
			best = ks
		}
	}
	if best != nil {
		return best
	}

	// 所有 Key 槽位占满，退回全局最旧（随后在槽位上阻塞）
	best = p.keys[0]
	for _, ks := range p.keys[1:] {
		if ks.lastDispatch.Before(best.lastDispatch) {
			best = ks
		}
	}
	return best
}

// Penalize 上游返回限流错误后，推迟该 Key 的下次派发时间
func (p *Pool) Penalize(key string, d time.Duration) {
	if d <= 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ks := range p.keys {
		if ks.key != key {
			continue
		}
		until := time.Now().Add(d)
		if until.After(ks.coolUntil) {
			ks.coolUntil = until
		}
		p.logger.Debug("key penalized after upstream rate limit",
			zap.Duration("cooldown", d))
		return
	}
}

// Interval 返回同一 Key 上两次派发的最小间隔
func (p *Pool) Interval() time.Duration {
	return p.interval
}

// KeyCount 返回池中的 Key 数
func (p *Pool) KeyCount() int {
	return len(p.keys)
}
