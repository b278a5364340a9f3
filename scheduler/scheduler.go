// Package scheduler implements the crawl work planner: it claims pending
// domains, expands each one into the provider × prompt task matrix, and
// dispatches the tasks through the key pools and circuit breakers.
package scheduler

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/crawlflow/breaker"
	"github.com/BaSui01/crawlflow/config"
	"github.com/BaSui01/crawlflow/internal/metrics"
	"github.com/BaSui01/crawlflow/internal/pool"
	"github.com/BaSui01/crawlflow/keypool"
	"github.com/BaSui01/crawlflow/providers"
	"github.com/BaSui01/crawlflow/registry"
	"github.com/BaSui01/crawlflow/retry"
	"github.com/BaSui01/crawlflow/store"
	"github.com/BaSui01/crawlflow/validator"
)

// Scheduler 调度器
// 独占持有内存中的任务集合、Key 状态与熔断状态；对持久层只做
// 认领、追加与终态迁移，从不改写历史响应
type Scheduler struct {
	cfg       *config.Config
	reg       *registry.Registry
	domains   *store.DomainStore
	responses *store.ResponseStore
	validator *validator.Validator
	breakers  *breaker.Manager
	collector *metrics.Collector
	workers   *pool.WorkerPool
	retryer   retry.Retryer
	logger    *zap.Logger

	// 每提供商的 Key 池与 HTTP 客户端（有界 keep-alive 连接池）
	pools   map[string]*keypool.Pool
	clients map[string]*http.Client

	// disabled 本进程生命周期内永久停用的 (provider, model)
	mu       sync.Mutex
	disabled map[string]error

	cycleCount int
}

// New 创建调度器
func New(cfg *config.Config, reg *registry.Registry, domains *store.DomainStore, responses *store.ResponseStore, collector *metrics.Collector, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "scheduler"))

	s := &Scheduler{
		cfg:       cfg,
		reg:       reg,
		domains:   domains,
		responses: responses,
		collector: collector,
		logger:    logger,
		pools:     make(map[string]*keypool.Pool),
		clients:   make(map[string]*http.Client),
		disabled:  make(map[string]error),
	}

	s.breakers = breaker.NewManager(&breaker.Config{
		Threshold:    cfg.Circuit.FailureThreshold,
		ResetTimeout: cfg.Circuit.ResetTimeout(),
		OnStateChange: func(provider string, from, to breaker.State) {
			collector.SetCircuitState(provider, int(to))
			logger.Info("circuit state changed",
				zap.String("provider", provider),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}, logger)

	for _, p := range reg.EnabledProviders() {
		s.pools[p.Name] = keypool.NewPool(p, logger)
		s.clients[p.Name] = &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: p.MaxInFlight,
				MaxConnsPerHost:     p.MaxInFlight,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	s.validator = validator.New(domains, responses,
		validator.Mode(cfg.Validator.Mode), cfg.Validator.MinRatio, collector, logger)

	s.workers = pool.New(pool.Config{
		Workers:   cfg.WorkerPoolSize,
		QueueSize: cfg.WorkerPoolSize * 4,
		PanicHandler: func(r any) {
			logger.Error("task panicked", zap.Any("panic", r))
		},
	})

	s.retryer = retry.NewBackoffRetryer(&retry.Policy{
		MaxRetries:   cfg.Task.RetryMax,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
		ShouldRetry:  shouldRetryCall,
	}, logger)

	return s
}

// shouldRetryCall 按错误分类决定重试
// 熔断短路与关停不重试；致命类不重试；解析类只重试一次
func shouldRetryCall(attempt int, err error) bool {
	if errors.Is(err, breaker.ErrCircuitOpen) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch providers.Classify(err) {
	case providers.ClassFatal:
		return false
	case providers.ClassParse:
		return attempt == 0
	}
	return true
}

// Validator 返回调度器使用的完整性校验器（启动对账与运维工具用）
func (s *Scheduler) Validator() *validator.Validator {
	return s.validator
}

// Close 关闭 worker 池并等待排队任务收尾（幂等）
func (s *Scheduler) Close() {
	s.workers.Close()
}

// isModelDisabled 判断 (provider, model) 是否已在本进程内停用
func (s *Scheduler) isModelDisabled(modelID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.disabled[modelID]
	return ok
}

// disableModel 永久停用 (provider, model)，不打开熔断（避免掩盖健康的同胞）
func (s *Scheduler) disableModel(modelID string, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.disabled[modelID]; ok {
		return
	}
	s.disabled[modelID] = cause
	s.logger.Error("model permanently disabled for process lifetime",
		zap.String("model", modelID),
		zap.Error(cause))
}

// activeProviders 当前可派发的提供商（注册表快照去除进程内停用者）
func (s *Scheduler) activeProviders() []registry.Provider {
	all := s.reg.EnabledProviders()
	out := make([]registry.Provider, 0, len(all))
	for _, p := range all {
		if !s.isModelDisabled(p.ModelID) {
			out = append(out, p)
		}
	}
	return out
}

// =============================================================================
// 周期循环
// =============================================================================

// Run 运行调度循环直至 ctx 取消
// 周期级持久化错误按指数退避整周期重试；收到取消信号后停止认领，
// 等待在途任务收尾（由调用方以 drain 超时约束）
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.workers.Close()

	// 启动时对账：修正历史假完成行
	if _, err := s.reconcile(ctx); err != nil {
		s.logger.Warn("startup reconciliation failed", zap.Error(err))
	}

	backoff := time.Second
	const maxBackoff = time.Minute

	for {
		if ctx.Err() != nil {
			return nil
		}

		stats, err := s.RunCycle(ctx)
		if err != nil {
			s.logger.Error("cycle failed, backing off",
				zap.Duration("backoff", backoff),
				zap.Error(err))
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		s.cycleCount++
		if n := s.cfg.Cycle.ReconcileEvery; n > 0 && s.cycleCount%n == 0 {
			if _, err := s.reconcile(ctx); err != nil {
				s.logger.Warn("reconciliation failed", zap.Error(err))
			}
		}

		if stats.DomainsClaimed == 0 {
			if !sleepCtx(ctx, s.cfg.Cycle.Interval()) {
				return nil
			}
		}
	}
}

// sleepCtx 可取消睡眠；返回 false 表示 ctx 已取消
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// CycleStats 单周期汇总
type CycleStats struct {
	BatchID          string
	DomainsClaimed   int
	DomainsCompleted int
	DomainsFailed    int
	Tasks            int
	Succeeded        int
	FailedTerminal   int
	CircuitShort     int
}

// cycleAccumulator 周期内的并发安全计数
type cycleAccumulator struct {
	mu    sync.Mutex
	stats CycleStats
}

func (a *cycleAccumulator) recordTasks(tasks []*Task) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, t := range tasks {
		a.stats.Tasks++
		switch t.Outcome {
		case OutcomeSucceeded:
			a.stats.Succeeded++
		case OutcomeCircuitShort:
			a.stats.CircuitShort++
		default:
			a.stats.FailedTerminal++
		}
	}
}

func (a *cycleAccumulator) recordDomain(completed, failed bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if completed {
		a.stats.DomainsCompleted++
	}
	if failed {
		a.stats.DomainsFailed++
	}
}

// RunCycle 执行单个调度周期: 认领 → 展开矩阵 → 派发 → 按域名栅栏收尾
//
// 认领顺序: priority 降序、updated 升序；周期内派发顺序不做保证
// （worker 竞争）；完成检测按域名栅栏进行，不等待整个周期。
func (s *Scheduler) RunCycle(ctx context.Context) (CycleStats, error) {
	provs := s.activeProviders()
	prompts := s.reg.Prompts()

	if len(provs) == 0 {
		// 空提供商集: 不认领、不改状态
		s.logger.Warn("no enabled providers, skipping cycle")
		return CycleStats{}, nil
	}

	claimed, err := s.domains.ClaimPending(ctx, s.cfg.Cycle.BatchSize, s.cfg.Cycle.Cohort)
	if err != nil {
		return CycleStats{}, err
	}
	if len(claimed) == 0 {
		return CycleStats{}, nil
	}

	batchID := uuid.NewString()
	plan := validator.PlanFor(provs, prompts)
	acc := &cycleAccumulator{}
	acc.stats.BatchID = batchID
	acc.stats.DomainsClaimed = len(claimed)

	s.logger.Info("cycle started",
		zap.String("batch_id", batchID),
		zap.Int("domains", len(claimed)),
		zap.Int("providers", len(provs)),
		zap.Int("prompts", len(prompts)),
		zap.Int("tensor_size", plan.Size()))

	var cycleWG sync.WaitGroup
	for _, d := range claimed {
		d := d
		tasks := expand(d, provs, prompts)

		cycleWG.Add(1)
		go func() {
			defer cycleWG.Done()

			// 域名栅栏: 等待该域名的全部任务到达终态后裁决
			var domainWG sync.WaitGroup
			for _, t := range tasks {
				t := t
				domainWG.Add(1)
				err := s.workers.Submit(ctx, func(taskCtx context.Context) {
					defer domainWG.Done()
					s.runTask(taskCtx, t, batchID)
				})
				if err != nil {
					// 关停: 未派发的任务直接记终态，不写响应行
					t.Outcome = OutcomeFailedTerminal
					t.Err = providers.NewError(providers.ErrUpstreamError, "shutdown").WithCause(err).WithProvider(t.Provider.Name)
					s.collector.RecordTask(t.Provider.Name, string(t.Outcome))
					domainWG.Done()
				}
			}
			domainWG.Wait()

			acc.recordTasks(tasks)
			s.finalizeDomain(ctx, d, tasks, plan, acc)
		}()
	}
	cycleWG.Wait()

	s.collector.RecordCycle()
	for name, st := range s.breakers.States() {
		s.collector.SetCircuitState(name, int(st))
	}

	stats := acc.stats
	s.logger.Info("cycle finished",
		zap.String("batch_id", stats.BatchID),
		zap.Int("domains_claimed", stats.DomainsClaimed),
		zap.Int("domains_completed", stats.DomainsCompleted),
		zap.Int("domains_failed", stats.DomainsFailed),
		zap.Int("tasks", stats.Tasks),
		zap.Int("succeeded", stats.Succeeded),
		zap.Int("failed_terminal", stats.FailedTerminal),
		zap.Int("circuit_short", stats.CircuitShort))

	return stats, nil
}

// expand 将域名展开为 provider × prompt 任务矩阵
func expand(d store.Domain, provs []registry.Provider, prompts []registry.Prompt) []*Task {
	tasks := make([]*Task, 0, len(provs)*len(prompts))
	for _, p := range provs {
		for _, pr := range prompts {
			tasks = append(tasks, &Task{Domain: d, Provider: p, Prompt: pr})
		}
	}
	return tasks
}

// finalizeDomain 域名任务组收尾: 批量落库成功响应，裁决域名状态
//
// 关停窗口内已完成的任务仍然落库，因此此处使用脱离取消信号的 context。
func (s *Scheduler) finalizeDomain(ctx context.Context, d store.Domain, tasks []*Task, plan validator.Plan, acc *cycleAccumulator) {
	detCtx := context.WithoutCancel(ctx)

	rs := make([]store.Response, 0, len(tasks))
	for _, t := range tasks {
		if t.Outcome == OutcomeSucceeded && t.Response != nil {
			rs = append(rs, *t.Response)
		}
	}

	if len(rs) > 0 {
		if err := s.responses.AppendBatch(detCtx, rs); err != nil {
			s.logger.Error("failed to persist responses",
				zap.Uint("domain_id", d.ID),
				zap.Int("responses", len(rs)),
				zap.Error(err))
			if rerr := s.domains.RecordError(detCtx, d.ID, "persist responses: "+err.Error()); rerr != nil {
				s.logger.Error("failed to record domain error", zap.Uint("domain_id", d.ID), zap.Error(rerr))
			}
			acc.recordDomain(false, false)
			return
		}
		for _, t := range tasks {
			if t.Outcome == OutcomeSucceeded {
				s.collector.RecordResponse(t.Provider.Name)
			}
		}
	}

	shorted := 0
	for _, t := range tasks {
		if t.Outcome == OutcomeCircuitShort {
			shorted++
		}
	}

	// 灾难性情形: 每个任务都被打开的熔断短路
	if shorted == len(tasks) && len(tasks) > 0 {
		if err := s.domains.MarkFailed(detCtx, d.ID, "every task short-circuited by open circuits"); err != nil {
			s.logger.Error("failed to mark domain failed", zap.Uint("domain_id", d.ID), zap.Error(err))
			acc.recordDomain(false, false)
			return
		}
		s.collector.RecordTransition(string(store.DomainStatusFailed))
		acc.recordDomain(false, true)
		return
	}

	completed, err := s.validator.FinalizeDomain(detCtx, d, plan)
	if err != nil {
		s.logger.Error("failed to finalize domain", zap.Uint("domain_id", d.ID), zap.Error(err))
		acc.recordDomain(false, false)
		return
	}
	acc.recordDomain(completed, false)
}

// reconcile 对 completed 域名运行对账扫描
// 期望矩阵与周期内的完成裁决使用同一提供商集合（剔除进程内停用的模型）：
// 否则被永久停用的提供商会让已完整的域名在 completed 与 pending 之间
// 无限往复，反复重爬
func (s *Scheduler) reconcile(ctx context.Context) (int, error) {
	plan := validator.PlanFor(s.activeProviders(), s.reg.Prompts())
	return s.validator.Reconcile(ctx, plan)
}
