// Package validator enforces the tensor-completeness invariant: a domain
// may be marked completed only when its response matrix has no holes.
package validator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/crawlflow/internal/metrics"
	"github.com/BaSui01/crawlflow/registry"
	"github.com/BaSui01/crawlflow/store"
)

// Mode 校验模式
type Mode string

const (
	// ModeStrict 要求完整矩阵: provider × prompt_type 每格至少一行
	ModeStrict Mode = "strict"
	// ModeRelaxed 按 MinRatio 比例放宽
	ModeRelaxed Mode = "relaxed"
)

// Plan 单个域名的期望响应矩阵
// 中途被禁用的提供商不回溯缩小计划：完整性仍按原计划校验
type Plan struct {
	pairs []store.ResponsePair
}

// PlanFor 由提供商与提示词快照构建期望矩阵
func PlanFor(provs []registry.Provider, prompts []registry.Prompt) Plan {
	pairs := make([]store.ResponsePair, 0, len(provs)*len(prompts))
	for _, p := range provs {
		for _, pr := range prompts {
			pairs = append(pairs, store.ResponsePair{Model: p.ModelID, PromptType: pr.Type})
		}
	}
	return Plan{pairs: pairs}
}

// Size 期望矩阵大小
func (p Plan) Size() int {
	return len(p.pairs)
}

// Validator 完整性校验器
// 只做域名状态迁移，从不写入响应行
type Validator struct {
	domains   *store.DomainStore
	responses *store.ResponseStore
	mode      Mode
	minRatio  float64
	collector *metrics.Collector
	logger    *zap.Logger
}

// New 创建校验器
func New(domains *store.DomainStore, responses *store.ResponseStore, mode Mode, minRatio float64, collector *metrics.Collector, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if mode != ModeRelaxed {
		mode = ModeStrict
	}
	// 配置层允许 [0,1]；relaxed + 0 表示任意覆盖率都可完成，按配置执行
	if minRatio < 0 || minRatio > 1 {
		minRatio = 1.0
	}
	return &Validator{
		domains:   domains,
		responses: responses,
		mode:      mode,
		minRatio:  minRatio,
		collector: collector,
		logger:    logger.With(zap.String("component", "validator")),
	}
}

// Check 判断某域名的响应矩阵是否满足计划
// 返回已覆盖的计划单元数
func (v *Validator) Check(ctx context.Context, domainID uint, plan Plan) (bool, int, error) {
	if plan.Size() == 0 {
		return false, 0, nil
	}

	pairs, err := v.responses.DistinctPairs(ctx, domainID)
	if err != nil {
		return false, 0, err
	}

	present := make(map[store.ResponsePair]bool, len(pairs))
	for _, p := range pairs {
		present[p] = true
	}

	covered := 0
	for _, p := range plan.pairs {
		if present[p] {
			covered++
		}
	}

	if v.mode == ModeStrict {
		return covered == plan.Size(), covered, nil
	}
	return float64(covered) >= v.minRatio*float64(plan.Size()), covered, nil
}

// FinalizeDomain 在域名的全部任务到达终态后裁决其状态
// 满足矩阵则迁移 completed；否则保持 processing 并记录审计原因，
// 留待下一周期的对账处理
func (v *Validator) FinalizeDomain(ctx context.Context, d store.Domain, plan Plan) (bool, error) {
	ok, covered, err := v.Check(ctx, d.ID, plan)
	if err != nil {
		return false, fmt.Errorf("validate domain %d: %w", d.ID, err)
	}

	if !ok {
		reason := fmt.Sprintf("incomplete response matrix: %d/%d", covered, plan.Size())
		v.logger.Warn("domain remains processing",
			zap.Uint("domain_id", d.ID),
			zap.String("domain", d.Domain),
			zap.String("reason", reason))
		if err := v.domains.RecordError(ctx, d.ID, reason); err != nil {
			return false, err
		}
		return false, nil
	}

	if err := v.domains.MarkCompleted(ctx, d.ID); err != nil {
		return false, fmt.Errorf("mark domain %d completed: %w", d.ID, err)
	}
	if v.collector != nil {
		v.collector.RecordTransition(string(store.DomainStatusCompleted))
	}
	v.logger.Info("domain completed",
		zap.Uint("domain_id", d.ID),
		zap.String("domain", d.Domain),
		zap.Int("matrix_size", plan.Size()))
	return true, nil
}

// Reconcile 对账扫描: 重新校验 completed 域名的响应矩阵
// 校验失败的行复位为 pending 并记录审计原因，修正历史上被过早标记
// 完成的数据漂移。幂等：对同一数据库运行两次产生相同的复位集合。
func (v *Validator) Reconcile(ctx context.Context, plan Plan) (int, error) {
	completed, err := v.domains.ListByStatus(ctx, store.DomainStatusCompleted, 0)
	if err != nil {
		return 0, fmt.Errorf("reconcile: list completed domains: %w", err)
	}

	resets := 0
	for _, d := range completed {
		ok, covered, err := v.Check(ctx, d.ID, plan)
		if err != nil {
			return resets, fmt.Errorf("reconcile domain %d: %w", d.ID, err)
		}
		if ok {
			continue
		}

		reason := fmt.Sprintf("reconciliation: incomplete response matrix %d/%d", covered, plan.Size())
		if err := v.domains.Reset(ctx, d.ID, reason); err != nil {
			return resets, fmt.Errorf("reconcile reset domain %d: %w", d.ID, err)
		}
		resets++
		if v.collector != nil {
			v.collector.RecordValidatorReset()
			v.collector.RecordTransition(string(store.DomainStatusPending))
		}
		v.logger.Warn("domain reset by reconciliation",
			zap.Uint("domain_id", d.ID),
			zap.String("domain", d.Domain),
			zap.String("reason", reason))
	}

	if resets > 0 {
		v.logger.Info("reconciliation pass finished",
			zap.Int("scanned", len(completed)),
			zap.Int("reset", resets))
	}
	return resets, nil
}
