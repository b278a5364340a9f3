package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/crawlflow/internal/database"
)

var (
	// ErrInvalidTransition 行不在该操作要求的前置状态
	ErrInvalidTransition = errors.New("domain is not in the required state")
	// ErrDomainNotFound 域名行不存在
	ErrDomainNotFound = errors.New("domain not found")
)

// txMaxRetries 持久化瞬态错误（死锁、序列化失败）的事务重试上限
const txMaxRetries = 3

// DomainStore 域名表的持久化操作
// 状态迁移只能经由此处的操作发生；历史响应行从不被改写
type DomainStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewDomainStore 创建 DomainStore
func NewDomainStore(db *gorm.DB, logger *zap.Logger) *DomainStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DomainStore{db: db, logger: logger.With(zap.String("component", "domain_store"))}
}

// ClaimPending 原子认领至多 limit 个 pending 域名并迁移到 processing
//
// 排序: priority 降序，同优先级按 updated_at 升序（最久未动优先），再按 id 稳定排序。
// 并发认领安全: 候选行逐个以条件 UPDATE 认领（WHERE status='pending'），
// 两个认领者竞争同一行时至多一个拿到它。
func (s *DomainStore) ClaimPending(ctx context.Context, limit int, cohort string) ([]Domain, error) {
	if limit <= 0 {
		return nil, nil
	}

	var claimed []Domain
	err := database.RunInTransactionRetry(ctx, s.db, txMaxRetries, s.logger, func(tx *gorm.DB) error {
		claimed = claimed[:0]

		q := tx.
			Where("status = ?", DomainStatusPending).
			Order("priority DESC").
			Order("updated_at ASC").
			Order("id ASC").
			Limit(limit)
		if cohort != "" {
			q = q.Where("cohort = ?", cohort)
		}

		var candidates []Domain
		if err := q.Find(&candidates).Error; err != nil {
			return fmt.Errorf("select pending domains: %w", err)
		}

		now := time.Now()
		for _, d := range candidates {
			res := tx.Model(&Domain{}).
				Where("id = ? AND status = ?", d.ID, DomainStatusPending).
				Updates(map[string]any{
					"status":            DomainStatusProcessing,
					"process_count":     gorm.Expr("process_count + 1"),
					"last_processed_at": now,
					"updated_at":        now,
				})
			if res.Error != nil {
				return fmt.Errorf("claim domain %d: %w", d.ID, res.Error)
			}
			if res.RowsAffected == 0 {
				// 被并发认领者抢走
				continue
			}

			d.Status = DomainStatusProcessing
			d.ProcessCount++
			d.LastProcessedAt = &now
			d.UpdatedAt = now
			claimed = append(claimed, d)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(claimed) > 0 {
		s.logger.Debug("claimed pending domains",
			zap.Int("requested", limit),
			zap.Int("claimed", len(claimed)))
	}

	return claimed, nil
}

// MarkCompleted 迁移 processing → completed
// 前置条件（完整性校验）由 Completion Validator 负责；调用方不得绕过
func (s *DomainStore) MarkCompleted(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Model(&Domain{}).
		Where("id = ? AND status = ?", id, DomainStatusProcessing).
		Updates(map[string]any{
			"status":     DomainStatusCompleted,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("mark domain %d completed: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// MarkFailed 迁移 processing → failed 并记录审计原因
// 此处不做重试调度；运维通过 Reset 重新入队
func (s *DomainStore) MarkFailed(ctx context.Context, id uint, reason string) error {
	res := s.db.WithContext(ctx).Model(&Domain{}).
		Where("id = ? AND status = ?", id, DomainStatusProcessing).
		Updates(map[string]any{
			"status":      DomainStatusFailed,
			"error_count": gorm.Expr("error_count + 1"),
			"last_error":  reason,
			"updated_at":  time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("mark domain %d failed: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// RecordError 累加 error_count 并记录原因，不改变状态
// 用于周期结束时仍不完整的域名（保持 processing，留待对账处理）
func (s *DomainStore) RecordError(ctx context.Context, id uint, reason string) error {
	res := s.db.WithContext(ctx).Model(&Domain{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"error_count": gorm.Expr("error_count + 1"),
			"last_error":  reason,
			"updated_at":  time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("record error for domain %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrDomainNotFound
	}
	return nil
}

// Reset 将任意非 pending 状态复位为 pending 并记录审计原因
// 供对账扫描与运维工具修复假完成行使用
func (s *DomainStore) Reset(ctx context.Context, id uint, reason string) error {
	res := s.db.WithContext(ctx).Model(&Domain{}).
		Where("id = ? AND status <> ?", id, DomainStatusPending).
		Updates(map[string]any{
			"status":     DomainStatusPending,
			"last_error": reason,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("reset domain %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// Enqueue 插入新域名（hostname 唯一；重复插入为 no-op）
// 外部协作方经由管理面入队；认领路径对并发插入是安全的
func (s *DomainStore) Enqueue(ctx context.Context, hostname string, priority int, cohort string) (*Domain, error) {
	if priority < 0 {
		priority = 0
	}
	if priority > 10 {
		priority = 10
	}
	if cohort == "" {
		cohort = "legacy"
	}

	d := Domain{
		Domain:   hostname,
		Status:   DomainStatusPending,
		Priority: priority,
		Cohort:   cohort,
	}
	err := s.db.WithContext(ctx).
		Where("domain = ?", hostname).
		FirstOrCreate(&d).Error
	if err != nil {
		return nil, fmt.Errorf("enqueue domain %s: %w", hostname, err)
	}
	return &d, nil
}

// Get 读取单个域名行
func (s *DomainStore) Get(ctx context.Context, id uint) (*Domain, error) {
	var d Domain
	err := s.db.WithContext(ctx).First(&d, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDomainNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get domain %d: %w", id, err)
	}
	return &d, nil
}

// ListByStatus 按状态列出域名（对账扫描用）
func (s *DomainStore) ListByStatus(ctx context.Context, status DomainStatus, limit int) ([]Domain, error) {
	var out []Domain
	q := s.db.WithContext(ctx).Where("status = ?", status).Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list domains by status %s: %w", status, err)
	}
	return out, nil
}
