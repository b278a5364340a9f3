package store

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/crawlflow/internal/database"
)

// ResponseStore 响应表的只追加写入与完整性查询
// 正常运行期间不更新、不删除
type ResponseStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewResponseStore 创建 ResponseStore
func NewResponseStore(db *gorm.DB, logger *zap.Logger) *ResponseStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResponseStore{db: db, logger: logger.With(zap.String("component", "response_store"))}
}

// Append 写入单条响应
// 自然键 (domain_id, model, prompt_type, batch_id) 冲突时为 no-op，
// 保证 at-least-once 写入的幂等性
func (s *ResponseStore) Append(ctx context.Context, r *Response) error {
	err := database.RunInTransactionRetry(ctx, s.db, txMaxRetries, s.logger, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(r).Error
	})
	if err != nil {
		return fmt.Errorf("append response for domain %d: %w", r.DomainID, err)
	}
	return nil
}

// AppendBatch 批量写入响应（单域名任务组收尾时使用）
func (s *ResponseStore) AppendBatch(ctx context.Context, rs []Response) error {
	if len(rs) == 0 {
		return nil
	}
	err := database.RunInTransactionRetry(ctx, s.db, txMaxRetries, s.logger, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rs).Error
	})
	if err != nil {
		return fmt.Errorf("append %d responses: %w", len(rs), err)
	}
	return nil
}

// CountByDomain 返回某域名累计记录的响应数
func (s *ResponseStore) CountByDomain(ctx context.Context, domainID uint) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Response{}).
		Where("domain_id = ?", domainID).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count responses for domain %d: %w", domainID, err)
	}
	return count, nil
}

// DistinctPairs 返回某域名已覆盖的 (model, prompt_type) 矩阵单元
// 完整性校验据此判断矩阵是否有洞
func (s *ResponseStore) DistinctPairs(ctx context.Context, domainID uint) ([]ResponsePair, error) {
	var pairs []ResponsePair
	err := s.db.WithContext(ctx).Model(&Response{}).
		Distinct("model", "prompt_type").
		Where("domain_id = ?", domainID).
		Find(&pairs).Error
	if err != nil {
		return nil, fmt.Errorf("distinct pairs for domain %d: %w", domainID, err)
	}
	return pairs, nil
}

// RecentByModel 返回最近 since 时间窗内各 model 的响应数
// 供可观测性与完整性校验报告使用
func (s *ResponseStore) RecentByModel(ctx context.Context, since time.Duration) (map[string]int64, error) {
	cutoff := time.Now().Add(-since)

	var rows []ModelCount
	err := s.db.WithContext(ctx).Model(&Response{}).
		Select("model", "COUNT(*) AS count").
		Where("created_at >= ?", cutoff).
		Group("model").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("recent responses by model: %w", err)
	}

	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Model] = r.Count
	}
	return out, nil
}
