package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/crawlflow/config"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := Open(config.DatabaseConfig{
		Driver: "sqlite",
		Name:   filepath.Join(t.TempDir(), "test.db") + "?_pragma=busy_timeout(10000)",
	})
	require.NoError(t, err)
	require.NoError(t, InitDatabase(db))
	return db
}

func seedDomain(t *testing.T, db *gorm.DB, hostname string, status DomainStatus, priority int) Domain {
	t.Helper()

	d := Domain{Domain: hostname, Status: status, Priority: priority, Cohort: "legacy"}
	require.NoError(t, db.Create(&d).Error)
	return d
}

// ---------------------------------------------------------------------------
// Enqueue
// ---------------------------------------------------------------------------

func TestDomainStore_Enqueue(t *testing.T) {
	db := testDB(t)
	s := NewDomainStore(db, zap.NewNop())
	ctx := context.Background()

	d, err := s.Enqueue(ctx, "a.example", 5, "seed")
	require.NoError(t, err)
	assert.Equal(t, DomainStatusPending, d.Status)
	assert.Equal(t, 5, d.Priority)
	assert.Equal(t, "seed", d.Cohort)

	// hostname 唯一: 重复入队返回已有行
	dup, err := s.Enqueue(ctx, "a.example", 9, "other")
	require.NoError(t, err)
	assert.Equal(t, d.ID, dup.ID)
	assert.Equal(t, 5, dup.Priority)

	var count int64
	db.Model(&Domain{}).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestDomainStore_EnqueueClampsPriority(t *testing.T) {
	db := testDB(t)
	s := NewDomainStore(db, zap.NewNop())

	d, err := s.Enqueue(context.Background(), "b.example", 99, "")
	require.NoError(t, err)
	assert.Equal(t, 10, d.Priority)
	assert.Equal(t, "legacy", d.Cohort)
}

// ---------------------------------------------------------------------------
// ClaimPending
// ---------------------------------------------------------------------------

func TestDomainStore_ClaimPending(t *testing.T) {
	db := testDB(t)
	s := NewDomainStore(db, zap.NewNop())
	ctx := context.Background()

	seedDomain(t, db, "low.example", DomainStatusPending, 1)
	seedDomain(t, db, "high.example", DomainStatusPending, 9)
	seedDomain(t, db, "done.example", DomainStatusCompleted, 10)

	claimed, err := s.ClaimPending(ctx, 10, "")
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	// priority 降序
	assert.Equal(t, "high.example", claimed[0].Domain)
	assert.Equal(t, "low.example", claimed[1].Domain)

	for _, d := range claimed {
		assert.Equal(t, DomainStatusProcessing, d.Status)
		assert.Equal(t, 1, d.ProcessCount)
		assert.NotNil(t, d.LastProcessedAt)
	}

	// 已认领的行不再返回
	again, err := s.ClaimPending(ctx, 10, "")
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestDomainStore_ClaimPending_OldestFirstWithinPriority(t *testing.T) {
	db := testDB(t)
	s := NewDomainStore(db, zap.NewNop())
	ctx := context.Background()

	d1 := seedDomain(t, db, "older.example", DomainStatusPending, 5)
	d2 := seedDomain(t, db, "newer.example", DomainStatusPending, 5)

	// 同优先级按 updated_at 升序（最久未动优先）
	old := time.Now().Add(-time.Hour)
	require.NoError(t, db.Model(&Domain{}).Where("id = ?", d1.ID).UpdateColumn("updated_at", old).Error)
	require.NoError(t, db.Model(&Domain{}).Where("id = ?", d2.ID).UpdateColumn("updated_at", time.Now()).Error)

	claimed, err := s.ClaimPending(ctx, 1, "")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "older.example", claimed[0].Domain)
}

func TestDomainStore_ClaimPending_CohortFilter(t *testing.T) {
	db := testDB(t)
	s := NewDomainStore(db, zap.NewNop())
	ctx := context.Background()

	seedDomain(t, db, "a.example", DomainStatusPending, 0)
	d := Domain{Domain: "b.example", Status: DomainStatusPending, Cohort: "seed"}
	require.NoError(t, db.Create(&d).Error)

	claimed, err := s.ClaimPending(ctx, 10, "seed")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "b.example", claimed[0].Domain)
}

func TestDomainStore_ClaimPending_ConcurrentClaimersNoOverlap(t *testing.T) {
	db := testDB(t)
	s := NewDomainStore(db, zap.NewNop())
	ctx := context.Background()

	for _, h := range []string{"a.example", "b.example", "c.example", "d.example"} {
		seedDomain(t, db, h, DomainStatusPending, 0)
	}

	var mu sync.Mutex
	seen := make(map[uint]int)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := s.ClaimPending(ctx, 4, "")
			if err != nil {
				return
			}
			mu.Lock()
			for _, d := range claimed {
				seen[d.ID]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	// 同一行至多被一个认领者拿到
	for id, n := range seen {
		assert.Equal(t, 1, n, "domain %d claimed %d times", id, n)
	}
}

// ---------------------------------------------------------------------------
// 状态迁移
// ---------------------------------------------------------------------------

func TestDomainStore_MarkCompleted(t *testing.T) {
	db := testDB(t)
	s := NewDomainStore(db, zap.NewNop())
	ctx := context.Background()

	d := seedDomain(t, db, "a.example", DomainStatusProcessing, 0)
	require.NoError(t, s.MarkCompleted(ctx, d.ID))

	got, err := s.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, DomainStatusCompleted, got.Status)

	// completed → completed 不是合法迁移
	assert.ErrorIs(t, s.MarkCompleted(ctx, d.ID), ErrInvalidTransition)
}

func TestDomainStore_MarkFailed(t *testing.T) {
	db := testDB(t)
	s := NewDomainStore(db, zap.NewNop())
	ctx := context.Background()

	d := seedDomain(t, db, "a.example", DomainStatusProcessing, 0)
	require.NoError(t, s.MarkFailed(ctx, d.ID, "every task short-circuited"))

	got, err := s.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, DomainStatusFailed, got.Status)
	assert.Equal(t, 1, got.ErrorCount)
	assert.Equal(t, "every task short-circuited", got.LastError)

	// pending 行不可直接失败
	p := seedDomain(t, db, "b.example", DomainStatusPending, 0)
	assert.ErrorIs(t, s.MarkFailed(ctx, p.ID, "x"), ErrInvalidTransition)
}

func TestDomainStore_RecordError(t *testing.T) {
	db := testDB(t)
	s := NewDomainStore(db, zap.NewNop())
	ctx := context.Background()

	d := seedDomain(t, db, "a.example", DomainStatusProcessing, 0)
	require.NoError(t, s.RecordError(ctx, d.ID, "incomplete response matrix: 1/2"))
	require.NoError(t, s.RecordError(ctx, d.ID, "incomplete response matrix: 1/2"))

	got, err := s.Get(ctx, d.ID)
	require.NoError(t, err)
	// 状态不变，计数单调递增
	assert.Equal(t, DomainStatusProcessing, got.Status)
	assert.Equal(t, 2, got.ErrorCount)

	assert.ErrorIs(t, s.RecordError(ctx, 9999, "x"), ErrDomainNotFound)
}

func TestDomainStore_Reset(t *testing.T) {
	db := testDB(t)
	s := NewDomainStore(db, zap.NewNop())
	ctx := context.Background()

	d := seedDomain(t, db, "a.example", DomainStatusCompleted, 0)
	require.NoError(t, s.Reset(ctx, d.ID, "reconciliation: incomplete response matrix 1/2"))

	got, err := s.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, DomainStatusPending, got.Status)
	assert.Equal(t, "reconciliation: incomplete response matrix 1/2", got.LastError)

	// pending 行复位是 no-op 错误
	assert.ErrorIs(t, s.Reset(ctx, d.ID, "again"), ErrInvalidTransition)
}

func TestDomainStore_ListByStatus(t *testing.T) {
	db := testDB(t)
	s := NewDomainStore(db, zap.NewNop())
	ctx := context.Background()

	seedDomain(t, db, "a.example", DomainStatusCompleted, 0)
	seedDomain(t, db, "b.example", DomainStatusCompleted, 0)
	seedDomain(t, db, "c.example", DomainStatusPending, 0)

	got, err := s.ListByStatus(ctx, DomainStatusCompleted, 0)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.ListByStatus(ctx, DomainStatusCompleted, 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

// ---------------------------------------------------------------------------
// 状态枚举
// ---------------------------------------------------------------------------

func TestDomainStatus_Valid(t *testing.T) {
	for _, s := range []DomainStatus{
		DomainStatusPending, DomainStatusProcessing, DomainStatusCompleted,
		DomainStatusFailed, DomainStatusError,
	} {
		assert.True(t, s.Valid())
	}
	assert.False(t, DomainStatus("unknown").Valid())
}
