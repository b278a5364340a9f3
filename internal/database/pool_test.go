package database

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{})
	require.NoError(t, err)
	return db
}

type poolTestRow struct {
	ID   uint `gorm:"primaryKey"`
	Name string
}

// ---------------------------------------------------------------------------
// PoolManager
// ---------------------------------------------------------------------------

func TestNewPoolManager(t *testing.T) {
	db := testDB(t)

	pm, err := NewPoolManager(db, DefaultPoolConfig(), zap.NewNop())
	require.NoError(t, err)
	defer pm.Close()

	assert.NoError(t, pm.Ping(context.Background()))
	assert.Equal(t, 32, pm.Stats().MaxOpenConnections)
}

func TestNewPoolManager_NilDB(t *testing.T) {
	_, err := NewPoolManager(nil, DefaultPoolConfig(), zap.NewNop())
	assert.Error(t, err)
}

func TestPoolManager_Close(t *testing.T) {
	pm, err := NewPoolManager(testDB(t), DefaultPoolConfig(), zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, pm.Close())
	assert.Error(t, pm.Ping(context.Background()))

	// 重复关闭是 no-op
	assert.NoError(t, pm.Close())
}

func TestRunInTransactionRetry_CommitAndRollback(t *testing.T) {
	db := testDB(t)
	require.NoError(t, db.AutoMigrate(&poolTestRow{}))

	err := RunInTransactionRetry(context.Background(), db, 3, zap.NewNop(), func(tx *gorm.DB) error {
		return tx.Create(&poolTestRow{Name: "a"}).Error
	})
	require.NoError(t, err)

	// 事务内错误回滚
	boom := errors.New("boom")
	err = RunInTransactionRetry(context.Background(), db, 3, zap.NewNop(), func(tx *gorm.DB) error {
		if err := tx.Create(&poolTestRow{Name: "b"}).Error; err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var count int64
	db.Model(&poolTestRow{}).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestRunInTransactionRetry_NonRetryable(t *testing.T) {
	calls := 0
	boom := errors.New("schema mismatch")
	err := RunInTransactionRetry(context.Background(), testDB(t), 3, zap.NewNop(), func(tx *gorm.DB) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestRunInTransactionRetry_Retryable(t *testing.T) {
	calls := 0
	start := time.Now()
	err := RunInTransactionRetry(context.Background(), testDB(t), 3, zap.NewNop(), func(tx *gorm.DB) error {
		calls++
		if calls < 2 {
			return errors.New("deadlock detected")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

// ---------------------------------------------------------------------------
// IsRetryableDBError
// ---------------------------------------------------------------------------

func TestIsRetryableDBError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadlock", errors.New("Deadlock found when trying to get lock"), true},
		{"serialization failure", errors.New("ERROR: could not serialize access (SQLSTATE 40001)"), true},
		{"connection reset", errors.New("read: connection reset by peer"), true},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"broken pipe", errors.New("write: broken pipe"), true},
		{"lock wait timeout", errors.New("Lock wait timeout exceeded"), true},
		{"bad connection", errors.New("driver: bad connection"), true},
		{"schema mismatch", errors.New("no such column: cohort"), false},
		{"constraint violation", errors.New("UNIQUE constraint failed: domains.domain"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableDBError(tt.err))
		})
	}
}
