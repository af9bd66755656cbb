package tokens

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"rewardledger/services/rewardsd/models"
)

func setupTokensTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T) (*Manager, *gorm.DB, *testClock) {
	t.Helper()
	db := setupTokensTestDB(t)
	clock := &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewManager(db, WithClock(clock.Now)), db, clock
}

func TestCreateBatchSetsExpiry(t *testing.T) {
	manager, _, clock := newTestManager(t)
	batch, err := manager.CreateBatch(context.Background(), BatchRequest{
		OwnerID:       "owner-1",
		Count:         10,
		Tier:          TierGold,
		HasRecentSale: true,
		Commission:    decimal.NewFromInt(1200),
	})
	require.NoError(t, err)
	require.Equal(t, models.BatchActive, batch.Status)
	require.Equal(t, clock.Now().Add(19*24*time.Hour), batch.ExpiresAt)
	require.Nil(t, batch.AwardKey)
}

func TestCreateBatchValidation(t *testing.T) {
	manager, db, _ := newTestManager(t)
	ctx := context.Background()
	cases := []BatchRequest{
		{OwnerID: "", Count: 1, Tier: TierGreen},
		{OwnerID: "owner", Count: 0, Tier: TierGreen},
		{OwnerID: "owner", Count: 1, Tier: RewardTier("bronze")},
		{OwnerID: "owner", Count: 1, Tier: TierGreen, Commission: decimal.NewFromInt(-1)},
	}
	for _, req := range cases {
		_, err := manager.CreateBatch(ctx, req)
		require.ErrorIs(t, err, ErrValidation)
	}
	var count int64
	require.NoError(t, db.Model(&models.TokenBatch{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestCreateBatchAwardKeyIsIdempotent(t *testing.T) {
	manager, db, _ := newTestManager(t)
	ctx := context.Background()
	req := BatchRequest{OwnerID: "owner-1", Count: 50, Tier: TierSilver, AwardKey: "2025-02:owner-1"}

	_, err := manager.CreateBatch(ctx, req)
	require.NoError(t, err)
	_, err = manager.CreateBatch(ctx, req)
	require.ErrorIs(t, err, ErrAlreadyAwarded)

	var count int64
	require.NoError(t, db.Model(&models.TokenBatch{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestSweepExpiredTransitionsOnce(t *testing.T) {
	manager, db, clock := newTestManager(t)
	ctx := context.Background()

	// White tier batches always live for the minimum three days.
	short, err := manager.CreateBatch(ctx, BatchRequest{OwnerID: "owner-1", Count: 5, Tier: TierWhite})
	require.NoError(t, err)
	long, err := manager.CreateBatch(ctx, BatchRequest{OwnerID: "owner-1", Count: 5, Tier: TierGold, HasRecentSale: true})
	require.NoError(t, err)

	result, err := manager.SweepExpired(ctx, clock.Now())
	require.NoError(t, err)
	require.Empty(t, result.Expired)

	clock.Advance(3 * 24 * time.Hour)
	result, err = manager.SweepExpired(ctx, clock.Now())
	require.NoError(t, err)
	require.Len(t, result.Expired, 1)
	require.Equal(t, short.ID, result.Expired[0].ID)
	require.Equal(t, models.BatchExpired, result.Expired[0].Status)
	require.Empty(t, result.Failures)

	result, err = manager.SweepExpired(ctx, clock.Now())
	require.NoError(t, err)
	require.Empty(t, result.Expired)

	var logs []models.ExpiryLogEntry
	require.NoError(t, db.Find(&logs).Error)
	require.Len(t, logs, 1)
	require.Equal(t, short.ID, logs[0].BatchID)
	require.Equal(t, "owner-1", logs[0].OwnerID)
	require.Contains(t, logs[0].Reason, short.ID.String())

	var stored models.TokenBatch
	require.NoError(t, db.First(&stored, "id = ?", long.ID).Error)
	require.Equal(t, models.BatchActive, stored.Status)
}

func TestConcurrentSweepsLogEachBatchOnce(t *testing.T) {
	manager, db, clock := newTestManager(t)
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		_, err := manager.CreateBatch(ctx, BatchRequest{OwnerID: fmt.Sprintf("owner-%d", i), Count: 3, Tier: TierGray})
		require.NoError(t, err)
	}
	clock.Advance(4 * 24 * time.Hour)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := manager.SweepExpired(ctx, clock.Now())
			if err != nil {
				t.Errorf("sweep: %v", err)
				return
			}
			mu.Lock()
			total += len(result.Expired)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Equal(t, 12, total)
	var logs int64
	require.NoError(t, db.Model(&models.ExpiryLogEntry{}).Count(&logs).Error)
	require.EqualValues(t, 12, logs)
}

func TestMarkUsed(t *testing.T) {
	manager, _, clock := newTestManager(t)
	ctx := context.Background()
	batch, err := manager.CreateBatch(ctx, BatchRequest{OwnerID: "owner-1", Count: 20, Tier: TierGreen, HasRecentSale: true})
	require.NoError(t, err)

	require.NoError(t, manager.MarkUsed(ctx, batch.ID))
	require.ErrorIs(t, manager.MarkUsed(ctx, batch.ID), ErrBatchNotActive)
	require.ErrorIs(t, manager.MarkUsed(ctx, uuid.New()), ErrBatchNotFound)

	stale, err := manager.CreateBatch(ctx, BatchRequest{OwnerID: "owner-1", Count: 20, Tier: TierWhite})
	require.NoError(t, err)
	clock.Advance(3 * 24 * time.Hour)
	require.ErrorIs(t, manager.MarkUsed(ctx, stale.ID), ErrBatchNotActive)
}

func TestActiveBalance(t *testing.T) {
	manager, _, clock := newTestManager(t)
	ctx := context.Background()
	_, err := manager.CreateBatch(ctx, BatchRequest{OwnerID: "owner-1", Count: 7, Tier: TierWhite})
	require.NoError(t, err)
	_, err = manager.CreateBatch(ctx, BatchRequest{OwnerID: "owner-1", Count: 30, Tier: TierSilver, HasRecentSale: true})
	require.NoError(t, err)
	_, err = manager.CreateBatch(ctx, BatchRequest{OwnerID: "owner-2", Count: 100, Tier: TierGold, HasRecentSale: true})
	require.NoError(t, err)

	balance, err := manager.ActiveBalance(ctx, "owner-1", clock.Now())
	require.NoError(t, err)
	require.Equal(t, 37, balance)

	balance, err = manager.ActiveBalance(ctx, "owner-1", clock.Now().Add(4*24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 30, balance)
}
