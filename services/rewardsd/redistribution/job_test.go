package redistribution

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"rewardledger/services/rewardsd/models"
	"rewardledger/services/rewardsd/tokens"
)

func setupRedistributionDB(t *testing.T) *gorm.DB {
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

func metric(owner, tier, commission string, sale bool) PeriodMetric {
	return PeriodMetric{OwnerID: owner, Tier: tier, HasRecentSale: sale, Commission: decimal.RequireFromString(commission)}
}

func TestAwardFor(t *testing.T) {
	cases := []struct {
		tier       tokens.RewardTier
		commission string
		want       int
	}{
		{tokens.TierGold, "1000", 100},
		{tokens.TierGold, "999.99", 0},
		{tokens.TierSilver, "500", 50},
		{tokens.TierSilver, "5000", 50},
		{tokens.TierGreen, "200", 20},
		{tokens.TierGreen, "199.99", 0},
		{tokens.TierWhite, "100000", 0},
		{tokens.TierGray, "100000", 0},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, AwardFor(tc.tier, decimal.RequireFromString(tc.commission)), "%s %s", tc.tier, tc.commission)
	}
}

func TestRunGrantsAwardsOncePerPeriod(t *testing.T) {
	db := setupRedistributionDB(t)
	now := time.Date(2025, 3, 3, 6, 0, 0, 0, time.UTC)
	manager := tokens.NewManager(db, tokens.WithClock(func() time.Time { return now }))
	job := NewJob(manager)
	ctx := context.Background()
	metrics := []PeriodMetric{
		metric("gold-1", "gold", "1500", true),
		metric("silver-1", "silver", "600", false),
		metric("green-1", "green", "250", true),
		metric("green-2", "green", "50", true),
		metric("white-1", "white", "9000", true),
	}

	summary, err := job.Run(ctx, "2025-W09", metrics)
	require.NoError(t, err)
	require.Equal(t, 3, summary.Awarded)
	require.Equal(t, 2, summary.Skipped)
	require.Zero(t, summary.Failed)
	require.Equal(t, 170, summary.Tokens)

	balance, err := manager.ActiveBalance(ctx, "gold-1", now)
	require.NoError(t, err)
	require.Equal(t, 100, balance)

	summary, err = job.Run(ctx, "2025-W09", metrics)
	require.NoError(t, err)
	require.Zero(t, summary.Awarded)
	require.Equal(t, 5, summary.Skipped)

	var count int64
	require.NoError(t, db.Model(&models.TokenBatch{}).Count(&count).Error)
	require.EqualValues(t, 3, count)

	summary, err = job.Run(ctx, "2025-W10", metrics[:1])
	require.NoError(t, err)
	require.Equal(t, 1, summary.Awarded)
}

type flakyCreator struct {
	inner  BatchCreator
	failOn string
}

func (c flakyCreator) CreateBatch(ctx context.Context, req tokens.BatchRequest) (*models.TokenBatch, error) {
	if req.OwnerID == c.failOn {
		return nil, errors.New("database unavailable")
	}
	return c.inner.CreateBatch(ctx, req)
}

func TestRunIsolatesFailingOwner(t *testing.T) {
	db := setupRedistributionDB(t)
	manager := tokens.NewManager(db)
	job := NewJob(flakyCreator{inner: manager, failOn: "silver-1"})

	summary, err := job.Run(context.Background(), "2025-03", []PeriodMetric{
		metric("gold-1", "gold", "1000", true),
		metric("silver-1", "silver", "700", true),
		metric("ghost", "platinum", "700", true),
		metric("green-1", "green", "300", false),
	})
	require.NoError(t, err)
	require.Equal(t, 2, summary.Awarded)
	require.Equal(t, 2, summary.Failed)
	require.Len(t, summary.Failures, 2)
	require.Equal(t, "silver-1", summary.Failures[0].OwnerID)
	require.Equal(t, "ghost", summary.Failures[1].OwnerID)
	require.ErrorIs(t, summary.Failures[1].Err, tokens.ErrValidation)
}

func TestRunRequiresPeriod(t *testing.T) {
	_, err := NewJob(nil).Run(context.Background(), "  ", nil)
	require.ErrorIs(t, err, ErrInvalidPeriod)
}
