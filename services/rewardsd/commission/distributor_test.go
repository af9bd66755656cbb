package commission

import (
	"context"
	"errors"
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

type stubGraph struct {
	mu     sync.Mutex
	edges  map[string]Edge
	fail   map[string]error
	lookup int
}

func newStubGraph() *stubGraph {
	return &stubGraph{edges: map[string]Edge{}, fail: map[string]error{}}
}

func (g *stubGraph) link(referee, referrer string) {
	g.edges[referee] = Edge{RefereeID: referee, ReferrerID: referrer, CreatedAt: time.Unix(1700000000, 0).UTC()}
}

func (g *stubGraph) expire(referee string) {
	edge := g.edges[referee]
	edge.Expired = true
	g.edges[referee] = edge
}

func (g *stubGraph) UpstreamEdge(_ context.Context, participantID string) (Edge, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lookup++
	if err, ok := g.fail[participantID]; ok {
		return Edge{}, false, err
	}
	edge, ok := g.edges[participantID]
	return edge, ok, nil
}

// chainGraph builds buyer -> r1 -> r2 -> ... -> rN.
func chainGraph(n int) *stubGraph {
	g := newStubGraph()
	prev := "buyer"
	for i := 1; i <= n; i++ {
		next := fmt.Sprintf("r%d", i)
		g.link(prev, next)
		prev = next
	}
	return g
}

func setupCommissionTestDB(t *testing.T) *gorm.DB {
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
	// Serialise connections so concurrent transactions queue instead of
	// tripping shared-cache table locks.
	sqlDB.SetMaxOpenConns(1)
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func fixedClock() func() time.Time {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return now }
}

func trigger(ref, amount string) Trigger {
	return Trigger{
		TransactionID: ref,
		PurchaserID:   "buyer",
		Amount:        decimal.RequireFromString(amount),
		Status:        "APPROVED",
		Timestamp:     time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC),
	}
}

func TestDistributeFullChainPaysFivePercent(t *testing.T) {
	db := setupCommissionTestDB(t)
	d := NewDistributor(db, chainGraph(7), WithClock(fixedClock()))

	res, err := d.Distribute(context.Background(), trigger("TX-1", "1000.00"))
	require.NoError(t, err)
	require.Equal(t, OutcomeDistributed, res.Outcome)
	require.Equal(t, StopTierLimit, res.Stop)
	require.Len(t, res.Entries, 5)

	want := []string{"25.00", "12.50", "7.50", "3.50", "1.50"}
	entries, err := d.EntriesForPurchase(context.Background(), res.PurchaseID)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	for i, entry := range entries {
		require.Equal(t, i+1, entry.Tier)
		require.Equal(t, fmt.Sprintf("r%d", i+1), entry.ReceiverID)
		require.Equal(t, "buyer", entry.PayerID)
		require.Equal(t, want[i], entry.Amount.StringFixed(2))
	}
	require.Equal(t, "50.00", res.Total().StringFixed(2))

	purchase, err := d.PurchaseByReference(context.Background(), "TX-1")
	require.NoError(t, err)
	require.True(t, purchase.CommissionDistributed)
	require.Len(t, purchase.Commissions, 5)
}

func TestDistributeIsIdempotentSequentially(t *testing.T) {
	db := setupCommissionTestDB(t)
	graph := chainGraph(3)
	d := NewDistributor(db, graph, WithClock(fixedClock()))

	first, err := d.Distribute(context.Background(), trigger("TX-2", "200.00"))
	require.NoError(t, err)
	require.Equal(t, OutcomeDistributed, first.Outcome)
	lookups := graph.lookup

	second, err := d.Distribute(context.Background(), trigger("TX-2", "200.00"))
	require.NoError(t, err)
	require.Equal(t, OutcomeAlreadyDistributed, second.Outcome)
	require.Equal(t, first.PurchaseID, second.PurchaseID)
	require.Equal(t, lookups, graph.lookup, "second call must not walk the chain")

	var count int64
	require.NoError(t, db.Model(&models.CommissionEntry{}).Count(&count).Error)
	require.EqualValues(t, 3, count)
}

func TestDistributeIsIdempotentConcurrently(t *testing.T) {
	db := setupCommissionTestDB(t)
	d := NewDistributor(db, chainGraph(5), WithClock(fixedClock()))

	const workers = 8
	var wg sync.WaitGroup
	results := make([]*Result, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = d.Distribute(context.Background(), trigger("TX-3", "1000.00"))
		}(i)
	}
	wg.Wait()

	distributed := 0
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		if results[i].Outcome == OutcomeDistributed {
			distributed++
		} else {
			require.Equal(t, OutcomeAlreadyDistributed, results[i].Outcome)
		}
	}
	require.Equal(t, 1, distributed)

	var entries int64
	require.NoError(t, db.Model(&models.CommissionEntry{}).Count(&entries).Error)
	require.EqualValues(t, 5, entries)
	var purchases int64
	require.NoError(t, db.Model(&models.Purchase{}).Count(&purchases).Error)
	require.EqualValues(t, 1, purchases)
}

func TestDistributeStopsAtMissingReferrer(t *testing.T) {
	db := setupCommissionTestDB(t)
	d := NewDistributor(db, chainGraph(2), WithClock(fixedClock()))

	res, err := d.Distribute(context.Background(), trigger("TX-4", "1000.00"))
	require.NoError(t, err)
	require.Equal(t, StopChainExhausted, res.Stop)
	require.Len(t, res.Entries, 2)

	purchase, err := d.PurchaseByReference(context.Background(), "TX-4")
	require.NoError(t, err)
	require.True(t, purchase.CommissionDistributed)
}

func TestDistributeStopsAtExpiredEdge(t *testing.T) {
	db := setupCommissionTestDB(t)
	graph := chainGraph(5)
	// r2 -> r3 is the edge consulted for tier 3.
	graph.expire("r2")
	d := NewDistributor(db, graph, WithClock(fixedClock()))

	res, err := d.Distribute(context.Background(), trigger("TX-5", "1000.00"))
	require.NoError(t, err)
	require.Equal(t, StopEdgeExpired, res.Stop)
	require.Len(t, res.Entries, 2)
	require.Equal(t, 1, res.Entries[0].Tier)
	require.Equal(t, 2, res.Entries[1].Tier)

	purchase, err := d.PurchaseByReference(context.Background(), "TX-5")
	require.NoError(t, err)
	require.True(t, purchase.CommissionDistributed)
}

func TestDistributeNoReferrerStillMarksDistributed(t *testing.T) {
	db := setupCommissionTestDB(t)
	d := NewDistributor(db, newStubGraph(), WithClock(fixedClock()))

	res, err := d.Distribute(context.Background(), trigger("TX-6", "50.00"))
	require.NoError(t, err)
	require.Equal(t, StopChainExhausted, res.Stop)
	require.Empty(t, res.Entries)

	purchase, err := d.PurchaseByReference(context.Background(), "TX-6")
	require.NoError(t, err)
	require.True(t, purchase.CommissionDistributed)
}

func TestDistributeGraphFailureKeepsEarlierTiers(t *testing.T) {
	db := setupCommissionTestDB(t)
	graph := chainGraph(5)
	graph.fail["r3"] = errors.New("referral service unavailable")
	d := NewDistributor(db, graph, WithClock(fixedClock()))

	res, err := d.Distribute(context.Background(), trigger("TX-7", "1000.00"))
	require.NoError(t, err)
	require.Equal(t, StopTierFailure, res.Stop)
	require.Equal(t, 4, res.FailedTier)
	require.Error(t, res.TierErr)
	require.Len(t, res.Entries, 3)

	again, err := d.Distribute(context.Background(), trigger("TX-7", "1000.00"))
	require.NoError(t, err)
	require.Equal(t, OutcomeAlreadyDistributed, again.Outcome)
}

func TestDistributeInsertFailureKeepsEarlierTiers(t *testing.T) {
	db := setupCommissionTestDB(t)
	err := db.Callback().Create().Before("gorm:create").Register("test:fail_tier3", func(tx *gorm.DB) {
		if entry, ok := tx.Statement.Dest.(*models.CommissionEntry); ok && entry.Tier == 3 {
			_ = tx.AddError(errors.New("disk full"))
		}
	})
	require.NoError(t, err)
	d := NewDistributor(db, chainGraph(5), WithClock(fixedClock()))

	res, err := d.Distribute(context.Background(), trigger("TX-8", "1000.00"))
	require.NoError(t, err)
	require.Equal(t, StopTierFailure, res.Stop)
	require.Equal(t, 3, res.FailedTier)
	require.Len(t, res.Entries, 2)

	entries, err := d.EntriesForPurchase(context.Background(), res.PurchaseID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	purchase, err := d.PurchaseByReference(context.Background(), "TX-8")
	require.NoError(t, err)
	require.True(t, purchase.CommissionDistributed)
}

func TestDistributeIgnoresUnconfirmedTransactions(t *testing.T) {
	db := setupCommissionTestDB(t)
	d := NewDistributor(db, chainGraph(5), WithClock(fixedClock()))

	trig := trigger("TX-9", "1000.00")
	trig.Status = "pending"
	res, err := d.Distribute(context.Background(), trig)
	require.NoError(t, err)
	require.Equal(t, OutcomeIgnored, res.Outcome)

	_, err = d.PurchaseByReference(context.Background(), "TX-9")
	require.ErrorIs(t, err, ErrPurchaseNotFound)
}

func TestDistributeAcceptsPostedStatus(t *testing.T) {
	db := setupCommissionTestDB(t)
	d := NewDistributor(db, chainGraph(1), WithClock(fixedClock()))

	trig := trigger("TX-10", "100.00")
	trig.Status = "posted"
	res, err := d.Distribute(context.Background(), trig)
	require.NoError(t, err)
	require.Equal(t, OutcomeDistributed, res.Outcome)
	require.Len(t, res.Entries, 1)
	require.Equal(t, "2.50", res.Entries[0].Amount.StringFixed(2))
}

func TestDistributeRejectsInvalidTriggers(t *testing.T) {
	db := setupCommissionTestDB(t)
	d := NewDistributor(db, chainGraph(5), WithClock(fixedClock()))

	cases := map[string]func(*Trigger){
		"missing transaction": func(tr *Trigger) { tr.TransactionID = " " },
		"missing purchaser":   func(tr *Trigger) { tr.PurchaserID = "" },
		"zero amount":         func(tr *Trigger) { tr.Amount = decimal.Zero },
		"negative amount":     func(tr *Trigger) { tr.Amount = decimal.RequireFromString("-5") },
		"sub-cent amount":     func(tr *Trigger) { tr.Amount = decimal.RequireFromString("0.004") },
		"excess precision":    func(tr *Trigger) { tr.Amount = decimal.RequireFromString("12.345") },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			trig := trigger("TX-BAD", "100.00")
			mutate(&trig)
			_, err := d.Distribute(context.Background(), trig)
			require.ErrorIs(t, err, ErrValidation)
		})
	}

	var purchases int64
	require.NoError(t, db.Model(&models.Purchase{}).Count(&purchases).Error)
	require.Zero(t, purchases)
}

func TestDistributeSkipsTiersRoundingToZero(t *testing.T) {
	db := setupCommissionTestDB(t)
	d := NewDistributor(db, chainGraph(5), WithClock(fixedClock()))

	res, err := d.Distribute(context.Background(), trigger("TX-11", "1.00"))
	require.NoError(t, err)
	require.Equal(t, StopTierLimit, res.Stop)
	// 1.00 pays 0.025, 0.0125, 0.0075, 0.0035, 0.0015 -> 0.02, 0.01, 0.01, 0.00, 0.00
	require.Len(t, res.Entries, 3)
}
