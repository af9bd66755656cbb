package commission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"rewardledger/observability"
	"rewardledger/observability/logging"
	"rewardledger/services/rewardsd/models"
)

var (
	// ErrValidation indicates a malformed trigger; nothing was persisted.
	ErrValidation = errors.New("commission: invalid trigger")
	// ErrPersistence indicates the distribution unit was rolled back because storage failed.
	ErrPersistence = errors.New("commission: persistence failure")
	// ErrPurchaseNotFound is returned by lookups for unknown source references.
	ErrPurchaseNotFound = errors.New("commission: purchase not found")

	errClaimLost = errors.New("commission: distribution claimed concurrently")
)

// Outcome summarises what a Distribute call did.
type Outcome string

// Distribution outcomes.
const (
	OutcomeDistributed        Outcome = "distributed"
	OutcomeAlreadyDistributed Outcome = "already_distributed"
	OutcomeIgnored            Outcome = "ignored"
)

// ChainStop is the terminal state of a referral chain walk.
type ChainStop string

// Chain walk terminal states.
const (
	StopChainExhausted ChainStop = "chain_exhausted"
	StopEdgeExpired    ChainStop = "edge_expired"
	StopTierLimit      ChainStop = "tier_limit"
	StopTierFailure    ChainStop = "tier_failure"
)

// Trigger is a confirmed external transaction eligible for commission.
type Trigger struct {
	TransactionID string          `json:"transaction_id"`
	PurchaserID   string          `json:"purchaser_id"`
	Amount        decimal.Decimal `json:"amount"`
	Status        string          `json:"status"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Confirmed reports whether the source transaction reached a payable status.
func (t Trigger) Confirmed() bool {
	switch strings.ToLower(strings.TrimSpace(t.Status)) {
	case "approved", "posted":
		return true
	default:
		return false
	}
}

// Result describes the effect of one Distribute call.
type Result struct {
	PurchaseID uuid.UUID
	Outcome    Outcome
	Stop       ChainStop
	FailedTier int
	TierErr    error
	Entries    []models.CommissionEntry
}

// Total returns the sum of the entries persisted by this call.
func (r *Result) Total() decimal.Decimal {
	total := decimal.Zero
	if r == nil {
		return total
	}
	for _, entry := range r.Entries {
		total = total.Add(entry.Amount)
	}
	return total
}

type link struct {
	tier int
	edge Edge
}

type chain struct {
	links      []link
	stop       ChainStop
	failedTier int
	err        error
}

// Distributor turns confirmed purchases into tiered commission entries exactly once.
type Distributor struct {
	db       *gorm.DB
	graph    Graph
	schedule Schedule
	now      func() time.Time
	logger   *slog.Logger
	metrics  *observability.CommissionMetrics
	tracer   trace.Tracer
	redact   bool
}

// Option customises the distributor instance.
type Option func(*Distributor)

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(d *Distributor) { d.now = clock }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Distributor) { d.logger = logger }
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *observability.CommissionMetrics) Option {
	return func(d *Distributor) { d.metrics = m }
}

// WithSchedule replaces the default commission rate table.
func WithSchedule(s Schedule) Option {
	return func(d *Distributor) { d.schedule = s }
}

// WithRedaction masks participant identifiers in log lines.
func WithRedaction(redact bool) Option {
	return func(d *Distributor) { d.redact = redact }
}

// NewDistributor constructs a distributor backed by the provided database and referral graph.
func NewDistributor(db *gorm.DB, graph Graph, opts ...Option) *Distributor {
	d := &Distributor{
		db:       db,
		graph:    graph,
		schedule: DefaultSchedule(),
		now:      time.Now,
		logger:   slog.Default(),
		metrics:  observability.Commission(),
		tracer:   otel.Tracer("rewardledger/commission"),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	return d
}

// Distribute materialises the purchase for a confirmed transaction and pays
// commission up the referral chain. Repeated or concurrent calls for the same
// transaction are no-ops once the purchase is marked distributed.
func (d *Distributor) Distribute(ctx context.Context, trig Trigger) (*Result, error) {
	if d == nil || d.db == nil || d.graph == nil {
		return nil, fmt.Errorf("commission: distributor not configured")
	}
	if !trig.Confirmed() {
		d.metrics.RecordOutcome(string(OutcomeIgnored))
		return &Result{Outcome: OutcomeIgnored}, nil
	}
	trig.TransactionID = strings.TrimSpace(trig.TransactionID)
	trig.PurchaserID = strings.TrimSpace(trig.PurchaserID)
	if trig.TransactionID == "" {
		return nil, fmt.Errorf("%w: transaction_id is required", ErrValidation)
	}
	if trig.PurchaserID == "" {
		return nil, fmt.Errorf("%w: purchaser_id is required", ErrValidation)
	}
	if !trig.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if !trig.Amount.Equal(trig.Amount.Truncate(CurrencyPlaces)) {
		return nil, fmt.Errorf("%w: amount %s has more than %d decimal places", ErrValidation, trig.Amount, CurrencyPlaces)
	}
	if err := d.schedule.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	ctx, span := d.tracer.Start(ctx, "commission.distribute", trace.WithAttributes(
		attribute.String("transaction_id", trig.TransactionID),
	))
	defer span.End()
	start := d.now()

	purchaserID := trig.PurchaserID
	existing, err := d.PurchaseByReference(ctx, trig.TransactionID)
	switch {
	case err == nil && existing.CommissionDistributed:
		d.metrics.RecordOutcome(string(OutcomeAlreadyDistributed))
		return &Result{PurchaseID: existing.ID, Outcome: OutcomeAlreadyDistributed}, nil
	case err == nil:
		purchaserID = existing.PurchaserID
	case !errors.Is(err, ErrPurchaseNotFound):
		span.RecordError(err)
		span.SetStatus(codes.Error, "load purchase")
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	// Graph lookups happen before the write transaction so no external call
	// runs while the purchase row is locked.
	walk := d.walk(ctx, purchaserID)

	result := &Result{Outcome: OutcomeDistributed, Stop: walk.stop, FailedTier: walk.failedTier, TierErr: walk.err}
	err = d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		purchase, err := lockOrCreatePurchase(tx, trig, d.now().UTC())
		if err != nil {
			return err
		}
		result.PurchaseID = purchase.ID
		if purchase.CommissionDistributed {
			result.Outcome = OutcomeAlreadyDistributed
			return nil
		}
		if purchase.PurchaserID != purchaserID {
			return fmt.Errorf("%w: transaction %s recorded for a different purchaser", ErrValidation, trig.TransactionID)
		}

		d.persistEntries(tx, purchase, walk, result)

		claim := tx.Model(&models.Purchase{}).
			Where("id = ? AND commission_distributed = ?", purchase.ID, false).
			Update("commission_distributed", true)
		if claim.Error != nil {
			return claim.Error
		}
		if claim.RowsAffected == 0 {
			return errClaimLost
		}
		return nil
	})
	switch {
	case errors.Is(err, errClaimLost):
		result = &Result{PurchaseID: result.PurchaseID, Outcome: OutcomeAlreadyDistributed}
	case errors.Is(err, ErrValidation):
		return nil, err
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "distribution rolled back")
		d.metrics.RecordOutcome("persistence_failure")
		d.logger.ErrorContext(ctx, "commission distribution rolled back",
			slog.String("transaction_id", trig.TransactionID),
			slog.Any("error", err))
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	d.metrics.RecordOutcome(string(result.Outcome))
	d.metrics.ObserveLatency(d.now().Sub(start))
	if result.Outcome != OutcomeDistributed {
		return result, nil
	}
	d.metrics.RecordStop(string(result.Stop))
	for _, entry := range result.Entries {
		amount, _ := entry.Amount.Float64()
		d.metrics.RecordEntry(entry.Tier, amount)
	}
	span.SetAttributes(
		attribute.String("stop", string(result.Stop)),
		attribute.Int("entries", len(result.Entries)),
	)
	if result.Stop == StopTierFailure {
		d.logger.WarnContext(ctx, "commission chain stopped on tier failure",
			slog.String("transaction_id", trig.TransactionID),
			slog.String("purchase_id", result.PurchaseID.String()),
			slog.Int("tier", result.FailedTier),
			slog.Any("error", result.TierErr))
	}
	d.logger.InfoContext(ctx, "commission distributed",
		slog.String("transaction_id", trig.TransactionID),
		slog.String("purchase_id", result.PurchaseID.String()),
		logging.Participant("purchaser_id", purchaserID, d.redact),
		slog.String("stop", string(result.Stop)),
		slog.Int("entries", len(result.Entries)),
		slog.String("total", result.Total().StringFixed(CurrencyPlaces)))
	return result, nil
}

// walk follows upstream edges from the purchaser for at most MaxTiers hops.
func (d *Distributor) walk(ctx context.Context, purchaserID string) chain {
	current := purchaserID
	links := make([]link, 0, d.schedule.MaxTiers())
	for tier := 1; tier <= d.schedule.MaxTiers(); tier++ {
		edge, ok, err := d.graph.UpstreamEdge(ctx, current)
		if err != nil {
			return chain{links: links, stop: StopTierFailure, failedTier: tier, err: err}
		}
		if !ok {
			return chain{links: links, stop: StopChainExhausted}
		}
		if edge.Expired {
			return chain{links: links, stop: StopEdgeExpired}
		}
		referrer := strings.TrimSpace(edge.ReferrerID)
		if referrer == "" {
			return chain{links: links, stop: StopTierFailure, failedTier: tier,
				err: fmt.Errorf("commission: edge for %s has no referrer", current)}
		}
		edge.ReferrerID = referrer
		links = append(links, link{tier: tier, edge: edge})
		current = referrer
	}
	return chain{links: links, stop: StopTierLimit}
}

// persistEntries writes one entry per walked tier. Each insert runs in a
// savepoint so a failing tier ends the walk without aborting the unit.
func (d *Distributor) persistEntries(tx *gorm.DB, purchase *models.Purchase, walk chain, result *Result) {
	now := d.now().UTC()
	for _, l := range walk.links {
		amount := d.schedule.Commission(purchase.Amount, l.tier)
		if !amount.IsPositive() {
			continue
		}
		entry := models.CommissionEntry{
			ID:         uuid.New(),
			PayerID:    purchase.PurchaserID,
			ReceiverID: l.edge.ReferrerID,
			PurchaseID: purchase.ID,
			Amount:     amount,
			Tier:       l.tier,
			CreatedAt:  now,
		}
		if err := tx.Transaction(func(sp *gorm.DB) error {
			return sp.Create(&entry).Error
		}); err != nil {
			result.Stop = StopTierFailure
			result.FailedTier = l.tier
			result.TierErr = err
			return
		}
		result.Entries = append(result.Entries, entry)
	}
}

func lockOrCreatePurchase(tx *gorm.DB, trig Trigger, now time.Time) (*models.Purchase, error) {
	candidate := models.Purchase{
		ID:              uuid.New(),
		PurchaserID:     trig.PurchaserID,
		Amount:          trig.Amount.RoundBank(CurrencyPlaces),
		SourceReference: trig.TransactionID,
		CreatedAt:       now,
	}
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "source_reference"}},
		DoNothing: true,
	}).Create(&candidate).Error; err != nil {
		return nil, err
	}
	var purchase models.Purchase
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&purchase, "source_reference = ?", trig.TransactionID).Error; err != nil {
		return nil, err
	}
	return &purchase, nil
}

// PurchaseByReference loads the purchase for an external transaction together with its entries.
func (d *Distributor) PurchaseByReference(ctx context.Context, reference string) (*models.Purchase, error) {
	var purchase models.Purchase
	err := d.db.WithContext(ctx).
		Preload("Commissions", func(db *gorm.DB) *gorm.DB { return db.Order("tier ASC") }).
		First(&purchase, "source_reference = ?", strings.TrimSpace(reference)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPurchaseNotFound
		}
		return nil, err
	}
	return &purchase, nil
}

// EntriesForPurchase lists the commission entries of a purchase ordered by tier.
func (d *Distributor) EntriesForPurchase(ctx context.Context, purchaseID uuid.UUID) ([]models.CommissionEntry, error) {
	var entries []models.CommissionEntry
	if err := d.db.WithContext(ctx).
		Where("purchase_id = ?", purchaseID).
		Order("tier ASC").
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}
