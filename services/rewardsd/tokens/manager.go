package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"rewardledger/observability"
	"rewardledger/observability/logging"
	"rewardledger/services/rewardsd/models"
)

var (
	// ErrAlreadyAwarded is returned when a batch with the same award key exists.
	ErrAlreadyAwarded = errors.New("tokens: award already granted")
	// ErrBatchNotActive is returned when a terminal batch is asked to transition again.
	ErrBatchNotActive = errors.New("tokens: batch not active")
	// ErrBatchNotFound indicates the supplied batch identifier was unknown.
	ErrBatchNotFound = errors.New("tokens: batch not found")
)

const sweepPageSize = 500

// BatchRequest describes a token grant.
type BatchRequest struct {
	OwnerID       string
	Count         int
	Tier          RewardTier
	HasRecentSale bool
	Commission    decimal.Decimal
	// AwardKey makes the grant idempotent when set: a second request with the
	// same key fails with ErrAlreadyAwarded.
	AwardKey string
}

// BatchFailure records a batch the sweep could not transition.
type BatchFailure struct {
	BatchID uuid.UUID
	Err     error
}

// SweepResult summarises one sweep run.
type SweepResult struct {
	Expired  []models.TokenBatch
	Skipped  int
	Failures []BatchFailure
}

// Manager owns token batch creation and the guarded status transitions.
type Manager struct {
	db      *gorm.DB
	now     func() time.Time
	logger  *slog.Logger
	metrics *observability.TokenMetrics
	redact  bool
}

// Option customises the manager instance.
type Option func(*Manager)

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.now = clock }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(metrics *observability.TokenMetrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithRedaction masks owner identifiers in log lines.
func WithRedaction(redact bool) Option {
	return func(m *Manager) { m.redact = redact }
}

// NewManager constructs a token manager backed by the provided database.
func NewManager(db *gorm.DB, opts ...Option) *Manager {
	m := &Manager{
		db:      db,
		now:     time.Now,
		logger:  slog.Default(),
		metrics: observability.Tokens(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Now returns the manager's current UTC time.
func (m *Manager) Now() time.Time {
	return m.now().UTC()
}

// CreateBatch grants an active batch whose expiry follows CalculateExpiryDays.
func (m *Manager) CreateBatch(ctx context.Context, req BatchRequest) (*models.TokenBatch, error) {
	if m == nil || m.db == nil {
		return nil, fmt.Errorf("tokens: manager not configured")
	}
	owner := strings.TrimSpace(req.OwnerID)
	if owner == "" {
		return nil, fmt.Errorf("%w: owner_id is required", ErrValidation)
	}
	if req.Count <= 0 {
		return nil, fmt.Errorf("%w: count must be positive", ErrValidation)
	}
	if !req.Tier.Valid() {
		return nil, fmt.Errorf("%w: unknown reward tier %q", ErrValidation, req.Tier)
	}
	if req.Commission.IsNegative() {
		return nil, fmt.Errorf("%w: commission must not be negative", ErrValidation)
	}

	days := CalculateExpiryDays(req.Count, req.Tier, req.HasRecentSale, req.Commission)
	now := m.Now()
	batch := models.TokenBatch{
		ID:        uuid.New(),
		OwnerID:   owner,
		Count:     req.Count,
		Tier:      req.Tier.String(),
		Status:    models.BatchActive,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(days) * 24 * time.Hour),
	}

	db := m.db.WithContext(ctx)
	if key := strings.TrimSpace(req.AwardKey); key != "" {
		batch.AwardKey = &key
		res := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "award_key"}},
			DoNothing: true,
		}).Create(&batch)
		if res.Error != nil {
			m.metrics.RecordFailure("create")
			return nil, fmt.Errorf("tokens: create batch: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil, ErrAlreadyAwarded
		}
	} else if err := db.Create(&batch).Error; err != nil {
		m.metrics.RecordFailure("create")
		return nil, fmt.Errorf("tokens: create batch: %w", err)
	}

	m.metrics.RecordCreated(batch.Tier)
	m.logger.InfoContext(ctx, "token batch created",
		slog.String("batch_id", batch.ID.String()),
		logging.Participant("owner_id", owner, m.redact),
		slog.Int("count", batch.Count),
		slog.String("tier", batch.Tier),
		slog.Int("expiry_days", days))
	return &batch, nil
}

// SweepExpired moves every active batch whose expiry is at or before now to
// expired and logs it. Each batch transitions in its own transaction behind a
// status check, so concurrent or repeated sweeps never expire or log a batch twice.
func (m *Manager) SweepExpired(ctx context.Context, now time.Time) (SweepResult, error) {
	var result SweepResult
	if m == nil || m.db == nil {
		return result, fmt.Errorf("tokens: manager not configured")
	}
	now = now.UTC()

	var page []models.TokenBatch
	err := m.db.WithContext(ctx).
		Where("status = ? AND expires_at <= ?", models.BatchActive, now).
		FindInBatches(&page, sweepPageSize, func(_ *gorm.DB, _ int) error {
			for _, batch := range page {
				transitioned, err := m.expireBatch(ctx, batch, now)
				switch {
				case err != nil:
					m.metrics.RecordFailure("sweep")
					result.Failures = append(result.Failures, BatchFailure{BatchID: batch.ID, Err: err})
					m.logger.WarnContext(ctx, "token batch expiry failed",
						slog.String("batch_id", batch.ID.String()),
						slog.Any("error", err))
				case transitioned:
					batch.Status = models.BatchExpired
					result.Expired = append(result.Expired, batch)
				default:
					result.Skipped++
				}
			}
			return nil
		}).Error
	if err != nil {
		return result, fmt.Errorf("tokens: load expired batches: %w", err)
	}

	m.metrics.RecordExpired(len(result.Expired))
	m.logger.InfoContext(ctx, "token sweep completed",
		slog.Time("as_of", now),
		slog.Int("expired", len(result.Expired)),
		slog.Int("skipped", result.Skipped),
		slog.Int("failed", len(result.Failures)))
	return result, nil
}

func (m *Manager) expireBatch(ctx context.Context, batch models.TokenBatch, now time.Time) (bool, error) {
	transitioned := false
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.TokenBatch{}).
			Where("id = ? AND status = ?", batch.ID, models.BatchActive).
			Update("status", models.BatchExpired)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		entry := models.ExpiryLogEntry{
			ID:        uuid.New(),
			BatchID:   batch.ID,
			OwnerID:   batch.OwnerID,
			Timestamp: now,
			Reason:    fmt.Sprintf("batch %s of %d tokens expired at %s", batch.ID, batch.Count, batch.ExpiresAt.UTC().Format(time.RFC3339)),
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "batch_id"}},
			DoNothing: true,
		}).Create(&entry).Error; err != nil {
			return err
		}
		transitioned = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return transitioned, nil
}

// MarkUsed moves an unexpired active batch to used.
func (m *Manager) MarkUsed(ctx context.Context, batchID uuid.UUID) error {
	if m == nil || m.db == nil {
		return fmt.Errorf("tokens: manager not configured")
	}
	db := m.db.WithContext(ctx)
	res := db.Model(&models.TokenBatch{}).
		Where("id = ? AND status = ? AND expires_at > ?", batchID, models.BatchActive, m.Now()).
		Update("status", models.BatchUsed)
	if res.Error != nil {
		m.metrics.RecordFailure("mark_used")
		return fmt.Errorf("tokens: mark used: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	var batch models.TokenBatch
	if err := db.First(&batch, "id = ?", batchID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrBatchNotFound
		}
		return fmt.Errorf("tokens: load batch: %w", err)
	}
	return ErrBatchNotActive
}

// ActiveBatches lists an owner's unexpired active batches, soonest expiry first.
func (m *Manager) ActiveBatches(ctx context.Context, ownerID string, now time.Time) ([]models.TokenBatch, error) {
	var batches []models.TokenBatch
	err := m.db.WithContext(ctx).
		Where("owner_id = ? AND status = ? AND expires_at > ?", strings.TrimSpace(ownerID), models.BatchActive, now.UTC()).
		Order("expires_at ASC").
		Find(&batches).Error
	if err != nil {
		return nil, fmt.Errorf("tokens: list active batches: %w", err)
	}
	return batches, nil
}

// ActiveBalance sums the tokens in an owner's unexpired active batches.
func (m *Manager) ActiveBalance(ctx context.Context, ownerID string, now time.Time) (int, error) {
	batches, err := m.ActiveBatches(ctx, ownerID, now)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, batch := range batches {
		total += batch.Count
	}
	return total, nil
}

// ExpiringWithin lists active batches that expire after now but within the window.
func (m *Manager) ExpiringWithin(ctx context.Context, now time.Time, window time.Duration) ([]models.TokenBatch, error) {
	now = now.UTC()
	var batches []models.TokenBatch
	err := m.db.WithContext(ctx).
		Where("status = ? AND expires_at > ? AND expires_at <= ?", models.BatchActive, now, now.Add(window)).
		Order("expires_at ASC").
		Find(&batches).Error
	if err != nil {
		return nil, fmt.Errorf("tokens: list expiring batches: %w", err)
	}
	return batches, nil
}
