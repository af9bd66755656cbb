package tokens

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"rewardledger/observability"
)

// warningWindow covers the "expiring in 3 days" notice down to "expires today".
const warningWindow = 4 * 24 * time.Hour

// Warning is an upcoming-expiry notice for one batch.
type Warning struct {
	OwnerID   string    `json:"owner_id"`
	BatchID   uuid.UUID `json:"batch_id"`
	Count     int       `json:"count"`
	DaysLeft  int       `json:"days_left"`
	ExpiresAt time.Time `json:"expires_at"`
	Message   string    `json:"message"`
	Bar       string    `json:"bar"`
}

// Notifier delivers expiry warnings to the participant-facing channel.
type Notifier interface {
	NotifyExpiry(ctx context.Context, warning Warning) error
}

// WarnResult summarises one warning pass.
type WarnResult struct {
	Sent   int
	Failed int
}

// Warner notifies owners about batches close to expiry. A batch is warned at
// most once per days-left value for the lifetime of the process.
type Warner struct {
	manager  *Manager
	notifier Notifier
	logger   *slog.Logger
	metrics  *observability.TokenMetrics

	mu   sync.Mutex
	sent map[string]time.Time
}

// NewWarner constructs a warner over the manager's batches.
func NewWarner(manager *Manager, notifier Notifier, logger *slog.Logger) *Warner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Warner{
		manager:  manager,
		notifier: notifier,
		logger:   logger,
		metrics:  observability.Tokens(),
		sent:     make(map[string]time.Time),
	}
}

// Run sends warnings for active batches expiring within the warning window.
func (w *Warner) Run(ctx context.Context, now time.Time) (WarnResult, error) {
	var result WarnResult
	if w == nil || w.manager == nil || w.notifier == nil {
		return result, fmt.Errorf("tokens: warner not configured")
	}
	now = now.UTC()
	batches, err := w.manager.ExpiringWithin(ctx, now, warningWindow)
	if err != nil {
		return result, err
	}
	w.prune(now)
	for _, batch := range batches {
		days := DaysLeft(batch, now)
		message, due := WarningMessage(batch.Count, days)
		if !due {
			continue
		}
		key := fmt.Sprintf("%s:%d", batch.ID, days)
		if w.alreadySent(key) {
			continue
		}
		warning := Warning{
			OwnerID:   batch.OwnerID,
			BatchID:   batch.ID,
			Count:     batch.Count,
			DaysLeft:  days,
			ExpiresAt: batch.ExpiresAt.UTC(),
			Message:   message,
			Bar:       Bar(days),
		}
		if err := w.notifier.NotifyExpiry(ctx, warning); err != nil {
			result.Failed++
			w.metrics.RecordFailure("warn")
			w.logger.WarnContext(ctx, "expiry warning failed",
				slog.String("batch_id", batch.ID.String()),
				slog.Any("error", err))
			continue
		}
		w.markSent(key, now)
		w.metrics.RecordWarning(days)
		result.Sent++
	}
	return result, nil
}

func (w *Warner) alreadySent(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.sent[key]
	return ok
}

func (w *Warner) markSent(key string, now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sent[key] = now
}

func (w *Warner) prune(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for key, at := range w.sent {
		if now.Sub(at) > 2*warningWindow {
			delete(w.sent, key)
		}
	}
}
