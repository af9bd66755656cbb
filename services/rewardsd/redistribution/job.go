package redistribution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"rewardledger/observability"
	"rewardledger/observability/logging"
	"rewardledger/services/rewardsd/models"
	"rewardledger/services/rewardsd/tokens"
)

// ErrInvalidPeriod is returned when a run is requested without a period label.
var ErrInvalidPeriod = errors.New("redistribution: period is required")

// PeriodMetric carries one owner's performance for the period being rewarded.
type PeriodMetric struct {
	OwnerID       string          `json:"owner_id"`
	Tier          string          `json:"tier"`
	HasRecentSale bool            `json:"has_recent_sale"`
	Commission    decimal.Decimal `json:"commission"`
}

// OwnerFailure records an owner whose award could not be granted.
type OwnerFailure struct {
	OwnerID string
	Err     error
}

// Summary reports the outcome of one redistribution run.
type Summary struct {
	Period   string
	Awarded  int
	Skipped  int
	Failed   int
	Tokens   int
	Failures []OwnerFailure
}

// BatchCreator grants token batches.
type BatchCreator interface {
	CreateBatch(ctx context.Context, req tokens.BatchRequest) (*models.TokenBatch, error)
}

type awardRule struct {
	tier  tokens.RewardTier
	floor decimal.Decimal
	count int
}

var awardTable = []awardRule{
	{tier: tokens.TierGold, floor: decimal.NewFromInt(1000), count: 100},
	{tier: tokens.TierSilver, floor: decimal.NewFromInt(500), count: 50},
	{tier: tokens.TierGreen, floor: decimal.NewFromInt(200), count: 20},
}

// AwardFor returns the number of tokens an owner earns for the period.
func AwardFor(tier tokens.RewardTier, commission decimal.Decimal) int {
	for _, rule := range awardTable {
		if rule.tier == tier && commission.GreaterThanOrEqual(rule.floor) {
			return rule.count
		}
	}
	return 0
}

// AwardKey identifies the award for one owner in one period.
func AwardKey(period, ownerID string) string {
	return period + ":" + ownerID
}

// Job grants performance awards from periodic metrics.
type Job struct {
	creator BatchCreator
	logger  *slog.Logger
	metrics *observability.TokenMetrics
	redact  bool
	now     func() time.Time
}

// Option customises the job.
type Option func(*Job)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(j *Job) { j.logger = logger }
}

// WithRedaction masks owner identifiers in log lines.
func WithRedaction(redact bool) Option {
	return func(j *Job) { j.redact = redact }
}

// WithClock sets the clock used for run timing.
func WithClock(clock func() time.Time) Option {
	return func(j *Job) { j.now = clock }
}

// NewJob constructs a redistribution job.
func NewJob(creator BatchCreator, opts ...Option) *Job {
	j := &Job{
		creator: creator,
		logger:  slog.Default(),
		metrics: observability.Tokens(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	if j.logger == nil {
		j.logger = slog.Default()
	}
	if j.now == nil {
		j.now = time.Now
	}
	return j
}

// Run evaluates every metric and grants the earned batches. An owner already
// awarded for the period is skipped, so re-running a period is safe. Failures
// for one owner never stop the others.
func (j *Job) Run(ctx context.Context, period string, metrics []PeriodMetric) (Summary, error) {
	period = strings.TrimSpace(period)
	summary := Summary{Period: period}
	if period == "" {
		return summary, ErrInvalidPeriod
	}
	if j == nil || j.creator == nil {
		return summary, fmt.Errorf("redistribution: job not configured")
	}
	started := j.now()

	for _, metric := range metrics {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		owner := strings.TrimSpace(metric.OwnerID)
		granted, err := j.award(ctx, period, owner, metric)
		switch {
		case errors.Is(err, tokens.ErrAlreadyAwarded):
			summary.Skipped++
			j.metrics.RecordAward("duplicate")
		case err != nil:
			summary.Failed++
			summary.Failures = append(summary.Failures, OwnerFailure{OwnerID: owner, Err: err})
			j.metrics.RecordAward("failed")
			j.logger.WarnContext(ctx, "redistribution award failed",
				slog.String("period", period),
				logging.Participant("owner_id", owner, j.redact),
				slog.Any("error", err))
		case granted == 0:
			summary.Skipped++
			j.metrics.RecordAward("ineligible")
		default:
			summary.Awarded++
			summary.Tokens += granted
			j.metrics.RecordAward("awarded")
		}
	}

	j.logger.InfoContext(ctx, "redistribution completed",
		slog.String("period", period),
		slog.Int("awarded", summary.Awarded),
		slog.Int("skipped", summary.Skipped),
		slog.Int("failed", summary.Failed),
		slog.Int("tokens", summary.Tokens),
		slog.Duration("elapsed", j.now().Sub(started)))
	return summary, nil
}

func (j *Job) award(ctx context.Context, period, owner string, metric PeriodMetric) (int, error) {
	if owner == "" {
		return 0, fmt.Errorf("%w: owner_id is required", tokens.ErrValidation)
	}
	tier, err := tokens.ParseRewardTier(metric.Tier)
	if err != nil {
		return 0, err
	}
	count := AwardFor(tier, metric.Commission)
	if count == 0 {
		return 0, nil
	}
	_, err = j.creator.CreateBatch(ctx, tokens.BatchRequest{
		OwnerID:       owner,
		Count:         count,
		Tier:          tier,
		HasRecentSale: metric.HasRecentSale,
		Commission:    metric.Commission,
		AwardKey:      AwardKey(period, owner),
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}
