package rewardsd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"rewardledger/services/rewardsd/redistribution"
)

// MetricsSource supplies per-owner performance for a redistribution period.
// The reporting system that computes tiers and commissions is external.
type MetricsSource interface {
	PeriodMetrics(ctx context.Context, period string) ([]redistribution.PeriodMetric, error)
}

// MetricsSourceFunc adapts a function into a MetricsSource.
type MetricsSourceFunc func(ctx context.Context, period string) ([]redistribution.PeriodMetric, error)

// PeriodMetrics implements MetricsSource.
func (f MetricsSourceFunc) PeriodMetrics(ctx context.Context, period string) ([]redistribution.PeriodMetric, error) {
	return f(ctx, period)
}

type snapshotFile struct {
	Period  string                        `json:"period"`
	Metrics []redistribution.PeriodMetric `json:"metrics"`
}

// SnapshotSource reads metrics from a JSON file dropped by the reporting
// system. A missing file yields no metrics; a snapshot for another period is
// rejected so stale data is never awarded twice under a new label.
type SnapshotSource struct {
	Path string
}

// PeriodMetrics implements MetricsSource.
func (s SnapshotSource) PeriodMetrics(_ context.Context, period string) ([]redistribution.PeriodMetric, error) {
	if strings.TrimSpace(s.Path) == "" {
		return nil, nil
	}
	contents, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read metrics snapshot: %w", err)
	}
	var snapshot snapshotFile
	if err := json.Unmarshal(contents, &snapshot); err != nil {
		return nil, fmt.Errorf("decode metrics snapshot: %w", err)
	}
	if snapshot.Period != "" && snapshot.Period != period {
		return nil, fmt.Errorf("metrics snapshot is for period %s, want %s", snapshot.Period, period)
	}
	return snapshot.Metrics, nil
}
