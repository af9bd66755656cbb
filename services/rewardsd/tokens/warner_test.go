package tokens

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu       sync.Mutex
	warnings []Warning
	err      error
}

func (n *recordingNotifier) NotifyExpiry(_ context.Context, warning Warning) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.warnings = append(n.warnings, warning)
	return nil
}

func TestWarnerSendsOncePerDay(t *testing.T) {
	manager, _, clock := newTestManager(t)
	ctx := context.Background()
	// Gray tier batches expire in exactly three days.
	batch, err := manager.CreateBatch(ctx, BatchRequest{OwnerID: "owner-1", Count: 40, Tier: TierGray})
	require.NoError(t, err)
	_, err = manager.CreateBatch(ctx, BatchRequest{OwnerID: "owner-2", Count: 80, Tier: TierGold, HasRecentSale: true})
	require.NoError(t, err)

	notifier := &recordingNotifier{}
	warner := NewWarner(manager, notifier, nil)

	result, err := warner.Run(ctx, clock.Now())
	require.NoError(t, err)
	require.Equal(t, 1, result.Sent)
	require.Len(t, notifier.warnings, 1)
	first := notifier.warnings[0]
	require.Equal(t, batch.ID, first.BatchID)
	require.Equal(t, 3, first.DaysLeft)
	require.Equal(t, "You have 40 tokens expiring in 3 days.", first.Message)
	require.Equal(t, Bar(3), first.Bar)

	result, err = warner.Run(ctx, clock.Now())
	require.NoError(t, err)
	require.Zero(t, result.Sent)

	clock.Advance(30 * time.Hour)
	result, err = warner.Run(ctx, clock.Now())
	require.NoError(t, err)
	require.Equal(t, 1, result.Sent)
	require.Equal(t, 1, notifier.warnings[1].DaysLeft)
}

func TestWarnerRetriesFailedDelivery(t *testing.T) {
	manager, _, clock := newTestManager(t)
	ctx := context.Background()
	_, err := manager.CreateBatch(ctx, BatchRequest{OwnerID: "owner-1", Count: 12, Tier: TierWhite})
	require.NoError(t, err)

	notifier := &recordingNotifier{err: errors.New("smtp down")}
	warner := NewWarner(manager, notifier, nil)

	result, err := warner.Run(ctx, clock.Now())
	require.NoError(t, err)
	require.Equal(t, 1, result.Failed)

	notifier.err = nil
	result, err = warner.Run(ctx, clock.Now())
	require.NoError(t, err)
	require.Equal(t, 1, result.Sent)
}

func TestWarnerRequiresNotifier(t *testing.T) {
	manager, _, clock := newTestManager(t)
	_, err := NewWarner(manager, nil, nil).Run(context.Background(), clock.Now())
	require.Error(t, err)
}
