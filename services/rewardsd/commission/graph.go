package commission

import (
	"context"
	"time"
)

// Edge is a participant's single upstream referral link.
type Edge struct {
	RefereeID  string
	ReferrerID string
	CreatedAt  time.Time
	Expired    bool
}

// Graph exposes the read-only referral graph owned by the referral system.
// UpstreamEdge reports false when the participant has no referrer.
type Graph interface {
	UpstreamEdge(ctx context.Context, participantID string) (Edge, bool, error)
}

// GraphFunc adapts a function to the Graph interface.
type GraphFunc func(ctx context.Context, participantID string) (Edge, bool, error)

// UpstreamEdge implements Graph.
func (f GraphFunc) UpstreamEdge(ctx context.Context, participantID string) (Edge, bool, error) {
	return f(ctx, participantID)
}
