package referral

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"rewardledger/services/rewardsd/commission"
	"rewardledger/services/rewardsd/models"
)

// Store reads referral edges from the table maintained by the referral system.
type Store struct {
	db *gorm.DB
}

// NewStore constructs a read-only referral graph over the provided database.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// UpstreamEdge returns the edge whose referee is the supplied participant.
func (s *Store) UpstreamEdge(ctx context.Context, participantID string) (commission.Edge, bool, error) {
	if s == nil || s.db == nil {
		return commission.Edge{}, false, fmt.Errorf("referral: store not configured")
	}
	participantID = strings.TrimSpace(participantID)
	if participantID == "" {
		return commission.Edge{}, false, nil
	}
	var row models.ReferralEdge
	if err := s.db.WithContext(ctx).First(&row, "referee_id = ?", participantID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return commission.Edge{}, false, nil
		}
		return commission.Edge{}, false, fmt.Errorf("referral: load edge for %s: %w", participantID, err)
	}
	return commission.Edge{
		RefereeID:  row.RefereeID,
		ReferrerID: row.ReferrerID,
		CreatedAt:  row.CreatedAt,
		Expired:    row.IsExpired,
	}, true, nil
}

var _ commission.Graph = (*Store)(nil)
