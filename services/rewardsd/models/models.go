package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// BatchStatus represents a state in the token batch lifecycle.
type BatchStatus string

// All token batch states. Expired and used are terminal.
const (
	BatchActive  BatchStatus = "active"
	BatchExpired BatchStatus = "expired"
	BatchUsed    BatchStatus = "used"
)

// Purchase is materialised once per confirmed external transaction.
type Purchase struct {
	ID                    uuid.UUID       `gorm:"type:uuid;primaryKey"`
	PurchaserID           string          `gorm:"size:64;index;not null"`
	Amount                decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	SourceReference       string          `gorm:"size:128;uniqueIndex;not null"`
	CommissionDistributed bool            `gorm:"not null;default:false"`
	CreatedAt             time.Time
	Commissions           []CommissionEntry `gorm:"foreignKey:PurchaseID"`
}

// CommissionEntry records the amount owed to one upstream referrer for one tier of a purchase.
type CommissionEntry struct {
	ID         uuid.UUID       `gorm:"type:uuid;primaryKey"`
	PayerID    string          `gorm:"size:64;index;not null"`
	ReceiverID string          `gorm:"size:64;index;not null"`
	PurchaseID uuid.UUID       `gorm:"type:uuid;not null;uniqueIndex:idx_commission_purchase_tier,priority:1"`
	Amount     decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	Tier       int             `gorm:"not null;uniqueIndex:idx_commission_purchase_tier,priority:2"`
	CreatedAt  time.Time       `gorm:"index"`
}

// ReferralEdge links a referee to the single participant who referred them.
// The external referral system owns these rows; this service only reads them.
type ReferralEdge struct {
	RefereeID  string `gorm:"size:64;primaryKey"`
	ReferrerID string `gorm:"size:64;index;not null"`
	IsExpired  bool   `gorm:"not null;default:false"`
	CreatedAt  time.Time
}

// TokenBatch is a countable grant of reward tokens sharing one expiry.
type TokenBatch struct {
	ID        uuid.UUID   `gorm:"type:uuid;primaryKey"`
	OwnerID   string      `gorm:"size:64;index;not null"`
	Count     int         `gorm:"not null"`
	Tier      string      `gorm:"size:16"`
	Status    BatchStatus `gorm:"size:16;index;not null"`
	AwardKey  *string     `gorm:"size:160;uniqueIndex"`
	CreatedAt time.Time
	ExpiresAt time.Time `gorm:"index;not null"`
}

// ExpiryLogEntry is the audit trail row written when a batch expires.
type ExpiryLogEntry struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	BatchID   uuid.UUID `gorm:"type:uuid;uniqueIndex;not null"`
	OwnerID   string    `gorm:"size:64;index;not null"`
	Timestamp time.Time `gorm:"index;not null"`
	Reason    string    `gorm:"size:255"`
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Purchase{},
		&CommissionEntry{},
		&ReferralEdge{},
		&TokenBatch{},
		&ExpiryLogEntry{},
	)
}
