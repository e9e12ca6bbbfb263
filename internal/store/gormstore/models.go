package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Wallet represents the wallets table. One row per user, created lazily.
type Wallet struct {
	UserID    string    `gorm:"primaryKey"`
	Balance   int64     `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Wallet) TableName() string { return "wallets" }

// PointsTransaction mirrors the points_transactions table. The unique
// (user_id, kind, reference_id) index enforces idempotency.
type PointsTransaction struct {
	TransactionID    string         `gorm:"type:uuid;primaryKey"`
	UserID           string         `gorm:"not null;index:idx_points_tx_user_created,priority:1;index:uniq_points_tx_reference,unique,priority:1"`
	Kind             string         `gorm:"not null;index:uniq_points_tx_reference,unique,priority:2"`
	Amount           int64          `gorm:"not null"`
	ResultingBalance int64          `gorm:"not null"`
	ReferenceID      string         `gorm:"not null;index:uniq_points_tx_reference,unique,priority:3"`
	Metadata         datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt        time.Time      `gorm:"not null;index:idx_points_tx_user_created,priority:2"`
}

func (PointsTransaction) TableName() string { return "points_transactions" }

func (transaction *PointsTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// ReferralCode mirrors the referral_codes table.
type ReferralCode struct {
	Code            string     `gorm:"primaryKey;size:16"`
	ReferrerID      string     `gorm:"not null;index:uniq_referral_codes_referrer,unique"`
	ClaimedByUserID *string    `gorm:"index"`
	ClaimedAt       *time.Time `gorm:""`
	CreatedAt       time.Time  `gorm:"not null"`
}

func (ReferralCode) TableName() string { return "referral_codes" }

// ReferralLink mirrors the referral_links table. The primary key on the
// referred user caps each user at one referrer.
type ReferralLink struct {
	ReferredUserID string    `gorm:"primaryKey"`
	ReferrerID     string    `gorm:"not null;index"`
	CreatedAt      time.Time `gorm:"not null"`
}

func (ReferralLink) TableName() string { return "referral_links" }

// FirstTransactionFlag mirrors the first_transaction_flags table.
type FirstTransactionFlag struct {
	UserID      string    `gorm:"primaryKey"`
	CompletedAt time.Time `gorm:"not null"`
}

func (FirstTransactionFlag) TableName() string { return "first_transaction_flags" }

// PendingBonusEvent mirrors the pending_bonus_events table backing the
// reconciliation sweep.
type PendingBonusEvent struct {
	ReferredUserID string    `gorm:"primaryKey"`
	ReferenceID    string    `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null"`
}

func (PendingBonusEvent) TableName() string { return "pending_bonus_events" }

// Models lists every table for schema migration.
func Models() []any {
	return []any{
		&Wallet{},
		&PointsTransaction{},
		&ReferralCode{},
		&ReferralLink{},
		&FirstTransactionFlag{},
		&PendingBonusEvent{},
	}
}
