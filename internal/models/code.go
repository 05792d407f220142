package models

import (
	"time"
)

type CodeKind string

const (
	CodeKindReferral CodeKind = "referral"
	CodeKindPromo    CodeKind = "promo"
)

// RedeemableCode is a bounded-use invite or discount code. Referral codes are
// owned by the inviting account; promo codes are admin-issued and may carry a
// balance bonus.
type RedeemableCode struct {
	ID            uint     `gorm:"primaryKey"`
	Code          string   `gorm:"size:64;uniqueIndex;not null"`
	OwnerID       *uint    `gorm:"index"` // nil for admin-issued codes
	Kind          CodeKind `gorm:"size:16;not null"`
	RemainingUses *int     // nil = unlimited
	BonusAmount   int64    `gorm:"not null;default:0"` // minor units credited on redemption
	ExpiresAt     *time.Time
	Active        bool `gorm:"not null;default:true"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Redemption records that an account redeemed a code. The (code, account)
// pair is unique: one account can never redeem the same code twice.
type Redemption struct {
	ID         uint `gorm:"primaryKey"`
	CodeID     uint `gorm:"not null;uniqueIndex:idx_redemption_code_account"`
	AccountID  uint `gorm:"not null;uniqueIndex:idx_redemption_code_account"`
	RedeemedAt time.Time
}
