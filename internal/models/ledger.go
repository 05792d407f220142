package models

import (
	"time"
)

type EntryKind string

const (
	EntryDeposit         EntryKind = "deposit"
	EntryPurchaseDebit   EntryKind = "purchase_debit"
	EntryReferralCredit  EntryKind = "referral_credit"
	EntryAdminAdjustment EntryKind = "admin_adjustment"
	EntryRefund          EntryKind = "refund"
)

// LedgerEntry is an append-only record of one balance change. The sum of
// deltas for an account always equals the account's current balance.
type LedgerEntry struct {
	ID             uint      `gorm:"primaryKey"`
	AccountID      uint      `gorm:"not null;index"`
	Account        Account   `gorm:"constraint:OnUpdate:CASCADE,OnDelete:SET NULL;"`
	Delta          int64     `gorm:"not null"` // signed, minor units
	Kind           EntryKind `gorm:"size:32;not null"`
	IdempotencyKey string    `gorm:"size:255;not null;uniqueIndex"`
	Reference      string    `gorm:"size:255"` // related entity: subscription, code, payment ref
	CreatedAt      time.Time
}
