package models

import (
	"time"
)

type Account struct {
	ID           uint   `gorm:"primaryKey"`
	TelegramID   int64  `gorm:"uniqueIndex;not null"`
	Username     string `gorm:"size:255"`
	Balance      int64  `gorm:"not null;default:0"` // minor currency units, never negative
	ReferrerID   *uint  `gorm:"index"`
	ReferralCode string `gorm:"size:32;uniqueIndex"`
	ReferralPaid bool   `gorm:"not null;default:false"` // referrer already credited for this account
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
