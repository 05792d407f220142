package models

import (
	"time"
)

const (
	SubscriptionPendingPayment = "pending_payment"
	SubscriptionActive         = "active"
	SubscriptionExpired        = "expired"
	SubscriptionCancelled      = "cancelled"
)

type Subscription struct {
	ID           uint    `gorm:"primaryKey"`
	AccountID    uint    `gorm:"not null;index"`
	Account      Account `gorm:"constraint:OnUpdate:CASCADE,OnDelete:SET NULL;"`
	PlanID       uint    `gorm:"not null;index"`
	Status       string  `gorm:"size:32;not null;default:'pending_payment'"`
	StartsAt     time.Time
	ExpiresAt    time.Time `gorm:"index"`
	PurchaseRef  string    `gorm:"size:255;index"` // key of the purchase that created/last extended it
	DeliveryURL  string    `gorm:"size:512"`       // subscription link handed out on activation
	CancelReason string    `gorm:"size:255"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// EffectiveStatus derives the status against wall-clock time. The stored
// status is a cache kept fresh by the periodic sweep; reads must not depend
// on the sweep having run.
func (s *Subscription) EffectiveStatus(now time.Time) string {
	if s.Status == SubscriptionActive && !s.ExpiresAt.After(now) {
		return SubscriptionExpired
	}
	return s.Status
}
