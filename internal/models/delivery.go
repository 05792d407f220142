package models

import (
	"time"
)

// DeliveryLink is one preloaded subscription URL from the admin-managed pool.
// Activation pops the oldest unused link and binds it to the subscription.
type DeliveryLink struct {
	ID                   uint   `gorm:"primaryKey"`
	URL                  string `gorm:"size:512;uniqueIndex;not null"`
	Used                 bool   `gorm:"not null;default:false;index"`
	UsedByAccountID      *uint
	UsedBySubscriptionID *uint
	UsedAt               *time.Time
	CreatedAt            time.Time
}
