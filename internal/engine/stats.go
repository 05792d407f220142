package engine

import (
	"context"
	"time"

	"subshop-bot/internal/models"
)

// Stats is the admin dashboard snapshot.
type Stats struct {
	AccountsTotal     int64
	AccountsToday     int64
	ReferralsTotal    int64
	ReferralPaidTotal int64 // commission paid out, minor units
	PurchasesToday    int64
	RevenueToday      int64 // minor units
	PendingDeliveries int64
	LinksAvailable    int64
	LinksUsed         int64
}

func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	now := e.now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	var s Stats

	db := e.db.WithContext(ctx)
	if err := db.Model(&models.Account{}).Count(&s.AccountsTotal).Error; err != nil {
		return nil, storageErr(err)
	}
	if err := db.Model(&models.Account{}).
		Where("created_at >= ?", midnight).Count(&s.AccountsToday).Error; err != nil {
		return nil, storageErr(err)
	}
	if err := db.Model(&models.Account{}).
		Where("referrer_id IS NOT NULL").Count(&s.ReferralsTotal).Error; err != nil {
		return nil, storageErr(err)
	}
	if err := db.Model(&models.LedgerEntry{}).
		Where("kind = ?", models.EntryReferralCredit).
		Select("COALESCE(SUM(delta), 0)").Scan(&s.ReferralPaidTotal).Error; err != nil {
		return nil, storageErr(err)
	}
	if err := db.Model(&models.LedgerEntry{}).
		Where("kind = ? AND created_at >= ?", models.EntryPurchaseDebit, midnight).
		Count(&s.PurchasesToday).Error; err != nil {
		return nil, storageErr(err)
	}
	if err := db.Model(&models.LedgerEntry{}).
		Where("kind = ? AND created_at >= ?", models.EntryPurchaseDebit, midnight).
		Select("COALESCE(SUM(-delta), 0)").Scan(&s.RevenueToday).Error; err != nil {
		return nil, storageErr(err)
	}
	if err := db.Model(&models.Subscription{}).
		Where("status = ? AND delivery_url = ''", models.SubscriptionActive).
		Count(&s.PendingDeliveries).Error; err != nil {
		return nil, storageErr(err)
	}
	var err error
	s.LinksAvailable, s.LinksUsed, err = e.DeliveryLinkCounts(ctx)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
