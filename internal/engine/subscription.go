package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"subshop-bot/internal/models"

	"gorm.io/gorm"
)

// activateTx creates or extends the account's subscription after a paid
// purchase. At most one non-terminal subscription row exists per account;
// renewal policy decides whether a live one is extended or restarted.
func (e *Engine) activateTx(tx *gorm.DB, accountID uint, plan *models.Plan, purchaseRef string, now time.Time) (*models.Subscription, error) {
	duration := plan.Duration()

	var sub models.Subscription
	err := tx.Where("account_id = ? AND status IN ?", accountID,
		[]string{models.SubscriptionActive, models.SubscriptionPendingPayment}).
		Order("CASE WHEN status = 'active' THEN 0 ELSE 1 END, id DESC").
		First(&sub).Error

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		sub = models.Subscription{
			AccountID:   accountID,
			PlanID:      plan.ID,
			Status:      models.SubscriptionActive,
			StartsAt:    now,
			ExpiresAt:   now.Add(duration),
			PurchaseRef: purchaseRef,
		}
		if err := tx.Create(&sub).Error; err != nil {
			return nil, storageErr(err)
		}
	case err != nil:
		return nil, storageErr(err)
	default:
		if sub.Status == models.SubscriptionActive && sub.EffectiveStatus(now) == models.SubscriptionActive && e.policy.RenewalExtends {
			sub.ExpiresAt = sub.ExpiresAt.Add(duration)
		} else {
			sub.Status = models.SubscriptionActive
			sub.StartsAt = now
			sub.ExpiresAt = now.Add(duration)
		}
		sub.PlanID = plan.ID
		sub.PurchaseRef = purchaseRef
		if err := tx.Save(&sub).Error; err != nil {
			return nil, storageErr(err)
		}
	}

	// a pending_payment row consumed by this purchase must not linger
	err = tx.Model(&models.Subscription{}).
		Where("account_id = ? AND status = ? AND purchase_ref = ? AND id <> ?",
			accountID, models.SubscriptionPendingPayment, purchaseRef, sub.ID).
		Updates(map[string]any{"status": models.SubscriptionCancelled, "cancel_reason": "superseded by paid activation"}).Error
	if err != nil {
		return nil, storageErr(err)
	}

	if sub.DeliveryURL == "" {
		if err := popDeliveryLinkTx(tx, &sub, now); err != nil {
			return nil, err
		}
	}
	return &sub, nil
}

// SubscriptionOf returns the account's latest subscription with its status
// derived against wall-clock time.
func (e *Engine) SubscriptionOf(ctx context.Context, accountID uint) (*models.Subscription, error) {
	var sub models.Subscription
	err := e.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("CASE WHEN status IN ('active','pending_payment') THEN 0 ELSE 1 END, id DESC").
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("subscription for account %d: %w", accountID, ErrNotFound)
	}
	if err != nil {
		return nil, storageErr(err)
	}
	sub.Status = sub.EffectiveStatus(e.now())
	return &sub, nil
}

// CancelSubscription is the admin action: unconditional, no automatic refund.
func (e *Engine) CancelSubscription(ctx context.Context, subID uint, reason string) (*models.Subscription, error) {
	var sub models.Subscription
	err := e.inTx(ctx, func(tx *gorm.DB) error {
		if err := tx.First(&sub, subID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("subscription %d: %w", subID, ErrNotFound)
			}
			return storageErr(err)
		}
		sub.Status = models.SubscriptionCancelled
		sub.CancelReason = reason
		if err := tx.Save(&sub).Error; err != nil {
			return storageErr(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// ExtendSubscription adds time to a subscription without a charge, e.g. as an
// admin goodwill gesture.
func (e *Engine) ExtendSubscription(ctx context.Context, subID uint, d time.Duration) (*models.Subscription, error) {
	var sub models.Subscription
	err := e.inTx(ctx, func(tx *gorm.DB) error {
		if err := tx.First(&sub, subID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("subscription %d: %w", subID, ErrNotFound)
			}
			return storageErr(err)
		}
		now := e.now()
		base := sub.ExpiresAt
		if base.Before(now) {
			base = now
		}
		sub.ExpiresAt = base.Add(d)
		sub.Status = models.SubscriptionActive
		if err := tx.Save(&sub).Error; err != nil {
			return storageErr(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

type SweepReport struct {
	Expired   int64
	Cancelled int64
}

// Sweep persists the states reads already derive: active subscriptions past
// their end become expired, pending_payment ones past the payment window
// become cancelled. Safe to run redundantly.
func (e *Engine) Sweep(ctx context.Context) (SweepReport, error) {
	now := e.now()
	var report SweepReport

	res := e.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("status = ? AND expires_at <= ?", models.SubscriptionActive, now).
		Update("status", models.SubscriptionExpired)
	if res.Error != nil {
		return report, storageErr(res.Error)
	}
	report.Expired = res.RowsAffected

	cutoff := now.Add(-e.policy.PendingPaymentTTL)
	res = e.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("status = ? AND created_at <= ?", models.SubscriptionPendingPayment, cutoff).
		Updates(map[string]any{"status": models.SubscriptionCancelled, "cancel_reason": "payment window elapsed"})
	if res.Error != nil {
		return report, storageErr(res.Error)
	}
	report.Cancelled = res.RowsAffected

	return report, nil
}

// ExpiringBetween lists active subscriptions ending inside the window, for
// the reminder worker.
func (e *Engine) ExpiringBetween(ctx context.Context, from, to time.Time) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := e.db.WithContext(ctx).Preload("Account").
		Where("status = ? AND expires_at BETWEEN ? AND ?", models.SubscriptionActive, from, to).
		Find(&subs).Error
	if err != nil {
		return nil, storageErr(err)
	}
	return subs, nil
}

// ExpiredSince lists subscriptions that ended after the cutoff, whether or
// not the sweep has persisted the transition yet.
func (e *Engine) ExpiredSince(ctx context.Context, cutoff time.Time) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := e.db.WithContext(ctx).Preload("Account").
		Where("status IN ? AND expires_at > ? AND expires_at <= ?",
			[]string{models.SubscriptionActive, models.SubscriptionExpired}, cutoff, e.now()).
		Find(&subs).Error
	if err != nil {
		return nil, storageErr(err)
	}
	return subs, nil
}
