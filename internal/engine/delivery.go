package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"subshop-bot/internal/models"

	"gorm.io/gorm"
)

// popDeliveryLinkTx binds the oldest unused pool link to the subscription.
// An empty pool is not an error: the subscription stays active with delivery
// pending until the admin restocks. The guarded update keeps two concurrent
// activations from claiming the same link.
func popDeliveryLinkTx(tx *gorm.DB, sub *models.Subscription, now time.Time) error {
	var link models.DeliveryLink
	err := tx.Where("used = ?", false).Order("id ASC").First(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return storageErr(err)
	}

	res := tx.Model(&models.DeliveryLink{}).
		Where("id = ? AND used = ?", link.ID, false).
		Updates(map[string]any{
			"used":                    true,
			"used_by_account_id":      sub.AccountID,
			"used_by_subscription_id": sub.ID,
			"used_at":                 now,
		})
	if res.Error != nil {
		return storageErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConcurrentConflict
	}

	if err := tx.Model(sub).Update("delivery_url", link.URL).Error; err != nil {
		return storageErr(err)
	}
	sub.DeliveryURL = link.URL
	return nil
}

// AddDeliveryLinks loads links into the pool, skipping blanks and duplicates,
// and reports how many were actually inserted.
func (e *Engine) AddDeliveryLinks(ctx context.Context, links []string) (int, error) {
	inserted := 0
	for _, raw := range links {
		url := strings.TrimSpace(raw)
		if url == "" {
			continue
		}
		err := e.db.WithContext(ctx).Create(&models.DeliveryLink{URL: url}).Error
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			continue
		}
		if err != nil {
			return inserted, storageErr(err)
		}
		inserted++
	}
	return inserted, nil
}

func (e *Engine) DeliveryLinkCounts(ctx context.Context) (available, used int64, err error) {
	db := e.db.WithContext(ctx).Model(&models.DeliveryLink{})
	if err := db.Where("used = ?", false).Count(&available).Error; err != nil {
		return 0, 0, storageErr(err)
	}
	db = e.db.WithContext(ctx).Model(&models.DeliveryLink{})
	if err := db.Where("used = ?", true).Count(&used).Error; err != nil {
		return 0, 0, storageErr(err)
	}
	return available, used, nil
}

func (e *Engine) ListAvailableLinks(ctx context.Context, limit int) ([]models.DeliveryLink, error) {
	var links []models.DeliveryLink
	err := e.db.WithContext(ctx).
		Where("used = ?", false).Order("id ASC").Limit(limit).
		Find(&links).Error
	if err != nil {
		return nil, storageErr(err)
	}
	return links, nil
}

// DeleteDeliveryLink removes an unused link; used links are audit trail and
// stay.
func (e *Engine) DeleteDeliveryLink(ctx context.Context, id uint) error {
	res := e.db.WithContext(ctx).
		Where("id = ? AND used = ?", id, false).
		Delete(&models.DeliveryLink{})
	if res.Error != nil {
		return storageErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("delivery link %d: %w", id, ErrNotFound)
	}
	return nil
}

// PendingDeliveries lists active subscriptions still waiting for a link.
func (e *Engine) PendingDeliveries(ctx context.Context, limit int) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := e.db.WithContext(ctx).Preload("Account").
		Where("status = ? AND delivery_url = ''", models.SubscriptionActive).
		Order("id ASC").Limit(limit).
		Find(&subs).Error
	if err != nil {
		return nil, storageErr(err)
	}
	return subs, nil
}

// FulfillPending hands out pool links to subscriptions waiting for delivery,
// oldest first, until either runs out. Returns the subscriptions fulfilled in
// this pass so the caller can notify their owners.
func (e *Engine) FulfillPending(ctx context.Context) ([]models.Subscription, error) {
	var fulfilled []models.Subscription
	for {
		var sub models.Subscription
		err := e.inTx(ctx, func(tx *gorm.DB) error {
			err := tx.Preload("Account").
				Where("status = ? AND delivery_url = ''", models.SubscriptionActive).
				Order("id ASC").First(&sub).Error
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return fmt.Errorf("no pending deliveries: %w", ErrNotFound)
				}
				return storageErr(err)
			}
			return popDeliveryLinkTx(tx, &sub, e.now())
		})
		if errors.Is(err, ErrNotFound) {
			return fulfilled, nil
		}
		if err != nil {
			return fulfilled, err
		}
		if sub.DeliveryURL == "" {
			// pool is empty
			return fulfilled, nil
		}
		fulfilled = append(fulfilled, sub)
	}
}
