package engine

import (
	"context"
	"errors"
	"fmt"

	"subshop-bot/internal/models"

	"gorm.io/gorm"
)

// UpsertAccount finds or creates the account for a telegram user and makes
// sure its referral code (and the matching redeemable code row) exists.
func (e *Engine) UpsertAccount(ctx context.Context, telegramID int64, username string) (*models.Account, error) {
	var account models.Account
	err := e.inTx(ctx, func(tx *gorm.DB) error {
		if err := tx.Where(models.Account{TelegramID: telegramID}).
			FirstOrCreate(&account).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				// lost the insert race to a concurrent first contact; the
				// retry finds the row
				return ErrConcurrentConflict
			}
			return storageErr(err)
		}

		updates := map[string]any{}
		if account.ReferralCode == "" {
			account.ReferralCode = fmt.Sprintf("ref_%d", telegramID)
			updates["referral_code"] = account.ReferralCode
		}
		if username != "" && account.Username != username {
			account.Username = username
			updates["username"] = username
		}
		if len(updates) > 0 {
			if err := tx.Model(&account).Updates(updates).Error; err != nil {
				return storageErr(err)
			}
		}

		// every account owns an unlimited referral code other users redeem
		refCode := models.RedeemableCode{
			Code:    account.ReferralCode,
			OwnerID: &account.ID,
			Kind:    models.CodeKindReferral,
			Active:  true,
		}
		err := tx.Where(models.RedeemableCode{Code: account.ReferralCode}).
			FirstOrCreate(&refCode).Error
		if err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrConcurrentConflict
			}
			return storageErr(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (e *Engine) AccountByID(ctx context.Context, id uint) (*models.Account, error) {
	var account models.Account
	err := e.db.WithContext(ctx).First(&account, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("account %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, storageErr(err)
	}
	return &account, nil
}

func (e *Engine) AccountByTelegramID(ctx context.Context, telegramID int64) (*models.Account, error) {
	var account models.Account
	err := e.db.WithContext(ctx).Where("telegram_id = ?", telegramID).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("telegram account %d: %w", telegramID, ErrNotFound)
	}
	if err != nil {
		return nil, storageErr(err)
	}
	return &account, nil
}

// ActivePlans lists what the shop currently sells, cheapest first.
func (e *Engine) ActivePlans(ctx context.Context) ([]models.Plan, error) {
	var plans []models.Plan
	err := e.db.WithContext(ctx).
		Where("active = ?", true).Order("price ASC").
		Find(&plans).Error
	if err != nil {
		return nil, storageErr(err)
	}
	return plans, nil
}

func (e *Engine) PlanByID(ctx context.Context, id uint) (*models.Plan, error) {
	var plan models.Plan
	err := e.db.WithContext(ctx).First(&plan, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("plan %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, storageErr(err)
	}
	return &plan, nil
}
