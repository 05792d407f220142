package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"subshop-bot/internal/models"

	"gorm.io/gorm"
)

type CodeSpec struct {
	Code          string
	OwnerID       *uint
	Kind          models.CodeKind
	RemainingUses *int // nil = unlimited
	BonusAmount   int64
	ExpiresAt     *time.Time
}

// CreateCode issues a redeemable code. Codes are unique; issuing a duplicate
// is an error, not an upsert.
func (e *Engine) CreateCode(ctx context.Context, spec CodeSpec) (*models.RedeemableCode, error) {
	if spec.Code == "" {
		return nil, fmt.Errorf("code must not be empty")
	}
	code := &models.RedeemableCode{
		Code:          spec.Code,
		OwnerID:       spec.OwnerID,
		Kind:          spec.Kind,
		RemainingUses: spec.RemainingUses,
		BonusAmount:   spec.BonusAmount,
		ExpiresAt:     spec.ExpiresAt,
		Active:        true,
	}
	err := e.db.WithContext(ctx).Create(code).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, fmt.Errorf("code %q already exists", spec.Code)
	}
	if err != nil {
		return nil, storageErr(err)
	}
	return code, nil
}

// Redeem consumes one use of a code for the account. The remaining-uses
// decrement and the redemption insert share the transaction, so two
// concurrent redemptions can never both succeed past the limit.
func (e *Engine) Redeem(ctx context.Context, accountID uint, code string) (*models.Redemption, error) {
	var record *models.Redemption
	err := e.inTx(ctx, func(tx *gorm.DB) error {
		now := e.now()

		var c models.RedeemableCode
		err := tx.Where("code = ? AND active = ?", code, true).First(&c).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("code %q: %w", code, ErrNotFound)
		}
		if err != nil {
			return storageErr(err)
		}
		if c.ExpiresAt != nil && !c.ExpiresAt.After(now) {
			return fmt.Errorf("code %q: %w", code, ErrExpired)
		}

		var existing models.Redemption
		err = tx.Where("code_id = ? AND account_id = ?", c.ID, accountID).First(&existing).Error
		if err == nil {
			return fmt.Errorf("code %q: %w", code, ErrAlreadyRedeemed)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return storageErr(err)
		}

		if c.RemainingUses != nil {
			res := tx.Model(&models.RedeemableCode{}).
				Where("id = ? AND remaining_uses > 0", c.ID).
				Update("remaining_uses", gorm.Expr("remaining_uses - 1"))
			if res.Error != nil {
				return storageErr(res.Error)
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("code %q: %w", code, ErrExhausted)
			}
		}

		record = &models.Redemption{CodeID: c.ID, AccountID: accountID, RedeemedAt: now}
		if err := tx.Create(record).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				// concurrent redemption by the same account; the retry
				// reports ErrAlreadyRedeemed
				return ErrConcurrentConflict
			}
			return storageErr(err)
		}

		if c.Kind == models.CodeKindReferral && c.OwnerID != nil && *c.OwnerID != accountID {
			// attach the referrer exactly once; a later referral code is a
			// successful no-op
			err := tx.Model(&models.Account{}).
				Where("id = ? AND referrer_id IS NULL", accountID).
				Update("referrer_id", *c.OwnerID).Error
			if err != nil {
				return storageErr(err)
			}
		}

		if c.Kind == models.CodeKindPromo && c.BonusAmount > 0 {
			key := fmt.Sprintf("redeem:%s:%d", c.Code, accountID)
			if _, err := creditTx(tx, accountID, c.BonusAmount, models.EntryAdminAdjustment, key, "code:"+c.Code); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (e *Engine) CodeByValue(ctx context.Context, code string) (*models.RedeemableCode, error) {
	var c models.RedeemableCode
	err := e.db.WithContext(ctx).Where("code = ?", code).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("code %q: %w", code, ErrNotFound)
	}
	if err != nil {
		return nil, storageErr(err)
	}
	return &c, nil
}

// DeactivateCode retires a code; further redemptions see ErrNotFound.
func (e *Engine) DeactivateCode(ctx context.Context, code string) error {
	res := e.db.WithContext(ctx).Model(&models.RedeemableCode{}).
		Where("code = ?", code).Update("active", false)
	if res.Error != nil {
		return storageErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("code %q: %w", code, ErrNotFound)
	}
	return nil
}
