package engine

import (
	"context"
	"fmt"

	"subshop-bot/internal/models"

	"gorm.io/gorm"
)

// referralCreditTx awards the referrer for the account's first completed paid
// activation. Subsequent purchases by the same account never re-trigger it:
// the referral_paid flag is flipped in the same transaction as the credit.
// Self-referral cannot reach this point; it is rejected where the referrer
// link is attached.
func (e *Engine) referralCreditTx(tx *gorm.DB, account *models.Account, plan *models.Plan, purchaseKey string) (*models.LedgerEntry, error) {
	if account.ReferralPaid || account.ReferrerID == nil {
		return nil, nil
	}

	// the guarded flip is the arbiter: only the transaction that turns the
	// flag wins the right to credit. A concurrent purchase that already
	// flipped it matches zero rows here no matter what this transaction
	// read earlier.
	res := tx.Model(&models.Account{}).
		Where("id = ? AND referral_paid = ?", account.ID, false).
		Update("referral_paid", true)
	if res.Error != nil {
		return nil, storageErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	account.ReferralPaid = true

	amount := plan.Price * int64(e.policy.ReferralPercent) / 100
	if amount == 0 {
		return nil, nil
	}
	entry, err := creditTx(tx, *account.ReferrerID, amount, models.EntryReferralCredit,
		purchaseKey+":ref", fmt.Sprintf("account:%d", account.ID))
	if err != nil {
		return nil, err
	}
	return entry, nil
}

type ReferralStats struct {
	Invited     int64
	TotalEarned int64
}

// ReferralStatsOf feeds the partner screen: how many accounts this one
// invited and how much referral commission it has been paid.
func (e *Engine) ReferralStatsOf(ctx context.Context, accountID uint) (*ReferralStats, error) {
	var stats ReferralStats

	err := e.db.WithContext(ctx).Model(&models.Account{}).
		Where("referrer_id = ?", accountID).
		Count(&stats.Invited).Error
	if err != nil {
		return nil, storageErr(err)
	}

	err = e.db.WithContext(ctx).Model(&models.LedgerEntry{}).
		Where("account_id = ? AND kind = ?", accountID, models.EntryReferralCredit).
		Select("COALESCE(SUM(delta), 0)").
		Scan(&stats.TotalEarned).Error
	if err != nil {
		return nil, storageErr(err)
	}
	return &stats, nil
}
