package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"subshop-bot/internal/models"

	"gorm.io/gorm"
)

// Payment purposes carried in gateway metadata.
const (
	PurposeTopUp = "balance_topup"
	PurposePlan  = "plan"
)

// PaymentConfirmed is the intent delivered by the payment webhook once the
// gateway has confirmed money movement. Ref (the gateway payment id) doubles
// as the idempotency key, which makes at-least-once webhook delivery safe.
type PaymentConfirmed struct {
	Ref       string
	AccountID uint
	Amount    int64 // minor units
	Purpose   string
	PlanID    uint
}

// PurchaseResult is what the ingestion layer renders after a successful buy.
type PurchaseResult struct {
	Subscription   *models.Subscription
	Debit          *models.LedgerEntry
	ReferralCredit *models.LedgerEntry // nil unless this was the qualifying purchase
}

// PaymentResult reports a confirmed payment back to the ingestion layer.
type PaymentResult struct {
	Deposit  *models.LedgerEntry
	Balance  int64
	Purchase *PurchaseResult // set for plan-purpose payments
	// PurchaseErr is set when a plan-purpose payment was credited to the
	// balance but the purchase itself could not complete (short amount,
	// plan retired). The deposit stands either way.
	PurchaseErr error
}

// buyTx is the whole purchase inside one transaction: plan check, debit,
// activation, delivery link, referral credit. Any failure rolls back all of
// it; money taken without a subscription granted is not an acceptable
// outcome.
func (e *Engine) buyTx(tx *gorm.DB, accountID, planID uint, key string, now time.Time) (*PurchaseResult, error) {
	if prior, applied, err := priorEntry(tx, key); err != nil {
		return nil, err
	} else if applied {
		return e.replayedPurchase(tx, prior)
	}

	var plan models.Plan
	if err := tx.First(&plan, planID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("plan %d: %w", planID, ErrNotFound)
		}
		return nil, storageErr(err)
	}
	if !plan.Active {
		return nil, fmt.Errorf("plan %q: %w", plan.Name, ErrPlanInactive)
	}

	var account models.Account
	if err := tx.First(&account, accountID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("account %d: %w", accountID, ErrNotFound)
		}
		return nil, storageErr(err)
	}

	ids := []uint{account.ID}
	if account.ReferrerID != nil && !account.ReferralPaid {
		ids = append(ids, *account.ReferrerID)
	}
	if err := lockAccounts(tx, ids...); err != nil {
		return nil, err
	}
	// the pre-lock read may be stale under read committed; re-read now that
	// the row is locked
	if err := tx.First(&account, accountID).Error; err != nil {
		return nil, storageErr(err)
	}

	debit, err := debitTx(tx, account.ID, plan.Price, models.EntryPurchaseDebit, key,
		fmt.Sprintf("plan:%d", plan.ID))
	if err != nil {
		return nil, err
	}

	if e.afterDebit != nil {
		if err := e.afterDebit(); err != nil {
			return nil, err
		}
	}

	sub, err := e.activateTx(tx, account.ID, &plan, key, now)
	if err != nil {
		return nil, err
	}
	if err := tx.Model(debit).Update("reference", fmt.Sprintf("subscription:%d", sub.ID)).Error; err != nil {
		return nil, storageErr(err)
	}

	refCredit, err := e.referralCreditTx(tx, &account, &plan, key)
	if err != nil {
		return nil, err
	}

	return &PurchaseResult{Subscription: sub, Debit: debit, ReferralCredit: refCredit}, nil
}

// replayedPurchase reconstructs the first attempt's result from its ledger
// entry so a retried buy returns it unchanged.
func (e *Engine) replayedPurchase(tx *gorm.DB, debit *models.LedgerEntry) (*PurchaseResult, error) {
	result := &PurchaseResult{Debit: debit}

	idStr, ok := strings.CutPrefix(debit.Reference, "subscription:")
	if !ok {
		return nil, fmt.Errorf("entry %q does not reference a subscription: %w", debit.IdempotencyKey, ErrNotFound)
	}
	subID, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("entry %q: bad subscription reference %q", debit.IdempotencyKey, debit.Reference)
	}
	var sub models.Subscription
	if err := tx.First(&sub, uint(subID)).Error; err != nil {
		return nil, storageErr(err)
	}
	result.Subscription = &sub

	var refCredit models.LedgerEntry
	err = tx.Where("idempotency_key = ?", debit.IdempotencyKey+":ref").First(&refCredit).Error
	if err == nil {
		result.ReferralCredit = &refCredit
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storageErr(err)
	}
	return result, nil
}

// Buy is the balance-funded purchase entry point. The caller supplies the
// idempotency key (a fresh UUID for interactive buys, the gateway ref for
// webhook-driven ones).
func (e *Engine) Buy(ctx context.Context, accountID, planID uint, key string) (*PurchaseResult, error) {
	var result *PurchaseResult
	err := e.inTx(ctx, func(tx *gorm.DB) error {
		var err error
		result, err = e.buyTx(tx, accountID, planID, key, e.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// BeginPurchase records intent to buy via the payment gateway: a
// pending_payment subscription bound to the gateway reference. No money
// moves; the sweep cancels it if confirmation never arrives.
func (e *Engine) BeginPurchase(ctx context.Context, accountID, planID uint, ref string) (*models.Subscription, error) {
	var sub models.Subscription
	err := e.inTx(ctx, func(tx *gorm.DB) error {
		var plan models.Plan
		if err := tx.First(&plan, planID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("plan %d: %w", planID, ErrNotFound)
			}
			return storageErr(err)
		}
		if !plan.Active {
			return fmt.Errorf("plan %q: %w", plan.Name, ErrPlanInactive)
		}

		err := tx.Where("account_id = ? AND purchase_ref = ? AND status = ?",
			accountID, ref, models.SubscriptionPendingPayment).First(&sub).Error
		if err == nil {
			return nil // repeated intent, same pending record
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return storageErr(err)
		}

		sub = models.Subscription{
			AccountID:   accountID,
			PlanID:      plan.ID,
			Status:      models.SubscriptionPendingPayment,
			PurchaseRef: ref,
		}
		if err := tx.Create(&sub).Error; err != nil {
			return storageErr(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// ConfirmPayment applies a confirmed gateway payment. The deposit credit
// commits in its own transaction first: whatever happens to the purchase
// step, confirmed money is never lost. For plan-purpose payments the
// purchase then runs in a second idempotent transaction; a business failure
// there (short amount, retired plan) is reported in PurchaseErr with the
// money left on the balance, while transient failures surface as errors so
// the gateway redelivers. Replays return the original outcome.
func (e *Engine) ConfirmPayment(ctx context.Context, p PaymentConfirmed) (*PaymentResult, error) {
	if p.Amount <= 0 {
		return nil, fmt.Errorf("payment %q: amount must be positive, got %d", p.Ref, p.Amount)
	}
	var result PaymentResult
	err := e.inTx(ctx, func(tx *gorm.DB) error {
		deposit, err := creditTx(tx, p.AccountID, p.Amount, models.EntryDeposit, p.Ref, "payment:"+p.Ref)
		if err != nil {
			return err
		}
		result.Deposit = deposit
		return nil
	})
	if err != nil {
		return nil, err
	}

	if p.Purpose == PurposePlan {
		purchase, err := e.finishPlanPurchase(ctx, p)
		switch {
		case errors.Is(err, ErrInsufficientFunds),
			errors.Is(err, ErrPlanInactive),
			errors.Is(err, ErrNotFound):
			result.PurchaseErr = err
		case err != nil:
			return nil, err
		default:
			result.Purchase = purchase
		}
	}

	balance, err := e.BalanceOf(ctx, p.AccountID)
	if err != nil {
		return nil, err
	}
	result.Balance = balance
	return &result, nil
}

// finishPlanPurchase completes the purchase half of a confirmed plan payment.
// The replay check comes before the pending-record lookup: the first delivery
// consumes the pending record, so a redelivered webhook can only be answered
// from the purchase's own ledger entry.
func (e *Engine) finishPlanPurchase(ctx context.Context, p PaymentConfirmed) (*PurchaseResult, error) {
	key := p.Ref + ":buy"
	var purchase *PurchaseResult
	err := e.inTx(ctx, func(tx *gorm.DB) error {
		if prior, applied, err := priorEntry(tx, key); err != nil {
			return err
		} else if applied {
			purchase, err = e.replayedPurchase(tx, prior)
			return err
		}

		planID := p.PlanID
		if planID == 0 {
			// invoice issued through BeginPurchase carries the plan on
			// the pending record
			var pending models.Subscription
			err := tx.Where("purchase_ref = ? AND status = ?", p.Ref, models.SubscriptionPendingPayment).
				First(&pending).Error
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return fmt.Errorf("pending purchase %q: %w", p.Ref, ErrNotFound)
				}
				return storageErr(err)
			}
			planID = pending.PlanID
		}

		var err error
		purchase, err = e.buyTx(tx, p.AccountID, planID, key, e.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	return purchase, nil
}

// AdminAdjust moves an account balance by hand, through the same guarded
// ledger path as everything else. Negative adjustments respect the
// non-negative balance invariant.
func (e *Engine) AdminAdjust(ctx context.Context, accountID uint, delta int64, reason, key string) (*models.LedgerEntry, error) {
	if delta == 0 {
		return nil, fmt.Errorf("adjustment delta must not be zero")
	}
	ref := "admin:" + reason
	if delta > 0 {
		return e.Credit(ctx, accountID, delta, models.EntryAdminAdjustment, key, ref)
	}
	return e.Debit(ctx, accountID, -delta, models.EntryAdminAdjustment, key, ref)
}
