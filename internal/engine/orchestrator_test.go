package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"subshop-bot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The scenario from the drawing board: A (balance 0, referred by B) tops up
// 500, buys the 30-day plan for 500. A ends at zero with an active
// subscription, B gets the 15% commission exactly once.
func TestBuyWithReferral(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }

	referrer := newAccount(t, e)
	buyer := newAccount(t, e)
	require.NoError(t, e.db.Model(buyer).Update("referrer_id", referrer.ID).Error)
	plan := newPlan(t, e, "1 month", 500, 30)

	_, err := e.Credit(ctx, buyer.ID, 500, models.EntryDeposit, "key1", "payment:key1")
	require.NoError(t, err)

	result, err := e.Buy(ctx, buyer.ID, plan.ID, "key2")
	require.NoError(t, err)

	assert.EqualValues(t, 0, balance(t, e, buyer.ID))
	assert.Equal(t, models.SubscriptionActive, result.Subscription.Status)
	assert.True(t, result.Subscription.ExpiresAt.Equal(now.Add(30*24*time.Hour)))
	require.NotNil(t, result.ReferralCredit)
	assert.EqualValues(t, 75, result.ReferralCredit.Delta) // 15% of 500
	assert.EqualValues(t, 75, balance(t, e, referrer.ID))
	assert.Equal(t, balance(t, e, referrer.ID), entrySum(t, e, referrer.ID))
}

func TestReferralCreditExactlyOnce(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	referrer := newAccount(t, e)
	buyer := newAccount(t, e)
	require.NoError(t, e.db.Model(buyer).Update("referrer_id", referrer.ID).Error)
	plan := newPlan(t, e, "1 month", 500, 30)
	fund(t, e, buyer.ID, 2000)

	for _, key := range []string{"buy-1", "buy-2", "buy-3"} {
		_, err := e.Buy(ctx, buyer.ID, plan.ID, key)
		require.NoError(t, err)
	}

	var credits int64
	require.NoError(t, e.db.Model(&models.LedgerEntry{}).
		Where("account_id = ? AND kind = ?", referrer.ID, models.EntryReferralCredit).
		Count(&credits).Error)
	assert.EqualValues(t, 1, credits)
	assert.EqualValues(t, 75, balance(t, e, referrer.ID))
}

func TestBuyInsufficientFunds(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	buyer := newAccount(t, e)
	plan := newPlan(t, e, "1 month", 500, 30)
	fund(t, e, buyer.ID, 100)

	_, err := e.Buy(ctx, buyer.ID, plan.ID, "buy-1")
	require.ErrorIs(t, err, ErrInsufficientFunds)

	assert.EqualValues(t, 100, balance(t, e, buyer.ID))
	var subs int64
	require.NoError(t, e.db.Model(&models.Subscription{}).
		Where("account_id = ?", buyer.ID).Count(&subs).Error)
	assert.Zero(t, subs)
}

func TestBuyPlanInactive(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	buyer := newAccount(t, e)
	plan := newPlan(t, e, "retired", 500, 30)
	require.NoError(t, e.db.Model(plan).Update("active", false).Error)
	fund(t, e, buyer.ID, 1000)

	_, err := e.Buy(ctx, buyer.ID, plan.ID, "buy-1")
	require.ErrorIs(t, err, ErrPlanInactive)
	assert.EqualValues(t, 1000, balance(t, e, buyer.ID))
}

func TestBuyReplayReturnsFirstResult(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	buyer := newAccount(t, e)
	plan := newPlan(t, e, "1 month", 500, 30)
	fund(t, e, buyer.ID, 500)

	first, err := e.Buy(ctx, buyer.ID, plan.ID, "pay_1")
	require.NoError(t, err)
	second, err := e.Buy(ctx, buyer.ID, plan.ID, "pay_1")
	require.NoError(t, err)

	assert.Equal(t, first.Subscription.ID, second.Subscription.ID)
	assert.Equal(t, first.Debit.ID, second.Debit.ID)
	assert.True(t, first.Subscription.ExpiresAt.Equal(second.Subscription.ExpiresAt))
	assert.EqualValues(t, 0, balance(t, e, buyer.ID))

	var debits int64
	require.NoError(t, e.db.Model(&models.LedgerEntry{}).
		Where("idempotency_key = ?", "pay_1").Count(&debits).Error)
	assert.EqualValues(t, 1, debits)
}

func TestBuyAtomicityOnInjectedFailure(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	buyer := newAccount(t, e)
	plan := newPlan(t, e, "1 month", 500, 30)
	fund(t, e, buyer.ID, 500)

	boom := errors.New("boom")
	e.afterDebit = func() error { return boom }

	_, err := e.Buy(ctx, buyer.ID, plan.ID, "buy-1")
	require.ErrorIs(t, err, boom)

	// the debit rolled back with everything else
	assert.EqualValues(t, 500, balance(t, e, buyer.ID))
	assert.Equal(t, balance(t, e, buyer.ID), entrySum(t, e, buyer.ID))
	var subs int64
	require.NoError(t, e.db.Model(&models.Subscription{}).
		Where("account_id = ?", buyer.ID).Count(&subs).Error)
	assert.Zero(t, subs)

	// the same key applies cleanly afterwards
	e.afterDebit = nil
	_, err = e.Buy(ctx, buyer.ID, plan.ID, "buy-1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, balance(t, e, buyer.ID))
}

func TestRenewalExtendsCurrentEnd(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }

	buyer := newAccount(t, e)
	plan := newPlan(t, e, "1 month", 500, 30)
	fund(t, e, buyer.ID, 1000)

	first, err := e.Buy(ctx, buyer.ID, plan.ID, "buy-1")
	require.NoError(t, err)

	// a week later the renewal keeps the remaining paid time
	e.now = func() time.Time { return now.Add(7 * 24 * time.Hour) }
	second, err := e.Buy(ctx, buyer.ID, plan.ID, "buy-2")
	require.NoError(t, err)

	assert.Equal(t, first.Subscription.ID, second.Subscription.ID)
	assert.True(t, second.Subscription.ExpiresAt.Equal(now.Add(60*24*time.Hour)))
}

func TestRenewalOverwritePolicy(t *testing.T) {
	e := newTestEngine(t)
	e.policy.RenewalExtends = false
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }

	buyer := newAccount(t, e)
	plan := newPlan(t, e, "1 month", 500, 30)
	fund(t, e, buyer.ID, 1000)

	_, err := e.Buy(ctx, buyer.ID, plan.ID, "buy-1")
	require.NoError(t, err)

	later := now.Add(7 * 24 * time.Hour)
	e.now = func() time.Time { return later }
	second, err := e.Buy(ctx, buyer.ID, plan.ID, "buy-2")
	require.NoError(t, err)

	assert.True(t, second.Subscription.ExpiresAt.Equal(later.Add(30*24*time.Hour)))
}

func TestLapsedSubscriptionRestartsFromNow(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }

	buyer := newAccount(t, e)
	plan := newPlan(t, e, "1 month", 500, 30)
	fund(t, e, buyer.ID, 1000)

	_, err := e.Buy(ctx, buyer.ID, plan.ID, "buy-1")
	require.NoError(t, err)

	// long after expiry the new purchase must not start in the past
	later := now.Add(90 * 24 * time.Hour)
	e.now = func() time.Time { return later }
	second, err := e.Buy(ctx, buyer.ID, plan.ID, "buy-2")
	require.NoError(t, err)

	assert.True(t, second.Subscription.ExpiresAt.Equal(later.Add(30*24*time.Hour)))
	assert.True(t, second.Subscription.StartsAt.Equal(later))
}

func TestConfirmPaymentTopUpReplay(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	account := newAccount(t, e)

	p := PaymentConfirmed{Ref: "pay_1", AccountID: account.ID, Amount: 1500, Purpose: PurposeTopUp}
	first, err := e.ConfirmPayment(ctx, p)
	require.NoError(t, err)
	second, err := e.ConfirmPayment(ctx, p)
	require.NoError(t, err)

	assert.Equal(t, first.Deposit.ID, second.Deposit.ID)
	assert.EqualValues(t, 1500, second.Balance)
	assert.EqualValues(t, 1500, balance(t, e, account.ID))
}

func TestConfirmPaymentActivatesPendingPurchase(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	account := newAccount(t, e)
	plan := newPlan(t, e, "1 month", 500, 30)

	pending, err := e.BeginPurchase(ctx, account.ID, plan.ID, "pay_7")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionPendingPayment, pending.Status)

	result, err := e.ConfirmPayment(ctx, PaymentConfirmed{
		Ref: "pay_7", AccountID: account.ID, Amount: 500, Purpose: PurposePlan,
	})
	require.NoError(t, err)
	require.NotNil(t, result.Purchase)
	assert.Equal(t, models.SubscriptionActive, result.Purchase.Subscription.Status)
	assert.EqualValues(t, 0, result.Balance)

	// replayed webhook delivery: one deposit, one debit, one activation
	again, err := e.ConfirmPayment(ctx, PaymentConfirmed{
		Ref: "pay_7", AccountID: account.ID, Amount: 500, Purpose: PurposePlan,
	})
	require.NoError(t, err)
	assert.Equal(t, result.Purchase.Subscription.ID, again.Purchase.Subscription.ID)
	assert.Equal(t, balance(t, e, account.ID), entrySum(t, e, account.ID))

	var pendingLeft int64
	require.NoError(t, e.db.Model(&models.Subscription{}).
		Where("account_id = ? AND status = ?", account.ID, models.SubscriptionPendingPayment).
		Count(&pendingLeft).Error)
	assert.Zero(t, pendingLeft)
}

func TestConfirmPaymentShortPlanPaymentKeepsDeposit(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	account := newAccount(t, e)
	plan := newPlan(t, e, "1 month", 50000, 30)

	p := PaymentConfirmed{Ref: "pay_3", AccountID: account.ID, Amount: 10000, Purpose: PurposePlan, PlanID: plan.ID}
	result, err := e.ConfirmPayment(ctx, p)
	require.NoError(t, err)

	// the confirmed money landed on the balance even though it could not
	// cover the plan
	require.ErrorIs(t, result.PurchaseErr, ErrInsufficientFunds)
	assert.Nil(t, result.Purchase)
	assert.EqualValues(t, 10000, result.Balance)
	assert.EqualValues(t, 10000, balance(t, e, account.ID))
	assert.Equal(t, balance(t, e, account.ID), entrySum(t, e, account.ID))

	var subs int64
	require.NoError(t, e.db.Model(&models.Subscription{}).
		Where("account_id = ? AND status = ?", account.ID, models.SubscriptionActive).
		Count(&subs).Error)
	assert.Zero(t, subs)

	// redelivery neither double-credits nor changes the outcome
	again, err := e.ConfirmPayment(ctx, p)
	require.NoError(t, err)
	require.ErrorIs(t, again.PurchaseErr, ErrInsufficientFunds)
	assert.EqualValues(t, 10000, again.Balance)
	assert.EqualValues(t, 10000, balance(t, e, account.ID))
}

func TestConfirmPaymentRetiredPlanKeepsDeposit(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	account := newAccount(t, e)
	plan := newPlan(t, e, "retired", 500, 30)
	require.NoError(t, e.db.Model(plan).Update("active", false).Error)

	result, err := e.ConfirmPayment(ctx, PaymentConfirmed{
		Ref: "pay_4", AccountID: account.ID, Amount: 500, Purpose: PurposePlan, PlanID: plan.ID,
	})
	require.NoError(t, err)
	require.ErrorIs(t, result.PurchaseErr, ErrPlanInactive)
	assert.Nil(t, result.Purchase)
	assert.EqualValues(t, 500, balance(t, e, account.ID))
}

func TestBeginPurchaseIdempotentPerRef(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	account := newAccount(t, e)
	plan := newPlan(t, e, "1 month", 500, 30)

	first, err := e.BeginPurchase(ctx, account.ID, plan.ID, "pay_9")
	require.NoError(t, err)
	second, err := e.BeginPurchase(ctx, account.ID, plan.ID, "pay_9")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}
