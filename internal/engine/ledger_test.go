package engine

import (
	"context"
	"errors"
	"testing"

	"subshop-bot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBalanceEqualsEntrySum(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	account := newAccount(t, e)

	_, err := e.Credit(ctx, account.ID, 500, models.EntryDeposit, "dep-1", "payment:p1")
	require.NoError(t, err)
	_, err = e.Credit(ctx, account.ID, 250, models.EntryDeposit, "dep-2", "payment:p2")
	require.NoError(t, err)
	_, err = e.Debit(ctx, account.ID, 300, models.EntryPurchaseDebit, "buy-1", "plan:1")
	require.NoError(t, err)

	assert.EqualValues(t, 450, balance(t, e, account.ID))
	assert.Equal(t, balance(t, e, account.ID), entrySum(t, e, account.ID))
}

func TestDebitNeverGoesNegative(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	account := newAccount(t, e)
	fund(t, e, account.ID, 100)

	_, err := e.Debit(ctx, account.ID, 200, models.EntryPurchaseDebit, "buy-1", "plan:1")
	require.ErrorIs(t, err, ErrInsufficientFunds)

	// nothing partially applied
	assert.EqualValues(t, 100, balance(t, e, account.ID))
	var count int64
	require.NoError(t, e.db.Model(&models.LedgerEntry{}).
		Where("idempotency_key = ?", "buy-1").Count(&count).Error)
	assert.Zero(t, count)
}

func TestCreditReplayIsNoOp(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	account := newAccount(t, e)

	first, err := e.Credit(ctx, account.ID, 500, models.EntryDeposit, "pay_1", "payment:pay_1")
	require.NoError(t, err)
	second, err := e.Credit(ctx, account.ID, 500, models.EntryDeposit, "pay_1", "payment:pay_1")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.EqualValues(t, 500, balance(t, e, account.ID))
}

func TestDebitUnknownAccount(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.Debit(context.Background(), 9999, 100, models.EntryPurchaseDebit, "buy-x", "plan:1")
	require.ErrorIs(t, err, ErrNotFound)
	assert.False(t, errors.Is(err, ErrInsufficientFunds))
}

func TestInvalidAmounts(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	account := newAccount(t, e)

	_, err := e.Credit(ctx, account.ID, 0, models.EntryDeposit, "z1", "")
	require.Error(t, err)
	_, err = e.Debit(ctx, account.ID, -5, models.EntryPurchaseDebit, "z2", "")
	require.Error(t, err)
}

func TestAdminAdjust(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	account := newAccount(t, e)

	entry, err := e.AdminAdjust(ctx, account.ID, 300, "compensation", "adj-1")
	require.NoError(t, err)
	assert.Equal(t, models.EntryAdminAdjustment, entry.Kind)
	assert.EqualValues(t, 300, balance(t, e, account.ID))

	_, err = e.AdminAdjust(ctx, account.ID, -100, "correction", "adj-2")
	require.NoError(t, err)
	assert.EqualValues(t, 200, balance(t, e, account.ID))

	_, err = e.AdminAdjust(ctx, account.ID, -500, "too much", "adj-3")
	require.ErrorIs(t, err, ErrInsufficientFunds)
	assert.EqualValues(t, 200, balance(t, e, account.ID))

	_, err = e.AdminAdjust(ctx, account.ID, 0, "noop", "adj-4")
	require.Error(t, err)
}

func TestRefundIsExplicitCredit(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	account := newAccount(t, e)

	entry, err := e.Refund(ctx, account.ID, 150, "refund-1", "subscription:1")
	require.NoError(t, err)
	assert.Equal(t, models.EntryRefund, entry.Kind)
	assert.EqualValues(t, 150, balance(t, e, account.ID))
}

func TestEntriesOf(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	account := newAccount(t, e)
	fund(t, e, account.ID, 100)
	fund(t, e, account.ID, 200)

	entries, err := e.EntriesOf(ctx, account.ID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// newest first
	assert.EqualValues(t, 200, entries[0].Delta)
}
