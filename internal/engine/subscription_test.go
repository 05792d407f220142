package engine

import (
	"context"
	"testing"
	"time"

	"subshop-bot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpiryDerivedAtReadTime(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }

	account := newAccount(t, e)
	plan := newPlan(t, e, "1 month", 500, 30)
	fund(t, e, account.ID, 500)
	_, err := e.Buy(ctx, account.ID, plan.ID, "buy-1")
	require.NoError(t, err)

	sub, err := e.SubscriptionOf(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionActive, sub.Status)

	// past the end, no sweep has run: the read still reports expired
	e.now = func() time.Time { return now.Add(31 * 24 * time.Hour) }
	sub, err = e.SubscriptionOf(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionExpired, sub.Status)

	var stored models.Subscription
	require.NoError(t, e.db.First(&stored, sub.ID).Error)
	assert.Equal(t, models.SubscriptionActive, stored.Status) // cache not yet updated
}

func TestSweepPersistsExpired(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }

	account := newAccount(t, e)
	plan := newPlan(t, e, "1 month", 500, 30)
	fund(t, e, account.ID, 500)
	_, err := e.Buy(ctx, account.ID, plan.ID, "buy-1")
	require.NoError(t, err)

	e.now = func() time.Time { return now.Add(31 * 24 * time.Hour) }
	report, err := e.Sweep(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, report.Expired)

	// redundant run is a no-op
	report, err = e.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Expired)
}

func TestSweepCancelsStalePendingPayment(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	account := newAccount(t, e)
	plan := newPlan(t, e, "1 month", 500, 30)

	pending, err := e.BeginPurchase(ctx, account.ID, plan.ID, "pay_lost")
	require.NoError(t, err)

	// recent pending records stay
	report, err := e.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Cancelled)

	e.now = func() time.Time { return time.Now().Add(e.policy.PendingPaymentTTL + time.Hour) }
	report, err = e.Sweep(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, report.Cancelled)

	var stored models.Subscription
	require.NoError(t, e.db.First(&stored, pending.ID).Error)
	assert.Equal(t, models.SubscriptionCancelled, stored.Status)
	// abandoned intent moved no money
	assert.Zero(t, entrySum(t, e, account.ID))
}

func TestCancelSubscriptionNoAutomaticRefund(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	account := newAccount(t, e)
	plan := newPlan(t, e, "1 month", 500, 30)
	fund(t, e, account.ID, 500)
	result, err := e.Buy(ctx, account.ID, plan.ID, "buy-1")
	require.NoError(t, err)

	cancelled, err := e.CancelSubscription(ctx, result.Subscription.ID, "abuse")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionCancelled, cancelled.Status)
	assert.Equal(t, "abuse", cancelled.CancelReason)
	assert.EqualValues(t, 0, balance(t, e, account.ID))

	_, err = e.CancelSubscription(ctx, 9999, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestExtendSubscription(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }

	account := newAccount(t, e)
	plan := newPlan(t, e, "1 month", 500, 30)
	fund(t, e, account.ID, 500)
	result, err := e.Buy(ctx, account.ID, plan.ID, "buy-1")
	require.NoError(t, err)

	extended, err := e.ExtendSubscription(ctx, result.Subscription.ID, 30*24*time.Hour)
	require.NoError(t, err)
	assert.True(t, extended.ExpiresAt.Equal(now.Add(60*24*time.Hour)))
	// no charge for the goodwill extension
	assert.EqualValues(t, 0, balance(t, e, account.ID))
}

func TestExpiryWorkerQueries(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }

	account := newAccount(t, e)
	plan := newPlan(t, e, "1 month", 500, 30)
	fund(t, e, account.ID, 500)
	_, err := e.Buy(ctx, account.ID, plan.ID, "buy-1")
	require.NoError(t, err)

	// a day before the end it shows up in the reminder window
	e.now = func() time.Time { return now.Add(29 * 24 * time.Hour) }
	soon, err := e.ExpiringBetween(ctx, e.now().Add(23*time.Hour), e.now().Add(25*time.Hour))
	require.NoError(t, err)
	require.Len(t, soon, 1)
	assert.Equal(t, account.ID, soon[0].AccountID)
	assert.Equal(t, account.TelegramID, soon[0].Account.TelegramID)

	// after the end it shows up as recently expired, sweep or no sweep
	e.now = func() time.Time { return now.Add(31 * 24 * time.Hour) }
	expired, err := e.ExpiredSince(ctx, now)
	require.NoError(t, err)
	require.Len(t, expired, 1)
}
