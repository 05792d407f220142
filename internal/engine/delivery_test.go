package engine

import (
	"context"
	"testing"

	"subshop-bot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActivationPopsDeliveryLink(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	account := newAccount(t, e)
	plan := newPlan(t, e, "1 month", 500, 30)
	fund(t, e, account.ID, 500)

	n, err := e.AddDeliveryLinks(ctx, []string{"https://sub.example/abc", "", "https://sub.example/abc"})
	require.NoError(t, err)
	assert.Equal(t, 1, n) // blank and duplicate skipped

	result, err := e.Buy(ctx, account.ID, plan.ID, "buy-1")
	require.NoError(t, err)
	assert.Equal(t, "https://sub.example/abc", result.Subscription.DeliveryURL)

	available, used, err := e.DeliveryLinkCounts(ctx)
	require.NoError(t, err)
	assert.Zero(t, available)
	assert.EqualValues(t, 1, used)

	var link models.DeliveryLink
	require.NoError(t, e.db.Where("url = ?", "https://sub.example/abc").First(&link).Error)
	require.NotNil(t, link.UsedByAccountID)
	assert.Equal(t, account.ID, *link.UsedByAccountID)
}

func TestEmptyPoolLeavesDeliveryPending(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	account := newAccount(t, e)
	plan := newPlan(t, e, "1 month", 500, 30)
	fund(t, e, account.ID, 500)

	result, err := e.Buy(ctx, account.ID, plan.ID, "buy-1")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionActive, result.Subscription.Status)
	assert.Empty(t, result.Subscription.DeliveryURL)

	pending, err := e.PendingDeliveries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, account.ID, pending[0].AccountID)

	// restock, then the backlog drains oldest first
	_, err = e.AddDeliveryLinks(ctx, []string{"https://sub.example/1"})
	require.NoError(t, err)
	fulfilled, err := e.FulfillPending(ctx)
	require.NoError(t, err)
	require.Len(t, fulfilled, 1)
	assert.Equal(t, "https://sub.example/1", fulfilled[0].DeliveryURL)

	pending, err = e.PendingDeliveries(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestFulfillPendingStopsWhenPoolEmpty(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	plan := newPlan(t, e, "1 month", 500, 30)
	for i := 0; i < 3; i++ {
		account := newAccount(t, e)
		fund(t, e, account.ID, 500)
		_, err := e.Buy(ctx, account.ID, plan.ID, account.ReferralCode+"-buy")
		require.NoError(t, err)
	}

	_, err := e.AddDeliveryLinks(ctx, []string{"https://sub.example/1", "https://sub.example/2"})
	require.NoError(t, err)

	fulfilled, err := e.FulfillPending(ctx)
	require.NoError(t, err)
	assert.Len(t, fulfilled, 2)

	pending, err := e.PendingDeliveries(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestDeleteDeliveryLink(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	account := newAccount(t, e)
	plan := newPlan(t, e, "1 month", 500, 30)
	fund(t, e, account.ID, 500)

	_, err := e.AddDeliveryLinks(ctx, []string{"https://sub.example/1"})
	require.NoError(t, err)
	links, err := e.ListAvailableLinks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, links, 1)

	_, err = e.Buy(ctx, account.ID, plan.ID, "buy-1")
	require.NoError(t, err)

	// used links are audit trail
	err = e.DeleteDeliveryLink(ctx, links[0].ID)
	require.ErrorIs(t, err, ErrNotFound)
}
