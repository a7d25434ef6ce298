package external

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stratplan/internal/types"
)

func TestStubPaymentProvider_RoundTrip(t *testing.T) {
	ctx := context.Background()
	p := NewStubPaymentProvider(slog.New(slog.DiscardHandler))

	sub, err := p.CreateSubscription(ctx, types.SubscriptionParams{
		CustomerRef: "cus_stub_t1",
		TenantID:    "t1",
		Items:       []types.ProviderSubscriptionItem{{PriceRef: "price_pro_m", Quantity: 1}},
	})
	require.NoError(t, err)

	item, err := p.AddSubscriptionItem(ctx, sub.ID, "price_seat", 2, true)
	require.NoError(t, err)
	require.NoError(t, p.UpdateSubscriptionItem(ctx, item.ID, 5, true))

	got, err := p.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	seat, ok := got.ItemForPrice("price_seat")
	require.True(t, ok)
	assert.Equal(t, int64(5), seat.Quantity)

	_, err = p.SetCancelAtPeriodEnd(ctx, sub.ID, true)
	require.NoError(t, err)
	require.NoError(t, p.CancelSubscription(ctx, sub.ID))

	live, err := p.ListSubscriptions(ctx, "cus_stub_t1")
	require.NoError(t, err)
	assert.Empty(t, live)

	_, err = p.GetSubscription(ctx, "sub_missing")
	assert.True(t, types.IsNotFound(err))
}
