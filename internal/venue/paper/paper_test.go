package paper

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/cfoagent/internal/domain"
)

func TestPlaceOrder_OpensHolding(t *testing.T) {
	ctx := context.Background()
	v := New("lido", domain.StrategyLiquidStaking, WithMarks(map[string]float64{"ETH": 100}))

	ack, err := v.PlaceOrder(ctx, domain.OrderRequest{Action: domain.ActionStake, Asset: "ETH", Amount: 5})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusMatched, ack.Status)
	assert.InDelta(t, 500, ack.ProceedsUSD, 1e-9)
	assert.NotEmpty(t, ack.ExternalID)

	held, err := v.FetchPositions(ctx)
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.InDelta(t, 5, held[0].SizeUnits, 1e-9)
	assert.Equal(t, "lido", held[0].Venue)
}

func TestExitPosition_RestsUntilPolled(t *testing.T) {
	ctx := context.Background()
	v := New("pm", domain.StrategyPredictionMarket, WithRestingExits())
	v.Seed(domain.VenuePosition{ExternalID: "cond-1", Asset: "YES", SizeUnits: 100, Price: 0.6, ValueUSD: 60})

	ack, err := v.ExitPosition(ctx, domain.VenuePosition{ExternalID: "cond-1"}, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusLive, ack.Status)

	rep, err := v.GetOrderStatus(ctx, ack.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusMatched, rep.Status)
	assert.InDelta(t, 60, rep.ProceedsUSD, 1e-9)

	held, err := v.FetchPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, held)
}

func TestRedeem_RequiresResolution(t *testing.T) {
	ctx := context.Background()
	v := New("pm", domain.StrategyPredictionMarket)
	v.Seed(domain.VenuePosition{ExternalID: "cond-2", Asset: "YES", SizeUnits: 10, Price: 0.5, ValueUSD: 5})

	_, err := v.RedeemPosition(ctx, domain.VenuePosition{ExternalID: "cond-2"})
	assert.ErrorIs(t, err, domain.ErrTerminal)

	v.Resolve("cond-2", 1)
	res, err := v.RedeemPosition(ctx, domain.VenuePosition{ExternalID: "cond-2"})
	require.NoError(t, err)
	assert.InDelta(t, 10, res.ProceedsUSD, 1e-9)
}
