package orders

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/cfoagent/internal/domain"
	"github.com/alanyoungcy/cfoagent/internal/ledger"
	"github.com/alanyoungcy/cfoagent/internal/store/memory"
	"github.com/alanyoungcy/cfoagent/internal/venue"
	"github.com/alanyoungcy/cfoagent/internal/venue/paper"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fixture struct {
	positions *memory.PositionStore
	ledger    *ledger.Ledger
	tracker   *Tracker
	pm        *paper.Venue
	monitor   *Monitor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{positions: memory.NewPositionStore(), tracker: NewTracker()}
	f.ledger = ledger.New(f.positions, memory.NewTransactionStore(), memory.NewSnapshotStore(), discard())
	f.ledger.SetOrderWatcher(f.tracker)

	f.pm = paper.New("pm", domain.StrategyPredictionMarket, paper.WithRestingExits())
	f.pm.Seed(domain.VenuePosition{ExternalID: "cond-1", Asset: "YES", SizeUnits: 100, Price: 0.6, ValueUSD: 60})

	reg := venue.NewRegistry(discard())
	require.NoError(t, reg.Register(f.pm, venue.Config{
		Name: "pm", Enabled: true, Strategies: []domain.Strategy{domain.StrategyPredictionMarket},
	}))
	f.monitor = NewMonitor(f.tracker, f.ledger, reg, nil, time.Second, discard())

	_, err := f.ledger.UpsertPosition(context.Background(), domain.Position{
		ID:              "pos-1",
		Strategy:        domain.StrategyPredictionMarket,
		Asset:           "YES",
		Description:     "Will it rain?",
		Status:          domain.PositionStatusOpen,
		EntryPrice:      0.4,
		CurrentPrice:    0.4,
		SizeUnits:       100,
		CostBasisUSD:    40,
		CurrentValueUSD: 40,
		ExternalID:      "cond-1",
		Metadata:        map[string]any{"venue": "pm"},
	})
	require.NoError(t, err)
	return f
}

// placeExit sends a resting exit and records it the way the scheduler does.
func (f *fixture) placeExit(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	ack, err := f.pm.ExitPosition(ctx, domain.VenuePosition{ExternalID: "cond-1"}, 1)
	require.NoError(t, err)
	params, _ := json.Marshal(domain.ExitParams{PositionID: "pos-1", Fraction: 1})
	_, err = f.ledger.Record(ctx,
		domain.Decision{ID: "exit-1", Type: domain.DecisionMarketExit, Params: params},
		domain.ExecutionResult{
			Outcome: domain.OutcomeOrderPlaced, Venue: "pm", OrderID: ack.OrderID,
			OrderStatus: domain.OrderStatusLive, Attempts: 1,
		})
	require.NoError(t, err)
	return ack.OrderID
}

func TestMonitor_FillClosesPosition(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	orderID := f.placeExit(t)
	require.Equal(t, 1, f.tracker.Len())

	require.NoError(t, f.monitor.Poll(ctx))
	assert.Zero(t, f.tracker.Len())

	pos, err := f.ledger.GetPosition(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, pos.Status)
	assert.InDelta(t, 20, pos.RealizedPnLUSD, 1e-9)
	assert.Equal(t, "tx-fill-"+orderID, pos.ExitTxID)
	assert.NotContains(t, pos.Metadata, domain.PendingOrderMetadataKey)

	txs, err := f.ledger.GetRecentTransactions(ctx, 10)
	require.NoError(t, err)
	var fill *domain.Transaction
	for i := range txs {
		if txs[i].ID == "tx-fill-"+orderID {
			fill = &txs[i]
		}
	}
	require.NotNil(t, fill)
	assert.Equal(t, domain.TxPredictionSell, fill.TxType)
	assert.Equal(t, domain.TxStatusConfirmed, fill.Status)
}

func TestTracker_RehydrateFromMetadata(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	orderID := f.placeExit(t)

	restarted := NewTracker()
	n, err := restarted.Rehydrate(ctx, f.ledger)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	o, ok := restarted.Get(orderID)
	require.True(t, ok)
	assert.Equal(t, "pos-1", o.PositionID)
	assert.Equal(t, "pm", o.Venue)
	assert.InDelta(t, 40, o.CostBasisUSD, 1e-9)
}

func TestMonitor_CancelledOrderKeepsPositionOpen(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.placeExit(t)

	// The holding disappears at the venue, so the resting order cancels.
	f.pm.Resolve("cond-1", 1)
	_, err := f.pm.RedeemPosition(ctx, domain.VenuePosition{ExternalID: "cond-1"})
	require.NoError(t, err)

	require.NoError(t, f.monitor.Poll(ctx))
	assert.Zero(t, f.tracker.Len())

	pos, err := f.ledger.GetPosition(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusOpen, pos.Status)
	assert.NotContains(t, pos.Metadata, domain.PendingOrderMetadataKey)
}

func TestMonitor_RefreshPrices(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.pm.SetMark("YES", 0.7)

	require.NoError(t, f.monitor.RefreshPrices(ctx))
	pos, err := f.ledger.GetPosition(ctx, "pos-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.7, pos.CurrentPrice, 1e-9)
	assert.InDelta(t, 70, pos.CurrentValueUSD, 1e-9)
	assert.InDelta(t, 30, pos.UnrealizedPnLUSD, 1e-9)
}

func TestMonitor_DustCleanup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.monitor.SetDustThreshold(1.0)
	f.pm.SetMark("YES", 0.005)

	require.NoError(t, f.monitor.RefreshPrices(ctx))
	pos, err := f.ledger.GetPosition(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, pos.Status)
	assert.Equal(t, DustExitRef, pos.ExitTxID)
	assert.InDelta(t, -39.5, pos.RealizedPnLUSD, 1e-9)

	// Closed positions drop out of the refresh.
	require.NoError(t, f.monitor.RefreshPrices(ctx))
}
