package ledger

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
	"github.com/alanyoungcy/cfoagent/internal/store/memory"
)

type fixture struct {
	ledger    *Ledger
	positions *memory.PositionStore
	txs       *memory.TransactionStore
	snapshots *memory.SnapshotStore
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		positions: memory.NewPositionStore(),
		txs:       memory.NewTransactionStore(),
		snapshots: memory.NewSnapshotStore(),
		now:       time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.ledger = New(f.positions, f.txs, f.snapshots, logger,
		WithClock(func() time.Time { return f.now }),
		WithWallet("0x52908400098527886e0f7030069857d2e4169ee7"),
	)
	return f
}

func mustParams(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

type recordingWatcher struct{ orders []domain.PendingOrder }

func (w *recordingWatcher) Track(o domain.PendingOrder) { w.orders = append(w.orders, o) }

func TestUpsertPosition_RecomputesUnrealized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.ledger.UpsertPosition(ctx, domain.Position{
		Strategy:         domain.StrategyLiquidStaking,
		Asset:            "stETH",
		CostBasisUSD:     1000,
		CurrentValueUSD:  1012.5,
		UnrealizedPnLUSD: 999, // ignored
	})
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, domain.PositionStatusOpen, p.Status)
	assert.InDelta(t, 12.5, p.UnrealizedPnLUSD, 1e-9)

	require.NoError(t, f.ledger.UpdatePositionPrice(ctx, p.ID, 3100, 990.1))
	got, err := f.ledger.GetPosition(ctx, p.ID)
	require.NoError(t, err)
	assert.InDelta(t, -9.9, got.UnrealizedPnLUSD, 1e-9)
	assert.Equal(t, 3100.0, got.CurrentPrice)
}

func TestUpsertPosition_RejectsClosedStatusAndUnknownStrategy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.UpsertPosition(ctx, domain.Position{
		Strategy: domain.StrategySwap,
		Status:   domain.PositionStatusClosed,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = f.ledger.UpsertPosition(ctx, domain.Position{Strategy: "yield-farm"})
	assert.Error(t, err)
}

func TestUpsertPosition_ExternalIDUniquePerStrategy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.UpsertPosition(ctx, domain.Position{
		ID: "a", Strategy: domain.StrategyPredictionMarket, ExternalID: "cond-1",
	})
	require.NoError(t, err)
	_, err = f.ledger.UpsertPosition(ctx, domain.Position{
		ID: "b", Strategy: domain.StrategyPredictionMarket, ExternalID: "cond-1",
	})
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	// Same external id under another strategy is fine.
	_, err = f.ledger.UpsertPosition(ctx, domain.Position{
		ID: "c", Strategy: domain.StrategyPerpHedge, ExternalID: "cond-1",
	})
	assert.NoError(t, err)
}

func TestClosePosition_SecondCloseRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.ledger.UpsertPosition(ctx, domain.Position{
		ID: "p1", Strategy: domain.StrategyPredictionMarket,
		CostBasisUSD: 40, CurrentValueUSD: 55,
	})
	require.NoError(t, err)

	closed, err := f.ledger.ClosePosition(ctx, p.ID, "exit-1", 17.25)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, closed.Status)
	assert.InDelta(t, 17.25, closed.RealizedPnLUSD, 1e-9)
	assert.InDelta(t, 57.25, closed.CurrentValueUSD, 1e-9)
	assert.Zero(t, closed.UnrealizedPnLUSD)
	require.NotNil(t, closed.ClosedAt)
	firstClosedAt := *closed.ClosedAt

	f.now = f.now.Add(time.Hour)
	_, err = f.ledger.ClosePosition(ctx, p.ID, "exit-2", -100)
	assert.ErrorIs(t, err, domain.ErrAlreadyClosed)

	stored, err := f.ledger.GetPosition(ctx, p.ID)
	require.NoError(t, err)
	assert.InDelta(t, 17.25, stored.RealizedPnLUSD, 1e-9)
	assert.Equal(t, "exit-1", stored.ExitTxID)
	assert.Equal(t, firstClosedAt, *stored.ClosedAt)

	// Upsert may not resurrect a closed row either.
	stored.Status = domain.PositionStatusOpen
	_, err = f.ledger.UpsertPosition(ctx, stored)
	assert.ErrorIs(t, err, domain.ErrAlreadyClosed)
}

func TestReopenPosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.UpsertPosition(ctx, domain.Position{
		ID: "p1", Strategy: domain.StrategyPredictionMarket, CostBasisUSD: 10, CurrentValueUSD: 10,
	})
	require.NoError(t, err)
	_, err = f.ledger.ClosePosition(ctx, "p1", "x", 0)
	require.NoError(t, err)

	require.NoError(t, f.ledger.ReopenPosition(ctx, "p1", 0.8, 16))
	p, err := f.ledger.GetPosition(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusOpen, p.Status)
	assert.Nil(t, p.ClosedAt)
	assert.InDelta(t, 6, p.UnrealizedPnLUSD, 1e-9)

	assert.ErrorIs(t, f.ledger.ReopenPosition(ctx, "p1", 1, 1), domain.ErrInvalidTransition)
}

func TestInsertTransaction_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tx := domain.Transaction{ID: "t1", TxType: domain.TxSwap, AmountIn: 10, Status: domain.TxStatusConfirmed}
	inserted, err := f.ledger.InsertTransaction(ctx, tx)
	require.NoError(t, err)
	assert.True(t, inserted)

	tx.AmountIn = 999
	inserted, err = f.ledger.InsertTransaction(ctx, tx)
	require.NoError(t, err)
	assert.False(t, inserted)

	txs, err := f.ledger.GetRecentTransactions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, 10.0, txs[0].AmountIn)
	assert.Equal(t, "0x52908400098527886E0F7030069857D2E4169EE7", txs[0].WalletAddress)
}

func TestRecord_StakeOpensPositionAndTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d := domain.Decision{
		ID:                 "d1",
		Type:               domain.DecisionStake,
		Tier:               domain.TierAuto,
		EstimatedImpactUSD: 500,
		Params:             mustParams(t, domain.OpenParams{Asset: "ETH", Chain: "ethereum", Amount: 5}),
	}
	res := domain.ExecutionResult{
		DecisionID: "d1", Outcome: domain.OutcomeExecuted, OrderStatus: domain.OrderStatusMatched,
		Venue: "lido", FilledAmount: 5, TxHash: "0xabc",
	}

	out, err := f.ledger.Record(ctx, d, res)
	require.NoError(t, err)
	assert.Equal(t, "tx-d1", out.TxID)
	assert.Equal(t, "pos-d1", out.PositionID)

	txs, err := f.ledger.GetRecentTransactions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, domain.TxStake, txs[0].TxType)
	assert.Equal(t, 5.0, txs[0].AmountIn)
	assert.Equal(t, "ETH", txs[0].TokenIn)
	assert.Equal(t, domain.TxStatusConfirmed, txs[0].Status)

	pos, err := f.ledger.GetPosition(ctx, "pos-d1")
	require.NoError(t, err)
	assert.Equal(t, domain.StrategyLiquidStaking, pos.Strategy)
	assert.Equal(t, 500.0, pos.CostBasisUSD)

	// Recording again writes nothing new.
	_, err = f.ledger.Record(ctx, d, res)
	require.NoError(t, err)
	txs, _ = f.ledger.GetRecentTransactions(ctx, 10)
	assert.Len(t, txs, 1)
}

func TestRecord_TimeoutIsPendingNotFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d := domain.Decision{
		ID: "d2", Type: domain.DecisionSwap,
		Params: mustParams(t, domain.OpenParams{TokenIn: "USDC", TokenOut: "ETH", Amount: 100}),
	}
	_, err := f.ledger.Record(ctx, d, domain.ExecutionResult{Outcome: domain.OutcomeUnknown, Error: "deadline exceeded"})
	require.NoError(t, err)

	txs, _ := f.ledger.GetRecentTransactions(ctx, 10)
	require.Len(t, txs, 1)
	assert.Equal(t, domain.TxStatusPending, txs[0].Status)
	assert.Equal(t, true, txs[0].Metadata["unknown_outcome"])
}

func TestRecord_FailedOpenHasNoPosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d := domain.Decision{
		ID: "d3", Type: domain.DecisionMarketBuy,
		Params: mustParams(t, domain.OpenParams{Asset: "YES", Amount: 20, Price: 0.4, ExternalID: "c1"}),
	}
	out, err := f.ledger.Record(ctx, d, domain.ExecutionResult{Outcome: domain.OutcomeFailed, Attempts: 1, Error: "insufficient funds"})
	require.NoError(t, err)
	assert.Empty(t, out.PositionID)

	txs, _ := f.ledger.GetRecentTransactions(ctx, 10)
	require.Len(t, txs, 1)
	assert.Equal(t, domain.TxStatusFailed, txs[0].Status)

	open, _ := f.ledger.GetOpenPositions(ctx, "")
	assert.Empty(t, open)
}

func TestRecord_ExitClosesPositionWithRealizedPnL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.UpsertPosition(ctx, domain.Position{
		ID: "p1", Strategy: domain.StrategyPredictionMarket, Asset: "YES", SizeUnits: 100,
		CostBasisUSD: 40, CurrentValueUSD: 60,
	})
	require.NoError(t, err)

	d := domain.Decision{
		ID: "d4", Type: domain.DecisionMarketExit,
		Params: mustParams(t, domain.ExitParams{PositionID: "p1"}),
	}
	_, err = f.ledger.Record(ctx, d, domain.ExecutionResult{
		Outcome: domain.OutcomeExecuted, OrderStatus: domain.OrderStatusMatched, ProceedsUSD: 62.5,
	})
	require.NoError(t, err)

	p, err := f.ledger.GetPosition(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, p.Status)
	assert.InDelta(t, 22.5, p.RealizedPnLUSD, 1e-9)
	assert.Equal(t, "tx-d4", p.ExitTxID)
}

func TestRecord_RestingExitIsTracked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := &recordingWatcher{}
	f.ledger.SetOrderWatcher(w)

	_, err := f.ledger.UpsertPosition(ctx, domain.Position{
		ID: "p1", Strategy: domain.StrategyPredictionMarket, Description: "Will it rain",
		CostBasisUSD: 40, CurrentValueUSD: 45,
	})
	require.NoError(t, err)

	d := domain.Decision{ID: "d5", Type: domain.DecisionMarketExit, Params: mustParams(t, domain.ExitParams{PositionID: "p1"})}
	_, err = f.ledger.Record(ctx, d, domain.ExecutionResult{
		Outcome: domain.OutcomeOrderPlaced, OrderStatus: domain.OrderStatusLive, OrderID: "o-9", Venue: "polymarket",
	})
	require.NoError(t, err)

	require.Len(t, w.orders, 1)
	assert.Equal(t, "o-9", w.orders[0].OrderID)
	assert.Equal(t, 40.0, w.orders[0].CostBasisUSD)

	p, err := f.ledger.GetPosition(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusOpen, p.Status)
	assert.Contains(t, p.Metadata, domain.PendingOrderMetadataKey)
}

func TestRecord_RepeatedBuyAddsToHoldingOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.UpsertPosition(ctx, domain.Position{
		ID: "p1", Strategy: domain.StrategyPredictionMarket, Asset: "YES", ExternalID: "tok-1",
		SizeUnits: 100, CostBasisUSD: 100, CurrentValueUSD: 100,
	})
	require.NoError(t, err)

	d := domain.Decision{
		ID: "d6", Type: domain.DecisionMarketBuy,
		Params: mustParams(t, domain.OpenParams{Asset: "YES", Amount: 10, Price: 1, ExternalID: "tok-1"}),
	}
	res := domain.ExecutionResult{Outcome: domain.OutcomeExecuted, OrderStatus: domain.OrderStatusMatched, FilledAmount: 10}

	for i := 0; i < 2; i++ {
		out, err := f.ledger.Record(ctx, d, res)
		require.NoError(t, err)
		assert.Equal(t, "p1", out.PositionID)
	}

	p, err := f.ledger.GetPosition(ctx, "p1")
	require.NoError(t, err)
	assert.InDelta(t, 110, p.SizeUnits, 1e-9)
	assert.InDelta(t, 110, p.CostBasisUSD, 1e-9)

	txs, _ := f.ledger.GetRecentTransactions(ctx, 10)
	require.Len(t, txs, 1)
	assert.Equal(t, "p1", txs[0].PositionID)
}

func TestRecord_PartialThenFullExitAccruesRealized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.UpsertPosition(ctx, domain.Position{
		ID: "p1", Strategy: domain.StrategyPredictionMarket, Asset: "YES",
		SizeUnits: 100, CostBasisUSD: 100, CurrentValueUSD: 100,
	})
	require.NoError(t, err)
	matched := domain.ExecutionResult{Outcome: domain.OutcomeExecuted, OrderStatus: domain.OrderStatusMatched, ProceedsUSD: 80}

	half := domain.Decision{ID: "d7", Type: domain.DecisionMarketExit, Params: mustParams(t, domain.ExitParams{PositionID: "p1", Fraction: 0.5})}
	_, err = f.ledger.Record(ctx, half, matched)
	require.NoError(t, err)

	p, err := f.ledger.GetPosition(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusPartialExit, p.Status)
	assert.InDelta(t, 50, p.SizeUnits, 1e-9)
	assert.InDelta(t, 50, p.CostBasisUSD, 1e-9)
	assert.InDelta(t, 30, p.RealizedPnLUSD, 1e-9)

	// A replay of the partial exit changes nothing.
	_, err = f.ledger.Record(ctx, half, matched)
	require.NoError(t, err)
	p, _ = f.ledger.GetPosition(ctx, "p1")
	assert.InDelta(t, 50, p.SizeUnits, 1e-9)
	assert.InDelta(t, 30, p.RealizedPnLUSD, 1e-9)

	rest := domain.Decision{ID: "d8", Type: domain.DecisionMarketExit, Params: mustParams(t, domain.ExitParams{PositionID: "p1"})}
	_, err = f.ledger.Record(ctx, rest, matched)
	require.NoError(t, err)

	p, err = f.ledger.GetPosition(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, p.Status)
	assert.InDelta(t, 60, p.RealizedPnLUSD, 1e-9)
	assert.InDelta(t, 100, p.CostBasisUSD, 1e-9)
	assert.InDelta(t, 160, p.CurrentValueUSD, 1e-9)
	assert.Zero(t, p.UnrealizedPnLUSD)
	assert.NotContains(t, p.Metadata, exitedCostMetadataKey)
}

func TestSettleExitOrder_FractionalOrderReducesPosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := &recordingWatcher{}
	f.ledger.SetOrderWatcher(w)

	_, err := f.ledger.UpsertPosition(ctx, domain.Position{
		ID: "p1", Strategy: domain.StrategyPredictionMarket, Asset: "YES",
		SizeUnits: 100, CostBasisUSD: 100, CurrentValueUSD: 100,
	})
	require.NoError(t, err)

	d := domain.Decision{ID: "d9", Type: domain.DecisionMarketExit, Params: mustParams(t, domain.ExitParams{PositionID: "p1", Fraction: 0.5})}
	_, err = f.ledger.Record(ctx, d, domain.ExecutionResult{
		Outcome: domain.OutcomeOrderPlaced, OrderStatus: domain.OrderStatusLive, OrderID: "o1", Venue: "polymarket",
	})
	require.NoError(t, err)
	require.Len(t, w.orders, 1)
	assert.Equal(t, 0.5, w.orders[0].Fraction)
	assert.Equal(t, 50.0, w.orders[0].CostBasisUSD)

	// The mirror survives a restart with its fraction.
	pending, err := f.ledger.PendingOrders(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 0.5, pending[0].Fraction)

	rep := domain.OrderStatusReport{OrderID: "o1", Status: domain.OrderStatusMatched, FilledAmount: 50, ProceedsUSD: 60}
	got, err := f.ledger.SettleExitOrder(ctx, pending[0], rep)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusPartialExit, got.Status)
	assert.InDelta(t, 50, got.SizeUnits, 1e-9)
	assert.InDelta(t, 50, got.CostBasisUSD, 1e-9)
	assert.InDelta(t, 10, got.RealizedPnLUSD, 1e-9)
	assert.NotContains(t, got.Metadata, domain.PendingOrderMetadataKey)

	// Settling the same fill again is a no-op.
	_, err = f.ledger.SettleExitOrder(ctx, pending[0], rep)
	require.NoError(t, err)
	p, err := f.ledger.GetPosition(ctx, "p1")
	require.NoError(t, err)
	assert.InDelta(t, 50, p.SizeUnits, 1e-9)
	assert.InDelta(t, 10, p.RealizedPnLUSD, 1e-9)
	assert.NotContains(t, p.Metadata, domain.PendingOrderMetadataKey)
}

func TestRefreshDailySnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.UpsertPosition(ctx, domain.Position{ID: "a", Strategy: domain.StrategyLiquidStaking, CostBasisUSD: 100, CurrentValueUSD: 110})
	require.NoError(t, err)
	_, err = f.ledger.UpsertPosition(ctx, domain.Position{ID: "b", Strategy: domain.StrategyAMMLiquidity, CostBasisUSD: 50, CurrentValueUSD: 45})
	require.NoError(t, err)
	_, err = f.ledger.UpsertPosition(ctx, domain.Position{ID: "c", Strategy: domain.StrategyPredictionMarket, CostBasisUSD: 20, CurrentValueUSD: 20})
	require.NoError(t, err)
	_, err = f.ledger.ClosePosition(ctx, "c", "x", 3.1)
	require.NoError(t, err)
	_, err = f.ledger.InsertTransaction(ctx, domain.Transaction{
		ID: "fee", TxType: domain.TxFeeCollect, StrategyTag: "amm-liquidity", AmountOut: 1.2, Status: domain.TxStatusConfirmed,
	})
	require.NoError(t, err)

	snap, err := f.ledger.RefreshDailySnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-14", snap.Date)
	assert.InDelta(t, 155, snap.TotalValueUSD, 1e-9)
	assert.InDelta(t, 5, snap.UnrealizedPnLUSD, 1e-9)
	assert.InDelta(t, 3.1, snap.RealizedPnLUSD, 1e-9)
	assert.InDelta(t, 1.2, snap.Revenue["amm-liquidity"], 1e-9)

	stored, err := f.ledger.GetDailySnapshot(ctx, "2026-03-14")
	require.NoError(t, err)
	assert.Equal(t, snap.TotalValueUSD, stored.TotalValueUSD)
}
