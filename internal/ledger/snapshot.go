package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/cfoagent/internal/domain"
)

// PortfolioState summarizes open positions for the decision producer.
func (l *Ledger) PortfolioState(ctx context.Context) (domain.PortfolioState, error) {
	open, err := l.positions.ListOpen(ctx, "")
	if err != nil {
		return domain.PortfolioState{}, fmt.Errorf("ledger: portfolio state: %w", err)
	}

	state := domain.PortfolioState{
		AsOf:          l.now(),
		OpenPositions: open,
		Breakdown:     make(map[domain.Strategy]float64),
	}
	values := make([]float64, 0, len(open))
	unrealized := make([]float64, 0, len(open))
	for _, p := range open {
		values = append(values, p.CurrentValueUSD)
		unrealized = append(unrealized, p.UnrealizedPnLUSD)
		state.Breakdown[p.Strategy] = addUSD(state.Breakdown[p.Strategy], p.CurrentValueUSD)
	}
	state.TotalValueUSD = sumUSD(values...)
	state.UnrealizedPnLUSD = sumUSD(unrealized...)
	return state, nil
}

// RefreshDailySnapshot recomputes today's snapshot from open positions,
// positions closed today and today's fee collections, then upserts it.
func (l *Ledger) RefreshDailySnapshot(ctx context.Context) (domain.DailySnapshot, error) {
	now := l.now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	state, err := l.PortfolioState(ctx)
	if err != nil {
		return domain.DailySnapshot{}, err
	}

	closed, err := l.positions.ListClosedSince(ctx, dayStart)
	if err != nil {
		return domain.DailySnapshot{}, fmt.Errorf("ledger: snapshot closed positions: %w", err)
	}
	realized := make([]float64, 0, len(closed))
	for _, p := range closed {
		realized = append(realized, p.RealizedPnLUSD)
	}

	txs, err := l.txs.ListSince(ctx, dayStart)
	if err != nil {
		return domain.DailySnapshot{}, fmt.Errorf("ledger: snapshot transactions: %w", err)
	}
	revenue := make(map[string]float64)
	for _, tx := range txs {
		if tx.TxType != domain.TxFeeCollect || tx.Status != domain.TxStatusConfirmed {
			continue
		}
		revenue[tx.StrategyTag] = addUSD(revenue[tx.StrategyTag], tx.AmountOut)
	}

	snap := domain.DailySnapshot{
		Date:             domain.SnapshotDate(now),
		TotalValueUSD:    state.TotalValueUSD,
		Breakdown:        state.Breakdown,
		RealizedPnLUSD:   sumUSD(realized...),
		UnrealizedPnLUSD: state.UnrealizedPnLUSD,
		Revenue:          revenue,
		UpdatedAt:        now,
	}
	if err := l.UpsertDailySnapshot(ctx, snap); err != nil {
		return domain.DailySnapshot{}, err
	}
	return snap, nil
}
