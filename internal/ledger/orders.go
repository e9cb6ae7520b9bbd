package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/cfoagent/internal/domain"
)

// TrackExitOrder records a resting exit order in the owning position's
// metadata and registers it with the order watcher.
func (l *Ledger) TrackExitOrder(ctx context.Context, order domain.PendingOrder) error {
	if order.PlacedAt.IsZero() {
		order.PlacedAt = l.now()
	}
	if err := l.SetPositionMetadata(ctx, order.PositionID, domain.PendingOrderMetadataKey, order); err != nil {
		return err
	}
	if l.watcher != nil {
		l.watcher.Track(order)
	}
	return nil
}

// SettleExitOrder books the fill of a resting exit order: a confirmed exit
// transaction, then the position change and removal of the pending-order
// mirror. An order for the whole position closes it with realized = proceeds
// - cost basis. An order for a fraction reduces it the way a filled partial
// exit does. Settling twice is harmless.
func (l *Ledger) SettleExitOrder(ctx context.Context, order domain.PendingOrder, rep domain.OrderStatusReport) (domain.Position, error) {
	pos, err := l.positions.GetByID(ctx, order.PositionID)
	if err != nil {
		return domain.Position{}, fmt.Errorf("ledger: settle order %s: %w", order.OrderID, err)
	}

	tx := domain.Transaction{
		ID:          "tx-fill-" + order.OrderID,
		Chain:       pos.Chain,
		StrategyTag: string(pos.Strategy),
		TxType:      domain.ExitTxType(pos.Strategy),
		TokenIn:     pos.Asset,
		AmountIn:    rep.FilledAmount,
		TokenOut:    defaultQuoteToken,
		AmountOut:   rep.ProceedsUSD,
		TxHash:      rep.TxHash,
		PositionID:  pos.ID,
		Status:      domain.TxStatusConfirmed,
		Metadata: map[string]any{
			"order_id": order.OrderID,
			"venue":    order.Venue,
			"source":   "order_monitor",
		},
	}
	inserted, err := l.InsertTransaction(ctx, tx)
	if err != nil {
		return domain.Position{}, err
	}

	settled := pos
	switch {
	case !inserted || pos.Status.Terminal():
	case order.Fraction > 0 && order.Fraction < 1:
		settled, err = l.reducePosition(ctx, pos, order.Fraction, rep.ProceedsUSD)
		if err != nil {
			return domain.Position{}, err
		}
	default:
		settled, err = l.ClosePosition(ctx, pos.ID, tx.ID, fillPnL(pos, order, rep))
		switch {
		case errors.Is(err, domain.ErrAlreadyClosed):
			settled = pos
		case err != nil:
			return domain.Position{}, err
		}
	}
	if err := l.SetPositionMetadata(ctx, pos.ID, domain.PendingOrderMetadataKey, nil); err != nil {
		return settled, err
	}
	delete(settled.Metadata, domain.PendingOrderMetadataKey)

	l.logger.InfoContext(ctx, "ledger: exit order settled",
		slog.String("order_id", order.OrderID),
		slog.String("position_id", pos.ID),
		slog.Bool("duplicate", !inserted),
		slog.Float64("realized_pnl_usd", settled.RealizedPnLUSD),
	)
	return settled, nil
}

// fillPnL is the P&L of a fill that sells everything still held. The cost
// stamped on the order is used when it still matches the holding.
func fillPnL(pos domain.Position, order domain.PendingOrder, rep domain.OrderStatusReport) float64 {
	cost := order.CostBasisUSD
	if cost == 0 || pos.Status == domain.PositionStatusPartialExit {
		cost = pos.CostBasisUSD
	}
	return pnl(rep.ProceedsUSD, cost)
}

// ClearExitOrder drops the pending-order mirror after the venue rejected or
// cancelled the order. The position stays open.
func (l *Ledger) ClearExitOrder(ctx context.Context, order domain.PendingOrder) error {
	return l.SetPositionMetadata(ctx, order.PositionID, domain.PendingOrderMetadataKey, nil)
}

// PendingOrders returns the exit orders mirrored into open positions.
// Metadata read back from storage is a generic map, so each entry is
// re-decoded through JSON.
func (l *Ledger) PendingOrders(ctx context.Context) ([]domain.PendingOrder, error) {
	open, err := l.positions.ListOpen(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("ledger: pending orders: %w", err)
	}
	var out []domain.PendingOrder
	for _, pos := range open {
		raw, ok := pos.Metadata[domain.PendingOrderMetadataKey]
		if !ok || raw == nil {
			continue
		}
		order, err := decodePendingOrder(raw)
		if err != nil {
			l.logger.WarnContext(ctx, "ledger: unreadable pending order",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if order.OrderID == "" {
			continue
		}
		if order.PositionID == "" {
			order.PositionID = pos.ID
		}
		if order.Venue == "" {
			order.Venue, _ = pos.Metadata["venue"].(string)
		}
		out = append(out, order)
	}
	return out, nil
}

func decodePendingOrder(raw any) (domain.PendingOrder, error) {
	if order, ok := raw.(domain.PendingOrder); ok {
		return order, nil
	}
	if id, ok := raw.(string); ok {
		return domain.PendingOrder{OrderID: id}, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return domain.PendingOrder{}, err
	}
	var order domain.PendingOrder
	if err := json.Unmarshal(data, &order); err != nil {
		return domain.PendingOrder{}, err
	}
	return order, nil
}

// SettleRedemption books a redemption claimed during reconciliation for a
// position the ledger had already closed. The position is reopened and then
// closed again with realized = settlement proceeds - cost basis, so the
// close carries the settlement amount.
func (l *Ledger) SettleRedemption(ctx context.Context, pos domain.Position, venue string, res domain.RedeemResult) (domain.Position, error) {
	tx := domain.Transaction{
		ID:          "tx-redeem-" + pos.ID,
		Chain:       pos.Chain,
		StrategyTag: string(pos.Strategy),
		TxType:      domain.ExitTxType(pos.Strategy),
		TokenIn:     pos.Asset,
		AmountIn:    pos.SizeUnits,
		TokenOut:    defaultQuoteToken,
		AmountOut:   res.ProceedsUSD,
		TxHash:      res.TxHash,
		PositionID:  pos.ID,
		Status:      domain.TxStatusConfirmed,
		Metadata: map[string]any{
			"venue":  venue,
			"source": "reconcile_redeem",
		},
	}
	if _, err := l.InsertTransaction(ctx, tx); err != nil {
		return domain.Position{}, err
	}
	if pos.Status.Terminal() {
		if err := l.ReopenPosition(ctx, pos.ID, pos.CurrentPrice, res.ProceedsUSD); err != nil {
			return domain.Position{}, err
		}
	}
	return l.ClosePosition(ctx, pos.ID, tx.ID, pnl(res.ProceedsUSD, pos.CostBasisUSD))
}
