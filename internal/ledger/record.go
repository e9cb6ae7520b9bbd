package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/cfoagent/internal/domain"
)

// defaultQuoteToken is the token assumed on the cash side of opens and exits.
const defaultQuoteToken = "USDC"

// Record writes the ledger rows for one execution attempt: a transaction for
// every venue call and the position change implied by the decision type.
// Transaction and position ids derive from the decision id, so recording the
// same result twice is harmless. The returned result carries TxID and
// PositionID.
func (l *Ledger) Record(ctx context.Context, d domain.Decision, res domain.ExecutionResult) (domain.ExecutionResult, error) {
	if !res.Attempted() {
		return res, nil
	}
	spec, ok := d.Type.Spec()
	if !ok {
		return res, fmt.Errorf("ledger: record %s: %w", d.Type, domain.ErrUnknownDecision)
	}

	var err error
	switch spec.Effect {
	case domain.EffectOpen:
		res, err = l.recordOpen(ctx, d, spec, res)
	case domain.EffectExit:
		res, err = l.recordExit(ctx, d, spec, res)
	default:
		res, err = l.recordTransfer(ctx, d, spec, res)
	}
	if err != nil {
		return res, err
	}

	l.logger.InfoContext(ctx, "ledger: execution recorded",
		slog.String("decision_id", d.ID),
		slog.String("type", string(d.Type)),
		slog.String("outcome", string(res.Outcome)),
		slog.String("tx_id", res.TxID),
		slog.String("position_id", res.PositionID),
	)
	return res, nil
}

func txID(d domain.Decision) string {
	return "tx-" + d.ID
}

func positionID(d domain.Decision) string {
	return "pos-" + d.ID
}

// txStatus maps an execution outcome onto the transaction status. A call
// whose outcome is unknown stays pending so reconciliation can settle it.
func txStatus(res domain.ExecutionResult) domain.TxStatus {
	switch {
	case res.Outcome == domain.OutcomeFailed:
		return domain.TxStatusFailed
	case res.Outcome == domain.OutcomeExecuted && res.OrderStatus == domain.OrderStatusMatched:
		return domain.TxStatusConfirmed
	default:
		return domain.TxStatusPending
	}
}

func filled(res domain.ExecutionResult) bool {
	return res.Outcome == domain.OutcomeExecuted && res.OrderStatus == domain.OrderStatusMatched
}

func baseTransaction(d domain.Decision, spec domain.DecisionSpec, res domain.ExecutionResult) domain.Transaction {
	md := map[string]any{
		"decision_type": string(d.Type),
		"tier":          string(d.Tier),
		"outcome":       string(res.Outcome),
	}
	if res.Venue != "" {
		md["venue"] = res.Venue
	}
	if res.OrderID != "" {
		md["order_id"] = res.OrderID
	}
	if res.Error != "" {
		md["error"] = res.Error
	}
	if res.Outcome == domain.OutcomeUnknown {
		md["unknown_outcome"] = true
	}
	return domain.Transaction{
		ID:          txID(d),
		StrategyTag: string(spec.Strategy),
		TxType:      spec.TxType,
		FeeUSD:      res.FeeUSD,
		TxHash:      res.TxHash,
		Status:      txStatus(res),
		Metadata:    md,
	}
}

// openCost is what the open spent in USD: the venue's figure when it reports
// one, otherwise size times price, otherwise the producer's estimate.
func openCost(d domain.Decision, p domain.OpenParams, res domain.ExecutionResult) float64 {
	if res.ProceedsUSD > 0 {
		return res.ProceedsUSD
	}
	size := p.Amount
	if res.FilledAmount > 0 {
		size = res.FilledAmount
	}
	price := p.Price
	if res.FilledPrice > 0 {
		price = res.FilledPrice
	}
	if price > 0 && size > 0 {
		return mulUSD(size, price)
	}
	return d.EstimatedImpactUSD
}

func (l *Ledger) recordOpen(ctx context.Context, d domain.Decision, spec domain.DecisionSpec, res domain.ExecutionResult) (domain.ExecutionResult, error) {
	var p domain.OpenParams
	if err := d.DecodeParams(&p); err != nil {
		return res, fmt.Errorf("ledger: record %s: %w", d.ID, err)
	}

	tx := baseTransaction(d, spec, res)
	tx.Chain = p.Chain
	tx.TokenIn = p.TokenIn
	if tx.TokenIn == "" && spec.Strategy != domain.StrategyLiquidStaking {
		tx.TokenIn = defaultQuoteToken
	}
	if tx.TokenIn == "" {
		tx.TokenIn = p.Asset
	}
	tx.AmountIn = p.Amount
	tx.TokenOut = p.TokenOut
	if tx.TokenOut == "" {
		tx.TokenOut = p.Asset
	}
	tx.AmountOut = res.FilledAmount

	var holding *domain.Position
	if filled(res) {
		holding = l.openHolding(ctx, d, spec, p, res)
		tx.PositionID = positionID(d)
		if holding != nil {
			tx.PositionID = holding.ID
		}
	}

	inserted, err := l.InsertTransaction(ctx, tx)
	if err != nil {
		return res, err
	}
	res.TxID = tx.ID
	if !filled(res) {
		return res, nil
	}
	res.PositionID = tx.PositionID

	switch {
	case holding != nil && inserted:
		if _, err := l.addToHolding(ctx, *holding, p, res, openCost(d, p, res)); err != nil {
			return res, err
		}
	case holding == nil:
		// A replay only recreates the position when the first attempt
		// stopped between the two writes.
		if !inserted {
			if _, err := l.positions.GetByID(ctx, tx.PositionID); !errors.Is(err, domain.ErrNotFound) {
				return res, nil
			}
		}
		if _, err := l.openPosition(ctx, d, spec, p, res, tx.ID); err != nil {
			return res, err
		}
	}
	return res, nil
}

func openStrategy(spec domain.DecisionSpec, p domain.OpenParams) domain.Strategy {
	if p.Strategy.Valid() {
		return p.Strategy
	}
	return spec.Strategy
}

func openExternalID(p domain.OpenParams, res domain.ExecutionResult) string {
	if p.ExternalID != "" {
		return p.ExternalID
	}
	return res.ExternalID
}

func openSizePrice(p domain.OpenParams, res domain.ExecutionResult) (size, price float64) {
	size, price = p.Amount, p.Price
	if res.FilledAmount > 0 {
		size = res.FilledAmount
	}
	if res.FilledPrice > 0 {
		price = res.FilledPrice
	}
	return size, price
}

// openHolding returns the live position, opened by another decision, that
// already carries the venue's external id for this open.
func (l *Ledger) openHolding(ctx context.Context, d domain.Decision, spec domain.DecisionSpec, p domain.OpenParams, res domain.ExecutionResult) *domain.Position {
	externalID := openExternalID(p, res)
	if externalID == "" {
		return nil
	}
	existing, err := l.positions.GetByExternalID(ctx, openStrategy(spec, p), externalID)
	if err != nil || existing.Status.Terminal() || existing.ID == positionID(d) {
		return nil
	}
	return &existing
}

// addToHolding grows an existing position by a filled open. Callers must only
// apply it once per entry transaction.
func (l *Ledger) addToHolding(ctx context.Context, existing domain.Position, p domain.OpenParams, res domain.ExecutionResult, cost float64) (domain.Position, error) {
	size, price := openSizePrice(p, res)
	existing.SizeUnits = addUSD(existing.SizeUnits, size)
	existing.CostBasisUSD = addUSD(existing.CostBasisUSD, cost)
	existing.CurrentValueUSD = addUSD(existing.CurrentValueUSD, cost)
	existing.CurrentPrice = price
	return l.UpsertPosition(ctx, existing)
}

// openPosition creates the position for a filled open.
func (l *Ledger) openPosition(
	ctx context.Context,
	d domain.Decision,
	spec domain.DecisionSpec,
	p domain.OpenParams,
	res domain.ExecutionResult,
	entryTx string,
) (domain.Position, error) {
	size, price := openSizePrice(p, res)
	cost := openCost(d, p, res)
	pos := domain.Position{
		ID:              positionID(d),
		Strategy:        openStrategy(spec, p),
		Asset:           p.Asset,
		Description:     d.Reasoning,
		Chain:           p.Chain,
		Status:          domain.PositionStatusOpen,
		EntryPrice:      price,
		CurrentPrice:    price,
		SizeUnits:       size,
		CostBasisUSD:    cost,
		CurrentValueUSD: cost,
		EntryTxID:       entryTx,
		ExternalID:      openExternalID(p, res),
		Metadata: map[string]any{
			"venue":       res.Venue,
			"decision_id": d.ID,
		},
	}
	if res.OrderID != "" {
		pos.Metadata["entry_order_id"] = res.OrderID
	}
	return l.UpsertPosition(ctx, pos)
}

func (l *Ledger) recordExit(ctx context.Context, d domain.Decision, spec domain.DecisionSpec, res domain.ExecutionResult) (domain.ExecutionResult, error) {
	var p domain.ExitParams
	if err := d.DecodeParams(&p); err != nil {
		return res, fmt.Errorf("ledger: record %s: %w", d.ID, err)
	}
	pos, err := l.positions.GetByID(ctx, p.PositionID)
	if err != nil {
		return res, fmt.Errorf("ledger: record %s: position %s: %w", d.ID, p.PositionID, err)
	}
	fraction := p.Fraction
	if fraction <= 0 || fraction > 1 {
		fraction = 1
	}

	tx := baseTransaction(d, spec, res)
	tx.Chain = pos.Chain
	tx.TokenIn = pos.Asset
	tx.AmountIn = mulUSD(pos.SizeUnits, fraction)
	tx.TokenOut = defaultQuoteToken
	tx.AmountOut = res.ProceedsUSD
	tx.PositionID = pos.ID

	inserted, err := l.InsertTransaction(ctx, tx)
	if err != nil {
		return res, err
	}
	res.TxID = tx.ID
	res.PositionID = pos.ID
	if !inserted {
		return res, nil
	}

	switch {
	case filled(res) && fraction >= 1:
		cost := pos.CostBasisUSD
		if _, err := l.ClosePosition(ctx, pos.ID, tx.ID, pnl(res.ProceedsUSD, cost)); err != nil {
			return res, err
		}
	case filled(res):
		if _, err := l.reducePosition(ctx, pos, fraction, res.ProceedsUSD); err != nil {
			return res, err
		}
	case res.OrderID != "" && (res.Outcome == domain.OutcomeOrderPlaced || res.Outcome == domain.OutcomeUnknown):
		if err := l.trackExitOrder(ctx, pos, fraction, res); err != nil {
			return res, err
		}
	}
	return res, nil
}

// trackExitOrder mirrors a resting exit order into the position metadata and
// hands it to the order watcher. The order carries the fraction it sells and
// the cost of that slice.
func (l *Ledger) trackExitOrder(ctx context.Context, pos domain.Position, fraction float64, res domain.ExecutionResult) error {
	return l.TrackExitOrder(ctx, domain.PendingOrder{
		OrderID:      res.OrderID,
		PositionID:   pos.ID,
		Fraction:     fraction,
		CostBasisUSD: mulUSD(pos.CostBasisUSD, fraction),
		Description:  pos.Description,
		Venue:        res.Venue,
		PlacedAt:     l.now(),
	})
}

func (l *Ledger) recordTransfer(ctx context.Context, d domain.Decision, spec domain.DecisionSpec, res domain.ExecutionResult) (domain.ExecutionResult, error) {
	var p domain.OpenParams
	if err := d.DecodeParams(&p); err != nil {
		return res, fmt.Errorf("ledger: record %s: %w", d.ID, err)
	}
	tx := baseTransaction(d, spec, res)
	tx.Chain = p.Chain
	tx.TokenIn = p.TokenIn
	tx.AmountIn = p.Amount
	tx.TokenOut = p.TokenOut
	tx.AmountOut = res.FilledAmount
	if _, err := l.InsertTransaction(ctx, tx); err != nil {
		return res, err
	}
	res.TxID = tx.ID
	return res, nil
}
