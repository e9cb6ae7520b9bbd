// Package ledger is the single writer of positions, transactions and daily
// snapshots. It keeps the P&L fields consistent with each other and turns
// executed decisions into ledger rows.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/alanyoungcy/cfoagent/internal/domain"
)

// OrderWatcher is told about resting exit orders so their fills can be
// reconciled later.
type OrderWatcher interface {
	Track(order domain.PendingOrder)
}

// Ledger wraps the position, transaction and snapshot stores.
type Ledger struct {
	positions domain.PositionStore
	txs       domain.TransactionStore
	snapshots domain.SnapshotStore
	wallet    string
	watcher   OrderWatcher
	now       func() time.Time
	logger    *slog.Logger
}

// Option customizes a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithWallet sets the wallet address stamped on transactions that do not
// carry one.
func WithWallet(addr string) Option {
	return func(l *Ledger) { l.wallet = normalizeAddress(addr) }
}

// New creates a Ledger.
func New(
	positions domain.PositionStore,
	txs domain.TransactionStore,
	snapshots domain.SnapshotStore,
	logger *slog.Logger,
	opts ...Option,
) *Ledger {
	l := &Ledger{
		positions: positions,
		txs:       txs,
		snapshots: snapshots,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.With(slog.String("component", "ledger")),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetOrderWatcher registers the pending-order tracker. It is set after
// construction because the tracker itself reads from the ledger.
func (l *Ledger) SetOrderWatcher(w OrderWatcher) {
	l.watcher = w
}

// UpsertPosition creates or updates a non-terminal position. The unrealized
// P&L is always recomputed from value and cost basis; callers cannot set it.
func (l *Ledger) UpsertPosition(ctx context.Context, p domain.Position) (domain.Position, error) {
	if !p.Strategy.Valid() {
		return domain.Position{}, fmt.Errorf("ledger: upsert position: unknown strategy %q", p.Strategy)
	}
	if p.Status == "" {
		p.Status = domain.PositionStatusOpen
	}
	if p.Status.Terminal() {
		return domain.Position{}, fmt.Errorf("ledger: upsert position %s as %s: %w", p.ID, p.Status, domain.ErrInvalidTransition)
	}

	now := l.now()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.OpenedAt.IsZero() {
		p.OpenedAt = now
	}
	p.UpdatedAt = now
	p.ClosedAt = nil
	p.CostBasisUSD = roundUSD(p.CostBasisUSD)
	p.CurrentValueUSD = roundUSD(p.CurrentValueUSD)
	p.UnrealizedPnLUSD = pnl(p.CurrentValueUSD, p.CostBasisUSD)

	if err := l.positions.Upsert(ctx, p); err != nil {
		return domain.Position{}, fmt.Errorf("ledger: upsert position %s: %w", p.ID, err)
	}
	return p, nil
}

// GetPosition returns a position by id.
func (l *Ledger) GetPosition(ctx context.Context, id string) (domain.Position, error) {
	p, err := l.positions.GetByID(ctx, id)
	if err != nil {
		return domain.Position{}, fmt.Errorf("ledger: get position %s: %w", id, err)
	}
	return p, nil
}

// GetPositionByExternalID returns the position a venue knows as externalID.
func (l *Ledger) GetPositionByExternalID(ctx context.Context, strategy domain.Strategy, externalID string) (domain.Position, error) {
	p, err := l.positions.GetByExternalID(ctx, strategy, externalID)
	if err != nil {
		return domain.Position{}, fmt.Errorf("ledger: get position by external id %s: %w", externalID, err)
	}
	return p, nil
}

// GetOpenPositions lists held positions, optionally for one strategy.
func (l *Ledger) GetOpenPositions(ctx context.Context, strategy domain.Strategy) ([]domain.Position, error) {
	out, err := l.positions.ListOpen(ctx, strategy)
	if err != nil {
		return nil, fmt.Errorf("ledger: list open positions: %w", err)
	}
	return out, nil
}

// ClosePosition moves a position to CLOSED. realizedPnLUSD is the P&L of the
// holding being sold now. Earlier partial exits already accrued their P&L on
// the position, so the stored realized P&L is the sum of both, and the cost
// basis is restored to the full amount bought. The closing value becomes cost
// basis plus realized P&L and unrealized drops to zero. Closing twice fails
// with domain.ErrAlreadyClosed and changes nothing.
func (l *Ledger) ClosePosition(ctx context.Context, id, exitRef string, realizedPnLUSD float64) (domain.Position, error) {
	p, err := l.positions.GetByID(ctx, id)
	if err != nil {
		return domain.Position{}, fmt.Errorf("ledger: close position %s: %w", id, err)
	}
	if p.Status.Terminal() {
		return p, fmt.Errorf("ledger: close position %s: %w", id, domain.ErrAlreadyClosed)
	}

	exited := exitedCost(p)
	realized := addUSD(p.RealizedPnLUSD, realizedPnLUSD)
	cost := addUSD(p.CostBasisUSD, exited)
	c := domain.PositionClose{
		ExitTxID:        exitRef,
		CostBasisUSD:    cost,
		RealizedPnLUSD:  realized,
		CurrentValueUSD: addUSD(cost, realized),
		ClosedAt:        l.now(),
	}
	if err := l.positions.Close(ctx, id, c); err != nil {
		return domain.Position{}, fmt.Errorf("ledger: close position %s: %w", id, err)
	}
	if exited != 0 {
		// The tally is folded into the cost basis now; a later reopen
		// must not count it twice.
		if err := l.SetPositionMetadata(ctx, id, exitedCostMetadataKey, nil); err != nil {
			return domain.Position{}, err
		}
		delete(p.Metadata, exitedCostMetadataKey)
	}

	l.logger.InfoContext(ctx, "ledger: position closed",
		slog.String("position_id", id),
		slog.String("exit_ref", exitRef),
		slog.Float64("realized_pnl_usd", realized),
	)

	closedAt := c.ClosedAt
	p.Status = domain.PositionStatusClosed
	p.ExitTxID = exitRef
	p.CostBasisUSD = cost
	p.RealizedPnLUSD = realized
	p.CurrentValueUSD = c.CurrentValueUSD
	p.UnrealizedPnLUSD = 0
	p.ClosedAt = &closedAt
	p.UpdatedAt = closedAt
	return p, nil
}

// exitedCostMetadataKey tallies the cost basis already sold by partial exits
// of a still-held position.
const exitedCostMetadataKey = "exited_cost_usd"

func exitedCost(p domain.Position) float64 {
	v, _ := p.Metadata[exitedCostMetadataKey].(float64)
	return v
}

// reducePosition books the sale of fraction of pos for proceedsUSD. The sold
// slice's cost leaves the cost basis and its P&L accrues on the position.
func (l *Ledger) reducePosition(ctx context.Context, pos domain.Position, fraction, proceedsUSD float64) (domain.Position, error) {
	if pos.Status.Terminal() {
		return pos, fmt.Errorf("ledger: reduce position %s: %w", pos.ID, domain.ErrAlreadyClosed)
	}
	remaining := 1 - fraction
	sliceCost := mulUSD(pos.CostBasisUSD, fraction)

	md := make(map[string]any, len(pos.Metadata)+1)
	for k, v := range pos.Metadata {
		md[k] = v
	}
	md[exitedCostMetadataKey] = addUSD(exitedCost(pos), sliceCost)

	r := domain.PositionReduce{
		SizeUnits:       mulUSD(pos.SizeUnits, remaining),
		CostBasisUSD:    pnl(pos.CostBasisUSD, sliceCost),
		CurrentValueUSD: mulUSD(pos.CurrentValueUSD, remaining),
		RealizedPnLUSD:  addUSD(pos.RealizedPnLUSD, pnl(proceedsUSD, sliceCost)),
		Metadata:        md,
		UpdatedAt:       l.now(),
	}
	r.UnrealizedPnLUSD = pnl(r.CurrentValueUSD, r.CostBasisUSD)
	if err := l.positions.Reduce(ctx, pos.ID, r); err != nil {
		return pos, fmt.Errorf("ledger: reduce position %s: %w", pos.ID, err)
	}

	l.logger.InfoContext(ctx, "ledger: position reduced",
		slog.String("position_id", pos.ID),
		slog.Float64("fraction", fraction),
		slog.Float64("realized_pnl_usd", r.RealizedPnLUSD),
	)

	pos.Status = domain.PositionStatusPartialExit
	pos.SizeUnits = r.SizeUnits
	pos.CostBasisUSD = r.CostBasisUSD
	pos.CurrentValueUSD = r.CurrentValueUSD
	pos.UnrealizedPnLUSD = r.UnrealizedPnLUSD
	pos.RealizedPnLUSD = r.RealizedPnLUSD
	pos.Metadata = md
	pos.UpdatedAt = r.UpdatedAt
	return pos, nil
}

// ReopenPosition returns a terminal position to OPEN at the given marks. It
// exists for reconciliation, when the venue still holds what the ledger
// believed was closed.
func (l *Ledger) ReopenPosition(ctx context.Context, id string, price, valueUSD float64) error {
	p, err := l.positions.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("ledger: reopen position %s: %w", id, err)
	}
	value := roundUSD(valueUSD)
	u := domain.PriceUpdate{
		CurrentPrice:     price,
		CurrentValueUSD:  value,
		UnrealizedPnLUSD: pnl(value, p.CostBasisUSD),
		UpdatedAt:        l.now(),
	}
	if err := l.positions.Reopen(ctx, id, u); err != nil {
		return fmt.Errorf("ledger: reopen position %s: %w", id, err)
	}
	l.logger.InfoContext(ctx, "ledger: position reopened",
		slog.String("position_id", id),
		slog.Float64("value_usd", value),
	)
	return nil
}

// UpdatePositionPrice marks an open position to market.
func (l *Ledger) UpdatePositionPrice(ctx context.Context, id string, price, valueUSD float64) error {
	p, err := l.positions.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("ledger: update price %s: %w", id, err)
	}
	if p.Status.Terminal() {
		return fmt.Errorf("ledger: update price %s: %w", id, domain.ErrAlreadyClosed)
	}
	value := roundUSD(valueUSD)
	u := domain.PriceUpdate{
		CurrentPrice:     price,
		CurrentValueUSD:  value,
		UnrealizedPnLUSD: pnl(value, p.CostBasisUSD),
		UpdatedAt:        l.now(),
	}
	if err := l.positions.UpdatePrice(ctx, id, u); err != nil {
		return fmt.Errorf("ledger: update price %s: %w", id, err)
	}
	return nil
}

// SetPositionMetadata sets key on a position's metadata. A nil value removes
// the key.
func (l *Ledger) SetPositionMetadata(ctx context.Context, id, key string, value any) error {
	p, err := l.positions.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("ledger: set metadata %s: %w", id, err)
	}
	md := make(map[string]any, len(p.Metadata)+1)
	for k, v := range p.Metadata {
		md[k] = v
	}
	if value == nil {
		delete(md, key)
	} else {
		md[key] = value
	}
	if err := l.positions.SetMetadata(ctx, id, md, l.now()); err != nil {
		return fmt.Errorf("ledger: set metadata %s: %w", id, err)
	}
	return nil
}

// InsertTransaction appends tx. Inserting an id that already exists is not
// an error; the returned flag reports whether a row was written.
func (l *Ledger) InsertTransaction(ctx context.Context, tx domain.Transaction) (bool, error) {
	if tx.ID == "" {
		return false, errors.New("ledger: insert transaction: empty id")
	}
	if tx.Timestamp.IsZero() {
		tx.Timestamp = l.now()
	}
	if tx.Status == "" {
		tx.Status = domain.TxStatusPending
	}
	if tx.WalletAddress == "" {
		tx.WalletAddress = l.wallet
	} else {
		tx.WalletAddress = normalizeAddress(tx.WalletAddress)
	}
	tx.FeeUSD = roundUSD(tx.FeeUSD)

	inserted, err := l.txs.Insert(ctx, tx)
	if err != nil {
		return false, fmt.Errorf("ledger: insert transaction %s: %w", tx.ID, err)
	}
	if !inserted {
		l.logger.DebugContext(ctx, "ledger: duplicate transaction ignored", slog.String("tx_id", tx.ID))
	}
	return inserted, nil
}

// GetRecentTransactions returns the newest transactions first.
func (l *Ledger) GetRecentTransactions(ctx context.Context, limit int) ([]domain.Transaction, error) {
	out, err := l.txs.ListRecent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: recent transactions: %w", err)
	}
	return out, nil
}

// UpsertDailySnapshot writes snap, replacing the row for its date.
func (l *Ledger) UpsertDailySnapshot(ctx context.Context, snap domain.DailySnapshot) error {
	if snap.Date == "" {
		snap.Date = domain.SnapshotDate(l.now())
	}
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = l.now()
	}
	if err := l.snapshots.Upsert(ctx, snap); err != nil {
		return fmt.Errorf("ledger: upsert snapshot %s: %w", snap.Date, err)
	}
	return nil
}

// GetDailySnapshot returns the snapshot for date (YYYY-MM-DD).
func (l *Ledger) GetDailySnapshot(ctx context.Context, date string) (domain.DailySnapshot, error) {
	snap, err := l.snapshots.Get(ctx, date)
	if err != nil {
		return domain.DailySnapshot{}, fmt.Errorf("ledger: get snapshot %s: %w", date, err)
	}
	return snap, nil
}

// normalizeAddress checksums EVM addresses and leaves anything else (Solana,
// venue account ids) untouched.
func normalizeAddress(addr string) string {
	if common.IsHexAddress(addr) {
		return common.HexToAddress(addr).Hex()
	}
	return addr
}
