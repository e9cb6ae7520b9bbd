package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/cfoagent/internal/domain"
)

// Ledger is the subset of the ledger the monitor writes through.
type Ledger interface {
	GetOpenPositions(ctx context.Context, strategy domain.Strategy) ([]domain.Position, error)
	UpdatePositionPrice(ctx context.Context, id string, price, valueUSD float64) error
	SettleExitOrder(ctx context.Context, order domain.PendingOrder, rep domain.OrderStatusReport) (domain.Position, error)
	ClearExitOrder(ctx context.Context, order domain.PendingOrder) error
	ClosePosition(ctx context.Context, id, exitRef string, realizedPnLUSD float64) (domain.Position, error)
}

// DustExitRef is the exit reference of positions closed by dust cleanup.
const DustExitRef = "dust-cleanup"

// Venues resolves adapters by name.
type Venues interface {
	Get(name string) (domain.Venue, error)
	Enabled() []domain.Venue
}

// Monitor polls tracked orders and venue holdings on a fixed interval.
type Monitor struct {
	tracker     *Tracker
	ledger      Ledger
	venues      Venues
	notifier    domain.Notifier
	callTimeout time.Duration
	dustUSD     float64
	logger      *slog.Logger
}

// NewMonitor creates a Monitor.
func NewMonitor(
	tracker *Tracker,
	ledger Ledger,
	venues Venues,
	notifier domain.Notifier,
	callTimeout time.Duration,
	logger *slog.Logger,
) *Monitor {
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	return &Monitor{
		tracker:     tracker,
		ledger:      ledger,
		venues:      venues,
		notifier:    notifier,
		callTimeout: callTimeout,
		logger:      logger.With(slog.String("component", "order_monitor")),
	}
}

// SetDustThreshold makes RefreshPrices close positions whose venue value
// fell below usd instead of tracking them. Zero disables cleanup.
func (m *Monitor) SetDustThreshold(usd float64) {
	m.dustUSD = usd
}

// Run polls until ctx is cancelled. Call in a goroutine.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.Poll(ctx); err != nil {
				m.logger.ErrorContext(ctx, "order monitor poll failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Poll checks every tracked order once and refreshes prices.
func (m *Monitor) Poll(ctx context.Context) error {
	var errs []error
	for _, o := range m.tracker.List() {
		if err := m.checkOrder(ctx, o); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.RefreshPrices(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (m *Monitor) checkOrder(ctx context.Context, o domain.PendingOrder) error {
	v, err := m.venues.Get(o.Venue)
	if err != nil {
		return fmt.Errorf("orders: %s: %w", o.OrderID, err)
	}
	callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	rep, err := v.GetOrderStatus(callCtx, o.OrderID)
	cancel()
	if err != nil {
		m.logger.DebugContext(ctx, "order status fetch failed",
			slog.String("order_id", o.OrderID),
			slog.String("error", err.Error()),
		)
		return nil
	}

	switch rep.Status {
	case domain.OrderStatusMatched:
		pos, err := m.ledger.SettleExitOrder(ctx, o, rep)
		if err != nil {
			return fmt.Errorf("orders: settle %s: %w", o.OrderID, err)
		}
		m.tracker.Remove(o.OrderID)
		m.notify(ctx, domain.EventOrderFilled,
			"Exit order filled",
			fmt.Sprintf("%s\nProceeds: $%.2f\nRealized P&L: $%.2f", o.Description, rep.ProceedsUSD, pos.RealizedPnLUSD),
		)
	case domain.OrderStatusRejected, domain.OrderStatusCancelled:
		if err := m.ledger.ClearExitOrder(ctx, o); err != nil {
			return fmt.Errorf("orders: clear %s: %w", o.OrderID, err)
		}
		m.tracker.Remove(o.OrderID)
		m.logger.WarnContext(ctx, "exit order did not fill",
			slog.String("order_id", o.OrderID),
			slog.String("status", string(rep.Status)),
		)
		m.notify(ctx, domain.EventOrderRejected,
			"Exit order "+string(rep.Status),
			fmt.Sprintf("%s\nThe position stays open.", o.Description),
		)
	}
	return nil
}

// RefreshPrices marks every open ledger position that a venue still
// reports to the venue's current price.
func (m *Monitor) RefreshPrices(ctx context.Context) error {
	open, err := m.ledger.GetOpenPositions(ctx, "")
	if err != nil {
		return fmt.Errorf("orders: refresh prices: %w", err)
	}
	if len(open) == 0 {
		return nil
	}
	byExt := make(map[string]domain.Position, len(open))
	for _, p := range open {
		if p.ExternalID != "" {
			byExt[string(p.Strategy)+"/"+p.ExternalID] = p
		}
	}

	var errs []error
	for _, v := range m.venues.Enabled() {
		callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
		held, err := v.FetchPositions(callCtx)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("orders: %s positions: %w", v.Name(), err))
			continue
		}
		for _, vp := range held {
			p, ok := byExt[string(vp.Strategy)+"/"+vp.ExternalID]
			if !ok {
				continue
			}
			if m.dust(p, vp) {
				if err := m.cleanupDust(ctx, p, vp); err != nil {
					errs = append(errs, err)
				}
				continue
			}
			if p.CurrentPrice == vp.Price && p.CurrentValueUSD == vp.ValueUSD {
				continue
			}
			if err := m.ledger.UpdatePositionPrice(ctx, p.ID, vp.Price, vp.ValueUSD); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// dust reports whether a holding is worth less than the cleanup threshold.
// Positions with a resting exit are left to the order poll.
func (m *Monitor) dust(p domain.Position, vp domain.VenuePosition) bool {
	if m.dustUSD <= 0 || vp.ValueUSD >= m.dustUSD {
		return false
	}
	_, resting := p.Metadata[domain.PendingOrderMetadataKey]
	return !resting
}

func (m *Monitor) cleanupDust(ctx context.Context, p domain.Position, vp domain.VenuePosition) error {
	closed, err := m.ledger.ClosePosition(ctx, p.ID, DustExitRef, vp.ValueUSD-p.CostBasisUSD)
	if err != nil {
		return fmt.Errorf("orders: dust cleanup %s: %w", p.ID, err)
	}
	m.logger.InfoContext(ctx, "dust position closed",
		slog.String("position_id", p.ID),
		slog.Float64("value_usd", vp.ValueUSD),
		slog.Float64("realized_pnl_usd", closed.RealizedPnLUSD),
	)
	m.notify(ctx, domain.EventDustCleanup, "Dust position closed",
		fmt.Sprintf("%s closed at $%.2f (realized $%.2f)", p.Description, vp.ValueUSD, closed.RealizedPnLUSD))
	return nil
}

func (m *Monitor) notify(ctx context.Context, event, title, msg string) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Notify(ctx, event, title, msg); err != nil {
		m.logger.WarnContext(ctx, "notify failed", slog.String("error", err.Error()))
	}
}
