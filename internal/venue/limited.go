package venue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/cfoagent/internal/domain"
	"github.com/alanyoungcy/cfoagent/internal/metrics"
)

// Limited wraps a venue with a token-bucket limiter and call metrics.
type Limited struct {
	inner   domain.Venue
	name    string
	limiter *rate.Limiter
}

var _ domain.Venue = (*Limited)(nil)

// NewLimited wraps v.
func NewLimited(v domain.Venue, name string, limiter *rate.Limiter) *Limited {
	return &Limited{inner: v, name: name, limiter: limiter}
}

// Name returns the registered name.
func (l *Limited) Name() string { return l.name }

// Unwrap returns the underlying adapter.
func (l *Limited) Unwrap() domain.Venue { return l.inner }

func (l *Limited) wait(ctx context.Context, verb string) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("venue: %s %s: %w: %v", l.name, verb, domain.ErrRateLimited, err)
	}
	return nil
}

func (l *Limited) observe(ctx context.Context, verb string, start time.Time, err error) {
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		metrics.RecordVenueTimeout(l.name, verb, time.Since(start))
		return
	}
	metrics.RecordVenueCall(l.name, verb, time.Since(start), err)
}

func (l *Limited) Scan(ctx context.Context, strategy domain.Strategy) ([]domain.Opportunity, error) {
	if err := l.wait(ctx, "scan"); err != nil {
		return nil, err
	}
	start := time.Now()
	out, err := l.inner.Scan(ctx, strategy)
	l.observe(ctx, "scan", start, err)
	return out, err
}

func (l *Limited) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderAck, error) {
	if err := l.wait(ctx, "place_order"); err != nil {
		return domain.OrderAck{}, err
	}
	start := time.Now()
	ack, err := l.inner.PlaceOrder(ctx, req)
	l.observe(ctx, "place_order", start, err)
	return ack, err
}

func (l *Limited) GetOrderStatus(ctx context.Context, orderID string) (domain.OrderStatusReport, error) {
	if err := l.wait(ctx, "order_status"); err != nil {
		return domain.OrderStatusReport{}, err
	}
	start := time.Now()
	rep, err := l.inner.GetOrderStatus(ctx, orderID)
	l.observe(ctx, "order_status", start, err)
	return rep, err
}

func (l *Limited) FetchPositions(ctx context.Context) ([]domain.VenuePosition, error) {
	if err := l.wait(ctx, "fetch_positions"); err != nil {
		return nil, err
	}
	start := time.Now()
	out, err := l.inner.FetchPositions(ctx)
	l.observe(ctx, "fetch_positions", start, err)
	return out, err
}

func (l *Limited) ExitPosition(ctx context.Context, pos domain.VenuePosition, fraction float64) (domain.OrderAck, error) {
	if err := l.wait(ctx, "exit_position"); err != nil {
		return domain.OrderAck{}, err
	}
	start := time.Now()
	ack, err := l.inner.ExitPosition(ctx, pos, fraction)
	l.observe(ctx, "exit_position", start, err)
	return ack, err
}

func (l *Limited) RedeemPosition(ctx context.Context, pos domain.VenuePosition) (domain.RedeemResult, error) {
	if err := l.wait(ctx, "redeem"); err != nil {
		return domain.RedeemResult{}, err
	}
	start := time.Now()
	res, err := l.inner.RedeemPosition(ctx, pos)
	l.observe(ctx, "redeem", start, err)
	return res, err
}

func (l *Limited) CheckHealth(ctx context.Context) (domain.VenueHealth, error) {
	if err := l.wait(ctx, "health"); err != nil {
		return domain.VenueHealth{}, err
	}
	start := time.Now()
	h, err := l.inner.CheckHealth(ctx)
	l.observe(ctx, "health", start, err)
	return h, err
}
