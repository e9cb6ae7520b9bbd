// Package paper is a simulated venue used by paper mode and tests. Orders
// fill at the configured mark price; exits may be left resting until the
// next status poll.
package paper

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/cfoagent/internal/domain"
)

// Venue is an in-memory venue.
type Venue struct {
	name         string
	strategy     domain.Strategy
	feeBps       float64
	restingExits bool

	mu        sync.Mutex
	marks     map[string]float64
	positions map[string]*domain.VenuePosition
	orders    map[string]*order
	now       func() time.Time
}

type order struct {
	ack        domain.OrderAck
	externalID string
	fraction   float64
}

// Option customizes a paper Venue.
type Option func(*Venue)

// WithMarks sets the initial mark price per asset.
func WithMarks(marks map[string]float64) Option {
	return func(v *Venue) {
		for k, p := range marks {
			v.marks[k] = p
		}
	}
}

// WithFeeBps charges a fee in basis points of notional on every fill.
func WithFeeBps(bps float64) Option {
	return func(v *Venue) { v.feeBps = bps }
}

// WithRestingExits leaves exit orders LIVE until the next GetOrderStatus.
func WithRestingExits() Option {
	return func(v *Venue) { v.restingExits = true }
}

// New creates a paper venue that books positions under strategy.
func New(name string, strategy domain.Strategy, opts ...Option) *Venue {
	v := &Venue{
		name:      name,
		strategy:  strategy,
		marks:     make(map[string]float64),
		positions: make(map[string]*domain.VenuePosition),
		orders:    make(map[string]*order),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *Venue) Name() string { return v.name }

// SetMark updates the mark price of asset and revalues open holdings.
func (v *Venue) SetMark(asset string, price float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.marks[asset] = price
	for _, p := range v.positions {
		if p.Asset == asset {
			p.Price = price
			p.ValueUSD = p.SizeUnits * price
		}
	}
}

// Resolve marks the holding with externalID as settled and redeemable.
func (v *Venue) Resolve(externalID string, price float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if p, ok := v.positions[externalID]; ok {
		p.Resolved = true
		p.Redeemable = true
		p.Price = price
		p.ValueUSD = p.SizeUnits * price
	}
}

// Seed books a holding directly, as if it had been opened in a previous run.
func (v *Venue) Seed(pos domain.VenuePosition) {
	v.mu.Lock()
	defer v.mu.Unlock()
	pos.Venue = v.name
	if pos.Strategy == "" {
		pos.Strategy = v.strategy
	}
	v.positions[pos.ExternalID] = &pos
}

func (v *Venue) mark(asset string, hint float64) float64 {
	if hint > 0 {
		return hint
	}
	if p, ok := v.marks[asset]; ok && p > 0 {
		return p
	}
	return 1
}

func (v *Venue) fee(notional float64) float64 {
	return notional * v.feeBps / 10_000
}

func (v *Venue) Scan(_ context.Context, strategy domain.Strategy) ([]domain.Opportunity, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if strategy != v.strategy {
		return nil, nil
	}
	out := make([]domain.Opportunity, 0, len(v.marks))
	for asset, price := range v.marks {
		out = append(out, domain.Opportunity{Venue: v.name, Strategy: strategy, Asset: asset, Price: price})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

func (v *Venue) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderAck, error) {
	if err := ctx.Err(); err != nil {
		return domain.OrderAck{}, err
	}
	if req.Amount <= 0 {
		return domain.OrderAck{}, fmt.Errorf("paper: amount must be positive: %w", domain.ErrTerminal)
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	price := v.mark(req.Asset, req.Price)
	notional := req.Amount * price
	ack := domain.OrderAck{
		OrderID:      "paper-" + uuid.NewString(),
		Status:       domain.OrderStatusMatched,
		TxHash:       fakeHash(),
		FilledAmount: req.Amount,
		FilledPrice:  price,
		ProceedsUSD:  notional,
		FeeUSD:       v.fee(notional),
	}

	switch req.Action {
	case domain.ActionBuy, domain.ActionStake, domain.ActionSupply, domain.ActionBorrow,
		domain.ActionAddLP, domain.ActionOpenPerp:
		extID := req.ExternalID
		if extID == "" {
			extID = fmt.Sprintf("%s-%s-%d", v.name, req.Asset, len(v.positions)+1)
		}
		p, ok := v.positions[extID]
		if !ok {
			p = &domain.VenuePosition{
				Venue:      v.name,
				Strategy:   v.strategy,
				ExternalID: extID,
				Asset:      req.Asset,
				Chain:      req.Chain,
			}
			v.positions[extID] = p
		}
		p.SizeUnits += req.Amount
		p.Price = price
		p.ValueUSD = p.SizeUnits * price
		ack.ExternalID = extID
	case domain.ActionSell, domain.ActionUnstake, domain.ActionRepay, domain.ActionRemoveLP:
		if p, ok := v.positions[req.ExternalID]; ok {
			v.reduce(p, req.Amount)
			ack.ExternalID = p.ExternalID
		}
	}
	v.orders[ack.OrderID] = &order{ack: ack}
	return ack, nil
}

func (v *Venue) reduce(p *domain.VenuePosition, amount float64) {
	p.SizeUnits -= amount
	if p.SizeUnits <= 1e-9 {
		delete(v.positions, p.ExternalID)
		return
	}
	p.ValueUSD = p.SizeUnits * p.Price
}

func (v *Venue) GetOrderStatus(ctx context.Context, orderID string) (domain.OrderStatusReport, error) {
	if err := ctx.Err(); err != nil {
		return domain.OrderStatusReport{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	o, ok := v.orders[orderID]
	if !ok {
		return domain.OrderStatusReport{}, fmt.Errorf("paper: order %s: %w", orderID, domain.ErrNotFound)
	}
	if o.ack.Status == domain.OrderStatusLive {
		v.fillExit(o)
	}
	return domain.OrderStatusReport{
		OrderID:      o.ack.OrderID,
		Status:       o.ack.Status,
		FilledAmount: o.ack.FilledAmount,
		FilledPrice:  o.ack.FilledPrice,
		ProceedsUSD:  o.ack.ProceedsUSD,
		TxHash:       o.ack.TxHash,
	}, nil
}

// fillExit completes a resting exit at the current mark.
func (v *Venue) fillExit(o *order) {
	p, ok := v.positions[o.externalID]
	if !ok {
		o.ack.Status = domain.OrderStatusCancelled
		return
	}
	size := p.SizeUnits * o.fraction
	notional := size * p.Price
	o.ack.Status = domain.OrderStatusMatched
	o.ack.FilledAmount = size
	o.ack.FilledPrice = p.Price
	o.ack.ProceedsUSD = notional - v.fee(notional)
	o.ack.FeeUSD = v.fee(notional)
	o.ack.TxHash = fakeHash()
	v.reduce(p, size)
}

func (v *Venue) FetchPositions(ctx context.Context) ([]domain.VenuePosition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]domain.VenuePosition, 0, len(v.positions))
	for _, p := range v.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out, nil
}

func (v *Venue) ExitPosition(ctx context.Context, pos domain.VenuePosition, fraction float64) (domain.OrderAck, error) {
	if err := ctx.Err(); err != nil {
		return domain.OrderAck{}, err
	}
	if fraction <= 0 || fraction > 1 {
		fraction = 1
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	p, ok := v.positions[pos.ExternalID]
	if !ok {
		return domain.OrderAck{}, fmt.Errorf("paper: exit %s: %w", pos.ExternalID, domain.ErrNotFound)
	}
	o := &order{
		ack: domain.OrderAck{
			OrderID:    "paper-" + uuid.NewString(),
			Status:     domain.OrderStatusLive,
			ExternalID: p.ExternalID,
		},
		externalID: p.ExternalID,
		fraction:   fraction,
	}
	v.orders[o.ack.OrderID] = o
	if !v.restingExits {
		v.fillExit(o)
	}
	return o.ack, nil
}

func (v *Venue) RedeemPosition(ctx context.Context, pos domain.VenuePosition) (domain.RedeemResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.RedeemResult{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	p, ok := v.positions[pos.ExternalID]
	if !ok {
		return domain.RedeemResult{}, fmt.Errorf("paper: redeem %s: %w", pos.ExternalID, domain.ErrNotFound)
	}
	if !p.Redeemable {
		return domain.RedeemResult{}, fmt.Errorf("paper: redeem %s: not redeemable: %w", pos.ExternalID, domain.ErrTerminal)
	}
	delete(v.positions, p.ExternalID)
	return domain.RedeemResult{TxHash: fakeHash(), ProceedsUSD: p.ValueUSD}, nil
}

func (v *Venue) CheckHealth(_ context.Context) (domain.VenueHealth, error) {
	return domain.VenueHealth{Venue: v.name, OK: true, CheckedAt: v.now()}, nil
}

func fakeHash() string {
	id := uuid.New()
	return fmt.Sprintf("0x%x%x", id[:], id[:])
}
