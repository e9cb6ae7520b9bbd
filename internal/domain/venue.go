package domain

import (
	"context"
	"time"
)

// Opportunity is a candidate surfaced by a venue scan.
type Opportunity struct {
	Venue      string         `json:"venue"`
	Strategy   Strategy       `json:"strategy"`
	Asset      string         `json:"asset"`
	ExternalID string         `json:"external_id,omitempty"`
	APY        float64        `json:"apy,omitempty"`
	Price      float64        `json:"price,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
}

// VenuePosition is a holding as the venue reports it.
type VenuePosition struct {
	Venue      string   `json:"venue"`
	Strategy   Strategy `json:"strategy"`
	ExternalID string   `json:"external_id"`
	Asset      string   `json:"asset"`
	Chain      string   `json:"chain"`
	SizeUnits  float64  `json:"size_units"`
	Price      float64  `json:"price"`
	ValueUSD   float64  `json:"value_usd"`
	// Resolved is set once the underlying market or term has settled.
	Resolved bool `json:"resolved"`
	// Redeemable is set when the venue allows claiming the settlement.
	Redeemable bool `json:"redeemable"`
}

// RedeemResult is the outcome of claiming a settled position.
type RedeemResult struct {
	TxHash      string  `json:"tx_hash"`
	ProceedsUSD float64 `json:"proceeds_usd"`
}

// OrderStatusReport is the venue's current view of a previously placed order.
type OrderStatusReport struct {
	OrderID      string      `json:"order_id"`
	Status       OrderStatus `json:"status"`
	FilledAmount float64     `json:"filled_amount"`
	FilledPrice  float64     `json:"filled_price"`
	ProceedsUSD  float64     `json:"proceeds_usd"`
	TxHash       string      `json:"tx_hash,omitempty"`
}

// VenueHealth is the result of a venue liveness probe.
type VenueHealth struct {
	Venue     string        `json:"venue"`
	OK        bool          `json:"ok"`
	Latency   time.Duration `json:"latency"`
	Message   string        `json:"message,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}

// Venue is the thin client every trading venue adapter exposes. Errors
// should wrap ErrTransient or ErrTerminal so callers can decide on retries.
type Venue interface {
	Name() string
	Scan(ctx context.Context, strategy Strategy) ([]Opportunity, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	GetOrderStatus(ctx context.Context, orderID string) (OrderStatusReport, error)
	FetchPositions(ctx context.Context) ([]VenuePosition, error)
	ExitPosition(ctx context.Context, pos VenuePosition, fraction float64) (OrderAck, error)
	RedeemPosition(ctx context.Context, pos VenuePosition) (RedeemResult, error)
	CheckHealth(ctx context.Context) (VenueHealth, error)
}
