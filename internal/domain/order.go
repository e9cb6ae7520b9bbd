package domain

import "time"

// OrderStatus is the venue-reported state of an order.
type OrderStatus string

const (
	OrderStatusLive      OrderStatus = "LIVE"
	OrderStatusMatched   OrderStatus = "MATCHED"
	OrderStatusRejected  OrderStatus = "REJECTED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// Final reports whether the order can no longer change.
func (s OrderStatus) Final() bool {
	return s == OrderStatusMatched || s == OrderStatusRejected || s == OrderStatusCancelled
}

// OrderAction is the verb a venue is asked to perform.
type OrderAction string

const (
	ActionBuy      OrderAction = "buy"
	ActionSell     OrderAction = "sell"
	ActionStake    OrderAction = "stake"
	ActionUnstake  OrderAction = "unstake"
	ActionSupply   OrderAction = "supply"
	ActionBorrow   OrderAction = "borrow"
	ActionRepay    OrderAction = "repay"
	ActionAddLP    OrderAction = "add_liquidity"
	ActionRemoveLP OrderAction = "remove_liquidity"
	ActionSwap     OrderAction = "swap"
	ActionBridge   OrderAction = "bridge"
	ActionOpenPerp OrderAction = "open_perp"
)

// OrderRequest is a venue-agnostic instruction.
type OrderRequest struct {
	ClientID   string      `json:"client_id"`
	Action     OrderAction `json:"action"`
	Asset      string      `json:"asset"`
	Chain      string      `json:"chain,omitempty"`
	TokenIn    string      `json:"token_in,omitempty"`
	TokenOut   string      `json:"token_out,omitempty"`
	Side       string      `json:"side,omitempty"`
	Amount     float64     `json:"amount"`
	Price      float64     `json:"price,omitempty"`
	ExternalID string      `json:"external_id,omitempty"`
}

// OrderAck is the venue's immediate answer to an OrderRequest.
type OrderAck struct {
	OrderID      string      `json:"order_id"`
	Status       OrderStatus `json:"status"`
	TxHash       string      `json:"tx_hash,omitempty"`
	FilledAmount float64     `json:"filled_amount"`
	FilledPrice  float64     `json:"filled_price"`
	ProceedsUSD  float64     `json:"proceeds_usd"`
	FeeUSD       float64     `json:"fee_usd"`
	ExternalID   string      `json:"external_id,omitempty"`
	Message      string      `json:"message,omitempty"`
}

// PendingOrder is an unfilled exit order whose fill will close a position,
// or reduce it when Fraction is below one. CostBasisUSD is the cost of the
// slice the order sells. A zero Fraction means the whole position.
type PendingOrder struct {
	OrderID      string    `json:"order_id"`
	PositionID   string    `json:"position_id"`
	Fraction     float64   `json:"fraction,omitempty"`
	CostBasisUSD float64   `json:"cost_basis_usd"`
	Description  string    `json:"description"`
	Venue        string    `json:"venue"`
	PlacedAt     time.Time `json:"placed_at"`
}

// PendingOrderMetadataKey is the position metadata key that mirrors a
// PendingOrder so the tracker can be rebuilt after a restart.
const PendingOrderMetadataKey = "pending_sell_order"
