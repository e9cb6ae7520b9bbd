package domain

import "time"

// Strategy names the family a position belongs to.
type Strategy string

const (
	StrategyPredictionMarket Strategy = "prediction-market"
	StrategyPerpHedge        Strategy = "perp-hedge"
	StrategyLendingLoop      Strategy = "lending-loop"
	StrategyLiquidStaking    Strategy = "liquid-staking"
	StrategyAMMLiquidity     Strategy = "amm-liquidity"
	StrategySwap             Strategy = "swap"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyPredictionMarket, StrategyPerpHedge, StrategyLendingLoop,
		StrategyLiquidStaking, StrategyAMMLiquidity, StrategySwap:
		return true
	}
	return false
}

// HoldsAsset reports whether positions of this strategy keep a specific
// on-chain asset in custody and therefore need exposure monitoring.
func (s Strategy) HoldsAsset() bool {
	switch s {
	case StrategyLiquidStaking, StrategyLendingLoop, StrategyAMMLiquidity, StrategyPerpHedge:
		return true
	}
	return false
}

// PositionStatus tracks the lifecycle of a position.
type PositionStatus string

const (
	PositionStatusOpen        PositionStatus = "OPEN"
	PositionStatusPartialExit PositionStatus = "PARTIAL_EXIT"
	PositionStatusClosed      PositionStatus = "CLOSED"
	PositionStatusStopHit     PositionStatus = "STOP_HIT"
	PositionStatusExpired     PositionStatus = "EXPIRED"
)

// Terminal reports whether the status means the position is no longer held.
func (s PositionStatus) Terminal() bool {
	return s == PositionStatusClosed || s == PositionStatusStopHit || s == PositionStatusExpired
}

// Position is a single holding in one strategy. Money fields are USD.
type Position struct {
	ID               string         `json:"id"`
	Strategy         Strategy       `json:"strategy"`
	Asset            string         `json:"asset"`
	Description      string         `json:"description"`
	Chain            string         `json:"chain"`
	Status           PositionStatus `json:"status"`
	EntryPrice       float64        `json:"entry_price"`
	CurrentPrice     float64        `json:"current_price"`
	SizeUnits        float64        `json:"size_units"`
	CostBasisUSD     float64        `json:"cost_basis_usd"`
	CurrentValueUSD  float64        `json:"current_value_usd"`
	RealizedPnLUSD   float64        `json:"realized_pnl_usd"`
	UnrealizedPnLUSD float64        `json:"unrealized_pnl_usd"`
	EntryTxID        string         `json:"entry_tx_id,omitempty"`
	ExitTxID         string         `json:"exit_tx_id,omitempty"`
	ExternalID       string         `json:"external_id,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	OpenedAt         time.Time      `json:"opened_at"`
	ClosedAt         *time.Time     `json:"closed_at,omitempty"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// PositionClose carries the values written when a position is closed.
// CostBasisUSD is the full cost of everything bought, including slices sold
// by earlier partial exits.
type PositionClose struct {
	ExitTxID        string
	CostBasisUSD    float64
	RealizedPnLUSD  float64
	CurrentValueUSD float64
	ClosedAt        time.Time
}

// PositionReduce carries the values written when part of a position is sold.
// RealizedPnLUSD is the running total over every partial exit so far.
type PositionReduce struct {
	SizeUnits        float64
	CostBasisUSD     float64
	CurrentValueUSD  float64
	UnrealizedPnLUSD float64
	RealizedPnLUSD   float64
	Metadata         map[string]any
	UpdatedAt        time.Time
}

// PriceUpdate carries a mark-to-market refresh for an open position.
type PriceUpdate struct {
	CurrentPrice     float64
	CurrentValueUSD  float64
	UnrealizedPnLUSD float64
	UpdatedAt        time.Time
}
