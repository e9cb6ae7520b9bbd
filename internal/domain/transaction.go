package domain

import "time"

// TxType is the kind of on-chain or venue action a transaction records.
type TxType string

const (
	TxSwap               TxType = "swap"
	TxStake              TxType = "stake"
	TxUnstake            TxType = "unstake"
	TxDeposit            TxType = "deposit"
	TxWithdraw           TxType = "withdraw"
	TxBridge             TxType = "bridge"
	TxPredictionBuy      TxType = "prediction_buy"
	TxPredictionSell     TxType = "prediction_sell"
	TxFeeCollect         TxType = "fee_collect"
	TxBorrow             TxType = "borrow"
	TxRepay              TxType = "repay"
	TxLiquidityAdd       TxType = "liquidity_add"
	TxLiquidityRemove    TxType = "liquidity_remove"
	TxLiquidityRebalance TxType = "liquidity_rebalance"
)

// TxStatus is the settlement state of a transaction.
type TxStatus string

const (
	TxStatusConfirmed TxStatus = "confirmed"
	TxStatusPending   TxStatus = "pending"
	TxStatusFailed    TxStatus = "failed"
)

// Transaction is an append-only record of an attempted execution.
type Transaction struct {
	ID            string         `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	Chain         string         `json:"chain"`
	StrategyTag   string         `json:"strategy_tag"`
	TxType        TxType         `json:"tx_type"`
	TokenIn       string         `json:"token_in,omitempty"`
	AmountIn      float64        `json:"amount_in"`
	TokenOut      string         `json:"token_out,omitempty"`
	AmountOut     float64        `json:"amount_out"`
	FeeUSD        float64        `json:"fee_usd"`
	TxHash        string         `json:"tx_hash,omitempty"`
	WalletAddress string         `json:"wallet_address,omitempty"`
	PositionID    string         `json:"position_id,omitempty"`
	Status        TxStatus       `json:"status"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// DailySnapshot is a per-day portfolio summary used for reporting.
type DailySnapshot struct {
	Date             string               `json:"date"`
	TotalValueUSD    float64              `json:"total_value_usd"`
	Breakdown        map[Strategy]float64 `json:"breakdown"`
	RealizedPnLUSD   float64              `json:"realized_pnl_usd"`
	UnrealizedPnLUSD float64              `json:"unrealized_pnl_usd"`
	Revenue          map[string]float64   `json:"revenue"`
	UpdatedAt        time.Time            `json:"updated_at"`
}

// SnapshotDate formats t as the snapshot key (UTC calendar day).
func SnapshotDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
