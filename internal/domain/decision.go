package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// DecisionType names a portfolio action. The executor holds one handler per
// type.
type DecisionType string

const (
	DecisionOpenHedge  DecisionType = "open_hedge"
	DecisionCloseHedge DecisionType = "close_hedge"
	DecisionStake      DecisionType = "stake"
	DecisionUnstake    DecisionType = "unstake"
	DecisionBorrow     DecisionType = "borrow"
	DecisionRepay      DecisionType = "repay"
	DecisionLPOpen     DecisionType = "lp_open"
	DecisionLPClose    DecisionType = "lp_close"
	DecisionMarketBuy  DecisionType = "market_buy"
	DecisionMarketExit DecisionType = "market_exit"
	DecisionSwap       DecisionType = "swap"
	DecisionBridge     DecisionType = "bridge"
	DecisionSkip       DecisionType = "skip"
)

// Tier decides whether a decision may run unattended.
type Tier string

const (
	TierAuto     Tier = "AUTO"
	TierApproval Tier = "APPROVAL"
)

// Urgency is advisory priority attached by the producer.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Decision is a pure description of an intended action. It carries no
// behaviour so it can be persisted and replayed after a restart.
type Decision struct {
	ID                 string          `json:"id"`
	Type               DecisionType    `json:"type"`
	Tier               Tier            `json:"tier"`
	Urgency            Urgency         `json:"urgency"`
	Reasoning          string          `json:"reasoning"`
	EstimatedImpactUSD float64         `json:"estimated_impact_usd"`
	Params             json.RawMessage `json:"params,omitempty"`
	IntelUsed          []string        `json:"intel_used,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
}

// DecodeParams unmarshals the type-specific payload into dst.
func (d Decision) DecodeParams(dst any) error {
	if len(d.Params) == 0 {
		return fmt.Errorf("%w: %s has no params", ErrInvalidParams, d.Type)
	}
	if err := json.Unmarshal(d.Params, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidParams, d.Type, err)
	}
	return nil
}

// OpenParams is the payload for decisions that open or add to a position
// (open_hedge, stake, borrow, lp_open, market_buy, swap, bridge).
type OpenParams struct {
	Strategy   Strategy `json:"strategy"`
	Asset      string   `json:"asset"`
	Chain      string   `json:"chain"`
	TokenIn    string   `json:"token_in,omitempty"`
	TokenOut   string   `json:"token_out,omitempty"`
	Amount     float64  `json:"amount"`
	Price      float64  `json:"price,omitempty"`
	Side       string   `json:"side,omitempty"`
	ExternalID string   `json:"external_id,omitempty"`
	Venue      string   `json:"venue,omitempty"`
}

// ExitParams is the payload for decisions that reduce or close an existing
// position (close_hedge, unstake, repay, lp_close, market_exit).
type ExitParams struct {
	PositionID string  `json:"position_id"`
	Fraction   float64 `json:"fraction,omitempty"`
	Price      float64 `json:"price,omitempty"`
	Venue      string  `json:"venue,omitempty"`
}

// Outcome summarizes what happened to a decision in a cycle.
type Outcome string

const (
	OutcomeExecuted        Outcome = "executed"
	OutcomeOrderPlaced     Outcome = "order_placed"
	OutcomeUnknown         Outcome = "unknown"
	OutcomeFailed          Outcome = "failed"
	OutcomeSkipped         Outcome = "skipped"
	OutcomeCooldown        Outcome = "cooldown"
	OutcomeDryRun          Outcome = "dry_run"
	OutcomePendingApproval Outcome = "pending_approval"
	OutcomeNotReplayable   Outcome = "not_replayable"
)

// ExecutionResult is the executor's report for a single decision.
type ExecutionResult struct {
	DecisionID   string       `json:"decision_id"`
	DecisionType DecisionType `json:"decision_type"`
	Tier         Tier         `json:"tier"`
	Outcome      Outcome      `json:"outcome"`
	Venue        string       `json:"venue,omitempty"`
	OrderID      string       `json:"order_id,omitempty"`
	OrderStatus  OrderStatus  `json:"order_status,omitempty"`
	TxHash       string       `json:"tx_hash,omitempty"`
	ExternalID   string       `json:"external_id,omitempty"`
	FilledAmount float64      `json:"filled_amount,omitempty"`
	FilledPrice  float64      `json:"filled_price,omitempty"`
	ProceedsUSD  float64      `json:"proceeds_usd,omitempty"`
	FeeUSD       float64      `json:"fee_usd,omitempty"`
	Attempts     int          `json:"attempts,omitempty"`
	ApprovalID   int64        `json:"approval_id,omitempty"`
	TxID         string       `json:"tx_id,omitempty"`
	PositionID   string       `json:"position_id,omitempty"`
	Error        string       `json:"error,omitempty"`
}

// Executed reports whether the venue accepted the action (filled or resting).
func (r ExecutionResult) Executed() bool {
	return r.Outcome == OutcomeExecuted || r.Outcome == OutcomeOrderPlaced
}

// Attempted reports whether a venue call was made at all, which is what
// decides whether a transaction row is written. Failures before the first
// call (bad params, no venue) do not count.
func (r ExecutionResult) Attempted() bool {
	switch r.Outcome {
	case OutcomeExecuted, OutcomeOrderPlaced, OutcomeUnknown:
		return true
	case OutcomeFailed:
		return r.Attempts > 0
	}
	return false
}

// PositionEffect describes how a decision type changes the book.
type PositionEffect int

const (
	// EffectNone records a transaction only (swaps, bridges).
	EffectNone PositionEffect = iota
	// EffectOpen opens or adds to a position.
	EffectOpen
	// EffectExit reduces or closes an existing position.
	EffectExit
)

// DecisionSpec is the static routing information for a decision type.
type DecisionSpec struct {
	Strategy Strategy
	Action   OrderAction
	TxType   TxType
	Effect   PositionEffect
	// PriceSensitive types are never replayed from an approval that
	// survived a restart because the quoted price is stale by then.
	PriceSensitive bool
}

var decisionCatalog = map[DecisionType]DecisionSpec{
	DecisionOpenHedge:  {Strategy: StrategyPerpHedge, Action: ActionOpenPerp, TxType: TxDeposit, Effect: EffectOpen, PriceSensitive: true},
	DecisionCloseHedge: {Strategy: StrategyPerpHedge, Action: ActionSell, TxType: TxWithdraw, Effect: EffectExit, PriceSensitive: true},
	DecisionStake:      {Strategy: StrategyLiquidStaking, Action: ActionStake, TxType: TxStake, Effect: EffectOpen},
	DecisionUnstake:    {Strategy: StrategyLiquidStaking, Action: ActionUnstake, TxType: TxUnstake, Effect: EffectExit},
	DecisionBorrow:     {Strategy: StrategyLendingLoop, Action: ActionBorrow, TxType: TxBorrow, Effect: EffectOpen},
	DecisionRepay:      {Strategy: StrategyLendingLoop, Action: ActionRepay, TxType: TxRepay, Effect: EffectExit},
	DecisionLPOpen:     {Strategy: StrategyAMMLiquidity, Action: ActionAddLP, TxType: TxLiquidityAdd, Effect: EffectOpen},
	DecisionLPClose:    {Strategy: StrategyAMMLiquidity, Action: ActionRemoveLP, TxType: TxLiquidityRemove, Effect: EffectExit},
	DecisionMarketBuy:  {Strategy: StrategyPredictionMarket, Action: ActionBuy, TxType: TxPredictionBuy, Effect: EffectOpen, PriceSensitive: true},
	DecisionMarketExit: {Strategy: StrategyPredictionMarket, Action: ActionSell, TxType: TxPredictionSell, Effect: EffectExit, PriceSensitive: true},
	DecisionSwap:       {Strategy: StrategySwap, Action: ActionSwap, TxType: TxSwap, Effect: EffectNone, PriceSensitive: true},
	DecisionBridge:     {Strategy: StrategySwap, Action: ActionBridge, TxType: TxBridge, Effect: EffectNone},
}

// Spec returns the routing information for t.
func (t DecisionType) Spec() (DecisionSpec, bool) {
	s, ok := decisionCatalog[t]
	return s, ok
}

// ExitTxType is the transaction type written when a position of strategy s
// is unwound outside a decision, e.g. by a resting order filling later.
func ExitTxType(s Strategy) TxType {
	for _, spec := range decisionCatalog {
		if spec.Strategy == s && spec.Effect == EffectExit {
			return spec.TxType
		}
	}
	return TxWithdraw
}

// DecisionTypes lists every executable decision type.
func DecisionTypes() []DecisionType {
	out := make([]DecisionType, 0, len(decisionCatalog))
	for t := range decisionCatalog {
		out = append(out, t)
	}
	return out
}
