package domain

import "time"

// ExitTrigger names the rule that caused an exit decision.
type ExitTrigger string

const (
	TriggerStopLoss     ExitTrigger = "stop_loss"
	TriggerTrailingStop ExitTrigger = "trailing_stop"
	TriggerTakeProfit   ExitTrigger = "take_profit"
	TriggerPartialTP    ExitTrigger = "partial_tp"
	TriggerManual       ExitTrigger = "manual"
)

// ExitDecision is produced by the rule engine for a single tick. SellFraction
// is the share of the current token balance to sell; SellPct is the same sale
// expressed as a percentage of the original entry amount, which is what the
// ladder accounting tracks. RuleIndex is only meaningful for partial_tp.
type ExitDecision struct {
	Trigger      ExitTrigger
	SellFraction float64
	SellPct      float64
	RuleIndex    int
	TriggerPrice float64
}

// Full reports whether the decision disposes of the whole remaining balance.
func (d ExitDecision) Full() bool {
	return d.SellFraction >= 1
}

// ExitHandle identifies a submitted exit transaction.
type ExitHandle struct {
	TxHash       string
	Trigger      ExitTrigger
	AmountToken  float64
	AmountOutMin float64
}

// ExecutionStatus tracks a submitted exit transaction through reconciliation.
type ExecutionStatus string

const (
	ExecSubmitted ExecutionStatus = "submitted"
	ExecConfirmed ExecutionStatus = "confirmed"
	ExecReverted  ExecutionStatus = "reverted"
	// ExecAbandoned means confirmation stayed ambiguous past the retry
	// budget; the transaction may still have landed and needs manual review.
	ExecAbandoned ExecutionStatus = "abandoned"
)

// ExitExecution is the persistent record of one exit transaction. Trigger is
// the rule that fired and is never rewritten; Classification is set after
// reconciliation to match the realized P&L sign.
type ExitExecution struct {
	ID         string
	PositionID string
	TxHash     string
	Trigger    ExitTrigger
	// Classification is take_profit or stop_loss depending on the sign of
	// the realized P&L, regardless of what rule fired. Empty until confirmed.
	Classification ExitTrigger

	SellAmountToken float64
	ProceedsUsd     float64 // actual stable-asset amount received on-chain
	RealizedPnlUsd  float64
	RealizedPnlPct  float64
	TotalFees       float64

	Status      ExecutionStatus
	SubmittedAt time.Time
	ConfirmedAt *time.Time
}

// PartialSellRecord is one row of ladder history. SellAmountUsd is filled
// from actual proceeds after the transaction confirms.
type PartialSellRecord struct {
	ID              string
	PositionID      string
	RuleIndex       int
	TriggerPrice    float64
	SellPercent     float64
	SellAmountToken float64
	SellAmountUsd   float64
	TxHash          string
	Status          ExecutionStatus
	CreatedAt       time.Time
}

// ClassifyExit maps a confirmed exit to the classification consistent with
// its realized P&L sign. A "take-profit" that lost money to slippage is
// classified stop_loss, but the original trigger is preserved separately.
func ClassifyExit(pnlUsd float64) ExitTrigger {
	if pnlUsd < 0 {
		return TriggerStopLoss
	}
	return TriggerTakeProfit
}

// PositionFill applies a confirmed sale to a position's accounting.
type PositionFill struct {
	PositionID   string
	SoldToken    float64
	SoldUsd      float64
	SoldPct      float64 // this fill's increment, as a share of the original entry amount
	NewTriggered []int   // full replacement triggered-index set
	NewStatus    PositionStatus
}
