package domain

import "time"

// PositionStatus tracks where a position is in its exit lifecycle.
type PositionStatus string

const (
	// PositionHolding means the position is open and being monitored.
	PositionHolding PositionStatus = "holding"
	// PositionExiting means an exit transaction is in flight.
	PositionExiting PositionStatus = "exiting"
	// PositionExited means all tokens have been disposed of.
	PositionExited PositionStatus = "exited"
	// PositionFailed means retries are exhausted and manual action is needed.
	PositionFailed PositionStatus = "failed"
)

// Terminal reports whether the status is an end state.
func (s PositionStatus) Terminal() bool {
	return s == PositionExited || s == PositionFailed
}

// StopLossType distinguishes a static stop from one that ratchets with price.
type StopLossType string

const (
	StopFixed    StopLossType = "fixed"
	StopTrailing StopLossType = "trailing"
)

// VenueClass is the price-venue classification hint for a token.
type VenueClass string

const (
	// VenueAlpha tokens are quoted off-chain by the aggregated quote venue.
	VenueAlpha VenueClass = "alpha"
	// VenuePool tokens are quoted directly from their on-chain liquidity pool.
	VenuePool VenueClass = "pool"
	// VenueUnknown positions predate classification; quoting is best-effort.
	VenueUnknown VenueClass = "unknown"
)

// PartialTPRule is one rung of a partial take-profit ladder: when unrealized
// profit reaches ProfitPct, sell SellPct of the original entry amount.
type PartialTPRule struct {
	ProfitPct float64 `json:"profit_pct"`
	SellPct   float64 `json:"sell_pct"`
}

// Position is an open, on-chain token holding tracked until fully exited.
type Position struct {
	ID              string
	SignalID        string
	OwnerID         string
	TokenSymbol     string
	Chain           string
	ContractAddress string // empty for positions entered by symbol only
	WalletAddress   string

	EntryPrice       float64
	EntryAmountToken float64
	EntryAmountUsd   float64

	// CurrentTokenBalance is entry amount minus confirmed sold amounts.
	CurrentTokenBalance float64

	StopLossPrice   float64
	StopLossType    StopLossType
	TakeProfitPrice float64
	// PeakPrice is the highest price observed while holding; the trailing
	// stop ratchets off it.
	PeakPrice float64

	PartialTPEnabled   bool
	PartialTPRules     []PartialTPRule
	PartialTPTriggered []int // rule indices that already fired
	PartialSoldPct     float64
	PartialSoldUsd     float64

	VenueClass VenueClass
	Status     PositionStatus
	LastError  string

	OpenedAt  time.Time
	UpdatedAt time.Time
	ClosedAt  *time.Time
}

// RemainingPct returns the percentage of the original entry not yet sold.
func (p Position) RemainingPct() float64 {
	rem := 100 - p.PartialSoldPct
	if rem < 0 {
		return 0
	}
	return rem
}

// HasTriggered reports whether partial-TP rule idx has already fired.
func (p Position) HasTriggered(idx int) bool {
	for _, i := range p.PartialTPTriggered {
		if i == idx {
			return true
		}
	}
	return false
}

// balanceEpsilon absorbs rounding drift when deciding a position is empty.
const balanceEpsilon = 1e-9

// Depleted reports whether the token balance is effectively zero.
func (p Position) Depleted() bool {
	return p.CurrentTokenBalance <= balanceEpsilon
}

// Signal is the originating entry signal joined onto a position. It is the
// source of truth when stored exit thresholds turn out to be corrupt.
type Signal struct {
	ID              string
	Source          string // e.g. "alpha-scanner", "pool-sniper"
	TokenSymbol     string
	Chain           string
	ContractAddress string
	TakeProfitPct   float64 // percent above entry
	StopLossPct     float64 // percent below entry
	CreatedAt       time.Time
}

// Wallet is the signing identity a position trades through. Key custody lives
// behind the remote signer; we only carry the owner identity and address.
type Wallet struct {
	OwnerID string
	Chain   string
	Address string
}

// PositionRecord is the authoritative joined snapshot the store returns:
// the position together with its originating signal and wallet context.
type PositionRecord struct {
	Position Position
	Signal   Signal
	Wallet   Wallet
}
