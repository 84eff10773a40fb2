package domain

import (
	"context"
	"time"
)

// PositionStore persists positions and their joined signal/wallet context.
type PositionStore interface {
	// GetRecord returns the position joined with its originating signal and
	// wallet. This is the authoritative snapshot a monitor tick starts from.
	GetRecord(ctx context.Context, id string) (PositionRecord, error)
	// ListOpen returns every position in holding state, for boot re-arm.
	ListOpen(ctx context.Context) ([]Position, error)
	// ListTerminalBefore returns exited/failed positions closed before the
	// cutoff, for cold archival.
	ListTerminalBefore(ctx context.Context, cutoff time.Time) ([]Position, error)

	// UpdateStops persists the stop-ratchet state computed on a tick.
	UpdateStops(ctx context.Context, id string, stopPrice float64, stopType StopLossType, peakPrice float64) error
	// SetTakeProfit repairs a corrupt stored take-profit level.
	SetTakeProfit(ctx context.Context, id string, price float64) error
	// SetVenueClass persists a repaired venue classification.
	SetVenueClass(ctx context.Context, id string, class VenueClass) error
	// SetStatus transitions the lifecycle state and records the last error
	// (empty string clears it).
	SetStatus(ctx context.Context, id string, status PositionStatus, lastError string) error
	// ApplyFill applies a confirmed sale: balance decrement, sold-percentage
	// accounting, triggered-rule set, and the resulting status.
	ApplyFill(ctx context.Context, fill PositionFill) error
}

// ExitStore persists exit executions and partial-sell ladder history.
type ExitStore interface {
	CreateExecution(ctx context.Context, exec ExitExecution) error
	UpdateExecution(ctx context.Context, exec ExitExecution) error
	ListByPosition(ctx context.Context, positionID string) ([]ExitExecution, error)
	// CountReverted returns how many executions for a position have ended in
	// an on-chain revert, to decide when to stop retrying.
	CountReverted(ctx context.Context, positionID string) (int, error)

	AppendPartialSell(ctx context.Context, rec PartialSellRecord) error
	ListPartialSells(ctx context.Context, positionID string) ([]PartialSellRecord, error)
	// FillPartialSell writes post-confirmation proceeds onto the ladder row
	// identified by its transaction hash.
	FillPartialSell(ctx context.Context, txHash string, soldUsd float64, status ExecutionStatus) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log of lifecycle transitions.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, limit int) ([]AuditEntry, error)
}
