// Package reconciler tracks submitted exit transactions to finality and
// writes confirmed results back into position accounting. Ambiguity is never
// treated as failure: only an explicit on-chain revert is.
package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/solhedge/exitpilot/internal/domain"
	"github.com/solhedge/exitpilot/internal/notify"
)

// Outcome is how a reconciliation attempt resolved.
type Outcome int

const (
	// OutcomeConfirmed means the transaction landed and accounting was updated.
	OutcomeConfirmed Outcome = iota
	// OutcomeReverted means the transaction failed on-chain.
	OutcomeReverted
	// OutcomeAbandoned means the retry budget ran out with the transaction
	// still ambiguous; it may yet land and needs manual review.
	OutcomeAbandoned
)

// Result reports the reconciliation outcome together with the position
// status it left behind, so the caller can decide whether to re-arm
// monitoring.
type Result struct {
	Outcome     Outcome
	FinalStatus domain.PositionStatus
}

// Config bounds the confirmation retry loop.
type Config struct {
	// CheckInterval is the fixed delay between chain-status checks.
	CheckInterval time.Duration
	// MaxChecks bounds how many ambiguous checks are attempted before the
	// execution is abandoned for manual review.
	MaxChecks int
	// MaxReverts is how many on-chain reverts a single position tolerates
	// before it is marked failed.
	MaxReverts int
}

// Reconciler confirms submitted exits and settles their accounting.
type Reconciler struct {
	chain     domain.ChainStatus
	positions domain.PositionStore
	exits     domain.ExitStore
	fees      domain.FeeCollector
	bus       domain.SignalBus
	audit     domain.AuditStore
	notifier  *notify.Notifier
	cfg       Config
	logger    *slog.Logger
}

// NewReconciler creates a Reconciler.
func NewReconciler(
	chain domain.ChainStatus,
	positions domain.PositionStore,
	exits domain.ExitStore,
	fees domain.FeeCollector,
	bus domain.SignalBus,
	audit domain.AuditStore,
	notifier *notify.Notifier,
	cfg Config,
	logger *slog.Logger,
) *Reconciler {
	return &Reconciler{
		chain:     chain,
		positions: positions,
		exits:     exits,
		fees:      fees,
		bus:       bus,
		audit:     audit,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "reconciler")),
	}
}

// Reconcile polls chain state for the submitted transaction until finality or
// the check budget runs out. It owns all position/execution writes for this
// exit attempt; the caller only schedules monitor re-arming from the Result.
func (r *Reconciler) Reconcile(ctx context.Context, rec domain.PositionRecord, exec domain.ExitExecution, handle domain.ExitHandle, dec domain.ExitDecision) Result {
	pos := rec.Position
	log := r.logger.With(
		slog.String("position_id", pos.ID),
		slog.String("tx_hash", handle.TxHash),
	)

	hints := domain.TxHints{
		Payer:        rec.Wallet.Address,
		Recipient:    rec.Wallet.Address,
		MinAmountOut: handle.AmountOutMin,
	}

	for check := 1; check <= r.cfg.MaxChecks; check++ {
		outcome, err := r.chain.TxStatus(ctx, pos.Chain, handle.TxHash, hints)
		switch {
		case err != nil:
			// RPC trouble is ambiguity, not failure.
			log.WarnContext(ctx, "chain status check failed",
				slog.Int("check", check),
				slog.String("error", err.Error()),
			)
		case !outcome.Final:
			log.DebugContext(ctx, "transaction still pending", slog.Int("check", check))
		case outcome.Success:
			return r.confirm(ctx, rec, exec, handle, dec, outcome)
		default:
			return r.handleRevert(ctx, rec, exec, outcome.FailureReason)
		}

		select {
		case <-ctx.Done():
			return r.abandon(ctx, rec, exec, "reconciliation cancelled before finality")
		case <-time.After(r.cfg.CheckInterval):
		}
	}

	return r.abandon(ctx, rec, exec,
		fmt.Sprintf("confirmation still ambiguous after %d checks", r.cfg.MaxChecks))
}

// confirm settles accounting from the actual on-chain proceeds, never from
// the pre-trade estimate.
func (r *Reconciler) confirm(ctx context.Context, rec domain.PositionRecord, exec domain.ExitExecution, handle domain.ExitHandle, dec domain.ExitDecision, outcome domain.TxOutcome) Result {
	pos := rec.Position

	proceeds := outcome.AmountOut
	if proceeds <= 0 {
		// The status collaborator confirmed success but could not parse the
		// transfer amount; fall back to the quoted minimum rather than zero.
		r.logger.WarnContext(ctx, "confirmed without parsed proceeds, using quoted minimum",
			slog.String("position_id", pos.ID),
			slog.String("tx_hash", handle.TxHash),
		)
		proceeds = handle.AmountOutMin
	}

	costBasis := pos.EntryAmountUsd * dec.SellPct / 100
	pnlUsd := proceeds - costBasis
	pnlPct := 0.0
	if costBasis > 0 {
		pnlPct = pnlUsd / costBasis * 100
	}

	now := time.Now().UTC()
	exec.Status = domain.ExecConfirmed
	exec.ConfirmedAt = &now
	exec.ProceedsUsd = proceeds
	exec.RealizedPnlUsd = pnlUsd
	exec.RealizedPnlPct = pnlPct
	exec.Classification = domain.ClassifyExit(pnlUsd)
	if err := r.exits.UpdateExecution(ctx, exec); err != nil {
		r.logger.ErrorContext(ctx, "update execution failed",
			slog.String("execution_id", exec.ID),
			slog.String("error", err.Error()),
		)
	}

	newBalance := pos.CurrentTokenBalance - handle.AmountToken
	if newBalance < 0 {
		newBalance = 0
	}
	newSoldPct := pos.PartialSoldPct + dec.SellPct
	if newSoldPct > 100 {
		newSoldPct = 100
	}

	triggered := pos.PartialTPTriggered
	if dec.Trigger == domain.TriggerPartialTP {
		triggered = append(append([]int{}, triggered...), dec.RuleIndex)
	}

	newStatus := domain.PositionHolding
	if newBalance <= 0 || newSoldPct >= 100 {
		newStatus = domain.PositionExited
	}

	if err := r.positions.ApplyFill(ctx, domain.PositionFill{
		PositionID:   pos.ID,
		SoldToken:    handle.AmountToken,
		SoldUsd:      proceeds,
		SoldPct:      dec.SellPct,
		NewTriggered: triggered,
		NewStatus:    newStatus,
	}); err != nil {
		r.logger.ErrorContext(ctx, "apply fill failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}

	if dec.Trigger == domain.TriggerPartialTP {
		if err := r.exits.FillPartialSell(ctx, handle.TxHash, proceeds, domain.ExecConfirmed); err != nil {
			r.logger.WarnContext(ctx, "fill partial sell failed",
				slog.String("tx_hash", handle.TxHash),
				slog.String("error", err.Error()),
			)
		}
	}

	// Fee collection is sized from real proceeds and must never block or
	// fail the pipeline.
	go r.collectFee(rec, exec, proceeds)

	r.publish(ctx, notify.EventExitConfirmed, map[string]any{
		"position_id":  pos.ID,
		"tx_hash":      handle.TxHash,
		"trigger":      string(exec.Trigger),
		"class":        string(exec.Classification),
		"proceeds_usd": proceeds,
		"pnl_usd":      pnlUsd,
		"pnl_pct":      pnlPct,
		"status":       string(newStatus),
	})
	_ = r.notifier.Notify(ctx, notify.EventExitConfirmed, "Exit confirmed",
		fmt.Sprintf("%s %s: %.2f USD proceeds, PnL %.2f USD (%.1f%%)",
			pos.TokenSymbol, exec.Trigger, proceeds, pnlUsd, pnlPct))

	r.logger.InfoContext(ctx, "exit confirmed",
		slog.String("position_id", pos.ID),
		slog.String("tx_hash", handle.TxHash),
		slog.Float64("proceeds_usd", proceeds),
		slog.Float64("pnl_usd", pnlUsd),
		slog.String("final_status", string(newStatus)),
	)

	return Result{Outcome: OutcomeConfirmed, FinalStatus: newStatus}
}

// handleRevert rolls the position back to holding, or marks it failed once
// the revert budget for this position is spent.
func (r *Reconciler) handleRevert(ctx context.Context, rec domain.PositionRecord, exec domain.ExitExecution, reason string) Result {
	pos := rec.Position

	exec.Status = domain.ExecReverted
	if err := r.exits.UpdateExecution(ctx, exec); err != nil {
		r.logger.ErrorContext(ctx, "update reverted execution failed",
			slog.String("execution_id", exec.ID),
			slog.String("error", err.Error()),
		)
	}
	if exec.Trigger == domain.TriggerPartialTP {
		_ = r.exits.FillPartialSell(ctx, exec.TxHash, 0, domain.ExecReverted)
	}

	reverts, err := r.exits.CountReverted(ctx, pos.ID)
	if err != nil {
		r.logger.WarnContext(ctx, "count reverts failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
		reverts = 1
	}

	lastErr := fmt.Sprintf("exit reverted on-chain: %s", reason)
	status := domain.PositionHolding
	if reverts >= r.cfg.MaxReverts {
		status = domain.PositionFailed
		lastErr = fmt.Sprintf("%d exits reverted, manual action required: %s", reverts, reason)
	}

	if err := r.positions.SetStatus(ctx, pos.ID, status, lastErr); err != nil {
		r.logger.ErrorContext(ctx, "set status after revert failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}

	r.publish(ctx, notify.EventExitReverted, map[string]any{
		"position_id": pos.ID,
		"tx_hash":     exec.TxHash,
		"reason":      reason,
		"status":      string(status),
	})
	_ = r.notifier.Notify(ctx, notify.EventExitReverted, "Exit reverted",
		fmt.Sprintf("%s: %s (position %s)", pos.TokenSymbol, reason, status))

	r.logger.WarnContext(ctx, "exit reverted",
		slog.String("position_id", pos.ID),
		slog.String("tx_hash", exec.TxHash),
		slog.String("reason", reason),
		slog.String("status", string(status)),
	)

	return Result{Outcome: OutcomeReverted, FinalStatus: status}
}

// abandon leaves the execution for manual review. The transaction may still
// land, so the position's balance is not touched.
func (r *Reconciler) abandon(ctx context.Context, rec domain.PositionRecord, exec domain.ExitExecution, reason string) Result {
	pos := rec.Position

	exec.Status = domain.ExecAbandoned
	if err := r.exits.UpdateExecution(ctx, exec); err != nil {
		r.logger.ErrorContext(ctx, "update abandoned execution failed",
			slog.String("execution_id", exec.ID),
			slog.String("error", err.Error()),
		)
	}
	if err := r.positions.SetStatus(ctx, pos.ID, domain.PositionHolding, reason); err != nil {
		r.logger.ErrorContext(ctx, "set status after abandon failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}

	r.publish(ctx, notify.EventExitAbandoned, map[string]any{
		"position_id": pos.ID,
		"tx_hash":     exec.TxHash,
		"reason":      reason,
	})
	_ = r.notifier.Notify(ctx, notify.EventExitAbandoned, "Exit needs review",
		fmt.Sprintf("%s: %s (tx %s)", pos.TokenSymbol, reason, exec.TxHash))

	r.logger.WarnContext(ctx, "exit abandoned",
		slog.String("position_id", pos.ID),
		slog.String("tx_hash", exec.TxHash),
		slog.String("reason", reason),
	)

	return Result{Outcome: OutcomeAbandoned, FinalStatus: domain.PositionHolding}
}

// collectFee fires the downstream fee collector with its own bounded context
// and records the fee actually taken on the execution.
func (r *Reconciler) collectFee(rec domain.PositionRecord, exec domain.ExitExecution, proceeds float64) {
	if r.fees == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	fee, err := r.fees.Collect(ctx, domain.FeeRequest{
		TradeAmountUsd: proceeds,
		Side:           "sell",
		Chain:          rec.Position.Chain,
		OwnerID:        rec.Wallet.OwnerID,
		WalletAddress:  rec.Wallet.Address,
	})
	if err != nil {
		r.logger.Warn("fee collection failed",
			slog.String("position_id", rec.Position.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if fee <= 0 {
		return
	}

	exec.TotalFees = fee
	if err := r.exits.UpdateExecution(ctx, exec); err != nil {
		r.logger.Warn("fee write-back failed",
			slog.String("execution_id", exec.ID),
			slog.String("error", err.Error()),
		)
	}
}

// publish emits an event to the signal bus and mirrors it into the audit log.
// Both are best-effort.
func (r *Reconciler) publish(ctx context.Context, event string, detail map[string]any) {
	payload, _ := json.Marshal(map[string]any{"event": event, "detail": detail})
	if err := r.bus.Publish(ctx, "exits", payload); err != nil {
		r.logger.DebugContext(ctx, "event publish failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
	if err := r.audit.Log(ctx, event, detail); err != nil {
		r.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
