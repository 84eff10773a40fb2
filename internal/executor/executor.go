// Package executor builds and submits exit transactions through the venue
// adapter and the remote signer.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/solhedge/exitpilot/internal/domain"
)

// Config holds execution parameters.
type Config struct {
	// PartialSlippagePct is the slippage tolerance for planned ladder sells.
	PartialSlippagePct float64
	// EmergencySlippagePct is the wider tolerance for full exits, where
	// getting out matters more than the fill price.
	EmergencySlippagePct float64
	// ApprovalSettleDelay is how long to wait between a submitted approval
	// and the swap that depends on it.
	ApprovalSettleDelay time.Duration
}

// Executor turns exit decisions into submitted transactions.
type Executor struct {
	swaps  domain.SwapBuilder
	signer domain.RemoteSigner
	cfg    Config
	logger *slog.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(swaps domain.SwapBuilder, signer domain.RemoteSigner, cfg Config, logger *slog.Logger) *Executor {
	return &Executor{
		swaps:  swaps,
		signer: signer,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "exit_executor")),
	}
}

// stableAssetFor returns the stable output token for a chain.
func stableAssetFor(chain string) string {
	switch chain {
	case "bsc":
		return "USDT"
	default:
		return "USDC"
	}
}

// SellAmount sizes the sale in tokens. Full exits take the whole remaining
// balance; partials are sized from the original entry amount, capped at what
// is actually left.
func SellAmount(pos domain.Position, dec domain.ExitDecision) float64 {
	if dec.Full() {
		return pos.CurrentTokenBalance
	}
	amount := pos.EntryAmountToken * dec.SellPct / 100
	if amount > pos.CurrentTokenBalance {
		amount = pos.CurrentTokenBalance
	}
	return amount
}

// Execute builds the swap (and approval when required), submits both through
// the remote signer, and returns the swap's transaction handle.
func (e *Executor) Execute(ctx context.Context, rec domain.PositionRecord, dec domain.ExitDecision) (domain.ExitHandle, error) {
	pos := rec.Position

	amount := SellAmount(pos, dec)
	if amount <= 0 {
		return domain.ExitHandle{}, fmt.Errorf("executor: position %s has no balance to sell", pos.ID)
	}

	slippage := e.cfg.EmergencySlippagePct
	if dec.Trigger == domain.TriggerPartialTP {
		slippage = e.cfg.PartialSlippagePct
	}

	plan, err := e.swaps.BuildSwap(ctx, domain.SwapRequest{
		Chain:           pos.Chain,
		TokenIn:         pos.TokenSymbol,
		TokenInAddress:  pos.ContractAddress,
		TokenOut:        stableAssetFor(pos.Chain),
		AmountIn:        amount,
		SlippagePercent: slippage,
		UserAddress:     pos.WalletAddress,
	})
	if err != nil {
		return domain.ExitHandle{}, fmt.Errorf("executor: build swap for %s: %w", pos.ID, err)
	}

	log := e.logger.With(
		slog.String("position_id", pos.ID),
		slog.String("trigger", string(dec.Trigger)),
	)

	if plan.NeedsApproval {
		approvalHash, err := e.submit(ctx, rec, plan.UnsignedApprovalTx)
		if err != nil {
			return domain.ExitHandle{}, fmt.Errorf("executor: submit approval for %s: %w", pos.ID, err)
		}
		log.InfoContext(ctx, "approval submitted", slog.String("tx_hash", approvalHash))

		// Let the approval settle before the swap references it.
		select {
		case <-ctx.Done():
			return domain.ExitHandle{}, fmt.Errorf("executor: approval settle wait: %w", ctx.Err())
		case <-time.After(e.cfg.ApprovalSettleDelay):
		}
	}

	txHash, err := e.submit(ctx, rec, plan.UnsignedSwapTx)
	if err != nil {
		return domain.ExitHandle{}, fmt.Errorf("executor: submit swap for %s: %w", pos.ID, err)
	}

	log.InfoContext(ctx, "exit swap submitted",
		slog.String("tx_hash", txHash),
		slog.Float64("amount_token", amount),
		slog.Float64("amount_out_min", plan.AmountOutMin),
	)

	return domain.ExitHandle{
		TxHash:       txHash,
		Trigger:      dec.Trigger,
		AmountToken:  amount,
		AmountOutMin: plan.AmountOutMin,
	}, nil
}

// submit sends an unsigned transaction through the remote signer. A signer
// error whose text embeds a well-formed transaction hash is honored as
// submitted: signer/RPC races can report failure for a transaction that still
// lands, and treating those as failures causes duplicate submission.
func (e *Executor) submit(ctx context.Context, rec domain.PositionRecord, unsignedTx string) (string, error) {
	hash, err := e.signer.SignAndSend(ctx, rec.Wallet.OwnerID, rec.Position.Chain, unsignedTx)
	if err == nil {
		return hash, nil
	}

	if sniffed := SniffTxHash(err.Error(), rec.Position.Chain); sniffed != "" {
		e.logger.WarnContext(ctx, "signer errored but reported a transaction hash, treating as submitted",
			slog.String("position_id", rec.Position.ID),
			slog.String("tx_hash", sniffed),
			slog.String("error", err.Error()),
		)
		return sniffed, nil
	}

	return "", fmt.Errorf("%w: %v", domain.ErrSigningFailed, err)
}
