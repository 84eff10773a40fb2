// Package rules implements the exit decision logic. The engine is pure: it
// takes a position snapshot and a price and returns decisions plus stop-state
// updates, without touching storage or the network.
package rules

import (
	"sort"
	"time"

	"github.com/solhedge/exitpilot/internal/domain"
)

// Config holds the static trailing/time-decay parameters.
type Config struct {
	// TrailActivationPct is the unrealized profit percentage at which the
	// trailing stop arms.
	TrailActivationPct float64
	// TrailDistancePct is how far below the peak price the trailing stop sits.
	TrailDistancePct float64
	// IdleDecayAfter is how long a position may hold without ever reaching
	// the activation profit before its stop is tightened toward entry.
	// Zero disables time decay.
	IdleDecayAfter time.Duration
	// IdleStopPct is the tightened stop distance below entry once time decay
	// kicks in.
	IdleStopPct float64
}

// StopUpdate is the stop-ratchet state to persist after a tick, whether or
// not any exit fired.
type StopUpdate struct {
	StopPrice float64
	StopType  domain.StopLossType
	PeakPrice float64
}

// Evaluation is the result of one tick. Primary is nil when nothing fired.
// RepairedTakeProfit is non-zero when the stored take-profit level was below
// entry and had to be re-derived from the originating signal.
type Evaluation struct {
	StopUpdate         StopUpdate
	Primary            *domain.ExitDecision
	Partials           []domain.ExitDecision
	RepairedTakeProfit float64
}

// Fired reports whether any exit decision was produced.
func (e Evaluation) Fired() bool {
	return e.Primary != nil || len(e.Partials) > 0
}

// Engine evaluates exit rules for position snapshots.
type Engine struct {
	cfg Config
}

// NewEngine creates an Engine with the given trailing configuration.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Evaluate runs one tick of exit logic against the joined snapshot.
//
// Order matters: the stop level is recomputed first and reported for
// unconditional persistence; the stop-loss check has the highest priority;
// the partial ladder is scanned only while it has unresolved rules; and the
// full take-profit check is suppressed entirely while the ladder is enabled.
func (e *Engine) Evaluate(rec domain.PositionRecord, price float64, now time.Time) Evaluation {
	pos := rec.Position
	var eval Evaluation

	// 1. Recompute the stop level.
	eval.StopUpdate = e.ratchetStop(pos, price, now)
	stop := eval.StopUpdate.StopPrice
	stopType := eval.StopUpdate.StopType

	remaining := pos.RemainingPct()

	// 2. Stop-loss: full exit of whatever is left.
	if stop > 0 && price <= stop && remaining > 0 {
		trigger := domain.TriggerStopLoss
		if stopType == domain.StopTrailing {
			trigger = domain.TriggerTrailingStop
		}
		eval.Primary = &domain.ExitDecision{
			Trigger:      trigger,
			SellFraction: 1,
			SellPct:      remaining,
			TriggerPrice: price,
		}
		return eval
	}

	profitPct := 0.0
	if pos.EntryPrice > 0 {
		profitPct = (price - pos.EntryPrice) / pos.EntryPrice * 100
	}

	// 3. Partial take-profit ladder.
	if pos.PartialTPEnabled && remaining > 0 {
		eval.Partials = e.scanLadder(pos, price, profitPct, remaining)
		return eval
	}

	// 4. Full take-profit, with the consistency guard of step 5: a stored
	// take-profit below entry is a data defect, so re-derive it from the
	// signal record instead of acting on the stale value.
	tp := pos.TakeProfitPrice
	if tp > 0 && tp < pos.EntryPrice {
		if rec.Signal.TakeProfitPct > 0 {
			tp = pos.EntryPrice * (1 + rec.Signal.TakeProfitPct/100)
			eval.RepairedTakeProfit = tp
		} else {
			// No signal target to re-derive from: the stale level must not
			// fire, so the check is skipped this tick.
			tp = 0
		}
	}
	if tp > 0 && price >= tp && remaining > 0 {
		eval.Primary = &domain.ExitDecision{
			Trigger:      domain.TriggerTakeProfit,
			SellFraction: 1,
			SellPct:      remaining,
			TriggerPrice: price,
		}
	}
	return eval
}

// ratchetStop computes the stop level for this tick. The result never loosens
// an existing stop: both the trailing ratchet and the idle-decay tighten are
// monotonic toward the position's favor.
func (e *Engine) ratchetStop(pos domain.Position, price float64, now time.Time) StopUpdate {
	up := StopUpdate{
		StopPrice: pos.StopLossPrice,
		StopType:  pos.StopLossType,
		PeakPrice: pos.PeakPrice,
	}
	if price > up.PeakPrice {
		up.PeakPrice = price
	}
	if pos.EntryPrice <= 0 {
		return up
	}

	peakProfitPct := (up.PeakPrice - pos.EntryPrice) / pos.EntryPrice * 100

	if e.cfg.TrailActivationPct > 0 && peakProfitPct >= e.cfg.TrailActivationPct {
		cand := up.PeakPrice * (1 - e.cfg.TrailDistancePct/100)
		if cand > up.StopPrice {
			up.StopPrice = cand
			up.StopType = domain.StopTrailing
		}
		return up
	}

	if e.cfg.IdleDecayAfter > 0 && now.Sub(pos.OpenedAt) >= e.cfg.IdleDecayAfter {
		cand := pos.EntryPrice * (1 - e.cfg.IdleStopPct/100)
		if cand > up.StopPrice {
			up.StopPrice = cand
		}
	}
	return up
}

// scanLadder fires every untriggered rule whose profit threshold is met, in
// ascending threshold order. Each sale is sized min(rule.SellPct, what is
// still unsold), so the ladder can never dispose of more than 100% of entry.
func (e *Engine) scanLadder(pos domain.Position, price, profitPct, remaining float64) []domain.ExitDecision {
	idx := make([]int, len(pos.PartialTPRules))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return pos.PartialTPRules[idx[a]].ProfitPct < pos.PartialTPRules[idx[b]].ProfitPct
	})

	var out []domain.ExitDecision
	for _, i := range idx {
		rule := pos.PartialTPRules[i]
		if pos.HasTriggered(i) || profitPct < rule.ProfitPct {
			continue
		}
		sellPct := rule.SellPct
		if sellPct > remaining {
			sellPct = remaining
		}
		if sellPct <= 0 {
			break
		}
		remaining -= sellPct
		out = append(out, domain.ExitDecision{
			Trigger:      domain.TriggerPartialTP,
			SellPct:      sellPct,
			SellFraction: sellPct / (remaining + sellPct),
			RuleIndex:    i,
			TriggerPrice: price,
		})
	}
	return out
}
