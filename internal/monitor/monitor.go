// Package monitor orchestrates the exit lifecycle: one timer-driven polling
// task per open position, feeding prices through the rule engine and driving
// fired decisions through execution and reconciliation.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/solhedge/exitpilot/internal/domain"
	"github.com/solhedge/exitpilot/internal/oracle"
	"github.com/solhedge/exitpilot/internal/reconciler"
	"github.com/solhedge/exitpilot/internal/rules"
)

// PriceSource answers price queries for monitor ticks.
type PriceSource interface {
	GetPrice(ctx context.Context, q oracle.Query) (float64, bool)
}

// ExitSubmitter builds and submits the exit transaction for a decision.
type ExitSubmitter interface {
	Execute(ctx context.Context, rec domain.PositionRecord, dec domain.ExitDecision) (domain.ExitHandle, error)
}

// ExitReconciler tracks a submitted exit to resolution.
type ExitReconciler interface {
	Reconcile(ctx context.Context, rec domain.PositionRecord, exec domain.ExitExecution, handle domain.ExitHandle, dec domain.ExitDecision) reconciler.Result
}

// Config holds monitor scheduling parameters.
type Config struct {
	// TickInterval is the fixed polling period per position.
	TickInterval time.Duration
	// RetryCooldown is how long a position rests before monitoring re-arms
	// after a revert, an abandoned confirmation, or a submission failure.
	RetryCooldown time.Duration
	// LockTTL is the distributed-lock lease per monitored position.
	LockTTL time.Duration
}

// Monitor owns the registry of active polling tasks and the per-position
// exit pipeline.
type Monitor struct {
	positions domain.PositionStore
	exits     domain.ExitStore
	prices    PriceSource
	engine    *rules.Engine
	submitter ExitSubmitter
	rec       ExitReconciler
	locks     domain.LockManager
	registry  *taskRegistry
	cfg       Config
	logger    *slog.Logger

	// life is the lifecycle context polling tasks and exit pipelines derive
	// from; it outlives any single polling task. Run replaces it.
	lifeMu sync.RWMutex
	life   context.Context
}

// NewMonitor creates a Monitor.
func NewMonitor(
	positions domain.PositionStore,
	exits domain.ExitStore,
	prices PriceSource,
	engine *rules.Engine,
	submitter ExitSubmitter,
	rec ExitReconciler,
	locks domain.LockManager,
	cfg Config,
	logger *slog.Logger,
) *Monitor {
	return &Monitor{
		positions: positions,
		exits:     exits,
		prices:    prices,
		engine:    engine,
		submitter: submitter,
		rec:       rec,
		locks:     locks,
		registry:  newTaskRegistry(),
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "position_monitor")),
	}
}

// Active returns the position ids currently being polled.
func (m *Monitor) Active() []string {
	return m.registry.active()
}

// lifeCtx returns the lifecycle context. Before Run it is the background
// context, so monitors started early still work.
func (m *Monitor) lifeCtx() context.Context {
	m.lifeMu.RLock()
	defer m.lifeMu.RUnlock()
	if m.life == nil {
		return context.Background()
	}
	return m.life
}

// Start attaches a polling task to a position. Starting an already monitored
// position is a no-op. The task lives until the monitor shuts down, the
// position turns terminal, or an exit decision fires.
func (m *Monitor) Start(positionID string) {
	runCtx, cancel := context.WithCancel(m.lifeCtx())
	if !m.registry.add(positionID, cancel) {
		cancel()
		return
	}
	m.logger.Info("monitoring started", slog.String("position_id", positionID))
	go m.runLoop(runCtx, positionID)
}

// Stop tears down the polling task for a position. Stopping an unmonitored
// position is a no-op.
func (m *Monitor) Stop(positionID string) {
	if m.registry.drop(positionID) {
		m.logger.Info("monitoring stopped", slog.String("position_id", positionID))
	}
}

// StopAll tears down every polling task.
func (m *Monitor) StopAll() {
	m.registry.dropAll()
	m.logger.Info("all monitoring stopped")
}

// StartAll attaches a polling task to every open position. It is used on boot
// and when new positions are announced.
func (m *Monitor) StartAll(ctx context.Context) error {
	open, err := m.positions.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("monitor: list open positions: %w", err)
	}
	for _, pos := range open {
		m.Start(pos.ID)
	}
	m.logger.InfoContext(ctx, "monitoring attached to open positions", slog.Int("count", len(open)))
	return nil
}

// Run binds the monitor's lifecycle to ctx, attaches monitors to all open
// positions, and blocks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.lifeMu.Lock()
	m.life = ctx
	m.lifeMu.Unlock()

	if err := m.StartAll(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	m.StopAll()
	return ctx.Err()
}

// ManualExit short-circuits the rule engine with a synthetic decision selling
// the whole remaining balance. The exit pipeline is launched detached; the
// call returns once the position is committed to exiting.
func (m *Monitor) ManualExit(ctx context.Context, positionID string) error {
	rec, err := m.positions.GetRecord(ctx, positionID)
	if err != nil {
		return fmt.Errorf("monitor: manual exit %s: %w", positionID, err)
	}
	if rec.Position.Status != domain.PositionHolding {
		return fmt.Errorf("monitor: manual exit %s in status %s: %w",
			positionID, rec.Position.Status, domain.ErrNotHolding)
	}

	m.Stop(positionID)
	if err := m.positions.SetStatus(ctx, positionID, domain.PositionExiting, ""); err != nil {
		return fmt.Errorf("monitor: manual exit %s: %w", positionID, err)
	}

	dec := domain.ExitDecision{
		Trigger:      domain.TriggerManual,
		SellFraction: 1,
		SellPct:      rec.Position.RemainingPct(),
	}
	go m.runExitPipeline(m.lifeCtx(), rec, []domain.ExitDecision{dec})
	return nil
}

// runLoop drives one position's ticks under the distributed monitor lock.
// The lease is renewed on every tick; TickInterval < LockTTL is enforced by
// config validation, so a live loop never lets its lease lapse.
func (m *Monitor) runLoop(ctx context.Context, positionID string) {
	defer m.registry.drop(positionID)

	lock, err := m.locks.Acquire(ctx, "monitor:"+positionID, m.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			m.logger.InfoContext(ctx, "position monitored elsewhere, standing down",
				slog.String("position_id", positionID))
		} else {
			m.logger.WarnContext(ctx, "monitor lock acquisition failed",
				slog.String("position_id", positionID),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	defer lock.Release()

	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := lock.Renew(ctx, m.cfg.LockTTL); err != nil {
				if errors.Is(err, domain.ErrLockLost) {
					// Another instance may hold the lease now; ticking on
					// would break the one-monitor-per-position guarantee.
					m.logger.WarnContext(ctx, "monitor lease lost, standing down",
						slog.String("position_id", positionID))
					return
				}
				m.logger.WarnContext(ctx, "monitor lease renew failed",
					slog.String("position_id", positionID),
					slog.String("error", err.Error()),
				)
			}
			if detach := m.tick(ctx, positionID); detach {
				return
			}
		}
	}
}

// tick runs one monitoring pass. It reports true when the polling task should
// detach: the position turned terminal, disappeared, or an exit was launched.
// No error escapes a tick; failures are logged and retried next interval.
func (m *Monitor) tick(ctx context.Context, positionID string) bool {
	log := m.logger.With(slog.String("position_id", positionID))

	// Re-read the authoritative snapshot to pick up reconciler writes.
	rec, err := m.positions.GetRecord(ctx, positionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			log.WarnContext(ctx, "position vanished, detaching monitor")
			return true
		}
		log.WarnContext(ctx, "snapshot read failed, skipping tick", slog.String("error", err.Error()))
		return false
	}
	pos := rec.Position

	switch {
	case pos.Status.Terminal():
		log.InfoContext(ctx, "position terminal, detaching monitor", slog.String("status", string(pos.Status)))
		return true
	case pos.Status == domain.PositionExiting:
		// An exit is in flight; reconciliation owns the position.
		return true
	}

	rec.Position.VenueClass = m.repairClass(ctx, rec, log)

	price, ok := m.prices.GetPrice(ctx, oracle.Query{
		Symbol:   pos.TokenSymbol,
		Chain:    pos.Chain,
		Class:    rec.Position.VenueClass,
		Contract: pos.ContractAddress,
	})
	if !ok {
		log.DebugContext(ctx, "price unavailable, skipping tick")
		return false
	}

	eval := m.engine.Evaluate(rec, price, time.Now())
	m.persistStopState(ctx, rec, eval, log)

	if !eval.Fired() {
		return false
	}

	// Deregister before initiating the exit so tick, submission, and
	// reconciliation can never overlap in effect for one position. The
	// pipeline runs on the lifecycle context, which survives this task.
	pipeCtx := m.lifeCtx()
	m.registry.drop(positionID)

	if err := m.positions.SetStatus(pipeCtx, positionID, domain.PositionExiting, ""); err != nil {
		log.Error("failed to mark position exiting", slog.String("error", err.Error()))
		return true
	}

	decisions := eval.Partials
	if eval.Primary != nil {
		decisions = []domain.ExitDecision{*eval.Primary}
	}

	log.Info("exit decision fired",
		slog.Float64("price", price),
		slog.Int("decisions", len(decisions)),
		slog.String("trigger", string(decisions[0].Trigger)),
	)

	go m.runExitPipeline(pipeCtx, rec, decisions)
	return true
}

// repairClass self-heals a stored venue classification that disagrees with
// the position's own signal-source metadata, and resolves unclassified
// legacy positions.
func (m *Monitor) repairClass(ctx context.Context, rec domain.PositionRecord, log *slog.Logger) domain.VenueClass {
	pos := rec.Position
	stored := pos.VenueClass

	fromSource := domain.ClassFromSource(rec.Signal.Source)
	if fromSource != domain.VenueUnknown && fromSource != stored {
		if err := m.positions.SetVenueClass(ctx, pos.ID, fromSource); err != nil {
			log.WarnContext(ctx, "venue class repair failed", slog.String("error", err.Error()))
			return stored
		}
		log.InfoContext(ctx, "venue class repaired",
			slog.String("stored", string(stored)),
			slog.String("derived", string(fromSource)),
		)
		return fromSource
	}

	if stored == "" || stored == domain.VenueUnknown {
		if resolved := domain.ResolveVenueClass(stored, rec.Signal.Source, pos.ContractAddress); resolved != domain.VenueUnknown {
			if err := m.positions.SetVenueClass(ctx, pos.ID, resolved); err != nil {
				log.WarnContext(ctx, "venue class resolution failed", slog.String("error", err.Error()))
				return stored
			}
			return resolved
		}
		return domain.VenueUnknown
	}
	return stored
}

// persistStopState writes the tick's stop-ratchet output and any repaired
// take-profit level. Both persist whether or not a decision fired.
func (m *Monitor) persistStopState(ctx context.Context, rec domain.PositionRecord, eval rules.Evaluation, log *slog.Logger) {
	pos := rec.Position
	up := eval.StopUpdate
	if up.StopPrice != pos.StopLossPrice || up.StopType != pos.StopLossType || up.PeakPrice != pos.PeakPrice {
		if err := m.positions.UpdateStops(ctx, pos.ID, up.StopPrice, up.StopType, up.PeakPrice); err != nil {
			log.WarnContext(ctx, "stop update persist failed", slog.String("error", err.Error()))
		}
	}
	if eval.RepairedTakeProfit > 0 {
		if err := m.positions.SetTakeProfit(ctx, pos.ID, eval.RepairedTakeProfit); err != nil {
			log.WarnContext(ctx, "take-profit repair persist failed", slog.String("error", err.Error()))
		} else {
			log.InfoContext(ctx, "take-profit re-derived from signal",
				slog.Float64("old", pos.TakeProfitPrice),
				slog.Float64("new", eval.RepairedTakeProfit),
			)
		}
	}
}

// runExitPipeline executes the tick's decisions sequentially, reconciling
// each to resolution before the next, and schedules monitor re-arming from
// the last result. At most one exit transaction is ever in flight for the
// position.
func (m *Monitor) runExitPipeline(ctx context.Context, rec domain.PositionRecord, decisions []domain.ExitDecision) {
	positionID := rec.Position.ID
	log := m.logger.With(slog.String("position_id", positionID))

	for i, dec := range decisions {
		if i > 0 {
			// Later rungs need the balance and ladder state the previous
			// confirmation wrote.
			fresh, err := m.positions.GetRecord(ctx, positionID)
			if err != nil {
				log.ErrorContext(ctx, "snapshot refresh failed mid-pipeline", slog.String("error", err.Error()))
				m.parkForRetry(ctx, positionID, "snapshot refresh failed: "+err.Error())
				return
			}
			rec = fresh
			if rec.Position.Depleted() {
				return
			}
		}

		handle, err := m.submitter.Execute(ctx, rec, dec)
		if err != nil {
			log.ErrorContext(ctx, "exit submission failed",
				slog.String("trigger", string(dec.Trigger)),
				slog.String("error", err.Error()),
			)
			m.parkForRetry(ctx, positionID, "exit submission failed: "+err.Error())
			return
		}

		exec := domain.ExitExecution{
			ID:              uuid.NewString(),
			PositionID:      positionID,
			TxHash:          handle.TxHash,
			Trigger:         dec.Trigger,
			SellAmountToken: handle.AmountToken,
			Status:          domain.ExecSubmitted,
			SubmittedAt:     time.Now(),
		}
		if err := m.exits.CreateExecution(ctx, exec); err != nil {
			log.ErrorContext(ctx, "execution record write failed", slog.String("error", err.Error()))
		}
		if dec.Trigger == domain.TriggerPartialTP {
			psr := domain.PartialSellRecord{
				ID:              uuid.NewString(),
				PositionID:      positionID,
				RuleIndex:       dec.RuleIndex,
				TriggerPrice:    dec.TriggerPrice,
				SellPercent:     dec.SellPct,
				SellAmountToken: handle.AmountToken,
				TxHash:          handle.TxHash,
				Status:          domain.ExecSubmitted,
				CreatedAt:       time.Now(),
			}
			if err := m.exits.AppendPartialSell(ctx, psr); err != nil {
				log.ErrorContext(ctx, "partial sell record write failed", slog.String("error", err.Error()))
			}
		}

		res := m.rec.Reconcile(ctx, rec, exec, handle, dec)
		switch {
		case res.Outcome == reconciler.OutcomeConfirmed && res.FinalStatus == domain.PositionExited:
			return
		case res.Outcome == reconciler.OutcomeConfirmed:
			// Partial fill confirmed, keep working the remaining decisions.
		case res.FinalStatus == domain.PositionFailed:
			return
		default:
			// Reverted or abandoned with the position back in holding.
			m.rearm(positionID, m.cfg.RetryCooldown)
			return
		}
	}

	// All decisions confirmed with balance remaining: resume polling now.
	m.rearm(positionID, 0)
}

// parkForRetry returns the position to holding with the error recorded and
// schedules a cooled-down monitoring restart.
func (m *Monitor) parkForRetry(ctx context.Context, positionID, reason string) {
	if err := m.positions.SetStatus(ctx, positionID, domain.PositionHolding, reason); err != nil {
		m.logger.ErrorContext(ctx, "failed to park position for retry",
			slog.String("position_id", positionID),
			slog.String("error", err.Error()),
		)
	}
	m.rearm(positionID, m.cfg.RetryCooldown)
}

// rearm restarts monitoring after the given delay, unless the monitor has
// shut down by then.
func (m *Monitor) rearm(positionID string, after time.Duration) {
	if after <= 0 {
		m.Start(positionID)
		return
	}
	time.AfterFunc(after, func() {
		if m.lifeCtx().Err() != nil {
			return
		}
		m.Start(positionID)
	})
}
