package monitor

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solhedge/exitpilot/internal/domain"
	"github.com/solhedge/exitpilot/internal/oracle"
	"github.com/solhedge/exitpilot/internal/reconciler"
	"github.com/solhedge/exitpilot/internal/rules"
)

type fakePositions struct {
	mu        sync.Mutex
	recs      map[string]domain.PositionRecord
	statusLog []domain.PositionStatus
	classSets []domain.VenueClass
	stopSets  int
	tpSets    []float64
}

func newFakePositions(recs ...domain.PositionRecord) *fakePositions {
	f := &fakePositions{recs: make(map[string]domain.PositionRecord)}
	for _, r := range recs {
		f.recs[r.Position.ID] = r
	}
	return f
}

func (f *fakePositions) GetRecord(_ context.Context, id string) (domain.PositionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[id]
	if !ok {
		return domain.PositionRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

func (f *fakePositions) ListOpen(context.Context) ([]domain.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Position
	for _, rec := range f.recs {
		if rec.Position.Status == domain.PositionHolding {
			out = append(out, rec.Position)
		}
	}
	return out, nil
}

func (f *fakePositions) ListTerminalBefore(context.Context, time.Time) ([]domain.Position, error) {
	return nil, nil
}

func (f *fakePositions) UpdateStops(_ context.Context, id string, stopPrice float64, stopType domain.StopLossType, peakPrice float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.recs[id]
	rec.Position.StopLossPrice = stopPrice
	rec.Position.StopLossType = stopType
	rec.Position.PeakPrice = peakPrice
	f.recs[id] = rec
	f.stopSets++
	return nil
}

func (f *fakePositions) SetTakeProfit(_ context.Context, id string, price float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.recs[id]
	rec.Position.TakeProfitPrice = price
	f.recs[id] = rec
	f.tpSets = append(f.tpSets, price)
	return nil
}

func (f *fakePositions) SetVenueClass(_ context.Context, id string, class domain.VenueClass) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.recs[id]
	rec.Position.VenueClass = class
	f.recs[id] = rec
	f.classSets = append(f.classSets, class)
	return nil
}

func (f *fakePositions) SetStatus(_ context.Context, id string, status domain.PositionStatus, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.recs[id]
	rec.Position.Status = status
	rec.Position.LastError = lastError
	f.recs[id] = rec
	f.statusLog = append(f.statusLog, status)
	return nil
}

func (f *fakePositions) ApplyFill(_ context.Context, fill domain.PositionFill) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.recs[fill.PositionID]
	rec.Position.CurrentTokenBalance -= fill.SoldToken
	rec.Position.PartialSoldPct += fill.SoldPct
	if rec.Position.PartialSoldPct > 100 {
		rec.Position.PartialSoldPct = 100
	}
	rec.Position.PartialTPTriggered = fill.NewTriggered
	rec.Position.Status = fill.NewStatus
	f.recs[fill.PositionID] = rec
	return nil
}

func (f *fakePositions) statuses() []domain.PositionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.PositionStatus(nil), f.statusLog...)
}

func (f *fakePositions) classes() []domain.VenueClass {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.VenueClass(nil), f.classSets...)
}

type fakeExits struct {
	mu       sync.Mutex
	execs    []domain.ExitExecution
	partials []domain.PartialSellRecord
}

func (f *fakeExits) CreateExecution(_ context.Context, e domain.ExitExecution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, e)
	return nil
}
func (f *fakeExits) UpdateExecution(context.Context, domain.ExitExecution) error { return nil }
func (f *fakeExits) ListByPosition(context.Context, string) ([]domain.ExitExecution, error) {
	return nil, nil
}
func (f *fakeExits) CountReverted(context.Context, string) (int, error) { return 0, nil }
func (f *fakeExits) AppendPartialSell(_ context.Context, rec domain.PartialSellRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.partials = append(f.partials, rec)
	return nil
}
func (f *fakeExits) ListPartialSells(context.Context, string) ([]domain.PartialSellRecord, error) {
	return nil, nil
}
func (f *fakeExits) FillPartialSell(context.Context, string, float64, domain.ExecutionStatus) error {
	return nil
}

type fakeLock struct {
	mu       sync.Mutex
	renews   int
	renewErr error
	released bool
}

func (l *fakeLock) Renew(context.Context, time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.renews++
	return l.renewErr
}

func (l *fakeLock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = true
}

func (l *fakeLock) renewCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.renews
}

type fakeLocks struct {
	lock *fakeLock
}

func (f *fakeLocks) Acquire(context.Context, string, time.Duration) (domain.Lock, error) {
	return f.lock, nil
}

type fakePrices struct {
	mu    sync.Mutex
	price float64
	ok    bool
}

func (f *fakePrices) GetPrice(context.Context, oracle.Query) (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.price, f.ok
}

func (f *fakePrices) set(price float64, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.price = price
	f.ok = ok
}

type fakeSubmitter struct {
	mu    sync.Mutex
	calls []domain.ExitDecision
}

func (f *fakeSubmitter) Execute(_ context.Context, _ domain.PositionRecord, dec domain.ExitDecision) (domain.ExitHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, dec)
	return domain.ExitHandle{TxHash: "0xdeadbeef", Trigger: dec.Trigger, AmountToken: 100}, nil
}

func (f *fakeSubmitter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSubmitter) lastCall() domain.ExitDecision {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

type fakeReconciler struct {
	mu     sync.Mutex
	result reconciler.Result
	calls  int
	// onCall runs inside Reconcile before returning, for test choreography.
	onCall func()
}

func (f *fakeReconciler) Reconcile(_ context.Context, _ domain.PositionRecord, _ domain.ExitExecution, _ domain.ExitHandle, _ domain.ExitDecision) reconciler.Result {
	f.mu.Lock()
	f.calls++
	hook := f.onCall
	res := f.result
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return res
}

func (f *fakeReconciler) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func holdingRecord(id string) domain.PositionRecord {
	return domain.PositionRecord{
		Position: domain.Position{
			ID:                  id,
			TokenSymbol:         "WIF",
			Chain:               "bsc",
			ContractAddress:     "0xabc",
			WalletAddress:       "0xwallet",
			EntryPrice:          1.0,
			EntryAmountToken:    1000,
			EntryAmountUsd:      1000,
			CurrentTokenBalance: 1000,
			StopLossPrice:       0.90,
			StopLossType:        domain.StopFixed,
			TakeProfitPrice:     1.20,
			VenueClass:          domain.VenueAlpha,
			Status:              domain.PositionHolding,
			OpenedAt:            time.Now(),
		},
		Signal: domain.Signal{ID: "sig-1", Source: "alpha-scanner", TakeProfitPct: 20},
		Wallet: domain.Wallet{OwnerID: "owner-1", Chain: "bsc", Address: "0xwallet"},
	}
}

func newTestMonitor(positions *fakePositions, exits *fakeExits, prices *fakePrices, sub *fakeSubmitter, rc *fakeReconciler) *Monitor {
	return newTestMonitorWithLocks(positions, exits, prices, sub, rc, &fakeLocks{lock: &fakeLock{}})
}

func newTestMonitorWithLocks(positions *fakePositions, exits *fakeExits, prices *fakePrices, sub *fakeSubmitter, rc *fakeReconciler, locks *fakeLocks) *Monitor {
	engine := rules.NewEngine(rules.Config{
		TrailActivationPct: 15,
		TrailDistancePct:   5,
	})
	return NewMonitor(positions, exits, prices, engine, sub, rc, locks, Config{
		TickInterval:  5 * time.Millisecond,
		RetryCooldown: 10 * time.Millisecond,
		LockTTL:       time.Second,
	}, slog.Default())
}

func TestStartIsIdempotent(t *testing.T) {
	positions := newFakePositions(holdingRecord("pos-1"))
	m := newTestMonitor(positions, &fakeExits{}, &fakePrices{}, &fakeSubmitter{}, &fakeReconciler{})
	defer m.StopAll()

	m.Start("pos-1")
	m.Start("pos-1")
	assert.Equal(t, []string{"pos-1"}, m.Active())

	m.Stop("pos-1")
	m.Stop("pos-1")
	assert.Empty(t, m.Active())
}

func TestUnavailablePriceSkipsTick(t *testing.T) {
	positions := newFakePositions(holdingRecord("pos-1"))
	sub := &fakeSubmitter{}
	m := newTestMonitor(positions, &fakeExits{}, &fakePrices{ok: false}, sub, &fakeReconciler{})
	defer m.StopAll()

	m.Start("pos-1")
	time.Sleep(40 * time.Millisecond)

	assert.Equal(t, 0, sub.callCount())
	assert.Equal(t, []string{"pos-1"}, m.Active())
	assert.Empty(t, positions.statuses())
}

func TestStopLossRoundTrip(t *testing.T) {
	// Entry 1.00, stop 0.90. A tick at 0.88 fires exactly one full exit,
	// the polling task detaches before submission, and a confirmed
	// reconciliation ends the position without re-arming.
	positions := newFakePositions(holdingRecord("pos-1"))
	sub := &fakeSubmitter{}
	rc := &fakeReconciler{result: reconciler.Result{
		Outcome:     reconciler.OutcomeConfirmed,
		FinalStatus: domain.PositionExited,
	}}
	m := newTestMonitor(positions, &fakeExits{}, &fakePrices{price: 0.88, ok: true}, sub, rc)
	defer m.StopAll()

	m.Start("pos-1")

	assert.Eventually(t, func() bool { return rc.callCount() == 1 }, time.Second, 2*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, 1, sub.callCount()) // one exit in flight, ever
	dec := sub.lastCall()
	assert.Equal(t, domain.TriggerStopLoss, dec.Trigger)
	assert.Equal(t, 100.0, dec.SellPct)
	assert.Empty(t, m.Active())
	assert.Contains(t, positions.statuses(), domain.PositionExiting)
}

func TestRearmsAfterRevert(t *testing.T) {
	positions := newFakePositions(holdingRecord("pos-1"))
	prices := &fakePrices{price: 0.88, ok: true}
	sub := &fakeSubmitter{}
	rc := &fakeReconciler{result: reconciler.Result{
		Outcome:     reconciler.OutcomeReverted,
		FinalStatus: domain.PositionHolding,
	}}
	// The reverted exit leaves the position holding; lift the price so the
	// re-armed monitor goes back to plain polling.
	rc.onCall = func() {
		prices.set(1.0, true)
		_ = positions.SetStatus(context.Background(), "pos-1", domain.PositionHolding, "reverted")
	}
	m := newTestMonitor(positions, &fakeExits{}, prices, sub, rc)
	defer m.StopAll()

	m.Start("pos-1")

	assert.Eventually(t, func() bool { return rc.callCount() == 1 }, time.Second, 2*time.Millisecond)
	assert.Eventually(t, func() bool {
		active := m.Active()
		return len(active) == 1 && active[0] == "pos-1"
	}, time.Second, 2*time.Millisecond)
	assert.Equal(t, 1, sub.callCount())
}

func TestManualExitShortCircuitsRules(t *testing.T) {
	positions := newFakePositions(holdingRecord("pos-1"))
	sub := &fakeSubmitter{}
	rc := &fakeReconciler{result: reconciler.Result{
		Outcome:     reconciler.OutcomeConfirmed,
		FinalStatus: domain.PositionExited,
	}}
	m := newTestMonitor(positions, &fakeExits{}, &fakePrices{ok: false}, sub, rc)
	defer m.StopAll()

	require.NoError(t, m.ManualExit(context.Background(), "pos-1"))

	assert.Eventually(t, func() bool { return rc.callCount() == 1 }, time.Second, 2*time.Millisecond)
	dec := sub.lastCall()
	assert.Equal(t, domain.TriggerManual, dec.Trigger)
	assert.Equal(t, 1.0, dec.SellFraction)
	assert.Equal(t, 100.0, dec.SellPct)
}

func TestManualExitRejectsNonHolding(t *testing.T) {
	rec := holdingRecord("pos-1")
	rec.Position.Status = domain.PositionExiting
	positions := newFakePositions(rec)
	m := newTestMonitor(positions, &fakeExits{}, &fakePrices{}, &fakeSubmitter{}, &fakeReconciler{})

	err := m.ManualExit(context.Background(), "pos-1")
	assert.ErrorIs(t, err, domain.ErrNotHolding)
}

func TestLockLeaseRenewedEveryTick(t *testing.T) {
	positions := newFakePositions(holdingRecord("pos-1"))
	locks := &fakeLocks{lock: &fakeLock{}}
	m := newTestMonitorWithLocks(positions, &fakeExits{}, &fakePrices{ok: false}, &fakeSubmitter{}, &fakeReconciler{}, locks)
	defer m.StopAll()

	m.Start("pos-1")

	// The lease must be renewed continuously while the loop lives, so a
	// long-running monitor never lets its lock expire under it.
	assert.Eventually(t, func() bool { return locks.lock.renewCount() >= 3 },
		time.Second, 2*time.Millisecond)
	assert.Equal(t, []string{"pos-1"}, m.Active())
}

func TestLockLeaseLostDetachesLoop(t *testing.T) {
	// A lost lease means another instance may be monitoring the position;
	// the loop must stand down without ever submitting.
	positions := newFakePositions(holdingRecord("pos-1"))
	sub := &fakeSubmitter{}
	locks := &fakeLocks{lock: &fakeLock{renewErr: domain.ErrLockLost}}
	m := newTestMonitorWithLocks(positions, &fakeExits{}, &fakePrices{price: 0.88, ok: true}, sub, &fakeReconciler{}, locks)
	defer m.StopAll()

	m.Start("pos-1")

	assert.Eventually(t, func() bool { return len(m.Active()) == 0 },
		time.Second, 2*time.Millisecond)
	assert.Equal(t, 0, sub.callCount())
}

func TestVenueClassSelfHeals(t *testing.T) {
	// Stored as alpha but the originating signal is a pool sniper: the
	// stored flag loses to the signal-source keyword.
	rec := holdingRecord("pos-1")
	rec.Signal.Source = "pool-sniper"
	positions := newFakePositions(rec)
	m := newTestMonitor(positions, &fakeExits{}, &fakePrices{ok: false}, &fakeSubmitter{}, &fakeReconciler{})
	defer m.StopAll()

	m.Start("pos-1")

	assert.Eventually(t, func() bool {
		classes := positions.classes()
		return len(classes) > 0 && classes[0] == domain.VenuePool
	}, time.Second, 2*time.Millisecond)
}

func TestTrailingStopStatePersisted(t *testing.T) {
	positions := newFakePositions(holdingRecord("pos-1"))
	// +20% profit arms the trailing stop at 1.20 * 0.95 = 1.14.
	m := newTestMonitor(positions, &fakeExits{}, &fakePrices{price: 1.199, ok: true}, &fakeSubmitter{}, &fakeReconciler{})
	defer m.StopAll()

	m.Start("pos-1")

	assert.Eventually(t, func() bool {
		rec, _ := positions.GetRecord(context.Background(), "pos-1")
		return rec.Position.StopLossType == domain.StopTrailing &&
			rec.Position.StopLossPrice > 1.13 && rec.Position.PeakPrice == 1.199
	}, time.Second, 2*time.Millisecond)
}
