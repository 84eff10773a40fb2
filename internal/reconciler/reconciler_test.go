package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solhedge/exitpilot/internal/domain"
	"github.com/solhedge/exitpilot/internal/notify"
)

type fakeChain struct {
	outcomes []domain.TxOutcome
	errs     []error
	calls    int
}

func (f *fakeChain) TxStatus(context.Context, string, string, domain.TxHints) (domain.TxOutcome, error) {
	i := f.calls
	f.calls++
	var out domain.TxOutcome
	var err error
	if i < len(f.outcomes) {
		out = f.outcomes[i]
	}
	if i < len(f.errs) {
		err = f.errs[i]
	}
	return out, err
}

type fakePositions struct {
	fills    []domain.PositionFill
	statuses []domain.PositionStatus
	lastErr  string
	// soldPct mirrors the store's accumulate-and-cap fill semantics.
	soldPct float64
}

func (f *fakePositions) GetRecord(context.Context, string) (domain.PositionRecord, error) {
	return domain.PositionRecord{}, domain.ErrNotFound
}
func (f *fakePositions) ListOpen(context.Context) ([]domain.Position, error) { return nil, nil }
func (f *fakePositions) ListTerminalBefore(context.Context, time.Time) ([]domain.Position, error) {
	return nil, nil
}
func (f *fakePositions) UpdateStops(context.Context, string, float64, domain.StopLossType, float64) error {
	return nil
}
func (f *fakePositions) SetTakeProfit(context.Context, string, float64) error { return nil }
func (f *fakePositions) SetVenueClass(context.Context, string, domain.VenueClass) error {
	return nil
}
func (f *fakePositions) SetStatus(_ context.Context, _ string, status domain.PositionStatus, lastError string) error {
	f.statuses = append(f.statuses, status)
	f.lastErr = lastError
	return nil
}
func (f *fakePositions) ApplyFill(_ context.Context, fill domain.PositionFill) error {
	f.fills = append(f.fills, fill)
	f.soldPct += fill.SoldPct
	if f.soldPct > 100 {
		f.soldPct = 100
	}
	return nil
}

type fakeExits struct {
	execs        map[string]domain.ExitExecution
	partialFills int
	reverted     int
}

func newFakeExits() *fakeExits {
	return &fakeExits{execs: make(map[string]domain.ExitExecution)}
}

func (f *fakeExits) CreateExecution(_ context.Context, e domain.ExitExecution) error {
	f.execs[e.ID] = e
	return nil
}
func (f *fakeExits) UpdateExecution(_ context.Context, e domain.ExitExecution) error {
	f.execs[e.ID] = e
	if e.Status == domain.ExecReverted {
		f.reverted++
	}
	return nil
}
func (f *fakeExits) ListByPosition(context.Context, string) ([]domain.ExitExecution, error) {
	return nil, nil
}
func (f *fakeExits) CountReverted(context.Context, string) (int, error) { return f.reverted, nil }
func (f *fakeExits) AppendPartialSell(context.Context, domain.PartialSellRecord) error { return nil }
func (f *fakeExits) ListPartialSells(context.Context, string) ([]domain.PartialSellRecord, error) {
	return nil, nil
}
func (f *fakeExits) FillPartialSell(context.Context, string, float64, domain.ExecutionStatus) error {
	f.partialFills++
	return nil
}

type fakeFees struct {
	mu     sync.Mutex
	amount float64
	reqs   []domain.FeeRequest
}

func (f *fakeFees) Collect(_ context.Context, req domain.FeeRequest) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.amount, nil
}

type fakeBus struct{ published [][]byte }

func (f *fakeBus) Publish(_ context.Context, _ string, payload []byte) error {
	f.published = append(f.published, payload)
	return nil
}
func (f *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }

type fakeAudit struct{ events []string }

func (f *fakeAudit) Log(_ context.Context, event string, _ map[string]any) error {
	f.events = append(f.events, event)
	return nil
}
func (f *fakeAudit) List(context.Context, int) ([]domain.AuditEntry, error) { return nil, nil }

func testRecord() domain.PositionRecord {
	return domain.PositionRecord{
		Position: domain.Position{
			ID:                  "pos-1",
			TokenSymbol:         "WIF",
			Chain:               "bsc",
			EntryPrice:          1.0,
			EntryAmountToken:    1000,
			EntryAmountUsd:      1000,
			CurrentTokenBalance: 1000,
			Status:              domain.PositionExiting,
		},
		Wallet: domain.Wallet{OwnerID: "owner-1", Address: "0xwallet"},
	}
}

func newTestReconciler(chain *fakeChain, positions *fakePositions, exits *fakeExits, fees *fakeFees, bus *fakeBus, audit *fakeAudit) *Reconciler {
	notifier := notify.NewNotifier(nil, nil, slog.Default())
	return NewReconciler(chain, positions, exits, fees, bus, audit, notifier, Config{
		CheckInterval: time.Millisecond,
		MaxChecks:     5,
		MaxReverts:    2,
	}, slog.Default())
}

func TestAmbiguousChecksThenSuccess(t *testing.T) {
	// Two ambiguous checks (pending, RPC error), then finality with actual
	// proceeds. P&L must come from the confirmed amount, not the estimate.
	chain := &fakeChain{
		outcomes: []domain.TxOutcome{
			{Final: false},
			{},
			{Final: true, Success: true, AmountOut: 1150},
		},
		errs: []error{nil, errors.New("rpc timeout"), nil},
	}
	positions := &fakePositions{}
	exits := newFakeExits()
	fees := &fakeFees{}
	bus := &fakeBus{}
	audit := &fakeAudit{}
	r := newTestReconciler(chain, positions, exits, fees, bus, audit)

	rec := testRecord()
	exec := domain.ExitExecution{ID: "exec-1", PositionID: "pos-1", TxHash: "0xaaa", Trigger: domain.TriggerTakeProfit, Status: domain.ExecSubmitted}
	handle := domain.ExitHandle{TxHash: "0xaaa", Trigger: domain.TriggerTakeProfit, AmountToken: 1000, AmountOutMin: 1100}
	dec := domain.ExitDecision{Trigger: domain.TriggerTakeProfit, SellFraction: 1, SellPct: 100}

	res := r.Reconcile(context.Background(), rec, exec, handle, dec)

	assert.Equal(t, OutcomeConfirmed, res.Outcome)
	assert.Equal(t, domain.PositionExited, res.FinalStatus)
	assert.Equal(t, 3, chain.calls)

	stored := exits.execs["exec-1"]
	assert.Equal(t, domain.ExecConfirmed, stored.Status)
	assert.Equal(t, 1150.0, stored.ProceedsUsd)
	assert.InDelta(t, 150.0, stored.RealizedPnlUsd, 1e-9)
	assert.InDelta(t, 15.0, stored.RealizedPnlPct, 1e-9)
	assert.Equal(t, domain.TriggerTakeProfit, stored.Classification)

	require.Len(t, positions.fills, 1)
	assert.Equal(t, domain.PositionExited, positions.fills[0].NewStatus)
	assert.Equal(t, 1150.0, positions.fills[0].SoldUsd)
}

func TestLossyTakeProfitReclassifiedButTriggerPreserved(t *testing.T) {
	// A take-profit that lost money to slippage is classified stop_loss
	// while the original trigger stays untouched.
	chain := &fakeChain{outcomes: []domain.TxOutcome{{Final: true, Success: true, AmountOut: 950}}}
	positions := &fakePositions{}
	exits := newFakeExits()
	r := newTestReconciler(chain, positions, exits, &fakeFees{}, &fakeBus{}, &fakeAudit{})

	rec := testRecord()
	exec := domain.ExitExecution{ID: "exec-1", PositionID: "pos-1", TxHash: "0xaaa", Trigger: domain.TriggerTakeProfit, Status: domain.ExecSubmitted}
	handle := domain.ExitHandle{TxHash: "0xaaa", AmountToken: 1000, AmountOutMin: 1100}
	dec := domain.ExitDecision{Trigger: domain.TriggerTakeProfit, SellFraction: 1, SellPct: 100}

	res := r.Reconcile(context.Background(), rec, exec, handle, dec)
	assert.Equal(t, OutcomeConfirmed, res.Outcome)

	stored := exits.execs["exec-1"]
	assert.Equal(t, domain.TriggerTakeProfit, stored.Trigger)
	assert.Equal(t, domain.TriggerStopLoss, stored.Classification)
	assert.InDelta(t, -50.0, stored.RealizedPnlUsd, 1e-9)
}

func TestPartialConfirmationLeavesPositionHolding(t *testing.T) {
	chain := &fakeChain{outcomes: []domain.TxOutcome{{Final: true, Success: true, AmountOut: 340}}}
	positions := &fakePositions{}
	exits := newFakeExits()
	r := newTestReconciler(chain, positions, exits, &fakeFees{}, &fakeBus{}, &fakeAudit{})

	rec := testRecord()
	exec := domain.ExitExecution{ID: "exec-1", PositionID: "pos-1", TxHash: "0xbbb", Trigger: domain.TriggerPartialTP, Status: domain.ExecSubmitted}
	handle := domain.ExitHandle{TxHash: "0xbbb", AmountToken: 300, AmountOutMin: 320}
	dec := domain.ExitDecision{Trigger: domain.TriggerPartialTP, SellPct: 30, RuleIndex: 0}

	res := r.Reconcile(context.Background(), rec, exec, handle, dec)

	assert.Equal(t, OutcomeConfirmed, res.Outcome)
	assert.Equal(t, domain.PositionHolding, res.FinalStatus)
	assert.Equal(t, 1, exits.partialFills)

	require.Len(t, positions.fills, 1)
	fill := positions.fills[0]
	assert.Equal(t, 30.0, fill.SoldPct)
	assert.Equal(t, []int{0}, fill.NewTriggered)
	assert.Equal(t, domain.PositionHolding, fill.NewStatus)
}

func TestLadderRungsAccumulateSoldPct(t *testing.T) {
	// Two confirmed ladder rungs of 30% and 20% must leave the persisted
	// sold total at 50: each fill carries its own increment and the store
	// accumulates, so the total never regresses to a later rung's size.
	positions := &fakePositions{}
	exits := newFakeExits()

	chain := &fakeChain{outcomes: []domain.TxOutcome{{Final: true, Success: true, AmountOut: 340}}}
	r := newTestReconciler(chain, positions, exits, &fakeFees{}, &fakeBus{}, &fakeAudit{})

	rec := testRecord()
	exec := domain.ExitExecution{ID: "exec-1", PositionID: "pos-1", TxHash: "0xaa1", Trigger: domain.TriggerPartialTP, Status: domain.ExecSubmitted}
	handle := domain.ExitHandle{TxHash: "0xaa1", AmountToken: 300, AmountOutMin: 320}
	dec := domain.ExitDecision{Trigger: domain.TriggerPartialTP, SellPct: 30, RuleIndex: 0}
	res := r.Reconcile(context.Background(), rec, exec, handle, dec)
	require.Equal(t, OutcomeConfirmed, res.Outcome)

	// Second rung against the refreshed snapshot the store would serve.
	rec.Position.CurrentTokenBalance = 700
	rec.Position.PartialSoldPct = positions.soldPct
	rec.Position.PartialTPTriggered = []int{0}

	chain2 := &fakeChain{outcomes: []domain.TxOutcome{{Final: true, Success: true, AmountOut: 250}}}
	r2 := newTestReconciler(chain2, positions, exits, &fakeFees{}, &fakeBus{}, &fakeAudit{})
	exec2 := domain.ExitExecution{ID: "exec-2", PositionID: "pos-1", TxHash: "0xaa2", Trigger: domain.TriggerPartialTP, Status: domain.ExecSubmitted}
	handle2 := domain.ExitHandle{TxHash: "0xaa2", AmountToken: 200, AmountOutMin: 240}
	dec2 := domain.ExitDecision{Trigger: domain.TriggerPartialTP, SellPct: 20, RuleIndex: 1}
	res = r2.Reconcile(context.Background(), rec, exec2, handle2, dec2)
	require.Equal(t, OutcomeConfirmed, res.Outcome)
	assert.Equal(t, domain.PositionHolding, res.FinalStatus)

	require.Len(t, positions.fills, 2)
	assert.Equal(t, 30.0, positions.fills[0].SoldPct)
	assert.Equal(t, 20.0, positions.fills[1].SoldPct)
	assert.Equal(t, 50.0, positions.soldPct)
}

func TestRevertRollsBackThenFails(t *testing.T) {
	positions := &fakePositions{}
	exits := newFakeExits()

	// First revert: back to holding for a cooldown retry.
	chain := &fakeChain{outcomes: []domain.TxOutcome{{Final: true, Success: false, FailureReason: "slippage exceeded"}}}
	r := newTestReconciler(chain, positions, exits, &fakeFees{}, &fakeBus{}, &fakeAudit{})

	rec := testRecord()
	exec := domain.ExitExecution{ID: "exec-1", PositionID: "pos-1", TxHash: "0xccc", Trigger: domain.TriggerStopLoss, Status: domain.ExecSubmitted}
	handle := domain.ExitHandle{TxHash: "0xccc", AmountToken: 1000}
	dec := domain.ExitDecision{Trigger: domain.TriggerStopLoss, SellFraction: 1, SellPct: 100}

	res := r.Reconcile(context.Background(), rec, exec, handle, dec)
	assert.Equal(t, OutcomeReverted, res.Outcome)
	assert.Equal(t, domain.PositionHolding, res.FinalStatus)

	// Second revert for the same position exhausts the budget.
	chain2 := &fakeChain{outcomes: []domain.TxOutcome{{Final: true, Success: false, FailureReason: "slippage exceeded"}}}
	r2 := newTestReconciler(chain2, positions, exits, &fakeFees{}, &fakeBus{}, &fakeAudit{})
	exec2 := domain.ExitExecution{ID: "exec-2", PositionID: "pos-1", TxHash: "0xddd", Trigger: domain.TriggerStopLoss, Status: domain.ExecSubmitted}

	res = r2.Reconcile(context.Background(), rec, exec2, handle, dec)
	assert.Equal(t, OutcomeReverted, res.Outcome)
	assert.Equal(t, domain.PositionFailed, res.FinalStatus)
	assert.Contains(t, positions.lastErr, "manual action required")
	assert.Empty(t, positions.fills) // balance untouched by reverts
}

func TestCollectFeeWritesBackTotalFees(t *testing.T) {
	positions := &fakePositions{}
	exits := newFakeExits()
	fees := &fakeFees{amount: 11.5}
	r := newTestReconciler(&fakeChain{}, positions, exits, fees, &fakeBus{}, &fakeAudit{})

	rec := testRecord()
	exec := domain.ExitExecution{ID: "exec-1", PositionID: "pos-1", TxHash: "0xaaa", Status: domain.ExecConfirmed, ProceedsUsd: 1150}
	exits.execs["exec-1"] = exec

	r.collectFee(rec, exec, 1150)

	require.Len(t, fees.reqs, 1)
	assert.Equal(t, 1150.0, fees.reqs[0].TradeAmountUsd)
	assert.Equal(t, "sell", fees.reqs[0].Side)
	assert.Equal(t, 11.5, exits.execs["exec-1"].TotalFees)
}

func TestExhaustedChecksAbandons(t *testing.T) {
	chain := &fakeChain{} // always pending
	positions := &fakePositions{}
	exits := newFakeExits()
	r := newTestReconciler(chain, positions, exits, &fakeFees{}, &fakeBus{}, &fakeAudit{})

	rec := testRecord()
	exec := domain.ExitExecution{ID: "exec-1", PositionID: "pos-1", TxHash: "0xeee", Trigger: domain.TriggerManual, Status: domain.ExecSubmitted}
	handle := domain.ExitHandle{TxHash: "0xeee", AmountToken: 1000}
	dec := domain.ExitDecision{Trigger: domain.TriggerManual, SellFraction: 1, SellPct: 100}

	res := r.Reconcile(context.Background(), rec, exec, handle, dec)

	assert.Equal(t, OutcomeAbandoned, res.Outcome)
	assert.Equal(t, domain.PositionHolding, res.FinalStatus)
	assert.Equal(t, 5, chain.calls)
	assert.Equal(t, domain.ExecAbandoned, exits.execs["exec-1"].Status)
	assert.Empty(t, positions.fills)
}
