package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solhedge/exitpilot/internal/domain"
)

func testConfig() Config {
	return Config{
		TrailActivationPct: 15,
		TrailDistancePct:   5,
		IdleDecayAfter:     6 * time.Hour,
		IdleStopPct:        3,
	}
}

func testRecord() domain.PositionRecord {
	now := time.Now().UTC()
	return domain.PositionRecord{
		Position: domain.Position{
			ID:                  "pos-1",
			TokenSymbol:         "WIF",
			Chain:               "bsc",
			EntryPrice:          1.00,
			EntryAmountToken:    1000,
			EntryAmountUsd:      1000,
			CurrentTokenBalance: 1000,
			StopLossPrice:       0.90,
			StopLossType:        domain.StopFixed,
			TakeProfitPrice:     1.20,
			PeakPrice:           1.00,
			Status:              domain.PositionHolding,
			OpenedAt:            now,
		},
		Signal: domain.Signal{
			ID:            "sig-1",
			Source:        "alpha-scanner",
			TakeProfitPct: 20,
			StopLossPct:   10,
		},
	}
}

func TestStopLossFiresOnThresholdCross(t *testing.T) {
	eng := NewEngine(testConfig())
	rec := testRecord()

	// Price path 1.00 -> 0.95 -> 0.88: nothing fires until the stop is
	// breached, then exactly one full stop-loss decision.
	eval := eng.Evaluate(rec, 1.00, rec.Position.OpenedAt)
	assert.False(t, eval.Fired())

	eval = eng.Evaluate(rec, 0.95, rec.Position.OpenedAt)
	assert.False(t, eval.Fired())

	eval = eng.Evaluate(rec, 0.88, rec.Position.OpenedAt)
	require.NotNil(t, eval.Primary)
	assert.Equal(t, domain.TriggerStopLoss, eval.Primary.Trigger)
	assert.Equal(t, 1.0, eval.Primary.SellFraction)
	assert.Equal(t, 100.0, eval.Primary.SellPct)
	assert.Empty(t, eval.Partials)
}

func TestFullTakeProfitFires(t *testing.T) {
	eng := NewEngine(testConfig())
	rec := testRecord()

	eval := eng.Evaluate(rec, 1.20, rec.Position.OpenedAt)
	require.NotNil(t, eval.Primary)
	assert.Equal(t, domain.TriggerTakeProfit, eval.Primary.Trigger)
	assert.Equal(t, 1.0, eval.Primary.SellFraction)
}

func TestPartialLadderProgression(t *testing.T) {
	eng := NewEngine(testConfig())
	rec := testRecord()
	rec.Position.PartialTPEnabled = true
	rec.Position.PartialTPRules = []domain.PartialTPRule{
		{ProfitPct: 10, SellPct: 30},
		{ProfitPct: 20, SellPct: 30},
	}

	// $1.10: rule 0 fires, 30% of original entry.
	eval := eng.Evaluate(rec, 1.10, rec.Position.OpenedAt)
	require.Len(t, eval.Partials, 1)
	assert.Nil(t, eval.Primary)
	assert.Equal(t, 0, eval.Partials[0].RuleIndex)
	assert.Equal(t, 30.0, eval.Partials[0].SellPct)

	// Simulate the confirmed fill.
	rec.Position.PartialTPTriggered = []int{0}
	rec.Position.PartialSoldPct = 30
	rec.Position.CurrentTokenBalance = 700

	// $1.21: rule 1 fires for another 30% of original; full take-profit is
	// never evaluated while the ladder is enabled even though 1.21 > 1.20.
	eval = eng.Evaluate(rec, 1.21, rec.Position.OpenedAt)
	require.Len(t, eval.Partials, 1)
	assert.Nil(t, eval.Primary)
	assert.Equal(t, 1, eval.Partials[0].RuleIndex)
	assert.Equal(t, 30.0, eval.Partials[0].SellPct)
}

func TestPartialRuleFiresAtMostOnce(t *testing.T) {
	eng := NewEngine(testConfig())
	rec := testRecord()
	rec.Position.PartialTPEnabled = true
	rec.Position.PartialTPRules = []domain.PartialTPRule{{ProfitPct: 10, SellPct: 30}}
	rec.Position.PartialTPTriggered = []int{0}
	rec.Position.PartialSoldPct = 30
	rec.Position.CurrentTokenBalance = 700

	// A racing duplicate tick at the same price must be a no-op.
	eval := eng.Evaluate(rec, 1.10, rec.Position.OpenedAt)
	assert.False(t, eval.Fired())
}

func TestBothRulesFireInOneTick(t *testing.T) {
	eng := NewEngine(testConfig())
	rec := testRecord()
	rec.Position.PartialTPEnabled = true
	rec.Position.PartialTPRules = []domain.PartialTPRule{
		{ProfitPct: 10, SellPct: 60},
		{ProfitPct: 20, SellPct: 60},
	}

	// Price gaps straight to +25%: both rungs fire in threshold order, and
	// the second is clamped so the total never exceeds 100% of entry.
	eval := eng.Evaluate(rec, 1.25, rec.Position.OpenedAt)
	require.Len(t, eval.Partials, 2)
	assert.Equal(t, 60.0, eval.Partials[0].SellPct)
	assert.Equal(t, 40.0, eval.Partials[1].SellPct)
}

func TestCorruptTakeProfitRederived(t *testing.T) {
	eng := NewEngine(testConfig())
	rec := testRecord()
	rec.Position.TakeProfitPrice = 0.50 // below entry: data defect

	// Price above the corrupt level must not trigger an exit; the engine
	// re-derives 1.20 from the signal's 20% target first.
	eval := eng.Evaluate(rec, 1.05, rec.Position.OpenedAt)
	assert.Nil(t, eval.Primary)
	assert.InDelta(t, 1.20, eval.RepairedTakeProfit, 1e-9)

	// At the re-derived level the exit fires normally.
	eval = eng.Evaluate(rec, 1.20, rec.Position.OpenedAt)
	require.NotNil(t, eval.Primary)
	assert.Equal(t, domain.TriggerTakeProfit, eval.Primary.Trigger)
}

func TestCorruptTakeProfitWithoutSignalTargetNeverFires(t *testing.T) {
	eng := NewEngine(testConfig())
	rec := testRecord()
	rec.Position.TakeProfitPrice = 0.50 // below entry: data defect
	rec.Signal.TakeProfitPct = 0        // nothing to re-derive from

	// Any price above the corrupt level would satisfy price >= tp; the check
	// must be skipped instead of acting on the stale value.
	eval := eng.Evaluate(rec, 1.05, rec.Position.OpenedAt)
	assert.Nil(t, eval.Primary)
	assert.Zero(t, eval.RepairedTakeProfit)

	eval = eng.Evaluate(rec, 5.00, rec.Position.OpenedAt)
	assert.Nil(t, eval.Primary)
}

func TestTrailingStopRatchetsAndNeverLoosens(t *testing.T) {
	eng := NewEngine(testConfig())
	rec := testRecord()
	rec.Position.TakeProfitPrice = 2.00

	// +20% arms the trail: stop moves to 5% under the peak.
	eval := eng.Evaluate(rec, 1.20, rec.Position.OpenedAt)
	assert.Equal(t, domain.StopTrailing, eval.StopUpdate.StopType)
	assert.InDelta(t, 1.14, eval.StopUpdate.StopPrice, 1e-9)
	assert.InDelta(t, 1.20, eval.StopUpdate.PeakPrice, 1e-9)

	rec.Position.StopLossPrice = eval.StopUpdate.StopPrice
	rec.Position.StopLossType = eval.StopUpdate.StopType
	rec.Position.PeakPrice = eval.StopUpdate.PeakPrice

	// Higher peak ratchets the stop up.
	eval = eng.Evaluate(rec, 1.40, rec.Position.OpenedAt)
	assert.InDelta(t, 1.33, eval.StopUpdate.StopPrice, 1e-9)

	rec.Position.StopLossPrice = eval.StopUpdate.StopPrice
	rec.Position.PeakPrice = eval.StopUpdate.PeakPrice

	// A pullback must not loosen the stop, and crossing it fires a
	// trailing-stop exit for the whole balance.
	eval = eng.Evaluate(rec, 1.30, rec.Position.OpenedAt)
	require.NotNil(t, eval.Primary)
	assert.Equal(t, domain.TriggerTrailingStop, eval.Primary.Trigger)
	assert.InDelta(t, 1.33, eval.StopUpdate.StopPrice, 1e-9)
}

func TestIdleDecayTightensStop(t *testing.T) {
	eng := NewEngine(testConfig())
	rec := testRecord()

	// Seven hours of sideways price: the stop creeps from 0.90 to 0.97.
	later := rec.Position.OpenedAt.Add(7 * time.Hour)
	eval := eng.Evaluate(rec, 1.01, later)
	assert.False(t, eval.Fired())
	assert.InDelta(t, 0.97, eval.StopUpdate.StopPrice, 1e-9)
	assert.Equal(t, domain.StopFixed, eval.StopUpdate.StopType)
}

func TestStopUpdateReportedEvenWhenNothingFires(t *testing.T) {
	eng := NewEngine(testConfig())
	rec := testRecord()

	eval := eng.Evaluate(rec, 1.05, rec.Position.OpenedAt)
	assert.False(t, eval.Fired())
	assert.InDelta(t, 1.05, eval.StopUpdate.PeakPrice, 1e-9)
	assert.InDelta(t, 0.90, eval.StopUpdate.StopPrice, 1e-9)
}
