package executor

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solhedge/exitpilot/internal/domain"
)

type fakeSwapBuilder struct {
	plan     domain.SwapPlan
	err      error
	lastReq  domain.SwapRequest
	reqCount int
}

func (f *fakeSwapBuilder) BuildSwap(_ context.Context, req domain.SwapRequest) (domain.SwapPlan, error) {
	f.lastReq = req
	f.reqCount++
	return f.plan, f.err
}

type signedCall struct {
	owner string
	chain string
	tx    string
}

type fakeSigner struct {
	hashes []string
	errs   []error
	calls  []signedCall
}

func (f *fakeSigner) SignAndSend(_ context.Context, ownerID, chain, unsignedTx string) (string, error) {
	i := len(f.calls)
	f.calls = append(f.calls, signedCall{owner: ownerID, chain: chain, tx: unsignedTx})
	var hash string
	var err error
	if i < len(f.hashes) {
		hash = f.hashes[i]
	}
	if i < len(f.errs) {
		err = f.errs[i]
	}
	return hash, err
}

func testRecord() domain.PositionRecord {
	return domain.PositionRecord{
		Position: domain.Position{
			ID:                  "pos-1",
			TokenSymbol:         "WIF",
			Chain:               "bsc",
			ContractAddress:     "0xabc",
			WalletAddress:       "0xwallet",
			EntryAmountToken:    1000,
			CurrentTokenBalance: 1000,
		},
		Wallet: domain.Wallet{OwnerID: "owner-1", Chain: "bsc", Address: "0xwallet"},
	}
}

func newTestExecutor(swaps *fakeSwapBuilder, signer *fakeSigner) *Executor {
	return NewExecutor(swaps, signer, Config{
		PartialSlippagePct:   1.5,
		EmergencySlippagePct: 5.0,
		ApprovalSettleDelay:  0,
	}, slog.Default())
}

const evmHash = "0x71c7656ec7ab88b098defb751b7401b5f6d8976f8d3b3f5a9e1b0a2c4d5e6f70"

func TestExecuteFullExitUsesEmergencySlippage(t *testing.T) {
	swaps := &fakeSwapBuilder{plan: domain.SwapPlan{UnsignedSwapTx: "rawswap", AmountOutMin: 870}}
	signer := &fakeSigner{hashes: []string{evmHash}}
	exec := newTestExecutor(swaps, signer)

	dec := domain.ExitDecision{Trigger: domain.TriggerStopLoss, SellFraction: 1, SellPct: 100}
	handle, err := exec.Execute(context.Background(), testRecord(), dec)
	require.NoError(t, err)

	assert.Equal(t, evmHash, handle.TxHash)
	assert.Equal(t, 5.0, swaps.lastReq.SlippagePercent)
	assert.Equal(t, "USDT", swaps.lastReq.TokenOut)
	assert.Equal(t, 1000.0, swaps.lastReq.AmountIn)
	require.Len(t, signer.calls, 1)
	assert.Equal(t, "owner-1", signer.calls[0].owner)
}

func TestExecutePartialSizedFromEntryAmount(t *testing.T) {
	swaps := &fakeSwapBuilder{plan: domain.SwapPlan{UnsignedSwapTx: "rawswap"}}
	signer := &fakeSigner{hashes: []string{evmHash}}
	exec := newTestExecutor(swaps, signer)

	rec := testRecord()
	rec.Position.CurrentTokenBalance = 700 // rung 0 already sold

	dec := domain.ExitDecision{Trigger: domain.TriggerPartialTP, SellPct: 30, SellFraction: 0.3, RuleIndex: 1}
	_, err := exec.Execute(context.Background(), rec, dec)
	require.NoError(t, err)

	assert.Equal(t, 300.0, swaps.lastReq.AmountIn) // 30% of the 1000 entry
	assert.Equal(t, 1.5, swaps.lastReq.SlippagePercent)
}

func TestExecuteSubmitsApprovalBeforeSwap(t *testing.T) {
	swaps := &fakeSwapBuilder{plan: domain.SwapPlan{
		UnsignedSwapTx:     "rawswap",
		NeedsApproval:      true,
		UnsignedApprovalTx: "rawapproval",
	}}
	signer := &fakeSigner{hashes: []string{"0x" + "11" + evmHash[4:], evmHash}}
	exec := newTestExecutor(swaps, signer)

	dec := domain.ExitDecision{Trigger: domain.TriggerTakeProfit, SellFraction: 1, SellPct: 100}
	handle, err := exec.Execute(context.Background(), testRecord(), dec)
	require.NoError(t, err)

	require.Len(t, signer.calls, 2)
	assert.Equal(t, "rawapproval", signer.calls[0].tx)
	assert.Equal(t, "rawswap", signer.calls[1].tx)
	assert.Equal(t, evmHash, handle.TxHash)
}

func TestSignerErrorWithEmbeddedHashIsHonored(t *testing.T) {
	swaps := &fakeSwapBuilder{plan: domain.SwapPlan{UnsignedSwapTx: "rawswap"}}
	signer := &fakeSigner{errs: []error{
		errors.New("rpc timeout waiting for receipt of " + evmHash + " (tx may have landed)"),
	}}
	exec := newTestExecutor(swaps, signer)

	dec := domain.ExitDecision{Trigger: domain.TriggerStopLoss, SellFraction: 1, SellPct: 100}
	handle, err := exec.Execute(context.Background(), testRecord(), dec)
	require.NoError(t, err)
	assert.Equal(t, evmHash, handle.TxHash)
}

func TestSignerErrorWithoutHashFails(t *testing.T) {
	swaps := &fakeSwapBuilder{plan: domain.SwapPlan{UnsignedSwapTx: "rawswap"}}
	signer := &fakeSigner{errs: []error{errors.New("insufficient gas")}}
	exec := newTestExecutor(swaps, signer)

	dec := domain.ExitDecision{Trigger: domain.TriggerStopLoss, SellFraction: 1, SellPct: 100}
	_, err := exec.Execute(context.Background(), testRecord(), dec)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSigningFailed)
}

func TestSniffTxHash(t *testing.T) {
	assert.Equal(t, evmHash, SniffTxHash("error: "+evmHash+" pending", "bsc"))
	assert.Equal(t, "", SniffTxHash("error: 0x1234 too short", "bsc"))

	solanaSig := "5VERYLongBase58SignatureThatLooksLikeARealSolanaTx1111111111111111111111111111111111"
	assert.Equal(t, solanaSig, SniffTxHash("failed after send: "+solanaSig, "solana"))
	assert.Equal(t, "", SniffTxHash("plain failure", "solana"))
}
