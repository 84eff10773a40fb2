package domain

import "context"

// SymbolQuoter is the aggregated off-chain quote venue: a USD price keyed by
// ticker symbol alone. Multiple unrelated assets can share a symbol, so this
// venue must not be used for pool-classified tokens.
type SymbolQuoter interface {
	QuoteSymbol(ctx context.Context, symbol string) (float64, error)
}

// PoolQuoter is the on-chain pool quote venue: a USD price derived from the
// token's own liquidity pool, keyed by chain and contract address.
type PoolQuoter interface {
	QuotePool(ctx context.Context, chain, symbol, contract string) (float64, error)
}

// SwapRequest asks the venue adapter for an unsigned swap.
type SwapRequest struct {
	Chain           string
	TokenIn         string
	TokenInAddress  string
	TokenOut        string
	AmountIn        float64
	SlippagePercent float64
	UserAddress     string
}

// SwapPlan is the venue adapter's response: the unsigned transaction(s) plus
// routing metadata. UnsignedApprovalTx is only set when NeedsApproval is true.
type SwapPlan struct {
	UnsignedSwapTx     string
	NeedsApproval      bool
	UnsignedApprovalTx string
	AmountOutMin       float64
	TokenOutAddress    string
}

// SwapBuilder builds unsigned swap transactions through the routing venue.
type SwapBuilder interface {
	BuildSwap(ctx context.Context, req SwapRequest) (SwapPlan, error)
}

// RemoteSigner submits an unsigned transaction for signing and broadcast on
// behalf of an owner identity. It returns the transaction hash. Some signer
// backends race their own RPC and report an error whose text still carries
// the hash of a transaction that landed; callers are expected to sniff for it.
type RemoteSigner interface {
	SignAndSend(ctx context.Context, ownerID, chain, unsignedTx string) (string, error)
}

// TxHints narrows chain-status lookups to the transfer we care about.
type TxHints struct {
	Payer        string
	Recipient    string
	MinAmountOut float64
}

// TxOutcome is the chain status of a submitted transaction. Final is false
// while the transaction is still pending; Success and the remaining fields
// are only meaningful once Final is true.
type TxOutcome struct {
	Final         bool
	Success       bool
	AmountOut     float64 // actual stable-asset amount received
	FailureReason string
}

// ChainStatus resolves the on-chain outcome of a submitted transaction.
type ChainStatus interface {
	TxStatus(ctx context.Context, chain, txHash string, hints TxHints) (TxOutcome, error)
}

// FeeRequest sizes platform fee collection from real trade proceeds.
type FeeRequest struct {
	TradeAmountUsd float64
	Side           string
	Chain          string
	OwnerID        string
	WalletAddress  string
}

// FeeCollector triggers downstream fee collection and reports the fee amount
// actually taken, in USD. Failures are logged by callers and never block the
// exit pipeline.
type FeeCollector interface {
	Collect(ctx context.Context, req FeeRequest) (float64, error)
}
