package executor

import (
	"regexp"

	"github.com/ethereum/go-ethereum/common"
)

var (
	evmHashRe = regexp.MustCompile(`0x[0-9a-fA-F]{64}`)
	// Solana signatures are base58 and 64 bytes, which encodes to 86-88
	// characters; 43+ also catches truncated logs of 32-byte hashes.
	base58HashRe = regexp.MustCompile(`[1-9A-HJ-NP-Za-km-z]{43,88}`)
)

// SniffTxHash scans free-form error text for a transaction hash of the
// chain's format. It returns the normalized hash, or "" when none is found.
func SniffTxHash(text, chain string) string {
	if chain == "solana" {
		return base58HashRe.FindString(text)
	}
	if m := evmHashRe.FindString(text); m != "" {
		return common.HexToHash(m).Hex()
	}
	return ""
}
