package domain

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrPriceUnavailable = errors.New("price unavailable")
	ErrVenueUnavailable = errors.New("venue unavailable")
	ErrTxReverted       = errors.New("transaction reverted on-chain")
	ErrSigningFailed    = errors.New("signing failed")
	ErrNotHolding       = errors.New("position is not in holding state")
	ErrRateLimited      = errors.New("rate limited")
	ErrLockHeld         = errors.New("lock already held")
	ErrLockLost         = errors.New("lock lease lost")
	ErrUnauthorized     = errors.New("unauthorized")
)
