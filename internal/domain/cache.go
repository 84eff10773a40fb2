package domain

import (
	"context"
	"time"
)

// PriceCache provides fast access to the latest observed prices. Keys are
// "chain:contract" when a contract address is known, otherwise the bare
// symbol.
type PriceCache interface {
	SetPrice(ctx context.Context, key string, price float64, ts time.Time) error
	GetPrice(ctx context.Context, key string) (float64, time.Time, error)
}

// RateLimiter provides distributed rate limiting for venue calls.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// Lock is a held distributed lease. Holders of long-lived locks must renew
// within the TTL or the lease silently expires and another holder can take it.
type Lock interface {
	// Renew extends the lease by ttl. It returns ErrLockLost when the lease
	// has already expired or been taken by another holder.
	Renew(ctx context.Context, ttl time.Duration) error
	// Release frees the lease. Safe to call more than once.
	Release()
}

// LockManager provides distributed locking, used to guarantee at most one
// engine instance monitors a given position.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// SignalBus is the observer side-channel exit events are published to. The
// exit pipeline must behave identically with zero subscribers.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}
