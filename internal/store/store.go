// Package store defines the persistence interface for the PnL ledger.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/memetrade/pnl-ledger/internal/model"
)

var (
	// ErrNotFound is returned when a position or stats row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrLockTimeout is returned when a position row lock could not be
	// acquired within the bounded wait. The whole swap should be retried.
	ErrLockTimeout = errors.New("store: position lock timed out")

	// ErrDuplicateTrade is returned when a (transaction hash, side) pair
	// is inserted twice. The engine treats this as an already-applied leg.
	ErrDuplicateTrade = errors.New("store: trade leg already recorded")
)

// Tx is one atomic unit of work. All writes inside a Tx commit together
// or not at all. Position rows touched via GetPositionForUpdate stay
// exclusively locked until the Tx ends.
type Tx interface {
	// GetPositionForUpdate acquires the exclusive row lock for
	// (account, asset), creating a zero-quantity position when none
	// exists. Creation happens inside the same lock scope, so a
	// position's first trade and its row creation are one atomic step.
	// Blocks at most the store's configured lock wait; returns
	// ErrLockTimeout on expiry.
	GetPositionForUpdate(ctx context.Context, account, asset string) (*model.Position, error)

	// UpsertPosition writes back a position previously obtained with
	// GetPositionForUpdate.
	UpsertPosition(ctx context.Context, p *model.Position) error

	// InsertTradeLeg appends an immutable ledger entry. Returns
	// ErrDuplicateTrade when (transaction hash, side) already exists.
	InsertTradeLeg(ctx context.Context, leg *model.TradeLeg) error

	// TradeLegExists reports whether a leg with this (transaction hash,
	// side) has already been applied.
	TradeLegExists(ctx context.Context, txHash string, side model.Side) (bool, error)

	// ApplyStats increments the lifetime counters for an account,
	// creating the row on first use. Stats are best-effort for callers:
	// an implementation must isolate a failure here so the rest of the
	// Tx remains committable after the error is swallowed.
	ApplyStats(ctx context.Context, account string, tradeValue, realizedPnL decimal.Decimal) error

	// TouchStatsTimestamps sets first/last trade timestamps. Kept
	// separate from ApplyStats so callers can swallow a failure here
	// without losing the counter update. Same isolation requirement as
	// ApplyStats.
	TouchStatsTimestamps(ctx context.Context, account string, at time.Time) error
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer. Read methods never take the
// exclusive position locks.
type Store interface {
	// ExecTx runs fn inside one atomic transaction. If fn returns an
	// error nothing is committed.
	ExecTx(ctx context.Context, fn func(tx Tx) error) error

	// GetPosition returns the stored position, or ErrNotFound.
	GetPosition(ctx context.Context, account, asset string) (*model.Position, error)

	// ListOpenPositions returns the account's positions with quantity > 0.
	ListOpenPositions(ctx context.Context, account string) ([]model.Position, error)

	// SavePriceRefresh persists a refreshed last price and unrealized
	// PnL for display. Best-effort cache of the read path; failures are
	// the caller's to ignore.
	SavePriceRefresh(ctx context.Context, account, asset string, lastPrice, unrealizedPnL decimal.Decimal) error

	// GetStats returns lifetime counters for an account, or ErrNotFound.
	GetStats(ctx context.Context, account string) (*model.AccountStats, error)

	// Leaderboard returns up to limit accounts ranked descending by the
	// given metric, ties broken by account ascending.
	Leaderboard(ctx context.Context, metric model.LeaderboardMetric, limit int) ([]model.AccountStats, error)

	// TradesByAccount returns the account's ledger entries, newest first.
	TradesByAccount(ctx context.Context, account string) ([]model.TradeLeg, error)
}
