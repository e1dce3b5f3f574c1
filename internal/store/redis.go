package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/memetrade/pnl-ledger/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache on the advisory read paths (portfolio, stats, leaderboard, trade
// history). Writes go to the primary store; a committed swap invalidates
// the account's cached views. The ledger of record is never served from
// the cache inside a transaction.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// ExecTx delegates to the primary store and invalidates the cached views
// touched by the transaction's writes. Invalidation happens only after a
// successful commit.
func (s *CachedStore) ExecTx(ctx context.Context, fn func(tx Tx) error) error {
	touched := make(map[string]struct{})
	wrapped := func(tx Tx) error {
		return fn(&trackingTx{Tx: tx, accounts: touched})
	}
	if err := s.primary.ExecTx(ctx, wrapped); err != nil {
		return err
	}
	for account := range touched {
		s.rdb.Del(ctx,
			positionsKey(account),
			statsKey(account),
			tradesKey(account),
		)
	}
	// Any committed swap can reorder the leaderboard.
	if len(touched) > 0 {
		for metric := range leaderboardQueries {
			s.rdb.Del(ctx, leaderboardKey(metric))
		}
	}
	return nil
}

// trackingTx records which accounts a transaction writes so the wrapper
// knows what to invalidate.
type trackingTx struct {
	Tx
	accounts map[string]struct{}
}

func (t *trackingTx) UpsertPosition(ctx context.Context, p *model.Position) error {
	t.accounts[p.Account] = struct{}{}
	return t.Tx.UpsertPosition(ctx, p)
}

func (t *trackingTx) InsertTradeLeg(ctx context.Context, leg *model.TradeLeg) error {
	t.accounts[leg.Account] = struct{}{}
	return t.Tx.InsertTradeLeg(ctx, leg)
}

func (t *trackingTx) ApplyStats(ctx context.Context, account string, tradeValue, realizedPnL decimal.Decimal) error {
	t.accounts[account] = struct{}{}
	return t.Tx.ApplyStats(ctx, account, tradeValue, realizedPnL)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) ListOpenPositions(ctx context.Context, account string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(account)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.ListOpenPositions(ctx, account)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsKey(account), data, s.ttl)
	}
	return positions, nil
}

func (s *CachedStore) GetStats(ctx context.Context, account string) (*model.AccountStats, error) {
	data, err := s.rdb.Get(ctx, statsKey(account)).Bytes()
	if err == nil {
		var st model.AccountStats
		if json.Unmarshal(data, &st) == nil {
			return &st, nil
		}
	}

	st, err := s.primary.GetStats(ctx, account)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(st); err == nil {
		s.rdb.Set(ctx, statsKey(account), data, s.ttl)
	}
	return st, nil
}

func (s *CachedStore) Leaderboard(ctx context.Context, metric model.LeaderboardMetric, limit int) ([]model.AccountStats, error) {
	// Cache only the default page size; odd limits go to the primary.
	data, err := s.rdb.Get(ctx, leaderboardKey(metric)).Bytes()
	if err == nil {
		var rows []model.AccountStats
		if json.Unmarshal(data, &rows) == nil && len(rows) >= limit {
			return rows[:limit], nil
		}
	}

	rows, err := s.primary.Leaderboard(ctx, metric, limit)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(rows); err == nil {
		s.rdb.Set(ctx, leaderboardKey(metric), data, s.ttl)
	}
	return rows, nil
}

func (s *CachedStore) TradesByAccount(ctx context.Context, account string) ([]model.TradeLeg, error) {
	data, err := s.rdb.Get(ctx, tradesKey(account)).Bytes()
	if err == nil {
		var legs []model.TradeLeg
		if json.Unmarshal(data, &legs) == nil {
			return legs, nil
		}
	}

	legs, err := s.primary.TradesByAccount(ctx, account)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(legs); err == nil {
		s.rdb.Set(ctx, tradesKey(account), data, s.ttl)
	}
	return legs, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetPosition(ctx context.Context, account, asset string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, account, asset)
}

func (s *CachedStore) SavePriceRefresh(ctx context.Context, account, asset string, lastPrice, unrealizedPnL decimal.Decimal) error {
	if err := s.primary.SavePriceRefresh(ctx, account, asset, lastPrice, unrealizedPnL); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionsKey(account))
	return nil
}

// --- Cache keys ---

func positionsKey(account string) string { return fmt.Sprintf("positions:%s", account) }
func statsKey(account string) string     { return fmt.Sprintf("stats:%s", account) }
func tradesKey(account string) string    { return fmt.Sprintf("trades:%s", account) }

func leaderboardKey(metric model.LeaderboardMetric) string {
	return fmt.Sprintf("leaderboard:%s", metric)
}
