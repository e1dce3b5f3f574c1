package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/memetrade/pnl-ledger/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Row exclusivity uses one token channel per (account, asset) key, so
// concurrent transactions over disjoint positions never contend while
// transactions over the same position serialize with a bounded wait.
type MemoryStore struct {
	mu        sync.RWMutex
	positions map[string]*model.Position
	legs      []model.TradeLeg
	legIdx    map[string]struct{}
	stats     map[string]*model.AccountStats

	lockMu   sync.Mutex
	rowLocks map[string]chan struct{}
	lockWait time.Duration
}

// NewMemoryStore creates a new in-memory store. lockWait bounds how long
// a transaction waits for a position row lock before ErrLockTimeout.
func NewMemoryStore(lockWait time.Duration) *MemoryStore {
	if lockWait <= 0 {
		lockWait = time.Second
	}
	return &MemoryStore{
		positions: make(map[string]*model.Position),
		legIdx:    make(map[string]struct{}),
		stats:     make(map[string]*model.AccountStats),
		rowLocks:  make(map[string]chan struct{}),
		lockWait:  lockWait,
	}
}

func posKey(account, asset string) string { return account + "|" + asset }

func legKey(txHash string, side model.Side) string { return txHash + "|" + string(side) }

func (s *MemoryStore) rowLock(key string) chan struct{} {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	ch, ok := s.rowLocks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		s.rowLocks[key] = ch
	}
	return ch
}

// memTx stages all writes and commits them under the store mutex only if
// the transaction function succeeds.
type memTx struct {
	s         *MemoryStore
	held      map[string]chan struct{}
	positions map[string]*model.Position
	legs      []model.TradeLeg
	legIdx    map[string]struct{}
	stats     map[string]*model.AccountStats
}

// ExecTx runs fn with staged writes; on success the staged state is
// applied atomically, on failure it is discarded. Row locks are released
// either way.
func (s *MemoryStore) ExecTx(ctx context.Context, fn func(tx Tx) error) error {
	tx := &memTx{
		s:         s,
		held:      make(map[string]chan struct{}),
		positions: make(map[string]*model.Position),
		legIdx:    make(map[string]struct{}),
		stats:     make(map[string]*model.AccountStats),
	}
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (tx *memTx) release() {
	for _, ch := range tx.held {
		<-ch
	}
	tx.held = nil
}

func (tx *memTx) commit() {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()

	for k, p := range tx.positions {
		cp := *p
		tx.s.positions[k] = &cp
	}
	tx.s.legs = append(tx.s.legs, tx.legs...)
	for k := range tx.legIdx {
		tx.s.legIdx[k] = struct{}{}
	}
	for k, st := range tx.stats {
		cp := *st
		tx.s.stats[k] = &cp
	}
}

func (tx *memTx) GetPositionForUpdate(ctx context.Context, account, asset string) (*model.Position, error) {
	key := posKey(account, asset)

	if _, already := tx.held[key]; !already {
		ch := tx.s.rowLock(key)
		timer := time.NewTimer(tx.s.lockWait)
		defer timer.Stop()
		select {
		case ch <- struct{}{}:
			tx.held[key] = ch
		case <-timer.C:
			return nil, ErrLockTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	// Staged copy wins over committed state within this transaction.
	if p, ok := tx.positions[key]; ok {
		cp := *p
		return &cp, nil
	}

	tx.s.mu.RLock()
	p, ok := tx.s.positions[key]
	tx.s.mu.RUnlock()
	if ok {
		cp := *p
		return &cp, nil
	}

	// getOrCreate: the zeroed row is born inside the lock scope.
	created := &model.Position{
		Account:   account,
		Asset:     asset,
		UpdatedAt: time.Now().UTC(),
	}
	cp := *created
	tx.positions[key] = created
	return &cp, nil
}

func (tx *memTx) UpsertPosition(_ context.Context, p *model.Position) error {
	cp := *p
	tx.positions[posKey(p.Account, p.Asset)] = &cp
	return nil
}

func (tx *memTx) InsertTradeLeg(_ context.Context, leg *model.TradeLeg) error {
	key := legKey(leg.TransactionHash, leg.Side)
	if _, ok := tx.legIdx[key]; ok {
		return ErrDuplicateTrade
	}
	tx.s.mu.RLock()
	_, ok := tx.s.legIdx[key]
	tx.s.mu.RUnlock()
	if ok {
		return ErrDuplicateTrade
	}
	tx.legs = append(tx.legs, *leg)
	tx.legIdx[key] = struct{}{}
	return nil
}

func (tx *memTx) TradeLegExists(_ context.Context, txHash string, side model.Side) (bool, error) {
	key := legKey(txHash, side)
	if _, ok := tx.legIdx[key]; ok {
		return true, nil
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	_, ok := tx.s.legIdx[key]
	return ok, nil
}

func (tx *memTx) statsFor(account string) *model.AccountStats {
	if st, ok := tx.stats[account]; ok {
		return st
	}
	tx.s.mu.RLock()
	committed, ok := tx.s.stats[account]
	tx.s.mu.RUnlock()

	var st model.AccountStats
	if ok {
		st = *committed
	} else {
		st = model.AccountStats{Account: account}
	}
	tx.stats[account] = &st
	return &st
}

func (tx *memTx) ApplyStats(_ context.Context, account string, tradeValue, realizedPnL decimal.Decimal) error {
	st := tx.statsFor(account)
	st.TotalVolume = st.TotalVolume.Add(tradeValue)
	st.TotalRealizedPnL = st.TotalRealizedPnL.Add(realizedPnL)
	st.TradeCount++
	if tradeValue.GreaterThan(st.LargestTradeValue) {
		st.LargestTradeValue = tradeValue
	}
	return nil
}

func (tx *memTx) TouchStatsTimestamps(_ context.Context, account string, at time.Time) error {
	st := tx.statsFor(account)
	if st.FirstTradeAt.IsZero() {
		st.FirstTradeAt = at
	}
	st.LastTradeAt = at
	return nil
}

// --- Reads (no row locks; never block writers) ---

func (s *MemoryStore) GetPosition(_ context.Context, account, asset string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[posKey(account, asset)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListOpenPositions(_ context.Context, account string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for _, p := range s.positions {
		if p.Account == account && p.Quantity.IsPositive() {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

func (s *MemoryStore) SavePriceRefresh(_ context.Context, account, asset string, lastPrice, unrealizedPnL decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[posKey(account, asset)]
	if !ok {
		return ErrNotFound
	}
	p.LastPrice = lastPrice
	p.UnrealizedPnL = unrealizedPnL
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) GetStats(_ context.Context, account string) (*model.AccountStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.stats[account]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (s *MemoryStore) Leaderboard(_ context.Context, metric model.LeaderboardMetric, limit int) ([]model.AccountStats, error) {
	s.mu.RLock()
	rows := make([]model.AccountStats, 0, len(s.stats))
	for _, st := range s.stats {
		rows = append(rows, *st)
	}
	s.mu.RUnlock()

	var key func(st model.AccountStats) decimal.Decimal
	switch metric {
	case model.MetricRealizedPnL:
		key = func(st model.AccountStats) decimal.Decimal { return st.TotalRealizedPnL }
	case model.MetricVolume:
		key = func(st model.AccountStats) decimal.Decimal { return st.TotalVolume }
	case model.MetricTradeCount:
		key = func(st model.AccountStats) decimal.Decimal { return decimal.NewFromInt(st.TradeCount) }
	case model.MetricLargestTrade:
		key = func(st model.AccountStats) decimal.Decimal { return st.LargestTradeValue }
	default:
		return nil, fmt.Errorf("leaderboard: unknown metric %q", metric)
	}

	sort.Slice(rows, func(i, j int) bool {
		a, b := key(rows[i]), key(rows[j])
		if !a.Equal(b) {
			return a.GreaterThan(b)
		}
		return rows[i].Account < rows[j].Account
	})

	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (s *MemoryStore) TradesByAccount(_ context.Context, account string) ([]model.TradeLeg, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.TradeLeg
	for i := len(s.legs) - 1; i >= 0; i-- {
		if s.legs[i].Account == account {
			out = append(out, s.legs[i])
		}
	}
	return out, nil
}
