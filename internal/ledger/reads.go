package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/memetrade/pnl-ledger/internal/model"
	"github.com/memetrade/pnl-ledger/internal/store"
)

// PriceSource supplies current USD prices for assets. A missing price is
// a valid answer; the read path falls back to the position's last
// observed price.
type PriceSource interface {
	Price(asset string) (decimal.Decimal, bool)
}

// Portfolio returns the account's open positions re-priced against the
// price source. Refreshed last price and unrealized PnL are written back
// to the store as a display cache; that write is best-effort and never
// fails the read.
func (e *Engine) Portfolio(ctx context.Context, account string, prices PriceSource) ([]model.PortfolioEntry, error) {
	if account == "" {
		return nil, ErrMissingAccount
	}

	positions, err := e.store.ListOpenPositions(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}

	entries := make([]model.PortfolioEntry, 0, len(positions))
	for _, p := range positions {
		currentPrice := p.LastPrice
		fresh := false
		if prices != nil {
			if price, ok := prices.Price(p.Asset); ok {
				fresh = !price.Equal(p.LastPrice)
				currentPrice = price
			}
		}

		v := Value(p, currentPrice)

		if fresh {
			if err := e.store.SavePriceRefresh(ctx, account, p.Asset, currentPrice, v.UnrealizedPnL); err != nil {
				slog.Warn("price refresh persist failed",
					"account", account, "asset", p.Asset, "err", err)
			}
			p.LastPrice = currentPrice
			p.UnrealizedPnL = v.UnrealizedPnL
		}

		entries = append(entries, model.PortfolioEntry{
			Position:             p,
			CurrentPrice:         currentPrice,
			MarketValue:          v.MarketValue,
			CostBasis:            v.CostBasis,
			UnrealizedPnLPercent: v.UnrealizedPnLPercent,
		})
	}
	return entries, nil
}

// Stats returns the account's lifetime counters, zeroed when the account
// has never traded.
func (e *Engine) Stats(ctx context.Context, account string) (*model.AccountStats, error) {
	if account == "" {
		return nil, ErrMissingAccount
	}

	st, err := e.store.GetStats(ctx, account)
	if errors.Is(err, store.ErrNotFound) {
		return &model.AccountStats{Account: account}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get stats: %w", err)
	}
	return st, nil
}

// Leaderboard returns up to limit accounts ranked descending by the
// given metric, ties broken by account identifier ascending.
func (e *Engine) Leaderboard(ctx context.Context, metric model.LeaderboardMetric, limit int) ([]model.AccountStats, error) {
	metric, err := model.ParseLeaderboardMetric(string(metric))
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := e.store.Leaderboard(ctx, metric, limit)
	if err != nil {
		return nil, fmt.Errorf("leaderboard: %w", err)
	}
	return rows, nil
}

// Trades returns the account's ledger entries, newest first.
func (e *Engine) Trades(ctx context.Context, account string) ([]model.TradeLeg, error) {
	if account == "" {
		return nil, ErrMissingAccount
	}
	return e.store.TradesByAccount(ctx, account)
}
