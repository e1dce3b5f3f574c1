// Package model defines the core domain types shared across the PnL ledger.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side identifies which half of a swap a ledger entry records.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// TradeLeg is an immutable record of one leg of an applied swap.
// Once written, these are never modified or deleted; positions and
// account stats are materialized views derivable from this ledger.
type TradeLeg struct {
	ID              string          `json:"id" db:"id"`
	TransactionHash string          `json:"transaction_hash" db:"transaction_hash"`
	Account         string          `json:"account" db:"account"`
	Asset           string          `json:"asset" db:"asset"`
	Side            Side            `json:"side" db:"side"`
	Amount          decimal.Decimal `json:"amount" db:"amount"`
	PriceUSD        decimal.Decimal `json:"price_usd" db:"price_usd"`
	ValueUSD        decimal.Decimal `json:"value_usd" db:"value_usd"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl" db:"realized_pnl"` // zero for buy legs
	Timestamp       time.Time       `json:"timestamp" db:"timestamp"`
}

// Position is the holding of one account in one asset. Quantity may fall
// to zero but the record persists; the ledger never deletes positions.
type Position struct {
	Account        string          `json:"account" db:"account"`
	Asset          string          `json:"asset" db:"asset"`
	Quantity       decimal.Decimal `json:"quantity" db:"quantity"`
	AvgCostBasis   decimal.Decimal `json:"avg_cost_basis" db:"avg_cost_basis"`
	TotalCostBasis decimal.Decimal `json:"total_cost_basis" db:"total_cost_basis"`
	LastPrice      decimal.Decimal `json:"last_price" db:"last_price"`
	UnrealizedPnL  decimal.Decimal `json:"unrealized_pnl" db:"unrealized_pnl"`
	AssetDecimals  int             `json:"asset_decimals" db:"asset_decimals"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// AccountStats holds lifetime counters for one account. A secondary
// index over the trade ledger, not the source of truth.
type AccountStats struct {
	Account           string          `json:"account" db:"account"`
	TotalRealizedPnL  decimal.Decimal `json:"total_realized_pnl" db:"total_realized_pnl"`
	TotalVolume       decimal.Decimal `json:"total_volume" db:"total_volume"`
	TradeCount        int64           `json:"trade_count" db:"trade_count"`
	LargestTradeValue decimal.Decimal `json:"largest_trade_value" db:"largest_trade_value"`
	FirstTradeAt      time.Time       `json:"first_trade_at" db:"first_trade_at"`
	LastTradeAt       time.Time       `json:"last_trade_at" db:"last_trade_at"`
}

// Swap is a normalized swap event from the upstream trade feed: the
// account sold AmountIn of AssetIn and received AmountOut of AssetOut.
// Either leg may be absent (zero amount). Amounts are decimal-adjusted
// upstream; the ledger never sees raw on-chain integers.
type Swap struct {
	Account     string          `json:"account"`
	AssetIn     string          `json:"asset_in"`
	AssetOut    string          `json:"asset_out"`
	AmountIn    decimal.Decimal `json:"amount_in"`
	AmountOut   decimal.Decimal `json:"amount_out"`
	PriceInUSD  decimal.Decimal `json:"price_in_usd"`
	PriceOutUSD decimal.Decimal `json:"price_out_usd"`
	TxRef       string          `json:"tx_ref"`
	Timestamp   time.Time       `json:"timestamp"`
}

// PortfolioEntry is a position re-priced against a current price for the
// read path. Valuation fields are derived, never stored canonically.
type PortfolioEntry struct {
	Position
	CurrentPrice         decimal.Decimal `json:"current_price"`
	MarketValue          decimal.Decimal `json:"market_value"`
	CostBasis            decimal.Decimal `json:"cost_basis"`
	UnrealizedPnLPercent decimal.Decimal `json:"unrealized_pnl_percent"`
}

// LeaderboardMetric is the closed set of columns accounts can be ranked
// by. Never interpolated into a query; each value maps to a fixed query
// or comparator in the store.
type LeaderboardMetric string

const (
	MetricRealizedPnL  LeaderboardMetric = "total_realized_pnl"
	MetricVolume       LeaderboardMetric = "total_volume"
	MetricTradeCount   LeaderboardMetric = "trade_count"
	MetricLargestTrade LeaderboardMetric = "largest_trade_value"
)

// ParseLeaderboardMetric validates a metric name against the closed enum.
// An empty string selects the default ranking by realized PnL.
func ParseLeaderboardMetric(s string) (LeaderboardMetric, error) {
	switch LeaderboardMetric(s) {
	case MetricRealizedPnL, MetricVolume, MetricTradeCount, MetricLargestTrade:
		return LeaderboardMetric(s), nil
	case "":
		return MetricRealizedPnL, nil
	}
	return "", fmt.Errorf("unknown leaderboard metric %q", s)
}
