// Package ledger implements the position and PnL bookkeeping core: the
// weighted-average cost-basis engine, the swap orchestrator, account
// stats aggregation, and read-side valuation.
//
// The ledger is a passive engine driven by already-confirmed swap events;
// it never decides whether a trade happens. All monetary arithmetic uses
// shopspring/decimal — never float64 for money.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/memetrade/pnl-ledger/internal/model"
	"github.com/memetrade/pnl-ledger/internal/store"
)

// basisScale is the fractional precision kept on division results
// (average cost basis) and realized PnL, matching the most precise
// asset decimals the feed produces.
const basisScale = 12

var (
	// ErrInvalidAmount is returned for a zero or negative trade amount.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")

	// ErrInvalidPrice is returned for a negative price. Zero is a valid
	// degenerate price (oracle unavailable), not an error.
	ErrInvalidPrice = errors.New("ledger: price must not be negative")

	// ErrMissingTxRef is returned when a trade carries no transaction
	// reference; without one, idempotent replay cannot be detected.
	ErrMissingTxRef = errors.New("ledger: transaction reference is required")

	// ErrMissingAccount is returned for an empty account identifier.
	ErrMissingAccount = errors.New("ledger: account is required")

	// ErrEmptySwap is returned when neither swap leg carries an amount.
	ErrEmptySwap = errors.New("ledger: swap has no legs")
)

// Engine transactionally applies trades to positions, the immutable
// trade ledger, and account stats. One swap is one atomic unit of work:
// either every write commits or none do.
type Engine struct {
	store store.Store
}

// NewEngine creates a cost-basis engine over the given store.
func NewEngine(st store.Store) *Engine {
	return &Engine{store: st}
}

// SwapResult reports what one swap application did.
type SwapResult struct {
	SellLeg     *model.TradeLeg `json:"sell_leg,omitempty"`
	BuyLeg      *model.TradeLeg `json:"buy_leg,omitempty"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	TradeValue  decimal.Decimal `json:"trade_value"`
	Duplicate   bool            `json:"duplicate"`
}

// ApplySwap applies both legs of a swap as one atomic transaction:
// the sell leg first, then the buy leg carrying the sale's USD value as
// its notional, then one stats update for the whole swap.
//
// Replaying a txRef whose legs were already applied is a no-op success
// with Duplicate set. A lock timeout surfaces as store.ErrLockTimeout;
// the caller should retry the whole swap.
func (e *Engine) ApplySwap(ctx context.Context, sw model.Swap) (*SwapResult, error) {
	if err := validateSwap(sw); err != nil {
		return nil, err
	}
	ts := sw.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	res := &SwapResult{}
	err := e.store.ExecTx(ctx, func(tx store.Tx) error {
		hasSell := sw.AmountIn.IsPositive()
		hasBuy := sw.AmountOut.IsPositive()

		// Lock every position this swap touches in lexicographic asset
		// order so two swaps over the same pair cannot deadlock.
		positions, err := lockPositions(ctx, tx, sw.Account, swapAssets(sw))
		if err != nil {
			return err
		}

		var saleValue decimal.Decimal

		if hasSell {
			leg, pnl, value, err := e.applySale(ctx, tx, positions[sw.AssetIn],
				sw.AmountIn, sw.PriceInUSD, sw.TxRef, ts)
			if err != nil {
				return err
			}
			res.SellLeg = leg
			res.RealizedPnL = pnl
			saleValue = value
		}

		if hasBuy {
			var notional *decimal.Decimal
			if hasSell && saleValue.IsPositive() {
				notional = &saleValue
			}
			leg, err := e.applyPurchase(ctx, tx, positions[sw.AssetOut],
				sw.AmountOut, sw.PriceOutUSD, sw.TxRef, ts, notional)
			if err != nil {
				return err
			}
			res.BuyLeg = leg
		}

		// Both legs already in the ledger: full replay, nothing to do.
		if res.SellLeg == nil && res.BuyLeg == nil {
			res.Duplicate = true
			return nil
		}

		res.TradeValue = decimal.Max(
			sw.AmountIn.Mul(sw.PriceInUSD),
			sw.AmountOut.Mul(sw.PriceOutUSD),
		)
		e.recordStats(ctx, tx, sw.Account, res.TradeValue, res.RealizedPnL, ts)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ApplyPurchase applies a standalone buy leg in its own transaction.
// Returns a nil leg on idempotent replay.
func (e *Engine) ApplyPurchase(ctx context.Context, account, asset string, amount, priceUSD decimal.Decimal, txRef string, ts time.Time) (*model.TradeLeg, error) {
	if err := validateLeg(account, txRef, amount, priceUSD); err != nil {
		return nil, err
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	var leg *model.TradeLeg
	err := e.store.ExecTx(ctx, func(tx store.Tx) error {
		pos, err := tx.GetPositionForUpdate(ctx, account, asset)
		if err != nil {
			return err
		}
		leg, err = e.applyPurchase(ctx, tx, pos, amount, priceUSD, txRef, ts, nil)
		if err != nil || leg == nil {
			return err
		}
		e.recordStats(ctx, tx, account, leg.ValueUSD, decimal.Zero, ts)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return leg, nil
}

// ApplySale applies a standalone sell leg in its own transaction.
// Returns the realized PnL and the sale's USD value; the leg is nil on
// idempotent replay.
func (e *Engine) ApplySale(ctx context.Context, account, asset string, amount, priceUSD decimal.Decimal, txRef string, ts time.Time) (*model.TradeLeg, decimal.Decimal, error) {
	if err := validateLeg(account, txRef, amount, priceUSD); err != nil {
		return nil, decimal.Zero, err
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	var (
		leg *model.TradeLeg
		pnl decimal.Decimal
	)
	err := e.store.ExecTx(ctx, func(tx store.Tx) error {
		pos, err := tx.GetPositionForUpdate(ctx, account, asset)
		if err != nil {
			return err
		}
		var value decimal.Decimal
		leg, pnl, value, err = e.applySale(ctx, tx, pos, amount, priceUSD, txRef, ts)
		if err != nil || leg == nil {
			return err
		}
		e.recordStats(ctx, tx, account, value, pnl, ts)
		return nil
	})
	if err != nil {
		return nil, decimal.Zero, err
	}
	return leg, pnl, nil
}

// applyPurchase folds a buy into the position's weighted-average cost
// basis. When the buy is the output leg of a swap, notional carries the
// USD value realized from the sold side and replaces the observed price
// in the cost update: a swap carries its economic value from the sold
// side to the bought side, so price-feed noise between the two legs
// cannot leak fictitious gains into the position.
//
// Returns nil when this (txRef, buy) leg was already applied.
func (e *Engine) applyPurchase(ctx context.Context, tx store.Tx, pos *model.Position, amount, priceUSD decimal.Decimal, txRef string, ts time.Time, notional *decimal.Decimal) (*model.TradeLeg, error) {
	exists, err := tx.TradeLegExists(ctx, txRef, model.SideBuy)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, nil
	}

	addedCost := amount.Mul(priceUSD)
	if notional != nil {
		addedCost = *notional
	}

	newQuantity := pos.Quantity.Add(amount)
	newTotalCost := pos.TotalCostBasis.Add(addedCost)
	newAvg := newTotalCost.Div(newQuantity).Round(basisScale)

	pos.Quantity = newQuantity
	pos.TotalCostBasis = newTotalCost
	pos.AvgCostBasis = newAvg
	pos.LastPrice = priceUSD
	pos.UnrealizedPnL = priceUSD.Sub(newAvg).Mul(newQuantity).Round(basisScale)
	pos.UpdatedAt = ts

	if err := tx.UpsertPosition(ctx, pos); err != nil {
		return nil, err
	}

	leg := &model.TradeLeg{
		ID:              uuid.New().String(),
		TransactionHash: txRef,
		Account:         pos.Account,
		Asset:           pos.Asset,
		Side:            model.SideBuy,
		Amount:          amount,
		PriceUSD:        priceUSD,
		ValueUSD:        amount.Mul(priceUSD),
		RealizedPnL:     decimal.Zero,
		Timestamp:       ts,
	}
	if err := tx.InsertTradeLeg(ctx, leg); err != nil {
		return nil, err
	}
	return leg, nil
}

// applySale realizes PnL on a disposal. The sale amount is capped at the
// held quantity (upstream amount parsing carries rounding slack; selling
// more than held means selling everything held). Selling never changes
// the average cost of what remains.
//
// A sale against a position the ledger never saw bought (airdrop,
// external transfer) records zero realized PnL at the sale price as the
// fabricated cost basis: the engine cannot invent a basis it never
// observed.
//
// Returns nil leg when this (txRef, sell) leg was already applied.
func (e *Engine) applySale(ctx context.Context, tx store.Tx, pos *model.Position, amount, priceUSD decimal.Decimal, txRef string, ts time.Time) (*model.TradeLeg, decimal.Decimal, decimal.Decimal, error) {
	exists, err := tx.TradeLegExists(ctx, txRef, model.SideSell)
	if err != nil {
		return nil, decimal.Zero, decimal.Zero, err
	}
	if exists {
		return nil, decimal.Zero, decimal.Zero, nil
	}

	// Asset received outside the ledger's visibility.
	if !pos.Quantity.IsPositive() && pos.AvgCostBasis.IsZero() {
		saleValue := amount.Mul(priceUSD)
		slog.Warn("sale against untracked position",
			"account", pos.Account,
			"asset", pos.Asset,
			"amount", amount.String(),
		)

		pos.Quantity = decimal.Zero
		pos.AvgCostBasis = priceUSD
		pos.LastPrice = priceUSD
		pos.UnrealizedPnL = decimal.Zero
		pos.UpdatedAt = ts
		if err := tx.UpsertPosition(ctx, pos); err != nil {
			return nil, decimal.Zero, decimal.Zero, err
		}

		leg := &model.TradeLeg{
			ID:              uuid.New().String(),
			TransactionHash: txRef,
			Account:         pos.Account,
			Asset:           pos.Asset,
			Side:            model.SideSell,
			Amount:          amount,
			PriceUSD:        priceUSD,
			ValueUSD:        saleValue,
			RealizedPnL:     decimal.Zero,
			Timestamp:       ts,
		}
		if err := tx.InsertTradeLeg(ctx, leg); err != nil {
			return nil, decimal.Zero, decimal.Zero, err
		}
		return leg, decimal.Zero, saleValue, nil
	}

	if amount.GreaterThan(pos.Quantity) {
		slog.Warn("sale exceeds held quantity, clamping",
			"account", pos.Account,
			"asset", pos.Asset,
			"amount", amount.String(),
			"held", pos.Quantity.String(),
		)
		amount = pos.Quantity
	}

	saleValue := amount.Mul(priceUSD)
	costConsumed := amount.Mul(pos.AvgCostBasis)
	realized := saleValue.Sub(costConsumed).Round(basisScale)

	pos.Quantity = pos.Quantity.Sub(amount)
	pos.TotalCostBasis = pos.TotalCostBasis.Sub(costConsumed)
	pos.LastPrice = priceUSD
	pos.UnrealizedPnL = priceUSD.Sub(pos.AvgCostBasis).Mul(pos.Quantity).Round(basisScale)
	pos.UpdatedAt = ts

	if err := tx.UpsertPosition(ctx, pos); err != nil {
		return nil, decimal.Zero, decimal.Zero, err
	}

	leg := &model.TradeLeg{
		ID:              uuid.New().String(),
		TransactionHash: txRef,
		Account:         pos.Account,
		Asset:           pos.Asset,
		Side:            model.SideSell,
		Amount:          amount,
		PriceUSD:        priceUSD,
		ValueUSD:        saleValue,
		RealizedPnL:     realized,
		Timestamp:       ts,
	}
	if err := tx.InsertTradeLeg(ctx, leg); err != nil {
		return nil, decimal.Zero, decimal.Zero, err
	}
	return leg, realized, saleValue, nil
}

// recordStats rolls a trade into the account's lifetime counters. Stats
// are a secondary index over the trade ledger, not the source of truth:
// a failure here is logged and swallowed, never propagated.
func (e *Engine) recordStats(ctx context.Context, tx store.Tx, account string, tradeValue, realizedPnL decimal.Decimal, ts time.Time) {
	if err := tx.ApplyStats(ctx, account, tradeValue, realizedPnL); err != nil {
		slog.Warn("stats update failed", "account", account, "err", err)
		return
	}
	if err := tx.TouchStatsTimestamps(ctx, account, ts); err != nil {
		slog.Warn("stats timestamp update failed", "account", account, "err", err)
	}
}

// lockPositions acquires the exclusive row lock for each asset in
// lexicographic order and returns the locked positions keyed by asset.
func lockPositions(ctx context.Context, tx store.Tx, account string, assets []string) (map[string]*model.Position, error) {
	sort.Strings(assets)

	positions := make(map[string]*model.Position, len(assets))
	for _, asset := range assets {
		pos, err := tx.GetPositionForUpdate(ctx, account, asset)
		if err != nil {
			return nil, fmt.Errorf("lock %s: %w", asset, err)
		}
		positions[asset] = pos
	}
	return positions, nil
}

func swapAssets(sw model.Swap) []string {
	var assets []string
	if sw.AmountIn.IsPositive() {
		assets = append(assets, sw.AssetIn)
	}
	if sw.AmountOut.IsPositive() && sw.AssetOut != sw.AssetIn {
		assets = append(assets, sw.AssetOut)
	}
	return assets
}

func validateSwap(sw model.Swap) error {
	if sw.Account == "" {
		return ErrMissingAccount
	}
	if sw.TxRef == "" {
		return ErrMissingTxRef
	}
	if sw.AmountIn.IsNegative() || sw.AmountOut.IsNegative() {
		return ErrInvalidAmount
	}
	if !sw.AmountIn.IsPositive() && !sw.AmountOut.IsPositive() {
		return ErrEmptySwap
	}
	if sw.PriceInUSD.IsNegative() || sw.PriceOutUSD.IsNegative() {
		return ErrInvalidPrice
	}
	return nil
}

func validateLeg(account, txRef string, amount, priceUSD decimal.Decimal) error {
	if account == "" {
		return ErrMissingAccount
	}
	if txRef == "" {
		return ErrMissingTxRef
	}
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if priceUSD.IsNegative() {
		return ErrInvalidPrice
	}
	return nil
}
