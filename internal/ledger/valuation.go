package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/memetrade/pnl-ledger/internal/model"
)

// Valuation is a position re-priced against a current price. Pure
// derived data; never the ledger of record.
type Valuation struct {
	MarketValue          decimal.Decimal
	CostBasis            decimal.Decimal
	UnrealizedPnL        decimal.Decimal
	UnrealizedPnLPercent decimal.Decimal
}

// Value computes the mark-to-market valuation of a position at the given
// price. The percent is zero when the cost basis is zero.
func Value(p model.Position, currentPrice decimal.Decimal) Valuation {
	marketValue := p.Quantity.Mul(currentPrice)
	costBasis := p.Quantity.Mul(p.AvgCostBasis)
	unrealized := marketValue.Sub(costBasis)

	percent := decimal.Zero
	if costBasis.IsPositive() {
		percent = unrealized.Div(costBasis).Mul(decimal.NewFromInt(100)).Round(basisScale)
	}

	return Valuation{
		MarketValue:          marketValue,
		CostBasis:            costBasis,
		UnrealizedPnL:        unrealized,
		UnrealizedPnLPercent: percent,
	}
}
