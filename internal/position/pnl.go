package position

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/spreadbot/internal/domain"
)

var multiplier = decimal.NewFromInt(domain.ContractMultiplier)

// SpreadPnL is the dollar P&L of exiting contracts at value against the
// entry debit: (value - debit) * 100 * contracts.
func SpreadPnL(value, debit float64, contracts int) float64 {
	perUnit := decimal.NewFromFloat(value).Sub(decimal.NewFromFloat(debit))
	return perUnit.Mul(multiplier).Mul(decimal.NewFromInt(int64(contracts))).InexactFloat64()
}

// AddPnL sums dollar amounts without accumulating binary rounding drift.
func AddPnL(amounts ...float64) float64 {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(decimal.NewFromFloat(a))
	}
	return total.InexactFloat64()
}

// MaxProfit is the dollar gain of contracts reaching full strike width.
func MaxProfit(width, debit float64, contracts int) float64 {
	return SpreadPnL(width, debit, contracts)
}

// MaxLoss is the dollar loss of contracts expiring worthless, as a positive
// number.
func MaxLoss(debit float64, contracts int) float64 {
	return -SpreadPnL(0, debit, contracts)
}
