package stats

import (
	"math"

	"github.com/shopspring/decimal"

	"spend-anomalies/internal/ledger"
)

// CategoryStatistics summarises amounts of one category.
type CategoryStatistics struct {
	Category ledger.Category
	Mean     decimal.Decimal
	StdDev   decimal.Decimal // population
	Count    int
}

// Compute groups txns by category. Categories without transactions are
// absent from the result.
func Compute(txns []ledger.Transaction) map[ledger.Category]CategoryStatistics {
	groups := make(map[ledger.Category][]decimal.Decimal)
	for _, txn := range txns {
		groups[txn.Category] = append(groups[txn.Category], txn.Amount)
	}

	out := make(map[ledger.Category]CategoryStatistics, len(groups))
	for category, amounts := range groups {
		mean, stddev := meanStdDev(amounts)
		out[category] = CategoryStatistics{
			Category: category,
			Mean:     mean,
			StdDev:   stddev,
			Count:    len(amounts),
		}
	}
	return out
}

// Global summarises every transaction regardless of category. The Category
// field of the result is empty.
func Global(txns []ledger.Transaction) CategoryStatistics {
	amounts := make([]decimal.Decimal, 0, len(txns))
	for _, txn := range txns {
		amounts = append(amounts, txn.Amount)
	}
	mean, stddev := meanStdDev(amounts)
	return CategoryStatistics{Mean: mean, StdDev: stddev, Count: len(amounts)}
}

func meanStdDev(amounts []decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	if len(amounts) == 0 {
		return decimal.Zero, decimal.Zero
	}
	n := decimal.NewFromInt(int64(len(amounts)))
	mean := decimal.Sum(decimal.Zero, amounts...).Div(n)
	if len(amounts) == 1 {
		return mean, decimal.Zero
	}

	squares := decimal.Zero
	for _, amount := range amounts {
		diff := amount.Sub(mean)
		squares = squares.Add(diff.Mul(diff))
	}
	variance := squares.Div(n)
	if variance.IsZero() {
		return mean, decimal.Zero
	}
	return mean, decimal.NewFromFloat(math.Sqrt(variance.InexactFloat64()))
}
