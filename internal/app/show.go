package app

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"spend-anomalies/internal/ledger"
	"spend-anomalies/internal/stats"
	"spend-anomalies/internal/threshold"
)

// Show prints per-category statistics, the thresholds in force and, when
// budgets are configured, month-to-date spend against them.
func (a *App) Show(ctx context.Context) error {
	svc, closeBackend, err := a.newService(ctx, nil, "")
	if err != nil {
		return err
	}
	defer closeBackend()

	txns, err := svc.Transactions(ctx)
	if err != nil {
		return err
	}
	if len(txns) == 0 {
		fmt.Fprintln(a.Out, "no transactions found")
		return nil
	}

	res, err := svc.Overview(ctx)
	if err != nil {
		return err
	}

	writer := newTable(a.Out)
	fmt.Fprintln(writer, "Category\tCount\tMean\tStdDev\tLow x\tHigh x\tLow bound\tHigh bound\tStatus")
	for _, category := range ledger.Categories {
		st, ok := res.Stats[category]
		if !ok {
			continue
		}
		set := res.Thresholds[category]
		fmt.Fprintf(writer, "%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			category,
			st.Count,
			formatDecimal(st.Mean, 2),
			formatDecimal(st.StdDev, 2),
			set.LowMultiplier.String(),
			set.HighMultiplier.String(),
			boundLabel(set, set.Low),
			boundLabel(set, set.High),
			statusLabel(set),
		)
	}
	total := stats.Global(txns)
	fmt.Fprintf(writer, "all\t%d\t%s\t%s\t\t\t\t\t\n", total.Count, formatDecimal(total.Mean, 2), formatDecimal(total.StdDev, 2))
	writer.Flush()

	pending, err := svc.Flags(ctx, false)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "\n%d transactions, %d flags in this pass, %d awaiting review\n", len(txns), len(res.Flags), len(pending))

	if len(a.Config.Budget.Monthly) > 0 {
		a.writeBudget(txns, latestMonth(txns))
	}
	return nil
}

func boundLabel(set threshold.Set, bound decimal.Decimal) string {
	if set.Suppressed {
		return "-"
	}
	return formatDecimal(bound, 2)
}

func statusLabel(set threshold.Set) string {
	switch set.Reason {
	case threshold.ReasonInsufficientData:
		return lowColor.Sprintf("degraded (%d samples)", set.EffectiveSamples)
	case threshold.ReasonZeroVariance:
		return lowColor.Sprint("suppressed (no variance)")
	default:
		return trustedColor.Sprint("active")
	}
}

func latestMonth(txns []ledger.Transaction) time.Time {
	var latest time.Time
	for _, txn := range txns {
		if txn.Date.After(latest) {
			latest = txn.Date
		}
	}
	return time.Date(latest.Year(), latest.Month(), 1, 0, 0, 0, 0, latest.Location())
}

func (a *App) writeBudget(txns []ledger.Transaction, month time.Time) {
	spent := make(map[ledger.Category]decimal.Decimal)
	next := month.AddDate(0, 1, 0)
	for _, txn := range txns {
		if txn.Date.Before(month) || !txn.Date.Before(next) {
			continue
		}
		spent[txn.Category] = spent[txn.Category].Add(txn.Amount)
	}

	fmt.Fprintf(a.Out, "\nBudget %s\n", month.Format("2006-01"))
	writer := newTable(a.Out)
	fmt.Fprintln(writer, "Category\tSpent\tBudget\tUsed%")
	for _, category := range ledger.Categories {
		limit, ok := a.budgetFor(category)
		if !ok {
			continue
		}
		used := "-"
		if limit.IsPositive() {
			pct := spent[category].Div(limit).Mul(decimal.NewFromInt(100))
			used = formatDecimal(pct, 1)
			if pct.GreaterThan(decimal.NewFromInt(100)) {
				used = highColor.Sprint(used)
			}
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n", category, formatDecimal(spent[category], 2), formatDecimal(limit, 2), used)
	}
	writer.Flush()
}

func (a *App) budgetFor(category ledger.Category) (decimal.Decimal, bool) {
	for label, amount := range a.Config.Budget.Monthly {
		parsed, err := ledger.ParseCategory(label)
		if err != nil {
			continue
		}
		if parsed == category {
			return decimal.NewFromFloat(amount), true
		}
	}
	return decimal.Decimal{}, false
}
