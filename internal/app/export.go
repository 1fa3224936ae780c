package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"spend-anomalies/internal/detector"
	"spend-anomalies/internal/ledger"
	"spend-anomalies/internal/threshold"
)

// Export writes transactions with their flags as CSV and/or charts one
// category's amounts against its thresholds as PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	svc, closeBackend, err := a.newService(ctx, nil, "")
	if err != nil {
		return err
	}
	defer closeBackend()

	all, err := svc.Transactions(ctx)
	if err != nil {
		return err
	}
	res, err := svc.Overview(ctx)
	if err != nil {
		return err
	}
	history, err := svc.Flags(ctx, true)
	if err != nil {
		return err
	}

	txns, err := filterTransactions(all, opts)
	if err != nil {
		return err
	}
	if len(txns) == 0 {
		a.Logger.Info().Msg("no transactions found for export window")
		return nil
	}

	downsampled := downsampleTransactions(txns, opts.MaxPoints)
	a.Logger.Info().Int("total", len(txns)).Int("exported", len(downsampled)).Msg("exporting transactions")

	if opts.CSVPath != "" {
		if err := writeTransactionsCSV(opts.CSVPath, downsampled, flagIndex(history)); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		category, err := chartCategory(opts.Category, downsampled)
		if err != nil {
			return err
		}
		if err := writeCategoryPNG(opts.PNGPath, category, downsampled, res.Thresholds[category]); err != nil {
			return err
		}
	}

	return nil
}

func filterTransactions(txns []ledger.Transaction, opts ExportOptions) ([]ledger.Transaction, error) {
	var category ledger.Category
	if opts.Category != "" {
		parsed, err := ledger.ParseCategory(opts.Category)
		if err != nil {
			return nil, err
		}
		category = parsed
	}
	if opts.From != nil && opts.To != nil && !opts.From.Before(*opts.To) {
		return nil, errors.New("from must be before to")
	}

	out := make([]ledger.Transaction, 0, len(txns))
	for _, txn := range txns {
		if category != "" && txn.Category != category {
			continue
		}
		if opts.From != nil && txn.Date.Before(*opts.From) {
			continue
		}
		if opts.To != nil && !txn.Date.Before(*opts.To) {
			continue
		}
		out = append(out, txn)
	}
	return out, nil
}

func downsampleTransactions(txns []ledger.Transaction, max int) []ledger.Transaction {
	if max <= 0 || len(txns) <= max {
		return txns
	}
	if max == 1 {
		return txns[len(txns)-1:]
	}

	result := make([]ledger.Transaction, 0, max)
	step := float64(len(txns)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(txns) {
			idx = len(txns) - 1
		}
		result = append(result, txns[idx])
	}
	return result
}

func flagIndex(flags []detector.Flag) map[string][]detector.Flag {
	index := make(map[string][]detector.Flag)
	for _, f := range flags {
		index[f.TransactionID] = append(index[f.TransactionID], f)
	}
	return index
}

func writeTransactionsCSV(path string, txns []ledger.Transaction, flags map[string][]detector.Flag) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"id", "date", "merchant", "category", "amount", "signals", "severity", "disposition"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, txn := range txns {
		var signals, dispositions []string
		severity := ""
		for _, f := range flags[txn.ID] {
			signals = append(signals, string(f.Signal))
			dispositions = append(dispositions, string(f.Disposition))
			if severity == "" || f.Severity == detector.SeverityHigh {
				severity = string(f.Severity)
			}
		}
		date := txn.Date.Format("2006-01-02")
		if txn.Timed {
			date = txn.Date.Format(time.RFC3339)
		}
		record := []string{
			txn.ID,
			date,
			txn.Merchant,
			string(txn.Category),
			txn.Amount.String(),
			strings.Join(signals, ";"),
			severity,
			strings.Join(dispositions, ";"),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

// chartCategory resolves the category to plot, defaulting to the busiest.
func chartCategory(label string, txns []ledger.Transaction) (ledger.Category, error) {
	if label != "" {
		return ledger.ParseCategory(label)
	}
	counts := make(map[ledger.Category]int)
	for _, txn := range txns {
		counts[txn.Category]++
	}
	categories := make([]ledger.Category, 0, len(counts))
	for c := range counts {
		categories = append(categories, c)
	}
	sort.Slice(categories, func(i, j int) bool {
		if counts[categories[i]] != counts[categories[j]] {
			return counts[categories[i]] > counts[categories[j]]
		}
		return categories[i] < categories[j]
	})
	if len(categories) == 0 {
		return "", errors.New("no transactions to chart")
	}
	return categories[0], nil
}

func writeCategoryPNG(path string, category ledger.Category, txns []ledger.Transaction, set threshold.Set) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	var x []time.Time
	var amounts []float64
	for _, txn := range txns {
		if txn.Category != category {
			continue
		}
		x = append(x, txn.Date)
		amounts = append(amounts, txn.Amount.InexactFloat64())
	}
	if len(x) < 2 {
		return fmt.Errorf("need at least two %s transactions to chart", category)
	}

	amountFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	series := []chart.Series{
		chart.TimeSeries{
			Name:    fmt.Sprintf("%s amount", category),
			XValues: x,
			YValues: amounts,
		},
	}
	if !set.Suppressed {
		series = append(series,
			flatSeries(fmt.Sprintf("low bound (%s sigma)", set.LowMultiplier), x, set.Low.InexactFloat64()),
			flatSeries(fmt.Sprintf("high bound (%s sigma)", set.HighMultiplier), x, set.High.InexactFloat64()),
		)
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Amount",
			ValueFormatter: amountFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func flatSeries(name string, x []time.Time, y float64) chart.TimeSeries {
	return chart.TimeSeries{
		Name:    name,
		XValues: []time.Time{x[0], x[len(x)-1]},
		YValues: []float64{y, y},
		Style: chart.Style{
			StrokeDashArray: []float64{5, 5},
		},
	}
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
