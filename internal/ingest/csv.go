package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spend-anomalies/internal/ledger"
)

var requiredColumns = []string{"date", "merchant", "category", "amount"}

// CSVSource reads a header-led CSV export with columns
// id (optional), date, merchant, category, amount.
type CSVSource struct {
	path     string
	location *time.Location
	logger   zerolog.Logger
}

// NewCSVSource constructs a CSV source for path.
func NewCSVSource(path string, loc *time.Location, logger zerolog.Logger) *CSVSource {
	return &CSVSource{
		path:     path,
		location: loc,
		logger:   logger.With().Str("component", "csv_source").Logger(),
	}
}

// Name identifies the source in logs.
func (s *CSVSource) Name() string {
	return "csv:" + s.path
}

// Fetch reads the whole file.
func (s *CSVSource) Fetch(ctx context.Context) ([]ledger.Transaction, error) {
	if s.path == "" {
		return nil, errors.New("ingest.path is required for csv source")
	}
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", s.path, err)
	}
	defer f.Close()

	txns, err := ReadCSV(ctx, f, s.location)
	if err != nil {
		return nil, err
	}
	s.logger.Debug().Str("path", s.path).Int("transactions", len(txns)).Msg("csv loaded")
	return txns, nil
}

// ReadCSV parses transactions from r.
func ReadCSV(ctx context.Context, r io.Reader, loc *time.Location) ([]ledger.Transaction, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))] = i
	}
	for _, name := range requiredColumns {
		if _, ok := columns[name]; !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
	}

	field := func(row []string, name string) string {
		i, ok := columns[name]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}

	txns := make([]ledger.Transaction, 0)
	for line := 2; ; line++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		amount, err := decimal.NewFromString(strings.TrimSpace(field(row, "amount")))
		if err != nil {
			return nil, fmt.Errorf("line %d amount: %w", line, err)
		}
		rec := Record{
			ID:       field(row, "id"),
			Date:     field(row, "date"),
			Merchant: field(row, "merchant"),
			Category: field(row, "category"),
			Amount:   amount,
		}
		txn, err := rec.ToTransaction(loc, line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		txns = append(txns, txn)
	}
	return txns, nil
}

var _ Source = (*CSVSource)(nil)
