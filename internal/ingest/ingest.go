package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"spend-anomalies/internal/ledger"
)

// Source yields a batch of transactions.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]ledger.Transaction, error)
}

// ErrEmptyField reports a record missing a required column.
var ErrEmptyField = errors.New("ingest: required field is empty")

// idNamespace seeds derived transaction ids so re-imports of the same
// receipt line land on the same id.
var idNamespace = uuid.MustParse("5b7c3f0e-8f1d-4f8a-9c55-2f6a1d8e4b21")

var (
	untimedLayouts = []string{"2006-01-02", "2006/01/02"}
	timedLayouts   = []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02 15:04",
		"2006/01/02 15:04",
	}
)

// Record is the loosely typed shape shared by every source.
type Record struct {
	ID       string          `json:"id"`
	Date     string          `json:"date"`
	Merchant string          `json:"merchant"`
	Category string          `json:"category"`
	Amount   decimal.Decimal `json:"amount"`
}

// ToTransaction normalises r. Records without an id get one derived from
// their content and position.
func (r Record) ToTransaction(loc *time.Location, index int) (ledger.Transaction, error) {
	merchant := strings.TrimSpace(r.Merchant)
	if merchant == "" {
		return ledger.Transaction{}, fmt.Errorf("merchant: %w", ErrEmptyField)
	}
	date, timed, err := ParseDate(r.Date, loc)
	if err != nil {
		return ledger.Transaction{}, err
	}
	category, err := ledger.ParseCategory(r.Category)
	if err != nil {
		return ledger.Transaction{}, err
	}

	id := strings.TrimSpace(r.ID)
	if id == "" {
		id = DeriveID(date, merchant, r.Amount, index)
	}
	txn := ledger.Transaction{
		ID:       id,
		Date:     date,
		Timed:    timed,
		Merchant: merchant,
		Category: category,
		Amount:   r.Amount,
	}
	if err := txn.Validate(); err != nil {
		return ledger.Transaction{}, err
	}
	return txn, nil
}

// ParseDate accepts a calendar date or a date with clock time. The boolean
// reports whether a clock time was present.
func ParseDate(raw string, loc *time.Location) (time.Time, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false, fmt.Errorf("date: %w", ErrEmptyField)
	}
	if loc == nil {
		loc = time.Local
	}
	for _, layout := range timedLayouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, true, nil
		}
	}
	for _, layout := range untimedLayouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, false, nil
		}
	}
	return time.Time{}, false, fmt.Errorf("unrecognised date %q", raw)
}

// DeriveID builds a stable id for a record that lacks one.
func DeriveID(date time.Time, merchant string, amount decimal.Decimal, index int) string {
	key := fmt.Sprintf("%s|%s|%s|%d", date.Format(time.RFC3339), merchant, amount.String(), index)
	return uuid.NewSHA1(idNamespace, []byte(key)).String()
}

// LoadLocation resolves a configured zone name; empty means local time.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load location %q: %w", name, err)
	}
	return loc, nil
}
