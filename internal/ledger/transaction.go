package ledger

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is a single spending record. It is treated as immutable once
// handed to a Store.
type Transaction struct {
	ID       string
	Date     time.Time
	Timed    bool // clock part of Date is meaningful
	Merchant string
	Category Category
	Amount   decimal.Decimal
}

// Day returns the calendar day of the transaction, as seen in its own
// location, pinned to midnight UTC. Two transactions on the same civil date
// yield == values regardless of which *time.Location they carry.
func (t Transaction) Day() time.Time {
	return CivilDay(t.Date)
}

// CivilDay maps ts to midnight UTC of its calendar date in ts's location.
func CivilDay(ts time.Time) time.Time {
	y, m, d := ts.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Validate checks the fields a detection pass relies on.
func (t Transaction) Validate() error {
	if t.ID == "" {
		return errors.New("transaction id is required")
	}
	if t.Merchant == "" {
		return fmt.Errorf("transaction %s: merchant is required", t.ID)
	}
	if !t.Category.Valid() {
		return fmt.Errorf("transaction %s: %w: %q", t.ID, ErrUnknownCategory, t.Category)
	}
	if t.Amount.IsNegative() {
		return fmt.Errorf("transaction %s: amount cannot be negative", t.ID)
	}
	if t.Date.IsZero() {
		return fmt.Errorf("transaction %s: date is required", t.ID)
	}
	return nil
}

// Less orders transactions by date ascending, ties broken by id.
func Less(a, b Transaction) bool {
	if !a.Date.Equal(b.Date) {
		return a.Date.Before(b.Date)
	}
	return a.ID < b.ID
}

// Sorted returns a copy of txns in detection order.
func Sorted(txns []Transaction) []Transaction {
	out := make([]Transaction, len(txns))
	copy(out, txns)
	sort.SliceStable(out, func(i, j int) bool { return Less(out[i], out[j]) })
	return out
}
