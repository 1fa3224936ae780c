package detector

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"spend-anomalies/internal/ledger"
)

// Signal identifies the detection rule that produced a flag.
type Signal string

const (
	SignalAmount    Signal = "amount"
	SignalFrequency Signal = "frequency"
	SignalTime      Signal = "time"
)

// ParseSignal maps a stored label onto a Signal.
func ParseSignal(v string) (Signal, bool) {
	switch s := Signal(strings.ToLower(strings.TrimSpace(v))); s {
	case SignalAmount, SignalFrequency, SignalTime:
		return s, true
	default:
		return "", false
	}
}

// Severity is the coarse magnitude of a flag.
type Severity string

const (
	SeverityLow  Severity = "low"
	SeverityHigh Severity = "high"
)

// ParseSeverity maps a stored label onto a Severity.
func ParseSeverity(v string) (Severity, bool) {
	switch s := Severity(strings.ToLower(strings.TrimSpace(v))); s {
	case SeverityLow, SeverityHigh:
		return s, true
	default:
		return "", false
	}
}

// Disposition is the user's resolution of a flag.
type Disposition string

const (
	DispositionPending     Disposition = "pending"
	DispositionConfirmed   Disposition = "confirmed"
	DispositionDismissed   Disposition = "dismissed"
	DispositionWhitelisted Disposition = "whitelisted"
)

// ParseDisposition maps a label onto a Disposition, including pending.
func ParseDisposition(v string) (Disposition, bool) {
	switch d := Disposition(strings.ToLower(strings.TrimSpace(v))); d {
	case DispositionPending, DispositionConfirmed, DispositionDismissed, DispositionWhitelisted:
		return d, true
	default:
		return "", false
	}
}

// Resolved reports whether d is a terminal disposition.
func (d Disposition) Resolved() bool {
	switch d {
	case DispositionConfirmed, DispositionDismissed, DispositionWhitelisted:
		return true
	default:
		return false
	}
}

// Flag asserts that one transaction triggered one signal.
type Flag struct {
	ID            string
	TransactionID string
	Date          time.Time
	Merchant      string
	Category      ledger.Category
	Amount        decimal.Decimal
	Signal        Signal
	Severity      Severity
	Rationale     string
	CreatedAt     time.Time
	Disposition   Disposition
	ResolvedAt    time.Time
}

// FlagID is stable across passes so a rescan recognises flags it has
// already surfaced.
func FlagID(transactionID string, signal Signal) string {
	return transactionID + "/" + string(signal)
}
