package detector

import (
	"fmt"
	"iter"
	"math"
	"time"

	"spend-anomalies/internal/ledger"
	"spend-anomalies/internal/threshold"
)

// Trusted answers whether a merchant is exempt from flagging.
type Trusted interface {
	Contains(merchant string) bool
}

// Options tune the frequency and time signals.
type Options struct {
	// BaselineWindow is the trailing period, ending before the transaction's
	// day, used as history for frequency and time signals.
	BaselineWindow  time.Duration
	FrequencyFactor float64
	MinBurst        int
	MinHistory      int
	NightStartHour  int
	NightEndHour    int
	NightShareMax   float64
	Now             func() time.Time
}

// DefaultOptions returns the stock detection parameters.
func DefaultOptions() Options {
	return Options{
		BaselineWindow:  30 * 24 * time.Hour,
		FrequencyFactor: 2.0,
		MinBurst:        3,
		MinHistory:      3,
		NightStartHour:  0,
		NightEndHour:    5,
		NightShareMax:   0.1,
		Now:             time.Now,
	}
}

func (o Options) normalized() Options {
	def := DefaultOptions()
	if o.BaselineWindow <= 0 {
		o.BaselineWindow = def.BaselineWindow
	}
	if o.FrequencyFactor <= 0 {
		o.FrequencyFactor = def.FrequencyFactor
	}
	if o.MinBurst <= 0 {
		o.MinBurst = def.MinBurst
	}
	if o.MinHistory <= 0 {
		o.MinHistory = def.MinHistory
	}
	if o.NightStartHour == o.NightEndHour {
		o.NightStartHour, o.NightEndHour = def.NightStartHour, def.NightEndHour
	}
	if o.NightShareMax <= 0 {
		o.NightShareMax = def.NightShareMax
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

func (o Options) isNight(t time.Time) bool {
	h := t.Hour()
	if o.NightStartHour < o.NightEndHour {
		return h >= o.NightStartHour && h < o.NightEndHour
	}
	return h >= o.NightStartHour || h < o.NightEndHour
}

// Detect evaluates every transaction against the amount, frequency and time
// signals. The returned sequence is lazy and may be ranged over repeatedly;
// each pass yields the same flags in date order, ties broken by id. Flags
// are returned with a pending disposition and nothing is stored.
func Detect(txns []ledger.Transaction, sets map[ledger.Category]threshold.Set, trusted Trusted, opts Options) iter.Seq[Flag] {
	ordered := ledger.Sorted(txns)
	opts = opts.normalized()

	return func(yield func(Flag) bool) {
		h := buildHistory(ordered, opts)
		createdAt := opts.Now().UTC()
		ordinals := make(map[dayKey]int)

		for _, txn := range ordered {
			key := dayKey{merchant: txn.Merchant, day: txn.Day()}
			ordinals[key]++

			if trusted != nil && trusted.Contains(txn.Merchant) {
				continue
			}

			for _, signal := range []Signal{SignalAmount, SignalFrequency, SignalTime} {
				var (
					severity  Severity
					rationale string
					hit       bool
				)
				switch signal {
				case SignalAmount:
					severity, rationale, hit = evalAmount(txn, sets)
				case SignalFrequency:
					severity, rationale, hit = evalFrequency(txn, ordinals[key], h, opts)
				case SignalTime:
					severity, rationale, hit = evalTime(txn, h, opts)
				}
				if !hit {
					continue
				}
				flag := Flag{
					ID:            FlagID(txn.ID, signal),
					TransactionID: txn.ID,
					Date:          txn.Date,
					Merchant:      txn.Merchant,
					Category:      txn.Category,
					Amount:        txn.Amount,
					Signal:        signal,
					Severity:      severity,
					Rationale:     rationale,
					CreatedAt:     createdAt,
					Disposition:   DispositionPending,
				}
				if !yield(flag) {
					return
				}
			}
		}
	}
}

// Collect drains a detection sequence into a slice.
func Collect(seq iter.Seq[Flag]) []Flag {
	var out []Flag
	for f := range seq {
		out = append(out, f)
	}
	return out
}

func evalAmount(txn ledger.Transaction, sets map[ledger.Category]threshold.Set) (Severity, string, bool) {
	set, ok := sets[txn.Category]
	if !ok || set.Suppressed || set.Degraded {
		return "", "", false
	}
	switch {
	case txn.Amount.GreaterThan(set.High):
		return SeverityHigh, fmt.Sprintf("amount %s exceeds %s high bound %s (%s sigma)",
			txn.Amount.StringFixed(2), txn.Category, set.High.StringFixed(2), set.HighMultiplier.String()), true
	case txn.Amount.GreaterThan(set.Low):
		return SeverityLow, fmt.Sprintf("amount %s exceeds %s low bound %s (%s sigma)",
			txn.Amount.StringFixed(2), txn.Category, set.Low.StringFixed(2), set.LowMultiplier.String()), true
	default:
		return "", "", false
	}
}

func evalFrequency(txn ledger.Transaction, ordinal int, h history, opts Options) (Severity, string, bool) {
	if ordinal <= opts.MinBurst {
		return "", "", false
	}
	activeDays, total := h.merchantBaseline(txn.Merchant, txn.Day(), opts.BaselineWindow)
	if activeDays < opts.MinHistory {
		return "", "", false
	}
	avg := float64(total) / float64(activeDays)
	expected := int(math.Ceil(avg * opts.FrequencyFactor))
	if expected < opts.MinBurst {
		expected = opts.MinBurst
	}
	if ordinal <= expected {
		return "", "", false
	}
	severity := SeverityLow
	if ordinal > 2*expected {
		severity = SeverityHigh
	}
	return severity, fmt.Sprintf("%d transactions at %s on %s, usual %.1f per active day (expected at most %d)",
		ordinal, txn.Merchant, txn.Day().Format(time.DateOnly), avg, expected), true
}

func evalTime(txn ledger.Transaction, h history, opts Options) (Severity, string, bool) {
	if !txn.Timed || !opts.isNight(txn.Date) {
		return "", "", false
	}
	night, total := h.categoryClock(txn.Category, txn.Day(), opts.BaselineWindow)
	if total < opts.MinHistory {
		return "", "", false
	}
	share := float64(night) / float64(total)
	if share >= opts.NightShareMax {
		return "", "", false
	}
	severity := SeverityLow
	if night == 0 {
		severity = SeverityHigh
	}
	return severity, fmt.Sprintf("%s spending at %s is unusual: %d of %d recent %s transactions happened between %02d:00 and %02d:00",
		txn.Category, txn.Date.Format("15:04"), night, total, txn.Category, opts.NightStartHour, opts.NightEndHour), true
}
