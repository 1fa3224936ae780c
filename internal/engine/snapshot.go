package engine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"spend-anomalies/internal/detector"
	"spend-anomalies/internal/feedback"
	"spend-anomalies/internal/ledger"
	"spend-anomalies/internal/threshold"
	"spend-anomalies/internal/trust"
)

// SnapshotVersion is bumped whenever the snapshot layout changes.
const SnapshotVersion = 1

// Snapshot is the persisted form of a session: plain strings, numbers,
// slices and maps so any key-value backend can hold it.
type Snapshot struct {
	Version    int                         `json:"version"`
	Revision   int                         `json:"revision"`
	Trusted    []TrustedRecord             `json:"trusted_merchants"`
	Flags      []FlagRecord                `json:"flags"`
	Overrides  map[string]MultiplierRecord `json:"threshold_overrides"`
	Dismissals map[string][]string         `json:"dismissals"`
}

// TrustedRecord is a persisted trusted merchant.
type TrustedRecord struct {
	Name    string `json:"name"`
	AddedAt string `json:"added_at"`
}

// MultiplierRecord is a persisted override.
type MultiplierRecord struct {
	Low  string `json:"low"`
	High string `json:"high"`
}

// FlagRecord is a persisted anomaly flag.
type FlagRecord struct {
	ID            string `json:"id"`
	TransactionID string `json:"transaction_id"`
	Date          string `json:"date"`
	Merchant      string `json:"merchant"`
	Category      string `json:"category"`
	Amount        string `json:"amount"`
	Signal        string `json:"signal"`
	Severity      string `json:"severity"`
	Rationale     string `json:"rationale"`
	CreatedAt     string `json:"created_at"`
	Disposition   string `json:"disposition"`
	ResolvedAt    string `json:"resolved_at,omitempty"`
}

// Snapshot captures the engine's session state.
func (e *Engine) Snapshot() Snapshot {
	return TakeSnapshot(e.state)
}

// TakeSnapshot converts state into its persisted form.
func TakeSnapshot(state *feedback.State) Snapshot {
	snap := Snapshot{
		Version:    SnapshotVersion,
		Revision:   state.Revision,
		Trusted:    make([]TrustedRecord, 0, state.Trust.Len()),
		Flags:      make([]FlagRecord, 0, state.History.Len()),
		Overrides:  make(map[string]MultiplierRecord, len(state.Overrides)),
		Dismissals: make(map[string][]string, len(state.Dismissals)),
	}

	for _, m := range state.Trust.Entries() {
		snap.Trusted = append(snap.Trusted, TrustedRecord{Name: m.Name, AddedAt: formatTime(m.AddedAt)})
	}
	for _, f := range state.History.All() {
		snap.Flags = append(snap.Flags, FlagRecord{
			ID:            f.ID,
			TransactionID: f.TransactionID,
			Date:          formatTime(f.Date),
			Merchant:      f.Merchant,
			Category:      string(f.Category),
			Amount:        f.Amount.String(),
			Signal:        string(f.Signal),
			Severity:      string(f.Severity),
			Rationale:     f.Rationale,
			CreatedAt:     formatTime(f.CreatedAt),
			Disposition:   string(f.Disposition),
			ResolvedAt:    formatTime(f.ResolvedAt),
		})
	}
	for _, c := range state.Overrides.Categories() {
		m := state.Overrides[c]
		snap.Overrides[string(c)] = MultiplierRecord{Low: m.Low.String(), High: m.High.String()}
	}
	for _, c := range state.Dismissals.Sorted() {
		stamps := make([]string, 0, len(state.Dismissals[c]))
		for _, ts := range state.Dismissals[c] {
			stamps = append(stamps, formatTime(ts))
		}
		snap.Dismissals[string(c)] = stamps
	}
	return snap
}

// Restore rebuilds session state from a snapshot. A zero snapshot yields a
// fresh state.
func Restore(snap Snapshot, now func() time.Time) (*feedback.State, error) {
	state := feedback.NewState(now)
	if snap.Version > SnapshotVersion {
		return nil, fmt.Errorf("snapshot version %d is newer than supported %d", snap.Version, SnapshotVersion)
	}
	state.Revision = snap.Revision

	for _, rec := range snap.Trusted {
		added, err := parseTime(rec.AddedAt)
		if err != nil {
			return nil, fmt.Errorf("trusted merchant %q: %w", rec.Name, err)
		}
		state.Trust.Restore(trust.Merchant{Name: rec.Name, AddedAt: added})
	}

	for _, rec := range snap.Flags {
		f, err := rec.flag()
		if err != nil {
			return nil, fmt.Errorf("flag %s: %w", rec.ID, err)
		}
		state.History.Restore(f)
	}

	for label, rec := range snap.Overrides {
		category, err := ledger.ParseCategory(label)
		if err != nil {
			return nil, err
		}
		low, err := decimal.NewFromString(rec.Low)
		if err != nil {
			return nil, fmt.Errorf("override %s low: %w", label, err)
		}
		high, err := decimal.NewFromString(rec.High)
		if err != nil {
			return nil, fmt.Errorf("override %s high: %w", label, err)
		}
		state.Overrides[category] = threshold.Multipliers{Low: low, High: high}
	}

	for label, stamps := range snap.Dismissals {
		category, err := ledger.ParseCategory(label)
		if err != nil {
			return nil, err
		}
		for _, raw := range stamps {
			ts, err := parseTime(raw)
			if err != nil {
				return nil, fmt.Errorf("dismissal %s: %w", label, err)
			}
			state.Dismissals[category] = append(state.Dismissals[category], ts)
		}
	}
	return state, nil
}

func (rec FlagRecord) flag() (detector.Flag, error) {
	category, err := ledger.ParseCategory(rec.Category)
	if err != nil {
		return detector.Flag{}, err
	}
	amount, err := decimal.NewFromString(rec.Amount)
	if err != nil {
		return detector.Flag{}, fmt.Errorf("parse amount: %w", err)
	}
	signal, ok := detector.ParseSignal(rec.Signal)
	if !ok {
		return detector.Flag{}, fmt.Errorf("unknown signal %q", rec.Signal)
	}
	severity, ok := detector.ParseSeverity(rec.Severity)
	if !ok {
		return detector.Flag{}, fmt.Errorf("unknown severity %q", rec.Severity)
	}
	disposition, ok := detector.ParseDisposition(rec.Disposition)
	if !ok {
		return detector.Flag{}, fmt.Errorf("unknown disposition %q", rec.Disposition)
	}
	date, err := parseTime(rec.Date)
	if err != nil {
		return detector.Flag{}, err
	}
	created, err := parseTime(rec.CreatedAt)
	if err != nil {
		return detector.Flag{}, err
	}
	resolved, err := parseTime(rec.ResolvedAt)
	if err != nil {
		return detector.Flag{}, err
	}
	return detector.Flag{
		ID:            rec.ID,
		TransactionID: rec.TransactionID,
		Date:          date,
		Merchant:      rec.Merchant,
		Category:      category,
		Amount:        amount,
		Signal:        signal,
		Severity:      severity,
		Rationale:     rec.Rationale,
		CreatedAt:     created,
		Disposition:   disposition,
		ResolvedAt:    resolved,
	}, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, v)
}
