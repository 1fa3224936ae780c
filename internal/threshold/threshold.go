package threshold

import (
	"sort"

	"github.com/shopspring/decimal"

	"spend-anomalies/internal/ledger"
	"spend-anomalies/internal/stats"
)

// Reason explains why amount detection is suppressed for a category.
type Reason string

const (
	ReasonNone Reason = ""
	// ReasonInsufficientData marks a category below the minimum sample size.
	ReasonInsufficientData Reason = "insufficient_data"
	// ReasonZeroVariance marks a category whose amounts are all identical.
	ReasonZeroVariance Reason = "zero_variance"
)

// DefaultMinSamples is the smallest category size with meaningful bounds.
const DefaultMinSamples = 5

var (
	DefaultLowMultiplier  = decimal.NewFromFloat(1.5)
	DefaultHighMultiplier = decimal.NewFromFloat(2.5)
)

// Multipliers are the σ factors for low and high severity.
type Multipliers struct {
	Low  decimal.Decimal
	High decimal.Decimal
}

// Set holds the amount bounds of one category.
type Set struct {
	Category         ledger.Category
	LowMultiplier    decimal.Decimal
	HighMultiplier   decimal.Decimal
	Low              decimal.Decimal
	High             decimal.Decimal
	EffectiveSamples int
	Degraded         bool
	Suppressed       bool
	Reason           Reason
}

// Overrides stores per-category multipliers set by feedback. Values only
// ever grow.
type Overrides map[ledger.Category]Multipliers

// Categories returns the overridden categories in stable order.
func (o Overrides) Categories() []ledger.Category {
	out := make([]ledger.Category, 0, len(o))
	for c := range o {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Widen raises the multipliers of category by step, starting from base when
// no override exists yet, and returns the new values.
func (o Overrides) Widen(category ledger.Category, base Multipliers, step decimal.Decimal) Multipliers {
	current, ok := o[category]
	if !ok {
		current = base
	}
	if step.IsNegative() {
		step = decimal.Zero
	}
	next := Multipliers{Low: current.Low.Add(step), High: current.High.Add(step)}
	o[category] = next
	return next
}

// Policy turns category statistics into threshold sets.
type Policy struct {
	MinSamples int
	Defaults   Multipliers
}

// NewPolicy returns a policy with the given minimum sample size and default
// multipliers; zero values fall back to the package defaults.
func NewPolicy(minSamples int, defaults Multipliers) Policy {
	if minSamples <= 0 {
		minSamples = DefaultMinSamples
	}
	if defaults.Low.IsZero() {
		defaults.Low = DefaultLowMultiplier
	}
	if defaults.High.IsZero() {
		defaults.High = DefaultHighMultiplier
	}
	return Policy{MinSamples: minSamples, Defaults: defaults}
}

// Multipliers returns the multipliers currently in effect for category.
func (p Policy) Multipliers(category ledger.Category, overrides Overrides) Multipliers {
	if m, ok := overrides[category]; ok {
		return m
	}
	return p.Defaults
}

// Derive computes a Set for every category present in categoryStats. It
// never fails: small or flat categories are suppressed instead.
func (p Policy) Derive(categoryStats map[ledger.Category]stats.CategoryStatistics, overrides Overrides) map[ledger.Category]Set {
	out := make(map[ledger.Category]Set, len(categoryStats))
	for category, st := range categoryStats {
		m := p.Multipliers(category, overrides)
		set := Set{
			Category:         category,
			LowMultiplier:    m.Low,
			HighMultiplier:   m.High,
			EffectiveSamples: st.Count,
		}

		switch {
		case st.Count < p.MinSamples:
			set.Degraded = true
			set.Suppressed = true
			set.Reason = ReasonInsufficientData
		case st.StdDev.IsZero():
			set.Suppressed = true
			set.Reason = ReasonZeroVariance
		default:
			set.Low = st.Mean.Add(m.Low.Mul(st.StdDev))
			set.High = st.Mean.Add(m.High.Mul(st.StdDev))
		}
		out[category] = set
	}
	return out
}
