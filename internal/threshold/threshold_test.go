package threshold

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spend-anomalies/internal/ledger"
	"spend-anomalies/internal/stats"
)

func dec(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func TestDeriveDefaultBounds(t *testing.T) {
	p := NewPolicy(0, Multipliers{})
	sets := p.Derive(map[ledger.Category]stats.CategoryStatistics{
		ledger.CategoryDining: {Category: ledger.CategoryDining, Mean: dec(50), StdDev: dec(10), Count: 10},
	}, nil)

	set := sets[ledger.CategoryDining]
	assert.False(t, set.Degraded)
	assert.False(t, set.Suppressed)
	assert.True(t, set.Low.Equal(dec(65)), set.Low.String())
	assert.True(t, set.High.Equal(dec(75)), set.High.String())
	assert.Equal(t, 10, set.EffectiveSamples)
}

func TestDeriveInsufficientData(t *testing.T) {
	p := NewPolicy(5, Multipliers{})
	sets := p.Derive(map[ledger.Category]stats.CategoryStatistics{
		ledger.CategoryEducation: {Category: ledger.CategoryEducation, Mean: dec(500), StdDev: dec(100), Count: 2},
	}, nil)

	set := sets[ledger.CategoryEducation]
	assert.True(t, set.Degraded)
	assert.True(t, set.Suppressed)
	assert.Equal(t, ReasonInsufficientData, set.Reason)
}

func TestDeriveZeroVariance(t *testing.T) {
	p := NewPolicy(5, Multipliers{})
	sets := p.Derive(map[ledger.Category]stats.CategoryStatistics{
		ledger.CategoryTransport: {Category: ledger.CategoryTransport, Mean: dec(3), StdDev: decimal.Zero, Count: 12},
	}, nil)

	set := sets[ledger.CategoryTransport]
	assert.False(t, set.Degraded)
	assert.True(t, set.Suppressed)
	assert.Equal(t, ReasonZeroVariance, set.Reason)
}

func TestDeriveConsultsOverrides(t *testing.T) {
	p := NewPolicy(5, Multipliers{})
	overrides := Overrides{}
	widened := overrides.Widen(ledger.CategoryDining, p.Defaults, dec(0.5))
	require.True(t, widened.Low.Equal(dec(2)))
	require.True(t, widened.High.Equal(dec(3)))

	sets := p.Derive(map[ledger.Category]stats.CategoryStatistics{
		ledger.CategoryDining: {Category: ledger.CategoryDining, Mean: dec(50), StdDev: dec(10), Count: 10},
	}, overrides)

	set := sets[ledger.CategoryDining]
	assert.True(t, set.Low.Equal(dec(70)), set.Low.String())
	assert.True(t, set.High.Equal(dec(80)), set.High.String())
}

func TestWidenIsMonotone(t *testing.T) {
	overrides := Overrides{}
	base := Multipliers{Low: dec(1.5), High: dec(2.5)}
	overrides.Widen(ledger.CategoryDining, base, dec(0.5))
	again := overrides.Widen(ledger.CategoryDining, base, dec(-1))

	assert.True(t, again.Low.Equal(dec(2)), "negative steps never narrow")
	assert.Equal(t, []ledger.Category{ledger.CategoryDining}, overrides.Categories())
}
