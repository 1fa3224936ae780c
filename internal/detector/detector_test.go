package detector

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spend-anomalies/internal/ledger"
	"spend-anomalies/internal/stats"
	"spend-anomalies/internal/threshold"
)

var fixedNow = time.Date(2025, 12, 1, 9, 0, 0, 0, time.UTC)

func testOptions() Options {
	opts := DefaultOptions()
	opts.Now = func() time.Time { return fixedNow }
	return opts
}

func untimed(id string, day int, merchant string, category ledger.Category, amount float64) ledger.Transaction {
	return ledger.Transaction{
		ID:       id,
		Date:     time.Date(2025, 11, day, 0, 0, 0, 0, time.UTC),
		Merchant: merchant,
		Category: category,
		Amount:   decimal.NewFromFloat(amount),
	}
}

func timed(id string, day, hour int, merchant string, category ledger.Category, amount float64) ledger.Transaction {
	txn := untimed(id, day, merchant, category, amount)
	txn.Date = time.Date(2025, 11, day, hour, 30, 0, 0, time.UTC)
	txn.Timed = true
	return txn
}

type trustSet map[string]bool

func (s trustSet) Contains(m string) bool { return s[m] }

// diningBaseline has mean 50 and population σ 10.
func diningBaseline() []ledger.Transaction {
	var out []ledger.Transaction
	for i := 0; i < 10; i++ {
		amount := 40.0
		if i%2 == 1 {
			amount = 60
		}
		out = append(out, untimed(fmt.Sprintf("base-%02d", i), i+1, fmt.Sprintf("Diner %d", i), ledger.CategoryDining, amount))
	}
	return out
}

func derive(txns []ledger.Transaction) map[ledger.Category]threshold.Set {
	return threshold.NewPolicy(0, threshold.Multipliers{}).Derive(stats.Compute(txns), nil)
}

func TestAmountSeverityBands(t *testing.T) {
	sets := derive(diningBaseline())
	candidates := []ledger.Transaction{
		untimed("t-90", 20, "A", ledger.CategoryDining, 90),
		untimed("t-70", 21, "B", ledger.CategoryDining, 70),
		untimed("t-60", 22, "C", ledger.CategoryDining, 60),
		untimed("t-75", 23, "D", ledger.CategoryDining, 75),
	}

	flags := Collect(Detect(candidates, sets, nil, testOptions()))
	require.Len(t, flags, 3)

	assert.Equal(t, "t-90", flags[0].TransactionID)
	assert.Equal(t, SeverityHigh, flags[0].Severity)
	assert.Equal(t, SignalAmount, flags[0].Signal)

	assert.Equal(t, "t-70", flags[1].TransactionID)
	assert.Equal(t, SeverityLow, flags[1].Severity)

	assert.Equal(t, "t-75", flags[2].TransactionID)
	assert.Equal(t, SeverityLow, flags[2].Severity, "exactly mean+2.5σ stays low")

	for _, f := range flags {
		assert.Equal(t, DispositionPending, f.Disposition)
		assert.Equal(t, fixedNow, f.CreatedAt)
		assert.NotEmpty(t, f.Rationale)
	}
}

func TestDegradedCategoryNeverAmountFlagged(t *testing.T) {
	txns := []ledger.Transaction{
		untimed("e-1", 1, "School", ledger.CategoryEducation, 300),
		untimed("e-2", 2, "School", ledger.CategoryEducation, 500),
	}
	sets := derive(txns)
	require.True(t, sets[ledger.CategoryEducation].Degraded)

	txns = append(txns, untimed("e-3", 3, "Academy", ledger.CategoryEducation, 100000))
	flags := Collect(Detect(txns, sets, nil, testOptions()))
	assert.Empty(t, flags)
}

func TestZeroVarianceNeverAmountFlagged(t *testing.T) {
	var txns []ledger.Transaction
	for i := 0; i < 6; i++ {
		txns = append(txns, untimed(fmt.Sprintf("m-%d", i), i+1, fmt.Sprintf("Metro %d", i), ledger.CategoryTransport, 3))
	}
	sets := derive(txns)
	txns = append(txns, untimed("m-big", 20, "Taxi", ledger.CategoryTransport, 900))
	assert.Empty(t, Collect(Detect(txns, sets, nil, testOptions())))
}

func TestTrustedMerchantProducesNoFlags(t *testing.T) {
	sets := derive(diningBaseline())
	txns := []ledger.Transaction{
		untimed("t-1", 20, "Corner Cafe", ledger.CategoryDining, 500),
		untimed("t-2", 20, "Other", ledger.CategoryDining, 500),
	}
	flags := Collect(Detect(txns, sets, trustSet{"Corner Cafe": true}, testOptions()))
	require.Len(t, flags, 1)
	assert.Equal(t, "Other", flags[0].Merchant)
}

func TestDetectIsRestartableAndDeterministic(t *testing.T) {
	sets := derive(diningBaseline())
	txns := append(diningBaseline(), untimed("t-90", 20, "A", ledger.CategoryDining, 90))

	seq := Detect(txns, sets, nil, testOptions())
	first := Collect(seq)
	second := Collect(seq)
	assert.Equal(t, first, second)
	assert.Equal(t, first, Collect(Detect(txns, sets, nil, testOptions())))
}

func TestDetectStopsEarly(t *testing.T) {
	sets := derive(diningBaseline())
	txns := []ledger.Transaction{
		untimed("a", 20, "A", ledger.CategoryDining, 90),
		untimed("b", 21, "B", ledger.CategoryDining, 90),
	}
	count := 0
	for range Detect(txns, sets, nil, testOptions()) {
		count++
		break
	}
	assert.Equal(t, 1, count)
}

func TestOrderingByDateThenID(t *testing.T) {
	sets := derive(diningBaseline())
	txns := []ledger.Transaction{
		untimed("z", 21, "A", ledger.CategoryDining, 90),
		untimed("b", 20, "A", ledger.CategoryDining, 90),
		untimed("a", 20, "B", ledger.CategoryDining, 90),
	}
	flags := Collect(Detect(txns, sets, nil, testOptions()))
	require.Len(t, flags, 3)
	assert.Equal(t, []string{"a", "b", "z"}, []string{flags[0].TransactionID, flags[1].TransactionID, flags[2].TransactionID})
}

func TestFrequencyBurst(t *testing.T) {
	var txns []ledger.Transaction
	for day := 1; day <= 5; day++ {
		txns = append(txns, untimed(fmt.Sprintf("h-%d", day), day, "Coffee", ledger.CategoryDining, 5))
	}
	for i := 1; i <= 7; i++ {
		txns = append(txns, untimed(fmt.Sprintf("x-%d", i), 10, "Coffee", ledger.CategoryDining, 5))
	}

	flags := Collect(Detect(txns, nil, nil, testOptions()))
	require.Len(t, flags, 4)
	for _, f := range flags {
		assert.Equal(t, SignalFrequency, f.Signal)
	}
	assert.Equal(t, "x-4", flags[0].TransactionID)
	assert.Equal(t, SeverityLow, flags[0].Severity)
	assert.Equal(t, "x-7", flags[3].TransactionID)
	assert.Equal(t, SeverityHigh, flags[3].Severity)
}

func TestFrequencyBurstWithDistinctZoneValues(t *testing.T) {
	// Each parse of a "+05:30" timestamp yields its own *time.Location.
	at := func(id string, day, hour int) ledger.Transaction {
		txn := untimed(id, day, "Coffee", ledger.CategoryDining, 5)
		txn.Date = time.Date(2025, 11, day, hour, 0, 0, 0, time.FixedZone("", 5*3600+1800))
		txn.Timed = true
		return txn
	}
	var txns []ledger.Transaction
	for day := 1; day <= 5; day++ {
		txns = append(txns, at(fmt.Sprintf("h-%d", day), day, 9))
	}
	for i := 1; i <= 7; i++ {
		txns = append(txns, at(fmt.Sprintf("x-%d", i), 10, 8+i))
	}

	flags := Collect(Detect(txns, nil, nil, testOptions()))
	require.Len(t, flags, 4)
	for _, f := range flags {
		assert.Equal(t, SignalFrequency, f.Signal)
	}
	assert.Equal(t, "x-4", flags[0].TransactionID)
	assert.Equal(t, "x-7", flags[3].TransactionID)
	assert.Equal(t, SeverityHigh, flags[3].Severity)
}

func TestFrequencyNeedsHistory(t *testing.T) {
	var txns []ledger.Transaction
	for i := 1; i <= 8; i++ {
		txns = append(txns, untimed(fmt.Sprintf("x-%d", i), 10, "New Shop", ledger.CategoryShopping, 5))
	}
	assert.Empty(t, Collect(Detect(txns, nil, nil, testOptions())))
}

func TestTimeSignal(t *testing.T) {
	var txns []ledger.Transaction
	for day := 1; day <= 5; day++ {
		txns = append(txns, timed(fmt.Sprintf("ev-%d", day), day, 20, fmt.Sprintf("Cinema %d", day), ledger.CategoryEntertainment, 30))
	}
	txns = append(txns, timed("late", 10, 2, "Bar", ledger.CategoryEntertainment, 30))
	txns = append(txns, untimed("undated", 11, "Bar", ledger.CategoryEntertainment, 30))

	flags := Collect(Detect(txns, nil, nil, testOptions()))
	require.Len(t, flags, 1)
	assert.Equal(t, "late", flags[0].TransactionID)
	assert.Equal(t, SignalTime, flags[0].Signal)
	assert.Equal(t, SeverityHigh, flags[0].Severity)
	assert.Equal(t, FlagID("late", SignalTime), flags[0].ID)
}

func TestTimeSignalRespectsHabit(t *testing.T) {
	var txns []ledger.Transaction
	for day := 1; day <= 5; day++ {
		txns = append(txns, timed(fmt.Sprintf("n-%d", day), day, 1, "Club", ledger.CategoryEntertainment, 30))
	}
	txns = append(txns, timed("late", 10, 2, "Club", ledger.CategoryEntertainment, 30))
	assert.Empty(t, Collect(Detect(txns, nil, nil, testOptions())))
}

func TestParseDisposition(t *testing.T) {
	d, ok := ParseDisposition(" Dismissed ")
	assert.True(t, ok)
	assert.Equal(t, DispositionDismissed, d)
	assert.True(t, d.Resolved())
	assert.False(t, DispositionPending.Resolved())

	_, ok = ParseDisposition("fraud")
	assert.False(t, ok)
}
